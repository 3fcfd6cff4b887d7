package bdhke

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const domainSeparator = "Secp256k1_HashToCurve_Cashu_"

// maxHashToCurveIterations bounds the counter search. Roughly half of all x
// values lie on the curve so this is never reached in practice.
const maxHashToCurveIterations = 1 << 16

var errNoCurvePoint = errors.New("hash to curve: no valid point found")

// HashToCurve maps a message to a curve point Y:
//
//	msgHash = SHA256(domainSeparator || message)
//	Y = lift_x(SHA256(msgHash || counter)) for the first counter that lands
//	on the curve, counter encoded as little-endian uint32.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgHash := sha256.Sum256(append([]byte(domainSeparator), message...))

	var counter [4]byte
	buf := make([]byte, 0, 33)
	for i := uint32(0); i < maxHashToCurveIterations; i++ {
		binary.LittleEndian.PutUint32(counter[:], i)
		h := sha256.Sum256(append(msgHash[:], counter[:]...))

		buf = append(buf[:0], 0x02)
		buf = append(buf, h[:]...)
		if pk, err := secp256k1.ParsePubKey(buf); err == nil {
			return pk, nil
		}
	}
	return nil, errNoCurvePoint
}

// HashSecret returns Y for a proof secret, the point the mint indexes spend
// state by.
func HashSecret(secret string) (*secp256k1.PublicKey, error) {
	return HashToCurve([]byte(secret))
}

// SecretY returns the compressed hex of HashSecret(secret).
func SecretY(secret string) (string, error) {
	y, err := HashSecret(secret)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(y.SerializeCompressed()), nil
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad hex: %w", err)
	}
	return b, nil
}
