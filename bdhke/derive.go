package bdhke

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const kdfDomain = "Cashu_KDF_HMAC_SHA256"

// ErrNoSeed is returned by every operation that would mint new proofs
// without a recovery seed.
var ErrNoSeed = errors.New("no wallet seed: refusing to mint unrecoverable proofs")

func kdfMessage(keysetID string, counter uint64, which byte) []byte {
	id, err := hex.DecodeString(keysetID)
	if err != nil {
		id = []byte(keysetID)
	}
	msg := make([]byte, 0, len(kdfDomain)+len(id)+9)
	msg = append(msg, kdfDomain...)
	msg = append(msg, id...)
	msg = binary.BigEndian.AppendUint64(msg, counter)
	return append(msg, which)
}

func kdf(seed []byte, keysetID string, counter uint64, which byte) []byte {
	mac := hmac.New(sha256.New, seed)
	mac.Write(kdfMessage(keysetID, counter, which))
	return mac.Sum(nil)
}

// DeriveSecret derives the deterministic secret and blinding factor for
// (keysetID, counter). The secret is the hex of the first HMAC; r is the
// second HMAC reduced mod n.
func DeriveSecret(seed []byte, keysetID string, counter uint64) (string, *secp256k1.ModNScalar, error) {
	if len(seed) == 0 {
		return "", nil, ErrNoSeed
	}
	secret := hex.EncodeToString(kdf(seed, keysetID, counter, 0x00))

	var r secp256k1.ModNScalar
	r.SetByteSlice(kdf(seed, keysetID, counter, 0x01))
	if r.IsZero() {
		return "", nil, errors.New("derived zero blinding factor")
	}
	return secret, &r, nil
}
