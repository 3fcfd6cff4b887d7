package bdhke

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// WitnessMessage is the 32 byte message a spending witness signs for a
// proof: SHA256(secret || C).
func WitnessMessage(secret, c string) ([]byte, error) {
	cb, err := decodeHex(c)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write([]byte(secret))
	h.Write(cb)
	return h.Sum(nil), nil
}

// SignSchnorr returns a hex BIP-340 signature over hash.
func SignSchnorr(hash []byte, priv *secp256k1.PrivateKey) (string, error) {
	if len(hash) != 32 {
		return "", fmt.Errorf("schnorr: hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := schnorr.Sign(priv, hash)
	if err != nil {
		return "", fmt.Errorf("schnorr sign: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifySchnorr checks a hex BIP-340 signature against pub.
func VerifySchnorr(hash []byte, sigHex string, pub *secp256k1.PublicKey) error {
	sb, err := decodeHex(sigHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	sig, err := schnorr.ParseSignature(sb)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if !sig.Verify(hash, pub) {
		return fmt.Errorf("%w: bad schnorr signature", ErrVerification)
	}
	return nil
}

// SignProofWitness signs the witness message for a proof.
func SignProofWitness(secret, c string, priv *secp256k1.PrivateKey) (string, error) {
	msg, err := WitnessMessage(secret, c)
	if err != nil {
		return "", err
	}
	return SignSchnorr(msg, priv)
}
