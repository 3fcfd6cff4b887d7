// Package bdhke implements the blind Diffie-Hellman key exchange used by the
// mint, plus the deterministic derivation, DLEQ and Schnorr witness helpers
// built on it. Everything here is pure computation.
package bdhke

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/variablefate/ridestr-sub008/cashu"
)

// ErrVerification marks a local cryptographic check that failed. It is never
// retried.
var ErrVerification = errors.New("local verification failed")

// Blind returns B_ = Y + r*G.
func Blind(y *secp256k1.PublicKey, r *secp256k1.ModNScalar) (*secp256k1.PublicKey, error) {
	rG, err := ScalarBaseMult(r)
	if err != nil {
		return nil, err
	}
	return AddPoints(y, rG)
}

// BlindSecret hashes secret to the curve and blinds it with r.
func BlindSecret(secret string, r *secp256k1.ModNScalar) (y, b *secp256k1.PublicKey, err error) {
	y, err = HashSecret(secret)
	if err != nil {
		return nil, nil, err
	}
	b, err = Blind(y, r)
	if err != nil {
		return nil, nil, err
	}
	return y, b, nil
}

// SignBlinded is the mint side of the exchange: C_ = k*B_.
func SignBlinded(k *secp256k1.PrivateKey, b *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	return ScalarMult(&k.Key, b)
}

// Unblind returns C = C_ - r*K. K must be the mint key for the amount the
// mint's response declares.
func Unblind(c *secp256k1.PublicKey, r *secp256k1.ModNScalar, k *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	rK, err := ScalarMult(r, k)
	if err != nil {
		return nil, err
	}
	return SubPoints(c, rK)
}

// Verify reports whether C == k*hash_to_curve(secret). Only a holder of k can
// run it.
func Verify(k *secp256k1.PrivateKey, c *secp256k1.PublicKey, secret string) bool {
	y, err := HashSecret(secret)
	if err != nil {
		return false
	}
	want, err := ScalarMult(&k.Key, y)
	if err != nil {
		return false
	}
	return want.IsEqual(c)
}

// PreMintSecret is the wallet's private precursor to a proof. It is
// persisted before the blinded message leaves the process.
type PreMintSecret struct {
	Amount         uint64 `json:"amount"`
	KeysetID       string `json:"keyset_id"`
	Secret         string `json:"secret"`
	BlindingFactor string `json:"r"`
	HashedMessage  string `json:"y"`
	BlindedMessage string `json:"b_"`
	Counter        uint64 `json:"counter,omitempty"`
	Deterministic  bool   `json:"deterministic,omitempty"`
}

// NewPreMint blinds secret with r.
func NewPreMint(amount uint64, keysetID, secret string, r *secp256k1.ModNScalar) (PreMintSecret, error) {
	y, b, err := BlindSecret(secret, r)
	if err != nil {
		return PreMintSecret{}, err
	}
	rb := r.Bytes()
	return PreMintSecret{
		Amount:         amount,
		KeysetID:       keysetID,
		Secret:         secret,
		BlindingFactor: hex.EncodeToString(rb[:]),
		HashedMessage:  hex.EncodeToString(y.SerializeCompressed()),
		BlindedMessage: hex.EncodeToString(b.SerializeCompressed()),
	}, nil
}

// NewRandomPreMint blinds secret with a fresh random factor. Only HTLC
// locked outputs use it; everything else is derived from the seed.
func NewRandomPreMint(amount uint64, keysetID, secret string) (PreMintSecret, error) {
	r, err := RandomScalar()
	if err != nil {
		return PreMintSecret{}, err
	}
	return NewPreMint(amount, keysetID, secret, r)
}

// DeterministicPreMints derives one output per amount using consecutive
// counters starting at counterStart.
func DeterministicPreMints(seed []byte, keysetID string, counterStart uint64, amounts []uint64) ([]PreMintSecret, error) {
	out := make([]PreMintSecret, 0, len(amounts))
	for i, amt := range amounts {
		counter := counterStart + uint64(i)
		secret, r, err := DeriveSecret(seed, keysetID, counter)
		if err != nil {
			return nil, err
		}
		pm, err := NewPreMint(amt, keysetID, secret, r)
		if err != nil {
			return nil, fmt.Errorf("counter %d: %w", counter, err)
		}
		pm.Counter = counter
		pm.Deterministic = true
		out = append(out, pm)
	}
	return out, nil
}

// R parses the stored blinding factor.
func (p PreMintSecret) R() (*secp256k1.ModNScalar, error) {
	return ParseScalar(p.BlindingFactor)
}

// Message returns the blinded message sent to the mint.
func (p PreMintSecret) Message() cashu.BlindedMessage {
	return cashu.BlindedMessage{Amount: p.Amount, Id: p.KeysetID, B_: p.BlindedMessage}
}

// Messages maps premints to their blinded messages, preserving order.
func Messages(pms []PreMintSecret) cashu.BlindedMessages {
	out := make(cashu.BlindedMessages, len(pms))
	for i, p := range pms {
		out[i] = p.Message()
	}
	return out
}

// ConstructProof unblinds sig using the premint it answers. The mint key is
// chosen by sig.Amount, not by the amount that was requested. A DLEQ proof,
// when present, is checked first.
func ConstructProof(sig cashu.BlindedSignature, pm PreMintSecret, ks *cashu.Keyset) (cashu.Proof, error) {
	if sig.Id != ks.Id {
		return cashu.Proof{}, fmt.Errorf("%w: signature keyset %s, expected %s", ErrVerification, sig.Id, ks.Id)
	}
	if !cashu.IsPowerOfTwo(sig.Amount) {
		return cashu.Proof{}, fmt.Errorf("%w: signature amount %d: %v", ErrVerification, sig.Amount, cashu.ErrInvalidAmount)
	}
	k, err := ks.Key(sig.Amount)
	if err != nil {
		return cashu.Proof{}, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	cBlind, err := ParsePoint(sig.C_)
	if err != nil {
		return cashu.Proof{}, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	r, err := pm.R()
	if err != nil {
		return cashu.Proof{}, err
	}

	var dleq *cashu.DLEQProof
	if sig.DLEQ != nil {
		b, err := ParsePoint(pm.BlindedMessage)
		if err != nil {
			return cashu.Proof{}, err
		}
		if err := VerifyDLEQ(sig.DLEQ.E, sig.DLEQ.S, k, b, cBlind); err != nil {
			return cashu.Proof{}, err
		}
		dleq = &cashu.DLEQProof{E: sig.DLEQ.E, S: sig.DLEQ.S, R: pm.BlindingFactor}
	}

	c, err := Unblind(cBlind, r, k)
	if err != nil {
		return cashu.Proof{}, fmt.Errorf("%w: unblind: %v", ErrVerification, err)
	}
	return cashu.Proof{
		Amount: sig.Amount,
		Id:     sig.Id,
		Secret: pm.Secret,
		C:      hex.EncodeToString(c.SerializeCompressed()),
		DLEQ:   dleq,
	}, nil
}

// ConstructProofs pairs signatures with premints by index.
func ConstructProofs(sigs cashu.BlindedSignatures, pms []PreMintSecret, ks *cashu.Keyset) (cashu.Proofs, error) {
	if len(sigs) > len(pms) {
		return nil, fmt.Errorf("%w: %d signatures for %d outputs", ErrVerification, len(sigs), len(pms))
	}
	out := make(cashu.Proofs, 0, len(sigs))
	for i, sig := range sigs {
		p, err := ConstructProof(sig, pms[i], ks)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// RandomScalar returns a uniformly random non-zero scalar.
func RandomScalar() (*secp256k1.ModNScalar, error) {
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, err
		}
		var s secp256k1.ModNScalar
		if overflow := s.SetBytes(&buf); overflow == 0 && !s.IsZero() {
			return &s, nil
		}
	}
}

// RandomHex returns n random bytes hex encoded.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
