package bdhke

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/variablefate/ridestr-sub008/cashu"
)

// hashE computes the DLEQ challenge over the uncompressed hex encodings of
// the points.
func hashE(points ...*secp256k1.PublicKey) [32]byte {
	var s []byte
	for _, p := range points {
		s = append(s, hex.EncodeToString(p.SerializeUncompressed())...)
	}
	return sha256.Sum256(s)
}

// VerifyDLEQ checks that C_ was produced with the private key behind a for
// the blinded message b:
//
//	R1 = s*G - e*A
//	R2 = s*B_ - e*C_
//	e == hash(R1, R2, A, C_)
func VerifyDLEQ(eHex, sHex string, a, b, cBlind *secp256k1.PublicKey) error {
	e, err := ParseScalar(eHex)
	if err != nil {
		return fmt.Errorf("%w: dleq e: %v", ErrVerification, err)
	}
	s, err := ParseScalar(sHex)
	if err != nil {
		return fmt.Errorf("%w: dleq s: %v", ErrVerification, err)
	}

	sG, err := ScalarBaseMult(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	eA, err := ScalarMult(e, a)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	r1, err := SubPoints(sG, eA)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}

	sB, err := ScalarMult(s, b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	eC, err := ScalarMult(e, cBlind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	r2, err := SubPoints(sB, eC)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}

	want := hashE(r1, r2, a, cBlind)
	eb := e.Bytes()
	if eb != want {
		return fmt.Errorf("%w: dleq challenge mismatch", ErrVerification)
	}
	return nil
}

// ProveDLEQ produces (e, s) for C_ = k*B_. Mint side.
func ProveDLEQ(k *secp256k1.PrivateKey, b, cBlind *secp256k1.PublicKey) (eHex, sHex string, err error) {
	p, err := RandomScalar()
	if err != nil {
		return "", "", err
	}
	r1, err := ScalarBaseMult(p)
	if err != nil {
		return "", "", err
	}
	r2, err := ScalarMult(p, b)
	if err != nil {
		return "", "", err
	}
	eb := hashE(r1, r2, k.PubKey(), cBlind)

	var e, s secp256k1.ModNScalar
	e.SetBytes(&eb)
	s.Mul2(&e, &k.Key).Add(p)

	sb := s.Bytes()
	return hex.EncodeToString(eb[:]), hex.EncodeToString(sb[:]), nil
}

// VerifyProofDLEQ re-checks a received proof's DLEQ using the blinding
// factor carried in the proof: B_ = Y + r*G and C_ = C + r*A.
func VerifyProofDLEQ(p cashu.Proof, a *secp256k1.PublicKey) error {
	if p.DLEQ == nil || p.DLEQ.R == "" {
		return fmt.Errorf("%w: proof carries no dleq", ErrVerification)
	}
	r, err := ParseScalar(p.DLEQ.R)
	if err != nil {
		return fmt.Errorf("%w: dleq r: %v", ErrVerification, err)
	}
	c, err := ParsePoint(p.C)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	_, b, err := BlindSecret(p.Secret, r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	rA, err := ScalarMult(r, a)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	cBlind, err := AddPoints(c, rA)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return VerifyDLEQ(p.DLEQ.E, p.DLEQ.S, a, b, cBlind)
}
