package bdhke

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var ErrInfinity = errors.New("point at infinity")

// AddPoints returns a+b as a *secp256k1.PublicKey using Jacobian add and
// affine conversion.
func AddPoints(a, b *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	var aj, bj, sum secp256k1.JacobianPoint
	a.AsJacobian(&aj)
	b.AsJacobian(&bj)
	secp256k1.AddNonConst(&aj, &bj, &sum)
	return jacobianToPubKey(&sum)
}

// SubPoints returns a-b.
func SubPoints(a, b *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	var aj, bj, sum secp256k1.JacobianPoint
	a.AsJacobian(&aj)
	b.AsJacobian(&bj)
	bj.Y.Negate(1)
	bj.Y.Normalize()
	secp256k1.AddNonConst(&aj, &bj, &sum)
	return jacobianToPubKey(&sum)
}

// ScalarMult returns k*P.
func ScalarMult(k *secp256k1.ModNScalar, p *secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	var pj, out secp256k1.JacobianPoint
	p.AsJacobian(&pj)
	secp256k1.ScalarMultNonConst(k, &pj, &out)
	return jacobianToPubKey(&out)
}

// ScalarBaseMult returns k*G.
func ScalarBaseMult(k *secp256k1.ModNScalar) (*secp256k1.PublicKey, error) {
	var out secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(k, &out)
	return jacobianToPubKey(&out)
}

func jacobianToPubKey(p *secp256k1.JacobianPoint) (*secp256k1.PublicKey, error) {
	// Infinity if Z == 0 in Jacobian coords.
	if (p.X.IsZero() && p.Y.IsZero()) || p.Z.IsZero() {
		return nil, ErrInfinity
	}
	p.ToAffine()

	var x, y secp256k1.FieldVal
	x.Set(&p.X)
	y.Set(&p.Y)
	return secp256k1.NewPublicKey(&x, &y), nil
}

// ParsePoint decodes a hex compressed point.
func ParsePoint(h string) (*secp256k1.PublicKey, error) {
	b, err := decodeHex(h)
	if err != nil {
		return nil, err
	}
	pk, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("bad point %q: %w", h, err)
	}
	return pk, nil
}

// ParseScalar decodes a 32 byte hex scalar, rejecting overflow and zero.
func ParseScalar(h string) (*secp256k1.ModNScalar, error) {
	b, err := decodeHex(h)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("scalar must be 32 bytes, got %d", len(b))
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(b); overflow || s.IsZero() {
		return nil, fmt.Errorf("invalid scalar")
	}
	return &s, nil
}
