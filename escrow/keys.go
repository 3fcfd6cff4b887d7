package escrow

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/variablefate/ridestr-sub008/bdhke"
)

// PaymentKeys signs escrow witnesses. It is deliberately a different key
// from the identity used for the proof store.
type PaymentKeys interface {
	// PublicKey is the compressed hex key placed in HTLC secrets.
	PublicKey() string
	// Sign returns a hex BIP-340 signature over a 32-byte hash.
	Sign(hash []byte) (string, error)
}

// LocalPaymentKey keeps the payment key in memory.
type LocalPaymentKey struct {
	priv *secp256k1.PrivateKey
	pub  string
}

func NewLocalPaymentKey(privHex string) (*LocalPaymentKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(privHex))
	if err != nil {
		return nil, fmt.Errorf("bad payment key hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("payment key must be 32 bytes")
	}
	var k secp256k1.ModNScalar
	if overflow := k.SetByteSlice(b); overflow || k.IsZero() {
		return nil, fmt.Errorf("invalid payment key scalar")
	}
	priv := secp256k1.NewPrivateKey(&k)
	return &LocalPaymentKey{priv: priv, pub: hex.EncodeToString(priv.PubKey().SerializeCompressed())}, nil
}

// GeneratePaymentKey returns a random payment key.
func GeneratePaymentKey() (*LocalPaymentKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &LocalPaymentKey{priv: priv, pub: hex.EncodeToString(priv.PubKey().SerializeCompressed())}, nil
}

func (k *LocalPaymentKey) PublicKey() string { return k.pub }

// PrivateKey returns the hex secret key.
func (k *LocalPaymentKey) PrivateKey() string {
	return hex.EncodeToString(k.priv.Serialize())
}

func (k *LocalPaymentKey) Sign(hash []byte) (string, error) {
	return bdhke.SignSchnorr(hash, k.priv)
}
