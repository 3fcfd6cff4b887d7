package proofstore

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// Keys is the identity the store writes as. Content is always encrypted to
// this identity before it leaves the process.
type Keys interface {
	PublicKey() string
	SignEvent(ev *nostr.Event) error
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// LocalKeys holds a nostr secret key in memory and encrypts to itself with
// NIP-44.
type LocalKeys struct {
	sk      string
	pk      string
	convKey [32]byte
}

func NewLocalKeys(skHex string) (*LocalKeys, error) {
	pk, err := nostr.GetPublicKey(skHex)
	if err != nil {
		return nil, fmt.Errorf("bad nostr key: %w", err)
	}
	ck, err := nip44.GenerateConversationKey(pk, skHex)
	if err != nil {
		return nil, fmt.Errorf("conversation key: %w", err)
	}
	return &LocalKeys{sk: skHex, pk: pk, convKey: ck}, nil
}

// GenerateKeys returns keys for a fresh random identity.
func GenerateKeys() (*LocalKeys, error) {
	return NewLocalKeys(nostr.GeneratePrivateKey())
}

func (k *LocalKeys) PublicKey() string { return k.pk }

// SecretKey returns the hex secret key.
func (k *LocalKeys) SecretKey() string { return k.sk }

func (k *LocalKeys) SignEvent(ev *nostr.Event) error {
	ev.PubKey = k.pk
	return ev.Sign(k.sk)
}

func (k *LocalKeys) Encrypt(plaintext string) (string, error) {
	return nip44.Encrypt(plaintext, k.convKey)
}

func (k *LocalKeys) Decrypt(ciphertext string) (string, error) {
	return nip44.Decrypt(ciphertext, k.convKey)
}
