package cashu

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Keyset is a mint's versioned set of per-denomination public keys.
type Keyset struct {
	Id          string
	Unit        string
	Active      bool
	InputFeePpk uint
	Keys        map[uint64]*secp256k1.PublicKey
}

// Key returns the public key the mint uses for amount.
func (ks *Keyset) Key(amount uint64) (*secp256k1.PublicKey, error) {
	k, ok := ks.Keys[amount]
	if !ok {
		return nil, fmt.Errorf("keyset %s has no key for amount %d", ks.Id, amount)
	}
	return k, nil
}

// KeysetID derives the version 00 keyset id: "00" followed by the first 14
// hex characters of sha256 over the compressed keys sorted by amount.
func KeysetID(keys map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keys))
	for a := range keys {
		amounts = append(amounts, a)
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })

	h := sha256.New()
	for _, a := range amounts {
		h.Write(keys[a].SerializeCompressed())
	}
	return "00" + hex.EncodeToString(h.Sum(nil))[:14]
}

// ParseKeys decodes the JSON key map returned by /v1/keys.
func ParseKeys(raw map[string]string) (map[uint64]*secp256k1.PublicKey, error) {
	keys := make(map[uint64]*secp256k1.PublicKey, len(raw))
	for amtStr, keyHex := range raw {
		amt, err := strconv.ParseUint(amtStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad key amount %q: %w", amtStr, err)
		}
		kb, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("bad key hex for amount %d: %w", amt, err)
		}
		pk, err := secp256k1.ParsePubKey(kb)
		if err != nil {
			return nil, fmt.Errorf("bad key for amount %d: %w", amt, err)
		}
		keys[amt] = pk
	}
	return keys, nil
}

// EncodeKeys is the inverse of ParseKeys.
func EncodeKeys(keys map[uint64]*secp256k1.PublicKey) map[string]string {
	out := make(map[string]string, len(keys))
	for a, k := range keys {
		out[strconv.FormatUint(a, 10)] = hex.EncodeToString(k.SerializeCompressed())
	}
	return out
}
