package cashu

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SecretKind names a NUT-10 spending condition.
type SecretKind string

const (
	KindP2PK SecretKind = "P2PK"
	KindHTLC SecretKind = "HTLC"
)

var ErrNotWellKnown = errors.New("secret is not a well-known secret")

// WellKnownSecret is a structured NUT-10 secret:
// [kind, {"nonce": ..., "data": ..., "tags": [[key, values...], ...]}].
type WellKnownSecret struct {
	Kind  SecretKind
	Nonce string
	Data  string
	Tags  [][]string
}

type secretBody struct {
	Nonce string     `json:"nonce"`
	Data  string     `json:"data"`
	Tags  [][]string `json:"tags,omitempty"`
}

// String serializes the secret in the form stored in Proof.Secret.
func (s WellKnownSecret) String() string {
	b, _ := json.Marshal([]interface{}{s.Kind, secretBody{Nonce: s.Nonce, Data: s.Data, Tags: s.Tags}})
	return string(b)
}

// Tag returns the values of the first tag named key.
func (s WellKnownSecret) Tag(key string) ([]string, bool) {
	for _, t := range s.Tags {
		if len(t) > 0 && t[0] == key {
			return t[1:], true
		}
	}
	return nil, false
}

// ParseSecret decodes a NUT-10 secret. Plain (random or deterministic)
// secrets return ErrNotWellKnown.
func ParseSecret(secret string) (WellKnownSecret, error) {
	if !strings.HasPrefix(strings.TrimSpace(secret), "[") {
		return WellKnownSecret{}, ErrNotWellKnown
	}
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(secret), &raw); err != nil {
		return WellKnownSecret{}, fmt.Errorf("%w: %v", ErrNotWellKnown, err)
	}
	if len(raw) != 2 {
		return WellKnownSecret{}, fmt.Errorf("%w: want 2 elements, got %d", ErrNotWellKnown, len(raw))
	}
	var kind string
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return WellKnownSecret{}, fmt.Errorf("%w: kind: %v", ErrNotWellKnown, err)
	}
	var body secretBody
	if err := json.Unmarshal(raw[1], &body); err != nil {
		return WellKnownSecret{}, fmt.Errorf("%w: body: %v", ErrNotWellKnown, err)
	}
	return WellKnownSecret{Kind: SecretKind(kind), Nonce: body.Nonce, Data: body.Data, Tags: body.Tags}, nil
}

// HTLCWitness is the JSON carried in Proof.Witness for HTLC proofs.
type HTLCWitness struct {
	Preimage   string   `json:"preimage"`
	Signatures []string `json:"signatures,omitempty"`
}

func (w HTLCWitness) String() string {
	b, _ := json.Marshal(w)
	return string(b)
}

func ParseHTLCWitness(s string) (HTLCWitness, error) {
	var w HTLCWitness
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return HTLCWitness{}, fmt.Errorf("bad htlc witness: %w", err)
	}
	return w, nil
}
