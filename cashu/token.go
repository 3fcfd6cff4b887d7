package cashu

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const tokenPrefixV3 = "cashuA"

var ErrBadToken = errors.New("invalid token")

type TokenEntry struct {
	Mint   string `json:"mint"`
	Proofs Proofs `json:"proofs"`
}

// Token is the portable V3 token format.
type Token struct {
	Token []TokenEntry `json:"token"`
	Unit  string       `json:"unit,omitempty"`
	Memo  string       `json:"memo,omitempty"`
}

// NewToken bundles proofs from a single mint.
func NewToken(mintURL string, proofs Proofs, memo string) Token {
	return Token{
		Token: []TokenEntry{{Mint: mintURL, Proofs: proofs}},
		Unit:  "sat",
		Memo:  memo,
	}
}

// Proofs returns the proofs of every entry.
func (t Token) Proofs() Proofs {
	var out Proofs
	for _, e := range t.Token {
		out = append(out, e.Proofs...)
	}
	return out
}

// Mint returns the mint of the first entry.
func (t Token) Mint() string {
	if len(t.Token) == 0 {
		return ""
	}
	return t.Token[0].Mint
}

func (t Token) Serialize() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return tokenPrefixV3 + base64.URLEncoding.EncodeToString(b), nil
}

// EncodeToken is a shortcut for NewToken(...).Serialize().
func EncodeToken(mintURL string, proofs Proofs) (string, error) {
	return NewToken(mintURL, proofs, "").Serialize()
}

// DecodeToken parses a cashuA token. Padded and unpadded base64url are both
// accepted.
func DecodeToken(s string) (Token, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, tokenPrefixV3) {
		return Token{}, fmt.Errorf("%w: unsupported prefix", ErrBadToken)
	}
	body := strings.TrimPrefix(s, tokenPrefixV3)
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding} {
		if raw, err = enc.DecodeString(body); err == nil {
			break
		}
	}
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if len(t.Proofs()) == 0 {
		return Token{}, fmt.Errorf("%w: %v", ErrBadToken, ErrEmptyProofs)
	}
	return t, nil
}
