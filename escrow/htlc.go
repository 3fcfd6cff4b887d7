package escrow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/variablefate/ridestr-sub008/bdhke"
	"github.com/variablefate/ridestr-sub008/cashu"
)

// zeroPreimage is sent on refunds when the payer never learned the
// preimage. Some mints require the field even on the signature path.
var zeroPreimage = strings.Repeat("0", 64)

// NewPreimage returns a random preimage and its payment hash, both hex.
func NewPreimage() (preimage, paymentHash string, err error) {
	preimage, err = bdhke.RandomHex(32)
	if err != nil {
		return "", "", err
	}
	return preimage, PaymentHash(preimage), nil
}

// PaymentHash is hex(sha256(preimage)). A preimage that is not hex hashes
// to the empty string, which never matches.
func PaymentHash(preimage string) string {
	b, err := hex.DecodeString(preimage)
	if err != nil || len(b) != 32 {
		return ""
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// htlcTerms are the spending conditions written into each locked proof.
type htlcTerms struct {
	PaymentHash string
	Locktime    int64
	PayeePubKey string
	RefundKey   string
}

func (t htlcTerms) secret() (string, error) {
	nonce, err := bdhke.RandomHex(32)
	if err != nil {
		return "", err
	}
	s := cashu.WellKnownSecret{
		Kind:  cashu.KindHTLC,
		Nonce: nonce,
		Data:  t.PaymentHash,
		Tags: [][]string{
			{"pubkeys", t.PayeePubKey},
			{"locktime", strconv.FormatInt(t.Locktime, 10)},
			{"refund", t.RefundKey},
			{"sigflag", "SIG_INPUTS"},
		},
	}
	return s.String(), nil
}

// parseTerms reads the HTLC conditions of p. Every locked proof of one
// escrow carries the same terms.
func parseTerms(p cashu.Proof) (htlcTerms, error) {
	s, err := cashu.ParseSecret(p.Secret)
	if err != nil {
		return htlcTerms{}, err
	}
	if s.Kind != cashu.KindHTLC {
		return htlcTerms{}, fmt.Errorf("%w: secret kind %s", ErrNotHTLC, s.Kind)
	}
	t := htlcTerms{PaymentHash: s.Data}
	if v, ok := s.Tag("pubkeys"); ok && len(v) > 0 {
		t.PayeePubKey = v[0]
	}
	if v, ok := s.Tag("refund"); ok && len(v) > 0 {
		t.RefundKey = v[0]
	}
	if v, ok := s.Tag("locktime"); ok && len(v) > 0 {
		t.Locktime, err = strconv.ParseInt(v[0], 10, 64)
		if err != nil {
			return htlcTerms{}, fmt.Errorf("bad locktime %q: %w", v[0], err)
		}
	}
	return t, nil
}

// witness signs every proof with keys and attaches the HTLC witness.
func witness(proofs cashu.Proofs, preimage string, keys PaymentKeys) (cashu.Proofs, error) {
	out := make(cashu.Proofs, len(proofs))
	for i, p := range proofs {
		msg, err := bdhke.WitnessMessage(p.Secret, p.C)
		if err != nil {
			return nil, err
		}
		sig, err := keys.Sign(msg)
		if err != nil {
			return nil, fmt.Errorf("sign proof %d: %w", i, err)
		}
		p.Witness = cashu.HTLCWitness{Preimage: preimage, Signatures: []string{sig}}.String()
		out[i] = p
	}
	return out, nil
}
