// Package cashu holds the wire-level data types shared by the wallet: proofs,
// blinded messages and signatures, keysets, NUT-10 secrets and tokens.
package cashu

import (
	"errors"
	"sort"
)

var (
	ErrInvalidAmount = errors.New("amount must be a power of two")
	ErrEmptyProofs   = errors.New("no proofs")
)

// Proof is a bearer token issued by a mint. Its validity is decided only by
// the mint's live state.
type Proof struct {
	Amount  uint64     `json:"amount"`
	Id      string     `json:"id"`
	Secret  string     `json:"secret"`
	C       string     `json:"C"`
	Witness string     `json:"witness,omitempty"`
	DLEQ    *DLEQProof `json:"dleq,omitempty"`
}

type Proofs []Proof

// Amount returns the sum of all proof amounts.
func (ps Proofs) Amount() uint64 {
	var total uint64
	for _, p := range ps {
		total += p.Amount
	}
	return total
}

// Secrets returns the set of proof secrets.
func (ps Proofs) Secrets() map[string]struct{} {
	set := make(map[string]struct{}, len(ps))
	for _, p := range ps {
		set[p.Secret] = struct{}{}
	}
	return set
}

// Without returns the proofs whose secret is not in exclude.
func (ps Proofs) Without(exclude map[string]struct{}) Proofs {
	out := make(Proofs, 0, len(ps))
	for _, p := range ps {
		if _, ok := exclude[p.Secret]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Dedup drops repeated secrets, keeping the first occurrence.
func (ps Proofs) Dedup() Proofs {
	seen := make(map[string]struct{}, len(ps))
	out := make(Proofs, 0, len(ps))
	for _, p := range ps {
		if _, ok := seen[p.Secret]; ok {
			continue
		}
		seen[p.Secret] = struct{}{}
		out = append(out, p)
	}
	return out
}

// SortByAmount sorts the proofs ascending by amount in place.
func (ps Proofs) SortByAmount() {
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Amount < ps[j].Amount })
}

type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

type BlindedMessage struct {
	Amount  uint64 `json:"amount"`
	Id      string `json:"id"`
	B_      string `json:"B_"`
	Witness string `json:"witness,omitempty"`
}

type BlindedMessages []BlindedMessage

func (bm BlindedMessages) Amount() uint64 {
	var total uint64
	for _, m := range bm {
		total += m.Amount
	}
	return total
}

type BlindedSignature struct {
	Amount uint64     `json:"amount"`
	Id     string     `json:"id"`
	C_     string     `json:"C_"`
	DLEQ   *DLEQProof `json:"dleq,omitempty"`
}

type BlindedSignatures []BlindedSignature

func (bs BlindedSignatures) Amount() uint64 {
	var total uint64
	for _, s := range bs {
		total += s.Amount
	}
	return total
}

// ProofState is the mint-reported spend state of a proof.
type ProofState string

const (
	StateUnspent ProofState = "UNSPENT"
	StatePending ProofState = "PENDING"
	StateSpent   ProofState = "SPENT"
)

// SplitAmount breaks amount into ascending power-of-two denominations.
func SplitAmount(amount uint64) []uint64 {
	var out []uint64
	for bit := uint64(1); amount > 0; bit <<= 1 {
		if amount&bit != 0 {
			out = append(out, bit)
			amount &^= bit
		}
	}
	return out
}

// IsPowerOfTwo reports whether amount is a valid denomination.
func IsPowerOfTwo(amount uint64) bool {
	return amount != 0 && amount&(amount-1) == 0
}

// Fee computes the NUT-02 input fee for spending proofs, given the
// input_fee_ppk of each keyset: ceil(sum(ppk) / 1000).
func Fee(proofs Proofs, feePpk map[string]uint) uint64 {
	var sum uint64
	for _, p := range proofs {
		sum += uint64(feePpk[p.Id])
	}
	return (sum + 999) / 1000
}
