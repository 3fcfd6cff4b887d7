package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/variablefate/ridestr-sub008/bdhke"
	"github.com/variablefate/ridestr-sub008/cashu"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrCorrupt           = errors.New("ledger record failed authentication")
	ErrInvalidTransition = errors.New("invalid htlc status transition")
)

// OpKind names the mint operation an in-flight marker belongs to.
type OpKind string

const (
	OpMint   OpKind = "mint"
	OpMelt   OpKind = "melt"
	OpLock   OpKind = "lock"
	OpClaim  OpKind = "claim"
	OpRefund OpKind = "refund"
)

// PendingOp is written before a blinded request leaves the process and
// removed only after the resulting proofs are durable. A PendingOp found at
// startup is an operation with unknown outcome.
type PendingOp struct {
	ID       string                `json:"id"`
	Kind     OpKind                `json:"kind"`
	MintURL  string                `json:"mint"`
	QuoteID  string                `json:"quote,omitempty"`
	KeysetID string                `json:"keyset_id"`
	Inputs   cashu.Proofs          `json:"inputs,omitempty"`
	Outputs  []bdhke.PreMintSecret `json:"outputs"`

	// CounterStart..CounterStart+CounterCount are the deterministic
	// counters the outputs consume.
	CounterStart uint64 `json:"counter_start"`
	CounterCount uint64 `json:"counter_count"`

	// EscrowID and Htlc link lock, claim and refund ops to their escrow.
	EscrowID string       `json:"escrow_id,omitempty"`
	Htlc     *PendingHtlc `json:"htlc,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CounterEnd is the first counter after the op's range.
func (op *PendingOp) CounterEnd() uint64 {
	return op.CounterStart + op.CounterCount
}

// HtlcStatus is the escrow state machine. LOCKED is initial; the others are
// terminal.
type HtlcStatus string

const (
	StatusLocked   HtlcStatus = "LOCKED"
	StatusClaimed  HtlcStatus = "CLAIMED"
	StatusRefunded HtlcStatus = "REFUNDED"
	StatusFailed   HtlcStatus = "FAILED"
)

func (s HtlcStatus) Valid() bool {
	switch s {
	case StatusLocked, StatusClaimed, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

func (s HtlcStatus) Terminal() bool {
	switch s {
	case StatusClaimed, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is allowed.
func (s HtlcStatus) CanTransition(to HtlcStatus) bool {
	return s == StatusLocked && to.Terminal()
}

// Role is this wallet's side of an escrow.
type Role string

const (
	RolePayer Role = "payer"
	RolePayee Role = "payee"
)

// PendingHtlc tracks one escrow from either side.
type PendingHtlc struct {
	EscrowID           string     `json:"escrow_id"`
	Role               Role       `json:"role"`
	Token              string     `json:"token"`
	AmountSats         uint64     `json:"amount"`
	Locktime           int64      `json:"locktime"`
	CounterpartyPubKey string     `json:"counterparty_pubkey"`
	RefundPubKey       string     `json:"refund_pubkey"`
	PaymentHash        string     `json:"payment_hash"`
	Preimage           string     `json:"preimage,omitempty"`
	RideContext        string     `json:"ride_context,omitempty"`
	Status             HtlcStatus `json:"status"`
	MintURL            string     `json:"mint"`
	Reason             string     `json:"reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Proofs decodes the locked proofs carried in Token.
func (h *PendingHtlc) Proofs() (cashu.Proofs, error) {
	tok, err := cashu.DecodeToken(h.Token)
	if err != nil {
		return nil, err
	}
	return tok.Proofs(), nil
}

// IsRefundable holds once now is past the locktime and the escrow is still
// locked.
func (h *PendingHtlc) IsRefundable(now time.Time) bool {
	return h.Status == StatusLocked && now.Unix() > h.Locktime
}

// Transition moves the escrow to a terminal state.
func (h *PendingHtlc) Transition(to HtlcStatus, now time.Time) error {
	if !h.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, h.Status, to)
	}
	h.Status = to
	h.UpdatedAt = now
	return nil
}

// RecoveryToken holds proofs whose durable publish failed.
type RecoveryToken struct {
	ID            string    `json:"id"`
	EncodedProofs string    `json:"token"`
	TotalAmount   uint64    `json:"amount"`
	MintURL       string    `json:"mint"`
	CreatedAt     time.Time `json:"created_at"`
	Reason        string    `json:"reason"`
}
