// Package escrow locks ecash behind NUT-14 hash time-locked conditions and
// settles it: the payee claims with the preimage, the payer refunds with a
// signature after the locktime.
//
// Every swap follows the same discipline as the rest of the wallet: the
// in-flight marker is written before the request, counters advance only
// after the mint answers, and the marker is left for the caller to clear
// once the resulting proofs are durable.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/variablefate/ridestr-sub008/bdhke"
	"github.com/variablefate/ridestr-sub008/cashu"
	"github.com/variablefate/ridestr-sub008/ledger"
	"github.com/variablefate/ridestr-sub008/mint"
)

var (
	ErrNotHTLC          = errors.New("proof is not HTLC locked")
	ErrWrongPreimage    = errors.New("preimage does not match payment hash")
	ErrNotYetRefundable = errors.New("escrow locktime has not passed")
	ErrNotRefundKey     = errors.New("escrow refund key is not ours")
	ErrNotPayee         = errors.New("escrow is not locked to our payment key")
	ErrSettled          = errors.New("escrow already settled")
	ErrTermsMismatch    = errors.New("escrow terms do not match")
	ErrInsufficient     = errors.New("inputs do not cover amount and fee")
	ErrExists           = errors.New("escrow already exists")

	// ErrCounterpartyActed means the mint reported the locked proofs spent
	// by the other side. The escrow is settled, not retried.
	ErrCounterpartyActed = errors.New("escrow settled by counterparty")
	// ErrClaimNotConfirmed is returned when a claim notice could not be
	// confirmed against the mint.
	ErrClaimNotConfirmed = errors.New("claim not confirmed by mint")
	ErrStaleInputs       = errors.New("inputs no longer unspent")
	// ErrOpInFlight means a lock, claim or refund of the escrow has an
	// unresolved outcome. Reconcile first.
	ErrOpInFlight = errors.New("escrow operation in flight")
	// ErrInputsPending means the mint holds the escrow proofs in a
	// pending state. Try again later.
	ErrInputsPending = errors.New("escrow proofs pending at mint")

	errInputsSpent = errors.New("escrow inputs spent during swap")
)

// StaleInputsError lists inputs the mint no longer reports as unspent.
type StaleInputsError struct {
	Proofs cashu.Proofs
}

func (e *StaleInputsError) Error() string {
	return fmt.Sprintf("%v: %d proofs (%d sats)", ErrStaleInputs, len(e.Proofs), e.Proofs.Amount())
}

func (e *StaleInputsError) Unwrap() error { return ErrStaleInputs }

// ClaimPolicy decides how an out-of-band claim notice is treated.
type ClaimPolicy int

const (
	// VerifyWithMint marks an escrow CLAIMED only when the mint reports
	// every locked proof spent.
	VerifyWithMint ClaimPolicy = iota
	// TrustNotice marks it CLAIMED on the notice alone.
	TrustNotice
)

// ParseClaimPolicy maps "verify" (or empty) and "trust" to a ClaimPolicy.
func ParseClaimPolicy(s string) (ClaimPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "verify":
		return VerifyWithMint, nil
	case "trust":
		return TrustNotice, nil
	}
	return 0, fmt.Errorf("unknown claim policy %q", s)
}

func (p ClaimPolicy) String() string {
	if p == TrustNotice {
		return "trust"
	}
	return "verify"
}

// Mint is the subset of the mint client escrow needs.
type Mint interface {
	URL() string
	ActiveKeyset(ctx context.Context) (*cashu.Keyset, error)
	Keyset(ctx context.Context, id string) (*cashu.Keyset, error)
	InputFee(ctx context.Context, proofs cashu.Proofs) (uint64, error)
	Swap(ctx context.Context, inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error)
	CheckProofs(ctx context.Context, proofs cashu.Proofs) ([]cashu.ProofState, error)
	RestoreMatched(ctx context.Context, outputs cashu.BlindedMessages) (map[string]cashu.BlindedSignature, error)
}

// Ledger is the subset of the proof ledger escrow needs.
type Ledger interface {
	NextCounter(keysetID string) (uint64, error)
	AdvanceCounter(keysetID string, next uint64) error
	SavePendingOp(op *ledger.PendingOp) error
	DeletePendingOp(id string) error
	PendingOps() ([]*ledger.PendingOp, error)
	SaveHtlc(h *ledger.PendingHtlc) error
	Htlc(escrowID string) (*ledger.PendingHtlc, error)
	Htlcs() ([]*ledger.PendingHtlc, error)
}

type Config struct {
	Mint   Mint
	Ledger Ledger
	Keys   PaymentKeys
	// Seed derives change and redeemed outputs. Without it every swap
	// fails with bdhke.ErrNoSeed.
	Seed   []byte
	Policy ClaimPolicy
	Log    slog.Logger
	Now    func() time.Time
}

type Engine struct {
	mint   Mint
	ledger Ledger
	keys   PaymentKeys
	seed   []byte
	policy ClaimPolicy
	log    slog.Logger
	now    func() time.Time
}

// NewEngine returns an engine for cfg. Log, Mint, Ledger and Keys are required.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("escrow engine must have logger")
	}
	if cfg.Mint == nil || cfg.Ledger == nil || cfg.Keys == nil {
		return nil, fmt.Errorf("escrow engine needs mint, ledger and payment keys")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		mint:   cfg.Mint,
		ledger: cfg.Ledger,
		keys:   cfg.Keys,
		seed:   cfg.Seed,
		policy: cfg.Policy,
		log:    cfg.Log,
		now:    now,
	}, nil
}

// Result is the outcome of a settled swap.
type Result struct {
	Htlc *ledger.PendingHtlc
	// Proofs are new plain proofs owned by this wallet: change after a
	// lock, the redeemed value after a claim or refund.
	Proofs cashu.Proofs
	// Spent are the inputs the mint consumed.
	Spent cashu.Proofs
	// OpID is the in-flight marker to delete once Proofs are durable.
	OpID string
}

type LockParams struct {
	// EscrowID defaults to a random id.
	EscrowID    string
	Amount      uint64
	PaymentHash string
	// Preimage is optional; when set it is kept for refunds on mints that
	// require one.
	Preimage    string
	Locktime    time.Time
	PayeePubKey string
	RideContext string
}

// Lock swaps inputs for HTLC locked proofs worth p.Amount plus change.
func (e *Engine) Lock(ctx context.Context, inputs cashu.Proofs, p LockParams) (*Result, error) {
	if len(e.seed) == 0 {
		return nil, bdhke.ErrNoSeed
	}
	if p.Amount == 0 {
		return nil, fmt.Errorf("escrow amount must be positive")
	}
	if p.PaymentHash == "" {
		p.PaymentHash = PaymentHash(p.Preimage)
	}
	if p.PaymentHash == "" {
		return nil, fmt.Errorf("escrow needs a payment hash")
	}
	if p.Preimage != "" && PaymentHash(p.Preimage) != p.PaymentHash {
		return nil, ErrWrongPreimage
	}
	if _, err := bdhke.ParsePoint(p.PayeePubKey); err != nil {
		return nil, fmt.Errorf("bad payee key: %w", err)
	}
	now := e.now()
	if !p.Locktime.After(now) {
		return nil, fmt.Errorf("locktime %v is not in the future", p.Locktime)
	}
	if p.EscrowID == "" {
		p.EscrowID = uuid.NewString()
	}
	if _, err := e.ledger.Htlc(p.EscrowID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, p.EscrowID)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	if err := e.checkUnspent(ctx, inputs); err != nil {
		return nil, err
	}
	ks, err := e.mint.ActiveKeyset(ctx)
	if err != nil {
		return nil, err
	}
	fee, err := e.mint.InputFee(ctx, inputs)
	if err != nil {
		return nil, err
	}
	total := inputs.Amount()
	if total < p.Amount+fee {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficient, total, p.Amount+fee)
	}

	terms := htlcTerms{
		PaymentHash: p.PaymentHash,
		Locktime:    p.Locktime.Unix(),
		PayeePubKey: p.PayeePubKey,
		RefundKey:   e.keys.PublicKey(),
	}
	var outputs []bdhke.PreMintSecret
	for _, amt := range cashu.SplitAmount(p.Amount) {
		secret, err := terms.secret()
		if err != nil {
			return nil, err
		}
		pm, err := bdhke.NewRandomPreMint(amt, ks.Id, secret)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, pm)
	}
	start, err := e.ledger.NextCounter(ks.Id)
	if err != nil {
		return nil, err
	}
	change, err := bdhke.DeterministicPreMints(e.seed, ks.Id, start, cashu.SplitAmount(total-p.Amount-fee))
	if err != nil {
		return nil, err
	}
	outputs = append(outputs, change...)

	op := &ledger.PendingOp{
		ID:           uuid.NewString(),
		Kind:         ledger.OpLock,
		MintURL:      e.mint.URL(),
		KeysetID:     ks.Id,
		Inputs:       inputs,
		Outputs:      outputs,
		CounterStart: start,
		CounterCount: uint64(len(change)),
		EscrowID:     p.EscrowID,
		Htlc: &ledger.PendingHtlc{
			EscrowID:           p.EscrowID,
			Role:               ledger.RolePayer,
			AmountSats:         p.Amount,
			Locktime:           terms.Locktime,
			CounterpartyPubKey: p.PayeePubKey,
			RefundPubKey:       terms.RefundKey,
			PaymentHash:        p.PaymentHash,
			Preimage:           p.Preimage,
			RideContext:        p.RideContext,
			Status:             ledger.StatusLocked,
			MintURL:            e.mint.URL(),
			CreatedAt:          now,
			UpdatedAt:          now,
		},
		CreatedAt: now,
	}
	if err := e.ledger.SavePendingOp(op); err != nil {
		return nil, fmt.Errorf("persist lock: %w", err)
	}
	sigs, err := e.mint.Swap(ctx, inputs, bdhke.Messages(outputs))
	if err != nil {
		return nil, e.swapFailed(op, err)
	}
	return e.finishLock(op, ks, sigs)
}

func (e *Engine) finishLock(op *ledger.PendingOp, ks *cashu.Keyset, sigs cashu.BlindedSignatures) (*Result, error) {
	proofs, err := bdhke.ConstructProofs(sigs, op.Outputs, ks)
	if err != nil {
		e.log.Criticalf("Lock %s: cannot construct proofs: %v", op.EscrowID, err)
		return nil, err
	}
	if err := e.ledger.AdvanceCounter(op.KeysetID, op.CounterEnd()); err != nil {
		return nil, err
	}
	nlocked := len(op.Outputs) - int(op.CounterCount)
	locked, change := proofs[:nlocked], proofs[nlocked:]
	token, err := cashu.EncodeToken(op.MintURL, locked)
	if err != nil {
		return nil, err
	}
	h := *op.Htlc
	h.Token = token
	if err := e.ledger.SaveHtlc(&h); err != nil {
		return nil, fmt.Errorf("persist escrow %s: %w", h.EscrowID, err)
	}
	e.log.Infof("Locked %d sats in escrow %s until %s", h.AmountSats, h.EscrowID,
		time.Unix(h.Locktime, 0).UTC().Format(time.RFC3339))
	return &Result{Htlc: &h, Proofs: change, Spent: op.Inputs, OpID: op.ID}, nil
}

type ReceiveParams struct {
	EscrowID string
	// PaymentHash, when set, must match the locked proofs.
	PaymentHash string
	RideContext string
}

// Receive records an escrow token locked to our payment key.
func (e *Engine) Receive(ctx context.Context, token string, p ReceiveParams) (*ledger.PendingHtlc, error) {
	tok, err := cashu.DecodeToken(token)
	if err != nil {
		return nil, err
	}
	if tok.Mint() != e.mint.URL() {
		return nil, fmt.Errorf("%w: token from mint %s", ErrTermsMismatch, tok.Mint())
	}
	proofs := tok.Proofs()
	if len(proofs) == 0 {
		return nil, cashu.ErrEmptyProofs
	}
	terms, err := parseTerms(proofs[0])
	if err != nil {
		return nil, err
	}
	for _, pr := range proofs[1:] {
		t, err := parseTerms(pr)
		if err != nil {
			return nil, err
		}
		if t != terms {
			return nil, fmt.Errorf("%w: proofs carry different conditions", ErrTermsMismatch)
		}
	}
	if terms.PayeePubKey != e.keys.PublicKey() {
		return nil, ErrNotPayee
	}
	if p.PaymentHash != "" && p.PaymentHash != terms.PaymentHash {
		return nil, fmt.Errorf("%w: payment hash", ErrTermsMismatch)
	}
	if err := e.checkUnspent(ctx, proofs); err != nil {
		return nil, err
	}
	if p.EscrowID == "" {
		p.EscrowID = uuid.NewString()
	}
	now := e.now()
	h := &ledger.PendingHtlc{
		EscrowID:           p.EscrowID,
		Role:               ledger.RolePayee,
		Token:              token,
		AmountSats:         proofs.Amount(),
		Locktime:           terms.Locktime,
		CounterpartyPubKey: terms.RefundKey,
		RefundPubKey:       terms.RefundKey,
		PaymentHash:        terms.PaymentHash,
		RideContext:        p.RideContext,
		Status:             ledger.StatusLocked,
		MintURL:            tok.Mint(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.ledger.SaveHtlc(h); err != nil {
		return nil, err
	}
	e.log.Infof("Received escrow %s worth %d sats", h.EscrowID, h.AmountSats)
	return h, nil
}

// Claim redeems a received escrow with the revealed preimage.
func (e *Engine) Claim(ctx context.Context, escrowID, preimage string) (*Result, error) {
	h, err := e.ledger.Htlc(escrowID)
	if err != nil {
		return nil, err
	}
	if h.Status.Terminal() {
		return &Result{Htlc: h}, fmt.Errorf("%w: %s is %s", ErrSettled, escrowID, h.Status)
	}
	if PaymentHash(preimage) != h.PaymentHash {
		return nil, ErrWrongPreimage
	}
	if len(e.seed) == 0 {
		return nil, bdhke.ErrNoSeed
	}
	proofs, err := h.Proofs()
	if err != nil {
		return nil, err
	}
	if len(proofs) == 0 {
		return nil, cashu.ErrEmptyProofs
	}
	terms, err := parseTerms(proofs[0])
	if err != nil {
		return nil, err
	}
	if terms.PayeePubKey != e.keys.PublicKey() {
		return nil, ErrNotPayee
	}
	inputs, err := witness(proofs, preimage, e.keys)
	if err != nil {
		return nil, err
	}
	h.Preimage = preimage
	return e.redeem(ctx, h, inputs, ledger.OpClaim)
}

// Refund takes back a locked escrow after its locktime. It is gated only
// by the locktime, never by a local timeout. If the payee already redeemed
// some of the locked proofs only the unspent rest is refunded.
func (e *Engine) Refund(ctx context.Context, escrowID string) (*Result, error) {
	h, err := e.ledger.Htlc(escrowID)
	if err != nil {
		return nil, err
	}
	if h.Status.Terminal() {
		return &Result{Htlc: h}, fmt.Errorf("%w: %s is %s", ErrSettled, escrowID, h.Status)
	}
	if h.RefundPubKey != e.keys.PublicKey() {
		return nil, ErrNotRefundKey
	}
	now := e.now()
	if !h.IsRefundable(now) {
		return nil, fmt.Errorf("%w: locktime %d, now %d", ErrNotYetRefundable, h.Locktime, now.Unix())
	}
	if len(e.seed) == 0 {
		return nil, bdhke.ErrNoSeed
	}
	proofs, err := h.Proofs()
	if err != nil {
		return nil, err
	}

	preimage := h.Preimage
	if preimage == "" {
		preimage = zeroPreimage
	}
	// A proof spent between the state check and the swap gets one more look
	// before the escrow is given up.
	for attempt := 0; ; attempt++ {
		states, err := e.mint.CheckProofs(ctx, proofs)
		if err != nil {
			return nil, err
		}
		switch {
		case allState(states, cashu.StateSpent):
			e.settle(h, ledger.StatusClaimed, "claimed by payee before refund")
			return &Result{Htlc: h}, fmt.Errorf("%w: escrow %s claimed", ErrCounterpartyActed, escrowID)
		case anyState(states, cashu.StatePending):
			return nil, fmt.Errorf("refund %s: %w", escrowID, ErrInputsPending)
		}
		unspent := withState(proofs, states, cashu.StateUnspent)
		if len(unspent) < len(proofs) {
			e.log.Warnf("Escrow %s: refunding %d of %d sats, the rest is spent",
				escrowID, unspent.Amount(), proofs.Amount())
		}
		inputs, err := witness(unspent, preimage, e.keys)
		if err != nil {
			return nil, err
		}
		res, err := e.redeem(ctx, h, inputs, ledger.OpRefund)
		if !errors.Is(err, errInputsSpent) {
			return res, err
		}
		if attempt > 0 {
			e.settle(h, ledger.StatusFailed, err.Error())
			return &Result{Htlc: h}, fmt.Errorf("%w: %v", ErrCounterpartyActed, err)
		}
	}
}

// redeem swaps witnessed HTLC inputs for plain deterministic proofs.
func (e *Engine) redeem(ctx context.Context, h *ledger.PendingHtlc, inputs cashu.Proofs, kind ledger.OpKind) (*Result, error) {
	ks, err := e.mint.ActiveKeyset(ctx)
	if err != nil {
		return nil, err
	}
	fee, err := e.mint.InputFee(ctx, inputs)
	if err != nil {
		return nil, err
	}
	total := inputs.Amount()
	if total <= fee {
		return nil, fmt.Errorf("%w: escrow worth %d, fee %d", ErrInsufficient, total, fee)
	}
	start, err := e.ledger.NextCounter(ks.Id)
	if err != nil {
		return nil, err
	}
	outputs, err := bdhke.DeterministicPreMints(e.seed, ks.Id, start, cashu.SplitAmount(total-fee))
	if err != nil {
		return nil, err
	}
	snapshot := *h
	op := &ledger.PendingOp{
		ID:           uuid.NewString(),
		Kind:         kind,
		MintURL:      e.mint.URL(),
		KeysetID:     ks.Id,
		Inputs:       inputs,
		Outputs:      outputs,
		CounterStart: start,
		CounterCount: uint64(len(outputs)),
		EscrowID:     h.EscrowID,
		Htlc:         &snapshot,
		CreatedAt:    e.now(),
	}
	if err := e.ledger.SavePendingOp(op); err != nil {
		return nil, fmt.Errorf("persist %s: %w", kind, err)
	}

	sigs, err := e.mint.Swap(ctx, inputs, bdhke.Messages(outputs))
	if err != nil {
		if mint.IsAlreadySpent(err) {
			e.dropOp(op.ID)
			if kind == ledger.OpRefund {
				return nil, fmt.Errorf("%w: %v", errInputsSpent, err)
			}
			e.settle(h, ledger.StatusFailed, err.Error())
			return &Result{Htlc: h}, fmt.Errorf("%w: %v", ErrCounterpartyActed, err)
		}
		return nil, e.swapFailed(op, err)
	}
	return e.finishRedeem(op, ks, sigs)
}

func (e *Engine) finishRedeem(op *ledger.PendingOp, ks *cashu.Keyset, sigs cashu.BlindedSignatures) (*Result, error) {
	proofs, err := bdhke.ConstructProofs(sigs, op.Outputs, ks)
	if err != nil {
		e.log.Criticalf("%s %s: cannot construct proofs: %v", op.Kind, op.EscrowID, err)
		return nil, err
	}
	if err := e.ledger.AdvanceCounter(op.KeysetID, op.CounterEnd()); err != nil {
		return nil, err
	}
	h, err := e.ledger.Htlc(op.EscrowID)
	if err != nil {
		return nil, err
	}
	to := ledger.StatusClaimed
	if op.Kind == ledger.OpRefund {
		to = ledger.StatusRefunded
	}
	if op.Htlc != nil && op.Htlc.Preimage != "" {
		h.Preimage = op.Htlc.Preimage
	}
	if err := h.Transition(to, e.now()); err != nil {
		// The proofs are ours regardless; report them so they are kept.
		e.log.Errorf("Escrow %s redeemed while %s", h.EscrowID, h.Status)
	} else if err := e.ledger.SaveHtlc(h); err != nil {
		return nil, err
	}
	e.log.Infof("Escrow %s %s: %d sats redeemed", h.EscrowID, strings.ToLower(string(to)), proofs.Amount())
	return &Result{Htlc: h, Proofs: proofs, Spent: op.Inputs, OpID: op.ID}, nil
}

// swapFailed classifies a failed swap. A definitive rejection consumed
// nothing, so its marker is dropped. Anything else leaves the marker for
// reconciliation.
func (e *Engine) swapFailed(op *ledger.PendingOp, err error) error {
	if !mint.IsRejected(err) {
		e.log.Warnf("%s for escrow %s has unknown outcome, kept for reconcile: %v", op.Kind, op.EscrowID, err)
		return err
	}
	if mint.HasCode(err, mint.CodeOutputsAlreadySigned) && op.CounterCount > 0 {
		// Those counters are used; skip them next time.
		if aerr := e.ledger.AdvanceCounter(op.KeysetID, op.CounterEnd()); aerr != nil {
			e.log.Errorf("Advance counter for %s: %v", op.KeysetID, aerr)
		}
	}
	e.dropOp(op.ID)
	return fmt.Errorf("%s rejected: %w", op.Kind, err)
}

func (e *Engine) dropOp(id string) {
	if err := e.ledger.DeletePendingOp(id); err != nil {
		e.log.Errorf("Delete pending op %s: %v", id, err)
	}
}

func (e *Engine) settle(h *ledger.PendingHtlc, to ledger.HtlcStatus, reason string) {
	if err := h.Transition(to, e.now()); err != nil {
		e.log.Warnf("Escrow %s: %v", h.EscrowID, err)
		return
	}
	h.Reason = reason
	if err := e.ledger.SaveHtlc(h); err != nil {
		e.log.Errorf("Persist escrow %s as %s: %v", h.EscrowID, to, err)
		return
	}
	e.log.Infof("Escrow %s is %s: %s", h.EscrowID, to, reason)
}

// ConfirmClaimNotice handles a counterparty's message that it claimed the
// escrow, according to the engine's ClaimPolicy.
func (e *Engine) ConfirmClaimNotice(ctx context.Context, escrowID string) (*ledger.PendingHtlc, error) {
	h, err := e.ledger.Htlc(escrowID)
	if err != nil {
		return nil, err
	}
	switch {
	case h.Status == ledger.StatusClaimed:
		return h, nil
	case h.Status.Terminal():
		return h, fmt.Errorf("%w: %s is %s", ErrSettled, escrowID, h.Status)
	}
	// Our own refund in flight would read as spent by the payee.
	ops, err := e.ledger.PendingOps()
	if err != nil {
		return h, err
	}
	for _, op := range ops {
		if op.EscrowID == escrowID {
			return h, fmt.Errorf("%w: %s %s", ErrOpInFlight, op.Kind, escrowID)
		}
	}

	if e.policy == VerifyWithMint {
		proofs, err := h.Proofs()
		if err != nil {
			return nil, err
		}
		states, err := e.mint.CheckProofs(ctx, proofs)
		if err != nil {
			return h, err
		}
		if !allState(states, cashu.StateSpent) {
			return h, ErrClaimNotConfirmed
		}
	}
	e.settle(h, ledger.StatusClaimed, "claim notice ("+e.policy.String()+")")
	return h, nil
}

// RefundExpired refunds every payer escrow whose locktime has passed. The
// returned results carry proofs the caller must persist.
func (e *Engine) RefundExpired(ctx context.Context) ([]*Result, error) {
	hs, err := e.ledger.Htlcs()
	if err != nil {
		return nil, err
	}
	now := e.now()
	var results []*Result
	var errs []error
	for _, h := range hs {
		if h.Role != ledger.RolePayer || !h.IsRefundable(now) {
			continue
		}
		r, err := e.Refund(ctx, h.EscrowID)
		if r != nil {
			results = append(results, r)
		}
		if err != nil {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				break
			}
			errs = append(errs, fmt.Errorf("escrow %s: %w", h.EscrowID, err))
		}
	}
	return results, errors.Join(errs...)
}

// Resume settles an escrow operation whose outcome was unknown. A nil
// result with a nil error means the swap never took effect and the marker
// was dropped.
func (e *Engine) Resume(ctx context.Context, op *ledger.PendingOp) (*Result, error) {
	switch op.Kind {
	case ledger.OpLock, ledger.OpClaim, ledger.OpRefund:
	default:
		return nil, fmt.Errorf("escrow cannot resume %s op", op.Kind)
	}
	ks, err := e.mint.Keyset(ctx, op.KeysetID)
	if err != nil {
		return nil, err
	}
	matched, err := e.mint.RestoreMatched(ctx, bdhke.Messages(op.Outputs))
	if err != nil {
		return nil, err
	}
	if len(matched) == len(op.Outputs) && len(matched) > 0 {
		sigs := make(cashu.BlindedSignatures, len(op.Outputs))
		for i, pm := range op.Outputs {
			sigs[i] = matched[pm.BlindedMessage]
		}
		e.log.Infof("Recovered %s for escrow %s from mint signatures", op.Kind, op.EscrowID)
		if op.Kind == ledger.OpLock {
			return e.finishLock(op, ks, sigs)
		}
		return e.finishRedeem(op, ks, sigs)
	}
	if len(matched) > 0 {
		return nil, fmt.Errorf("%s %s: mint signed %d of %d outputs", op.Kind, op.EscrowID, len(matched), len(op.Outputs))
	}

	states, err := e.mint.CheckProofs(ctx, op.Inputs)
	if err != nil {
		return nil, err
	}
	if anyState(states, cashu.StatePending) {
		return nil, fmt.Errorf("%s %s: inputs pending at mint", op.Kind, op.EscrowID)
	}
	if !anyState(states, cashu.StateSpent) {
		e.dropOp(op.ID)
		return nil, nil
	}

	e.dropOp(op.ID)
	if op.Kind == ledger.OpLock {
		return nil, fmt.Errorf("%w: lock inputs for %s spent elsewhere", ErrStaleInputs, op.EscrowID)
	}
	h, err := e.ledger.Htlc(op.EscrowID)
	if err != nil {
		return nil, err
	}
	e.settle(h, ledger.StatusFailed, "inputs spent by counterparty")
	return &Result{Htlc: h}, ErrCounterpartyActed
}

func (e *Engine) checkUnspent(ctx context.Context, proofs cashu.Proofs) error {
	if len(proofs) == 0 {
		return cashu.ErrEmptyProofs
	}
	states, err := e.mint.CheckProofs(ctx, proofs)
	if err != nil {
		return err
	}
	var stale cashu.Proofs
	for i, st := range states {
		if st != cashu.StateUnspent {
			stale = append(stale, proofs[i])
		}
	}
	if len(stale) > 0 {
		return &StaleInputsError{Proofs: stale}
	}
	return nil
}

func allState(states []cashu.ProofState, want cashu.ProofState) bool {
	if len(states) == 0 {
		return false
	}
	for _, s := range states {
		if s != want {
			return false
		}
	}
	return true
}

// withState returns the proofs whose state is want.
func withState(proofs cashu.Proofs, states []cashu.ProofState, want cashu.ProofState) cashu.Proofs {
	var out cashu.Proofs
	for i, st := range states {
		if st == want && i < len(proofs) {
			out = append(out, proofs[i])
		}
	}
	return out
}

func anyState(states []cashu.ProofState, want cashu.ProofState) bool {
	for _, s := range states {
		if s == want {
			return true
		}
	}
	return false
}
