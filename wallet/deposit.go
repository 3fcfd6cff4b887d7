package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/variablefate/ridestr-sub008/bdhke"
	"github.com/variablefate/ridestr-sub008/cashu"
	"github.com/variablefate/ridestr-sub008/ledger"
	"github.com/variablefate/ridestr-sub008/mint"
	"github.com/variablefate/ridestr-sub008/proofstore"
)

// RequestDeposit asks the mint for an invoice worth amount.
func (w *Wallet) RequestDeposit(ctx context.Context, amount uint64) (*mint.MintQuote, error) {
	if amount == 0 {
		return nil, fmt.Errorf("deposit amount must be positive")
	}
	if len(w.seed) == 0 {
		return nil, bdhke.ErrNoSeed
	}
	q, err := w.mint.RequestMintQuote(ctx, amount)
	if err != nil {
		return nil, err
	}
	w.log.Infof("Deposit quote %s for %d sats", q.Quote, amount)
	return q, nil
}

// WatchQuote streams state updates for a deposit quote while the wallet is
// started. Call the returned func to stop watching.
func (w *Wallet) WatchQuote(quoteID string) (<-chan mint.QuoteUpdate, func()) {
	return w.watcher.Subscribe(quoteID)
}

// CompleteDeposit waits for the quote to be paid and mints amount into the
// wallet.
func (w *Wallet) CompleteDeposit(ctx context.Context, quoteID string, amount uint64) (cashu.Proofs, error) {
	if len(w.seed) == 0 {
		return nil, bdhke.ErrNoSeed
	}
	if _, err := w.mint.WaitMintQuotePaid(ctx, quoteID); err != nil {
		return nil, err
	}

	unlock, err := w.lockSpend(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ks, err := w.mint.ActiveKeyset(ctx)
	if err != nil {
		return nil, err
	}
	start, err := w.ledger.NextCounter(ks.Id)
	if err != nil {
		return nil, err
	}
	outputs, err := bdhke.DeterministicPreMints(w.seed, ks.Id, start, cashu.SplitAmount(amount))
	if err != nil {
		return nil, err
	}
	op := &ledger.PendingOp{
		ID:           uuid.NewString(),
		Kind:         ledger.OpMint,
		MintURL:      w.mint.URL(),
		QuoteID:      quoteID,
		KeysetID:     ks.Id,
		Outputs:      outputs,
		CounterStart: start,
		CounterCount: uint64(len(outputs)),
		CreatedAt:    w.now(),
	}
	if err := w.ledger.SavePendingOp(op); err != nil {
		return nil, fmt.Errorf("persist mint: %w", err)
	}
	sigs, err := w.mint.Mint(ctx, quoteID, bdhke.Messages(outputs))
	if err != nil {
		return nil, w.requestFailed(op, err)
	}
	proofs, err := w.finishSigned(op, ks, sigs)
	if err != nil {
		return nil, err
	}
	if err := w.finishOp(ctx, op.ID, nil, proofs, "deposit "+quoteID); err != nil {
		return proofs, err
	}
	w.history(ctx, proofstore.DirectionIn, proofstore.HistoryDeposit, proofs.Amount(), quoteID)
	w.log.Infof("Deposited %d sats (quote %s)", proofs.Amount(), quoteID)
	return proofs, nil
}

// finishSigned unblinds sigs for op and marks op's counters used.
func (w *Wallet) finishSigned(op *ledger.PendingOp, ks *cashu.Keyset, sigs cashu.BlindedSignatures) (cashu.Proofs, error) {
	proofs, err := bdhke.ConstructProofs(sigs, op.Outputs, ks)
	if err != nil {
		w.log.Criticalf("%s %s: cannot construct proofs: %v", op.Kind, op.ID, err)
		return nil, err
	}
	if err := w.ledger.AdvanceCounter(op.KeysetID, op.CounterEnd()); err != nil {
		return nil, err
	}
	return proofs, nil
}

// requestFailed classifies a failed mint request. A definitive rejection
// consumed nothing and its marker is dropped; anything else is left for
// reconcile.
func (w *Wallet) requestFailed(op *ledger.PendingOp, err error) error {
	if !mint.IsRejected(err) {
		w.log.Warnf("%s %s has unknown outcome, kept for reconcile: %v", op.Kind, op.ID, err)
		return err
	}
	if mint.HasCode(err, mint.CodeOutputsAlreadySigned) && op.CounterCount > 0 {
		if aerr := w.ledger.AdvanceCounter(op.KeysetID, op.CounterEnd()); aerr != nil {
			w.log.Errorf("Advance counter for %s: %v", op.KeysetID, aerr)
		}
	}
	w.dropOp(op.ID)
	return fmt.Errorf("%s rejected: %w", op.Kind, err)
}
