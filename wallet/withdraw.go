package wallet

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/google/uuid"

	"github.com/variablefate/ridestr-sub008/bdhke"
	"github.com/variablefate/ridestr-sub008/cashu"
	"github.com/variablefate/ridestr-sub008/ledger"
	"github.com/variablefate/ridestr-sub008/mint"
	"github.com/variablefate/ridestr-sub008/proofstore"
)

type WithdrawResult struct {
	Quote *mint.MeltQuote
	// Paid is set once the invoice is settled. Pending means the mint is
	// still routing the payment; the wallet resolves it on reconcile.
	Paid    bool
	Pending bool
	Change  cashu.Proofs
	// Fee is what the withdrawal cost beyond the invoice amount.
	Fee uint64
}

// changeAmounts returns blank outputs able to hold any change up to maxChange.
// The mint re-denominates them, so only their count matters: one output
// per bit of maxChange.
func changeAmounts(maxChange uint64) []uint64 {
	if maxChange == 0 {
		return nil
	}
	amts := cashu.SplitAmount(maxChange)
	for n := bits.Len64(maxChange); len(amts) < n; {
		amts = append(amts, 1)
	}
	return amts
}

// Withdraw pays a lightning invoice from the wallet.
func (w *Wallet) Withdraw(ctx context.Context, invoice string) (*WithdrawResult, error) {
	unlock, err := w.lockSpend(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := w.settlePending(ctx); err != nil {
		return nil, err
	}
	if len(w.seed) == 0 {
		return nil, bdhke.ErrNoSeed
	}

	quote, err := w.mint.RequestMeltQuote(ctx, invoice)
	if err != nil {
		return nil, err
	}
	inputs, fee, err := w.selectFor(ctx, quote.Amount+quote.FeeReserve)
	if err != nil {
		return nil, err
	}
	ks, err := w.mint.ActiveKeyset(ctx)
	if err != nil {
		return nil, err
	}
	total := inputs.Amount()
	start, err := w.ledger.NextCounter(ks.Id)
	if err != nil {
		return nil, err
	}
	outputs, err := bdhke.DeterministicPreMints(w.seed, ks.Id, start, changeAmounts(total-quote.Amount-fee))
	if err != nil {
		return nil, err
	}
	op := &ledger.PendingOp{
		ID:           uuid.NewString(),
		Kind:         ledger.OpMelt,
		MintURL:      w.mint.URL(),
		QuoteID:      quote.Quote,
		KeysetID:     ks.Id,
		Inputs:       inputs,
		Outputs:      outputs,
		CounterStart: start,
		CounterCount: uint64(len(outputs)),
		CreatedAt:    w.now(),
	}
	if err := w.ledger.SavePendingOp(op); err != nil {
		return nil, fmt.Errorf("persist melt: %w", err)
	}

	res, err := w.mint.Melt(ctx, quote.Quote, inputs, bdhke.Messages(outputs))
	if err != nil {
		return nil, w.requestFailed(op, err)
	}
	return w.meltSettled(ctx, op, ks, quote.Amount, res)
}

// meltSettled acts on the quote state a melt ended in.
func (w *Wallet) meltSettled(ctx context.Context, op *ledger.PendingOp, ks *cashu.Keyset, amount uint64, q *mint.MeltQuote) (*WithdrawResult, error) {
	out := &WithdrawResult{Quote: q}
	switch q.State {
	case mint.QuotePaid:
		change, err := w.finishSigned(op, ks, q.Change)
		if err != nil {
			return nil, err
		}
		out.Paid = true
		out.Change = change
		out.Fee = op.Inputs.Amount() - amount - change.Amount()
		if err := w.finishOp(ctx, op.ID, op.Inputs, change, "melt "+op.QuoteID); err != nil {
			return out, err
		}
		w.history(ctx, proofstore.DirectionOut, proofstore.HistoryWithdraw, amount+out.Fee, op.QuoteID)
		w.log.Infof("Withdrew %d sats (fee %d, quote %s)", amount, out.Fee, op.QuoteID)
		return out, nil

	case mint.QuotePending:
		// The inputs are reserved at the mint until the payment settles.
		w.updateCache(op.Inputs.Secrets(), nil)
		out.Pending = true
		w.log.Infof("Withdrawal %s pending at mint", op.QuoteID)
		return out, nil

	default:
		w.dropOp(op.ID)
		return nil, fmt.Errorf("withdrawal %s not paid (state %s)", op.QuoteID, q.State)
	}
}
