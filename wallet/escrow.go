package wallet

import (
	"context"
	"errors"

	"github.com/variablefate/ridestr-sub008/escrow"
	"github.com/variablefate/ridestr-sub008/ledger"
	"github.com/variablefate/ridestr-sub008/proofstore"
)

// LockEscrow locks p.Amount from the wallet behind an HTLC paying
// p.PayeePubKey. The returned record carries the token for the payee.
func (w *Wallet) LockEscrow(ctx context.Context, p escrow.LockParams) (*ledger.PendingHtlc, error) {
	unlock, err := w.lockSpend(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := w.settlePending(ctx); err != nil {
		return nil, err
	}

	var res *escrow.Result
	for attempt := 0; ; attempt++ {
		inputs, _, err := w.selectFor(ctx, p.Amount)
		if err != nil {
			return nil, err
		}
		res, err = w.escrow.Lock(ctx, inputs, p)
		var stale *escrow.StaleInputsError
		if errors.As(err, &stale) && attempt == 0 {
			spent, pending, serr := w.staleProofs(ctx, stale.Proofs)
			if serr != nil {
				return nil, serr
			}
			w.dropStale(ctx, spent, pending)
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	h := res.Htlc
	if err := w.finishOp(ctx, res.OpID, res.Spent, res.Proofs, "escrow lock "+h.EscrowID); err != nil {
		return h, err
	}
	w.history(ctx, proofstore.DirectionOut, proofstore.HistoryEscrowLock, h.AmountSats, h.EscrowID)
	return h, nil
}

// ReceiveEscrow records an escrow token locked to this wallet's payment
// key.
func (w *Wallet) ReceiveEscrow(ctx context.Context, token string, p escrow.ReceiveParams) (*ledger.PendingHtlc, error) {
	return w.escrow.Receive(ctx, token, p)
}

// ClaimEscrow redeems a received escrow with the preimage the payer
// revealed.
func (w *Wallet) ClaimEscrow(ctx context.Context, escrowID, preimage string) (*ledger.PendingHtlc, error) {
	unlock, err := w.lockSpend(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := w.settlePending(ctx); err != nil {
		return nil, err
	}
	res, err := w.escrow.Claim(ctx, escrowID, preimage)
	return w.redeemed(ctx, res, err, proofstore.HistoryEscrowClaim)
}

// RefundEscrow takes back a locked escrow after its locktime.
func (w *Wallet) RefundEscrow(ctx context.Context, escrowID string) (*ledger.PendingHtlc, error) {
	unlock, err := w.lockSpend(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := w.settlePending(ctx); err != nil {
		return nil, err
	}
	res, err := w.escrow.Refund(ctx, escrowID)
	return w.redeemed(ctx, res, err, proofstore.HistoryEscrowRefund)
}

// redeemed keeps the proofs a claim or refund produced.
func (w *Wallet) redeemed(ctx context.Context, res *escrow.Result, err error, kind proofstore.HistoryKind) (*ledger.PendingHtlc, error) {
	if errors.Is(err, escrow.ErrCounterpartyActed) && res != nil && res.Htlc != nil {
		w.metrics.incEscrow(string(res.Htlc.Status))
	}
	if err != nil {
		if res != nil {
			return res.Htlc, err
		}
		return nil, err
	}
	h := res.Htlc
	if perr := w.finishOp(ctx, res.OpID, nil, res.Proofs, string(kind)+" "+h.EscrowID); perr != nil {
		return h, perr
	}
	w.metrics.incEscrow(string(h.Status))
	w.history(ctx, proofstore.DirectionIn, kind, res.Proofs.Amount(), h.EscrowID)
	return h, nil
}

// ConfirmClaimNotice handles the payee's out-of-band notice that it
// claimed escrowID. Pending operations settle first so that a refund of
// our own is never mistaken for the payee's claim.
func (w *Wallet) ConfirmClaimNotice(ctx context.Context, escrowID string) (*ledger.PendingHtlc, error) {
	unlock, err := w.lockSpend(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := w.settlePending(ctx); err != nil {
		return nil, err
	}
	before, err := w.ledger.Htlc(escrowID)
	if err != nil {
		return nil, err
	}
	h, err := w.escrow.ConfirmClaimNotice(ctx, escrowID)
	if err == nil && before.Status != ledger.StatusClaimed && h.Status == ledger.StatusClaimed {
		w.metrics.incEscrow(string(h.Status))
	}
	return h, err
}

// refundExpired refunds every payer escrow past its locktime.
func (w *Wallet) refundExpired(ctx context.Context) error {
	unlock, err := w.lockSpend(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := w.settlePending(ctx); err != nil {
		return err
	}
	results, rerr := w.escrow.RefundExpired(ctx)
	var errs []error
	for _, res := range results {
		if len(res.Proofs) == 0 {
			if res.Htlc != nil && res.Htlc.Status.Terminal() {
				w.metrics.incEscrow(string(res.Htlc.Status))
			}
			continue
		}
		h := res.Htlc
		if err := w.finishOp(ctx, res.OpID, nil, res.Proofs, "auto refund "+h.EscrowID); err != nil {
			errs = append(errs, err)
			continue
		}
		w.metrics.incRefunds()
		w.metrics.incEscrow(string(h.Status))
		w.history(ctx, proofstore.DirectionIn, proofstore.HistoryEscrowRefund, res.Proofs.Amount(), h.EscrowID)
	}
	return errors.Join(append(errs, rerr)...)
}
