package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/variablefate/ridestr-sub008/cashu"
)

// maxFeeRounds bounds the select-then-price loop. Each round can only grow
// the target, so it settles within a couple of rounds in practice.
const maxFeeRounds = 8

// selectFor picks unspent proofs covering amount plus their own input fee.
// Proofs the mint no longer reports unspent are dropped from the wallet and
// selection is retried. Must be called with the spend lock held.
func (w *Wallet) selectFor(ctx context.Context, amount uint64) (cashu.Proofs, uint64, error) {
	resynced := false
	for round := 0; round < 3; round++ {
		inputs, fee, err := w.selectCached(ctx, amount)
		if errors.Is(err, ErrInsufficientFunds) && !resynced && w.cachedBalanceCovers(amount) {
			w.log.Infof("Local proofs short of %d sats, resyncing from the proof store", amount)
			resynced = true
			if _, serr := w.syncLocked(ctx); serr != nil {
				return nil, 0, serr
			}
			continue
		}
		if err != nil {
			return nil, 0, err
		}

		spent, pending, err := w.staleProofs(ctx, inputs)
		if err != nil {
			return nil, 0, err
		}
		if len(spent) == 0 && len(pending) == 0 {
			return inputs, fee, nil
		}
		w.log.Warnf("Selection found %d spent and %d pending proofs, reselecting", len(spent), len(pending))
		w.dropStale(ctx, spent, pending)
	}
	return nil, 0, errStaleRetry
}

func (w *Wallet) selectCached(ctx context.Context, amount uint64) (cashu.Proofs, uint64, error) {
	have := w.Proofs()
	target := amount
	for i := 0; i < maxFeeRounds; i++ {
		sel, ok := selectProofs(have, target)
		if !ok {
			return nil, 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, have.Amount(), target)
		}
		fee, err := w.mint.InputFee(ctx, sel)
		if err != nil {
			return nil, 0, err
		}
		if sel.Amount() >= amount+fee {
			return sel, fee, nil
		}
		target = amount + fee
	}
	return nil, 0, fmt.Errorf("%w: fee for %d sats did not settle", ErrInsufficientFunds, amount)
}

func (w *Wallet) cachedBalanceCovers(amount uint64) bool {
	cached, err := w.ledger.CachedBalance(w.mint.URL())
	if err != nil {
		w.log.Warnf("Read cached balance: %v", err)
		return false
	}
	return cached >= amount
}

// staleProofs splits out the proofs the mint does not report unspent.
func (w *Wallet) staleProofs(ctx context.Context, proofs cashu.Proofs) (spent, pending cashu.Proofs, err error) {
	states, err := w.mint.CheckProofs(ctx, proofs)
	if err != nil {
		return nil, nil, err
	}
	for i, st := range states {
		switch st {
		case cashu.StateSpent:
			spent = append(spent, proofs[i])
		case cashu.StatePending:
			pending = append(pending, proofs[i])
		}
	}
	return spent, pending, nil
}

// dropStale removes spent proofs from the wallet and the proof store.
// Pending proofs only leave the local set; they stay stored until the mint
// settles them.
func (w *Wallet) dropStale(ctx context.Context, spent, pending cashu.Proofs) {
	if len(pending) > 0 {
		w.updateCache(pending.Secrets(), nil)
	}
	if err := w.persist(ctx, spent, nil, "stale cleanup"); err != nil {
		w.log.Warnf("Cleanup of stale proofs: %v", err)
	}
}
