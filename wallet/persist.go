package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/variablefate/ridestr-sub008/cashu"
	"github.com/variablefate/ridestr-sub008/ledger"
	"github.com/variablefate/ridestr-sub008/proofstore"
)

// persist moves spent out of the proof store and add into it. Relay
// failures are retried; once the retries run out the proofs that still need
// a home are sealed into a local recovery token. Only when that also fails
// is ErrDurability returned, and the caller must keep its in-flight marker.
func (w *Wallet) persist(ctx context.Context, spent, add cashu.Proofs, reason string) error {
	spentSet := spent.Secrets()
	if len(spentSet) == 0 && len(add) == 0 {
		return nil
	}
	w.updateCache(spentSet, add)

	homeless := add
	err := w.retry.Do(ctx, func(attempt int) (bool, error) {
		_, err := w.store.Rotate(ctx, spentSet, add)
		if err == nil {
			return false, nil
		}
		var re *proofstore.RepublishError
		if errors.As(err, &re) {
			homeless = re.Proofs
		}
		w.metrics.incPublishRetries()
		w.log.Warnf("Publish for %s failed (attempt %d): %v", reason, attempt, err)
		return true, err
	})
	if err == nil {
		return nil
	}
	if len(homeless) == 0 {
		// Nothing unspent depends on this write; the stale record is
		// dropped by a later sync.
		w.log.Warnf("Cleanup for %s not published: %v", reason, err)
		return nil
	}
	if rerr := w.saveRecoveryToken(homeless, reason); rerr != nil {
		w.log.Criticalf("Proofs for %s kept neither on relays (%v) nor locally (%v)", reason, err, rerr)
		return fmt.Errorf("%w: %v", ErrDurability, rerr)
	}
	return nil
}

func (w *Wallet) saveRecoveryToken(proofs cashu.Proofs, reason string) error {
	enc, err := cashu.EncodeToken(w.mint.URL(), proofs)
	if err != nil {
		return err
	}
	rt := &ledger.RecoveryToken{
		ID:            uuid.NewString(),
		EncodedProofs: enc,
		TotalAmount:   proofs.Amount(),
		MintURL:       w.mint.URL(),
		CreatedAt:     w.now(),
		Reason:        reason,
	}
	if err := w.ledger.SaveRecoveryToken(rt); err != nil {
		return err
	}
	w.metrics.incRecoveryTokens()
	w.log.Warnf("Saved %d sats for %s in recovery token %s", rt.TotalAmount, reason, rt.ID)
	return nil
}

// recoveryProofs decodes the proofs held in this mint's recovery tokens.
func (w *Wallet) recoveryProofs() (cashu.Proofs, []*ledger.RecoveryToken, error) {
	tokens, err := w.ledger.RecoveryTokens()
	if err != nil {
		return nil, nil, err
	}
	var out cashu.Proofs
	var mine []*ledger.RecoveryToken
	for _, rt := range tokens {
		if rt.MintURL != w.mint.URL() {
			continue
		}
		tok, err := cashu.DecodeToken(rt.EncodedProofs)
		if err != nil {
			w.log.Errorf("Recovery token %s unreadable: %v", rt.ID, err)
			continue
		}
		out = append(out, tok.Proofs()...)
		mine = append(mine, rt)
	}
	return out, mine, nil
}

// RecoverTokens re-verifies every recovery token, republishes its unspent
// proofs and deletes the token once that publish succeeded. It returns the
// value republished.
func (w *Wallet) RecoverTokens(ctx context.Context) (uint64, error) {
	unlock, err := w.lockSpend(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	_, tokens, err := w.recoveryProofs()
	if err != nil {
		return 0, err
	}
	var recovered uint64
	var errs []error
	for _, rt := range tokens {
		n, err := w.recoverToken(ctx, rt)
		recovered += n
		if err != nil {
			errs = append(errs, fmt.Errorf("token %s: %w", rt.ID, err))
		}
	}
	w.metrics.addRecovered(recovered)
	return recovered, errors.Join(errs...)
}

func (w *Wallet) recoverToken(ctx context.Context, rt *ledger.RecoveryToken) (uint64, error) {
	tok, err := cashu.DecodeToken(rt.EncodedProofs)
	if err != nil {
		return 0, err
	}
	proofs := tok.Proofs()
	states, err := w.mint.CheckProofs(ctx, proofs)
	if err != nil {
		return 0, err
	}
	var unspent, pending cashu.Proofs
	for i, st := range states {
		switch st {
		case cashu.StateUnspent:
			unspent = append(unspent, proofs[i])
		case cashu.StatePending:
			pending = append(pending, proofs[i])
		}
	}
	if len(pending) > 0 {
		return 0, fmt.Errorf("%d proofs pending at mint", len(pending))
	}
	if len(unspent) > 0 {
		if _, err := w.store.Rotate(ctx, nil, unspent); err != nil {
			return 0, err
		}
		w.updateCache(nil, unspent)
	}
	if err := w.ledger.DeleteRecoveryToken(rt.ID); err != nil {
		return 0, err
	}
	w.log.Infof("Recovery token %s: republished %d of %d sats", rt.ID, unspent.Amount(), rt.TotalAmount)
	return unspent.Amount(), nil
}
