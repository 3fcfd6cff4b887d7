package wallet

import (
	"sort"

	"github.com/variablefate/ridestr-sub008/cashu"
)

// selectProofs picks proofs summing to at least target, preferring the
// smallest overshoot and then the fewest proofs. It returns false when the
// proofs cannot cover target.
func selectProofs(proofs cashu.Proofs, target uint64) (cashu.Proofs, bool) {
	if target == 0 {
		return nil, true
	}
	if proofs.Amount() < target {
		return nil, false
	}
	asc := make(cashu.Proofs, len(proofs))
	copy(asc, proofs)
	asc.SortByAmount()

	var best cashu.Proofs
	consider := func(c cashu.Proofs) {
		if c == nil || c.Amount() < target {
			return
		}
		if best == nil {
			best = c
			return
		}
		co, bo := c.Amount()-target, best.Amount()-target
		if co < bo || (co == bo && len(c) < len(best)) {
			best = c
		}
	}

	// Smallest single proof that covers everything.
	for _, p := range asc {
		if p.Amount >= target {
			consider(cashu.Proofs{p})
			break
		}
	}
	consider(greedy(asc, target))
	return best, best != nil
}

// greedy takes the largest proofs that fit under target, then closes the
// gap with the smallest proof that covers it, or with the smallest proofs
// left if none does.
func greedy(asc cashu.Proofs, target uint64) cashu.Proofs {
	used := make([]bool, len(asc))
	var out cashu.Proofs
	var sum uint64
	for i := len(asc) - 1; i >= 0 && sum < target; i-- {
		if sum+asc[i].Amount <= target {
			sum += asc[i].Amount
			out = append(out, asc[i])
			used[i] = true
		}
	}
	if sum == target {
		return out
	}
	gap := target - sum
	idx := sort.Search(len(asc), func(i int) bool { return asc[i].Amount >= gap })
	for i := idx; i < len(asc); i++ {
		if !used[i] {
			return append(out, asc[i])
		}
	}
	for i := 0; i < len(asc) && sum < target; i++ {
		if !used[i] {
			sum += asc[i].Amount
			out = append(out, asc[i])
		}
	}
	if sum < target {
		return nil
	}
	return out
}
