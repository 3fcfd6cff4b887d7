package wallet

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/variablefate/ridestr-sub008/bdhke"
	"github.com/variablefate/ridestr-sub008/cashu"
	"github.com/variablefate/ridestr-sub008/escrow"
	"github.com/variablefate/ridestr-sub008/mint"
)

func amounts(as ...uint64) cashu.Proofs {
	out := make(cashu.Proofs, len(as))
	for i, a := range as {
		out[i] = cashu.Proof{Amount: a, Secret: fmt.Sprintf("s%d", i)}
	}
	return out
}

func TestSelectProofs(t *testing.T) {
	tests := []struct {
		name    string
		have    cashu.Proofs
		target  uint64
		ok      bool
		sum     uint64
		nproofs int
	}{
		{name: "exact greedy", have: amounts(1, 2, 4, 8, 16), target: 6, ok: true, sum: 6, nproofs: 2},
		{name: "single proof beats top-up", have: amounts(64, 1, 1, 1), target: 50, ok: true, sum: 64, nproofs: 1},
		{name: "fewest proofs on tie", have: amounts(4, 4, 8), target: 8, ok: true, sum: 8, nproofs: 1},
		{name: "all proofs", have: amounts(1, 2, 4), target: 7, ok: true, sum: 7, nproofs: 3},
		{name: "insufficient", have: amounts(1, 2, 4), target: 8},
		{name: "zero target", have: amounts(1), target: 0, ok: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sel, ok := selectProofs(tc.have, tc.target)
			require.Equal(t, tc.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tc.sum, sel.Amount())
			assert.Len(t, sel, tc.nproofs)
		})
	}
}

func TestSelectProofsDoesNotReorderInput(t *testing.T) {
	have := amounts(8, 1, 4)
	_, ok := selectProofs(have, 5)
	require.True(t, ok)
	assert.Equal(t, []uint64{8, 1, 4}, []uint64{have[0].Amount, have[1].Amount, have[2].Amount})
}

func TestChangeAmounts(t *testing.T) {
	assert.Nil(t, changeAmounts(0))
	assert.Equal(t, []uint64{1, 2, 4}, changeAmounts(7))

	// Every value up to the maximum must fit in the blank outputs.
	out := changeAmounts(4)
	assert.Len(t, out, 3)
	for v := uint64(1); v <= 4; v++ {
		assert.LessOrEqual(t, len(cashu.SplitAmount(v)), len(out))
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("withdraw: %w", ErrInsufficientFunds), "insufficient funds"},
		{fmt.Errorf("swap: %w: dial tcp", mint.ErrTransport), "mint unreachable, try again later"},
		{&mint.Error{Code: mint.CodeAlreadySpent, Detail: "token already spent"}, "mint rejected the request: token already spent"},
		{&mint.Error{Code: mint.CodeUnitUnsupported, Detail: "unit"}, "provider incompatible"},
		{bdhke.ErrNoSeed, "wallet has no recovery seed; set a mnemonic before receiving funds"},
		{fmt.Errorf("refund: %w", escrow.ErrNotYetRefundable), "escrow cannot be refunded before its locktime"},
		{fmt.Errorf("notice: %w: refund ride-7", escrow.ErrOpInFlight), "escrow has an operation in flight, try again later"},
		{context.DeadlineExceeded, "request timed out"},
		{errors.New("other"), "other"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, UserMessage(tc.err))
	}
}
