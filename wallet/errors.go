package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/variablefate/ridestr-sub008/bdhke"
	"github.com/variablefate/ridestr-sub008/escrow"
	"github.com/variablefate/ridestr-sub008/mint"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDurability means proofs could be kept neither on the relays nor
	// in a local recovery token.
	ErrDurability = errors.New("proofs could not be stored durably")
)

// UserMessage maps err to a short actionable message for the user.
func UserMessage(err error) string {
	var me *mint.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, escrow.ErrInsufficient):
		return "insufficient funds"
	case errors.Is(err, bdhke.ErrNoSeed):
		return "wallet has no recovery seed; set a mnemonic before receiving funds"
	case errors.Is(err, ErrDurability):
		return "funds could not be saved; check relays and disk"
	case mint.IsTransport(err):
		return "mint unreachable, try again later"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.Is(err, bdhke.ErrVerification):
		return "mint response failed verification; provider incompatible"
	case errors.Is(err, escrow.ErrNotYetRefundable):
		return "escrow cannot be refunded before its locktime"
	case errors.Is(err, escrow.ErrWrongPreimage):
		return "wrong preimage for this escrow"
	case errors.Is(err, escrow.ErrCounterpartyActed):
		return "escrow was already settled by the other party"
	case errors.Is(err, escrow.ErrSettled):
		return "escrow is already settled"
	case errors.Is(err, escrow.ErrOpInFlight), errors.Is(err, escrow.ErrInputsPending):
		return "escrow has an operation in flight, try again later"
	case mint.HasCode(err, mint.CodeUnitUnsupported), mint.HasCode(err, mint.CodeKeysetUnknown):
		return "provider incompatible"
	case errors.As(err, &me):
		return fmt.Sprintf("mint rejected the request: %s", me.Detail)
	}
	return err.Error()
}
