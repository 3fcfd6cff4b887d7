package mint

import (
	"errors"
	"fmt"
)

// Protocol error codes returned in the "code" field of a 400 response.
const (
	CodeOutputsAlreadySigned = 10002
	CodeProofVerification    = 10003
	CodeAlreadySpent         = 11001
	CodeTransactionUnbalance = 11002
	CodeUnitUnsupported      = 11005
	CodeKeysetUnknown        = 12001
	CodeKeysetInactive       = 12002
	CodeQuoteNotPaid         = 20001
	CodeTokensAlreadyIssued  = 20002
	CodeQuotePending         = 20005
	CodeInvoiceAlreadyPaid   = 20006
)

// ErrTransport wraps every failure where the mint gave no usable answer.
// Such failures are retried and never read as "spent".
var ErrTransport = errors.New("mint unreachable")

// Error is a definitive rejection from the mint.
type Error struct {
	Code   int    `json:"code"`
	Detail string `json:"detail"`
	Status int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("mint error (status %d): %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("mint error %d: %s", e.Code, e.Detail)
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrTransport, err)
}

// IsTransport reports whether err is a no-response failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsRejected reports whether the mint answered err definitively.
func IsRejected(err error) bool {
	var me *Error
	return errors.As(err, &me)
}

// HasCode reports whether err is a mint rejection with the given code.
func HasCode(err error, code int) bool {
	var me *Error
	return errors.As(err, &me) && me.Code == code
}

// IsAlreadySpent reports whether the mint rejected err because an input was
// already spent.
func IsAlreadySpent(err error) bool {
	return HasCode(err, CodeAlreadySpent)
}
