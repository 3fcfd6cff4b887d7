package mint

import (
	"encoding/json"

	"github.com/variablefate/ridestr-sub008/cashu"
)

const (
	MethodBolt11 = "bolt11"
	UnitSat      = "sat"
)

// QuoteState is the state of a mint or melt quote.
type QuoteState string

const (
	QuoteUnpaid  QuoteState = "UNPAID"
	QuotePaid    QuoteState = "PAID"
	QuotePending QuoteState = "PENDING"
	QuoteIssued  QuoteState = "ISSUED"
)

type InfoResponse struct {
	Name        string                     `json:"name"`
	Pubkey      string                     `json:"pubkey,omitempty"`
	Version     string                     `json:"version,omitempty"`
	Description string                     `json:"description,omitempty"`
	Nuts        map[string]json.RawMessage `json:"nuts,omitempty"`
}

type wsSupport struct {
	Supported []struct {
		Method   string   `json:"method"`
		Unit     string   `json:"unit"`
		Commands []string `json:"commands"`
	} `json:"supported"`
}

// SupportsSubscription reports whether the mint advertises NUT-17
// subscriptions for command on method/unit.
func (i *InfoResponse) SupportsSubscription(method, unit, command string) bool {
	raw, ok := i.Nuts["17"]
	if !ok {
		return false
	}
	var ws wsSupport
	if err := json.Unmarshal(raw, &ws); err != nil {
		return false
	}
	for _, s := range ws.Supported {
		if s.Method != method || s.Unit != unit {
			continue
		}
		for _, c := range s.Commands {
			if c == command {
				return true
			}
		}
	}
	return false
}

type KeysetInfo struct {
	Id          string `json:"id"`
	Unit        string `json:"unit"`
	Active      bool   `json:"active"`
	InputFeePpk uint   `json:"input_fee_ppk,omitempty"`
}

type KeysetsResponse struct {
	Keysets []KeysetInfo `json:"keysets"`
}

type KeysResponse struct {
	Keysets []struct {
		Id   string            `json:"id"`
		Unit string            `json:"unit"`
		Keys map[string]string `json:"keys"`
	} `json:"keysets"`
}

type MintQuoteRequest struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
}

type MintQuote struct {
	Quote   string     `json:"quote"`
	Request string     `json:"request"`
	State   QuoteState `json:"state"`
	Expiry  int64      `json:"expiry"`
}

// Paid reports whether the invoice behind the quote has been paid.
func (q *MintQuote) Paid() bool {
	return q.State == QuotePaid || q.State == QuoteIssued
}

type MintRequest struct {
	Quote   string                `json:"quote"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type MintResponse struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}

type MeltQuoteRequest struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type MeltQuote struct {
	Quote           string                  `json:"quote"`
	Amount          uint64                  `json:"amount"`
	FeeReserve      uint64                  `json:"fee_reserve"`
	State           QuoteState              `json:"state"`
	Expiry          int64                   `json:"expiry"`
	PaymentPreimage string                  `json:"payment_preimage,omitempty"`
	Change          cashu.BlindedSignatures `json:"change,omitempty"`
}

type MeltRequest struct {
	Quote   string                `json:"quote"`
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}

type SwapRequest struct {
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type SwapResponse struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}

type CheckStateRequest struct {
	Ys []string `json:"Ys"`
}

type ProofStateEntry struct {
	Y       string           `json:"Y"`
	State   cashu.ProofState `json:"state"`
	Witness string           `json:"witness,omitempty"`
}

type CheckStateResponse struct {
	States []ProofStateEntry `json:"states"`
}

type RestoreRequest struct {
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type RestoreResponse struct {
	Outputs    cashu.BlindedMessages   `json:"outputs"`
	Signatures cashu.BlindedSignatures `json:"signatures"`
	Promises   cashu.BlindedSignatures `json:"promises,omitempty"`
}

// signaturesPayload accepts both the current "signatures" field and the
// legacy "promises" field.
type signaturesPayload struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
	Promises   cashu.BlindedSignatures `json:"promises"`
}

func (p signaturesPayload) sigs() cashu.BlindedSignatures {
	if len(p.Signatures) > 0 {
		return p.Signatures
	}
	return p.Promises
}
