// Package minttest runs a small but honest Cashu mint in-process for tests.
// It signs with real per-amount keys, verifies every input, tracks spent
// state, charges input fees and enforces NUT-14 HTLC conditions.
package minttest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"

	"github.com/variablefate/ridestr-sub008/bdhke"
	"github.com/variablefate/ridestr-sub008/cashu"
)

const maxOrder = 20

// FailMode selects how an injected failure behaves.
type FailMode int

const (
	// FailBefore answers 503 without touching mint state.
	FailBefore FailMode = iota
	// FailAfter processes the request, then answers 503 so the caller never
	// learns the outcome.
	FailAfter
)

type Options struct {
	InputFeePpk uint
	AutoPay     bool
	DLEQ        bool
	// Legacy answers mint and swap with the "promises" field.
	Legacy     bool
	FeeReserve uint64
	ActualFee  uint64
	// MeltPending leaves melts in PENDING with inputs reserved.
	MeltPending bool
}

type mintQuote struct {
	ID      string
	Amount  uint64
	Request string
	State   string
}

type meltQuote struct {
	ID         string
	Amount     uint64
	FeeReserve uint64
	Request    string
	State      string
	Preimage   string
	Change     cashu.BlindedSignatures
}

type failure struct {
	mode  FailMode
	count int
}

// Mint is an in-process mint served over httptest.
type Mint struct {
	Server *httptest.Server
	URL    string

	mu       sync.Mutex
	opts     Options
	keysetID string
	privs    map[uint64]*secp256k1.PrivateKey
	pubs     map[uint64]*secp256k1.PublicKey
	spent    map[string]bool
	pending  map[string]bool
	signed   map[string]cashu.BlindedSignature
	mintQs   map[string]*mintQuote
	meltQs   map[string]*meltQuote
	fail     map[string]*failure
	calls    map[string]int
	now      func() time.Time
}

func New(opts Options) *Mint {
	m := &Mint{
		opts:    opts,
		privs:   make(map[uint64]*secp256k1.PrivateKey),
		pubs:    make(map[uint64]*secp256k1.PublicKey),
		spent:   make(map[string]bool),
		pending: make(map[string]bool),
		signed:  make(map[string]cashu.BlindedSignature),
		mintQs:  make(map[string]*mintQuote),
		meltQs:  make(map[string]*meltQuote),
		fail:    make(map[string]*failure),
		calls:   make(map[string]int),
		now:     time.Now,
	}
	for i := 0; i <= maxOrder; i++ {
		h := sha256.Sum256([]byte("minttest-key-" + strconv.Itoa(i)))
		priv := secp256k1.PrivKeyFromBytes(h[:])
		amt := uint64(1) << uint(i)
		m.privs[amt] = priv
		m.pubs[amt] = priv.PubKey()
	}
	m.keysetID = cashu.KeysetID(m.pubs)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/info", m.handle("info", m.info))
	mux.HandleFunc("GET /v1/keysets", m.handle("keysets", m.keysets))
	mux.HandleFunc("GET /v1/keys/{id}", m.handle("keys", m.keys))
	mux.HandleFunc("POST /v1/mint/quote/bolt11", m.handle("mintquote", m.postMintQuote))
	mux.HandleFunc("GET /v1/mint/quote/bolt11/{id}", m.handle("mintquotestate", m.getMintQuote))
	mux.HandleFunc("POST /v1/mint/bolt11", m.handle("mint", m.mint))
	mux.HandleFunc("POST /v1/melt/quote/bolt11", m.handle("meltquote", m.postMeltQuote))
	mux.HandleFunc("GET /v1/melt/quote/bolt11/{id}", m.handle("meltquotestate", m.getMeltQuote))
	mux.HandleFunc("POST /v1/melt/bolt11", m.handle("melt", m.melt))
	mux.HandleFunc("POST /v1/swap", m.handle("swap", m.swap))
	mux.HandleFunc("POST /v1/checkstate", m.handle("checkstate", m.checkstate))
	mux.HandleFunc("POST /v1/restore", m.handle("restore", m.restore))

	m.Server = httptest.NewServer(mux)
	m.URL = m.Server.URL
	return m
}

func (m *Mint) Close() { m.Server.Close() }

func (m *Mint) KeysetID() string { return m.keysetID }

// Keyset returns the public keyset as a wallet would see it.
func (m *Mint) Keyset() *cashu.Keyset {
	return &cashu.Keyset{Id: m.keysetID, Unit: "sat", Active: true, InputFeePpk: m.opts.InputFeePpk, Keys: m.pubs}
}

// SetNow replaces the clock used for HTLC locktimes.
func (m *Mint) SetNow(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// FailNext makes the next count calls to endpoint fail. Endpoint names are
// the handler names: "mint", "swap", "melt", "checkstate", ...
func (m *Mint) FailNext(endpoint string, mode FailMode, count int) {
	m.mu.Lock()
	m.fail[endpoint] = &failure{mode: mode, count: count}
	m.mu.Unlock()
}

// Calls returns how often endpoint was hit.
func (m *Mint) Calls(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[endpoint]
}

// PayQuote marks a mint quote paid.
func (m *Mint) PayQuote(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.mintQs[id]; ok && q.State == "UNPAID" {
		q.State = "PAID"
	}
}

// MarkSpent marks proofs spent as if someone else redeemed them.
func (m *Mint) MarkSpent(proofs cashu.Proofs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range proofs {
		y, _ := bdhke.SecretY(p.Secret)
		m.spent[y] = true
	}
}

// SettleMelt finishes a pending melt.
func (m *Mint) SettleMelt(id string, paid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.meltQs[id]
	if !ok {
		return
	}
	for y := range m.pending {
		if paid {
			m.spent[y] = true
		}
		delete(m.pending, y)
	}
	if paid {
		q.State = "PAID"
	} else {
		q.State = "UNPAID"
	}
}

// Invoice returns a fake bolt11 invoice for amount.
func Invoice(amount uint64) string {
	return fmt.Sprintf("lnminttest%d_%s", amount, uuid.NewString()[:8])
}

func invoiceAmount(inv string) (uint64, error) {
	rest, ok := strings.CutPrefix(inv, "lnminttest")
	if !ok {
		return 0, fmt.Errorf("not a test invoice")
	}
	amt, _, _ := strings.Cut(rest, "_")
	return strconv.ParseUint(amt, 10, 64)
}

type handlerFunc func(r *http.Request) (interface{}, *apiError)

type apiError struct {
	Code   int    `json:"code"`
	Detail string `json:"detail"`
}

func errf(code int, format string, args ...interface{}) *apiError {
	return &apiError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func (m *Mint) handle(name string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls[name]++
		var mode FailMode
		failing := false
		if f, ok := m.fail[name]; ok && f.count > 0 {
			f.count--
			failing, mode = true, f.mode
		}
		m.mu.Unlock()

		if failing && mode == FailBefore {
			http.Error(w, "injected failure", http.StatusServiceUnavailable)
			return
		}
		m.mu.Lock()
		out, aerr := h(r)
		m.mu.Unlock()
		if failing {
			http.Error(w, "injected failure", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if aerr != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(aerr)
			return
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}

func decode(r *http.Request, v interface{}) *apiError {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errf(10000, "bad request: %v", err)
	}
	return nil
}

func (m *Mint) info(*http.Request) (interface{}, *apiError) {
	return map[string]interface{}{
		"name":    "minttest",
		"version": "minttest/1",
		"nuts": map[string]interface{}{
			"4": map[string]interface{}{"methods": []map[string]string{{"method": "bolt11", "unit": "sat"}}},
		},
	}, nil
}

func (m *Mint) keysets(*http.Request) (interface{}, *apiError) {
	return map[string]interface{}{
		"keysets": []map[string]interface{}{{
			"id": m.keysetID, "unit": "sat", "active": true, "input_fee_ppk": m.opts.InputFeePpk,
		}},
	}, nil
}

func (m *Mint) keys(r *http.Request) (interface{}, *apiError) {
	if r.PathValue("id") != m.keysetID {
		return nil, errf(12001, "keyset not found")
	}
	return map[string]interface{}{
		"keysets": []map[string]interface{}{{
			"id": m.keysetID, "unit": "sat", "keys": cashu.EncodeKeys(m.pubs),
		}},
	}, nil
}

func (q *mintQuote) view() map[string]interface{} {
	return map[string]interface{}{"quote": q.ID, "request": q.Request, "state": q.State, "expiry": 0}
}

func (m *Mint) postMintQuote(r *http.Request) (interface{}, *apiError) {
	var req struct {
		Amount uint64 `json:"amount"`
		Unit   string `json:"unit"`
	}
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.Unit != "sat" {
		return nil, errf(11005, "unit %q not supported", req.Unit)
	}
	q := &mintQuote{ID: uuid.NewString(), Amount: req.Amount, Request: Invoice(req.Amount), State: "UNPAID"}
	if m.opts.AutoPay {
		q.State = "PAID"
	}
	m.mintQs[q.ID] = q
	return q.view(), nil
}

func (m *Mint) getMintQuote(r *http.Request) (interface{}, *apiError) {
	q, ok := m.mintQs[r.PathValue("id")]
	if !ok {
		return nil, errf(20000, "quote not found")
	}
	return q.view(), nil
}

func (m *Mint) sigsResponse(sigs cashu.BlindedSignatures) interface{} {
	if m.opts.Legacy {
		return map[string]interface{}{"promises": sigs}
	}
	return map[string]interface{}{"signatures": sigs}
}

func (m *Mint) mint(r *http.Request) (interface{}, *apiError) {
	var req struct {
		Quote   string                `json:"quote"`
		Outputs cashu.BlindedMessages `json:"outputs"`
	}
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	q, ok := m.mintQs[req.Quote]
	if !ok {
		return nil, errf(20000, "quote not found")
	}
	switch q.State {
	case "UNPAID":
		return nil, errf(20001, "quote not paid")
	case "ISSUED":
		return nil, errf(20002, "tokens already issued")
	}
	if req.Outputs.Amount() != q.Amount {
		return nil, errf(11002, "outputs %d != quote %d", req.Outputs.Amount(), q.Amount)
	}
	if err := m.checkOutputs(req.Outputs); err != nil {
		return nil, err
	}
	sigs, err := m.signOutputs(req.Outputs)
	if err != nil {
		return nil, err
	}
	q.State = "ISSUED"
	return m.sigsResponse(sigs), nil
}

func (q *meltQuote) view() map[string]interface{} {
	v := map[string]interface{}{
		"quote": q.ID, "amount": q.Amount, "fee_reserve": q.FeeReserve, "state": q.State, "expiry": 0,
	}
	if q.Preimage != "" {
		v["payment_preimage"] = q.Preimage
	}
	if len(q.Change) > 0 {
		v["change"] = q.Change
	}
	return v
}

func (m *Mint) postMeltQuote(r *http.Request) (interface{}, *apiError) {
	var req struct {
		Request string `json:"request"`
		Unit    string `json:"unit"`
	}
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	amt, err := invoiceAmount(req.Request)
	if err != nil {
		return nil, errf(20000, "bad invoice: %v", err)
	}
	q := &meltQuote{ID: uuid.NewString(), Amount: amt, FeeReserve: m.opts.FeeReserve, Request: req.Request, State: "UNPAID"}
	m.meltQs[q.ID] = q
	return q.view(), nil
}

func (m *Mint) getMeltQuote(r *http.Request) (interface{}, *apiError) {
	q, ok := m.meltQs[r.PathValue("id")]
	if !ok {
		return nil, errf(20000, "quote not found")
	}
	return q.view(), nil
}

func (m *Mint) melt(r *http.Request) (interface{}, *apiError) {
	var req struct {
		Quote   string                `json:"quote"`
		Inputs  cashu.Proofs          `json:"inputs"`
		Outputs cashu.BlindedMessages `json:"outputs"`
	}
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	q, ok := m.meltQs[req.Quote]
	if !ok {
		return nil, errf(20000, "quote not found")
	}
	switch q.State {
	case "PAID":
		return nil, errf(20006, "invoice already paid")
	case "PENDING":
		return nil, errf(20005, "quote pending")
	}
	ys, aerr := m.checkInputs(req.Inputs)
	if aerr != nil {
		return nil, aerr
	}
	fee := m.inputFee(req.Inputs)
	total := req.Inputs.Amount()
	if total < q.Amount+q.FeeReserve+fee {
		return nil, errf(11002, "inputs %d < %d", total, q.Amount+q.FeeReserve+fee)
	}
	if err := m.checkOutputs(req.Outputs); err != nil {
		return nil, err
	}

	if m.opts.MeltPending {
		for _, y := range ys {
			m.pending[y] = true
		}
		q.State = "PENDING"
		return q.view(), nil
	}

	for _, y := range ys {
		m.spent[y] = true
	}
	change := total - q.Amount - m.opts.ActualFee - fee
	var sigs cashu.BlindedSignatures
	for i, amt := range cashu.SplitAmount(change) {
		if i >= len(req.Outputs) {
			break
		}
		out := req.Outputs[i]
		out.Amount = amt
		sig, err := m.signOne(out)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	q.State = "PAID"
	q.Preimage = hex.EncodeToString(make([]byte, 32))
	q.Change = sigs
	return q.view(), nil
}

func (m *Mint) swap(r *http.Request) (interface{}, *apiError) {
	var req struct {
		Inputs  cashu.Proofs          `json:"inputs"`
		Outputs cashu.BlindedMessages `json:"outputs"`
	}
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	ys, aerr := m.checkInputs(req.Inputs)
	if aerr != nil {
		return nil, aerr
	}
	if err := m.checkOutputs(req.Outputs); err != nil {
		return nil, err
	}
	fee := m.inputFee(req.Inputs)
	if req.Inputs.Amount() != req.Outputs.Amount()+fee {
		return nil, errf(11002, "inputs %d != outputs %d + fee %d", req.Inputs.Amount(), req.Outputs.Amount(), fee)
	}
	sigs, err := m.signOutputs(req.Outputs)
	if err != nil {
		return nil, err
	}
	for _, y := range ys {
		m.spent[y] = true
	}
	return m.sigsResponse(sigs), nil
}

func (m *Mint) checkstate(r *http.Request) (interface{}, *apiError) {
	var req struct {
		Ys []string `json:"Ys"`
	}
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	states := make([]map[string]string, 0, len(req.Ys))
	for _, y := range req.Ys {
		st := "UNSPENT"
		switch {
		case m.spent[y]:
			st = "SPENT"
		case m.pending[y]:
			st = "PENDING"
		}
		states = append(states, map[string]string{"Y": y, "state": st})
	}
	return map[string]interface{}{"states": states}, nil
}

func (m *Mint) restore(r *http.Request) (interface{}, *apiError) {
	var req struct {
		Outputs cashu.BlindedMessages `json:"outputs"`
	}
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	outs := cashu.BlindedMessages{}
	sigs := cashu.BlindedSignatures{}
	for _, o := range req.Outputs {
		if s, ok := m.signed[o.B_]; ok {
			outs = append(outs, o)
			sigs = append(sigs, s)
		}
	}
	return map[string]interface{}{"outputs": outs, "signatures": sigs}, nil
}

func (m *Mint) inputFee(proofs cashu.Proofs) uint64 {
	return cashu.Fee(proofs, map[string]uint{m.keysetID: m.opts.InputFeePpk})
}

// checkInputs verifies signatures, spent state and spending conditions and
// returns the Ys of the inputs.
func (m *Mint) checkInputs(inputs cashu.Proofs) ([]string, *apiError) {
	if len(inputs) == 0 {
		return nil, errf(11002, "no inputs")
	}
	seen := make(map[string]bool, len(inputs))
	ys := make([]string, 0, len(inputs))
	for _, p := range inputs {
		if p.Id != m.keysetID {
			return nil, errf(12001, "unknown keyset %s", p.Id)
		}
		priv, ok := m.privs[p.Amount]
		if !ok {
			return nil, errf(10003, "bad amount %d", p.Amount)
		}
		c, err := bdhke.ParsePoint(p.C)
		if err != nil || !bdhke.Verify(priv, c, p.Secret) {
			return nil, errf(10003, "could not verify proof")
		}
		y, _ := bdhke.SecretY(p.Secret)
		if seen[y] {
			return nil, errf(11007, "duplicate inputs")
		}
		seen[y] = true
		if m.spent[y] {
			return nil, errf(11001, "token already spent")
		}
		if m.pending[y] {
			return nil, errf(11003, "token is pending")
		}
		if aerr := m.checkConditions(p); aerr != nil {
			return nil, aerr
		}
		ys = append(ys, y)
	}
	return ys, nil
}

func (m *Mint) checkConditions(p cashu.Proof) *apiError {
	s, err := cashu.ParseSecret(p.Secret)
	if err != nil {
		return nil
	}
	if s.Kind != cashu.KindHTLC {
		return errf(10003, "unsupported secret kind %s", s.Kind)
	}
	w, err := cashu.ParseHTLCWitness(p.Witness)
	if err != nil {
		return errf(10003, "missing htlc witness")
	}
	msg, err := bdhke.WitnessMessage(p.Secret, p.C)
	if err != nil {
		return errf(10003, "bad witness message")
	}

	var locktime int64
	if v, ok := s.Tag("locktime"); ok && len(v) > 0 {
		locktime, _ = strconv.ParseInt(v[0], 10, 64)
	}
	if locktime > 0 && m.now().Unix() > locktime {
		if refund, ok := s.Tag("refund"); ok && signedByAny(msg, w.Signatures, refund) {
			return nil
		}
	}

	pre, err := hex.DecodeString(w.Preimage)
	if err != nil {
		return errf(10003, "bad preimage")
	}
	h := sha256.Sum256(pre)
	if hex.EncodeToString(h[:]) != s.Data {
		return errf(10003, "preimage does not match")
	}
	if pubs, ok := s.Tag("pubkeys"); ok && !signedByAny(msg, w.Signatures, pubs) {
		return errf(10003, "no valid signature")
	}
	return nil
}

func signedByAny(msg []byte, sigs, pubs []string) bool {
	for _, ph := range pubs {
		pub, err := bdhke.ParsePoint(ph)
		if err != nil {
			continue
		}
		for _, s := range sigs {
			if bdhke.VerifySchnorr(msg, s, pub) == nil {
				return true
			}
		}
	}
	return false
}

func (m *Mint) checkOutputs(outputs cashu.BlindedMessages) *apiError {
	seen := make(map[string]bool, len(outputs))
	for _, o := range outputs {
		if o.Id != m.keysetID {
			return errf(12001, "unknown keyset %s", o.Id)
		}
		if _, ok := m.privs[o.Amount]; !ok {
			return errf(10003, "bad output amount %d", o.Amount)
		}
		if _, ok := m.signed[o.B_]; ok || seen[o.B_] {
			return errf(10002, "outputs already signed")
		}
		seen[o.B_] = true
	}
	return nil
}

func (m *Mint) signOutputs(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, *apiError) {
	sigs := make(cashu.BlindedSignatures, 0, len(outputs))
	for _, o := range outputs {
		s, err := m.signOne(o)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, s)
	}
	return sigs, nil
}

func (m *Mint) signOne(o cashu.BlindedMessage) (cashu.BlindedSignature, *apiError) {
	priv := m.privs[o.Amount]
	b, err := bdhke.ParsePoint(o.B_)
	if err != nil {
		return cashu.BlindedSignature{}, errf(10003, "bad blinded message")
	}
	c, err := bdhke.SignBlinded(priv, b)
	if err != nil {
		return cashu.BlindedSignature{}, errf(10003, "sign: %v", err)
	}
	sig := cashu.BlindedSignature{Amount: o.Amount, Id: m.keysetID, C_: hex.EncodeToString(c.SerializeCompressed())}
	if m.opts.DLEQ {
		e, s, err := bdhke.ProveDLEQ(priv, b, c)
		if err == nil {
			sig.DLEQ = &cashu.DLEQProof{E: e, S: s}
		}
	}
	m.signed[o.B_] = sig
	return sig, nil
}

// Issue returns fresh proofs worth amount, signed directly as if they had
// been minted earlier.
func (m *Mint) Issue(amount uint64) cashu.Proofs {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out cashu.Proofs
	for _, amt := range cashu.SplitAmount(amount) {
		secret, err := bdhke.RandomHex(32)
		if err != nil {
			panic(err)
		}
		y, err := bdhke.HashSecret(secret)
		if err != nil {
			panic(err)
		}
		c, err := bdhke.SignBlinded(m.privs[amt], y)
		if err != nil {
			panic(err)
		}
		out = append(out, cashu.Proof{
			Amount: amt,
			Id:     m.keysetID,
			Secret: secret,
			C:      hex.EncodeToString(c.SerializeCompressed()),
		})
	}
	return out
}

// Spent reports whether the mint has seen secret spent.
func (m *Mint) Spent(secret string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	y, _ := bdhke.SecretY(secret)
	return m.spent[y]
}
