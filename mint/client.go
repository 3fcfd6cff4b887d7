// Package mint is the HTTP and WebSocket gateway to a Cashu mint.
package mint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	"github.com/decred/slog"
	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"github.com/variablefate/ridestr-sub008/bdhke"
	"github.com/variablefate/ridestr-sub008/cashu"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 3 * time.Second
	defaultCacheSize    = 16

	// checkStateBatch is the largest Ys list sent in one checkstate call.
	checkStateBatch = 100
)

type Config struct {
	URL             string
	Log             slog.Logger
	Timeout         time.Duration
	PollInterval    time.Duration
	KeysetCacheSize int
	Unit            string

	// HTTPClient overrides the transport, mostly for tests.
	HTTPClient *http.Client
}

// Client talks to one mint. It holds no wallet state beyond a cache of
// keyset keys.
type Client struct {
	url          string
	unit         string
	log          slog.Logger
	http         *resty.Client
	pollInterval time.Duration
	keys         *cache.Cache[string, *cashu.Keyset]

	mu   sync.RWMutex
	info *InfoResponse
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("mint client must have logger")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("mint url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.KeysetCacheSize == 0 {
		cfg.KeysetCacheSize = defaultCacheSize
	}
	if cfg.Unit == "" {
		cfg.Unit = UnitSat
	}

	hc := resty.New()
	if cfg.HTTPClient != nil {
		hc = resty.NewWithClient(cfg.HTTPClient)
	}
	base := strings.TrimRight(cfg.URL, "/")
	hc.SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		url:          base,
		unit:         cfg.Unit,
		log:          cfg.Log,
		http:         hc,
		pollInterval: cfg.PollInterval,
		keys: cache.New[string, *cashu.Keyset](cache.AsLRU[string, *cashu.Keyset](
			lru.WithCapacity(cfg.KeysetCacheSize),
		)),
	}, nil
}

// URL returns the mint's base url, which is also its identity.
func (c *Client) URL() string { return c.url }

func (c *Client) Unit() string { return c.unit }

// do executes one request. A response with a protocol error code becomes an
// *Error; anything without a definitive answer becomes ErrTransport.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req := c.http.R().SetContext(ctx).SetError(&Error{})
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return transportErr(method+" "+path, err)
	}
	if resp.IsError() {
		return c.responseError(method, path, resp)
	}
	return nil
}

func (c *Client) responseError(method, path string, resp *resty.Response) error {
	if me, ok := resp.Error().(*Error); ok && (me.Code != 0 || me.Detail != "") {
		me.Status = resp.StatusCode()
		c.log.Debugf("%s %s rejected: %v", method, path, me)
		return me
	}
	if resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests {
		return transportErr(method+" "+path, fmt.Errorf("status %d", resp.StatusCode()))
	}
	return &Error{Status: resp.StatusCode(), Detail: strings.TrimSpace(resp.String())}
}

// Info returns the mint's /v1/info. The result is cached.
func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	c.mu.RLock()
	info := c.info
	c.mu.RUnlock()
	if info != nil {
		return info, nil
	}

	var resp InfoResponse
	if err := c.do(ctx, http.MethodGet, "/v1/info", nil, &resp); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.info = &resp
	c.mu.Unlock()
	return &resp, nil
}

func (c *Client) Keysets(ctx context.Context) ([]KeysetInfo, error) {
	var resp KeysetsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/keysets", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keysets, nil
}

// Keys fetches the public keys of one keyset. Keys of a version 00 keyset
// are checked against its id before they are trusted.
func (c *Client) Keys(ctx context.Context, id string) (*cashu.Keyset, error) {
	if ks, ok := c.keys.Get(id); ok {
		return ks, nil
	}

	var resp KeysResponse
	if err := c.do(ctx, http.MethodGet, "/v1/keys/"+id, nil, &resp); err != nil {
		return nil, err
	}
	for _, k := range resp.Keysets {
		if k.Id != id {
			continue
		}
		keys, err := cashu.ParseKeys(k.Keys)
		if err != nil {
			return nil, fmt.Errorf("keyset %s: %w", id, err)
		}
		if strings.HasPrefix(id, "00") && len(id) == 16 {
			if got := cashu.KeysetID(keys); got != id {
				c.log.Criticalf("keyset %s: keys hash to %s", id, got)
				return nil, fmt.Errorf("%w: keyset id mismatch %s != %s", bdhke.ErrVerification, got, id)
			}
		}
		ks := &cashu.Keyset{Id: id, Unit: k.Unit, Keys: keys}
		c.keys.Set(id, ks)
		return ks, nil
	}
	return nil, &Error{Code: CodeKeysetUnknown, Detail: "keyset " + id + " not returned"}
}

// ActiveKeyset returns the first active keyset for the client's unit with
// its input fee filled in.
func (c *Client) ActiveKeyset(ctx context.Context) (*cashu.Keyset, error) {
	infos, err := c.Keysets(ctx)
	if err != nil {
		return nil, err
	}
	for _, ki := range infos {
		if !ki.Active || ki.Unit != c.unit {
			continue
		}
		// Only hex ids can be used with deterministic derivation.
		if !IsHexKeysetID(ki.Id) {
			continue
		}
		ks, err := c.Keys(ctx, ki.Id)
		if err != nil {
			return nil, err
		}
		out := *ks
		out.Active = true
		out.InputFeePpk = ki.InputFeePpk
		return &out, nil
	}
	return nil, &Error{Code: CodeUnitUnsupported, Detail: "no active keyset for unit " + c.unit}
}

// Keyset returns keyset id with its current fee and active flag.
func (c *Client) Keyset(ctx context.Context, id string) (*cashu.Keyset, error) {
	infos, err := c.Keysets(ctx)
	if err != nil {
		return nil, err
	}
	for _, ki := range infos {
		if ki.Id != id {
			continue
		}
		ks, err := c.Keys(ctx, id)
		if err != nil {
			return nil, err
		}
		out := *ks
		out.Active = ki.Active
		out.InputFeePpk = ki.InputFeePpk
		return &out, nil
	}
	return nil, &Error{Code: CodeKeysetUnknown, Detail: "unknown keyset " + id}
}

// InputFee returns the fee the mint charges for spending proofs.
func (c *Client) InputFee(ctx context.Context, proofs cashu.Proofs) (uint64, error) {
	infos, err := c.Keysets(ctx)
	if err != nil {
		return 0, err
	}
	fees := make(map[string]uint, len(infos))
	for _, ki := range infos {
		fees[ki.Id] = ki.InputFeePpk
	}
	return cashu.Fee(proofs, fees), nil
}

func (c *Client) RequestMintQuote(ctx context.Context, amount uint64) (*MintQuote, error) {
	if amount == 0 {
		return nil, fmt.Errorf("mint quote: amount must be positive")
	}
	var q MintQuote
	err := c.do(ctx, http.MethodPost, "/v1/mint/quote/bolt11", MintQuoteRequest{Amount: amount, Unit: c.unit}, &q)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (c *Client) MintQuoteState(ctx context.Context, quoteID string) (*MintQuote, error) {
	var q MintQuote
	if err := c.do(ctx, http.MethodGet, "/v1/mint/quote/bolt11/"+quoteID, nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Mint exchanges a paid quote for blind signatures on outputs. When the
// regular path gives no usable answer the request is retried through
// mintDirect; callers cannot tell which path served them.
func (c *Client) Mint(ctx context.Context, quoteID string, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	var resp MintResponse
	err := c.do(ctx, http.MethodPost, "/v1/mint/bolt11", MintRequest{Quote: quoteID, Outputs: outputs}, &resp)
	if err == nil && len(resp.Signatures) == len(outputs) {
		return resp.Signatures, nil
	}
	if err != nil && !IsTransport(err) {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, transportErr("mint", ctx.Err())
	}
	c.log.Warnf("Mint quote %s: regular path failed (%v, %d signatures), trying direct",
		quoteID, err, len(resp.Signatures))
	return c.mintDirect(ctx, quoteID, outputs)
}

// mintDirect posts the mint request and decodes the raw body, accepting the
// legacy "promises" field. If the mint says the outputs were already signed
// the signatures are recovered through restore.
func (c *Client) mintDirect(ctx context.Context, quoteID string, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&Error{}).
		SetHeader("Content-Type", "application/json").
		SetBody(MintRequest{Quote: quoteID, Outputs: outputs}).
		Post("/v1/mint/bolt11")
	if err != nil {
		return nil, transportErr("mint direct", err)
	}
	if resp.IsError() {
		rerr := c.responseError(http.MethodPost, "/v1/mint/bolt11", resp)
		if HasCode(rerr, CodeOutputsAlreadySigned) || HasCode(rerr, CodeTokensAlreadyIssued) {
			c.log.Infof("Mint quote %s already issued, restoring signatures", quoteID)
			return c.restoreAll(ctx, outputs)
		}
		return nil, rerr
	}

	var payload signaturesPayload
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, transportErr("mint direct decode", err)
	}
	sigs := payload.sigs()
	if len(sigs) != len(outputs) {
		return nil, fmt.Errorf("mint direct: %d signatures for %d outputs", len(sigs), len(outputs))
	}
	return sigs, nil
}

// restoreAll returns signatures for every output in order, or an error if
// the mint has not signed all of them.
func (c *Client) restoreAll(ctx context.Context, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	matched, err := c.RestoreMatched(ctx, outputs)
	if err != nil {
		return nil, err
	}
	sigs := make(cashu.BlindedSignatures, len(outputs))
	for i, o := range outputs {
		s, ok := matched[o.B_]
		if !ok {
			return nil, fmt.Errorf("restore: output %d has no signature", i)
		}
		sigs[i] = s
	}
	return sigs, nil
}

func (c *Client) RequestMeltQuote(ctx context.Context, invoice string) (*MeltQuote, error) {
	var q MeltQuote
	err := c.do(ctx, http.MethodPost, "/v1/melt/quote/bolt11", MeltQuoteRequest{Request: invoice, Unit: c.unit}, &q)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (c *Client) MeltQuoteState(ctx context.Context, quoteID string) (*MeltQuote, error) {
	var q MeltQuote
	if err := c.do(ctx, http.MethodGet, "/v1/melt/quote/bolt11/"+quoteID, nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Melt pays the quote's invoice with inputs. outputs are blank change
// outputs; the mint signs as many of them as the overpayment requires.
func (c *Client) Melt(ctx context.Context, quoteID string, inputs cashu.Proofs, outputs cashu.BlindedMessages) (*MeltQuote, error) {
	var q MeltQuote
	err := c.do(ctx, http.MethodPost, "/v1/melt/bolt11", MeltRequest{Quote: quoteID, Inputs: inputs, Outputs: outputs}, &q)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (c *Client) Swap(ctx context.Context, inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	var payload signaturesPayload
	if err := c.do(ctx, http.MethodPost, "/v1/swap", SwapRequest{Inputs: inputs, Outputs: outputs}, &payload); err != nil {
		return nil, err
	}
	sigs := payload.sigs()
	if len(sigs) != len(outputs) {
		return nil, fmt.Errorf("swap: %d signatures for %d outputs", len(sigs), len(outputs))
	}
	return sigs, nil
}

// CheckState returns the state of each Y, in the order given. Large lists
// are split into batches fetched concurrently.
func (c *Client) CheckState(ctx context.Context, ys []string) ([]ProofStateEntry, error) {
	if len(ys) == 0 {
		return nil, nil
	}
	nb := (len(ys) + checkStateBatch - 1) / checkStateBatch
	results := make([][]ProofStateEntry, nb)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := 0; i < nb; i++ {
		i := i
		lo, hi := i*checkStateBatch, (i+1)*checkStateBatch
		if hi > len(ys) {
			hi = len(ys)
		}
		g.Go(func() error {
			var resp CheckStateResponse
			if err := c.do(gctx, http.MethodPost, "/v1/checkstate", CheckStateRequest{Ys: ys[lo:hi]}, &resp); err != nil {
				return err
			}
			results[i] = resp.States
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byY := make(map[string]ProofStateEntry, len(ys))
	for _, batch := range results {
		for _, st := range batch {
			byY[st.Y] = st
		}
	}
	out := make([]ProofStateEntry, len(ys))
	for i, y := range ys {
		st, ok := byY[y]
		if !ok {
			return nil, fmt.Errorf("checkstate: no state for Y %s", y)
		}
		out[i] = st
	}
	return out, nil
}

// CheckProofs is CheckState keyed by proofs instead of Ys.
func (c *Client) CheckProofs(ctx context.Context, proofs cashu.Proofs) ([]cashu.ProofState, error) {
	ys := make([]string, len(proofs))
	for i, p := range proofs {
		y, err := bdhke.SecretY(p.Secret)
		if err != nil {
			return nil, err
		}
		ys[i] = y
	}
	entries, err := c.CheckState(ctx, ys)
	if err != nil {
		return nil, err
	}
	states := make([]cashu.ProofState, len(entries))
	for i, e := range entries {
		states[i] = e.State
	}
	return states, nil
}

// Restore asks the mint for signatures it previously issued on outputs. The
// response lists only the outputs it knows.
func (c *Client) Restore(ctx context.Context, outputs cashu.BlindedMessages) (cashu.BlindedMessages, cashu.BlindedSignatures, error) {
	var resp RestoreResponse
	if err := c.do(ctx, http.MethodPost, "/v1/restore", RestoreRequest{Outputs: outputs}, &resp); err != nil {
		return nil, nil, err
	}
	sigs := resp.Signatures
	if len(sigs) == 0 {
		sigs = resp.Promises
	}
	if len(sigs) != len(resp.Outputs) {
		return nil, nil, fmt.Errorf("restore: %d signatures for %d outputs", len(sigs), len(resp.Outputs))
	}
	return resp.Outputs, sigs, nil
}

// RestoreMatched is Restore keyed by B_.
func (c *Client) RestoreMatched(ctx context.Context, outputs cashu.BlindedMessages) (map[string]cashu.BlindedSignature, error) {
	outs, sigs, err := c.Restore(ctx, outputs)
	if err != nil {
		return nil, err
	}
	m := make(map[string]cashu.BlindedSignature, len(outs))
	for i, o := range outs {
		m[o.B_] = sigs[i]
	}
	return m, nil
}

// IsHexKeysetID reports whether id is a hex keyset id, the only kind seed
// restore and deterministic derivation apply to.
func IsHexKeysetID(id string) bool {
	if len(id) == 0 || len(id)%2 != 0 {
		return false
	}
	for _, r := range id {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
