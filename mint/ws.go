package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	kindMintQuote = "bolt11_mint_quote"
	wsAckTimeout  = 10 * time.Second

	// wsBackstopPolls is how many poll intervals a subscription may stay
	// silent before the quote is checked over HTTP.
	wsBackstopPolls = 5
)

var errSubscriptionClosed = errors.New("subscription closed")

type wsRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
}

type wsSubscribeParams struct {
	Kind    string   `json:"kind"`
	SubID   string   `json:"subId"`
	Filters []string `json:"filters"`
}

type wsUnsubscribeParams struct {
	SubID string `json:"subId"`
}

type wsMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	ID      *int            `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Params *struct {
		SubID   string          `json:"subId"`
		Payload json.RawMessage `json:"payload"`
	} `json:"params,omitempty"`
}

func (c *Client) wsURL() string {
	u := c.url
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/ws"
}

// SubscribeMintQuote opens a NUT-17 subscription for quoteID. The returned
// channel carries every state notification and is closed when ctx ends or
// the connection drops.
func (c *Client) SubscribeMintQuote(ctx context.Context, quoteID string) (<-chan MintQuote, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsAckTimeout}
	conn, _, err := dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return nil, transportErr("ws dial", err)
	}

	subID := uuid.NewString()
	req := wsRequest{
		JSONRPC: "2.0",
		Method:  "subscribe",
		Params:  wsSubscribeParams{Kind: kindMintQuote, SubID: subID, Filters: []string{quoteID}},
		ID:      0,
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, transportErr("ws subscribe", err)
	}

	// Notifications may arrive before the ack; keep them.
	var early []MintQuote
	conn.SetReadDeadline(time.Now().Add(wsAckTimeout))
	for acked := false; !acked; {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			conn.Close()
			return nil, transportErr("ws ack", err)
		}
		switch {
		case msg.Error != nil:
			conn.Close()
			return nil, &Error{Code: msg.Error.Code, Detail: msg.Error.Message}
		case msg.ID != nil && *msg.ID == 0:
			acked = true
		case msg.Params != nil && msg.Params.SubID == subID:
			var q MintQuote
			if err := json.Unmarshal(msg.Params.Payload, &q); err == nil {
				early = append(early, q)
			}
		}
	}
	conn.SetReadDeadline(time.Time{})
	c.log.Debugf("ws: subscribed %s to quote %s", subID, quoteID)

	ch := make(chan MintQuote, 4+len(early))
	for _, q := range early {
		ch <- q
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteJSON(wsRequest{JSONRPC: "2.0", Method: "unsubscribe",
				Params: wsUnsubscribeParams{SubID: subID}, ID: 1})
			conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(ch)
		defer close(done)
		defer conn.Close()
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					c.log.Debugf("ws: subscription %s ended: %v", subID, err)
				}
				return
			}
			if msg.Params == nil || msg.Params.SubID != subID {
				continue
			}
			var q MintQuote
			if err := json.Unmarshal(msg.Params.Payload, &q); err != nil {
				c.log.Warnf("ws: bad quote payload: %v", err)
				continue
			}
			select {
			case ch <- q:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// waitMintQuoteWS waits on a subscription, checking the quote over HTTP
// every wsBackstopPolls poll intervals in case a notification never comes.
func (c *Client) waitMintQuoteWS(ctx context.Context, quoteID string) (*MintQuote, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := c.SubscribeMintQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	t := time.NewTicker(c.pollInterval * wsBackstopPolls)
	defer t.Stop()
	for {
		select {
		case q, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, errSubscriptionClosed
			}
			if q.Paid() {
				return &q, nil
			}
		case <-t.C:
			q, err := c.MintQuoteState(ctx, quoteID)
			switch {
			case err == nil && q.Paid():
				c.log.Debugf("ws: quote %s paid without a notification", quoteID)
				return q, nil
			case err != nil && !IsTransport(err):
				return nil, fmt.Errorf("check quote %s: %w", quoteID, err)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitMintQuotePaid blocks until the quote is paid. It subscribes over
// WebSocket when the mint supports it and polls otherwise, or when the
// subscription fails.
func (c *Client) WaitMintQuotePaid(ctx context.Context, quoteID string) (*MintQuote, error) {
	info, err := c.Info(ctx)
	if err == nil && info.SupportsSubscription(MethodBolt11, c.unit, kindMintQuote) {
		q, err := c.waitMintQuoteWS(ctx, quoteID)
		if err == nil {
			return q, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Infof("ws wait for quote %s failed, polling: %v", quoteID, err)
	}
	return c.pollMintQuote(ctx, quoteID)
}

func (c *Client) pollMintQuote(ctx context.Context, quoteID string) (*MintQuote, error) {
	t := time.NewTicker(c.pollInterval)
	defer t.Stop()
	for {
		q, err := c.MintQuoteState(ctx, quoteID)
		switch {
		case err == nil && q.Paid():
			return q, nil
		case err != nil && !IsTransport(err):
			return nil, fmt.Errorf("poll quote %s: %w", quoteID, err)
		case err != nil:
			c.log.Debugf("poll quote %s: %v", quoteID, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
