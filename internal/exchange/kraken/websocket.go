// Package kraken implements the Kraken trade sources: the WS v2 live feed
// and the paginated REST history endpoint.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/barflow/internal/errs"
	"github.com/quantpulse/barflow/internal/metrics"
	"github.com/quantpulse/barflow/internal/model"
	"github.com/quantpulse/barflow/internal/symbols"
)

const (
	// DefaultWSURL is the Kraken WS v2 endpoint.
	DefaultWSURL = "wss://ws.kraken.com/v2"

	// readTimeout bounds a single receive. Kraken heartbeats every second,
	// so a silent minute means the connection is dead.
	readTimeout = 60 * time.Second

	handshakeTimeout = 30 * time.Second
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateSubscribing
	stateStreaming
)

// WSAdapter streams normalized trades from the Kraken WS v2 trade channel.
type WSAdapter struct {
	url      string
	products []string
	reg      *metrics.Registry

	mu    sync.Mutex
	conn  *websocket.Conn
	state connState
}

// NewWSAdapter builds a live adapter for the given products. Products are
// Kraken WS symbols ("BTC/USD"); emitted trades carry canonical ids.
func NewWSAdapter(url string, products []string, reg *metrics.Registry) *WSAdapter {
	if url == "" {
		url = DefaultWSURL
	}
	return &WSAdapter{
		url:      url,
		products: products,
		reg:      reg,
		state:    stateDisconnected,
	}
}

// Exchange returns the exchange label attached to emitted trades.
func (a *WSAdapter) Exchange() string { return "kraken" }

// Products returns the subscribed symbols.
func (a *WSAdapter) Products() []string { return a.products }

// Done always reports false: the live feed never exhausts.
func (a *WSAdapter) Done() bool { return false }

type subscribeRequest struct {
	Method string          `json:"method"`
	Params subscribeParams `json:"params"`
}

type subscribeParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol"`
	Snapshot bool     `json:"snapshot"`
}

// Open dials the websocket, sends the trade subscription, and skips the two
// control messages Kraken sends per product before trade data starts.
func (a *WSAdapter) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != stateDisconnected {
		return errs.New(errs.KindConnect, "adapter already open")
	}
	a.state = stateConnecting

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		a.state = stateDisconnected
		return errs.Wrap(errs.KindConnect, fmt.Errorf("dial %s: %w", a.url, err))
	}
	a.conn = conn
	a.state = stateSubscribing

	sub := subscribeRequest{
		Method: "subscribe",
		Params: subscribeParams{
			Channel:  "trade",
			Symbol:   a.products,
			Snapshot: true,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		a.conn = nil
		a.state = stateDisconnected
		return errs.Wrap(errs.KindConnect, fmt.Errorf("subscribe: %w", err))
	}

	// Kraken acknowledges each symbol with two control messages carrying no
	// trade data.
	for i := 0; i < 2*len(a.products); i++ {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, _, err := conn.ReadMessage(); err != nil {
			conn.Close()
			a.conn = nil
			a.state = stateDisconnected
			return errs.Wrap(errs.KindConnect, fmt.Errorf("subscription ack: %w", err))
		}
	}

	a.state = stateStreaming
	log.Info().
		Str("exchange", "kraken").
		Strs("products", a.products).
		Msg("Websocket streaming")
	return nil
}

// Close shuts the transport. Open may be called again afterwards.
func (a *WSAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = stateDisconnected
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

type wsMessage struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

type wsTrade struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Qty       float64 `json:"qty"`
	Timestamp string  `json:"timestamp"`
}

// Next reads one frame and returns its trades. Heartbeats are counted and
// suppressed. Records that fail strict parsing are logged and dropped; the
// stream continues.
func (a *WSAdapter) Next(ctx context.Context) ([]model.Trade, error) {
	a.mu.Lock()
	conn := a.conn
	state := a.state
	a.mu.Unlock()

	if state != stateStreaming || conn == nil {
		return nil, errs.New(errs.KindConnect, "adapter not streaming")
	}

	if deadline, ok := ctx.Deadline(); ok && deadline.Before(time.Now().Add(readTimeout)) {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		a.Close()
		return nil, errs.Wrap(errs.KindConnect, fmt.Errorf("read: %w", err))
	}

	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, nil // non-JSON frame, ignore
	}

	switch msg.Channel {
	case "heartbeat":
		a.reg.HeartbeatResponses.WithLabelValues("kraken").Inc()
		return nil, nil
	case "trade":
	default:
		return nil, nil
	}

	var raws []wsTrade
	if err := json.Unmarshal(msg.Data, &raws); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, fmt.Errorf("trade payload: %w", err))
	}

	trades := make([]model.Trade, 0, len(raws))
	for _, r := range raws {
		trade, err := a.normalize(r)
		if err != nil {
			a.reg.DroppedRecords.WithLabelValues("kraken", string(errs.KindProtocol)).Inc()
			log.Warn().
				Err(err).
				Str("exchange", "kraken").
				Str("product_id", r.Symbol).
				Str("kind", string(errs.KindProtocol)).
				Msg("Dropping malformed trade")
			continue
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

func (a *WSAdapter) normalize(r wsTrade) (model.Trade, error) {
	side, err := model.ParseSide(r.Side)
	if err != nil {
		return model.Trade{}, err
	}
	trade := model.Trade{
		ProductID: symbols.Canonical("kraken", r.Symbol),
		Side:      side,
		Price:     r.Price,
		Volume:    r.Qty,
		Timestamp: r.Timestamp,
		Exchange:  "kraken",
	}
	if err := trade.Validate(); err != nil {
		return model.Trade{}, err
	}
	return trade, nil
}
