// Package coinbase implements the Coinbase live trade source over the
// exchange websocket feed's ticker channel.
package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
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
	// DefaultWSURL is the Coinbase exchange feed endpoint.
	DefaultWSURL = "wss://ws-feed.exchange.coinbase.com"

	readTimeout      = 60 * time.Second
	handshakeTimeout = 30 * time.Second
)

// WSAdapter streams normalized trades from the Coinbase ticker channel.
type WSAdapter struct {
	url         string
	failoverURL string
	products    []string
	channels    []string
	reg         *metrics.Registry

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSAdapter builds a live adapter. Products use Coinbase ids ("BTC-USD").
func NewWSAdapter(url string, products, channels []string, reg *metrics.Registry) *WSAdapter {
	if url == "" {
		url = DefaultWSURL
	}
	if len(channels) == 0 {
		channels = []string{"ticker", "heartbeat"}
	}
	return &WSAdapter{
		url:         url,
		failoverURL: DefaultWSURL,
		products:    products,
		channels:    channels,
		reg:         reg,
	}
}

// Exchange returns the exchange label attached to emitted trades.
func (a *WSAdapter) Exchange() string { return "coinbase" }

// Products returns the subscribed product ids.
func (a *WSAdapter) Products() []string { return a.products }

// Done always reports false: the live feed never exhausts.
func (a *WSAdapter) Done() bool { return false }

type subscribeChannel struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

type subscribeRequest struct {
	Type     string             `json:"type"`
	Channels []subscribeChannel `json:"channels"`
}

// Open dials the feed, falling back to the failover URL on a failed dial,
// then subscribes to the configured channels.
func (a *WSAdapter) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return errs.New(errs.KindConnect, "adapter already open")
	}

	conn, err := a.dial(ctx, a.url)
	if err != nil && a.failoverURL != "" && a.failoverURL != a.url {
		log.Warn().
			Err(err).
			Str("exchange", "coinbase").
			Str("url", a.failoverURL).
			Msg("Primary dial failed, trying failover url")
		conn, err = a.dial(ctx, a.failoverURL)
	}
	if err != nil {
		return err
	}

	sub := subscribeRequest{Type: "subscribe"}
	for _, ch := range a.channels {
		sub.Channels = append(sub.Channels, subscribeChannel{
			Name:       ch,
			ProductIDs: a.products,
		})
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return errs.Wrap(errs.KindConnect, fmt.Errorf("subscribe: %w", err))
	}

	a.conn = conn
	log.Info().
		Str("exchange", "coinbase").
		Strs("products", a.products).
		Strs("channels", a.channels).
		Msg("Websocket streaming")
	return nil
}

func (a *WSAdapter) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindConnect, fmt.Errorf("dial %s: %w", url, err))
	}
	return conn, nil
}

// Close shuts the transport. Open may be called again afterwards.
func (a *WSAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

type tickerMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	LastSize  string `json:"last_size"`
	Time      string `json:"time"`
}

// Next reads one frame. Heartbeats are counted and suppressed; frames other
// than ticker matches yield no trades. A malformed ticker is logged and
// dropped without terminating the stream.
func (a *WSAdapter) Next(ctx context.Context) ([]model.Trade, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	if conn == nil {
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

	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, nil
	}

	switch msg.Type {
	case "heartbeat":
		a.reg.HeartbeatResponses.WithLabelValues("coinbase").Inc()
		return nil, nil
	case "ticker":
	default:
		return nil, nil
	}

	trade, err := a.normalize(msg)
	if err != nil {
		a.reg.DroppedRecords.WithLabelValues("coinbase", string(errs.KindProtocol)).Inc()
		log.Warn().
			Err(err).
			Str("exchange", "coinbase").
			Str("product_id", msg.ProductID).
			Str("kind", string(errs.KindProtocol)).
			Msg("Dropping malformed ticker")
		return nil, nil
	}
	return []model.Trade{trade}, nil
}

func (a *WSAdapter) normalize(msg tickerMessage) (model.Trade, error) {
	side, err := model.ParseSide(msg.Side)
	if err != nil {
		return model.Trade{}, err
	}
	price, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil {
		return model.Trade{}, fmt.Errorf("price %q: %w", msg.Price, err)
	}
	size, err := strconv.ParseFloat(msg.LastSize, 64)
	if err != nil {
		return model.Trade{}, fmt.Errorf("last_size %q: %w", msg.LastSize, err)
	}

	trade := model.Trade{
		ProductID: symbols.Canonical("coinbase", msg.ProductID),
		Side:      side,
		Price:     price,
		Volume:    size,
		Timestamp: msg.Time,
		Exchange:  "coinbase",
	}
	if err := trade.Validate(); err != nil {
		return model.Trade{}, err
	}
	return trade, nil
}
