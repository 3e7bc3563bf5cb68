package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Side is the taker side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide normalizes exchange side labels to the canonical buy/sell pair.
// Kraken REST pages use the shorthand "b"/"s".
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy", "b":
		return SideBuy, nil
	case "sell", "s":
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid trade side: %q", s)
	}
}

// Trade is a single normalized trade event. Immutable once produced.
type Trade struct {
	ProductID string  `json:"product_id"`
	Side      Side    `json:"side"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp string  `json:"timestamp"`
	Exchange  string  `json:"exchange"`
}

// Validate checks the trade invariants before it enters the pipeline.
func (t Trade) Validate() error {
	if t.ProductID == "" {
		return fmt.Errorf("trade missing product_id")
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return fmt.Errorf("invalid trade side: %q", t.Side)
	}
	if t.Price <= 0 {
		return fmt.Errorf("trade price must be positive, got %f", t.Price)
	}
	if t.Volume <= 0 {
		return fmt.Errorf("trade volume must be positive, got %f", t.Volume)
	}
	if _, err := ParseTimestamp(t.Timestamp); err != nil {
		return fmt.Errorf("invalid trade timestamp %q: %w", t.Timestamp, err)
	}
	return nil
}

// Time returns the parsed event time. Validate first; this swallows errors.
func (t Trade) Time() time.Time {
	ts, _ := ParseTimestamp(t.Timestamp)
	return ts
}

// ParseTimestamp parses the ISO-8601 UTC timestamps carried on the wire.
func ParseTimestamp(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// FormatTimestamp renders event times the way adapters emit them.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

// EncodeTrade serializes a trade to the bus value format.
func EncodeTrade(t Trade) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTrade deserializes a trade from the bus value format.
func DecodeTrade(data []byte) (Trade, error) {
	var t Trade
	if err := json.Unmarshal(data, &t); err != nil {
		return Trade{}, err
	}
	return t, nil
}
