package model

import (
	"encoding/json"
	"fmt"
)

// BarType selects the aggregation that produced a bar.
type BarType string

const (
	BarTypeVolume        BarType = "volume"
	BarTypeTickImbalance BarType = "tick imbalance"
	BarTypeTime          BarType = "time"
)

// Bar is an aggregated, fixed-information-content record built from a
// contiguous run of trades for one product. Produced once, never mutated.
type Bar struct {
	ProductID string  `json:"product_id"`
	BarType   BarType `json:"bar_type"`

	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`

	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`

	TickImbalance         int     `json:"tick_imbalance"`
	Ticks                 int     `json:"ticks"`
	CumulativeTradeAmount float64 `json:"cumulative_trade_amount"`

	NetBuyRatio      float64 `json:"net_buy_ratio"`
	BarFormationTime float64 `json:"bar_formation_time"`
	TradeIntensity   float64 `json:"trade_intensity"`
	MaxBuyRun        int     `json:"max_buy_run"`
	MaxSellRun       int     `json:"max_sell_run"`
	PriceVolatility  float64 `json:"price_volatility"`

	// UniqueID is assigned by the snowflake allocator for volume bars only.
	UniqueID int64 `json:"unique_id,omitempty"`
}

// Validate checks the bar invariants at emission time. A violation here is a
// builder bug, never an input problem.
func (b Bar) Validate() error {
	if b.Ticks < 1 {
		return fmt.Errorf("bar must contain at least one tick, got %d", b.Ticks)
	}
	if b.Low > b.Open || b.Low > b.Close || b.Low > b.High {
		return fmt.Errorf("bar low %f exceeds open/close/high", b.Low)
	}
	if b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("bar high %f below open/close", b.High)
	}
	start, err := ParseTimestamp(b.StartTime)
	if err != nil {
		return fmt.Errorf("invalid bar start_time %q: %w", b.StartTime, err)
	}
	end, err := ParseTimestamp(b.EndTime)
	if err != nil {
		return fmt.Errorf("invalid bar end_time %q: %w", b.EndTime, err)
	}
	if end.Before(start) {
		return fmt.Errorf("bar end_time %s before start_time %s", b.EndTime, b.StartTime)
	}
	if b.NetBuyRatio < -1 || b.NetBuyRatio > 1 {
		return fmt.Errorf("net_buy_ratio %f outside [-1, 1]", b.NetBuyRatio)
	}
	return nil
}

// EndTimestampUnix returns the dedup key used by downstream idempotent
// upserts: the bar end time in Unix milliseconds.
func (b Bar) EndTimestampUnix() int64 {
	end, _ := ParseTimestamp(b.EndTime)
	return end.UnixMilli()
}

// EncodeBar serializes a bar to the bus value format.
func EncodeBar(b Bar) ([]byte, error) {
	return json.Marshal(b)
}

// DecodeBar deserializes a bar from the bus value format.
func DecodeBar(data []byte) (Bar, error) {
	var b Bar
	if err := json.Unmarshal(data, &b); err != nil {
		return Bar{}, err
	}
	return b, nil
}
