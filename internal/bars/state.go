// Package bars builds information-driven bars from a keyed trade stream.
// State is strictly per-product and owned by a single worker; nothing in
// this package is safe for concurrent use.
package bars

import (
	"math"
	"time"

	"github.com/quantpulse/barflow/internal/errs"
	"github.com/quantpulse/barflow/internal/model"
)

// Run is one run-length entry of consecutive same-side trades.
type Run struct {
	Side  model.Side
	Count int
}

// State is the mutable per-product bar under construction. It starts empty
// and is initialized by the first trade after creation or reset.
type State struct {
	ProductID string

	Open  float64
	High  float64
	Low   float64
	Close float64

	Volume                float64
	CumulativeTradeAmount float64

	StartTime time.Time
	EndTime   time.Time

	TickCounter         int
	CumulativeImbalance int
	BuyTrades           int

	PricePath []float64
	Runs      []Run

	// UniqueID is assigned on the first trade of a volume bar.
	UniqueID int64
}

// NewState returns an empty (sentinel) state for a product.
func NewState(productID string) *State {
	return &State{ProductID: productID}
}

// Empty reports whether the state is in the sentinel condition awaiting its
// first trade.
func (s *State) Empty() bool {
	return s.TickCounter == 0
}

// observe folds one trade observation into the state. Volume is passed
// separately because the volume-bar builder splits a trade across bars.
func (s *State) observe(price, volume float64, side model.Side, ts time.Time) {
	if s.Empty() {
		s.Open = price
		s.High = price
		s.Low = price
		s.StartTime = ts
	}
	if price > s.High {
		s.High = price
	}
	if price < s.Low {
		s.Low = price
	}
	s.Close = price
	s.EndTime = ts

	s.Volume += volume
	s.CumulativeTradeAmount += price * volume

	s.TickCounter++
	if side == model.SideBuy {
		s.CumulativeImbalance++
		s.BuyTrades++
	} else {
		s.CumulativeImbalance--
	}

	s.PricePath = append(s.PricePath, price)
	if n := len(s.Runs); n > 0 && s.Runs[n-1].Side == side {
		s.Runs[n-1].Count++
	} else {
		s.Runs = append(s.Runs, Run{Side: side, Count: 1})
	}
}

// Reset returns the state to the sentinel condition after an emission.
func (s *State) Reset() {
	product := s.ProductID
	*s = State{ProductID: product}
}

// check validates the running invariants. A violation is a builder bug.
func (s *State) check() error {
	if s.Empty() {
		return nil
	}
	if s.Low > s.High {
		return errs.New(errs.KindState, "%s: low %f above high %f", s.ProductID, s.Low, s.High)
	}
	sells := s.TickCounter - s.BuyTrades
	if sells < 0 {
		return errs.New(errs.KindState, "%s: buy trades %d exceed ticks %d", s.ProductID, s.BuyTrades, s.TickCounter)
	}
	if abs(s.CumulativeImbalance) > s.TickCounter {
		return errs.New(errs.KindState, "%s: imbalance %d exceeds ticks %d", s.ProductID, s.CumulativeImbalance, s.TickCounter)
	}
	if s.EndTime.Before(s.StartTime) {
		return errs.New(errs.KindState, "%s: end time before start time", s.ProductID)
	}
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// round4 rounds emitted floats to 4 decimal places.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
