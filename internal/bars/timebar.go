package bars

import (
	"time"

	"github.com/quantpulse/barflow/internal/model"
)

// TimeBuilder closes a bar when a trade arrives at or past the end of the
// current wall-clock interval. The closing bar ends at its last observed
// trade; the arriving trade opens the next bar, so bars never overlap.
type TimeBuilder struct {
	interval time.Duration
	features *Registry
	state    *State
}

// NewTimeBuilder builds bars for one product with an interval in seconds.
func NewTimeBuilder(productID string, intervalSec float64, features *Registry) *TimeBuilder {
	return &TimeBuilder{
		interval: time.Duration(intervalSec * float64(time.Second)),
		features: features,
		state:    NewState(productID),
	}
}

// Residual exposes the in-flight state.
func (b *TimeBuilder) Residual() *State { return b.state }

// ProcessTrade folds in one trade and emits at most one bar.
func (b *TimeBuilder) ProcessTrade(t model.Trade) ([]model.Bar, error) {
	ts := t.Time()

	var emitted []model.Bar
	if !b.state.Empty() && !ts.Before(b.state.StartTime.Add(b.interval)) {
		bar, err := finalize(b.state, model.BarTypeTime, b.features)
		if err != nil {
			return nil, err
		}
		emitted = append(emitted, bar)
		b.state.Reset()
	}

	b.state.observe(t.Price, t.Volume, t.Side, ts)
	return emitted, nil
}
