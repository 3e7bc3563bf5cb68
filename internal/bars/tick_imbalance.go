package bars

import (
	"github.com/quantpulse/barflow/internal/model"
)

// TickImbalanceBuilder closes a bar when the magnitude of the cumulative
// signed tick count (buys minus sells) reaches the threshold.
type TickImbalanceBuilder struct {
	threshold int
	features  *Registry
	state     *State
}

// NewTickImbalanceBuilder builds bars for one product with threshold T.
func NewTickImbalanceBuilder(productID string, threshold int, features *Registry) *TickImbalanceBuilder {
	return &TickImbalanceBuilder{
		threshold: threshold,
		features:  features,
		state:     NewState(productID),
	}
}

// Residual exposes the in-flight state.
func (b *TickImbalanceBuilder) Residual() *State { return b.state }

// ProcessTrade folds in one trade and emits at most one bar.
func (b *TickImbalanceBuilder) ProcessTrade(t model.Trade) ([]model.Bar, error) {
	b.state.observe(t.Price, t.Volume, t.Side, t.Time())

	if abs(b.state.CumulativeImbalance) < b.threshold {
		return nil, nil
	}

	bar, err := finalize(b.state, model.BarTypeTickImbalance, b.features)
	if err != nil {
		return nil, err
	}
	b.state.Reset()
	return []model.Bar{bar}, nil
}
