package bars

import (
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/barflow/internal/bars/snowflake"
	"github.com/quantpulse/barflow/internal/config"
	"github.com/quantpulse/barflow/internal/errs"
	"github.com/quantpulse/barflow/internal/model"
)

// Builder consumes one product's trades in order and returns the bars each
// trade completes. A single trade can complete several volume bars.
type Builder interface {
	ProcessTrade(t model.Trade) ([]model.Bar, error)

	// Residual exposes the in-flight state, for drain accounting and tests.
	Residual() *State
}

// Engine routes trades to per-product builders built from the configured
// aggregations. Trades for unconfigured products are dropped with a warning.
type Engine struct {
	thresholds map[string]config.AggregationConfig
	builders   map[string]Builder
	features   *Registry
	ids        snowflake.Allocator
}

// NewEngine builds the keyed dispatch. The snowflake allocator is only used
// by volume-bar builders.
func NewEngine(thresholds map[string]config.AggregationConfig, features *Registry, ids snowflake.Allocator) *Engine {
	if features == nil {
		features = DefaultRegistry()
	}
	return &Engine{
		thresholds: thresholds,
		builders:   make(map[string]Builder),
		features:   features,
		ids:        ids,
	}
}

// ProcessTrade validates and routes one trade, returning completed bars.
func (e *Engine) ProcessTrade(t model.Trade) ([]model.Bar, error) {
	if err := t.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err)
	}

	b, ok := e.builders[t.ProductID]
	if !ok {
		agg, configured := e.thresholds[t.ProductID]
		if !configured {
			log.Warn().
				Str("product_id", t.ProductID).
				Msg("No aggregation configured for product, dropping trade")
			return nil, nil
		}
		var err error
		b, err = e.newBuilder(t.ProductID, agg)
		if err != nil {
			return nil, err
		}
		e.builders[t.ProductID] = b
	}
	return b.ProcessTrade(t)
}

func (e *Engine) newBuilder(productID string, agg config.AggregationConfig) (Builder, error) {
	switch agg.Type {
	case "volume":
		return NewVolumeBuilder(productID, agg.Interval, e.features, e.ids), nil
	case "tick imbalance":
		return NewTickImbalanceBuilder(productID, int(agg.Interval), e.features), nil
	case "time":
		return NewTimeBuilder(productID, agg.Interval, e.features), nil
	default:
		return nil, errs.New(errs.KindConfig, "unsupported aggregation type %q", agg.Type)
	}
}

// Residuals returns the in-flight state per product, for drain accounting.
func (e *Engine) Residuals() map[string]*State {
	out := make(map[string]*State, len(e.builders))
	for product, b := range e.builders {
		out[product] = b.Residual()
	}
	return out
}

// finalize stamps the common fields into a bar, applies the feature
// registry, and validates. The state is not reset here.
func finalize(s *State, barType model.BarType, features *Registry) (model.Bar, error) {
	if err := s.check(); err != nil {
		return model.Bar{}, err
	}

	bar := model.Bar{
		ProductID:             s.ProductID,
		BarType:               barType,
		Open:                  s.Open,
		High:                  s.High,
		Low:                   s.Low,
		Close:                 s.Close,
		Volume:                round4(s.Volume),
		StartTime:             model.FormatTimestamp(s.StartTime),
		EndTime:               model.FormatTimestamp(s.EndTime),
		TickImbalance:         s.CumulativeImbalance,
		Ticks:                 s.TickCounter,
		CumulativeTradeAmount: round4(s.CumulativeTradeAmount),
		UniqueID:              s.UniqueID,
	}
	features.Apply(s, &bar)

	if err := bar.Validate(); err != nil {
		return model.Bar{}, errs.Wrap(errs.KindState, err)
	}
	return bar, nil
}
