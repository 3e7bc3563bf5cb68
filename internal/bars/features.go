package bars

import (
	"math"

	"github.com/quantpulse/barflow/internal/errs"
	"github.com/quantpulse/barflow/internal/model"
)

// Feature is one intra-bar statistic computed at emission. Features form a
// tagged registry: a dispatch table keyed on name, built once at startup,
// so configuration can select statically-typed computations by tag.
type Feature struct {
	Name  string
	Apply func(s *State, b *model.Bar)
}

// Registry is the feature dispatch table.
type Registry struct {
	features []Feature
}

// FeatureNames lists every known feature tag.
func FeatureNames() []string {
	return []string{
		"net_buy_ratio",
		"bar_formation_time",
		"trade_intensity",
		"max_buy_run",
		"max_sell_run",
		"price_volatility",
	}
}

// NewRegistry builds a dispatch table for the named features. Unknown tags
// are configuration errors.
func NewRegistry(names []string) (*Registry, error) {
	known := map[string]func(*State, *model.Bar){
		"net_buy_ratio":      applyNetBuyRatio,
		"bar_formation_time": applyBarFormationTime,
		"trade_intensity":    applyTradeIntensity,
		"max_buy_run":        applyMaxBuyRun,
		"max_sell_run":       applyMaxSellRun,
		"price_volatility":   applyPriceVolatility,
	}

	r := &Registry{}
	for _, name := range names {
		fn, ok := known[name]
		if !ok {
			return nil, errs.New(errs.KindConfig, "unknown bar feature: %q", name)
		}
		r.features = append(r.features, Feature{Name: name, Apply: fn})
	}
	return r, nil
}

// DefaultRegistry enables every feature.
func DefaultRegistry() *Registry {
	r, _ := NewRegistry(FeatureNames())
	return r
}

// Apply computes every registered feature into the bar.
func (r *Registry) Apply(s *State, b *model.Bar) {
	for _, f := range r.features {
		f.Apply(s, b)
	}
}

func applyNetBuyRatio(s *State, b *model.Bar) {
	if s.TickCounter == 0 {
		b.NetBuyRatio = 0
		return
	}
	b.NetBuyRatio = round4(2*(float64(s.BuyTrades)/float64(s.TickCounter)) - 1)
}

func applyBarFormationTime(s *State, b *model.Bar) {
	b.BarFormationTime = round4(s.EndTime.Sub(s.StartTime).Seconds())
}

func applyTradeIntensity(s *State, b *model.Bar) {
	secs := s.EndTime.Sub(s.StartTime).Seconds()
	if secs <= 0 {
		b.TradeIntensity = 0
		return
	}
	b.TradeIntensity = round4(float64(s.TickCounter) / secs)
}

// maxRuns scans the run-length encoding left to right with a signed current
// run that extends on same-side runs and flips on opposite-side ones.
func maxRuns(runs []Run) (maxBuy, maxSell int) {
	current := 0
	for _, r := range runs {
		if r.Side == model.SideBuy {
			if current > 0 {
				current += r.Count
			} else {
				current = r.Count
			}
			if current > maxBuy {
				maxBuy = current
			}
		} else {
			if current < 0 {
				current -= r.Count
			} else {
				current = -r.Count
			}
			if -current > maxSell {
				maxSell = -current
			}
		}
	}
	return maxBuy, maxSell
}

func applyMaxBuyRun(s *State, b *model.Bar) {
	b.MaxBuyRun, _ = maxRuns(s.Runs)
}

func applyMaxSellRun(s *State, b *model.Bar) {
	_, b.MaxSellRun = maxRuns(s.Runs)
}

// applyPriceVolatility is the population standard deviation of the price
// path; zero for paths shorter than two observations.
func applyPriceVolatility(s *State, b *model.Bar) {
	n := len(s.PricePath)
	if n < 2 {
		b.PriceVolatility = 0
		return
	}
	var sum float64
	for _, p := range s.PricePath {
		sum += p
	}
	mean := sum / float64(n)

	var sq float64
	for _, p := range s.PricePath {
		d := p - mean
		sq += d * d
	}
	b.PriceVolatility = round4(math.Sqrt(sq / float64(n)))
}
