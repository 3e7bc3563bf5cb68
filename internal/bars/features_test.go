package bars

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/barflow/internal/model"
)

func stateFromSides(sides []model.Side) *State {
	s := NewState("BTC-USD")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, side := range sides {
		s.observe(100, 1, side, base.Add(time.Duration(i)*time.Second))
	}
	return s
}

func TestMaxRuns(t *testing.T) {
	cases := []struct {
		name    string
		sides   []model.Side
		maxBuy  int
		maxSell int
	}{
		{
			name: "mixed runs",
			sides: []model.Side{
				model.SideBuy, model.SideBuy, model.SideBuy,
				model.SideSell, model.SideSell,
				model.SideBuy, model.SideBuy, model.SideBuy, model.SideBuy,
			},
			maxBuy:  4,
			maxSell: 2,
		},
		{
			name:    "all buys",
			sides:   []model.Side{model.SideBuy, model.SideBuy, model.SideBuy},
			maxBuy:  3,
			maxSell: 0,
		},
		{
			name:    "single sell",
			sides:   []model.Side{model.SideSell},
			maxBuy:  0,
			maxSell: 1,
		},
		{
			name: "alternating",
			sides: []model.Side{
				model.SideBuy, model.SideSell, model.SideBuy, model.SideSell,
			},
			maxBuy:  1,
			maxSell: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := stateFromSides(tc.sides)
			maxBuy, maxSell := maxRuns(s.Runs)
			assert.Equal(t, tc.maxBuy, maxBuy)
			assert.Equal(t, tc.maxSell, maxSell)
		})
	}
}

func TestPriceVolatility(t *testing.T) {
	s := NewState("BTC-USD")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, p := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.observe(p, 1, model.SideBuy, base.Add(time.Duration(i)*time.Second))
	}

	var b model.Bar
	applyPriceVolatility(s, &b)
	// Population stddev of the classic textbook series is exactly 2.
	assert.InDelta(t, 2.0, b.PriceVolatility, 1e-9)
}

func TestPriceVolatilitySingleObservation(t *testing.T) {
	s := NewState("BTC-USD")
	s.observe(100, 1, model.SideBuy, time.Now().UTC())

	var b model.Bar
	applyPriceVolatility(s, &b)
	assert.Equal(t, 0.0, b.PriceVolatility)
}

func TestTradeIntensityAndFormationTime(t *testing.T) {
	s := NewState("BTC-USD")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.observe(100, 1, model.SideBuy, base)
	s.observe(101, 1, model.SideSell, base.Add(2*time.Second))
	s.observe(102, 1, model.SideBuy, base.Add(4*time.Second))

	var b model.Bar
	applyBarFormationTime(s, &b)
	applyTradeIntensity(s, &b)
	assert.Equal(t, 4.0, b.BarFormationTime)
	assert.Equal(t, 0.75, b.TradeIntensity)
}

func TestTradeIntensityZeroDuration(t *testing.T) {
	s := NewState("BTC-USD")
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.observe(100, 1, model.SideBuy, ts)
	s.observe(100, 1, model.SideBuy, ts)

	var b model.Bar
	applyTradeIntensity(s, &b)
	assert.Equal(t, 0.0, b.TradeIntensity)
}

func TestRegistryRejectsUnknownFeature(t *testing.T) {
	_, err := NewRegistry([]string{"net_buy_ratio", "sharpe_ratio"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sharpe_ratio")
}

func TestRegistrySubset(t *testing.T) {
	r, err := NewRegistry([]string{"net_buy_ratio"})
	require.NoError(t, err)

	s := stateFromSides([]model.Side{model.SideBuy, model.SideBuy, model.SideSell})
	var b model.Bar
	r.Apply(s, &b)

	assert.InDelta(t, 0.3333, b.NetBuyRatio, 1e-9)
	// Unregistered features stay zero.
	assert.Equal(t, 0, b.MaxBuyRun)
	assert.Equal(t, 0.0, b.PriceVolatility)
}
