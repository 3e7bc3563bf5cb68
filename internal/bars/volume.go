package bars

import (
	"github.com/quantpulse/barflow/internal/bars/snowflake"
	"github.com/quantpulse/barflow/internal/model"
)

// volEpsilon absorbs float subtraction residue when a trade is split.
const volEpsilon = 1e-9

// VolumeBuilder closes a bar at exactly the volume threshold, splitting a
// single trade across bar boundaries when it over-fills the current bar.
// Each emitted bar therefore satisfies volume == threshold exactly.
type VolumeBuilder struct {
	threshold float64
	features  *Registry
	ids       snowflake.Allocator
	state     *State
}

// NewVolumeBuilder builds bars for one product with volume threshold V.
func NewVolumeBuilder(productID string, threshold float64, features *Registry, ids snowflake.Allocator) *VolumeBuilder {
	return &VolumeBuilder{
		threshold: threshold,
		features:  features,
		ids:       ids,
		state:     NewState(productID),
	}
}

// Residual exposes the in-flight state.
func (b *VolumeBuilder) Residual() *State { return b.state }

// ProcessTrade folds in one trade, splitting it across as many bars as its
// volume fills. A trade contributing volume to a bar counts as one tick in
// that bar, so a trade spanning k bars registers k ticks in total.
func (b *VolumeBuilder) ProcessTrade(t model.Trade) ([]model.Bar, error) {
	var emitted []model.Bar
	remaining := t.Volume
	ts := t.Time()

	for remaining > volEpsilon {
		if b.state.Empty() && b.ids != nil {
			b.state.UniqueID = b.ids.Next()
		}

		capacity := b.threshold - b.state.Volume
		if remaining >= capacity-volEpsilon {
			b.state.observe(t.Price, capacity, t.Side, ts)
			// Pin the emitted volume to the threshold exactly.
			b.state.Volume = b.threshold

			bar, err := finalize(b.state, model.BarTypeVolume, b.features)
			if err != nil {
				return nil, err
			}
			emitted = append(emitted, bar)
			b.state.Reset()
			remaining -= capacity
		} else {
			b.state.observe(t.Price, remaining, t.Side, ts)
			remaining = 0
		}
	}
	return emitted, nil
}
