package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/barflow/internal/bars"
	"github.com/quantpulse/barflow/internal/bus"
	"github.com/quantpulse/barflow/internal/config"
	"github.com/quantpulse/barflow/internal/errs"
	"github.com/quantpulse/barflow/internal/metrics"
	"github.com/quantpulse/barflow/internal/model"
	"github.com/quantpulse/barflow/internal/netx"
)

type stubIDs struct{ next int64 }

func (s *stubIDs) Next() int64 {
	s.next++
	return s.next
}

// drainingConsumer serves scripted batches, then cancels the run context so
// Run drains and returns.
type drainingConsumer struct {
	batches   [][]bus.Record
	committed []bus.Record
	cancel    context.CancelFunc
}

func (c *drainingConsumer) Poll(ctx context.Context) ([]bus.Record, error) {
	if len(c.batches) == 0 {
		c.cancel()
		return nil, context.Canceled
	}
	batch := c.batches[0]
	c.batches = c.batches[1:]
	return batch, nil
}

func (c *drainingConsumer) Commit(_ context.Context, recs ...bus.Record) error {
	c.committed = append(c.committed, recs...)
	return nil
}

func (c *drainingConsumer) Close() {}

type capturingProducer struct {
	records []bus.Record
	// failures fails this many Produce calls before succeeding;
	// failAlways never stops failing.
	failures   int
	failAlways bool
	attempts   int
}

func (p *capturingProducer) Produce(_ context.Context, rec bus.Record) error {
	p.attempts++
	if p.failAlways || p.failures > 0 {
		p.failures--
		return errs.New(errs.KindBus, "produce: broker unavailable")
	}
	p.records = append(p.records, rec)
	return nil
}

func (p *capturingProducer) Close() {}

func tradeRecord(t *testing.T, product string, side model.Side, price, volume float64, seq int) bus.Record {
	t.Helper()
	ts := time.Date(2024, 5, 1, 12, 0, seq, 0, time.UTC)
	value, err := model.EncodeTrade(model.Trade{
		ProductID: product,
		Side:      side,
		Price:     price,
		Volume:    volume,
		Timestamp: model.FormatTimestamp(ts),
		Exchange:  "kraken",
	})
	require.NoError(t, err)
	return bus.Record{Topic: "trades", Key: []byte(product), Value: value}
}

func newTestEngine() *bars.Engine {
	return bars.NewEngine(map[string]config.AggregationConfig{
		"BTC-USD": {Type: "volume", Interval: 10},
	}, bars.DefaultRegistry(), &stubIDs{})
}

func runOnce(t *testing.T, consumer *drainingConsumer, producer *capturingProducer) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumer.cancel = cancel

	r := New(consumer, producer, newTestEngine(), "bars", metrics.NewRegistry())
	r.backoff = netx.Backoff{Base: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond, Attempts: 3}
	return r.Run(ctx)
}

func TestRunBuildsAndProducesBars(t *testing.T) {
	consumer := &drainingConsumer{batches: [][]bus.Record{{
		tradeRecord(t, "BTC-USD", model.SideBuy, 100, 4, 0),
		tradeRecord(t, "BTC-USD", model.SideBuy, 101, 4, 1),
		tradeRecord(t, "BTC-USD", model.SideSell, 99, 2, 2),
	}}}
	producer := &capturingProducer{}

	require.NoError(t, runOnce(t, consumer, producer))

	require.Len(t, producer.records, 1)
	assert.Equal(t, "bars", producer.records[0].Topic)
	assert.Equal(t, []byte("BTC-USD"), producer.records[0].Key)

	bar, err := model.DecodeBar(producer.records[0].Value)
	require.NoError(t, err)
	assert.Equal(t, model.BarTypeVolume, bar.BarType)
	assert.Equal(t, 10.0, bar.Volume)
	assert.Equal(t, 3, bar.Ticks)

	// Every trade offset is committed, including those that completed no bar.
	assert.Len(t, consumer.committed, 3)
}

func TestRunSkipsUndecodableRecord(t *testing.T) {
	bad := bus.Record{Topic: "trades", Key: []byte("BTC-USD"), Value: []byte("{not json")}
	consumer := &drainingConsumer{batches: [][]bus.Record{{
		bad,
		tradeRecord(t, "BTC-USD", model.SideBuy, 100, 10, 0),
	}}}
	producer := &capturingProducer{}

	require.NoError(t, runOnce(t, consumer, producer))

	// The poison record is committed so it is never replayed, and the
	// stream continues.
	assert.Len(t, consumer.committed, 2)
	assert.Len(t, producer.records, 1)
}

func TestRunSkipsInvalidTrade(t *testing.T) {
	invalid, err := model.EncodeTrade(model.Trade{
		ProductID: "BTC-USD",
		Side:      "hold",
		Price:     100,
		Volume:    1,
		Timestamp: "2024-05-01T12:00:00.000000Z",
	})
	require.NoError(t, err)

	consumer := &drainingConsumer{batches: [][]bus.Record{{
		{Topic: "trades", Key: []byte("BTC-USD"), Value: invalid},
	}}}
	producer := &capturingProducer{}

	require.NoError(t, runOnce(t, consumer, producer))
	assert.Len(t, consumer.committed, 1)
	assert.Empty(t, producer.records)
}

func TestRunRetriesTransientProduceFailure(t *testing.T) {
	consumer := &drainingConsumer{batches: [][]bus.Record{{
		tradeRecord(t, "BTC-USD", model.SideBuy, 100, 10, 0),
	}}}
	producer := &capturingProducer{failures: 2}

	require.NoError(t, runOnce(t, consumer, producer))

	// The bar survives transient broker failures through in-place retries:
	// the builder state was already reset, so the record is the only copy.
	assert.Equal(t, 3, producer.attempts)
	require.Len(t, producer.records, 1)
	assert.Len(t, consumer.committed, 1)
}

func TestRunPersistentProduceFailureStopsBeforeCommit(t *testing.T) {
	// Two trades, each closing its own volume bar. If the runner skipped
	// past the first trade after a failed produce, committing the second
	// would advance the group offset over the lost bar for good.
	consumer := &drainingConsumer{batches: [][]bus.Record{{
		tradeRecord(t, "BTC-USD", model.SideBuy, 100, 10, 0),
		tradeRecord(t, "BTC-USD", model.SideSell, 101, 10, 1),
	}}}
	producer := &capturingProducer{failAlways: true}

	err := runOnce(t, consumer, producer)
	require.Error(t, err)
	assert.Equal(t, errs.KindBus, errs.KindOf(err))

	// No offset moved: a restart replays both trades and rebuilds both bars.
	assert.Empty(t, consumer.committed)
	assert.Empty(t, producer.records)
	assert.Equal(t, 3, producer.attempts, "bounded retries, then fatal")
}

func TestReplayedTradeYieldsIdenticalBar(t *testing.T) {
	build := func() model.Bar {
		consumer := &drainingConsumer{batches: [][]bus.Record{{
			tradeRecord(t, "BTC-USD", model.SideBuy, 100, 6, 0),
			tradeRecord(t, "BTC-USD", model.SideSell, 99, 4, 1),
		}}}
		producer := &capturingProducer{}
		require.NoError(t, runOnce(t, consumer, producer))
		require.Len(t, producer.records, 1)
		bar, err := model.DecodeBar(producer.records[0].Value)
		require.NoError(t, err)
		return bar
	}

	first := build()
	second := build()
	// Replays dedup downstream on (product_id, end_timestamp_unix).
	assert.Equal(t, first.ProductID, second.ProductID)
	assert.Equal(t, first.EndTimestampUnix(), second.EndTimestampUnix())
	assert.Equal(t, first, second)
}
