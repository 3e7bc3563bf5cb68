package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/barflow/internal/bus"
	"github.com/quantpulse/barflow/internal/model"
)

// queueConsumer serves scripted batches, then blocks until the context ends.
type queueConsumer struct {
	mu        sync.Mutex
	batches   [][]bus.Record
	committed []bus.Record
}

func (c *queueConsumer) Poll(ctx context.Context) ([]bus.Record, error) {
	c.mu.Lock()
	if len(c.batches) > 0 {
		batch := c.batches[0]
		c.batches = c.batches[1:]
		c.mu.Unlock()
		return batch, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *queueConsumer) Commit(_ context.Context, recs ...bus.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, recs...)
	return nil
}

func (c *queueConsumer) Close() {}

func (c *queueConsumer) committedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.committed)
}

// recordingStore collects flushed batches.
type recordingStore struct {
	mu      sync.Mutex
	batches [][]model.Bar
	fail    bool
}

func (s *recordingStore) UpsertBatch(_ context.Context, barsBatch []model.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store unavailable")
	}
	batch := make([]model.Bar, len(barsBatch))
	copy(batch, barsBatch)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingStore) snapshot() [][]model.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]model.Bar, len(s.batches))
	copy(out, s.batches)
	return out
}

func barRecord(t *testing.T, product string, seq int) bus.Record {
	t.Helper()
	ts := time.Date(2024, 5, 1, 12, 0, seq, 0, time.UTC)
	value, err := model.EncodeBar(model.Bar{
		ProductID: product,
		BarType:   model.BarTypeVolume,
		Open:      100, High: 101, Low: 99, Close: 100.5,
		Volume:    10,
		StartTime: model.FormatTimestamp(ts.Add(-time.Second)),
		EndTime:   model.FormatTimestamp(ts),
		Ticks:     3,
	})
	require.NoError(t, err)
	return bus.Record{Topic: "bars", Key: []byte(product), Value: value}
}

func TestWriterFlushesWhenBufferFull(t *testing.T) {
	consumer := &queueConsumer{batches: [][]bus.Record{{
		barRecord(t, "BTC-USD", 0),
		barRecord(t, "BTC-USD", 1),
		barRecord(t, "BTC-USD", 2),
	}}}
	store := &recordingStore{}
	w := NewWriter(consumer, MultiStore{store}, WriterConfig{BufferSize: 2, SaveEveryNSec: 3600})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(store.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond, "full buffer must flush without waiting for the timer")

	cancel()
	require.NoError(t, <-done)

	// The third bar flushes on shutdown.
	batches := store.snapshot()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)
	assert.Equal(t, 3, consumer.committedCount())
}

func TestWriterFlushesOnTimer(t *testing.T) {
	consumer := &queueConsumer{batches: [][]bus.Record{{
		barRecord(t, "BTC-USD", 0),
	}}}
	store := &recordingStore{}
	w := NewWriter(consumer, MultiStore{store}, WriterConfig{BufferSize: 100, SaveEveryNSec: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(store.snapshot()) == 1
	}, 3*time.Second, 20*time.Millisecond, "timer must flush a partial buffer")

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, consumer.committedCount())
}

func TestWriterStopsWhenIdle(t *testing.T) {
	consumer := &queueConsumer{}
	store := &recordingStore{}
	w := NewWriter(consumer, MultiStore{store}, WriterConfig{BufferSize: 10, SaveEveryNSec: 1, StopWhenIdle: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, w.Run(ctx))
	assert.Less(t, time.Since(start), 3*time.Second, "idle backfill run must stop on its own")
	assert.Empty(t, store.snapshot())
}

func TestWriterStoreFailureBlocksCommit(t *testing.T) {
	consumer := &queueConsumer{batches: [][]bus.Record{{
		barRecord(t, "BTC-USD", 0),
	}}}
	store := &recordingStore{fail: true}
	w := NewWriter(consumer, MultiStore{store}, WriterConfig{BufferSize: 1, SaveEveryNSec: 3600})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := w.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, consumer.committedCount(), "offsets stay uncommitted when the store rejects the batch")
}

func TestWriterSkipsUndecodableBar(t *testing.T) {
	consumer := &queueConsumer{batches: [][]bus.Record{{
		{Topic: "bars", Key: []byte("BTC-USD"), Value: []byte("{broken")},
		barRecord(t, "BTC-USD", 0),
	}}}
	store := &recordingStore{}
	w := NewWriter(consumer, MultiStore{store}, WriterConfig{BufferSize: 1, SaveEveryNSec: 3600})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(store.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// Both the poison record and the good one are committed, but only the
	// good one reaches the store.
	assert.Equal(t, 2, consumer.committedCount())
	require.Len(t, store.snapshot(), 1)
	assert.Len(t, store.snapshot()[0], 1)
}

func TestWriterPoisonOffsetWaitsForFlush(t *testing.T) {
	consumer := &queueConsumer{batches: [][]bus.Record{{
		barRecord(t, "BTC-USD", 0),
		{Topic: "bars", Key: []byte("BTC-USD"), Value: []byte("{broken")},
	}}}
	store := &recordingStore{}
	w := NewWriter(consumer, MultiStore{store}, WriterConfig{BufferSize: 10, SaveEveryNSec: 3600})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// An out-of-band commit of the poison record would implicitly commit
	// the buffered bar before it. Nothing may be committed until a flush
	// makes that bar durable.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, consumer.committedCount())
	assert.Empty(t, store.snapshot())

	cancel()
	require.NoError(t, <-done)

	batches := store.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 1)
	assert.Equal(t, 2, consumer.committedCount(), "poison offset committed with the flush")
}

func TestMultiStoreFanOut(t *testing.T) {
	a := &recordingStore{}
	b := &recordingStore{}
	m := MultiStore{a, b}

	batch := []model.Bar{{ProductID: "BTC-USD", Ticks: 1}}
	require.NoError(t, m.UpsertBatch(context.Background(), batch))
	assert.Len(t, a.snapshot(), 1)
	assert.Len(t, b.snapshot(), 1)

	a.fail = true
	err := m.UpsertBatch(context.Background(), batch)
	require.Error(t, err)
	assert.Len(t, b.snapshot(), 1, "fan-out stops at the first failing store")
}

func TestOnlineKey(t *testing.T) {
	assert.Equal(t, "bars:online:BTC-USD", onlineKey("BTC-USD"))
}
