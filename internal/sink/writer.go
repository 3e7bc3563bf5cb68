package sink

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpulse/barflow/internal/bus"
	"github.com/quantpulse/barflow/internal/errs"
	"github.com/quantpulse/barflow/internal/model"
)

// WriterConfig tunes the buffering writer.
type WriterConfig struct {
	BufferSize    int
	SaveEveryNSec int

	// StopWhenIdle ends the run when a flush timer fires on an empty
	// buffer, which bounds historical backfill runs.
	StopWhenIdle bool
}

// Writer consumes the bars topic and flushes batches to the store on buffer
// fullness or timer expiry, whichever comes first. Offsets are committed
// only after the batch is durably stored.
type Writer struct {
	consumer bus.Consumer
	store    Store
	cfg      WriterConfig

	buffer  []model.Bar
	pending []bus.Record
}

// NewWriter wires a writer over an already-connected consumer.
func NewWriter(consumer bus.Consumer, store Store, cfg WriterConfig) *Writer {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	if cfg.SaveEveryNSec < 1 {
		cfg.SaveEveryNSec = 30
	}
	return &Writer{
		consumer: consumer,
		store:    store,
		cfg:      cfg,
	}
}

// Run consumes until the context is cancelled, then flushes the remaining
// buffer and commits before returning.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(w.cfg.SaveEveryNSec) * time.Second)
	defer ticker.Stop()

	records := make(chan []bus.Record)
	pollErr := make(chan error, 1)
	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()

	go func() {
		for {
			recs, err := w.consumer.Poll(pollCtx)
			if err != nil {
				pollErr <- err
				return
			}
			select {
			case records <- recs:
			case <-pollCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return w.flush(context.Background())

		case err := <-pollErr:
			if ctx.Err() != nil {
				return w.flush(context.Background())
			}
			return err

		case <-ticker.C:
			if len(w.pending) == 0 {
				if w.cfg.StopWhenIdle {
					log.Info().Msg("Flush timer fired on empty buffer, stopping")
					return nil
				}
				continue
			}
			if err := w.flush(ctx); err != nil {
				return err
			}

		case recs := <-records:
			for _, rec := range recs {
				if err := w.ingest(ctx, rec); err != nil {
					return err
				}
			}
		}
	}
}

func (w *Writer) ingest(ctx context.Context, rec bus.Record) error {
	bar, err := model.DecodeBar(rec.Value)
	if err != nil {
		// Offset commits are partition positions, not per-record acks:
		// committing this record now would implicitly commit every
		// pending bar before it. Drop the bar but let the offset ride
		// the next flush.
		log.Warn().
			Err(err).
			Str("kind", string(errs.KindProtocol)).
			Msg("Dropping undecodable bar record")
		w.pending = append(w.pending, rec)
		return nil
	}

	w.buffer = append(w.buffer, bar)
	w.pending = append(w.pending, rec)

	if len(w.buffer) >= w.cfg.BufferSize {
		return w.flush(ctx)
	}
	return nil
}

// flush upserts the buffered batch and commits its offsets.
func (w *Writer) flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}

	if len(w.buffer) > 0 {
		if err := w.store.UpsertBatch(ctx, w.buffer); err != nil {
			return errs.Wrap(errs.KindBus, err)
		}
	}
	if err := w.consumer.Commit(ctx, w.pending...); err != nil {
		return err
	}

	log.Info().
		Int("bars", len(w.buffer)).
		Msg("Flushed bar batch to feature store")

	w.buffer = w.buffer[:0]
	w.pending = w.pending[:0]
	return nil
}
