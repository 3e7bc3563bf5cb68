// Package runtime runs the bar builder over the bus: a consumer-group loop
// that feeds the keyed engine and publishes completed bars with an
// at-least-once discipline.
package runtime

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/quantpulse/barflow/internal/bars"
	"github.com/quantpulse/barflow/internal/bus"
	"github.com/quantpulse/barflow/internal/errs"
	"github.com/quantpulse/barflow/internal/metrics"
	"github.com/quantpulse/barflow/internal/model"
	"github.com/quantpulse/barflow/internal/netx"
)

// Runner consumes the trades topic, builds bars, and produces them to the
// bars topic.
type Runner struct {
	consumer bus.Consumer
	producer bus.Producer
	engine   *bars.Engine
	topic    string
	reg      *metrics.Registry
	backoff  netx.Backoff
}

// New wires a runner over an already-connected consumer and producer.
func New(consumer bus.Consumer, producer bus.Producer, engine *bars.Engine, outputTopic string, reg *metrics.Registry) *Runner {
	return &Runner{
		consumer: consumer,
		producer: producer,
		engine:   engine,
		topic:    outputTopic,
		reg:      reg,
		backoff:  netx.DefaultBackoff(),
	}
}

// Run polls until the context is cancelled, then drains and returns.
// Processing is single-threaded over the poll loop, which preserves
// per-partition (and therefore per-product) order.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			log.Info().Msg("Bar builder draining")
			return nil
		}

		records, err := r.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Bar builder draining")
				return nil
			}
			return err
		}

		for _, rec := range records {
			if err := r.handle(ctx, rec); err != nil {
				// A bus error here has already exhausted its retries.
				// Skipping the record would let a later commit advance
				// the offset past a bar that was never produced, so the
				// run stops and a restart replays the trade.
				if errs.IsFatal(err) || errs.KindOf(err) == errs.KindBus {
					return err
				}
				log.Error().
					Err(err).
					Str("kind", string(errs.KindOf(err))).
					Msg("Record processing failed")
			}
		}
	}
}

// handle processes one trade record. The offset is committed only after
// every bar the trade completed is durably produced, so a crash replays the
// trade instead of losing the bar. Duplicate bars are tolerated downstream
// by idempotent upserts keyed on (product_id, end_timestamp_unix).
func (r *Runner) handle(ctx context.Context, rec bus.Record) error {
	trade, err := model.DecodeTrade(rec.Value)
	if err != nil {
		// A trade we cannot decode will never decode; skip past it.
		log.Warn().
			Err(err).
			Str("kind", string(errs.KindProtocol)).
			Msg("Dropping undecodable trade record")
		return r.consumer.Commit(ctx, rec)
	}

	emitted, err := r.engine.ProcessTrade(trade)
	if err != nil {
		if errs.KindOf(err) == errs.KindProtocol {
			log.Warn().
				Err(err).
				Str("product_id", trade.ProductID).
				Str("kind", string(errs.KindProtocol)).
				Msg("Dropping invalid trade")
			return r.consumer.Commit(ctx, rec)
		}
		return err
	}

	for _, bar := range emitted {
		value, err := model.EncodeBar(bar)
		if err != nil {
			return errs.Wrap(errs.KindSerialization, err)
		}
		if err := r.produce(ctx, bus.Record{
			Topic: r.topic,
			Key:   []byte(bar.ProductID),
			Value: value,
		}); err != nil {
			return err
		}

		r.reg.BarsEmitted.WithLabelValues(bar.ProductID, string(bar.BarType)).Inc()
		log.Info().
			Str("product_id", bar.ProductID).
			Str("bar_type", string(bar.BarType)).
			Float64("volume", bar.Volume).
			Int("ticks", bar.Ticks).
			Str("end_time", bar.EndTime).
			Msg("Bar emitted")
	}

	return r.consumer.Commit(ctx, rec)
}

// produce publishes one bar, retrying transient bus failures with backoff.
// The builder state was already reset, so this record is the only copy of
// the bar until it is durable on the bus.
func (r *Runner) produce(ctx context.Context, rec bus.Record) error {
	var lastErr error
	for attempt := 0; attempt < r.backoff.Attempts; attempt++ {
		if attempt > 0 {
			log.Warn().
				Err(lastErr).
				Int("attempt", attempt+1).
				Msg("Bar produce failed, backing off")
			if err := r.backoff.Sleep(ctx, attempt); err != nil {
				return errs.Wrap(errs.KindBus, err)
			}
		}

		err := r.producer.Produce(ctx, rec)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.Retryable(err) {
			return err
		}
	}
	return lastErr
}
