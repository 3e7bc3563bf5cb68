// Package producer runs the ingestion side of the pipeline: it instantiates
// exchange adapters from configuration, runs them concurrently, and writes
// every normalized trade to the input topic keyed by product id.
package producer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpulse/barflow/internal/bus"
	"github.com/quantpulse/barflow/internal/config"
	"github.com/quantpulse/barflow/internal/errs"
	"github.com/quantpulse/barflow/internal/exchange"
	"github.com/quantpulse/barflow/internal/exchange/coinbase"
	"github.com/quantpulse/barflow/internal/exchange/kraken"
	"github.com/quantpulse/barflow/internal/exchange/restcache"
	"github.com/quantpulse/barflow/internal/metrics"
	"github.com/quantpulse/barflow/internal/model"
	"github.com/quantpulse/barflow/internal/netx"
	"github.com/quantpulse/barflow/internal/symbols"
)

// Producer fans trades from a set of adapters into the trades topic.
type Producer struct {
	adapters []exchange.Adapter
	pub      bus.Producer
	topic    string
	reg      *metrics.Registry
	backoff  netx.Backoff
}

// New assembles a producer from configuration.
func New(cfg *config.Config, pub bus.Producer, reg *metrics.Registry) (*Producer, error) {
	adapters, err := BuildAdapters(cfg, reg)
	if err != nil {
		return nil, err
	}
	return &Producer{
		adapters: adapters,
		pub:      pub,
		topic:    cfg.Kafka.InputTopic,
		reg:      reg,
		backoff:  netx.DefaultBackoff(),
	}, nil
}

// BuildAdapters instantiates one adapter per connection following the
// fan-out policy: each high-volume product gets a dedicated connection, the
// remaining products share one.
func BuildAdapters(cfg *config.Config, reg *metrics.Registry) ([]exchange.Adapter, error) {
	var adapters []exchange.Adapter

	if cfg.LiveOrHistorical == config.ModeHistorical {
		cache, err := restcache.New(cfg.CacheDir)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, err)
		}
		client := netx.NewClient("kraken-rest", netx.DefaultClientConfig())
		for _, ex := range cfg.Exchanges {
			if ex.Name != config.ExchangeKraken {
				log.Warn().
					Str("exchange", ex.Name).
					Msg("Historical backfill only supports kraken, skipping")
				continue
			}
			for _, product := range ex.ProductIDs {
				adapters = append(adapters, kraken.NewRESTAdapter(
					"", product, cfg.LastNDays, client, cache, reg))
			}
		}
		return adapters, nil
	}

	for _, ex := range cfg.Exchanges {
		dedicated, shared := SplitHighVolume(ex.ProductIDs)
		groups := make([][]string, 0, len(dedicated)+1)
		for _, p := range dedicated {
			groups = append(groups, []string{p})
		}
		if len(shared) > 0 {
			groups = append(groups, shared)
		}

		for _, products := range groups {
			switch ex.Name {
			case config.ExchangeKraken:
				adapters = append(adapters, kraken.NewWSAdapter("", products, reg))
			case config.ExchangeCoinbase:
				adapters = append(adapters, coinbase.NewWSAdapter("", products, ex.Channels, reg))
			}
		}
	}
	return adapters, nil
}

// SplitHighVolume partitions products into those that get a dedicated
// connection and those that share one. High-volume products saturate a
// single connection's throughput.
func SplitHighVolume(products []string) (dedicated, shared []string) {
	for _, p := range products {
		if config.HighVolumePairs[symbols.Compact(p)] {
			dedicated = append(dedicated, p)
		} else {
			shared = append(shared, p)
		}
	}
	return dedicated, shared
}

// Run drives all adapters until every one finishes or the context is
// cancelled. Adapter failures are isolated: each task reconnects on its own
// while the others keep streaming. Serialization failures are fatal.
func (p *Producer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fatal := make(chan error, len(p.adapters))
	var wg sync.WaitGroup
	for _, a := range p.adapters {
		wg.Add(1)
		go func(a exchange.Adapter) {
			defer wg.Done()
			if err := p.runAdapter(ctx, a); err != nil && errs.IsFatal(err) {
				fatal <- err
				cancel()
			}
		}(a)
	}

	wg.Wait()
	select {
	case err := <-fatal:
		return err
	default:
	}
	return ctx.Err()
}

func (p *Producer) runAdapter(ctx context.Context, a exchange.Adapter) error {
	defer a.Close()

	if err := p.reopen(ctx, a); err != nil {
		log.Error().
			Err(err).
			Str("exchange", a.Exchange()).
			Msg("Adapter failed to open, giving up")
		return err
	}

	for !a.Done() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := time.Now()
		trades, err := a.Next(ctx)
		p.reg.ObserveRequest(a.Exchange(), time.Since(start))

		if err != nil {
			if errs.IsFatal(err) {
				return err
			}
			log.Warn().
				Err(err).
				Str("exchange", a.Exchange()).
				Str("kind", string(errs.KindOf(err))).
				Msg("Adapter error, reconnecting")
			a.Close()
			if err := p.reopen(ctx, a); err != nil {
				return err
			}
			continue
		}

		for _, trade := range trades {
			if err := p.publish(ctx, trade); err != nil {
				return err
			}
		}
	}

	log.Info().
		Str("exchange", a.Exchange()).
		Strs("products", a.Products()).
		Msg("Adapter drained")
	return nil
}

// reopen keeps the adapter's connection alive for the life of the process:
// the backoff series caps the delay curve, not the adapter's lifetime, so an
// exhausted series holds at the cap and starts over. During a sustained
// outage the product's bars pause; they never silently stop.
func (p *Producer) reopen(ctx context.Context, a exchange.Adapter) error {
	for {
		err := exchange.OpenWithRetry(ctx, a, p.backoff)
		if err == nil {
			return nil
		}
		if !errs.Retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn().
			Err(err).
			Str("exchange", a.Exchange()).
			Msg("Reconnect series exhausted, holding at max backoff")
		if err := p.backoff.Sleep(ctx, p.backoff.Attempts); err != nil {
			return err
		}
	}
}

func (p *Producer) publish(ctx context.Context, trade model.Trade) error {
	value, err := model.EncodeTrade(trade)
	if err != nil {
		// A trade that cannot be serialized is a bug, not a transient fault.
		return errs.Wrap(errs.KindSerialization, err)
	}

	log.Debug().
		Str("exchange", trade.Exchange).
		Str("product_id", trade.ProductID).
		Float64("price", trade.Price).
		Msg("Publishing trade")

	return p.pub.Produce(ctx, bus.Record{
		Topic: p.topic,
		Key:   []byte(trade.ProductID),
		Value: value,
	})
}
