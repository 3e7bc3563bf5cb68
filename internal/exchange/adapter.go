// Package exchange defines the adapter contract every exchange source
// implements: a lazy, restartable stream of normalized trades.
package exchange

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/quantpulse/barflow/internal/errs"
	"github.com/quantpulse/barflow/internal/model"
	"github.com/quantpulse/barflow/internal/netx"
)

// Adapter is a polymorphic trade source. Open performs the protocol
// handshake, Next yields zero or more normalized trades within a bounded
// wait, Done reports exhaustion (always false for live feeds), Close
// releases the transport.
type Adapter interface {
	Open(ctx context.Context) error
	Next(ctx context.Context) ([]model.Trade, error)
	Done() bool
	Close() error

	Exchange() string
	Products() []string
}

// OpenWithRetry opens an adapter with jittered exponential backoff. Only
// connect-class and rate-limit errors are retried.
func OpenWithRetry(ctx context.Context, a Adapter, b netx.Backoff) error {
	var lastErr error
	for attempt := 0; attempt < b.Attempts; attempt++ {
		if attempt > 0 {
			if err := b.Sleep(ctx, attempt); err != nil {
				return errs.Wrap(errs.KindConnect, err)
			}
		}

		err := a.Open(ctx)
		if err == nil {
			return nil
		}
		if !errs.Retryable(err) {
			return err
		}
		lastErr = err
		log.Warn().
			Err(err).
			Str("exchange", a.Exchange()).
			Int("attempt", attempt+1).
			Msg("Adapter open failed, backing off")
	}
	return lastErr
}
