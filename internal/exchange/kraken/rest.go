package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpulse/barflow/internal/errs"
	"github.com/quantpulse/barflow/internal/exchange/restcache"
	"github.com/quantpulse/barflow/internal/metrics"
	"github.com/quantpulse/barflow/internal/model"
	"github.com/quantpulse/barflow/internal/netx"
	"github.com/quantpulse/barflow/internal/symbols"
)

// DefaultRESTURL is the Kraken public trade history endpoint.
const DefaultRESTURL = "https://api.kraken.com/0/public/Trades"

// Getter is the outbound HTTP dependency; *netx.Client satisfies it.
type Getter interface {
	GetJSON(ctx context.Context, url string) ([]byte, error)
}

// RESTAdapter backfills trades for one product over the paginated Trades
// endpoint. The since-cursor is Kraken's nanosecond trade id.
type RESTAdapter struct {
	url     string
	product string
	client  Getter
	cache   *restcache.Cache
	reg     *metrics.Registry
	backoff netx.Backoff

	fromMS int64
	toMS   int64

	sinceCursor int64
	lastTradeMS int64
	// boundary is the last trade of the previous page; Kraken pages are
	// inclusive at the cursor so the next page repeats it.
	boundary *model.Trade
	opened   bool
}

// NewRESTAdapter builds a historical adapter covering the last n days up to
// today 00:00 UTC.
func NewRESTAdapter(url, product string, lastNDays int, client Getter, cache *restcache.Cache, reg *metrics.Registry) *RESTAdapter {
	if url == "" {
		url = DefaultRESTURL
	}
	fromMS, toMS := historyWindow(time.Now().UTC(), lastNDays)

	log.Info().
		Str("exchange", "kraken").
		Str("product_id", product).
		Time("from", time.UnixMilli(fromMS).UTC()).
		Time("to", time.UnixMilli(toMS).UTC()).
		Msg("Historical backfill window")

	return &RESTAdapter{
		url:         url,
		product:     product,
		client:      client,
		cache:       cache,
		reg:         reg,
		backoff:     netx.DefaultBackoff(),
		fromMS:      fromMS,
		toMS:        toMS,
		sinceCursor: fromMS * 1_000_000,
		lastTradeMS: fromMS,
	}
}

// historyWindow computes [from, to) in Unix ms: to is today at 00:00 UTC,
// from is lastNDays earlier.
func historyWindow(now time.Time, lastNDays int) (int64, int64) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	toMS := midnight.UnixMilli()
	fromMS := toMS - int64(lastNDays)*24*60*60*1000
	return fromMS, toMS
}

// Exchange returns the exchange label attached to emitted trades.
func (a *RESTAdapter) Exchange() string { return "kraken" }

// Products returns the single backfilled product.
func (a *RESTAdapter) Products() []string { return []string{a.product} }

// Open validates the configuration; the REST session needs no handshake.
func (a *RESTAdapter) Open(ctx context.Context) error {
	if a.client == nil {
		return errs.New(errs.KindConfig, "rest adapter requires an http client")
	}
	a.opened = true
	return nil
}

// Close is a no-op for the REST session.
func (a *RESTAdapter) Close() error {
	a.opened = false
	return nil
}

// Done reports whether the cursor has crossed the upper time bound.
func (a *RESTAdapter) Done() bool {
	return a.lastTradeMS >= a.toMS
}

type restEnvelope struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

// Next fetches one page of history. Pages already in the cache are served
// without network I/O.
func (a *RESTAdapter) Next(ctx context.Context) ([]model.Trade, error) {
	if !a.opened {
		return nil, errs.New(errs.KindConnect, "adapter not open")
	}
	if a.Done() {
		return nil, nil
	}

	url := fmt.Sprintf("%s?pair=%s&since=%d", a.url, a.product, a.sinceCursor)

	if a.cache.Has(url) {
		page, err := a.cache.Read(url)
		if err != nil {
			return nil, errs.Wrap(errs.KindProtocol, err)
		}
		a.advance(page.Trades, page.LastTradeID)
		log.Info().
			Str("exchange", "kraken").
			Str("product_id", a.product).
			Int("trades", len(page.Trades)).
			Msg("Loaded page from cache")
		return page.Trades, nil
	}

	trades, last, err := a.fetchPage(ctx, url)
	if err != nil {
		return nil, err
	}

	trades = a.dedupBoundary(trades)
	a.advance(trades, last)

	if err := a.cache.Write(url, restcache.Page{Trades: trades, LastTradeID: last}); err != nil {
		log.Warn().Err(err).Str("exchange", "kraken").Msg("Cache write failed")
	}

	log.Info().
		Str("exchange", "kraken").
		Str("product_id", a.product).
		Int("trades", len(trades)).
		Msg("Fetched history page")
	return trades, nil
}

// fetchPage retries in-band rate limits with the same backoff the transport
// layer uses for HTTP failures.
func (a *RESTAdapter) fetchPage(ctx context.Context, url string) ([]model.Trade, int64, error) {
	var lastErr error
	for attempt := 0; attempt < a.backoff.Attempts; attempt++ {
		if attempt > 0 {
			if err := a.backoff.Sleep(ctx, attempt); err != nil {
				return nil, 0, errs.Wrap(errs.KindConnect, err)
			}
		}

		start := time.Now()
		body, err := a.client.GetJSON(ctx, url)
		a.reg.ObserveRequest("kraken", time.Since(start))
		if err != nil {
			if errs.Retryable(err) {
				lastErr = err
				continue
			}
			return nil, 0, err
		}

		trades, last, err := a.parsePage(body)
		if err != nil {
			if errs.KindOf(err) == errs.KindRateLimit {
				lastErr = err
				continue
			}
			return nil, 0, err
		}
		return trades, last, nil
	}
	return nil, 0, lastErr
}

func (a *RESTAdapter) parsePage(body []byte) ([]model.Trade, int64, error) {
	var env restEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, 0, errs.Wrap(errs.KindProtocol, fmt.Errorf("decode page: %w", err))
	}
	if len(env.Error) > 0 {
		joined := strings.Join(env.Error, "; ")
		if strings.Contains(joined, "Too many requests") || strings.Contains(joined, "Rate limit") {
			return nil, 0, errs.New(errs.KindRateLimit, "kraken: %s", joined)
		}
		return nil, 0, errs.New(errs.KindProtocol, "kraken: %s", joined)
	}

	var last int64
	var rows [][]json.RawMessage
	for key, raw := range env.Result {
		if key == "last" {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, 0, errs.Wrap(errs.KindProtocol, fmt.Errorf("decode last cursor: %w", err))
			}
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, 0, errs.Wrap(errs.KindProtocol, fmt.Errorf("parse last cursor: %w", err))
			}
			last = v
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, 0, errs.Wrap(errs.KindProtocol, fmt.Errorf("decode trade rows: %w", err))
		}
	}

	trades := make([]model.Trade, 0, len(rows))
	for _, row := range rows {
		trade, err := a.parseRow(row)
		if err != nil {
			a.reg.DroppedRecords.WithLabelValues("kraken", string(errs.KindProtocol)).Inc()
			log.Warn().
				Err(err).
				Str("exchange", "kraken").
				Str("product_id", a.product).
				Str("kind", string(errs.KindProtocol)).
				Msg("Dropping malformed history row")
			continue
		}
		trades = append(trades, trade)
	}
	return trades, last, nil
}

// parseRow decodes one [price, volume, time, side, ordertype, misc, id] row.
func (a *RESTAdapter) parseRow(row []json.RawMessage) (model.Trade, error) {
	if len(row) < 4 {
		return model.Trade{}, fmt.Errorf("short trade row: %d fields", len(row))
	}
	var priceStr, volStr, sideStr string
	var ts float64
	if err := json.Unmarshal(row[0], &priceStr); err != nil {
		return model.Trade{}, fmt.Errorf("price: %w", err)
	}
	if err := json.Unmarshal(row[1], &volStr); err != nil {
		return model.Trade{}, fmt.Errorf("volume: %w", err)
	}
	if err := json.Unmarshal(row[2], &ts); err != nil {
		return model.Trade{}, fmt.Errorf("timestamp: %w", err)
	}
	if err := json.Unmarshal(row[3], &sideStr); err != nil {
		return model.Trade{}, fmt.Errorf("side: %w", err)
	}

	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return model.Trade{}, fmt.Errorf("price %q: %w", priceStr, err)
	}
	vol, err := strconv.ParseFloat(volStr, 64)
	if err != nil {
		return model.Trade{}, fmt.Errorf("volume %q: %w", volStr, err)
	}
	side, err := model.ParseSide(sideStr)
	if err != nil {
		return model.Trade{}, err
	}

	trade := model.Trade{
		ProductID: symbols.Canonical("kraken", a.product),
		Side:      side,
		Price:     price,
		Volume:    vol,
		Timestamp: model.FormatTimestamp(time.UnixMilli(int64(ts * 1000))),
		Exchange:  "kraken",
	}
	if err := trade.Validate(); err != nil {
		return model.Trade{}, err
	}
	return trade, nil
}

// dedupBoundary drops a leading trade that repeats the previous page's last
// trade; the since parameter is inclusive.
func (a *RESTAdapter) dedupBoundary(trades []model.Trade) []model.Trade {
	if a.boundary == nil || len(trades) == 0 {
		return trades
	}
	if trades[0] == *a.boundary {
		return trades[1:]
	}
	return trades
}

func (a *RESTAdapter) advance(trades []model.Trade, last int64) {
	if last > 0 {
		a.sinceCursor = last
	}
	if len(trades) == 0 {
		return
	}
	final := trades[len(trades)-1]
	a.lastTradeMS = final.Time().UnixMilli()
	a.boundary = &final
}
