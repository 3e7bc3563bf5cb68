// Package sink is the feature-store writer: it consumes the bars topic,
// buffers records, and flushes idempotent batches to the offline (Postgres)
// and online (Redis) stores.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/quantpulse/barflow/internal/model"
)

// Store receives flushed bar batches. Upserts must be idempotent on
// (product_id, end_timestamp_unix) so replayed bars are harmless.
type Store interface {
	UpsertBatch(ctx context.Context, barsBatch []model.Bar) error
}

// PostgresStore is the offline store.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// OpenPostgres connects the offline store.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresStore{db: db, timeout: 30 * time.Second}, nil
}

const upsertBarSQL = `
INSERT INTO ohlc_bars (
	product_id, bar_type, end_timestamp_unix,
	open, high, low, close, volume,
	start_time, end_time,
	tick_imbalance, ticks, cumulative_trade_amount,
	net_buy_ratio, bar_formation_time, trade_intensity,
	max_buy_run, max_sell_run, price_volatility, unique_id
) VALUES (
	:product_id, :bar_type, :end_timestamp_unix,
	:open, :high, :low, :close, :volume,
	:start_time, :end_time,
	:tick_imbalance, :ticks, :cumulative_trade_amount,
	:net_buy_ratio, :bar_formation_time, :trade_intensity,
	:max_buy_run, :max_sell_run, :price_volatility, :unique_id
)
ON CONFLICT (product_id, end_timestamp_unix) DO UPDATE SET
	open = EXCLUDED.open,
	high = EXCLUDED.high,
	low = EXCLUDED.low,
	close = EXCLUDED.close,
	volume = EXCLUDED.volume,
	ticks = EXCLUDED.ticks`

type barRow struct {
	ProductID             string  `db:"product_id"`
	BarType               string  `db:"bar_type"`
	EndTimestampUnix      int64   `db:"end_timestamp_unix"`
	Open                  float64 `db:"open"`
	High                  float64 `db:"high"`
	Low                   float64 `db:"low"`
	Close                 float64 `db:"close"`
	Volume                float64 `db:"volume"`
	StartTime             string  `db:"start_time"`
	EndTime               string  `db:"end_time"`
	TickImbalance         int     `db:"tick_imbalance"`
	Ticks                 int     `db:"ticks"`
	CumulativeTradeAmount float64 `db:"cumulative_trade_amount"`
	NetBuyRatio           float64 `db:"net_buy_ratio"`
	BarFormationTime      float64 `db:"bar_formation_time"`
	TradeIntensity        float64 `db:"trade_intensity"`
	MaxBuyRun             int     `db:"max_buy_run"`
	MaxSellRun            int     `db:"max_sell_run"`
	PriceVolatility       float64 `db:"price_volatility"`
	UniqueID              int64   `db:"unique_id"`
}

// UpsertBatch writes a batch in one transaction.
func (s *PostgresStore) UpsertBatch(ctx context.Context, barsBatch []model.Bar) error {
	if len(barsBatch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	for _, b := range barsBatch {
		row := barRow{
			ProductID:             b.ProductID,
			BarType:               string(b.BarType),
			EndTimestampUnix:      b.EndTimestampUnix(),
			Open:                  b.Open,
			High:                  b.High,
			Low:                   b.Low,
			Close:                 b.Close,
			Volume:                b.Volume,
			StartTime:             b.StartTime,
			EndTime:               b.EndTime,
			TickImbalance:         b.TickImbalance,
			Ticks:                 b.Ticks,
			CumulativeTradeAmount: b.CumulativeTradeAmount,
			NetBuyRatio:           b.NetBuyRatio,
			BarFormationTime:      b.BarFormationTime,
			TradeIntensity:        b.TradeIntensity,
			MaxBuyRun:             b.MaxBuyRun,
			MaxSellRun:            b.MaxSellRun,
			PriceVolatility:       b.PriceVolatility,
			UniqueID:              b.UniqueID,
		}
		if _, err := tx.NamedExecContext(ctx, upsertBarSQL, row); err != nil {
			return fmt.Errorf("upsert bar %s/%d: %w", b.ProductID, row.EndTimestampUnix, err)
		}
	}
	return tx.Commit()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// OnlineStore keeps the most recent bars per product in Redis for low
// latency reads.
type OnlineStore struct {
	client    *redis.Client
	retention int
}

// OpenOnline connects the online store. retention is the number of bars
// kept per product.
func OpenOnline(addr string, retention int) *OnlineStore {
	return &OnlineStore{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		retention: retention,
	}
}

func onlineKey(productID string) string {
	return "bars:online:" + productID
}

// UpsertBatch prepends bars to each product's list and trims it to the
// retention window.
func (s *OnlineStore) UpsertBatch(ctx context.Context, barsBatch []model.Bar) error {
	pipe := s.client.Pipeline()
	for _, b := range barsBatch {
		value, err := model.EncodeBar(b)
		if err != nil {
			return fmt.Errorf("encode bar for online store: %w", err)
		}
		key := onlineKey(b.ProductID)
		pipe.LPush(ctx, key, value)
		pipe.LTrim(ctx, key, 0, int64(s.retention-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("online store pipeline: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (s *OnlineStore) Close() error { return s.client.Close() }

// MultiStore fans a batch out to several stores, failing on the first error.
type MultiStore []Store

// UpsertBatch writes the batch to every store in order.
func (m MultiStore) UpsertBatch(ctx context.Context, barsBatch []model.Bar) error {
	for _, s := range m {
		if err := s.UpsertBatch(ctx, barsBatch); err != nil {
			return err
		}
	}
	return nil
}
