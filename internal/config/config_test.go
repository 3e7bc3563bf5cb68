package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/barflow/internal/errs"
)

const validYAML = `
kafka:
  broker_address: localhost:9092
  input_topic: trades
  output_topic: bars
  consumer_group: trade_to_bar

live_or_historical: historical
last_n_days: 7
cache_dir_historical_data: /tmp/barflow-cache

exchanges:
  - name: kraken
    product_ids: ["BTC/USD", "ETH/USD"]

products:
  - coin: BTC/USD
    aggregation:
      type: volume
      interval: 10
  - coin: ETH/USD
    aggregation:
      type: tick imbalance
      interval: 3

metrics:
  port: 8000

sink:
  buffer_size: 100
  save_every_n_sec: 30
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "localhost:9092", cfg.Kafka.BrokerAddress)
	assert.Equal(t, ModeHistorical, cfg.LiveOrHistorical)
	assert.Equal(t, 7, cfg.LastNDays)
	assert.Equal(t, "/tmp/barflow-cache", cfg.CacheDir)
	require.Len(t, cfg.Exchanges, 1)
	assert.Equal(t, ExchangeKraken, cfg.Exchanges[0].Name)

	// Defaults not present in the file survive.
	assert.Equal(t, 14, cfg.Sink.OnlineRetention)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, errs.KindConfig, errs.KindOf(err))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BARFLOW_KAFKA_BROKER_ADDRESS", "kafka-1:9092")
	t.Setenv("BARFLOW_METRICS_PORT", "9100")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, "kafka-1:9092", cfg.Kafka.BrokerAddress)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, validYAML))
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing broker", func(c *Config) { c.Kafka.BrokerAddress = "" }},
		{"missing topics", func(c *Config) { c.Kafka.InputTopic = "" }},
		{"missing group", func(c *Config) { c.Kafka.ConsumerGroup = "" }},
		{"bad mode", func(c *Config) { c.LiveOrHistorical = "replay" }},
		{"historical without window", func(c *Config) { c.LastNDays = 0 }},
		{"unsupported exchange", func(c *Config) { c.Exchanges[0].Name = "binance" }},
		{"exchange without products", func(c *Config) { c.Exchanges[0].ProductIDs = nil }},
		{"no aggregations", func(c *Config) { c.Products = nil }},
		{"bad aggregation type", func(c *Config) { c.Products[0].Aggregation.Type = "dollar" }},
		{"non-positive interval", func(c *Config) { c.Products[0].Aggregation.Interval = 0 }},
		{"metrics port out of range", func(c *Config) { c.Metrics.Port = 70000 }},
		{"zero buffer", func(c *Config) { c.Sink.BufferSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestThresholdsCanonicalKeys(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	th := cfg.Thresholds()
	require.Len(t, th, 2)
	assert.Equal(t, "volume", th["BTC-USD"].Type)
	assert.Equal(t, 10.0, th["BTC-USD"].Interval)
	assert.Equal(t, "tick imbalance", th["ETH-USD"].Type)
}
