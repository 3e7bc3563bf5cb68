// Package config loads the declarative YAML configuration with environment
// overrides. All processes share one file; each subcommand reads the
// sections it needs.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/quantpulse/barflow/internal/errs"
	"github.com/quantpulse/barflow/internal/symbols"
)

const (
	ExchangeKraken   = "kraken"
	ExchangeCoinbase = "coinbase"

	ModeLive       = "live"
	ModeHistorical = "historical"
)

// HighVolumePairs are products that get a dedicated adapter connection.
// Matched on the separator-stripped symbol.
var HighVolumePairs = map[string]bool{
	"BTCUSD": true,
	"ETHUSD": true,
}

// Config is the full barflow configuration.
type Config struct {
	Kafka     KafkaConfig      `yaml:"kafka"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Products  []ProductConfig  `yaml:"products"`

	LiveOrHistorical string `yaml:"live_or_historical"`
	LastNDays        int    `yaml:"last_n_days"`
	CacheDir         string `yaml:"cache_dir_historical_data"`

	Metrics MetricsConfig `yaml:"metrics"`
	Sink    SinkConfig    `yaml:"sink"`
}

// KafkaConfig addresses the message bus.
type KafkaConfig struct {
	BrokerAddress          string `yaml:"broker_address"`
	InputTopic             string `yaml:"input_topic"`
	OutputTopic            string `yaml:"output_topic"`
	ConsumerGroup          string `yaml:"consumer_group"`
	CreateNewConsumerGroup bool   `yaml:"create_new_consumer_group"`
}

// ExchangeConfig selects an exchange feed and its channels.
type ExchangeConfig struct {
	Name       string   `yaml:"name"`
	ProductIDs []string `yaml:"product_ids"`
	Channels   []string `yaml:"channels"`
}

// ProductConfig binds a product to its bar aggregation.
type ProductConfig struct {
	Coin        string            `yaml:"coin"`
	Aggregation AggregationConfig `yaml:"aggregation"`
}

// AggregationConfig selects the bar variant and its threshold.
// For volume bars Interval is the volume threshold, for tick imbalance the
// imbalance magnitude, for time bars the wall-clock interval in seconds.
type AggregationConfig struct {
	Type     string  `yaml:"type"`
	Interval float64 `yaml:"interval"`
}

// MetricsConfig configures the scrape endpoint.
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// SinkConfig configures the feature-store writer.
type SinkConfig struct {
	BufferSize      int    `yaml:"buffer_size"`
	SaveEveryNSec   int    `yaml:"save_every_n_sec"`
	PostgresDSN     string `yaml:"postgres_dsn"`
	RedisAddress    string `yaml:"redis_address"`
	OnlineRetention int    `yaml:"online_retention"`
}

// Load reads the YAML file, applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, fmt.Errorf("read config: %w", err))
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfig, fmt.Errorf("parse config: %w", err))
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindConfig, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Kafka: KafkaConfig{
			InputTopic:    "trades",
			OutputTopic:   "bars",
			ConsumerGroup: "trade_to_bar",
		},
		LiveOrHistorical: ModeLive,
		LastNDays:        1,
		Metrics:          MetricsConfig{Port: 8000},
		Sink: SinkConfig{
			BufferSize:      1,
			SaveEveryNSec:   30,
			OnlineRetention: 14,
		},
	}
}

// applyEnv overlays BARFLOW_* environment variables on top of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("BARFLOW_KAFKA_BROKER_ADDRESS"); v != "" {
		c.Kafka.BrokerAddress = v
	}
	if v := os.Getenv("BARFLOW_KAFKA_INPUT_TOPIC"); v != "" {
		c.Kafka.InputTopic = v
	}
	if v := os.Getenv("BARFLOW_KAFKA_OUTPUT_TOPIC"); v != "" {
		c.Kafka.OutputTopic = v
	}
	if v := os.Getenv("BARFLOW_KAFKA_CONSUMER_GROUP"); v != "" {
		c.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("BARFLOW_POSTGRES_DSN"); v != "" {
		c.Sink.PostgresDSN = v
	}
	if v := os.Getenv("BARFLOW_REDIS_ADDRESS"); v != "" {
		c.Sink.RedisAddress = v
	}
	if v := os.Getenv("BARFLOW_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}
}

// Validate ensures the configuration is complete and consistent.
func (c *Config) Validate() error {
	if c.Kafka.BrokerAddress == "" {
		return fmt.Errorf("kafka.broker_address is required")
	}
	if c.Kafka.InputTopic == "" || c.Kafka.OutputTopic == "" {
		return fmt.Errorf("kafka input and output topics are required")
	}
	if c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("kafka.consumer_group is required")
	}

	if c.LiveOrHistorical != ModeLive && c.LiveOrHistorical != ModeHistorical {
		return fmt.Errorf("live_or_historical must be %q or %q, got %q",
			ModeLive, ModeHistorical, c.LiveOrHistorical)
	}
	if c.LiveOrHistorical == ModeHistorical && c.LastNDays <= 0 {
		return fmt.Errorf("last_n_days must be positive for historical runs, got %d", c.LastNDays)
	}

	for _, ex := range c.Exchanges {
		if ex.Name != ExchangeKraken && ex.Name != ExchangeCoinbase {
			return fmt.Errorf("unsupported exchange: %q", ex.Name)
		}
		if len(ex.ProductIDs) == 0 {
			return fmt.Errorf("exchange %q has no product_ids", ex.Name)
		}
	}

	if len(c.Products) == 0 {
		return fmt.Errorf("at least one product aggregation is required")
	}
	for _, p := range c.Products {
		switch p.Aggregation.Type {
		case "volume", "tick imbalance", "time":
		default:
			return fmt.Errorf("product %q: unsupported aggregation type %q",
				p.Coin, p.Aggregation.Type)
		}
		if p.Aggregation.Interval <= 0 {
			return fmt.Errorf("product %q: aggregation interval must be positive", p.Coin)
		}
	}

	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.Sink.BufferSize < 1 {
		return fmt.Errorf("sink.buffer_size must be at least 1, got %d", c.Sink.BufferSize)
	}
	if c.Sink.SaveEveryNSec < 1 {
		return fmt.Errorf("sink.save_every_n_sec must be at least 1, got %d", c.Sink.SaveEveryNSec)
	}
	return nil
}

// Thresholds returns the per-product aggregation keyed by canonical id.
func (c *Config) Thresholds() map[string]AggregationConfig {
	out := make(map[string]AggregationConfig, len(c.Products))
	for _, p := range c.Products {
		out[symbols.Canonical("", p.Coin)] = p.Aggregation
	}
	return out
}
