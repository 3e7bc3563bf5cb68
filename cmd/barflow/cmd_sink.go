package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantpulse/barflow/internal/bus"
	"github.com/quantpulse/barflow/internal/config"
	"github.com/quantpulse/barflow/internal/sink"
)

// sinkCmd runs the feature-store writer over the bars topic.
var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Run the feature-store writer",
	Long: `Consumes the bars topic, buffers up to buffer_size records or
save_every_n_sec seconds, then upserts the batch into the offline (Postgres)
and online (Redis) stores. Upserts are idempotent on
(product_id, end_timestamp_unix).`,
	RunE: runSink,
}

func runSink(cmd *cobra.Command, args []string) error {
	cfg, _, srv, err := startSidecar()
	if err != nil {
		return err
	}
	defer stopSidecar(srv)

	group := bus.ConsumerGroupName(cfg.Kafka.ConsumerGroup+"-sink", cfg.Kafka.CreateNewConsumerGroup)
	consumer, err := bus.NewConsumer(cfg.Kafka.BrokerAddress, group, cfg.Kafka.OutputTopic)
	if err != nil {
		return err
	}
	defer consumer.Close()

	var stores sink.MultiStore
	if cfg.Sink.PostgresDSN != "" {
		pg, err := sink.OpenPostgres(cfg.Sink.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		stores = append(stores, pg)
	}
	if cfg.Sink.RedisAddress != "" {
		online := sink.OpenOnline(cfg.Sink.RedisAddress, cfg.Sink.OnlineRetention)
		defer online.Close()
		stores = append(stores, online)
	}
	if len(stores) == 0 {
		log.Warn().Msg("No stores configured, sink will only commit offsets")
	}

	writer := sink.NewWriter(consumer, stores, sink.WriterConfig{
		BufferSize:    cfg.Sink.BufferSize,
		SaveEveryNSec: cfg.Sink.SaveEveryNSec,
		StopWhenIdle:  cfg.LiveOrHistorical == config.ModeHistorical,
	})

	ctx, cancel := runContext()
	defer cancel()

	log.Info().
		Str("consumer_group", group).
		Str("topic", cfg.Kafka.OutputTopic).
		Int("buffer_size", cfg.Sink.BufferSize).
		Msg("Feature-store writer starting")

	if err := writer.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("Feature-store writer stopped")
	return nil
}
