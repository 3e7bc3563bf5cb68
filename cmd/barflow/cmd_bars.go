package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantpulse/barflow/internal/bars"
	"github.com/quantpulse/barflow/internal/bars/runtime"
	"github.com/quantpulse/barflow/internal/bars/snowflake"
	"github.com/quantpulse/barflow/internal/bus"
)

var machineID int64

// barsCmd runs the bar builder: trades topic in, bars topic out.
var barsCmd = &cobra.Command{
	Use:   "bars",
	Short: "Run the bar builder",
	Long: `Consumes the trades topic per product, maintains per-product bar state,
and emits a bar whenever the configured threshold condition is met
(cumulative volume, cumulative tick imbalance, or wall-clock interval).`,
	RunE: runBars,
}

func init() {
	barsCmd.Flags().Int64Var(&machineID, "machine-id", 0, "snowflake machine id (0..1023)")
}

func runBars(cmd *cobra.Command, args []string) error {
	cfg, reg, srv, err := startSidecar()
	if err != nil {
		return err
	}
	defer stopSidecar(srv)

	group := bus.ConsumerGroupName(cfg.Kafka.ConsumerGroup, cfg.Kafka.CreateNewConsumerGroup)
	consumer, err := bus.NewConsumer(cfg.Kafka.BrokerAddress, group, cfg.Kafka.InputTopic)
	if err != nil {
		return err
	}
	defer consumer.Close()

	producer, err := bus.NewProducer(cfg.Kafka.BrokerAddress)
	if err != nil {
		return err
	}
	defer producer.Close()

	engine := bars.NewEngine(cfg.Thresholds(), bars.DefaultRegistry(), snowflake.New(machineID))
	runner := runtime.New(consumer, producer, engine, cfg.Kafka.OutputTopic, reg)

	ctx, cancel := runContext()
	defer cancel()

	log.Info().
		Str("consumer_group", group).
		Str("input_topic", cfg.Kafka.InputTopic).
		Str("output_topic", cfg.Kafka.OutputTopic).
		Msg("Bar builder starting")

	if err := runner.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("Bar builder stopped")
	return nil
}
