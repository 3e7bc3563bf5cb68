package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantpulse/barflow/internal/bus"
	"github.com/quantpulse/barflow/internal/producer"
)

// produceCmd runs the trade producer: exchange adapters in, trades topic out.
var produceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Run the trade producer",
	Long: `Instantiates the configured exchange adapters (live websocket feeds or
historical REST backfill), runs them concurrently, and publishes every
normalized trade to the input topic keyed by product id.`,
	RunE: runProduce,
}

func runProduce(cmd *cobra.Command, args []string) error {
	cfg, reg, srv, err := startSidecar()
	if err != nil {
		return err
	}
	defer stopSidecar(srv)

	pub, err := bus.NewProducer(cfg.Kafka.BrokerAddress)
	if err != nil {
		return err
	}
	defer pub.Close()

	p, err := producer.New(cfg, pub, reg)
	if err != nil {
		return err
	}

	ctx, cancel := runContext()
	defer cancel()

	log.Info().
		Str("mode", cfg.LiveOrHistorical).
		Str("topic", cfg.Kafka.InputTopic).
		Msg("Trade producer starting")

	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("Trade producer stopped")
	return nil
}
