package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantpulse/barflow/internal/config"
	"github.com/quantpulse/barflow/internal/metrics"
)

var (
	configPath string
	logLevel   string
)

// rootCmd is the base command for the barflow CLI.
var rootCmd = &cobra.Command{
	Use:   "barflow",
	Short: "Real-time and historical crypto trade-to-bar pipeline",
	Long: `barflow ingests raw trades from exchange websocket and REST feeds,
normalizes them onto the trades topic, and builds information-driven bars
(tick-imbalance, volume, time) onto the bars topic for downstream consumers.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "zerolog level (trace..panic)")

	rootCmd.AddCommand(produceCmd)
	rootCmd.AddCommand(barsCmd)
	rootCmd.AddCommand(sinkCmd)
}

// runContext is cancelled on SIGINT/SIGTERM so every process drains and
// exits cleanly.
func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// startSidecar loads config and brings up the metrics endpoint shared by
// every subcommand.
func startSidecar() (*config.Config, *metrics.Registry, *metrics.Server, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	reg := metrics.NewRegistry()
	srv := metrics.NewServer(cfg.Metrics.Port, reg)
	srv.Start()
	return cfg, reg, srv, nil
}

func stopSidecar(srv *metrics.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Metrics server shutdown failed")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("barflow exited with error")
		os.Exit(1)
	}
}
