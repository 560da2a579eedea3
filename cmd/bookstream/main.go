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

	"github.com/sawpanic/bookstream/internal/book"
	"github.com/sawpanic/bookstream/internal/breaker"
	"github.com/sawpanic/bookstream/internal/config"
	"github.com/sawpanic/bookstream/internal/egress"
	"github.com/sawpanic/bookstream/internal/fanout"
	"github.com/sawpanic/bookstream/internal/ingress"
	"github.com/sawpanic/bookstream/internal/ratelimit"
	"github.com/sawpanic/bookstream/internal/telemetry"
	"github.com/sawpanic/bookstream/internal/venues"
	"github.com/sawpanic/bookstream/internal/venues/binance"
	"github.com/sawpanic/bookstream/internal/venues/coinbase"
	"github.com/sawpanic/bookstream/internal/venues/kraken"
	"github.com/sawpanic/bookstream/internal/venues/okx"
)

const (
	appName = "bookstream"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time multi-venue order-book aggregator",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "optional YAML config file overlay")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("bookstream exited")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// spec §6: "Process exits non-zero on bind failure or fatal
		// configuration error".
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tel := telemetry.New(cfg.LatencyRingSize)
	bus := fanout.New(cfg.BroadcastCapacity)
	store := book.New(book.Config{
		DepthMax:     cfg.DepthMax,
		GrowthFactor: cfg.TrimGrowthFactor,
		DisplayDepth: cfg.DisplayDepth,
	}, tel)
	rl := ratelimit.NewManager(cfg.RESTRatePerSec, cfg.RESTBurst)
	cb := breaker.NewManager()

	adapters := buildAdapters(cfg.Venues)
	for _, adapter := range adapters {
		worker := ingress.New(adapter, cfg.Symbols, store, bus, tel, rl, cb, cfg.ReconnectBackoff(), cfg.DisplayDepth)
		go worker.Run(ctx)
	}

	go tel.Run(ctx, cfg.MetricsInterval())
	go publishMetrics(ctx, bus, tel, cfg.MetricsInterval())

	srvCfg := egress.DefaultConfig()
	srvCfg.ListenAddr = cfg.ListenAddr
	srvCfg.EgressThrottle = cfg.EgressThrottle()
	srvCfg.HeartbeatInterval = cfg.HeartbeatInterval()
	server := egress.New(srvCfg, store, bus, tel)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Info().Strs("venues", cfg.Venues).Strs("symbols", cfg.Symbols).Msg("bookstream started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func buildAdapters(venueNames []string) []venues.Adapter {
	adapters := make([]venues.Adapter, 0, len(venueNames))
	for _, name := range venueNames {
		switch name {
		case "binance":
			adapters = append(adapters, binance.New(10*time.Second))
		case "kraken":
			adapters = append(adapters, kraken.New(25))
		case "coinbase":
			adapters = append(adapters, coinbase.New())
		case "okx":
			adapters = append(adapters, okx.New())
		default:
			log.Warn().Str("venue", name).Msg("unknown venue, skipping")
		}
	}
	return adapters
}

// publishMetrics fans the periodically refreshed telemetry snapshot out on
// the bus (spec §4.5: "Publishes a metrics ServerMessage on the fan-out
// bus").
func publishMetrics(ctx context.Context, bus *fanout.Bus, tel *telemetry.Collector, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bus.Publish(fanout.Message{Type: fanout.MessageMetrics, Body: egress.MetricsMessage(tel.Snapshot())})
		}
	}
}
