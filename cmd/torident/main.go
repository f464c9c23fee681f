package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"torident/internal/changelog"
	"torident/internal/config"
	"torident/internal/geo"
	"torident/internal/logger"
	"torident/internal/metrics"
	"torident/internal/notify"
	"torident/internal/resolver"
	"torident/internal/rotator"
	"torident/internal/torctl"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *debug {
		cfg.Log.Level = "debug"
	}

	log, err := logger.New(&cfg.Log)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel the in-flight rotation on SIGINT/SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Rotation failed", zap.Error(err))
		os.Exit(1)
	}
}

// run wires the components and executes one rotation.
func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	m := metrics.New()

	res, err := resolver.New(cfg.Resolver, cfg.Tor.SocksProxy, log, m)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	locator := geo.New(cfg.Resolver.GeoAPIURL, log)
	controller := torctl.New(cfg.Tor.ControlPort, cfg.Tor.ControlPassword, log)

	if !controller.Probe(ctx) {
		log.Warn("Tor control port is not reachable; the rotation will likely fail",
			zap.Int("control_port", cfg.Tor.ControlPort))
	}

	var changes rotator.ChangeLog
	if cfg.Changelog.Enabled {
		changes = changelog.New(cfg.Changelog.File, log)
	}

	var sink rotator.NotificationSink
	if cfg.Telegram.Configured() {
		sink = notify.NewTelegram(cfg.Telegram, log)
	}

	r := rotator.New(cfg.Rotation, res, locator, controller, changes, sink, log, m)

	results, err := r.Rotate(ctx)
	if err != nil {
		return err
	}

	result := <-results
	if result.Err != nil {
		return result.Err
	}

	out, err := json.MarshalIndent(result.Outcome, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render outcome: %w", err)
	}
	fmt.Println(string(out))

	return nil
}
