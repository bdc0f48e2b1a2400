// quotagate - transparent local quota-aware proxy for the Anthropic API.
//
// Sits between a client and api.anthropic.com, relays traffic byte-for-byte,
// and on the side records rate-limit state, accumulates token usage, reroutes
// expensive models when quota runs low, and raises threshold alerts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quotagate/quotagate/internal/alerts"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/events"
	"github.com/quotagate/quotagate/internal/gateway"
	"github.com/quotagate/quotagate/internal/notify"
	"github.com/quotagate/quotagate/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("quotagate", version)
		return
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// .env is optional; real env vars take precedence over file values.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		log.Fatal().Err(err).Msg("quotagate exited")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()
	log.Info().Str("path", store.Path()).Msg("storage ready")

	hub := events.NewHub()
	notifier := notify.NewDesktop(cfg.Notifications.Desktop)
	evaluator := alerts.New(alerts.Config{
		WarningThreshold:  cfg.Alerts.WarningThreshold,
		CriticalThreshold: cfg.Alerts.CriticalThreshold,
		KnownTokenLimit:   cfg.Routing.KnownTokenLimit,
	}, notifier, hub)

	gw := gateway.New(cfg, store, hub, evaluator)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
