// Command server starts the API key sharing detector.
//
// Usage:
//
//	go run ./cmd/server [flags]
//
// Flags:
//
//	-port  HTTP port to listen on; overrides PORT and the config file
//
// Everything else is configured through environment variables or a YAML
// file (see internal/config).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authwatch/sharing-api/internal/api"
	"authwatch/sharing-api/internal/config"
	"authwatch/sharing-api/internal/detection"
	"authwatch/sharing-api/internal/geoip"
	"authwatch/sharing-api/internal/logging"
	"authwatch/sharing-api/internal/metrics"
	"authwatch/sharing-api/internal/processor"
	"authwatch/sharing-api/internal/store"
	"authwatch/sharing-api/internal/supervisor"
	"authwatch/sharing-api/internal/webhook"
)

// janitorInterval is how often idle keys are pruned between events.
const janitorInterval = time.Minute

func main() {
	port := flag.Int("port", 0, "HTTP port (overrides configuration)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger := logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	if err := run(cfg, logger); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// ── Wire dependencies ─────────────────────────────────────────────────────
	clock := store.SystemClock{}
	s := store.New(
		store.WithMaxHistory(cfg.Detection.MaxHistoryPerKey),
		store.WithSessionTTL(cfg.Detection.SessionTTL()),
	)
	metrics.RegisterTrackedKeys(s.Len)

	engine := detection.New(detection.Config{
		MaxIPsPerKey:          cfg.Detection.MaxIPsPerKey,
		MaxConcurrentSessions: cfg.Detection.MaxConcurrentSessions,
		SuspiciousDistanceKm:  cfg.Detection.SuspiciousDistanceKm,
		MaxSpeedKmh:           cfg.Detection.MaxSpeedKmh,
		Window:                cfg.Detection.Window(),
	})

	tree := supervisor.New(logger, supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})

	var dispatcher processor.AlertDispatcher = &webhook.Nop{}
	if url := cfg.Webhook.Destination(); url != "" {
		wcfg := webhook.DefaultConfig(url)
		wcfg.Timeout = cfg.Webhook.Timeout
		wcfg.MaxAttempts = cfg.Webhook.MaxAttempts
		wcfg.QueueSize = cfg.Webhook.QueueSize
		wcfg.RatePerSecond = cfg.Webhook.RatePerSecond
		notifier := webhook.New(wcfg)
		tree.AddBackgroundService(notifier)
		dispatcher = notifier
	}

	opts := []processor.Option{processor.WithClock(clock)}
	if path := cfg.GeoIP.CityDBPath; path != "" {
		locator, err := geoip.Open(path)
		if err != nil {
			// Non-fatal: alerts are still raised without IP geolocation.
			slog.Warn("geoip database not loaded", "path", path, "error", err)
		} else {
			defer locator.Close()
			opts = append(opts, processor.WithLocator(locator))
		}
	}

	proc := processor.New(s, engine, dispatcher, opts...)
	router := api.NewRouter(api.NewHandler(proc, s), api.RouterConfig{
		CORSOrigins:       cfg.Server.CORSOrigins,
		RateLimitRequests: cfg.Server.RateLimitRequests,
		RateLimitWindow:   cfg.Server.RateLimitWindow,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	tree.AddAPIService(supervisor.NewHTTPService(srv, cfg.Server.ShutdownTimeout))
	tree.AddBackgroundService(supervisor.NewJanitorService(s, clock.Now, cfg.Detection.Window(), janitorInterval))

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("server listening",
		"port", cfg.Server.Port,
		"max_ips_per_key", cfg.Detection.MaxIPsPerKey,
		"max_concurrent_sessions", cfg.Detection.MaxConcurrentSessions,
		"suspicious_distance_km", cfg.Detection.SuspiciousDistanceKm,
		"window", cfg.Detection.Window(),
		"webhook_enabled", cfg.Webhook.Destination() != "",
	)

	err := tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
