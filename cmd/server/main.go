// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/fanout/internal/api"
	"github.com/tomtom215/fanout/internal/config"
	"github.com/tomtom215/fanout/internal/dispatch"
	"github.com/tomtom215/fanout/internal/executor"
	"github.com/tomtom215/fanout/internal/lifecycle"
	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/registry"
	"github.com/tomtom215/fanout/internal/relay"
	"github.com/tomtom215/fanout/internal/replay"
	"github.com/tomtom215/fanout/internal/supervisor"
	"github.com/tomtom215/fanout/internal/supervisor/services"
	"github.com/tomtom215/fanout/internal/transport"
)

// teardownTimeout bounds closing the relay and the presence store after the
// supervisor tree has stopped.
const teardownTimeout = 15 * time.Second

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(cfg.LoggingOptions())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err = run(ctx, cfg)
	stop()
	if err != nil {
		logging.Error().Err(err).Msg("Server stopped with error")
		_ = logging.Close()
		os.Exit(1)
	}

	logging.Info().Msg("Server stopped")
	_ = logging.Close()
}

//nolint:gocyclo // Sequential setup steps
func run(ctx context.Context, cfg *config.Config) error {
	logging.Info().
		Str("instance_id", cfg.Server.InstanceID).
		Str("addr", cfg.Server.Addr()).
		Bool("relay", cfg.NATS.Enabled).
		Str("presence", cfg.Presence.Backend).
		Msg("Starting fanout with supervisor tree")

	if cfg.ShouldWarnAboutCORS() {
		logging.Warn().Msg("CORS_ORIGINS=* accepts any origin; set explicit origins for production")
	}

	watchConfig()

	rc, err := InitRelay(ctx, cfg)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}

	store, err := NewPresenceStore(ctx, cfg, rc)
	if err != nil {
		if rc != nil {
			rc.Shutdown(ctx)
		}
		return fmt.Errorf("presence store: %w", err)
	}
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := store.Close(); err != nil {
			logging.Warn().Err(err).Msg("Presence store close failed")
		}
		if rc != nil {
			rc.Shutdown(teardownCtx)
		}
	}()

	pool := executor.NewPool(cfg.ExecutorOptions())

	reg := registry.New()
	buf := replay.New(cfg.Realtime.RingCapacity)
	dispatcher := dispatch.New(reg, buf, dispatch.WithPingName(cfg.Realtime.PingEventName))

	handler := relay.NewHandler(dispatcher, store, NewMailScheduler(cfg, pool))

	// Presence changes go through the broker when there is one so every
	// instance's room members hear about them.
	var notifier lifecycle.Notifier = handler
	if rc != nil {
		notifier = rc.publisher
	}
	manager := lifecycle.NewManager(store, notifier, pool)

	resolver, err := transport.NewJWTResolver(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)
	if err != nil {
		return fmt.Errorf("jwt resolver: %w", err)
	}
	streams := transport.NewServer(dispatcher, manager, resolver, cfg.TransportOptions())

	var checks []api.ReadinessCheck
	if rc != nil {
		checks = rc.ReadinessChecks()
	}
	router := api.NewRouter(api.NewHandler(dispatcher, checks...), streams, middlewareConfig(cfg))

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router.SetupChi(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("supervisor tree: %w", err)
	}

	tree.AddWorkerService(pool)
	tree.AddRelayService(services.NewCleanupService(dispatcher, cfg.Realtime.CleanupInterval))
	if rc != nil {
		tree.AddRelayService(services.NewRelayConsumerService(rc.ConsumerFactory(handler)))
		tree.AddRelayService(services.NewNamedCleanupService("relay-dedup-sweep",
			services.SweeperFunc(rc.SweepDedup), cfg.Realtime.CleanupInterval))
	}
	tree.AddDeliveryService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout, reg.CloseAll))

	logging.Info().Str("addr", server.Addr).Msg("Starting supervisor tree")
	err = <-tree.ServeBackground(ctx)

	if unstopped, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop within timeout")
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// middlewareConfig builds the HTTP middleware settings from cfg.
func middlewareConfig(cfg *config.Config) *api.ChiMiddlewareConfig {
	mw := api.DefaultChiMiddlewareConfig()
	mw.CORSAllowedOrigins = cfg.Security.CORSOrigins
	mw.RateLimitDisabled = cfg.Security.RateLimitDisabled
	if cfg.Transport.ConnectRateLimit > 0 {
		mw.StreamRateLimit = api.RateLimitConfig{
			Requests: cfg.Transport.ConnectRateLimit,
			Window:   cfg.Transport.ConnectRateWindow,
		}
	}
	return mw
}

// watchConfig reloads the log level when the config file changes. Every
// other setting needs a restart.
func watchConfig() {
	path := config.ConfigFilePath()
	if path == "" {
		return
	}
	err := config.WatchConfigFile(path, func() {
		reloaded, err := config.LoadWithKoanf()
		if err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("Config reload rejected")
			return
		}
		logging.SetLevelString(reloaded.Logging.Level)
		logging.Info().Str("level", reloaded.Logging.Level).Msg("Log level reloaded")
	})
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("Config file watch unavailable")
	}
}
