// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tomtom215/fanout/internal/api"
	"github.com/tomtom215/fanout/internal/broker"
	"github.com/tomtom215/fanout/internal/cache"
	"github.com/tomtom215/fanout/internal/config"
	"github.com/tomtom215/fanout/internal/executor"
	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/mail"
	"github.com/tomtom215/fanout/internal/presence"
	"github.com/tomtom215/fanout/internal/relay"
	"github.com/tomtom215/fanout/internal/supervisor/services"
)

// RelayComponents holds the broker side of the server.
type RelayComponents struct {
	server    *broker.EmbeddedServer
	conn      *broker.Conn
	stream    *relay.StreamInitializer
	publisher *relay.Publisher
	dedup     *cache.DedupCache
	cfg       relay.Config
}

// InitRelay starts the embedded server if configured, connects, makes sure
// the stream exists and creates the publisher. It returns nil when
// NATS_ENABLED=false.
func InitRelay(ctx context.Context, cfg *config.Config) (*RelayComponents, error) {
	if !cfg.NATS.Enabled {
		logging.Info().Msg("Relay disabled (NATS_ENABLED=false), delivering to local connections only")
		return nil, nil
	}

	c := &RelayComponents{}

	var url string
	if cfg.NATS.EmbeddedServer {
		srv, err := broker.NewEmbeddedServer(cfg.BrokerOptions())
		if err != nil {
			return nil, fmt.Errorf("start embedded NATS: %w", err)
		}
		c.server = srv
		url = srv.ClientURL()
		logging.Info().Str("url", url).Msg("Embedded NATS server started")
	}

	c.cfg = cfg.RelayOptions(url)
	if err := c.cfg.Validate(); err != nil {
		c.Shutdown(ctx)
		return nil, err
	}

	conn, err := broker.Connect(c.cfg.URL, "fanout-"+cfg.Server.InstanceID)
	if err != nil {
		c.Shutdown(ctx)
		return nil, err
	}
	c.conn = conn

	stream, err := relay.NewStreamInitializer(conn.JS, c.cfg)
	if err != nil {
		c.Shutdown(ctx)
		return nil, err
	}
	if _, err := stream.EnsureStream(ctx); err != nil {
		c.Shutdown(ctx)
		return nil, fmt.Errorf("ensure relay stream: %w", err)
	}
	c.stream = stream

	pub, err := relay.NewNATSPublisher(c.cfg, logging.NewWatermillLogger())
	if err != nil {
		c.Shutdown(ctx)
		return nil, err
	}
	c.publisher = pub
	c.dedup = cache.NewDedupCache(c.cfg.DedupCapacity, c.cfg.DedupTTL)

	logging.Info().
		Str("url", c.cfg.URL).
		Str("stream", c.cfg.StreamName).
		Str("durable", c.cfg.Durable()).
		Msg("Relay initialized")
	return c, nil
}

// ConsumerFactory returns a factory for the supervised consumer. The dedup
// cache is shared across restarts so redeliveries after a restart are
// still filtered.
func (c *RelayComponents) ConsumerFactory(h *relay.Handler) services.RelayFactory {
	dedup := c.dedup
	if dedup == nil {
		dedup = cache.NewDedupCache(c.cfg.DedupCapacity, c.cfg.DedupTTL)
		c.dedup = dedup
	}
	logger := logging.NewWatermillLogger()
	subscribers := relay.NATSSubscriberFactory(c.cfg, logger)

	return func() (services.RelayRunner, error) {
		consumer, err := relay.NewConsumer(h, subscribers, relay.ConsumerConfig{
			CloseTimeout: c.cfg.CloseTimeout,
			Dedup:        dedup,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return consumer, nil
	}
}

// SweepDedup drops expired keys from the consumer's dedup cache and
// returns how many were removed.
func (c *RelayComponents) SweepDedup(context.Context) int {
	if c.dedup == nil {
		return 0
	}
	removed := c.dedup.CleanupExpired()
	if removed > 0 && logging.IsLevelEnabled(zerolog.DebugLevel) {
		hits, misses, size := c.dedup.Stats()
		logging.Debug().
			Int("removed", removed).
			Int("size", size).
			Int64("hits", hits).
			Int64("misses", misses).
			Msg("Relay dedup cache swept")
	}
	return removed
}

// ReadinessChecks reports broker connectivity and stream health.
func (c *RelayComponents) ReadinessChecks() []api.ReadinessCheck {
	return []api.ReadinessCheck{
		{
			Name: "nats",
			Check: func(context.Context) error {
				if !c.conn.Connected() {
					return errors.New("disconnected")
				}
				return nil
			},
		},
		{
			Name: "relay_stream",
			Check: func(ctx context.Context) error {
				if !c.stream.IsHealthy(ctx) {
					return fmt.Errorf("stream %s unavailable", c.cfg.StreamName)
				}
				return nil
			},
		},
	}
}

// Shutdown closes the publisher, the connection and the embedded server.
// Safe on a partially initialized value.
func (c *RelayComponents) Shutdown(ctx context.Context) {
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			logging.Warn().Err(err).Msg("Relay publisher close failed")
		}
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			logging.Warn().Err(err).Msg("Embedded NATS shutdown failed")
		}
	}
}

// NewPresenceStore opens the configured presence backend. The nats backend
// needs a running relay.
func NewPresenceStore(ctx context.Context, cfg *config.Config, rc *RelayComponents) (presence.Store, error) {
	switch cfg.Presence.Backend {
	case "nats":
		if rc == nil {
			return nil, errors.New("presence backend nats requires NATS_ENABLED=true")
		}
		return presence.NewKVStore(ctx, rc.conn.JS, cfg.Presence.Bucket)
	case "badger":
		return presence.OpenBadgerStore(cfg.Presence.BadgerPath)
	case "memory":
		return presence.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown presence backend %q", cfg.Presence.Backend)
	}
}

// NewMailScheduler returns the notification mail path, or nil when mail is
// disabled.
func NewMailScheduler(cfg *config.Config, scheduler executor.Scheduler) relay.MailScheduler {
	if !cfg.Mail.Enabled {
		return nil
	}
	sender := mail.NewSMTPSender(cfg.SMTPOptions())
	logging.Info().Str("host", cfg.Mail.Host).Int("port", cfg.Mail.Port).Msg("Notification mail enabled")
	return mail.NewMailer(sender, scheduler, cfg.MailRetryOptions())
}
