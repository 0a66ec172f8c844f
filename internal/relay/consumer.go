// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/fanout/internal/cache"
	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/metrics"
)

// SubscriberFactory creates the subscriber for one topic.
type SubscriberFactory func(topic string) (message.Subscriber, error)

// NATSSubscriberFactory returns a factory creating one durable JetStream
// subscriber per topic, bound to the relay stream. The durable name is
// unique per instance and per topic, so every instance receives every
// message once.
func NATSSubscriberFactory(cfg Config, logger watermill.LoggerAdapter) SubscriberFactory {
	if logger == nil {
		logger = logging.NewWatermillLogger()
	}
	return func(topic string) (message.Subscriber, error) {
		kind := strings.TrimPrefix(topic, SubjectPrefix+".")

		subOpts := []natsgo.SubOpt{
			natsgo.MaxDeliver(cfg.MaxDeliver),
			natsgo.MaxAckPending(cfg.MaxAckPending),
			natsgo.AckWait(cfg.AckWaitTimeout),
			natsgo.DeliverNew(),
			natsgo.BindStream(cfg.StreamName),
		}

		wmConfig := wmNats.SubscriberConfig{
			URL:              cfg.URL,
			SubscribersCount: cfg.SubscribersCount,
			AckWaitTimeout:   cfg.AckWaitTimeout,
			CloseTimeout:     cfg.CloseTimeout,
			NatsOptions:      natsOptions(logger),
			Unmarshaler:      &wmNats.NATSMarshaler{},
			JetStream: wmNats.JetStreamConfig{
				AutoProvision:    false,
				AckAsync:         false,
				SubscribeOptions: subOpts,
				DurablePrefix:    cfg.Durable() + "-" + kind,
			},
		}

		sub, err := wmNats.NewSubscriber(wmConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("create subscriber for %s: %w", topic, err)
		}
		return sub, nil
	}
}

// Consumer runs a watermill router with one handler per relay topic.
//
// Each message is checked against the dedup cache, decoded with its codec
// and handed to the Handler. A malformed message is logged and acked so it
// never blocks the stream. A handler error nacks the message for
// redelivery. The message id is recorded only after a successful handle.
type Consumer struct {
	router      *message.Router
	handler     *Handler
	dedup       *cache.DedupCache
	subscribers []message.Subscriber
	logger      watermill.LoggerAdapter
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	CloseTimeout time.Duration
	Dedup        *cache.DedupCache
	Logger       watermill.LoggerAdapter
}

// NewConsumer creates the router and subscribes every topic through factory.
func NewConsumer(h *Handler, factory SubscriberFactory, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewWatermillLogger()
	}
	if cfg.Dedup == nil {
		cfg.Dedup = cache.NewDedupCache(0, 0)
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	c := &Consumer{
		router:  router,
		handler: h,
		dedup:   cfg.Dedup,
		logger:  cfg.Logger,
	}

	routes := []struct {
		topic string
		fn    message.NoPublishHandlerFunc
	}{
		{TopicDirectMessage, consume(c, DirectMessageCodec, h.HandleDirectMessage)},
		{TopicNotification, consume(c, NotificationCodec, h.HandleNotification)},
		{TopicWatchSession, consume(c, WatchSessionCodec, h.HandleWatchSession)},
		{TopicPresence, consume(c, PresenceCodec, h.HandlePresence)},
	}
	for _, r := range routes {
		sub, err := factory(r.topic)
		if err != nil {
			_ = c.closeSubscribers() //nolint:errcheck // Already failing
			return nil, err
		}
		c.subscribers = append(c.subscribers, sub)
		router.AddConsumerHandler("relay-"+r.topic, r.topic, sub, r.fn)
	}
	return c, nil
}

func consume[T any](c *Consumer, codec Codec[T], handle func(context.Context, *T) error) message.NoPublishHandlerFunc {
	topic := codec.Topic()
	return func(msg *message.Message) error {
		if c.dedup.Seen(msg.UUID) {
			metrics.RecordRelayConsumed(topic, "duplicate")
			return nil
		}

		v, err := codec.Decode(msg.Payload)
		if err != nil {
			metrics.RecordRelayConsumed(topic, "malformed")
			c.logger.Error("Dropping malformed relay message", err, watermill.LogFields{
				"topic":      topic,
				"message_id": msg.UUID,
				"key":        msg.Metadata.Get(MetadataKey),
			})
			return nil
		}

		if err := handle(msg.Context(), v); err != nil {
			metrics.RecordRelayConsumed(topic, "failed")
			c.logger.Error("Relay message handling failed", err, watermill.LogFields{
				"topic":      topic,
				"message_id": msg.UUID,
				"key":        msg.Metadata.Get(MetadataKey),
			})
			return err
		}

		c.dedup.Mark(msg.UUID)
		metrics.RecordRelayConsumed(topic, "ok")
		return nil
	}
}

// Run blocks until ctx is canceled or the router stops.
func (c *Consumer) Run(ctx context.Context) error {
	return c.router.Run(ctx)
}

// Running is closed once every handler is subscribed.
func (c *Consumer) Running() chan struct{} {
	return c.router.Running()
}

// IsRunning reports whether the router is processing messages.
func (c *Consumer) IsRunning() bool {
	return c.router.IsRunning()
}

// Close stops the router and closes every subscriber.
func (c *Consumer) Close() error {
	err := c.router.Close()
	return errors.Join(err, c.closeSubscribers())
}

func (c *Consumer) closeSubscribers() error {
	var errs []error
	for _, sub := range c.subscribers {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.subscribers = nil
	return errors.Join(errs...)
}
