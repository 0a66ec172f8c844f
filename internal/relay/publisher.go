// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/fanout/internal/events"
	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/metrics"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

// Publisher sends relay messages to the broker. Each message gets a
// monotonic ULID that doubles as the Nats-Msg-Id for broker-side dedup.
//
// Failures are logged with the ordering key and message id and returned
// wrapping events.ErrPublishFailed. There is no retry loop here; the
// JetStream publish options carry transport-level retries.
type Publisher struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[interface{}]

	entropyMu sync.Mutex
	entropy   io.Reader

	mu     sync.RWMutex
	closed bool
}

// NewPublisher wraps an existing watermill publisher. breaker may be nil.
func NewPublisher(pub message.Publisher, breaker *gobreaker.CircuitBreaker[interface{}]) *Publisher {
	return &Publisher{
		publisher: pub,
		breaker:   breaker,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

// NewNATSPublisher creates a JetStream-backed publisher for cfg. The stream
// must already exist (see StreamInitializer).
func NewNATSPublisher(cfg Config, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = logging.NewWatermillLogger()
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOptions(logger),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}
	return NewPublisher(pub, NewCircuitBreaker(cfg.Breaker)), nil
}

func natsOptions(logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}
}

// PublishDirectMessage publishes m keyed by conversation.
func (p *Publisher) PublishDirectMessage(ctx context.Context, m *DirectMessage) error {
	return publish(ctx, p, DirectMessageCodec, m)
}

// PublishNotification publishes n keyed by recipient.
func (p *Publisher) PublishNotification(ctx context.Context, n *Notification) error {
	return publish(ctx, p, NotificationCodec, n)
}

// PublishWatchSession publishes w keyed by room.
func (p *Publisher) PublishWatchSession(ctx context.Context, w *WatchSession) error {
	return publish(ctx, p, WatchSessionCodec, w)
}

// PublishPresence publishes c keyed by room.
func (p *Publisher) PublishPresence(ctx context.Context, c *PresenceChange) error {
	return publish(ctx, p, PresenceCodec, c)
}

// NotifyPresence implements the lifecycle notifier by publishing the change
// so every instance delivers it.
func (p *Publisher) NotifyPresence(ctx context.Context, c PresenceChange) error {
	return p.PublishPresence(ctx, &c)
}

func publish[T any](ctx context.Context, p *Publisher, codec Codec[T], v *T) error {
	data, err := codec.Encode(v)
	if err != nil {
		metrics.RecordRelayPublished(codec.Topic(), "invalid")
		return fmt.Errorf("%w: %v", events.ErrPublishFailed, err)
	}

	msg := message.NewMessage(p.newID(), data)
	msg.Metadata.Set(MetadataKind, codec.Topic())
	msg.Metadata.Set(MetadataKey, codec.Key(v))
	msg.SetContext(ctx)

	if err := p.Publish(codec.Topic(), msg); err != nil {
		metrics.RecordRelayPublished(codec.Topic(), "failed")
		logging.Ctx(ctx).Error().Err(err).
			Str("topic", codec.Topic()).
			Str("key", codec.Key(v)).
			Str("message_id", msg.UUID).
			Msg("relay publish failed")
		return fmt.Errorf("%w: %s: %v", events.ErrPublishFailed, codec.Topic(), err)
	}
	metrics.RecordRelayPublished(codec.Topic(), "ok")
	return nil
}

// Publish sends a prepared message through the circuit breaker.
func (p *Publisher) Publish(topic string, msg *message.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	if msg.Metadata.Get(natsgo.MsgIdHdr) == "" {
		msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	}

	if p.breaker == nil {
		return p.publisher.Publish(topic, msg)
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(topic, msg)
	})
	return err
}

// Close shuts down the underlying publisher. Further publishes fail.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}

func (p *Publisher) newID() string {
	p.entropyMu.Lock()
	defer p.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), p.entropy).String()
}
