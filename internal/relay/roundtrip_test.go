// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/fanout/internal/dispatch"
	"github.com/tomtom215/fanout/internal/events"
	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/presence"
	"github.com/tomtom215/fanout/internal/registry"
	"github.com/tomtom215/fanout/internal/registry/registrytest"
	"github.com/tomtom215/fanout/internal/replay"
)

type roundTrip struct {
	pubsub    *gochannel.GoChannel
	publisher *Publisher
	consumer  *Consumer
	registry  *registry.Registry
	presence  presence.Store
}

func newRoundTrip(t *testing.T) *roundTrip {
	t.Helper()
	logger := logging.NewWatermillLogger()
	ps := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, logger)

	reg := registry.New()
	store := presence.NewMemoryStore()
	d := dispatch.New(reg, replay.New(16))
	h := NewHandler(d, store, nil)

	consumer, err := NewConsumer(h, func(string) (message.Subscriber, error) { return ps, nil }, ConsumerConfig{
		CloseTimeout: time.Second,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = consumer.Run(ctx) }()
	select {
	case <-consumer.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not start")
	}

	rt := &roundTrip{
		pubsub:    ps,
		publisher: NewPublisher(ps, NewCircuitBreaker(BreakerConfig{Name: "test"})),
		consumer:  consumer,
		registry:  reg,
		presence:  store,
	}
	t.Cleanup(func() {
		cancel()
		_ = consumer.Close()
		_ = rt.publisher.Close()
	})
	return rt
}

func waitForEvents(t *testing.T, h *registrytest.Handle, n int) []events.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		sent := h.Sent()
		if len(sent) >= n {
			return sent
		}
		if time.Now().After(deadline) {
			t.Fatalf("handle received %d events, want %d", len(sent), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRoundTrip_DirectMessage(t *testing.T) {
	rt := newRoundTrip(t)
	bob := registrytest.NewHandle("bob", registry.TransportSSE)
	alice := registrytest.NewHandle("alice", registry.TransportWebSocket)
	carol := registrytest.NewHandle("carol", registry.TransportSSE)
	for _, h := range []registry.Handle{bob, alice, carol} {
		rt.registry.Register(h)
	}

	dm := &DirectMessage{
		MessageID:      "m-1",
		ConversationID: "c-1",
		SenderID:       "alice",
		ReceiverID:     "bob",
		Content:        "hello",
		SentAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := rt.publisher.PublishDirectMessage(context.Background(), dm); err != nil {
		t.Fatalf("PublishDirectMessage() error = %v", err)
	}

	for _, h := range []*registrytest.Handle{bob, alice} {
		got := waitForEvents(t, h, 1)
		if got[0].Name != events.NameDirectMessage {
			t.Errorf("%s got event %q", h.SubscriberID(), got[0].Name)
		}
		var decoded DirectMessage
		if err := json.Unmarshal(got[0].Payload, &decoded); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if decoded.MessageID != "m-1" || decoded.Content != "hello" || !decoded.SentAt.Equal(dm.SentAt) {
			t.Errorf("payload = %+v", decoded)
		}
	}
	if len(carol.Sent()) != 0 {
		t.Errorf("carol received %d events outside the audience", len(carol.Sent()))
	}
}

func TestRoundTrip_MalformedMessageIsDropped(t *testing.T) {
	rt := newRoundTrip(t)
	bob := registrytest.NewHandle("bob", registry.TransportSSE)
	rt.registry.Register(bob)

	bad := message.NewMessage("bad-1", []byte("{not json"))
	if err := rt.publisher.Publish(TopicNotification, bad); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	n := &Notification{NotificationID: "n-1", RecipientID: "bob", Type: "follow", Title: "New follower"}
	if err := rt.publisher.PublishNotification(context.Background(), n); err != nil {
		t.Fatalf("PublishNotification() error = %v", err)
	}

	got := waitForEvents(t, bob, 1)
	if got[0].Name != events.NameNotification {
		t.Errorf("event = %q, want notification", got[0].Name)
	}
}

func TestRoundTrip_RedeliveryIsSuppressed(t *testing.T) {
	rt := newRoundTrip(t)
	bob := registrytest.NewHandle("bob", registry.TransportSSE)
	rt.registry.Register(bob)

	n := &Notification{NotificationID: "n-1", RecipientID: "bob", Type: "t", Title: "x"}
	data, err := NotificationCodec.Encode(n)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := rt.publisher.Publish(TopicNotification, message.NewMessage("same-id", data)); err != nil {
			t.Fatal(err)
		}
	}
	marker := &Notification{NotificationID: "n-2", RecipientID: "bob", Type: "t", Title: "y"}
	if err := rt.publisher.PublishNotification(context.Background(), marker); err != nil {
		t.Fatal(err)
	}

	waitForEvents(t, bob, 2)
	time.Sleep(50 * time.Millisecond)
	if got := len(bob.Sent()); got != 2 {
		t.Errorf("bob received %d events, want 2 (duplicate suppressed)", got)
	}
}

func TestRoundTrip_PresenceReachesRoom(t *testing.T) {
	rt := newRoundTrip(t)
	ctx := context.Background()
	bob := registrytest.NewHandle("bob", registry.TransportWebSocket)
	rt.registry.Register(bob)
	if _, err := rt.presence.AddMember(ctx, "watch-9", "bob"); err != nil {
		t.Fatal(err)
	}

	if err := rt.publisher.NotifyPresence(ctx, PresenceChange{Room: "watch-9", SubscriberID: "alice", Action: ActionJoined, Count: 2}); err != nil {
		t.Fatalf("NotifyPresence() error = %v", err)
	}
	got := waitForEvents(t, bob, 1)
	var change PresenceChange
	if err := json.Unmarshal(got[0].Payload, &change); err != nil {
		t.Fatal(err)
	}
	if change.Count != 2 || change.SubscriberID != "alice" {
		t.Errorf("change = %+v", change)
	}
}

func TestPublisher_FailuresWrapPublishFailed(t *testing.T) {
	logger := logging.NewWatermillLogger()
	ps := gochannel.NewGoChannel(gochannel.Config{}, logger)
	p := NewPublisher(ps, nil)
	_ = p.Close()

	err := p.PublishDirectMessage(context.Background(), &DirectMessage{
		MessageID: "m", ConversationID: "c", SenderID: "a", ReceiverID: "b", Content: "x",
	})
	if !errors.Is(err, events.ErrPublishFailed) {
		t.Errorf("publish after close = %v, want ErrPublishFailed", err)
	}

	p = NewPublisher(ps, nil)
	err = p.PublishDirectMessage(context.Background(), &DirectMessage{MessageID: "m"})
	if !errors.Is(err, events.ErrPublishFailed) {
		t.Errorf("publish of invalid message = %v, want ErrPublishFailed", err)
	}
}

func TestPublisher_IDsAreMonotonic(t *testing.T) {
	p := NewPublisher(gochannel.NewGoChannel(gochannel.Config{}, logging.NewWatermillLogger()), nil)
	prev := ""
	for i := 0; i < 100; i++ {
		id := p.newID()
		if id <= prev {
			t.Fatalf("id %q not greater than %q", id, prev)
		}
		prev = id
	}
}
