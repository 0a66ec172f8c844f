// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package relay

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/fanout/internal/dispatch"
	"github.com/tomtom215/fanout/internal/events"
	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/mail"
	"github.com/tomtom215/fanout/internal/presence"
)

func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

type sentCall struct {
	room     string
	audience []string
	name     string
	payload  interface{}
}

// fakeSink records dispatches.
type fakeSink struct {
	mu         sync.Mutex
	calls      []sentCall
	broadcasts []sentCall
	err        error
}

func (s *fakeSink) SendToAudience(ctx context.Context, ids []string, name string, payload interface{}) (dispatch.Report, error) {
	return s.SendToRoom(ctx, "", ids, name, payload)
}

func (s *fakeSink) SendToRoom(_ context.Context, room string, ids []string, name string, payload interface{}) (dispatch.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return dispatch.Report{}, s.err
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	s.calls = append(s.calls, sentCall{room: room, audience: sorted, name: name, payload: payload})
	return dispatch.Report{EventID: uint64(len(s.calls)), Targeted: len(ids), Delivered: len(ids)}, nil
}

func (s *fakeSink) Broadcast(_ context.Context, name string, payload interface{}) (dispatch.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, sentCall{name: name, payload: payload})
	return dispatch.Report{}, nil
}

func (s *fakeSink) Calls() []sentCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentCall(nil), s.calls...)
}

type fakeMailer struct {
	mu   sync.Mutex
	msgs []mail.Message
	err  error
}

func (m *fakeMailer) Schedule(msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msg)
	return nil
}

// failingStore fails every read.
type failingStore struct {
	presence.Store
}

func (failingStore) Members(context.Context, string) ([]presence.Entry, error) {
	return nil, errors.New("store unavailable")
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCodecs_EncodeDecode(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dm := &DirectMessage{
		MessageID: "m-1", ConversationID: "c-1", SenderID: "alice", ReceiverID: "bob",
		Content: "hello", SentAt: now,
	}
	data, err := DirectMessageCodec.Encode(dm)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := DirectMessageCodec.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.MessageID != dm.MessageID || got.Content != dm.Content || got.ReceiverID != dm.ReceiverID || !got.SentAt.Equal(dm.SentAt) {
		t.Errorf("Decode() = %+v, want %+v", got, dm)
	}
	if DirectMessageCodec.Key(dm) != "c-1" {
		t.Errorf("Key() = %q, want conversation id", DirectMessageCodec.Key(dm))
	}
	if DirectMessageCodec.Topic() != "platform.DirectMessage" {
		t.Errorf("Topic() = %q", DirectMessageCodec.Topic())
	}
}

func TestCodecs_Keys(t *testing.T) {
	w := &WatchSession{ContentID: "42", HostID: "h", Action: "play"}
	if got, want := WatchSessionCodec.Key(w), events.RoomKey("watch", "42"); got != want {
		t.Errorf("WatchSession key = %q, want %q", got, want)
	}
	n := &Notification{NotificationID: "n", RecipientID: "bob", Type: "t", Title: "x"}
	if NotificationCodec.Key(n) != "bob" {
		t.Errorf("Notification key = %q, want recipient", NotificationCodec.Key(n))
	}
	p := &PresenceChange{Room: "watch-42", SubscriberID: "a", Action: ActionJoined}
	if PresenceCodec.Key(p) != "watch-42" {
		t.Errorf("Presence key = %q, want room", PresenceCodec.Key(p))
	}
}

func TestCodecs_DecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{{{"},
		{"wrong type", `{"messageId": 7}`},
		{"missing required", `{"messageId":"m","conversationId":"c","senderId":"a"}`},
		{"empty object", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DirectMessageCodec.Decode([]byte(tt.data))
			if !errors.Is(err, events.ErrDeserializationFailed) {
				t.Errorf("Decode() error = %v, want ErrDeserializationFailed", err)
			}
		})
	}
}

func TestCodecs_EncodeRejectsInvalid(t *testing.T) {
	_, err := WatchSessionCodec.Encode(&WatchSession{ContentID: "1", HostID: "h", Action: "rewind"})
	if err == nil {
		t.Fatal("Encode() should reject an unknown action")
	}
}

func TestHandler_DirectMessage(t *testing.T) {
	sink := &fakeSink{}
	h := NewHandler(sink, presence.NewMemoryStore(), nil)

	err := h.HandleDirectMessage(context.Background(), &DirectMessage{SenderID: "alice", ReceiverID: "bob"})
	if err != nil {
		t.Fatalf("HandleDirectMessage() error = %v", err)
	}
	calls := sink.Calls()
	if len(calls) != 1 || calls[0].name != events.NameDirectMessage {
		t.Fatalf("calls = %+v", calls)
	}
	if !equalStrings(calls[0].audience, []string{"alice", "bob"}) {
		t.Errorf("audience = %v, want [alice bob]", calls[0].audience)
	}
}

func TestHandler_Notification(t *testing.T) {
	tests := []struct {
		name      string
		n         Notification
		mailErr   error
		wantMails int
	}{
		{name: "no mail", n: Notification{NotificationID: "n1", RecipientID: "bob", Title: "t"}},
		{name: "with mail", n: Notification{NotificationID: "n2", RecipientID: "bob", Title: "t", MailTo: "bob@example.com", Link: "https://x"}, wantMails: 1},
		{name: "mail scheduling failure is not fatal", n: Notification{NotificationID: "n3", RecipientID: "bob", Title: "t", MailTo: "bob@example.com"}, mailErr: errors.New("queue full")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{}
			mailer := &fakeMailer{err: tt.mailErr}
			h := NewHandler(sink, presence.NewMemoryStore(), mailer)

			if err := h.HandleNotification(context.Background(), &tt.n); err != nil {
				t.Fatalf("HandleNotification() error = %v", err)
			}
			calls := sink.Calls()
			if len(calls) != 1 || !equalStrings(calls[0].audience, []string{"bob"}) {
				t.Fatalf("calls = %+v", calls)
			}
			if len(mailer.msgs) != tt.wantMails {
				t.Fatalf("scheduled %d mails, want %d", len(mailer.msgs), tt.wantMails)
			}
			if tt.wantMails == 1 {
				m := mailer.msgs[0]
				if m.To != tt.n.MailTo || m.ID != tt.n.NotificationID || m.Body != "https://x" {
					t.Errorf("mail = %+v", m)
				}
			}
		})
	}
}

func TestHandler_WatchSessionAudienceIsRoom(t *testing.T) {
	ctx := context.Background()
	store := presence.NewMemoryStore()
	w := &WatchSession{ContentID: "42", HostID: "alice", Action: "play"}
	for _, sub := range []string{"alice", "bob"} {
		if _, err := store.AddMember(ctx, w.Room(), sub); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = store.AddMember(ctx, "watch-other", "carol")

	sink := &fakeSink{}
	h := NewHandler(sink, store, nil)
	if err := h.HandleWatchSession(ctx, w); err != nil {
		t.Fatalf("HandleWatchSession() error = %v", err)
	}
	calls := sink.Calls()
	if len(calls) != 1 || !equalStrings(calls[0].audience, []string{"alice", "bob"}) {
		t.Errorf("calls = %+v, want audience [alice bob]", calls)
	}
	if len(calls) == 1 && calls[0].room != "watch-42" {
		t.Errorf("room = %q, want watch-42", calls[0].room)
	}

	w.Broadcast = true
	if err := h.HandleWatchSession(ctx, w); err != nil {
		t.Fatal(err)
	}
	if len(sink.broadcasts) != 1 || sink.broadcasts[0].name != events.NameWatchSession {
		t.Errorf("broadcasts = %+v", sink.broadcasts)
	}
}

func TestHandler_PresenceIncludesSubject(t *testing.T) {
	ctx := context.Background()
	store := presence.NewMemoryStore()
	_, _ = store.AddMember(ctx, "watch-1", "bob")

	sink := &fakeSink{}
	h := NewHandler(sink, store, nil)
	change := PresenceChange{Room: "watch-1", SubscriberID: "alice", Action: ActionLeft, Count: 1}
	if err := h.NotifyPresence(ctx, change); err != nil {
		t.Fatalf("NotifyPresence() error = %v", err)
	}
	calls := sink.Calls()
	if len(calls) != 1 || !equalStrings(calls[0].audience, []string{"alice", "bob"}) {
		t.Fatalf("calls = %+v, want audience [alice bob]", calls)
	}
	if calls[0].room != "watch-1" {
		t.Errorf("room = %q, want watch-1", calls[0].room)
	}
	if got := calls[0].payload.(*PresenceChange); got.Count != 1 || got.Action != ActionLeft {
		t.Errorf("payload = %+v", got)
	}
}

func TestHandler_PropagatesRetryableErrors(t *testing.T) {
	ctx := context.Background()
	h := NewHandler(&fakeSink{}, failingStore{}, nil)
	if err := h.HandleWatchSession(ctx, &WatchSession{ContentID: "1"}); err == nil {
		t.Error("presence lookup failure should be returned")
	}

	sink := &fakeSink{err: events.ErrInvalidEventName}
	h = NewHandler(sink, presence.NewMemoryStore(), nil)
	if err := h.HandleDirectMessage(ctx, &DirectMessage{SenderID: "a", ReceiverID: "b"}); !errors.Is(err, events.ErrInvalidEventName) {
		t.Errorf("HandleDirectMessage() = %v, want sink error", err)
	}
}
