// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package relay

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/fanout/internal/events"
	"github.com/tomtom215/fanout/internal/validation"
)

// Subjects carried by the PLATFORM stream. One topic per message kind.
const (
	SubjectPrefix = "platform"

	TopicDirectMessage = SubjectPrefix + ".DirectMessage"
	TopicNotification  = SubjectPrefix + ".Notification"
	TopicWatchSession  = SubjectPrefix + ".WatchSession"
	TopicPresence      = SubjectPrefix + ".Presence"

	// TopicAll matches every relay topic.
	TopicAll = SubjectPrefix + ".>"
)

// Metadata keys set on every relay message.
const (
	MetadataKind = "kind"
	MetadataKey  = "key"
)

// Presence actions.
const (
	ActionJoined = "joined"
	ActionLeft   = "left"
)

// DirectMessage is a private message between two users.
type DirectMessage struct {
	MessageID      string    `json:"messageId" validate:"required,identifier"`
	ConversationID string    `json:"conversationId" validate:"required,identifier"`
	SenderID       string    `json:"senderId" validate:"required,identifier"`
	ReceiverID     string    `json:"receiverId" validate:"required,identifier"`
	Content        string    `json:"content" validate:"required,max=10000"`
	SentAt         time.Time `json:"sentAt"`
}

// Notification is addressed to a single user. MailTo, when set, also sends
// the notification by email.
type Notification struct {
	NotificationID string    `json:"notificationId" validate:"required,identifier"`
	RecipientID    string    `json:"recipientId" validate:"required,identifier"`
	Type           string    `json:"type" validate:"required,max=64"`
	Title          string    `json:"title" validate:"required,max=200"`
	Body           string    `json:"body,omitempty" validate:"max=5000"`
	Link           string    `json:"link,omitempty" validate:"omitempty,url"`
	MailTo         string    `json:"mailTo,omitempty" validate:"omitempty,email"`
	CreatedAt      time.Time `json:"createdAt"`
}

// WatchSession is a playback change in a watch-together room.
type WatchSession struct {
	ContentID  string    `json:"contentId" validate:"required,identifier"`
	HostID     string    `json:"hostId" validate:"required,identifier"`
	Action     string    `json:"action" validate:"required,oneof=start play pause seek stop"`
	PositionMs int64     `json:"positionMs" validate:"gte=0"`
	Broadcast  bool      `json:"broadcast,omitempty"`
	At         time.Time `json:"at"`
}

// Room returns the room this session change belongs to.
func (w *WatchSession) Room() string {
	return events.RoomKey("watch", w.ContentID)
}

// PresenceChange reports a subscriber joining or leaving a room, with the
// member count at the time of the change.
type PresenceChange struct {
	Room         string    `json:"room" validate:"required,identifier"`
	SubscriberID string    `json:"subscriberId" validate:"required,identifier"`
	Action       string    `json:"action" validate:"required,oneof=joined left"`
	Count        int       `json:"count" validate:"gte=0"`
	At           time.Time `json:"at"`
}

// Codec encodes and decodes one message kind. Both directions validate, so
// an invalid message is never published and never dispatched.
type Codec[T any] struct {
	topic string
	key   func(*T) string
}

// Codecs for each message kind. The key is the ordering key written to
// message metadata.
var (
	DirectMessageCodec = Codec[DirectMessage]{
		topic: TopicDirectMessage,
		key:   func(m *DirectMessage) string { return m.ConversationID },
	}
	NotificationCodec = Codec[Notification]{
		topic: TopicNotification,
		key:   func(m *Notification) string { return m.RecipientID },
	}
	WatchSessionCodec = Codec[WatchSession]{
		topic: TopicWatchSession,
		key:   func(m *WatchSession) string { return m.Room() },
	}
	PresenceCodec = Codec[PresenceChange]{
		topic: TopicPresence,
		key:   func(m *PresenceChange) string { return m.Room },
	}
)

// Topic returns the subject the kind is published on.
func (c Codec[T]) Topic() string {
	return c.topic
}

// Key returns the ordering key of v.
func (c Codec[T]) Key(v *T) string {
	return c.key(v)
}

// Encode validates v and marshals it to JSON.
func (c Codec[T]) Encode(v *T) ([]byte, error) {
	if err := validation.ValidateStruct(v); err != nil {
		return nil, fmt.Errorf("validate %s: %w", c.topic, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", c.topic, err)
	}
	return data, nil
}

// Decode unmarshals and validates data. Every failure wraps
// events.ErrDeserializationFailed.
func (c Codec[T]) Decode(data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", events.ErrDeserializationFailed, c.topic, err)
	}
	if err := validation.ValidateStruct(&v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", events.ErrDeserializationFailed, c.topic, err)
	}
	return &v, nil
}
