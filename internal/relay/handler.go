// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package relay

import (
	"context"
	"fmt"

	"github.com/tomtom215/fanout/internal/dispatch"
	"github.com/tomtom215/fanout/internal/events"
	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/mail"
	"github.com/tomtom215/fanout/internal/presence"
)

// Sink is the part of the dispatcher the relay delivers into.
type Sink interface {
	SendToAudience(ctx context.Context, subscriberIDs []string, name string, payload interface{}) (dispatch.Report, error)
	SendToRoom(ctx context.Context, room string, subscriberIDs []string, name string, payload interface{}) (dispatch.Report, error)
	Broadcast(ctx context.Context, name string, payload interface{}) (dispatch.Report, error)
}

// MailScheduler queues the e-mail side path of a notification.
type MailScheduler interface {
	Schedule(msg mail.Message) error
}

// Handler turns decoded relay messages into dispatches. The same handler
// serves the broker consumer and, in single-instance mode, direct presence
// notification without a broker hop.
//
// Per-connection push failures are reported by the dispatcher and never
// fail the message. Only failures that a redelivery could fix (presence
// lookup, invalid dispatch) are returned.
type Handler struct {
	sink     Sink
	presence presence.Store
	mailer   MailScheduler
}

// NewHandler creates a handler. mailer may be nil, which disables mail.
func NewHandler(sink Sink, store presence.Store, mailer MailScheduler) *Handler {
	return &Handler{sink: sink, presence: store, mailer: mailer}
}

// HandleDirectMessage delivers m to both participants so the sender's other
// sessions stay in sync.
func (h *Handler) HandleDirectMessage(ctx context.Context, m *DirectMessage) error {
	audience := []string{m.ReceiverID}
	if m.SenderID != m.ReceiverID {
		audience = append(audience, m.SenderID)
	}
	return h.send(ctx, audience, events.NameDirectMessage, m)
}

// HandleNotification delivers n to its recipient and schedules mail when
// MailTo is set. A mail scheduling failure is logged; the real-time push
// has already happened.
func (h *Handler) HandleNotification(ctx context.Context, n *Notification) error {
	if err := h.send(ctx, []string{n.RecipientID}, events.NameNotification, n); err != nil {
		return err
	}
	if n.MailTo == "" || h.mailer == nil {
		return nil
	}
	msg := mail.Message{
		To:      n.MailTo,
		Subject: n.Title,
		Body:    mailBody(n),
		ID:      n.NotificationID,
	}
	if err := h.mailer.Schedule(msg); err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("notification_id", n.NotificationID).
			Msg("failed to schedule notification mail")
	}
	return nil
}

func mailBody(n *Notification) string {
	body := n.Body
	if n.Link != "" {
		if body != "" {
			body += "\n\n"
		}
		body += n.Link
	}
	return body
}

// HandleWatchSession delivers w to everyone present in the room, or to
// every connection when Broadcast is set.
func (h *Handler) HandleWatchSession(ctx context.Context, w *WatchSession) error {
	if w.Broadcast {
		_, err := h.sink.Broadcast(ctx, events.NameWatchSession, w)
		return err
	}
	room := w.Room()
	members, err := h.roomMembers(ctx, room)
	if err != nil {
		return err
	}
	return h.sendRoom(ctx, room, members, events.NameWatchSession, w)
}

// HandlePresence delivers c to the room and to its subject, who is no longer
// a member after leaving.
func (h *Handler) HandlePresence(ctx context.Context, c *PresenceChange) error {
	members, err := h.roomMembers(ctx, c.Room)
	if err != nil {
		return err
	}
	audience := append(members, c.SubscriberID)
	return h.sendRoom(ctx, c.Room, audience, events.NamePresence, c)
}

// NotifyPresence dispatches c directly. Used when no broker is configured.
func (h *Handler) NotifyPresence(ctx context.Context, c PresenceChange) error {
	return h.HandlePresence(ctx, &c)
}

func (h *Handler) roomMembers(ctx context.Context, room string) ([]string, error) {
	entries, err := h.presence.Members(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("resolve members of %s: %w", room, err)
	}
	return presence.SubscriberIDs(entries), nil
}

func (h *Handler) send(ctx context.Context, audience []string, name string, payload interface{}) error {
	return h.sendRoom(ctx, "", audience, name, payload)
}

func (h *Handler) sendRoom(ctx context.Context, room string, audience []string, name string, payload interface{}) error {
	var report dispatch.Report
	var err error
	if room == "" {
		report, err = h.sink.SendToAudience(ctx, audience, name, payload)
	} else {
		report, err = h.sink.SendToRoom(ctx, room, audience, name, payload)
	}
	if err != nil {
		return err
	}
	if failed := len(report.Failures); failed > 0 {
		logging.Ctx(ctx).Debug().
			Str("event", name).
			Uint64("event_id", report.EventID).
			Int("failed", failed).
			Int("delivered", report.Delivered).
			Msg("relay dispatch had connection failures")
	}
	return nil
}
