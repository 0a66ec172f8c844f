// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

// Package lifecycle tracks which transport sessions are watching which
// rooms and keeps the presence store in step with them.
//
// A (room, subscriber) pair is Present from its first subscribe until its
// last unsubscribe or the disconnect of the session that held it. Every
// transition that changes the store emits a presence change, carrying the
// member count read after the change, through a Notifier. Notification runs
// on an executor after the store write has completed, keyed by room so the
// changes of one room are delivered in the order their counts were read.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tomtom215/fanout/internal/events"
	"github.com/tomtom215/fanout/internal/executor"
	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/metrics"
	"github.com/tomtom215/fanout/internal/presence"
	"github.com/tomtom215/fanout/internal/relay"
	"github.com/tomtom215/fanout/internal/validation"
)

const roomStripes = 64

// WatchDestinationPrefix is the subscription path prefix of watch rooms.
const WatchDestinationPrefix = "/topic/watch/"

// ErrNotRoomDestination is returned by ParseRoom for destinations that do
// not address a watch room.
var ErrNotRoomDestination = errors.New("destination does not address a room")

// ParseRoom extracts the room key from a destination of the form
// /topic/watch/{contentId}.
func ParseRoom(destination string) (string, error) {
	id, ok := strings.CutPrefix(destination, WatchDestinationPrefix)
	if !ok || id == "" || strings.Contains(id, "/") || !validation.IsIdentifier(id) {
		return "", fmt.Errorf("%w: %q", ErrNotRoomDestination, destination)
	}
	return events.RoomKey("watch", id), nil
}

// Notifier receives presence changes. The relay publisher implements it for
// multi-instance deployments; the relay handler for a single instance.
type Notifier interface {
	NotifyPresence(ctx context.Context, change relay.PresenceChange) error
}

type member struct {
	room         string
	subscriberID string
}

type session struct {
	subscriberID string
	// subscriptions maps subscription id to room.
	subscriptions map[string]string
}

// Manager reacts to subscribe, unsubscribe and disconnect signals.
//
// A subscriber may hold the same room from several local sessions (two
// tabs). The pair leaves the store only when the last of them lets go.
type Manager struct {
	store     presence.Store
	notifier  Notifier
	scheduler executor.KeyedScheduler
	now       func() time.Time

	// announcing serializes count-and-submit per room stripe.
	announcing [roomStripes]sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session
	holders  map[member]int
}

// NewManager creates a manager.
func NewManager(store presence.Store, notifier Notifier, scheduler executor.KeyedScheduler) *Manager {
	return &Manager{
		store:     store,
		notifier:  notifier,
		scheduler: scheduler,
		now:       time.Now,
		sessions:  make(map[string]*session),
		holders:   make(map[member]int),
	}
}

// Subscribe handles a subscribe signal. Destinations that are not watch
// rooms are logged and ignored. Re-subscribing with a known subscription id
// is a no-op.
func (m *Manager) Subscribe(ctx context.Context, sessionID, subscriptionID, destination, subscriberID string) error {
	room, err := ParseRoom(destination)
	if err != nil {
		metrics.RecordLifecycle("subscribe", "ignored")
		logging.Ctx(ctx).Debug().Str("destination", destination).Msg("subscription is not a room, ignoring")
		return nil
	}
	if sessionID == "" || subscriberID == "" {
		return presence.ErrInvalidMember
	}

	key := member{room: room, subscriberID: subscriberID}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{subscriberID: subscriberID, subscriptions: make(map[string]string)}
		m.sessions[sessionID] = s
	}
	if s.subscriberID != subscriberID {
		m.mu.Unlock()
		return fmt.Errorf("session %s belongs to another subscriber", sessionID)
	}
	if _, dup := s.subscriptions[subscriptionID]; dup {
		m.mu.Unlock()
		return nil
	}
	s.subscriptions[subscriptionID] = room
	m.holders[key]++
	m.mu.Unlock()

	added, err := m.store.AddMember(ctx, room, subscriberID)
	if err != nil {
		m.release(sessionID, subscriptionID, key)
		metrics.RecordLifecycle("subscribe", "error")
		return fmt.Errorf("join %s: %w", room, err)
	}
	if !added {
		metrics.RecordLifecycle("subscribe", "already_present")
		return nil
	}

	metrics.RecordLifecycle("subscribe", "joined")
	m.announce(ctx, room, subscriberID, relay.ActionJoined)
	return nil
}

// release undoes the tracking of a failed subscribe.
func (m *Manager) release(sessionID, subscriptionID string, key member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		delete(s.subscriptions, subscriptionID)
		if len(s.subscriptions) == 0 {
			delete(m.sessions, sessionID)
		}
	}
	m.drop(key)
}

// drop decrements the holder count of key and reports whether it reached
// zero. Caller holds mu.
func (m *Manager) drop(key member) bool {
	m.holders[key]--
	if m.holders[key] > 0 {
		return false
	}
	delete(m.holders, key)
	return true
}

// Unsubscribe handles an unsubscribe signal. Unknown sessions and
// subscriptions are ignored.
func (m *Manager) Unsubscribe(ctx context.Context, sessionID, subscriptionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	room, ok := s.subscriptions[subscriptionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(s.subscriptions, subscriptionID)
	if len(s.subscriptions) == 0 {
		delete(m.sessions, sessionID)
	}
	key := member{room: room, subscriberID: s.subscriberID}
	last := m.drop(key)
	m.mu.Unlock()

	if !last {
		metrics.RecordLifecycle("unsubscribe", "still_held")
		return nil
	}
	return m.leave(ctx, "unsubscribe", key)
}

// Disconnect tears down every room the session held. Calling it again, or
// for a session that never subscribed, does nothing.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, sessionID)
	var leaving []member
	for _, room := range s.subscriptions {
		key := member{room: room, subscriberID: s.subscriberID}
		if m.drop(key) {
			leaving = append(leaving, key)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, key := range leaving {
		if err := m.leave(ctx, "disconnect", key); err != nil {
			errs = append(errs, err)
		}
	}
	if len(leaving) > 0 {
		logging.CtxInfo(ctx).
			Int("rooms", len(leaving)).
			Int("failed", len(errs)).
			Msg("session left rooms")
	}
	return errors.Join(errs...)
}

func (m *Manager) leave(ctx context.Context, signal string, key member) error {
	removed, err := m.store.RemoveMember(ctx, key.room, key.subscriberID)
	if err != nil {
		metrics.RecordLifecycle(signal, "error")
		return fmt.Errorf("leave %s: %w", key.room, err)
	}
	if !removed {
		metrics.RecordLifecycle(signal, "already_absent")
		return nil
	}
	metrics.RecordLifecycle(signal, "left")
	m.announce(ctx, key.room, key.subscriberID, relay.ActionLeft)
	return nil
}

// announce reads the current count and hands the change to the executor.
// Failures are logged; the store write has already happened.
func (m *Manager) announce(ctx context.Context, room, subscriberID, action string) {
	stripe := &m.announcing[xxhash.Sum64String(room)%roomStripes]
	stripe.Lock()
	defer stripe.Unlock()

	count, err := m.store.Count(ctx, room)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("room", room).Msg("presence count failed, change not announced")
		return
	}
	change := relay.PresenceChange{
		Room:         room,
		SubscriberID: subscriberID,
		Action:       action,
		Count:        count,
		At:           m.now().UTC(),
	}
	err = m.scheduler.SubmitKeyed(room, "presence-"+action, func(ctx context.Context) error {
		return m.notifier.NotifyPresence(ctx, change)
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("room", room).
			Str("subscriber_id", subscriberID).
			Str("action", action).
			Int("count", count).
			Msg("presence change not delivered")
	}
}

// Rooms returns the rooms the session currently holds.
func (m *Manager) Rooms(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(s.subscriptions))
	for _, room := range s.subscriptions {
		rooms = append(rooms, room)
	}
	return rooms
}

// Sessions returns the number of sessions holding at least one room.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
