// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

// Package presence tracks which subscribers are currently joined to a room.
//
// Membership is a set: adding an existing member is a no-op that reports
// false, removing an absent member reports false. Both are implemented with
// the backend's own atomic primitive (create-if-absent, compare-and-delete),
// never with a read-then-write in application code, so two concurrent joins
// by the same subscriber count once.
//
// Backends:
//   - KVStore: NATS JetStream KeyValue bucket, shared by every instance
//   - BadgerStore: embedded BadgerDB, for single-instance deployments
//   - MemoryStore: in-process map, for tests
package presence

import (
	"context"
	"encoding/base64"
	"errors"
	"sort"
	"time"
)

// Backend names accepted by configuration.
const (
	BackendNATS   = "nats"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

var (
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("presence store is closed")

	// ErrInvalidMember is returned for a blank room or subscriber id.
	ErrInvalidMember = errors.New("room and subscriber id must not be blank")
)

// Entry is one member of a room.
type Entry struct {
	Room         string    `json:"room"`
	SubscriberID string    `json:"subscriber_id"`
	JoinedAt     time.Time `json:"joined_at"`
}

// Store is a per-room membership set.
type Store interface {
	// AddMember joins subscriberID to room. It returns true only if the
	// subscriber was not already a member.
	AddMember(ctx context.Context, room, subscriberID string) (bool, error)

	// RemoveMember removes subscriberID from room. It returns true only if
	// this call removed the entry.
	RemoveMember(ctx context.Context, room, subscriberID string) (bool, error)

	// Count returns the number of members of room.
	Count(ctx context.Context, room string) (int, error)

	// Members returns the members of room ordered by join time.
	Members(ctx context.Context, room string) ([]Entry, error)

	// EvictBefore removes members of room that joined before cutoff and
	// returns how many were removed.
	EvictBefore(ctx context.Context, room string, cutoff time.Time) (int, error)

	Close() error
}

// SubscriberIDs returns the subscriber ids of entries, preserving order.
func SubscriberIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.SubscriberID
	}
	return ids
}

func validate(room, subscriberID string) error {
	if room == "" || subscriberID == "" {
		return ErrInvalidMember
	}
	return nil
}

func sortByJoinTime(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return joinedBefore(entries[i], entries[j])
	})
}

func joinedBefore(a, b Entry) bool {
	if a.JoinedAt.Equal(b.JoinedAt) {
		return a.SubscriberID < b.SubscriberID
	}
	return a.JoinedAt.Before(b.JoinedAt)
}

// token encodes an arbitrary id into a single key token made only of
// [A-Za-z0-9_-], which is safe in NATS subjects and KV keys.
func token(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}
