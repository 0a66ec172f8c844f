// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process presence store for testing.
// Not suitable for multi-instance deployments; state is lost on restart.
type MemoryStore struct {
	mu     sync.Mutex
	rooms  map[string]map[string]time.Time
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]time.Time)}
}

// AddMember implements Store.
func (s *MemoryStore) AddMember(_ context.Context, room, subscriberID string) (bool, error) {
	if err := validate(room, subscriberID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[string]time.Time)
		s.rooms[room] = members
	}
	if _, exists := members[subscriberID]; exists {
		return false, nil
	}
	members[subscriberID] = time.Now().UTC()
	return true, nil
}

// RemoveMember implements Store.
func (s *MemoryStore) RemoveMember(_ context.Context, room, subscriberID string) (bool, error) {
	if err := validate(room, subscriberID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	members := s.rooms[room]
	if _, ok := members[subscriberID]; !ok {
		return false, nil
	}
	delete(members, subscriberID)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	return true, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context, room string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return len(s.rooms[room]), nil
}

// Members implements Store.
func (s *MemoryStore) Members(_ context.Context, room string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	entries := make([]Entry, 0, len(s.rooms[room]))
	for sub, joined := range s.rooms[room] {
		entries = append(entries, Entry{Room: room, SubscriberID: sub, JoinedAt: joined})
	}
	sortByJoinTime(entries)
	return entries, nil
}

// EvictBefore implements Store.
func (s *MemoryStore) EvictBefore(_ context.Context, room string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	evicted := 0
	for sub, joined := range s.rooms[room] {
		if joined.Before(cutoff) {
			delete(s.rooms[room], sub)
			evicted++
		}
	}
	return evicted, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
