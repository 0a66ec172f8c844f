// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package presence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/metrics"
)

// maxConflictRetries bounds retries of a transaction that lost a
// serializable-isolation race.
const maxConflictRetries = 10

// BadgerStore keeps presence in an embedded BadgerDB.
//
// Keys are "presence/<room>/<subscriber>" with both parts base64url-encoded.
// Badger transactions are serializable, so the read-then-write inside a
// single Update is atomic; a concurrent writer makes Commit fail with
// ErrConflict and the whole transaction is retried.
type BadgerStore struct {
	db     *badger.DB
	ownsDB bool
	closed atomic.Bool
}

// NewBadgerStore wraps an already open database. Close does not close db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadgerStore opens a database at path. An empty path opens an
// in-memory database.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open presence database: %w", err)
	}
	logging.Info().Str("path", path).Bool("in_memory", path == "").Msg("presence badger store opened")
	return &BadgerStore{db: db, ownsDB: true}, nil
}

// AddMember stores the entry unless the key already exists.
func (s *BadgerStore) AddMember(ctx context.Context, room, subscriberID string) (bool, error) {
	if err := s.check(room, subscriberID); err != nil {
		return false, err
	}
	key := badgerKey(room, subscriberID)
	data, err := json.Marshal(Entry{Room: room, SubscriberID: subscriberID, JoinedAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("encode presence entry: %w", err)
	}

	var added bool
	err = s.update(ctx, func(txn *badger.Txn) error {
		added = false
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		added = true
		return txn.Set(key, data)
	})
	if err != nil {
		metrics.RecordPresenceOperation(BackendBadger, "add", "error")
		return false, fmt.Errorf("add %s to %s: %w", subscriberID, room, err)
	}
	if added {
		metrics.RecordPresenceOperation(BackendBadger, "add", "added")
	} else {
		metrics.RecordPresenceOperation(BackendBadger, "add", "exists")
	}
	return added, nil
}

// RemoveMember deletes the entry if it exists.
func (s *BadgerStore) RemoveMember(ctx context.Context, room, subscriberID string) (bool, error) {
	if err := s.check(room, subscriberID); err != nil {
		return false, err
	}
	key := badgerKey(room, subscriberID)

	var removed bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		removed = false
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		removed = true
		return txn.Delete(key)
	})
	if err != nil {
		metrics.RecordPresenceOperation(BackendBadger, "remove", "error")
		return false, fmt.Errorf("remove %s from %s: %w", subscriberID, room, err)
	}
	if removed {
		metrics.RecordPresenceOperation(BackendBadger, "remove", "removed")
	} else {
		metrics.RecordPresenceOperation(BackendBadger, "remove", "absent")
	}
	return removed, nil
}

// Count iterates the room prefix without fetching values.
func (s *BadgerStore) Count(_ context.Context, room string) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	prefix := badgerRoomPrefix(room)
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count members of %s: %w", room, err)
	}
	return n, nil
}

// Members returns the room's entries ordered by join time.
func (s *BadgerStore) Members(_ context.Context, room string) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		entries, err = readRoom(txn, room)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", room, err)
	}
	sortByJoinTime(entries)
	return entries, nil
}

// EvictBefore deletes entries that joined before cutoff in one transaction.
func (s *BadgerStore) EvictBefore(ctx context.Context, room string, cutoff time.Time) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	var evicted int
	err := s.update(ctx, func(txn *badger.Txn) error {
		evicted = 0
		entries, err := readRoom(txn, room)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.JoinedAt.Before(cutoff) {
				continue
			}
			if err := txn.Delete(badgerKey(room, e.SubscriberID)); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("evict members of %s: %w", room, err)
	}
	if evicted > 0 {
		metrics.RecordPresenceOperation(BackendBadger, "evict", "removed")
		logging.Info().Str("room", room).Int("evicted", evicted).Msg("evicted stale presence entries")
	}
	return evicted, nil
}

// Close closes the database if this store opened it.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on ErrConflict.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		logging.Debug().Int("attempt", attempt+1).Msg("presence transaction conflict, retrying")
	}
	return err
}

func (s *BadgerStore) check(room, subscriberID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return validate(room, subscriberID)
}

func readRoom(txn *badger.Txn, room string) ([]Entry, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = badgerRoomPrefix(room)
	it := txn.NewIterator(opts)
	defer it.Close()

	var entries []Entry
	for it.Rewind(); it.Valid(); it.Next() {
		var e Entry
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
		if err != nil {
			logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("skipping malformed presence entry")
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func badgerRoomPrefix(room string) []byte {
	return []byte("presence/" + token(room) + "/")
}

func badgerKey(room, subscriberID string) []byte {
	return append(badgerRoomPrefix(room), token(subscriberID)...)
}
