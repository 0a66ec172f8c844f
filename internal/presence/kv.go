// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/metrics"
)

// DefaultBucket is the KeyValue bucket used when none is configured.
const DefaultBucket = "PRESENCE"

// KVStore keeps presence in a NATS JetStream KeyValue bucket.
//
// Keys are "<room>.<subscriber>" with both parts base64url-encoded, so a
// room's members can be listed with the filter "<room>.*". The value is
// the JSON-encoded Entry.
type KVStore struct {
	kv     jetstream.KeyValue
	closed atomic.Bool
}

// NewKVStore creates or updates the bucket and returns a store on it.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket string) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Room presence membership",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create presence bucket %s: %w", bucket, err)
	}
	logging.Info().Str("bucket", bucket).Msg("presence KV bucket ready")
	return &KVStore{kv: kv}, nil
}

// AddMember uses KeyValue Create, which fails with ErrKeyExists when the key
// already holds a live value.
func (s *KVStore) AddMember(ctx context.Context, room, subscriberID string) (bool, error) {
	if err := s.check(room, subscriberID); err != nil {
		return false, err
	}
	data, err := json.Marshal(Entry{Room: room, SubscriberID: subscriberID, JoinedAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("encode presence entry: %w", err)
	}

	_, err = s.kv.Create(ctx, memberKey(room, subscriberID), data)
	switch {
	case err == nil:
		metrics.RecordPresenceOperation(BackendNATS, "add", "added")
		return true, nil
	case errors.Is(err, jetstream.ErrKeyExists):
		metrics.RecordPresenceOperation(BackendNATS, "add", "exists")
		return false, nil
	default:
		metrics.RecordPresenceOperation(BackendNATS, "add", "error")
		return false, fmt.Errorf("add %s to %s: %w", subscriberID, room, err)
	}
}

// RemoveMember deletes the key only at the revision it was read at.
func (s *KVStore) RemoveMember(ctx context.Context, room, subscriberID string) (bool, error) {
	if err := s.check(room, subscriberID); err != nil {
		return false, err
	}
	key := memberKey(room, subscriberID)

	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		metrics.RecordPresenceOperation(BackendNATS, "remove", "absent")
		return false, nil
	}
	if err != nil {
		metrics.RecordPresenceOperation(BackendNATS, "remove", "error")
		return false, fmt.Errorf("read %s in %s: %w", subscriberID, room, err)
	}

	removed, err := s.deleteAt(ctx, key, entry.Revision())
	if err != nil {
		metrics.RecordPresenceOperation(BackendNATS, "remove", "error")
		return false, fmt.Errorf("remove %s from %s: %w", subscriberID, room, err)
	}
	if removed {
		metrics.RecordPresenceOperation(BackendNATS, "remove", "removed")
	} else {
		metrics.RecordPresenceOperation(BackendNATS, "remove", "absent")
	}
	return removed, nil
}

// Count lists the room's keys.
func (s *KVStore) Count(ctx context.Context, room string) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	lister, err := s.kv.ListKeysFiltered(ctx, roomFilter(room))
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list members of %s: %w", room, err)
	}
	defer func() { _ = lister.Stop() }()

	n := 0
	for range lister.Keys() {
		n++
	}
	return n, nil
}

// Members reads every live entry of the room.
func (s *KVStore) Members(ctx context.Context, room string) ([]Entry, error) {
	revs, err := s.members(ctx, room)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(revs))
	for i, r := range revs {
		entries[i] = r.Entry
	}
	return entries, nil
}

// EvictBefore removes entries older than cutoff, each at the revision it
// was read at. Entries rejoined in the meantime survive.
func (s *KVStore) EvictBefore(ctx context.Context, room string, cutoff time.Time) (int, error) {
	revs, err := s.members(ctx, room)
	if err != nil {
		return 0, err
	}
	evicted := 0
	for _, r := range revs {
		if !r.JoinedAt.Before(cutoff) {
			continue
		}
		ok, err := s.deleteAt(ctx, memberKey(room, r.SubscriberID), r.revision)
		if err != nil {
			return evicted, fmt.Errorf("evict %s from %s: %w", r.SubscriberID, room, err)
		}
		if ok {
			evicted++
		}
	}
	if evicted > 0 {
		metrics.RecordPresenceOperation(BackendNATS, "evict", "removed")
		logging.Info().Str("room", room).Int("evicted", evicted).Msg("evicted stale presence entries")
	}
	return evicted, nil
}

// Close marks the store closed. The bucket and connection are owned by the
// caller.
func (s *KVStore) Close() error {
	s.closed.Store(true)
	return nil
}

type revisioned struct {
	Entry
	revision uint64
}

func (s *KVStore) members(ctx context.Context, room string) ([]revisioned, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	w, err := s.kv.Watch(ctx, roomFilter(room), jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("watch members of %s: %w", room, err)
	}
	defer func() { _ = w.Stop() }()

	var out []revisioned
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case kve, ok := <-w.Updates():
			if !ok || kve == nil {
				// nil marks the end of the initial values.
				sort.SliceStable(out, func(i, j int) bool {
					return joinedBefore(out[i].Entry, out[j].Entry)
				})
				return out, nil
			}
			var e Entry
			if err := json.Unmarshal(kve.Value(), &e); err != nil {
				logging.Warn().Err(err).Str("key", kve.Key()).Msg("skipping malformed presence entry")
				continue
			}
			out = append(out, revisioned{Entry: e, revision: kve.Revision()})
		}
	}
}

// deleteAt removes key if it is still at revision rev. A concurrent change
// reports false without error.
func (s *KVStore) deleteAt(ctx context.Context, key string, rev uint64) (bool, error) {
	err := s.kv.Delete(ctx, key, jetstream.LastRevision(rev))
	if err == nil {
		return true, nil
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return false, nil
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

func (s *KVStore) check(room, subscriberID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return validate(room, subscriberID)
}

func memberKey(room, subscriberID string) string {
	return token(room) + "." + token(subscriberID)
}

func roomFilter(room string) string {
	return token(room) + ".*"
}
