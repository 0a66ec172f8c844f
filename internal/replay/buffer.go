// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

// Package replay holds the bounded window of recent events used to resume
// reconnecting clients.
//
// The buffer is a fixed-size ring of event ids plus a map from id to record.
// Ids are assigned under the same lock that inserts the record, so id order
// always equals insertion order:
//
//	buf := replay.New(100)
//	ev, _ := buf.Append(event)        // ev.ID assigned
//	missed := buf.FindAfter(&cursor, "alice")
//
// Ids are seeded from the wall clock (microseconds) by default so that a
// restarted process never reissues ids a client has already seen. A cursor
// from before the restart is then reported by Truncated and the client falls
// back to a full resync.
package replay

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/fanout/internal/events"
	"github.com/tomtom215/fanout/internal/metrics"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 100

// Option configures a RingBuffer.
type Option func(*RingBuffer)

// WithFirstID makes the first assigned id equal to id. Mostly useful in
// tests; id must be at least 1.
func WithFirstID(id uint64) Option {
	return func(b *RingBuffer) {
		if id == 0 {
			id = 1
		}
		b.next = id
		b.horizon = id - 1
	}
}

// RingBuffer is a bounded, insertion-ordered event store.
//
// THREAD SAFETY: All methods are safe for concurrent use.
type RingBuffer struct {
	mu sync.RWMutex

	capacity int

	// ids is a circular buffer; ids[head] is the oldest retained id.
	ids  []uint64
	head int
	size int

	records map[uint64]events.Event

	// next is the id handed to the next unassigned event.
	next uint64

	// horizon is the newest id known to be gone: either evicted or issued
	// before this buffer existed.
	horizon uint64
}

// New creates a ring buffer holding at most capacity events.
func New(capacity int, opts ...Option) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	seed := uint64(time.Now().UnixMicro())
	b := &RingBuffer{
		capacity: capacity,
		ids:      make([]uint64, capacity),
		records:  make(map[uint64]events.Event, capacity),
		next:     seed,
		horizon:  seed - 1,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append stores ev at the tail and returns it with its id set. An event with
// ID zero is assigned the next id; an explicit id must be greater than every
// id already issued, otherwise ErrStaleEventID is returned. When the buffer
// is full the oldest record is evicted.
func (b *RingBuffer) Append(ev events.Event) (events.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.ID == 0 {
		ev.ID = b.next
	} else if ev.ID < b.next {
		return events.Event{}, fmt.Errorf("%w: id %d, next %d", events.ErrStaleEventID, ev.ID, b.next)
	}
	b.next = ev.ID + 1

	evicted := 0
	if b.size == b.capacity {
		oldest := b.ids[b.head]
		delete(b.records, oldest)
		b.horizon = oldest
		b.head = (b.head + 1) % b.capacity
		b.size--
		evicted++
	}

	tail := (b.head + b.size) % b.capacity
	b.ids[tail] = ev.ID
	b.records[ev.ID] = ev
	b.size++

	metrics.RecordEventAppended(ev.Name)
	if evicted > 0 {
		metrics.RecordEventsEvicted(evicted)
	}
	return ev, nil
}

// FindAfter returns, in ascending id order, every retained event with an id
// greater than cursor whose audience includes subscriberID. A nil cursor
// matches every retained event.
func (b *RingBuffer) FindAfter(cursor *uint64, subscriberID string) []events.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if cursor != nil {
		start = sort.Search(b.size, func(i int) bool {
			return b.at(i) > *cursor
		})
	}

	var out []events.Event
	for i := start; i < b.size; i++ {
		ev := b.records[b.at(i)]
		if ev.Audience.Includes(subscriberID) {
			out = append(out, ev)
		}
	}
	return out
}

// Truncated reports whether an event newer than cursor is no longer
// retained, meaning a resume from cursor would silently miss history.
func (b *RingBuffer) Truncated(cursor uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return cursor < b.horizon
}

// Len returns the number of retained events.
func (b *RingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Capacity returns the maximum number of retained events.
func (b *RingBuffer) Capacity() int {
	return b.capacity
}

// Oldest returns the id of the oldest retained event.
func (b *RingBuffer) Oldest() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return 0, false
	}
	return b.at(0), true
}

// Newest returns the id of the most recently appended event.
func (b *RingBuffer) Newest() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return 0, false
	}
	return b.at(b.size - 1), true
}

// at returns the id at logical position i (0 = oldest). Caller holds mu.
func (b *RingBuffer) at(i int) uint64 {
	return b.ids[(b.head+i)%b.capacity]
}
