// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package registry

import (
	"sort"
	"sync"

	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/metrics"
)

// Key addresses a registry slot. At most one handle is live per key.
type Key struct {
	SubscriberID string
	Transport    Transport
}

// KeyOf returns the slot a handle occupies.
func KeyOf(h Handle) Key {
	return Key{SubscriberID: h.SubscriberID(), Transport: h.Transport()}
}

// Registry maps subscribers to their live connection handles.
//
// THREAD SAFETY: All methods are safe for concurrent use. The lock only
// guards the map; Close and Send are never called while it is held.
type Registry struct {
	mu      sync.RWMutex
	handles map[Key]Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		handles: make(map[Key]Handle),
	}
}

// Register stores h, closing and replacing any handle already registered
// for the same subscriber and transport. It installs hooks so that close,
// error and timeout always deregister h. Registering the handle that
// already holds the slot is a no-op.
func (r *Registry) Register(h Handle) Handle {
	key := KeyOf(h)

	r.mu.Lock()
	prev, replaced := r.handles[key]
	if replaced && prev == h {
		r.mu.Unlock()
		return h
	}
	r.handles[key] = h
	total := len(r.handles)
	r.mu.Unlock()

	h.OnClose(func() { r.Deregister(h) })
	h.OnError(func(error) { r.Deregister(h) })
	h.OnTimeout(func() { r.Deregister(h) })

	if replaced {
		// prev's own hooks find the slot taken by h and leave it alone.
		closeQuietly(prev)
		logging.Debug().
			Str("subscriber_id", key.SubscriberID).
			Str("transport", string(key.Transport)).
			Str("replaced_session", prev.ID()).
			Msg("replaced existing connection")
	} else {
		metrics.RecordConnectionOpened(string(key.Transport))
	}

	logging.Debug().
		Str("subscriber_id", key.SubscriberID).
		Str("transport", string(key.Transport)).
		Str("session_id", h.ID()).
		Int("total_connections", total).
		Msg("connection registered")
	return h
}

// Deregister removes h only if it is still the registered handle for its
// slot, then closes it. Close errors are swallowed. It reports whether the
// slot was cleared.
func (r *Registry) Deregister(h Handle) bool {
	key := KeyOf(h)

	r.mu.Lock()
	cur, ok := r.handles[key]
	removed := ok && cur == h
	if removed {
		delete(r.handles, key)
	}
	r.mu.Unlock()

	if removed {
		metrics.RecordConnectionClosed(string(key.Transport))
		logging.Debug().
			Str("subscriber_id", key.SubscriberID).
			Str("transport", string(key.Transport)).
			Str("session_id", h.ID()).
			Msg("connection deregistered")
	}
	closeQuietly(h)
	return removed
}

// Lookup returns the live handle for a subscriber on one transport.
func (r *Registry) Lookup(subscriberID string, transport Transport) (Handle, bool) {
	r.mu.RLock()
	h, ok := r.handles[Key{SubscriberID: subscriberID, Transport: transport}]
	r.mu.RUnlock()
	return h, ok
}

// LookupMany returns the live handles, across all transports, for the
// subscribers that are present. Absent subscribers are simply missing.
func (r *Registry) LookupMany(subscriberIDs []string) map[Key]Handle {
	found := make(map[Key]Handle, len(subscriberIDs))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range subscriberIDs {
		for _, t := range transports {
			key := Key{SubscriberID: id, Transport: t}
			if h, ok := r.handles[key]; ok {
				found[key] = h
			}
		}
	}
	return found
}

// All returns a snapshot of every live handle, ordered by subscriber then
// transport. The slice is a copy and safe to iterate while the registry
// changes.
func (r *Registry) All() []Handle {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SubscriberID != keys[j].SubscriberID {
			return keys[i].SubscriberID < keys[j].SubscriberID
		}
		return keys[i].Transport < keys[j].Transport
	})
	out := make([]Handle, len(keys))
	for i, k := range keys {
		out[i] = r.handles[k]
	}
	r.mu.RUnlock()
	return out
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// CloseAll closes every handle. Used during shutdown; the close hooks
// empty the registry.
func (r *Registry) CloseAll() {
	snapshot := r.All()
	for _, h := range snapshot {
		r.Deregister(h)
	}
	if len(snapshot) > 0 {
		logging.Info().Int("closed_connections", len(snapshot)).Msg("closed all connections")
	}
}

var transports = []Transport{TransportSSE, TransportWebSocket}

func closeQuietly(h Handle) {
	if err := h.Close(); err != nil {
		logging.Debug().Err(err).Str("session_id", h.ID()).Msg("close of connection failed (already disconnected)")
	}
}
