// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

// Package dispatch moves events to live connections.
//
// Every event goes through the same path: it is appended to the replay
// buffer (which assigns its id), the audience is resolved to live handles
// through the registry, and each handle is pushed to independently. A handle
// that fails a push is closed with an error, which deregisters it; the other
// handles are unaffected.
//
// Reconnecting clients pass the id of the last event they saw. Connect
// replays everything after it synchronously before returning, or fails with
// events.ErrReconnectFailed when the history is no longer complete.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/fanout/internal/events"
	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/metrics"
	"github.com/tomtom215/fanout/internal/registry"
	"github.com/tomtom215/fanout/internal/replay"
)

// Dispatcher fans events out to registered handles.
//
// THREAD SAFETY: All methods are safe for concurrent use. Id order across
// concurrent sends is decided by the replay buffer.
type Dispatcher struct {
	registry *registry.Registry
	buffer   *replay.RingBuffer
	pingName string

	gatesMu sync.Mutex
	gates   map[registry.Handle]*resumeGate
}

// resumeGate holds live pushes for a handle until its replay has been sent.
// floor is the highest id the replay covered; later pushes at or below it
// are already on the wire and are dropped.
type resumeGate struct {
	mu      sync.Mutex
	live    bool
	floor   uint64
	pending []events.Event
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPingName overrides the liveness probe event name.
func WithPingName(name string) Option {
	return func(d *Dispatcher) {
		if name != "" {
			d.pingName = name
		}
	}
}

// New creates a dispatcher over reg and buf.
func New(reg *registry.Registry, buf *replay.RingBuffer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		buffer:   buf,
		pingName: events.NamePing,
		gates:    make(map[registry.Handle]*resumeGate),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Report summarises one fan-out.
type Report struct {
	EventID   uint64
	Targeted  int
	Delivered int

	// Skipped counts live handles that held no subscription the event
	// could be delivered on.
	Skipped int

	// Failures holds one error per failed handle, each wrapping
	// events.ErrSendFailed.
	Failures []error
}

// Err joins the per-handle failures, or returns nil.
func (r Report) Err() error {
	return errors.Join(r.Failures...)
}

// SendToAudience delivers an event to the given subscribers on every
// transport they are connected on. An empty audience is a logged no-op; a
// blank name fails with events.ErrInvalidEventName before anything is
// stored.
func (d *Dispatcher) SendToAudience(ctx context.Context, subscriberIDs []string, name string, payload interface{}) (Report, error) {
	return d.send(ctx, "", subscriberIDs, name, payload)
}

// SendToRoom is SendToAudience for a room-scoped event. The room key
// travels with the event so transports can deliver it on the room's own
// destination.
func (d *Dispatcher) SendToRoom(ctx context.Context, room string, subscriberIDs []string, name string, payload interface{}) (Report, error) {
	return d.send(ctx, room, subscriberIDs, name, payload)
}

func (d *Dispatcher) send(ctx context.Context, room string, subscriberIDs []string, name string, payload interface{}) (Report, error) {
	audience := events.AudienceOf(subscriberIDs...)
	if audience.IsEmpty() {
		logging.Warn().Str("event", name).Msg("empty audience, event not sent")
		return Report{}, nil
	}
	ev, err := events.New(audience, name, payload)
	if err != nil {
		return Report{}, err
	}
	ev.Room = room
	ev, err = d.buffer.Append(ev)
	if err != nil {
		return Report{}, fmt.Errorf("store event %s: %w", name, err)
	}

	handles := d.registry.LookupMany(audience.Members())
	targets := make([]registry.Handle, 0, len(handles))
	for _, h := range handles {
		targets = append(targets, h)
	}
	return d.push(ctx, ev, targets), nil
}

// Broadcast delivers an event to every live handle.
func (d *Dispatcher) Broadcast(ctx context.Context, name string, payload interface{}) (Report, error) {
	ev, err := events.New(events.Everyone(), name, payload)
	if err != nil {
		return Report{}, err
	}
	ev, err = d.buffer.Append(ev)
	if err != nil {
		return Report{}, fmt.Errorf("store event %s: %w", name, err)
	}
	return d.push(ctx, ev, d.registry.All()), nil
}

// push sends ev to each handle. No lock is held here.
func (d *Dispatcher) push(ctx context.Context, ev events.Event, handles []registry.Handle) Report {
	report := Report{EventID: ev.ID, Targeted: len(handles)}
	for _, h := range handles {
		if g := d.gate(h); g != nil && g.hold(ev) {
			// Queued behind the replay, or already replayed.
			report.Delivered++
			continue
		}
		err := h.Send(ctx, ev)
		if errors.Is(err, registry.ErrNotListening) {
			report.Skipped++
			metrics.RecordPush(string(h.Transport()), "skipped")
			continue
		}
		if err != nil {
			failure := fmt.Errorf("%w: %s to %s (%s): %v", events.ErrSendFailed, ev.Name, h.SubscriberID(), h.Transport(), err)
			h.CloseWithError(failure)
			report.Failures = append(report.Failures, failure)
			metrics.RecordPush(string(h.Transport()), "failed")
			logging.Warn().
				Err(err).
				Str("event", ev.Name).
				Uint64("event_id", ev.ID).
				Str("subscriber_id", h.SubscriberID()).
				Str("transport", string(h.Transport())).
				Msg("push failed, closing connection")
			continue
		}
		report.Delivered++
		metrics.RecordPush(string(h.Transport()), "delivered")
	}

	logging.Debug().
		Str("event", ev.Name).
		Uint64("event_id", ev.ID).
		Int("targeted", report.Targeted).
		Int("delivered", report.Delivered).
		Int("skipped", report.Skipped).
		Msg("event dispatched")
	return report
}

// Connect registers h and brings it up to date.
//
// With a cursor, every buffered event after it that is addressed to the
// subscriber is pushed before Connect returns. Live events dispatched while
// the replay runs are queued and sent after it, so the handle sees ids in
// order. Without a cursor, a ping is sent immediately. Any failure closes h
// with an error, leaves nothing registered for this call, and returns an
// error wrapping events.ErrReconnectFailed. A rejected cursor never
// displaces the subscriber's existing connection.
func (d *Dispatcher) Connect(ctx context.Context, h registry.Handle, lastEventID string) error {
	start := time.Now()
	cursor, err := events.ParseCursor(lastEventID)
	if err != nil {
		return d.failConnect(h, "invalid_cursor", err)
	}

	if cursor == nil {
		d.registry.Register(h)
		ping, err := events.New(events.AudienceOf(h.SubscriberID()), d.pingName, nil)
		if err != nil {
			return d.failConnect(h, "ping_failed", err)
		}
		if err := h.Send(ctx, ping); err != nil && !errors.Is(err, registry.ErrNotListening) {
			return d.failConnect(h, "ping_failed", err)
		}
		return nil
	}

	if d.buffer.Truncated(*cursor) {
		return d.failConnect(h, "cursor_truncated", fmt.Errorf("events after %d were evicted", *cursor))
	}

	// The gate must exist before h is reachable through the registry.
	g := d.openGate(h, *cursor)
	d.registry.Register(h)

	// Snapshot after registering: anything appended later is pushed live
	// and lands in the gate.
	missed := d.buffer.FindAfter(cursor, h.SubscriberID())
	if d.buffer.Truncated(*cursor) {
		return d.failConnect(h, "cursor_truncated", fmt.Errorf("events after %d were evicted", *cursor))
	}
	if n := len(missed); n > 0 {
		g.raiseFloor(missed[n-1].ID)
	}

	for _, ev := range missed {
		if err := h.Send(ctx, ev); err != nil && !errors.Is(err, registry.ErrNotListening) {
			return d.failConnect(h, "replay_failed", fmt.Errorf("replay event %d: %w", ev.ID, err))
		}
	}
	queued, err := d.drainGate(ctx, h, g)
	if err != nil {
		return d.failConnect(h, "replay_failed", err)
	}
	metrics.RecordReplayed(len(missed))

	logging.Info().
		Str("subscriber_id", h.SubscriberID()).
		Str("transport", string(h.Transport())).
		Uint64("cursor", *cursor).
		Int("replayed", len(missed)).
		Int("queued", queued).
		Dur("duration", time.Since(start)).
		Msg("connection resumed")
	return nil
}

// openGate installs a closed gate for h. The gate is dropped when h ends.
func (d *Dispatcher) openGate(h registry.Handle, floor uint64) *resumeGate {
	g := &resumeGate{floor: floor}
	d.gatesMu.Lock()
	d.gates[h] = g
	d.gatesMu.Unlock()

	drop := func() {
		d.gatesMu.Lock()
		if d.gates[h] == g {
			delete(d.gates, h)
		}
		d.gatesMu.Unlock()
	}
	h.OnClose(drop)
	h.OnError(func(error) { drop() })
	h.OnTimeout(drop)
	return g
}

func (d *Dispatcher) gate(h registry.Handle) *resumeGate {
	d.gatesMu.Lock()
	defer d.gatesMu.Unlock()
	return d.gates[h]
}

// drainGate sends whatever was queued during the replay, in id order, and
// opens the gate once the queue is empty. It returns the number sent.
func (d *Dispatcher) drainGate(ctx context.Context, h registry.Handle, g *resumeGate) (int, error) {
	sent := 0
	for {
		g.mu.Lock()
		batch := g.pending
		g.pending = nil
		if len(batch) == 0 {
			g.live = true
			g.mu.Unlock()
			return sent, nil
		}
		floor := g.floor
		g.mu.Unlock()

		sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
		for _, ev := range batch {
			if ev.ID <= floor {
				continue
			}
			if err := h.Send(ctx, ev); err != nil && !errors.Is(err, registry.ErrNotListening) {
				return sent, fmt.Errorf("queued event %d: %w", ev.ID, err)
			}
			floor = ev.ID
			sent++
		}
		g.raiseFloor(floor)
	}
}

// hold reports whether ev must not be sent directly: either it is queued
// until the replay finishes, or the replay already covered it.
func (g *resumeGate) hold(ev events.Event) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ev.ID <= g.floor {
		return true
	}
	if !g.live {
		g.pending = append(g.pending, ev)
		return true
	}
	return false
}

func (g *resumeGate) raiseFloor(id uint64) {
	g.mu.Lock()
	if id > g.floor {
		g.floor = id
	}
	g.mu.Unlock()
}

func (d *Dispatcher) failConnect(h registry.Handle, reason string, cause error) error {
	err := fmt.Errorf("%w: %s: %v", events.ErrReconnectFailed, reason, cause)
	h.CloseWithError(err)
	// A handle that was never registered has no hooks installed.
	d.registry.Deregister(h)
	metrics.RecordReconnectFailure(reason)
	logging.Warn().
		Err(cause).
		Str("subscriber_id", h.SubscriberID()).
		Str("transport", string(h.Transport())).
		Str("reason", reason).
		Msg("connect failed")
	return err
}

// CleanUp sends a ping to every live handle and tears down those that fail.
// It returns the number of handles removed.
func (d *Dispatcher) CleanUp(ctx context.Context) int {
	evicted := 0
	for _, h := range d.registry.All() {
		if ctx.Err() != nil {
			break
		}
		ping, err := events.New(events.AudienceOf(h.SubscriberID()), d.pingName, nil)
		if err != nil {
			continue
		}
		if err := h.Send(ctx, ping); err != nil && !errors.Is(err, registry.ErrNotListening) {
			h.CloseWithError(fmt.Errorf("%w: liveness probe: %v", events.ErrSendFailed, err))
			evicted++
		}
	}
	metrics.RecordCleanup(evicted)
	if evicted > 0 {
		logging.Info().Int("evicted", evicted).Int("remaining", d.registry.Len()).Msg("removed dead connections")
	}
	return evicted
}

// Stats describes the dispatcher's current state for health output.
type Stats struct {
	Connections    int    `json:"connections"`
	BufferLen      int    `json:"buffer_len"`
	BufferCapacity int    `json:"buffer_capacity"`
	OldestEventID  uint64 `json:"oldest_event_id,omitempty"`
	NewestEventID  uint64 `json:"newest_event_id,omitempty"`
}

// Stats returns a snapshot of registry and buffer sizes.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Connections:    d.registry.Len(),
		BufferLen:      d.buffer.Len(),
		BufferCapacity: d.buffer.Capacity(),
	}
	s.OldestEventID, _ = d.buffer.Oldest()
	s.NewestEventID, _ = d.buffer.Newest()
	return s
}
