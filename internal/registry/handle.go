// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/fanout/internal/events"
)

// ErrNotListening is returned by Send when the stream is healthy but holds
// no subscription the event could be delivered on. The dispatcher counts it
// as skipped and keeps the handle.
var ErrNotListening = errors.New("connection holds no subscription for event")

// Transport identifies the kind of stream a handle represents.
type Transport string

const (
	// TransportSSE is a Server-Sent Events stream.
	TransportSSE Transport = "sse"

	// TransportWebSocket is a WebSocket carrying STOMP frames.
	TransportWebSocket Transport = "websocket"
)

// Handle is one live transport-level stream owned by a subscriber.
//
// The registry holds a non-owning reference. Implementations must fire the
// hooks registered through OnClose, OnError and OnTimeout when the stream
// ends, so the registry can drop the reference.
type Handle interface {
	// ID returns the per-connection session token.
	ID() string
	SubscriberID() string
	Transport() Transport

	// Send pushes a single event. It must not be called while holding the
	// registry lock.
	Send(ctx context.Context, ev events.Event) error

	// Close ends the stream normally and fires the close hooks.
	Close() error

	// CloseWithError ends the stream and fires the error hooks.
	CloseWithError(err error)

	OnClose(fn func())
	OnError(fn func(error))
	OnTimeout(fn func())
}

// Hooks implements the hook half of Handle. Transports embed it and call the
// Fire* methods from their own teardown paths.
//
// Each hook kind fires at most once. A hook registered after its kind has
// fired runs immediately, so registering an already-dead handle still
// deregisters it.
type Hooks struct {
	mu        sync.Mutex
	onClose   []func()
	onError   []func(error)
	onTimeout []func()

	closed   bool
	errored  bool
	timedOut bool
	err      error

	timer *time.Timer
}

// OnClose registers fn to run when the handle completes.
func (h *Hooks) OnClose(fn func()) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		fn()
		return
	}
	h.onClose = append(h.onClose, fn)
	h.mu.Unlock()
}

// OnError registers fn to run when the handle fails.
func (h *Hooks) OnError(fn func(error)) {
	h.mu.Lock()
	if h.errored {
		err := h.err
		h.mu.Unlock()
		fn(err)
		return
	}
	h.onError = append(h.onError, fn)
	h.mu.Unlock()
}

// OnTimeout registers fn to run when the handle times out.
func (h *Hooks) OnTimeout(fn func()) {
	h.mu.Lock()
	if h.timedOut {
		h.mu.Unlock()
		fn()
		return
	}
	h.onTimeout = append(h.onTimeout, fn)
	h.mu.Unlock()
}

// FireClose runs the close hooks once. Hooks run outside the lock.
func (h *Hooks) FireClose() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	fns := h.onClose
	h.onClose = nil
	h.stopTimerLocked()
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// FireError runs the error hooks once.
func (h *Hooks) FireError(err error) {
	h.mu.Lock()
	if h.errored {
		h.mu.Unlock()
		return
	}
	h.errored = true
	h.err = err
	fns := h.onError
	h.onError = nil
	h.stopTimerLocked()
	h.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

// FireTimeout runs the timeout hooks once.
func (h *Hooks) FireTimeout() {
	h.mu.Lock()
	if h.timedOut {
		h.mu.Unlock()
		return
	}
	h.timedOut = true
	fns := h.onTimeout
	h.onTimeout = nil
	h.timer = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// ArmTimeout schedules the timeout hooks after d. A non-positive d disables
// the timeout. Calling it again resets the deadline.
func (h *Hooks) ArmTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.errored || h.timedOut {
		return
	}
	h.stopTimerLocked()
	h.timer = time.AfterFunc(d, h.FireTimeout)
}

// Done reports whether any terminal hook kind has fired.
func (h *Hooks) Done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed || h.errored || h.timedOut
}

func (h *Hooks) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
