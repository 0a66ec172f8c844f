// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

// Package registrytest provides an in-memory registry.Handle for tests.
package registrytest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tomtom215/fanout/internal/events"
	"github.com/tomtom215/fanout/internal/registry"
)

// ErrInjected is returned by Send when a failure has been configured.
var ErrInjected = errors.New("injected send failure")

var nextID atomic.Uint64

// Handle records every event sent to it.
type Handle struct {
	registry.Hooks

	id         string
	subscriber string
	transport  registry.Transport

	mu       sync.Mutex
	sent     []events.Event
	failNext int
	failAll  bool
	closed   bool
	closeErr error

	held    chan struct{}
	release chan struct{}
}

// NewHandle creates a live fake handle.
func NewHandle(subscriberID string, transport registry.Transport) *Handle {
	return &Handle{
		id:         "fake-" + events.FormatCursor(nextID.Add(1)),
		subscriber: subscriberID,
		transport:  transport,
	}
}

// ID implements registry.Handle.
func (h *Handle) ID() string { return h.id }

// SubscriberID implements registry.Handle.
func (h *Handle) SubscriberID() string { return h.subscriber }

// Transport implements registry.Handle.
func (h *Handle) Transport() registry.Transport { return h.transport }

// FailSends makes every subsequent Send fail.
func (h *Handle) FailSends() {
	h.mu.Lock()
	h.failAll = true
	h.mu.Unlock()
}

// FailAfter lets n sends succeed, then fails the rest.
func (h *Handle) FailAfter(n int) {
	h.mu.Lock()
	h.failNext = n + 1
	h.mu.Unlock()
}

// HoldNextSend makes the next Send block until release is called. held is
// closed once that Send has started.
func (h *Handle) HoldNextSend() (held <-chan struct{}, release func()) {
	h.mu.Lock()
	h.held = make(chan struct{})
	h.release = make(chan struct{})
	held, rel := h.held, h.release
	h.mu.Unlock()
	var once sync.Once
	return held, func() { once.Do(func() { close(rel) }) }
}

// Send implements registry.Handle.
func (h *Handle) Send(_ context.Context, ev events.Event) error {
	h.mu.Lock()
	held, release := h.held, h.release
	h.held, h.release = nil, nil
	h.mu.Unlock()
	if held != nil {
		close(held)
		<-release
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("handle closed")
	}
	if h.failAll {
		return ErrInjected
	}
	if h.failNext > 0 {
		h.failNext--
		if h.failNext == 0 {
			h.failAll = true
			return ErrInjected
		}
	}
	h.sent = append(h.sent, ev)
	return nil
}

// Close implements registry.Handle.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	h.FireClose()
	return nil
}

// CloseWithError implements registry.Handle.
func (h *Handle) CloseWithError(err error) {
	h.mu.Lock()
	h.closeErr = err
	already := h.closed
	h.closed = true
	h.mu.Unlock()
	if !already {
		h.FireError(err)
	}
}

// Sent returns a copy of the delivered events.
func (h *Handle) Sent() []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.Event(nil), h.sent...)
}

// Names returns the names of the delivered events in order.
func (h *Handle) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, len(h.sent))
	for i, ev := range h.sent {
		names[i] = ev.Name
	}
	return names
}

// IsClosed reports whether Close or CloseWithError was called.
func (h *Handle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// CloseErr returns the error passed to CloseWithError, if any.
func (h *Handle) CloseErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeErr
}
