// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/fanout/internal/events"
	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/registry"
)

// errHandleClosed is returned by Send on a closed handle.
var errHandleClosed = errors.New("connection closed")

// SSEHandle is a registry.Handle writing to a Server-Sent Events stream.
//
// The response writer belongs to the serving goroutine. Send writes to it
// under mu and only while the handle is open; ServeSSE returns only after
// the handle is closed, so no write happens after the handler has returned.
type SSEHandle struct {
	registry.Hooks

	id           string
	subscriberID string
	writeTimeout time.Duration

	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	closed  bool
	done    chan struct{}
}

// NewSSEHandle wraps w. Headers must already be set; the status line is
// written with the first event.
func NewSSEHandle(w http.ResponseWriter, subscriberID string, writeTimeout time.Duration) *SSEHandle {
	h := &SSEHandle{
		id:           uuid.NewString(),
		subscriberID: subscriberID,
		writeTimeout: writeTimeout,
		w:            w,
		rc:           http.NewResponseController(w),
		done:         make(chan struct{}),
	}
	h.OnTimeout(func() { _ = h.Close() })
	return h
}

// ID implements registry.Handle.
func (h *SSEHandle) ID() string { return h.id }

// SubscriberID implements registry.Handle.
func (h *SSEHandle) SubscriberID() string { return h.subscriberID }

// Transport implements registry.Handle.
func (h *SSEHandle) Transport() registry.Transport { return registry.TransportSSE }

// Done is closed once the handle has ended.
func (h *SSEHandle) Done() <-chan struct{} { return h.done }

// Started reports whether any bytes reached the client.
func (h *SSEHandle) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// Send implements registry.Handle.
func (h *SSEHandle) Send(ctx context.Context, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHandleClosed
	}
	if h.writeTimeout > 0 {
		// Not every writer supports deadlines; the push then relies on
		// the server's own write timeout.
		_ = h.rc.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	}
	h.started = true
	if _, err := h.w.Write(encodeSSE(ev)); err != nil {
		return err
	}
	return h.rc.Flush()
}

// open commits the status line, so a resumed client that had nothing to
// replay still sees the stream start.
func (h *SSEHandle) open() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.started {
		return nil
	}
	h.started = true
	h.w.WriteHeader(http.StatusOK)
	return h.rc.Flush()
}

// Close implements registry.Handle.
func (h *SSEHandle) Close() error {
	if !h.end() {
		return nil
	}
	h.FireClose()
	return nil
}

// CloseWithError implements registry.Handle.
func (h *SSEHandle) CloseWithError(err error) {
	if !h.end() {
		return
	}
	h.FireError(err)
}

func (h *SSEHandle) end() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	close(h.done)
	return true
}

// encodeSSE renders one event. Events without an id (liveness pings) omit
// the id field so they do not move the client's Last-Event-ID.
func encodeSSE(ev events.Event) []byte {
	var b bytes.Buffer
	if ev.ID != 0 {
		b.WriteString("id: ")
		b.WriteString(ev.Cursor())
		b.WriteByte('\n')
	}
	b.WriteString("event: ")
	b.WriteString(ev.Name)
	b.WriteByte('\n')
	if len(ev.Payload) == 0 {
		b.WriteString("data:\n")
	} else {
		for _, line := range bytes.Split(ev.Payload, []byte{'\n'}) {
			b.WriteString("data: ")
			b.Write(bytes.TrimSuffix(line, []byte{'\r'}))
			b.WriteByte('\n')
		}
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// lastEventID reads the resume cursor. The query parameter wins over the
// header the browser sends on automatic reconnects.
func lastEventID(r *http.Request) string {
	if v := r.URL.Query().Get("lastEventId"); v != "" {
		return v
	}
	return r.Header.Get("Last-Event-ID")
}

// ServeSSE handles GET /events.
//
// A malformed cursor is rejected with 400. A cursor older than the replay
// window is rejected with 409 before the stream starts; EventSource does
// not retry non-200 responses, so the client has to resync and reconnect
// without a cursor.
func (s *Server) ServeSSE(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := s.principal(w, r)
	if !ok {
		return
	}
	cursor := lastEventID(r)
	if _, err := events.ParseCursor(cursor); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_CURSOR", err.Error())
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	h := NewSSEHandle(w, subscriberID, s.cfg.WriteTimeout)
	ctx := logging.ContextWithSession(logging.ContextWithSubscriber(r.Context(), subscriberID), h.ID())

	if err := s.connector.Connect(ctx, h, cursor); err != nil {
		if !h.Started() {
			writeError(w, http.StatusConflict, "RESYNC_REQUIRED", err.Error())
		}
		return
	}
	if err := h.open(); err != nil {
		h.CloseWithError(err)
		return
	}
	h.ArmTimeout(s.cfg.ConnectionTimeout)

	select {
	case <-r.Context().Done():
		_ = h.Close()
	case <-h.Done():
	}
	logging.Ctx(ctx).Debug().Msg("event stream ended")
}
