// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tomtom215/fanout/internal/events"
	"github.com/tomtom215/fanout/internal/lifecycle"
	"github.com/tomtom215/fanout/internal/logging"
	"github.com/tomtom215/fanout/internal/metrics"
	"github.com/tomtom215/fanout/internal/registry"
)

// EventsDestination is the per-user queue a STOMP client subscribes to in
// order to receive events. Subscribing to it registers the connection with
// the dispatcher; a last-event-id header on that SUBSCRIBE resumes from a
// cursor.
const EventsDestination = "/user/queue/events"

const serverName = "fanout/1.0"

// StompHandle is a registry.Handle delivering events as STOMP MESSAGE
// frames over a WebSocket. Its id is the STOMP session id.
type StompHandle struct {
	registry.Hooks

	id           string
	subscriberID string
	writeTimeout time.Duration

	// mu serialises writers; gorilla allows one at a time.
	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	done      chan struct{}
	eventSubs []string
	roomSubs  []roomSubscription
}

// roomSubscription is a SUBSCRIBE to a watch room destination.
type roomSubscription struct {
	id          string
	room        string
	destination string
}

// NewStompHandle wraps conn.
func NewStompHandle(conn *websocket.Conn, subscriberID string, writeTimeout time.Duration) *StompHandle {
	return &StompHandle{
		id:           uuid.NewString(),
		subscriberID: subscriberID,
		writeTimeout: writeTimeout,
		conn:         conn,
		done:         make(chan struct{}),
	}
}

// ID implements registry.Handle.
func (h *StompHandle) ID() string { return h.id }

// SubscriberID implements registry.Handle.
func (h *StompHandle) SubscriberID() string { return h.subscriberID }

// Transport implements registry.Handle.
func (h *StompHandle) Transport() registry.Transport { return registry.TransportWebSocket }

// Done is closed once the handle has ended.
func (h *StompHandle) Done() <-chan struct{} { return h.done }

// Send implements registry.Handle. An event reaches every subscription the
// client holds on EventsDestination, and a room-scoped event also reaches
// every subscription on that room's destination. With no such subscription
// Send returns registry.ErrNotListening.
func (h *StompHandle) Send(ctx context.Context, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHandleClosed
	}
	written := 0
	for _, sub := range h.eventSubs {
		if err := h.writeLocked(messageFrame(ev, EventsDestination, sub)); err != nil {
			return err
		}
		written++
	}
	if ev.Room != "" {
		for _, rs := range h.roomSubs {
			if rs.room != ev.Room {
				continue
			}
			if err := h.writeLocked(messageFrame(ev, rs.destination, rs.id)); err != nil {
				return err
			}
			written++
		}
	}
	if written == 0 {
		return registry.ErrNotListening
	}
	return nil
}

func messageFrame(ev events.Event, destination, subscription string) *Frame {
	messageID := ev.Cursor()
	if ev.ID == 0 {
		messageID = uuid.NewString()
	}
	f := NewFrame(CmdMessage,
		HdrDestination, destination,
		HdrSubscription, subscription,
		HdrMessageID, messageID,
		HdrEvent, ev.Name,
	)
	if ev.ID != 0 {
		f.Set(HdrEventID, ev.Cursor())
	}
	if len(ev.Payload) > 0 {
		f.Set(HdrContentType, "application/json")
		f.Body = ev.Payload
	}
	return f
}

// addEventSubscription records a subscription on EventsDestination and
// reports whether it is the first.
func (h *StompHandle) addEventSubscription(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eventSubs = append(h.eventSubs, id)
	return len(h.eventSubs) == 1
}

func (h *StompHandle) removeEventSubscription(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sub := range h.eventSubs {
		if sub == id {
			h.eventSubs = append(h.eventSubs[:i], h.eventSubs[i+1:]...)
			return
		}
	}
}

func (h *StompHandle) addRoomSubscription(rs roomSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roomSubs = append(h.roomSubs, rs)
}

func (h *StompHandle) removeRoomSubscription(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, rs := range h.roomSubs {
		if rs.id == id {
			h.roomSubs = append(h.roomSubs[:i], h.roomSubs[i+1:]...)
			return
		}
	}
}

// WriteFrame sends a control frame such as CONNECTED or RECEIPT.
func (h *StompHandle) WriteFrame(f *Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHandleClosed
	}
	return h.writeLocked(f)
}

func (h *StompHandle) writeLocked(f *Frame) error {
	if h.writeTimeout > 0 {
		if err := h.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
			return err
		}
	}
	return h.conn.WriteMessage(websocket.TextMessage, f.Marshal())
}

// ping sends a WebSocket ping. WriteControl may run alongside other writes.
func (h *StompHandle) ping() error {
	return h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout))
}

// Close implements registry.Handle.
func (h *StompHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	//nolint:errcheck // best-effort close handshake
	h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := h.conn.Close()
	h.mu.Unlock()

	h.FireClose()
	return err
}

// CloseWithError sends a STOMP ERROR frame, closes the socket and fires
// the error hooks.
func (h *StompHandle) CloseWithError(err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	frame := NewFrame(CmdError, HdrMessage, "connection closed")
	if err != nil {
		frame.Set(HdrContentType, "text/plain")
		frame.Body = []byte(err.Error())
	}
	//nolint:errcheck // best-effort, the socket is closed next
	h.writeLocked(frame)
	_ = h.conn.Close()
	h.mu.Unlock()

	h.FireError(err)
}

// ServeWebSocket handles GET /ws. The principal is resolved before the
// upgrade; the STOMP session then runs on this goroutine until the socket
// closes.
func (s *Server) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := s.principal(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	h := NewStompHandle(conn, subscriberID, s.cfg.WriteTimeout)
	sess := &stompSession{
		server:  s,
		handle:  h,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.InboundRate), s.cfg.InboundBurst),
		subs:    make(map[string]string),
	}
	ctx := logging.ContextWithSession(logging.ContextWithSubscriber(r.Context(), subscriberID), h.ID())
	sess.run(ctx)
}

// stompSession is the inbound half of one WebSocket connection. It is used
// only by the reading goroutine.
type stompSession struct {
	server    *Server
	handle    *StompHandle
	limiter   *rate.Limiter
	connected bool
	// registered is set once the handle is known to the dispatcher.
	registered bool
	// subs maps subscription id to destination.
	subs map[string]string
}

func (s *stompSession) run(ctx context.Context) {
	h := s.handle
	defer s.teardown(ctx)

	h.conn.SetReadLimit(s.server.cfg.MaxFrameSize)
	if err := h.conn.SetReadDeadline(time.Now().Add(s.server.cfg.PongWait)); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("failed to set read deadline")
		return
	}
	h.conn.SetPongHandler(func(string) error {
		return h.conn.SetReadDeadline(time.Now().Add(s.server.cfg.PongWait))
	})
	go s.keepalive()

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Ctx(ctx).Debug().Err(err).Msg("unexpected websocket close error")
			}
			return
		}
		if !s.limiter.Allow() {
			metrics.RecordInboundFrameRejected("rate_limited")
			logging.Ctx(ctx).Debug().Msg("inbound frame dropped by rate limit")
			continue
		}

		frame, err := ParseFrame(data)
		if errors.Is(err, ErrEmptyFrame) {
			continue
		}
		if err != nil {
			metrics.RecordInboundFrameRejected("malformed")
			h.CloseWithError(err)
			return
		}
		if !s.process(ctx, frame) {
			return
		}
	}
}

func (s *stompSession) keepalive() {
	ticker := time.NewTicker(s.server.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.handle.Done():
			return
		case <-ticker.C:
			if err := s.handle.ping(); err != nil {
				return
			}
		}
	}
}

// teardown ends the presence of every room the session held, then closes
// the handle, which deregisters it.
func (s *stompSession) teardown(ctx context.Context) {
	if s.server.lifecycle != nil {
		if err := s.server.lifecycle.Disconnect(context.WithoutCancel(ctx), s.handle.ID()); err != nil {
			logging.CtxErr(ctx, err).Msg("presence teardown failed")
		}
	}
	_ = s.handle.Close()
}

// process handles one frame and reports whether the session continues.
func (s *stompSession) process(ctx context.Context, f *Frame) bool {
	if f.Command == CmdConnect || f.Command == CmdStomp {
		return s.connect(f)
	}
	if !s.connected {
		return s.protocolError("malformed", "expected CONNECT frame")
	}

	switch f.Command {
	case CmdSubscribe:
		return s.subscribe(ctx, f)
	case CmdUnsubscribe:
		return s.unsubscribe(ctx, f)
	case CmdDisconnect:
		s.receipt(f)
		return false
	case CmdAck, CmdNack:
		// Subscriptions are auto-acknowledged.
		return true
	default:
		return s.protocolError("unsupported", fmt.Sprintf("unsupported command %s", f.Command))
	}
}

func (s *stompSession) connect(f *Frame) bool {
	if s.connected {
		return s.protocolError("malformed", "session already connected")
	}
	if !supportsVersion(f.Get(HdrAcceptVersion)) {
		return s.protocolError("unsupported", "supported protocol versions are "+stompVersion)
	}
	s.connected = true
	err := s.handle.WriteFrame(NewFrame(CmdConnected,
		HdrVersion, stompVersion,
		HdrSession, s.handle.ID(),
		HdrServer, serverName,
		HdrHeartBeat, "0,0",
	))
	return err == nil
}

func (s *stompSession) subscribe(ctx context.Context, f *Frame) bool {
	id, destination := f.Get(HdrID), f.Get(HdrDestination)
	if id == "" || destination == "" {
		return s.protocolError("malformed", "SUBSCRIBE requires id and destination headers")
	}
	if _, dup := s.subs[id]; dup {
		s.receipt(f)
		return true
	}
	s.subs[id] = destination

	h := s.handle
	if destination == EventsDestination {
		if h.addEventSubscription(id) && !s.connectHandle(ctx, f.Get(HdrLastEventID)) {
			return false
		}
		s.receipt(f)
		return true
	}

	if room, err := lifecycle.ParseRoom(destination); err == nil {
		h.addRoomSubscription(roomSubscription{id: id, room: room, destination: destination})
		// Room events reach the handle through the dispatcher, so it must
		// be registered before the join is announced.
		if !s.registered && !s.connectHandle(ctx, "") {
			return false
		}
	}
	if s.server.lifecycle != nil {
		if err := s.server.lifecycle.Subscribe(ctx, h.ID(), id, destination, h.SubscriberID()); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("destination", destination).Msg("presence join failed")
		}
	}
	s.receipt(f)
	return true
}

// connectHandle registers the handle with the dispatcher, resuming from
// lastEventID when it is set. On failure Connect has already closed the
// handle with an ERROR frame telling the client to resync.
func (s *stompSession) connectHandle(ctx context.Context, lastEventID string) bool {
	if err := s.server.connector.Connect(ctx, s.handle, lastEventID); err != nil {
		return false
	}
	s.registered = true
	return true
}

func (s *stompSession) unsubscribe(ctx context.Context, f *Frame) bool {
	id := f.Get(HdrID)
	if id == "" {
		return s.protocolError("malformed", "UNSUBSCRIBE requires an id header")
	}
	destination, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
		if destination == EventsDestination {
			s.handle.removeEventSubscription(id)
		} else {
			s.handle.removeRoomSubscription(id)
			if s.server.lifecycle != nil {
				if err := s.server.lifecycle.Unsubscribe(ctx, s.handle.ID(), id); err != nil {
					logging.Ctx(ctx).Warn().Err(err).Str("destination", destination).Msg("presence leave failed")
				}
			}
		}
	}
	s.receipt(f)
	return true
}

func (s *stompSession) receipt(f *Frame) {
	if r := f.Get(HdrReceipt); r != "" {
		//nolint:errcheck // a failed write surfaces on the next read
		s.handle.WriteFrame(NewFrame(CmdReceipt, HdrReceiptID, r))
	}
}

// protocolError sends ERROR and ends the session, as STOMP requires.
func (s *stompSession) protocolError(reason, message string) bool {
	metrics.RecordInboundFrameRejected(reason)
	s.handle.CloseWithError(errors.New(message))
	return false
}
