// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package events

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Event names pushed to clients.
const (
	NamePing          = "ping"
	NameDirectMessage = "direct-message"
	NameNotification  = "notification"
	NameWatchSession  = "watch-session"
	NamePresence      = "presence"
)

// Event is a single published record. Once appended to the ring buffer it is
// never modified.
type Event struct {
	// ID orders events within a ring buffer. Zero means "not yet assigned".
	ID        uint64          `json:"id"`
	Audience  Audience        `json:"audience"`
	Name      string          `json:"name"`
	// Room is the room key of a room-scoped event, empty otherwise.
	Room      string          `json:"room,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// New builds an unassigned event for the given audience. The payload is
// marshaled eagerly so the stored record cannot change if the caller mutates
// its value afterwards.
func New(audience Audience, name string, payload interface{}) (Event, error) {
	if strings.TrimSpace(name) == "" {
		return Event{}, ErrInvalidEventName
	}
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = append(json.RawMessage(nil), p...)
	case []byte:
		raw = append(json.RawMessage(nil), p...)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return Event{}, fmt.Errorf("marshal payload for %s: %w", name, err)
		}
		raw = data
	}
	return Event{
		Audience:  audience,
		Name:      name,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Cursor returns the wire form of the event id, as sent to clients and
// returned by them in lastEventId.
func (e Event) Cursor() string {
	return FormatCursor(e.ID)
}

// FormatCursor renders an event id as an opaque cursor string.
func FormatCursor(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// ParseCursor parses a lastEventId value. An empty string means "no cursor"
// and returns nil without error.
func ParseCursor(s string) (*uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	return &id, nil
}

// Audience is the set of subscribers an event is addressed to. The zero value
// is an empty explicit audience.
type Audience struct {
	all     bool
	members map[string]struct{}
}

// Everyone returns the broadcast sentinel.
func Everyone() Audience {
	return Audience{all: true}
}

// AudienceOf returns an explicit audience. Blank ids are ignored.
func AudienceOf(ids ...string) Audience {
	a := Audience{members: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id == "" {
			continue
		}
		a.members[id] = struct{}{}
	}
	return a
}

// IsBroadcast reports whether the audience is the broadcast sentinel.
func (a Audience) IsBroadcast() bool {
	return a.all
}

// Includes reports whether the subscriber is addressed by this audience.
func (a Audience) Includes(subscriberID string) bool {
	if a.all {
		return true
	}
	_, ok := a.members[subscriberID]
	return ok
}

// Len returns the number of explicit members. It is zero for broadcast.
func (a Audience) Len() int {
	return len(a.members)
}

// IsEmpty reports whether nobody is addressed.
func (a Audience) IsEmpty() bool {
	return !a.all && len(a.members) == 0
}

// Members returns the explicit members in sorted order.
func (a Audience) Members() []string {
	ids := make([]string, 0, len(a.members))
	for id := range a.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type audienceJSON struct {
	All     bool     `json:"all,omitempty"`
	Members []string `json:"members,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (a Audience) MarshalJSON() ([]byte, error) {
	return json.Marshal(audienceJSON{All: a.all, Members: a.Members()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Audience) UnmarshalJSON(data []byte) error {
	var aj audienceJSON
	if err := json.Unmarshal(data, &aj); err != nil {
		return err
	}
	if aj.All {
		*a = Everyone()
		return nil
	}
	*a = AudienceOf(aj.Members...)
	return nil
}

// RoomKey derives the room identifier for a domain entity, e.g.
// RoomKey("watch", "42") == "watch-42". The same key addresses the presence
// store and the transport broadcast destination.
func RoomKey(kind, entityID string) string {
	return kind + "-" + entityID
}
