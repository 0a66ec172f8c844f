// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package events

import "errors"

// ErrInvalidEventName is returned when an event is published with a blank name.
// It is raised before any side effect takes place.
var ErrInvalidEventName = errors.New("invalid event name")

// ErrSendFailed marks a push to a single connection that failed.
// The connection is torn down; other recipients are unaffected.
var ErrSendFailed = errors.New("send failed")

// ErrReconnectFailed is returned when replay-on-reconnect or the initial
// liveness probe fails. The new connection is closed.
var ErrReconnectFailed = errors.New("reconnect failed")

// ErrDeserializationFailed marks a broker message that could not be decoded.
var ErrDeserializationFailed = errors.New("deserialization failed")

// ErrPublishFailed marks a broker publish that did not succeed.
var ErrPublishFailed = errors.New("publish failed")

// ErrStaleEventID is returned when a record carries an explicit id that does
// not exceed the newest id already stored.
var ErrStaleEventID = errors.New("event id is not newer than buffer tail")

// ErrInvalidCursor is returned when a lastEventId cannot be parsed.
var ErrInvalidCursor = errors.New("invalid event cursor")
