// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

/*
Package events defines the event record that flows through the delivery core,
the audience model used to address it, and the error taxonomy shared by the
registry, dispatcher, and relay.

An Event is created by the dispatcher at publish time, stored once in the
replay ring buffer, and never mutated afterwards. Its ID is assigned by the
ring buffer so that ids strictly increase in insertion order; the decimal form
of the ID is the cursor clients send back as lastEventId when reconnecting.

Audience:

An Audience is either an explicit set of subscriber identities or the
broadcast sentinel returned by Everyone():

	events.AudienceOf("user-1", "user-2")
	events.Everyone()

Errors:

	ErrInvalidEventName      blank event name at publish time
	ErrSendFailed            push to a single connection failed
	ErrReconnectFailed       replay or initial ping failed on connect
	ErrDeserializationFailed malformed broker message
	ErrPublishFailed         broker publish failed after commit
*/
package events
