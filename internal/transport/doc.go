// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

/*
Package transport carries events to clients over Server-Sent Events and
over WebSocket connections speaking STOMP 1.2.

Both transports produce a registry.Handle and hand it to a Connector (the
dispatcher), which registers it and replays anything the client missed.

# Server-Sent Events

GET /events opens a stream for the authenticated subscriber. The resume
cursor is read from the lastEventId query parameter or the Last-Event-ID
header. Each event is written as:

	id: 42
	event: direct-message
	data: {"from":"bob"}

Liveness pings carry no id line. Streams end after ConnectionTimeout and
the client reconnects with its cursor.

# STOMP over WebSocket

GET /ws upgrades to a WebSocket. After CONNECT, a SUBSCRIBE to
/user/queue/events starts delivery (honouring a last-event-id header), and
a SUBSCRIBE to /topic/watch/{id} joins that room's presence. UNSUBSCRIBE
and DISCONNECT leave again, as does dropping the socket.

Inbound frames are rate limited per connection; excess frames are dropped.
Protocol violations end the session with an ERROR frame.

# Authentication

Every request is resolved to a subscriber id by a PrincipalResolver. The
JWTResolver accepts HS256 bearer tokens from the Authorization header or
the access_token query parameter, the latter for browser EventSource and
WebSocket clients that cannot set headers.
*/
package transport
