// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

/*
Package main is the entry point for the fanout server.

The server pushes events to authenticated subscribers over Server-Sent
Events (GET /events) and STOMP over WebSocket (GET /ws), replays missed
events from an in-memory ring buffer on reconnect, tracks watch-room
presence, and bridges events between instances through a NATS JetStream
stream.

# Application Architecture

	RootSupervisor ("fanout")
	├── WorkerSupervisor ("worker-layer")
	│   └── Executor pool (presence notification, mail delivery)
	├── RelaySupervisor ("relay-layer")
	│   ├── Relay consumer (if NATS_ENABLED)
	│   └── Connection cleanup ticker
	└── DeliverySupervisor ("delivery-layer")
	    └── HTTP server (streams, health, stats, metrics)

Initialization order:

 1. Configuration: koanf v2 (defaults, config.yaml, environment)
 2. Logging: zerolog, optional lumberjack file rotation
 3. Broker: embedded NATS server (optional) and JetStream connection
 4. Relay: stream creation and the circuit-broken publisher
 5. Presence store: NATS KV, Badger or memory
 6. Registry, ring buffer, dispatcher, lifecycle manager
 7. HTTP router and supervisor tree

# Configuration

See internal/config for the full list. The essentials:

	JWT_SECRET           32+ character HMAC secret (required)
	HTTP_PORT            listen port (default 8080)
	NATS_ENABLED         relay through JetStream (default true)
	NATS_EMBEDDED        run an in-process NATS server (default true)
	PRESENCE_BACKEND     nats, badger or memory (default nats)
	RING_CAPACITY        replay buffer size (default 100)

# Signal Handling

On SIGINT or SIGTERM the supervisor tree is canceled. Streaming
connections are closed before the HTTP server shuts down, then the
publisher, presence store, NATS connection and embedded server are closed
in that order.

# Example Usage

Single instance without a broker:

	export JWT_SECRET=$(openssl rand -base64 32)
	export NATS_ENABLED=false
	export PRESENCE_BACKEND=memory
	./fanout

Clustered behind a sticky load balancer with an external NATS:

	export JWT_SECRET=...
	export NATS_EMBEDDED=false
	export NATS_URL=nats://nats:4222
	export INSTANCE_ID=fanout-1
	./fanout
*/
package main
