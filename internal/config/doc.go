// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

/*
Package config loads and validates the server configuration.

# Configuration Sources

Settings are layered with koanf, later sources winning:

 1. Built-in defaults
 2. An optional YAML file: $CONFIG_PATH, ./config.yaml or /etc/fanout/config.yaml
 3. Environment variables, through an explicit mapping table

# Environment Variables

Server:
  - HTTP_HOST, HTTP_PORT (default: 0.0.0.0:8080)
  - SHUTDOWN_TIMEOUT (default: 30s)
  - INSTANCE_ID (default: hostname), names this instance's relay consumer
  - ENVIRONMENT: development or production

Realtime:
  - CONNECTION_TIMEOUT: stream lifetime before reconnect (default: 5m)
  - RING_CAPACITY: events kept for replay (default: 100)
  - CLEANUP_INTERVAL: dead connection sweep (default: 5m)
  - PING_EVENT_NAME (default: ping)

Relay:
  - NATS_ENABLED (default: true), NATS_URL, NATS_EMBEDDED (default: true)
  - NATS_STREAM_NAME (default: PLATFORM), NATS_DURABLE_NAME (default: fanout)
  - NATS_DEDUP_TTL, NATS_DEDUP_CAPACITY: redelivery filter

Presence:
  - PRESENCE_BACKEND: nats, badger or memory (default: nats)

Security:
  - JWT_SECRET (required, min 32 chars), JWT_ISSUER
  - CORS_ORIGINS: comma-separated; "*" is rejected in production

Mail:
  - MAIL_ENABLED, SMTP_HOST, SMTP_PORT, SMTP_FROM, SMTP_USERNAME, SMTP_PASSWORD

Logging:
  - LOG_LEVEL, LOG_FORMAT, LOG_FILE (rotated with lumberjack)

# Usage

	cfg, err := config.LoadWithKoanf()
	if err != nil {
	    log.Fatal(err)
	}
	logging.Init(cfg.LoggingOptions())
*/
package config
