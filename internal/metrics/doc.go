// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

// Package metrics defines the Prometheus instrumentation for the delivery
// core.
//
// Metrics are package-level promauto collectors registered with the default
// registry and exposed on /metrics. Callers use the Record*/Set* helpers
// rather than the collectors directly.
//
// # Metric Families
//
//   - fanout_connections_*: registry size and churn per transport
//   - fanout_events_*: replay buffer appends, evictions and replays
//   - fanout_pushes_total, fanout_reconnect_failures_total: dispatch outcomes
//   - fanout_presence_operations_total: presence store calls per backend
//   - fanout_relay_*: broker publish and consume outcomes
//   - fanout_circuit_breaker_*: publish breaker state
//   - fanout_executor_*: deferred task backlog and outcomes
//   - fanout_mail_attempts_total: SMTP side path
//
// # Labels
//
// Label values are drawn from small fixed sets (transport, result, reason).
// Subscriber ids and room ids are never used as labels.
package metrics
