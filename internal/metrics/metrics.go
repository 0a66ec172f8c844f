// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection Metrics
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fanout_connections_active",
			Help: "Current number of registered connections",
		},
		[]string{"transport"}, // "sse", "websocket"
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_connections_total",
			Help: "Total number of connections registered",
		},
		[]string{"transport"},
	)

	// Ring Buffer Metrics
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_events_appended_total",
			Help: "Total number of events stored in the replay buffer",
		},
		[]string{"event"},
	)

	EventsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_events_evicted_total",
			Help: "Total number of events evicted from the replay buffer by capacity",
		},
	)

	// Dispatch Metrics
	PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_pushes_total",
			Help: "Total number of event pushes to connections",
		},
		[]string{"transport", "result"}, // result: "ok", "failed"
	)

	EventsReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_events_replayed_total",
			Help: "Total number of events replayed to reconnecting clients",
		},
	)

	ReconnectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_reconnect_failures_total",
			Help: "Total number of failed connects or resumes",
		},
		[]string{"reason"}, // "invalid_cursor", "truncated", "replay", "ping"
	)

	CleanupEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_cleanup_evictions_total",
			Help: "Total number of dead connections removed by the cleanup sweep",
		},
	)

	CleanupRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_cleanup_runs_total",
			Help: "Total number of cleanup sweeps",
		},
	)

	// Presence Metrics
	PresenceOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_presence_operations_total",
			Help: "Total number of presence store operations",
		},
		[]string{"backend", "operation", "outcome"},
	)

	LifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_lifecycle_transitions_total",
			Help: "Total number of subscription lifecycle signals",
		},
		[]string{"signal", "outcome"}, // signal: "subscribe", "unsubscribe", "disconnect"
	)

	// Relay Metrics
	RelayPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_relay_published_total",
			Help: "Total number of relay publish attempts",
		},
		[]string{"topic", "result"}, // result: "ok", "failed", "invalid"
	)

	RelayConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_relay_consumed_total",
			Help: "Total number of relay messages consumed",
		},
		[]string{"topic", "result"}, // result: "ok", "failed", "malformed", "duplicate"
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fanout_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "to_state"},
	)

	// Executor Metrics
	ExecutorQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanout_executor_queue_depth",
			Help: "Current number of deferred tasks waiting to run",
		},
	)

	ExecutorTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_executor_tasks_total",
			Help: "Total number of deferred tasks by outcome",
		},
		[]string{"task", "outcome"}, // outcome: "succeeded", "failed", "rejected", "dropped"
	)

	ExecutorTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanout_executor_task_duration_seconds",
			Help:    "Duration of deferred tasks in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	// Mail Metrics
	MailAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_mail_attempts_total",
			Help: "Total number of SMTP delivery attempts",
		},
		[]string{"result"}, // "sent", "failed", "rejected"
	)

	// Transport Metrics
	InboundFramesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_inbound_frames_rejected_total",
			Help: "Total number of client frames rejected",
		},
		[]string{"reason"}, // "rate_limited", "malformed", "unsupported"
	)

	// API Metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanout_api_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "route", "status"},
	)
)

// RecordConnectionOpened records a handle being registered.
func RecordConnectionOpened(transport string) {
	ConnectionsActive.WithLabelValues(transport).Inc()
	ConnectionsTotal.WithLabelValues(transport).Inc()
}

// RecordConnectionClosed records a handle being deregistered.
func RecordConnectionClosed(transport string) {
	ConnectionsActive.WithLabelValues(transport).Dec()
}

// RecordEventAppended records an event stored in the replay buffer.
func RecordEventAppended(name string) {
	EventsAppended.WithLabelValues(name).Inc()
}

// RecordEventsEvicted records capacity evictions.
func RecordEventsEvicted(n int) {
	if n > 0 {
		EventsEvicted.Add(float64(n))
	}
}

// RecordPush records one push attempt.
func RecordPush(transport, result string) {
	PushesTotal.WithLabelValues(transport, result).Inc()
}

// RecordReplayed records events replayed to a reconnecting client.
func RecordReplayed(n int) {
	if n > 0 {
		EventsReplayed.Add(float64(n))
	}
}

// RecordReconnectFailure records a failed connect or resume.
func RecordReconnectFailure(reason string) {
	ReconnectFailures.WithLabelValues(reason).Inc()
}

// RecordCleanup records one sweep and the dead handles it removed.
func RecordCleanup(evicted int) {
	CleanupRuns.Inc()
	if evicted > 0 {
		CleanupEvictions.Add(float64(evicted))
	}
}

// RecordPresenceOperation records a presence store call.
func RecordPresenceOperation(backend, op, outcome string) {
	PresenceOperations.WithLabelValues(backend, op, outcome).Inc()
}

// RecordLifecycle records a subscription lifecycle signal.
func RecordLifecycle(signal, outcome string) {
	LifecycleTransitions.WithLabelValues(signal, outcome).Inc()
}

// RecordRelayPublished records a relay publish attempt.
func RecordRelayPublished(topic, result string) {
	RelayPublished.WithLabelValues(topic, result).Inc()
}

// RecordRelayConsumed records a consumed relay message.
func RecordRelayConsumed(topic, result string) {
	RelayConsumed.WithLabelValues(topic, result).Inc()
}

// SetBreakerState exports a circuit breaker state change.
func SetBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	CircuitBreakerTransitions.WithLabelValues(name, strconv.Itoa(state)).Inc()
}

// SetExecutorQueueDepth exports the executor backlog.
func SetExecutorQueueDepth(n int) {
	ExecutorQueueDepth.Set(float64(n))
}

// RecordExecutorTask records a deferred task outcome.
func RecordExecutorTask(task, outcome string) {
	ExecutorTasks.WithLabelValues(task, outcome).Inc()
}

// ObserveExecutorTaskDuration records how long a deferred task ran.
func ObserveExecutorTaskDuration(task string, d time.Duration) {
	ExecutorTaskDuration.WithLabelValues(task).Observe(d.Seconds())
}

// RecordMailAttempt records one SMTP attempt.
func RecordMailAttempt(result string) {
	MailAttempts.WithLabelValues(result).Inc()
}

// RecordInboundFrameRejected records a client frame that was refused.
func RecordInboundFrameRejected(reason string) {
	InboundFramesRejected.WithLabelValues(reason).Inc()
}

// RecordAPIRequest records an HTTP request.
func RecordAPIRequest(method, route string, status int, d time.Duration) {
	APIRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
