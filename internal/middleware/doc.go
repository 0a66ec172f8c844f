// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

/*
Package middleware provides HTTP middleware for the streaming endpoints.

Key Components:

  - Request ID: UUID-based request tracking, propagated into the logging
    context so every log line of a connection carries it
  - Prometheus Metrics: request duration by method, route pattern and status

Both wrappers keep the underlying writer's optional interfaces intact.
Server-Sent Events need http.Flusher and the WebSocket upgrade needs
http.Hijacker, so PrometheusMetrics wraps with chi's WrapResponseWriter
rather than a bare struct.

Routes are labelled with the chi route pattern, never the raw path, so
label cardinality stays bounded.
*/
package middleware
