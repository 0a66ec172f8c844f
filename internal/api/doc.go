// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

/*
Package api assembles the HTTP surface of the delivery core.

The router is built on chi and mounts:

  - /api/v1/health/live and /api/v1/health/ready for orchestrator probes
  - /api/v1/stats with the dispatcher's registry and replay window
  - /api/v1/events (SSE) and /api/v1/ws (WebSocket carrying STOMP 1.2),
    served by the transport package
  - /metrics for Prometheus

Global middleware applies request IDs, real client IPs, panic recovery and
CORS. Streaming endpoints are additionally rate limited per client IP with
go-chi/httprate and instrumented with request metrics.

Usage:

	handler := api.NewHandler(dispatcher, api.ReadinessCheck{Name: "broker", Check: pingBroker})
	router := api.NewRouter(handler, streams, api.DefaultChiMiddlewareConfig())
	srv := &http.Server{Addr: ":8080", Handler: router.SetupChi()}

Responses other than the event streams use a common envelope:

	{"status": "success", "data": {...}, "metadata": {"timestamp": "..."}}
*/
package api
