// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/tomtom215/fanout/internal/dispatch"
)

// StatsSource reports dispatcher state. *dispatch.Dispatcher implements it.
type StatsSource interface {
	Stats() dispatch.Stats
}

// ReadinessCheck is one dependency consulted by HealthReady.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// readinessTimeout bounds all checks of a single probe.
const readinessTimeout = 2 * time.Second

// Handler serves the non-streaming endpoints.
type Handler struct {
	stats     StatsSource
	checks    []ReadinessCheck
	startTime time.Time
}

// NewHandler creates a handler. stats may be nil.
func NewHandler(stats StatsSource, checks ...ReadinessCheck) *Handler {
	return &Handler{
		stats:     stats,
		checks:    checks,
		startTime: time.Now(),
	}
}

// HealthLive reports that the process is up. It never touches dependencies,
// so a stalled broker does not get the pod restarted.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, &APIResponse{
		Status: "alive",
		Data: map[string]interface{}{
			"uptime": time.Since(h.startTime).Seconds(),
		},
		Metadata: Metadata{Timestamp: time.Now()},
	})
}

// HealthReady runs every readiness check. Any failure answers 503 so the
// instance is taken out of rotation.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	ready := true
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			results[c.Name] = err.Error()
			ready = false
			continue
		}
		results[c.Name] = "ok"
	}

	statusCode := http.StatusOK
	status := "ready"
	if !ready {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	data := map[string]interface{}{
		"checks":         results,
		"ready_to_serve": ready,
		"uptime":         time.Since(h.startTime).Seconds(),
	}
	if h.stats != nil {
		data["dispatcher"] = h.stats.Stats()
	}
	respondJSON(w, statusCode, &APIResponse{
		Status:   status,
		Data:     data,
		Metadata: Metadata{Timestamp: time.Now()},
	})
}

// Stats returns the dispatcher snapshot.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		respondError(w, http.StatusServiceUnavailable, "STATS_UNAVAILABLE", "dispatcher not configured", nil)
		return
	}
	respondSuccess(w, h.stats.Stats())
}
