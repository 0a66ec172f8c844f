// Fanout - Real-time Event Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fanout

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/fanout/internal/middleware"
)

// StreamRoutes mounts the streaming endpoints. *transport.Server
// implements it.
type StreamRoutes interface {
	Routes(r chi.Router)
}

// Router wires handlers and middleware into a chi router.
type Router struct {
	handler       *Handler
	streams       StreamRoutes
	chiMiddleware *ChiMiddleware
}

// NewRouter creates a router. streams may be nil to serve health only.
func NewRouter(handler *Handler, streams StreamRoutes, config *ChiMiddlewareConfig) *Router {
	return &Router{
		handler:       handler,
		streams:       streams,
		chiMiddleware: NewChiMiddleware(config),
	}
}

// SetupChi configures all HTTP routes.
func (router *Router) SetupChi() http.Handler {
	r := chi.NewRouter()

	// Applied to all routes, in order.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS()) // global so OPTIONS preflight is answered

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitHealth())
		r.Use(APISecurityHeaders())
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.PrometheusMetrics)

		r.With(APISecurityHeaders()).Get("/stats", router.handler.Stats)

		if router.streams != nil {
			r.Group(func(r chi.Router) {
				r.Use(router.chiMiddleware.RateLimitStream())
				router.streams.Routes(r)
			})
		}
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
