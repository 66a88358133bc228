// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brewops/kegsight/internal/logging"
)

// Routes builds the full route tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleSessionSnapshot)
			r.Get("/kegs", s.handleSessionKegs)
			r.Post("/reset", s.handleSessionReset)
			r.Post("/customer", s.handleSetCustomer)
			r.Post("/submit", s.handleSubmit)
			r.Route("/location", func(r chi.Router) {
				r.Post("/confirm", s.handleLocationConfirm)
				r.Post("/cancel", s.handleLocationCancel)
			})
		})

		r.Get("/customers", s.handleCustomers)

		r.Route("/pallets", func(r chi.Router) {
			r.Get("/", s.handleListPallets)
			r.Get("/{palletID}", s.handleGetPallet)
			r.Get("/{palletID}/entries", s.handleGetEntries)
		})
	})

	return r
}

// requestLogger logs each request with latency and status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
