// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

// Package metrics provides Prometheus instrumentation for the session
// engine, the persistence store, the dispatch client, and the realtime
// location channel. Everything is registered via promauto and exposed at
// /metrics by the HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session engine

	KegsScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kegsight_kegs_scanned_total",
			Help: "Total distinct keg identifiers accepted into sessions",
		},
	)

	KegsRejectedTerminal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kegsight_kegs_rejected_terminal_total",
			Help: "Identifiers dropped because the current pallet is in a terminal status",
		},
	)

	KegEntriesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kegsight_keg_entries_persisted_total",
			Help: "Keg entries durably written to the local store",
		},
	)

	KegPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kegsight_keg_persist_failures_total",
			Help: "Write-ahead persistence failures (retried on a later tick)",
		},
	)

	SessionResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kegsight_session_resets_total",
			Help: "Pallet sessions started",
		},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kegsight_detection_tick_duration_seconds",
			Help:    "Duration of one detection tick including write-ahead persistence",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// Dispatch client

	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kegsight_dispatch_attempts_total",
			Help: "Batch submission attempts by outcome",
		},
		[]string{"outcome"}, // "success", "remote_error", "transport_error", "no_customer", "already_dispatched"
	)

	// Realtime location channel

	ChannelReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kegsight_channel_reconnects_total",
			Help: "Realtime channel connection attempts after the first",
		},
	)

	ChannelConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kegsight_channel_connected",
			Help: "1 when the realtime location channel is connected, 0 otherwise",
		},
	)

	LocationEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kegsight_location_events_total",
			Help: "Location-assignment events received over the realtime channel",
		},
	)

	// Persistence store

	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kegsight_store_query_duration_seconds",
			Help:    "Duration of DuckDB statements in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	StoreQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kegsight_store_query_errors_total",
			Help: "DuckDB statement errors",
		},
		[]string{"operation", "table"},
	)
)
