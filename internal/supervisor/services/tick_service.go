// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

// Package services wraps the device's long-running components as
// supervised suture services.
package services

import (
	"context"
	"time"

	"github.com/brewops/kegsight/internal/capture"
	"github.com/brewops/kegsight/internal/logging"
	"github.com/brewops/kegsight/internal/metrics"
	"github.com/brewops/kegsight/internal/session"
)

// TickService drives the detection loop: pull a frame from the source,
// hand it to the engine, sleep out the remainder of the tick. Blocking
// work (dispatch) never runs here; the engine's lock keeps ticks short.
type TickService struct {
	source capture.Source
	engine *session.Engine
	rate   time.Duration
}

// NewTickService builds the tick driver. rate is the per-tick budget
// (e.g. 1/30s for 30 fps).
func NewTickService(source capture.Source, engine *session.Engine, rate time.Duration) *TickService {
	if rate <= 0 {
		rate = time.Second / 30
	}
	return &TickService{source: source, engine: engine, rate: rate}
}

// String implements suture's namer convention.
func (s *TickService) String() string {
	return "tick-driver"
}

// Serve implements suture.Service. Runs until the context is cancelled.
func (s *TickService) Serve(ctx context.Context) error {
	logging.Info().Dur("rate", s.rate).Msg("detection tick driver started")
	defer func() {
		if err := s.source.Close(); err != nil {
			logging.Warn().Err(err).Msg("closing capture source")
		}
	}()

	ticker := time.NewTicker(s.rate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		start := time.Now()
		frame, err := s.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A failed read is a skipped tick, not a service failure.
			logging.Debug().Err(err).Msg("frame read failed, skipping tick")
			continue
		}
		s.engine.ProcessFrame(ctx, frame)
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}
