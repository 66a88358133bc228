// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

// Package server exposes the operator and reporting HTTP API.
//
// This is the presentation boundary of the device: session snapshot and
// commands for the operator surface, pallet history for reporting, plus
// health and metrics endpoints. Rendering is the caller's concern.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/brewops/kegsight/internal/config"
	"github.com/brewops/kegsight/internal/database"
	"github.com/brewops/kegsight/internal/logging"
	"github.com/brewops/kegsight/internal/models"
	"github.com/brewops/kegsight/internal/session"
)

// PalletReader is the slice of the store the reporting endpoints need.
type PalletReader interface {
	GetPallet(ctx context.Context, palletID string) (*models.Pallet, error)
	ListRecentPallets(ctx context.Context, limit int) ([]*models.Pallet, error)
	GetKegEntries(ctx context.Context, palletID string) ([]*models.KegEntry, error)
}

var _ PalletReader = (*database.DB)(nil)

// Server serves the operator API.
type Server struct {
	engine *session.Engine
	store  PalletReader
	cfg    *config.ServerConfig

	httpServer *http.Server
}

// New builds the server. Routes are wired lazily by Serve (or directly
// via Routes in tests).
func New(engine *session.Engine, store PalletReader, cfg *config.ServerConfig) *Server {
	return &Server{engine: engine, store: store, cfg: cfg}
}

// String implements suture's namer convention.
func (s *Server) String() string {
	return "http-server"
}

// Serve runs the HTTP server until the context is cancelled, then shuts
// down gracefully. Implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadTimeout:       s.cfg.Timeout,
		WriteTimeout:      s.cfg.Timeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", addr).Msg("http server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("http server shutdown")
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}
