// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

// Package main is the entry point for the KegSight device runtime.
//
// KegSight runs on a forklift-mounted top camera and tracks keg pallets:
// detected keg identifiers are deduplicated into the current pallet
// session, write-ahead persisted to a local DuckDB store, and dispatched
// to the remote allocation service once the operator has selected a
// customer and confirmed the pickup location delivered over the realtime
// channel.
//
// The runtime initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered sources (defaults, config.yaml, env)
//  2. Logging: zerolog, structured
//  3. Store: DuckDB with the pallet and keg-entry tables
//  4. Dispatch client: customer list + batch submission HTTP client
//  5. Session engine: opens the first pallet session eagerly
//  6. Location channel: websocket client with indefinite reconnect
//  7. Supervisor tree: capture, messaging and api layers under suture
//
// Shutdown is graceful on SIGINT/SIGTERM: the tick driver stops, the
// channel disconnects, in-flight HTTP requests drain, then the store
// closes.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brewops/kegsight/internal/capture"
	"github.com/brewops/kegsight/internal/config"
	"github.com/brewops/kegsight/internal/database"
	"github.com/brewops/kegsight/internal/detection"
	"github.com/brewops/kegsight/internal/dispatch"
	"github.com/brewops/kegsight/internal/locations"
	"github.com/brewops/kegsight/internal/logging"
	"github.com/brewops/kegsight/internal/server"
	"github.com/brewops/kegsight/internal/session"
	"github.com/brewops/kegsight/internal/supervisor"
	"github.com/brewops/kegsight/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("forklift_id", cfg.Device.ForkliftID).
		Str("area", cfg.Device.AreaName).
		Str("db_path", cfg.Database.Path).
		Str("capture_source", cfg.Capture.Source).
		Msg("Starting KegSight")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	client := dispatch.NewClient(cfg.API.CustomerURL, cfg.API.DispatchURL, cfg.Device.MacID, cfg.API.Timeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The static detector keeps the pipeline exercisable until a
	// model-backed Detector is wired in.
	var detector detection.Detector = detection.None
	if cfg.Capture.Source == "synthetic" {
		detector = detection.NewStaticDetector(nil, false)
	}

	engine, err := session.New(ctx, db, client, detector, session.DeviceInfo{
		ForkliftID: cfg.Device.ForkliftID,
		AreaName:   cfg.Device.AreaName,
		Operator:   cfg.Device.Operator,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to start session engine")
	}
	engine.SetPromptObserver(func(location string) {
		logging.Info().Str("location", location).Msg("Location prompt awaiting operator confirmation")
	})

	channel, err := locations.NewChannel(&cfg.Channel, &cfg.Device, func(ev locations.Event) {
		engine.OnLocationEvent(ev.Location)
	}, nil)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build location channel")
	}

	source := capture.NewSource(&cfg.Capture)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddCaptureService(services.NewTickService(source, engine, cfg.Capture.TickRate))
	tree.AddMessagingService(channel)
	tree.AddAPIService(server.New(engine, db, &cfg.Server))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	drain := time.After(15 * time.Second)
	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				reportUnstopped(tree)
				logging.Info().Msg("Stopped gracefully")
				return
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				logging.Error().Err(err).Msg("Supervisor shutdown error")
			}
		case <-drain:
			reportUnstopped(tree)
			logging.Warn().Msg("Shutdown drain timed out")
			return
		}
	}
}

func reportUnstopped(tree *supervisor.Tree) {
	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}
}
