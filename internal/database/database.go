// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

// Package database is the durable local store for pallets and keg entries.
//
// It wraps an embedded DuckDB database. Keg entries are append-only; pallet
// records are status-mutable via explicit partial updates. List-valued
// columns (source_locations, keg_qrs, keg_data) are stored as JSON text but
// that serialization never leaves this package: the public API speaks typed
// []string slices.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/brewops/kegsight/internal/config"
	"github.com/brewops/kegsight/internal/logging"
)

// ErrPalletExists is returned by CreatePallet when the pallet id is already
// present. This is expected and recoverable; it signals a caller-side id
// generation defect, not a storage failure.
var ErrPalletExists = errors.New("pallet id already exists")

// ErrPalletNotFound is returned by read accessors for unknown pallet ids.
var ErrPalletNotFound = errors.New("pallet not found")

// DB wraps the DuckDB connection and provides data access methods.
type DB struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig
}

// New opens the database file and initializes the schema.
// Failure to open the backing file is the one fatal startup condition owned
// by this package; everything after open degrades to per-call errors.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// Ensure the parent directory exists for the database file.
	// 0750 per gosec G301.
	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, numThreads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Single writer keeps inserts inside the tick budget predictable;
	// the store is a local file, not a shared server.
	conn.SetMaxOpenConns(numThreads)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	db := &DB{conn: conn, cfg: cfg}
	if err := db.initialize(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("database initialized")
	return db, nil
}

// initialize creates tables and indexes if they do not exist.
func (db *DB) initialize() error {
	statements := []string{
		`CREATE SEQUENCE IF NOT EXISTS custom_pallets_id_seq`,
		`CREATE SEQUENCE IF NOT EXISTS custom_keg_locations_id_seq`,
		`CREATE TABLE IF NOT EXISTS custom_pallets (
			id BIGINT PRIMARY KEY DEFAULT nextval('custom_pallets_id_seq'),
			pallet_id TEXT UNIQUE NOT NULL,
			customer_name TEXT,
			total_kegs INTEGER DEFAULT 0,
			source_locations TEXT,
			keg_data TEXT,
			beer_type TEXT DEFAULT 'Mixed',
			batch TEXT,
			filling_date TEXT,
			status TEXT DEFAULT 'assembling',
			created_at TIMESTAMP DEFAULT current_timestamp,
			qr_generated BOOLEAN DEFAULT false,
			qr_data TEXT,
			allocated_to TEXT,
			allocated_at TIMESTAMP,
			operator TEXT,
			notes TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS custom_keg_locations (
			id BIGINT PRIMARY KEY DEFAULT nextval('custom_keg_locations_id_seq'),
			custom_pallet_id TEXT NOT NULL,
			source_location TEXT NOT NULL,
			keg_count INTEGER NOT NULL,
			keg_qrs TEXT,
			taken_at TIMESTAMP DEFAULT current_timestamp,
			operator TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_custom_pallet_status ON custom_pallets(status)`,
		`CREATE INDEX IF NOT EXISTS idx_custom_pallet_customer ON custom_pallets(customer_name)`,
		`CREATE INDEX IF NOT EXISTS idx_custom_keg_pallet ON custom_keg_locations(custom_pallet_id)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// isUniqueViolation reports whether err looks like a unique/primary key
// constraint violation. DuckDB surfaces these as constraint errors with
// no dedicated error type in database/sql.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint") || strings.Contains(msg, "duplicate key")
}
