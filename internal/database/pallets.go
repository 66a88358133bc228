// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/brewops/kegsight/internal/logging"
	"github.com/brewops/kegsight/internal/metrics"
	"github.com/brewops/kegsight/internal/models"
)

// CreatePallet inserts a new pallet record with status assembling.
// Returns ErrPalletExists if the pallet id is already present.
func (db *DB) CreatePallet(ctx context.Context, p *models.Pallet) error {
	if p.Status == "" {
		p.Status = models.StatusAssembling
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.BeerType == "" {
		p.BeerType = "Mixed"
	}

	sourceLocations, err := encodeStringList(p.SourceLocations)
	if err != nil {
		return fmt.Errorf("encode source_locations: %w", err)
	}

	start := time.Now()
	_, err = db.conn.ExecContext(ctx, `INSERT INTO custom_pallets (
		pallet_id, customer_name, total_kegs, source_locations, keg_data,
		beer_type, batch, filling_date, status, created_at, operator, notes
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, nullable(p.CustomerName), p.TotalKegs, sourceLocations, "[]",
		p.BeerType, nullable(p.Batch), nullable(p.FillingDate), string(p.Status),
		p.CreatedAt, nullable(p.Operator), p.Notes,
	)
	metrics.StoreQueryDuration.WithLabelValues("insert", "custom_pallets").Observe(time.Since(start).Seconds())

	if err != nil {
		if isUniqueViolation(err) {
			logging.Warn().Str("pallet_id", p.ID).Msg("pallet already exists")
			return ErrPalletExists
		}
		metrics.StoreQueryErrors.WithLabelValues("insert", "custom_pallets").Inc()
		logging.Error().Err(err).Str("pallet_id", p.ID).Msg("failed to create pallet record")
		return fmt.Errorf("create pallet: %w", err)
	}

	logging.Info().Str("pallet_id", p.ID).Msg("created pallet record")
	return nil
}

// AddKegEntry appends one durable keg entry. Entries are never updated or
// removed; the engine's write-ahead bookkeeping depends on this being a
// single short insert.
func (db *DB) AddKegEntry(ctx context.Context, e *models.KegEntry) error {
	if e.TakenAt.IsZero() {
		e.TakenAt = time.Now()
	}
	if e.KegCount == 0 {
		e.KegCount = len(e.KegQRs)
	}

	kegQRs, err := encodeStringList(e.KegQRs)
	if err != nil {
		return fmt.Errorf("encode keg_qrs: %w", err)
	}

	start := time.Now()
	_, err = db.conn.ExecContext(ctx, `INSERT INTO custom_keg_locations (
		custom_pallet_id, source_location, keg_count, keg_qrs, taken_at, operator
	) VALUES (?, ?, ?, ?, ?, ?)`,
		e.PalletID, e.SourceLocation, e.KegCount, kegQRs, e.TakenAt, nullable(e.Operator),
	)
	metrics.StoreQueryDuration.WithLabelValues("insert", "custom_keg_locations").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("insert", "custom_keg_locations").Inc()
		logging.Error().Err(err).
			Str("pallet_id", e.PalletID).
			Str("location", e.SourceLocation).
			Msg("failed to add keg entry")
		return fmt.Errorf("add keg entry: %w", err)
	}

	logging.Debug().
		Str("pallet_id", e.PalletID).
		Int("keg_count", e.KegCount).
		Str("location", e.SourceLocation).
		Msg("added keg entry")
	return nil
}

// UpdatePalletStatus sets the pallet status and applies any optional fields
// carried by upd. Only non-nil fields are written; setting AllocatedTo also
// stamps allocated_at, and setting QRData flips qr_generated.
func (db *DB) UpdatePalletStatus(ctx context.Context, palletID string, status models.PalletStatus, upd models.PalletUpdate) error {
	if !status.Valid() {
		return fmt.Errorf("invalid pallet status %q", status)
	}

	sets := []string{"status = ?"}
	args := []any{string(status)}

	if upd.CustomerName != nil {
		sets = append(sets, "customer_name = ?")
		args = append(args, *upd.CustomerName)
	}
	if upd.TotalKegs != nil {
		sets = append(sets, "total_kegs = ?")
		args = append(args, *upd.TotalKegs)
	}
	if upd.AllocatedTo != nil {
		sets = append(sets, "allocated_to = ?", "allocated_at = current_timestamp")
		args = append(args, *upd.AllocatedTo)
	}
	if upd.QRData != nil {
		sets = append(sets, "qr_generated = true", "qr_data = ?")
		args = append(args, *upd.QRData)
	}
	if upd.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *upd.Notes)
	}
	args = append(args, palletID)

	query := "UPDATE custom_pallets SET " + joinSets(sets) + " WHERE pallet_id = ?"

	start := time.Now()
	res, err := db.conn.ExecContext(ctx, query, args...)
	metrics.StoreQueryDuration.WithLabelValues("update", "custom_pallets").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("update", "custom_pallets").Inc()
		logging.Error().Err(err).Str("pallet_id", palletID).Msg("failed to update pallet status")
		return fmt.Errorf("update pallet status: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPalletNotFound
	}

	logging.Info().
		Str("pallet_id", palletID).
		Str("status", string(status)).
		Msg("updated pallet status")
	return nil
}

// GetPallet returns the pallet with the given id, or ErrPalletNotFound.
func (db *DB) GetPallet(ctx context.Context, palletID string) (*models.Pallet, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT
		pallet_id, customer_name, total_kegs, source_locations,
		beer_type, batch, filling_date, status, created_at,
		qr_generated, qr_data, allocated_to, allocated_at, operator, notes
	FROM custom_pallets WHERE pallet_id = ?`, palletID)

	p, err := scanPallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPalletNotFound
	}
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("select", "custom_pallets").Inc()
		return nil, fmt.Errorf("get pallet: %w", err)
	}
	return p, nil
}

// ListRecentPallets returns up to limit pallets ordered newest first.
// Reads go straight to the store; there is no caching layer that could
// serve a stale status.
func (db *DB) ListRecentPallets(ctx context.Context, limit int) ([]*models.Pallet, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT
		pallet_id, customer_name, total_kegs, source_locations,
		beer_type, batch, filling_date, status, created_at,
		qr_generated, qr_data, allocated_to, allocated_at, operator, notes
	FROM custom_pallets ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("select", "custom_pallets").Inc()
		return nil, fmt.Errorf("list recent pallets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pallets []*models.Pallet
	for rows.Next() {
		p, err := scanPallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pallet: %w", err)
		}
		pallets = append(pallets, p)
	}
	return pallets, rows.Err()
}

// GetKegEntries returns all keg entries for a pallet, newest first.
func (db *DB) GetKegEntries(ctx context.Context, palletID string) ([]*models.KegEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT
		custom_pallet_id, source_location, keg_count, keg_qrs, taken_at, operator
	FROM custom_keg_locations WHERE custom_pallet_id = ? ORDER BY taken_at DESC`, palletID)
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues("select", "custom_keg_locations").Inc()
		return nil, fmt.Errorf("get keg entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.KegEntry
	for rows.Next() {
		var (
			e        models.KegEntry
			kegQRs   sql.NullString
			operator sql.NullString
		)
		if err := rows.Scan(&e.PalletID, &e.SourceLocation, &e.KegCount, &kegQRs, &e.TakenAt, &operator); err != nil {
			return nil, fmt.Errorf("scan keg entry: %w", err)
		}
		e.KegQRs = decodeStringList(kegQRs.String)
		e.Operator = operator.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanPallet(s scanner) (*models.Pallet, error) {
	var (
		p                                                models.Pallet
		customerName, sourceLocations, batch             sql.NullString
		fillingDate, qrData, allocatedTo, operator, note sql.NullString
		status                                           string
		allocatedAt                                      sql.NullTime
	)

	err := s.Scan(
		&p.ID, &customerName, &p.TotalKegs, &sourceLocations,
		&p.BeerType, &batch, &fillingDate, &status, &p.CreatedAt,
		&p.QRGenerated, &qrData, &allocatedTo, &allocatedAt, &operator, &note,
	)
	if err != nil {
		return nil, err
	}

	p.CustomerName = customerName.String
	p.SourceLocations = decodeStringList(sourceLocations.String)
	p.Batch = batch.String
	p.FillingDate = fillingDate.String
	p.Status = models.PalletStatus(status)
	p.QRData = qrData.String
	p.AllocatedTo = allocatedTo.String
	if allocatedAt.Valid {
		t := allocatedAt.Time
		p.AllocatedAt = &t
	}
	p.Operator = operator.String
	p.Notes = note.String
	return &p, nil
}

// encodeStringList serializes a slice for a JSON-text column. The
// serialization is private to this package.
func encodeStringList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeStringList parses a JSON-text column back into a typed slice.
// Malformed or empty column text decodes to nil rather than erroring;
// the column is written only by encodeStringList.
func decodeStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		logging.Warn().Str("raw", raw).Msg("malformed list column, ignoring")
		return nil
	}
	if len(items) == 0 {
		return nil
	}
	return items
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}
