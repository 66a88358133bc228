// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

// Package models defines the persistent and wire-level data types shared by
// the session engine, the persistence store, and the dispatch client.
package models

import "time"

// PalletStatus is the lifecycle state of a pallet record.
//
// Transitions are monotonic: assembling -> dispatched | error_dispatch.
// Both dispatched and error_dispatch are terminal; only a new session
// produces a new assembling pallet.
type PalletStatus string

const (
	StatusAssembling    PalletStatus = "assembling"
	StatusDispatched    PalletStatus = "dispatched"
	StatusErrorDispatch PalletStatus = "error_dispatch"
)

// Terminal reports whether the status permits no further transitions.
func (s PalletStatus) Terminal() bool {
	return s == StatusDispatched || s == StatusErrorDispatch
}

// Valid reports whether s is a known pallet status.
func (s PalletStatus) Valid() bool {
	switch s {
	case StatusAssembling, StatusDispatched, StatusErrorDispatch:
		return true
	}
	return false
}

// Pallet is one logical batch of kegs accumulated during a session.
type Pallet struct {
	ID              string       `json:"pallet_id"`
	CustomerName    string       `json:"customer_name,omitempty"`
	TotalKegs       int          `json:"total_kegs"`
	SourceLocations []string     `json:"source_locations,omitempty"`
	BeerType        string       `json:"beer_type,omitempty"`
	Batch           string       `json:"batch,omitempty"`
	FillingDate     string       `json:"filling_date,omitempty"`
	Status          PalletStatus `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	QRGenerated     bool         `json:"qr_generated"`
	QRData          string       `json:"qr_data,omitempty"`
	AllocatedTo     string       `json:"allocated_to,omitempty"`
	AllocatedAt     *time.Time   `json:"allocated_at,omitempty"`
	Operator        string       `json:"operator,omitempty"`
	Notes           string       `json:"notes,omitempty"`
}

// KegEntry is one durable append-only record of identifiers accepted into a
// session. Entries are never updated or deleted.
type KegEntry struct {
	PalletID       string    `json:"custom_pallet_id"`
	SourceLocation string    `json:"source_location"`
	KegCount       int       `json:"keg_count"`
	KegQRs         []string  `json:"keg_qrs"`
	TakenAt        time.Time `json:"taken_at"`
	Operator       string    `json:"operator,omitempty"`
}

// Customer is a remote directory entry. Customers are never persisted; the
// engine holds them only as a working cache for the current operator session.
type Customer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PalletUpdate is an explicit partial update applied by the store.
// Only non-nil fields are written; any subset may be present. Setting
// AllocatedTo also stamps allocated_at, and setting QRData also flips
// qr_generated.
type PalletUpdate struct {
	CustomerName *string
	TotalKegs    *int
	AllocatedTo  *string
	QRData       *string
	Notes        *string
}

// Empty reports whether the update carries no optional fields.
func (u PalletUpdate) Empty() bool {
	return u.CustomerName == nil && u.TotalKegs == nil &&
		u.AllocatedTo == nil && u.QRData == nil && u.Notes == nil
}

// DispatchResult is the outcome of one batch submission attempt.
// Detail carries the remote response body (or transport error text) verbatim.
type DispatchResult struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}
