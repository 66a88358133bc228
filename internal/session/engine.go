// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

// Package session implements the pallet session engine.
//
// The engine owns the single in-flight pallet: it dedups detected keg
// identifiers, write-ahead persists each new one, gates submission on a
// selected customer plus a confirmed pickup location, and hands completed
// batches to the dispatch client. All public operations are serialized by
// one mutex; dispatch calls block and therefore must never run on the
// detection tick driver.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brewops/kegsight/internal/capture"
	"github.com/brewops/kegsight/internal/detection"
	"github.com/brewops/kegsight/internal/logging"
	"github.com/brewops/kegsight/internal/metrics"
	"github.com/brewops/kegsight/internal/models"
)

// ErrNoCustomer is returned by SubmitBatch when no customer has been
// selected. The call fails before any network traffic.
var ErrNoCustomer = errors.New("no customer selected")

// ErrAlreadyDispatched is returned by SubmitBatch when the current pallet
// was already dispatched successfully. Retry is only meaningful after a
// failed dispatch; re-sending a dispatched batch would duplicate it on the
// remote side. The call fails before any network traffic.
var ErrAlreadyDispatched = errors.New("pallet already dispatched")

// ErrUnknownCustomer is returned by SetCustomer for an id that is not in
// the customer list.
var ErrUnknownCustomer = errors.New("unknown customer id")

// Store is the slice of the persistence layer the engine needs.
type Store interface {
	CreatePallet(ctx context.Context, p *models.Pallet) error
	AddKegEntry(ctx context.Context, e *models.KegEntry) error
	UpdatePalletStatus(ctx context.Context, palletID string, status models.PalletStatus, upd models.PalletUpdate) error
}

// Dispatcher is the remote-service client surface the engine needs.
type Dispatcher interface {
	FetchCustomers(ctx context.Context) []models.Customer
	SendBatch(ctx context.Context, kegIDs []string, customerID, areaName string) models.DispatchResult
}

// DeviceInfo carries the identity the engine stamps onto pallets and
// entries.
type DeviceInfo struct {
	ForkliftID string
	AreaName   string
	Operator   string
}

// PromptObserver is notified when a new location prompt should be shown
// to the operator. Called without the engine lock held.
type PromptObserver func(location string)

// Snapshot is a consistent read of the current session, taken under the
// engine lock.
type Snapshot struct {
	PalletID          string `json:"palletId"`
	Status            string `json:"status"`
	KegCount          int    `json:"kegCount"`
	PendingCount      int    `json:"pendingCount"`
	CustomerID        string `json:"customerId,omitempty"`
	CustomerName      string `json:"customerName,omitempty"`
	ConfirmedLocation string `json:"confirmedLocation,omitempty"`
	PendingLocation   string `json:"pendingLocation,omitempty"`
	SubmissionAllowed bool   `json:"submissionAllowed"`
}

// Engine is the pallet session engine.
type Engine struct {
	mu sync.Mutex

	store      Store
	dispatcher Dispatcher
	detector   detection.Detector
	device     DeviceInfo
	onPrompt   PromptObserver

	pallet       *models.Pallet
	scanned      map[string]struct{}
	saved        map[string]struct{}
	customerID   string
	customerName string
	confirmedLoc string
	pendingLoc   string

	customers []models.Customer
}

// New builds an engine and eagerly opens the first session so there is
// always exactly one current pallet.
func New(ctx context.Context, store Store, dispatcher Dispatcher, detector detection.Detector, device DeviceInfo) (*Engine, error) {
	if detector == nil {
		detector = detection.None
	}
	e := &Engine{
		store:      store,
		dispatcher: dispatcher,
		detector:   detector,
		device:     device,
	}
	if err := e.ResetSession(ctx); err != nil {
		return nil, fmt.Errorf("opening initial session: %w", err)
	}
	return e, nil
}

// SetPromptObserver registers the location-prompt callback. Must be
// called before the location channel starts delivering events.
func (e *Engine) SetPromptObserver(fn PromptObserver) {
	e.mu.Lock()
	e.onPrompt = fn
	e.mu.Unlock()
}

// newPalletID builds an id unique independent of clock resolution: two
// resets within the same second still differ in the uuid suffix.
func newPalletID(now time.Time) string {
	return fmt.Sprintf("PAL_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8])
}

// ResetSession abandons the current session state and opens a fresh
// pallet: new id, empty scanned/saved sets, no customer, no confirmed
// location. The new pallet is persisted with status assembling before the
// method returns.
func (e *Engine) ResetSession(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := &models.Pallet{
		ID:              newPalletID(time.Now()),
		SourceLocations: []string{e.device.AreaName},
		Status:          models.StatusAssembling,
		Operator:        e.device.Operator,
	}
	if err := e.store.CreatePallet(ctx, p); err != nil {
		return fmt.Errorf("creating pallet record: %w", err)
	}

	prev := ""
	if e.pallet != nil {
		prev = e.pallet.ID
	}
	e.pallet = p
	e.scanned = make(map[string]struct{})
	e.saved = make(map[string]struct{})
	e.customerID = ""
	e.customerName = ""
	e.confirmedLoc = ""
	e.pendingLoc = ""

	metrics.SessionResets.Inc()
	logging.Info().
		Str("pallet_id", p.ID).
		Str("previous", prev).
		Msg("session reset")
	return nil
}

// SetCustomer records the customer selection and persists the resolved
// name on the current pallet. The pallet stays in assembling status.
func (e *Engine) SetCustomer(ctx context.Context, customerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := ""
	for _, c := range e.customerList(ctx) {
		if c.ID == customerID {
			name = c.Name
			break
		}
	}
	if name == "" {
		return fmt.Errorf("%w: %s", ErrUnknownCustomer, customerID)
	}

	upd := models.PalletUpdate{CustomerName: &name}
	if err := e.store.UpdatePalletStatus(ctx, e.pallet.ID, models.StatusAssembling, upd); err != nil {
		return fmt.Errorf("persisting customer selection: %w", err)
	}

	e.customerID = customerID
	e.customerName = name
	e.pallet.CustomerName = name
	logging.Info().
		Str("pallet_id", e.pallet.ID).
		Str("customer_id", customerID).
		Str("customer_name", name).
		Msg("customer selected")
	return nil
}

// ProcessFrame runs one detection tick: the detector is invoked on the
// frame, each identifier not yet in the scanned set is admitted and
// write-ahead persisted, and any previously pending identifiers are
// retried. Returns the annotated frame and the distinct scanned count.
func (e *Engine) ProcessFrame(ctx context.Context, frame capture.Frame) (capture.Frame, int) {
	annotated, ids := e.detector.Detect(frame)

	e.mu.Lock()
	defer e.mu.Unlock()

	fresh := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, seen := e.scanned[id]; seen {
			continue
		}
		if e.pallet.Status.Terminal() {
			metrics.KegsRejectedTerminal.Inc()
			logging.Warn().
				Str("pallet_id", e.pallet.ID).
				Str("status", string(e.pallet.Status)).
				Str("keg_id", id).
				Msg("detection on terminal pallet rejected")
			continue
		}
		e.scanned[id] = struct{}{}
		metrics.KegsScanned.Inc()
		fresh++
		e.persistKeg(ctx, id)
	}

	if fresh > 0 {
		logging.Debug().
			Str("pallet_id", e.pallet.ID).
			Int("new", fresh).
			Int("total", len(e.scanned)).
			Msg("kegs admitted")
	}
	e.flushPendingLocked(ctx)

	return annotated, len(e.scanned)
}

// persistKeg writes one keg entry. On failure the id stays scanned but
// unsaved and is retried by the pending flush on later ticks. Caller
// holds the lock.
func (e *Engine) persistKeg(ctx context.Context, id string) {
	entry := &models.KegEntry{
		PalletID:       e.pallet.ID,
		SourceLocation: e.device.AreaName,
		KegCount:       1,
		KegQRs:         []string{id},
		Operator:       e.device.Operator,
	}
	if err := e.store.AddKegEntry(ctx, entry); err != nil {
		metrics.KegPersistFailures.Inc()
		logging.Error().Err(err).
			Str("pallet_id", e.pallet.ID).
			Str("keg_id", id).
			Msg("keg entry persist failed, will retry")
		return
	}
	e.saved[id] = struct{}{}
	metrics.KegEntriesPersisted.Inc()
}

// FlushPending persists every scanned-but-unsaved identifier. Idempotent;
// safe to call at any time.
func (e *Engine) FlushPending(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushPendingLocked(ctx)
}

func (e *Engine) flushPendingLocked(ctx context.Context) int {
	remaining := 0
	for id := range e.scanned {
		if _, ok := e.saved[id]; ok {
			continue
		}
		e.persistKeg(ctx, id)
		if _, ok := e.saved[id]; !ok {
			remaining++
		}
	}
	return remaining
}

// OnLocationEvent receives a location from the realtime channel. A
// location equal to the confirmed one is suppressed; anything else
// becomes the pending prompt and the observer is notified.
func (e *Engine) OnLocationEvent(location string) {
	if location == "" {
		return
	}

	e.mu.Lock()
	if location == e.confirmedLoc {
		e.mu.Unlock()
		logging.Debug().Str("location", location).Msg("duplicate location prompt suppressed")
		return
	}
	e.pendingLoc = location
	observer := e.onPrompt
	e.mu.Unlock()

	logging.Info().Str("location", location).Msg("location prompt pending")
	if observer != nil {
		observer(location)
	}
}

// ConfirmLocation records the operator's confirmation and reports whether
// the submission gate now holds, so the caller can trigger auto-submit.
func (e *Engine) ConfirmLocation(location string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.confirmedLoc = location
	if e.pendingLoc == location {
		e.pendingLoc = ""
	}
	logging.Info().Str("location", location).Msg("location confirmed")
	return e.submissionAllowedLocked()
}

// CancelLocation clears the pending prompt without confirming.
func (e *Engine) CancelLocation() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendingLoc != "" {
		logging.Info().Str("location", e.pendingLoc).Msg("location prompt cancelled")
	}
	e.pendingLoc = ""
}

// SubmissionAllowed reports whether the batch may be submitted: at least
// one keg scanned, a customer selected, and a location confirmed.
func (e *Engine) SubmissionAllowed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submissionAllowedLocked()
}

func (e *Engine) submissionAllowedLocked() bool {
	return len(e.scanned) > 0 && e.customerID != "" && e.confirmedLoc != ""
}

// SubmitBatch flushes pending entries and dispatches the scanned batch to
// the remote service. areaName identifies where the pallet was assembled;
// when empty, the confirmed location is used. Without a customer it fails
// fast with ErrNoCustomer and makes no network call; a pallet that is
// already dispatched fails fast with ErrAlreadyDispatched the same way.
// On success the pallet moves to dispatched; on a remote or transport
// failure it moves to error_dispatch with the scanned state intact, so
// the operator can retry explicitly. Blocking: runs the full HTTP round
// trip under the engine lock.
func (e *Engine) SubmitBatch(ctx context.Context, areaName string) (models.DispatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pallet.Status == models.StatusDispatched {
		metrics.DispatchAttempts.WithLabelValues("already_dispatched").Inc()
		return models.DispatchResult{}, ErrAlreadyDispatched
	}

	e.flushPendingLocked(ctx)

	if e.customerID == "" {
		metrics.DispatchAttempts.WithLabelValues("no_customer").Inc()
		return models.DispatchResult{}, ErrNoCustomer
	}

	if areaName == "" {
		areaName = e.confirmedLoc
	}

	ids := e.scannedListLocked()
	result := e.dispatcher.SendBatch(ctx, ids, e.customerID, areaName)

	status := models.StatusDispatched
	if !result.Success {
		status = models.StatusErrorDispatch
	}

	total := len(ids)
	upd := models.PalletUpdate{TotalKegs: &total, AllocatedTo: &e.customerName}
	if err := e.store.UpdatePalletStatus(ctx, e.pallet.ID, status, upd); err != nil {
		logging.Error().Err(err).
			Str("pallet_id", e.pallet.ID).
			Str("status", string(status)).
			Msg("status update after dispatch failed")
	} else {
		e.pallet.Status = status
		e.pallet.TotalKegs = total
	}

	logging.Info().
		Str("pallet_id", e.pallet.ID).
		Int("kegs", total).
		Str("area", areaName).
		Bool("success", result.Success).
		Str("detail", result.Detail).
		Msg("batch dispatched")
	return result, nil
}

// ScannedList returns the scanned identifiers in sorted order.
func (e *Engine) ScannedList() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scannedListLocked()
}

func (e *Engine) scannedListLocked() []string {
	ids := make([]string, 0, len(e.scanned))
	for id := range e.scanned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a consistent view of the session for the presentation
// layer.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending := 0
	for id := range e.scanned {
		if _, ok := e.saved[id]; !ok {
			pending++
		}
	}
	return Snapshot{
		PalletID:          e.pallet.ID,
		Status:            string(e.pallet.Status),
		KegCount:          len(e.scanned),
		PendingCount:      pending,
		CustomerID:        e.customerID,
		CustomerName:      e.customerName,
		ConfirmedLocation: e.confirmedLoc,
		PendingLocation:   e.pendingLoc,
		SubmissionAllowed: e.submissionAllowedLocked(),
	}
}

// Customers returns the customer list, fetching it from the remote
// service on first use and caching it for the rest of the session.
func (e *Engine) Customers(ctx context.Context) []models.Customer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.customerList(ctx)
}

func (e *Engine) customerList(ctx context.Context) []models.Customer {
	if e.customers == nil {
		e.customers = e.dispatcher.FetchCustomers(ctx)
	}
	out := make([]models.Customer, len(e.customers))
	copy(out, e.customers)
	return out
}
