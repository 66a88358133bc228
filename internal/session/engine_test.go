// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

package session

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/brewops/kegsight/internal/capture"
	"github.com/brewops/kegsight/internal/detection"
	"github.com/brewops/kegsight/internal/models"
)

// fakeStore is an in-memory Store with switchable entry failures.
type fakeStore struct {
	mu        sync.Mutex
	pallets   []*models.Pallet
	entries   []*models.KegEntry
	updates   []models.PalletStatus
	failEntry bool
}

func (s *fakeStore) CreatePallet(_ context.Context, p *models.Pallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pallets = append(s.pallets, &cp)
	return nil
}

func (s *fakeStore) AddKegEntry(_ context.Context, e *models.KegEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failEntry {
		return errors.New("store unavailable")
	}
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *fakeStore) UpdatePalletStatus(_ context.Context, _ string, status models.PalletStatus, _ models.PalletUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, status)
	return nil
}

func (s *fakeStore) entryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *fakeStore) setFailEntry(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failEntry = fail
}

// fakeDispatcher records SendBatch calls and returns a canned result.
type fakeDispatcher struct {
	mu        sync.Mutex
	customers []models.Customer
	result    models.DispatchResult
	calls     int
	lastIDs   []string
	lastCust  string
	lastArea  string
}

func (d *fakeDispatcher) FetchCustomers(_ context.Context) []models.Customer {
	return d.customers
}

func (d *fakeDispatcher) SendBatch(_ context.Context, kegIDs []string, customerID, areaName string) models.DispatchResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.lastIDs = kegIDs
	d.lastCust = customerID
	d.lastArea = areaName
	return d.result
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func checkNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func checkIntEqual(t *testing.T, fieldName string, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("%s: expected %d, got %d", fieldName, want, got)
	}
}

func newTestEngine(t *testing.T, store *fakeStore, disp *fakeDispatcher, det detection.Detector) *Engine {
	t.Helper()
	e, err := New(context.Background(), store, disp, det, DeviceInfo{
		ForkliftID: "TOP-CAM-001",
		AreaName:   "TopCamera",
		Operator:   "test-op",
	})
	checkNoError(t, err)
	return e
}

func frame() capture.Frame {
	return capture.Frame{Seq: 1, Timestamp: time.Now(), Width: 640, Height: 480}
}

func TestNewOpensInitialSession(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store, &fakeDispatcher{}, nil)

	snap := e.Snapshot()
	if snap.PalletID == "" {
		t.Fatal("expected an initial pallet")
	}
	if snap.Status != string(models.StatusAssembling) {
		t.Errorf("status: expected assembling, got %s", snap.Status)
	}
	checkIntEqual(t, "persisted pallets", len(store.pallets), 1)
	if store.pallets[0].ID != snap.PalletID {
		t.Errorf("persisted id %s != snapshot id %s", store.pallets[0].ID, snap.PalletID)
	}
}

func TestPalletIDFormat(t *testing.T) {
	now := time.Date(2026, 8, 30, 14, 5, 9, 0, time.UTC)
	pattern := regexp.MustCompile(`^PAL_20260830_140509_[0-9a-f]{8}$`)

	id1 := newPalletID(now)
	id2 := newPalletID(now)
	if !pattern.MatchString(id1) {
		t.Errorf("id %q does not match expected format", id1)
	}
	// Same clock reading must still give unique ids.
	if id1 == id2 {
		t.Errorf("ids from the same instant collide: %s", id1)
	}
}

func TestProcessFrameDedup(t *testing.T) {
	store := &fakeStore{}
	det := detection.NewStaticDetector([][]string{
		{"KEG-001", "KEG-002", "KEG-001"},
		{"KEG-002", "KEG-003"},
		{},
	}, false)
	e := newTestEngine(t, store, &fakeDispatcher{}, det)
	ctx := context.Background()

	_, count := e.ProcessFrame(ctx, frame())
	checkIntEqual(t, "count after first tick", count, 2)
	_, count = e.ProcessFrame(ctx, frame())
	checkIntEqual(t, "count after second tick", count, 3)
	_, count = e.ProcessFrame(ctx, frame())
	checkIntEqual(t, "count after empty tick", count, 3)

	// One write-ahead entry per distinct id.
	checkIntEqual(t, "persisted entries", store.entryCount(), 3)

	ids := e.ScannedList()
	want := []string{"KEG-001", "KEG-002", "KEG-003"}
	if len(ids) != len(want) {
		t.Fatalf("scanned list: expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("scanned list[%d]: expected %s, got %s", i, want[i], ids[i])
		}
	}
}

func TestWriteAheadRetryAfterStoreFailure(t *testing.T) {
	store := &fakeStore{}
	det := detection.NewStaticDetector([][]string{{"KEG-001"}}, false)
	e := newTestEngine(t, store, &fakeDispatcher{}, det)
	ctx := context.Background()

	store.setFailEntry(true)
	_, count := e.ProcessFrame(ctx, frame())
	checkIntEqual(t, "scanned count", count, 1)
	checkIntEqual(t, "entries while store down", store.entryCount(), 0)
	checkIntEqual(t, "pending count", e.Snapshot().PendingCount, 1)

	store.setFailEntry(false)
	remaining := e.FlushPending(ctx)
	checkIntEqual(t, "remaining after flush", remaining, 0)
	checkIntEqual(t, "entries after recovery", store.entryCount(), 1)
	checkIntEqual(t, "pending after flush", e.Snapshot().PendingCount, 0)
}

func TestTerminalPalletRejectsDetections(t *testing.T) {
	store := &fakeStore{}
	disp := &fakeDispatcher{
		customers: []models.Customer{{ID: "c1", Name: "Acme"}},
		result:    models.DispatchResult{Success: true, Detail: "ok"},
	}
	det := detection.NewStaticDetector([][]string{{"KEG-001"}, {"KEG-002"}}, false)
	e := newTestEngine(t, store, disp, det)
	ctx := context.Background()

	e.ProcessFrame(ctx, frame())
	checkNoError(t, e.SetCustomer(ctx, "c1"))
	e.ConfirmLocation("Cold Store A")
	result, err := e.SubmitBatch(ctx, "")
	checkNoError(t, err)
	if !result.Success {
		t.Fatal("expected successful dispatch")
	}

	// The pallet is now dispatched; the next detection must be dropped.
	_, count := e.ProcessFrame(ctx, frame())
	checkIntEqual(t, "count after terminal tick", count, 1)
	checkIntEqual(t, "entries", store.entryCount(), 1)
}

func TestSubmissionGate(t *testing.T) {
	tests := []struct {
		name     string
		scan     bool
		customer bool
		location bool
		want     bool
	}{
		{"empty session", false, false, false, false},
		{"scan only", true, false, false, false},
		{"scan and customer", true, true, false, false},
		{"scan and location", true, false, true, false},
		{"customer and location no kegs", false, true, true, false},
		{"all three", true, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			disp := &fakeDispatcher{customers: []models.Customer{{ID: "c1", Name: "Acme"}}}
			det := detection.NewStaticDetector([][]string{{"KEG-001"}}, false)
			e := newTestEngine(t, store, disp, det)
			ctx := context.Background()

			if tt.scan {
				e.ProcessFrame(ctx, frame())
			}
			if tt.customer {
				checkNoError(t, e.SetCustomer(ctx, "c1"))
			}
			if tt.location {
				e.ConfirmLocation("Cold Store A")
			}
			if got := e.SubmissionAllowed(); got != tt.want {
				t.Errorf("SubmissionAllowed: expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSubmitWithoutCustomerFailsFast(t *testing.T) {
	store := &fakeStore{}
	disp := &fakeDispatcher{}
	det := detection.NewStaticDetector([][]string{{"KEG-001"}}, false)
	e := newTestEngine(t, store, disp, det)
	ctx := context.Background()

	e.ProcessFrame(ctx, frame())
	e.ConfirmLocation("Cold Store A")

	_, err := e.SubmitBatch(ctx, "")
	if !errors.Is(err, ErrNoCustomer) {
		t.Fatalf("expected ErrNoCustomer, got %v", err)
	}
	checkIntEqual(t, "dispatch calls", disp.callCount(), 0)
	if got := e.Snapshot().Status; got != string(models.StatusAssembling) {
		t.Errorf("status: expected assembling, got %s", got)
	}
}

func TestSubmitSuccessMarksDispatched(t *testing.T) {
	store := &fakeStore{}
	disp := &fakeDispatcher{
		customers: []models.Customer{{ID: "c1", Name: "Acme"}},
		result:    models.DispatchResult{Success: true, Detail: `{"ok":true}`},
	}
	det := detection.NewStaticDetector([][]string{{"KEG-002", "KEG-001"}}, false)
	e := newTestEngine(t, store, disp, det)
	ctx := context.Background()

	e.ProcessFrame(ctx, frame())
	checkNoError(t, e.SetCustomer(ctx, "c1"))
	e.ConfirmLocation("Cold Store A")

	result, err := e.SubmitBatch(ctx, "")
	checkNoError(t, err)
	if !result.Success {
		t.Fatal("expected success")
	}

	checkIntEqual(t, "dispatch calls", disp.callCount(), 1)
	if disp.lastCust != "c1" {
		t.Errorf("customer id: expected c1, got %s", disp.lastCust)
	}
	// The confirmed location is the default area sent with the batch.
	if disp.lastArea != "Cold Store A" {
		t.Errorf("area: expected Cold Store A, got %s", disp.lastArea)
	}
	// Batch is sent in sorted order.
	if len(disp.lastIDs) != 2 || disp.lastIDs[0] != "KEG-001" || disp.lastIDs[1] != "KEG-002" {
		t.Errorf("batch ids: expected sorted pair, got %v", disp.lastIDs)
	}

	snap := e.Snapshot()
	if snap.Status != string(models.StatusDispatched) {
		t.Errorf("status: expected dispatched, got %s", snap.Status)
	}
	// Scanned state is retained until an explicit reset.
	checkIntEqual(t, "kegs after submit", snap.KegCount, 2)
	// Confirmed location survives a successful submit.
	if snap.ConfirmedLocation != "Cold Store A" {
		t.Errorf("confirmed location: expected retained, got %q", snap.ConfirmedLocation)
	}
}

func TestSubmitExplicitAreaOverridesConfirmedLocation(t *testing.T) {
	store := &fakeStore{}
	disp := &fakeDispatcher{
		customers: []models.Customer{{ID: "c1", Name: "Acme"}},
		result:    models.DispatchResult{Success: true, Detail: "ok"},
	}
	det := detection.NewStaticDetector([][]string{{"KEG-001"}}, false)
	e := newTestEngine(t, store, disp, det)
	ctx := context.Background()

	e.ProcessFrame(ctx, frame())
	checkNoError(t, e.SetCustomer(ctx, "c1"))
	e.ConfirmLocation("Cold Store A")

	_, err := e.SubmitBatch(ctx, "Dock B")
	checkNoError(t, err)
	if disp.lastArea != "Dock B" {
		t.Errorf("area: expected Dock B, got %s", disp.lastArea)
	}
}

func TestResubmitDispatchedPalletFailsFast(t *testing.T) {
	store := &fakeStore{}
	disp := &fakeDispatcher{
		customers: []models.Customer{{ID: "c1", Name: "Acme"}},
		result:    models.DispatchResult{Success: true, Detail: "ok"},
	}
	det := detection.NewStaticDetector([][]string{{"KEG-001"}}, false)
	e := newTestEngine(t, store, disp, det)
	ctx := context.Background()

	e.ProcessFrame(ctx, frame())
	checkNoError(t, e.SetCustomer(ctx, "c1"))
	e.ConfirmLocation("Cold Store A")

	result, err := e.SubmitBatch(ctx, "")
	checkNoError(t, err)
	if !result.Success {
		t.Fatal("expected first submit to succeed")
	}

	// The pallet is terminal; even a failing dispatcher must never be
	// reached, and the persisted status must not regress.
	disp.result = models.DispatchResult{Success: false, Detail: "remote rejected"}
	_, err = e.SubmitBatch(ctx, "")
	if !errors.Is(err, ErrAlreadyDispatched) {
		t.Fatalf("expected ErrAlreadyDispatched, got %v", err)
	}
	checkIntEqual(t, "dispatch calls", disp.callCount(), 1)
	if got := e.Snapshot().Status; got != string(models.StatusDispatched) {
		t.Errorf("status: expected dispatched, got %s", got)
	}
}

func TestSubmitFailureKeepsStateForRetry(t *testing.T) {
	store := &fakeStore{}
	disp := &fakeDispatcher{
		customers: []models.Customer{{ID: "c1", Name: "Acme"}},
		result:    models.DispatchResult{Success: false, Detail: "remote rejected"},
	}
	det := detection.NewStaticDetector([][]string{{"KEG-001"}}, false)
	e := newTestEngine(t, store, disp, det)
	ctx := context.Background()

	e.ProcessFrame(ctx, frame())
	checkNoError(t, e.SetCustomer(ctx, "c1"))
	e.ConfirmLocation("Cold Store A")

	result, err := e.SubmitBatch(ctx, "")
	checkNoError(t, err)
	if result.Success {
		t.Fatal("expected failure result")
	}

	snap := e.Snapshot()
	if snap.Status != string(models.StatusErrorDispatch) {
		t.Errorf("status: expected error_dispatch, got %s", snap.Status)
	}
	checkIntEqual(t, "kegs retained", snap.KegCount, 1)

	// Explicit retry reaches the dispatcher again.
	disp.result = models.DispatchResult{Success: true, Detail: "ok"}
	result, err = e.SubmitBatch(ctx, "")
	checkNoError(t, err)
	if !result.Success {
		t.Fatal("expected retry to succeed")
	}
	checkIntEqual(t, "dispatch calls", disp.callCount(), 2)
}

func TestResetClearsSessionState(t *testing.T) {
	store := &fakeStore{}
	disp := &fakeDispatcher{customers: []models.Customer{{ID: "c1", Name: "Acme"}}}
	det := detection.NewStaticDetector([][]string{{"KEG-001"}}, false)
	e := newTestEngine(t, store, disp, det)
	ctx := context.Background()

	e.ProcessFrame(ctx, frame())
	checkNoError(t, e.SetCustomer(ctx, "c1"))
	e.ConfirmLocation("Cold Store A")
	before := e.Snapshot()

	checkNoError(t, e.ResetSession(ctx))

	snap := e.Snapshot()
	if snap.PalletID == before.PalletID {
		t.Error("reset must open a new pallet id")
	}
	checkIntEqual(t, "kegs after reset", snap.KegCount, 0)
	if snap.CustomerID != "" || snap.CustomerName != "" {
		t.Errorf("customer not cleared: %s/%s", snap.CustomerID, snap.CustomerName)
	}
	// A new pallet always requires a fresh location confirmation.
	if snap.ConfirmedLocation != "" {
		t.Errorf("confirmed location not cleared: %q", snap.ConfirmedLocation)
	}
	if snap.SubmissionAllowed {
		t.Error("gate must not hold after reset")
	}
	checkIntEqual(t, "persisted pallets", len(store.pallets), 2)
}

func TestSetCustomerUnknownID(t *testing.T) {
	store := &fakeStore{}
	disp := &fakeDispatcher{customers: []models.Customer{{ID: "c1", Name: "Acme"}}}
	e := newTestEngine(t, store, disp, nil)

	err := e.SetCustomer(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownCustomer) {
		t.Fatalf("expected ErrUnknownCustomer, got %v", err)
	}
	if got := e.Snapshot().CustomerID; got != "" {
		t.Errorf("customer id should stay empty, got %s", got)
	}
}

func TestLocationPromptSuppression(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store, &fakeDispatcher{}, nil)

	var prompts []string
	e.SetPromptObserver(func(loc string) { prompts = append(prompts, loc) })

	e.OnLocationEvent("Cold Store A")
	checkIntEqual(t, "prompts after first event", len(prompts), 1)
	if e.Snapshot().PendingLocation != "Cold Store A" {
		t.Errorf("pending location: got %q", e.Snapshot().PendingLocation)
	}

	allowed := e.ConfirmLocation("Cold Store A")
	if allowed {
		t.Error("gate should not hold with no kegs and no customer")
	}
	if e.Snapshot().PendingLocation != "" {
		t.Error("confirm must clear the matching pending prompt")
	}

	// Same location again: suppressed, no new prompt.
	e.OnLocationEvent("Cold Store A")
	checkIntEqual(t, "prompts after duplicate", len(prompts), 1)

	// A different location prompts again.
	e.OnLocationEvent("Cold Store B")
	checkIntEqual(t, "prompts after new location", len(prompts), 2)
}

func TestCancelLocationClearsPromptOnly(t *testing.T) {
	store := &fakeStore{}
	e := newTestEngine(t, store, &fakeDispatcher{}, nil)

	e.ConfirmLocation("Cold Store A")
	e.OnLocationEvent("Cold Store B")
	e.CancelLocation()

	snap := e.Snapshot()
	if snap.PendingLocation != "" {
		t.Errorf("pending location not cleared: %q", snap.PendingLocation)
	}
	if snap.ConfirmedLocation != "Cold Store A" {
		t.Errorf("confirmed location must survive cancel, got %q", snap.ConfirmedLocation)
	}
}

func TestConfirmLocationSignalsAutoSubmit(t *testing.T) {
	store := &fakeStore{}
	disp := &fakeDispatcher{customers: []models.Customer{{ID: "c1", Name: "Acme"}}}
	det := detection.NewStaticDetector([][]string{{"KEG-001"}}, false)
	e := newTestEngine(t, store, disp, det)
	ctx := context.Background()

	e.ProcessFrame(ctx, frame())
	checkNoError(t, e.SetCustomer(ctx, "c1"))

	if !e.ConfirmLocation("Cold Store A") {
		t.Error("confirm should report the gate holding")
	}
}

func TestCustomersCached(t *testing.T) {
	store := &fakeStore{}
	disp := &fakeDispatcher{customers: []models.Customer{{ID: "c1", Name: "Acme"}}}
	e := newTestEngine(t, store, disp, nil)
	ctx := context.Background()

	first := e.Customers(ctx)
	checkIntEqual(t, "customer count", len(first), 1)

	// Mutating the returned slice must not corrupt the cache.
	first[0].Name = "changed"
	second := e.Customers(ctx)
	if second[0].Name != "Acme" {
		t.Errorf("cache corrupted: got %s", second[0].Name)
	}
}
