// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/brewops/kegsight/internal/database"
	"github.com/brewops/kegsight/internal/session"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleSessionKegs(w http.ResponseWriter, r *http.Request) {
	ids := s.engine.ScannedList()
	respondJSON(w, http.StatusOK, map[string]any{
		"kegIds": ids,
		"count":  len(ids),
	})
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResetSession(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "RESET_FAILED", "could not open a new session", err)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

type setCustomerRequest struct {
	CustomerID string `json:"customerId"`
}

func (s *Server) handleSetCustomer(w http.ResponseWriter, r *http.Request) {
	var req setCustomerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "malformed request body", err)
		return
	}
	if req.CustomerID == "" {
		respondError(w, http.StatusBadRequest, "MISSING_CUSTOMER", "customerId is required", nil)
		return
	}
	if err := s.engine.SetCustomer(r.Context(), req.CustomerID); err != nil {
		if errors.Is(err, session.ErrUnknownCustomer) {
			respondError(w, http.StatusNotFound, "UNKNOWN_CUSTOMER", "customer id not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "CUSTOMER_FAILED", "could not record customer selection", err)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleCustomers(w http.ResponseWriter, r *http.Request) {
	customers := s.engine.Customers(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{
		"customers": customers,
		"count":     len(customers),
	})
}

type locationRequest struct {
	Location string `json:"location"`
}

func (s *Server) handleLocationConfirm(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "malformed request body", err)
		return
	}
	if req.Location == "" {
		respondError(w, http.StatusBadRequest, "MISSING_LOCATION", "location is required", nil)
		return
	}
	allowed := s.engine.ConfirmLocation(req.Location)
	respondJSON(w, http.StatusOK, map[string]any{
		"confirmed":         req.Location,
		"submissionAllowed": allowed,
	})
}

func (s *Server) handleLocationCancel(w http.ResponseWriter, r *http.Request) {
	s.engine.CancelLocation()
	respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

type submitRequest struct {
	AreaName string `json:"areaName"`
}

// handleSubmit runs the blocking dispatch on the request goroutine. The
// detection tick driver is never involved. The body is optional; without
// an areaName the engine falls back to the confirmed location.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_BODY", "malformed request body", err)
			return
		}
	}
	result, err := s.engine.SubmitBatch(r.Context(), req.AreaName)
	if err != nil {
		if errors.Is(err, session.ErrNoCustomer) {
			respondError(w, http.StatusConflict, "NO_CUSTOMER", "select a customer before submitting", err)
			return
		}
		if errors.Is(err, session.ErrAlreadyDispatched) {
			respondError(w, http.StatusConflict, "ALREADY_DISPATCHED", "pallet already dispatched; reset the session to start a new one", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "SUBMIT_FAILED", "batch submission failed", err)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	respondJSON(w, status, map[string]any{
		"success":  result.Success,
		"detail":   result.Detail,
		"snapshot": s.engine.Snapshot(),
	})
}

func (s *Server) handleListPallets(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			respondError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 500", err)
			return
		}
		limit = n
	}
	pallets, err := s.store.ListRecentPallets(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "LIST_FAILED", "could not list pallets", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"pallets": pallets,
		"count":   len(pallets),
	})
}

func (s *Server) handleGetPallet(w http.ResponseWriter, r *http.Request) {
	palletID := chi.URLParam(r, "palletID")
	pallet, err := s.store.GetPallet(r.Context(), palletID)
	if err != nil {
		if errors.Is(err, database.ErrPalletNotFound) {
			respondError(w, http.StatusNotFound, "PALLET_NOT_FOUND", "no such pallet", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "GET_FAILED", "could not load pallet", err)
		return
	}
	respondJSON(w, http.StatusOK, pallet)
}

func (s *Server) handleGetEntries(w http.ResponseWriter, r *http.Request) {
	palletID := chi.URLParam(r, "palletID")
	entries, err := s.store.GetKegEntries(r.Context(), palletID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "GET_FAILED", "could not load keg entries", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"palletId": palletID,
		"entries":  entries,
		"count":    len(entries),
	})
}
