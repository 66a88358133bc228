// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

// Package dispatch implements the synchronous REST client for the remote
// keg service: fetching the customer directory and submitting a finalized
// batch. Every call is a single blocking request with a fixed timeout; the
// client never retries. Malformed remote responses degrade to empty results
// rather than errors, so the engine can treat "no usable data" uniformly.
package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/brewops/kegsight/internal/logging"
	"github.com/brewops/kegsight/internal/metrics"
	"github.com/brewops/kegsight/internal/models"
)

// Client provides access to the remote keg service REST API.
type Client struct {
	customerURL string
	dispatchURL string
	macID       string
	httpClient  *http.Client
}

// NewClient creates a dispatch client with a fixed request timeout.
//
// Parameters:
//   - customerURL: customer directory endpoint
//   - dispatchURL: batch submission endpoint
//   - macID: stable hardware address identifying this device
func NewClient(customerURL, dispatchURL, macID string, timeout time.Duration) *Client {
	return &Client{
		customerURL: strings.TrimSuffix(customerURL, "/"),
		dispatchURL: strings.TrimSuffix(dispatchURL, "/"),
		macID:       macID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// batchRequest is the submission payload expected by the remote service.
type batchRequest struct {
	KegIDs     []string `json:"kegIds"`
	MacID      string   `json:"macId"`
	CustomerID string   `json:"customerId"`
	AreaName   string   `json:"areaName"`
}

// customerRequest identifies the device asking for its customer directory.
type customerRequest struct {
	MacID string `json:"macId"`
}

// FetchCustomers retrieves the customer directory for this device.
//
// The remote response may be a bare list or an object wrapping the list
// under "data" or "customers"; entries contribute a Customer only when both
// a name-like and an id-like field are present. Any transport failure,
// non-200 status, or decode failure yields an empty list, never an error:
// callers must treat empty as "unusable", not "no customers exist".
func (c *Client) FetchCustomers(ctx context.Context) []models.Customer {
	body, err := json.Marshal(customerRequest{MacID: c.macID})
	if err != nil {
		logging.Error().Err(err).Msg("failed to encode customer request")
		return nil
	}

	resp, err := c.post(ctx, c.customerURL, body)
	if err != nil {
		logging.Error().Err(err).Str("url", c.customerURL).Msg("customer fetch failed")
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		logging.Warn().
			Int("status", resp.StatusCode).
			Str("body", string(raw)).
			Msg("customer fetch returned non-200")
		return nil
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		logging.Error().Err(err).Msg("invalid JSON from customer endpoint")
		return nil
	}

	return parseCustomers(payload)
}

// parseCustomers normalizes the raw directory payload.
func parseCustomers(data any) []models.Customer {
	items, ok := data.([]any)
	if !ok {
		obj, isObj := data.(map[string]any)
		if !isObj {
			return nil
		}
		if wrapped, found := obj["data"].([]any); found {
			items = wrapped
		} else if wrapped, found := obj["customers"].([]any); found {
			items = wrapped
		} else {
			return nil
		}
	}

	var customers []models.Customer
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := stringField(entry, "customerName", "name")
		id := stringField(entry, "_id", "id")
		if name == "" || id == "" {
			continue
		}
		customers = append(customers, models.Customer{ID: id, Name: name})
	}
	return customers
}

// stringField returns the first non-empty string value among keys.
func stringField(entry map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := entry[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// SendBatch submits the accumulated batch of keg ids to the remote service.
//
// Success is exactly HTTP 200 or 201; every other outcome (non-success
// status, timeout, connection failure) yields Success=false with the remote
// body or transport error as Detail. Exactly one attempt is made; retries
// are the caller's decision.
func (c *Client) SendBatch(ctx context.Context, kegIDs []string, customerID, areaName string) models.DispatchResult {
	body, err := json.Marshal(batchRequest{
		KegIDs:     kegIDs,
		MacID:      c.macID,
		CustomerID: customerID,
		AreaName:   areaName,
	})
	if err != nil {
		return models.DispatchResult{Success: false, Detail: err.Error()}
	}

	logging.Info().
		Int("keg_count", len(kegIDs)).
		Str("customer_id", customerID).
		Str("area_name", areaName).
		Msg("sending batch")

	resp, err := c.post(ctx, c.dispatchURL, body)
	if err != nil {
		metrics.DispatchAttempts.WithLabelValues("transport_error").Inc()
		logging.Error().Err(err).Msg("batch send failed")
		return models.DispatchResult{Success: false, Detail: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		metrics.DispatchAttempts.WithLabelValues("transport_error").Inc()
		return models.DispatchResult{Success: false, Detail: err.Error()}
	}
	detail := string(raw)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		metrics.DispatchAttempts.WithLabelValues("success").Inc()
		logging.Info().Int("status", resp.StatusCode).Msg("batch sent successfully")
		return models.DispatchResult{Success: true, Detail: detail}
	}

	metrics.DispatchAttempts.WithLabelValues("remote_error").Inc()
	logging.Error().
		Int("status", resp.StatusCode).
		Str("body", detail).
		Msg("batch dispatch rejected")
	return models.DispatchResult{Success: false, Detail: detail}
}

// post issues one JSON POST with the client's fixed timeout.
func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}
