// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

package models

import "time"

// APIResponse is the envelope for every JSON response served by the
// operator API.
type APIResponse struct {
	Status    string    `json:"status"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     *APIError `json:"error,omitempty"`
}

// APIError carries a machine code and a human message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
