// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

// Package detection turns camera frames into keg identifiers.
//
// The actual recognition model is an external capability wired in through
// the Detector interface. The adapters here cover degraded operation and
// tests; a production deployment plugs in a model-backed Detector at
// bootstrap.
package detection

import (
	"sync"

	"github.com/brewops/kegsight/internal/capture"
)

// Detector extracts keg identifiers from a frame. The returned frame is
// the (possibly annotated) input; the string slice holds the raw detected
// identifiers, duplicates and all. Deduplication is the session engine's
// job, not the detector's.
type Detector interface {
	Detect(frame capture.Frame) (capture.Frame, []string)
}

// FuncDetector adapts a plain function to the Detector interface.
type FuncDetector func(frame capture.Frame) (capture.Frame, []string)

// Detect implements Detector.
func (f FuncDetector) Detect(frame capture.Frame) (capture.Frame, []string) {
	return f(frame)
}

// StaticDetector replays a scripted sequence of detections, one batch per
// frame, then returns empty results. Used in degraded mode and tests.
type StaticDetector struct {
	mu      sync.Mutex
	batches [][]string
	pos     int
	loop    bool
}

// NewStaticDetector builds a detector that emits the given batches in
// order. With loop set, the sequence repeats indefinitely.
func NewStaticDetector(batches [][]string, loop bool) *StaticDetector {
	return &StaticDetector{batches: batches, loop: loop}
}

// Detect implements Detector.
func (d *StaticDetector) Detect(frame capture.Frame) (capture.Frame, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.batches) == 0 {
		return frame, nil
	}
	if d.pos >= len(d.batches) {
		if !d.loop {
			return frame, nil
		}
		d.pos = 0
	}
	ids := d.batches[d.pos]
	d.pos++
	return frame, ids
}

// None is a Detector that never detects anything.
var None Detector = FuncDetector(func(f capture.Frame) (capture.Frame, []string) {
	return f, nil
})
