// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

// Package capture abstracts the top-camera frame supply.
//
// The physical camera is an external capability. Two Source variants are
// selected at construction time: a V4L2-backed live source and a synthetic
// degraded source that emits blank stamped frames at the configured
// resolution when no camera is available. The session engine's logic is
// identical regardless of which variant backs it.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/brewops/kegsight/internal/config"
	"github.com/brewops/kegsight/internal/logging"
)

// ErrUnavailable is returned by a live source whose device cannot produce
// frames. Callers fall back to a degraded source.
var ErrUnavailable = errors.New("capture device unavailable")

// Frame is a single video frame handed to the detection adapter.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
	Synthetic bool
}

// Source supplies frames for the detection tick.
type Source interface {
	// Next returns the most recent frame, blocking at most for the
	// context deadline.
	Next(ctx context.Context) (Frame, error)
	// Close releases the underlying device.
	Close() error
}

// NewSource selects a Source per configuration. When the configured live
// device is unavailable the synthetic fallback is returned instead, so the
// rest of the system starts regardless.
func NewSource(cfg *config.CaptureConfig) Source {
	if cfg.Source == "v4l2" {
		src, err := NewV4L2Source(cfg)
		if err == nil {
			return src
		}
		logging.Warn().Err(err).Str("device", cfg.Device).Msg("camera unavailable, using synthetic frames")
	}
	return NewSyntheticSource(cfg.Width, cfg.Height)
}

// V4L2Source reads frames from a video4linux device.
//
// Frame decoding is handled by the detection adapter toolchain; this source
// only verifies the device and tracks sequencing. The raw read path is
// deliberately minimal: one device handle, no buffering beyond the kernel's.
type V4L2Source struct {
	device string
	width  int
	height int
	file   *os.File
	seq    atomic.Uint64
}

// NewV4L2Source opens the configured device, returning ErrUnavailable when
// the device node is missing or cannot be opened.
func NewV4L2Source(cfg *config.CaptureConfig) (*V4L2Source, error) {
	f, err := os.Open(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, cfg.Device)
	}
	logging.Info().
		Str("device", cfg.Device).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Msg("camera device opened")
	return &V4L2Source{
		device: cfg.Device,
		width:  cfg.Width,
		height: cfg.Height,
		file:   f,
	}, nil
}

// Next reads one frame worth of data from the device.
func (s *V4L2Source) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	// 3 bytes per pixel, BGR24.
	buf := make([]byte, s.width*s.height*3)
	n, err := s.file.Read(buf)
	if err != nil || n == 0 {
		return Frame{}, fmt.Errorf("%w: read failed", ErrUnavailable)
	}

	return Frame{
		Seq:       s.seq.Add(1),
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
		Data:      buf[:n],
	}, nil
}

// Close releases the device handle.
func (s *V4L2Source) Close() error {
	return s.file.Close()
}

// SyntheticSource emits blank frames at the configured resolution. It is
// the degraded placeholder used when no camera is present and in tests.
type SyntheticSource struct {
	width  int
	height int
	seq    atomic.Uint64
}

// NewSyntheticSource creates a synthetic frame source.
func NewSyntheticSource(width, height int) *SyntheticSource {
	return &SyntheticSource{width: width, height: height}
}

// Next returns a blank frame stamped with the current time.
func (s *SyntheticSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{
		Seq:       s.seq.Add(1),
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
		Data:      make([]byte, s.width*s.height*3),
		Synthetic: true,
	}, nil
}

// Close is a no-op for the synthetic source.
func (s *SyntheticSource) Close() error {
	return nil
}
