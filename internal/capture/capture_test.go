// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brewops/kegsight/internal/config"
)

func TestSyntheticSourceFrames(t *testing.T) {
	src := NewSyntheticSource(640, 480)
	defer src.Close()
	ctx := context.Background()

	f1, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f1.Width != 640 || f1.Height != 480 {
		t.Errorf("dimensions: got %dx%d", f1.Width, f1.Height)
	}
	if len(f1.Data) != 640*480*3 {
		t.Errorf("data length: got %d", len(f1.Data))
	}
	if !f1.Synthetic {
		t.Error("frame should be marked synthetic")
	}
	if f1.Timestamp.IsZero() {
		t.Error("frame should be stamped")
	}

	f2, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f2.Seq <= f1.Seq {
		t.Errorf("sequence must increase: %d then %d", f1.Seq, f2.Seq)
	}
}

func TestSyntheticSourceCancelledContext(t *testing.T) {
	src := NewSyntheticSource(64, 64)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestV4L2SourceMissingDevice(t *testing.T) {
	_, err := NewV4L2Source(&config.CaptureConfig{
		Device: "/dev/video-does-not-exist",
		Width:  640,
		Height: 480,
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestNewSourceFallsBackToSynthetic(t *testing.T) {
	src := NewSource(&config.CaptureConfig{
		Source:   "v4l2",
		Device:   "/dev/video-does-not-exist",
		Width:    320,
		Height:   240,
		TickRate: time.Second / 30,
	})
	defer src.Close()

	if _, ok := src.(*SyntheticSource); !ok {
		t.Fatalf("expected synthetic fallback, got %T", src)
	}
}

func TestNewSourceSyntheticByConfig(t *testing.T) {
	src := NewSource(&config.CaptureConfig{Source: "synthetic", Width: 320, Height: 240})
	defer src.Close()
	if _, ok := src.(*SyntheticSource); !ok {
		t.Fatalf("expected synthetic source, got %T", src)
	}
}
