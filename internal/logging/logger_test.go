// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"disabled", zerolog.Disabled},
		{"INFO", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q): expected %v, got %v", tt.input, tt.want, got)
		}
	}
}

func TestTestLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(&buf)
	logger.Info().Str("pallet_id", "PAL_1").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry["message"] != "hello" {
		t.Errorf("message: got %v", entry["message"])
	}
	if entry["pallet_id"] != "PAL_1" {
		t.Errorf("pallet_id: got %v", entry["pallet_id"])
	}
}

func TestSlogHandlerBridgesToZerolog(t *testing.T) {
	var buf bytes.Buffer
	handler := &SlogHandler{logger: NewTestLogger(&buf)}
	logger := slog.New(handler)

	logger.Warn("service backing off", slog.String("service", "tick-driver"), slog.Int("failures", 3))

	line := buf.String()
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("not JSON: %v (%s)", err, line)
	}
	if entry["level"] != "warn" {
		t.Errorf("level: got %v", entry["level"])
	}
	if entry["message"] != "service backing off" {
		t.Errorf("message: got %v", entry["message"])
	}
	if entry["service"] != "tick-driver" {
		t.Errorf("service attr: got %v", entry["service"])
	}
	if entry["failures"].(float64) != 3 {
		t.Errorf("failures attr: got %v", entry["failures"])
	}
}

func TestSlogHandlerGroups(t *testing.T) {
	var buf bytes.Buffer
	handler := &SlogHandler{logger: NewTestLogger(&buf)}
	logger := slog.New(handler).WithGroup("supervisor").With(slog.String("name", "capture-layer"))

	logger.Info("restarting")

	if !strings.Contains(buf.String(), "supervisor.name") {
		t.Errorf("group prefix missing from %s", buf.String())
	}
}

func TestSlogLevelMapping(t *testing.T) {
	tests := []struct {
		in   slog.Level
		want zerolog.Level
	}{
		{slog.LevelDebug, zerolog.DebugLevel},
		{slog.LevelInfo, zerolog.InfoLevel},
		{slog.LevelWarn, zerolog.WarnLevel},
		{slog.LevelError, zerolog.ErrorLevel},
	}
	for _, tt := range tests {
		if got := slogToZerologLevel(tt.in); got != tt.want {
			t.Errorf("slogToZerologLevel(%v): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}
