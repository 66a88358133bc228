// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

// Package config loads and validates the KegSight configuration.
//
// Configuration is layered via Koanf v2 (highest priority wins):
//
//  1. Environment variables (MAC_ID, DISPATCH_URL, ...)
//  2. Optional YAML config file (config.yaml, or CONFIG_PATH)
//  3. Built-in defaults
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config is the root configuration for the kegsight binary.
type Config struct {
	Device   DeviceConfig   `koanf:"device"`
	API      APIConfig      `koanf:"api"`
	Channel  ChannelConfig  `koanf:"channel"`
	Database DatabaseConfig `koanf:"database"`
	Capture  CaptureConfig  `koanf:"capture"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// DeviceConfig identifies this station to the remote service.
// MacID doubles as the API payload field and the addressed channel key.
type DeviceConfig struct {
	ForkliftID string `koanf:"forklift_id"` // Station label, e.g. TOP-CAM-001
	MacID      string `koanf:"mac_id"`      // Stable hardware address
	AreaName   string `koanf:"area_name"`   // Default area reported on dispatch
	Operator   string `koanf:"operator"`    // Operator tag stored on records
}

// APIConfig configures the synchronous dispatch client.
type APIConfig struct {
	CustomerURL string        `koanf:"customer_url"` // Customer directory endpoint
	DispatchURL string        `koanf:"dispatch_url"` // Batch submission endpoint
	Timeout     time.Duration `koanf:"timeout"`      // Fixed request timeout
}

// ChannelConfig configures the realtime location channel.
type ChannelConfig struct {
	URL              string        `koanf:"url"`               // Websocket base URL
	ReconnectDelay   time.Duration `koanf:"reconnect_delay"`   // Fixed delay between attempts
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"` // Dial timeout
}

// DatabaseConfig configures the embedded DuckDB store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`       // Database file path
	MaxMemory string `koanf:"max_memory"` // DuckDB memory limit, e.g. "512MB"
	Threads   int    `koanf:"threads"`    // 0 = runtime.NumCPU()
}

// CaptureConfig configures the frame source and the detection tick.
type CaptureConfig struct {
	Source   string        `koanf:"source"`    // "v4l2" or "synthetic"
	Device   string        `koanf:"device"`    // Device path for v4l2, e.g. /dev/video10
	Width    int           `koanf:"width"`     //
	Height   int           `koanf:"height"`    //
	TickRate time.Duration `koanf:"tick_rate"` // Detection tick cadence
}

// ServerConfig configures the operator/reporting HTTP API.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig configures the global zerolog logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	if err := c.validateDevice(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateChannel(); err != nil {
		return err
	}
	if err := c.validateCapture(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateDevice() error {
	if c.Device.MacID == "" {
		return fmt.Errorf("MAC_ID is required (device identity for API and channel addressing)")
	}
	if c.Device.ForkliftID == "" {
		return fmt.Errorf("FORKLIFT_ID is required")
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.CustomerURL == "" {
		return fmt.Errorf("CUSTOMER_URL is required")
	}
	if err := validateHTTPURL(c.API.CustomerURL, "CUSTOMER_URL"); err != nil {
		return err
	}
	if c.API.DispatchURL == "" {
		return fmt.Errorf("DISPATCH_URL is required")
	}
	if err := validateHTTPURL(c.API.DispatchURL, "DISPATCH_URL"); err != nil {
		return err
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("API_TIMEOUT must be positive, got %v", c.API.Timeout)
	}
	return nil
}

func (c *Config) validateChannel() error {
	if c.Channel.URL == "" {
		return fmt.Errorf("CHANNEL_URL is required")
	}
	u, err := url.Parse(c.Channel.URL)
	if err != nil {
		return fmt.Errorf("CHANNEL_URL is invalid: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("CHANNEL_URL must use ws, wss, http or https scheme, got %q", u.Scheme)
	}
	if c.Channel.ReconnectDelay <= 0 {
		return fmt.Errorf("CHANNEL_RECONNECT_DELAY must be positive, got %v", c.Channel.ReconnectDelay)
	}
	return nil
}

func (c *Config) validateCapture() error {
	switch c.Capture.Source {
	case "v4l2", "synthetic":
	default:
		return fmt.Errorf("CAPTURE_SOURCE must be v4l2 or synthetic, got %q", c.Capture.Source)
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		return fmt.Errorf("capture resolution must be positive, got %dx%d", c.Capture.Width, c.Capture.Height)
	}
	if c.Capture.TickRate <= 0 {
		return fmt.Errorf("CAPTURE_TICK_RATE must be positive, got %v", c.Capture.TickRate)
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be 1-65535, got %d", c.Server.Port)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "disabled":
	default:
		return fmt.Errorf("LOG_LEVEL must be a zerolog level, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// validateHTTPURL checks that raw parses as an absolute http(s) URL.
func validateHTTPURL(raw, name string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme, got %q", name, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host", name)
	}
	return nil
}
