// KegSight - Top-Camera Keg Pallet Tracking
// Copyright 2026 BrewOps Engineering
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brewops/kegsight

// Package locations maintains the long-lived websocket connection over
// which the remote service pushes physical-location assignments to this
// device.
//
// The channel keeps exactly one logical connection alive: on connect it
// sends a registration handshake identifying the device, then listens for
// both broadcast messages and messages addressed to the device's hardware
// identifier. All inbound payloads are normalized to a location-update
// Event before being handed to the session engine. On any failure the
// channel waits a fixed delay and reconnects, indefinitely; only context
// cancellation (process shutdown) stops the loop.
package locations

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/brewops/kegsight/internal/config"
	"github.com/brewops/kegsight/internal/logging"
	"github.com/brewops/kegsight/internal/metrics"
)

// ConnState describes the channel connection lifecycle for status display.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
)

// EventTypeLocationUpdate is the normalized inbound event type.
const EventTypeLocationUpdate = "location_update"

// deviceType identifies this station class in the registration handshake.
const deviceType = "top_camera"

// Event is a normalized inbound message from the remote service.
type Event struct {
	Type     string `json:"type"`
	Location string `json:"location"`
}

// Handler receives normalized events. It is invoked from the channel's
// background goroutine and must not block for long; the session engine's
// methods take their own lock briefly and qualify.
type Handler func(Event)

// StateObserver receives connection-state transitions for presentation.
type StateObserver func(ConnState)

// registration is the handshake sent once per successful connection. The
// remote service uses it to target subsequent location events at this
// device.
type registration struct {
	Type       string `json:"type"`
	ForkliftID string `json:"forklift_id"`
	MacID      string `json:"mac_id"`
	DeviceType string `json:"device_type"`
}

// envelope is the optional wrapper the service uses to address messages.
// Channel "message" is the broadcast stream; a channel equal to this
// device's MAC id is the personal stream. Payloads may also arrive bare.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Channel is the auto-reconnecting location event client.
// It implements suture.Service via Serve.
type Channel struct {
	url              string
	forkliftID       string
	macID            string
	reconnectDelay   time.Duration
	handshakeTimeout time.Duration

	handler  Handler
	observer StateObserver
}

// NewChannel creates a location channel. handler is required; observer may
// be nil.
func NewChannel(cfg *config.ChannelConfig, dev *config.DeviceConfig, handler Handler, observer StateObserver) (*Channel, error) {
	wsURL, err := buildWebsocketURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("build channel url: %w", err)
	}
	return &Channel{
		url:              wsURL,
		forkliftID:       dev.ForkliftID,
		macID:            dev.MacID,
		reconnectDelay:   cfg.ReconnectDelay,
		handshakeTimeout: cfg.HandshakeTimeout,
		handler:          handler,
		observer:         observer,
	}, nil
}

// buildWebsocketURL converts an http(s) base URL to ws(s), leaving ws(s)
// URLs untouched.
func buildWebsocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Serve runs the connect/register/listen loop until ctx is canceled.
//
// The loop never gives up: every disconnect or failed dial reports the
// state change, waits the fixed reconnect delay, and tries again. This is
// the suture.Service entry point; the supervisor restarts Serve if it ever
// returns a non-context error.
func (c *Channel) Serve(ctx context.Context) error {
	first := true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !first {
			metrics.ChannelReconnects.Inc()
		}
		first = false

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			logging.Warn().Err(err).Str("url", c.url).Msg("channel connect failed")
			if !sleepCtx(ctx, c.reconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		if err := c.register(conn); err != nil {
			c.setState(StateDisconnected)
			logging.Warn().Err(err).Msg("channel registration failed")
			_ = conn.Close()
			if !sleepCtx(ctx, c.reconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		c.setState(StateConnected)
		logging.Info().Str("forklift_id", c.forkliftID).Msg("channel connected and registered")

		c.listen(ctx, conn)

		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Warn().Dur("retry_in", c.reconnectDelay).Msg("channel disconnected")
		if !sleepCtx(ctx, c.reconnectDelay) {
			return ctx.Err()
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (c *Channel) String() string {
	return "location-channel"
}

// dial establishes the websocket connection.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.url, nil)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// register sends the device identification handshake.
func (c *Channel) register(conn *websocket.Conn) error {
	return conn.WriteJSON(registration{
		Type:       "register",
		ForkliftID: c.forkliftID,
		MacID:      c.macID,
		DeviceType: deviceType,
	})
}

// listen reads messages until the connection drops or ctx is canceled.
// A watcher goroutine closes the connection on cancellation to unblock the
// blocking read.
func (c *Channel) listen(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn().Err(err).Msg("channel read error")
			}
			_ = conn.Close()
			return
		}
		c.handleMessage(payload)
	}
}

// handleMessage normalizes one inbound payload and hands it to the handler.
//
// Accepted shapes, all funneled through the same normalization:
//   - an envelope {"channel": "message"|<mac_id>, "data": ...} wrapping
//     either of the bare shapes below
//   - a bare JSON string: treated as the location name
//   - a bare object with a "location" field
//
// Envelopes addressed to a different device are dropped.
func (c *Channel) handleMessage(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil && env.Channel != "" {
		if env.Channel != "message" && env.Channel != c.macID {
			logging.Debug().Str("channel", env.Channel).Msg("ignoring message addressed to another device")
			return
		}
		payload = env.Data
	}

	event, ok := normalizeEvent(payload)
	if !ok {
		logging.Debug().Str("payload", string(payload)).Msg("ignoring unrecognized channel payload")
		return
	}

	metrics.LocationEvents.Inc()
	logging.Info().Str("location", event.Location).Msg("location update received")
	c.handler(event)
}

// normalizeEvent maps a bare payload to a location-update Event.
func normalizeEvent(payload []byte) (Event, bool) {
	var loc string
	if err := json.Unmarshal(payload, &loc); err == nil && loc != "" {
		return Event{Type: EventTypeLocationUpdate, Location: loc}, true
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, false
	}
	if event.Location == "" {
		return Event{}, false
	}
	if event.Type == "" {
		event.Type = EventTypeLocationUpdate
	}
	return event, event.Type == EventTypeLocationUpdate
}

// setState updates the connection gauge and notifies the observer.
func (c *Channel) setState(state ConnState) {
	if state == StateConnected {
		metrics.ChannelConnected.Set(1)
	} else {
		metrics.ChannelConnected.Set(0)
	}
	if c.observer != nil {
		c.observer(state)
	}
}

// sleepCtx waits d or until ctx is canceled. Returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
