/*
 * Copyright 2026 GridVolt, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package coordinator is the cloud-side control plane: it validates operator
// requests, owns the update session lifecycle, folds device status reports
// into the registry, and fans commands out through the dispatcher. All
// device-bound traffic leaves through the router's device-scoped subjects.
package coordinator

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gridvolt/fleetupdate/pkg/bus"
	"github.com/gridvolt/fleetupdate/pkg/dispatch"
	"github.com/gridvolt/fleetupdate/pkg/logger"
	"github.com/gridvolt/fleetupdate/pkg/models"
	"github.com/gridvolt/fleetupdate/pkg/registry"
	"github.com/gridvolt/fleetupdate/pkg/session"
)

// ErrInvalidImage is returned when an operator submits an image reference the
// coordinator refuses to offer to a device.
var ErrInvalidImage = errors.New("invalid update image")

const sha256HexLength = 64

// CancelCommandType mirrors the command type the agent registers for session
// revocation.
const CancelCommandType = "update.cancel"

// Config aggregates the coordinator's sub-component policies.
type Config struct {
	Session  session.Config  `json:"session"`
	Dispatch dispatch.Config `json:"dispatch"`
	// StreamBuffer bounds each status stream watcher. A slow watcher loses
	// events rather than stalling ingestion.
	StreamBuffer int `json:"stream_buffer"`
}

func (c *Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}

	if err := c.Dispatch.Validate(); err != nil {
		return err
	}

	if c.StreamBuffer < 1 {
		return errors.New("stream_buffer must be at least 1")
	}

	return nil
}

// Coordinator wires the session tracker, device registry, and command
// dispatcher behind one operator-facing surface.
type Coordinator struct {
	cfg        Config
	router     *bus.Router
	tracker    *session.Tracker
	registry   *registry.DeviceRegistry
	dispatcher *dispatch.Dispatcher
	logger     logger.Logger

	watchMu   sync.Mutex
	watchers  map[int]chan models.StatusEvent
	nextWatch int

	subs     []bus.Subscription
	stopOnce sync.Once
}

// New creates a coordinator over the given router.
func New(cfg Config, router *bus.Router, log logger.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	c := &Coordinator{
		cfg:      cfg,
		router:   router,
		registry: registry.NewDeviceRegistry(log),
		logger:   log,
		watchers: make(map[int]chan models.StatusEvent),
	}

	tracker, err := session.NewTracker(cfg.Session, c.onSessionTerminal, log)
	if err != nil {
		return nil, err
	}

	c.tracker = tracker

	dispatcher, err := dispatch.NewDispatcher(cfg.Dispatch, router, log)
	if err != nil {
		return nil, err
	}

	c.dispatcher = dispatcher

	return c, nil
}

// Start subscribes to the fleet status wildcard and launches the session
// deadline sweep.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.tracker.Start(ctx); err != nil {
		return err
	}

	sub, err := c.router.SubscribeStatus(c.handleStatus)
	if err != nil {
		return fmt.Errorf("failed to subscribe to fleet status events: %w", err)
	}

	c.subs = append(c.subs, sub)

	c.logger.Info().Msg("Coordinator started")

	return nil
}

// Stop drops the status subscription and halts the deadline sweep.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		for _, sub := range c.subs {
			_ = sub.Unsubscribe()
		}

		c.watchMu.Lock()
		for id, ch := range c.watchers {
			close(ch)
			delete(c.watchers, id)
		}
		c.watchMu.Unlock()
	})

	return c.tracker.Stop(ctx)
}

// StartUpdate validates the image, opens a session, and offers the update to
// the device. The device may still refuse (busy, locked out, unsafe).
func (c *Coordinator) StartUpdate(ctx context.Context, deviceID string, image models.UpdateImage) (*models.UpdateSession, error) {
	if err := bus.ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	if err := validateImage(image); err != nil {
		return nil, err
	}

	sess, err := c.tracker.StartSession(deviceID, image)
	if err != nil {
		return nil, err
	}

	notification := models.UpdateNotification{
		SessionID: sess.SessionID,
		Version:   image.Version,
		URL:       image.SourceURL,
		Checksum:  image.Checksum,
		Signature: image.Signature,
	}

	if err := c.router.PublishUpdate(ctx, deviceID, notification); err != nil {
		// The device never heard about the session; close it immediately
		// instead of letting the deadline sweep find it.
		if cancelErr := c.tracker.Cancel(sess.SessionID); cancelErr != nil {
			c.logger.Error().Err(cancelErr).Str("session_id", sess.SessionID).
				Msg("Could not close undeliverable session")
		}

		return nil, fmt.Errorf("failed to publish update notification: %w", err)
	}

	c.logger.Info().
		Str("device_id", deviceID).
		Str("session_id", sess.SessionID).
		Str("target_version", image.Version).
		Msg("Update offered to device")

	return sess, nil
}

// CancelUpdate revokes a session before its point of no return and tells the
// device to abandon any work in progress. The session is terminal the moment
// the tracker accepts the cancellation, regardless of command delivery.
func (c *Coordinator) CancelUpdate(ctx context.Context, sessionID string) error {
	sess, ok := c.tracker.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}

	if err := c.tracker.Cancel(sessionID); err != nil {
		return err
	}

	payload, _ := json.Marshal(struct {
		SessionID string `json:"session_id"`
	}{SessionID: sessionID})

	if _, err := c.dispatcher.Dispatch(ctx, sess.DeviceID, CancelCommandType, payload); err != nil {
		// Best effort: the device will publish SESSION_BUSY against its stale
		// session and the reports will be ignored as referencing a
		// terminated session.
		c.logger.Warn().Err(err).
			Str("session_id", sessionID).
			Str("device_id", sess.DeviceID).
			Msg("Cancel command could not be delivered")
	}

	return nil
}

// SendCommand dispatches one ad-hoc operational command and returns its
// correlation ID.
func (c *Coordinator) SendCommand(ctx context.Context, deviceID, commandType string, payload json.RawMessage) (string, error) {
	return c.dispatcher.Dispatch(ctx, deviceID, commandType, payload)
}

// GetSession returns a snapshot of any session, active or terminated.
func (c *Coordinator) GetSession(sessionID string) (*models.UpdateSession, bool) {
	return c.tracker.GetSession(sessionID)
}

// ListSessions returns snapshots of every known session, newest first.
func (c *Coordinator) ListSessions() []*models.UpdateSession {
	return c.tracker.ListSessions()
}

// ActiveSession returns the device's current non-terminal session, if any.
func (c *Coordinator) ActiveSession(deviceID string) (*models.UpdateSession, bool) {
	return c.tracker.ActiveSession(deviceID)
}

// GetDevice returns a copy of one device record.
func (c *Coordinator) GetDevice(deviceID string) (*models.Device, bool) {
	return c.registry.GetDevice(deviceID)
}

// ListDevices returns copies of every device record, ordered by device ID.
func (c *Coordinator) ListDevices() []*models.Device {
	return c.registry.ListDevices()
}

// MarkDeviceInactive flags a retired device. Its record and history remain.
func (c *Coordinator) MarkDeviceInactive(deviceID string) bool {
	return c.registry.MarkInactive(deviceID)
}

// WatchStatus returns a channel of live status events plus a cancel func. The
// channel is closed on cancel or coordinator stop; events are dropped, never
// queued unboundedly, when the watcher falls behind.
func (c *Coordinator) WatchStatus() (<-chan models.StatusEvent, func()) {
	ch := make(chan models.StatusEvent, c.cfg.StreamBuffer)

	c.watchMu.Lock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = ch
	c.watchMu.Unlock()

	cancel := func() {
		c.watchMu.Lock()
		defer c.watchMu.Unlock()

		if existing, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(existing)
		}
	}

	return ch, cancel
}

// handleStatus is the single ingestion point for device status reports. The
// registry is updated first so views stay consistent even for events the
// session tracker ignores.
func (c *Coordinator) handleStatus(event models.StatusEvent) {
	c.registry.ApplyStatus(event)
	c.tracker.Apply(event)
	c.broadcast(event)
}

func (c *Coordinator) broadcast(event models.StatusEvent) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	for _, ch := range c.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

// onSessionTerminal runs after a session reaches a terminal state. A timeout
// means the device went silent mid-session: no device event will ever clear
// its staged bookkeeping, so the coordinator synthesizes one.
func (c *Coordinator) onSessionTerminal(sess *models.UpdateSession) {
	if sess.State != models.StateSessionTimeout {
		return
	}

	c.logger.Warn().
		Str("device_id", sess.DeviceID).
		Str("session_id", sess.SessionID).
		Str("target_version", sess.TargetVersion).
		Msg("Session timed out without a device outcome")

	event := models.StatusEvent{
		DeviceID:  sess.DeviceID,
		SessionID: sess.SessionID,
		Kind:      models.StatusSessionTimeout,
		Version:   sess.TargetVersion,
		Detail:    "session deadline exceeded",
		Timestamp: time.Now(),
	}

	c.registry.ApplyStatus(event)
	c.broadcast(event)
}

// validateImage rejects image references before any session state is created.
// Only sha256 checksums are accepted; devices verify with the same algorithm.
func validateImage(image models.UpdateImage) error {
	if strings.TrimSpace(image.Version) == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidImage)
	}

	parsed, err := url.Parse(image.SourceURL)
	if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidImage)
	}

	algorithm, digest, found := strings.Cut(image.Checksum, ":")
	if !found || algorithm != "sha256" {
		return fmt.Errorf("%w: checksum must be of the form sha256:<hex>", ErrInvalidImage)
	}

	if len(digest) != sha256HexLength {
		return fmt.Errorf("%w: sha256 digest must be %d hex characters", ErrInvalidImage, sha256HexLength)
	}

	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("%w: checksum digest is not valid hex", ErrInvalidImage)
	}

	// The signature is opaque to the coordinator (only devices hold the
	// verification key), but a malformed one is rejected up front.
	if image.Signature != "" {
		sig, err := base64.StdEncoding.DecodeString(image.Signature)
		if err != nil {
			return fmt.Errorf("%w: signature is not valid base64", ErrInvalidImage)
		}

		if len(sig) != ed25519.SignatureSize {
			return fmt.Errorf("%w: signature must be %d bytes", ErrInvalidImage, ed25519.SignatureSize)
		}
	}

	return nil
}
