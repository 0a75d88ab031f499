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

// Package session owns the cloud-side per-device update session state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridvolt/fleetupdate/pkg/logger"
	"github.com/gridvolt/fleetupdate/pkg/models"
)

var (
	// ErrSessionBusy is returned when a device already has a non-terminal session.
	ErrSessionBusy = errors.New("device already has an active update session")
	// ErrCancelTooLate is returned when cancellation arrives after the point of no return.
	ErrCancelTooLate = errors.New("session has passed the point of no return and cannot be cancelled")
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	errMissingDeviceID = errors.New("device id is required")
	errWindowNotSet    = errors.New("download, install, and healthcheck windows must all be positive")
)

// Config bounds each phase of a session independently. All windows are
// product-specific and must be supplied; there are no baked-in defaults.
type Config struct {
	DownloadWindow    models.Duration `json:"download_window"`
	InstallWindow     models.Duration `json:"install_window"`
	HealthcheckWindow models.Duration `json:"healthcheck_window"`
	SweepInterval     models.Duration `json:"sweep_interval"`
}

func (c *Config) Validate() error {
	if c.DownloadWindow <= 0 || c.InstallWindow <= 0 || c.HealthcheckWindow <= 0 {
		return errWindowNotSet
	}

	if c.SweepInterval <= 0 {
		return errors.New("sweep_interval must be positive")
	}

	return nil
}

// Observer is notified after a session reaches a terminal state. It is always
// invoked outside the per-device lock.
type Observer func(session *models.UpdateSession)

// deviceEntry holds one device's session area. Each entry has its own lock so
// unrelated devices never contend (the tracker map lock only covers entry
// creation and lookup).
type deviceEntry struct {
	mu      sync.Mutex
	active  *models.UpdateSession
	archive []*models.UpdateSession
}

// Tracker enforces the at-most-one-session-per-device invariant and drives
// session state from device status events and operator actions.
type Tracker struct {
	cfg    Config
	logger logger.Logger

	mu        sync.RWMutex
	byDevice  map[string]*deviceEntry
	bySession map[string]*deviceEntry

	observer Observer

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	nowFn    func() time.Time
}

// NewTracker creates a tracker. The observer may be nil.
func NewTracker(cfg Config, observer Observer, log logger.Logger) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session tracker config: %w", err)
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Tracker{
		cfg:       cfg,
		logger:    log,
		byDevice:  make(map[string]*deviceEntry),
		bySession: make(map[string]*deviceEntry),
		observer:  observer,
		stopCh:    make(chan struct{}),
		nowFn:     time.Now,
	}, nil
}

// Start launches the deadline sweep. The sweep runs independently of any
// device-specific I/O so one unreachable device cannot stall timeouts for the
// rest of the fleet.
func (t *Tracker) Start(ctx context.Context) error {
	t.wg.Add(1)

	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(t.cfg.SweepInterval.Duration())
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.sweepExpired()
			case <-t.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop halts the sweep goroutine.
func (t *Tracker) Stop(_ context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()

	return nil
}

// StartSession creates a PENDING session for the device, or fails with
// ErrSessionBusy when a non-terminal session already exists.
func (t *Tracker) StartSession(deviceID string, image models.UpdateImage) (*models.UpdateSession, error) {
	if deviceID == "" {
		return nil, errMissingDeviceID
	}

	entry := t.entryFor(deviceID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.active != nil {
		return nil, fmt.Errorf("%w: device %s session %s in state %s",
			ErrSessionBusy, deviceID, entry.active.SessionID, entry.active.State)
	}

	now := t.nowFn()
	deadline := now.
		Add(t.cfg.DownloadWindow.Duration()).
		Add(t.cfg.InstallWindow.Duration()).
		Add(t.cfg.HealthcheckWindow.Duration())

	session := &models.UpdateSession{
		SessionID:     uuid.New().String(),
		DeviceID:      deviceID,
		TargetVersion: image.Version,
		Image:         image,
		State:         models.StatePending,
		StartedAt:     now,
		DeadlineAt:    deadline,
		History: []models.StateTransition{
			{To: models.StatePending, At: now},
		},
	}

	entry.active = session

	t.mu.Lock()
	t.bySession[session.SessionID] = entry
	t.mu.Unlock()

	t.logger.Info().
		Str("device_id", deviceID).
		Str("session_id", session.SessionID).
		Str("target_version", image.Version).
		Time("deadline", deadline).
		Msg("Update session started")

	return cloneSession(session), nil
}

// Cancel terminates a session before its point of no return. Once INSTALLING
// has begun the cancellation is rejected.
func (t *Tracker) Cancel(sessionID string) error {
	entry := t.entryForSession(sessionID)
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	var terminal *models.UpdateSession

	entry.mu.Lock()

	session := entry.active
	if session == nil || session.SessionID != sessionID {
		// The session index resolved the ID, so the session exists but has
		// already been archived in a terminal state.
		entry.mu.Unlock()
		return fmt.Errorf("%w: session %s already reached a terminal state", ErrCancelTooLate, sessionID)
	}

	switch session.State {
	case models.StatePending, models.StateDownloading:
		t.transitionLocked(entry, session, models.StateCancelled, "cancelled by operator")
		terminal = cloneSession(session)
	default:
		entry.mu.Unlock()
		return fmt.Errorf("%w: session %s is in state %s", ErrCancelTooLate, sessionID, session.State)
	}

	entry.mu.Unlock()

	t.notify(terminal)

	return nil
}

// Apply folds a device status event into its session. Events referencing
// unknown or terminal sessions are ignored and logged as anomalies. Returns
// the session snapshot after the event, if it applied.
func (t *Tracker) Apply(event models.StatusEvent) (*models.UpdateSession, bool) {
	if event.SessionID == "" {
		return nil, false
	}

	entry := t.entryForSession(event.SessionID)
	if entry == nil {
		t.logger.Warn().
			Str("session_id", event.SessionID).
			Str("device_id", event.DeviceID).
			Msg("Status event references unknown session; ignoring")

		return nil, false
	}

	var (
		snapshot *models.UpdateSession
		terminal *models.UpdateSession
	)

	entry.mu.Lock()

	session := entry.active
	if session == nil || session.SessionID != event.SessionID {
		entry.mu.Unlock()

		t.logger.Warn().
			Str("session_id", event.SessionID).
			Str("device_id", event.DeviceID).
			Str("status", string(event.Kind)).
			Msg("Status event references terminated session; ignoring")

		return nil, false
	}

	if session.DeviceID != event.DeviceID {
		entry.mu.Unlock()

		t.logger.Error().
			Str("session_id", event.SessionID).
			Str("session_device", session.DeviceID).
			Str("event_device", event.DeviceID).
			Msg("Status event device does not own this session; ignoring")

		return nil, false
	}

	next, ok := stateForStatus(event.Kind)
	if !ok {
		entry.mu.Unlock()

		t.logger.Warn().
			Str("session_id", event.SessionID).
			Str("status", string(event.Kind)).
			Msg("Status kind does not drive the session state machine; ignoring")

		return nil, false
	}

	if next != session.State {
		t.transitionLocked(entry, session, next, event.Detail)
	}

	snapshot = cloneSession(session)
	if next.Terminal() {
		terminal = snapshot
	}

	entry.mu.Unlock()

	t.notify(terminal)

	return snapshot, true
}

// GetSession returns a snapshot of any session, active or terminated.
func (t *Tracker) GetSession(sessionID string) (*models.UpdateSession, bool) {
	entry := t.entryForSession(sessionID)
	if entry == nil {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.active != nil && entry.active.SessionID == sessionID {
		return cloneSession(entry.active), true
	}

	for _, session := range entry.archive {
		if session.SessionID == sessionID {
			return cloneSession(session), true
		}
	}

	return nil, false
}

// ActiveSession returns the device's current non-terminal session, if any.
func (t *Tracker) ActiveSession(deviceID string) (*models.UpdateSession, bool) {
	t.mu.RLock()
	entry, ok := t.byDevice[deviceID]
	t.mu.RUnlock()

	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.active == nil {
		return nil, false
	}

	return cloneSession(entry.active), true
}

// ListSessions returns snapshots of every session, newest first.
func (t *Tracker) ListSessions() []*models.UpdateSession {
	t.mu.RLock()
	entries := make([]*deviceEntry, 0, len(t.byDevice))

	for _, entry := range t.byDevice {
		entries = append(entries, entry)
	}
	t.mu.RUnlock()

	var out []*models.UpdateSession

	for _, entry := range entries {
		entry.mu.Lock()

		if entry.active != nil {
			out = append(out, cloneSession(entry.active))
		}

		for _, session := range entry.archive {
			out = append(out, cloneSession(session))
		}

		entry.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	return out
}

// sweepExpired unilaterally times out overdue sessions. The device is
// presumed to have failed silently; no further device input is awaited.
func (t *Tracker) sweepExpired() {
	now := t.nowFn()

	t.mu.RLock()
	entries := make([]*deviceEntry, 0, len(t.byDevice))

	for _, entry := range t.byDevice {
		entries = append(entries, entry)
	}
	t.mu.RUnlock()

	var expired []*models.UpdateSession

	for _, entry := range entries {
		entry.mu.Lock()

		session := entry.active
		if session != nil && now.After(session.DeadlineAt) {
			t.transitionLocked(entry, session, models.StateSessionTimeout, "deadline exceeded")
			expired = append(expired, cloneSession(session))
		}

		entry.mu.Unlock()
	}

	for _, session := range expired {
		t.logger.Warn().
			Str("device_id", session.DeviceID).
			Str("session_id", session.SessionID).
			Msg("Session timed out; device presumed to have failed silently")

		t.notify(session)
	}
}

// transitionLocked records a state change. Caller holds entry.mu and session
// must be entry.active. Terminal transitions move the session to the archive,
// after which it is immutable.
func (t *Tracker) transitionLocked(entry *deviceEntry, session *models.UpdateSession, next models.SessionState, detail string) {
	session.History = append(session.History, models.StateTransition{
		From:   session.State,
		To:     next,
		Detail: detail,
		At:     t.nowFn(),
	})
	session.State = next

	if next.Terminal() {
		entry.archive = append(entry.archive, session)
		entry.active = nil
	}
}

func (t *Tracker) notify(terminal *models.UpdateSession) {
	if terminal == nil || t.observer == nil {
		return
	}

	t.observer(terminal)
}

func (t *Tracker) entryFor(deviceID string) *deviceEntry {
	t.mu.RLock()
	entry, ok := t.byDevice[deviceID]
	t.mu.RUnlock()

	if ok {
		return entry
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok = t.byDevice[deviceID]; ok {
		return entry
	}

	entry = &deviceEntry{}
	t.byDevice[deviceID] = entry

	return entry
}

func (t *Tracker) entryForSession(sessionID string) *deviceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.bySession[sessionID]
}

// stateForStatus maps a device status kind onto the session state machine.
// SESSION_BUSY deliberately maps to nothing: the deadline sweep resolves the
// conflicting session.
func stateForStatus(kind models.StatusKind) (models.SessionState, bool) {
	switch kind {
	case models.StatusDownloading:
		return models.StateDownloading, true
	case models.StatusVerified:
		return models.StateVerified, true
	case models.StatusInstalling:
		return models.StateInstalling, true
	case models.StatusStaged:
		return models.StateStaged, true
	case models.StatusRebooting:
		return models.StateAwaitingReboot, true
	case models.StatusHealthcheck:
		return models.StateHealthcheckPending, true
	case models.StatusDownloadFailed:
		return models.StateDownloadFailed, true
	case models.StatusChecksumFailed:
		return models.StateChecksumFailed, true
	case models.StatusInstallFailed:
		return models.StateInstallFailed, true
	case models.StatusUpdateSuccess:
		return models.StateUpdateSuccess, true
	case models.StatusRollbackExecuted:
		return models.StateRollbackExecuted, true
	case models.StatusRollbackFailed:
		return models.StateRollbackFailed, true
	case models.StatusSessionTimeout:
		return models.StateSessionTimeout, true
	default:
		return "", false
	}
}

func cloneSession(session *models.UpdateSession) *models.UpdateSession {
	clone := *session
	clone.History = append([]models.StateTransition(nil), session.History...)

	return &clone
}
