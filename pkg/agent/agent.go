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

// Package agent implements the device-side update state machine: download,
// verify, stage into the inactive slot, reboot, healthcheck, then commit or
// roll back. All safety decisions are made from local state alone; the
// coordinator only observes outcomes.
package agent

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridvolt/fleetupdate/pkg/bus"
	"github.com/gridvolt/fleetupdate/pkg/logger"
	"github.com/gridvolt/fleetupdate/pkg/models"
)

// CancelUpdateCommand is the command type the coordinator publishes to revoke
// a session before its point of no return.
const CancelUpdateCommand = "update.cancel"

// Rebooter triggers a reboot into the current boot target. The production
// implementation does not return; test doubles re-enter Resume instead.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// Config is the agent's operating policy. Every window and budget comes from
// configuration; the agent bakes in no numeric defaults.
type Config struct {
	DeviceID            string             `json:"device_id"`
	DataDir             string             `json:"data_dir"`
	AllowedHosts        []string           `json:"allowed_hosts"`
	DownloadTimeout     models.Duration    `json:"download_timeout"`
	Healthcheck         HealthcheckPolicy  `json:"healthcheck"`
	MaxUnconfirmedBoots int                `json:"max_unconfirmed_boots"`
	Window              *MaintenanceWindow `json:"maintenance_window,omitempty"`
	SafetyRetryDelay    models.Duration    `json:"safety_retry_delay"`

	// SigningPublicKey is the base64-encoded raw Ed25519 key that update
	// images must be signed with. AllowUnsigned waives the requirement for
	// development fleets; production configs set a key instead.
	SigningPublicKey string `json:"signing_public_key,omitempty"`
	AllowUnsigned    bool   `json:"allow_unsigned,omitempty"`
}

func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return errors.New("device_id is required")
	}

	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}

	if c.DownloadTimeout <= 0 {
		return errors.New("download_timeout must be positive")
	}

	if c.MaxUnconfirmedBoots < 1 {
		return errors.New("max_unconfirmed_boots must be at least 1")
	}

	if c.SafetyRetryDelay <= 0 {
		return errors.New("safety_retry_delay must be positive")
	}

	if c.SigningPublicKey == "" && !c.AllowUnsigned {
		return errors.New("signing_public_key is required unless allow_unsigned is set")
	}

	if c.SigningPublicKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.SigningPublicKey)
		if err != nil {
			return fmt.Errorf("signing_public_key is not valid base64: %w", err)
		}

		if len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("signing_public_key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
		}
	}

	if c.Window != nil {
		if err := c.Window.Validate(); err != nil {
			return err
		}
	}

	return c.Healthcheck.Validate()
}

// Deps are the agent's pluggable collaborators.
type Deps struct {
	Rebooter   Rebooter
	Gate       SafetyGate
	Checks     []HealthChecker
	HTTPClient *http.Client
}

// Agent runs one device's update lifecycle. There is exactly one driving
// goroutine, so the state machine needs no locking of its own.
type Agent struct {
	cfg        Config
	router     *bus.Router
	slots      *SlotStore
	downloader *Downloader
	checks     []HealthChecker
	rebooter   Rebooter
	gate       SafetyGate
	signingKey ed25519.PublicKey
	logger     logger.Logger

	// updating is set for the whole span of a session, from accepting the
	// notification until handleNotification returns. Offers arriving while
	// it is set are answered with SESSION_BUSY, never queued.
	updating atomic.Bool
	notifyCh chan models.UpdateNotification

	// cancelMu guards the cancellation hook for the in-flight download.
	cancelMu       sync.Mutex
	currentSession string
	cancelSession  context.CancelFunc

	commandMu sync.RWMutex
	commands  map[string]CommandHandler
	dedup     *dedupSet

	subs     []bus.Subscription
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates an agent. Deps.Rebooter is required; a nil Gate means no
// operational interlock.
func New(cfg Config, router *bus.Router, deps Deps, log logger.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}

	if deps.Rebooter == nil {
		return nil, errors.New("a rebooter is required")
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	slots, err := NewSlotStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	gate := deps.Gate
	if gate == nil {
		gate = AlwaysSafeGate{}
	}

	var signingKey ed25519.PublicKey

	if cfg.SigningPublicKey != "" {
		// Already validated by cfg.Validate above.
		raw, _ := base64.StdEncoding.DecodeString(cfg.SigningPublicKey)
		signingKey = ed25519.PublicKey(raw)
	}

	a := &Agent{
		cfg:        cfg,
		router:     router,
		slots:      slots,
		downloader: NewDownloader(deps.HTTPClient, cfg.AllowedHosts),
		checks:     deps.Checks,
		rebooter:   deps.Rebooter,
		gate:       gate,
		signingKey: signingKey,
		logger:     log,
		notifyCh:   make(chan models.UpdateNotification, 1),
		commands:   make(map[string]CommandHandler),
		dedup:      newDedupSet(defaultDedupCapacity),
		stopCh:     make(chan struct{}),
	}

	a.RegisterCommand(CancelUpdateCommand, a.handleCancelCommand)

	return a, nil
}

// Slots exposes the slot store for local tooling (manual recovery, tests).
func (a *Agent) Slots() *SlotStore {
	return a.slots
}

// Start resumes any staged update from before the last boot, then subscribes
// to the device's update and command subjects and launches the driving loop.
func (a *Agent) Start(ctx context.Context) error {
	a.Resume(ctx)

	updateSub, err := a.router.SubscribeUpdates(a.cfg.DeviceID, func(n models.UpdateNotification) {
		if !a.updating.CompareAndSwap(false, true) {
			// An install is already in progress; reject without touching it.
			a.publishStatus(ctx, n.SessionID, models.StatusSessionBusy, n.Version, "update already in progress")
			return
		}

		// The claim above guarantees the buffer slot is free.
		a.notifyCh <- n
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to update notifications: %w", err)
	}

	a.subs = append(a.subs, updateSub)

	commandSub, err := a.router.SubscribeCommands(a.cfg.DeviceID, func(cmd models.CommandEnvelope) {
		a.handleCommand(ctx, cmd)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}

	a.subs = append(a.subs, commandSub)

	a.wg.Add(1)

	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()

	a.logger.Info().
		Str("device_id", a.cfg.DeviceID).
		Str("active_slot", string(a.slots.Active())).
		Str("confirmed_version", a.slots.ConfirmedVersion()).
		Msg("Update agent started")

	return nil
}

// Stop halts the driving loop and drops all subscriptions.
func (a *Agent) Stop(_ context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })

	for _, sub := range a.subs {
		_ = sub.Unsubscribe()
	}

	a.wg.Wait()

	return nil
}

func (a *Agent) run(ctx context.Context) {
	for {
		select {
		case n := <-a.notifyCh:
			a.handleNotification(ctx, n)
			a.updating.Store(false)
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) handleNotification(ctx context.Context, n models.UpdateNotification) {
	if locked, reason := a.slots.LockedOut(); locked {
		a.publishStatus(ctx, n.SessionID, models.StatusSessionBusy, n.Version,
			"automatic updates disabled pending manual recovery: "+reason)

		return
	}

	if _, staged := a.slots.Staged(); staged {
		a.publishStatus(ctx, n.SessionID, models.StatusSessionBusy, n.Version,
			"a staged update is awaiting reboot confirmation")

		return
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.setCancelHook(n.SessionID, cancel)
	defer a.clearCancelHook()

	if !a.waitForWindow(sessionCtx) || !a.waitForSafety(sessionCtx) {
		a.logger.Info().Str("session_id", n.SessionID).Msg("Update abandoned before download")
		return
	}

	if !a.download(sessionCtx, n) {
		return
	}

	// Last cancellation checkpoint; INSTALLING is the point of no return.
	if sessionCtx.Err() != nil {
		a.slots.DiscardScratch(a.slots.Inactive())
		return
	}

	a.clearCancelHook()
	a.install(ctx, n)
}

// waitForWindow blocks until the maintenance window opens.
func (a *Agent) waitForWindow(ctx context.Context) bool {
	wait := a.cfg.Window.NextOpen(time.Now())
	if wait == 0 {
		return true
	}

	a.logger.Info().Dur("wait", wait).Msg("Outside maintenance window; update deferred")

	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	case <-a.stopCh:
		return false
	}
}

// waitForSafety blocks until the gateway reports it is safe to reboot.
func (a *Agent) waitForSafety(ctx context.Context) bool {
	for {
		safe, reason := a.gate.SafeToUpdate()
		if safe {
			return true
		}

		a.logger.Warn().
			Str("reason", reason).
			Dur("retry_in", a.cfg.SafetyRetryDelay.Duration()).
			Msg("Update blocked by safety gate; rescheduling")

		select {
		case <-time.After(a.cfg.SafetyRetryDelay.Duration()):
		case <-ctx.Done():
			return false
		case <-a.stopCh:
			return false
		}
	}
}

// download streams the image into the inactive slot and verifies it. The
// inactive slot is scratch space until staging, so failures here leave the
// bootable content byte-identical to before the attempt.
func (a *Agent) download(ctx context.Context, n models.UpdateNotification) bool {
	target := a.slots.Inactive()

	a.publishStatus(ctx, n.SessionID, models.StatusDownloading, n.Version, "")

	downloadCtx, cancel := context.WithTimeout(ctx, a.cfg.DownloadTimeout.Duration())
	defer cancel()

	digest, size, err := a.downloader.Download(downloadCtx, n.URL, a.slots.ScratchPath(target))
	if err != nil {
		a.slots.DiscardScratch(target)

		if ctx.Err() != nil {
			a.logger.Info().Str("session_id", n.SessionID).Msg("Download cancelled")
			return false
		}

		a.publishStatus(ctx, n.SessionID, models.StatusDownloadFailed, n.Version, err.Error())

		return false
	}

	if err := VerifyDigest(digest, n.Checksum); err != nil {
		a.slots.DiscardScratch(target)
		a.publishStatus(ctx, n.SessionID, models.StatusChecksumFailed, n.Version, err.Error())

		return false
	}

	if err := a.verifySignature(a.slots.ScratchPath(target), n.Signature); err != nil {
		a.slots.DiscardScratch(target)
		a.publishStatus(ctx, n.SessionID, models.StatusChecksumFailed, n.Version, err.Error())

		return false
	}

	if err := a.slots.PromoteScratch(target, digest); err != nil {
		a.slots.DiscardScratch(target)
		a.publishStatus(ctx, n.SessionID, models.StatusInstallFailed, n.Version, err.Error())

		return false
	}

	a.logger.Info().
		Str("session_id", n.SessionID).
		Str("version", n.Version).
		Int64("bytes", size).
		Str("slot", string(target)).
		Msg("Image downloaded and verified")

	a.publishStatus(ctx, n.SessionID, models.StatusVerified, n.Version, "")

	return true
}

// verifySignature enforces the code-signing policy on a downloaded image. A
// present signature is always checked; a missing one is only tolerated under
// the allow_unsigned development policy.
func (a *Agent) verifySignature(path, signature string) error {
	if signature == "" {
		if a.cfg.AllowUnsigned {
			a.logger.Warn().Msg("Accepting unsigned image under allow_unsigned policy")
			return nil
		}

		return ErrSignatureMissing
	}

	if a.signingKey == nil {
		if a.cfg.AllowUnsigned {
			a.logger.Warn().Msg("No signing key configured; skipping signature check under allow_unsigned policy")
			return nil
		}

		return errors.New("image is signed but no signing key is configured")
	}

	return VerifySignature(path, signature, a.signingKey)
}

// install stages the verified image and reboots into it for a trial.
func (a *Agent) install(ctx context.Context, n models.UpdateNotification) {
	target := a.slots.Inactive()

	a.publishStatus(ctx, n.SessionID, models.StatusInstalling, n.Version, "")

	if err := a.slots.MarkStaged(target, n.Version, n.SessionID); err != nil {
		a.publishStatus(ctx, n.SessionID, models.StatusInstallFailed, n.Version, err.Error())
		return
	}

	a.publishStatus(ctx, n.SessionID, models.StatusStaged, n.Version, "")
	a.publishStatus(ctx, n.SessionID, models.StatusRebooting, n.Version, "")

	if err := a.rebooter.Reboot(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Reboot request failed; staged update remains pending")
	}
}

// Resume completes a staged update after boot: healthcheck, then commit or
// roll back. Decidable entirely from local state, no coordinator round-trip.
func (a *Agent) Resume(ctx context.Context) {
	marker, ok := a.slots.Staged()
	if !ok {
		return
	}

	count, err := a.slots.IncrementBootCount()
	if err != nil {
		a.logger.Error().Err(err).Msg("Could not update boot counter")
	}

	if count > a.cfg.MaxUnconfirmedBoots {
		a.rollback(ctx, marker, fmt.Sprintf("unconfirmed boot count %d exceeds budget %d", count, a.cfg.MaxUnconfirmedBoots))
		return
	}

	a.publishStatus(ctx, marker.SessionID, models.StatusHealthcheck, marker.Version, "")

	if err := runHealthcheck(ctx, a.cfg.Healthcheck, a.checks, a.logger); err != nil {
		a.rollback(ctx, marker, err.Error())
		return
	}

	a.commit(ctx, marker)
}

func (a *Agent) commit(ctx context.Context, marker *stagedMarker) {
	previousVersion := a.slots.ConfirmedVersion()

	if err := a.slots.SetConfirmedVersion(marker.Version); err != nil {
		a.rollback(ctx, marker, "failed to persist confirmed version: "+err.Error())
		return
	}

	if err := a.slots.SetActive(marker.Slot); err != nil {
		// The boot selector still points at the previous slot, so the
		// confirmed version must be wound back to match it.
		if restoreErr := a.slots.SetConfirmedVersion(previousVersion); restoreErr != nil {
			a.logger.Error().Err(restoreErr).Msg("Could not restore confirmed version after failed slot flip")
		}

		a.rollback(ctx, marker, "failed to flip active slot: "+err.Error())

		return
	}

	if err := a.slots.ClearStaged(); err != nil {
		a.logger.Error().Err(err).Msg("Could not clear staged marker after commit")
	}

	a.logger.Info().
		Str("version", marker.Version).
		Str("active_slot", string(marker.Slot)).
		Msg("Update committed")

	a.publishStatus(ctx, marker.SessionID, models.StatusUpdateSuccess, marker.Version, "")
}

// rollback reverts the boot selector to the previous slot. The active marker
// was never moved during the trial, so clearing the staged marker is the
// whole reversal; the previous slot's integrity is verified first.
func (a *Agent) rollback(ctx context.Context, marker *stagedMarker, reason string) {
	previous := a.slots.Active()

	if err := a.slots.CheckSlot(previous); err != nil {
		// Staged slot failed validation and the rollback target is corrupt
		// too: nothing bootable remains. Fatal, manual recovery required.
		detail := fmt.Sprintf("rollback target unusable (%s) after: %s", err, reason)

		if lockErr := a.slots.SetLockout(detail); lockErr != nil {
			a.logger.Error().Err(lockErr).Msg("Could not persist lockout marker")
		}

		a.logger.Error().Str("detail", detail).Msg("Dual-slot failure; refusing further automatic updates")
		a.publishStatus(ctx, marker.SessionID, models.StatusRollbackFailed, marker.Version, detail)

		return
	}

	if err := a.slots.ClearStaged(); err != nil {
		a.logger.Error().Err(err).Msg("Could not clear staged marker during rollback")
	}

	reverted := a.slots.ConfirmedVersion()

	a.logger.Warn().
		Str("reason", reason).
		Str("reverted_to", reverted).
		Str("slot", string(previous)).
		Msg("Rollback executed")

	a.publishStatus(ctx, marker.SessionID, models.StatusRollbackExecuted, reverted, reason)

	if err := a.rebooter.Reboot(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Reboot into previous slot failed")
	}
}

func (a *Agent) publishStatus(ctx context.Context, sessionID string, kind models.StatusKind, version, detail string) {
	event := models.StatusEvent{
		DeviceID:   a.cfg.DeviceID,
		SessionID:  sessionID,
		Kind:       kind,
		Version:    version,
		ActiveSlot: a.slots.Active(),
		Detail:     detail,
		Timestamp:  time.Now(),
	}

	if err := a.router.PublishStatus(ctx, event); err != nil {
		a.logger.Warn().
			Err(err).
			Str("status", string(kind)).
			Msg("Could not publish status event")
	}
}

func (a *Agent) setCancelHook(sessionID string, cancel context.CancelFunc) {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()

	a.currentSession = sessionID
	a.cancelSession = cancel
}

func (a *Agent) clearCancelHook() {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()

	a.currentSession = ""
	a.cancelSession = nil
}

// handleCancelCommand aborts the in-flight session if it has not passed the
// point of no return. Accepted but ineffective afterwards, per protocol.
func (a *Agent) handleCancelCommand(_ context.Context, cmd models.CommandEnvelope) error {
	var payload struct {
		SessionID string `json:"session_id"`
	}

	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return fmt.Errorf("malformed cancel payload: %w", err)
		}
	}

	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()

	if a.cancelSession != nil && (payload.SessionID == "" || payload.SessionID == a.currentSession) {
		a.cancelSession()
	}

	return nil
}
