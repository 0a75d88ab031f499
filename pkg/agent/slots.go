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

package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gridvolt/fleetupdate/pkg/models"
)

const (
	imageFileName   = "image.img"
	scratchFileName = "image.img.partial"
	digestFileName  = "image.sha256"

	activeMarkerFile = "active_slot"
	stagedMarkerFile = "staged.json"
	versionFile      = "confirmed_version"
	bootCountFile    = "boot_count"
	lockoutFile      = "lockout"
)

var (
	// ErrSlotCorrupt indicates a slot's image does not match its recorded digest.
	ErrSlotCorrupt = errors.New("slot image is missing or corrupt")
	// ErrLockedOut indicates the agent requires manual recovery before it will
	// attempt further automatic updates.
	ErrLockedOut = errors.New("agent is locked out pending manual recovery")
)

// stagedMarker records an install that has not yet been confirmed by a
// passing healthcheck.
type stagedMarker struct {
	Slot      models.Slot `json:"slot"`
	Version   string      `json:"version"`
	SessionID string      `json:"session_id"`
}

// SlotStore manages the dual-partition layout on local storage:
//
//	<dir>/slot-a/            image for slot A
//	<dir>/slot-b/            image for slot B
//	<dir>/state/             active marker, staged marker, counters
//
// The active marker changes only at commit time; until then the previous
// slot remains the rollback target.
type SlotStore struct {
	dir string
}

func NewSlotStore(dir string) (*SlotStore, error) {
	s := &SlotStore{dir: dir}

	for _, sub := range []string{s.slotDir(models.SlotA), s.slotDir(models.SlotB), s.stateDir()} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create slot directory %s: %w", sub, err)
		}
	}

	return s, nil
}

func (s *SlotStore) slotDir(slot models.Slot) string {
	return filepath.Join(s.dir, "slot-"+strings.ToLower(string(slot)))
}

func (s *SlotStore) stateDir() string {
	return filepath.Join(s.dir, "state")
}

func (s *SlotStore) statePath(name string) string {
	return filepath.Join(s.stateDir(), name)
}

// Active returns the confirmed bootable slot. A fresh device defaults to A.
func (s *SlotStore) Active() models.Slot {
	data, err := os.ReadFile(s.statePath(activeMarkerFile))
	if err != nil {
		return models.SlotA
	}

	slot := models.Slot(strings.TrimSpace(string(data)))
	if !slot.Valid() {
		return models.SlotA
	}

	return slot
}

// Inactive returns the slot used as staging scratch space.
func (s *SlotStore) Inactive() models.Slot {
	return s.Active().Other()
}

// SetActive moves the confirmed-boot marker. Only the commit path calls this.
func (s *SlotStore) SetActive(slot models.Slot) error {
	return s.writeState(activeMarkerFile, string(slot))
}

// ScratchPath is where a download streams before verification.
func (s *SlotStore) ScratchPath(slot models.Slot) string {
	return filepath.Join(s.slotDir(slot), scratchFileName)
}

// ImagePath is the authoritative image location inside a slot.
func (s *SlotStore) ImagePath(slot models.Slot) string {
	return filepath.Join(s.slotDir(slot), imageFileName)
}

// DiscardScratch removes any partial download from the slot. The slot is
// scratch space until staging, so this never affects bootable content.
func (s *SlotStore) DiscardScratch(slot models.Slot) {
	_ = os.Remove(s.ScratchPath(slot))
}

// PromoteScratch renames the verified scratch file into place and records its
// digest for later integrity checks.
func (s *SlotStore) PromoteScratch(slot models.Slot, digestHex string) error {
	if err := os.Rename(s.ScratchPath(slot), s.ImagePath(slot)); err != nil {
		return fmt.Errorf("failed to promote verified image in slot %s: %w", slot, err)
	}

	digestPath := filepath.Join(s.slotDir(slot), digestFileName)
	if err := os.WriteFile(digestPath, []byte(digestHex), 0o644); err != nil {
		return fmt.Errorf("failed to record slot digest: %w", err)
	}

	return nil
}

// MarkStaged writes the staged marker and zeroes the unconfirmed boot
// counter. This is the point of no return for cancellation.
func (s *SlotStore) MarkStaged(slot models.Slot, version, sessionID string) error {
	data, err := json.Marshal(stagedMarker{Slot: slot, Version: version, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("failed to marshal staged marker: %w", err)
	}

	if err := s.writeState(stagedMarkerFile, string(data)); err != nil {
		return err
	}

	return s.writeState(bootCountFile, "0")
}

// Staged returns the pending install, if one exists.
func (s *SlotStore) Staged() (*stagedMarker, bool) {
	data, err := os.ReadFile(s.statePath(stagedMarkerFile))
	if err != nil {
		return nil, false
	}

	var marker stagedMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, false
	}

	return &marker, true
}

// ClearStaged removes the staged marker. After this the boot target is the
// active slot again.
func (s *SlotStore) ClearStaged() error {
	if err := os.Remove(s.statePath(stagedMarkerFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear staged marker: %w", err)
	}

	return s.writeState(bootCountFile, "0")
}

// BootTarget is the slot the device boots into next: the staged slot during a
// trial, otherwise the active slot.
func (s *SlotStore) BootTarget() models.Slot {
	if marker, ok := s.Staged(); ok {
		return marker.Slot
	}

	return s.Active()
}

// IncrementBootCount bumps and returns the unconfirmed boot counter.
func (s *SlotStore) IncrementBootCount() (int, error) {
	count := 0

	if data, err := os.ReadFile(s.statePath(bootCountFile)); err == nil {
		if parsed, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			count = parsed
		}
	}

	count++

	if err := s.writeState(bootCountFile, strconv.Itoa(count)); err != nil {
		return 0, err
	}

	return count, nil
}

// ConfirmedVersion returns the last committed version, empty on a fresh device.
func (s *SlotStore) ConfirmedVersion() string {
	data, err := os.ReadFile(s.statePath(versionFile))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

func (s *SlotStore) SetConfirmedVersion(version string) error {
	return s.writeState(versionFile, version)
}

// CheckSlot verifies a slot's image against its recorded digest. A slot with
// an image but no recorded digest (factory install) passes on a non-empty
// image; a slot with neither is corrupt.
func (s *SlotStore) CheckSlot(slot models.Slot) error {
	info, err := os.Stat(s.ImagePath(slot))
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: slot %s has no image", ErrSlotCorrupt, slot)
	}

	digestData, err := os.ReadFile(filepath.Join(s.slotDir(slot), digestFileName))
	if err != nil {
		return nil
	}

	f, err := os.Open(s.ImagePath(slot))
	if err != nil {
		return fmt.Errorf("%w: slot %s image unreadable", ErrSlotCorrupt, slot)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("%w: slot %s image unreadable", ErrSlotCorrupt, slot)
	}

	if hex.EncodeToString(h.Sum(nil)) != strings.TrimSpace(string(digestData)) {
		return fmt.Errorf("%w: slot %s digest mismatch", ErrSlotCorrupt, slot)
	}

	return nil
}

// LockedOut reports whether a failed rollback has disabled automatic updates.
func (s *SlotStore) LockedOut() (bool, string) {
	data, err := os.ReadFile(s.statePath(lockoutFile))
	if err != nil {
		return false, ""
	}

	return true, strings.TrimSpace(string(data))
}

// SetLockout disables automatic updates until ClearLockout is called by a
// manual recovery procedure.
func (s *SlotStore) SetLockout(reason string) error {
	return s.writeState(lockoutFile, reason)
}

// ClearLockout re-enables automatic updates. Manual recovery only.
func (s *SlotStore) ClearLockout() error {
	if err := os.Remove(s.statePath(lockoutFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear lockout marker: %w", err)
	}

	return nil
}

func (s *SlotStore) writeState(name, value string) error {
	path := s.statePath(name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o644); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", name, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file %s: %w", name, err)
	}

	return nil
}
