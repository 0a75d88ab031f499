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

// Package registry holds the authoritative in-memory view of every device in
// the fleet. Records are created on first contact, mutated only by the
// coordinator in response to device status reports, and never deleted, only
// marked inactive.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gridvolt/fleetupdate/pkg/logger"
	"github.com/gridvolt/fleetupdate/pkg/models"
)

// DeviceRegistry is a single-writer, multi-reader store. Readers always get
// defensive copies so a dashboard consumer can never mutate registry state.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]*models.Device
	logger  logger.Logger
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry(log logger.Logger) *DeviceRegistry {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &DeviceRegistry{
		devices: make(map[string]*models.Device),
		logger:  log,
	}
}

// ApplyStatus folds one status event into the device's record, creating the
// record on first contact. This is the only mutation path; the caller (the
// coordinator) is the single writer.
func (r *DeviceRegistry) ApplyStatus(event models.StatusEvent) {
	if strings.TrimSpace(event.DeviceID) == "" {
		return
	}

	now := event.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[event.DeviceID]
	if !ok {
		device = &models.Device{
			DeviceID:   event.DeviceID,
			ActiveSlot: models.SlotA,
			FirstSeen:  now,
		}
		r.devices[event.DeviceID] = device

		r.logger.Info().Str("device_id", event.DeviceID).Msg("Device registered on first contact")
	}

	device.LastSeen = now
	device.LastStatus = event.Kind

	if event.ActiveSlot.Valid() {
		device.ActiveSlot = event.ActiveSlot
	}

	switch event.Kind {
	case models.StatusStaged:
		staged := device.ActiveSlot.Other()
		device.StagedSlot = &staged
		device.StagedVersion = event.Version
	case models.StatusUpdateSuccess:
		device.ConfirmedVersion = event.Version
		device.StagedSlot = nil
		device.StagedVersion = ""
	case models.StatusRollbackExecuted:
		// Version here is the one the device reverted to.
		device.ConfirmedVersion = event.Version
		device.StagedSlot = nil
		device.StagedVersion = ""
	case models.StatusChecksumFailed, models.StatusDownloadFailed,
		models.StatusInstallFailed, models.StatusSessionTimeout:
		device.StagedSlot = nil
		device.StagedVersion = ""
	}
}

// GetDevice retrieves a copy of a device record.
func (r *DeviceRegistry) GetDevice(deviceID string) (*models.Device, bool) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[deviceID]
	if !ok {
		return nil, false
	}

	return cloneDevice(device), true
}

// ListDevices returns copies of every record, ordered by device ID.
func (r *DeviceRegistry) ListDevices() []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Device, 0, len(r.devices))
	for _, device := range r.devices {
		out = append(out, cloneDevice(device))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })

	return out
}

// MarkInactive flags a device as retired. Records are never deleted.
func (r *DeviceRegistry) MarkInactive(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[deviceID]
	if !ok {
		return false
	}

	device.Inactive = true

	return true
}

func cloneDevice(device *models.Device) *models.Device {
	clone := *device

	if device.StagedSlot != nil {
		staged := *device.StagedSlot
		clone.StagedSlot = &staged
	}

	return &clone
}
