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

package models

import "time"

// Slot identifies one of the two interchangeable storage partitions on a
// gateway. Exactly one slot is active (bootable) at a time.
type Slot string

const (
	SlotA Slot = "A"
	SlotB Slot = "B"
)

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}

	return SlotA
}

func (s Slot) Valid() bool {
	return s == SlotA || s == SlotB
}

// Device is the registry's view of a field gateway. The cloud never writes
// device state directly; this record only reflects what the device's own
// status reports claim.
type Device struct {
	DeviceID         string     `json:"device_id"`
	ConfirmedVersion string     `json:"confirmed_version"`
	ActiveSlot       Slot       `json:"active_slot"`
	StagedSlot       *Slot      `json:"staged_slot,omitempty"`
	StagedVersion    string     `json:"staged_version,omitempty"`
	FirstSeen        time.Time  `json:"first_seen"`
	LastSeen         time.Time  `json:"last_seen"`
	Inactive         bool       `json:"inactive"`
	LastStatus       StatusKind `json:"last_status,omitempty"`
}
