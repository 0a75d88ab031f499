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

import (
	"encoding/json"
	"time"
)

// StatusKind is the closed set of status values a device reports over the bus.
type StatusKind string

const (
	// Progress kinds published while an update session advances.
	StatusDownloading StatusKind = "DOWNLOADING"
	StatusVerified    StatusKind = "VERIFIED"
	StatusInstalling  StatusKind = "INSTALLING"
	StatusStaged      StatusKind = "STAGED"
	StatusRebooting   StatusKind = "REBOOTING"
	StatusHealthcheck StatusKind = "HEALTHCHECK_PENDING"

	// Outcome kinds. These terminate a session.
	StatusDownloadFailed   StatusKind = "DOWNLOAD_FAILED"
	StatusChecksumFailed   StatusKind = "CHECKSUM_FAILED"
	StatusInstallFailed    StatusKind = "INSTALL_FAILED"
	StatusUpdateSuccess    StatusKind = "UPDATE_SUCCESS"
	StatusRollbackExecuted StatusKind = "ROLLBACK_EXECUTED"
	StatusRollbackFailed   StatusKind = "ROLLBACK_FAILED"
	StatusSessionTimeout   StatusKind = "SESSION_TIMEOUT"
	StatusSessionBusy      StatusKind = "SESSION_BUSY"
)

// Terminal reports whether this status kind ends an update session.
func (k StatusKind) Terminal() bool {
	switch k {
	case StatusDownloadFailed, StatusChecksumFailed, StatusInstallFailed,
		StatusUpdateSuccess, StatusRollbackExecuted, StatusRollbackFailed,
		StatusSessionTimeout:
		return true
	default:
		return false
	}
}

// StatusEvent is an append-only record of one device-originated status report.
// SessionID is empty for non-update events (heartbeats, command outcomes).
type StatusEvent struct {
	DeviceID   string     `json:"device_id"`
	SessionID  string     `json:"session_id,omitempty"`
	Kind       StatusKind `json:"status"`
	Version    string     `json:"version,omitempty"`
	ActiveSlot Slot       `json:"active_slot,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// CommandEnvelope carries one ad-hoc operational command to one device.
// Not persisted beyond delivery; idempotency is the device's responsibility
// via CorrelationID deduplication.
type CommandEnvelope struct {
	DeviceID      string          `json:"device_id"`
	CommandType   string          `json:"command_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id"`
}

// CommandAck is the device's acknowledgment of a delivered command.
type CommandAck struct {
	DeviceID      string    `json:"device_id"`
	CorrelationID string    `json:"correlation_id"`
	Accepted      bool      `json:"accepted"`
	Detail        string    `json:"detail,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
