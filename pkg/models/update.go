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

// UpdateImage describes one downloadable firmware/software image. Immutable
// once referenced by a session.
type UpdateImage struct {
	Version   string `json:"version"`
	SourceURL string `json:"url"`
	// Checksum is an algorithm-tagged digest, e.g. "sha256:<hex>".
	Checksum string `json:"checksum"`
	// Signature is the base64 Ed25519 signature over the image bytes.
	Signature string `json:"signature,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// UpdateNotification is the payload published to a device's update subject.
type UpdateNotification struct {
	SessionID string `json:"session_id"`
	Version   string `json:"version"`
	URL       string `json:"url"`
	Checksum  string `json:"checksum"`
	Signature string `json:"signature,omitempty"`
}

// SessionState is the cloud-side session state machine position.
type SessionState string

const (
	StatePending            SessionState = "PENDING"
	StateDownloading        SessionState = "DOWNLOADING"
	StateDownloadFailed     SessionState = "DOWNLOAD_FAILED"
	StateChecksumFailed     SessionState = "CHECKSUM_FAILED"
	StateVerified           SessionState = "VERIFIED"
	StateInstalling         SessionState = "INSTALLING"
	StateInstallFailed      SessionState = "INSTALL_FAILED"
	StateStaged             SessionState = "STAGED"
	StateAwaitingReboot     SessionState = "AWAITING_REBOOT"
	StateHealthcheckPending SessionState = "HEALTHCHECK_PENDING"
	StateUpdateSuccess      SessionState = "UPDATE_SUCCESS"
	StateRollbackExecuted   SessionState = "ROLLBACK_EXECUTED"
	StateRollbackFailed     SessionState = "ROLLBACK_FAILED"
	StateSessionTimeout     SessionState = "SESSION_TIMEOUT"
	StateCancelled          SessionState = "CANCELLED"
)

// Terminal reports whether the session can no longer change state.
func (s SessionState) Terminal() bool {
	switch s {
	case StateDownloadFailed, StateChecksumFailed, StateInstallFailed,
		StateUpdateSuccess, StateRollbackExecuted, StateRollbackFailed,
		StateSessionTimeout, StateCancelled:
		return true
	default:
		return false
	}
}

// StateTransition is one entry in a session's history.
type StateTransition struct {
	From   SessionState `json:"from"`
	To     SessionState `json:"to"`
	Detail string       `json:"detail,omitempty"`
	At     time.Time    `json:"at"`
}

// UpdateSession is the bounded lifecycle of one update attempt for one device.
// Retained for audit after termination but no longer mutable.
type UpdateSession struct {
	SessionID     string            `json:"session_id"`
	DeviceID      string            `json:"device_id"`
	TargetVersion string            `json:"target_version"`
	Image         UpdateImage       `json:"image"`
	State         SessionState      `json:"state"`
	StartedAt     time.Time         `json:"started_at"`
	DeadlineAt    time.Time         `json:"deadline_at"`
	History       []StateTransition `json:"history"`
}
