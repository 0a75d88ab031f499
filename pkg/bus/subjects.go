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

package bus

import (
	"errors"
	"fmt"
	"strings"
)

// Subject layout: <prefix>.device.<deviceID>.<kind>. Every device-addressed
// message lives under its own device token, so transport-level subscription
// scoping is what enforces isolation, not runtime checks.
const (
	DefaultSubjectPrefix = "fleet"

	kindUpdate  = "update"
	kindCommand = "command"
	kindStatus  = "status"
	kindAck     = "ack"
)

var (
	ErrInvalidDeviceID = errors.New("device id is empty or contains characters not allowed in a subject token")
	errUnknownSubject  = errors.New("subject does not match the device subject layout")
)

// validDeviceID reports whether id maps one-to-one onto a subject token.
// Rejecting instead of rewriting keeps the mapping collision-free: two
// distinct device IDs can never share a subject.
func validDeviceID(id string) bool {
	if id == "" {
		return false
	}

	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}

	return true
}

// ValidateDeviceID rejects IDs that cannot map one-to-one onto a subject
// token. Callers taking device IDs from external input check here first.
func ValidateDeviceID(id string) error {
	if !validDeviceID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
	}

	return nil
}

type subjectBuilder struct {
	prefix string
}

func newSubjectBuilder(prefix string) subjectBuilder {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	return subjectBuilder{prefix: prefix}
}

func (b subjectBuilder) deviceSubject(deviceID, kind string) (string, error) {
	if !validDeviceID(deviceID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}

	return fmt.Sprintf("%s.device.%s.%s", b.prefix, deviceID, kind), nil
}

// statusWildcard matches every device's status subject.
func (b subjectBuilder) statusWildcard() string {
	return fmt.Sprintf("%s.device.*.%s", b.prefix, kindStatus)
}

// ackWildcard matches every device's command-ack subject.
func (b subjectBuilder) ackWildcard() string {
	return fmt.Sprintf("%s.device.*.%s", b.prefix, kindAck)
}

// deviceFromSubject extracts the device token from a device-scoped subject.
func (b subjectBuilder) deviceFromSubject(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0] != b.prefix || parts[1] != "device" {
		return "", fmt.Errorf("%w: %q", errUnknownSubject, subject)
	}

	return parts[2], nil
}
