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
	"errors"
	"time"
)

// MaintenanceWindow is a daily local-time window in which updates may run.
// Start == End disables the window (updates run immediately). A window that
// wraps midnight (e.g. 22–2) is supported.
type MaintenanceWindow struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

func (w *MaintenanceWindow) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
		return errors.New("maintenance window hours must be within 0-23")
	}

	return nil
}

// Disabled reports whether the window imposes no restriction.
func (w *MaintenanceWindow) Disabled() bool {
	return w == nil || w.StartHour == w.EndHour
}

// Contains reports whether t falls inside the window.
func (w *MaintenanceWindow) Contains(t time.Time) bool {
	if w.Disabled() {
		return true
	}

	hour := t.Hour()

	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}

	// Wrap-around window, e.g. 22:00-02:00.
	return hour >= w.StartHour || hour < w.EndHour
}

// NextOpen returns how long until the window next opens. Zero when already
// inside the window.
func (w *MaintenanceWindow) NextOpen(t time.Time) time.Duration {
	if w.Contains(t) {
		return 0
	}

	next := time.Date(t.Year(), t.Month(), t.Day(), w.StartHour, 0, 0, 0, t.Location())
	if !next.After(t) {
		next = next.Add(24 * time.Hour)
	}

	return next.Sub(t)
}

// SafetyGate blocks updates while the gateway is in a state where a reboot
// would be unsafe (active charge/discharge, critical alarm, island mode, low
// state of charge). The control logic behind the answer is out of scope here.
type SafetyGate interface {
	SafeToUpdate() (safe bool, reason string)
}

// AlwaysSafeGate is the gate used when no operational interlock is wired in.
type AlwaysSafeGate struct{}

func (AlwaysSafeGate) SafeToUpdate() (bool, string) { return true, "" }
