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
	"context"
	"sync"
	"time"

	"github.com/gridvolt/fleetupdate/pkg/models"
)

const defaultDedupCapacity = 1024

// CommandHandler executes one operational command on the device.
type CommandHandler func(ctx context.Context, cmd models.CommandEnvelope) error

// dedupSet remembers recently seen correlation IDs so redelivered commands
// (at-least-once transport) execute exactly once. Bounded FIFO eviction.
type dedupSet struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    []string
	capacity int
}

func newDedupSet(capacity int) *dedupSet {
	if capacity < 1 {
		capacity = defaultDedupCapacity
	}

	return &dedupSet{
		seen:     make(map[string]struct{}, capacity),
		capacity: capacity,
	}
}

// observe records the ID and reports whether it was already known.
func (d *dedupSet) observe(id string) (duplicate bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	d.seen[id] = struct{}{}
	d.order = append(d.order, id)

	if len(d.order) > d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}

	return false
}

// RegisterCommand installs a handler for one command type. Handlers run on
// the command subscription's goroutine, never on the update state machine's.
func (a *Agent) RegisterCommand(commandType string, handler CommandHandler) {
	a.commandMu.Lock()
	defer a.commandMu.Unlock()

	a.commands[commandType] = handler
}

func (a *Agent) handleCommand(ctx context.Context, cmd models.CommandEnvelope) {
	if cmd.CorrelationID == "" || a.dedup.observe(cmd.CorrelationID) {
		a.logger.Debug().
			Str("correlation_id", cmd.CorrelationID).
			Str("command_type", cmd.CommandType).
			Msg("Dropping duplicate or unidentified command")

		return
	}

	a.commandMu.RLock()
	handler, ok := a.commands[cmd.CommandType]
	a.commandMu.RUnlock()

	ack := models.CommandAck{
		DeviceID:      a.cfg.DeviceID,
		CorrelationID: cmd.CorrelationID,
		Timestamp:     time.Now(),
	}

	if !ok {
		ack.Detail = "unknown command type: " + cmd.CommandType

		a.logger.Warn().Str("command_type", cmd.CommandType).Msg("No handler for command type")
	} else if err := handler(ctx, cmd); err != nil {
		ack.Detail = err.Error()

		a.logger.Error().Err(err).Str("command_type", cmd.CommandType).Msg("Command handler failed")
	} else {
		ack.Accepted = true
	}

	if err := a.router.PublishAck(ctx, ack); err != nil {
		a.logger.Warn().Err(err).Str("correlation_id", cmd.CorrelationID).Msg("Could not publish command ack")
	}
}
