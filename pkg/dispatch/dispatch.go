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

// Package dispatch delivers ad-hoc operational commands to individual devices
// through the router's address-scoped subjects.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gridvolt/fleetupdate/pkg/bus"
	"github.com/gridvolt/fleetupdate/pkg/logger"
	"github.com/gridvolt/fleetupdate/pkg/models"
)

var errMissingCommandType = errors.New("command type is required")

// Config bounds the retry behaviour for transient transport failures.
type Config struct {
	MaxAttempts  int             `json:"max_attempts"`
	RetryBackoff models.Duration `json:"retry_backoff"`
}

func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}

	if c.RetryBackoff < 0 {
		return errors.New("retry_backoff must not be negative")
	}

	return nil
}

// Dispatcher fans commands out to devices. Delivery is fire-and-forget with
// at-least-once semantics; devices deduplicate via the correlation ID.
type Dispatcher struct {
	cfg    Config
	router *bus.Router
	logger logger.Logger
}

func NewDispatcher(cfg Config, router *bus.Router, log logger.Logger) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Dispatcher{cfg: cfg, router: router, logger: log}, nil
}

// Dispatch publishes one command to one device and returns the correlation ID
// once the router accepts the publish. It does not wait for the device to act.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID, commandType string, payload json.RawMessage) (string, error) {
	if commandType == "" {
		return "", errMissingCommandType
	}

	envelope := models.CommandEnvelope{
		DeviceID:      deviceID,
		CommandType:   commandType,
		Payload:       payload,
		CorrelationID: uuid.New().String(),
	}

	var lastErr error

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		lastErr = d.router.PublishCommand(ctx, deviceID, envelope)
		if lastErr == nil {
			d.logger.Debug().
				Str("device_id", deviceID).
				Str("command_type", commandType).
				Str("correlation_id", envelope.CorrelationID).
				Int("attempt", attempt).
				Msg("Command accepted by router")

			return envelope.CorrelationID, nil
		}

		// Only transport outages are retryable; the envelope is idempotent
		// because the correlation ID is stable across attempts.
		if !errors.Is(lastErr, bus.ErrTransportUnavailable) {
			return "", lastErr
		}

		if attempt < d.cfg.MaxAttempts {
			select {
			case <-time.After(d.cfg.RetryBackoff.Duration()):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	return "", fmt.Errorf("failed to dispatch %s to %s after %d attempts: %w",
		commandType, deviceID, d.cfg.MaxAttempts, lastErr)
}
