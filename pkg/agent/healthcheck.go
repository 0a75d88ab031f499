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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gridvolt/fleetupdate/pkg/logger"
	"github.com/gridvolt/fleetupdate/pkg/models"
)

// HealthChecker is one bounded post-boot self-test. Implementations must
// respect the context deadline; the watchdog around them enforces it anyway.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthcheckPolicy bounds the post-boot validation phase. Values are
// product-specific configuration, not defaults baked into the agent.
type HealthcheckPolicy struct {
	AttemptTimeout models.Duration `json:"attempt_timeout"`
	Interval       models.Duration `json:"interval"`
	MaxAttempts    int             `json:"max_attempts"`
}

func (p *HealthcheckPolicy) Validate() error {
	if p.AttemptTimeout <= 0 || p.Interval < 0 || p.MaxAttempts < 1 {
		return errors.New("healthcheck attempt_timeout must be positive, interval non-negative, max_attempts at least 1")
	}

	return nil
}

// runHealthcheck runs every checker under a per-attempt watchdog until all
// pass or the attempt budget is exhausted. A hung self-test cannot block
// rollback: the watchdog context aborts the attempt regardless of what the
// checker does.
func runHealthcheck(ctx context.Context, policy HealthcheckPolicy, checks []HealthChecker, log logger.Logger) error {
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout.Duration())
		lastErr = runAttempt(attemptCtx, checks)

		cancel()

		if lastErr == nil {
			return nil
		}

		log.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxAttempts).
			Msg("Healthcheck attempt failed")

		if attempt < policy.MaxAttempts {
			select {
			case <-time.After(policy.Interval.Duration()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("healthcheck budget exhausted: %w", lastErr)
}

func runAttempt(ctx context.Context, checks []HealthChecker) error {
	for _, check := range checks {
		done := make(chan error, 1)

		go func(c HealthChecker) {
			done <- c.Check(ctx)
		}(check)

		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("check %s: %w", check.Name(), err)
			}
		case <-ctx.Done():
			return fmt.Errorf("check %s: watchdog expired: %w", check.Name(), ctx.Err())
		}
	}

	return nil
}

// FileLivenessCheck passes when a liveness file exists and was touched within
// the freshness window. The control loop refreshes its file while healthy.
type FileLivenessCheck struct {
	CheckName string
	Path      string
	MaxAge    time.Duration
}

func (c *FileLivenessCheck) Name() string { return c.CheckName }

func (c *FileLivenessCheck) Check(_ context.Context) error {
	info, err := os.Stat(c.Path)
	if err != nil {
		return fmt.Errorf("liveness file missing: %w", err)
	}

	if c.MaxAge > 0 && time.Since(info.ModTime()) > c.MaxAge {
		return fmt.Errorf("liveness file stale: last touched %s", info.ModTime().Format(time.RFC3339))
	}

	return nil
}

// StorageProbeCheck verifies the agent can still write and read the storage
// it governs.
type StorageProbeCheck struct {
	Dir string
}

func (*StorageProbeCheck) Name() string { return "storage-probe" }

func (c *StorageProbeCheck) Check(_ context.Context) error {
	probe := filepath.Join(c.Dir, ".health-probe")

	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("storage write failed: %w", err)
	}

	data, err := os.ReadFile(probe)
	if err != nil {
		return fmt.Errorf("storage read failed: %w", err)
	}

	_ = os.Remove(probe)

	if string(data) != "ok" {
		return errors.New("storage read returned unexpected content")
	}

	return nil
}
