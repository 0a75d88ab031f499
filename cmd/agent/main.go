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

// The agent binary runs on each gateway: it listens on the device's own
// update and command subjects, drives the A/B install state machine, and
// reports every step back on the device's status subject.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/exec"
	"time"

	"github.com/gridvolt/fleetupdate/pkg/agent"
	"github.com/gridvolt/fleetupdate/pkg/bus"
	"github.com/gridvolt/fleetupdate/pkg/config"
	"github.com/gridvolt/fleetupdate/pkg/lifecycle"
	"github.com/gridvolt/fleetupdate/pkg/logger"
	"github.com/gridvolt/fleetupdate/pkg/models"
)

type livenessCheckConfig struct {
	Name   string          `json:"name"`
	Path   string          `json:"path"`
	MaxAge models.Duration `json:"max_age"`
}

type agentFileConfig struct {
	NATSURL        string                `json:"nats_url"`
	SubjectPrefix  string                `json:"subject_prefix,omitempty"`
	Agent          agent.Config          `json:"agent"`
	LivenessChecks []livenessCheckConfig `json:"liveness_checks,omitempty"`
	Logging        *logger.Config        `json:"logging,omitempty"`
}

func (c *agentFileConfig) Validate() error {
	if c.NATSURL == "" {
		return errors.New("nats_url is required")
	}

	return c.Agent.Validate()
}

// systemRebooter asks the OS to reboot into the current boot target.
type systemRebooter struct {
	log logger.Logger
}

func (r *systemRebooter) Reboot(ctx context.Context) error {
	r.log.Info().Msg("Requesting system reboot")

	return exec.CommandContext(ctx, "systemctl", "reboot").Run()
}

func buildChecks(cfg *agentFileConfig) []agent.HealthChecker {
	checks := []agent.HealthChecker{
		&agent.StorageProbeCheck{Dir: cfg.Agent.DataDir},
	}

	for _, lc := range cfg.LivenessChecks {
		checks = append(checks, &agent.FileLivenessCheck{
			CheckName: lc.Name,
			Path:      lc.Path,
			MaxAge:    time.Duration(lc.MaxAge),
		})
	}

	return checks
}

func main() {
	configPath := flag.String("config", "/etc/fleetupdate/agent.json", "Path to agent config file")
	flag.Parse()

	ctx := context.Background()

	var cfg agentFileConfig
	if err := config.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCfg := cfg.Logging
	if logCfg == nil {
		logCfg = logger.DefaultConfig()
	}

	mainLogger, err := lifecycle.CreateComponentLogger("agent", logCfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	transport, err := bus.NewNATSTransport(cfg.NATSURL)
	if err != nil {
		mainLogger.Fatal().Err(err).Str("nats_url", cfg.NATSURL).Msg("Could not connect to NATS")
	}

	defer transport.Close()

	router := bus.NewRouter(transport, cfg.SubjectPrefix, mainLogger)

	updateAgent, err := agent.New(cfg.Agent, router, agent.Deps{
		Rebooter: &systemRebooter{log: mainLogger},
		Checks:   buildChecks(&cfg),
	}, mainLogger)
	if err != nil {
		mainLogger.Fatal().Err(err).Msg("Could not create update agent")
	}

	if err := lifecycle.Run(ctx, updateAgent, mainLogger); err != nil {
		mainLogger.Fatal().Err(err).Msg("Agent terminated with error")
	}
}
