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

// The coordinator binary runs the cloud-side control plane: the session
// tracker, device registry, command dispatcher, and the operator REST/WebSocket
// API, all over one NATS connection.
package main

import (
	"context"
	"errors"
	"flag"
	"log"

	"github.com/gridvolt/fleetupdate/pkg/bus"
	"github.com/gridvolt/fleetupdate/pkg/config"
	"github.com/gridvolt/fleetupdate/pkg/coordinator"
	"github.com/gridvolt/fleetupdate/pkg/httpapi"
	"github.com/gridvolt/fleetupdate/pkg/lifecycle"
	"github.com/gridvolt/fleetupdate/pkg/logger"
)

type coordinatorConfig struct {
	NATSURL       string             `json:"nats_url"`
	SubjectPrefix string             `json:"subject_prefix,omitempty"`
	Coordinator   coordinator.Config `json:"coordinator"`
	API           httpapi.Config     `json:"api"`
	Logging       *logger.Config     `json:"logging,omitempty"`
}

func (c *coordinatorConfig) Validate() error {
	if c.NATSURL == "" {
		return errors.New("nats_url is required")
	}

	if err := c.Coordinator.Validate(); err != nil {
		return err
	}

	return c.API.Validate()
}

// controlPlane bundles the coordinator and its API server into one service.
type controlPlane struct {
	coord *coordinator.Coordinator
	api   *httpapi.Server
}

func (p *controlPlane) Start(ctx context.Context) error {
	if err := p.coord.Start(ctx); err != nil {
		return err
	}

	return p.api.Start(ctx)
}

func (p *controlPlane) Stop(ctx context.Context) error {
	apiErr := p.api.Stop(ctx)

	if err := p.coord.Stop(ctx); err != nil {
		return err
	}

	return apiErr
}

func main() {
	configPath := flag.String("config", "/etc/fleetupdate/coordinator.json", "Path to coordinator config file")
	flag.Parse()

	ctx := context.Background()

	var cfg coordinatorConfig
	if err := config.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCfg := cfg.Logging
	if logCfg == nil {
		logCfg = logger.DefaultConfig()
	}

	mainLogger, err := lifecycle.CreateComponentLogger("coordinator", logCfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	transport, err := bus.NewNATSTransport(cfg.NATSURL)
	if err != nil {
		mainLogger.Fatal().Err(err).Str("nats_url", cfg.NATSURL).Msg("Could not connect to NATS")
	}

	defer transport.Close()

	router := bus.NewRouter(transport, cfg.SubjectPrefix, mainLogger)

	coord, err := coordinator.New(cfg.Coordinator, router, mainLogger)
	if err != nil {
		mainLogger.Fatal().Err(err).Msg("Could not create coordinator")
	}

	api, err := httpapi.NewServer(cfg.API, coord, mainLogger)
	if err != nil {
		mainLogger.Fatal().Err(err).Msg("Could not create API server")
	}

	if err := lifecycle.Run(ctx, &controlPlane{coord: coord, api: api}, mainLogger); err != nil {
		mainLogger.Fatal().Err(err).Msg("Coordinator terminated with error")
	}
}
