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

// Package httpapi exposes the coordinator to operators over REST plus a
// WebSocket status stream. It holds no fleet state of its own; every request
// is delegated to the coordinator.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gridvolt/fleetupdate/pkg/bus"
	"github.com/gridvolt/fleetupdate/pkg/coordinator"
	"github.com/gridvolt/fleetupdate/pkg/logger"
	"github.com/gridvolt/fleetupdate/pkg/models"
	"github.com/gridvolt/fleetupdate/pkg/session"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second

	shutdownGrace = 5 * time.Second
)

// FleetService is the coordinator surface the API server depends on.
type FleetService interface {
	StartUpdate(ctx context.Context, deviceID string, image models.UpdateImage) (*models.UpdateSession, error)
	CancelUpdate(ctx context.Context, sessionID string) error
	SendCommand(ctx context.Context, deviceID, commandType string, payload json.RawMessage) (string, error)
	GetSession(sessionID string) (*models.UpdateSession, bool)
	ListSessions() []*models.UpdateSession
	GetDevice(deviceID string) (*models.Device, bool)
	ListDevices() []*models.Device
	WatchStatus() (<-chan models.StatusEvent, func())
}

// Config is the API server's listen and auth configuration.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	APIKey     string `json:"api_key"`
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}

	return nil
}

// ErrorResponse is the JSON body for every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Server is the operator-facing HTTP server.
type Server struct {
	cfg     Config
	service FleetService
	router  *mux.Router
	logger  logger.Logger

	srv *http.Server
}

// NewServer creates the API server and wires its routes.
func NewServer(cfg Config, service FleetService, log logger.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid API config: %w", err)
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	s := &Server{
		cfg:     cfg,
		service: service,
		router:  mux.NewRouter(),
		logger:  log,
	}

	s.setupRoutes()

	return s, nil
}

// Handler exposes the full route tree, middleware included.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(commonMiddleware(s.logger))

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(apiKeyMiddleware(s.cfg.APIKey, s.logger))

	api.HandleFunc("/updates", s.handleStartUpdate).Methods(http.MethodPost)
	api.HandleFunc("/updates", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/updates/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/updates/{id}", s.handleCancelUpdate).Methods(http.MethodDelete)

	api.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", s.handleGetDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/commands", s.handleSendCommand).Methods(http.MethodPost)

	api.HandleFunc("/status/stream", s.handleStatusStream).Methods(http.MethodGet)
}

// Start begins serving. It returns once the listener is running; serve errors
// are logged, not returned, matching the lifecycle contract.
func (s *Server) Start(_ context.Context) error {
	s.srv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server terminated unexpectedly")
		}
	}()

	s.logger.Info().Str("listen_addr", s.cfg.ListenAddr).Msg("API server started")

	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	return s.srv.Shutdown(shutdownCtx)
}

type startUpdateRequest struct {
	DeviceID  string `json:"device_id"`
	Version   string `json:"version"`
	URL       string `json:"url"`
	Checksum  string `json:"checksum"`
	Signature string `json:"signature,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

func (s *Server) handleStartUpdate(w http.ResponseWriter, r *http.Request) {
	var req startUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := s.service.StartUpdate(r.Context(), req.DeviceID, models.UpdateImage{
		Version:   req.Version,
		SourceURL: req.URL,
		Checksum:  req.Checksum,
		Signature: req.Signature,
		SizeBytes: req.SizeBytes,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)

	if err := json.NewEncoder(w).Encode(sess); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode session response")
	}
}

func (s *Server) handleCancelUpdate(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	if err := s.service.CancelUpdate(r.Context(), sessionID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	sess, ok := s.service.GetSession(sessionID)
	if !ok {
		writeError(w, "Session not found", http.StatusNotFound)
		return
	}

	s.encodeJSONResponse(w, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.encodeJSONResponse(w, s.service.ListSessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.service.GetSession(mux.Vars(r)["id"])
	if !ok {
		writeError(w, "Session not found", http.StatusNotFound)
		return
	}

	s.encodeJSONResponse(w, sess)
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	s.encodeJSONResponse(w, s.service.ListDevices())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := s.service.GetDevice(mux.Vars(r)["id"])
	if !ok {
		writeError(w, "Device not found", http.StatusNotFound)
		return
	}

	s.encodeJSONResponse(w, device)
}

type sendCommandRequest struct {
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type sendCommandResponse struct {
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	var req sendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.CommandType == "" {
		writeError(w, "command_type is required", http.StatusBadRequest)
		return
	}

	correlationID, err := s.service.SendCommand(r.Context(), deviceID, req.CommandType, req.Payload)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)

	if err := json.NewEncoder(w).Encode(sendCommandResponse{CorrelationID: correlationID}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode command response")
	}
}

// writeServiceError maps coordinator errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrInvalidImage), errors.Is(err, bus.ErrInvalidDeviceID):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrSessionBusy), errors.Is(err, session.ErrCancelTooLate):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, bus.ErrTransportUnavailable):
		writeError(w, "Fleet transport unavailable", http.StatusServiceUnavailable)
	default:
		s.logger.Error().Err(err).Msg("Unhandled service error")
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) encodeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	_ = json.NewEncoder(w).Encode(ErrorResponse{Message: message, Status: statusCode})
}
