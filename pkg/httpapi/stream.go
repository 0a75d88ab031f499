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

package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridvolt/fleetupdate/pkg/models"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// StreamMessage is one frame on the status WebSocket.
type StreamMessage struct {
	Type      string              `json:"type"` // "status" or "ping"
	Event     *models.StatusEvent `json:"event,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// handleStatusStream upgrades the connection and relays live fleet status
// events until the client disconnects. A slow client loses events rather than
// backing up coordinator ingestion.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	defer func() { _ = conn.Close() }()

	s.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Status stream client connected")

	events, cancelWatch := s.service.WatchStatus()
	defer cancelWatch()

	// Reader loop only to detect client disconnect; no inbound frames are
	// expected.
	clientGone := make(chan struct{})

	go func() {
		defer close(clientGone)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}

			if !s.writeStreamMessage(conn, StreamMessage{Type: "status", Event: &event, Timestamp: time.Now()}) {
				return
			}
		case <-ping.C:
			if !s.writeStreamMessage(conn, StreamMessage{Type: "ping", Timestamp: time.Now()}) {
				return
			}
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeStreamMessage(conn *websocket.Conn, msg StreamMessage) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))

	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Msg("Status stream write failed; dropping client")
		return false
	}

	return true
}
