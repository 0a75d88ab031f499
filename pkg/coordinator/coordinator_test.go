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

package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridvolt/fleetupdate/pkg/agent"
	"github.com/gridvolt/fleetupdate/pkg/bus"
	"github.com/gridvolt/fleetupdate/pkg/dispatch"
	"github.com/gridvolt/fleetupdate/pkg/logger"
	"github.com/gridvolt/fleetupdate/pkg/models"
	"github.com/gridvolt/fleetupdate/pkg/session"
)

type loopRebooter struct {
	agent *agent.Agent
}

func (r *loopRebooter) Reboot(ctx context.Context) error {
	if r.agent != nil {
		r.agent.Resume(ctx)
	}

	return nil
}

func testCoordinatorConfig() Config {
	return Config{
		Session: session.Config{
			DownloadWindow:    models.Duration(5 * time.Second),
			InstallWindow:     models.Duration(5 * time.Second),
			HealthcheckWindow: models.Duration(5 * time.Second),
			SweepInterval:     models.Duration(50 * time.Millisecond),
		},
		Dispatch: dispatch.Config{
			MaxAttempts:  3,
			RetryBackoff: models.Duration(5 * time.Millisecond),
		},
		StreamBuffer: 64,
	}
}

func newTestCoordinator(t *testing.T, router *bus.Router) *Coordinator {
	t.Helper()

	coord, err := New(testCoordinatorConfig(), router, logger.NewTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, coord.Start(ctx))
	t.Cleanup(func() { _ = coord.Stop(context.Background()) })

	return coord
}

func startTestAgent(t *testing.T, router *bus.Router, deviceID string) *agent.Agent {
	t.Helper()

	rebooter := &loopRebooter{}

	ag, err := agent.New(agent.Config{
		DeviceID:        deviceID,
		DataDir:         t.TempDir(),
		DownloadTimeout: models.Duration(5 * time.Second),
		Healthcheck: agent.HealthcheckPolicy{
			AttemptTimeout: models.Duration(500 * time.Millisecond),
			Interval:       models.Duration(time.Millisecond),
			MaxAttempts:    2,
		},
		MaxUnconfirmedBoots: 3,
		SafetyRetryDelay:    models.Duration(10 * time.Millisecond),
		AllowUnsigned:       true,
	}, router, agent.Deps{Rebooter: rebooter}, logger.NewTestLogger())
	require.NoError(t, err)

	rebooter.agent = ag

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, ag.Start(ctx))
	t.Cleanup(func() { _ = ag.Stop(context.Background()) })

	return ag
}

func serveImage(t *testing.T, payload []byte) models.UpdateImage {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	t.Cleanup(server.Close)

	digest := sha256.Sum256(payload)

	return models.UpdateImage{
		Version:   "2.0.0",
		SourceURL: server.URL,
		Checksum:  "sha256:" + hex.EncodeToString(digest[:]),
		SizeBytes: int64(len(payload)),
	}
}

func waitForSessionState(t *testing.T, coord *Coordinator, sessionID string, want models.SessionState) *models.UpdateSession {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := coord.GetSession(sessionID); ok && sess.State == want {
			return sess
		}

		time.Sleep(5 * time.Millisecond)
	}

	sess, _ := coord.GetSession(sessionID)
	t.Fatalf("session %s never reached %s; current: %+v", sessionID, want, sess)

	return nil
}

func TestStartUpdateRejectsInvalidImages(t *testing.T) {
	transport := bus.NewInProcTransport()
	t.Cleanup(transport.Close)

	coord := newTestCoordinator(t, bus.NewRouter(transport, "", logger.NewTestLogger()))

	validDigest := "sha256:" + hex.EncodeToString(make([]byte, 32))

	cases := []struct {
		name  string
		image models.UpdateImage
	}{
		{"missing version", models.UpdateImage{SourceURL: "https://images.example.com/fw", Checksum: validDigest}},
		{"relative url", models.UpdateImage{Version: "2.0.0", SourceURL: "/fw.img", Checksum: validDigest}},
		{"ftp url", models.UpdateImage{Version: "2.0.0", SourceURL: "ftp://example.com/fw", Checksum: validDigest}},
		{"untagged checksum", models.UpdateImage{Version: "2.0.0", SourceURL: "https://example.com/fw", Checksum: "deadbeef"}},
		{"unsupported algorithm", models.UpdateImage{Version: "2.0.0", SourceURL: "https://example.com/fw", Checksum: "md5:deadbeef"}},
		{"short digest", models.UpdateImage{Version: "2.0.0", SourceURL: "https://example.com/fw", Checksum: "sha256:abc123"}},
		{"non-hex digest", models.UpdateImage{Version: "2.0.0", SourceURL: "https://example.com/fw",
			Checksum: "sha256:" + string(make([]byte, sha256HexLength))}},
		{"non-base64 signature", models.UpdateImage{Version: "2.0.0", SourceURL: "https://example.com/fw",
			Checksum: validDigest, Signature: "not-base64!"}},
		{"truncated signature", models.UpdateImage{Version: "2.0.0", SourceURL: "https://example.com/fw",
			Checksum: validDigest, Signature: base64.StdEncoding.EncodeToString([]byte("short"))}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := coord.StartUpdate(context.Background(), "gw-1", tc.image)
			assert.ErrorIs(t, err, ErrInvalidImage)
		})
	}

	// No session state was created for any rejected request.
	assert.Empty(t, coord.ListSessions())
}

func TestStartUpdateEnforcesOneSessionPerDevice(t *testing.T) {
	transport := bus.NewInProcTransport()
	t.Cleanup(transport.Close)

	coord := newTestCoordinator(t, bus.NewRouter(transport, "", logger.NewTestLogger()))
	image := serveImage(t, []byte("image payload"))

	first, err := coord.StartUpdate(context.Background(), "gw-1", image)
	require.NoError(t, err)

	_, err = coord.StartUpdate(context.Background(), "gw-1", image)
	assert.ErrorIs(t, err, session.ErrSessionBusy)

	// A different device is unaffected.
	_, err = coord.StartUpdate(context.Background(), "gw-2", image)
	assert.NoError(t, err)

	active, ok := coord.ActiveSession("gw-1")
	require.True(t, ok)
	assert.Equal(t, first.SessionID, active.SessionID)
}

func TestEndToEndUpdateSuccess(t *testing.T) {
	transport := bus.NewInProcTransport()
	t.Cleanup(transport.Close)

	router := bus.NewRouter(transport, "", logger.NewTestLogger())
	coord := newTestCoordinator(t, router)
	ag := startTestAgent(t, router, "gw-1")

	image := serveImage(t, []byte("firmware 2.0.0"))

	sess, err := coord.StartUpdate(context.Background(), "gw-1", image)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, sess.State)

	final := waitForSessionState(t, coord, sess.SessionID, models.StateUpdateSuccess)
	assert.Equal(t, "2.0.0", final.TargetVersion)

	// The session is archived; the device is free for the next update.
	_, active := coord.ActiveSession("gw-1")
	assert.False(t, active)

	device, ok := coord.GetDevice("gw-1")
	require.True(t, ok)
	assert.Equal(t, "2.0.0", device.ConfirmedVersion)
	assert.Equal(t, models.SlotB, device.ActiveSlot)
	assert.Nil(t, device.StagedSlot)

	assert.Equal(t, "2.0.0", ag.Slots().ConfirmedVersion())

	// Every transition was recorded in order.
	states := make([]models.SessionState, 0, len(final.History))
	for _, tr := range final.History {
		states = append(states, tr.To)
	}
	assert.Equal(t, []models.SessionState{
		models.StatePending,
		models.StateDownloading,
		models.StateVerified,
		models.StateInstalling,
		models.StateStaged,
		models.StateAwaitingReboot,
		models.StateHealthcheckPending,
		models.StateUpdateSuccess,
	}, states)
}

func TestUpdateTargetsOnlyTheAddressedDevice(t *testing.T) {
	transport := bus.NewInProcTransport()
	t.Cleanup(transport.Close)

	router := bus.NewRouter(transport, "", logger.NewTestLogger())
	coord := newTestCoordinator(t, router)

	const fleetSize = 10

	agents := make(map[string]*agent.Agent, fleetSize)

	for i := 0; i < fleetSize; i++ {
		deviceID := fmt.Sprintf("gw-%d", i)
		agents[deviceID] = startTestAgent(t, router, deviceID)
	}

	image := serveImage(t, []byte("firmware for gw-3 only"))

	sess, err := coord.StartUpdate(context.Background(), "gw-3", image)
	require.NoError(t, err)

	waitForSessionState(t, coord, sess.SessionID, models.StateUpdateSuccess)

	for deviceID, ag := range agents {
		if deviceID == "gw-3" {
			assert.Equal(t, "2.0.0", ag.Slots().ConfirmedVersion())
			continue
		}

		// No other device saw any part of the update.
		assert.Empty(t, ag.Slots().ConfirmedVersion(), "device %s must remain untouched", deviceID)
		assert.Equal(t, models.SlotA, ag.Slots().Active(), "device %s must remain untouched", deviceID)

		_, active := coord.ActiveSession(deviceID)
		assert.False(t, active, "device %s must have no session", deviceID)
	}
}

func TestCancelBeforePointOfNoReturn(t *testing.T) {
	transport := bus.NewInProcTransport()
	t.Cleanup(transport.Close)

	router := bus.NewRouter(transport, "", logger.NewTestLogger())
	coord := newTestCoordinator(t, router)

	// No agent: the session stays PENDING and remains cancellable.
	image := serveImage(t, []byte("never downloaded"))

	sess, err := coord.StartUpdate(context.Background(), "gw-1", image)
	require.NoError(t, err)

	require.NoError(t, coord.CancelUpdate(context.Background(), sess.SessionID))

	cancelled, ok := coord.GetSession(sess.SessionID)
	require.True(t, ok)
	assert.Equal(t, models.StateCancelled, cancelled.State)

	// The device slot is free again immediately.
	_, err = coord.StartUpdate(context.Background(), "gw-1", image)
	assert.NoError(t, err)
}

func TestCancelAfterPointOfNoReturnIsRejected(t *testing.T) {
	transport := bus.NewInProcTransport()
	t.Cleanup(transport.Close)

	router := bus.NewRouter(transport, "", logger.NewTestLogger())
	coord := newTestCoordinator(t, router)

	sess, err := coord.StartUpdate(context.Background(), "gw-1", serveImage(t, []byte("img")))
	require.NoError(t, err)

	// The device reports INSTALLING; cancellation must now be refused.
	require.NoError(t, router.PublishStatus(context.Background(), models.StatusEvent{
		DeviceID:  "gw-1",
		SessionID: sess.SessionID,
		Kind:      models.StatusInstalling,
		Version:   "2.0.0",
		Timestamp: time.Now(),
	}))

	waitForSessionState(t, coord, sess.SessionID, models.StateInstalling)

	err = coord.CancelUpdate(context.Background(), sess.SessionID)
	assert.ErrorIs(t, err, session.ErrCancelTooLate)
}

func TestSilentDeviceTimesOut(t *testing.T) {
	transport := bus.NewInProcTransport()
	t.Cleanup(transport.Close)

	router := bus.NewRouter(transport, "", logger.NewTestLogger())

	cfg := testCoordinatorConfig()
	cfg.Session.DownloadWindow = models.Duration(20 * time.Millisecond)
	cfg.Session.InstallWindow = models.Duration(20 * time.Millisecond)
	cfg.Session.HealthcheckWindow = models.Duration(20 * time.Millisecond)
	cfg.Session.SweepInterval = models.Duration(10 * time.Millisecond)

	coord, err := New(cfg, router, logger.NewTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, coord.Start(ctx))
	t.Cleanup(func() { _ = coord.Stop(context.Background()) })

	// No agent is listening: the device never responds.
	sess, err := coord.StartUpdate(context.Background(), "gw-silent", serveImage(t, []byte("img")))
	require.NoError(t, err)

	waitForSessionState(t, coord, sess.SessionID, models.StateSessionTimeout)

	// The device slot is free for a fresh attempt.
	_, err = coord.StartUpdate(context.Background(), "gw-silent", serveImage(t, []byte("img2")))
	assert.NoError(t, err)
}

func TestWatchStatusStreamsEvents(t *testing.T) {
	transport := bus.NewInProcTransport()
	t.Cleanup(transport.Close)

	router := bus.NewRouter(transport, "", logger.NewTestLogger())
	coord := newTestCoordinator(t, router)

	events, cancelWatch := coord.WatchStatus()
	defer cancelWatch()

	require.NoError(t, router.PublishStatus(context.Background(), models.StatusEvent{
		DeviceID:  "gw-1",
		Kind:      models.StatusDownloading,
		SessionID: "unknown-session",
		Timestamp: time.Now(),
	}))

	select {
	case event := <-events:
		assert.Equal(t, "gw-1", event.DeviceID)
		assert.Equal(t, models.StatusDownloading, event.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never received the status event")
	}

	// A cancelled watcher stops receiving and its channel closes.
	cancelWatch()

	_, open := <-events
	assert.False(t, open)
}

func TestCommandDispatchReturnsCorrelationID(t *testing.T) {
	transport := bus.NewInProcTransport()
	t.Cleanup(transport.Close)

	router := bus.NewRouter(transport, "", logger.NewTestLogger())
	coord := newTestCoordinator(t, router)

	received := make(chan models.CommandEnvelope, 1)
	_, err := router.SubscribeCommands("gw-1", func(cmd models.CommandEnvelope) {
		received <- cmd
	})
	require.NoError(t, err)

	correlationID, err := coord.SendCommand(context.Background(), "gw-1", "reduce_power", []byte(`{"limit_kw":5}`))
	require.NoError(t, err)
	require.NotEmpty(t, correlationID)

	select {
	case cmd := <-received:
		assert.Equal(t, correlationID, cmd.CorrelationID)
		assert.Equal(t, "reduce_power", cmd.CommandType)
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the device subject")
	}
}
