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
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridvolt/fleetupdate/pkg/bus"
	"github.com/gridvolt/fleetupdate/pkg/logger"
	"github.com/gridvolt/fleetupdate/pkg/models"
)

// fakeRebooter re-enters the agent's post-boot path instead of rebooting.
type fakeRebooter struct {
	mu      sync.Mutex
	agent   *Agent
	reboots int
}

func (r *fakeRebooter) Reboot(ctx context.Context) error {
	r.mu.Lock()
	r.reboots++
	agent := r.agent
	r.mu.Unlock()

	if agent != nil {
		agent.Resume(ctx)
	}

	return nil
}

func (r *fakeRebooter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.reboots
}

type forcedCheck struct {
	fail bool
}

func (*forcedCheck) Name() string { return "forced" }

func (c *forcedCheck) Check(_ context.Context) error {
	if c.fail {
		return errors.New("forced healthcheck failure")
	}

	return nil
}

type statusCollector struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (c *statusCollector) add(e models.StatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, e)
}

func (c *statusCollector) kinds() []models.StatusKind {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.StatusKind, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}

	return out
}

func (c *statusCollector) kindsFor(sessionID string) []models.StatusKind {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.StatusKind

	for _, e := range c.events {
		if e.SessionID == sessionID {
			out = append(out, e.Kind)
		}
	}

	return out
}

func (c *statusCollector) last() (models.StatusEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) == 0 {
		return models.StatusEvent{}, false
	}

	return c.events[len(c.events)-1], true
}

func (c *statusCollector) waitForKind(t *testing.T, kind models.StatusKind) models.StatusEvent {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, e := range c.events {
			if e.Kind == kind {
				c.mu.Unlock()
				return e
			}
		}
		c.mu.Unlock()

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("never observed status %s; saw %v", kind, c.kinds())

	return models.StatusEvent{}
}

type scenario struct {
	agent     *Agent
	router    *bus.Router
	rebooter  *fakeRebooter
	collector *statusCollector
	dataDir   string
}

func testAgentConfig(deviceID, dataDir string) Config {
	return Config{
		DeviceID:        deviceID,
		DataDir:         dataDir,
		DownloadTimeout: models.Duration(5 * time.Second),
		Healthcheck: HealthcheckPolicy{
			AttemptTimeout: models.Duration(500 * time.Millisecond),
			Interval:       models.Duration(time.Millisecond),
			MaxAttempts:    2,
		},
		MaxUnconfirmedBoots: 3,
		SafetyRetryDelay:    models.Duration(10 * time.Millisecond),
		AllowUnsigned:       true,
	}
}

func newScenario(t *testing.T, deviceID string, checks []HealthChecker, opts ...func(*Config)) *scenario {
	t.Helper()

	transport := bus.NewInProcTransport()
	t.Cleanup(transport.Close)

	router := bus.NewRouter(transport, "", logger.NewTestLogger())

	collector := &statusCollector{}
	_, err := router.SubscribeStatus(collector.add)
	require.NoError(t, err)

	dataDir := t.TempDir()
	rebooter := &fakeRebooter{}

	cfg := testAgentConfig(deviceID, dataDir)
	for _, opt := range opts {
		opt(&cfg)
	}

	agent, err := New(cfg, router, Deps{
		Rebooter: rebooter,
		Checks:   checks,
	}, logger.NewTestLogger())
	require.NoError(t, err)

	rebooter.mu.Lock()
	rebooter.agent = agent
	rebooter.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, agent.Start(ctx))
	t.Cleanup(func() { _ = agent.Stop(context.Background()) })

	return &scenario{
		agent:     agent,
		router:    router,
		rebooter:  rebooter,
		collector: collector,
		dataDir:   dataDir,
	}
}

func serveImage(t *testing.T, payload []byte) (url, checksum string) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	t.Cleanup(server.Close)

	digest := sha256.Sum256(payload)

	return server.URL, "sha256:" + hex.EncodeToString(digest[:])
}

func seedFactoryState(t *testing.T, s *scenario, version string) {
	t.Helper()

	require.NoError(t, os.WriteFile(s.agent.Slots().ImagePath(models.SlotA), []byte("factory image "+version), 0o644))
	require.NoError(t, s.agent.Slots().SetConfirmedVersion(version))
}

func TestUpdateSuccessScenario(t *testing.T) {
	s := newScenario(t, "gw-1", []HealthChecker{&forcedCheck{fail: false}})
	seedFactoryState(t, s, "1.0.0")

	url, checksum := serveImage(t, []byte("firmware v1.1.0 payload"))

	require.NoError(t, s.router.PublishUpdate(context.Background(), "gw-1", models.UpdateNotification{
		SessionID: "session-ok",
		Version:   "1.1.0",
		URL:       url,
		Checksum:  checksum,
	}))

	event := s.collector.waitForKind(t, models.StatusUpdateSuccess)
	assert.Equal(t, "1.1.0", event.Version)
	assert.Equal(t, "session-ok", event.SessionID)
	assert.Equal(t, models.SlotB, event.ActiveSlot)

	assert.Equal(t, "1.1.0", s.agent.Slots().ConfirmedVersion())
	assert.Equal(t, models.SlotB, s.agent.Slots().Active())
	assert.Equal(t, 1, s.rebooter.count())

	kinds := s.collector.kinds()
	assert.Equal(t, []models.StatusKind{
		models.StatusDownloading,
		models.StatusVerified,
		models.StatusInstalling,
		models.StatusStaged,
		models.StatusRebooting,
		models.StatusHealthcheck,
		models.StatusUpdateSuccess,
	}, kinds)
}

func TestChecksumFailureLeavesActiveSlotUntouched(t *testing.T) {
	s := newScenario(t, "gw-1", nil)
	seedFactoryState(t, s, "1.0.0")

	before, err := os.ReadFile(s.agent.Slots().ImagePath(models.SlotA))
	require.NoError(t, err)

	url, _ := serveImage(t, []byte("firmware v1.1.1 payload"))
	wrongChecksum := "sha256:" + hex.EncodeToString(make([]byte, 32))

	require.NoError(t, s.router.PublishUpdate(context.Background(), "gw-1", models.UpdateNotification{
		SessionID: "session-bad-sum",
		Version:   "1.1.1",
		URL:       url,
		Checksum:  wrongChecksum,
	}))

	s.collector.waitForKind(t, models.StatusChecksumFailed)

	// Active slot content is byte-identical to before the attempt.
	after, err := os.ReadFile(s.agent.Slots().ImagePath(models.SlotA))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	assert.Equal(t, "1.0.0", s.agent.Slots().ConfirmedVersion())
	assert.Equal(t, models.SlotA, s.agent.Slots().Active())
	assert.Zero(t, s.rebooter.count())

	// The staged bytes were discarded.
	_, err = os.Stat(s.agent.Slots().ScratchPath(models.SlotB))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.agent.Slots().ImagePath(models.SlotB))
	assert.True(t, os.IsNotExist(err))
}

func TestFailedHealthcheckRollsBack(t *testing.T) {
	s := newScenario(t, "gw-1", []HealthChecker{&forcedCheck{fail: true}})
	seedFactoryState(t, s, "1.0.0")

	url, checksum := serveImage(t, []byte("firmware v1.1.2 payload"))

	require.NoError(t, s.router.PublishUpdate(context.Background(), "gw-1", models.UpdateNotification{
		SessionID: "session-rollback",
		Version:   "1.1.2",
		URL:       url,
		Checksum:  checksum,
	}))

	event := s.collector.waitForKind(t, models.StatusRollbackExecuted)

	// The reported version is the one the device reverted to.
	assert.Equal(t, "1.0.0", event.Version)
	assert.NotEqual(t, "1.1.2", s.agent.Slots().ConfirmedVersion())
	assert.Equal(t, "1.0.0", s.agent.Slots().ConfirmedVersion())
	assert.Equal(t, models.SlotA, s.agent.Slots().Active())
	assert.Equal(t, models.SlotA, s.agent.Slots().BootTarget())

	// Trial boot plus the rollback reboot.
	assert.Equal(t, 2, s.rebooter.count())
}

func TestDualSlotFailureLocksOutAgent(t *testing.T) {
	// No factory image in slot A: the rollback target is corrupt.
	s := newScenario(t, "gw-1", []HealthChecker{&forcedCheck{fail: true}})

	url, checksum := serveImage(t, []byte("firmware v1.2.0 payload"))

	require.NoError(t, s.router.PublishUpdate(context.Background(), "gw-1", models.UpdateNotification{
		SessionID: "session-fatal",
		Version:   "1.2.0",
		URL:       url,
		Checksum:  checksum,
	}))

	s.collector.waitForKind(t, models.StatusRollbackFailed)

	locked, reason := s.agent.Slots().LockedOut()
	assert.True(t, locked)
	assert.NotEmpty(t, reason)

	// Further update attempts are refused until manual recovery.
	require.NoError(t, s.router.PublishUpdate(context.Background(), "gw-1", models.UpdateNotification{
		SessionID: "session-after-fatal",
		Version:   "1.2.1",
		URL:       url,
		Checksum:  checksum,
	}))

	event := s.collector.waitForKind(t, models.StatusSessionBusy)
	assert.Equal(t, "session-after-fatal", event.SessionID)
}

func TestCancelDuringDownloadAbortsSession(t *testing.T) {
	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("head"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	s := newScenario(t, "gw-1", nil)
	seedFactoryState(t, s, "1.0.0")

	require.NoError(t, s.router.PublishUpdate(context.Background(), "gw-1", models.UpdateNotification{
		SessionID: "session-cancel",
		Version:   "1.3.0",
		URL:       server.URL,
		Checksum:  "sha256:" + hex.EncodeToString(make([]byte, 32)),
	}))

	s.collector.waitForKind(t, models.StatusDownloading)

	require.NoError(t, s.router.PublishCommand(context.Background(), "gw-1", models.CommandEnvelope{
		DeviceID:      "gw-1",
		CommandType:   CancelUpdateCommand,
		Payload:       []byte(`{"session_id":"session-cancel"}`),
		CorrelationID: "cancel-1",
	}))

	// A cancelled download terminates silently: the cloud session was
	// already cancelled, so no failure status follows.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, staged := s.agent.Slots().Staged(); staged {
			t.Fatal("cancelled session must never stage an install")
		}

		last, ok := s.collector.last()
		require.True(t, ok)
		require.NotEqual(t, models.StatusInstalling, last.Kind)

		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, []models.StatusKind{models.StatusDownloading}, s.collector.kinds())
	assert.Zero(t, s.rebooter.count())
}

func TestCommandDeduplication(t *testing.T) {
	s := newScenario(t, "gw-1", nil)

	var mu sync.Mutex

	executions := 0

	s.agent.RegisterCommand("discharge", func(_ context.Context, _ models.CommandEnvelope) error {
		mu.Lock()
		executions++
		mu.Unlock()

		return nil
	})

	acks := &sync.Map{}
	_, err := s.router.SubscribeAcks("gw-1", func(ack models.CommandAck) {
		acks.Store(ack.CorrelationID, ack)
	})
	require.NoError(t, err)

	envelope := models.CommandEnvelope{
		DeviceID:      "gw-1",
		CommandType:   "discharge",
		CorrelationID: "corr-1",
	}

	// At-least-once delivery: the same envelope arrives twice.
	require.NoError(t, s.router.PublishCommand(context.Background(), "gw-1", envelope))
	require.NoError(t, s.router.PublishCommand(context.Background(), "gw-1", envelope))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := acks.Load("corr-1"); ok {
			break
		}

		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, executions, "duplicate correlation IDs must execute once")
}

func TestOfferDuringActiveSessionGetsBusyNotQueued(t *testing.T) {
	release := make(chan struct{})

	var releaseOnce sync.Once

	releaseDownload := func() { releaseOnce.Do(func() { close(release) }) }

	payload := []byte("firmware v2.0.0 payload")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
		_, _ = w.Write(payload)
	}))
	t.Cleanup(func() {
		releaseDownload()
		server.Close()
	})

	s := newScenario(t, "gw-1", []HealthChecker{&forcedCheck{fail: false}})
	seedFactoryState(t, s, "1.0.0")

	digest := sha256.Sum256(payload)
	checksum := "sha256:" + hex.EncodeToString(digest[:])

	require.NoError(t, s.router.PublishUpdate(context.Background(), "gw-1", models.UpdateNotification{
		SessionID: "session-a",
		Version:   "2.0.0",
		URL:       server.URL,
		Checksum:  checksum,
	}))

	s.collector.waitForKind(t, models.StatusDownloading)

	// A second offer while the first download is still in flight must be
	// answered with SESSION_BUSY, not held for later.
	require.NoError(t, s.router.PublishUpdate(context.Background(), "gw-1", models.UpdateNotification{
		SessionID: "session-b",
		Version:   "2.1.0",
		URL:       server.URL,
		Checksum:  checksum,
	}))

	busy := s.collector.waitForKind(t, models.StatusSessionBusy)
	assert.Equal(t, "session-b", busy.SessionID)

	releaseDownload()

	done := s.collector.waitForKind(t, models.StatusUpdateSuccess)
	assert.Equal(t, "session-a", done.SessionID)

	// The rejected offer must never run, not even after the line clears.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []models.StatusKind{models.StatusSessionBusy}, s.collector.kindsFor("session-b"))
}

func TestSignedUpdateScenario(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	payload := []byte("signed firmware v2.0.0")
	url, checksum := serveImage(t, payload)

	s := newScenario(t, "gw-1", []HealthChecker{&forcedCheck{fail: false}}, func(cfg *Config) {
		cfg.SigningPublicKey = base64.StdEncoding.EncodeToString(pub)
		cfg.AllowUnsigned = false
	})
	seedFactoryState(t, s, "1.0.0")

	require.NoError(t, s.router.PublishUpdate(context.Background(), "gw-1", models.UpdateNotification{
		SessionID: "session-signed",
		Version:   "2.0.0",
		URL:       url,
		Checksum:  checksum,
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload)),
	}))

	event := s.collector.waitForKind(t, models.StatusUpdateSuccess)
	assert.Equal(t, "2.0.0", event.Version)
	assert.Equal(t, "2.0.0", s.agent.Slots().ConfirmedVersion())
}

func TestUnsignedImageRejectedWhenKeyConfigured(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	payload := []byte("unsigned firmware v2.0.0")
	url, checksum := serveImage(t, payload)

	s := newScenario(t, "gw-1", nil, func(cfg *Config) {
		cfg.SigningPublicKey = base64.StdEncoding.EncodeToString(pub)
		cfg.AllowUnsigned = false
	})
	seedFactoryState(t, s, "1.0.0")

	require.NoError(t, s.router.PublishUpdate(context.Background(), "gw-1", models.UpdateNotification{
		SessionID: "session-unsigned",
		Version:   "2.0.0",
		URL:       url,
		Checksum:  checksum,
	}))

	event := s.collector.waitForKind(t, models.StatusChecksumFailed)
	assert.Contains(t, event.Detail, "no signature")

	_, staged := s.agent.Slots().Staged()
	assert.False(t, staged)
	assert.Zero(t, s.rebooter.count())
}

func TestTamperedSignatureRejected(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	payload := []byte("firmware v2.0.0 payload")
	url, checksum := serveImage(t, payload)

	s := newScenario(t, "gw-1", nil, func(cfg *Config) {
		cfg.SigningPublicKey = base64.StdEncoding.EncodeToString(pub)
		cfg.AllowUnsigned = false
	})
	seedFactoryState(t, s, "1.0.0")

	// Signature over different bytes than the served image.
	forged := ed25519.Sign(priv, []byte("some other payload"))

	require.NoError(t, s.router.PublishUpdate(context.Background(), "gw-1", models.UpdateNotification{
		SessionID: "session-forged",
		Version:   "2.0.0",
		URL:       url,
		Checksum:  checksum,
		Signature: base64.StdEncoding.EncodeToString(forged),
	}))

	event := s.collector.waitForKind(t, models.StatusChecksumFailed)
	assert.Contains(t, event.Detail, "signature verification failed")

	_, staged := s.agent.Slots().Staged()
	assert.False(t, staged)
}

func TestFailedSlotFlipRestoresConfirmedVersion(t *testing.T) {
	s := newScenario(t, "gw-1", []HealthChecker{&forcedCheck{fail: false}})
	seedFactoryState(t, s, "1.0.0")

	slots := s.agent.Slots()
	require.NoError(t, os.WriteFile(slots.ImagePath(models.SlotB), []byte("new image 2.0.0"), 0o644))
	require.NoError(t, slots.MarkStaged(models.SlotB, "2.0.0", "session-flip"))

	// Replace the boot selector file with a non-empty directory so the
	// commit's slot flip fails after the version was already persisted.
	require.NoError(t, slots.SetActive(models.SlotA))

	markerPath := slots.statePath(activeMarkerFile)
	require.NoError(t, os.Remove(markerPath))
	require.NoError(t, os.MkdirAll(filepath.Join(markerPath, "blocker"), 0o755))

	s.agent.Resume(context.Background())

	event := s.collector.waitForKind(t, models.StatusRollbackExecuted)
	assert.Equal(t, "1.0.0", event.Version, "rollback must report the version actually booted, not the failed target")
	assert.Equal(t, "1.0.0", slots.ConfirmedVersion())

	_, staged := slots.Staged()
	assert.False(t, staged)
}
