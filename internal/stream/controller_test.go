package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/visionguard/detection-client/internal/alert"
	"github.com/visionguard/detection-client/internal/config"
	"github.com/visionguard/detection-client/internal/detect"
	"github.com/visionguard/detection-client/internal/metrics"
	"github.com/visionguard/detection-client/pkg/types"
)

type fakeSource struct {
	ready   atomic.Bool
	failing atomic.Bool
	frames  atomic.Uint64
}

func newFakeSource() *fakeSource {
	s := &fakeSource{}
	s.ready.Store(true)
	return s
}

func (s *fakeSource) Ready() bool { return s.ready.Load() }

func (s *fakeSource) Capture(ctx context.Context) ([]byte, error) {
	if s.failing.Load() {
		return nil, errors.New("camera unavailable")
	}
	s.frames.Add(1)
	return []byte("jpeg"), nil
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
}

func (f *fakeSpeaker) Speak(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
	return nil
}

func (f *fakeSpeaker) Stop() {}

func (f *fakeSpeaker) utterances() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []types.Snapshot
}

func (p *recordingPublisher) Publish(snap types.Snapshot, frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snaps)
}

func (p *recordingPublisher) last() (types.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snaps) == 0 {
		return types.Snapshot{}, false
	}
	return p.snaps[len(p.snaps)-1], true
}

// slowPublisher simulates an expensive sink (overlay rendering takes
// tens of milliseconds) so teardown races against an in-flight publish.
type slowPublisher struct {
	recordingPublisher
	delay time.Duration
}

func (p *slowPublisher) Publish(snap types.Snapshot, frame []byte) {
	time.Sleep(p.delay)
	p.recordingPublisher.Publish(snap, frame)
}

func testConfig(endpoint string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.TargetFPS = 100 // 10ms cadence keeps tests fast
	cfg.RequestTimeoutMs = 500
	cfg.ReconnectDelayMs = 30
	cfg.MaxRetryAttempts = 3
	cfg.SpeechCooldownMs = 0
	return cfg
}

func newTestController(t *testing.T, cfg config.Config, src FrameSource, speaker alert.Speaker) (*Controller, *metrics.Metrics, *recordingPublisher) {
	t.Helper()
	m := metrics.New()
	policy := alert.NewPolicy(speaker, alert.LogVibrator{}, cfg.SpeechCooldown(), nil)
	pub := &recordingPublisher{}
	ctrl := NewController(cfg, src, detect.NewClient(cfg.Endpoint, cfg.RequestTimeout()), policy, m, WithPublisher(pub))
	t.Cleanup(ctrl.Close)
	return ctrl, m, pub
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v: %s", d, msg)
}

func detectionJSON() string {
	return `{
		"objects": ["person"],
		"detections": [{"class":"person","confidence":0.9,"position":"in front","distance":"close","isPriority":true,"bbox":{"x1":0,"y1":0,"x2":100,"y2":200}}],
		"frameWidth": 480, "frameHeight": 640
	}`
}

func TestControllerPublishesDetections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(detectionJSON()))
	}))
	defer srv.Close()

	ctrl, m, _ := newTestController(t, testConfig(srv.URL), newFakeSource(), &fakeSpeaker{})
	ctrl.Start()

	waitFor(t, 2*time.Second, func() bool { return m.RequestsOK.Load() >= 2 }, "two successful requests")

	snap := ctrl.Snapshot()
	if snap.Status != types.StatusConnected {
		t.Errorf("status = %v, want connected", snap.Status)
	}
	if !snap.Running {
		t.Error("snapshot should report running")
	}
	if len(snap.Detections) != 1 || snap.Detections[0].Class != "person" {
		t.Errorf("detections = %+v", snap.Detections)
	}
	if snap.FrameMeta != (types.FrameMeta{Width: 480, Height: 640}) {
		t.Errorf("frame meta = %+v", snap.FrameMeta)
	}
	if snap.AlertText != "person detected" {
		t.Errorf("alert text = %q", snap.AlertText)
	}
	if snap.SessionID == "" {
		t.Error("missing session id")
	}
}

func TestControllerBackpressure(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			old := maxInFlight.Load()
			if n <= old || maxInFlight.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(60 * time.Millisecond) // several frame intervals
		inFlight.Add(-1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctrl, m, _ := newTestController(t, testConfig(srv.URL), newFakeSource(), &fakeSpeaker{})
	ctrl.Start()

	waitFor(t, 2*time.Second, func() bool { return m.RequestsOK.Load() >= 4 }, "four slow requests")
	ctrl.Stop()

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max in-flight requests = %d, want 1", got)
	}
}

func TestControllerHaltsAfterMaxRetries(t *testing.T) {
	var requests atomic.Uint64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	speaker := &fakeSpeaker{}
	cfg := testConfig(srv.URL)
	ctrl, m, pub := newTestController(t, cfg, newFakeSource(), speaker)

	start := time.Now()
	ctrl.Start()

	waitFor(t, 3*time.Second, func() bool { return !ctrl.Running() }, "loop halted")
	elapsed := time.Since(start)

	if got := requests.Load(); got != 3 {
		t.Errorf("requests = %d, want exactly maxRetryAttempts", got)
	}
	if got := m.Halts.Load(); got != 1 {
		t.Errorf("halts = %d, want exactly one terminal notification", got)
	}
	// Two backoff waits separate the three attempts.
	if want := 2 * cfg.ReconnectDelay(); elapsed < want {
		t.Errorf("halted after %v, want at least %v of backoff", elapsed, want)
	}

	snap, ok := pub.last()
	if !ok {
		t.Fatal("no published snapshots")
	}
	if snap.AlertText != "Connection lost" {
		t.Errorf("terminal alert = %q", snap.AlertText)
	}
	if snap.Running {
		t.Error("terminal snapshot still running")
	}
	if snap.Status != types.StatusError {
		t.Errorf("terminal status = %v", snap.Status)
	}

	spoken := speaker.utterances()
	if len(spoken) != 1 || spoken[0] != "Connection lost" {
		t.Errorf("spoken = %v, want single connection-lost utterance", spoken)
	}

	// A halted controller does not resume on its own.
	published := pub.count()
	time.Sleep(100 * time.Millisecond)
	if pub.count() != published {
		t.Error("halted controller kept publishing")
	}
	if requests.Load() != 3 {
		t.Error("halted controller kept sending")
	}
}

func TestControllerRecoversAfterTransientFailures(t *testing.T) {
	var requests atomic.Uint64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(detectionJSON()))
	}))
	defer srv.Close()

	ctrl, m, pub := newTestController(t, testConfig(srv.URL), newFakeSource(), &fakeSpeaker{})
	ctrl.Start()

	waitFor(t, 3*time.Second, func() bool { return m.RequestsOK.Load() >= 1 }, "recovery")

	snap := ctrl.Snapshot()
	if snap.Status != types.StatusConnected {
		t.Errorf("status = %v, want connected after recovery", snap.Status)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want reset", snap.ConsecutiveFailures)
	}

	// The reconnecting indicator was published while failing.
	sawReconnecting := false
	pub.mu.Lock()
	for _, s := range pub.snaps {
		if s.AlertText == "Reconnecting..." {
			sawReconnecting = true
		}
	}
	pub.mu.Unlock()
	if !sawReconnecting {
		t.Error("reconnecting indicator never published")
	}
}

func TestControllerDecodeErrorIsNotCounted(t *testing.T) {
	var requests atomic.Uint64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("}{ garbage"))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetryAttempts = 2
	ctrl, m, _ := newTestController(t, cfg, newFakeSource(), &fakeSpeaker{})
	ctrl.Start()

	// Far more bad payloads than maxRetryAttempts, and the loop is still up.
	waitFor(t, 2*time.Second, func() bool { return requests.Load() >= 6 }, "six undecodable responses")

	if !ctrl.Running() {
		t.Fatal("decode errors must not stop the stream")
	}
	if got := m.ConsecutiveFailures.Load(); got != 0 {
		t.Errorf("consecutive failures = %d, want 0", got)
	}
	if m.DecodeSkips.Load() == 0 {
		t.Error("decode skips not counted in metrics")
	}
}

func TestControllerCaptureErrorSkipsIteration(t *testing.T) {
	var requests atomic.Uint64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	src := newFakeSource()
	src.failing.Store(true)
	ctrl, m, _ := newTestController(t, testConfig(srv.URL), src, &fakeSpeaker{})
	ctrl.Start()

	waitFor(t, 2*time.Second, func() bool { return m.CaptureErrors.Load() >= 3 }, "capture errors observed")

	if requests.Load() != 0 {
		t.Errorf("requests = %d, capture failures must not reach the network", requests.Load())
	}
	if m.ConsecutiveFailures.Load() != 0 {
		t.Error("capture failures must not count toward connection loss")
	}
	if !ctrl.Running() {
		t.Error("capture failures must not stop the stream")
	}

	// Camera comes back: streaming resumes without a restart.
	src.failing.Store(false)
	waitFor(t, 2*time.Second, func() bool { return m.RequestsOK.Load() >= 1 }, "recovered after capture failures")
}

func TestControllerNotReadySourceSkips(t *testing.T) {
	var requests atomic.Uint64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	src := newFakeSource()
	src.ready.Store(false)
	ctrl, m, _ := newTestController(t, testConfig(srv.URL), src, &fakeSpeaker{})
	ctrl.Start()

	waitFor(t, 2*time.Second, func() bool { return m.FramesSkipped.Load() >= 3 }, "skips observed")
	if requests.Load() != 0 {
		t.Errorf("requests = %d, unready source must not trigger captures", requests.Load())
	}

	src.ready.Store(true)
	waitFor(t, 2*time.Second, func() bool { return m.RequestsOK.Load() >= 1 }, "started once source ready")
}

func TestControllerStartStopIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctrl, m, _ := newTestController(t, testConfig(srv.URL), newFakeSource(), &fakeSpeaker{})

	ctrl.Start()
	waitFor(t, 2*time.Second, func() bool { return m.RequestsOK.Load() >= 1 }, "running")
	session := ctrl.Snapshot().SessionID

	ctrl.Start() // no-op
	if got := ctrl.Snapshot().SessionID; got != session {
		t.Errorf("second Start replaced the session: %q -> %q", session, got)
	}

	ctrl.Stop()
	ctrl.Stop() // no-op
	if ctrl.Running() {
		t.Error("controller still running after Stop")
	}

	// A fresh Start begins a new session.
	ctrl.Start()
	waitFor(t, 2*time.Second, func() bool { return ctrl.Snapshot().SessionID != session }, "new session id")
	ctrl.Stop()
}

func TestControllerTeardownAfterHalt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetryAttempts = 1
	speaker := &fakeSpeaker{}
	m := metrics.New()
	policy := alert.NewPolicy(speaker, alert.LogVibrator{}, cfg.SpeechCooldown(), nil)
	pub := &slowPublisher{delay: 50 * time.Millisecond}
	ctrl := NewController(cfg, newFakeSource(), detect.NewClient(cfg.Endpoint, cfg.RequestTimeout()), policy, m, WithPublisher(pub))
	t.Cleanup(ctrl.Close)

	ctrl.Start()
	waitFor(t, 3*time.Second, func() bool { return !ctrl.Running() }, "halt")

	// Running() going false means the terminal publish has completed, so
	// Close must return with the publisher already quiet.
	ctrl.Close()
	published := pub.count()
	time.Sleep(150 * time.Millisecond)
	if pub.count() != published {
		t.Error("published state updated after teardown")
	}

	snap, ok := pub.last()
	if !ok {
		t.Fatal("no published snapshots")
	}
	if snap.AlertText != "Connection lost" || snap.Running {
		t.Errorf("terminal snapshot = %+v", snap)
	}

	// A restart after the halt begins a clean session instead of racing
	// the old loop.
	ctrl.Start()
	waitFor(t, 2*time.Second, func() bool { return !ctrl.Running() }, "second halt")
	if got := m.Halts.Load(); got != 2 {
		t.Errorf("halts = %d, want one per session", got)
	}
}

func TestControllerTeardownSafety(t *testing.T) {
	release := make(chan struct{})
	var requests atomic.Uint64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(detectionJSON()))
	}))
	defer srv.Close()
	defer close(release)

	ctrl, _, pub := newTestController(t, testConfig(srv.URL), newFakeSource(), &fakeSpeaker{})
	ctrl.Start()

	waitFor(t, 2*time.Second, func() bool { return requests.Load() >= 1 }, "request in flight")
	ctrl.Close() // tears down with the request still pending

	published := pub.count()
	sent := requests.Load()
	time.Sleep(150 * time.Millisecond)

	if pub.count() != published {
		t.Error("published state updated after teardown")
	}
	if requests.Load() != sent {
		t.Error("network calls performed after teardown")
	}
	if snap, ok := pub.last(); ok && snap.Running {
		t.Error("final snapshot still reports running")
	}
}

func TestControllerToggle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctrl, _, _ := newTestController(t, testConfig(srv.URL), newFakeSource(), &fakeSpeaker{})

	ctrl.Toggle()
	if !ctrl.Running() {
		t.Fatal("toggle did not start the stream")
	}
	ctrl.Toggle()
	if ctrl.Running() {
		t.Fatal("toggle did not stop the stream")
	}
}
