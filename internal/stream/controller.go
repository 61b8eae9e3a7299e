// Package stream owns the capture-detect-publish loop: frame pacing,
// backpressure, retry/backoff, and the connection state machine.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/visionguard/detection-client/internal/alert"
	"github.com/visionguard/detection-client/internal/config"
	"github.com/visionguard/detection-client/internal/detect"
	"github.com/visionguard/detection-client/internal/logger"
	"github.com/visionguard/detection-client/internal/metrics"
	"github.com/visionguard/detection-client/internal/reconcile"
	"github.com/visionguard/detection-client/pkg/types"
)

const (
	reconnectingText   = "Reconnecting..."
	connectionLostText = "Connection lost"
)

// FrameSource supplies frames to the loop. Capture is only called when
// Ready reports true.
type FrameSource interface {
	Ready() bool
	Capture(ctx context.Context) ([]byte, error)
}

// Sender submits one frame to the inference service. Implemented by
// detect.Client.
type Sender interface {
	Send(ctx context.Context, frame []byte) (*types.DetectionResponse, error)
}

// Publisher receives the state snapshot and the frame it was computed
// from after each completed iteration. Implementations must not block.
type Publisher interface {
	Publish(snap types.Snapshot, frame []byte)
}

// loopState aggregates the mutable per-run state. It is created on
// Start, owned exclusively by the run goroutine, and discarded when the
// run ends, so no iteration state leaks between runs.
type loopState struct {
	inFlight   bool
	detections []types.Detection
	meta       types.FrameMeta
	frame      []byte
}

// Controller drives the detection stream. One request is in flight at a
// time; iterations are paced to the configured FPS; failures feed the
// connection state machine instead of escaping the loop.
type Controller struct {
	cfg       config.Config
	source    FrameSource
	sender    Sender
	policy    *alert.Policy
	conn      *ConnState
	metrics   *metrics.Metrics
	clock     clock.Clock
	publisher Publisher

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sessionID string
	snapshot  types.Snapshot
	lastFrame []byte
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock injects the clock used for pacing, backoff, and cooldowns.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithPublisher attaches a snapshot sink (the monitor server).
func WithPublisher(p Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

// NewController creates a stopped controller. cfg must already be
// validated.
func NewController(cfg config.Config, src FrameSource, sender Sender, policy *alert.Policy, m *metrics.Metrics, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		source:  src,
		sender:  sender,
		policy:  policy,
		conn:    NewConnState(cfg.MaxRetryAttempts),
		metrics: m,
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins streaming. It is a no-op when already running.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		logger.Debug("Stream", "Start ignored: already running")
		return
	}

	c.running = true
	c.sessionID = uuid.NewString()
	c.conn.Reset()
	c.policy.Reset()
	c.metrics.StreamRunning.Store(1)
	c.metrics.ConsecutiveFailures.Store(0)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	ls := &loopState{}
	c.wg.Add(1)
	session := c.sessionID
	c.mu.Unlock()

	logger.Info("Stream", "Session %s: streaming started (endpoint=%s fps=%v)",
		session, c.cfg.Endpoint, c.cfg.TargetFPS)

	c.publish(ls, true)
	go c.run(ctx, ls)
}

// Stop halts streaming and silences the speaker. It is a no-op when not
// running. Any in-flight request is aborted; its result is discarded.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		logger.Debug("Stream", "Stop ignored: not running")
		return
	}
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	session := c.sessionID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.policy.StopSpeech()
	c.metrics.StreamRunning.Store(0)
	logger.Info("Stream", "Session %s: streaming stopped", session)

	c.mu.Lock()
	c.snapshot.Running = false
	c.snapshot.UpdatedAt = c.clock.Now()
	snap := c.snapshot
	frame := c.lastFrame
	pub := c.publisher
	c.mu.Unlock()
	if pub != nil {
		pub.Publish(snap, frame)
	}
}

// Toggle starts a stopped stream and stops a running one.
func (c *Controller) Toggle() {
	if c.Running() {
		c.Stop()
	} else {
		c.Start()
	}
}

// Close tears the controller down. Equivalent to Stop; afterwards no
// timers fire and no state is published.
func (c *Controller) Close() {
	c.Stop()
}

// Running reports whether the stream loop is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Snapshot returns a copy of the last published state.
func (c *Controller) Snapshot() types.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// LastFrame returns the most recent frame and the pixel space its
// detections refer to.
func (c *Controller) LastFrame() ([]byte, types.FrameMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFrame, c.snapshot.FrameMeta
}

// run is the loop goroutine. Cancellation is checked before and after
// every wait so a stop request never has to ride out a full backoff.
func (c *Controller) run(ctx context.Context, ls *loopState) {
	defer c.wg.Done()

	for {
		delay, haltLoop := c.iterate(ctx, ls)
		if haltLoop {
			c.halt(ls)
			return
		}
		if ctx.Err() != nil {
			return
		}

		timer := c.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// iterate performs one capture-send-reconcile cycle and returns the
// delay before the next one. haltLoop is true only for the terminal
// connection-loss condition.
func (c *Controller) iterate(ctx context.Context, ls *loopState) (delay time.Duration, haltLoop bool) {
	interval := c.cfg.FrameInterval()

	// Backpressure: never start a cycle while a request is outstanding
	// or before the source has produced its first frame.
	if ls.inFlight || !c.source.Ready() {
		c.metrics.FramesSkipped.Add(1)
		return interval, false
	}

	start := c.clock.Now()
	ls.inFlight = true
	defer func() { ls.inFlight = false }()

	frame, err := c.source.Capture(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false
		}
		// Source hiccup: skip the iteration, leave the failure counter
		// alone. The camera being briefly unavailable is not a
		// connection problem.
		c.metrics.CaptureErrors.Add(1)
		logger.Warn("Stream", "Capture failed: %v", err)
		return interval, false
	}
	c.metrics.FramesCaptured.Add(1)

	c.metrics.FramesSent.Add(1)
	resp, err := c.sender.Send(ctx, frame)
	c.metrics.ObserveRequestLatency(c.clock.Since(start))

	if ctx.Err() != nil {
		// Stopped while in flight: discard whatever came back.
		return 0, false
	}

	if err != nil {
		return c.handleFailure(ls, err)
	}

	c.conn.OnSuccess()
	c.metrics.RequestsOK.Add(1)
	c.metrics.ConsecutiveFailures.Store(0)

	ls.detections, _ = reconcile.Reconcile(ls.detections, resp.Detections)
	if meta := resp.Meta(); meta.Width > 0 && meta.Height > 0 {
		ls.meta = meta
	}
	ls.frame = frame
	c.policy.Apply(resp)
	c.publish(ls, true)

	return pace(interval, c.clock.Since(start)), false
}

// handleFailure classifies a failed request. Decode problems are skips;
// everything else feeds the state machine and either backs off or halts.
func (c *Controller) handleFailure(ls *loopState, err error) (time.Duration, bool) {
	de := detect.AsError(err)
	if de == nil {
		de = &detect.Error{Kind: detect.KindNetwork, Err: err}
	}

	switch de.Kind {
	case detect.KindTimeout:
		c.metrics.TimeoutFailures.Add(1)
	case detect.KindNetwork:
		c.metrics.NetworkFailures.Add(1)
	case detect.KindHTTP:
		c.metrics.HTTPFailures.Add(1)
	case detect.KindDecode:
		c.metrics.DecodeSkips.Add(1)
	}

	if !de.Retryable() {
		// Malformed payload on a live connection. Log it, keep the
		// previous state, try again at the normal cadence.
		logger.Warn("Stream", "Skipping undecodable response: %v", de)
		return c.cfg.FrameInterval(), false
	}

	outcome := c.conn.OnFailure()
	c.metrics.ConsecutiveFailures.Store(uint64(c.conn.Failures()))
	logger.Warn("Stream", "Request failed (%s), consecutive failures: %d/%d",
		de.Kind, c.conn.Failures(), c.cfg.MaxRetryAttempts)

	if outcome == OutcomeHalt {
		return 0, true
	}

	c.metrics.Reconnects.Add(1)
	if c.policy.SetText(reconnectingText) {
		c.publish(ls, true)
	}
	return c.cfg.ReconnectDelay(), false
}

// halt surfaces the terminal connection-loss condition: one spoken
// notification, a final snapshot, and a stopped loop. Only a fresh
// Start resumes streaming.
func (c *Controller) halt(ls *loopState) {
	c.metrics.Halts.Add(1)
	c.metrics.StreamRunning.Store(0)
	logger.Error("Stream", "Connection lost after %d consecutive failures, stopping stream", c.conn.Failures())

	c.policy.Announce(connectionLostText)

	// Publish the terminal snapshot before the stop becomes observable.
	// Once Running reports false the loop has gone quiet: callers may
	// tear down or restart without racing a publish that is still in
	// flight.
	c.publish(ls, false)

	c.mu.Lock()
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// publish stores a fresh snapshot and forwards it to the publisher.
// Called only from the run goroutine and from Start/Stop when no run
// goroutine is live, so the loop state is never read concurrently.
// running is passed explicitly: the halt path publishes its terminal
// snapshot as stopped while the loop is still winding down.
func (c *Controller) publish(ls *loopState, running bool) {
	c.mu.Lock()
	c.snapshot = types.Snapshot{
		SessionID:           c.sessionID,
		Detections:          ls.detections,
		FrameMeta:           ls.meta,
		AlertText:           c.policy.LastText(),
		Status:              c.conn.Status(),
		Running:             running,
		ConsecutiveFailures: c.conn.Failures(),
		UpdatedAt:           c.clock.Now(),
	}
	if ls.frame != nil {
		c.lastFrame = ls.frame
	}
	snap := c.snapshot
	frame := c.lastFrame
	pub := c.publisher
	c.mu.Unlock()

	if pub != nil {
		pub.Publish(snap, frame)
	}
}

// pace computes the delay to the next iteration: the frame interval
// minus the time this one already consumed, floored at zero.
func pace(interval, elapsed time.Duration) time.Duration {
	if delay := interval - elapsed; delay > 0 {
		return delay
	}
	return 0
}
