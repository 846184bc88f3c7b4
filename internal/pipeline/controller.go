package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/maskguard/detection-server/internal/alert"
	"github.com/dj-oyu/maskguard/detection-server/internal/broadcast"
	"github.com/dj-oyu/maskguard/detection-server/internal/detector"
	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/internal/metrics"
	"github.com/dj-oyu/maskguard/detection-server/internal/source"
	"github.com/dj-oyu/maskguard/detection-server/internal/stats"
	"github.com/dj-oyu/maskguard/detection-server/internal/store"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// ErrResetRequired is returned by Start while the pipeline is in Error.
var ErrResetRequired = errors.New("pipeline is in error state, reset required")

// FrameSink receives every processed frame with the detections to draw.
type FrameSink interface {
	Offer(frame *types.Frame, detections []types.Detection)
	EndOfStream()
}

// Deps are the components one Controller drives. Sources, Engine, Alerts,
// Stats, Ring and Events are required.
type Deps struct {
	Sources source.Factory
	Engine  detector.Engine
	Alerts  *alert.Engine
	Stats   *stats.Aggregator
	Ring    *store.Ring
	Events  *broadcast.Broadcaster

	Log     *store.Writer
	Frames  FrameSink
	Metrics *metrics.Metrics
	OnAlert func(alert types.Alert, frame *types.Frame, detections []types.Detection)
}

// Config tunes the processing loop.
type Config struct {
	ReadRetries  int           // consecutive read failures tolerated before Error
	RetryBackoff time.Duration // pause after each failed read
	DetectEvery  int           // run detection on every Nth frame
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{ReadRetries: 5, RetryBackoff: 200 * time.Millisecond, DetectEvery: 1}
}

// Status is the control plane view returned to operators.
type Status struct {
	State           types.PipelineState `json:"state"`
	LastError       string              `json:"lastError,omitempty"`
	StartedAt       *time.Time          `json:"startedAt,omitempty"`
	FramesProcessed uint64              `json:"framesProcessed"`
	Subscribers     int                 `json:"subscribers"`
}

// Controller owns the pipeline state machine and the single processing
// loop. Transitions are serialized by mu; the loop publishes its own
// terminal state under stateMu.
type Controller struct {
	deps Deps
	cfg  Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	stateMu   sync.RWMutex
	state     types.PipelineState
	lastErr   error
	startedAt time.Time
	processed uint64

	applyMu sync.Mutex
}

// New creates a stopped controller.
func New(deps Deps, cfg Config) *Controller {
	if cfg.DetectEvery < 1 {
		cfg.DetectEvery = 1
	}
	if cfg.ReadRetries < 0 {
		cfg.ReadRetries = 0
	}
	c := &Controller{deps: deps, cfg: cfg, state: types.StateStopped}
	deps.Alerts.OnExpire(func() {
		c.publish(types.EventStatisticsUpdate, deps.Stats.Snapshot())
	})
	return c
}

// State returns the current state.
func (c *Controller) State() types.PipelineState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Status returns the state plus run details.
func (c *Controller) Status() Status {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	st := Status{State: c.state, FramesProcessed: c.processed, Subscribers: c.deps.Events.SubscriberCount()}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if !c.startedAt.IsZero() {
		t := c.startedAt
		st.StartedAt = &t
	}
	return st
}

func (c *Controller) setState(s types.PipelineState, err error) {
	c.stateMu.Lock()
	prev := c.state
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	c.stateMu.Unlock()
	if prev != s {
		logger.Info("Pipeline", "State %s -> %s", prev, s)
	}
}

// transition moves from -> to only if the state is still from.
func (c *Controller) transition(from, to types.PipelineState) bool {
	c.stateMu.Lock()
	if c.state != from {
		c.stateMu.Unlock()
		return false
	}
	c.state = to
	c.stateMu.Unlock()
	logger.Info("Pipeline", "State %s -> %s", from, to)
	return true
}

// Start acquires the frame source and launches the processing loop. On
// any state but Stopped it returns the current state unchanged; in Error
// it also returns ErrResetRequired. A source that cannot be acquired moves
// the pipeline to Error and the returned error wraps source.ErrUnavailable.
func (c *Controller) Start(ctx context.Context) (types.PipelineState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch st := c.State(); st {
	case types.StateStopped:
	case types.StateError:
		return st, ErrResetRequired
	default:
		return st, nil
	}

	c.setState(types.StateStarting, nil)

	src, err := c.deps.Sources()
	if err == nil {
		err = src.Open(ctx)
		if err != nil {
			_ = src.Close()
		}
	}
	if err != nil {
		if !errors.Is(err, source.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", source.ErrUnavailable, err)
		}
		logger.Error("Pipeline", "Start failed: %v", err)
		c.setState(types.StateError, err)
		return types.StateError, err
	}

	c.deps.Alerts.Clear()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	c.stateMu.Lock()
	c.lastErr = nil
	c.startedAt = time.Now()
	c.processed = 0
	c.stateMu.Unlock()
	c.setState(types.StateRunning, nil)

	go c.run(runCtx, src, done)
	return types.StateRunning, nil
}

// Stop signals the loop to exit after its in-flight frame and waits for it
// or for ctx. Stop outside Running is a no-op returning the current state.
func (c *Controller) Stop(ctx context.Context) (types.PipelineState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.transition(types.StateRunning, types.StateStopping) {
		return c.State(), nil
	}
	c.cancel()

	select {
	case <-c.done:
		return c.State(), nil
	case <-ctx.Done():
		return types.StateStopping, ctx.Err()
	}
}

// Reset leaves Error for Stopped. Other states are returned unchanged.
func (c *Controller) Reset() types.PipelineState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.State(); st != types.StateError {
		return st
	}
	if c.done != nil {
		<-c.done
	}
	c.stateMu.Lock()
	c.lastErr = nil
	c.stateMu.Unlock()
	c.setState(types.StateStopped, nil)
	return types.StateStopped
}

// Wait blocks until the current loop, if any, has exited.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Controller) run(ctx context.Context, src source.Source, done chan struct{}) {
	defer close(done)

	var runErr error
	failures := 0
	var frameCount uint64
	var last []types.Detection

	logger.Info("Pipeline", "Processing loop started (detect every %d frames, %d read retries)", c.cfg.DetectEvery, c.cfg.ReadRetries)

	for ctx.Err() == nil {
		frame, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			c.count(func(m *metrics.Metrics) { m.ReadErrors.Add(1) })
			logger.Warn("Pipeline", "Frame read failed (%d/%d): %v", failures, c.cfg.ReadRetries, err)
			if failures > c.cfg.ReadRetries {
				runErr = fmt.Errorf("frame source failed %d consecutive reads: %w", failures, err)
				break
			}
			if !sleepCtx(ctx, c.cfg.RetryBackoff) {
				break
			}
			continue
		}
		failures = 0
		c.count(func(m *metrics.Metrics) { m.FramesRead.Add(1) })

		if frameCount%uint64(c.cfg.DetectEvery) == 0 {
			// The in-flight frame completes even if Stop arrives mid-detection.
			if ds, ok := c.processFrame(context.WithoutCancel(ctx), frame); ok {
				last = ds
			}
		}
		frameCount++

		if c.deps.Frames != nil {
			c.deps.Frames.Offer(frame, last)
		}
	}

	if err := src.Close(); err != nil {
		logger.Warn("Pipeline", "Close frame source: %v", err)
	}
	if c.deps.Frames != nil {
		c.deps.Frames.EndOfStream()
	}

	if runErr != nil && ctx.Err() == nil {
		logger.Error("Pipeline", "Processing loop failed: %v", runErr)
		c.setState(types.StateError, runErr)
		return
	}
	logger.Info("Pipeline", "Processing loop stopped after %d frames", frameCount)
	c.setState(types.StateStopped, nil)
}

func (c *Controller) processFrame(ctx context.Context, frame *types.Frame) ([]types.Detection, bool) {
	start := time.Now()
	ds, err := c.deps.Engine.Detect(ctx, frame)
	if err != nil {
		c.count(func(m *metrics.Metrics) {
			m.ProcessErrors.Add(1)
			m.FramesDropped.Add(1)
		})
		logger.Warn("Pipeline", "Frame %d skipped: %v", frame.Seq, err)
		return nil, false
	}
	c.count(func(m *metrics.Metrics) {
		m.FramesProcessed.Add(1)
		m.UpdateProcessLatency(time.Since(start))
	})

	c.Apply(frame, ds)

	c.stateMu.Lock()
	c.processed++
	c.stateMu.Unlock()

	c.count(func(m *metrics.Metrics) { m.UpdateFrameLatency(frame.Timestamp) })
	return ds, true
}

// Apply runs one frame's assembled detections through alerts, statistics
// and storage, then publishes the resulting events. It returns the
// statistics after the frame and the alerts raised. frame may be nil.
func (c *Controller) Apply(frame *types.Frame, ds []types.Detection) (types.StatisticsSnapshot, []types.Alert) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	var alerts []types.Alert
	for i := range ds {
		if a := c.deps.Alerts.Evaluate(&ds[i]); a != nil {
			alerts = append(alerts, *a)
		}
	}

	snap := c.deps.Stats.ApplyFrame(ds)
	if len(ds) == 0 {
		return snap, nil
	}

	c.deps.Ring.Append(ds...)
	if c.deps.Log != nil && !c.deps.Log.Enqueue(ds) {
		c.count(func(m *metrics.Metrics) { m.StoreErrors.Add(1) })
	}
	c.count(func(m *metrics.Metrics) {
		m.DetectionsTotal.Add(uint64(len(ds)))
		m.AlertsRaised.Add(uint64(len(alerts)))
	})

	c.publish(types.EventDetectionUpdate, ds)
	c.publish(types.EventStatisticsUpdate, snap)
	for _, a := range alerts {
		c.publish(types.EventAlertTriggered, a)
		if c.deps.OnAlert != nil {
			c.deps.OnAlert(a, frame, ds)
		}
	}
	return snap, alerts
}

// ProcessImage runs the engine on one uploaded image and applies the
// result like a live frame.
func (c *Controller) ProcessImage(ctx context.Context, frame *types.Frame) ([]types.Detection, types.StatisticsSnapshot, error) {
	ds, err := c.deps.Engine.Detect(ctx, frame)
	if err != nil {
		c.count(func(m *metrics.Metrics) { m.ProcessErrors.Add(1) })
		return nil, c.deps.Stats.Snapshot(), err
	}
	snap, _ := c.Apply(frame, ds)
	if ds == nil {
		ds = []types.Detection{}
	}
	return ds, snap, nil
}

// Statistics returns the current aggregate snapshot.
func (c *Controller) Statistics() types.StatisticsSnapshot {
	return c.deps.Stats.Snapshot()
}

// ClearAlerts drops active alerts and cooldown history and publishes the
// updated statistics.
func (c *Controller) ClearAlerts() types.StatisticsSnapshot {
	c.deps.Alerts.Clear()
	snap := c.deps.Stats.Snapshot()
	c.publish(types.EventStatisticsUpdate, snap)
	return snap
}

// ResetStatistics zeroes the aggregator and publishes the empty snapshot.
func (c *Controller) ResetStatistics() types.StatisticsSnapshot {
	c.applyMu.Lock()
	c.deps.Stats.Reset()
	snap := c.deps.Stats.Snapshot()
	c.applyMu.Unlock()

	c.publish(types.EventStatisticsUpdate, snap)
	return snap
}

func (c *Controller) publish(eventType string, payload any) {
	if err := c.deps.Events.Publish(eventType, payload); err != nil && !errors.Is(err, broadcast.ErrClosed) {
		c.count(func(m *metrics.Metrics) { m.PublishErrors.Add(1) })
		logger.Warn("Pipeline", "Publish %s: %v", eventType, err)
	}
}

func (c *Controller) count(f func(m *metrics.Metrics)) {
	if c.deps.Metrics != nil {
		f(c.deps.Metrics)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
