package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/maskguard/detection-server/internal/alert"
	"github.com/dj-oyu/maskguard/detection-server/internal/broadcast"
	"github.com/dj-oyu/maskguard/detection-server/internal/clock"
	"github.com/dj-oyu/maskguard/detection-server/internal/detector"
	"github.com/dj-oyu/maskguard/detection-server/internal/metrics"
	"github.com/dj-oyu/maskguard/detection-server/internal/settings"
	"github.com/dj-oyu/maskguard/detection-server/internal/source"
	"github.com/dj-oyu/maskguard/detection-server/internal/stats"
	"github.com/dj-oyu/maskguard/detection-server/internal/store"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

type harness struct {
	ctrl    *Controller
	clock   *clock.Fake
	alerts  *alert.Engine
	stats   *stats.Aggregator
	ring    *store.Ring
	events  *broadcast.Broadcaster
	metrics *metrics.Metrics
	sink    *recordingSink
}

type recordingSink struct {
	mu     sync.Mutex
	frames int
	ended  int
}

func (s *recordingSink) Offer(*types.Frame, []types.Detection) {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
}

func (s *recordingSink) EndOfStream() {
	s.mu.Lock()
	s.ended++
	s.mu.Unlock()
}

func (s *recordingSink) counts() (frames, ended int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.ended
}

func newHarness(t *testing.T, engine detector.Engine, factory source.Factory, cfg Config) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	st, err := settings.NewStore(types.DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	alerts := alert.NewEngine(clk, st, alert.Config{})
	h := &harness{
		clock:   clk,
		alerts:  alerts,
		stats:   stats.NewAggregator(clk, alerts),
		ring:    store.NewRing(100),
		events:  broadcast.New(64, broadcast.Disconnect),
		metrics: metrics.New(),
		sink:    &recordingSink{},
	}
	h.ctrl = New(Deps{
		Sources: factory,
		Engine:  engine,
		Alerts:  alerts,
		Stats:   h.stats,
		Ring:    h.ring,
		Events:  h.events,
		Frames:  h.sink,
		Metrics: h.metrics,
	}, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = h.ctrl.Stop(ctx)
		h.events.Close()
	})
	return h
}

func fixed(src source.Source) source.Factory {
	return func() (source.Source, error) { return src, nil }
}

func testConfig() Config {
	return Config{ReadRetries: 2, RetryBackoff: time.Millisecond, DetectEvery: 1}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func nextEvent(t *testing.T, sub *broadcast.Subscription) envelope {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		var env envelope
		if err := json.Unmarshal(ev.JSONData, &env); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return envelope{}
}

func scenarioFrame() []types.Detection {
	return []types.Detection{
		{HasMask: true, Confidence: 0.94, BBox: types.BBox{X: 10, Y: 10, W: 50, H: 50}},
		{HasMask: false, Confidence: 0.89, BBox: types.BBox{X: 100, Y: 10, W: 50, H: 50}},
		{HasMask: true, Confidence: 0.97, BBox: types.BBox{X: 200, Y: 10, W: 50, H: 50}},
	}
}

func TestEndToEndScenario(t *testing.T) {
	src := &source.Scripted{Pace: 5 * time.Millisecond}
	h := newHarness(t, detector.NewFixture(scenarioFrame()), fixed(src), testConfig())
	sub := h.events.Subscribe("test")
	defer sub.Close()

	state, err := h.ctrl.Start(context.Background())
	if err != nil || state != types.StateRunning {
		t.Fatalf("Start = %s, %v", state, err)
	}

	det := nextEvent(t, sub)
	if det.Type != types.EventDetectionUpdate {
		t.Fatalf("first event = %s, want detection_update", det.Type)
	}
	var ds []types.Detection
	if err := json.Unmarshal(det.Data, &ds); err != nil || len(ds) != 3 {
		t.Fatalf("detection_update data = %s (%v)", det.Data, err)
	}

	statsEv := nextEvent(t, sub)
	if statsEv.Type != types.EventStatisticsUpdate {
		t.Fatalf("second event = %s, want statistics_update", statsEv.Type)
	}
	var snap types.StatisticsSnapshot
	if err := json.Unmarshal(statsEv.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.TotalDetections != 3 || snap.MaskedCount != 2 || snap.UnmaskedCount != 1 {
		t.Errorf("counts = %d/%d/%d, want 3/2/1", snap.TotalDetections, snap.MaskedCount, snap.UnmaskedCount)
	}
	if snap.ComplianceRate < 66.65 || snap.ComplianceRate > 66.75 {
		t.Errorf("complianceRate = %v, want ~66.7", snap.ComplianceRate)
	}
	if snap.ActiveAlerts != 1 {
		t.Errorf("activeAlerts = %d, want 1", snap.ActiveAlerts)
	}

	alertEv := nextEvent(t, sub)
	if alertEv.Type != types.EventAlertTriggered {
		t.Fatalf("third event = %s, want alert_triggered", alertEv.Type)
	}
	var a types.Alert
	if err := json.Unmarshal(alertEv.Data, &a); err != nil {
		t.Fatal(err)
	}
	if a.Detection.HasMask || a.Detection.Confidence != 0.89 || !a.Detection.AlertTriggered {
		t.Errorf("alert detection = %+v", a.Detection)
	}
	if a.Message != "Mask violation detected with 0.89 confidence" {
		t.Errorf("message = %q", a.Message)
	}

	recent := h.ring.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("ring has %d detections, want 3", len(recent))
	}
	triggered := 0
	for _, d := range recent {
		if d.AlertTriggered {
			triggered++
		}
	}
	if triggered != 1 {
		t.Errorf("%d stored detections flagged, want 1", triggered)
	}

	state, err = h.ctrl.Stop(context.Background())
	if err != nil || state != types.StateStopped {
		t.Fatalf("Stop = %s, %v", state, err)
	}
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Errorf("unexpected extra event %s", ev.Type)
		}
	default:
	}
}

func TestStartStopIdempotent(t *testing.T) {
	src := &source.Scripted{Pace: 5 * time.Millisecond}
	h := newHarness(t, detector.NewFixture(), fixed(src), testConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if st, err := h.ctrl.Stop(ctx); err != nil || st != types.StateStopped {
			t.Fatalf("Stop on stopped = %s, %v", st, err)
		}
	}
	if st, err := h.ctrl.Start(ctx); err != nil || st != types.StateRunning {
		t.Fatalf("Start = %s, %v", st, err)
	}
	if st, err := h.ctrl.Start(ctx); err != nil || st != types.StateRunning {
		t.Fatalf("second Start = %s, %v", st, err)
	}
	if opened, _ := src.Counts(); opened != 1 {
		t.Errorf("source opened %d times, want 1", opened)
	}
	if st, err := h.ctrl.Stop(ctx); err != nil || st != types.StateStopped {
		t.Fatalf("Stop = %s, %v", st, err)
	}
	if st, err := h.ctrl.Stop(ctx); err != nil || st != types.StateStopped {
		t.Fatalf("second Stop = %s, %v", st, err)
	}
	if _, closed := src.Counts(); closed != 1 {
		t.Errorf("source closed %d times, want 1", closed)
	}
	if _, ended := h.sink.counts(); ended != 1 {
		t.Errorf("EndOfStream called %d times, want 1", ended)
	}
}

func TestStartUnavailableSourceNeedsReset(t *testing.T) {
	src := &source.Scripted{OpenErr: errors.New("no camera"), Pace: 5 * time.Millisecond}
	h := newHarness(t, detector.NewFixture(), fixed(src), testConfig())
	ctx := context.Background()

	st, err := h.ctrl.Start(ctx)
	if st != types.StateError || !errors.Is(err, source.ErrUnavailable) {
		t.Fatalf("Start = %s, %v; want Error, ErrUnavailable", st, err)
	}
	if got := h.ctrl.Status(); got.LastError == "" {
		t.Error("status has no last error")
	}

	src.OpenErr = nil
	if st, err := h.ctrl.Start(ctx); st != types.StateError || !errors.Is(err, ErrResetRequired) {
		t.Fatalf("Start in Error = %s, %v", st, err)
	}
	if st, _ := h.ctrl.Stop(ctx); st != types.StateError {
		t.Fatalf("Stop in Error = %s, want Error", st)
	}

	if st := h.ctrl.Reset(); st != types.StateStopped {
		t.Fatalf("Reset = %s", st)
	}
	if st, err := h.ctrl.Start(ctx); err != nil || st != types.StateRunning {
		t.Fatalf("Start after reset = %s, %v", st, err)
	}
}

func TestTransientReadFailuresAreRetried(t *testing.T) {
	flaky := errors.New("flaky read")
	src := &source.Scripted{
		Steps: []source.Step{{Err: flaky}, {Err: flaky}, {}},
		Pace:  5 * time.Millisecond,
	}
	engine := detector.NewFixture(scenarioFrame())
	h := newHarness(t, engine, fixed(src), testConfig())

	if _, err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first frame applied", func() bool { return h.ring.Len() == 3 })
	if st := h.ctrl.State(); st != types.StateRunning {
		t.Fatalf("state = %s, want Running", st)
	}
	if got := h.metrics.ReadErrors.Load(); got != 2 {
		t.Errorf("read errors = %d, want 2", got)
	}
}

func TestRepeatedReadFailuresEscalate(t *testing.T) {
	broken := errors.New("device lost")
	src := &source.Scripted{Steps: []source.Step{{Err: broken}, {Err: broken}, {Err: broken}}}
	h := newHarness(t, detector.NewFixture(), fixed(src), testConfig())

	if _, err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "Error state", func() bool { return h.ctrl.State() == types.StateError })

	st := h.ctrl.Status()
	if st.LastError == "" {
		t.Error("no last error recorded")
	}
	if _, closed := src.Counts(); closed != 1 {
		t.Errorf("source closed %d times, want 1", closed)
	}
	if s, err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrResetRequired) || s != types.StateError {
		t.Fatalf("Start in Error = %s, %v", s, err)
	}
}

func TestProcessingFailureSkipsOnlyThatFrame(t *testing.T) {
	src := &source.Scripted{Pace: 5 * time.Millisecond}
	engine := detector.NewFixture(nil, scenarioFrame()).FailOn(0, detector.ErrLocalize)
	h := newHarness(t, engine, fixed(src), testConfig())

	if _, err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second frame applied", func() bool { return h.ring.Len() == 3 })
	if got := h.metrics.ProcessErrors.Load(); got != 1 {
		t.Errorf("process errors = %d, want 1", got)
	}
	if got := h.metrics.ReadErrors.Load(); got != 0 {
		t.Errorf("read errors = %d, want 0", got)
	}
	if st := h.ctrl.State(); st != types.StateRunning {
		t.Errorf("state = %s", st)
	}
}

type blockingEngine struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (e *blockingEngine) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	first := false
	e.once.Do(func() { first = true })
	if !first {
		return nil, nil
	}
	close(e.started)
	<-e.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []types.Detection{{ID: "in-flight", HasMask: true, Confidence: 0.9, Timestamp: frame.Timestamp}}, nil
}

func TestStopCompletesInFlightFrame(t *testing.T) {
	engine := &blockingEngine{started: make(chan struct{}), release: make(chan struct{})}
	src := &source.Scripted{Pace: time.Millisecond}
	h := newHarness(t, engine, fixed(src), testConfig())

	if _, err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-engine.started

	stopped := make(chan types.PipelineState, 1)
	go func() {
		st, _ := h.ctrl.Stop(context.Background())
		stopped <- st
	}()

	waitFor(t, "Stopping state", func() bool { return h.ctrl.State() == types.StateStopping })
	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight frame finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(engine.release)
	select {
	case st := <-stopped:
		if st != types.StateStopped {
			t.Fatalf("Stop = %s", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	recent := h.ring.Recent(1)
	if len(recent) != 1 || recent[0].ID != "in-flight" {
		t.Fatalf("in-flight frame not applied: %+v", recent)
	}
}

func TestStopHonoursCallerDeadline(t *testing.T) {
	engine := &blockingEngine{started: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, engine, fixed(&source.Scripted{}), testConfig())
	defer close(engine.release)

	if _, err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-engine.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	st, err := h.ctrl.Stop(ctx)
	if st != types.StateStopping || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %s, %v; want Stopping, deadline exceeded", st, err)
	}
}

func TestAlertExpiryPublishesStatistics(t *testing.T) {
	h := newHarness(t, detector.NewFixture(), fixed(&source.Scripted{}), testConfig())
	sub := h.events.Subscribe("test")
	defer sub.Close()

	_, alerts := h.ctrl.Apply(nil, scenarioFrame())
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	for i := 0; i < 3; i++ {
		nextEvent(t, sub)
	}

	h.clock.Advance(5 * time.Second)
	ev := nextEvent(t, sub)
	if ev.Type != types.EventStatisticsUpdate {
		t.Fatalf("event = %s, want statistics_update", ev.Type)
	}
	var snap types.StatisticsSnapshot
	if err := json.Unmarshal(ev.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.ActiveAlerts != 0 {
		t.Errorf("activeAlerts = %d, want 0", snap.ActiveAlerts)
	}
}

func TestCooldownAcrossFrames(t *testing.T) {
	h := newHarness(t, detector.NewFixture(), fixed(&source.Scripted{}), testConfig())
	violation := func() []types.Detection {
		return []types.Detection{{ID: "v", HasMask: false, Confidence: 0.9}}
	}

	if _, a := h.ctrl.Apply(nil, violation()); len(a) != 1 {
		t.Fatalf("t=0: %d alerts", len(a))
	}
	h.clock.Advance(2 * time.Second)
	if _, a := h.ctrl.Apply(nil, violation()); len(a) != 0 {
		t.Fatalf("t=2000ms: %d alerts, want 0", len(a))
	}
	h.clock.Advance(4 * time.Second)
	if _, a := h.ctrl.Apply(nil, violation()); len(a) != 1 {
		t.Fatalf("t=6000ms: %d alerts, want 1", len(a))
	}
}

func TestEmptyFrameAppliesNothing(t *testing.T) {
	h := newHarness(t, detector.NewFixture(), fixed(&source.Scripted{}), testConfig())
	sub := h.events.Subscribe("test")
	defer sub.Close()

	snap, alerts := h.ctrl.Apply(nil, nil)
	if snap.TotalDetections != 0 || len(alerts) != 0 || h.ring.Len() != 0 {
		t.Fatalf("empty frame changed state: %+v %v", snap, alerts)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("empty frame published %s", ev.Type)
	default:
	}
}

func TestDetectEverySkipsFrames(t *testing.T) {
	src := &source.Scripted{Pace: time.Millisecond}
	engine := detector.NewFixture()
	cfg := testConfig()
	cfg.DetectEvery = 3
	h := newHarness(t, engine, fixed(src), cfg)

	if _, err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "nine frames", func() bool {
		frames, _ := h.sink.counts()
		return frames >= 9
	})
	if _, err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	frames, _ := h.sink.counts()
	want := (frames + 2) / 3
	if got := engine.Calls(); got != want {
		t.Errorf("engine calls = %d for %d frames, want %d", got, frames, want)
	}
}

func TestProcessImage(t *testing.T) {
	h := newHarness(t, detector.NewFixture(scenarioFrame()), fixed(&source.Scripted{}), testConfig())
	frame := &types.Frame{Timestamp: time.Now()}

	ds, snap, err := h.ctrl.ProcessImage(context.Background(), frame)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 3 || snap.TotalDetections != 3 {
		t.Fatalf("got %d detections, total %d", len(ds), snap.TotalDetections)
	}

	ds, _, err = h.ctrl.ProcessImage(context.Background(), frame)
	if err != nil || ds == nil || len(ds) != 0 {
		t.Fatalf("second image = %v, %v; want empty slice", ds, err)
	}
}

func TestResetStatisticsPublishesSnapshot(t *testing.T) {
	h := newHarness(t, detector.NewFixture(), fixed(&source.Scripted{}), testConfig())
	h.ctrl.Apply(nil, scenarioFrame())

	sub := h.events.Subscribe("test")
	defer sub.Close()

	snap := h.ctrl.ResetStatistics()
	if snap.TotalDetections != 0 || snap.ComplianceRate != 0 {
		t.Fatalf("snapshot after reset = %+v", snap)
	}
	if ev := nextEvent(t, sub); ev.Type != types.EventStatisticsUpdate {
		t.Errorf("event = %s, want %s", ev.Type, types.EventStatisticsUpdate)
	}
	if h.ring.Len() != 3 {
		t.Errorf("ring len = %d; reset must not drop stored detections", h.ring.Len())
	}
}
