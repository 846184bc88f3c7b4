package alert

import (
	"testing"
	"time"

	"github.com/dj-oyu/maskguard/detection-server/internal/clock"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

type staticSettings struct{ s types.Settings }

func (s *staticSettings) Get() types.Settings { return s.s }

func violation(box types.BBox) *types.Detection {
	return &types.Detection{ID: "v", HasMask: false, Confidence: 0.89, BBox: box}
}

func newTestEngine(policy Policy) (*Engine, *clock.Fake, *staticSettings) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	src := &staticSettings{s: types.DefaultSettings()}
	return NewEngine(fake, src, Config{Policy: policy}), fake, src
}

func TestGlobalCooldownDeduplicates(t *testing.T) {
	e, fake, _ := newTestEngine(PolicyGlobal)
	box := types.BBox{X: 10, Y: 10, W: 50, H: 50}

	first := violation(box)
	if a := e.Evaluate(first); a == nil {
		t.Fatalf("first violation did not alert")
	}
	if !first.AlertTriggered {
		t.Fatalf("AlertTriggered not set")
	}

	fake.Advance(2000 * time.Millisecond)
	if a := e.Evaluate(violation(box)); a != nil {
		t.Fatalf("violation inside cooldown alerted")
	}

	fake.Advance(4000 * time.Millisecond) // t=6000ms
	if a := e.Evaluate(violation(box)); a == nil {
		t.Fatalf("violation after cooldown did not alert")
	}

	raised, suppressed := e.Counts()
	if raised != 2 || suppressed != 1 {
		t.Fatalf("counts raised=%d suppressed=%d", raised, suppressed)
	}
}

func TestAlertMessage(t *testing.T) {
	e, _, _ := newTestEngine(PolicyGlobal)
	a := e.Evaluate(violation(types.BBox{W: 10, H: 10}))
	if a == nil {
		t.Fatalf("expected alert")
	}
	if a.Message != "Mask violation detected with 0.89 confidence" {
		t.Fatalf("message = %q", a.Message)
	}
	if !a.Detection.AlertTriggered {
		t.Fatalf("alert payload detection not flagged")
	}
}

func TestNoAlertConditions(t *testing.T) {
	cases := []struct {
		name   string
		det    types.Detection
		mutate func(*types.Settings)
	}{
		{"masked face", types.Detection{HasMask: true, Confidence: 0.99}, nil},
		{"below threshold", types.Detection{HasMask: false, Confidence: 0.5}, nil},
		{"alerts disabled", types.Detection{HasMask: false, Confidence: 0.95}, func(s *types.Settings) {
			s.VisualAlerts = false
			s.SoundAlerts = false
		}},
		{"already triggered", types.Detection{HasMask: false, Confidence: 0.95, AlertTriggered: true}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _, src := newTestEngine(PolicyGlobal)
			if tc.mutate != nil {
				tc.mutate(&src.s)
			}
			d := tc.det
			if a := e.Evaluate(&d); a != nil {
				t.Fatalf("unexpected alert")
			}
			if e.Active() != 0 {
				t.Fatalf("active = %d", e.Active())
			}
		})
	}
}

func TestSoundOnlyStillAlerts(t *testing.T) {
	e, _, src := newTestEngine(PolicyGlobal)
	src.s.VisualAlerts = false
	if a := e.Evaluate(violation(types.BBox{W: 5, H: 5})); a == nil {
		t.Fatalf("sound-only settings should alert")
	}
}

func TestActiveAlertsAutoDecrement(t *testing.T) {
	e, fake, _ := newTestEngine(PolicyGlobal)
	expired := 0
	e.OnExpire(func() { expired++ })

	e.Evaluate(violation(types.BBox{W: 10, H: 10}))
	if e.Active() != 1 {
		t.Fatalf("active = %d, want 1", e.Active())
	}
	fake.Advance(4999 * time.Millisecond)
	if e.Active() != 1 {
		t.Fatalf("active decremented early")
	}
	fake.Advance(time.Millisecond)
	if e.Active() != 0 {
		t.Fatalf("active = %d after window, want 0", e.Active())
	}
	if expired != 1 {
		t.Fatalf("expire hook calls = %d", expired)
	}
}

func TestSpatialPolicy(t *testing.T) {
	e, fake, _ := newTestEngine(PolicySpatial)
	left := types.BBox{X: 0, Y: 0, W: 100, H: 100}
	leftShifted := types.BBox{X: 10, Y: 5, W: 100, H: 100}
	right := types.BBox{X: 400, Y: 0, W: 100, H: 100}

	if e.Evaluate(violation(left)) == nil {
		t.Fatalf("first face did not alert")
	}
	if e.Evaluate(violation(leftShifted)) != nil {
		t.Fatalf("same face alerted twice inside window")
	}
	if e.Evaluate(violation(right)) == nil {
		t.Fatalf("distinct face suppressed")
	}
	if e.Active() != 2 {
		t.Fatalf("active = %d, want 2", e.Active())
	}

	fake.Advance(5 * time.Second)
	if e.Evaluate(violation(leftShifted)) == nil {
		t.Fatalf("face not re-alerted after window")
	}
}

func TestClear(t *testing.T) {
	e, fake, _ := newTestEngine(PolicyGlobal)
	expired := 0
	e.OnExpire(func() { expired++ })

	e.Evaluate(violation(types.BBox{W: 10, H: 10}))
	e.Clear()
	if e.Active() != 0 {
		t.Fatalf("active after clear = %d", e.Active())
	}
	if fake.Pending() != 0 {
		t.Fatalf("timers still pending after clear")
	}
	if e.Evaluate(violation(types.BBox{W: 10, H: 10})) == nil {
		t.Fatalf("cooldown survived clear")
	}
	fake.Advance(10 * time.Second)
	if expired != 1 {
		t.Fatalf("expire hook calls = %d, want 1", expired)
	}
}
