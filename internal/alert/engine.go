package alert

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/maskguard/detection-server/internal/clock"
	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// Policy selects how two violations are judged to be the same episode.
type Policy string

const (
	// PolicyGlobal allows at most one alert per cooldown window per run.
	PolicyGlobal Policy = "global"
	// PolicySpatial suppresses only violations overlapping a cooling alert.
	PolicySpatial Policy = "spatial"
)

// DefaultSpatialIoU is the overlap above which two boxes are one face.
const DefaultSpatialIoU = 0.3

// SettingsSource supplies the active settings.
type SettingsSource interface {
	Get() types.Settings
}

// Config tunes the equivalence policy.
type Config struct {
	Policy     Policy
	SpatialIoU float64
}

type cooling struct {
	bbox  types.BBox
	until time.Time
}

// Engine decides whether a detection raises an alert and tracks how many
// alerts are still inside their cooldown window.
type Engine struct {
	clock    clock.Clock
	settings SettingsSource
	cfg      Config

	mu        sync.Mutex
	fired     bool
	lastFired time.Time
	recent    []cooling
	timers    map[uint64]clock.Timer
	nextTimer uint64
	onExpire  func()

	active     atomic.Int64
	raised     atomic.Uint64
	suppressed atomic.Uint64
}

// NewEngine creates an alert engine.
func NewEngine(c clock.Clock, settings SettingsSource, cfg Config) *Engine {
	if c == nil {
		c = clock.Real()
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyGlobal
	}
	if cfg.SpatialIoU <= 0 {
		cfg.SpatialIoU = DefaultSpatialIoU
	}
	return &Engine{
		clock:    c,
		settings: settings,
		cfg:      cfg,
		timers:   make(map[uint64]clock.Timer),
	}
}

// OnExpire registers a hook invoked each time an active alert leaves its
// cooldown window.
func (e *Engine) OnExpire(fn func()) {
	e.mu.Lock()
	e.onExpire = fn
	e.mu.Unlock()
}

// Evaluate returns an Alert when d is a violation outside any cooldown.
// On fire it sets d.AlertTriggered.
func (e *Engine) Evaluate(d *types.Detection) *types.Alert {
	s := e.settings.Get()
	if d == nil || d.AlertTriggered || d.HasMask || d.Confidence < s.ConfidenceThreshold || !s.AlertsEnabled() {
		return nil
	}

	now := e.clock.Now()
	cooldown := s.Cooldown()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.coolingLocked(d.BBox, now, cooldown) {
		e.suppressed.Add(1)
		logger.Debug("Alert", "Suppressed violation %s (policy=%s)", d.ID, e.cfg.Policy)
		return nil
	}

	d.AlertTriggered = true
	e.fired = true
	e.lastFired = now
	if e.cfg.Policy == PolicySpatial {
		e.recent = append(e.recent, cooling{bbox: d.BBox, until: now.Add(cooldown)})
	}

	id := e.nextTimer
	e.nextTimer++
	e.active.Add(1)
	e.timers[id] = e.clock.AfterFunc(cooldown, func() { e.expire(id) })
	e.raised.Add(1)

	logger.Info("Alert", "Violation alert raised (confidence=%.2f, active=%d)", d.Confidence, e.active.Load())

	return &types.Alert{
		Detection: *d,
		Message:   fmt.Sprintf("Mask violation detected with %.2f confidence", d.Confidence),
		RaisedAt:  now,
	}
}

func (e *Engine) coolingLocked(box types.BBox, now time.Time, cooldown time.Duration) bool {
	switch e.cfg.Policy {
	case PolicySpatial:
		kept := e.recent[:0]
		hit := false
		for _, c := range e.recent {
			if !now.Before(c.until) {
				continue
			}
			kept = append(kept, c)
			if box.IoU(c.bbox) > e.cfg.SpatialIoU {
				hit = true
			}
		}
		e.recent = kept
		return hit
	default:
		return e.fired && now.Sub(e.lastFired) < cooldown
	}
}

func (e *Engine) expire(id uint64) {
	e.mu.Lock()
	if _, ok := e.timers[id]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.timers, id)
	e.active.Add(-1)
	hook := e.onExpire
	e.mu.Unlock()

	logger.Debug("Alert", "Cooldown elapsed (active=%d)", e.active.Load())
	if hook != nil {
		hook()
	}
}

// Active returns the number of alerts inside their cooldown window.
func (e *Engine) Active() int {
	return int(e.active.Load())
}

// Clear drops every active alert and forgets cooldown history.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.active.Store(0)
	e.fired = false
	e.lastFired = time.Time{}
	e.recent = nil
}

// Counts returns the lifetime raised and suppressed totals.
func (e *Engine) Counts() (raised, suppressed uint64) {
	return e.raised.Load(), e.suppressed.Load()
}
