package stats

import (
	"math"
	"sync"
	"time"

	"github.com/dj-oyu/maskguard/detection-server/internal/clock"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// AlertCounter reports how many alerts are inside their cooldown window.
type AlertCounter interface {
	Active() int
}

// Aggregator holds the running compliance counters.
//
// Apply and ApplyFrame must only be called from the processing loop.
// Snapshot may be called from any goroutine.
type Aggregator struct {
	clock  clock.Clock
	alerts AlertCounter

	mu         sync.RWMutex
	total      int
	masked     int
	unmasked   int
	avgConf    float64
	lastUpdate time.Time
}

// NewAggregator creates an empty aggregator. alerts may be nil.
func NewAggregator(c clock.Clock, alerts AlertCounter) *Aggregator {
	if c == nil {
		c = clock.Real()
	}
	return &Aggregator{clock: c, alerts: alerts, lastUpdate: c.Now()}
}

// SetAlertCounter wires the alert engine after construction.
func (a *Aggregator) SetAlertCounter(alerts AlertCounter) {
	a.mu.Lock()
	a.alerts = alerts
	a.mu.Unlock()
}

// Apply folds one detection into the counters.
func (a *Aggregator) Apply(d types.Detection) types.StatisticsSnapshot {
	a.mu.Lock()
	a.applyLocked(d)
	a.lastUpdate = a.clock.Now()
	a.mu.Unlock()
	return a.Snapshot()
}

// ApplyFrame folds a whole frame's detections under one lock so readers
// never see a partially applied frame.
func (a *Aggregator) ApplyFrame(ds []types.Detection) types.StatisticsSnapshot {
	if len(ds) > 0 {
		a.mu.Lock()
		for _, d := range ds {
			a.applyLocked(d)
		}
		a.lastUpdate = a.clock.Now()
		a.mu.Unlock()
	}
	return a.Snapshot()
}

func (a *Aggregator) applyLocked(d types.Detection) {
	a.total++
	if d.HasMask {
		a.masked++
	} else {
		a.unmasked++
	}
	a.avgConf += (d.Confidence - a.avgConf) / float64(a.total)
}

// Snapshot returns a consistent point-in-time copy.
func (a *Aggregator) Snapshot() types.StatisticsSnapshot {
	a.mu.RLock()
	snap := types.StatisticsSnapshot{
		TotalDetections: a.total,
		MaskedCount:     a.masked,
		UnmaskedCount:   a.unmasked,
		ComplianceRate:  complianceRate(a.masked, a.total),
		AvgConfidence:   a.avgConf,
		LastUpdate:      a.lastUpdate,
	}
	alerts := a.alerts
	a.mu.RUnlock()

	if alerts != nil {
		snap.ActiveAlerts = alerts.Active()
	}
	return snap
}

// Reset zeroes every counter.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total, a.masked, a.unmasked = 0, 0, 0
	a.avgConf = 0
	a.lastUpdate = a.clock.Now()
}

// complianceRate is reported as a percentage rounded to two decimals.
func complianceRate(masked, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(masked)/float64(total)*100*100) / 100
}
