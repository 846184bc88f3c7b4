package types

import (
	"fmt"
	"time"
)

// BBox is a bounding box in source-frame pixel coordinates.
type BBox struct {
	X int `json:"x" msgpack:"x"`
	Y int `json:"y" msgpack:"y"`
	W int `json:"w" msgpack:"w"`
	H int `json:"h" msgpack:"h"`
}

// Area returns the box area in pixels.
func (b BBox) Area() int {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// IoU returns the intersection-over-union of two boxes.
func (b BBox) IoU(o BBox) float64 {
	x0 := max(b.X, o.X)
	y0 := max(b.Y, o.Y)
	x1 := min(b.X+b.W, o.X+o.W)
	y1 := min(b.Y+b.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return 0
	}
	inter := (x1 - x0) * (y1 - y0)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Detection is one classified face observation from a single frame.
type Detection struct {
	ID             string    `json:"id" msgpack:"id"`
	Timestamp      time.Time `json:"timestamp" msgpack:"timestamp"`
	HasMask        bool      `json:"hasMask" msgpack:"has_mask"`
	Confidence     float64   `json:"confidence" msgpack:"confidence"`
	BBox           BBox      `json:"bbox" msgpack:"bbox"`
	AlertTriggered bool      `json:"alertTriggered" msgpack:"alert_triggered"`
}

// Label returns the overlay caption, e.g. "MASK (0.94)".
func (d Detection) Label() string {
	if d.HasMask {
		return fmt.Sprintf("MASK (%.2f)", d.Confidence)
	}
	return fmt.Sprintf("NO MASK (%.2f)", d.Confidence)
}

// StatisticsSnapshot is a point-in-time copy of the running counters.
type StatisticsSnapshot struct {
	TotalDetections int       `json:"totalDetections"`
	MaskedCount     int       `json:"maskedCount"`
	UnmaskedCount   int       `json:"unmaskedCount"`
	ComplianceRate  float64   `json:"complianceRate"`
	AvgConfidence   float64   `json:"avgConfidence"`
	ActiveAlerts    int       `json:"activeAlerts"`
	LastUpdate      time.Time `json:"lastUpdate"`
}

// Settings is the operator-tunable runtime configuration.
type Settings struct {
	VisualAlerts        bool    `json:"visualAlerts" yaml:"visual_alerts"`
	SoundAlerts         bool    `json:"soundAlerts" yaml:"sound_alerts"`
	ConfidenceThreshold float64 `json:"confidenceThreshold" yaml:"confidence_threshold"`
	AlertCooldownMs     int64   `json:"alertCooldownMs" yaml:"alert_cooldown_ms"`
}

// AlertsEnabled reports whether any alert output is switched on.
func (s Settings) AlertsEnabled() bool {
	return s.VisualAlerts || s.SoundAlerts
}

// Cooldown returns the alert cooldown window as a duration.
func (s Settings) Cooldown() time.Duration {
	return time.Duration(s.AlertCooldownMs) * time.Millisecond
}

// DefaultSettings returns the settings active at first start.
func DefaultSettings() Settings {
	return Settings{
		VisualAlerts:        true,
		SoundAlerts:         true,
		ConfidenceThreshold: 0.8,
		AlertCooldownMs:     5000,
	}
}

// Alert is raised once per violation episode.
type Alert struct {
	Detection Detection `json:"detection"`
	Message   string    `json:"message"`
	RaisedAt  time.Time `json:"raisedAt"`
}

// PipelineState is the control plane lifecycle state.
type PipelineState string

const (
	StateStopped  PipelineState = "Stopped"
	StateStarting PipelineState = "Starting"
	StateRunning  PipelineState = "Running"
	StateStopping PipelineState = "Stopping"
	StateError    PipelineState = "Error"
)

// Ordinal maps the state to the pipeline_state gauge value.
func (s PipelineState) Ordinal() int {
	switch s {
	case StateStarting:
		return 1
	case StateRunning:
		return 2
	case StateStopping:
		return 3
	case StateError:
		return 4
	}
	return 0
}

// Live channel event types
const (
	EventDetectionUpdate       = "detection_update"
	EventStatisticsUpdate      = "statistics_update"
	EventAlertTriggered        = "alert_triggered"
	EventConnectionEstablished = "connection_established"
	EventPong                  = "pong"
)

// Envelope is the wire shape of every live channel message.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
