package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/internal/settings"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// Config defines the runtime configuration for the detection server.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Source    SourceConfig    `yaml:"source"`
	Detector  DetectorConfig  `yaml:"detector"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Store     StoreConfig     `yaml:"store"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Recording RecordingConfig `yaml:"recording"`
	Settings  types.Settings  `yaml:"settings"`
}

type HTTPConfig struct {
	Addr          string        `yaml:"addr"`
	AllowOrigin   string        `yaml:"allow_origin"`
	MJPEGInterval time.Duration `yaml:"mjpeg_interval"`
	JPEGQuality   int           `yaml:"jpeg_quality"`
}

type LogConfig struct {
	Level   logger.LogLevel            `yaml:"level"`
	Color   bool                       `yaml:"color"`
	Modules map[string]logger.LogLevel `yaml:"modules"` // per-module overrides, e.g. "WebRTC/ice": warn
}

// SourceConfig selects and tunes the frame source.
type SourceConfig struct {
	Kind         string        `yaml:"kind"` // synthetic | camera
	Device       string        `yaml:"device"`
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	FPS          int           `yaml:"fps"`
	Mirror       bool          `yaml:"mirror"`
	DetectEvery  int           `yaml:"detect_every"`
	ReadRetries  int           `yaml:"read_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type DetectorConfig struct {
	Kind         string  `yaml:"kind"` // simulated | variance | cascade
	CascadePath  string  `yaml:"cascade_path"`
	MaxWidth     int     `yaml:"max_width"`
	Workers      int     `yaml:"workers"`
	IoUThreshold float64 `yaml:"iou_threshold"`
	Seed         int64   `yaml:"seed"`
}

type AlertsConfig struct {
	Policy     string  `yaml:"policy"` // global | spatial
	SpatialIoU float64 `yaml:"spatial_iou"`
}

type BroadcastConfig struct {
	QueueSize int    `yaml:"queue_size"`
	Overflow  string `yaml:"overflow"` // disconnect | drop_oldest
}

// StoreConfig covers the in-memory ring and the optional durable log.
type StoreConfig struct {
	Capacity      int           `yaml:"capacity"`
	Backend       string        `yaml:"backend"` // none | sqlite | redis
	Path          string        `yaml:"path"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	Retention     time.Duration `yaml:"retention"`
	PruneEvery    time.Duration `yaml:"prune_every"`
	QueueSize     int           `yaml:"queue_size"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers"`
	MaxClients  int      `yaml:"max_clients"`
}

type RecordingConfig struct {
	OutputPath string `yaml:"output_path"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:          ":8000",
			AllowOrigin:   "*",
			MJPEGInterval: 33 * time.Millisecond,
			JPEGQuality:   80,
		},
		Log: LogConfig{Level: logger.INFO, Color: true},
		Source: SourceConfig{
			Kind:         "synthetic",
			Device:       "0",
			Width:        640,
			Height:       480,
			FPS:          15,
			DetectEvery:  1,
			ReadRetries:  5,
			RetryBackoff: 200 * time.Millisecond,
		},
		Detector: DetectorConfig{
			Kind:         "simulated",
			MaxWidth:     640,
			Workers:      4,
			IoUThreshold: 0.3,
			Seed:         1,
		},
		Alerts:    AlertsConfig{Policy: "global", SpatialIoU: 0.3},
		Broadcast: BroadcastConfig{QueueSize: 64, Overflow: "disconnect"},
		Store: StoreConfig{
			Capacity:    1000,
			Backend:     "none",
			Path:        "./detections.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "maskguard",
			Retention:   7 * 24 * time.Hour,
			PruneEvery:  time.Hour,
			QueueSize:   256,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "maskguard",
			TopicPrefix: "maskguard",
		},
		WebRTC: WebRTCConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  10,
		},
		Recording: RecordingConfig{OutputPath: "./recordings"},
		Settings:  types.DefaultSettings(),
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every section and joins all problems found.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.HTTP.Addr != "", "http.addr is required")
	check(c.HTTP.JPEGQuality >= 1 && c.HTTP.JPEGQuality <= 100, "http.jpeg_quality must be 1-100, got %d", c.HTTP.JPEGQuality)
	check(oneOf(c.Source.Kind, "synthetic", "camera"), "source.kind %q is not synthetic or camera", c.Source.Kind)
	check(c.Source.DetectEvery >= 1, "source.detect_every must be >= 1")
	check(c.Source.ReadRetries >= 0, "source.read_retries must be >= 0")
	check(c.Source.RetryBackoff >= 0, "source.retry_backoff must be >= 0")
	check(oneOf(c.Detector.Kind, "simulated", "variance", "cascade"), "detector.kind %q is not simulated, variance or cascade", c.Detector.Kind)
	check(c.Detector.Kind != "cascade" || c.Detector.CascadePath != "", "detector.cascade_path is required for the cascade detector")
	check(c.Detector.Workers >= 1, "detector.workers must be >= 1")
	check(c.Detector.IoUThreshold > 0 && c.Detector.IoUThreshold <= 1, "detector.iou_threshold must be in (0,1]")
	check(oneOf(c.Alerts.Policy, "global", "spatial"), "alerts.policy %q is not global or spatial", c.Alerts.Policy)
	check(c.Alerts.SpatialIoU >= 0 && c.Alerts.SpatialIoU <= 1, "alerts.spatial_iou must be in [0,1]")
	check(c.Broadcast.QueueSize >= 1, "broadcast.queue_size must be >= 1")
	check(oneOf(c.Broadcast.Overflow, "disconnect", "drop_oldest"), "broadcast.overflow %q is not disconnect or drop_oldest", c.Broadcast.Overflow)
	check(c.Store.Capacity >= 1, "store.capacity must be >= 1")
	check(oneOf(c.Store.Backend, "none", "sqlite", "redis"), "store.backend %q is not none, sqlite or redis", c.Store.Backend)
	check(c.Store.Backend != "sqlite" || c.Store.Path != "", "store.path is required for sqlite")
	check(c.Store.Backend != "redis" || c.Store.RedisAddr != "", "store.redis_addr is required for redis")
	check(!c.MQTT.Enabled || strings.Contains(c.MQTT.Broker, "://"), "mqtt.broker %q must be a URL like tcp://host:1883", c.MQTT.Broker)
	check(c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1 or 2")
	check(c.WebRTC.MaxClients >= 0, "webrtc.max_clients must be >= 0")
	if err := settings.Validate(c.Settings); err != nil {
		errs = append(errs, fmt.Errorf("settings: %w", err))
	}

	return errors.Join(errs...)
}

// SourceSpec converts the source section to the shared frame config.
func (c Config) SourceSpec() types.SourceConfig {
	interval := time.Duration(0)
	if c.Source.FPS > 0 {
		interval = time.Second / time.Duration(c.Source.FPS)
	}
	return types.SourceConfig{
		Device:      c.Source.Device,
		Width:       c.Source.Width,
		Height:      c.Source.Height,
		FPS:         c.Source.FPS,
		Mirror:      c.Source.Mirror,
		SampleEvery: c.Source.DetectEvery,
		Interval:    interval,
	}
}

func oneOf(v string, options ...string) bool {
	return slices.Contains(options, v)
}
