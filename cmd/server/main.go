package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/maskguard/detection-server/internal/alert"
	"github.com/dj-oyu/maskguard/detection-server/internal/broadcast"
	"github.com/dj-oyu/maskguard/detection-server/internal/clock"
	"github.com/dj-oyu/maskguard/detection-server/internal/config"
	"github.com/dj-oyu/maskguard/detection-server/internal/detector"
	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/internal/metrics"
	"github.com/dj-oyu/maskguard/detection-server/internal/mqtt"
	"github.com/dj-oyu/maskguard/detection-server/internal/overlay"
	"github.com/dj-oyu/maskguard/detection-server/internal/pipeline"
	"github.com/dj-oyu/maskguard/detection-server/internal/recorder"
	"github.com/dj-oyu/maskguard/detection-server/internal/server"
	"github.com/dj-oyu/maskguard/detection-server/internal/settings"
	"github.com/dj-oyu/maskguard/detection-server/internal/source"
	"github.com/dj-oyu/maskguard/detection-server/internal/stats"
	"github.com/dj-oyu/maskguard/detection-server/internal/store"
	"github.com/dj-oyu/maskguard/detection-server/internal/webrtc"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

var (
	// Command-line flags
	configPath = flag.String("config", "", "YAML configuration file (defaults are used when empty)")
	httpAddr   = flag.String("http", "", "HTTP server address (overrides http.addr)")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor   = flag.Bool("log-color", true, "Enable colored log output")
	autoStart  = flag.Bool("autostart", false, "Start detection immediately")
)

// Server is the detection server process
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cfg        config.Config
	metrics    *metrics.Metrics
	events     *broadcast.Broadcaster
	pipeline   *pipeline.Controller
	history    *store.Writer
	recorder   *recorder.Recorder
	webrtc     *webrtc.Server
	mqtt       *mqtt.Bridge
	closers    []io.Closer
	httpServer *http.Server
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}

	// Initialize logger
	level := cfg.Log.Level
	if *logLevel != "" {
		if level, err = logger.ParseLevel(*logLevel); err != nil {
			log.Fatalf("Invalid log level: %v", err)
		}
	}
	logger.Init(level, os.Stderr, *logColor && cfg.Log.Color)
	for module, lvl := range cfg.Log.Modules {
		logger.SetModuleLevel(module, lvl)
	}

	logger.Info("Main", "Detection server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// NewServer wires every component from cfg.
func NewServer(cfg config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{ctx: ctx, cancel: cancel, cfg: cfg, metrics: metrics.New()}

	fail := func(err error) (*Server, error) {
		s.closeAll()
		cancel()
		return nil, err
	}

	st, err := settings.NewStore(cfg.Settings)
	if err != nil {
		return fail(fmt.Errorf("invalid settings: %w", err))
	}
	st.OnSwap(func(old, next types.Settings) {
		logger.Info("Settings", "Updated: threshold %.2f -> %.2f, cooldown %dms -> %dms",
			old.ConfidenceThreshold, next.ConfidenceThreshold, old.AlertCooldownMs, next.AlertCooldownMs)
	})

	engine, err := s.buildDetector(st)
	if err != nil {
		return fail(err)
	}

	clk := clock.Real()
	alerts := alert.NewEngine(clk, st, alert.Config{
		Policy:     alert.Policy(cfg.Alerts.Policy),
		SpatialIoU: cfg.Alerts.SpatialIoU,
	})
	agg := stats.NewAggregator(clk, alerts)
	ring := store.NewRing(cfg.Store.Capacity)
	s.events = broadcast.New(cfg.Broadcast.QueueSize, broadcast.OverflowPolicy(cfg.Broadcast.Overflow))

	if s.history, err = s.openHistory(ctx); err != nil {
		return fail(err)
	}

	if err := os.MkdirAll(cfg.Recording.OutputPath, 0755); err != nil {
		return fail(fmt.Errorf("failed to create recordings directory: %w", err))
	}
	s.recorder = recorder.NewRecorder(cfg.Recording.OutputPath, cfg.HTTP.JPEGQuality)

	frames := overlay.NewFrameBroadcaster(cfg.HTTP.JPEGQuality)
	frames.SetMinInterval(cfg.HTTP.MJPEGInterval)

	s.pipeline = pipeline.New(pipeline.Deps{
		Sources: s.sourceFactory(),
		Engine:  engine,
		Alerts:  alerts,
		Stats:   agg,
		Ring:    ring,
		Events:  s.events,
		Log:     s.history,
		Frames:  frames,
		Metrics: s.metrics,
		OnAlert: func(a types.Alert, f *types.Frame, ds []types.Detection) {
			s.recorder.Capture(a, f, ds)
		},
	}, pipeline.Config{
		ReadRetries:  cfg.Source.ReadRetries,
		RetryBackoff: cfg.Source.RetryBackoff,
		DetectEvery:  cfg.Source.DetectEvery,
	})

	s.metrics.Bind(s.events.SubscriberCount, alerts.Active, func() int {
		return s.pipeline.State().Ordinal()
	})

	s.webrtc = webrtc.NewServer(s.events, cfg.WebRTC.STUNServers, cfg.WebRTC.MaxClients, s.metrics)
	if cfg.MQTT.Enabled {
		s.mqtt = mqtt.NewBridge(cfg.MQTT, s.events, s.metrics)
	}

	api := server.New(cfg.HTTP, server.Deps{
		Pipeline: s.pipeline,
		Settings: st,
		Ring:     ring,
		Events:   s.events,
		Metrics:  s.metrics,
		History:  s.history,
		Frames:   frames,
		Recorder: s.recorder,
		WebRTC:   s.webrtc,
	})
	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

func (s *Server) sourceFactory() source.Factory {
	spec := s.cfg.SourceSpec()
	if s.cfg.Source.Kind == "camera" {
		return func() (source.Source, error) { return source.NewCamera(spec), nil }
	}
	return func() (source.Source, error) {
		return source.NewSynthetic(spec.Width, spec.Height, spec.Interval), nil
	}
}

func (s *Server) buildDetector(st *settings.Store) (detector.Engine, error) {
	dc := s.cfg.Detector
	opts := detector.Config{MaxWidth: dc.MaxWidth, Workers: dc.Workers, IoUThreshold: dc.IoUThreshold}

	switch dc.Kind {
	case "variance":
		return detector.NewPipeline(detector.NewSimulatedLocalizer(dc.Seed), detector.NewVarianceClassifier(), st, opts), nil
	case "cascade":
		loc, err := detector.NewCascadeLocalizer(dc.CascadePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load cascade: %w", err)
		}
		s.closers = append(s.closers, loc)
		return detector.NewPipeline(loc, detector.NewVarianceClassifier(), st, opts), nil
	default:
		return detector.NewPipeline(detector.NewSimulatedLocalizer(dc.Seed), detector.NewSimulatedClassifier(dc.Seed), st, opts), nil
	}
}

// openHistory opens the durable detection log, or returns nil when disabled.
func (s *Server) openHistory(ctx context.Context) (*store.Writer, error) {
	sc := s.cfg.Store
	var backend store.Log
	switch sc.Backend {
	case "sqlite":
		db, err := store.OpenSQLite(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite log: %w", err)
		}
		backend = db
	case "redis":
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rl, err := store.NewRedisLog(dialCtx, sc.RedisAddr, sc.RedisPassword, sc.RedisDB, sc.RedisPrefix, sc.Retention)
		if err != nil {
			return nil, fmt.Errorf("failed to connect redis log: %w", err)
		}
		backend = rl
	default:
		return nil, nil
	}
	logger.Info("Main", "Detection history backend: %s", sc.Backend)
	return store.NewWriter(backend, sc.QueueSize, sc.Retention, sc.PruneEvery), nil
}

// Start starts all server components
func (s *Server) Start() error {
	logger.Info("Main", "Starting detection server...")
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTP.Addr)
	logger.Info("Main", "  Source: %s (%dx%d @ %d fps)", s.cfg.Source.Kind, s.cfg.Source.Width, s.cfg.Source.Height, s.cfg.Source.FPS)
	logger.Info("Main", "  Detector: %s", s.cfg.Detector.Kind)
	logger.Info("Main", "  Recording path: %s", s.cfg.Recording.OutputPath)

	if s.mqtt != nil {
		if err := s.mqtt.Connect(s.ctx); err != nil {
			// The paho client keeps retrying in the background.
			logger.Warn("Main", "MQTT broker unavailable: %v", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.mqtt.Run(s.ctx)
		}()
	}

	s.wg.Add(1)
	go s.updateRecorderMetrics()

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.HTTP.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	if *autoStart {
		if _, err := s.pipeline.Start(s.ctx); err != nil {
			return fmt.Errorf("failed to start detection: %w", err)
		}
	}

	logger.Info("Main", "Server started successfully")
	return nil
}

// updateRecorderMetrics refreshes the recording gauges once per second.
func (s *Server) updateRecorderMetrics() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.recorder.UpdateMetrics(s.metrics)
		}
	}
}

func (s *Server) closeAll() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			logger.Warn("Main", "Close failed: %v", err)
		}
	}
	s.closers = nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if _, err := s.pipeline.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop pipeline: %w", err))
	}

	// Cancel context to stop goroutines
	s.cancel()
	s.wg.Wait()

	if s.recorder.IsRecording() {
		_ = s.recorder.Stop()
	}
	if err := s.recorder.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.webrtc.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closeAll()
	s.events.Close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
