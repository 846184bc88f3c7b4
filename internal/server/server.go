// Package server exposes the detection pipeline over HTTP: the REST control
// surface plus the SSE, WebSocket, WebRTC and MJPEG live channels.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/maskguard/detection-server/internal/broadcast"
	"github.com/dj-oyu/maskguard/detection-server/internal/config"
	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/internal/metrics"
	"github.com/dj-oyu/maskguard/detection-server/internal/overlay"
	"github.com/dj-oyu/maskguard/detection-server/internal/pipeline"
	"github.com/dj-oyu/maskguard/detection-server/internal/recorder"
	"github.com/dj-oyu/maskguard/detection-server/internal/settings"
	"github.com/dj-oyu/maskguard/detection-server/internal/store"
	"github.com/dj-oyu/maskguard/detection-server/internal/webrtc"
)

// Deps are the components the HTTP layer serves. History, Frames,
// Recorder and WebRTC are optional.
type Deps struct {
	Pipeline *pipeline.Controller
	Settings *settings.Store
	Ring     *store.Ring
	Events   *broadcast.Broadcaster
	Metrics  *metrics.Metrics

	History  *store.Writer
	Frames   *overlay.FrameBroadcaster
	Recorder *recorder.Recorder
	WebRTC   *webrtc.Server
}

// Server serves the detection API.
type Server struct {
	cfg      config.HTTPConfig
	deps     Deps
	upgrader websocket.Upgrader

	keepalive      time.Duration
	mjpegKeepalive time.Duration
}

// New returns a configured API server.
func New(cfg config.HTTPConfig, deps Deps) *Server {
	return &Server{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		keepalive:      30 * time.Second,
		mjpegKeepalive: 5 * time.Second,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "/api/", s.handleRoot)
	s.route(mux, "/api/health", s.handleHealth)

	s.route(mux, "/api/statistics", s.handleStatistics)
	s.route(mux, "/api/statistics/reset", s.handleStatisticsReset)
	s.route(mux, "/api/detections", s.handleDetections)
	s.route(mux, "/api/detections/history", s.handleDetectionHistory)
	s.route(mux, "/api/detect_image", s.handleDetectImage)

	s.route(mux, "/api/detection/start", s.handleDetectionStart)
	s.route(mux, "/api/detection/stop", s.handleDetectionStop)
	s.route(mux, "/api/detection/reset", s.handleDetectionReset)
	s.route(mux, "/api/detection/status", s.handleDetectionStatus)

	s.route(mux, "/api/settings", s.handleSettings)
	s.route(mux, "/api/alerts/clear", s.handleAlertsClear)

	s.route(mux, "/api/video_feed", s.handleVideoFeed)
	s.route(mux, "/api/events/stream", s.handleEventStream)
	s.route(mux, "/api/ws", s.handleWebSocket)
	s.route(mux, "/api/webrtc/offer", s.handleWebRTCOffer)

	s.route(mux, "/api/recording/start", s.handleRecordingStart)
	s.route(mux, "/api/recording/stop", s.handleRecordingStop)
	s.route(mux, "/api/recording/status", s.handleRecordingStatus)

	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics.Handler())
	}
	return mux
}

// route registers a handler wrapped with CORS and request metrics labelled
// by pattern.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.cors(s.instrument(pattern, h)))
}

func (s *Server) cors(next http.Handler) http.Handler {
	origin := s.cfg.AllowOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	if s.deps.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.deps.Metrics.ObserveHTTP(r.Method, endpoint, rec.status, time.Since(start))
	})
}

// statusRecorder captures the response status while keeping the streaming
// and hijacking capabilities of the wrapped writer.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	writeJSONWithStatus(w, map[string]any{"error": "Method not allowed"}, http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("HTTP", "Encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf(format, args...)}, status)
}
