package server

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg" // register decoders for detect_image
	_ "image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/internal/pipeline"
	"github.com/dj-oyu/maskguard/detection-server/internal/recorder"
	"github.com/dj-oyu/maskguard/detection-server/internal/settings"
	"github.com/dj-oyu/maskguard/detection-server/internal/source"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

const (
	defaultDetectionLimit = 50
	maxUploadBytes        = 10 << 20
	stopTimeout           = 5 * time.Second
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/" && r.URL.Path != "/api" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	writeJSON(w, map[string]any{
		"message": "Face Mask Detection System API",
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":      "ok",
		"state":       s.deps.Pipeline.State(),
		"subscribers": s.deps.Events.SubscriberCount(),
	}
	if s.deps.WebRTC != nil {
		payload["webrtc_clients"] = s.deps.WebRTC.GetClientCount()
	}
	if s.deps.Frames != nil {
		payload["mjpeg_clients"] = s.deps.Frames.ClientCount()
	}
	if s.deps.Recorder != nil {
		payload["recording"] = s.deps.Recorder.IsRecording()
	}
	writeJSON(w, payload)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, s.deps.Pipeline.Statistics())
}

func (s *Server) handleStatisticsReset(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	snap := s.deps.Pipeline.ResetStatistics()
	writeJSON(w, map[string]any{"success": true, "statistics": snap})
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultDetectionLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, map[string]any{"detections": s.deps.Ring.Recent(limit)})
}

func (s *Server) handleDetectionHistory(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if s.deps.History == nil {
		writeJSON(w, map[string]any{"detections": []types.Detection{}})
		return
	}

	ds, err := s.deps.History.History(r.Context(), limit)
	if err != nil {
		logger.Warn("HTTP", "Detection history query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "history unavailable: %v", err)
		return
	}
	if ds == nil {
		ds = []types.Detection{}
	}
	writeJSON(w, map[string]any{"detections": ds})
}

func (s *Server) handleDetectImage(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid image format")
		return
	}

	frame := &types.Frame{Image: img, Timestamp: time.Now()}
	ds, snap, err := s.deps.Pipeline.ProcessImage(r.Context(), frame)
	if err != nil {
		logger.Warn("HTTP", "detect_image failed: %v", err)
		writeError(w, http.StatusInternalServerError, "detection failed: %v", err)
		return
	}
	writeJSON(w, map[string]any{
		"success":    true,
		"detections": ds,
		"statistics": snap,
	})
}

func (s *Server) handleDetectionStart(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	before := s.deps.Pipeline.State()
	state, err := s.deps.Pipeline.Start(r.Context())

	switch {
	case err == nil && before != types.StateStopped:
		writeJSON(w, map[string]any{"success": true, "message": "Detection already running", "state": state})
	case err == nil:
		writeJSON(w, map[string]any{"success": true, "message": "Detection started successfully", "state": state})
	case errors.Is(err, pipeline.ErrResetRequired):
		writeJSONWithStatus(w, map[string]any{"success": false, "message": err.Error(), "state": state}, http.StatusConflict)
	case errors.Is(err, source.ErrUnavailable):
		writeJSONWithStatus(w, map[string]any{"success": false, "message": err.Error(), "state": state}, http.StatusServiceUnavailable)
	default:
		writeJSONWithStatus(w, map[string]any{"success": false, "message": err.Error(), "state": state}, http.StatusInternalServerError)
	}
}

func (s *Server) handleDetectionStop(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	before := s.deps.Pipeline.State()
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()

	state, err := s.deps.Pipeline.Stop(ctx)
	message := "Detection stopped successfully"
	switch {
	case err != nil:
		message = "Detection stopping"
	case before != types.StateRunning:
		message = "Detection not running"
	}
	writeJSON(w, map[string]any{"success": true, "message": message, "state": state})
}

func (s *Server) handleDetectionReset(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	state := s.deps.Pipeline.Reset()
	writeJSON(w, map[string]any{"success": true, "state": state})
}

func (s *Server) handleDetectionStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, s.deps.Pipeline.Status())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet, http.MethodPut) {
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, s.deps.Settings.Get())
		return
	}

	// Fields missing from the body keep their current values.
	next := s.deps.Settings.Get()
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings body: %v", err)
		return
	}
	updated, err := s.deps.Settings.Update(next)
	if err != nil {
		var ve *settings.ValidationError
		if errors.As(err, &ve) {
			writeJSONWithStatus(w, map[string]any{"error": ve.Error(), "field": ve.Field}, http.StatusBadRequest)
			return
		}
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, updated)
}

func (s *Server) handleAlertsClear(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	snap := s.deps.Pipeline.ClearAlerts()
	writeJSON(w, map[string]any{"success": true, "statistics": snap})
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if s.deps.Recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "recorder is not configured")
		return
	}
	if err := s.deps.Recorder.Start(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrAlreadyRecording) {
			status = http.StatusBadRequest
		}
		writeError(w, status, "%v", err)
		return
	}
	s.syncRecordingMetrics()

	st := s.deps.Recorder.GetStatus()
	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       st.Session,
		"started_at": float64(st.StartTime.Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if s.deps.Recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "recorder is not configured")
		return
	}
	if err := s.deps.Recorder.Stop(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrNotRecording) {
			status = http.StatusBadRequest
		}
		writeError(w, status, "%v", err)
		return
	}
	s.syncRecordingMetrics()

	st := s.deps.Recorder.GetStatus()
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       st.Session,
		"stats":      st,
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.deps.Recorder.GetStatus())
}

// syncRecordingMetrics copies the recorder status into the gauges.
func (s *Server) syncRecordingMetrics() {
	if s.deps.Metrics == nil || s.deps.Recorder == nil {
		return
	}
	s.deps.Recorder.UpdateMetrics(s.deps.Metrics)
}
