package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/internal/metrics"
	"github.com/dj-oyu/maskguard/detection-server/internal/overlay"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// evidence is one alert with the frame it was raised on.
type evidence struct {
	alert      types.Alert
	frame      *types.Frame
	detections []types.Detection
}

// Recorder writes alert evidence to disk while a session is active: one
// annotated JPEG per alert plus an alerts.jsonl manifest.
type Recorder struct {
	mu           sync.RWMutex
	manifest     *os.File
	session      string
	basePath     string
	quality      int
	recording    bool
	frameCount   uint64
	alertCount   uint64
	bytesWritten uint64
	startTime    time.Time
	frameChan    chan evidence
	stopChan     chan struct{}
	wg           sync.WaitGroup

	errCount atomic.Uint64
}

// NewRecorder creates a recorder writing sessions under basePath.
func NewRecorder(basePath string, quality int) *Recorder {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &Recorder{
		basePath: basePath,
		quality:  quality,
	}
}

// Start opens a new session directory.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return ErrAlreadyRecording
	}

	session := "alerts_" + time.Now().Format("20060102_150405.000")
	dir := filepath.Join(r.basePath, session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	manifest, err := os.Create(filepath.Join(dir, "alerts.jsonl"))
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}

	r.manifest = manifest
	r.session = session
	r.recording = true
	r.frameCount = 0
	r.alertCount = 0
	r.bytesWritten = 0
	r.errCount.Store(0)
	r.startTime = time.Now()
	r.frameChan = make(chan evidence, 16)
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.writeFrames(r.frameChan, r.stopChan)

	logger.Info("Recorder", "Recording alert evidence to %s", dir)
	return nil
}

// Stop drains queued evidence and closes the session.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.manifest != nil {
		if err := r.manifest.Sync(); err != nil {
			return fmt.Errorf("failed to sync manifest: %w", err)
		}
		if err := r.manifest.Close(); err != nil {
			return fmt.Errorf("failed to close manifest: %w", err)
		}
		r.manifest = nil
	}
	logger.Info("Recorder", "Recording stopped (%d alerts, %d bytes)", r.alertCount, r.bytesWritten)
	return nil
}

// Capture queues an alert for writing without blocking. It reports
// whether the alert was accepted.
func (r *Recorder) Capture(alert types.Alert, frame *types.Frame, detections []types.Detection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return false
	}

	select {
	case r.frameChan <- evidence{alert: alert, frame: frame, detections: detections}:
		return true
	default:
		r.errCount.Add(1)
		logger.Warn("Recorder", "Evidence queue full, dropping alert %s", alert.Detection.ID)
		return false
	}
}

func (r *Recorder) writeFrames(frames <-chan evidence, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case ev := <-frames:
			r.write(ev)
		case <-stop:
			for {
				select {
				case ev := <-frames:
					r.write(ev)
				default:
					return
				}
			}
		}
	}
}

type manifestEntry struct {
	types.Alert
	Image string `json:"image,omitempty"`
}

func (r *Recorder) write(ev evidence) {
	r.mu.RLock()
	dir := filepath.Join(r.basePath, r.session)
	seq := r.alertCount + 1
	r.mu.RUnlock()

	entry := manifestEntry{Alert: ev.alert}
	var written uint64

	if ev.frame != nil && ev.frame.Image != nil {
		img := overlay.Render(ev.frame.Image, ev.detections, ev.alert.Message)
		data, err := overlay.EncodeJPEG(img, r.quality)
		if err == nil {
			name := fmt.Sprintf("alert_%04d_%s.jpg", seq, ev.alert.RaisedAt.Format("150405.000"))
			err = os.WriteFile(filepath.Join(dir, name), data, 0o644)
			if err == nil {
				entry.Image = name
				written += uint64(len(data))
			}
		}
		if err != nil {
			logger.Warn("Recorder", "Failed to write evidence frame: %v", err)
			r.errCount.Add(1)
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		logger.Warn("Recorder", "Failed to encode alert: %v", err)
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.manifest == nil {
		return
	}
	n, err := r.manifest.Write(line)
	if err != nil {
		r.errCount.Add(1)
		logger.Warn("Recorder", "Failed to append manifest: %v", err)
		return
	}
	r.alertCount++
	if entry.Image != "" {
		r.frameCount++
	}
	r.bytesWritten += written + uint64(n)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Session:      r.session,
		AlertCount:   r.alertCount,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		Errors:       r.errCount.Load(),
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// UpdateMetrics copies the session counters into the recording gauges.
func (r *Recorder) UpdateMetrics(m *metrics.Metrics) {
	status := r.GetStatus()
	if status.Recording {
		m.RecordingActive.Store(1)
	} else {
		m.RecordingActive.Store(0)
	}
	m.RecordingBytes.Store(status.BytesWritten)
	m.RecordingFrames.Store(status.FrameCount)
	m.RecorderErrors.Store(status.Errors)
}

// Close stops an active session.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Session      string    `json:"session"`
	AlertCount   uint64    `json:"alert_count"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	Errors       uint64    `json:"errors"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
