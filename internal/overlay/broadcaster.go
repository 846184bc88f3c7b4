package overlay

import (
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// FrameBroadcaster renders annotated JPEG frames and fans them out to
// MJPEG clients. Frames are only rendered while someone is watching.
type FrameBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	quality int
	latest  []byte

	minInterval  time.Duration
	lastRendered time.Time
	skipCount    int
}

// NewFrameBroadcaster creates a broadcaster encoding at quality.
func NewFrameBroadcaster(quality int) *FrameBroadcaster {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &FrameBroadcaster{
		clients: make(map[int]chan []byte),
		quality: quality,
	}
}

// SetMinInterval caps the render rate. Frames offered sooner than d after
// the previous render are skipped.
func (fb *FrameBroadcaster) SetMinInterval(d time.Duration) {
	fb.mu.Lock()
	fb.minInterval = d
	fb.mu.Unlock()
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	fb.clients[id] = ch

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))

		if len(fb.clients) == 0 {
			logger.Info("FrameBroadcaster", "No clients remaining - frame rendering will be skipped")
		}
	}
}

// ClientCount returns the number of connected MJPEG clients.
func (fb *FrameBroadcaster) ClientCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Offer renders frame with its detections and hands the JPEG to every
// client without blocking. Slow clients miss frames.
func (fb *FrameBroadcaster) Offer(frame *types.Frame, detections []types.Detection) {
	fb.mu.Lock()
	if len(fb.clients) == 0 {
		fb.skipCount++
		if fb.skipCount%100 == 0 {
			logger.Debug("FrameBroadcaster", "No viewers, skipped %d frames", fb.skipCount)
		}
		fb.mu.Unlock()
		return
	}
	fb.skipCount = 0
	if fb.minInterval > 0 && time.Since(fb.lastRendered) < fb.minInterval {
		fb.mu.Unlock()
		return
	}
	fb.lastRendered = time.Now()
	fb.mu.Unlock()

	header := fmt.Sprintf("Frame: %d  Time: %s", frame.Seq, frame.Timestamp.Format(time.DateTime))
	data, err := EncodeJPEG(Render(frame.Image, detections, header), fb.quality)
	if err != nil {
		logger.Warn("FrameBroadcaster", "JPEG encode failed: %v", err)
		return
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.latest = data
	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
		}
	}
}

// Latest returns the most recently rendered frame.
func (fb *FrameBroadcaster) Latest() ([]byte, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.latest, fb.latest != nil
}

// EndOfStream disconnects every client and forgets the last frame.
func (fb *FrameBroadcaster) EndOfStream() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
	}
	fb.latest = nil
}
