package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/maskguard/detection-server/internal/broadcast"
	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/internal/overlay"
	"github.com/dj-oyu/maskguard/detection-server/internal/source"
	"github.com/dj-oyu/maskguard/detection-server/internal/webrtc"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

const welcomeMessage = "Connected to Face Mask Detection System"

var (
	blankOnce sync.Once
	blankData []byte
)

// blankJPEG is the color-bar frame sent to MJPEG viewers while no new
// frame is available.
func blankJPEG() []byte {
	blankOnce.Do(func() {
		data, err := overlay.EncodeJPEG(source.ColorBars(640, 480), 75)
		if err != nil {
			logger.Error("MJPEG", "Failed to render blank frame: %v", err)
			return
		}
		blankData = data
	})
	return blankData
}

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if s.deps.Frames == nil || s.deps.Pipeline.State() != types.StateRunning {
		writeError(w, http.StatusNotFound, "Camera not running")
		return
	}
	id, frameCh := s.deps.Frames.Subscribe()
	defer s.deps.Frames.Unsubscribe(id)
	s.streamMJPEGFromChannel(w, r, frameCh)
}

// streamMJPEGFromChannel streams MJPEG from a channel (fanout pattern).
func (s *Server) streamMJPEGFromChannel(w http.ResponseWriter, r *http.Request, frameCh <-chan []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTimer(s.mjpegKeepalive)
	defer keepalive.Stop()

	for {
		var jpegData []byte
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				// Pipeline stopped
				return
			}
			jpegData = data
		case <-keepalive.C:
			jpegData = blankJPEG()
		}
		keepalive.Reset(s.mjpegKeepalive)
		if jpegData == nil {
			continue
		}

		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
			logger.Debug("MJPEG", "Client disconnected during write: %v", err)
			return
		}
		if _, err := w.Write(jpegData); err != nil {
			logger.Debug("MJPEG", "Client disconnected during frame write: %v", err)
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			logger.Debug("MJPEG", "Client disconnected during delimiter write: %v", err)
			return
		}
		flusher.Flush()
	}
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	sub := s.deps.Events.Subscribe("sse")
	defer sub.Close()

	s.streamEventsFromChannel(w, r, sub, wantsProtobuf(r))
}

// streamEventsFromChannel streams pre-serialized events to an SSE client.
func (s *Server) streamEventsFromChannel(w http.ResponseWriter, r *http.Request, sub *broadcast.Subscription, useProtobuf bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), broadcast.ErrSlowSubscriber) {
					logger.Warn("SSE", "Subscriber #%d too slow, disconnecting", sub.ID())
					_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", "subscriber too slow")
					flusher.Flush()
				}
				return
			}

			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}

			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", event.Seq, data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()

		case <-keepalive.C:
			// Comment line keeps proxies from timing the stream out
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

type wsInbound struct {
	Type string `json:"type"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("WS", "Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.deps.Events.Subscribe("ws")
	defer sub.Close()

	logger.Info("WS", "Client #%d connected from %s (subscribers: %d)", sub.ID(), r.RemoteAddr, s.deps.Events.SubscriberCount())

	welcome, _ := json.Marshal(map[string]any{
		"type":    types.EventConnectionEstablished,
		"message": welcomeMessage,
		"data":    map[string]any{"message": welcomeMessage},
	})
	if err := conn.WriteMessage(websocket.TextMessage, welcome); err != nil {
		return
	}

	// gorilla allows one concurrent writer; the reader hands pongs to the
	// write loop below.
	pongs := make(chan struct{}, 4)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("WS", "Client #%d read error: %v", sub.ID(), err)
				}
				return
			}
			var msg wsInbound
			if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
				select {
				case pongs <- struct{}{}:
				default:
				}
			}
		}
	}()

	pong, _ := json.Marshal(map[string]string{"type": types.EventPong})
	for {
		select {
		case <-readerDone:
			logger.Info("WS", "Client #%d disconnected", sub.ID())
			return

		case <-pongs:
			if err := conn.WriteMessage(websocket.TextMessage, pong); err != nil {
				return
			}

		case event, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), broadcast.ErrSlowSubscriber) {
					logger.Warn("WS", "Client #%d too slow, closing", sub.ID())
					msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow")
					_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				}
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, event.JSONData); err != nil {
				logger.Debug("WS", "Client #%d write failed: %v", sub.ID(), err)
				return
			}
		}
	}
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if s.deps.WebRTC == nil {
		writeError(w, http.StatusServiceUnavailable, "WebRTC is not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offer data")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		writeError(w, http.StatusBadRequest, "Invalid offer data")
		return
	}

	answer, err := s.deps.WebRTC.HandleOffer(body)
	switch {
	case err == nil:
	case errors.Is(err, webrtc.ErrBadOffer):
		writeError(w, http.StatusBadRequest, "Invalid offer data")
		return
	case errors.Is(err, webrtc.ErrMaxClients):
		writeError(w, http.StatusServiceUnavailable, "%v", err)
		return
	default:
		logger.Warn("HTTP", "WebRTC offer error: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to handle offer: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}
