package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/maskguard/detection-server/internal/broadcast"
	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/internal/metrics"
)

// EventsLabel is the data channel label clients must open.
const EventsLabel = "events"

var (
	ErrMaxClients = errors.New("maximum clients reached")
	ErrBadOffer   = errors.New("invalid offer")
)

// Client represents one connected peer with its event subscription.
type Client struct {
	id         string
	peerConn   *webrtc.PeerConnection
	sub        *broadcast.Subscription
	closeChan  chan struct{}
	closeOnce  sync.Once
	eventsSent uint64
}

// Server relays live events to browsers over WebRTC data channels.
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	events     *broadcast.Broadcaster
	metrics    *metrics.Metrics

	gatherTimeout time.Duration
}

// NewServer creates a new WebRTC server
func NewServer(events *broadcast.Broadcaster, stunServers []string, maxClients int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	settingsEngine := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}

	// Reduce DTLS retransmission timeout (faster connection, less CPU on retries)
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)

	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	if maxClients <= 0 {
		maxClients = 10
	}
	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients:    maxClients,
		api:           api,
		events:        events,
		metrics:       m,
		gatherTimeout: 5 * time.Second,
	}
}

// HandleOffer answers a client offer. The offer must carry a data channel
// labelled EventsLabel; live events flow on it once it opens.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOffer, err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("%w: expected a non-empty offer", ErrBadOffer)
	}

	if n := s.GetClientCount(); n >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrMaxClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		s.countError()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != EventsLabel {
			logger.Debug("WebRTC", "Client %s opened unknown channel %q, ignoring", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			s.attach(client, dc)
		})
		dc.OnClose(func() {
			s.RemoveClient(client.id)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (Peer: %s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("%w: failed to set remote description: %v", ErrBadOffer, err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		s.countError()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		s.countError()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
		logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)
	case <-time.After(s.gatherTimeout):
		logger.Warn("WebRTC", "ICE gathering timed out for client %s, answering with partial candidates", client.id)
	}

	s.clientsMu.Lock()
	s.clients[client.id] = client
	count := len(s.clients)
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.TotalClients.Add(1)
		s.metrics.WebRTCClients.Store(uint64(count))
	}

	logger.Info("WebRTC", "Client %s negotiated", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	return answerJSON, nil
}

// attach subscribes an opened data channel to the live events.
func (s *Server) attach(client *Client, dc *webrtc.DataChannel) {
	s.clientsMu.Lock()
	if _, ok := s.clients[client.id]; !ok || client.sub != nil {
		s.clientsMu.Unlock()
		return
	}
	client.sub = s.events.Subscribe("webrtc")
	sub := client.sub
	s.clientsMu.Unlock()

	logger.Info("WebRTC", "Client %s events channel open", client.id)
	go s.sendEvents(client, dc, sub)
}

// sendEvents forwards events to one client until it goes away or its
// subscription is dropped for falling behind.
func (s *Server) sendEvents(client *Client, dc *webrtc.DataChannel, sub *broadcast.Subscription) {
	defer s.RemoveClient(client.id)

	for {
		select {
		case <-client.closeChan:
			return

		case event, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					logger.Warn("WebRTC", "Client %s dropped: %v", client.id, err)
				}
				return
			}
			if err := dc.SendText(string(event.JSONData)); err != nil {
				logger.Warn("WebRTC", "Error sending event to client %s: %v", client.id, err)
				s.countError()
				return
			}
			client.eventsSent++
		}
	}
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	if s.metrics != nil {
		s.metrics.WebRTCClients.Store(uint64(count))
	}

	client.closeOnce.Do(func() {
		close(client.closeChan)
		if client.sub != nil {
			client.sub.Close()
		}
		_ = client.peerConn.Close()
	})

	logger.Info("WebRTC", "Client %s disconnected", clientID)
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}

func (s *Server) countError() {
	if s.metrics != nil {
		s.metrics.WebRTCErrors.Add(1)
	}
}
