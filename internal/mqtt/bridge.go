// Package mqtt republishes live detection events to an MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/dj-oyu/maskguard/detection-server/internal/broadcast"
	"github.com/dj-oyu/maskguard/detection-server/internal/config"
	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/internal/metrics"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

var ErrNotConnected = errors.New("mqtt not connected")

// publisher is the subset of paho.Client the bridge needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// route maps an event type to its topic suffix. Statistics are retained so
// new subscribers see the latest counters immediately.
type route struct {
	suffix   string
	retained bool
}

var routes = map[string]route{
	types.EventDetectionUpdate:  {suffix: "detections"},
	types.EventStatisticsUpdate: {suffix: "statistics", retained: true},
	types.EventAlertTriggered:   {suffix: "alerts"},
}

// Bridge subscribes to the event broadcaster and forwards events to MQTT.
type Bridge struct {
	cfg     config.MQTTConfig
	events  *broadcast.Broadcaster
	metrics *metrics.Metrics

	client paho.Client
	pub    publisher

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool

	publishTimeout time.Duration
	resubscribe    time.Duration
}

// NewBridge creates a bridge; call Connect before Run.
func NewBridge(cfg config.MQTTConfig, events *broadcast.Broadcaster, m *metrics.Metrics) *Bridge {
	return &Bridge{
		cfg:            cfg,
		events:         events,
		metrics:        m,
		published:      make(map[string]uint64),
		publishTimeout: 2 * time.Second,
		resubscribe:    time.Second,
	}
}

// Connect establishes the broker connection. paho keeps reconnecting in
// the background after a later loss.
func (b *Bridge) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c paho.Client) {
		b.setConnected(true)
		logger.Info("MQTT", "Connected to %s as %s", b.cfg.Broker, b.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c paho.Client, err error) {
		b.setConnected(false)
		logger.Warn("MQTT", "Connection lost, will auto-reconnect: %v", err)
	}

	b.client = paho.NewClient(opts)
	b.pub = b.client

	logger.Info("MQTT", "Connecting to broker %s", b.cfg.Broker)

	token := b.client.Connect()
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	b.setConnected(true)
	return nil
}

// Run forwards events until ctx is cancelled or the broadcaster closes.
// A subscription dropped for falling behind is replaced after a pause.
func (b *Bridge) Run(ctx context.Context) {
	for {
		sub := b.events.Subscribe("mqtt")
		err := b.drain(ctx, sub)
		sub.Close()

		if ctx.Err() != nil || !errors.Is(err, broadcast.ErrSlowSubscriber) {
			return
		}
		logger.Warn("MQTT", "Fell behind the event stream, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.resubscribe):
		}
	}
}

func (b *Bridge) drain(ctx context.Context, sub *broadcast.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			if err := b.Forward(ev); err != nil && !errors.Is(err, ErrNotConnected) {
				logger.Warn("MQTT", "Publish %s failed: %v", ev.Type, err)
			}
		}
	}
}

// Forward publishes one event. Event types without a route are ignored.
func (b *Bridge) Forward(ev *broadcast.SerializedEvent) error {
	r, ok := routes[ev.Type]
	if !ok {
		return nil
	}
	if !b.isConnected() {
		b.countError()
		return ErrNotConnected
	}

	topic := fmt.Sprintf("%s/%s", b.cfg.TopicPrefix, r.suffix)
	token := b.pub.Publish(topic, b.cfg.QoS, r.retained, ev.JSONData)
	if !token.WaitTimeout(b.publishTimeout) {
		b.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		b.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	b.mu.Lock()
	b.published[topic]++
	b.mu.Unlock()

	logger.Debug("MQTT", "Published %s (%d bytes, qos %d)", topic, len(ev.JSONData), b.cfg.QoS)
	return nil
}

// Disconnect closes the broker connection.
func (b *Bridge) Disconnect() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
		logger.Info("MQTT", "Disconnected")
	}
	b.setConnected(false)
}

// Stats contains bridge statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns bridge statistics
func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	published := make(map[string]uint64, len(b.published))
	for k, v := range b.published {
		published[k] = v
	}
	return Stats{Connected: b.connected, Published: published, Errors: b.errors}
}

func (b *Bridge) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
	if b.metrics != nil {
		if v {
			b.metrics.MQTTConnected.Store(1)
		} else {
			b.metrics.MQTTConnected.Store(0)
		}
	}
}

func (b *Bridge) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *Bridge) countError() {
	b.mu.Lock()
	b.errors++
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.PublishErrors.Add(1)
	}
}
