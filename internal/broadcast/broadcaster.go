package broadcast

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// OverflowPolicy decides what happens when a subscriber queue is full.
type OverflowPolicy string

const (
	// Disconnect closes the slow subscriber.
	Disconnect OverflowPolicy = "disconnect"
	// DropOldest evicts the oldest queued event for that subscriber.
	DropOldest OverflowPolicy = "drop_oldest"
)

// DefaultQueueSize is the per-subscriber queue bound.
const DefaultQueueSize = 64

// ErrSlowSubscriber is reported by a subscription closed for overflow.
var ErrSlowSubscriber = errors.New("subscriber too slow: queue overflow")

// ErrClosed is reported by subscriptions closed by broadcaster shutdown.
var ErrClosed = errors.New("broadcaster closed")

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when fanning out to many subscribers.
type SerializedEvent struct {
	Seq          uint64
	Type         string
	JSONData     []byte // {"type":...,"data":...}
	ProtobufData []byte // google.protobuf.Struct envelope, base64 encoded for text transports
}

// Subscription is one subscriber's bounded FIFO queue.
type Subscription struct {
	id      int
	name    string
	ch      chan *SerializedEvent
	b       *Broadcaster
	err     error // set before ch is closed
	dropped atomic.Uint64
}

// ID returns the subscription id.
func (s *Subscription) ID() int { return s.id }

// Events returns the delivery channel. It is closed when the subscription
// ends; Err then explains why.
func (s *Subscription) Events() <-chan *SerializedEvent { return s.ch }

// Err returns ErrSlowSubscriber or ErrClosed once Events is closed, nil
// after a voluntary Close.
func (s *Subscription) Err() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.err
}

// Dropped returns how many events were evicted under DropOldest.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes.
func (s *Subscription) Close() { s.b.Unsubscribe(s.id) }

// Broadcaster fans events out to every live subscription.
type Broadcaster struct {
	queueSize int
	policy    OverflowPolicy

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	seq    uint64
	closed bool

	published    atomic.Uint64
	delivered    atomic.Uint64
	disconnected atomic.Uint64
	evicted      atomic.Uint64
}

// New creates a broadcaster.
func New(queueSize int, policy OverflowPolicy) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if policy != DropOldest {
		policy = Disconnect
	}
	return &Broadcaster{
		queueSize: queueSize,
		policy:    policy,
		subs:      make(map[int]*Subscription),
	}
}

// Subscribe adds a subscriber. New subscribers receive no backlog.
func (b *Broadcaster) Subscribe(name string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id:   b.nextID,
		name: name,
		ch:   make(chan *SerializedEvent, b.queueSize),
		b:    b,
	}
	b.nextID++
	if b.closed {
		sub.err = ErrClosed
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub

	logger.Debug("Broadcast", "%s #%d subscribed (total subscribers: %d)", name, sub.id, len(b.subs))
	return sub
}

// Unsubscribe removes a subscriber.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		b.removeLocked(sub, nil)
		logger.Debug("Broadcast", "%s #%d unsubscribed (remaining subscribers: %d)", sub.name, id, len(b.subs))
	}
}

func (b *Broadcaster) removeLocked(sub *Subscription, err error) {
	delete(b.subs, sub.id)
	sub.err = err
	close(sub.ch)
}

// Publish serializes payload once and offers it to every subscriber. It
// never blocks on a subscriber.
func (b *Broadcaster) Publish(eventType string, payload any) error {
	event, err := Serialize(eventType, payload)
	if err != nil {
		logger.Error("Broadcast", "Serialize %s: %v", eventType, err)
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.seq++
	event.Seq = b.seq
	b.published.Add(1)

	for _, sub := range b.subs {
		b.offerLocked(sub, event)
	}
	return nil
}

func (b *Broadcaster) offerLocked(sub *Subscription, event *SerializedEvent) {
	select {
	case sub.ch <- event:
		b.delivered.Add(1)
		return
	default:
	}

	if b.policy == Disconnect {
		b.disconnected.Add(1)
		logger.Warn("Broadcast", "%s #%d queue overflow (%d events), disconnecting", sub.name, sub.id, b.queueSize)
		b.removeLocked(sub, ErrSlowSubscriber)
		return
	}

	select {
	case <-sub.ch:
		sub.dropped.Add(1)
		b.evicted.Add(1)
	default:
	}
	select {
	case sub.ch <- event:
		b.delivered.Add(1)
	default:
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Stats is a snapshot of broadcaster counters.
type Stats struct {
	Subscribers  int    `json:"subscribers"`
	Published    uint64 `json:"published"`
	Delivered    uint64 `json:"delivered"`
	Disconnected uint64 `json:"disconnected"`
	Evicted      uint64 `json:"evicted"`
}

// Stats returns current counters.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Subscribers:  b.SubscriberCount(),
		Published:    b.published.Load(),
		Delivered:    b.delivered.Load(),
		Disconnected: b.disconnected.Load(),
		Evicted:      b.evicted.Load(),
	}
}

// Close ends every subscription with ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		b.removeLocked(sub, ErrClosed)
	}
}

// Serialize builds the JSON and protobuf forms of an envelope.
func Serialize(eventType string, payload any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(types.Envelope{Type: eventType, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	// Protobuf form goes through the JSON tree so both encodings carry the
	// same field names.
	var tree map[string]any
	if err := json.Unmarshal(jsonData, &tree); err != nil {
		return nil, fmt.Errorf("json tree: %w", err)
	}
	pbEnvelope, err := structpb.NewStruct(tree)
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(pbEnvelope)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		Type:         eventType,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// DecodeProtobuf reverses the base64 protobuf form into a Struct.
func DecodeProtobuf(data []byte) (*structpb.Struct, error) {
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	var s structpb.Struct
	if err := proto.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("protobuf unmarshal: %w", err)
	}
	return &s, nil
}
