package broadcast

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

func drain(t *testing.T, sub *Subscription, n int) []*SerializedEvent {
	t.Helper()
	out := make([]*SerializedEvent, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed early: %v", sub.Err())
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event")
		}
	}
	return out
}

func TestPublishFanOutFIFO(t *testing.T) {
	b := New(8, Disconnect)
	a := b.Subscribe("a")
	c := b.Subscribe("c")

	for i := 0; i < 3; i++ {
		if err := b.Publish(types.EventStatisticsUpdate, map[string]int{"n": i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for _, sub := range []*Subscription{a, c} {
		events := drain(t, sub, 3)
		for i, ev := range events {
			var env struct {
				Type string         `json:"type"`
				Data map[string]int `json:"data"`
			}
			if err := json.Unmarshal(ev.JSONData, &env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Type != types.EventStatisticsUpdate || env.Data["n"] != i {
				t.Fatalf("event %d = %+v", i, env)
			}
		}
	}
}

func TestSerializedOnceShared(t *testing.T) {
	b := New(4, Disconnect)
	a := b.Subscribe("a")
	c := b.Subscribe("c")
	_ = b.Publish(types.EventDetectionUpdate, []types.Detection{})

	ea := drain(t, a, 1)[0]
	ec := drain(t, c, 1)[0]
	if ea != ec {
		t.Fatalf("subscribers received distinct serializations")
	}
}

func TestDisconnectOnOverflow(t *testing.T) {
	b := New(2, Disconnect)
	slow := b.Subscribe("slow")
	fast := b.Subscribe("fast")

	for i := 0; i < 3; i++ {
		_ = b.Publish(types.EventStatisticsUpdate, i)
		drain(t, fast, 1)
	}

	// slow holds 2 queued events then the channel closes
	drain(t, slow, 2)
	if _, ok := <-slow.Events(); ok {
		t.Fatalf("slow subscriber still open")
	}
	if !errors.Is(slow.Err(), ErrSlowSubscriber) {
		t.Fatalf("err = %v, want ErrSlowSubscriber", slow.Err())
	}
	if b.SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d, want 1", b.SubscriberCount())
	}
	if st := b.Stats(); st.Disconnected != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDropOldest(t *testing.T) {
	b := New(2, DropOldest)
	sub := b.Subscribe("viewer")
	for i := 0; i < 5; i++ {
		_ = b.Publish(types.EventStatisticsUpdate, i)
	}
	events := drain(t, sub, 2)
	var last struct {
		Data int `json:"data"`
	}
	_ = json.Unmarshal(events[1].JSONData, &last)
	if last.Data != 4 {
		t.Fatalf("newest event = %d, want 4", last.Data)
	}
	if sub.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", sub.Dropped())
	}
	if b.SubscriberCount() != 1 {
		t.Fatalf("drop_oldest must keep the subscriber")
	}
}

func TestNoBacklogForLateSubscriber(t *testing.T) {
	b := New(4, Disconnect)
	_ = b.Publish(types.EventStatisticsUpdate, 1)
	late := b.Subscribe("late")
	select {
	case ev := <-late.Events():
		t.Fatalf("late subscriber received backlog: %s", ev.JSONData)
	default:
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	b := New(4, Disconnect)
	sub := b.Subscribe("a")
	sub.Close()
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("channel open after Close")
	}
	if sub.Err() != nil {
		t.Fatalf("voluntary close err = %v", sub.Err())
	}

	other := b.Subscribe("b")
	b.Close()
	if !errors.Is(other.Err(), ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", other.Err())
	}
	if err := b.Publish("x", 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close = %v", err)
	}
}

func TestProtobufMirrorsJSON(t *testing.T) {
	ev, err := Serialize(types.EventAlertTriggered, types.Alert{
		Message:   "Mask violation detected with 0.89 confidence",
		Detection: types.Detection{ID: "abc", Confidence: 0.89, BBox: types.BBox{X: 1, Y: 2, W: 3, H: 4}},
	})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	s, err := DecodeProtobuf(ev.ProtobufData)
	if err != nil {
		t.Fatalf("DecodeProtobuf: %v", err)
	}
	m := s.AsMap()
	if m["type"] != types.EventAlertTriggered {
		t.Fatalf("type = %v", m["type"])
	}
	data := m["data"].(map[string]any)
	if data["message"] != "Mask violation detected with 0.89 confidence" {
		t.Fatalf("message = %v", data["message"])
	}
	bbox := data["detection"].(map[string]any)["bbox"].(map[string]any)
	if bbox["w"].(float64) != 3 {
		t.Fatalf("bbox = %v", bbox)
	}
}
