package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

func testAlert(id string) types.Alert {
	d := types.Detection{ID: id, HasMask: false, Confidence: 0.91, BBox: types.BBox{X: 4, Y: 4, W: 20, H: 20}, AlertTriggered: true}
	return types.Alert{Detection: d, Message: "Mask violation detected with 0.91 confidence", RaisedAt: time.Now()}
}

func TestRecorderWritesEvidence(t *testing.T) {
	base := t.TempDir()
	r := NewRecorder(base, 80)

	if r.Capture(testAlert("ignored"), nil, nil) {
		t.Fatal("Capture accepted while not recording")
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second Start = %v, want ErrAlreadyRecording", err)
	}

	frame := &types.Frame{Image: image.NewRGBA(image.Rect(0, 0, 64, 48)), Timestamp: time.Now()}
	a := testAlert("a1")
	if !r.Capture(a, frame, []types.Detection{a.Detection}) {
		t.Fatal("Capture rejected")
	}
	if !r.Capture(testAlert("a2"), nil, nil) {
		t.Fatal("Capture without frame rejected")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st := r.GetStatus()
	if st.Recording || st.AlertCount != 2 || st.FrameCount != 1 || st.BytesWritten == 0 {
		t.Fatalf("status = %+v", st)
	}

	dir := filepath.Join(base, st.Session)
	f, err := os.Open(filepath.Join(dir, "alerts.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var entries []manifestEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e manifestEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("manifest line %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("manifest has %d entries, want 2", len(entries))
	}
	if entries[0].Detection.ID != "a1" || entries[0].Image == "" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if _, err := os.Stat(filepath.Join(dir, entries[0].Image)); err != nil {
		t.Errorf("evidence image missing: %v", err)
	}
	if entries[1].Image != "" {
		t.Errorf("frameless alert has image %q", entries[1].Image)
	}
}

func TestRecorderStopWhenIdle(t *testing.T) {
	r := NewRecorder(t.TempDir(), 0)
	if err := r.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Stop = %v, want ErrNotRecording", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
