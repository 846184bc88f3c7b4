package detector

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// Fixture is a deterministic Engine that replays scripted frames. After
// the script is exhausted it returns no detections. IDs and timestamps
// are filled in when the script leaves them empty.
type Fixture struct {
	mu     sync.Mutex
	frames [][]types.Detection
	errs   map[int]error
	calls  int
}

// NewFixture creates a fixture that returns frames[i] on the i-th call.
func NewFixture(frames ...[]types.Detection) *Fixture {
	return &Fixture{frames: frames, errs: make(map[int]error)}
}

// FailOn makes the call with the given index return err.
func (f *Fixture) FailOn(call int, err error) *Fixture {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[call] = err
	return f
}

// Push appends a frame to the script.
func (f *Fixture) Push(frame []types.Detection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

// Calls returns how many times Detect ran.
func (f *Fixture) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Detect implements Engine.
func (f *Fixture) Detect(_ context.Context, frame *types.Frame) ([]types.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.calls
	f.calls++
	if err, ok := f.errs[idx]; ok {
		return nil, err
	}
	if idx >= len(f.frames) {
		return nil, nil
	}

	out := make([]types.Detection, len(f.frames[idx]))
	copy(out, f.frames[idx])
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
		if out[i].Timestamp.IsZero() && frame != nil {
			out[i].Timestamp = frame.Timestamp
		}
	}
	return out, nil
}
