package source

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// Step is one scripted Read outcome.
type Step struct {
	Err   error         // returned instead of a frame when set
	Delay time.Duration // wait before returning
}

// Scripted replays a fixed sequence of read outcomes, then keeps
// producing blank frames. It is used to drive the control plane through
// failure paths.
type Scripted struct {
	OpenErr error
	Steps   []Step
	Size    image.Point
	Pace    time.Duration // delay for reads without a step of their own

	mu     sync.Mutex
	open   bool
	pos    int
	seq    uint64
	opened int
	closed int
	block  chan struct{}
}

// Open implements Source.
func (s *Scripted) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.open = true
	return nil
}

// Read implements Source.
func (s *Scripted) Read(ctx context.Context) (*types.Frame, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ErrNotOpen
	}
	var step Step
	if s.pos < len(s.Steps) {
		step = s.Steps[s.pos]
		s.pos++
	}
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	delay := step.Delay
	if delay == 0 && step.Err == nil {
		delay = s.Pace
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	size := s.Size
	if size.X <= 0 || size.Y <= 0 {
		size = image.Pt(64, 48)
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	return &types.Frame{Image: image.NewRGBA(image.Rect(0, 0, size.X, size.Y)), Timestamp: time.Now(), Seq: seq}, nil
}

// Close implements Source.
func (s *Scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.closed++
	return nil
}

// Hold makes subsequent Reads wait until Release.
func (s *Scripted) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.block == nil {
		s.block = make(chan struct{})
	}
}

// Release unblocks held Reads.
func (s *Scripted) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.block != nil {
		close(s.block)
		s.block = nil
	}
}

// Counts returns how many times Open and Close were called.
func (s *Scripted) Counts() (opened, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened, s.closed
}
