package source

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// Synthetic renders SMPTE-style color bars at a fixed rate. It stands in
// for a camera in demo mode and in tests.
type Synthetic struct {
	width, height int
	interval      time.Duration

	mu     sync.Mutex
	open   bool
	seq    uint64
	base   *image.RGBA
	ticker *time.Ticker
}

// NewSynthetic creates a width x height source producing one frame per
// interval. A zero interval reads as fast as the caller asks.
func NewSynthetic(width, height int, interval time.Duration) *Synthetic {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &Synthetic{width: width, height: height, interval: interval}
}

// Open implements Source.
func (s *Synthetic) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ColorBars(s.width, s.height)
	s.seq = 0
	s.open = true
	if s.interval > 0 {
		s.ticker = time.NewTicker(s.interval)
	}
	return nil
}

// Read implements Source.
func (s *Synthetic) Read(ctx context.Context) (*types.Frame, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ErrNotOpen
	}
	ticker := s.ticker
	s.mu.Unlock()

	if ticker != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrNotOpen
	}
	s.seq++
	img := image.NewRGBA(s.base.Bounds())
	draw.Draw(img, img.Bounds(), s.base, image.Point{}, draw.Src)
	return &types.Frame{Image: img, Timestamp: time.Now(), Seq: s.seq}, nil
}

// Close implements Source.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.open = false
	return nil
}

// ColorBars returns a test pattern of vertical bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black.
func ColorBars(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	colors := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}
	barWidth := max(1, width/len(colors))
	for i, c := range colors {
		x0 := i * barWidth
		x1 := x0 + barWidth
		if i == len(colors)-1 {
			x1 = width
		}
		draw.Draw(img, image.Rect(x0, 0, x1, height), &image.Uniform{C: c}, image.Point{}, draw.Src)
	}
	return img
}
