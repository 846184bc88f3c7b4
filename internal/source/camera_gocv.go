//go:build gocv

package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// Camera captures frames through OpenCV.
type Camera struct {
	cfg types.SourceConfig

	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
	seq     uint64
}

// NewCamera creates a camera source. Device is a camera index or URL.
func NewCamera(cfg types.SourceConfig) *Camera {
	return &Camera{cfg: cfg}
}

// Open implements Source.
func (c *Camera) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	device := c.cfg.Device
	if device == "" {
		device = "0"
	}
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("%w: %s not opened", ErrUnavailable, device)
	}
	if c.cfg.Width > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(c.cfg.Width))
	}
	if c.cfg.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameHeight, float64(c.cfg.Height))
	}
	if c.cfg.FPS > 0 {
		capture.Set(gocv.VideoCaptureFPS, float64(c.cfg.FPS))
	}
	c.capture = capture
	c.mat = gocv.NewMat()
	c.seq = 0
	return nil
}

// Read implements Source.
func (c *Camera) Read(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == nil {
		return nil, ErrNotOpen
	}
	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, fmt.Errorf("%w: empty capture", ErrReadFailed)
	}
	if c.cfg.Mirror {
		gocv.Flip(c.mat, &c.mat, 1)
	}
	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	c.seq++
	return &types.Frame{Image: img, Timestamp: time.Now(), Seq: c.seq}, nil
}

// Close implements Source.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == nil {
		return nil
	}
	c.mat.Close()
	err := c.capture.Close()
	c.capture = nil
	return err
}
