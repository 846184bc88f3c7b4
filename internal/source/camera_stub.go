//go:build !gocv

package source

import (
	"context"
	"fmt"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// Camera is unavailable in builds without the gocv tag; Open always
// reports ErrUnavailable.
type Camera struct {
	cfg types.SourceConfig
}

// NewCamera creates a camera source.
func NewCamera(cfg types.SourceConfig) *Camera {
	return &Camera{cfg: cfg}
}

// Open implements Source.
func (c *Camera) Open(context.Context) error {
	return fmt.Errorf("%w: camera %q needs a build with -tags gocv", ErrUnavailable, c.cfg.Device)
}

// Read implements Source.
func (c *Camera) Read(context.Context) (*types.Frame, error) {
	return nil, ErrNotOpen
}

// Close implements Source.
func (c *Camera) Close() error { return nil }
