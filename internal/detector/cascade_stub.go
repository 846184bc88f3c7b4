//go:build !gocv

package detector

import (
	"context"
	"errors"
	"image"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// ErrCascadeUnavailable is returned when the binary was built without gocv.
var ErrCascadeUnavailable = errors.New("cascade localizer requires a build with -tags gocv")

// CascadeLocalizer is unavailable in this build.
type CascadeLocalizer struct{}

// NewCascadeLocalizer always fails without the gocv build tag.
func NewCascadeLocalizer(string) (*CascadeLocalizer, error) {
	return nil, ErrCascadeUnavailable
}

// Localize implements Localizer.
func (*CascadeLocalizer) Localize(context.Context, image.Image) ([]types.BBox, error) {
	return nil, ErrCascadeUnavailable
}

// Close is a no-op.
func (*CascadeLocalizer) Close() error { return nil }
