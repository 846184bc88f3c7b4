//go:build gocv

package detector

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// CascadeLocalizer finds frontal faces with an OpenCV Haar cascade.
type CascadeLocalizer struct {
	mu           sync.Mutex // CascadeClassifier is not safe for concurrent use
	classifier   gocv.CascadeClassifier
	scaleFactor  float64
	minNeighbors int
	minSize      image.Point
}

// NewCascadeLocalizer loads the cascade XML at path.
func NewCascadeLocalizer(path string) (*CascadeLocalizer, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade %s", path)
	}
	return &CascadeLocalizer{
		classifier:   classifier,
		scaleFactor:  1.1,
		minNeighbors: 5,
		minSize:      image.Pt(30, 30),
	}, nil
}

// Localize implements Localizer.
func (c *CascadeLocalizer) Localize(ctx context.Context, img image.Image) ([]types.BBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rgb, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("image to mat: %w", err)
	}
	defer rgb.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(rgb, &gray, gocv.ColorRGBToGray)

	c.mu.Lock()
	rects := c.classifier.DetectMultiScaleWithParams(gray, c.scaleFactor, c.minNeighbors, 0, c.minSize, image.Point{})
	c.mu.Unlock()

	boxes := make([]types.BBox, 0, len(rects))
	for _, r := range rects {
		boxes = append(boxes, types.BBox{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()})
	}
	return boxes, nil
}

// Close releases the cascade.
func (c *CascadeLocalizer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classifier.Close()
}
