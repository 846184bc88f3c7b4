package detector

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math/rand"
	"sync"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

var errEmptyRegion = errors.New("region has no pixels")

// VarianceClassifier labels a face by the texture of its lower half: a
// mask covers the mouth with a flat, mid-intensity surface.
type VarianceClassifier struct {
	MaxVariance  float64 // below this the lower face counts as uniform
	MinIntensity float64
	MaxIntensity float64
}

// NewVarianceClassifier returns a classifier with the stock thresholds.
func NewVarianceClassifier() *VarianceClassifier {
	return &VarianceClassifier{MaxVariance: 800, MinIntensity: 60, MaxIntensity: 180}
}

// Classify implements Classifier.
func (c *VarianceClassifier) Classify(ctx context.Context, img image.Image, region types.BBox) (bool, float64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	b := img.Bounds()
	r := image.Rect(b.Min.X+region.X, b.Min.Y+region.Y+region.H/2, b.Min.X+region.X+region.W, b.Min.Y+region.Y+region.H).Intersect(b)
	if r.Empty() {
		return false, 0, errEmptyRegion
	}

	var sum, sumSq float64
	n := float64(r.Dx() * r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			g := float64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
			sum += g
			sumSq += g * g
		}
	}
	mean := sum / n
	variance := sumSq/n - mean*mean

	if variance < c.MaxVariance && mean > c.MinIntensity && mean < c.MaxIntensity {
		return true, clampConfidence(0.99 - 0.2*variance/c.MaxVariance), nil
	}
	return false, clampConfidence(0.6 + 0.39*min(variance, 4*c.MaxVariance)/(4*c.MaxVariance)), nil
}

func clampConfidence(v float64) float64 {
	return min(max(v, 0.6), 0.99)
}

// SimulatedLocalizer places one to three non-overlapping face boxes per
// frame from a seeded generator. It drives demo mode when no camera or
// cascade model is available.
type SimulatedLocalizer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedLocalizer creates a localizer with a fixed seed.
func NewSimulatedLocalizer(seed int64) *SimulatedLocalizer {
	return &SimulatedLocalizer{rng: rand.New(rand.NewSource(seed))}
}

// Localize implements Localizer.
func (s *SimulatedLocalizer) Localize(ctx context.Context, img image.Image) ([]types.BBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w < 60 || h < 60 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 1 + s.rng.Intn(3)
	lane := w / n
	boxes := make([]types.BBox, 0, n)
	for i := 0; i < n; i++ {
		size := min(lane, h) * (40 + s.rng.Intn(30)) / 100
		size = max(size, 30)
		x := i*lane + s.rng.Intn(max(1, lane-size))
		y := s.rng.Intn(max(1, h-size))
		boxes = append(boxes, types.BBox{X: x, Y: y, W: size, H: size})
	}
	return boxes, nil
}

// SimulatedClassifier returns seeded mask labels with roughly 70% of
// faces masked.
type SimulatedClassifier struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedClassifier creates a classifier with a fixed seed.
func NewSimulatedClassifier(seed int64) *SimulatedClassifier {
	return &SimulatedClassifier{rng: rand.New(rand.NewSource(seed))}
}

// Classify implements Classifier.
func (s *SimulatedClassifier) Classify(ctx context.Context, _ image.Image, _ types.BBox) (bool, float64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hasMask := s.rng.Float64() < 0.7
	conf := 0.85 + s.rng.NormFloat64()*0.08
	return hasMask, clampConfidence(conf), nil
}
