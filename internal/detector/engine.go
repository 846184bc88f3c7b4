package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/draw"

	"github.com/dj-oyu/maskguard/detection-server/internal/logger"
	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

// DefaultIoUThreshold is the overlap above which two candidates are the
// same face.
const DefaultIoUThreshold = 0.3

// ErrLocalize wraps localization failures. Such a frame is skipped.
var ErrLocalize = errors.New("face localization failed")

// Engine turns one frame into zero or more classified detections.
type Engine interface {
	Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error)
}

// Localizer finds candidate face regions in img coordinates.
type Localizer interface {
	Localize(ctx context.Context, img image.Image) ([]types.BBox, error)
}

// Classifier labels one region of img.
type Classifier interface {
	Classify(ctx context.Context, img image.Image, region types.BBox) (hasMask bool, confidence float64, err error)
}

// SettingsSource supplies the active confidence threshold.
type SettingsSource interface {
	Get() types.Settings
}

// Config tunes the pipeline engine.
type Config struct {
	MaxWidth     int     // resize frames wider than this before localization; 0 disables
	Workers      int     // concurrent region classifications
	IoUThreshold float64 // suppression threshold
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{MaxWidth: 640, Workers: 4, IoUThreshold: DefaultIoUThreshold}
}

// Stats counts engine outcomes.
type Stats struct {
	Frames            uint64 `json:"frames"`
	Regions           uint64 `json:"regions"`
	ClassifyErrors    uint64 `json:"classify_errors"`
	BelowThreshold    uint64 `json:"below_threshold"`
	Suppressed        uint64 `json:"suppressed"`
	DetectionsEmitted uint64 `json:"detections_emitted"`
}

// Pipeline is the default Engine: localize, classify on a bounded worker
// pool, filter by threshold, suppress overlaps, map back to source space.
type Pipeline struct {
	loc      Localizer
	cls      Classifier
	settings SettingsSource
	cfg      Config
	now      func() time.Time

	frames, regions, classifyErrors, belowThreshold, suppressed, emitted atomic.Uint64
}

// NewPipeline creates a pipeline engine.
func NewPipeline(loc Localizer, cls Classifier, settings SettingsSource, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = DefaultIoUThreshold
	}
	return &Pipeline{loc: loc, cls: cls, settings: settings, cfg: cfg, now: time.Now}
}

type candidate struct {
	box        types.BBox
	hasMask    bool
	confidence float64
	ok         bool
}

// Detect implements Engine.
func (p *Pipeline) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("%w: empty frame", ErrLocalize)
	}
	p.frames.Add(1)

	src := frame.Image
	work := p.resize(src)

	boxes, err := p.loc.Localize(ctx, work)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocalize, err)
	}
	p.regions.Add(uint64(len(boxes)))

	cands := p.classifyAll(ctx, work, boxes)

	threshold := p.settings.Get().ConfidenceThreshold
	kept := cands[:0]
	for _, c := range cands {
		if !c.ok {
			continue
		}
		if c.confidence < threshold {
			p.belowThreshold.Add(1)
			continue
		}
		kept = append(kept, c)
	}

	survivors := suppress(kept, p.cfg.IoUThreshold)
	p.suppressed.Add(uint64(len(kept) - len(survivors)))
	if logger.Enabled(logger.DEBUG, "Detector") {
		logger.Debug("Detector", "Frame %d: %d regions, %d above threshold, %d after NMS",
			frame.Seq, len(boxes), len(kept), len(survivors))
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	sw, sh := src.Bounds().Dx(), src.Bounds().Dy()
	ww, wh := work.Bounds().Dx(), work.Bounds().Dy()

	out := make([]types.Detection, 0, len(survivors))
	for _, c := range survivors {
		out = append(out, types.Detection{
			ID:         uuid.NewString(),
			Timestamp:  ts,
			HasMask:    c.hasMask,
			Confidence: c.confidence,
			BBox:       MapBox(c.box, ww, wh, sw, sh),
		})
	}
	p.emitted.Add(uint64(len(out)))
	return out, nil
}

// classifyAll runs every region through the classifier on at most
// cfg.Workers goroutines and returns once all regions are done.
func (p *Pipeline) classifyAll(ctx context.Context, img image.Image, boxes []types.BBox) []candidate {
	cands := make([]candidate, len(boxes))
	if len(boxes) == 0 {
		return cands
	}

	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup
	for i, box := range boxes {
		i, box := i, box
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			hasMask, conf, err := p.classifyOne(ctx, img, box)
			if err != nil {
				p.classifyErrors.Add(1)
				logger.Warn("Detector", "Region %d %+v dropped: %v", i, box, err)
				return
			}
			cands[i] = candidate{box: box, hasMask: hasMask, confidence: conf, ok: true}
		}()
	}
	wg.Wait()
	return cands
}

func (p *Pipeline) classifyOne(ctx context.Context, img image.Image, box types.BBox) (hasMask bool, conf float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("classifier panic: %v", r)
		}
	}()
	hasMask, conf, err = p.cls.Classify(ctx, img, box)
	if err == nil && (conf < 0 || conf > 1) {
		err = fmt.Errorf("confidence %.3f out of range", conf)
	}
	return hasMask, conf, err
}

func (p *Pipeline) resize(src image.Image) image.Image {
	b := src.Bounds()
	if p.cfg.MaxWidth <= 0 || b.Dx() <= p.cfg.MaxWidth {
		return src
	}
	w := p.cfg.MaxWidth
	h := max(1, b.Dy()*w/b.Dx())
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// Stats returns engine counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:            p.frames.Load(),
		Regions:           p.regions.Load(),
		ClassifyErrors:    p.classifyErrors.Load(),
		BelowThreshold:    p.belowThreshold.Load(),
		Suppressed:        p.suppressed.Load(),
		DetectionsEmitted: p.emitted.Load(),
	}
}
