package types

import (
	"image"
	"time"
)

// Frame represents a single decoded video frame with metadata
type Frame struct {
	Image     image.Image // Decoded pixels (source-frame coordinate space)
	Timestamp time.Time   // Frame capture timestamp
	Seq       uint64      // Sequential frame number
}

// Width returns the frame width in pixels
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// SourceConfig holds capture parameters for a frame source
type SourceConfig struct {
	Device      string        // Camera index or stream URL
	Width       int           // Requested capture width
	Height      int           // Requested capture height
	FPS         int           // Requested capture rate
	Mirror      bool          // Flip horizontally (selfie view)
	SampleEvery int           // Run detection on every Nth frame
	Interval    time.Duration // Pacing between reads for synthetic sources
}
