package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

var (
	maskColor   = color.RGBA{R: 0, G: 200, B: 0, A: 255}
	noMaskColor = color.RGBA{R: 230, G: 0, B: 0, A: 255}
	textColor   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	textBg      = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

const (
	boxThickness = 3
	labelPadding = 2
)

// Render copies img and draws every detection box with its label, plus an
// optional header line in the top-left corner.
func Render(img image.Image, detections []types.Detection, header string) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)

	if header != "" {
		drawLabel(out, 10, 10, header, textColor, textBg)
	}
	for _, d := range detections {
		c := noMaskColor
		if d.HasMask {
			c = maskColor
		}
		drawRect(out, d.BBox, c, boxThickness)

		// Labels go above the box unless that would leave the frame.
		labelY := d.BBox.Y - labelHeight() - 2
		if labelY < 0 {
			labelY = d.BBox.Y + d.BBox.H + 2
		}
		drawLabel(out, d.BBox.X, labelY, d.Label(), textColor, c)
	}
	return out
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drawRect(img *image.RGBA, box types.BBox, c color.Color, thickness int) {
	u := &image.Uniform{C: c}
	x0, y0 := box.X, box.Y
	x1, y1 := box.X+box.W, box.Y+box.H
	edges := []image.Rectangle{
		image.Rect(x0, y0, x1, y0+thickness),
		image.Rect(x0, y1-thickness, x1, y1),
		image.Rect(x0, y0, x0+thickness, y1),
		image.Rect(x1-thickness, y0, x1, y1),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(img.Bounds()), u, image.Point{}, draw.Src)
	}
}

func labelHeight() int {
	return basicfont.Face7x13.Height + 2*labelPadding
}

func drawLabel(img *image.RGBA, x, y int, text string, fg, bg color.Color) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	bgRect := image.Rect(x, y, x+width+2*labelPadding, y+labelHeight())
	draw.Draw(img, bgRect.Intersect(img.Bounds()), &image.Uniform{C: bg}, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: fg},
		Face: face,
		Dot:  fixed.P(x+labelPadding, y+labelPadding+face.Ascent),
	}
	d.DrawString(text)
}
