package recording

import (
	"image"
	"image/color"
	"image/draw"
	"time"

	"github.com/nfnt/resize"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// TimestampLayout is the format of the burned-in capture time.
const TimestampLayout = "2006-01-02 15:04:05"

// Corner selects where the timestamp overlay is drawn.
type Corner int

const (
	BottomRight Corner = iota
	BottomLeft
	TopRight
	TopLeft
)

// FrameOptions control how captured frames are normalised before encoding.
type FrameOptions struct {
	Width         int
	Height        int
	DrawTimestamp bool
	Corner        Corner
	Margin        int
}

// PrepareFrame resizes img to the configured size and optionally burns in
// the capture time.
func PrepareFrame(img image.Image, opts FrameOptions, at time.Time) *image.RGBA {
	dst := resizeTo(img, opts.Width, opts.Height)
	if opts.DrawTimestamp {
		drawTimestamp(dst, at.Format(TimestampLayout), opts.Corner, opts.Margin)
	}
	return dst
}

func resizeTo(img image.Image, width, height int) *image.RGBA {
	b := img.Bounds()
	var scaled image.Image = img
	if b.Dx() != width || b.Dy() != height {
		scaled = resize.Resize(uint(width), uint(height), img, resize.Bilinear)
	}

	// Always copy: captures may reuse their buffers and the overlay mutates.
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), scaled, scaled.Bounds().Min, draw.Src)
	return dst
}

func drawTimestamp(dst *image.RGBA, text string, corner Corner, margin int) {
	face := basicfont.Face7x13
	if margin <= 0 {
		margin = 4
	}

	width := font.MeasureString(face, text).Ceil()
	metrics := face.Metrics()
	ascent, descent := metrics.Ascent.Ceil(), metrics.Descent.Ceil()
	b := dst.Bounds()

	var x, y int
	switch corner {
	case TopLeft:
		x, y = margin, margin+ascent
	case TopRight:
		x, y = b.Dx()-width-margin, margin+ascent
	case BottomLeft:
		x, y = margin, b.Dy()-margin-descent
	default:
		x, y = b.Dx()-width-margin, b.Dy()-margin-descent
	}

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
