package recording

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// litPixels returns the bounding box of pixels brighter than the background.
func litPixels(img *image.RGBA) image.Rectangle {
	var box image.Rectangle
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.RGBAAt(x, y).R > 128 {
				box = box.Union(image.Rect(x, y, x+1, y+1))
			}
		}
	}
	return box
}

func TestPrepareFrameResizes(t *testing.T) {
	src := solidFrame(640, 360, color.RGBA{A: 255})
	out := PrepareFrame(src, FrameOptions{Width: 320, Height: 240}, time.Now())
	assert.Equal(t, image.Rect(0, 0, 320, 240), out.Bounds())
	assert.True(t, litPixels(out).Empty(), "no overlay requested")
}

func TestPrepareFrameCopiesInput(t *testing.T) {
	src := solidFrame(32, 24, color.RGBA{A: 255})
	out := PrepareFrame(src, FrameOptions{Width: 32, Height: 24}, time.Now())
	out.Pix[0] = 0xff
	assert.Zero(t, src.Pix[0])
}

func TestPrepareFrameTimestampCorner(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)
	src := solidFrame(640, 480, color.RGBA{A: 255})

	out := PrepareFrame(src, FrameOptions{Width: 640, Height: 480, DrawTimestamp: true}, at)
	box := litPixels(out)
	assert.False(t, box.Empty())
	assert.Greater(t, box.Min.X, 320, "text sits on the right")
	assert.Greater(t, box.Min.Y, 400, "text sits at the bottom")
	assert.LessOrEqual(t, box.Max.X, 640)
	assert.LessOrEqual(t, box.Max.Y, 480)

	out = PrepareFrame(src, FrameOptions{Width: 640, Height: 480, DrawTimestamp: true, Corner: TopLeft}, at)
	box = litPixels(out)
	assert.Less(t, box.Max.X, 320)
	assert.Less(t, box.Max.Y, 80)
}

func TestPrepareFrameTinyFrame(t *testing.T) {
	src := solidFrame(100, 100, color.RGBA{A: 255})
	out := PrepareFrame(src, FrameOptions{Width: 28, Height: 28, DrawTimestamp: true}, time.Now())
	assert.Equal(t, image.Rect(0, 0, 28, 28), out.Bounds())
}
