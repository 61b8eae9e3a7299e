package monitor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/visionguard/detection-client/pkg/types"
)

var (
	priorityColor = color.RGBA{R: 220, G: 40, B: 40, A: 255}
	normalColor   = color.RGBA{R: 40, G: 200, B: 80, A: 255}
	labelBg       = color.RGBA{A: 160}
)

const boxThickness = 3

// RenderOverlay draws detection boxes and labels onto a JPEG frame.
// Box coordinates are scaled from the server pixel space (meta) to the
// frame's own pixel space; when meta is unknown the coordinates are
// assumed to already match the frame.
func RenderOverlay(frameJPEG []byte, detections []types.Detection, meta types.FrameMeta) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(frameJPEG))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	bounds := src.Bounds()
	img := image.NewRGBA(bounds)
	draw.Draw(img, bounds, src, bounds.Min, draw.Src)

	sx, sy := 1.0, 1.0
	if meta.Width > 0 && meta.Height > 0 {
		sx = float64(bounds.Dx()) / float64(meta.Width)
		sy = float64(bounds.Dy()) / float64(meta.Height)
	}

	for _, det := range detections {
		col := normalColor
		if det.IsPriority {
			col = priorityColor
		}

		x1 := int(det.BBox.X1 * sx)
		y1 := int(det.BBox.Y1 * sy)
		x2 := int(det.BBox.X2 * sx)
		y2 := int(det.BBox.Y2 * sy)

		drawRect(img, x1, y1, x2, y2, col)
		drawLabel(img, x1, y1, fmt.Sprintf("%s %.0f%%", det.Class, det.Confidence*100), col)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}

// drawRect draws a rectangle outline clamped to the image bounds.
func drawRect(img *image.RGBA, x1, y1, x2, y2 int, col color.RGBA) {
	bounds := img.Bounds()
	clamp := func(v, lo, hi int) int {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	x1 = clamp(x1, bounds.Min.X, bounds.Max.X-1)
	x2 = clamp(x2, bounds.Min.X, bounds.Max.X-1)
	y1 = clamp(y1, bounds.Min.Y, bounds.Max.Y-1)
	y2 = clamp(y2, bounds.Min.Y, bounds.Max.Y-1)

	for t := 0; t < boxThickness; t++ {
		for x := x1; x <= x2; x++ {
			img.SetRGBA(x, clamp(y1+t, bounds.Min.Y, bounds.Max.Y-1), col)
			img.SetRGBA(x, clamp(y2-t, bounds.Min.Y, bounds.Max.Y-1), col)
		}
		for y := y1; y <= y2; y++ {
			img.SetRGBA(clamp(x1+t, bounds.Min.X, bounds.Max.X-1), y, col)
			img.SetRGBA(clamp(x2-t, bounds.Min.X, bounds.Max.X-1), y, col)
		}
	}
}

// drawLabel renders text on a dark strip just above the box.
func drawLabel(img *image.RGBA, x, y int, text string, col color.RGBA) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 4
	height := face.Metrics().Height.Ceil() + 2

	top := y - height
	if top < img.Bounds().Min.Y {
		top = y
	}
	strip := image.Rect(x, top, x+width, top+height)
	draw.Draw(img, strip.Intersect(img.Bounds()), image.NewUniform(labelBg), image.Point{}, draw.Over)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(x+2, top+face.Metrics().Ascent.Ceil()),
	}
	drawer.DrawString(text)
}

// placeholderJPEG renders the frame shown before the first capture
// arrives.
func placeholderJPEG() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 24, G: 24, B: 28, A: 255}), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{R: 200, G: 200, B: 200, A: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(250, 240),
	}
	drawer.DrawString("waiting for stream")

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
