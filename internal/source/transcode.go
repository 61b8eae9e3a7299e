package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// Transcode re-encodes a JPEG frame at the given quality, downscaling
// to maxWidth first when the frame is wider. maxWidth 0 disables the
// downscale. This keeps upload sizes bounded regardless of what the
// camera produces.
func Transcode(frame []byte, maxWidth, quality int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	bounds := img.Bounds()
	if maxWidth > 0 && bounds.Dx() > maxWidth {
		height := bounds.Dy() * maxWidth / bounds.Dx()
		scaled := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, bounds, draw.Src, nil)
		img = scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// PreparedSource wraps a Source so every captured frame is transcoded
// before it reaches the stream loop.
type PreparedSource struct {
	inner    Source
	maxWidth int
	quality  int
}

// NewPreparedSource wraps src with a downscale bound and JPEG quality.
func NewPreparedSource(src Source, maxWidth, quality int) *PreparedSource {
	return &PreparedSource{inner: src, maxWidth: maxWidth, quality: quality}
}

// Ready defers to the wrapped source.
func (s *PreparedSource) Ready() bool { return s.inner.Ready() }

// Capture captures from the wrapped source and transcodes the result.
func (s *PreparedSource) Capture(ctx context.Context) ([]byte, error) {
	frame, err := s.inner.Capture(ctx)
	if err != nil {
		return nil, err
	}
	return Transcode(frame, s.maxWidth, s.quality)
}
