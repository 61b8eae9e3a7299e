// Package source abstracts where camera frames come from. The stream
// loop only sees JPEG bytes; whether they originate from a directory of
// stills or a live MJPEG camera is wired at startup.
package source

import "context"

// Source supplies JPEG frames to the stream loop.
type Source interface {
	// Ready reports whether Capture can produce a frame right now. The
	// loop skips iterations while the source warms up.
	Ready() bool
	// Capture returns the current frame as JPEG bytes.
	Capture(ctx context.Context) ([]byte, error)
}
