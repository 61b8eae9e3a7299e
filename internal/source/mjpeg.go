package source

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/visionguard/detection-client/internal/logger"
)

// MJPEGSource pulls frames from an MJPEG camera stream
// (multipart/x-mixed-replace) and always holds the latest one. Capture
// never blocks on the network: the reader goroutine does.
type MJPEGSource struct {
	url            string
	reconnectDelay time.Duration

	mu     sync.Mutex
	latest []byte

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMJPEGSource starts the reader goroutine for the given camera URL.
func NewMJPEGSource(url string) *MJPEGSource {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MJPEGSource{
		url:            url,
		reconnectDelay: 2 * time.Second,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go s.read(ctx)
	return s
}

// Ready reports whether at least one frame has arrived.
func (s *MJPEGSource) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest != nil
}

// Capture returns the latest frame.
func (s *MJPEGSource) Capture(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil, fmt.Errorf("no frame received from %s yet", s.url)
	}
	return s.latest, nil
}

// Close stops the reader goroutine.
func (s *MJPEGSource) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *MJPEGSource) read(ctx context.Context) {
	defer close(s.done)

	for {
		if err := s.readStream(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("Source", "MJPEG stream %s: %v, reconnecting in %v", s.url, err, s.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

// readStream consumes one connection until it breaks.
func (s *MJPEGSource) readStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("camera returned status %d", resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("parse content type: %w", err)
	}
	if mediaType != "multipart/x-mixed-replace" || params["boundary"] == "" {
		return fmt.Errorf("not an MJPEG stream: %s", mediaType)
	}

	logger.Info("Source", "Connected to MJPEG stream %s", s.url)

	reader := multipart.NewReader(resp.Body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if err != nil {
			return err
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.latest = data
		s.mu.Unlock()
	}
}
