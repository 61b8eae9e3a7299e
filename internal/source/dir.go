package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/visionguard/detection-client/internal/logger"
)

// DirSource cycles through the JPEG files of a directory in name order.
// It stands in for a camera during development and testing.
type DirSource struct {
	dir   string
	files []string

	mu   sync.Mutex
	next int
}

// NewDirSource scans dir for *.jpg / *.jpeg files.
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan frame directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	logger.Info("Source", "Directory source: %d frames in %s", len(files), dir)
	return &DirSource{dir: dir, files: files}, nil
}

// Ready reports whether the directory held at least one frame.
func (s *DirSource) Ready() bool {
	return len(s.files) > 0
}

// Capture reads the next frame, wrapping around at the end.
func (s *DirSource) Capture(ctx context.Context) ([]byte, error) {
	if len(s.files) == 0 {
		return nil, fmt.Errorf("no frames in %s", s.dir)
	}

	s.mu.Lock()
	path := s.files[s.next]
	s.next = (s.next + 1) % len(s.files)
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read frame %s: %w", path, err)
	}
	return data, nil
}
