// Package detectserver implements a local stand-in for the YOLO
// inference service. It honors the /detect wire contract (multipart
// "image" field in, detection JSON out) and synthesizes detections so
// the client's full loop can be exercised without a model.
package detectserver

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder for DecodeConfig
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/visionguard/detection-client/internal/logger"
	"github.com/visionguard/detection-client/pkg/types"
)

// priorityClasses mirrors the safety-alert set of the inference service.
var priorityClasses = map[string]bool{
	"person":     true,
	"car":        true,
	"bicycle":    true,
	"motorcycle": true,
	"bus":        true,
	"truck":      true,
	"dog":        true,
}

// sweepClasses is the rotation of synthetic object classes.
var sweepClasses = []string{"person", "chair", "car", "table", "dog"}

// Config tunes the synthetic behavior.
type Config struct {
	// AlertCooldown is the minimum spacing between repeated warnings for
	// the same class. Matches the real server's 3 second default.
	AlertCooldown time.Duration
	// Latency is added to every request before responding.
	Latency time.Duration
	// FailEvery makes every Nth request return a 500. 0 disables.
	FailEvery int
	// EmptyEvery makes every Nth response an empty scene. 0 disables.
	EmptyEvery int
}

// DefaultConfig mirrors the real server's defaults.
func DefaultConfig() Config {
	return Config{AlertCooldown: 3 * time.Second}
}

// Server synthesizes detection responses.
type Server struct {
	cfg   Config
	clock clock.Clock

	mu           sync.Mutex
	requests     uint64
	lastAnnounce map[string]time.Time
}

// New creates a detection server. A nil clock falls back to the wall
// clock.
func New(cfg Config, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		cfg:          cfg,
		clock:        clk,
		lastAnnounce: make(map[string]time.Time),
	}
}

// Handler returns the HTTP handler serving /detect and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/detect", s.handleDetect)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.cfg.Latency > 0 {
		s.clock.Sleep(s.cfg.Latency)
	}

	s.mu.Lock()
	s.requests++
	n := s.requests
	s.mu.Unlock()

	if s.cfg.FailEvery > 0 && n%uint64(s.cfg.FailEvery) == 0 {
		writeError(w, http.StatusInternalServerError, "injected failure")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image sent")
		return
	}
	defer file.Close()

	imgCfg, _, err := image.DecodeConfig(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("decode image: %v", err))
		return
	}

	resp := s.synthesize(n, imgCfg.Width, imgCfg.Height)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("DetectServer", "Encode response: %v", err)
	}
}

// synthesize fabricates one detection sweeping left to right across the
// frame, classified with the same position/distance rules the real
// server applies.
func (s *Server) synthesize(n uint64, width, height int) types.DetectionResponse {
	resp := types.DetectionResponse{
		Alerts:      []string{},
		Objects:     []string{},
		Detections:  []types.Detection{},
		FrameWidth:  width,
		FrameHeight: height,
	}

	if s.cfg.EmptyEvery > 0 && n%uint64(s.cfg.EmptyEvery) == 0 {
		return resp
	}

	class := sweepClasses[int(n/8)%len(sweepClasses)]
	phase := float64(n%8) / 8

	w := float64(width)
	h := float64(height)
	boxW := w / 4
	boxH := h / 3
	x1 := phase * (w - boxW)
	y1 := (h - boxH) / 2
	x2 := x1 + boxW
	y2 := y1 + boxH

	position := classifyPosition(x1, x2, w)
	distance := classifyDistance(boxW*boxH, w*h)
	isPriority := priorityClasses[class]

	resp.Objects = append(resp.Objects, class)
	resp.Detections = append(resp.Detections, types.Detection{
		Class:      class,
		Confidence: 0.5 + 0.45*phase,
		Position:   position,
		Distance:   distance,
		IsPriority: isPriority,
		BBox:       types.BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2},
	})

	if isPriority && s.shouldAnnounce(class) {
		alert := fmt.Sprintf("Warning! %s %s %s", class, distance, position)
		resp.Alert = alert
		resp.Alerts = append(resp.Alerts, alert)
	}

	return resp
}

// classifyPosition buckets the box center against the frame center with
// a 20%-of-width threshold.
func classifyPosition(x1, x2, frameWidth float64) string {
	center := (x1 + x2) / 2
	frameCenter := frameWidth / 2
	threshold := frameWidth * 0.2

	switch {
	case center < frameCenter-threshold:
		return "to the left"
	case center > frameCenter+threshold:
		return "to the right"
	default:
		return "in front"
	}
}

// classifyDistance buckets the box area as a share of the frame area.
func classifyDistance(boxArea, frameArea float64) string {
	ratio := boxArea / frameArea
	switch {
	case ratio > 0.15:
		return "close"
	case ratio > 0.05:
		return "at a medium distance"
	default:
		return "far away"
	}
}

// shouldAnnounce enforces the per-class warning cooldown.
func (s *Server) shouldAnnounce(class string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if last, ok := s.lastAnnounce[class]; ok && now.Sub(last) < s.cfg.AlertCooldown {
		return false
	}
	s.lastAnnounce[class] = now
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
