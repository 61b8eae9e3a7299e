// Package monitor serves the presentation layer over HTTP: published
// state snapshots (JSON, SSE, WebSocket), an MJPEG overlay preview with
// detection boxes, and the start/stop/toggle control surface.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/visionguard/detection-client/internal/logger"
	"github.com/visionguard/detection-client/internal/stream"
	"github.com/visionguard/detection-client/pkg/types"
)

// Config tunes the monitor server.
type Config struct {
	Addr           string
	StatusInterval time.Duration
	MJPEGKeepalive time.Duration
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		StatusInterval: time.Second,
		MJPEGKeepalive: 5 * time.Second,
	}
}

// Server is the monitor HTTP server. It implements stream.Publisher and
// must be attached to the controller with stream.WithPublisher.
type Server struct {
	cfg      Config
	ctrl     *stream.Controller
	bc       *broadcaster
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer creates a monitor for the given controller.
func NewServer(cfg Config, ctrl *stream.Controller) *Server {
	s := &Server{
		cfg:  cfg,
		ctrl: ctrl,
		bc:   newBroadcaster(),
		upgrader: websocket.Upgrader{
			// The monitor is a LAN/dev surface; the mobile shell connects
			// from its own origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// Publish implements stream.Publisher. The overlay is rendered once per
// update and only when someone is watching.
func (s *Server) Publish(snap types.Snapshot, frame []byte) {
	var overlay []byte
	if frame != nil && s.bc.clientCount() > 0 {
		rendered, err := RenderOverlay(frame, snap.Detections, snap.FrameMeta)
		if err != nil {
			logger.Warn("Monitor", "Overlay render failed: %v", err)
		} else {
			overlay = rendered
		}
	}
	s.bc.publish(update{snap: snap, overlay: overlay})
}

// Start runs the HTTP server until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	logger.Info("Monitor", "Serving monitor on %s", s.cfg.Addr)
	if err := s.httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the route mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	cors := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("/api/status", cors(s.handleStatus))
	mux.HandleFunc("/api/state/stream", cors(s.handleStateSSE))
	mux.HandleFunc("/api/state/ws", s.handleStateWS)
	mux.HandleFunc("/api/overlay", cors(s.handleOverlay))

	mux.HandleFunc("/api/start", cors(s.handleStart))
	mux.HandleFunc("/api/stop", cors(s.handleStop))
	mux.HandleFunc("/api/toggle", cors(s.handleToggle))

	mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.ctrl.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"state":          snap,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"running": s.ctrl.Running(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.ctrl.Start()
	writeRunning(w, s.ctrl.Running())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.ctrl.Stop()
	writeRunning(w, s.ctrl.Running())
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.ctrl.Toggle()
	writeRunning(w, s.ctrl.Running())
}

func writeRunning(w http.ResponseWriter, running bool) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"running": running})
}

// handleStateSSE streams the current snapshot at the status interval.
func (s *Server) handleStateSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.ctrl.Snapshot()); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// handleStateWS pushes a snapshot on every published update.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Monitor", "WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	id, ch := s.bc.subscribe()
	defer s.bc.unsubscribe(id)

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(u.snap); err != nil {
				logger.Debug("Monitor", "WebSocket client #%d gone: %v", id, err)
				return
			}
		}
	}
}

// handleOverlay streams MJPEG overlay frames to one client.
func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	placeholder, err := placeholderJPEG()
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	// Late subscribers start from the most recent captured frame when
	// one exists; the placeholder only shows before the first capture.
	initial := placeholder
	if raw, meta := s.ctrl.LastFrame(); raw != nil {
		if rendered, err := RenderOverlay(raw, s.ctrl.Snapshot().Detections, meta); err == nil {
			initial = rendered
		}
	}

	id, ch := s.bc.subscribe()
	defer s.bc.unsubscribe(id)

	for {
		frame := initial
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			if u.overlay != nil {
				frame = u.overlay
			}
		case <-time.After(s.cfg.MJPEGKeepalive):
			// No update for a while: repeat the last frame so the
			// connection stays alive.
			if u, ok := s.bc.latestUpdate(); ok && u.overlay != nil {
				frame = u.overlay
			}
		}

		if err := writeMJPEGFrame(w, frame); err != nil {
			logger.Debug("Monitor", "MJPEG client disconnected: %v", err)
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeMJPEGFrame(w http.ResponseWriter, jpegData []byte) error {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
