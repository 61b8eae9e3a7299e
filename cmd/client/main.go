package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/visionguard/detection-client/internal/alert"
	"github.com/visionguard/detection-client/internal/config"
	"github.com/visionguard/detection-client/internal/detect"
	"github.com/visionguard/detection-client/internal/logger"
	"github.com/visionguard/detection-client/internal/metrics"
	"github.com/visionguard/detection-client/internal/monitor"
	"github.com/visionguard/detection-client/internal/source"
	"github.com/visionguard/detection-client/internal/stream"
	"github.com/visionguard/detection-client/pkg/types"
)

// publisherFunc adapts a function to stream.Publisher.
type publisherFunc func(snap types.Snapshot, frame []byte)

func (f publisherFunc) Publish(snap types.Snapshot, frame []byte) { f(snap, frame) }

var (
	// Command-line flags. Flags override the config file.
	configPath = flag.String("config", "", "Path to YAML config file")
	endpoint   = flag.String("endpoint", "", "Detection endpoint URL (overrides config)")
	sourceKind = flag.String("source", "", "Frame source kind: dir or mjpeg (overrides config)")
	sourceDir  = flag.String("source-dir", "", "Directory of JPEG frames (overrides config)")
	sourceURL  = flag.String("source-url", "", "MJPEG camera URL (overrides config)")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor   = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlagOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "Detection client starting...")
	logger.Info("Main", "Endpoint: %s, source: %s, target: %.1f fps",
		cfg.Endpoint, cfg.Source.Kind, cfg.TargetFPS)

	m := metrics.New()

	src, closeSource, err := buildSource(cfg)
	if err != nil {
		log.Fatalf("Failed to create frame source: %v", err)
	}
	defer closeSource()

	speaker, vibrator := buildActuators(cfg, m)
	policy := alert.NewPolicy(speaker, vibrator, cfg.SpeechCooldown(), nil)

	client := detect.NewClient(cfg.Endpoint, cfg.RequestTimeout())

	// The monitor needs the controller for its control endpoints and the
	// controller publishes to the monitor; the indirection breaks the
	// construction cycle. Nothing publishes before ctrl.Start below.
	var mon *monitor.Server
	ctrl := stream.NewController(cfg, src, client, policy, m,
		stream.WithPublisher(publisherFunc(func(snap types.Snapshot, frame []byte) {
			mon.Publish(snap, frame)
		})))
	defer ctrl.Close()

	mon = monitor.NewServer(monitor.Config{
		Addr:           cfg.Monitor.Addr,
		StatusInterval: time.Duration(cfg.Monitor.StatusIntervalMs) * time.Millisecond,
		MJPEGKeepalive: time.Duration(cfg.Monitor.MJPEGIntervalMs) * time.Millisecond,
	}, ctrl)

	go func() {
		if err := m.StartServer(cfg.Metrics.Addr); err != nil {
			logger.Error("Main", "Metrics server failed: %v", err)
		}
	}()
	go func() {
		if err := mon.Start(); err != nil {
			logger.Error("Main", "Monitor server failed: %v", err)
		}
	}()

	ctrl.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	ctrl.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mon.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Main", "Monitor shutdown: %v", err)
	}

	logger.Info("Main", "Stopped")
}

func applyFlagOverrides(cfg *config.Config) {
	if *endpoint != "" {
		cfg.Endpoint = *endpoint
	}
	if *sourceKind != "" {
		cfg.Source.Kind = *sourceKind
	}
	if *sourceDir != "" {
		cfg.Source.Dir = *sourceDir
	}
	if *sourceURL != "" {
		cfg.Source.URL = *sourceURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
}

// buildSource wires the configured capture backend, wrapped with the
// downscale/re-encode stage when a width bound is set.
func buildSource(cfg config.Config) (stream.FrameSource, func(), error) {
	var (
		base    source.Source
		cleanup = func() {}
	)
	switch cfg.Source.Kind {
	case "dir":
		dir, err := source.NewDirSource(cfg.Source.Dir)
		if err != nil {
			return nil, nil, err
		}
		base = dir
	case "mjpeg":
		mj := source.NewMJPEGSource(cfg.Source.URL)
		base = mj
		cleanup = func() { mj.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}

	if cfg.Source.MaxWidth > 0 {
		return source.NewPreparedSource(base, cfg.Source.MaxWidth, cfg.ImageQuality), cleanup, nil
	}
	return base, cleanup, nil
}

func buildActuators(cfg config.Config, m *metrics.Metrics) (alert.Speaker, alert.Vibrator) {
	var speaker alert.Speaker = alert.LogSpeaker{}
	if cfg.Speech.Command != "" {
		speaker = alert.NewCommandSpeaker(cfg.Speech.Command, cfg.Speech.Args)
	}
	return alert.WithMetrics(speaker, alert.LogVibrator{}, m)
}
