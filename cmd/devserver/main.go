// devserver runs the synthetic detection endpoint for local development
// and load testing of the client, without a GPU or a model.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/visionguard/detection-client/internal/detectserver"
	"github.com/visionguard/detection-client/internal/logger"
)

var (
	httpAddr   = flag.String("http", ":5000", "HTTP server address")
	cooldown   = flag.Duration("cooldown", 3*time.Second, "Per-class warning cooldown")
	latency    = flag.Duration("latency", 0, "Artificial latency per request")
	failEvery  = flag.Int("fail-every", 0, "Return a 500 on every Nth request (0 = never)")
	emptyEvery = flag.Int("empty-every", 0, "Return an empty scene on every Nth request (0 = never)")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor   = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	srv := detectserver.New(detectserver.Config{
		AlertCooldown: *cooldown,
		Latency:       *latency,
		FailEvery:     *failEvery,
		EmptyEvery:    *emptyEvery,
	}, nil)

	logger.Info("DevServer", "Serving synthetic detections on %s", *httpAddr)
	if err := http.ListenAndServe(*httpAddr, srv.Handler()); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
