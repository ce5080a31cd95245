package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eyesense/gazemap/internal/simulator"
)

// Default configuration constants.
const (
	defaultRespondents = 4
	defaultWorkers     = 2
	defaultNoDetection = 0.05
	defaultResendEvery = 5
	defaultRunTimeout  = 10 * time.Minute
)

func main() {
	var (
		baseURL     = flag.String("url", "http://localhost:9080", "Base URL of the service")
		respondents = flag.Int("respondents", defaultRespondents, "Number of sessions to run")
		workers     = flag.Int("workers", defaultWorkers, "Concurrent respondents")
		width       = flag.Int("width", simulator.DefaultWidth, "Stimulus width")
		height      = flag.Int("height", simulator.DefaultHeight, "Stimulus height")
		duration    = flag.Duration("duration", 0, "Tracking window; 0 uses the server default")
		batch       = flag.Int("batch", simulator.DefaultSamplesPerBatch, "Gaze predictions per request")
		interval    = flag.Duration("interval", simulator.DefaultBatchInterval, "Pause between gaze batches")
		noDetect    = flag.Float64("no-detect", defaultNoDetection, "Share of frames without a face")
		resend      = flag.Int("resend", defaultResendEvery, "Resend every Nth batch to exercise dedupe")
		seed        = flag.Uint64("seed", 1, "Generator seed")
		outDir      = flag.String("out", "", "Directory for rendered heatmaps")
		timeout     = flag.Duration("timeout", simulator.DefaultTimeout, "HTTP request timeout")
		logFormat   = flag.String("log-format", "text", "text or json")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
		help        = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		simulator.ShowHelp(os.Stdout)
		return
	}

	if err := simulator.SetupLogging(*logFormat, *verbose); err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, defaultRunTimeout)
	defer cancel()

	cfg := &simulator.Config{
		BaseURL:         *baseURL,
		Respondents:     *respondents,
		Workers:         *workers,
		Timeout:         *timeout,
		Width:           *width,
		Height:          *height,
		DurationMs:      duration.Milliseconds(),
		SamplesPerBatch: *batch,
		BatchInterval:   *interval,
		NoDetectionRate: *noDetect,
		ResendEvery:     *resend,
		Seed:            *seed,
		OutputDir:       *outDir,
		Verbose:         *verbose,
	}

	if _, err := simulator.Run(ctx, cfg); err != nil {
		os.Stderr.WriteString("Simulation failed: " + err.Error() + "\n")
		os.Exit(1)
	}
}
