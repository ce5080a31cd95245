package simulator

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/eyesense/gazemap/pkg/logger"
)

// SetupLogging initialises the global logger in the given format.
func SetupLogging(format string, verbose bool) error {
	if err := logger.InitWithFormat(format); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if verbose {
		if err := logger.SetLevelString("debug"); err != nil {
			return fmt.Errorf("failed to set log level: %w", err)
		}
	}
	logger.Get().Debug(context.Background(), "logging initialised", logger.String("format", format))
	return nil
}

// ShowHelp prints usage information for the simulator.
func ShowHelp(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	_, _ = io.WriteString(w, strings.TrimLeft(`
gazemap session simulator
=========================

Drives synthetic respondents through permission, calibration, gaze tracking
and heatmap retrieval against a running gazemap service.

Usage:
  go run ./cmd/session-sim [options]

Options:
  -url string          Base URL of the service (default "http://localhost:9080")
  -respondents int     Number of sessions to run (default 4)
  -workers int         Concurrent respondents (default 2)
  -width int           Stimulus width (default 800)
  -height int          Stimulus height (default 600)
  -duration duration   Tracking window; 0 uses the server default
  -batch int           Gaze predictions per request (default 15)
  -interval duration   Pause between gaze batches (default 250ms)
  -no-detect float     Share of frames without a face (default 0.05)
  -resend int          Resend every Nth batch to exercise dedupe (default 5)
  -seed uint           Generator seed (default 1)
  -out string          Directory for rendered heatmaps
  -timeout duration    HTTP request timeout (default 30s)
  -log-format string   text or json (default "text")
  -verbose             Enable verbose logging
  -help                Show this help message

Examples:
  go run ./cmd/session-sim -respondents 20 -workers 8 -out heatmaps/
`, "\n"))
}
