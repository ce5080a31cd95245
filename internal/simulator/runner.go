package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eyesense/gazemap/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0o750
	filePermission      = 0o600
)

// ErrSessionFailed is returned when a session ends in Failed.
var ErrSessionFailed = errors.New("session failed")

// Run drives cfg.Respondents synthetic sessions against the service.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	cfg.Defaults()
	log := logger.OrNop().Named("simulator")
	stats := &Stats{StartTime: time.Now()}

	log.Info(ctx, "starting gazemap simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("respondents", cfg.Respondents),
		logger.Int("workers", cfg.Workers),
		logger.Duration("timeout", cfg.Timeout))

	client := NewClient(cfg.BaseURL, cfg.Timeout)
	if err := client.Health(ctx); err != nil {
		return nil, fmt.Errorf("service health check failed: %w", err)
	}

	stimulus, err := StimulusPNG(cfg.Width, cfg.Height)
	if err != nil {
		return nil, err
	}
	ref, err := client.UploadImage(ctx, fmt.Sprintf("sim-%d.png", cfg.Seed), "image/png", stimulus)
	if err != nil {
		return nil, fmt.Errorf("stimulus upload failed: %w", err)
	}

	results := make(chan Result, cfg.Respondents)
	jobs := make(chan int, cfg.Workers*2)
	var wg sync.WaitGroup
	for range cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results <- Respond(ctx, client, cfg, ref, cfg.Seed+uint64(i))
			}
		}()
	}
	go func() {
		defer close(jobs)
		for i := range cfg.Respondents {
			select {
			case <-ctx.Done():
				return
			case jobs <- i:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var errs []error
	for res := range results {
		stats.Sessions++
		stats.Batches += res.Batches
		stats.Duplicates += res.Duplicates
		stats.Accepted += res.Accepted
		switch {
		case res.Err == nil:
			stats.Completed++
		case errors.Is(res.Err, ErrSessionFailed):
			stats.Failed++
			errs = append(errs, res.Err)
		default:
			stats.Errored++
			errs = append(errs, res.Err)
		}
		if cfg.Verbose || res.Err != nil {
			log.Info(ctx, "respondent finished",
				logger.String("session", res.SessionID),
				logger.String("state", res.State),
				logger.Int("batches", res.Batches),
				logger.Int("accepted", res.Accepted),
				logger.Int("heatmapBytes", res.HeatmapBytes),
				logger.Any("error", res.Err))
		}
		if res.Err == nil && cfg.OutputDir != "" {
			if err := saveHeatmap(cfg.OutputDir, res); err != nil {
				log.Warn(ctx, "failed to save heatmap", logger.Error(err))
			}
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	log.Info(ctx, "simulation completed",
		logger.Int("sessions", stats.Sessions),
		logger.Int("completed", stats.Completed),
		logger.Int("failed", stats.Failed),
		logger.Int("errored", stats.Errored),
		logger.Int("duplicates", stats.Duplicates),
		logger.Duration("duration", stats.Duration))
	return stats, errors.Join(errs...)
}

// Respond runs one respondent through permission, calibration, tracking and
// heatmap retrieval.
func Respond(ctx context.Context, client *Client, cfg *Config, ref string, seed uint64) Result {
	var res Result
	res.Err = respond(ctx, client, cfg, ref, seed, &res)
	return res
}

func respond(ctx context.Context, client *Client, cfg *Config, ref string, seed uint64, res *Result) error {
	sess, err := client.CreateSession(ctx, ref, cfg.Width, cfg.Height, cfg.DurationMs)
	if err != nil {
		return err
	}
	res.SessionID = sess.ID

	if sess, err = client.Permission(ctx, sess.ID, true); err != nil {
		return err
	}
	for _, t := range sess.Targets {
		for range t.ClicksRequired - t.ClicksReceived {
			if _, err := client.Click(ctx, sess.ID, t.ID); err != nil {
				return fmt.Errorf("target %d: %w", t.ID, err)
			}
		}
	}

	if sess, err = waitWhile(ctx, client, cfg, sess.ID, stateCalibrating); err != nil {
		return err
	}

	gen := NewRespondent(seed, cfg.Width, cfg.Height, cfg.Fixations, cfg.NoDetectionRate)
	for sess.State == stateTracking {
		batchID := BatchID()
		samples := gen.Batch(cfg.SamplesPerBatch)
		ack, err := client.SubmitGaze(ctx, sess.ID, batchID, samples)
		if err != nil {
			return err
		}
		res.Batches++
		res.Accepted += ack.Accepted
		if cfg.ResendEvery > 0 && res.Batches%cfg.ResendEvery == 0 {
			dup, err := client.SubmitGaze(ctx, sess.ID, batchID, samples)
			if err != nil {
				return err
			}
			if dup.Duplicate {
				res.Duplicates++
			}
		}
		if err := sleep(ctx, cfg.BatchInterval); err != nil {
			return err
		}
		if sess, err = client.Session(ctx, sess.ID); err != nil {
			return err
		}
	}

	for {
		data, ready, err := client.Heatmap(ctx, sess.ID)
		if err != nil {
			final, _ := client.Session(ctx, sess.ID)
			res.State, res.Reason = final.State, final.Reason
			if final.State == stateFailed {
				return fmt.Errorf("%w: %s: %s", ErrSessionFailed, sess.ID, final.Reason)
			}
			return err
		}
		if ready {
			return finish(ctx, client, sess.ID, data, res)
		}
		if err := sleep(ctx, cfg.PollInterval); err != nil {
			return err
		}
	}
}

func finish(ctx context.Context, client *Client, id string, data []byte, res *Result) error {
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("heatmap for %s is not a PNG: %w", id, err)
	}
	res.HeatmapBytes = len(data)
	res.HeatmapWidth, res.HeatmapHeight = cfg.Width, cfg.Height
	res.heatmap = data

	final, err := client.Session(ctx, id)
	if err != nil {
		return err
	}
	res.State, res.Samples = final.State, final.Samples
	return nil
}

// waitWhile polls until the session leaves state.
func waitWhile(ctx context.Context, client *Client, cfg *Config, id, state string) (Session, error) {
	for {
		sess, err := client.Session(ctx, id)
		if err != nil || sess.State != state {
			return sess, err
		}
		if err := sleep(ctx, cfg.PollInterval); err != nil {
			return sess, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func saveHeatmap(dir string, res Result) error {
	if err := os.MkdirAll(dir, directoryPermission); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	path := filepath.Join(dir, res.SessionID+".png")
	if err := os.WriteFile(path, res.heatmap, filePermission); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
