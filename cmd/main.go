package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/eyesense/gazemap/internal/adapters/http/api"
	"github.com/eyesense/gazemap/internal/adapters/http/swagger"
	"github.com/eyesense/gazemap/internal/adapters/stimulus"
	"github.com/eyesense/gazemap/internal/adapters/storage"
	service "github.com/eyesense/gazemap/internal/app"
	"github.com/eyesense/gazemap/internal/config"
	"github.com/eyesense/gazemap/internal/domain/heatmap"
	"github.com/eyesense/gazemap/pkg/logger"
	"github.com/eyesense/gazemap/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout               = 30 * time.Second
	writeTimeout              = 30 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logger.InitWithFormat(cfg.LogFormat); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "gazemap exited", logger.Error(err))
		os.Exit(1)
	}
}

// app holds the wired components behind the HTTP server.
type app struct {
	store *storage.SQLStore
	svc   *service.Service
	mux   *http.ServeMux
}

// build opens storage, starts the session service and registers routes.
func build(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	store, err := storage.Open(ctx, cfg.StorageDriver, cfg.StorageDSN, storage.WithLogger(log.Named("storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	resolver := stimulus.NewResolver(store,
		stimulus.WithTimeout(cfg.StimulusFetchTimeout()),
		stimulus.WithMaxBytes(cfg.MaxStimulusBytes),
		stimulus.WithLogger(log.Named("stimulus")),
	)

	svc := service.New(store, resolver,
		service.WithLogger(log.Named("service")),
		service.WithWorkerCount(cfg.SynthesisWorkers),
		service.WithQueueSize(cfg.SynthesisQueueSize),
		service.WithDedupeSize(cfg.DedupeSize),
		service.WithClicksRequired(cfg.ClicksRequired),
		service.WithTrackingDuration(cfg.TrackingDuration()),
		service.WithCalibrationDelay(cfg.CalibrationDelay()),
		service.WithPermissionTimeout(cfg.PermissionTimeout()),
		service.WithSessionTTL(cfg.SessionTTL()),
		service.WithMaxSessions(cfg.MaxSessions),
		service.WithHeatmapOptions(
			heatmap.WithSigma(cfg.HeatmapSigma),
			heatmap.WithAlpha(cfg.HeatmapAlpha),
			heatmap.WithColormap(cfg.HeatmapColormap),
		),
	)
	if err := svc.Start(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("start service: %w", err)
	}

	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc, svc, api.WithMaxImageBytes(cfg.MaxStimulusBytes)).Register(ctx, mux)

	return &app{store: store, svc: svc, mux: mux}, nil
}

// close stops the service before the store it writes to.
func (a *app) close(ctx context.Context) error {
	return errors.Join(a.svc.Stop(ctx), a.store.Close())
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}

	go startSystemMetricsUpdater(ctx, metrics.RefreshInterval())
	go startServiceMetricsUpdater(ctx, a.svc, metrics.RefreshInterval())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info(ctx, "shutting down server...")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if sErr := srv.Shutdown(shutdownCtx); sErr != nil {
		log.Error(shutdownCtx, "server shutdown failed", logger.Error(sErr))
	}
	if cErr := a.close(shutdownCtx); cErr != nil {
		log.Error(shutdownCtx, "service shutdown failed", logger.Error(cErr))
	}

	log.Info(shutdownCtx, "server stopped")
	return err
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater starts a background goroutine that updates service metrics.
func startServiceMetricsUpdater(ctx context.Context, svc *service.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(svc)
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

// updateServiceMetrics updates service-level metrics.
func updateServiceMetrics(svc *service.Service) {
	stats := svc.GetStats()

	if queueLen, ok := stats["queueLength"].(int); ok {
		metrics.UpdateQueueSize(queueLen)
	}
	if workerCount, ok := stats["workerCount"].(int); ok {
		metrics.UpdateWorkerCount(workerCount)
	}
}
