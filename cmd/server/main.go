package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"abr-transcoder/internal/ingest"
	"abr-transcoder/internal/platform/config"
	"abr-transcoder/internal/platform/logger"
	"abr-transcoder/internal/platform/metrics"
	"abr-transcoder/internal/storagesync"
	"abr-transcoder/internal/transcode"

	child_process_manager "github.com/AgustinSRG/go-child-process-manager"
	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	profilesFile := config.GetEnv("PROFILES_FILE", "")
	outputRoot := config.GetEnv("OUTPUT_ROOT", "./work/live")

	log := logger.New(logLevel, logFormat)

	if err := child_process_manager.InitializeChildProcessManager(); err != nil {
		log.Error("init child process manager", "error", err)
		os.Exit(1)
	}
	defer child_process_manager.DisposeChildProcessManager()

	catalog, err := loadCatalog(profilesFile)
	if err != nil {
		log.Error("load profile catalog", "error", err)
		os.Exit(1)
	}
	if abs, err := filepath.Abs(outputRoot); err == nil {
		outputRoot = abs
	}

	met := metrics.New()
	sup := transcode.NewSupervisor(transcode.SupervisorConfig{
		Job: transcode.JobConfig{
			EncoderPath: config.GetEnv("FFMPEG_PATH", "ffmpeg"),
			RTMPBaseURL: config.GetEnv("RTMP_BASE_URL", "rtmp://127.0.0.1:1935/live"),
			OutputRoot:  outputRoot,
			GracePeriod: config.GetEnvDuration("STOP_GRACE_PERIOD", transcode.DefaultGracePeriod),
			Encoder: transcode.EncoderOptions{
				VideoCodec:   config.GetEnv("ENCODER_VIDEO_CODEC", ""),
				AudioCodec:   config.GetEnv("ENCODER_AUDIO_CODEC", ""),
				Preset:       config.GetEnv("ENCODER_PRESET", ""),
				AudioBitrate: config.GetEnv("ENCODER_AUDIO_BITRATE", ""),
			},
		},
		HealthCheckInterval: config.GetEnvDuration("HEALTH_CHECK_INTERVAL", transcode.DefaultHealthCheckInterval),
		MaxRestarts:         config.GetEnvInt("MAX_RESTARTS", transcode.DefaultMaxRestarts),
	}, catalog, transcode.NewInMemoryRepository(), transcode.ExecLauncher{}, log, met)

	h := transcode.NewHandler(sup, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var bg sync.WaitGroup

	syncer := newSyncer(log, met)
	if syncer != nil {
		sup.AddObserver(syncer)
		h.SetURLResolver(syncer)
		bg.Add(1)
		go func() {
			defer bg.Done()
			syncer.Run(ctx)
		}()
	}

	bg.Add(1)
	go func() {
		defer bg.Done()
		sup.Run(ctx)
	}()

	var sub *ingest.Subscriber
	if addr := config.GetEnv("REDIS_ADDR", ""); addr != "" {
		sub, err = ingest.NewSubscriber(ingest.Config{
			Addr:     addr,
			Password: config.GetEnv("REDIS_PASSWORD", ""),
			Channel:  config.GetEnv("INGEST_CHANNEL", ingest.DefaultChannel),
		}, sup, log)
		if err != nil {
			log.Error("create ingest subscriber", "error", err)
			os.Exit(1)
		}
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := sub.Run(ctx); err != nil {
				log.Error("ingest subscriber stopped", "error", err)
			}
		}()
	}

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveJobs(sup.ActiveCount()) }).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"output_root", outputRoot,
		"profiles", catalog.Len(),
		"log_level", logLevel,
		"storage_sync", syncer != nil,
		"ingest_subscriber", sub != nil,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			break
		}
		reloadCatalog(log, sup, profilesFile)
	}
	signal.Stop(sigCh)

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}

	// Stop producers of lifecycle events before stopping the jobs.
	cancel()
	bg.Wait()
	if sub != nil {
		_ = sub.Close()
	}

	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Error("stopping jobs", "error", err)
	}
	if syncer != nil {
		_ = syncer.Close()
	}

	log.Info("server stopped")
}

func loadCatalog(path string) (*transcode.Catalog, error) {
	if path == "" {
		return transcode.DefaultCatalog(), nil
	}
	return transcode.LoadCatalogFile(path)
}

func reloadCatalog(log *slog.Logger, sup *transcode.Supervisor, path string) {
	if path == "" {
		log.Info("SIGHUP ignored, no PROFILES_FILE configured")
		return
	}
	c, err := transcode.LoadCatalogFile(path)
	if err != nil {
		log.Error("reload profile catalog, keeping current", "error", err)
		return
	}
	sup.SetCatalog(c)
}

// newSyncer builds StorageSync from the environment. It prefers S3 and
// falls back to the directory mirror; nil means syncing is off.
func newSyncer(log *slog.Logger, met *metrics.Metrics) *storagesync.Syncer {
	if !config.GetEnvBool("SYNC_ENABLED", false) {
		return nil
	}

	var up storagesync.Uploader = storagesync.NewS3Uploader(storagesync.S3Config{
		Endpoint:       config.GetEnv("S3_ENDPOINT", ""),
		Region:         config.GetEnv("S3_REGION", ""),
		Bucket:         config.GetEnv("S3_BUCKET", ""),
		AccessKey:      config.GetEnv("S3_ACCESS_KEY", ""),
		SecretKey:      config.GetEnv("S3_SECRET_KEY", ""),
		UseSSL:         config.GetEnvBool("S3_USE_SSL", false),
		Prefix:         config.GetEnv("S3_PREFIX", ""),
		PublicEndpoint: config.GetEnv("S3_PUBLIC_ENDPOINT", ""),
	})
	if !up.Enabled() {
		up = storagesync.NewDirMirror(config.GetEnv("PUBLIC_DIR", ""), config.GetEnv("PUBLIC_BASE_URL", ""))
	}
	if !up.Enabled() {
		log.Warn("SYNC_ENABLED set but neither S3_BUCKET nor PUBLIC_DIR is configured, storage sync disabled")
		return nil
	}

	interval := config.GetEnvDuration("SYNC_INTERVAL", storagesync.DefaultInterval)
	s, err := storagesync.New(storagesync.Config{
		Interval:    interval,
		MinAge:      transcode.SegmentSeconds * time.Second,
		Concurrency: config.GetEnvInt("SYNC_CONCURRENCY", storagesync.DefaultConcurrency),
	}, up, log.With("component", "storagesync"), met)
	if err != nil {
		log.Error("create storage sync, continuing without it", "error", err)
		return nil
	}
	return s
}
