package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/openloupe/screencapd/cmd/api/api"
	"github.com/openloupe/screencapd/cmd/config"
	"github.com/openloupe/screencapd/lib/capture"
	"github.com/openloupe/screencapd/lib/catalog"
	"github.com/openloupe/screencapd/lib/encoder"
	"github.com/openloupe/screencapd/lib/events"
	"github.com/openloupe/screencapd/lib/logger"
	"github.com/openloupe/screencapd/lib/permission"
	"github.com/openloupe/screencapd/lib/recording"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Load configuration from environment variables
	config, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("daemon configuration", "config", config)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.AddToContext(ctx, slogger)

	// ensure ffmpeg is available
	mustFFmpeg(config.PathToFFmpeg)

	if err := os.MkdirAll(config.OutputDir, 0o755); err != nil {
		slogger.Error("failed to create output directory", "dir", config.OutputDir, "err", err)
		os.Exit(1)
	}

	cat, err := catalog.Open(config.CatalogDBPath)
	if err != nil {
		slogger.Error("failed to open recording catalog", "err", err)
		os.Exit(1)
	}
	defer cat.Close()
	if err := cat.Reconcile(ctx); err != nil {
		slogger.Warn("catalog reconcile failed", "err", err)
	}

	watcher, err := catalog.NewWatcher(cat, config.OutputDir)
	if err != nil {
		slogger.Error("failed to watch output directory", "err", err)
		os.Exit(1)
	}

	broadcaster := events.NewBroadcaster()

	coordinator := recording.New(recording.Params{
		Broker: permission.NewX11Broker(config.DisplayNum),
		Tokens: permission.NewTokenStore(config.TokenStorePath),
		SourceFactory: func(grant permission.Grant) (capture.Source, error) {
			return capture.NewX11GrabSource(config.PathToFFmpeg, int(grant.StreamID)), nil
		},
		AudioSources:         encoder.NewPulseAudioProvider(config.PathToPactl),
		Store:                cat,
		Emitter:              broadcaster,
		OutputDir:            config.OutputDir,
		FFmpegPath:           config.PathToFFmpeg,
		FFprobePath:          config.PathToFFprobe,
		DefaultFramerate:     config.FrameRate,
		CaptureWidth:         config.CaptureWidth,
		CaptureHeight:        config.CaptureHeight,
		FrameChannelCapacity: config.FrameChannelCapacity,
		FrameSendTimeout:     config.FrameSendTimeout,
		DrainWindow:          config.DrainWindow,
		MaxDuration:          config.MaxRecordingDuration,
		PermissionTimeout:    config.PermissionTimeout,
		TokenRestoreTimeout:  config.TokenRestoreTimeout,
	})

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctxWithLogger := logger.AddToContext(req.Context(), slogger)
				next.ServeHTTP(w, req.WithContext(ctxWithLogger))
			})
		},
	)

	apiService := api.New(coordinator, cat, broadcaster)
	apiService.Routes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: r,
	}

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		coordinator.Run(ctx)
	}()
	go func() {
		if werr := watcher.Run(ctx); werr != nil && werr != context.Canceled {
			slogger.Warn("directory watcher exited", "err", werr)
		}
	}()

	go func() {
		slogger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Shutdown(context.Background())
	})
	g.Go(func() error {
		return apiService.Shutdown(ctx)
	})
	g.Go(func() error {
		// the coordinator's teardown kills encoder process groups and
		// removes scratch directories; the process must outlive it
		<-coordDone
		return nil
	})

	if err := g.Wait(); err != nil {
		slogger.Error("server failed to shutdown", "err", err)
	}
}

func mustFFmpeg(path string) {
	cmd := exec.Command(path, "-version")
	if err := cmd.Run(); err != nil {
		panic(fmt.Errorf("ffmpeg not found or not executable: %w", err))
	}
}
