package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audio-recorder/internal/capture"
	"audio-recorder/internal/config"
	"audio-recorder/internal/device"
	"audio-recorder/internal/realtime"
	"audio-recorder/internal/recorder"
	"audio-recorder/internal/watcher"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(cfg config.Config) error {
	if cfg.LogFile != "" {
		logFile := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: 3,
		}
		defer logFile.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider := device.NewExecProvider(cfg.Capture.Command)
	provider.GracefulTimeout = cfg.Capture.StopTimeout

	// Callbacks are wired to the realtime server once it exists.
	var rtServer *realtime.Server

	rec, err := recorder.New(recorder.Options{
		Provider:    provider,
		Constraints: cfg.Capture.Constraints(),
		OnComplete: func(a capture.Artifact) {
			log.Printf("recording saved: %d bytes (%s)", a.Size(), a.MIMEType)
			if rtServer != nil {
				rtServer.OnRecordingComplete(a)
			}
			if cfg.CompleteHook != "" {
				go func() {
					if err := runCompleteHook(ctx, cfg.CompleteHook, a); err != nil {
						log.Printf("%v", err)
					}
				}()
			}
		},
		OnAcquireFailed: func(err error) {
			log.Printf("acquire failed: %v", err)
			if rtServer != nil {
				rtServer.OnAcquireFailed(err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	defer rec.Close()

	devWatch := watcher.New(cfg.DeviceDir, func(devices []device.Device) {
		log.Printf("capture devices: %d", len(devices))
		if rtServer != nil {
			rtServer.OnDevicesUpdate(devices)
		}
	})

	rtServer = realtime.New(rec, devWatch, cfg.StaticDir)

	if err := devWatch.Watch(); err != nil {
		log.Printf("device watcher disabled: %v", err)
	}
	defer devWatch.Shutdown()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: rtServer.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("audio recorder running on http://localhost:%d", cfg.Port)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down...")
		rec.Cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
