// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acquire-run/video-runtime/internal/config"
	"github.com/acquire-run/video-runtime/internal/device"
	"github.com/acquire-run/video-runtime/internal/hoststats"
	"github.com/acquire-run/video-runtime/internal/httpapi"
	"github.com/acquire-run/video-runtime/internal/logging"
	"github.com/acquire-run/video-runtime/internal/runtime"
	"github.com/acquire-run/video-runtime/internal/trigger"
)

func main() {
	configPath := flag.String("config", "/etc/acquired/runtime.yaml", "path to runtime config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if err := runDaemon(*cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

// runDaemon wires the device registry, runtime controller, trigger
// scheduler, host-stats monitor, and status HTTP server, then blocks until
// SIGTERM or SIGINT.
func runDaemon(cfg config.RuntimeConfig, logger *slog.Logger) error {
	logger.Info("starting acquired", "runtime", cfg.Runtime.Name, "streams", len(cfg.Streams))

	ctx := context.Background()

	devices, err := buildDeviceManager(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("building device manager: %w", err)
	}

	rt := runtime.New(devices, logger)

	var streamCfgs [runtime.NumStreams]runtime.StreamConfig
	var schedules []trigger.StreamSchedule
	for _, entry := range cfg.Streams {
		if entry.Index < 0 || entry.Index >= runtime.NumStreams {
			return fmt.Errorf("stream index %d out of range", entry.Index)
		}
		sc := runtime.StreamConfig{
			EnableFilter:      entry.EnableFilter,
			FrameAverageCount: entry.FrameAverageCount,
			WriteDelayMs:      entry.WriteDelayMs,
			MaxFrameCount:     entry.MaxFrameCount,
		}
		if entry.Camera != "" {
			sc.Camera = device.Identifier{Kind: device.KindCamera, Name: entry.Camera}
		}
		if entry.Storage != "" {
			sc.Storage = device.Identifier{Kind: device.KindStorage, Name: entry.Storage}
		}
		streamCfgs[entry.Index] = sc

		if entry.Trigger.Schedule != "" {
			schedules = append(schedules, trigger.StreamSchedule{Stream: entry.Index, Schedule: entry.Trigger.Schedule})
		}
	}

	if err := rt.Configure(ctx, streamCfgs); err != nil {
		return fmt.Errorf("configuring runtime: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("starting runtime: %w", err)
	}

	sched, err := trigger.NewScheduler(rt, schedules, logger)
	if err != nil {
		return fmt.Errorf("creating trigger scheduler: %w", err)
	}
	sched.Start()

	stats := hoststats.New(logger, "/", config.DefaultHostStatsInterval)
	stats.Start()

	router := httpapi.NewRouter(runtime.NumStreams, rt, stats)
	httpSrv := &http.Server{Addr: cfg.HTTP.ListenAddress, Handler: router}
	go func() {
		logger.Info("status http listening", "address", cfg.HTTP.ListenAddress)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status http server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	httpSrv.Shutdown(shutdownCtx)
	sched.Stop(shutdownCtx)
	stats.Stop()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Error("runtime shutdown", "error", err)
	}

	return nil
}
