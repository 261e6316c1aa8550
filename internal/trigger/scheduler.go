// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package trigger schedules software camera triggers on a cron expression,
// one independent cron entry per configured stream, the same "N independent
// cron jobs sharing one cron.Cron" shape the backup scheduler uses for its
// per-backup entries.
package trigger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Triggerer is the subset of the runtime controller the scheduler drives.
type Triggerer interface {
	ExecuteTrigger(ctx context.Context, istream int) error
}

// StreamSchedule pairs a stream index with the cron expression that should
// fire its software trigger; an empty Schedule means the stream is
// free-running and is skipped.
type StreamSchedule struct {
	Stream   int
	Schedule string
}

// Scheduler fires ExecuteTrigger calls on a cron schedule, one independent
// job per configured stream.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	count  int
}

// NewScheduler builds a Scheduler with one cron job per non-empty schedule
// in entries.
func NewScheduler(rt Triggerer, entries []StreamSchedule, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		logger: logger,
		cron:   cron.New(cron.WithSeconds(), cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug)))),
	}

	for _, e := range entries {
		if e.Schedule == "" {
			continue
		}
		istream := e.Stream
		if _, err := s.cron.AddFunc(e.Schedule, func() {
			if err := rt.ExecuteTrigger(context.Background(), istream); err != nil {
				logger.Error("trigger: executing scheduled trigger", "stream", istream, "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("trigger: adding cron job for stream %d: %w", istream, err)
		}
		s.count++
		logger.Info("registered trigger schedule", "stream", istream, "schedule", e.Schedule)
	}

	return s, nil
}

// Start begins firing scheduled triggers.
func (s *Scheduler) Start() {
	s.logger.Info("trigger scheduler started", "jobs", s.count)
	s.cron.Start()
}

// Stop stops the scheduler and waits for any trigger call in flight.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("trigger scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("trigger scheduler stop timed out")
	}
}
