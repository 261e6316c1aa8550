// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package hoststats periodically samples host resource usage, exposed
// through the HTTP status surface alongside per-stream acquisition state.
package hoststats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats holds the most recently collected host metrics.
type Stats struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	LoadAverage      float64
}

// Monitor collects Stats on a fixed interval.
type Monitor struct {
	logger   *slog.Logger
	diskPath string
	interval time.Duration

	close chan struct{}
	wg    sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// New constructs a Monitor that samples diskPath's free space and general
// host load every interval.
func New(logger *slog.Logger, diskPath string, interval time.Duration) *Monitor {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Monitor{
		logger:   logger.With("component", "hoststats"),
		diskPath: diskPath,
		interval: interval,
		close:    make(chan struct{}),
	}
}

// Start begins periodic collection, sampling once immediately.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop stops collection and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	close(m.close)
	m.wg.Wait()
}

// Stats returns the most recently collected snapshot.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	var s Stats

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		s.CPUPercent = percentage[0]
	} else {
		m.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = v.UsedPercent
	} else {
		m.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage(m.diskPath); err == nil {
		s.DiskUsagePercent = d.UsedPercent
	} else {
		m.logger.Debug("failed to collect disk stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		s.LoadAverage = l.Load1
	} else {
		m.logger.Debug("failed to collect load stats", "error", err)
	}

	m.mu.Lock()
	m.stats = s
	m.mu.Unlock()
}
