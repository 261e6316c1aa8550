// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package httpapi exposes a read-only JSON status/metrics surface over the
// runtime controller, the acquisition counterpart of the backup server's
// observability package.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	goruntime "runtime"
	"time"

	"github.com/acquire-run/video-runtime/internal/device"
	"github.com/acquire-run/video-runtime/internal/hoststats"
)

// startTime records process start for uptime reporting.
var startTime = time.Now()

// Version is set via -ldflags at build time.
var Version = "dev"

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Version string        `json:"version"`
	Go      string        `json:"go"`
	Stats   *ProcessStats `json:"stats,omitempty"`
}

// ProcessStats mirrors the teacher's runtime.MemStats-derived diagnostics.
type ProcessStats struct {
	GoRoutines  int     `json:"go_routines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	HeapSysMB   float64 `json:"heap_sys_mb"`
	CPUCores    int     `json:"cpu_cores"`
}

// StreamStatus is one entry of GET /api/v1/streams.
type StreamStatus struct {
	Index                int    `json:"index"`
	State                string `json:"state"`
	BytesWaitingOnDisk   int    `json:"bytes_waiting_on_disk,omitempty"`
	BytesWaitingUnmapErr string `json:"bytes_waiting_error,omitempty"`
}

// StreamsResponse is returned by GET /api/v1/streams.
type StreamsResponse struct {
	OverallState string         `json:"overall_state"`
	Streams      []StreamStatus `json:"streams"`
}

// HostStatsResponse is returned by GET /api/v1/hoststats.
type HostStatsResponse struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	LoadAverage      float64 `json:"load_average"`
}

// StreamsSource abstracts over the runtime controller enough for the status
// endpoints, without creating an import cycle between runtime and httpapi.
type StreamsSource interface {
	GetState() device.State
	BytesWaitingToBeWrittenToDisk(istream int) (int, error)
}

// NewRouter builds the read-only status/metrics http.Handler.
func NewRouter(numStreams int, rt StreamsSource, stats *hoststats.Monitor) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", handleHealth)
	mux.HandleFunc("GET /api/v1/streams", makeStreamsHandler(numStreams, rt))
	mux.HandleFunc("GET /api/v1/hoststats", makeHostStatsHandler(stats))
	mux.HandleFunc("GET /metrics", makePrometheusHandler(numStreams, rt, stats))

	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(startTime)

	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:  "ok",
		Uptime:  uptime.String(),
		Version: Version,
		Go:      goruntime.Version(),
		Stats: &ProcessStats{
			GoRoutines:  goruntime.NumGoroutine(),
			HeapAllocMB: float64(mem.HeapAlloc) / (1024 * 1024),
			HeapSysMB:   float64(mem.HeapSys) / (1024 * 1024),
			CPUCores:    goruntime.NumCPU(),
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func makeStreamsHandler(numStreams int, rt StreamsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StreamsResponse{OverallState: rt.GetState().String()}
		for i := 0; i < numStreams; i++ {
			s := StreamStatus{Index: i, State: rt.GetState().String()}
			if n, err := rt.BytesWaitingToBeWrittenToDisk(i); err != nil {
				s.BytesWaitingUnmapErr = err.Error()
			} else {
				s.BytesWaitingOnDisk = n
			}
			resp.Streams = append(resp.Streams, s)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func makeHostStatsHandler(stats *hoststats.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := stats.Stats()
		writeJSON(w, http.StatusOK, HostStatsResponse{
			CPUPercent:       s.CPUPercent,
			MemoryPercent:    s.MemoryPercent,
			DiskUsagePercent: s.DiskUsagePercent,
			LoadAverage:      s.LoadAverage,
		})
	}
}

// makePrometheusHandler exposes a minimal Prometheus text-format surface
// without depending on client_golang, matching the teacher's own
// from-scratch exposition format.
func makePrometheusHandler(numStreams int, rt StreamsSource, stats *hoststats.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		hs := stats.Stats()
		fmt.Fprintf(w, "# TYPE acquired_cpu_percent gauge\nacquired_cpu_percent %f\n", hs.CPUPercent)
		fmt.Fprintf(w, "# TYPE acquired_memory_percent gauge\nacquired_memory_percent %f\n", hs.MemoryPercent)
		fmt.Fprintf(w, "# TYPE acquired_disk_usage_percent gauge\nacquired_disk_usage_percent %f\n", hs.DiskUsagePercent)

		fmt.Fprintf(w, "# TYPE acquired_stream_bytes_waiting gauge\n")
		for i := 0; i < numStreams; i++ {
			n, err := rt.BytesWaitingToBeWrittenToDisk(i)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "acquired_stream_bytes_waiting{stream=\"%d\"} %d\n", i, n)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
