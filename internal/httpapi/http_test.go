// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/acquire-run/video-runtime/internal/device"
	"github.com/acquire-run/video-runtime/internal/hoststats"
)

type mockStreams struct {
	state       device.State
	bytesByIdx  map[int]int
	errByIdx    map[int]error
}

func (m *mockStreams) GetState() device.State { return m.state }

func (m *mockStreams) BytesWaitingToBeWrittenToDisk(istream int) (int, error) {
	if err, ok := m.errByIdx[istream]; ok {
		return 0, err
	}
	return m.bytesByIdx[istream], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealth_ReturnsOK(t *testing.T) {
	rt := &mockStreams{state: device.StateArmed, bytesByIdx: map[int]int{}}
	stats := hoststats.New(testLogger(), t.TempDir(), time.Hour)

	router := NewRouter(2, rt, stats)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", resp.Status)
	}
	if resp.Stats == nil || resp.Stats.CPUCores <= 0 {
		t.Error("expected non-nil stats with cpu_cores > 0")
	}
}

func TestStreams_ReportsPerStreamBytesWaiting(t *testing.T) {
	rt := &mockStreams{
		state:      device.StateRunning,
		bytesByIdx: map[int]int{0: 128, 1: 256},
	}
	stats := hoststats.New(testLogger(), t.TempDir(), time.Hour)

	router := NewRouter(2, rt, stats)

	req := httptest.NewRequest("GET", "/api/v1/streams", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp StreamsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp.Streams) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(resp.Streams))
	}
	if resp.Streams[0].BytesWaitingOnDisk != 128 || resp.Streams[1].BytesWaitingOnDisk != 256 {
		t.Errorf("unexpected bytes waiting: %+v", resp.Streams)
	}
	if resp.OverallState != device.StateRunning.String() {
		t.Errorf("expected overall state %q, got %q", device.StateRunning.String(), resp.OverallState)
	}
}

func TestStreams_SurfacesPerStreamError(t *testing.T) {
	rt := &mockStreams{
		state:      device.StateAwaitingConfiguration,
		bytesByIdx: map[int]int{},
		errByIdx:   map[int]error{0: errBadStream{}},
	}
	stats := hoststats.New(testLogger(), t.TempDir(), time.Hour)

	router := NewRouter(1, rt, stats)

	req := httptest.NewRequest("GET", "/api/v1/streams", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp StreamsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Streams[0].BytesWaitingUnmapErr == "" {
		t.Error("expected a surfaced error string for stream 0")
	}
}

type errBadStream struct{}

func (errBadStream) Error() string { return "stream not configured" }

func TestMetrics_ExposesPrometheusText(t *testing.T) {
	rt := &mockStreams{state: device.StateArmed, bytesByIdx: map[int]int{0: 42}}
	stats := hoststats.New(testLogger(), t.TempDir(), time.Hour)

	router := NewRouter(1, rt, stats)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "acquired_stream_bytes_waiting{stream=\"0\"} 42") {
		t.Errorf("expected stream gauge in prometheus output, got: %s", body)
	}
}
