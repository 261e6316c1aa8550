// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

const exampleYAML = `
runtime:
  name: bay-3-acquisition
devices:
  cameras:
    sim0:
      type: sim
      pattern: empty
      width: 64
      height: 48
    sim1:
      type: sim
      pattern: random
      width: 64
      height: 48
  storages:
    trash0:
      type: trash
    local1:
      type: local
      dir: /var/lib/acquired/bay-3/stream-1
streams:
  - index: 0
    camera: sim0
    storage: trash0
    enable_filter: true
    frame_average_count: 4
    write_delay_ms: 250
    trigger:
      schedule: "*/5 * * * * *"
  - index: 1
    camera: sim1
    storage: local1
http:
  listen_address: 127.0.0.1:9090
logging:
  level: debug
  format: text
  file: /var/log/acquired/runtime.log
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadParsesStreamsAndOverrides(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, exampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Runtime.Name != "bay-3-acquisition" {
		t.Errorf("expected runtime.name 'bay-3-acquisition', got %q", cfg.Runtime.Name)
	}
	if len(cfg.Streams) != 2 {
		t.Fatalf("expected 2 stream entries, got %d", len(cfg.Streams))
	}
	if cfg.Streams[0].FrameAverageCount != 4 {
		t.Errorf("expected streams[0].frame_average_count 4, got %d", cfg.Streams[0].FrameAverageCount)
	}
	if cfg.Streams[0].Trigger.Schedule != "*/5 * * * * *" {
		t.Errorf("expected streams[0] trigger schedule, got %q", cfg.Streams[0].Trigger.Schedule)
	}
	if cfg.HTTP.ListenAddress != "127.0.0.1:9090" {
		t.Errorf("expected http.listen_address override, got %q", cfg.HTTP.ListenAddress)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected logging.level 'debug', got %q", cfg.Logging.Level)
	}
}

func TestLoadAppliesLoggingAndHTTPDefaults(t *testing.T) {
	const minimal = `
runtime:
  name: minimal
devices:
  cameras:
    sim0:
      type: sim
  storages:
    trash0:
      type: trash
streams:
  - index: 0
    camera: sim0
    storage: trash0
`
	cfg, err := Load(writeTempConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.ListenAddress != "127.0.0.1:8088" {
		t.Errorf("expected default listen address, got %q", cfg.HTTP.ListenAddress)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging level/format, got %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadRejectsMissingStreams(t *testing.T) {
	const noStreams = `
runtime:
  name: empty
`
	if _, err := Load(writeTempConfig(t, noStreams)); err == nil {
		t.Fatalf("expected an error when no streams are configured")
	}
}

func TestLoadRejectsDuplicateStreamIndex(t *testing.T) {
	const dup = `
runtime:
  name: dup
devices:
  cameras:
    sim0:
      type: sim
    sim1:
      type: sim
  storages:
    trash0:
      type: trash
streams:
  - index: 0
    camera: sim0
    storage: trash0
  - index: 0
    camera: sim1
    storage: trash0
`
	if _, err := Load(writeTempConfig(t, dup)); err == nil {
		t.Fatalf("expected an error on duplicate stream index")
	}
}

func TestLoadRejectsFilterWithoutEnoughFrameAverageCount(t *testing.T) {
	const badFilter = `
runtime:
  name: bad-filter
devices:
  cameras:
    sim0:
      type: sim
  storages:
    trash0:
      type: trash
streams:
  - index: 0
    camera: sim0
    storage: trash0
    enable_filter: true
    frame_average_count: 1
`
	if _, err := Load(writeTempConfig(t, badFilter)); err == nil {
		t.Fatalf("expected an error when enable_filter is set with frame_average_count < 2")
	}
}
