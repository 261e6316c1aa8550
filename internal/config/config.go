// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig representa a configuração completa do acquired.
type RuntimeConfig struct {
	Runtime RuntimeInfo   `yaml:"runtime"`
	Devices DeviceDefs    `yaml:"devices"`
	Streams []StreamEntry `yaml:"streams"`
	HTTP    HTTPInfo      `yaml:"http"`
	Logging LoggingInfo   `yaml:"logging"`
}

// DeviceDefs enumera os dispositivos disponíveis para seleção pelos
// streams, no mesmo estilo do map nome->definição usado para storages do
// backup agent.
type DeviceDefs struct {
	Cameras  map[string]CameraDef  `yaml:"cameras"`
	Storages map[string]StorageDef `yaml:"storages"`
}

// CameraDef define uma câmera simulada (type "sim" é o único backend
// atualmente suportado sem hardware real).
type CameraDef struct {
	Type                  string  `yaml:"type"` // "sim"
	Pattern               string  `yaml:"pattern"` // "empty" ou "random"
	Width                 uint32  `yaml:"width"`
	Height                uint32  `yaml:"height"`
	ExposureMs            float64 `yaml:"exposure_ms"`
	HardwareFrameGapEvery uint64  `yaml:"hardware_frame_gap_every"`
}

// StorageDef define um backend de storage: "trash" (descarta), "local"
// (arquivo local gzip) ou "s3" (objetos zstd no S3).
type StorageDef struct {
	Type   string `yaml:"type"`
	Dir    string `yaml:"dir"`    // usado por "local"
	Bucket string `yaml:"bucket"` // usado por "s3"
	Prefix string `yaml:"prefix"` // usado por "s3"
}

// RuntimeInfo identifica esta instância do runtime.
type RuntimeInfo struct {
	Name string `yaml:"name"`
}

// StreamEntry configura um dos NumStreams streams de vídeo.
type StreamEntry struct {
	Index             int           `yaml:"index"` // 0 ou 1
	Camera            string        `yaml:"camera"`
	Storage           string        `yaml:"storage"`
	EnableFilter      bool          `yaml:"enable_filter"`
	FrameAverageCount uint64        `yaml:"frame_average_count"`
	WriteDelayMs      float64       `yaml:"write_delay_ms"`
	MaxFrameCount     uint64        `yaml:"max_frame_count"` // 0 = ilimitado
	Trigger           TriggerConfig `yaml:"trigger"`
}

// TriggerConfig agenda disparos de software trigger via cron expression;
// Schedule vazio desabilita o agendamento para este stream.
type TriggerConfig struct {
	Schedule string `yaml:"schedule"`
}

// HTTPInfo contém o endereço de escuta da superfície HTTP de status/métricas.
type HTTPInfo struct {
	ListenAddress string `yaml:"listen_address"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Load lê e valida o arquivo YAML de configuração do runtime.
func Load(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading runtime config: %w", err)
	}

	var cfg RuntimeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing runtime config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating runtime config: %w", err)
	}

	return &cfg, nil
}

func (c *RuntimeConfig) validate() error {
	if c.Runtime.Name == "" {
		return fmt.Errorf("runtime.name is required")
	}
	if len(c.Streams) == 0 {
		return fmt.Errorf("streams must have at least one entry")
	}

	seen := map[int]bool{}
	for i, s := range c.Streams {
		if s.Index < 0 || s.Index > 1 {
			return fmt.Errorf("streams[%d].index must be 0 or 1, got %d", i, s.Index)
		}
		if seen[s.Index] {
			return fmt.Errorf("streams[%d].index %d is configured more than once", i, s.Index)
		}
		seen[s.Index] = true

		if s.Camera == "" && s.Storage == "" {
			continue // unused stream slot, mirrors the runtime's own skip-if-both-unset rule
		}
		if s.Camera == "" || s.Storage == "" {
			return fmt.Errorf("streams[%d] must set both camera and storage, or neither", i)
		}
		if _, ok := c.Devices.Cameras[s.Camera]; !ok {
			return fmt.Errorf("streams[%d].camera %q is not defined under devices.cameras", i, s.Camera)
		}
		if _, ok := c.Devices.Storages[s.Storage]; !ok {
			return fmt.Errorf("streams[%d].storage %q is not defined under devices.storages", i, s.Storage)
		}
		if s.EnableFilter && s.FrameAverageCount < 2 {
			return fmt.Errorf("streams[%d].frame_average_count must be >= 2 when enable_filter is set, got %d", i, s.FrameAverageCount)
		}
		if s.WriteDelayMs < 0 {
			return fmt.Errorf("streams[%d].write_delay_ms must be >= 0, got %v", i, s.WriteDelayMs)
		}
	}

	if c.HTTP.ListenAddress == "" {
		c.HTTP.ListenAddress = "127.0.0.1:8088"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// DefaultHostStatsInterval is the interval hoststats samples at; not
// currently exposed in YAML since one sane default covers every deployment
// this runtime targets.
const DefaultHostStatsInterval = 30 * time.Second
