// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package localstore implements a local-filesystem storage device: frame
// records are appended to a gzip'd segment file, written atomically (temp
// file, then renamed into place on Stop) the same way the teacher's
// AtomicWriter seals a completed backup archive.
package localstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/acquire-run/video-runtime/internal/device"
	"github.com/acquire-run/video-runtime/internal/frame"
)

// Options configures a local storage device.
type Options struct {
	Identifier device.Identifier
	Dir        string
	// FileName, if set, names the sealed segment file; otherwise one is
	// derived from a timestamp, mirroring change-file-name.cpp's free-form
	// "filename" setting.
	FileName string
	// ExternalMetadata is an opaque string blob, independent of the frame
	// stream (change-external-metadata.cpp). It is kept in memory and
	// reported by Get; it is not written to disk with the segment.
	ExternalMetadata string
}

// Storage writes sealed, gzip-compressed segment files under Dir.
type Storage struct {
	opts Options

	mu        sync.Mutex
	state     device.State
	shape     frame.Shape
	tmpPath   string
	tmpFile   *os.File
	gz        *pgzip.Writer
	committed bool
}

// New constructs a local storage device in the Armed state. The directory
// is created eagerly, matching NewAtomicWriter's MkdirAll-on-construction
// behavior.
func New(opts Options) (*Storage, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("localstore: creating directory: %w", err)
	}
	return &Storage{opts: opts, state: device.StateArmed}, nil
}

func (s *Storage) Identifier() device.Identifier { return s.opts.Identifier }

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = device.StateClosed
	return nil
}

func (s *Storage) Set(ctx context.Context, settings map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := settings["filename"].(string); ok {
		s.opts.FileName = v
	}
	if v, ok := settings["external_metadata"].(string); ok {
		s.opts.ExternalMetadata = v
	}
	return nil
}

func (s *Storage) Get(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"filename":          s.opts.FileName,
		"external_metadata": s.opts.ExternalMetadata,
		"dir":               s.opts.Dir,
	}, nil
}

func (s *Storage) Meta() map[string]string {
	return map[string]string{"backend": "local", "dir": s.opts.Dir}
}

func (s *Storage) ReserveImageShape(ctx context.Context, shape frame.Shape) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shape = shape
	return nil
}

func (s *Storage) State() device.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start opens a fresh temp file under Dir and wraps it in a parallel gzip
// writer, the same "write to .tmp, seal on success" shape as AtomicWriter.
func (s *Storage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.CreateTemp(s.opts.Dir, "segment-*.tmp")
	if err != nil {
		return fmt.Errorf("localstore: creating temp file: %w", err)
	}
	s.tmpFile = f
	s.tmpPath = f.Name()
	s.gz = pgzip.NewWriter(f)
	s.committed = false
	s.state = device.StateRunning
	return nil
}

// Stop flushes and closes the gzip stream, then renames the temp file to
// its final sealed name, exactly mirroring AtomicWriter.Commit.
func (s *Storage) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tmpFile == nil {
		s.state = device.StateArmed
		return nil
	}
	if err := s.gz.Close(); err != nil {
		s.tmpFile.Close()
		os.Remove(s.tmpPath)
		s.state = device.StateArmed
		return fmt.Errorf("localstore: closing gzip stream: %w", err)
	}
	if err := s.tmpFile.Close(); err != nil {
		os.Remove(s.tmpPath)
		s.state = device.StateArmed
		return fmt.Errorf("localstore: closing temp file: %w", err)
	}

	finalName := s.opts.FileName
	if finalName == "" {
		finalName = fmt.Sprintf("%s.seg.gz", time.Now().UTC().Format("2006-01-02T15-04-05.000"))
	}
	finalPath := filepath.Join(s.opts.Dir, finalName)
	if err := os.Rename(s.tmpPath, finalPath); err != nil {
		s.state = device.StateArmed
		return fmt.Errorf("localstore: renaming temp to final: %w", err)
	}

	s.committed = true
	s.tmpFile = nil
	s.gz = nil
	s.state = device.StateArmed
	return nil
}

// Append writes a contiguous run of already-encoded frame records to the
// open gzip stream.
func (s *Storage) Append(ctx context.Context, records []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gz == nil {
		return fmt.Errorf("localstore: append called while not running")
	}
	_, err := s.gz.Write(records)
	return err
}
