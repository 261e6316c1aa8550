// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package trashstore implements the "trash" storage device used by test
// scenarios that only care about acquisition bookkeeping (spec scenarios
// S1-S3, S5, S6): it discards every appended frame record immediately.
package trashstore

import (
	"context"
	"sync"

	"github.com/acquire-run/video-runtime/internal/device"
	"github.com/acquire-run/video-runtime/internal/frame"
)

// Storage discards everything appended to it, while still tracking the
// byte count for diagnostics.
type Storage struct {
	id device.Identifier

	mu           sync.Mutex
	state        device.State
	bytesWritten uint64
}

// New constructs a trash storage device in the Armed state.
func New(id device.Identifier) *Storage {
	return &Storage{id: id, state: device.StateArmed}
}

func (s *Storage) Identifier() device.Identifier { return s.id }

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = device.StateClosed
	return nil
}

func (s *Storage) Set(ctx context.Context, settings map[string]any) error { return nil }

func (s *Storage) Get(ctx context.Context) (map[string]any, error) { return map[string]any{}, nil }

func (s *Storage) Meta() map[string]string {
	return map[string]string{"backend": "trash"}
}

func (s *Storage) ReserveImageShape(ctx context.Context, shape frame.Shape) error { return nil }

func (s *Storage) State() device.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Storage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = device.StateRunning
	return nil
}

func (s *Storage) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = device.StateArmed
	return nil
}

func (s *Storage) Append(ctx context.Context, records []byte) error {
	s.mu.Lock()
	s.bytesWritten += uint64(len(records))
	s.mu.Unlock()
	return nil
}

// BytesWritten reports the cumulative size of everything appended so far,
// for tests that want to assert on throughput without keeping the data.
func (s *Storage) BytesWritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesWritten
}
