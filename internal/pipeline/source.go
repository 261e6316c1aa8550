// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pipeline implements the three acquisition stages — Source, Filter,
// Sink — that run as independent goroutines wired together by ringbuf
// channels, the Go counterpart of the original runtime's video_source,
// video_filter and video_sink threads.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acquire-run/video-runtime/internal/device"
	"github.com/acquire-run/video-runtime/internal/frame"
	"github.com/acquire-run/video-runtime/internal/ringbuf"
)

// maxSettingsRetries bounds the camera Set/readback retry loop: one initial
// attempt to apply a setting plus up to two retries, each failed attempt
// followed by a readback.
const maxSettingsRetries = 2

// Source drives one camera, writing captured frames into whichever of
// ToFilter/ToSink is currently the active target channel.
type Source struct {
	Camera   device.Camera
	Logger   *slog.Logger
	ToSink   *ringbuf.Channel
	ToFilter *ringbuf.Channel

	// MaxFrameCount bounds the number of frames captured before the source
	// stops on its own; zero means unbounded (run until Stop/Abort).
	MaxFrameCount uint64

	// AwaitFilterReset is invoked exactly once per transition away from the
	// filter channel (filter enabled -> disabled), and must not return until
	// the filter has discarded any in-flight accumulation.
	AwaitFilterReset func()
	SigStopFilter    func()
	SigStopSink      func()

	mu           sync.Mutex
	state        device.State
	enableFilter bool

	isRunning  atomic.Bool
	isStopping atomic.Bool
	wg         sync.WaitGroup
}

// NewSource constructs a Source in the Armed state.
func NewSource(camera device.Camera, toSink, toFilter *ringbuf.Channel, logger *slog.Logger) *Source {
	return &Source{
		Camera:   camera,
		Logger:   logger,
		ToSink:   toSink,
		ToFilter: toFilter,
		state:    device.StateArmed,
	}
}

// Configure applies camera settings with the original's retry-then-readback
// policy: each failed Set is followed by a Get before retrying, up to
// maxSettingsRetries retries after the first attempt, and a final Get always runs once settings are
// applied (even when the first Set succeeded), so the returned map always
// reflects what the camera actually has in effect.
func (s *Source) Configure(ctx context.Context, enableFilter bool, settings map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var applied map[string]any
	var lastErr error
	for attempt := 0; attempt <= maxSettingsRetries; attempt++ {
		got, err := s.Camera.Set(ctx, settings)
		if err == nil {
			applied = got
			lastErr = nil
			break
		}
		lastErr = err
		s.Camera.Get(ctx) //nolint:errcheck // read-back after a failed Set, matching try_camera_set
	}
	if lastErr != nil {
		return nil, fmt.Errorf("pipeline: applying camera settings: %w", lastErr)
	}

	final, err := s.Camera.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: reading back camera settings: %w", err)
	}
	s.enableFilter = enableFilter
	if applied == nil {
		applied = final
	}
	return final, nil
}

// Start transitions Armed -> Running and begins the capture goroutine.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != device.StateArmed {
		s.mu.Unlock()
		return fmt.Errorf("pipeline: source not armed")
	}
	if err := s.Camera.Start(ctx); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("pipeline: starting camera: %w", err)
	}
	s.state = device.StateRunning
	s.isStopping.Store(false)
	s.isRunning.Store(true)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// RequestStop asks the capture loop to exit after its current iteration.
func (s *Source) RequestStop() { s.isStopping.Store(true) }

// IsRunning reports whether the capture loop is still active.
func (s *Source) IsRunning() bool { return s.isRunning.Load() }

// Wait blocks until the capture goroutine has exited.
func (s *Source) Wait() { s.wg.Wait() }

// run is the capture loop: one iteration queries the current image shape,
// picks the active target channel, reserves a record-sized region, captures
// into it, and commits — mirroring video_source_thread exactly, including
// its unconditional cleanup on every exit path.
func (s *Source) run(ctx context.Context) {
	var target, lastTarget *ringbuf.Channel
	var emitted uint64
	var lastHwID uint64
	first := true

	for !s.isStopping.Load() && (s.MaxFrameCount == 0 || emitted < s.MaxFrameCount) {
		shape, err := s.Camera.ImageShape(ctx)
		if err != nil {
			s.Logger.Error("source: querying image shape", "error", err)
			break
		}

		s.mu.Lock()
		if s.enableFilter {
			target = s.ToFilter
		} else {
			target = s.ToSink
		}
		s.mu.Unlock()

		if !first && target != lastTarget && lastTarget == s.ToFilter {
			s.AwaitFilterReset()
		}
		first = false
		lastTarget = target

		nbytes := frame.HeaderSize + shape.BytesOfImage()
		region := target.WriteMap(nbytes)
		if region == nil {
			break // channel stopped accepting writes
		}

		n, info, err := s.Camera.GetFrame(ctx, region[frame.HeaderSize:])
		if err != nil {
			target.AbortWrite()
			s.Logger.Error("source: capturing frame", "error", err)
			break
		}
		if n == 0 {
			target.AbortWrite()
			continue
		}

		if emitted > 0 && info.HardwareFrameID > lastHwID+1 {
			s.Logger.Warn("source: hardware frame gap detected",
				"last_hardware_frame_id", lastHwID, "hardware_frame_id", info.HardwareFrameID)
		}
		lastHwID = info.HardwareFrameID

		hdr := frame.Header{
			BytesOfFrame:    uint64(nbytes),
			FrameID:         emitted,
			HardwareFrameID: info.HardwareFrameID,
			Timestamps: frame.Timestamps{
				Hardware:  info.HardwareTimestamp,
				AcqThread: uint64(time.Now().UnixNano()),
			},
			Shape: shape,
		}
		hdr.Encode(region)
		target.WriteUnmap()
		emitted++
	}

	s.SigStopFilter()
	s.SigStopSink()
	s.Camera.Stop(ctx)

	s.mu.Lock()
	s.state = device.StateArmed
	s.mu.Unlock()
	s.isStopping.Store(false)
	s.isRunning.Store(false)
}
