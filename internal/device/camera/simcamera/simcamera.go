// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package simcamera implements an in-process simulated camera used by the
// runtime's own test scenarios (spec scenarios S1-S6: "simulated empty",
// "simulated random") and by anyone exercising the runtime without real
// hardware.
package simcamera

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acquire-run/video-runtime/internal/device"
	"github.com/acquire-run/video-runtime/internal/frame"
)

// Pattern selects what GetFrame fills the payload with.
type Pattern int

const (
	// PatternEmpty fills every frame with zeros — cheap, deterministic,
	// used by scenarios that only care about frame bookkeeping (S1-S3, S6).
	PatternEmpty Pattern = iota
	// PatternRandom fills every frame with independent uniform bytes —
	// used by scenarios that check statistical properties of filtering
	// (S4).
	PatternRandom
)

// Options configures a simulated camera at construction time.
type Options struct {
	Identifier device.Identifier
	Pattern    Pattern
	Shape      frame.Shape
	ExposureMs float64
	// HardwareFrameGapEvery, if > 0, drops one hardware frame id every N
	// frames (S5: "hw frame gaps"), without ever reporting fewer software
	// frames than requested.
	HardwareFrameGapEvery uint64
}

// Camera is a software-only stand-in for a real device.
type Camera struct {
	opts Options

	mu       sync.Mutex
	state    device.State
	shape    frame.Shape
	rng      *rand.Rand
	hwFrame  uint64
	softIter uint64

	stopping int32
}

// New constructs a simulated camera in the Armed state, analogous to
// camera_open followed by an implicit arm.
func New(opts Options) *Camera {
	return &Camera{
		opts:  opts,
		state: device.StateArmed,
		shape: opts.Shape,
		rng:   rand.New(rand.NewSource(1)),
	}
}

func (c *Camera) Identifier() device.Identifier { return c.opts.Identifier }

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = device.StateClosed
	return nil
}

func (c *Camera) Set(ctx context.Context, settings map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := settings["exposure_ms"].(float64); ok {
		c.opts.ExposureMs = v
	}
	if v, ok := settings["width"].(uint32); ok {
		c.shape.Dims.Width = v
	}
	if v, ok := settings["height"].(uint32); ok {
		c.shape.Dims.Height = v
	}
	return c.getLocked(), nil
}

func (c *Camera) Get(ctx context.Context) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(), nil
}

func (c *Camera) getLocked() map[string]any {
	return map[string]any{
		"exposure_ms": c.opts.ExposureMs,
		"width":       c.shape.Dims.Width,
		"height":      c.shape.Dims.Height,
	}
}

func (c *Camera) ImageShape(ctx context.Context) (frame.Shape, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shape, nil
}

func (c *Camera) Meta() map[string]string {
	return map[string]string{"model": "simcamera", "identifier": c.opts.Identifier.Name}
}

func (c *Camera) State() device.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Camera) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = device.StateRunning
	atomic.StoreInt32(&c.stopping, 0)
	return nil
}

func (c *Camera) Stop(ctx context.Context) error {
	atomic.StoreInt32(&c.stopping, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = device.StateArmed
	return nil
}

func (c *Camera) ExecuteTrigger(ctx context.Context) error {
	return nil
}

// GetFrame blocks for the configured exposure time, then fills buf per the
// configured Pattern and reports FrameInfo including a hardware_frame_id
// that may skip ahead per HardwareFrameGapEvery, mirroring a real sensor
// occasionally dropping a frame at the hardware level.
func (c *Camera) GetFrame(ctx context.Context, buf []byte) (int, device.FrameInfo, error) {
	if atomic.LoadInt32(&c.stopping) != 0 {
		return 0, device.FrameInfo{}, nil
	}
	if c.opts.ExposureMs > 0 {
		select {
		case <-time.After(time.Duration(c.opts.ExposureMs * float64(time.Millisecond))):
		case <-ctx.Done():
			return 0, device.FrameInfo{}, ctx.Err()
		}
	}

	c.mu.Lock()
	shape := c.shape
	c.mu.Unlock()

	want := shape.BytesOfImage()
	if len(buf) < want {
		want = len(buf)
	}

	switch c.opts.Pattern {
	case PatternRandom:
		c.mu.Lock()
		c.rng.Read(buf[:want])
		c.mu.Unlock()
	default:
		for i := 0; i < want; i++ {
			buf[i] = 0
		}
	}

	c.softIter++
	c.hwFrame++
	if c.opts.HardwareFrameGapEvery > 0 && c.softIter%c.opts.HardwareFrameGapEvery == 0 {
		c.hwFrame++ // simulate a dropped hardware frame
	}

	info := device.FrameInfo{
		Shape:             shape,
		HardwareFrameID:   c.hwFrame,
		HardwareTimestamp: uint64(time.Now().UnixNano()),
	}
	return want, info, nil
}
