// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package runtime implements the acquisition controller: a fixed set of
// video streams, each a Source -> (optional Filter) -> Sink pipeline, driven
// through a small configuration/start/stop state machine. It is the Go
// counterpart of acquire.c's public API (acquire_init, acquire_configure,
// acquire_start/stop/abort/shutdown, acquire_map_read/unmap_read,
// acquire_get_state).
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/acquire-run/video-runtime/internal/device"
	"github.com/acquire-run/video-runtime/internal/frame"
	"github.com/acquire-run/video-runtime/internal/pipeline"
	"github.com/acquire-run/video-runtime/internal/ringbuf"
)

// NumStreams is the fixed number of video streams the runtime manages,
// matching the original's two-stream `video[2]` array.
const NumStreams = 2

// channelCapacity is the byte size of every per-stream ring buffer,
// matching video_sink_init/video_filter_init's `1ULL << 30` (1 GiB).
const channelCapacity = 1 << 30

// StreamConfig describes the desired configuration of one video stream.
type StreamConfig struct {
	Camera            device.Identifier
	Storage           device.Identifier
	EnableFilter      bool
	FrameAverageCount uint64
	WriteDelayMs      float64
	MaxFrameCount     uint64
	CameraSettings    map[string]any
	StorageSettings   map[string]any
}

// stream bundles one video pipeline's channels, stages and bookkeeping.
type stream struct {
	idx   int
	valid bool

	cfg   StreamConfig
	shape frame.Shape

	camera  device.Camera
	storage device.Storage

	toFilter *ringbuf.Channel
	toSink   *ringbuf.Channel

	source *pipeline.Source
	filter *pipeline.Filter
	sink   *pipeline.Sink

	monitor ringbuf.Reader
}

// Runtime is the top-level acquisition controller.
type Runtime struct {
	devices *device.Manager
	logger  *slog.Logger

	mu      sync.Mutex
	state   device.State
	streams [NumStreams]*stream
}

// New constructs a Runtime in the AwaitingConfiguration state with empty
// stream slots; each stream's channels are allocated by Configure, together
// with its camera/storage bindings.
func New(devices *device.Manager, logger *slog.Logger) *Runtime {
	r := &Runtime{
		devices: devices,
		logger:  logger,
		state:   device.StateAwaitingConfiguration,
	}
	for i := range r.streams {
		r.streams[i] = &stream{idx: i}
	}
	return r
}

func (r *Runtime) validStreams() []*stream {
	var out []*stream
	for _, s := range r.streams {
		if s.valid {
			out = append(out, s)
		}
	}
	return out
}

// Configure (re)builds every stream named in cfgs. A stream whose Camera and
// Storage identifiers are both KindNone is skipped (treated as unused,
// mirroring video_stream_requirements_check's early-out), reducing log
// chatter the way acquire_configure's own valid-stream bitmask does. Any
// failure aborts whatever streams were already configured this call and
// forces the overall state back to AwaitingConfiguration.
func (r *Runtime) Configure(ctx context.Context, cfgs [NumStreams]StreamConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.streams {
		s.valid = false
	}

	anyValid := false
	for i, cfg := range cfgs {
		if cfg.Camera.Kind == device.KindNone && cfg.Storage.Kind == device.KindNone {
			continue
		}
		if err := r.configureStreamLocked(ctx, r.streams[i], cfg); err != nil {
			r.abortLocked(ctx)
			r.state = device.StateAwaitingConfiguration
			return fmt.Errorf("runtime: configuring stream %d: %w", i, err)
		}
		r.streams[i].valid = true
		anyValid = true
	}

	if anyValid {
		r.state = device.StateArmed
	} else {
		r.state = device.StateAwaitingConfiguration
	}
	return nil
}

func (r *Runtime) configureStreamLocked(ctx context.Context, s *stream, cfg StreamConfig) error {
	camera, err := r.devices.OpenCamera(cfg.Camera)
	if err != nil {
		return fmt.Errorf("opening camera: %w", err)
	}
	storage, err := r.devices.OpenStorage(cfg.Storage)
	if err != nil {
		camera.Close()
		return fmt.Errorf("opening storage: %w", err)
	}

	shape, err := camera.ImageShape(ctx)
	if err != nil {
		camera.Close()
		storage.Close()
		return fmt.Errorf("querying image shape: %w", err)
	}
	if err := storage.ReserveImageShape(ctx, shape); err != nil {
		camera.Close()
		storage.Close()
		return fmt.Errorf("reserving image shape: %w", err)
	}
	if err := storage.Set(ctx, cfg.StorageSettings); err != nil {
		camera.Close()
		storage.Close()
		return fmt.Errorf("applying storage settings: %w", err)
	}

	s.camera = camera
	s.storage = storage
	s.shape = shape
	s.cfg = cfg

	s.toSink = ringbuf.New(channelCapacity)
	if cfg.EnableFilter {
		s.toFilter = ringbuf.New(channelCapacity)
	} else {
		s.toFilter = nil
	}

	// Claim the monitor's reader slot now, before the sink goroutine gets a
	// chance to register its own: the monitor is reader slot 1, the sink's
	// reader slot 2, matching the original's registration order.
	s.monitor = ringbuf.Reader{}
	if err := s.toSink.Register(&s.monitor); err != nil {
		camera.Close()
		storage.Close()
		return fmt.Errorf("registering monitor reader: %w", err)
	}

	s.sink = pipeline.NewSink(s.toSink, storage, r.logger)
	s.sink.WriteDelayMs = cfg.WriteDelayMs
	s.sink.SigStopSource = func() {
		s.source.RequestStop()
	}

	if cfg.EnableFilter {
		s.filter = pipeline.NewFilter(s.toFilter, s.toSink, cfg.FrameAverageCount, r.logger)
		s.filter.SigStopSink = func() {
			s.sink.RequestStop()
		}
	} else {
		s.filter = nil
	}

	s.source = pipeline.NewSource(camera, s.toSink, s.toFilter, r.logger)
	s.source.MaxFrameCount = cfg.MaxFrameCount
	s.source.SigStopFilter = func() {
		if s.filter != nil {
			s.filter.RequestStop()
		}
	}
	s.source.SigStopSink = func() {
		s.sink.RequestStop()
	}
	s.source.AwaitFilterReset = func() {
		if s.filter != nil {
			s.filter.RequestReset()
		}
	}

	if _, err := s.source.Configure(ctx, cfg.EnableFilter, cfg.CameraSettings); err != nil {
		camera.Close()
		storage.Close()
		return fmt.Errorf("applying camera settings: %w", err)
	}

	return nil
}

// Start arms every valid stream's pipeline, in the order the original
// starts stage contexts: sink, then filter (if enabled), then source last
// so nothing is writing before its consumer exists.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != device.StateArmed {
		return fmt.Errorf("runtime: start requires Armed state, have %v", r.state)
	}

	started := make([]*stream, 0, NumStreams)
	for _, s := range r.validStreams() {
		if err := s.sink.Start(ctx); err != nil {
			r.unwindStart(ctx, started)
			r.state = device.StateAwaitingConfiguration
			return fmt.Errorf("runtime: starting sink on stream %d: %w", s.idx, err)
		}
		if s.filter != nil {
			s.filter.Start()
		}
		if err := s.source.Start(ctx); err != nil {
			r.unwindStart(ctx, started)
			r.state = device.StateAwaitingConfiguration
			return fmt.Errorf("runtime: starting source on stream %d: %w", s.idx, err)
		}
		started = append(started, s)
	}

	r.state = device.StateRunning
	return nil
}

func (r *Runtime) unwindStart(ctx context.Context, started []*stream) {
	for _, s := range started {
		s.camera.Stop(ctx)
	}
}

// Stop joins every stage goroutine on every valid stream (source, then
// filter, then sink, each stage's flush draining into the next), re-enables
// writes on the sink's input channel, and drains whatever the monitor
// reader had not yet consumed before unconditionally returning to Armed.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(ctx)
	return nil
}

func (r *Runtime) stopLocked(ctx context.Context) {
	for _, s := range r.validStreams() {
		s.source.RequestStop()
		s.source.Wait()
		if s.filter != nil {
			s.filter.RequestStop()
			s.filter.Wait()
		}
		s.sink.RequestStop()
		s.sink.Wait()

		s.toSink.AcceptWrites(true)
		r.drainMonitorLocked(s)
	}
	r.state = device.StateArmed
}

// drainMonitorLocked flushes whatever the monitor reader had mapped but not
// consumed, bounded to two iterations: a channel region spans at most the
// pre-wrap and post-wrap segments relative to any reader's cursor.
func (r *Runtime) drainMonitorLocked(s *stream) {
	for i := 0; i < 2; i++ {
		slice := s.toSink.ReadMap(&s.monitor)
		n := slice.Len()
		s.toSink.ReadUnmap(&s.monitor, n)
	}
}

// Abort stops capture as abruptly as possible: it signals every source to
// stop, closes its sink input to new writes, and stops the camera directly
// (so a blocked capture call returns promptly) before running the same
// join+flush+state-transition sequence as Stop.
func (r *Runtime) Abort(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortLocked(ctx)
	return nil
}

func (r *Runtime) abortLocked(ctx context.Context) {
	for _, s := range r.validStreams() {
		s.source.RequestStop()
		s.toSink.AcceptWrites(false)
		s.camera.Stop(ctx)
	}
	r.stopLocked(ctx)
}

// Shutdown aborts capture, then releases every stream's camera and storage
// device and returns the Runtime to AwaitingConfiguration, from which it can
// be configured again.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.abortLocked(ctx)
	for _, s := range r.streams {
		if s.camera != nil {
			s.camera.Close()
		}
		if s.storage != nil {
			s.storage.Close()
		}
		*s = stream{idx: s.idx}
	}
	r.state = device.StateAwaitingConfiguration
	return nil
}

// ExecuteTrigger fires a software trigger on the given stream's camera.
func (r *Runtime) ExecuteTrigger(ctx context.Context, istream int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.streamAtLocked(istream)
	if err != nil {
		return err
	}
	return s.camera.ExecuteTrigger(ctx)
}

// GetState reports the overall runtime state. If the state is Running, it
// first checks whether every stage on every valid stream has actually
// stopped running on its own (e.g. a bounded MaxFrameCount source reached
// its limit); if so it self-heals to Armed, so the state machine never
// reports Running after every worker has already exited.
func (r *Runtime) GetState() device.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != device.StateRunning {
		return r.state
	}

	anyRunning := false
	for _, s := range r.validStreams() {
		if s.source.IsRunning() {
			anyRunning = true
		}
		if s.filter != nil && s.filter.IsRunning() {
			anyRunning = true
		}
		if s.sink.IsRunning() {
			anyRunning = true
		}
	}
	if !anyRunning {
		r.state = device.StateArmed
	}
	return r.state
}

// GetShape reports the image shape reserved for the given stream.
func (r *Runtime) GetShape(istream int) (frame.Shape, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.streamAtLocked(istream)
	if err != nil {
		return frame.Shape{}, err
	}
	return s.shape, nil
}

// BytesWaitingToBeWrittenToDisk reports how many bytes are currently mapped
// but not yet appended to storage by the given stream's sink.
func (r *Runtime) BytesWaitingToBeWrittenToDisk(istream int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.streamAtLocked(istream)
	if err != nil {
		return 0, err
	}
	return s.sink.BytesWaiting(), nil
}

// MapRead maps whatever data has been written to the given stream's sink
// input channel since the caller's last UnmapRead, via a second reader
// registered on that same channel (the "monitor"). It requires the monitor
// to currently be unmapped.
func (r *Runtime) MapRead(istream int) (ringbuf.Slice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.streamAtLocked(istream)
	if err != nil {
		return ringbuf.Slice{}, err
	}
	if s.monitor.State == ringbuf.StateMapped {
		return ringbuf.Slice{}, fmt.Errorf("runtime: monitor already mapped on stream %d", istream)
	}
	return s.toSink.ReadMap(&s.monitor), nil
}

// UnmapRead releases the monitor mapping on the given stream, advancing its
// cursor by consumedBytes.
func (r *Runtime) UnmapRead(istream int, consumedBytes int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.streamAtLocked(istream)
	if err != nil {
		return err
	}
	s.toSink.ReadUnmap(&s.monitor, consumedBytes)
	return nil
}

// DeviceManager returns the device registry this runtime was constructed
// with.
func (r *Runtime) DeviceManager() *device.Manager { return r.devices }

func (r *Runtime) streamAtLocked(istream int) (*stream, error) {
	if istream < 0 || istream >= NumStreams {
		return nil, fmt.Errorf("runtime: stream index %d out of range", istream)
	}
	s := r.streams[istream]
	if !s.valid {
		return nil, fmt.Errorf("runtime: stream %d is not configured", istream)
	}
	return s, nil
}
