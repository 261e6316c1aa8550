// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package runtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/acquire-run/video-runtime/internal/device"
	"github.com/acquire-run/video-runtime/internal/device/camera/simcamera"
	"github.com/acquire-run/video-runtime/internal/device/storage/trashstore"
	"github.com/acquire-run/video-runtime/internal/frame"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManager() *device.Manager {
	camID := device.Identifier{Kind: device.KindCamera, Name: "sim0"}
	storeID := device.Identifier{Kind: device.KindStorage, Name: "trash0"}
	shape := frame.Shape{
		Dims:    frame.Dims{Width: 4, Height: 1, Planes: 4, Channels: 1},
		Strides: frame.Strides{Width: 1, Height: 4, Planes: 4, Channels: 1},
		Type:    frame.SampleU8,
	}
	return device.NewManager([]device.Factory{
		{
			Identifier: camID,
			NewCamera: func() (device.Camera, error) {
				return simcamera.New(simcamera.Options{Identifier: camID, Pattern: simcamera.PatternEmpty, Shape: shape}), nil
			},
		},
		{
			Identifier: storeID,
			NewStorage: func() (device.Storage, error) {
				return trashstore.New(storeID), nil
			},
		},
	})
}

func basicConfig(camID, storeID device.Identifier) [NumStreams]StreamConfig {
	var cfgs [NumStreams]StreamConfig
	cfgs[0] = StreamConfig{
		Camera:            camID,
		Storage:           storeID,
		FrameAverageCount: 1,
		MaxFrameCount:     10,
	}
	return cfgs
}

func TestRuntimeConfigureArmsValidStreams(t *testing.T) {
	mgr := testManager()
	r := New(mgr, testLogger())

	camID := device.Identifier{Kind: device.KindCamera, Name: "sim0"}
	storeID := device.Identifier{Kind: device.KindStorage, Name: "trash0"}

	if err := r.Configure(context.Background(), basicConfig(camID, storeID)); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if got := r.GetState(); got != device.StateArmed {
		t.Fatalf("expected Armed after configuring one valid stream, got %v", got)
	}
}

func TestRuntimeConfigureWithNoStreamsStaysAwaitingConfiguration(t *testing.T) {
	mgr := testManager()
	r := New(mgr, testLogger())

	var cfgs [NumStreams]StreamConfig
	if err := r.Configure(context.Background(), cfgs); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if got := r.GetState(); got != device.StateAwaitingConfiguration {
		t.Fatalf("expected AwaitingConfiguration with no streams configured, got %v", got)
	}
}

func TestRuntimeStartRunsThenSelfHealsToArmed(t *testing.T) {
	mgr := testManager()
	r := New(mgr, testLogger())

	camID := device.Identifier{Kind: device.KindCamera, Name: "sim0"}
	storeID := device.Identifier{Kind: device.KindStorage, Name: "trash0"}
	if err := r.Configure(context.Background(), basicConfig(camID, storeID)); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.GetState(); got != device.StateRunning {
		t.Fatalf("expected Running immediately after Start, got %v", got)
	}

	// MaxFrameCount is small; the source stops itself well within this
	// deadline, and GetState must notice and self-heal.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.GetState() == device.StateArmed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("runtime never self-healed back to Armed after streams finished")
}

func TestRuntimeStopReturnsToArmed(t *testing.T) {
	mgr := testManager()
	r := New(mgr, testLogger())

	camID := device.Identifier{Kind: device.KindCamera, Name: "sim0"}
	storeID := device.Identifier{Kind: device.KindStorage, Name: "trash0"}
	cfgs := basicConfig(camID, storeID)
	cfgs[0].MaxFrameCount = 0 // run until stopped
	if err := r.Configure(context.Background(), cfgs); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := r.GetState(); got != device.StateArmed {
		t.Fatalf("expected Armed after Stop, got %v", got)
	}
}

func TestRuntimeAbortStopsPromptly(t *testing.T) {
	mgr := testManager()
	r := New(mgr, testLogger())

	camID := device.Identifier{Kind: device.KindCamera, Name: "sim0"}
	storeID := device.Identifier{Kind: device.KindStorage, Name: "trash0"}
	cfgs := basicConfig(camID, storeID)
	cfgs[0].MaxFrameCount = 0
	if err := r.Configure(context.Background(), cfgs); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Abort(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Abort did not return promptly")
	}
	if got := r.GetState(); got != device.StateArmed {
		t.Fatalf("expected Armed after Abort, got %v", got)
	}
}

func TestRuntimeMapReadRequiresConfiguredStream(t *testing.T) {
	mgr := testManager()
	r := New(mgr, testLogger())

	if _, err := r.MapRead(0); err == nil {
		t.Fatalf("expected error mapping an unconfigured stream")
	}
}

func TestRuntimeShutdownThenReconfigure(t *testing.T) {
	mgr := testManager()
	r := New(mgr, testLogger())

	camID := device.Identifier{Kind: device.KindCamera, Name: "sim0"}
	storeID := device.Identifier{Kind: device.KindStorage, Name: "trash0"}
	cfgs := basicConfig(camID, storeID)

	ctx := context.Background()
	if err := r.Configure(ctx, cfgs); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := r.GetState(); got != device.StateAwaitingConfiguration {
		t.Fatalf("expected AwaitingConfiguration after Shutdown, got %v", got)
	}

	if err := r.Configure(ctx, cfgs); err != nil {
		t.Fatalf("re-Configure after Shutdown: %v", err)
	}
	if got := r.GetState(); got != device.StateArmed {
		t.Fatalf("expected Armed after re-configuring post-shutdown, got %v", got)
	}
}
