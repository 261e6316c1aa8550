// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package device declares the external device contracts the acquisition
// core consumes: cameras, storage backends, and the device-manager registry
// that resolves identifiers to concrete instances. The core treats these as
// external collaborators — it calls through the interfaces in this package
// and never depends on a specific backend.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/acquire-run/video-runtime/internal/frame"
)

// Kind identifies the category of a device.
type Kind int

const (
	KindNone Kind = iota
	KindCamera
	KindStorage
)

// Identifier names a specific device instance within a Manager.
type Identifier struct {
	Kind Kind
	Name string
}

// State is the lifecycle state shared by cameras and storage devices.
type State int

const (
	StateAwaitingConfiguration State = iota
	StateArmed
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingConfiguration:
		return "AwaitingConfiguration"
	case StateArmed:
		return "Armed"
	case StateRunning:
		return "Running"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ErrNotFound is returned by Manager.Select/SelectFirst when no device
// matches the requested kind/name.
var ErrNotFound = errors.New("device: not found")

// FrameInfo accompanies a camera's delivered payload: the shape it was
// captured at, the device's own frame counter, and its hardware timestamp.
type FrameInfo struct {
	Shape             frame.Shape
	HardwareFrameID   uint64
	HardwareTimestamp uint64
}

// Camera is the contract the source stage drives.
type Camera interface {
	// Identifier reports the identifier this camera was opened with.
	Identifier() Identifier
	// Close releases the camera. It is valid to call Close on a camera in
	// any state.
	Close() error
	// Set applies settings, returning the settings actually in effect
	// (which may differ — the source stage retries and reads back).
	Set(ctx context.Context, settings map[string]any) (map[string]any, error)
	// Get returns the camera's current settings.
	Get(ctx context.Context) (map[string]any, error)
	// ImageShape reports the shape frames are currently captured at.
	ImageShape(ctx context.Context) (frame.Shape, error)
	// Meta returns free-form device metadata (model, serial, capabilities).
	Meta() map[string]string
	// State reports the camera's current lifecycle state.
	State() State
	// Start transitions Armed -> Running.
	Start(ctx context.Context) error
	// Stop transitions Running -> Armed, returning promptly even if a
	// GetFrame call is in flight.
	Stop(ctx context.Context) error
	// ExecuteTrigger fires a software trigger for cameras that are
	// externally triggered rather than free-running.
	ExecuteTrigger(ctx context.Context) error
	// GetFrame fills buf (sized to at least the current image shape's byte
	// count) with one frame's payload, returning the number of bytes
	// actually written (0 signals a dropped capture, not an error) and the
	// frame's info.
	GetFrame(ctx context.Context, buf []byte) (n int, info FrameInfo, err error)
}

// Storage is the contract the sink stage drives.
type Storage interface {
	// Identifier reports the identifier this storage device was opened with.
	Identifier() Identifier
	Close() error
	// Set applies free-form settings (destination bucket/prefix, external
	// metadata, output filename) independent of the frame stream.
	Set(ctx context.Context, settings map[string]any) error
	Get(ctx context.Context) (map[string]any, error)
	Meta() map[string]string
	// ReserveImageShape informs the backend of the shape it should expect,
	// allowing it to pre-size internal buffers or file headers.
	ReserveImageShape(ctx context.Context, shape frame.Shape) error
	State() State
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Append writes a contiguous run of already-encoded frame records.
	Append(ctx context.Context, records []byte) error
}

// Manager resolves device identifiers to concrete Camera/Storage instances.
// Equivalent to the original's device-manager registry.
type Manager struct {
	cameras  []Factory
	storages []Factory
}

// Factory describes one device a Manager can open, by name and kind, plus
// the constructor used to instantiate it.
type Factory struct {
	Identifier Identifier
	NewCamera  func() (Camera, error)
	NewStorage func() (Storage, error)
}

// NewManager builds a Manager from a fixed list of available device
// factories, analogous to device_manager_init enumerating hardware at
// process start.
func NewManager(factories []Factory) *Manager {
	m := &Manager{}
	for _, f := range factories {
		switch f.Identifier.Kind {
		case KindCamera:
			m.cameras = append(m.cameras, f)
		case KindStorage:
			m.storages = append(m.storages, f)
		}
	}
	return m
}

// Count returns the number of known devices of the given kind.
func (m *Manager) Count(kind Kind) int {
	switch kind {
	case KindCamera:
		return len(m.cameras)
	case KindStorage:
		return len(m.storages)
	default:
		return 0
	}
}

// Get returns the identifier of the index'th device of the given kind.
func (m *Manager) Get(kind Kind, index int) (Identifier, error) {
	list := m.list(kind)
	if index < 0 || index >= len(list) {
		return Identifier{}, fmt.Errorf("device: index %d out of range for kind %v: %w", index, kind, ErrNotFound)
	}
	return list[index].Identifier, nil
}

func (m *Manager) list(kind Kind) []Factory {
	switch kind {
	case KindCamera:
		return m.cameras
	case KindStorage:
		return m.storages
	default:
		return nil
	}
}

// Select finds the first device of the given kind whose name has the given
// prefix, supporting "device-selection" style configuration by partial
// name.
func (m *Manager) Select(kind Kind, namePrefix string) (Identifier, error) {
	for _, f := range m.list(kind) {
		if hasPrefix(f.Identifier.Name, namePrefix) {
			return f.Identifier, nil
		}
	}
	return Identifier{}, fmt.Errorf("device: no %v device matching prefix %q: %w", kind, namePrefix, ErrNotFound)
}

// SelectFirst returns the first available device of the given kind. The
// runtime does not call it: a stream configured without identifiers is
// skipped, not bound to the first registered device.
func (m *Manager) SelectFirst(kind Kind) (Identifier, error) {
	list := m.list(kind)
	if len(list) == 0 {
		return Identifier{}, fmt.Errorf("device: no %v devices registered: %w", kind, ErrNotFound)
	}
	return list[0].Identifier, nil
}

// OpenCamera instantiates the Camera identified by id.
func (m *Manager) OpenCamera(id Identifier) (Camera, error) {
	for _, f := range m.cameras {
		if f.Identifier == id {
			return f.NewCamera()
		}
	}
	return nil, fmt.Errorf("device: camera %q: %w", id.Name, ErrNotFound)
}

// OpenStorage instantiates the Storage identified by id.
func (m *Manager) OpenStorage(id Identifier) (Storage, error) {
	for _, f := range m.storages {
		if f.Identifier == id {
			return f.NewStorage()
		}
	}
	return nil, fmt.Errorf("device: storage %q: %w", id.Name, ErrNotFound)
}

func hasPrefix(s, prefix string) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(s) < len(prefix) {
		return false
	}
	return s[:len(prefix)] == prefix
}
