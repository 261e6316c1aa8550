// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"

	"github.com/acquire-run/video-runtime/internal/config"
	"github.com/acquire-run/video-runtime/internal/device"
	"github.com/acquire-run/video-runtime/internal/device/camera/simcamera"
	"github.com/acquire-run/video-runtime/internal/device/storage/localstore"
	"github.com/acquire-run/video-runtime/internal/device/storage/s3store"
	"github.com/acquire-run/video-runtime/internal/device/storage/trashstore"
	"github.com/acquire-run/video-runtime/internal/frame"
)

// buildDeviceManager constructs a device.Manager whose factories instantiate
// exactly the cameras and storages named under devices.cameras/storages,
// analogous to device_manager_init enumerating hardware at process start —
// except here the "hardware" enumerated is whatever the config declares.
func buildDeviceManager(ctx context.Context, cfg *config.RuntimeConfig) (*device.Manager, error) {
	var factories []device.Factory

	for name, def := range cfg.Devices.Cameras {
		name, def := name, def
		id := device.Identifier{Kind: device.KindCamera, Name: name}
		factories = append(factories, device.Factory{
			Identifier: id,
			NewCamera: func() (device.Camera, error) {
				return newSimCamera(id, def)
			},
		})
	}

	for name, def := range cfg.Devices.Storages {
		name, def := name, def
		id := device.Identifier{Kind: device.KindStorage, Name: name}
		factories = append(factories, device.Factory{
			Identifier: id,
			NewStorage: func() (device.Storage, error) {
				return newStorage(ctx, id, def)
			},
		})
	}

	return device.NewManager(factories), nil
}

func newSimCamera(id device.Identifier, def config.CameraDef) (device.Camera, error) {
	if def.Type != "" && def.Type != "sim" {
		return nil, fmt.Errorf("camera %q: unsupported type %q (only \"sim\" is available without hardware)", id.Name, def.Type)
	}

	pattern := simcamera.PatternEmpty
	if def.Pattern == "random" {
		pattern = simcamera.PatternRandom
	}

	width, height := def.Width, def.Height
	if width == 0 {
		width = 640
	}
	if height == 0 {
		height = 480
	}

	shape := frame.Shape{
		Dims:    frame.Dims{Width: width, Height: height, Planes: 1, Channels: 1},
		Strides: frame.Strides{Width: 1, Height: width, Planes: width * height, Channels: width * height},
		Type:    frame.SampleU8,
	}

	return simcamera.New(simcamera.Options{
		Identifier:            id,
		Pattern:               pattern,
		Shape:                 shape,
		ExposureMs:            def.ExposureMs,
		HardwareFrameGapEvery: def.HardwareFrameGapEvery,
	}), nil
}

func newStorage(ctx context.Context, id device.Identifier, def config.StorageDef) (device.Storage, error) {
	switch def.Type {
	case "", "trash":
		return trashstore.New(id), nil
	case "local":
		if def.Dir == "" {
			return nil, fmt.Errorf("storage %q: type \"local\" requires dir", id.Name)
		}
		return localstore.New(localstore.Options{Identifier: id, Dir: def.Dir})
	case "s3":
		if def.Bucket == "" {
			return nil, fmt.Errorf("storage %q: type \"s3\" requires bucket", id.Name)
		}
		return s3store.New(ctx, s3store.Options{Identifier: id, Bucket: def.Bucket, Prefix: def.Prefix})
	default:
		return nil, fmt.Errorf("storage %q: unsupported type %q", id.Name, def.Type)
	}
}
