// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package s3store implements an S3-backed storage device: sealed frame
// batches are zstd-compressed and uploaded as objects under a per-stream
// prefix, rather than kept as a single long-lived local file.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"github.com/acquire-run/video-runtime/internal/device"
	"github.com/acquire-run/video-runtime/internal/frame"
)

// Options configures an S3 storage device.
type Options struct {
	Identifier device.Identifier
	Bucket     string
	Prefix     string
}

// Storage batches appended frame records in memory, flushing each batch to
// S3 as one zstd-compressed object when it crosses flushThreshold or on
// Stop.
type Storage struct {
	opts   Options
	client *s3.Client

	mu             sync.Mutex
	state          device.State
	shape          frame.Shape
	buf            bytes.Buffer
	batchesWritten int
}

const flushThreshold = 16 << 20 // 16 MiB per object

// New loads the default AWS config (environment, shared config, or
// container credentials — whichever resolves first, same order the SDK's
// default chain uses) and constructs an S3-backed storage device.
func New(ctx context.Context, opts Options) (*Storage, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3store: loading AWS config: %w", err)
	}
	return &Storage{
		opts:   opts,
		client: s3.NewFromConfig(cfg),
		state:  device.StateArmed,
	}, nil
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
	if v, ok := settings["bucket"].(string); ok {
		s.opts.Bucket = v
	}
	if v, ok := settings["prefix"].(string); ok {
		s.opts.Prefix = v
	}
	return nil
}

func (s *Storage) Get(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"bucket": s.opts.Bucket, "prefix": s.opts.Prefix}, nil
}

func (s *Storage) Meta() map[string]string {
	return map[string]string{"backend": "s3", "bucket": s.opts.Bucket}
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

func (s *Storage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.batchesWritten = 0
	s.state = device.StateRunning
	return nil
}

func (s *Storage) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() > 0 {
		if err := s.flushLocked(ctx); err != nil {
			s.state = device.StateArmed
			return err
		}
	}
	s.state = device.StateArmed
	return nil
}

func (s *Storage) Append(ctx context.Context, records []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(records)
	if s.buf.Len() >= flushThreshold {
		return s.flushLocked(ctx)
	}
	return nil
}

// flushLocked compresses the pending buffer with zstd and uploads it as one
// object, named by stream and batch index so sequential batches sort
// naturally. Must be called with s.mu held.
func (s *Storage) flushLocked(ctx context.Context) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("s3store: creating zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(s.buf.Bytes(), nil)
	enc.Close()

	key := fmt.Sprintf("%s/%s-%06d-%d.zst", s.opts.Prefix, s.opts.Identifier.Name, s.batchesWritten, time.Now().UnixNano())
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.opts.Bucket,
		Key:    &key,
		Body:   bytes.NewReader(compressed),
	})
	if err != nil {
		return fmt.Errorf("s3store: uploading batch: %w", err)
	}
	s.batchesWritten++
	s.buf.Reset()
	return nil
}
