// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acquire-run/video-runtime/internal/device"
	"github.com/acquire-run/video-runtime/internal/frame"
	"github.com/acquire-run/video-runtime/internal/ringbuf"
	"github.com/acquire-run/video-runtime/internal/throttle"
)

// Sink drains its input channel to a storage device, optionally holding
// back recently-written frames for WriteDelayMs so a monitor reader
// registered on the same channel has a chance to see them before they are
// written out, the Go counterpart of video_sink_thread / vfslice_split_at_delay_ms.
type Sink struct {
	In      *ringbuf.Channel
	Storage device.Storage
	Logger  *slog.Logger

	// WriteDelayMs holds back frames newer than now-WriteDelayMs; values
	// below 1e-3 disable the delay (write everything immediately).
	WriteDelayMs float64

	// SigStopSource is invoked exactly once when a storage Append fails,
	// propagating the failure upstream so the source stops capturing into a
	// sink that can no longer drain, the Go counterpart of video_sink_thread's
	// Error: label calling self->sig_stop_source(self).
	SigStopSource func()

	reader        ringbuf.Reader
	pollPacer     *throttle.Throttler
	stopRequested atomic.Bool
	isRunning     atomic.Bool
	wg            sync.WaitGroup
}

// NewSink constructs a Sink reading from in and writing to storage.
func NewSink(in *ringbuf.Channel, storage device.Storage, logger *slog.Logger) *Sink {
	return &Sink{In: in, Storage: storage, Logger: logger, pollPacer: throttle.New(readPollInterval)}
}

// Start arms the storage device and begins the drain goroutine.
func (s *Sink) Start(ctx context.Context) error {
	if err := s.Storage.Start(ctx); err != nil {
		return err
	}
	s.stopRequested.Store(false)
	s.isRunning.Store(true)
	s.In.AcceptWrites(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// RequestStop asks the drain loop to perform a final flush and exit.
func (s *Sink) RequestStop() { s.stopRequested.Store(true) }

func (s *Sink) IsRunning() bool { return s.isRunning.Load() }

func (s *Sink) Wait() { s.wg.Wait() }

// BytesWaiting reports how many bytes are mapped-but-unread relative to
// this sink's own reader position, used by the runtime's diagnostics
// surface (acquire_bytes_waiting_to_be_written_to_disk).
func (s *Sink) BytesWaiting() int {
	pos, head, high, ok := s.In.ReaderPos(&s.reader)
	if !ok {
		return 0
	}
	if pos <= head {
		return head - pos
	}
	return (high - pos) + head
}

func (s *Sink) run(ctx context.Context) {
	for {
		slice := s.In.ReadMap(&s.reader)
		mapped := slice.Bytes()

		if len(mapped) == 0 {
			s.In.ReadUnmap(&s.reader, 0)
			if s.stopRequested.Load() {
				break
			}
			s.pollPacer.Wait(ctx)
			continue
		}

		writable, consumed := splitAtDelayMs(mapped, s.WriteDelayMs, time.Now())
		if len(writable) > 0 {
			if err := s.Storage.Append(ctx, writable); err != nil {
				s.Logger.Error("sink: appending to storage", "error", err)
				s.In.ReadUnmap(&s.reader, 0)
				s.SigStopSource()
				s.Storage.Stop(ctx)
				s.isRunning.Store(false)
				return
			}
		}
		s.In.ReadUnmap(&s.reader, consumed)

		if s.stopRequested.Load() && consumed == len(mapped) && len(writable) == len(mapped) {
			// Caught up with everything written before the stop request;
			// fall through to the unconditional final flush below, which
			// ignores WriteDelayMs entirely.
			break
		}
	}

	// Final flush: write out everything remaining, regardless of delay,
	// until a map comes back empty — matching the bounded drain loop
	// acquire_stop runs over the monitor reader (at most the pre-wrap and
	// post-wrap segments of the channel).
	for {
		slice := s.In.ReadMap(&s.reader)
		mapped := slice.Bytes()
		if len(mapped) == 0 {
			s.In.ReadUnmap(&s.reader, 0)
			break
		}
		if err := s.Storage.Append(ctx, mapped); err != nil {
			s.Logger.Error("sink: final flush append", "error", err)
		}
		s.In.ReadUnmap(&s.reader, len(mapped))
	}

	s.Storage.Stop(ctx)
	s.isRunning.Store(false)
}

// splitAtDelayMs walks data's complete frame records from the start,
// returning the prefix whose acquisition-thread timestamps are all at or
// before now-delayMs, and the number of bytes that prefix occupies. Unlike
// frame.Iterator, this walks raw offsets (offset < len(data)) rather than
// requiring room for a following record, so it never drops data's final
// record: the sink must account for every byte it is handed.
func splitAtDelayMs(data []byte, delayMs float64, now time.Time) ([]byte, int) {
	if delayMs < 1e-3 {
		return data, len(data)
	}

	thresholdNs := now.Add(-time.Duration(delayMs * float64(time.Millisecond))).UnixNano()
	offset := 0
	for offset < len(data) {
		hdr := frame.Decode(data[offset:])
		if hdr.BytesOfFrame == 0 {
			break
		}
		if int64(hdr.Timestamps.AcqThread) > thresholdNs {
			break
		}
		offset += int(hdr.BytesOfFrame)
	}
	return data[:offset], offset
}
