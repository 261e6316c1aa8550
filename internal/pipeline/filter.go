// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acquire-run/video-runtime/internal/frame"
	"github.com/acquire-run/video-runtime/internal/ringbuf"
	"github.com/acquire-run/video-runtime/internal/throttle"
)

// readPollInterval is how long a stage waits after finding no new data
// mapped, before polling again. The ported channel has no blocking read
// primitive (only writers block, on space availability), so readers poll,
// paced by the same Throttler the original used to flatten its own
// busy-wait loops; see DESIGN.md.
const readPollInterval = time.Millisecond

// Filter accumulates FrameAverageCount consecutive same-shape input frames
// into a running sum and emits their normalized average as one output
// frame, the Go counterpart of video_filter_thread / process_data.
type Filter struct {
	In     *ringbuf.Channel
	Out    *ringbuf.Channel
	Logger *slog.Logger

	FrameAverageCount uint64
	SigStopSink       func()

	reader    ringbuf.Reader
	pollPacer *throttle.Throttler

	stopRequested  atomic.Bool
	resetRequested atomic.Bool
	resetDone      *event
	isRunning      atomic.Bool
	wg             sync.WaitGroup

	accum        []float32
	accumShape   frame.Shape
	accumCount   uint64
	accumHdr     frame.Header // first contributing record's header, for hw id / hw timestamp
	outputFrames uint64
}

// NewFilter constructs a Filter reading from in and writing to out.
func NewFilter(in, out *ringbuf.Channel, frameAverageCount uint64, logger *slog.Logger) *Filter {
	return &Filter{
		In:                in,
		Out:               out,
		Logger:            logger,
		FrameAverageCount: frameAverageCount,
		resetDone:         newEvent(),
		pollPacer:         throttle.New(readPollInterval),
	}
}

// Start begins the accumulation goroutine.
func (f *Filter) Start() {
	f.stopRequested.Store(false)
	f.isRunning.Store(true)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run()
	}()
}

// RequestStop asks the accumulation loop to flush and exit.
func (f *Filter) RequestStop() { f.stopRequested.Store(true) }

// RequestReset discards any in-flight accumulation and blocks until the
// filter goroutine has observed the request, used by the source stage when
// it transitions away from writing into the filter.
func (f *Filter) RequestReset() {
	if !f.isRunning.Load() {
		return
	}
	f.resetRequested.Store(true)
	f.resetDone.Wait()
}

func (f *Filter) IsRunning() bool { return f.isRunning.Load() }

func (f *Filter) Wait() { f.wg.Wait() }

func (f *Filter) run() {
	for !f.stopRequested.Load() {
		slice := f.In.ReadMap(&f.reader)
		if f.reader.Status == ringbuf.StatusError {
			f.Logger.Warn("filter: reader overrun, cursor resynced")
		}

		if slice.Len() == 0 {
			f.In.ReadUnmap(&f.reader, 0)
			if f.maybeHandleReset() {
				continue
			}
			if f.stopRequested.Load() {
				break
			}
			f.pollPacer.Wait(context.Background())
			continue
		}

		consumed := f.processData(slice.Bytes())
		f.In.ReadUnmap(&f.reader, consumed)
		f.maybeHandleReset()
	}

	// Drain the input once more so records written before the stop request
	// are still folded in.
	if slice := f.In.ReadMap(&f.reader); slice.Len() > 0 {
		f.In.ReadUnmap(&f.reader, f.processData(slice.Bytes()))
	} else {
		f.In.ReadUnmap(&f.reader, 0)
	}

	// The accumulator may hold a partial, un-normalized batch (frame count
	// not a multiple of FrameAverageCount) at shutdown. It is discarded
	// rather than committed: committing it would emit a raw, un-averaged
	// sum as if it were a normal output frame, which would also make the
	// output frame count depend on exactly when the stream stopped instead
	// of always being floor(N/FrameAverageCount). See DESIGN.md.
	f.abortAccumulator()
	f.SigStopSink()
	f.isRunning.Store(false)
}

func (f *Filter) maybeHandleReset() bool {
	if !f.resetRequested.Load() {
		return false
	}
	f.abortAccumulator()
	f.resetRequested.Store(false)
	f.resetDone.NotifyAll()
	return true
}

// processData walks data through frame.Iterator, folding each yielded
// record into the running accumulator, and returns the number of bytes
// actually consumed. It deliberately goes through Iterator rather than a
// raw offset walk: Iterator withholds a slice's final record (see its doc
// comment), so that record's bytes are left unconsumed here and reappear
// at the front of the next ReadMap instead of being folded in early. Only
// if no further data ever arrives for it (the channel stops) is it never
// folded in at all — which is exactly the "frames the filter consumed"
// accounting invariant 4 describes, rather than "frames the source
// produced".
func (f *Filter) processData(data []byte) int {
	it := frame.NewIterator(data)
	consumed := 0
	for {
		hdr, payload, ok := it.Next()
		if !ok {
			break
		}
		f.accumulate(hdr, payload)
		consumed += frame.HeaderSize + len(payload)
	}
	return consumed
}

func (f *Filter) accumulate(hdr frame.Header, payload []byte) {
	if f.accumCount > 0 && !hdr.Shape.SameLayout(f.accumShape) {
		f.Logger.Warn("filter: discarding partial batch — shape inconsistent")
		f.abortAccumulator()
	}
	if f.accumCount == 0 {
		f.accumShape = hdr.Shape
		f.accumHdr = hdr
		n := int(hdr.Shape.Strides.Planes)
		if cap(f.accum) < n {
			f.accum = make([]float32, n)
		} else {
			f.accum = f.accum[:n]
			for i := range f.accum {
				f.accum[i] = 0
			}
		}
	}

	accumulateInto(f.accum, payload, hdr.Shape.Type)
	f.accumCount++

	if f.accumCount >= f.FrameAverageCount {
		f.commitAccumulator()
	}
}

// commitAccumulator normalizes the running sum by the number of frames
// actually folded into it and writes it out as one record.
func (f *Filter) commitAccumulator() {
	if f.accumCount == 0 {
		return
	}

	// Output is always float32 regardless of the input sample type: the
	// average of quantized samples is itself fractional, and re-quantizing
	// it back to the input type would throw that precision away.
	shape := f.accumShape
	shape.Type = frame.SampleF32
	nbytes := frame.HeaderSize + shape.BytesOfImage()
	region := f.Out.WriteMap(nbytes)
	if region == nil {
		f.resetAccumulator()
		return
	}

	hdr := frame.Header{
		BytesOfFrame:    uint64(nbytes),
		FrameID:         f.outputFrames,
		HardwareFrameID: f.accumHdr.HardwareFrameID,
		Timestamps: frame.Timestamps{
			Hardware:  f.accumHdr.Timestamps.Hardware,
			AcqThread: uint64(time.Now().UnixNano()),
		},
		Shape: shape,
	}
	hdr.Encode(region)
	normalizeInto(region[frame.HeaderSize:], f.accum, f.accumCount)
	f.Out.WriteUnmap()
	f.outputFrames++
	f.resetAccumulator()
}

// abortAccumulator discards any in-flight accumulation without writing
// anything out.
func (f *Filter) abortAccumulator() {
	f.resetAccumulator()
}

func (f *Filter) resetAccumulator() {
	f.accumCount = 0
	f.accumShape = frame.Shape{}
	f.accumHdr = frame.Header{}
}

// accumulateInto adds one frame's payload, interpreted as t, into dst.
func accumulateInto(dst []float32, src []byte, t frame.SampleType) {
	switch t {
	case frame.SampleU8:
		for i := 0; i < len(dst) && i < len(src); i++ {
			dst[i] += float32(src[i])
		}
	case frame.SampleI8:
		for i := 0; i < len(dst) && i < len(src); i++ {
			dst[i] += float32(int8(src[i]))
		}
	case frame.SampleU10, frame.SampleU12, frame.SampleU14, frame.SampleU16:
		for i := 0; i < len(dst) && (i*2+2) <= len(src); i++ {
			dst[i] += float32(binary.LittleEndian.Uint16(src[i*2 : i*2+2]))
		}
	case frame.SampleI16:
		for i := 0; i < len(dst) && (i*2+2) <= len(src); i++ {
			dst[i] += float32(int16(binary.LittleEndian.Uint16(src[i*2 : i*2+2])))
		}
	case frame.SampleF32:
		for i := 0; i < len(dst) && (i*4+4) <= len(src); i++ {
			dst[i] += math.Float32frombits(binary.LittleEndian.Uint32(src[i*4 : i*4+4]))
		}
	}
}

// normalizeInto divides each accumulated element by count and writes the
// result into dst as float32, the filter's fixed output sample type.
func normalizeInto(dst []byte, accum []float32, count uint64) {
	inv := float32(1) / float32(count)
	for i, v := range accum {
		binary.LittleEndian.PutUint32(dst[i*4:i*4+4], math.Float32bits(v*inv))
	}
}
