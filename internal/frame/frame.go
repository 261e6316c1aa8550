// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package frame implements the packed frame-record header that prefixes
// every payload written to a ringbuf.Channel, and the iterator that walks a
// mapped byte range as a sequence of such records.
//
// The layout mirrors the protocol package's style of explicit, fixed-offset
// binary encode/decode (no reflection, no encoding/gob): every field has a
// known size and position, the same packed layout as the frame header it is
// ported from. Fields are always written little-endian, whatever the host;
// on a big-endian host this is not the native byte order.
package frame

import "encoding/binary"

// SampleType tags the pixel element type of a frame's payload.
type SampleType uint8

const (
	SampleU8 SampleType = iota
	SampleU10
	SampleU12
	SampleU14
	SampleU16
	SampleI8
	SampleI16
	SampleF32
)

// BytesOf returns the element size in bytes for a SampleType.
func (t SampleType) BytesOf() int {
	switch t {
	case SampleU8, SampleI8:
		return 1
	case SampleU10, SampleU12, SampleU14, SampleU16, SampleI16:
		return 2
	case SampleF32:
		return 4
	default:
		return 0
	}
}

// Dims describes a frame's logical extent.
type Dims struct {
	Width, Height, Planes, Channels uint32
}

// Strides describes element strides, in elements, with Planes treated as
// the outermost dimension — i.e. Strides.Planes is the total element count
// of one frame.
type Strides struct {
	Width, Height, Planes, Channels uint32
}

// Shape fully describes a frame's pixel layout.
type Shape struct {
	Dims    Dims
	Strides Strides
	Type    SampleType
}

// BytesOfImage returns the payload size in bytes implied by the shape.
func (s Shape) BytesOfImage() int {
	return int(s.Strides.Planes) * s.Type.BytesOf()
}

// SameLayout reports whether two shapes have byte-identical Dims and
// Strides (sample Type is intentionally excluded — the filter compares
// layout, not type, before accumulating).
func (s Shape) SameLayout(o Shape) bool {
	return s.Dims == o.Dims && s.Strides == o.Strides
}

// Timestamps records the two clocks attached to a frame: the hardware
// timestamp reported by the device, and the acquisition-thread's own
// monotonic reading taken when the frame was committed.
type Timestamps struct {
	Hardware  uint64
	AcqThread uint64
}

// HeaderSize is the encoded size in bytes of a Header, independent of
// payload length.
const HeaderSize = 8 + 8 + 8 + 8 + 8 + (4 * 4) + (4 * 4) + 1

// Header is the packed record header that precedes every frame's payload
// bytes in a channel.
type Header struct {
	BytesOfFrame     uint64 // total record length, header + payload
	FrameID          uint64 // monotone per stream, starting at 0
	HardwareFrameID  uint64
	Timestamps       Timestamps
	Shape            Shape
}

// Encode writes the header into dst (which must be at least HeaderSize
// bytes) in little-endian order, at the offsets of the packed-struct layout.
func (h Header) Encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], h.BytesOfFrame)
	binary.LittleEndian.PutUint64(dst[8:16], h.FrameID)
	binary.LittleEndian.PutUint64(dst[16:24], h.HardwareFrameID)
	binary.LittleEndian.PutUint64(dst[24:32], h.Timestamps.Hardware)
	binary.LittleEndian.PutUint64(dst[32:40], h.Timestamps.AcqThread)
	binary.LittleEndian.PutUint32(dst[40:44], h.Shape.Dims.Width)
	binary.LittleEndian.PutUint32(dst[44:48], h.Shape.Dims.Height)
	binary.LittleEndian.PutUint32(dst[48:52], h.Shape.Dims.Planes)
	binary.LittleEndian.PutUint32(dst[52:56], h.Shape.Dims.Channels)
	binary.LittleEndian.PutUint32(dst[56:60], h.Shape.Strides.Width)
	binary.LittleEndian.PutUint32(dst[60:64], h.Shape.Strides.Height)
	binary.LittleEndian.PutUint32(dst[64:68], h.Shape.Strides.Planes)
	binary.LittleEndian.PutUint32(dst[68:72], h.Shape.Strides.Channels)
	dst[72] = byte(h.Shape.Type)
}

// Decode reads a Header out of src (which must be at least HeaderSize
// bytes).
func Decode(src []byte) Header {
	var h Header
	h.BytesOfFrame = binary.LittleEndian.Uint64(src[0:8])
	h.FrameID = binary.LittleEndian.Uint64(src[8:16])
	h.HardwareFrameID = binary.LittleEndian.Uint64(src[16:24])
	h.Timestamps.Hardware = binary.LittleEndian.Uint64(src[24:32])
	h.Timestamps.AcqThread = binary.LittleEndian.Uint64(src[32:40])
	h.Shape.Dims.Width = binary.LittleEndian.Uint32(src[40:44])
	h.Shape.Dims.Height = binary.LittleEndian.Uint32(src[44:48])
	h.Shape.Dims.Planes = binary.LittleEndian.Uint32(src[48:52])
	h.Shape.Dims.Channels = binary.LittleEndian.Uint32(src[52:56])
	h.Shape.Strides.Width = binary.LittleEndian.Uint32(src[56:60])
	h.Shape.Strides.Height = binary.LittleEndian.Uint32(src[60:64])
	h.Shape.Strides.Planes = binary.LittleEndian.Uint32(src[64:68])
	h.Shape.Strides.Channels = binary.LittleEndian.Uint32(src[68:72])
	h.Shape.Type = SampleType(src[72])
	return h
}

// Payload returns the payload bytes of a record given its full encoded
// bytes (header + payload).
func Payload(record []byte) []byte {
	return record[HeaderSize:]
}
