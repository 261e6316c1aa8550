// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package frame

// Iterator walks a byte range as a sequence of frame records, each
// identified by reading its BytesOfFrame field and advancing by that
// amount.
//
// It reproduces the original frame_iterator's exact boundary behavior: a
// record is only yielded if another record could start after it within the
// remaining range (next < end). Because channel regions are never split
// mid-record, the final record of any given mapped slice always lands
// exactly on the slice's end — so that final record is not yielded by this
// iterator. Callers that need every byte accounted for (the sink stage)
// walk the range directly instead of going through Iterator; see
// internal/pipeline.splitAtDelayMs. This is documented as a deliberate,
// preserved quirk in DESIGN.md, not a bug to paper over.
type Iterator struct {
	remaining []byte
}

// NewIterator begins iterating over a mapped byte range.
func NewIterator(b []byte) Iterator {
	return Iterator{remaining: b}
}

// Next returns the header and payload of the next record, or ok=false when
// iteration has ended (including the preserved last-record boundary case
// above, and when a record reports a zero length).
func (it *Iterator) Next() (hdr Header, payload []byte, ok bool) {
	if len(it.remaining) == 0 {
		return Header{}, nil, false
	}
	cur := it.remaining
	hdr = Decode(cur)
	if hdr.BytesOfFrame == 0 {
		it.remaining = nil
		return Header{}, nil, false
	}
	next := int(hdr.BytesOfFrame)
	if next < len(it.remaining) {
		it.remaining = it.remaining[next:]
		return hdr, cur[HeaderSize:next], true
	}
	it.remaining = nil
	return Header{}, nil, false
}
