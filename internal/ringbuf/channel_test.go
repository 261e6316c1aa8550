// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ringbuf

import (
	"bytes"
	"testing"
	"time"
)

func TestChannel_WriteMapTooLargeFailsEvenEmpty(t *testing.T) {
	c := New(16)
	// Open question (a): nbytes >= capacity fails immediately, even with no
	// readers and an entirely empty channel.
	if got := c.WriteMap(16); got != nil {
		t.Fatalf("expected nil for nbytes == capacity, got %v", got)
	}
	if got := c.WriteMap(17); got != nil {
		t.Fatalf("expected nil for nbytes > capacity, got %v", got)
	}
}

func TestChannel_WriteReadNoReaders(t *testing.T) {
	c := New(64)
	region := c.WriteMap(5)
	if region == nil {
		t.Fatal("expected a region")
	}
	copy(region, []byte("hello"))
	c.WriteUnmap()

	var r Reader
	s := c.ReadMap(&r)
	if !bytes.Equal(s.Bytes(), []byte("hello")) {
		t.Fatalf("expected %q, got %q", "hello", s.Bytes())
	}
	c.ReadUnmap(&r, s.Len())
}

func TestChannel_ReadMapAfterUnmapStartsWhereItLeftOff(t *testing.T) {
	c := New(64)

	var r Reader
	region := c.WriteMap(3)
	copy(region, []byte("abc"))
	c.WriteUnmap()

	s := c.ReadMap(&r)
	if !bytes.Equal(s.Bytes(), []byte("abc")) {
		t.Fatalf("first slice: got %q", s.Bytes())
	}
	c.ReadUnmap(&r, s.Len())

	region = c.WriteMap(3)
	copy(region, []byte("def"))
	c.WriteUnmap()

	s = c.ReadMap(&r)
	if !bytes.Equal(s.Bytes(), []byte("def")) {
		t.Fatalf("second slice should start right after the first: got %q", s.Bytes())
	}
	c.ReadUnmap(&r, s.Len())
}

func TestChannel_ReadMapWhileAlreadyMappedIsRejected(t *testing.T) {
	c := New(64)
	region := c.WriteMap(3)
	copy(region, []byte("abc"))
	c.WriteUnmap()

	var r Reader
	c.ReadMap(&r)
	s := c.ReadMap(&r)
	if r.Status != StatusExpectedUnmapped {
		t.Fatalf("expected StatusExpectedUnmapped, got %v", r.Status)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty slice, got len %d", s.Len())
	}
}

func TestChannel_BackpressureBlocksUntilReaderAdvances(t *testing.T) {
	c := New(16)

	var r Reader
	region := c.WriteMap(10)
	copy(region, bytes.Repeat([]byte{1}, 10))
	c.WriteUnmap()

	// Register the reader (its cursor starts at 0, behind the 10 written
	// bytes) so the writer now has a lagging reader to respect, then try to
	// reserve more than the remaining free space.
	s := c.ReadMap(&r)
	c.ReadUnmap(&r, 0) // map-then-release without consuming: reader stays at 0

	done := make(chan []byte, 1)
	go func() {
		done <- c.WriteMap(10)
	}()

	select {
	case <-done:
		t.Fatal("WriteMap should have blocked: reader has not advanced")
	case <-time.After(100 * time.Millisecond):
	}

	_ = s
	c.ReadMap(&r)
	c.ReadUnmap(&r, 10) // reader catches up, freeing space

	select {
	case region := <-done:
		if region == nil {
			t.Fatal("expected a region once space freed up")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("WriteMap should unblock once the lagging reader advances")
	}
}

func TestChannel_AcceptWritesFalseUnblocksWriter(t *testing.T) {
	c := New(16)

	var r Reader
	region := c.WriteMap(10)
	copy(region, bytes.Repeat([]byte{1}, 10))
	c.WriteUnmap()
	c.ReadMap(&r) // register, don't release: reader stays the lagging cursor forever

	done := make(chan []byte, 1)
	go func() {
		done <- c.WriteMap(10)
	}()

	select {
	case <-done:
		t.Fatal("WriteMap should block while the reader has not advanced")
	case <-time.After(50 * time.Millisecond):
	}

	c.AcceptWrites(false)

	select {
	case region := <-done:
		if region != nil {
			t.Fatal("expected nil once the channel stops accepting writes")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("AcceptWrites(false) should wake the blocked writer")
	}
}

func TestChannel_WrapAroundAdvancesCycle(t *testing.T) {
	c := New(20)

	var r Reader
	region := c.WriteMap(12)
	copy(region, bytes.Repeat([]byte{0xAA}, 12))
	c.WriteUnmap()
	s := c.ReadMap(&r)
	c.ReadUnmap(&r, s.Len())

	// 10 more bytes won't fit in the remaining 8 bytes to the physical end,
	// so with no readers blocking it this should wrap to offset 0.
	region = c.WriteMap(10)
	if region == nil {
		t.Fatal("expected wraparound write to succeed")
	}
	copy(region, bytes.Repeat([]byte{0xBB}, 10))
	c.WriteUnmap()

	// The reader's cursor sits at the pre-wrap watermark (12 == high), so
	// the first map after the wrap covers the empty remainder [12, high) of
	// the previous cycle; unmapping it moves the cursor to offset 0 of the
	// new cycle.
	s = c.ReadMap(&r)
	if s.Len() != 0 {
		t.Fatalf("expected the empty pre-wrap remainder first, got %v", s.Bytes())
	}
	c.ReadUnmap(&r, s.Len())

	s = c.ReadMap(&r)
	if !bytes.Equal(s.Bytes(), bytes.Repeat([]byte{0xBB}, 10)) {
		t.Fatalf("expected the wrapped write, got %v", s.Bytes())
	}
	c.ReadUnmap(&r, s.Len())
}

func TestChannel_NoFreeReaderSlotIsRejected(t *testing.T) {
	c := New(64)
	region := c.WriteMap(1)
	region[0] = 1
	c.WriteUnmap()

	readers := make([]Reader, maxReaders+1)
	for i := 0; i < maxReaders; i++ {
		c.ReadMap(&readers[i])
		if readers[i].Status != StatusOk {
			t.Fatalf("reader %d: expected StatusOk, got %v", i, readers[i].Status)
		}
	}
	c.ReadMap(&readers[maxReaders])
	if readers[maxReaders].Status != StatusError {
		t.Fatalf("9th reader: expected StatusError (no free slot), got %v", readers[maxReaders].Status)
	}
	// Existing readers remain valid.
	if readers[0].Status != StatusOk {
		t.Fatalf("existing reader corrupted by overflow registration")
	}
}

func TestChannel_TwoIndependentReadersAtDifferentPaces(t *testing.T) {
	c := New(64)

	region := c.WriteMap(5)
	copy(region, []byte("first"))
	c.WriteUnmap()

	var fast, slow Reader
	s := c.ReadMap(&fast)
	c.ReadUnmap(&fast, s.Len())

	region = c.WriteMap(6)
	copy(region, []byte("second"))
	c.WriteUnmap()

	// The fast reader only sees "second"; the slow reader, never yet read,
	// sees both writes concatenated.
	s = c.ReadMap(&fast)
	if !bytes.Equal(s.Bytes(), []byte("second")) {
		t.Fatalf("fast reader: got %q", s.Bytes())
	}
	c.ReadUnmap(&fast, s.Len())

	s = c.ReadMap(&slow)
	if !bytes.Equal(s.Bytes(), []byte("firstsecond")) {
		t.Fatalf("slow reader: got %q", s.Bytes())
	}
	c.ReadUnmap(&slow, s.Len())
}

func TestChannel_ConcurrentWriterAndReader(t *testing.T) {
	c := New(256)
	const n = 200

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			region := c.WriteMap(1)
			region[0] = byte(i)
			c.WriteUnmap()
		}
	}()

	var r Reader
	seen := 0
	for seen < n {
		s := c.ReadMap(&r)
		for _, b := range s.Bytes() {
			if int(b) != seen%256 {
				t.Fatalf("out of order byte at %d: got %d", seen, b)
			}
			seen++
		}
		c.ReadUnmap(&r, s.Len())
	}
	<-done
}
