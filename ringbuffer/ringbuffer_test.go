// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ringbuffer_test

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/thomaslindner/ebcore/ringbuffer"
)

func mustReserveCommit(t *testing.T, r *ringbuffer.RingBuffer, payload []byte) {
	t.Helper()
	dst, err := r.Reserve(len(payload))
	if err != nil {
		t.Fatalf("Reserve(%d): %v", len(payload), err)
	}
	copy(dst, payload)
	r.Commit()
}

// P1: records are observed by the consumer in the order they were
// committed (FIFO).
func TestFIFOOrder(t *testing.T) {
	r := ringbuffer.New(256)
	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, w := range want {
		mustReserveCommit(t, r, w)
	}

	for i, w := range want {
		got, err := r.Peek()
		if err != nil {
			t.Fatalf("Peek %d: %v", i, err)
		}
		if !bytes.Equal(got, w) {
			t.Fatalf("Peek %d: got %q, want %q", i, got, w)
		}
		r.Advance(len(got))
	}

	if _, err := r.Peek(); err != ringbuffer.ErrWouldBlock {
		t.Fatalf("Peek on empty ring: got %v, want ErrWouldBlock", err)
	}
}

// P2: a record whose framing straddles the physical end of the arena
// round-trips correctly via the wrap sentinel.
func TestWrapAround(t *testing.T) {
	r := ringbuffer.New(64) // small ring forces frequent wraps

	var produced [][]byte
	for i := 0; i < 40; i++ {
		payload := []byte(fmt.Sprintf("record-%02d", i))
		for {
			dst, err := r.Reserve(len(payload))
			if err == ringbuffer.ErrWouldBlock {
				// drain one to make room
				got, perr := r.Peek()
				if perr != nil {
					t.Fatalf("Peek while full: %v", perr)
				}
				want := produced[0]
				if !bytes.Equal(got, want) {
					t.Fatalf("drain order: got %q, want %q", got, want)
				}
				produced = produced[1:]
				r.Advance(len(got))
				continue
			}
			if err != nil {
				t.Fatalf("Reserve: %v", err)
			}
			copy(dst, payload)
			r.Commit()
			produced = append(produced, payload)
			break
		}
	}

	for len(produced) > 0 {
		got, err := r.Peek()
		if err != nil {
			t.Fatalf("Peek drain: %v", err)
		}
		if !bytes.Equal(got, produced[0]) {
			t.Fatalf("drain order: got %q, want %q", got, produced[0])
		}
		r.Advance(len(got))
		produced = produced[1:]
	}
}

// S6: Level reports occupancy fraction usable for a 75%-full back-off.
func TestLevelReflectsOccupancy(t *testing.T) {
	r := ringbuffer.New(128)
	if l := r.Level(); l != 0 {
		t.Fatalf("Level on empty ring: got %v, want 0", l)
	}
	mustReserveCommit(t, r, bytes.Repeat([]byte{0xAB}, 64))
	if l := r.Level(); l <= 0 || l >= 1 {
		t.Fatalf("Level after partial fill: got %v, want in (0,1)", l)
	}
}

func TestReserveTooLarge(t *testing.T) {
	r := ringbuffer.New(32)
	if _, err := r.Reserve(1 << 20); err != ringbuffer.ErrTooLarge {
		t.Fatalf("Reserve(oversized): got %v, want ErrTooLarge", err)
	}
}

// P1/P2/S6: a real producer goroutine and a real consumer goroutine
// hand off every record through the ring with no external locking.
// Skipped under the race detector: it only understands Go's own
// happens-before edges, not the acquire/release ordering hand-rolled
// here on atomix.Uint64, so it flags this goroutine pair as a false
// positive (see RaceEnabled).
func TestConcurrentProducerConsumer(t *testing.T) {
	if ringbuffer.RaceEnabled {
		t.Skip("cross-goroutine acquire/release ordering triggers race-detector false positives")
	}

	r := ringbuffer.New(256)
	const n = 5000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			payload := []byte(fmt.Sprintf("rec-%06d", i))
			for {
				dst, err := r.Reserve(len(payload))
				if err == ringbuffer.ErrWouldBlock {
					continue
				}
				if err != nil {
					t.Errorf("Reserve: %v", err)
					return
				}
				copy(dst, payload)
				r.Commit()
				break
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			want := fmt.Sprintf("rec-%06d", i)
			for {
				got, err := r.Peek()
				if err == ringbuffer.ErrWouldBlock {
					continue
				}
				if err != nil {
					t.Errorf("Peek: %v", err)
					return
				}
				if string(got) != want {
					t.Errorf("record %d: got %q, want %q", i, got, want)
				}
				r.Advance(len(got))
				break
			}
		}
	}()
	wg.Wait()
}
