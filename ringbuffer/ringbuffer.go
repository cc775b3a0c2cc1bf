// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ringbuffer implements the single-producer/single-consumer
// byte ring each fragment ingest worker hands completed events to the
// assembler through: a Lamport ring with cached-index optimization,
// carrying variable-length framed records instead of fixed slots.
package ringbuffer

import (
	"encoding/binary"
	"errors"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
)

// ErrWouldBlock indicates Reserve found no room, or Peek found no
// committed record. It is a control-flow signal, not a failure; retry
// with backoff.
var ErrWouldBlock = iox.ErrWouldBlock

// ErrTooLarge is returned by Reserve when n plus framing overhead can
// never fit in the ring regardless of occupancy.
var ErrTooLarge = errors.New("ringbuffer: record too large for ring capacity")

// ErrCommitFence is returned by Peek when a record's tail has been
// published but its trailer fence word has not yet become visible —
// the producer is still mid-write. Retry.
var ErrCommitFence = errors.New("ringbuffer: commit fence not yet visible")

const (
	recordHeaderSize  = 4 // little-endian payload length, in bytes
	recordTrailerSize = 4 // commitFence sentinel
	commitFence       = uint32(0xDEADBEEF)
	wrapSentinel      = ^uint32(0) // marks "skip to offset 0"
)

func align4(n int) int { return (n + 3) &^ 3 }

type pad [64]byte

// RingBuffer is a fixed-capacity byte ring for a single producer and a
// single consumer. Capacity rounds up to the next power of two.
type RingBuffer struct {
	_          pad
	head       atomix.Uint64 // consumer-owned read cursor (bytes)
	_          pad
	cachedTail uint64 // consumer's cached view of tail
	_          pad
	tail       atomix.Uint64 // producer-owned committed write cursor (bytes)
	_          pad
	cachedHead uint64 // producer's cached view of head
	_          pad
	buf        []byte
	mask       uint64

	// producer-local, valid between Reserve and Commit; SPSC so no
	// synchronization is needed for these.
	pendingOff uint64
	pendingLen int
}

// New returns an empty ring with at least capacityBytes of storage.
func New(capacityBytes int) *RingBuffer {
	if capacityBytes < 64 {
		capacityBytes = 64
	}
	n := roundToPow2(capacityBytes)
	// buf carries recordHeaderSize bytes of trailing scratch so a wrap
	// sentinel written at the last few bytes of the arena never runs
	// past the backing array; masked indexing still confines payloads
	// to [0,n).
	return &RingBuffer{buf: make([]byte, n+recordHeaderSize), mask: uint64(n - 1)}
}

// Cap returns the ring's byte capacity.
func (r *RingBuffer) Cap() int {
	return int(r.mask + 1)
}

// Level returns the fraction of the ring currently occupied, in
// [0,1], as observed by the producer. Used to trigger the 75%-full
// back-off a fragment worker applies before pulling its next event.
func (r *RingBuffer) Level() float64 {
	tail := r.tail.LoadRelaxed()
	head := r.head.LoadAcquire()
	return float64(tail-head) / float64(r.mask+1)
}

// Reserve claims space for a record of n payload bytes and returns a
// slice the caller must fill in full before calling Commit. Producer
// side only; at most one reservation may be outstanding at a time.
func (r *RingBuffer) Reserve(n int) ([]byte, error) {
	if n <= 0 {
		panic("ringbuffer: reserve size must be > 0")
	}
	capacity := r.mask + 1
	need := uint64(recordHeaderSize + align4(n) + recordTrailerSize)
	if need > capacity {
		return nil, ErrTooLarge
	}

	tail := r.tail.LoadRelaxed()
	startInArena := tail & r.mask

	var total uint64
	var recordStart uint64
	if startInArena+need > capacity {
		wrapWaste := capacity - startInArena
		total = wrapWaste + need
		recordStart = tail + wrapWaste
	} else {
		total = need
		recordStart = tail
	}

	if tail-r.cachedHead+total > capacity {
		r.cachedHead = r.head.LoadAcquire()
		if tail-r.cachedHead+total > capacity {
			return nil, ErrWouldBlock
		}
	}

	if recordStart != tail {
		binary.LittleEndian.PutUint32(r.buf[startInArena:], wrapSentinel)
	}

	r.pendingOff = recordStart
	r.pendingLen = n
	payloadStart := (recordStart + recordHeaderSize) & r.mask
	return r.buf[payloadStart : payloadStart+uint64(n) : payloadStart+uint64(n)], nil
}

// Commit publishes the payload written into the slice returned by the
// preceding Reserve call, making it visible to the consumer.
func (r *RingBuffer) Commit() {
	off := r.pendingOff & r.mask
	binary.LittleEndian.PutUint32(r.buf[off:], uint32(r.pendingLen))
	payloadStart := off + recordHeaderSize
	trailerOff := payloadStart + uint64(align4(r.pendingLen))
	binary.LittleEndian.PutUint32(r.buf[trailerOff:], commitFence)

	newTail := r.pendingOff + uint64(recordHeaderSize+align4(r.pendingLen)+recordTrailerSize)
	r.tail.StoreRelease(newTail)
}

// Peek returns the next committed record without removing it from the
// ring. The caller must pass the returned slice's length back to
// Advance once done. Returns ErrWouldBlock if the ring is empty.
func (r *RingBuffer) Peek() ([]byte, error) {
	capacity := r.mask + 1
	for {
		head := r.head.LoadRelaxed()
		if head >= r.cachedTail {
			r.cachedTail = r.tail.LoadAcquire()
			if head >= r.cachedTail {
				return nil, ErrWouldBlock
			}
		}

		off := head & r.mask
		length := binary.LittleEndian.Uint32(r.buf[off:])
		if length == wrapSentinel {
			r.head.StoreRelease(head + (capacity - off))
			continue
		}

		payloadStart := off + recordHeaderSize
		trailerOff := payloadStart + uint64(align4(int(length)))

		sw := spin.Wait{}
		var trailer uint32
		for i := 0; i < 8; i++ {
			trailer = binary.LittleEndian.Uint32(r.buf[trailerOff:])
			if trailer == commitFence {
				break
			}
			sw.Once()
		}
		if trailer != commitFence {
			return nil, ErrCommitFence
		}
		return r.buf[payloadStart : payloadStart+uint64(length) : payloadStart+uint64(length)], nil
	}
}

// Advance releases the record of n bytes previously returned by Peek.
func (r *RingBuffer) Advance(n int) {
	head := r.head.LoadRelaxed()
	total := uint64(recordHeaderSize + align4(n) + recordTrailerSize)
	r.head.StoreRelease(head + total)
}

func roundToPow2(n int) int {
	if n < 2 {
		return 2
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
