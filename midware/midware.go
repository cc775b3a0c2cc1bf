// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package midware narrows the two external collaborators this system
// is built against — the upstream shared-memory message buffer each
// fragment reads from, and the downstream sink the assembler writes
// coalesced events to — down to the two interfaces the core actually
// calls through. Production implementations of both live outside this
// repository; this package supplies only the seams and an in-memory
// test double of each.
package midware

import (
	"sync"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock is returned by Source.Receive when no event is
// currently available, mirroring the non-blocking receive semantics
// of the upstream message buffer (BM_ASYNC_RETURN).
var ErrWouldBlock = iox.ErrWouldBlock

// Source is a non-blocking upstream fragment event source.
type Source interface {
	// Receive copies the next available raw event into buf, returning
	// the number of bytes written. Returns ErrWouldBlock if none is
	// currently available.
	Receive(buf []byte) (n int, err error)
}

// Sink accepts a fully assembled, coalesced event.
type Sink interface {
	Send(event []byte) error
}

// MemorySource is an in-memory Source backed by a FIFO queue of raw
// events, for tests.
type MemorySource struct {
	mu     sync.Mutex
	events [][]byte
}

// NewMemorySource returns a MemorySource preloaded with events, in
// delivery order.
func NewMemorySource(events ...[]byte) *MemorySource {
	return &MemorySource{events: append([][]byte(nil), events...)}
}

// Push appends an event to the back of the queue.
func (s *MemorySource) Push(event []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Receive implements Source.
func (s *MemorySource) Receive(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return 0, ErrWouldBlock
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return copy(buf, ev), nil
}

// MemorySink is an in-memory Sink that records every event sent to
// it, for tests.
type MemorySink struct {
	mu     sync.Mutex
	events [][]byte
}

// Send implements Sink.
func (s *MemorySink) Send(event []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, append([]byte(nil), event...))
	return nil
}

// Events returns every event sent so far, in order.
func (s *MemorySink) Events() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.events...)
}
