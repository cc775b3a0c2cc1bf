// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/thomaslindner/ebcore/midware"
)

// readFramedEvents reads a sequence of [4-byte little-endian length][bytes]
// records from path — the on-disk stand-in this binary uses for the
// real upstream shared-memory message buffer, which is out of scope
// per spec.md §1.
func readFramedEvents(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ebuilderd: open %s: %w", path, err)
	}
	defer f.Close()

	var out [][]byte
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, fmt.Errorf("ebuilderd: read %s: %w", path, err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, fmt.Errorf("ebuilderd: read %s: %w", path, err)
		}
		out = append(out, buf)
	}
}

// fileSink is a midware.Sink that appends each sent event to an output
// file in the same framed format readFramedEvents consumes — the
// on-disk stand-in for the real downstream output message buffer.
type fileSink struct {
	f *os.File
}

func newFileSink(path string) (*fileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("ebuilderd: create %s: %w", path, err)
	}
	return &fileSink{f: f}, nil
}

// Send implements midware.Sink.
func (s *fileSink) Send(event []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(event)))
	if _, err := s.f.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := s.f.Write(event)
	return err
}

func (s *fileSink) Close() error { return s.f.Close() }

var _ midware.Sink = (*fileSink)(nil)
