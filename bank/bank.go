// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bank decodes and encodes the nested bank container format:
// a fixed EventHeader followed by a sequence of 32-bit aligned banks,
// each a 4-character name, a type tag, a length (in 32-bit words), and
// a payload. The package is a pure function library; it performs no I/O.
package bank

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Known bank type tags. Only DWORD is used by this system. Iterate
// does not interpret the type tag: every bank's length is read as a
// count of 32-bit words whatever its type.
const (
	TypeBYTE   uint32 = 4
	TypeWORD   uint32 = 7
	TypeDWORD  uint32 = 8
	TypeSTRUCT uint32 = 14
)

// headerSize is the size in bytes of one bank's name+type+length header.
const headerSize = 12

// EventHeader is the fixed header that precedes every bank container.
type EventHeader struct {
	EventID     uint16
	TriggerMask uint16
	SerialNo    uint32
	Timestamp   uint32
	DataSize    uint32 // authoritative size of the bank container that follows, in bytes
}

// Size of an encoded EventHeader.
const EventHeaderSize = 16

// ErrMalformedBank is returned when a bank declares a length exceeding
// the remaining bytes in the container.
var ErrMalformedBank = errors.New("bank: malformed bank")

// DecodeEventHeader reads a fixed EventHeader from the front of buf.
func DecodeEventHeader(buf []byte) (EventHeader, error) {
	if len(buf) < EventHeaderSize {
		return EventHeader{}, fmt.Errorf("bank: short event header: %w", ErrMalformedBank)
	}
	return EventHeader{
		EventID:     binary.LittleEndian.Uint16(buf[0:2]),
		TriggerMask: binary.LittleEndian.Uint16(buf[2:4]),
		SerialNo:    binary.LittleEndian.Uint32(buf[4:8]),
		Timestamp:   binary.LittleEndian.Uint32(buf[8:12]),
		DataSize:    binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// EncodeEventHeader writes h to the front of buf, which must be at
// least EventHeaderSize bytes.
func EncodeEventHeader(buf []byte, h EventHeader) {
	binary.LittleEndian.PutUint16(buf[0:2], h.EventID)
	binary.LittleEndian.PutUint16(buf[2:4], h.TriggerMask)
	binary.LittleEndian.PutUint32(buf[4:8], h.SerialNo)
	binary.LittleEndian.PutUint32(buf[8:12], h.Timestamp)
	binary.LittleEndian.PutUint32(buf[12:16], h.DataSize)
}

// Bank is a decoded view into a bank container: Name/Type describe the
// bank, Payload aliases the container's backing array (no copy).
type Bank struct {
	Name    string
	Type    uint32
	Payload []byte
}

// Words reinterprets Payload as little-endian 32-bit words.
func (b Bank) Words() []uint32 {
	n := len(b.Payload) / 4
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint32(b.Payload[i*4:])
	}
	return out
}

// Iterate walks container (the bytes immediately following an
// EventHeader), calling fn for each bank found in order. If fn returns
// false, iteration stops early. Iterate returns ErrMalformedBank if a
// bank declares a length exceeding the remaining container bytes.
func Iterate(container []byte, fn func(b Bank) bool) error {
	off := 0
	for off+headerSize <= len(container) {
		name := string(container[off : off+4])
		typ := binary.LittleEndian.Uint32(container[off+4 : off+8])
		lengthWords := binary.LittleEndian.Uint32(container[off+8 : off+12])
		payloadLen := int(lengthWords) * 4
		start := off + headerSize
		end := start + payloadLen
		if payloadLen < 0 || end > len(container) {
			return fmt.Errorf("bank: %q declares %d words past container end: %w", name, lengthWords, ErrMalformedBank)
		}
		b := Bank{Name: name, Type: typ, Payload: container[start:end]}
		if !fn(b) {
			return nil
		}
		off = end
	}
	return nil
}

// Locate returns the first bank named name in container, or ok=false if
// absent. Malformed trailing data is ignored once the named bank (if
// any) has already been found whole.
func Locate(container []byte, name string) (b Bank, ok bool) {
	_ = Iterate(container, func(cand Bank) bool {
		if cand.Name == name {
			b, ok = cand, true
			return false
		}
		return true
	})
	return b, ok
}

// Builder appends banks into a new container.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty container builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Cursor is returned by Create; callers append payload words to it and
// then call Close to patch the bank's length header.
type Cursor struct {
	b          *Builder
	lengthOff  int
	payloadOff int
}

// Create appends a bank header (name, typ) for writing and returns a
// cursor for the payload. The length field is patched by Close.
func (b *Builder) Create(name string, typ uint32) *Cursor {
	var nameBuf [4]byte
	copy(nameBuf[:], name)
	b.buf = append(b.buf, nameBuf[:]...)
	b.buf = appendU32(b.buf, typ)
	lengthOff := len(b.buf)
	b.buf = appendU32(b.buf, 0) // patched on Close
	return &Cursor{b: b, lengthOff: lengthOff, payloadOff: len(b.buf)}
}

// WriteWords appends payload words in order.
func (c *Cursor) WriteWords(words ...uint32) {
	for _, w := range words {
		c.b.buf = appendU32(c.b.buf, w)
	}
}

// WriteBytes appends raw payload bytes. len(p) must be a multiple of 4.
func (c *Cursor) WriteBytes(p []byte) {
	c.b.buf = append(c.b.buf, p...)
}

// Close patches the bank's length field (in 32-bit words) from the
// bytes written since Create.
func (c *Cursor) Close() {
	words := uint32((len(c.b.buf) - c.payloadOff) / 4)
	binary.LittleEndian.PutUint32(c.b.buf[c.lengthOff:c.lengthOff+4], words)
}

// Copy appends a verbatim copy of the bank named name from source into
// the builder. Returns false if no such bank exists in source.
func (b *Builder) Copy(source []byte, name string) bool {
	bk, ok := Locate(source, name)
	if !ok {
		return false
	}
	var nameBuf [4]byte
	copy(nameBuf[:], bk.Name)
	b.buf = append(b.buf, nameBuf[:]...)
	b.buf = appendU32(b.buf, bk.Type)
	b.buf = appendU32(b.buf, uint32(len(bk.Payload)/4))
	b.buf = append(b.buf, bk.Payload...)
	return true
}

// CopyAll appends a verbatim copy of every bank in source, in order.
// Returns false if source contains no banks at all.
func (b *Builder) CopyAll(source []byte) bool {
	any := false
	_ = Iterate(source, func(bk Bank) bool {
		var nameBuf [4]byte
		copy(nameBuf[:], bk.Name)
		b.buf = append(b.buf, nameBuf[:]...)
		b.buf = appendU32(b.buf, bk.Type)
		b.buf = appendU32(b.buf, uint32(len(bk.Payload)/4))
		b.buf = append(b.buf, bk.Payload...)
		any = true
		return true
	})
	return any
}

// Bytes returns the built container.
func (b *Builder) Bytes() []byte {
	return b.buf
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}
