// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package waveform_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/thomaslindner/ebcore/waveform"
)

func sampleZLE() waveform.ZLE {
	return waveform.ZLE{
		SizeWord: 0xAA000000,
		ChanWord: 0x00000005, // channels 0 and 2 enabled
		Opaque2:  1,
		Opaque3:  2,
		Channels: []waveform.ZLEChannel{
			{Index: 0, Blocks: []waveform.ZLEBlock{
				{Good: false, SampleOffset: 0, Length: 4},
				{Good: true, SampleOffset: 8, Length: 2, Data: []uint32{0x111, 0x222}},
				{Good: false, SampleOffset: 12, Length: 3},
			}},
			{Index: 2, Blocks: []waveform.ZLEBlock{
				{Good: true, SampleOffset: 0, Length: 1, Data: []uint32{0xFEED}},
			}},
		},
	}
}

// R2: decode(encode(zle)) == zle.
func TestZLERoundTrip(t *testing.T) {
	z := sampleZLE()
	encoded := z.Encode()

	got, err := waveform.DecodeZLE(encoded)
	if err != nil {
		t.Fatalf("DecodeZLE: %v", err)
	}
	if got.ChannelMask() != z.ChannelMask() {
		t.Fatalf("ChannelMask: got %x, want %x", got.ChannelMask(), z.ChannelMask())
	}
	if len(got.Channels) != len(z.Channels) {
		t.Fatalf("channel count: got %d, want %d", len(got.Channels), len(z.Channels))
	}
	reencoded := got.Encode()
	if !bytes.Equal(reencoded, encoded) {
		t.Fatalf("re-encode mismatch:\n got %v\nwant %v", reencoded, encoded)
	}
}

// R3: empty drop list leaves the container byte-for-byte identical.
func TestZLEWithDroppedNoopIsIdentity(t *testing.T) {
	z := sampleZLE()
	encoded := z.Encode()

	filtered := z.WithDropped(func(ch, off int) bool { return false })
	if !bytes.Equal(filtered.Encode(), encoded) {
		t.Fatalf("no-op filter changed bytes")
	}
}

// S4: a rewrite pass that drops a specific good block turns it into a
// skip block of the same sample length, and data bytes shrink.
func TestZLEWithDroppedRewritesGoodToSkip(t *testing.T) {
	z := sampleZLE()
	before := z.Encode()

	filtered := z.WithDropped(func(ch, off int) bool { return ch == 0 && off == 8 })
	after := filtered.Encode()

	if len(after) >= len(before) {
		t.Fatalf("expected rewrite to shrink payload: before=%d after=%d", len(before), len(after))
	}

	decoded, err := waveform.DecodeZLE(after)
	if err != nil {
		t.Fatalf("DecodeZLE: %v", err)
	}
	blk := decoded.Channels[0].Blocks[1]
	if blk.Good {
		t.Fatalf("block at (ch=0,off=8) still marked good")
	}
	if blk.Length != 2 {
		t.Fatalf("skip length: got %d, want 2 (sample length preserved)", blk.Length)
	}

	// R4: applying the same drop predicate again is a no-op.
	twice := filtered.WithDropped(func(ch, off int) bool { return ch == 0 && off == 8 })
	if !bytes.Equal(twice.Encode(), after) {
		t.Fatalf("idempotence: second rewrite changed bytes")
	}
}

func sampleSQ() waveform.SQ {
	p1 := waveform.NewSQPulse(1, 0xABC, 100, 200)
	p1.Words[1], p1.Words[4] = 10, 20
	p2 := waveform.NewSQPulse(1, 0x0FF, 150, 90)
	p2.Words[1], p2.Words[4] = 11, 21
	p3 := waveform.NewSQPulse(2, 0x800, 300, 255)
	p3.Words[1], p3.Words[4] = 12, 22
	return waveform.SQ{
		Header0: 0x77000000,
		Header1: 1,
		Pulses:  []waveform.SQPulse{p1, p2, p3},
	}
}

func TestSQRoundTrip(t *testing.T) {
	sq := sampleSQ()
	encoded := sq.Encode()

	got, err := waveform.DecodeSQ(encoded)
	if err != nil {
		t.Fatalf("DecodeSQ: %v", err)
	}
	if len(got.Pulses) != 3 {
		t.Fatalf("pulse count: got %d, want 3", len(got.Pulses))
	}
	for i, p := range got.Pulses {
		want := sq.Pulses[i]
		if p != want {
			t.Fatalf("pulse %d: got %+v, want %+v", i, p, want)
		}
	}
}

// S5: a channel with more than one pulse is flagged as a multi-pulse
// event.
func TestSQMultiPulseDetection(t *testing.T) {
	sq := sampleSQ()
	multi := sq.MultiPulseChannels()
	if len(multi) != 1 || multi[0] != 1 {
		t.Fatalf("MultiPulseChannels: got %v, want [1]", multi)
	}
}

// TestSQDecodeMatchesWireLayout decodes a hand-built raw payload laid
// out exactly per spec.md §4.2 (3-word header, pulses at word index
// 3, channel in bits 31:28 of word 0, peak in bits 19:8 of word 0,
// offset in bits 31:16 of word 2, confidence in the low byte of word
// 3) instead of going through SQ.Encode, so a bit-position regression
// in DecodeSQ can't hide behind a round-trip test. Uses S5's two
// same-(channel,offset) pulses, with every bit DecodeSQ must ignore
// set to non-zero junk.
func TestSQDecodeMatchesWireLayout(t *testing.T) {
	const junkLow = 0xFF             // word 0 bits 7:0
	const junkMid = 0xFF << 20       // word 0 bits 27:20
	const junkW2Low = 0x5A5A         // word 2 bits 15:0
	const junkW3High = 0xFFFFFF << 8 // word 3 bits 31:8, sans the low byte

	pulse := func(channel uint8, peak uint16, offset uint16, confidence uint8) [5]uint32 {
		return [5]uint32{
			(uint32(channel) << 28) | junkMid | (uint32(peak) << 8) | junkLow,
			0xAAAAAAAA,
			(uint32(offset) << 16) | junkW2Low,
			junkW3High | uint32(confidence),
			0x12345678,
		}
	}

	words := []uint32{0xDEAD, 0xBEEF, 2 * 5} // header: 2 opaque, nQTWords=10
	p0 := pulse(3, 0x123, 500, 150)
	p1 := pulse(3, 0x123, 500, 180)
	words = append(words, p0[:]...)
	words = append(words, p1[:]...)

	raw := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(raw[i*4:], w)
	}

	sq, err := waveform.DecodeSQ(raw)
	if err != nil {
		t.Fatalf("DecodeSQ: %v", err)
	}
	if len(sq.Pulses) != 2 {
		t.Fatalf("pulse count: got %d, want 2", len(sq.Pulses))
	}
	want := []struct {
		channel    uint8
		offset     uint16
		confidence uint8
	}{
		{3, 500, 150},
		{3, 500, 180},
	}
	for i, w := range want {
		p := sq.Pulses[i]
		if p.Channel() != w.channel {
			t.Fatalf("pulse %d channel: got %d, want %d", i, p.Channel(), w.channel)
		}
		if p.Offset() != w.offset {
			t.Fatalf("pulse %d offset: got %d, want %d", i, p.Offset(), w.offset)
		}
		if p.Confidence() != w.confidence {
			t.Fatalf("pulse %d confidence: got %d, want %d", i, p.Confidence(), w.confidence)
		}
	}
}

func TestW4RoundTrip(t *testing.T) {
	var chunk [24]uint16
	for i := range chunk {
		chunk[i] = uint16(i*37+1) & 0xFFF
	}
	w := waveform.W4{
		SizeWord:  0x55000000,
		GroupMask: 0x3, // groups 0 and 1 active
		Opaque2:   7,
		Opaque3:   8,
		Groups: []waveform.W4Group{
			{Index: 0, Chunks: [][24]uint16{chunk, chunk}},
			{Index: 1, Chunks: [][24]uint16{chunk, chunk}},
		},
	}
	encoded := w.Encode()

	got, err := waveform.DecodeW4(encoded)
	if err != nil {
		t.Fatalf("DecodeW4: %v", err)
	}
	if len(got.Groups) != 2 {
		t.Fatalf("group count: got %d, want 2", len(got.Groups))
	}
	if len(got.Groups[1].Chunks) != 2 {
		t.Fatalf("group 1 chunk count: got %d, want 2", len(got.Groups[1].Chunks))
	}
	if got.Groups[0].Chunks[0] != chunk {
		t.Fatalf("group 0 chunk: got %v, want %v", got.Groups[0].Chunks[0], chunk)
	}
	if !bytes.Equal(got.Encode(), encoded) {
		t.Fatalf("re-encode mismatch")
	}
}
