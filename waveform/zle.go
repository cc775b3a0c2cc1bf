// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package waveform decodes and encodes the zero-length-encoded (ZLE)
// waveform payload, the smart-QT (SQ) pulse-descriptor records, and the
// slow-digitiser (W4) chunked-sample payload. Pure function library, no I/O.
package waveform

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a ZLE/SQ/W4 payload ends before its own
// declared structure is fully consumed.
var ErrTruncated = errors.New("waveform: truncated payload")

const goodBit = uint32(1) << 31
const lengthMask = uint32(0xFFFFF) // low 20 bits

// ZLEBlock is one control word's worth of a channel's sample stream.
// Good blocks carry Data; skip blocks never do.
type ZLEBlock struct {
	Good         bool
	SampleOffset int      // sample index at the start of this block
	Length       uint32   // words (skip length, or words of following data for good)
	Data         []uint32 // present iff Good
}

// ZLEChannel is one enabled channel's full control-word stream.
type ZLEChannel struct {
	Index  int
	Blocks []ZLEBlock
}

// ZLE is a fully decoded ZLE waveform bank payload.
type ZLE struct {
	SizeWord uint32 // word0: upper byte opaque, low 24 bits total payload size in words
	ChanWord uint32 // word1: low 8 bits channel mask, rest opaque
	Opaque2  uint32
	Opaque3  uint32
	Channels []ZLEChannel
}

// ChannelMask returns the 8-bit channel-enable mask.
func (z ZLE) ChannelMask() uint8 {
	return uint8(z.ChanWord & 0xFF)
}

// DecodeZLE parses a ZLE waveform bank payload.
func DecodeZLE(payload []byte) (ZLE, error) {
	words := bytesToWords(payload)
	if len(words) < 4 {
		return ZLE{}, fmt.Errorf("zle: header: %w", ErrTruncated)
	}
	z := ZLE{
		SizeWord: words[0],
		ChanWord: words[1],
		Opaque2:  words[2],
		Opaque3:  words[3],
	}

	idx := 4
	mask := z.ChannelMask()
	for ch := 0; ch < 8; ch++ {
		if mask&(1<<uint(ch)) == 0 {
			continue
		}
		if idx >= len(words) {
			return ZLE{}, fmt.Errorf("zle: channel %d size word: %w", ch, ErrTruncated)
		}
		chSizeWords := words[idx]
		idx++
		wordsRead := uint32(1)

		var chOut ZLEChannel
		chOut.Index = ch
		sample := 0
		for wordsRead < chSizeWords {
			if idx >= len(words) {
				return ZLE{}, fmt.Errorf("zle: channel %d control word: %w", ch, ErrTruncated)
			}
			ctrl := words[idx]
			idx++
			wordsRead++

			good := ctrl&goodBit != 0
			length := ctrl & lengthMask

			blk := ZLEBlock{Good: good, SampleOffset: sample, Length: length}
			if good {
				if idx+int(length) > len(words) {
					return ZLE{}, fmt.Errorf("zle: channel %d data: %w", ch, ErrTruncated)
				}
				blk.Data = append([]uint32(nil), words[idx:idx+int(length)]...)
				idx += int(length)
				wordsRead += length
			}
			sample += int(length) * 2
			chOut.Blocks = append(chOut.Blocks, blk)
		}
		z.Channels = append(z.Channels, chOut)
	}
	return z, nil
}

// Encode serializes z back to a ZLE bank payload.
func (z ZLE) Encode() []byte {
	var words []uint32
	words = append(words, 0 /* size patched below */, z.ChanWord, z.Opaque2, z.Opaque3)

	for _, ch := range z.Channels {
		sizeIdx := len(words)
		words = append(words, 0) // channel size, patched below
		chWords := uint32(1)
		for _, blk := range ch.Blocks {
			ctrl := blk.Length & lengthMask
			if blk.Good {
				ctrl |= goodBit
			}
			words = append(words, ctrl)
			chWords++
			if blk.Good {
				words = append(words, blk.Data...)
				chWords += uint32(len(blk.Data))
			}
		}
		words[sizeIdx] = chWords
	}

	words[0] = (z.SizeWord &^ 0xFFFFFF) | (uint32(len(words)) & 0xFFFFFF)

	return wordsToBytes(words)
}

// WithDropped returns a copy of z where every good block whose
// (channel index, sample offset) satisfies shouldDrop is rewritten to a
// skip block of the same sample length, with its data words omitted.
// Blocks that are already skip, or for which shouldDrop returns false,
// are left unchanged (byte-identical on re-encode).
func (z ZLE) WithDropped(shouldDrop func(channel, sampleOffset int) bool) ZLE {
	out := z
	out.Channels = make([]ZLEChannel, len(z.Channels))
	for i, ch := range z.Channels {
		outCh := ZLEChannel{Index: ch.Index, Blocks: make([]ZLEBlock, len(ch.Blocks))}
		for j, blk := range ch.Blocks {
			if blk.Good && shouldDrop(ch.Index, blk.SampleOffset) {
				outCh.Blocks[j] = ZLEBlock{Good: false, SampleOffset: blk.SampleOffset, Length: blk.Length}
			} else {
				outCh.Blocks[j] = blk
			}
		}
		out.Channels[i] = outCh
	}
	return out
}

func bytesToWords(b []byte) []uint32 {
	n := len(b) / 4
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

func wordsToBytes(words []uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}
