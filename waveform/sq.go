// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package waveform

import "fmt"

// sqWordsPerPulse is NUM_SQ_WORDS: the fixed record size of one
// smart-QT pulse descriptor.
const sqWordsPerPulse = 5

// SQPulse is one decoded smart-QT pulse-descriptor record: five raw
// 32-bit words, of which only a few bit ranges carry fields this
// filter inspects (word 1 and word 4 travel through unexamined). See
// Channel, Peak, Offset, and Confidence.
type SQPulse struct {
	Words [sqWordsPerPulse]uint32
}

// NewSQPulse packs the four fields WaveformCodec cares about into a
// pulse record, with every other bit left zero. Used to build
// synthetic records (tests); a real
// upstream record decoded by DecodeSQ carries its other bits intact
// through a rewrite instead.
func NewSQPulse(channel uint8, peak uint16, offset uint16, confidence uint8) SQPulse {
	var p SQPulse
	p.Words[0] = (uint32(channel&0xF) << 28) | (uint32(peak&0xFFF) << 8)
	p.Words[2] = uint32(offset) << 16
	p.Words[3] = uint32(confidence)
	return p
}

// Channel is the 4-bit channel number packed into bits 31:28 of
// word 0.
func (p SQPulse) Channel() uint8 { return uint8((p.Words[0] >> 28) & 0xF) }

// Peak is the 12-bit ADC peak value packed into bits 19:8 of word 0.
func (p SQPulse) Peak() uint16 { return uint16((p.Words[0] >> 8) & 0xFFF) }

// Offset is the 16-bit intra-block sample offset packed into bits
// 31:16 of word 2.
func (p SQPulse) Offset() uint16 { return uint16((p.Words[2] >> 16) & 0xFFFF) }

// Confidence is the 8-bit SPE confidence packed into the low byte of
// word 3.
func (p SQPulse) Confidence() uint8 { return uint8(p.Words[3] & 0xFF) }

// SQ is a fully decoded smart-QT pulse-descriptor bank payload.
type SQ struct {
	Header0 uint32 // header word 0, opaque to this filter
	Header1 uint32 // header word 1, opaque to this filter
	Pulses  []SQPulse
}

// DecodeSQ parses a smart-QT bank payload: a 3-word header (two
// opaque words followed by nQTWords, the word count of the pulse
// records that follow) and nQTWords/NUM_SQ_WORDS pulse records of
// sqWordsPerPulse words each, starting at word index 3.
func DecodeSQ(payload []byte) (SQ, error) {
	words := bytesToWords(payload)
	if len(words) < 3 {
		return SQ{}, fmt.Errorf("sq: header: %w", ErrTruncated)
	}
	sq := SQ{Header0: words[0], Header1: words[1]}

	nQTWords := int(words[2])
	rest := words[3:]
	if nQTWords < 0 || nQTWords > len(rest) {
		return SQ{}, fmt.Errorf("sq: nQTWords %d exceeds %d available: %w", nQTWords, len(rest), ErrTruncated)
	}
	if nQTWords%sqWordsPerPulse != 0 {
		return SQ{}, fmt.Errorf("sq: nQTWords %d is not a multiple of %d: %w", nQTWords, sqWordsPerPulse, ErrTruncated)
	}
	for i := 0; i < nQTWords; i += sqWordsPerPulse {
		var p SQPulse
		copy(p.Words[:], rest[i:i+sqWordsPerPulse])
		sq.Pulses = append(sq.Pulses, p)
	}
	return sq, nil
}

// Encode serializes sq back to a smart-QT bank payload, re-deriving
// the nQTWords header word from the kept pulse count (mirroring
// WriteFilteredBanks's dest_nQTWords accumulation in the original).
func (sq SQ) Encode() []byte {
	words := make([]uint32, 3, 3+len(sq.Pulses)*sqWordsPerPulse)
	words[0], words[1] = sq.Header0, sq.Header1
	for _, p := range sq.Pulses {
		words = append(words, p.Words[:]...)
	}
	words[2] = uint32(len(sq.Pulses) * sqWordsPerPulse)
	return wordsToBytes(words)
}

// MultiPulseChannels returns, in ascending order, every channel number
// that has more than one decoded pulse.
func (sq SQ) MultiPulseChannels() []uint8 {
	counts := make(map[uint8]int)
	for _, p := range sq.Pulses {
		counts[p.Channel()]++
	}
	var out []uint8
	for ch := uint8(0); ch < 16; ch++ {
		if counts[ch] > 1 {
			out = append(out, ch)
		}
	}
	return out
}
