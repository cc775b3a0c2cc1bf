// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fragment implements the per-source ingest pipeline: pulling
// raw events from an upstream midware.Source, building a per-event
// Q-vs-T histogram from its QT banks and timestamps from any
// ZL/QT/W2/W4/VETO/CALI banks present, appending a trailer of
// timestamp bounds and histogram data, and
// committing the whole thing to a ringbuffer.RingBuffer for the
// assembler to later merge and re-emit.
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thomaslindner/ebcore/bank"
	"github.com/thomaslindner/ebcore/midware"
	"github.com/thomaslindner/ebcore/qhisto"
	"github.com/thomaslindner/ebcore/ringbuffer"
)

// TimestampMask is the 30-bit wrap-around range every hardware
// timestamp is reduced into before comparison.
const TimestampMask = 0x3FFFFFFF

// Quiescence thresholds: no event from upstream for this long gets a
// warning logged once; past the hard threshold the run is presumed
// dead.
const (
	softQuiescence = 40 * time.Second
	hardQuiescence = 50 * time.Second
)

// control word written as the fourth word of every event's trailer,
// ahead of the Q/N bins, mirroring the ring-buffer commit fence but
// carried in the record payload itself.
const trailerControlWord = uint32(0xDEADBEEF)

const trailerFixedWords = 4 // tmin, tmax, combined Q+N bin count, control word

// Fragment owns one upstream source's ingest loop and the ring buffer
// its worker publishes committed events into.
type Fragment struct {
	Name        string
	TriggerMask uint16
	RebinFactor int

	Source midware.Source
	Ring   *ringbuffer.RingBuffer

	log *logrus.Entry

	lastRead   time.Time
	warnedSoft bool
	warnedHard bool

	tsDiffSet bool
	tsDiff    uint32
	tsErrors  int
}

// New returns a Fragment with RebinFactor defaulted to 1 if rebinFactor <= 0.
func New(name string, triggerMask uint16, rebinFactor int, source midware.Source, ring *ringbuffer.RingBuffer, log *logrus.Entry) *Fragment {
	if rebinFactor <= 0 {
		rebinFactor = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Fragment{
		Name:        name,
		TriggerMask: triggerMask,
		RebinFactor: rebinFactor,
		Source:      source,
		Ring:        ring,
		log:         log.WithField("fragment", name),
	}
}

const maxEventSize = 1 << 20

// ReadOne pulls at most one event from Source and, if present, commits
// it (with its Q-vs-T trailer appended) to Ring. ok is false when no
// event was currently available upstream (not a failure); err is
// non-nil for a receive error, a decode failure, or a failed ring
// reservation, and in the last two cases the pulled event is not
// committed.
func (f *Fragment) ReadOne() (ok bool, err error) {
	buf := make([]byte, maxEventSize)
	n, rerr := f.Source.Receive(buf)
	if errors.Is(rerr, midware.ErrWouldBlock) {
		f.noteQuiescence()
		return false, nil
	}
	if rerr != nil {
		return false, fmt.Errorf("fragment %s: receive: %w", f.Name, rerr)
	}
	f.lastRead = time.Now()
	f.warnedSoft, f.warnedHard = false, false

	raw := buf[:n]
	hdr, err := bank.DecodeEventHeader(raw)
	if err != nil {
		return false, fmt.Errorf("fragment %s: %w", f.Name, err)
	}
	container := raw[bank.EventHeaderSize : bank.EventHeaderSize+int(hdr.DataSize)]

	q, tmin, tmax, firstModuleTS, sawV1720, err := f.buildHistogram(container)
	if err != nil {
		return false, fmt.Errorf("fragment %s: %w", f.Name, err)
	}

	bestTS := firstModuleTS
	if bestTS == 0 {
		bestTS = tmin
	}
	// Waveform-module (V1720) banks carry an 8ns counter; down-convert
	// to the common 16ns unit before masking. V1740-only fragments are
	// already in 16ns-equivalent units and are only masked (spec.md §3
	// "Timestamps"; original_source/ebFragment.cxx gates this on the
	// same QT/CALI-bank-seen flag this repo calls sawV1720).
	if sawV1720 {
		bestTS >>= 1
		tmax >>= 1
	}
	bestTS &= TimestampMask
	tmax &= TimestampMask

	trailerWords := trailerFixedWords + 2*len(q.Q)
	dst, err := f.Ring.Reserve(len(raw) + trailerWords*4)
	if err != nil {
		return false, fmt.Errorf("fragment %s: ring reserve: %w", f.Name, err)
	}
	copy(dst, raw)
	writeTrailer(dst[len(raw):], bestTS, tmax, q, f.RebinFactor)
	f.Ring.Commit()

	return true, nil
}

func (f *Fragment) noteQuiescence() {
	if f.lastRead.IsZero() {
		f.lastRead = time.Now()
		return
	}
	since := time.Since(f.lastRead)
	if since > hardQuiescence && !f.warnedHard {
		f.log.Errorf("no event for more than %s; front-end probably died", hardQuiescence)
		f.warnedHard = true
	} else if since > softQuiescence && !f.warnedSoft {
		f.log.Warnf("no event for more than %s", softQuiescence)
		f.warnedSoft = true
	}
}

// moduleTSIdx is the payload word index carrying the hardware
// timestamp copy shared by ZL, W2, W4, VETO, and CALI banks
// (original_source/ebFragment.cxx's TS_IDX). QT banks instead carry
// their own V1720 timestamp copy at qtTS2Idx, since the QT summary
// bank's first header words are laid out differently.
const moduleTSIdx = 3

// buildHistogram walks container's banks, accumulating a per-time-bin
// Q-vs-T histogram from any QT banks and tracking the event's overall
// min/max timestamp and the first-module-in-group timestamp. sawV1720
// reports whether a QT or CALI bank was present (the two bank families
// original_source treats as native 8ns V1720 counters requiring a
// down-convert before use; see ReadOne).
//
// Only QT, W4, VETO, and CALI contribute to tsmin/tsmax: ZL and W2
// carry a timestamp solely for the first-module capture below, never
// for the fragment-wide bounds (original_source/ebFragment.cxx never
// touches tsmin/tsmax in either bank's branch).
func (f *Fragment) buildHistogram(container []byte) (h qhisto.Histogram, tmin, tmax, firstModuleTS uint32, sawV1720 bool, err error) {
	h = qhisto.New(0)
	tmin = 0xFFFFFFFF

	err = bank.Iterate(container, func(b bank.Bank) bool {
		words := b.Words()
		switch {
		case len(b.Name) == 4 && b.Name[:2] == "ZL":
			if len(words) > moduleTSIdx && f.isFirstModuleInGroup(b.Name) {
				firstModuleTS = words[moduleTSIdx]
			}
		case len(b.Name) == 4 && b.Name[:2] == "QT":
			accumulateQT(&h, words, f.RebinFactor)
			sawV1720 = true
			if len(words) > qtTS2Idx {
				if words[qtTS2Idx] > tmax {
					tmax = words[qtTS2Idx]
				}
				if words[qtTS2Idx] < tmin {
					tmin = words[qtTS2Idx]
				}
				if f.isFirstModuleInGroup(b.Name) {
					firstModuleTS = words[qtTS2Idx]
				}
			}
		case len(b.Name) == 4 && b.Name[:2] == "W2":
			if len(words) > moduleTSIdx && f.isFirstModuleInGroup(b.Name) {
				firstModuleTS = words[moduleTSIdx]
			}
		case len(b.Name) == 4 && b.Name[:2] == "W4":
			if len(words) > moduleTSIdx {
				if words[moduleTSIdx] > tmax {
					tmax = words[moduleTSIdx]
				}
				if words[moduleTSIdx] < tmin {
					tmin = words[moduleTSIdx]
				}
				// Unlike ZL/QT's group/trigger-mask convention, the
				// slow-digitizer board numbered 0 is unconditionally
				// "first" regardless of this fragment's trigger mask.
				if board, ok := parseW4Board(b.Name); ok && board == 0 {
					firstModuleTS = words[moduleTSIdx]
				}
			}
		case b.Name == "VETO":
			if len(words) > moduleTSIdx {
				if words[moduleTSIdx] > tmax {
					tmax = words[moduleTSIdx]
				}
				if words[moduleTSIdx] < tmin {
					tmin = words[moduleTSIdx]
				}
			}
		case b.Name == "CALI":
			sawV1720 = true
			if len(words) > moduleTSIdx {
				if words[moduleTSIdx] > tmax {
					tmax = words[moduleTSIdx]
				}
				if words[moduleTSIdx] < tmin {
					tmin = words[moduleTSIdx]
				}
			}
		}
		return true
	})
	if tmin == 0xFFFFFFFF {
		tmin = 0
	}
	return h, tmin, tmax, firstModuleTS, sawV1720, err
}

// parseW4Board extracts the two-digit board number from a W4XX bank
// name.
func parseW4Board(name string) (int, bool) {
	if len(name) != 4 {
		return 0, false
	}
	var board int
	if _, err := fmt.Sscanf(name[2:], "%d", &board); err != nil {
		return 0, false
	}
	return board, true
}

// isFirstModuleInGroup matches the original's hardcoded module-number
// to trigger-mask correspondence: module 0/8/16/24 is the first
// digitizer in the group assigned trigger mask bit 1/2/3/4.
func (f *Fragment) isFirstModuleInGroup(name string) bool {
	if len(name) != 4 {
		return false
	}
	var module int
	if _, err := fmt.Sscanf(name[2:], "%d", &module); err != nil {
		return false
	}
	switch f.TriggerMask {
	case 0x2:
		return module == 0
	case 0x4:
		return module == 8
	case 0x8:
		return module == 16
	case 0x10:
		return module == 24
	}
	return false
}

// QT bank layout: word1 is the V1720 timestamp copy, word2 is the
// number of words making up the pulse records that follow. Each pulse
// record is a 4-word triplet-plus-timestamp starting QINTEGRAL_IDX+1
// words past the start: [+2] is the charge integral, [+3] packs the
// minimum-bin timestamp in its upper 16 bits.
const (
	qtTS2Idx       = 1
	qtNDwordIdx    = 2
	qtQIntegralIdx = 2
)

// accumulateQT walks one QT bank's per-pulse records, rebins each
// pulse's minimum-bin timestamp, and saturating-adds its charge
// integral into h.
func accumulateQT(h *qhisto.Histogram, words []uint32, rebinFactor int) {
	if len(words) <= qtNDwordIdx {
		return
	}
	ndwords := int(words[qtNDwordIdx])
	limit := qtQIntegralIdx + ndwords + 1
	for i := qtQIntegralIdx + 1; i+3 < len(words) && i < limit; i += 4 {
		integral := uint64(words[i+2] & 0xFFFFFF)
		minBin := int((words[i+3] >> 16) & 0xFFFF)
		bin := minBin / rebinFactor
		h.AddCharge(bin, integral)
		h.AddCount(bin, 1)
	}
}

func writeTrailer(dst []byte, tmin, tmax uint32, h qhisto.Histogram, rebinFactor int) {
	binary.LittleEndian.PutUint32(dst[0:4], tmin&TimestampMask)
	binary.LittleEndian.PutUint32(dst[4:8], tmax&TimestampMask)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(2*len(h.Q)))
	binary.LittleEndian.PutUint32(dst[12:16], trailerControlWord)
	off := 16
	for _, q := range h.Q {
		binary.LittleEndian.PutUint32(dst[off:off+4], uint32(q))
		off += 4
	}
	for _, n := range h.N {
		binary.LittleEndian.PutUint32(dst[off:off+4], uint32(n))
		off += 4
	}
}

// trailer is the decoded form of the bytes writeTrailer produces.
type trailer struct {
	Tmin    uint32
	Tmax    uint32
	NQTBins int
	Q       []uint32
	N       []uint32
}

func decodeTrailer(raw []byte, eventBytes int) (trailer, error) {
	if eventBytes+16 > len(raw) {
		return trailer{}, fmt.Errorf("fragment: %w: trailer truncated", bank.ErrMalformedBank)
	}
	t := trailer{}
	t.Tmin = binary.LittleEndian.Uint32(raw[eventBytes : eventBytes+4])
	t.Tmax = binary.LittleEndian.Uint32(raw[eventBytes+4 : eventBytes+8])
	combined := binary.LittleEndian.Uint32(raw[eventBytes+8 : eventBytes+12])
	control := binary.LittleEndian.Uint32(raw[eventBytes+12 : eventBytes+16])
	if control != trailerControlWord {
		return trailer{}, fmt.Errorf("fragment: %w: control word mismatch", ErrCommitFence)
	}
	t.NQTBins = int(combined / 2)
	qtStart := eventBytes + 16
	need := qtStart + int(combined)*4
	if need > len(raw) {
		return trailer{}, fmt.Errorf("fragment: %w: trailer data short", bank.ErrMalformedBank)
	}
	t.Q = make([]uint32, t.NQTBins)
	t.N = make([]uint32, t.NQTBins)
	off := qtStart
	for i := 0; i < t.NQTBins; i++ {
		t.Q[i] = binary.LittleEndian.Uint32(raw[off : off+4])
		off += 4
	}
	for i := 0; i < t.NQTBins; i++ {
		t.N[i] = binary.LittleEndian.Uint32(raw[off : off+4])
		off += 4
	}
	return t, nil
}

// ErrCommitFence reports that a peeked record's domain control word
// did not match the expected sentinel.
var ErrCommitFence = errors.New("fragment: control word not correct")

// ErrTimestampDrift names the timestamp-drift failure. No function in
// this package returns it: CheckAndMergeQT reports drift through its
// bool result.
var ErrTimestampDrift = errors.New("fragment: timestamp matching failure")

// CheckAndMergeQT peeks (without consuming) the next committed record,
// checks its timestamp against masterTS (wrap-aware, 30-bit), merges
// its Q-vs-T histogram into into, and returns whether the timestamps
// matched within tolerance. It does not advance the ring; call
// AppendBanks afterward to consume the record.
func (f *Fragment) CheckAndMergeQT(into *qhisto.Histogram, masterTS uint32) (bool, error) {
	raw, err := f.Ring.Peek()
	if err != nil {
		return false, err
	}
	hdr, err := bank.DecodeEventHeader(raw)
	if err != nil {
		return false, fmt.Errorf("fragment %s: %w", f.Name, err)
	}
	eventBytes := bank.EventHeaderSize + int(hdr.DataSize)
	tr, err := decodeTrailer(raw, eventBytes)
	if err != nil {
		return false, err
	}

	convertDTM := masterTS & TimestampMask
	convertLocal := tr.Tmin & TimestampMask
	currentDiff := (convertLocal - convertDTM) & TimestampMask

	if !f.tsDiffSet {
		f.tsDiff = currentDiff
		f.tsDiffSet = true
	}

	bitdiff := int32(currentDiff) - int32(f.tsDiff)
	bitdiff2 := int32(1+TimestampMask) - bitdiff
	const maxDiff = 2

	match := true
	if abs32(bitdiff) > maxDiff && abs32(bitdiff2) > maxDiff {
		match = false
		f.tsErrors++
		if f.tsErrors < 5 || f.tsErrors%50000 == 0 {
			f.log.WithFields(logrus.Fields{
				"currentDiff": currentDiff,
				"expectedDiff": f.tsDiff,
				"masterTS":    masterTS,
				"localTS":     tr.Tmin,
			}).Error("timestamp matching failure")
		}
	}

	qhisto.Merge(into, qhisto.Histogram{Q: uint64Slice(tr.Q), N: uint64Slice(tr.N)})

	return match, nil
}

// MergeQT peeks (without consuming) the next committed record and
// merges its Q-vs-T histogram into into, performing no timestamp
// verification. Used in place of CheckAndMergeQT when the assembler is
// running in serial-number assembly mode, where participant agreement
// is judged by event serial number alone.
func (f *Fragment) MergeQT(into *qhisto.Histogram) error {
	raw, err := f.Ring.Peek()
	if err != nil {
		return err
	}
	hdr, err := bank.DecodeEventHeader(raw)
	if err != nil {
		return fmt.Errorf("fragment %s: %w", f.Name, err)
	}
	eventBytes := bank.EventHeaderSize + int(hdr.DataSize)
	tr, err := decodeTrailer(raw, eventBytes)
	if err != nil {
		return err
	}
	qhisto.Merge(into, qhisto.Histogram{Q: uint64Slice(tr.Q), N: uint64Slice(tr.N)})
	return nil
}

func uint64Slice(in []uint32) []uint64 {
	out := make([]uint64, len(in))
	for i, v := range in {
		out[i] = uint64(v)
	}
	return out
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// AppendBanks copies every bank from the peeked record (excluding the
// Q-vs-T trailer) into dst, then advances the ring past the record.
func (f *Fragment) AppendBanks(dst *bank.Builder) error {
	raw, err := f.Ring.Peek()
	if err != nil {
		return err
	}
	hdr, err := bank.DecodeEventHeader(raw)
	if err != nil {
		return fmt.Errorf("fragment %s: %w", f.Name, err)
	}
	eventBytes := bank.EventHeaderSize + int(hdr.DataSize)
	if eventBytes > len(raw) {
		return fmt.Errorf("fragment %s: %w: event size exceeds record", f.Name, bank.ErrMalformedBank)
	}

	err = bank.Iterate(raw[bank.EventHeaderSize:eventBytes], func(b bank.Bank) bool {
		c := dst.Create(b.Name, b.Type)
		c.WriteBytes(b.Payload)
		c.Close()
		return true
	})
	if err != nil {
		return fmt.Errorf("fragment %s: %w", f.Name, err)
	}

	f.Ring.Advance(len(raw))
	return nil
}

// PeekEventHeader decodes the EVENT_HEADER of the next committed
// record without consuming it.
func (f *Fragment) PeekEventHeader() (bank.EventHeader, error) {
	raw, err := f.Ring.Peek()
	if err != nil {
		return bank.EventHeader{}, err
	}
	hdr, err := bank.DecodeEventHeader(raw)
	if err != nil {
		return bank.EventHeader{}, fmt.Errorf("fragment %s: %w", f.Name, err)
	}
	return hdr, nil
}

// PeekContainer returns the bank container (excluding EVENT_HEADER and
// the Q-vs-T trailer) of the next committed record, without consuming
// it. The assembler calls this to poll for a ready record and to
// drive SmartFilter's analyze and rewrite passes; call Advance
// afterward to release the record.
func (f *Fragment) PeekContainer() ([]byte, error) {
	raw, err := f.Ring.Peek()
	if err != nil {
		return nil, err
	}
	hdr, err := bank.DecodeEventHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("fragment %s: %w", f.Name, err)
	}
	eventBytes := bank.EventHeaderSize + int(hdr.DataSize)
	if eventBytes > len(raw) {
		return nil, fmt.Errorf("fragment %s: %w: event size exceeds record", f.Name, bank.ErrMalformedBank)
	}
	return raw[bank.EventHeaderSize:eventBytes], nil
}

// Advance releases the next committed record, the one PeekContainer,
// PeekEventHeader, and CheckAndMergeQT return; it peeks the ring once
// more to learn the record's length.
func (f *Fragment) Advance() error {
	raw, err := f.Ring.Peek()
	if err != nil {
		return err
	}
	f.Ring.Advance(len(raw))
	return nil
}
