// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package filter

import (
	"fmt"
	"strconv"

	"github.com/thomaslindner/ebcore/bank"
	"github.com/thomaslindner/ebcore/waveform"
)

// channelsPerModule is the channel count of one ZLE/smart-QT digitizer
// module; it is also the group size of one slow-digitizer channel
// group, so the same index arithmetic (module*8+channel) keys both the
// ZLE-drop and V1740-keep lookups below.
const channelsPerModule = 8

// SmartFilter analyzes a fragment's pulse-descriptor banks across an
// event's digitizer modules and rewrites its waveform banks to keep
// only the detail the analysis found worth saving. AnalyzeBanks must
// be called (once per fragment container contributing to the event) before
// WriteFilteredBanks; Reset clears accumulated state between events.
type SmartFilter struct {
	// SaveAllQT, when true, copies every QT bank through untouched;
	// when false, QT banks are left out of the output.
	SaveAllQT bool
	// SaveAllSmartQT, when true, copies every SQ bank through
	// untouched instead of dropping pulses already covered by a kept
	// ZLE block.
	SaveAllSmartQT bool
	// SaveSmartQTEvenIfSavingZLE keeps a pulse's SQ descriptor even
	// when its ZLE block was kept, rather than treating the two as
	// redundant.
	SaveSmartQTEvenIfSavingZLE bool

	// DebugKeepZLECopy, DebugKeepSQCopy, DebugKeepW4Copy additionally
	// copy the untouched source bank (still named ZL/SQ/W4) alongside
	// the filtered one, which is then written as ZF/SF/F4.
	DebugKeepZLECopy bool
	DebugKeepSQCopy  bool
	DebugKeepW4Copy  bool
	// DebugKeepMN copies MN (minima) banks through to the output;
	// they are otherwise analysis-only and dropped.
	DebugKeepMN bool

	// EnableV1720Filtering turns on SPE-confidence-based ZLE/SQ
	// filtering. With it off, ZL banks are copied unfiltered and no
	// pulse is marked for dropping; SQ banks are still written per
	// SaveAllSmartQT and SaveSmartQTEvenIfSavingZLE.
	EnableV1720Filtering bool
	// V1720SPEConfidenceThreshold is the minimum confidence (0-200) a
	// pulse must exceed to be treated as single-photoelectron-like and
	// have its ZLE block dropped.
	V1720SPEConfidenceThreshold int

	// EnableV1740Filtering turns on MN-minima-based W4 group
	// filtering, and enables MN-bank analysis at all. With it off, W4
	// banks are copied unfiltered and MN banks are ignored.
	EnableV1740Filtering bool
	// SaveV1740Threshold is the minima value (ADC) below which a
	// channel's slow-digitizer group is kept.
	SaveV1740Threshold int
	// ModuleGroupMap maps a fast-digitizer channel index
	// (module*channelsPerModule+channel) to the slow-digitizer channel
	// index (board*64+channel) it corresponds to, or -1 if none.
	ModuleGroupMap [256]int

	filterZLE map[int][]int // fast-digitizer channel index -> dropped sample offsets
	saveV1740 map[int]bool  // slow-digitizer channel index
}

// NewSmartFilter returns a SmartFilter with the same defaults the
// per-run configuration starts from before settings are applied:
// V1740 group filtering on, V1720 pulse filtering off, every QT bank
// saved, and no debug copies.
func NewSmartFilter() *SmartFilter {
	f := &SmartFilter{
		SaveAllQT:                  true,
		SaveSmartQTEvenIfSavingZLE: true,
		EnableV1740Filtering:       true,
		SaveV1740Threshold:         4096,
	}
	for i := range f.ModuleGroupMap {
		f.ModuleGroupMap[i] = -1
	}
	return f
}

// Reset clears the results of any prior analysis, so a fresh
// SmartFilter need not be allocated per event.
func (f *SmartFilter) Reset() {
	f.filterZLE = nil
	f.saveV1740 = nil
}

// AnalyzeBanks scans container for MN (minima) and SQ (smart-QT
// pulse) banks and records, respectively, which slow-digitizer groups
// saturated and which ZLE blocks look single-photoelectron-like enough
// to drop. It does not modify container or write any output; call
// WriteFilteredBanks afterward to act on the results.
func (f *SmartFilter) AnalyzeBanks(container []byte) error {
	return bank.Iterate(container, func(b bank.Bank) bool {
		switch {
		case f.EnableV1740Filtering && len(b.Name) == 4 && b.Name[:2] == "MN":
			f.analyzeMinima(b)
		case f.EnableV1720Filtering && len(b.Name) == 4 && b.Name[:2] == "SQ":
			f.analyzeSmartQT(b)
		}
		return true
	})
}

// analyzeMinima reads one module's packed 8-channel minima bank (two
// 16-bit minima per word, 4 words) and flags every slow-digitizer
// group whose mapped channel dipped below SaveV1740Threshold.
func (f *SmartFilter) analyzeMinima(b bank.Bank) {
	module, ok := parseModuleNumber(b.Name)
	if !ok {
		return
	}
	words := b.Words()
	for i := 0; i < 4 && 2+i < len(words); i++ {
		word := words[2+i]
		min1 := uint16(word >> 16)
		min2 := uint16(word)

		idx := module*channelsPerModule + i*2
		f.flagV1740IfBelowThreshold(idx, min1)
		f.flagV1740IfBelowThreshold(idx+1, min2)
	}
}

func (f *SmartFilter) flagV1740IfBelowThreshold(fastIdx int, min uint16) {
	if fastIdx < 0 || fastIdx >= len(f.ModuleGroupMap) {
		return
	}
	if int(min) >= f.SaveV1740Threshold {
		return
	}
	slowIdx := f.ModuleGroupMap[fastIdx]
	if slowIdx < 0 {
		return
	}
	if f.saveV1740 == nil {
		f.saveV1740 = make(map[int]bool)
	}
	f.saveV1740[slowIdx] = true
}

// analyzeSmartQT decodes one module's smart-QT pulse descriptors and
// marks each single-photoelectron-like pulse's ZLE block for
// dropping, unless consecutive records share the same (channel,
// offset) pair, in which case the block is left alone regardless of
// confidence.
func (f *SmartFilter) analyzeSmartQT(b bank.Bank) {
	module, ok := parseModuleNumber(b.Name)
	if !ok {
		return
	}
	sq, err := waveform.DecodeSQ(b.Payload)
	if err != nil {
		return
	}

	prevIdx, prevOffset := -1, -1
	for _, p := range sq.Pulses {
		channel, offset, confidence := p.Channel(), int(p.Offset()), p.Confidence()
		idx := module*channelsPerModule + int(channel)
		if idx < 0 || idx > 255 {
			continue
		}
		if prevIdx == idx && prevOffset == offset {
			// More than one pulse landed in the same block; keep it.
			if f.droppedLast(idx, offset) {
				f.undropLast(idx)
			}
		} else if int(confidence) > f.V1720SPEConfidenceThreshold && confidence < 201 {
			f.dropBlock(idx, offset)
		}
		prevIdx, prevOffset = idx, offset
	}
}

func (f *SmartFilter) dropBlock(idx, offset int) {
	if f.filterZLE == nil {
		f.filterZLE = make(map[int][]int)
	}
	f.filterZLE[idx] = append(f.filterZLE[idx], offset)
}

func (f *SmartFilter) droppedLast(idx, offset int) bool {
	offs := f.filterZLE[idx]
	return len(offs) > 0 && offs[len(offs)-1] == offset
}

func (f *SmartFilter) undropLast(idx int) {
	offs := f.filterZLE[idx]
	f.filterZLE[idx] = offs[:len(offs)-1]
}

func (f *SmartFilter) shouldKeepZLE(module, channel, offset int) bool {
	idx := module*channelsPerModule + channel
	if idx < 0 || idx > 255 {
		return true
	}
	for _, o := range f.filterZLE[idx] {
		if o == offset {
			return false
		}
	}
	return true
}

func (f *SmartFilter) shouldKeepV1740(board, group int) bool {
	for channel := group * channelsPerModule; channel < (group+1)*channelsPerModule; channel++ {
		if f.saveV1740[board*64+channel] {
			return true
		}
	}
	return false
}

// WriteFilteredBanks copies container's banks into dst, filtering ZL,
// SQ, and W4 banks according to the most recent AnalyzeBanks results
// and the configured save-all/debug flags. DTRG, QT, and any other
// bank not otherwise named here are copied through untouched (QT is
// copied only when SaveAllQT, MN only when DebugKeepMN).
func (f *SmartFilter) WriteFilteredBanks(dst *bank.Builder, container []byte) error {
	return bank.Iterate(container, func(b bank.Bank) bool {
		switch {
		case len(b.Name) == 4 && b.Name[:2] == "ZL":
			f.writeFilteredZLE(dst, container, b)
		case len(b.Name) == 4 && b.Name[:2] == "SQ":
			f.writeFilteredSQ(dst, container, b)
		case len(b.Name) == 4 && b.Name[:2] == "W4":
			f.writeFilteredW4(dst, container, b)
		case len(b.Name) == 4 && b.Name[:2] == "QT":
			if f.SaveAllQT {
				dst.Copy(container, b.Name)
			}
		case len(b.Name) == 4 && b.Name[:2] == "MN":
			if f.DebugKeepMN {
				dst.Copy(container, b.Name)
			}
		default:
			dst.Copy(container, b.Name)
		}
		return true
	})
}

func (f *SmartFilter) writeFilteredZLE(dst *bank.Builder, container []byte, b bank.Bank) {
	if !f.EnableV1720Filtering {
		dst.Copy(container, b.Name)
		return
	}
	module, ok := parseModuleNumber(b.Name)
	if !ok {
		dst.Copy(container, b.Name)
		return
	}
	zle, err := waveform.DecodeZLE(b.Payload)
	if err != nil {
		dst.Copy(container, b.Name)
		return
	}

	outName := b.Name
	if f.DebugKeepZLECopy {
		dst.Copy(container, b.Name)
		outName = debugName("ZF", module)
	}
	filtered := zle.WithDropped(func(channel, offset int) bool {
		return !f.shouldKeepZLE(module, channel, offset)
	})
	c := dst.Create(outName, b.Type)
	c.WriteBytes(filtered.Encode())
	c.Close()
}

func (f *SmartFilter) writeFilteredSQ(dst *bank.Builder, container []byte, b bank.Bank) {
	if f.SaveAllSmartQT {
		dst.Copy(container, b.Name)
		return
	}
	module, ok := parseModuleNumber(b.Name)
	if !ok {
		dst.Copy(container, b.Name)
		return
	}
	sq, err := waveform.DecodeSQ(b.Payload)
	if err != nil {
		dst.Copy(container, b.Name)
		return
	}

	outName := b.Name
	if f.DebugKeepSQCopy {
		dst.Copy(container, b.Name)
		outName = debugName("SF", module)
	}
	kept := sq
	kept.Pulses = nil
	for _, p := range sq.Pulses {
		zleKept := f.shouldKeepZLE(module, int(p.Channel()), int(p.Offset()))
		if !zleKept || f.SaveSmartQTEvenIfSavingZLE {
			kept.Pulses = append(kept.Pulses, p)
		}
	}
	c := dst.Create(outName, b.Type)
	c.WriteBytes(kept.Encode())
	c.Close()
}

func (f *SmartFilter) writeFilteredW4(dst *bank.Builder, container []byte, b bank.Bank) {
	if !f.EnableV1740Filtering {
		dst.Copy(container, b.Name)
		return
	}
	board, ok := parseModuleNumber(b.Name)
	if !ok {
		dst.Copy(container, b.Name)
		return
	}
	w4, err := waveform.DecodeW4(b.Payload)
	if err != nil {
		dst.Copy(container, b.Name)
		return
	}

	outName := b.Name
	if f.DebugKeepW4Copy {
		dst.Copy(container, b.Name)
		outName = debugName("F4", board)
	}
	kept := w4
	kept.Groups = nil
	var keptMask uint32
	for _, grp := range w4.Groups {
		if f.shouldKeepV1740(board, grp.Index) {
			kept.Groups = append(kept.Groups, grp)
			keptMask |= 1 << uint(grp.Index)
		}
	}
	// Only the low byte (one bit per group) is ours to rewrite; the
	// rest of the mask word is opaque and carried through unchanged.
	kept.GroupMask = (w4.GroupMask &^ 0xFF) | (keptMask & 0xFF)
	c := dst.Create(outName, b.Type)
	c.WriteBytes(kept.Encode())
	c.Close()
}

func debugName(prefix string, module int) string {
	return fmt.Sprintf("%s%02d", prefix, module)
}

func parseModuleNumber(name string) (int, bool) {
	if len(name) != 4 {
		return 0, false
	}
	n, err := strconv.Atoi(name[2:4])
	if err != nil {
		return 0, false
	}
	return n, true
}
