// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package filter classifies an assembled event's charge-vs-time
// profile and rewrites its waveform banks down to the detail that the
// smart-QT and minima analysis finds worth keeping. The classification
// is recorded in the EBSM bank and does not steer the rewrite.
package filter

import (
	"github.com/thomaslindner/ebcore/bank"
	"github.com/thomaslindner/ebcore/qhisto"
)

// EFPBox is an energy/prompt-fraction classification bin.
type EFPBox uint8

const (
	BoxNotSet EFPBox = iota
	BoxVeryLowE
	BoxLowELowFP
	BoxLowEHighFP
	BoxMedELowFP
	BoxMedEHighFP
	BoxHighE
)

// ebsmBankVersion is the format version recorded in the top 4 bits of
// the EBSM summary word.
const ebsmBankVersion = 0x1

// FilterDecision classifies a merged charge-vs-time histogram into an
// energy/prompt-fraction box. Decide sets both save flags true for
// every event, whatever its box. The energy/Fprompt logic and window
// geometry follow the per-run configuration; thresholds are in the
// same units as the histogram (ADC-charge for energy, 1/256 fractions
// for Fprompt splits).
type FilterDecision struct {
	RebinFactor int // number of 4ns bins combined into one summary bin

	LowE, MedE, HighE        int // narrow-integral energy thresholds
	FpromptLowE, FpromptMedE int // Fprompt split points, units of 1/256
	StartOffset              int // bins before the peak where windows start
	NarrowWindow, WideWindow int // window widths, in bins
	NQThresh                 int // peak pulse count at or below which the peak is taken from the charge histogram
}

// Decision is the outcome of Decide.
type Decision struct {
	Box                 EFPBox
	PeakBin             int // summary-histogram bin of the detected peak
	Narrow, Wide, Total uint64
	SaveZLE, SaveQT     bool
}

// Decide finds the event's peak time, integrates the narrow and wide
// windows around it, and classifies the result into an EFPBox. An
// empty histogram decides BoxNotSet with both save flags left true.
func (f FilterDecision) Decide(h qhisto.Histogram) Decision {
	d := Decision{SaveZLE: true, SaveQT: true}
	if len(h.Q) == 0 || len(h.N) == 0 {
		return d
	}

	// Trigger time is found on the unweighted (pulse-count) histogram
	// so a handful of large afterpulses can't skew it. Charge-weighted
	// integrals are only used once that time is fixed.
	peak := uint64(0)
	peakBin := 0
	for i, n := range h.N {
		if n > peak {
			peakBin = i
			peak = n
		}
	}
	if peak <= uint64(f.NQThresh) {
		// Too few pulses per bin for the count histogram to be
		// reliable; fall back to the charge-weighted one.
		peak = 0
		peakBin = 0
		for i, q := range h.Q {
			if q > peak {
				peakBin = i
				peak = q
			}
		}
	}

	start := peakBin - f.StartOffset
	if start < 0 {
		start = 0
	}
	endNarrow := clamp(start+f.NarrowWindow, len(h.Q)-1)
	endWide := clamp(start+f.WideWindow, len(h.Q)-1)

	var narrow, wide, total uint64
	for i, q := range h.Q {
		if i >= start && i < endWide {
			wide += q
		}
		if i >= start && i < endNarrow {
			narrow += q
		}
		total += q
	}

	switch {
	case narrow < uint64(f.LowE):
		d.Box = BoxVeryLowE
	case narrow < uint64(f.MedE):
		if 256*narrow > uint64(f.FpromptLowE)*wide {
			d.Box = BoxLowEHighFP
		} else {
			d.Box = BoxLowELowFP
		}
	case narrow < uint64(f.HighE):
		if 256*narrow > uint64(f.FpromptMedE)*wide {
			d.Box = BoxMedEHighFP
		} else {
			d.Box = BoxMedELowFP
		}
	default:
		d.Box = BoxHighE
	}

	d.PeakBin, d.Narrow, d.Wide, d.Total = peakBin, narrow, wide, total
	return d
}

// clamp caps v at max, preserving the upstream window arithmetic's
// end-exclusive-but-capped-to-len-1 convention (the last histogram bin
// is never counted as a window end).
func clamp(v, max int) int {
	if v > max {
		return max
	}
	return v
}

// AppendEBSM appends the event-builder summary bank, recording the
// classification box, peak time (in 4ns bins), and the narrow/wide/
// total integrals. Layout (low bit first): Z (ZLE saved), Q (QT
// saved), 4-bit box, 20-bit peak time, 4-bit version.
func (f FilterDecision) AppendEBSM(dst *bank.Builder, d Decision) {
	c := dst.Create("EBSM", bank.TypeDWORD)

	var word uint32
	if d.SaveZLE {
		word |= 0x1
	}
	if d.SaveQT {
		word |= 0x2
	}
	word |= uint32(d.Box&0xF) << 2
	timeBins := uint32(d.PeakBin*f.RebinFactor) & 0xFFFFF
	word |= timeBins << 6
	word |= ebsmBankVersion << 28

	c.WriteWords(word, uint32(d.Narrow), uint32(d.Wide), uint32(d.Total))
	c.Close()
}
