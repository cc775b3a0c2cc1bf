// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package qhisto implements the charge-vs-time histogram accumulated
// per fragment and merged across fragments during assembly: two
// parallel per-bin vectors (accumulated charge, sample count), added
// with saturation rather than allowed to overflow.
package qhisto

// SaturationCap is the maximum value any charge bin is allowed to
// reach; further additions are clamped rather than wrapped.
const SaturationCap = 4_000_000_000

// Histogram holds per-time-bin accumulated charge (Q) and sample
// count (N). Both slices always have equal length.
type Histogram struct {
	Q []uint64
	N []uint64
}

// New returns a zeroed histogram with n bins.
func New(n int) Histogram {
	return Histogram{Q: make([]uint64, n), N: make([]uint64, n)}
}

// EnsureLen grows h in place to at least n bins, zero-filling any new
// bins. It is a no-op if h already has n or more bins.
func (h *Histogram) EnsureLen(n int) {
	if len(h.Q) >= n {
		return
	}
	grownQ := make([]uint64, n)
	grownN := make([]uint64, n)
	copy(grownQ, h.Q)
	copy(grownN, h.N)
	h.Q = grownQ
	h.N = grownN
}

// AddCharge adds delta to bin's accumulated charge, saturating at
// SaturationCap instead of overflowing.
func (h *Histogram) AddCharge(bin int, delta uint64) {
	h.EnsureLen(bin + 1)
	if delta > SaturationCap-h.Q[bin] {
		h.Q[bin] = SaturationCap
		return
	}
	h.Q[bin] += delta
}

// AddCount adds delta to bin's sample count. Counts are not expected
// to approach the charge saturation cap but are clamped the same way
// for safety.
func (h *Histogram) AddCount(bin int, delta uint64) {
	h.EnsureLen(bin + 1)
	if delta > SaturationCap-h.N[bin] {
		h.N[bin] = SaturationCap
		return
	}
	h.N[bin] += delta
}

// Merge resizes dst (if necessary) to accommodate src and saturating-
// adds every bin of src into dst. src is left unmodified.
func Merge(dst *Histogram, src Histogram) {
	dst.EnsureLen(len(src.Q))
	for i := range src.Q {
		dst.AddCharge(i, src.Q[i])
		dst.AddCount(i, src.N[i])
	}
}
