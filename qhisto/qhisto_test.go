// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package qhisto_test

import (
	"testing"

	"github.com/thomaslindner/ebcore/qhisto"
)

func TestAddChargeSaturates(t *testing.T) {
	h := qhisto.New(1)
	h.AddCharge(0, qhisto.SaturationCap-10)
	h.AddCharge(0, 100)
	if h.Q[0] != qhisto.SaturationCap {
		t.Fatalf("Q[0]: got %d, want %d", h.Q[0], qhisto.SaturationCap)
	}
}

func TestAddChargeNoSaturation(t *testing.T) {
	h := qhisto.New(1)
	h.AddCharge(0, 5)
	h.AddCharge(0, 7)
	if h.Q[0] != 12 {
		t.Fatalf("Q[0]: got %d, want 12", h.Q[0])
	}
}

func TestEnsureLenGrowsAndPreserves(t *testing.T) {
	h := qhisto.New(2)
	h.AddCharge(1, 3)
	h.EnsureLen(5)
	if len(h.Q) != 5 || len(h.N) != 5 {
		t.Fatalf("len after EnsureLen: got Q=%d N=%d, want 5", len(h.Q), len(h.N))
	}
	if h.Q[1] != 3 {
		t.Fatalf("Q[1] lost on grow: got %d, want 3", h.Q[1])
	}
}

func TestMergeAddsBinwiseAndResizes(t *testing.T) {
	a := qhisto.New(2)
	a.AddCharge(0, 10)
	a.AddCount(0, 1)

	b := qhisto.New(3)
	b.AddCharge(0, 5)
	b.AddCharge(2, 7)
	b.AddCount(2, 1)

	qhisto.Merge(&a, b)

	if len(a.Q) != 3 {
		t.Fatalf("len(a.Q) after merge: got %d, want 3", len(a.Q))
	}
	if a.Q[0] != 15 {
		t.Fatalf("a.Q[0]: got %d, want 15", a.Q[0])
	}
	if a.Q[2] != 7 || a.N[2] != 1 {
		t.Fatalf("a bin 2: got Q=%d N=%d, want Q=7 N=1", a.Q[2], a.N[2])
	}
	// src left unmodified
	if len(b.Q) != 3 || b.Q[0] != 5 {
		t.Fatalf("src mutated by Merge")
	}
}

func TestMergeSaturates(t *testing.T) {
	a := qhisto.New(1)
	a.AddCharge(0, qhisto.SaturationCap)
	b := qhisto.New(1)
	b.AddCharge(0, 1)

	qhisto.Merge(&a, b)
	if a.Q[0] != qhisto.SaturationCap {
		t.Fatalf("Q[0]: got %d, want saturated %d", a.Q[0], qhisto.SaturationCap)
	}
}
