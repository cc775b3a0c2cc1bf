// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package settings_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/thomaslindner/ebcore/settings"
)

func sampleLines() string {
	var b strings.Builder
	b.WriteString(`
# comment
qt.rebin_factor = 1
filter.energy_low = 100
filter.energy_med = 500
filter.energy_high = 1000
filter.fprompt_low = 128
filter.fprompt_med = 128
filter.max_nqt = 5
filter.window_start_offset_ns = 40
filter.narrow_window_ns = 160
filter.wide_window_ns = 320
filter.enable_v1720 = true
filter.enable_v1740 = true
filter.v1720_spe_confidence_threshold = 100
filter.v1720_threshold_to_save_v1740 = 4096
assembly.mode = 2
assembly.modulo = 1000000
assembly.strict_timestamp_matching = false

fragment.nai1.trigger_mask = 2
fragment.nai1.buffer_name = SYSTEM
fragment.nai1.event_id = 1
fragment.nai1.enable = true
fragment.master.trigger_mask = 1
fragment.master.buffer_name = SYSTEM
fragment.master.event_id = 1
fragment.master.enable = true
`)
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&b, "assembly.dtm2fe_mask.%d = %d\n", i, 1<<uint(i))
	}
	for i := 0; i < 256; i++ {
		fmt.Fprintf(&b, "pmt_map.%d = -1\n", i)
	}
	return b.String()
}

func TestReadMapStoreAndLoad(t *testing.T) {
	store, err := settings.ReadMapStore(strings.NewReader(sampleLines()))
	if err != nil {
		t.Fatalf("ReadMapStore: %v", err)
	}

	snap, err := settings.Load(store, []string{"nai1", "master"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.NarrowWindow != 40 || snap.WideWindow != 80 || snap.StartOffset != 10 {
		t.Fatalf("windows: got %+v", snap)
	}
	if snap.Mode != settings.AssembleByTimestamp {
		t.Fatalf("Mode: got %v, want AssembleByTimestamp", snap.Mode)
	}
	if len(snap.Fragments) != 2 {
		t.Fatalf("fragments: got %d, want 2", len(snap.Fragments))
	}
	// sorted by TriggerMask ascending: master(1) before nai1(2)
	if snap.Fragments[0].Name != "master" || snap.Fragments[1].Name != "nai1" {
		t.Fatalf("fragment sort order: got %+v", snap.Fragments)
	}
}

func TestLoadMissingKey(t *testing.T) {
	store := settings.MapStore{"qt.rebin_factor": "1"}
	_, err := settings.Load(store, nil)
	var missing *settings.ErrMissingKey
	if !errors.As(err, &missing) {
		t.Fatalf("Load: got %v, want ErrMissingKey", err)
	}
}

func TestLoadMissingFragmentKey(t *testing.T) {
	store, err := settings.ReadMapStore(strings.NewReader(sampleLines()))
	if err != nil {
		t.Fatalf("ReadMapStore: %v", err)
	}
	_, err = settings.Load(store, []string{"nai1", "doesnotexist"})
	var missing *settings.ErrMissingKey
	if !errors.As(err, &missing) {
		t.Fatalf("Load: got %v, want ErrMissingKey", err)
	}
}

func TestReadMapStoreMalformedLine(t *testing.T) {
	_, err := settings.ReadMapStore(strings.NewReader("not-a-kv-line"))
	if err == nil {
		t.Fatalf("ReadMapStore: expected error on malformed line")
	}
}

func TestLoadRejectsMissingMaster(t *testing.T) {
	store, err := settings.ReadMapStore(strings.NewReader(sampleLines()))
	if err != nil {
		t.Fatalf("ReadMapStore: %v", err)
	}
	_, err = settings.Load(store, []string{"nai1"})
	var conflict *settings.ErrAssemblyConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("Load: got %v, want ErrAssemblyConflict", err)
	}
}

func TestLoadRejectsDisabledMaster(t *testing.T) {
	raw := strings.ReplaceAll(sampleLines(), "fragment.master.enable = true", "fragment.master.enable = false")
	store, err := settings.ReadMapStore(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadMapStore: %v", err)
	}
	_, err = settings.Load(store, []string{"nai1", "master"})
	var conflict *settings.ErrAssemblyConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("Load: got %v, want ErrAssemblyConflict", err)
	}
}
