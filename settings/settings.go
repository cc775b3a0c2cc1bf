// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package settings models the flat key/value configuration namespace
// read once at begin-of-run and then treated as read-only for the
// remainder of the run, matching the external control database this
// system is built against (the database itself is out of scope; see
// MapStore for the in-process stand-in used by tests and the CLI).
package settings

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ErrMissingKey reports that a required settings key was absent from
// the store at load time.
type ErrMissingKey struct {
	Key string
}

func (e *ErrMissingKey) Error() string {
	return fmt.Sprintf("settings: missing required key %q", e.Key)
}

// Store is a flat key/value namespace. Implementations need not be
// concurrency-safe beyond the single Load call made at begin-of-run.
type Store interface {
	Get(key string) (string, bool)
}

// MapStore is an in-memory Store, and the format read from a flat
// settings file of "key = value" lines (one per line, '#' comments).
type MapStore map[string]string

// Get implements Store.
func (m MapStore) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// ReadMapStore parses a flat "key = value" settings file.
func ReadMapStore(r io.Reader) (MapStore, error) {
	m := MapStore{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, fmt.Errorf("settings: malformed line %q: no '='", line)
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		m[key] = val
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("settings: read: %w", err)
	}
	return m, nil
}

// AssemblyMode selects how the assembler paces fragments against the
// trigger master.
type AssemblyMode int

const (
	// AssembleBySerialNumber requires each participant's event serial
	// number to equal the master's; timestamps are not checked.
	AssembleBySerialNumber AssemblyMode = 1
	// AssembleByTimestamp instead verifies participant timestamps
	// against the master within tolerance (fragment.CheckAndMergeQT).
	AssembleByTimestamp AssemblyMode = 2
)

// FragmentConfig is one fragment's static, begin-of-run configuration.
type FragmentConfig struct {
	Name        string
	BufferName  string
	EventID     int
	TriggerMask uint16
	Enable      bool
}

// Snapshot is the latched, read-only settings view handed to every
// component at begin-of-run. Every field here corresponds to one of
// the flat keys spec.md §6 names; Load validates all of them are
// present before a run is allowed to start (settings.ErrMissingKey
// satisfies the Config error taxonomy entry in spec.md §7).
type Snapshot struct {
	// RebinFactor is the number of 4ns bins combined into one Q-vs-T
	// summary bin.
	RebinFactor int

	// LowE, MedE, HighE are the narrow-window energy thresholds (ADC).
	LowE, MedE, HighE int
	// FpromptLowE, FpromptMedE are Fprompt split points, in 1/256ths.
	FpromptLowE, FpromptMedE int
	// StartOffset, NarrowWindow, WideWindow are already converted from
	// the settings store's nanosecond units into histogram bins (the
	// store holds ns; Load divides by 4*RebinFactor, per spec.md §6).
	StartOffset, NarrowWindow, WideWindow int
	// NQThresh is the peak pulse count at or below which peak
	// detection falls back from the count histogram to the charge one.
	NQThresh int

	// Mode selects serial-number or timestamp-verified assembly.
	Mode AssemblyMode
	// Modulo is read and latched at begin-of-run; no component
	// consults it.
	Modulo int
	// DTM2FETriggerMask maps a DTM trigger-mask bit index (0-7) to the
	// participant trigger-mask bits required when that bit is set.
	DTM2FETriggerMask [8]uint16

	// EnableV1720Filtering gates SPE-confidence ZLE/SQ dropping.
	EnableV1720Filtering bool
	// EnableV1740Filtering gates MN-minima W4 group dropping.
	EnableV1740Filtering bool
	// V1720SPEConfidenceThreshold is the minimum confidence a pulse
	// must exceed to be dropped as single-photoelectron-like.
	V1720SPEConfidenceThreshold int
	// V1720ThresholdToSaveV1740 is the MN minima value below which a
	// slow-digitizer group is retained.
	V1720ThresholdToSaveV1740 int
	// StrictTimestampMatching, when true, makes any participant
	// timestamp mismatch trigger an automatic run-stop.
	StrictTimestampMatching bool

	// PMTMap maps a fast-digitizer channel index
	// (module*8+channel) to its slow-digitizer channel index
	// (board*64+channel), or -1 if unmapped.
	PMTMap [256]int

	Fragments []FragmentConfig
}

func getRequired(s Store, key string) (string, error) {
	v, ok := s.Get(key)
	if !ok {
		return "", &ErrMissingKey{Key: key}
	}
	return v, nil
}

func getRequiredInt(s Store, key string) (int, error) {
	v, err := getRequired(s, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("settings: key %q: %w", key, err)
	}
	return n, nil
}

func getRequiredBool(s Store, key string) (bool, error) {
	v, err := getRequired(s, key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("settings: key %q: %w", key, err)
	}
	return b, nil
}

func divRebin(ns, rebinFactor int) int {
	divisor := 4 * rebinFactor
	if divisor <= 0 {
		divisor = 4
	}
	return ns / divisor
}

// Load reads and validates a Snapshot from s. fragmentNames lists the
// fragments to load settings for; the control database is addressed
// by key, not enumerated, so the caller (normally the frontend's own
// static fragment list) supplies the names. The resulting Fragments
// slice is sorted by TriggerMask ascending, matching the assembly
// order spec.md requires (the fragment with TriggerMask 0x0001, the
// trigger master, sorts first).
func Load(s Store, fragmentNames []string) (Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.RebinFactor, err = getRequiredInt(s, "qt.rebin_factor"); err != nil {
		return Snapshot{}, err
	}
	if snap.RebinFactor <= 0 {
		snap.RebinFactor = 1
	}

	if snap.LowE, err = getRequiredInt(s, "filter.energy_low"); err != nil {
		return Snapshot{}, err
	}
	if snap.MedE, err = getRequiredInt(s, "filter.energy_med"); err != nil {
		return Snapshot{}, err
	}
	if snap.HighE, err = getRequiredInt(s, "filter.energy_high"); err != nil {
		return Snapshot{}, err
	}
	if snap.FpromptLowE, err = getRequiredInt(s, "filter.fprompt_low"); err != nil {
		return Snapshot{}, err
	}
	if snap.FpromptMedE, err = getRequiredInt(s, "filter.fprompt_med"); err != nil {
		return Snapshot{}, err
	}
	if snap.NQThresh, err = getRequiredInt(s, "filter.max_nqt"); err != nil {
		return Snapshot{}, err
	}

	startNs, err := getRequiredInt(s, "filter.window_start_offset_ns")
	if err != nil {
		return Snapshot{}, err
	}
	narrowNs, err := getRequiredInt(s, "filter.narrow_window_ns")
	if err != nil {
		return Snapshot{}, err
	}
	wideNs, err := getRequiredInt(s, "filter.wide_window_ns")
	if err != nil {
		return Snapshot{}, err
	}
	snap.StartOffset = divRebin(startNs, snap.RebinFactor)
	snap.NarrowWindow = divRebin(narrowNs, snap.RebinFactor)
	snap.WideWindow = divRebin(wideNs, snap.RebinFactor)

	mode, err := getRequiredInt(s, "assembly.mode")
	if err != nil {
		return Snapshot{}, err
	}
	snap.Mode = AssemblyMode(mode)
	if snap.Modulo, err = getRequiredInt(s, "assembly.modulo"); err != nil {
		return Snapshot{}, err
	}

	for i := 0; i < 8; i++ {
		m, err := getRequiredInt(s, fmt.Sprintf("assembly.dtm2fe_mask.%d", i))
		if err != nil {
			return Snapshot{}, err
		}
		snap.DTM2FETriggerMask[i] = uint16(m)
	}

	if snap.EnableV1720Filtering, err = getRequiredBool(s, "filter.enable_v1720"); err != nil {
		return Snapshot{}, err
	}
	if snap.EnableV1740Filtering, err = getRequiredBool(s, "filter.enable_v1740"); err != nil {
		return Snapshot{}, err
	}
	if snap.V1720SPEConfidenceThreshold, err = getRequiredInt(s, "filter.v1720_spe_confidence_threshold"); err != nil {
		return Snapshot{}, err
	}
	if snap.V1720ThresholdToSaveV1740, err = getRequiredInt(s, "filter.v1720_threshold_to_save_v1740"); err != nil {
		return Snapshot{}, err
	}
	if snap.StrictTimestampMatching, err = getRequiredBool(s, "assembly.strict_timestamp_matching"); err != nil {
		return Snapshot{}, err
	}

	for i := range snap.PMTMap {
		v, err := getRequiredInt(s, fmt.Sprintf("pmt_map.%d", i))
		if err != nil {
			return Snapshot{}, err
		}
		snap.PMTMap[i] = v
	}

	for _, name := range fragmentNames {
		mask, err := getRequiredInt(s, fmt.Sprintf("fragment.%s.trigger_mask", name))
		if err != nil {
			return Snapshot{}, err
		}
		bufferName, err := getRequired(s, fmt.Sprintf("fragment.%s.buffer_name", name))
		if err != nil {
			return Snapshot{}, err
		}
		eventID, err := getRequiredInt(s, fmt.Sprintf("fragment.%s.event_id", name))
		if err != nil {
			return Snapshot{}, err
		}
		enable, err := getRequiredBool(s, fmt.Sprintf("fragment.%s.enable", name))
		if err != nil {
			return Snapshot{}, err
		}
		snap.Fragments = append(snap.Fragments, FragmentConfig{
			Name:        name,
			BufferName:  bufferName,
			EventID:     eventID,
			TriggerMask: uint16(mask),
			Enable:      enable,
		})
	}
	sort.Slice(snap.Fragments, func(i, j int) bool {
		return snap.Fragments[i].TriggerMask < snap.Fragments[j].TriggerMask
	})

	if err := validateAssembly(snap); err != nil {
		return Snapshot{}, err
	}

	return snap, nil
}

// ErrAssemblyConflict reports a begin-of-run configuration that can
// never assemble a complete event: the trigger master missing or
// disabled, or a fragment required by the DTM-to-fragment trigger
// mask map not enabled.
type ErrAssemblyConflict struct {
	Reason string
}

func (e *ErrAssemblyConflict) Error() string {
	return fmt.Sprintf("settings: assembly conflict: %s", e.Reason)
}

// validateAssembly checks the fatal, begin-of-run-only conditions
// spec.md §7 assigns to AssemblyConflict: the master fragment
// (TriggerMask 0x0001) must be present and enabled, and every
// fragment the DTM2FETriggerMask map can request must be enabled too.
func validateAssembly(snap Snapshot) error {
	byMask := make(map[uint16]FragmentConfig, len(snap.Fragments))
	for _, f := range snap.Fragments {
		byMask[f.TriggerMask] = f
	}

	master, ok := byMask[0x0001]
	if !ok {
		return &ErrAssemblyConflict{Reason: "no fragment configured with trigger mask 0x0001 (trigger master)"}
	}
	if !master.Enable {
		return &ErrAssemblyConflict{Reason: "trigger master fragment is disabled"}
	}

	var required uint16
	for _, bits := range snap.DTM2FETriggerMask {
		required |= bits
	}
	for _, f := range snap.Fragments {
		if required&f.TriggerMask == 0 {
			continue
		}
		if !f.Enable {
			return &ErrAssemblyConflict{Reason: fmt.Sprintf("fragment %q is required by the trigger mask map but disabled", f.Name)}
		}
	}
	return nil
}
