// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package assembler implements the collector: the single state
// machine that polls the trigger-master fragment, waits for the
// fragments it names to each have an event ready, verifies their
// timestamps, aggregates their Q-vs-T histograms, runs the filter
// engine, and emits one coalesced output event per cycle.
package assembler

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"

	"github.com/thomaslindner/ebcore/bank"
	"github.com/thomaslindner/ebcore/filter"
	"github.com/thomaslindner/ebcore/fragment"
	"github.com/thomaslindner/ebcore/midware"
	"github.com/thomaslindner/ebcore/qhisto"
	"github.com/thomaslindner/ebcore/settings"
)

// participantPollInterval is the S2 WaitParticipants poll cadence.
const participantPollInterval = 100 * time.Microsecond

// ErrRunStopped is returned by Step once a strict matching failure
// (timestamp or, in serial-number mode, serial number) has flagged the
// run for termination. Idempotent: once flagged, every
// subsequent Step call returns it immediately.
var ErrRunStopped = errors.New("assembler: run stopped on timestamp mismatch")

// state is the S0-S4 cycle position described in spec.md §4.7.
type state int

const (
	stateIdle state = iota
	stateWaitMaster
	stateWaitParticipants
	stateVerifyAndAggregate
	stateEmit
)

// Assembler is the collector. Fragments must be sorted ascending by
// TriggerMask, as settings.Load already arranges; Fragments[0] is
// always the trigger master (TriggerMask 0x0001).
type Assembler struct {
	Fragments               []*fragment.Fragment
	Sink                    midware.Sink
	Decision                filter.FilterDecision
	SmartFilter             *filter.SmartFilter
	Mode                    settings.AssemblyMode
	DTM2FETriggerMask       [8]uint16
	StrictTimestampMatching bool
	RunState                *atomix.Bool

	log                     *logrus.Entry
	state                   state
	stopped                 bool
	serial                  uint32
	triggMask               uint8
	masterTS                uint32
}

// New returns an Assembler ready to run Step in a loop. fragments[0]
// must be the trigger master (TriggerMask 0x0001); New panics if it is
// not, since every later stage depends on that ordering. mode defaults
// to AssembleByTimestamp when zero.
func New(fragments []*fragment.Fragment, sink midware.Sink, sf *filter.SmartFilter, decision filter.FilterDecision, mode settings.AssemblyMode, dtm2fe [8]uint16, strict bool, runState *atomix.Bool, log *logrus.Entry) *Assembler {
	if len(fragments) == 0 || fragments[0].TriggerMask != 0x0001 {
		panic("assembler: fragments[0] must be the trigger master (TriggerMask 0x0001)")
	}
	if mode == 0 {
		mode = settings.AssembleByTimestamp
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Assembler{
		Fragments:               fragments,
		Sink:                    sink,
		Decision:                decision,
		SmartFilter:             sf,
		Mode:                    mode,
		DTM2FETriggerMask:       dtm2fe,
		StrictTimestampMatching: strict,
		RunState:                runState,
		log:                     log.WithField("component", "assembler"),
	}
}

func (a *Assembler) master() *fragment.Fragment { return a.Fragments[0] }

// Step advances the state machine by one cycle, blocking (with the
// bounded polling spec.md §5 calls for) until either a complete event
// has been emitted or the run is stopped. It returns ErrRunStopped
// once a strict matching failure has flagged the run. RunState is
// observed at the top of Step, inside both polling waits, and after
// each wait, so a run-stop request ends the cycle without emitting.
func (a *Assembler) Step() error {
	if a.stopped {
		return ErrRunStopped
	}
	if a.RunState != nil && !a.RunState.LoadAcquire() {
		a.state = stateIdle
		return nil
	}
	a.state = stateWaitMaster

	mask, ts, err := a.waitMaster()
	if err != nil {
		return err
	}
	if a.RunState != nil && !a.RunState.LoadAcquire() {
		a.state = stateIdle
		return nil
	}
	a.triggMask, a.masterTS = mask, ts
	a.state = stateWaitParticipants

	participants := a.requiredParticipants(mask)
	if err := a.waitParticipants(participants); err != nil {
		return err
	}
	if a.RunState != nil && !a.RunState.LoadAcquire() {
		a.state = stateIdle
		return nil
	}
	a.state = stateVerifyAndAggregate

	hist := qhisto.New(0)
	aborted, err := a.verifyAndAggregate(participants, &hist)
	if err != nil {
		return err
	}
	if aborted {
		a.state = stateIdle
		return nil
	}
	a.state = stateEmit

	if err := a.emit(participants, hist); err != nil {
		return err
	}
	a.state = stateIdle
	return nil
}

// waitMaster polls the master fragment (S1) until an event is ready,
// then extracts the DTRG/DTM_ descriptor's triggerMaskUsed and
// masterTimestamp.
func (a *Assembler) waitMaster() (triggerMaskUsed uint8, masterTS uint32, err error) {
	for {
		if a.RunState != nil && !a.RunState.LoadAcquire() {
			return 0, 0, nil
		}
		container, perr := a.master().PeekContainer()
		if perr != nil {
			if errors.Is(perr, midware.ErrWouldBlock) || errors.Is(perr, iox.ErrWouldBlock) {
				time.Sleep(participantPollInterval)
				continue
			}
			return 0, 0, fmt.Errorf("assembler: wait master: %w", perr)
		}
		mask, ts, ok := decodeTrigger(container)
		if !ok {
			return 0, 0, fmt.Errorf("assembler: master event carries no DTRG/DTM_ bank")
		}
		return mask, ts, nil
	}
}

// decodeTrigger reads the 8-bit triggerMaskUsed and 32-bit master
// timestamp from a DTRG bank if present, else a DTM_ bank (see
// SPEC_FULL.md §3 for why both names are recognized).
func decodeTrigger(container []byte) (mask uint8, ts uint32, ok bool) {
	b, found := bank.Locate(container, "DTRG")
	if !found {
		b, found = bank.Locate(container, "DTM_")
	}
	if !found {
		return 0, 0, false
	}
	words := b.Words()
	if len(words) < 4 {
		return 0, 0, false
	}
	ts = words[0]
	mask = uint8((words[3] >> 16) & 0xFF)
	return mask, ts, true
}

// requiredParticipants returns the non-master fragments whose trigger
// mask intersects the union of DTM2FETriggerMask entries for every bit
// set in triggerMaskUsed.
func (a *Assembler) requiredParticipants(triggerMaskUsed uint8) []*fragment.Fragment {
	var required uint16
	for i := 0; i < 8; i++ {
		if triggerMaskUsed&(1<<uint(i)) != 0 {
			required |= a.DTM2FETriggerMask[i]
		}
	}
	var out []*fragment.Fragment
	for _, f := range a.Fragments[1:] {
		if required&f.TriggerMask != 0 {
			out = append(out, f)
		}
	}
	return out
}

// waitParticipants polls (S2) until every required fragment has an
// event available.
func (a *Assembler) waitParticipants(participants []*fragment.Fragment) error {
	pending := append([]*fragment.Fragment(nil), participants...)
	for len(pending) > 0 {
		if a.RunState != nil && !a.RunState.LoadAcquire() {
			return nil
		}
		next := pending[:0]
		for _, f := range pending {
			if _, err := f.PeekContainer(); err != nil {
				if errors.Is(err, midware.ErrWouldBlock) || errors.Is(err, iox.ErrWouldBlock) {
					next = append(next, f)
					continue
				}
				return fmt.Errorf("assembler: wait participants: %w", err)
			}
		}
		pending = next
		if len(pending) > 0 {
			time.Sleep(participantPollInterval)
		}
	}
	return nil
}

// verifyAndAggregate runs S3: merges every participant's Q-vs-T
// histogram into hist and checks its agreement with the master event,
// the check depending on a.Mode. AssembleByTimestamp verifies each
// participant's timestamp against masterTS within tolerance
// (fragment.CheckAndMergeQT); AssembleBySerialNumber instead requires
// the participant's event serial number to equal the master's,
// mirroring the original front-end's two distinct assembly callbacks
// (SNAssembly vs TSDeapAssembly). If any participant mismatches and
// StrictTimestampMatching is set, the run is flagged stopped
// (idempotently) and aborted=true is returned so the caller drops the
// current event without emitting it.
func (a *Assembler) verifyAndAggregate(participants []*fragment.Fragment, hist *qhisto.Histogram) (aborted bool, err error) {
	var masterSerial uint32
	if a.Mode == settings.AssembleBySerialNumber {
		masterHdr, herr := a.master().PeekEventHeader()
		if herr != nil {
			return false, fmt.Errorf("assembler: verify: master header: %w", herr)
		}
		masterSerial = masterHdr.SerialNo
	}

	mismatch := false
	for _, f := range participants {
		var match bool
		if a.Mode == settings.AssembleBySerialNumber {
			if merr := f.MergeQT(hist); merr != nil {
				return false, fmt.Errorf("assembler: verify %s: %w", f.Name, merr)
			}
			hdr, herr := f.PeekEventHeader()
			if herr != nil {
				return false, fmt.Errorf("assembler: verify %s: %w", f.Name, herr)
			}
			match = hdr.SerialNo == masterSerial
			if !match {
				a.log.WithFields(logrus.Fields{
					"fragment":     f.Name,
					"masterSerial": masterSerial,
					"serial":       hdr.SerialNo,
				}).Error("serial number mismatch")
			}
		} else {
			var cerr error
			match, cerr = f.CheckAndMergeQT(hist, a.masterTS)
			if cerr != nil {
				return false, fmt.Errorf("assembler: verify %s: %w", f.Name, cerr)
			}
		}
		if !match {
			mismatch = true
		}
	}
	if mismatch && a.StrictTimestampMatching {
		if !a.stopped {
			a.stopped = true
			a.log.Error("strict matching failure: flagging run stop")
		}
		return true, nil
	}
	return false, nil
}

// emit runs S4: copies the master's banks verbatim, runs the
// two-pass SmartFilter analysis across every participant's banks, then
// writes each participant's filtered banks, appends the EBSM summary
// bank from the aggregated histogram, advances every consumed ring
// buffer, and sends the coalesced event to Sink.
func (a *Assembler) emit(participants []*fragment.Fragment, hist qhisto.Histogram) error {
	masterHdr, err := a.master().PeekEventHeader()
	if err != nil {
		return fmt.Errorf("assembler: emit: master header: %w", err)
	}

	dst := bank.NewBuilder()
	if err := a.master().AppendBanks(dst); err != nil {
		return fmt.Errorf("assembler: emit: copy master banks: %w", err)
	}

	if a.SmartFilter != nil {
		a.SmartFilter.Reset()
		for _, f := range participants {
			container, perr := f.PeekContainer()
			if perr != nil {
				return fmt.Errorf("assembler: emit: analyze %s: %w", f.Name, perr)
			}
			if aerr := a.SmartFilter.AnalyzeBanks(container); aerr != nil {
				return fmt.Errorf("assembler: emit: analyze %s: %w", f.Name, aerr)
			}
		}
	}
	for _, f := range participants {
		container, perr := f.PeekContainer()
		if perr != nil {
			return fmt.Errorf("assembler: emit: write %s: %w", f.Name, perr)
		}
		if a.SmartFilter != nil {
			if werr := a.SmartFilter.WriteFilteredBanks(dst, container); werr != nil {
				return fmt.Errorf("assembler: emit: write %s: %w", f.Name, werr)
			}
		} else if !dst.CopyAll(container) {
			return fmt.Errorf("assembler: emit: no banks copied from %s", f.Name)
		}
		if aerr := f.Advance(); aerr != nil {
			return fmt.Errorf("assembler: emit: advance %s: %w", f.Name, aerr)
		}
	}

	a.Decision.AppendEBSM(dst, a.Decision.Decide(hist))

	banks := dst.Bytes()
	out := make([]byte, bank.EventHeaderSize+len(banks))
	a.serial++
	bank.EncodeEventHeader(out, bank.EventHeader{
		EventID:     masterHdr.EventID,
		TriggerMask: masterHdr.TriggerMask,
		SerialNo:    a.serial,
		Timestamp:   a.masterTS,
		DataSize:    uint32(len(banks)),
	})
	copy(out[bank.EventHeaderSize:], banks)

	if err := a.Sink.Send(out); err != nil {
		return fmt.Errorf("assembler: emit: send: %w", err)
	}
	return nil
}
