// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package worker runs one dedicated ingest loop per fragment,
// coordinated with the assembler purely through the fragment's ring
// buffer and a shared run-state flag: no locking, one producer and one
// consumer per ring.
package worker

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"

	"github.com/thomaslindner/ebcore/fragment"
	"github.com/thomaslindner/ebcore/midware"
)

// ringNearFullBackoff is how long a worker idles when its fragment's
// ring buffer is at or above the 75%-full overflow guard.
const ringNearFullBackoff = 1 * time.Millisecond

// ringNearFullLevel is the fill fraction at which a producer backs
// off rather than reserve a new event (spec.md §4.3/§4.7).
const ringNearFullLevel = 0.75

// emptyUpstreamBackoff is how long a worker idles after a non-blocking
// receive finds nothing waiting, before polling again.
const emptyUpstreamBackoff = 1 * time.Millisecond

// FragmentWorker runs Fragment.ReadOne in a loop, backing off under
// ring pressure and upstream silence, until RunState reads false.
type FragmentWorker struct {
	Fragment *fragment.Fragment
	RunState *atomix.Bool

	log *logrus.Entry
}

// New returns a FragmentWorker for f, gated by runState.
func New(f *fragment.Fragment, runState *atomix.Bool, log *logrus.Entry) *FragmentWorker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FragmentWorker{Fragment: f, RunState: runState, log: log.WithField("worker", f.Name)}
}

// Run loops until RunState reads false, finishing any in-progress
// ingest before returning (ReadOne is a single non-blocking pull, so
// "in-progress" only ever means the call already underway).
func (w *FragmentWorker) Run() {
	w.log.Info("fragment worker started")
	for w.RunState == nil || w.RunState.LoadAcquire() {
		w.tick()
	}
	w.log.Info("fragment worker stopped")
}

// tick runs one loop iteration: back off if the ring is near full,
// otherwise attempt one ReadOne, logging and backing off on failure or
// quiescence.
func (w *FragmentWorker) tick() {
	if w.Fragment.Ring.Level() >= ringNearFullLevel {
		time.Sleep(ringNearFullBackoff)
		return
	}

	ok, err := w.Fragment.ReadOne()
	if err != nil {
		if errors.Is(err, iox.ErrWouldBlock) || errors.Is(err, midware.ErrWouldBlock) {
			time.Sleep(emptyUpstreamBackoff)
			return
		}
		w.log.WithError(err).Error("ingest failure; continuing")
		return
	}
	if !ok {
		time.Sleep(emptyUpstreamBackoff)
	}
}
