// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package worker_test

import (
	"testing"
	"time"

	"code.hybscloud.com/atomix"

	"github.com/thomaslindner/ebcore/bank"
	"github.com/thomaslindner/ebcore/fragment"
	"github.com/thomaslindner/ebcore/midware"
	"github.com/thomaslindner/ebcore/ringbuffer"
	"github.com/thomaslindner/ebcore/worker"
)

func buildRawEvent(t *testing.T) []byte {
	t.Helper()
	b := bank.NewBuilder()
	c := b.Create("QT00", bank.TypeDWORD)
	c.WriteWords(0, 1000, 4, 0, 0, 1000, 2<<16)
	c.Close()
	container := b.Bytes()
	hdr := bank.EventHeader{EventID: 1, TriggerMask: 2, SerialNo: 1, Timestamp: 1000, DataSize: uint32(len(container))}
	buf := make([]byte, bank.EventHeaderSize+len(container))
	bank.EncodeEventHeader(buf, hdr)
	copy(buf[bank.EventHeaderSize:], container)
	return buf
}

// A worker ingests events from its source and stops cleanly once
// RunState is lowered.
func TestFragmentWorkerRunConsumesUntilStopped(t *testing.T) {
	src := midware.NewMemorySource(buildRawEvent(t), buildRawEvent(t), buildRawEvent(t))
	ring := ringbuffer.New(4096)
	f := fragment.New("nai1", 0x2, 1, src, ring, nil)

	var runState atomix.Bool
	runState.StoreRelease(true)

	w := worker.New(f, &runState, nil)
	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := f.PeekContainer(); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for worker to ingest an event")
		}
		time.Sleep(time.Millisecond)
	}

	runState.StoreRelease(false)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop after RunState lowered")
	}
}
