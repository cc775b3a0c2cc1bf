// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"code.hybscloud.com/atomix"

	"github.com/thomaslindner/ebcore/assembler"
	"github.com/thomaslindner/ebcore/filter"
	"github.com/thomaslindner/ebcore/fragment"
	"github.com/thomaslindner/ebcore/midware"
	"github.com/thomaslindner/ebcore/ringbuffer"
	"github.com/thomaslindner/ebcore/settings"
	"github.com/thomaslindner/ebcore/worker"
)

const defaultRingBytes = 1 << 20

type runFlags struct {
	settingsPath string
	fragments    []string
	inputs       []string
	output       string
	ringBytes    int
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load settings, assemble events from the given fragment streams, and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(flags)
		},
	}
	cmd.Flags().StringVar(&flags.settingsPath, "settings", "", "path to the flat key=value settings file (required)")
	cmd.Flags().StringSliceVar(&flags.fragments, "fragment", nil, "fragment name to load from settings (repeatable; required)")
	cmd.Flags().StringSliceVar(&flags.inputs, "input", nil, "name=path framed raw-event file for one fragment (repeatable)")
	cmd.Flags().StringVar(&flags.output, "output", "ebuilderd.out", "path to write the framed coalesced-event output stream")
	cmd.Flags().IntVar(&flags.ringBytes, "ring-bytes", defaultRingBytes, "per-fragment ring buffer capacity in bytes")
	_ = cmd.MarkFlagRequired("settings")
	_ = cmd.MarkFlagRequired("fragment")
	return cmd
}

func parseInputFlags(inputs []string) (map[string]string, error) {
	out := make(map[string]string, len(inputs))
	for _, kv := range inputs {
		name, path, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("ebuilderd: malformed --input %q, want name=path", kv)
		}
		out[name] = path
	}
	return out, nil
}

func runRun(flags *runFlags) error {
	log := newLogger()
	publishStatus := func(s string) { log.Info(s) }

	publishStatus("Initializing…")

	settingsFile, err := os.Open(flags.settingsPath)
	if err != nil {
		return fmt.Errorf("ebuilderd: %w", err)
	}
	store, err := settings.ReadMapStore(settingsFile)
	settingsFile.Close()
	if err != nil {
		return fmt.Errorf("ebuilderd: %w", err)
	}

	snap, err := settings.Load(store, flags.fragments)
	if err != nil {
		return fmt.Errorf("ebuilderd: begin-of-run settings load failed: %w", err)
	}

	inputPaths, err := parseInputFlags(flags.inputs)
	if err != nil {
		return err
	}

	sink, err := newFileSink(flags.output)
	if err != nil {
		return fmt.Errorf("ebuilderd: %w", err)
	}
	defer sink.Close()

	var runState atomix.Bool
	runState.StoreRelease(true)

	fragments := make([]*fragment.Fragment, 0, len(snap.Fragments))
	workers := make([]*worker.FragmentWorker, 0, len(snap.Fragments))
	for _, fc := range snap.Fragments {
		if !fc.Enable {
			continue
		}
		var src midware.Source = midware.NewMemorySource()
		if path, ok := inputPaths[fc.Name]; ok {
			events, err := readFramedEvents(path)
			if err != nil {
				return err
			}
			src = midware.NewMemorySource(events...)
		}
		ring := ringbuffer.New(flags.ringBytes)
		f := fragment.New(fc.Name, fc.TriggerMask, snap.RebinFactor, src, ring, log.WithField("fragment", fc.Name))
		fragments = append(fragments, f)
		workers = append(workers, worker.New(f, &runState, log.WithField("worker", fc.Name)))
	}
	if len(fragments) == 0 || fragments[0].TriggerMask != 0x0001 {
		return errors.New("ebuilderd: no enabled trigger-master fragment (trigger mask 0x0001) after settings load")
	}

	sf := filter.NewSmartFilter()
	sf.EnableV1720Filtering = snap.EnableV1720Filtering
	sf.EnableV1740Filtering = snap.EnableV1740Filtering
	sf.V1720SPEConfidenceThreshold = snap.V1720SPEConfidenceThreshold
	sf.SaveV1740Threshold = snap.V1720ThresholdToSaveV1740
	for i, v := range snap.PMTMap {
		sf.ModuleGroupMap[i] = v
	}

	decision := filter.FilterDecision{
		RebinFactor:  snap.RebinFactor,
		LowE:         snap.LowE,
		MedE:         snap.MedE,
		HighE:        snap.HighE,
		FpromptLowE:  snap.FpromptLowE,
		FpromptMedE:  snap.FpromptMedE,
		StartOffset:  snap.StartOffset,
		NarrowWindow: snap.NarrowWindow,
		WideWindow:   snap.WideWindow,
		NQThresh:     snap.NQThresh,
	}

	asm := assembler.New(fragments, sink, sf, decision, snap.Mode, snap.DTM2FETriggerMask, snap.StrictTimestampMatching, &runState, log.WithField("component", "assembler"))

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.FragmentWorker) {
			defer wg.Done()
			w.Run()
		}(w)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	assemblerDone := make(chan error, 1)
	go func() {
		for runState.LoadAcquire() {
			if err := asm.Step(); err != nil {
				if errors.Is(err, assembler.ErrRunStopped) {
					runState.StoreRelease(false)
					assemblerDone <- nil
					return
				}
				log.WithError(err).Error("assembler step failed; continuing")
			}
		}
		assemblerDone <- nil
	}()

	publishStatus("Started run")

	select {
	case <-sig:
		publishStatus("Ending run…")
		runState.StoreRelease(false)
		<-assemblerDone
	case <-assemblerDone:
		// The assembler already stopped the run itself (e.g. a strict
		// timestamp-matching failure), so workers need the same signal.
		publishStatus("Ending run…")
		runState.StoreRelease(false)
	}

	wg.Wait()
	publishStatus("Ended run")

	return nil
}
