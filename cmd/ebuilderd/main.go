// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command ebuilderd is a runnable front-end for the event-builder
// core: it reads a flat settings snapshot, constructs the fragments
// and ring buffers it names, spawns one ingest worker per fragment and
// the assembler, and reacts to OS signals as begin/end-of-run
// transitions — standing in for the external control database's
// run-transition calls that spec.md §1 places out of scope.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ebuilderd",
		Short: "Real-time fragment event builder core",
	}
	root.AddCommand(newRunCmd())
	return root
}

// newLogger returns the logrus logger every package-level component
// shares, formatted the way the rest of the repo's packages expect
// (structured fields, text output on a terminal).
func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}
