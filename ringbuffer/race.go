// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package ringbuffer

// RaceEnabled is true when the race detector is active. Concurrent
// producer/consumer tests that exercise the commit-fence handoff skip
// their cross-goroutine assertions under it: the detector only tracks
// synchronization through Go's own happens-before edges, not the
// acquire/release ordering hand-rolled here on atomix.Uint64, so it
// reports false positives on an otherwise race-free ring.
const RaceEnabled = true
