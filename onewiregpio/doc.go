// Copyright 2024 The Skyshed Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewiregpio drives a 1-Wire bus by bit-banging a single GPIO
// line.
//
// The master shapes every reset pulse and read/write time slot itself by
// toggling the pin between push-pull output and high-impedance input with
// microsecond delays in between. Each slot has a fixed total duration
// regardless of the bit value carried; only the length of the initial low
// pulse varies, which is what the listening devices use to distinguish a 0
// from a 1. Correctness therefore rests entirely on the delay source:
// jitter beyond a few tens of microseconds corrupts bits silently rather
// than producing a detectable error. On a hosted kernel the package is best
// used for testing and experimentation; on a microcontroller, or with
// interrupts masked for the duration of a slot, it is suitable as the real
// bus master.
//
// onewiregpio.Dev implements onewire.Bus and onewire.BusSearcher. On top of
// the plain Search it provides the firmware's bounded device discovery
// (Discover) and the pass-by-pass ROM search session (SearchState,
// SearchNext) it is built from.
package onewiregpio
