// Copyright 2024 The Skyshed Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiregpio

import (
	"encoding/binary"

	"periph.io/x/conn/v3/onewire"

	"github.com/skyshed/focuser/common"
)

// MaxDevices is the most addresses Discover will report. The controller's
// serial protocol reports at most 4 environment probes per bus.
const MaxDevices = 4

const (
	cmdSearchROM   = 0xf0 // enumerate all devices
	cmdAlarmSearch = 0xec // enumerate devices in alarm state
)

// SearchState carries one ROM search session across passes.
//
// A device address has 64 bits. With multiple devices on the bus some bit
// positions are ambiguous: both polarities appear on the wire. Each time a
// new ambiguity is met a zero is chosen and the position remembered. The
// next pass replays the previous address up to that mark, chooses one at
// the mark itself, and zero again past it, stepping through every address
// on the bus one pass at a time. Keeping a single bookmark integer plus the
// reused address buffer is equivalent to walking an explicit search tree,
// in constant state and 64 triplets per pass. Maxim application note 187
// describes the algorithm; "last zero branch" is its "last discrepancy".
//
// A SearchState must not be shared between concurrent sessions. The zero
// value is not usable; call NewSearchState.
type SearchState struct {
	addr           [8]byte // in-progress or last discovered address, LSB first
	lastZeroBranch int8    // highest bit position where the last pass wrote a 0 at an ambiguity, -1..63
	done           bool    // no unexplored branch points remain
}

// NewSearchState returns a state ready to start enumerating a bus.
func NewSearchState() *SearchState {
	return &SearchState{lastZeroBranch: -1}
}

// Done reports whether the session has enumerated every device on the bus.
func (s *SearchState) Done() bool {
	return s.done
}

// Address returns the candidate produced by the last successful pass. It is
// only trustworthy once its embedded CRC has been validated.
func (s *SearchState) Address() onewire.Address {
	return onewire.Address(binary.LittleEndian.Uint64(s.addr[:]))
}

// SearchNext performs one search pass, updating state in place, and reports
// whether a candidate address was produced. The candidate still requires
// CRC validation, see common.CheckCRC.
//
// Once the session is done, or when no device answers the bus reset,
// SearchNext returns false with a nil error; an empty bus is a valid
// discovery outcome, not a failure. Reading both polarity bits as 1 at any
// position means no device was driving the line at all — a wiring or
// timing fault — and aborts the pass with an error, leaving the bookmark
// from the previous pass intact.
func (d *Dev) SearchNext(state *SearchState) (bool, error) {
	return d.searchNext(state, cmdSearchROM)
}

func (d *Dev) searchNext(state *SearchState, cmd byte) (bool, error) {
	if state.done {
		return false, nil
	}
	if err := d.Tx([]byte{cmd}, nil, onewire.WeakPullup); err != nil {
		if nd, ok := err.(onewire.NoDevicesError); ok && nd.NoDevices() {
			return false, nil
		}
		return false, err
	}

	// Bookmark candidate for this pass only. state.lastZeroBranch is not
	// touched until the pass has read all 64 bits.
	localLastZeroBranch := int8(-1)

	for bitPosition := int8(0); bitPosition < 64; bitPosition++ {
		byteIndex := bitPosition / 8
		bitIndex := uint(bitPosition % 8)

		// Decide ahead of the read which branch to take if this position
		// turns out to be ambiguous.
		var direction byte
		switch {
		case bitPosition == state.lastZeroBranch:
			// The previous pass chose the zero branch here: explore the
			// one branch now.
			direction = 1
		case bitPosition < state.lastZeroBranch:
			// Before the branch point, repeat the previous pass's path.
			direction = (state.addr[byteIndex] >> bitIndex) & 1
		default:
			// New territory: take the zero branch first.
			direction = 0
		}

		tr, err := d.SearchTriplet(direction)
		if err != nil {
			return false, err
		}
		if !tr.GotZero && !tr.GotOne {
			return false, busError("onewiregpio: search read 1,1: no device drove the line")
		}
		if tr.GotZero && tr.GotOne && tr.Taken == 0 {
			localLastZeroBranch = bitPosition
		}
		if tr.Taken == 0 {
			state.addr[byteIndex] &^= 1 << bitIndex
		} else {
			state.addr[byteIndex] |= 1 << bitIndex
		}
	}

	// A pass without any zero-branch ambiguity walked the last remaining
	// path: the enumeration is complete.
	if localLastZeroBranch == -1 {
		state.done = true
	} else {
		state.lastZeroBranch = localLastZeroBranch
	}
	return true, nil
}

// Discover enumerates the devices on the bus, up to maxCount addresses.
// maxCount is clamped to MaxDevices.
//
// Candidates whose embedded CRC does not check out (a bus glitch or wiring
// fault) are silently discarded without ending the session; partial results
// are acceptable. An empty result with a nil error means no devices
// answered. If an error occurs during the search the already-discovered
// devices are returned with the error.
func (d *Dev) Discover(maxCount int) ([]onewire.Address, error) {
	if maxCount > MaxDevices {
		maxCount = MaxDevices
	}
	var found []onewire.Address
	state := NewSearchState()
	for len(found) < maxCount {
		ok, err := d.SearchNext(state)
		if err != nil {
			return found, err
		}
		if !ok {
			break
		}
		if !common.CheckCRC(state.addr[:]) {
			continue
		}
		found = append(found, state.Address())
	}
	return found, nil
}

// Search performs a "search" cycle on the 1-wire bus and returns the
// addresses of all devices on the bus if alarmOnly is false and of all
// devices in alarm state if alarmOnly is true.
//
// Unlike Discover, a CRC-invalid candidate is reported as an error: the bus
// API has no notion of an acceptable glitch. If an error occurs during the
// search the already-discovered devices are returned with the error.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	cmd := byte(cmdSearchROM)
	if alarmOnly {
		cmd = cmdAlarmSearch
	}
	var all []onewire.Address
	state := NewSearchState()
	// The cap is a runaway guard; a healthy search session terminates by
	// itself after one pass per device.
	for len(all) < 64 {
		ok, err := d.searchNext(state, cmd)
		if err != nil {
			return all, err
		}
		if !ok {
			break
		}
		if !common.CheckCRC(state.addr[:]) {
			return all, busError("onewiregpio: discovered address has an invalid CRC")
		}
		all = append(all, state.Address())
	}
	return all, nil
}
