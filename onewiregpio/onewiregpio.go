// Copyright 2024 The Skyshed Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiregpio

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

// Opts contains the slot timings used on the wire.
//
// The defaults follow Maxim application note 126 and match the values the
// controller firmware has always used. All devices stay synchronized to the
// master's clock because a slot's total duration does not depend on the bit
// value sent, so when adjusting the low times the totals must be kept
// constant.
type Opts struct {
	ResetLow       time.Duration // reset low pulse, ≥480µs
	PresenceDetect time.Duration // release-to-sample delay while devices answer, ~70µs
	PresenceTail   time.Duration // remainder of the presence window after sampling, ~460µs
	Write1Low      time.Duration // low time of a write-1 slot, ≤15µs
	Write0Low      time.Duration // low time of a write-0 slot, 60µs..120µs minus recovery
	WriteSlot      time.Duration // total write slot duration including recovery, ~60µs
	ReadInit       time.Duration // low pulse initiating a read slot, ≥1µs
	ReadSample     time.Duration // release-to-sample delay; the bit is valid within 15µs of slot start
	ReadTail       time.Duration // remainder of the read slot after sampling, ~50µs

	// Pull is applied to the pin whenever the line is released. The bus
	// normally has an external pull-up resistor, so the default is Float;
	// use gpio.PullUp to run a short, lightly loaded bus without one.
	Pull gpio.Pull
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ResetLow:       480 * time.Microsecond,
	PresenceDetect: 70 * time.Microsecond,
	PresenceTail:   460 * time.Microsecond,
	Write1Low:      5 * time.Microsecond,
	Write0Low:      55 * time.Microsecond,
	WriteSlot:      60 * time.Microsecond,
	ReadInit:       1 * time.Microsecond,
	ReadSample:     10 * time.Microsecond,
	ReadTail:       50 * time.Microsecond,
	Pull:           gpio.Float,
}

// New returns a bus master that bit-bangs the 1-Wire protocol on the given
// pin.
//
// The pin must be wired to the bus data line and switchable between
// push-pull output and high-impedance input. Opts may be nil, in which
// case DefaultOpts is used.
func New(p gpio.PinIO, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{pin: p, opts: *opts}
	// Idle the line high before the first transaction.
	if err := p.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("onewiregpio: configuring %s: %v", p, err)
	}
	return d, nil
}

// Dev is a handle to a bit-banged 1-wire bus and it implements the
// onewire.Bus and onewire.BusSearcher interfaces.
//
// Dev implements a persistent error model: if the pin itself fails to
// configure, Dev places itself into an error state and immediately returns
// the last error on all subsequent calls. Errors on the 1-wire bus (missing
// presence pulse, search protocol violations) do not cause persistent
// errors and implement the onewire.BusError interface to indicate this
// fact.
type Dev struct {
	mu   sync.Mutex // lock for the bus while a transaction is in progress
	pin  gpio.PinIO // bus data line
	opts Opts       // slot timings, fixed at New
	err  error      // persistent error, device will no longer operate
}

func (d *Dev) String() string {
	return fmt.Sprintf("onewire{%s}", d.pin)
}

// Halt implements conn.Resource. It releases the bus line.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release()
	return d.err
}

// Tx performs a bus transaction: a reset and presence check followed by
// sending w and then reading len(r) bytes, least-significant bit first.
//
// With onewire.StrongPullup the pin is left actively driven high when the
// transaction ends, so that parasitically powered devices can draw
// conversion current through the push-pull driver. With the default weak
// pull-up the line is released to the resistor.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx(w, r, power)
}

func (d *Dev) tx(w, r []byte, power onewire.Pullup) error {
	if d.err != nil {
		return d.err
	}
	present, err := d.reset()
	if err != nil {
		return err
	}
	if !present {
		return noDevicesError("onewiregpio: no presence pulse after reset")
	}
	for _, b := range w {
		d.writeByte(b)
	}
	for i := range r {
		r[i] = d.readByte()
	}
	if power == onewire.StrongPullup {
		d.driveHigh()
	} else {
		d.release()
	}
	return d.err
}

// SearchTriplet performs one bit position of a ROM search: it reads a bit
// and its complement from all participating devices and writes back the
// value that keeps part of them in the running, taking direction at a
// genuine ambiguity.
//
// SearchTriplet should not be used directly, use Search or SearchNext
// instead.
func (d *Dev) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tr := onewire.TripletResult{}
	if d.err != nil {
		return tr, d.err
	}
	bit := d.readBit()
	cmp := d.readBit()
	// The line is a wired-AND: a zero read means at least one participant
	// drove that polarity low.
	tr.GotZero = bit == 0
	tr.GotOne = cmp == 0
	switch {
	case tr.GotZero && !tr.GotOne:
		tr.Taken = 0
	case tr.GotOne && !tr.GotZero:
		tr.Taken = 1
	default:
		// Conflict, or nobody answering at all. Write the requested
		// direction; on a dead line the caller aborts the pass anyway.
		if direction != 0 {
			tr.Taken = 1
		} else {
			tr.Taken = 0
		}
	}
	d.writeBit(tr.Taken)
	return tr, d.err
}

//

// reset issues a reset pulse on the bus and reports whether any device
// answered with a presence pulse. The master stays in receive mode for the
// full presence window even though the sample is taken early.
func (d *Dev) reset() (bool, error) {
	d.driveHigh()
	d.driveLow()
	sleep(d.opts.ResetLow)
	d.release()
	sleep(d.opts.PresenceDetect)
	present := d.sample() == gpio.Low
	sleep(d.opts.PresenceTail)
	if d.err != nil {
		return false, d.err
	}
	return present, nil
}

// writeBit emits one fixed-duration write slot. Only the low portion's
// length depends on the bit value.
func (d *Dev) writeBit(bit byte) {
	if bit != 0 {
		d.driveLow()
		sleep(d.opts.Write1Low)
		d.driveHigh()
		sleep(d.opts.WriteSlot - d.opts.Write1Low)
	} else {
		d.driveLow()
		sleep(d.opts.Write0Low)
		d.driveHigh()
		sleep(d.opts.WriteSlot - d.opts.Write0Low)
	}
}

// readBit generates a read slot and samples the answering device's bit. The
// sample must land within 15µs of the slot start, counted from the falling
// edge.
func (d *Dev) readBit() byte {
	d.driveLow()
	sleep(d.opts.ReadInit)
	d.release()
	sleep(d.opts.ReadSample)
	var bit byte
	if d.sample() == gpio.High {
		bit = 1
	}
	sleep(d.opts.ReadTail)
	return bit
}

// writeByte emits 8 write slots, least-significant bit first.
func (d *Dev) writeByte(b byte) {
	for i := 0; i < 8; i++ {
		d.writeBit(b & 1)
		b >>= 1
	}
}

// readByte performs 8 read slots, least-significant bit first.
func (d *Dev) readByte() byte {
	var b byte
	for i := uint(0); i < 8; i++ {
		b |= d.readBit() << i
	}
	return b
}

// driveLow, driveHigh and release follow the persistent error model: after
// the first pin failure they become no-ops and the latched error is
// reported by the caller.
func (d *Dev) driveLow() {
	if d.err == nil {
		d.err = d.pin.Out(gpio.Low)
	}
}

func (d *Dev) driveHigh() {
	if d.err == nil {
		d.err = d.pin.Out(gpio.High)
	}
}

func (d *Dev) release() {
	if d.err == nil {
		d.err = d.pin.In(d.opts.Pull, gpio.NoEdge)
	}
}

func (d *Dev) sample() gpio.Level {
	if d.err != nil {
		return gpio.High
	}
	return d.pin.Read()
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// noDevicesError implements error and onewire.NoDevicesError.
type noDevicesError string

func (e noDevicesError) Error() string   { return string(e) }
func (e noDevicesError) NoDevices() bool { return true }

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
var _ onewire.BusSearcher = &Dev{}
