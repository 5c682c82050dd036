// Copyright 2025 The Skyshed Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewireuart drives a 1-Wire bus through a DS9097-style passive
// serial adapter.
//
// A UART capable of 115200 bit/s provides the timing needed to master a
// 1-Wire bus: one transmitted character shapes one reset pulse or one
// read/write time slot, and the character echoed back carries the line
// state the devices produced. Sending 0xff generates a read slot (the echo
// drops below 0xff when a device pulls the line low), 0x00 generates a
// write-0 slot, and the reset pulse is shaped by dropping the port to 9600
// baud for a single 0xf0 character. Maxim application note 214 describes
// the technique.
//
// The adapter is passive: the bus is powered through the adapter's pull-up
// only, so onewire.StrongPullup is accepted but cannot deliver extra
// current.
package onewireuart

import (
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
)

// Opts contains options to pass to the constructor.
type Opts struct {
	ResetBaud int // baud rate shaping the reset pulse, default 9600
	SlotBaud  int // baud rate shaping bit slots, default 115200
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ResetBaud: 9600,
	SlotBaud:  115200,
}

// New opens the named serial port and returns a bus master talking through
// the adapter wired to it. Opts may be nil, in which case DefaultOpts is
// used.
func New(portName string, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: opts.SlotBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("onewireuart: opening %s: %v", portName, err)
	}
	return &Dev{port: port, name: portName, opts: *opts}, nil
}

// wirePort is the slice of go.bug.st/serial.Port the driver needs; tests
// substitute a scripted implementation.
type wirePort interface {
	SetMode(mode *serial.Mode) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	Close() error
}

// Dev is a handle to a DS9097 adapter and it implements the onewire.Bus
// interface.
//
// Dev implements a persistent error model: if the serial port fails it
// places itself into an error state and immediately returns the last error
// on all subsequent calls. Errors on the 1-wire bus itself (no presence
// pulse, a drive conflict) are not persistent and implement the
// onewire.BusError interface to indicate this fact.
type Dev struct {
	mu   sync.Mutex // lock for the bus while a transaction is in progress
	port wirePort
	name string
	opts Opts
	err  error // persistent error, device will no longer operate
}

func (d *Dev) String() string {
	return fmt.Sprintf("DS9097{%s}", d.name)
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Close releases the serial port.
func (d *Dev) Close() error {
	return d.port.Close()
}

// Tx performs a bus transaction: a reset and presence check followed by
// sending w and then reading len(r) bytes, least-significant bit first.
//
// The power parameter is accepted for interface compatibility; the passive
// adapter cannot source a strong pull-up.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	present, err := d.reset()
	if err != nil {
		return err
	}
	if !present {
		return noDevicesError("onewireuart: no presence pulse after reset")
	}
	for _, b := range w {
		if err := d.writeByte(b); err != nil {
			return err
		}
	}
	for i := range r {
		b, err := d.readByte()
		if err != nil {
			return err
		}
		r[i] = b
	}
	return nil
}

// Search performs a "search" cycle on the 1-wire bus and returns the
// addresses of all devices on the bus if alarmOnly is false and of all
// devices in alarm state if alarmOnly is true.
//
// If an error occurs during the search the already-discovered devices are
// returned with the error.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	return onewire.Search(d, alarmOnly)
}

// SearchTriplet performs a single bit search triplet on the bus: it reads
// a bit and its complement from all participating devices and writes back
// the value that keeps part of them in the running, taking direction at
// a genuine ambiguity.
//
// SearchTriplet should not be used directly, use Search instead.
func (d *Dev) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tr := onewire.TripletResult{}
	if d.err != nil {
		return tr, d.err
	}
	bit, err := d.readBit()
	if err != nil {
		return tr, err
	}
	cmp, err := d.readBit()
	if err != nil {
		return tr, err
	}
	tr.GotZero = bit == 0
	tr.GotOne = cmp == 0
	switch {
	case tr.GotZero && !tr.GotOne:
		tr.Taken = 0
	case tr.GotOne && !tr.GotZero:
		tr.Taken = 1
	default:
		if direction != 0 {
			tr.Taken = 1
		}
	}
	return tr, d.writeBit(tr.Taken)
}

//

// reset shapes a reset pulse by transmitting a single 0xf0 character at
// the slower reset baud rate. A device's presence pulse pulls some of the
// character's high bits low, so any echo other than the transmitted value
// means a device answered. An all-low echo means the line is stuck.
func (d *Dev) reset() (bool, error) {
	d.setMode(d.opts.ResetBaud)
	if d.err == nil {
		d.err = d.port.ResetInputBuffer()
	}
	echo := d.exchange(0xf0)
	d.setMode(d.opts.SlotBaud)
	if d.err != nil {
		return false, d.err
	}
	if echo == 0x00 {
		return false, shortedBusError("onewireuart: bus is held low")
	}
	return echo != 0xf0 && echo != 0xff, nil
}

// writeBit shapes one write slot and verifies the echo: if the line did
// not follow the transmitted character, another driver was active at the
// same time.
func (d *Dev) writeBit(bit byte) error {
	frame := byte(0x00)
	if bit != 0 {
		frame = 0xff
	}
	echo := d.exchange(frame)
	if d.err != nil {
		return d.err
	}
	if echo != frame {
		return busError("onewireuart: bus drive conflict during a write slot")
	}
	return nil
}

// readBit shapes one read slot; the echo stays at 0xff unless a device
// pulled the slot low.
func (d *Dev) readBit() (byte, error) {
	echo := d.exchange(0xff)
	if d.err != nil {
		return 0, d.err
	}
	if echo == 0xff {
		return 1, nil
	}
	return 0, nil
}

// writeByte emits 8 write slots, least-significant bit first.
func (d *Dev) writeByte(b byte) error {
	for i := 0; i < 8; i++ {
		if err := d.writeBit(b & 1); err != nil {
			return err
		}
		b >>= 1
	}
	return nil
}

// readByte performs 8 read slots, least-significant bit first.
func (d *Dev) readByte() (byte, error) {
	var b byte
	for i := uint(0); i < 8; i++ {
		bit, err := d.readBit()
		if err != nil {
			return 0, err
		}
		b |= bit << i
	}
	return b, nil
}

// exchange transmits one character and reads back its echo, following the
// persistent error model.
func (d *Dev) exchange(frame byte) byte {
	if d.err != nil {
		return 0
	}
	if _, d.err = d.port.Write([]byte{frame}); d.err != nil {
		return 0
	}
	var echo [1]byte
	if _, d.err = io.ReadFull(d.port, echo[:]); d.err != nil {
		return 0
	}
	return echo[0]
}

func (d *Dev) setMode(baud int) {
	if d.err != nil {
		return
	}
	d.err = d.port.SetMode(&serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// shortedBusError implements error and onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) IsShorted() bool { return true }
func (e shortedBusError) BusError() bool  { return true }

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// noDevicesError implements error and onewire.NoDevicesError.
type noDevicesError string

func (e noDevicesError) Error() string   { return string(e) }
func (e noDevicesError) NoDevices() bool { return true }

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
var _ onewire.BusSearcher = &Dev{}
