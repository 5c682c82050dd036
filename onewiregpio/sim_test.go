// Copyright 2024 The Skyshed Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiregpio

import (
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// simBus emulates a 1-Wire bus with slave devices behind a gpio.PinIO.
//
// It reconstructs reset pulses and read/write slots from the pin mode/level
// transitions combined with the delay durations the master sleeps for, the
// same way a real device discriminates slots by low-pulse length. Slave
// responses are wired-AND across all participating devices, so search
// conflicts and the (1,1) fault case come out of the model naturally.
type simBus struct {
	devices       []*simDevice
	forcePresence bool // presence pulse even with no devices (wiring fault model)

	lineLow  bool
	lowAccum time.Duration
	level    gpio.Level // level the master samples on the next Read

	searching       bool
	phase           int // 0: true bit, 1: complement, 2: select write
	bitPos          int
	cmd             byte
	cmdBits         int
	bytesSinceReset int

	written  []byte // completed bytes written by the master, all transactions
	readBits []byte // scripted read-slot replies outside of a search
	resets   int
}

type simDevice struct {
	rom           [8]byte
	participating bool
}

func (d *simDevice) bit(pos int) byte {
	return (d.rom[pos/8] >> uint(pos%8)) & 1
}

// elapse is installed as the package sleep hook; time only matters while
// the master holds the line low.
func (s *simBus) elapse(d time.Duration) {
	if s.lineLow {
		s.lowAccum += d
	}
}

func (s *simBus) queueRead(bytes ...byte) {
	for _, b := range bytes {
		for i := uint(0); i < 8; i++ {
			s.readBits = append(s.readBits, (b>>i)&1)
		}
	}
}

// endLow classifies the low pulse that just finished. byDrive tells whether
// the master ended it by driving high (write slot) or by releasing the line
// (read slot or reset).
func (s *simBus) endLow(byDrive bool) {
	low := s.lowAccum
	s.lowAccum = 0
	switch {
	case low >= 400*time.Microsecond:
		s.reset()
	case byDrive:
		var bit byte
		if low <= 15*time.Microsecond {
			bit = 1
		}
		s.masterBit(bit)
		s.level = gpio.High
	default:
		if s.respond() == 0 {
			s.level = gpio.Low
		} else {
			s.level = gpio.High
		}
	}
}

func (s *simBus) reset() {
	s.resets++
	s.searching = false
	s.cmd, s.cmdBits = 0, 0
	s.bytesSinceReset = 0
	for _, dev := range s.devices {
		dev.participating = false
	}
	if len(s.devices) > 0 || s.forcePresence {
		s.level = gpio.Low
	} else {
		s.level = gpio.High
	}
}

func (s *simBus) masterBit(bit byte) {
	if s.searching {
		if s.phase != 2 {
			return // master wrote during a read phase; ignore
		}
		for _, dev := range s.devices {
			if dev.participating && dev.bit(s.bitPos) != bit {
				dev.participating = false
			}
		}
		s.bitPos++
		s.phase = 0
		if s.bitPos == 64 {
			s.searching = false
		}
		return
	}
	s.cmd |= bit << uint(s.cmdBits)
	s.cmdBits++
	if s.cmdBits < 8 {
		return
	}
	b := s.cmd
	s.cmd, s.cmdBits = 0, 0
	s.written = append(s.written, b)
	s.bytesSinceReset++
	if s.bytesSinceReset == 1 && (b == cmdSearchROM || b == cmdAlarmSearch) {
		s.searching = true
		s.phase = 0
		s.bitPos = 0
		for _, dev := range s.devices {
			dev.participating = true
		}
	}
}

// respond computes the wired-AND level the devices present in a read slot.
func (s *simBus) respond() byte {
	if s.searching {
		var want byte // polarity being broadcast in this phase
		switch s.phase {
		case 0:
			want = 0
		case 1:
			want = 1
		default:
			return 1
		}
		s.phase++
		bit := byte(1)
		for _, dev := range s.devices {
			if dev.participating && dev.bit(s.bitPos) == want {
				bit = 0
			}
		}
		return bit
	}
	if len(s.readBits) > 0 {
		b := s.readBits[0]
		s.readBits = s.readBits[1:]
		return b
	}
	return 1
}

// gpio.PinIO

func (s *simBus) Out(l gpio.Level) error {
	if l == gpio.Low {
		if !s.lineLow {
			s.lineLow = true
			s.lowAccum = 0
		}
		return nil
	}
	if s.lineLow {
		s.lineLow = false
		s.endLow(true)
	}
	return nil
}

func (s *simBus) In(pull gpio.Pull, edge gpio.Edge) error {
	if s.lineLow {
		s.lineLow = false
		s.endLow(false)
	}
	return nil
}

func (s *simBus) Read() gpio.Level {
	l := s.level
	s.level = gpio.High
	return l
}

func (s *simBus) String() string                        { return s.Name() }
func (s *simBus) Halt() error                           { return nil }
func (s *simBus) Name() string                          { return "SIM1W" }
func (s *simBus) Number() int                           { return -1 }
func (s *simBus) Function() string                      { return "In/Out" }
func (s *simBus) WaitForEdge(timeout time.Duration) bool { return false }
func (s *simBus) Pull() gpio.Pull                       { return gpio.Float }
func (s *simBus) DefaultPull() gpio.Pull                { return gpio.Float }
func (s *simBus) PWM(d gpio.Duty, f physic.Frequency) error {
	return errors.New("simBus: PWM not supported")
}

var _ gpio.PinIO = &simBus{}

// newSimDev wires a Dev to the simulator and reroutes the busy-wait delays
// into the simulator's logical clock for the duration of the test.
func newSimDev(t *testing.T, sim *simBus) *Dev {
	t.Helper()
	old := sleep
	sleep = sim.elapse
	t.Cleanup(func() { sleep = old })
	d, err := New(sim, nil)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func simDevices(roms ...[8]byte) []*simDevice {
	var devs []*simDevice
	for _, rom := range roms {
		devs = append(devs, &simDevice{rom: rom})
	}
	return devs
}
