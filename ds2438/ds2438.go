// Copyright 2024 The Skyshed Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds2438 reads the focuser's Dallas Semi / Maxim DS2438 battery
// monitor, which carries the enclosure's temperature and humidity head: an
// analog humidity bridge on the VAD input, referenced against the supply
// rail measured on VDD.
package ds2438

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/skyshed/focuser/common"
)

// Family is the 1-wire family code of the DS2438, carried in the low byte
// of its address.
const Family = 0x26

const (
	cmdSkipROM         = 0xcc // broadcast: every device on the bus acts
	cmdWriteScratchpad = 0x4e // write scratch pad page, then data
	cmdConvertT        = 0x44 // start a temperature conversion
	cmdConvertV        = 0xb4 // start a voltage conversion
	cmdRecallPage      = 0xb8 // recall a memory page into the scratch pad
	cmdReadScratchpad  = 0xbe // read the scratch pad back

	// Status/configuration register values selecting the ADC input.
	configVAD = 0x00 // channel A: the humidity bridge output
	configVDD = 0x08 // channel B: the supply rail
)

// Scratch pad data indexes, page 0.
const (
	spadTempLSB = 1
	spadTempMSB = 2
	spadVoltLSB = 3
	spadVoltMSB = 4
)

// Each conversion needs at least 10ms before the result is recalled; the
// firmware has always allowed double that.
const conversionDelay = 20 * time.Millisecond

// Honeywell HIH-series linearisation constants from the sensor calibration
// sheet. Preserve verbatim: readings are only comparable across firmware
// versions if these never change.
const (
	rhOffset    = 0.16
	rhSlope     = 0.0062
	rhTempBase  = 1.0546
	rhTempCoeff = 0.00216
)

// New returns an object that communicates over 1-wire to a DS2438 sensor.
//
// addr may be zero, in which case every command is broadcast with Skip ROM;
// the controller wires a single sensor head, so broadcast is the normal
// mode. A non-zero address must carry the DS2438 family code and selects
// exactly one device with Match ROM.
func New(o onewire.Bus, addr onewire.Address) (*Dev, error) {
	if addr != 0 && byte(addr) != Family {
		return nil, fmt.Errorf("ds2438: %#016x is not a DS2438 address (family %#02x)", uint64(addr), byte(addr))
	}
	return &Dev{onewire: onewire.Dev{Bus: o, Addr: addr}, bus: o, addr: addr}, nil
}

// Dev is a handle to a DS2438 on a 1-wire bus.
type Dev struct {
	mu      sync.Mutex
	onewire onewire.Dev     // addressed access, used when addr != 0
	bus     onewire.Bus     // broadcast access
	addr    onewire.Address // zero means broadcast
}

func (d *Dev) String() string {
	if d.addr == 0 {
		return "DS2438{" + d.bus.String() + "}"
	}
	return "DS2438{" + d.onewire.String() + "}"
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Measurement is one calibrated reading, produced fresh by each Measure
// call.
type Measurement struct {
	Temperature float64 // °C
	Humidity    float64 // %RH
}

// Line renders the reading the way the controller's serial protocol
// reports it.
func (m Measurement) Line() string {
	return fmt.Sprintf("TH;%0.3f;%0.3f\r\n", m.Temperature, m.Humidity)
}

// Measure runs a full conversion cycle and returns the calibrated
// temperature and relative humidity.
//
// The sequence selects the humidity bridge on the VAD input, converts
// temperature and voltage, reads page 0 back, then repeats with the supply
// rail on VDD so the bridge reading can be expressed as a supply ratio.
// Measure sleeps for the mandatory conversion delays and takes upwards of
// 100ms. A missing presence pulse or a scratch pad CRC mismatch at any step
// aborts the whole operation; there is no partial reading.
func (d *Dev) Measure() (Measurement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var m Measurement

	// Switch the ADC to the humidity bridge.
	if err := d.tx([]byte{cmdWriteScratchpad, 0x00, configVAD}, nil); err != nil {
		return m, err
	}
	sleep(conversionDelay)
	if err := d.tx([]byte{cmdConvertT}, nil); err != nil {
		return m, err
	}
	sleep(conversionDelay)
	if err := d.tx([]byte{cmdConvertV}, nil); err != nil {
		return m, err
	}
	sleep(conversionDelay)
	spad, err := d.readPage(0)
	if err != nil {
		return m, err
	}
	vad := voltage(spad)

	sleep(conversionDelay)
	// Switch the ADC to the supply rail and convert again.
	if err := d.tx([]byte{cmdWriteScratchpad, 0x00, configVDD}, nil); err != nil {
		return m, err
	}
	if err := d.tx([]byte{cmdConvertV}, nil); err != nil {
		return m, err
	}
	sleep(conversionDelay)
	spad, err = d.readPage(0)
	if err != nil {
		return m, err
	}
	vdd := voltage(spad)

	m.Temperature = temperature(spad)
	m.Humidity = relativeHumidity(vad, vdd, m.Temperature)
	return m, nil
}

// Sense implements physic.SenseEnv. The pressure is always 0, the DS2438
// does not measure it.
func (d *Dev) Sense(e *physic.Env) error {
	m, err := d.Measure()
	if err != nil {
		return err
	}
	e.Temperature = physic.Temperature(m.Temperature*float64(physic.Kelvin)) + physic.ZeroCelsius
	e.Humidity = physic.RelativeHumidity(m.Humidity * float64(physic.PercentRH))
	return nil
}

// SenseContinuous implements physic.SenseEnv.
func (d *Dev) SenseContinuous(time.Duration) (<-chan physic.Env, error) {
	return nil, errors.New("ds2438: not implemented")
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 32
	e.Humidity = 10 * physic.MilliRH
}

// readPage recalls a memory page into the scratch pad and reads all 9
// bytes back, validating the trailing CRC. Data that fails the check is
// never returned.
func (d *Dev) readPage(page byte) ([]byte, error) {
	if err := d.tx([]byte{cmdRecallPage, page}, nil); err != nil {
		return nil, err
	}
	var spad [9]byte
	if err := d.tx([]byte{cmdReadScratchpad, page}, spad[:]); err != nil {
		return nil, err
	}
	if !common.CheckCRC(spad[:]) {
		return nil, busError("ds2438: incorrect scratch pad CRC")
	}
	return spad[:], nil
}

// tx performs one addressed or broadcast bus transaction.
func (d *Dev) tx(w, r []byte) error {
	if d.addr != 0 {
		return d.onewire.Tx(w, r)
	}
	return d.bus.Tx(append([]byte{cmdSkipROM}, w...), r, onewire.WeakPullup)
}

// temperature converts the scratch pad's raw reading to °C: the integer
// part straight from the MSB, the fractional part from the top 5 bits of
// the LSB in 32-thousandth steps. The scaling matches the controller's
// historical output; exact halves are not representable.
func temperature(spad []byte) float64 {
	frac := int(spad[spadTempLSB]>>3) * 32
	return float64(spad[spadTempMSB]) + float64(frac)/1000
}

// voltage returns a raw ADC reading scaled to millivolts (the converter
// counts in 10mV steps).
func voltage(spad []byte) float64 {
	return float64(uint16(spad[spadVoltMSB])<<8|uint16(spad[spadVoltLSB])) * 10
}

// relativeHumidity linearises the bridge reading as a fraction of the
// supply, compensated for temperature.
func relativeHumidity(vad, vdd, temperature float64) float64 {
	return (vad/vdd - rhOffset) / (rhSlope * (rhTempBase - rhTempCoeff*temperature))
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
