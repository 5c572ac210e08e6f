// Package power reads battery telemetry. The values are reported in the
// device status only; nothing here switches power rails.
package power

import (
	"context"
	"errors"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// PiSugar battery controller registers.
const (
	regVoltageHigh = 0x22
	regVoltageLow  = 0x23
	regPercent     = 0x2A

	// DefaultAddr is the 7-bit address of the PiSugar battery controller.
	DefaultAddr = 0x57
)

// Status is the battery telemetry attached to every cycle status.
type Status struct {
	// Known is false when no battery controller could be read.
	Known bool `json:"known"`
	// Percent is the battery level in 0-100%.
	Percent int `json:"percent"`
	// VoltageMv is the battery voltage in millivolts, 0 if unknown.
	VoltageMv int `json:"voltage_mv"`
}

// Reader abstracts how battery information is obtained.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// Static always reports the same status. Used when no controller is wired.
type Static Status

// Read implements Reader.
func (s Static) Read(context.Context) (Status, error) { return Status(s), nil }

// I2CReader talks to a battery controller over I2C:
//   - 0x22 (high), 0x23 (low): battery voltage in millivolts
//   - 0x2A: battery percentage (0-100)
type I2CReader struct {
	open func() (i2c.BusCloser, error)
	addr uint16
}

// NewI2CReader constructs an I2C-backed Reader for the periph bus busName
// ("" for the first bus). The bus is opened per read.
func NewI2CReader(busName string, addr uint16) *I2CReader {
	return &I2CReader{
		open: func() (i2c.BusCloser, error) {
			if _, err := host.Init(); err != nil {
				return nil, fmt.Errorf("power: periph host init: %w", err)
			}
			return i2creg.Open(busName)
		},
		addr: addr,
	}
}

// Read implements Reader.
func (r *I2CReader) Read(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	bus, err := r.open()
	if err != nil {
		return Status{}, fmt.Errorf("power: open i2c: %w", err)
	}
	defer bus.Close()

	dev := &i2c.Dev{Bus: bus, Addr: r.addr}
	readReg := func(reg byte) (byte, error) {
		buf := []byte{0}
		if err := dev.Tx([]byte{reg}, buf); err != nil {
			return 0, fmt.Errorf("power: read reg %#02x: %w", reg, err)
		}
		return buf[0], nil
	}

	high, err := readReg(regVoltageHigh)
	if err != nil {
		return Status{}, err
	}
	low, err := readReg(regVoltageLow)
	if err != nil {
		return Status{}, err
	}
	pct, err := readReg(regPercent)
	if err != nil {
		return Status{}, err
	}
	if pct > 100 {
		pct = 100
	}
	return Status{
		Known:     true,
		Percent:   int(pct),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
	}, nil
}

// ErrNoBattery is returned by Probe when no controller answers.
var ErrNoBattery = errors.New("power: no battery controller")

// Probe returns an I2C reader if one read succeeds, otherwise an unknown
// Static status and ErrNoBattery wrapping the cause. An empty busName
// disables probing.
func Probe(ctx context.Context, busName string, addr uint16) (Reader, error) {
	if busName == "" {
		return Static{}, ErrNoBattery
	}
	r := NewI2CReader(busName, addr)
	if _, err := r.Read(ctx); err != nil {
		return Static{}, fmt.Errorf("%w: %w", ErrNoBattery, err)
	}
	return r, nil
}
