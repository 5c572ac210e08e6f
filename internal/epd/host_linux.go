//go:build linux

package epd

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	appLog "photoframe/internal/log"
)

// HostBus opens the panel through the host's spidev and GPIO drivers.
type HostBus struct {
	cfg  HostConfig
	port spi.PortCloser
}

// NewHostBus returns a bus for cfg. Nothing is opened until Open.
func NewHostBus(cfg HostConfig) *HostBus {
	if cfg.Frequency <= 0 {
		cfg.Frequency = DefaultSPIFrequency
	}
	return &HostBus{cfg: cfg}
}

// Open initialises periph host drivers, connects the SPI port in mode 0
// with chip-select left to software, and claims the GPIO lines.
func (b *HostBus) Open() (spi.Conn, Pins, error) {
	if _, err := host.Init(); err != nil {
		return nil, Pins{}, fmt.Errorf("epd: periph host init: %w", err)
	}

	port, err := spireg.Open(b.cfg.SPIPort)
	if err != nil {
		return nil, Pins{}, fmt.Errorf("epd: open SPI port %q: %w", b.cfg.SPIPort, err)
	}
	c, err := port.Connect(b.cfg.Frequency, spi.Mode0|spi.NoCS, 8)
	if err != nil {
		_ = port.Close()
		return nil, Pins{}, fmt.Errorf("epd: connect SPI: %w", err)
	}

	out := func(name string, l gpio.Level) (gpio.PinIO, error) {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("epd: gpio %s not found", name)
		}
		if err := p.Out(l); err != nil {
			return nil, fmt.Errorf("epd: set %s as output: %w", name, err)
		}
		return p, nil
	}

	var pins Pins
	if pins.Reset, err = out(b.cfg.Reset, gpio.High); err == nil {
		if pins.DC, err = out(b.cfg.DC, gpio.Low); err == nil {
			pins.CS, err = out(b.cfg.CS, gpio.High)
		}
	}
	if err == nil {
		busy := gpioreg.ByName(b.cfg.Busy)
		switch {
		case busy == nil:
			err = fmt.Errorf("epd: gpio %s not found", b.cfg.Busy)
		default:
			if ierr := busy.In(gpio.PullUp, gpio.NoEdge); ierr != nil {
				err = fmt.Errorf("epd: set %s as input: %w", b.cfg.Busy, ierr)
			}
			pins.Busy = busy
		}
	}
	if err != nil {
		_ = port.Close()
		return nil, Pins{}, err
	}

	b.port = port
	appLog.Info("epd host bus opened", "wiring", b.cfg.String())
	return c, pins, nil
}

// Close releases the SPI port.
func (b *HostBus) Close() error {
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	return err
}
