package epd

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// Default wiring of the Waveshare 7.3" HAT on a Raspberry Pi header.
const (
	DefaultPinReset = "GPIO17"
	DefaultPinDC    = "GPIO25"
	DefaultPinCS    = "GPIO8"
	DefaultPinBusy  = "GPIO24"

	DefaultSPIFrequency = 20 * physic.MegaHertz
)

// HostConfig names the SPI port and GPIO lines of a HostBus.
type HostConfig struct {
	// SPIPort is a spireg name; empty selects the first port.
	SPIPort   string
	Frequency physic.Frequency

	Reset string
	DC    string
	CS    string
	Busy  string
}

// DefaultHostConfig returns the HAT wiring.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Frequency: DefaultSPIFrequency,
		Reset:     DefaultPinReset,
		DC:        DefaultPinDC,
		CS:        DefaultPinCS,
		Busy:      DefaultPinBusy,
	}
}

func (c HostConfig) String() string {
	port := c.SPIPort
	if port == "" {
		port = "(first)"
	}
	return fmt.Sprintf("spi=%s@%s rst=%s dc=%s cs=%s busy=%s", port, c.Frequency, c.Reset, c.DC, c.CS, c.Busy)
}
