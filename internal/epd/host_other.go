//go:build !linux

package epd

import (
	"fmt"
	"runtime"

	"periph.io/x/conn/v3/spi"
)

// HostBus is only functional on linux; elsewhere Open always fails so the
// rest of the program (preview, convert) still builds and runs.
type HostBus struct {
	cfg HostConfig
}

func NewHostBus(cfg HostConfig) *HostBus {
	return &HostBus{cfg: cfg}
}

func (b *HostBus) Open() (spi.Conn, Pins, error) {
	return nil, Pins{}, fmt.Errorf("epd: panel bus is not supported on %s", runtime.GOOS)
}

func (b *HostBus) Close() error { return nil }
