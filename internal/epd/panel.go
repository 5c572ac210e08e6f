// Package epd drives the 7.3" six-color e-paper panel over SPI using
// periph.io.
//
// The panel is a write-only device: bytes go out over SPI with a
// data/command select line and a software chip-select, and the controller
// reports progress on an active-low busy line that is polled.
//
// A Panel moves through these states:
//
//	Uninitialized -> BusReady -> PanelConfigured -> (Flushing <-> Idle) -> Closed
//
// New performs no I/O. Open acquires the bus and pins, Configure runs reset
// and the vendor register table, and Flush pushes a frame to glass.
package epd

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"

	"photoframe/internal/fault"
	appLog "photoframe/internal/log"
)

// State is the protocol state of a Panel.
type State int

const (
	Uninitialized State = iota
	BusReady
	PanelConfigured
	Flushing
	Idle
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case BusReady:
		return "bus-ready"
	case PanelConfigured:
		return "panel-configured"
	case Flushing:
		return "flushing"
	case Idle:
		return "idle"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Timing from the panel datasheet.
const (
	resetSettleHigh  = 50 * time.Millisecond
	resetPulseLow    = 20 * time.Millisecond
	resetRecover     = 50 * time.Millisecond
	postResetDelay   = 50 * time.Millisecond
	busyPollInterval = 10 * time.Millisecond

	// DefaultBusyTimeout bounds every busy wait. A full six-color refresh
	// takes around 30 s; the first one after power-up can stall.
	DefaultBusyTimeout = 60 * time.Second

	// ChunkSize is the largest single SPI transfer issued by WriteBuffer.
	ChunkSize = 5000
)

// Pins is the GPIO wiring of the panel.
type Pins struct {
	Reset gpio.PinOut
	DC    gpio.PinOut
	CS    gpio.PinOut
	// Busy reads Low while the controller is working.
	Busy gpio.PinIn
}

// Bus hands out the SPI connection and GPIO lines. Open is where hardware
// is touched for the first time; Close releases it.
type Bus interface {
	Open() (spi.Conn, Pins, error)
	Close() error
}

// Opts tunes a Panel. The zero value is usable.
type Opts struct {
	// BusyTimeout bounds each busy wait. Defaults to DefaultBusyTimeout.
	BusyTimeout time.Duration
	// Sleep and Now default to time.Sleep and time.Now.
	Sleep func(time.Duration)
	Now   func() time.Time
}

// Panel is the protocol driver for one physical panel. It is not safe for
// concurrent use.
type Panel struct {
	bus   Bus
	c     spi.Conn
	pins  Pins
	state State

	busyTimeout time.Duration
	chunk       int
	sleep       func(time.Duration)
	now         func() time.Time
}

// New returns a Panel bound to bus. No I/O happens until Open.
func New(bus Bus, opts *Opts) *Panel {
	p := &Panel{
		bus:         bus,
		busyTimeout: DefaultBusyTimeout,
		chunk:       ChunkSize,
		sleep:       time.Sleep,
		now:         time.Now,
	}
	if opts != nil {
		if opts.BusyTimeout > 0 {
			p.busyTimeout = opts.BusyTimeout
		}
		if opts.Sleep != nil {
			p.sleep = opts.Sleep
		}
		if opts.Now != nil {
			p.now = opts.Now
		}
	}
	return p
}

// State returns the current protocol state.
func (p *Panel) State() State { return p.state }

func (p *Panel) String() string {
	return fmt.Sprintf("epd.Panel{%s, %s}", p.c, p.state)
}

// Open acquires the bus and pins and leaves chip-select released.
func (p *Panel) Open() error {
	switch p.state {
	case Uninitialized:
	case Closed:
		return fault.Newf(fault.NotReady, "open", "panel closed")
	default:
		return nil
	}
	if p.bus == nil {
		return fault.Newf(fault.Bus, "open", "no bus")
	}
	c, pins, err := p.bus.Open()
	if err != nil {
		return fault.New(fault.Bus, "open", err)
	}
	if pins.Reset == nil || pins.DC == nil || pins.CS == nil || pins.Busy == nil {
		_ = p.bus.Close()
		return fault.Newf(fault.Bus, "open", "incomplete pin wiring")
	}
	p.c, p.pins = c, pins

	// Honour a smaller transfer limit advertised by the port.
	if l, ok := c.(conn.Limits); ok {
		if m := l.MaxTxSize(); m > 0 && m < p.chunk {
			p.chunk = m
		}
	}

	eh := errorHandler{p: p, op: "open"}
	eh.out(pins.Reset, gpio.High)
	eh.out(pins.CS, gpio.High)
	eh.out(pins.DC, gpio.High)
	if eh.err != nil {
		_ = p.bus.Close()
		p.c = nil
		p.pins = Pins{}
		return eh.err
	}
	p.state = BusReady
	return nil
}

// Configure resets the controller, writes the vendor register table and
// powers the panel on.
func (p *Panel) Configure() error {
	if p.state != BusReady && p.state != PanelConfigured && p.state != Idle {
		return fault.Newf(fault.NotReady, "configure", "panel is %s", p.state)
	}
	if err := p.Reset(); err != nil {
		return err
	}
	if err := p.WaitBusy("reset", p.busyTimeout); err != nil {
		return err
	}
	p.sleep(postResetDelay)

	for _, s := range initSequence {
		if err := p.send(s.cmd, s.data...); err != nil {
			return err
		}
	}
	if err := p.WriteCommand(cmdPowerOn); err != nil {
		return err
	}
	if err := p.WaitBusy("init-power-on", p.busyTimeout); err != nil {
		return err
	}
	p.state = PanelConfigured
	appLog.Debug("epd panel configured", "chunk", p.chunk)
	return nil
}

// Reset pulses the reset line: high 50 ms, low 20 ms, high 50 ms.
func (p *Panel) Reset() error {
	if p.pins.Reset == nil {
		return fault.Newf(fault.NotReady, "reset", "bus not open")
	}
	eh := errorHandler{p: p, op: "reset"}
	eh.out(p.pins.Reset, gpio.High)
	p.sleep(resetSettleHigh)
	eh.out(p.pins.Reset, gpio.Low)
	p.sleep(resetPulseLow)
	eh.out(p.pins.Reset, gpio.High)
	p.sleep(resetRecover)
	return eh.err
}

// WaitBusy polls the busy line every 10 ms until the controller reports
// ready or timeout elapses. stage names the protocol step in the error.
func (p *Panel) WaitBusy(stage string, timeout time.Duration) error {
	if p.pins.Busy == nil {
		return fault.Newf(fault.NotReady, "wait-busy", "bus not open")
	}
	start := p.now()
	deadline := start.Add(timeout)
	for p.pins.Busy.Read() == gpio.Low {
		if !p.now().Before(deadline) {
			err := &fault.Error{
				Kind:  fault.Timeout,
				Op:    "wait-busy",
				Stage: stage,
				Err:   fmt.Errorf("panel still busy after %s", timeout),
			}
			appLog.Error("epd busy timeout", err, "stage", stage)
			return err
		}
		p.sleep(busyPollInterval)
	}
	appLog.Debug("epd busy released", "stage", stage, "waited", p.now().Sub(start))
	return nil
}

// WriteCommand sends one command byte.
func (p *Panel) WriteCommand(cmd byte) error {
	return p.writeByte("write-command", gpio.Low, cmd)
}

// WriteData sends one data byte.
func (p *Panel) WriteData(b byte) error {
	return p.writeByte("write-data", gpio.High, b)
}

func (p *Panel) writeByte(op string, dc gpio.Level, b byte) error {
	if p.c == nil {
		return fault.Newf(fault.NotReady, op, "bus not open")
	}
	eh := errorHandler{p: p, op: op}
	eh.out(p.pins.DC, dc)
	eh.out(p.pins.CS, gpio.Low)
	eh.tx([]byte{b})
	eh.release()
	return eh.err
}

func (p *Panel) send(cmd byte, data ...byte) error {
	if err := p.WriteCommand(cmd); err != nil {
		return err
	}
	for _, b := range data {
		if err := p.WriteData(b); err != nil {
			return err
		}
	}
	return nil
}

// WriteBuffer streams data in chunks of at most ChunkSize bytes. DC is set
// once and chip-select stays asserted across chunk boundaries.
func (p *Panel) WriteBuffer(data []byte) error {
	if p.c == nil {
		return fault.Newf(fault.NotReady, "write-buffer", "bus not open")
	}
	eh := errorHandler{p: p, op: "write-buffer"}
	eh.out(p.pins.DC, gpio.High)
	eh.out(p.pins.CS, gpio.Low)
	for off := 0; off < len(data) && eh.err == nil; off += p.chunk {
		end := off + p.chunk
		if end > len(data) {
			end = len(data)
		}
		eh.tx(data[off:end])
	}
	eh.release()
	return eh.err
}

// TurnOnDisplay powers the panel, refreshes it and powers it off again,
// waiting on the busy line after each step.
func (p *Panel) TurnOnDisplay() error {
	if err := p.WriteCommand(cmdPowerOn); err != nil {
		return err
	}
	if err := p.WaitBusy("power-on", p.busyTimeout); err != nil {
		return err
	}
	if err := p.send(cmdBoosterSoft2, refreshBooster...); err != nil {
		return err
	}
	if err := p.send(cmdDisplayRefresh, 0x00); err != nil {
		return err
	}
	if err := p.WaitBusy("refresh", p.busyTimeout); err != nil {
		return err
	}
	if err := p.send(cmdPowerOff, 0x00); err != nil {
		return err
	}
	return p.WaitBusy("power-off", p.busyTimeout)
}

// Flush sends a full packed frame and triggers a refresh. It cannot be
// cancelled; it runs to completion or to a timeout.
func (p *Panel) Flush(frame []byte) error {
	switch p.state {
	case PanelConfigured, Idle:
	default:
		return fault.Newf(fault.NotReady, "flush", "panel is %s", p.state)
	}
	p.state = Flushing
	err := p.WriteCommand(cmdDataStart)
	if err == nil {
		err = p.WriteBuffer(frame)
	}
	if err == nil {
		err = p.TurnOnDisplay()
	}
	// A failed flush leaves the controller configured; the caller may flush
	// again or start over from Open.
	p.state = Idle
	return err
}

// Sleep puts the controller into deep sleep. Only a reset wakes it, so the
// next use must go through Configure.
func (p *Panel) Sleep() error {
	switch p.state {
	case PanelConfigured, Idle:
	default:
		return fault.Newf(fault.NotReady, "sleep", "panel is %s", p.state)
	}
	if err := p.send(cmdDeepSleep, deepSleepCheckCode); err != nil {
		return err
	}
	p.state = BusReady
	return nil
}

// Close releases the bus. The Panel cannot be reopened.
func (p *Panel) Close() error {
	if p.state == Closed {
		return nil
	}
	var err error
	if p.state != Uninitialized && p.bus != nil {
		err = p.bus.Close()
	}
	p.c = nil
	p.pins = Pins{}
	p.state = Closed
	return err
}

// errorHandler keeps the first error of a pin/transfer sequence so the
// sequence reads linearly; later steps become no-ops.
type errorHandler struct {
	p   *Panel
	op  string
	err error
}

func (eh *errorHandler) out(pin gpio.PinOut, l gpio.Level) {
	if eh.err != nil {
		return
	}
	if err := pin.Out(l); err != nil {
		eh.err = fault.New(fault.Bus, eh.op, fmt.Errorf("%s: %w", pin, err))
	}
}

func (eh *errorHandler) tx(w []byte) {
	if eh.err != nil {
		return
	}
	if err := eh.p.c.Tx(w, nil); err != nil {
		eh.err = fault.New(fault.Bus, eh.op, err)
	}
}

// release deasserts chip-select even after an earlier failure.
func (eh *errorHandler) release() {
	if err := eh.p.pins.CS.Out(gpio.High); err != nil && eh.err == nil {
		eh.err = fault.New(fault.Bus, eh.op, err)
	}
}
