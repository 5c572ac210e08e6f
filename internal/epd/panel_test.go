package epd

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"

	"photoframe/internal/fault"
)

// transfer is one recorded Tx call with the line levels at the time.
type transfer struct {
	dc, cs gpio.Level
	data   []byte
}

type recorder struct {
	dc, cs *gpiotest.Pin
	maxTx  int
	failOn int // 1-based Tx index that fails, 0 never
	txs    []transfer
}

func (r *recorder) String() string      { return "recorder" }
func (r *recorder) Duplex() conn.Duplex { return conn.Half }
func (r *recorder) MaxTxSize() int      { return r.maxTx }
func (r *recorder) TxPackets([]spi.Packet) error {
	return errors.New("not implemented")
}

func (r *recorder) Tx(w, _ []byte) error {
	if r.failOn > 0 && len(r.txs)+1 == r.failOn {
		return errors.New("spi: transfer failed")
	}
	r.txs = append(r.txs, transfer{dc: r.dc.Read(), cs: r.cs.Read(), data: append([]byte(nil), w...)})
	return nil
}

// steps folds recorded single-byte transfers back into command/data groups.
func (r *recorder) steps() []step {
	var out []step
	for _, t := range r.txs {
		if t.dc == gpio.Low {
			out = append(out, step{cmd: t.data[0]})
			continue
		}
		if len(out) > 0 {
			out[len(out)-1].data = append(out[len(out)-1].data, t.data...)
		}
	}
	return out
}

// levelLog records every level driven on a pin.
type levelLog struct {
	*gpiotest.Pin
	levels []gpio.Level
}

func (l *levelLog) Out(v gpio.Level) error {
	l.levels = append(l.levels, v)
	return l.Pin.Out(v)
}

// busyPin reads Low for the first `busy` reads of each wait window, then
// High. reset() rearms it.
type busyPin struct {
	*gpiotest.Pin
	busy  int
	reads int
	stuck bool
}

func (b *busyPin) Read() gpio.Level {
	b.reads++
	if b.stuck || b.reads <= b.busy {
		return gpio.Low
	}
	b.reads = 0
	return gpio.High
}

type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
}
func (c *fakeClock) Now() time.Time { return c.t }

type fakeBus struct {
	rec     *recorder
	pins    Pins
	openErr error
	opened  int
	closed  int
}

func (b *fakeBus) Open() (spi.Conn, Pins, error) {
	b.opened++
	if b.openErr != nil {
		return nil, Pins{}, b.openErr
	}
	return b.rec, b.pins, nil
}

func (b *fakeBus) Close() error {
	b.closed++
	return nil
}

type rig struct {
	bus   *fakeBus
	rec   *recorder
	reset *levelLog
	busy  *busyPin
	clock *fakeClock
	panel *Panel
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dc := &gpiotest.Pin{N: "DC"}
	cs := &gpiotest.Pin{N: "CS", L: gpio.High}
	rec := &recorder{dc: dc, cs: cs}
	r := &rig{
		rec:   rec,
		reset: &levelLog{Pin: &gpiotest.Pin{N: "RST"}},
		busy:  &busyPin{Pin: &gpiotest.Pin{N: "BUSY"}, busy: 3},
		clock: &fakeClock{t: time.Unix(1_700_000_000, 0)},
	}
	r.bus = &fakeBus{rec: rec, pins: Pins{Reset: r.reset, DC: dc, CS: cs, Busy: r.busy}}
	r.panel = New(r.bus, &Opts{BusyTimeout: time.Second, Sleep: r.clock.Sleep, Now: r.clock.Now})
	return r
}

func (r *rig) configure(t *testing.T) {
	t.Helper()
	require.NoError(t, r.panel.Open())
	require.NoError(t, r.panel.Configure())
	r.rec.txs = nil
}

func TestNewDoesNoIO(t *testing.T) {
	r := newRig(t)
	assert.Equal(t, 0, r.bus.opened)
	assert.Equal(t, Uninitialized, r.panel.State())
}

func TestOpenFailureIsBusError(t *testing.T) {
	r := newRig(t)
	r.bus.openErr = errors.New("no spidev")
	err := r.panel.Open()
	assert.True(t, fault.Is(err, fault.Bus))
	assert.Equal(t, Uninitialized, r.panel.State())
}

func TestOpenIncompleteWiring(t *testing.T) {
	r := newRig(t)
	r.bus.pins.Busy = nil
	err := r.panel.Open()
	assert.True(t, fault.Is(err, fault.Bus))
	assert.Equal(t, 1, r.bus.closed)
}

func TestConfigureSequence(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.panel.Open())
	assert.Equal(t, BusReady, r.panel.State())
	require.NoError(t, r.panel.Configure())
	assert.Equal(t, PanelConfigured, r.panel.State())

	want := append([]step(nil), initSequence...)
	want = append(want, step{cmd: cmdPowerOn})
	assert.Equal(t, want, r.rec.steps())

	// Open drives reset high, then the pulse is high/low/high.
	assert.Equal(t, []gpio.Level{gpio.High, gpio.High, gpio.Low, gpio.High}, r.reset.levels)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 20 * time.Millisecond, 50 * time.Millisecond},
		r.clock.sleeps[:3])

	for _, tx := range r.rec.txs {
		assert.Equal(t, gpio.Low, tx.cs, "chip-select asserted during transfer")
		assert.Len(t, tx.data, 1)
	}
	assert.Equal(t, gpio.High, r.rec.cs.Read())
}

func TestConfigureRequiresOpen(t *testing.T) {
	r := newRig(t)
	err := r.panel.Configure()
	assert.True(t, fault.Is(err, fault.NotReady))
}

func TestWaitBusyPolls(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.panel.Open())
	r.busy.busy = 5
	start := r.clock.Now()
	require.NoError(t, r.panel.WaitBusy("test", time.Second))
	assert.Equal(t, 50*time.Millisecond, r.clock.Now().Sub(start))
	for _, d := range r.clock.sleeps {
		assert.Equal(t, 10*time.Millisecond, d)
	}
}

func TestWaitBusyTimeout(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.panel.Open())
	r.busy.stuck = true
	start := r.clock.Now()
	err := r.panel.WaitBusy("refresh", 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Timeout))

	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "refresh", fe.Stage)
	elapsed := r.clock.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 220*time.Millisecond)
}

func TestWriteBufferChunks(t *testing.T) {
	r := newRig(t)
	r.configure(t)

	data := make([]byte, 192000)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, r.panel.WriteBuffer(data))

	require.Len(t, r.rec.txs, 39)
	var joined []byte
	for i, tx := range r.rec.txs {
		assert.Equal(t, gpio.High, tx.dc)
		assert.Equal(t, gpio.Low, tx.cs)
		if i < 38 {
			assert.Len(t, tx.data, ChunkSize)
		}
		joined = append(joined, tx.data...)
	}
	assert.Len(t, r.rec.txs[38].data, 2000)
	assert.Equal(t, data, joined)
	assert.Equal(t, gpio.High, r.rec.cs.Read())
}

func TestWriteBufferHonoursPortLimit(t *testing.T) {
	r := newRig(t)
	r.rec.maxTx = 4096
	r.configure(t)

	require.NoError(t, r.panel.WriteBuffer(make([]byte, 10000)))
	require.Len(t, r.rec.txs, 3)
	assert.Len(t, r.rec.txs[0].data, 4096)
	assert.Len(t, r.rec.txs[2].data, 10000-2*4096)
}

func TestWriteBufferFailureReleasesCS(t *testing.T) {
	r := newRig(t)
	r.configure(t)
	r.rec.failOn = 2

	err := r.panel.WriteBuffer(make([]byte, 12000))
	assert.True(t, fault.Is(err, fault.Bus))
	assert.Len(t, r.rec.txs, 1)
	assert.Equal(t, gpio.High, r.rec.cs.Read())
}

func TestFlush(t *testing.T) {
	r := newRig(t)
	r.configure(t)

	frame := make([]byte, 192000)
	require.NoError(t, r.panel.Flush(frame))
	assert.Equal(t, Idle, r.panel.State())

	got := r.rec.steps()
	require.NotEmpty(t, got)
	assert.Equal(t, byte(cmdDataStart), got[0].cmd)
	assert.Len(t, got[0].data, len(frame))

	want := []step{
		{cmd: cmdPowerOn},
		{cmd: cmdBoosterSoft2, data: refreshBooster},
		{cmd: cmdDisplayRefresh, data: []byte{0x00}},
		{cmd: cmdPowerOff, data: []byte{0x00}},
	}
	assert.Equal(t, want, got[1:])
}

func TestFlushTimeout(t *testing.T) {
	r := newRig(t)
	r.configure(t)
	r.busy.stuck = true

	err := r.panel.Flush(make([]byte, 16))
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fault.Timeout, fe.Kind)
	assert.Equal(t, "power-on", fe.Stage)
	// The panel may be flushed again.
	assert.Equal(t, Idle, r.panel.State())
}

func TestFlushBeforeConfigure(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.panel.Open())
	err := r.panel.Flush(make([]byte, 16))
	assert.True(t, fault.Is(err, fault.NotReady))
	assert.Empty(t, r.rec.txs)
}

func TestSleepAndClose(t *testing.T) {
	r := newRig(t)
	r.configure(t)

	require.NoError(t, r.panel.Sleep())
	assert.Equal(t, []step{{cmd: cmdDeepSleep, data: []byte{deepSleepCheckCode}}}, r.rec.steps())
	assert.Equal(t, BusReady, r.panel.State())

	// Waking needs a full configure.
	require.NoError(t, r.panel.Configure())

	require.NoError(t, r.panel.Close())
	require.NoError(t, r.panel.Close())
	assert.Equal(t, 1, r.bus.closed)
	assert.True(t, fault.Is(r.panel.Open(), fault.NotReady))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "panel-configured", PanelConfigured.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestDefaultHostConfig(t *testing.T) {
	c := DefaultHostConfig()
	assert.Equal(t, "GPIO17", c.Reset)
	assert.Equal(t, "GPIO24", c.Busy)
	assert.Contains(t, c.String(), "spi=(first)@20MHz")
}
