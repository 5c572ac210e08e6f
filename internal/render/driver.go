// Package render turns decoded rasters into packed six-color frames and
// pushes them to the panel.
//
// A Driver exclusively owns the frame buffer, the transfer buffer and the
// panel. It is not safe for concurrent use; callers serialize renders.
package render

import (
	"errors"
	"time"

	"photoframe/internal/fault"
	"photoframe/internal/framebuffer"
	appLog "photoframe/internal/log"
	"photoframe/internal/palette"
	"photoframe/internal/raster"
)

// Panel is the hardware side of a Driver. *epd.Panel implements it.
type Panel interface {
	Open() error
	Configure() error
	Flush(frame []byte) error
	Sleep() error
	Close() error
}

// DriverOpts tunes a Driver. The zero value is usable.
type DriverOpts struct {
	// Alloc allocates one frame. Defaults to framebuffer.New.
	Alloc func() (*framebuffer.Buffer, error)
}

// Driver renders frames onto one panel.
type Driver struct {
	panel Panel
	alloc func() (*framebuffer.Buffer, error)

	frame *framebuffer.Buffer // pre-rotation image
	tx    *framebuffer.Buffer // post-rotation image sent to the panel

	initialized bool
	asleep      bool
	closed      bool
}

// NewDriver returns a driver for panel. No buffers are allocated and no
// hardware is touched until Init.
func NewDriver(panel Panel, opts *DriverOpts) *Driver {
	d := &Driver{
		panel: panel,
		alloc: func() (*framebuffer.Buffer, error) { return framebuffer.New(), nil },
	}
	if opts != nil && opts.Alloc != nil {
		d.alloc = opts.Alloc
	}
	return d
}

// Initialized reports whether Init has completed.
func (d *Driver) Initialized() bool { return d.initialized }

// Frame returns the pre-rotation frame, or nil before Init.
func (d *Driver) Frame() *framebuffer.Buffer { return d.frame }

// Init allocates both buffers, brings up the bus, configures the panel and
// flushes a white frame. Calling it again after success does nothing. On
// failure the driver stays uninitialized and Init may be retried.
func (d *Driver) Init() error {
	if d.closed {
		return fault.Newf(fault.NotReady, "init", "driver closed")
	}
	if d.initialized {
		return nil
	}
	if d.panel == nil {
		return fault.Newf(fault.Bus, "init", "no panel")
	}

	if d.frame == nil || d.tx == nil {
		frame, err := d.allocate()
		if err != nil {
			return err
		}
		tx, err := d.allocate()
		if err != nil {
			return err
		}
		d.frame, d.tx = frame, tx
	}

	if err := d.panel.Open(); err != nil {
		d.release()
		return err
	}
	if err := d.panel.Configure(); err != nil {
		d.release()
		return err
	}

	d.frame.Clear(palette.White)
	d.frame.RotateInto(d.tx, framebuffer.Rotate0)
	if err := d.panel.Flush(d.tx.Pix); err != nil {
		d.release()
		return err
	}

	d.initialized = true
	d.asleep = false
	appLog.Info("panel init done", "width", framebuffer.Width, "height", framebuffer.Height)
	return nil
}

func (d *Driver) allocate() (*framebuffer.Buffer, error) {
	b, err := d.alloc()
	if err == nil && (b == nil || len(b.Pix) != framebuffer.Size) {
		err = errors.New("short frame buffer")
	}
	if err != nil {
		return nil, fault.New(fault.Allocation, "init", err)
	}
	return b, nil
}

func (d *Driver) release() {
	d.frame, d.tx = nil, nil
}

// ready checks the driver can drive the panel, waking it from deep sleep.
func (d *Driver) ready(op string) error {
	if !d.initialized {
		return fault.Newf(fault.NotReady, op, "driver not initialized")
	}
	if d.asleep {
		if err := d.panel.Configure(); err != nil {
			return err
		}
		d.asleep = false
	}
	return nil
}

// Render decodes a BMP container and displays it.
func (d *Driver) Render(raw []byte, opts RawOptions) (Result, error) {
	if !d.initialized {
		return Result{}, fault.Newf(fault.NotReady, "render", "driver not initialized")
	}
	if raw == nil {
		return Result{}, fault.Newf(fault.Input, "render", "nil input")
	}
	if len(raw) < raster.MinHeaderSize {
		return Result{}, fault.Newf(fault.Input, "render", "input too short: %d bytes", len(raw))
	}
	img, err := raster.DecodeBMP(raw)
	if err != nil {
		appLog.Warn("render rejected input", "reason", err)
		return Result{}, err
	}
	return d.RenderSource(img, opts)
}

// RenderRaster displays a bare RGB888 raster, as produced by the JPEG and
// PNG decoding path.
func (d *Driver) RenderRaster(pix []byte, width, height int, opts RawOptions) (Result, error) {
	if !d.initialized {
		return Result{}, fault.Newf(fault.NotReady, "render", "driver not initialized")
	}
	if pix == nil {
		return Result{}, fault.Newf(fault.Input, "render", "nil input")
	}
	img, err := raster.NewRGB888(pix, width, height)
	if err != nil {
		appLog.Warn("render rejected input", "reason", err)
		return Result{}, err
	}
	return d.RenderSource(img, opts)
}

// RenderSource composes src into the frame, rotates it and flushes it.
// Nothing is mutated if src is rejected. A failed flush keeps the composed
// frame so Reflush can retry the transfer alone.
func (d *Driver) RenderSource(src raster.Source, raw RawOptions) (Result, error) {
	if err := d.ready("render"); err != nil {
		return Result{}, err
	}
	o, err := raster.Orient(src)
	if err != nil {
		appLog.Warn("render rejected input", "reason", err)
		return Result{}, err
	}

	start := time.Now()
	d.frame.Clear(palette.White)

	opts, adj := ResolveOptions(raw)
	for _, a := range adj {
		if a.Field == "rotation" {
			appLog.Warn("unsupported panel rotation, falling back to 180", "rotation", a.From)
			continue
		}
		appLog.Warn("render option clamped", "field", a.Field, "from", a.From, "to", a.To)
	}

	res := Compose(o, opts, d.frame)
	res.Adjustments = adj
	d.frame.RotateInto(d.tx, opts.Rotation)
	res.TotalCost = time.Since(start)

	appLog.Info("render composed",
		"mode", res.Mode,
		"dither", opts.Dither,
		"tolerance", opts.Tolerance,
		"rotation", int(opts.Rotation),
		"transposed", res.Transposed,
		"pixels", res.Pixels,
		"detect_ms", res.DetectCost.Milliseconds(),
		"total_ms", res.TotalCost.Milliseconds(),
	)

	if err := d.panel.Flush(d.tx.Pix); err != nil {
		appLog.Error("render flush failed", err)
		return res, err
	}
	return res, nil
}

// Reflush sends the last composed frame again without recomputing it.
func (d *Driver) Reflush() error {
	if err := d.ready("reflush"); err != nil {
		return err
	}
	return d.panel.Flush(d.tx.Pix)
}

// Recover resets and reconfigures the panel after a failed flush. The
// composed frame is kept, so Reflush can follow.
func (d *Driver) Recover() error {
	if !d.initialized {
		return fault.Newf(fault.NotReady, "recover", "driver not initialized")
	}
	if err := d.panel.Configure(); err != nil {
		return err
	}
	d.asleep = false
	appLog.Info("panel reconfigured after failure")
	return nil
}

// Clear fills the panel with one color.
func (d *Driver) Clear(c palette.Color) error {
	if err := d.ready("clear"); err != nil {
		return err
	}
	if !c.Valid() {
		return fault.Newf(fault.Input, "clear", "invalid color %s", c)
	}
	d.frame.Clear(c)
	d.frame.RotateInto(d.tx, framebuffer.Rotate0)
	return d.panel.Flush(d.tx.Pix)
}

// Sleep parks the panel in deep sleep. The next render wakes it.
func (d *Driver) Sleep() error {
	if !d.initialized {
		return fault.Newf(fault.NotReady, "sleep", "driver not initialized")
	}
	if d.asleep {
		return nil
	}
	if err := d.panel.Sleep(); err != nil {
		return err
	}
	d.asleep = true
	return nil
}

// Close releases the panel and both buffers. The driver cannot be used
// afterwards.
func (d *Driver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.initialized = false
	d.release()
	if d.panel == nil {
		return nil
	}
	return d.panel.Close()
}
