package raster

import (
	"photoframe/internal/fault"
	"photoframe/internal/framebuffer"
)

// Source is a decoded image addressed in its own coordinates.
type Source interface {
	Width() int
	Height() int
	RGB(x, y int) (r, g, b uint8)
}

// RGB888 is a bare row-major raster, three bytes per pixel in R, G, B order
// and no row padding. It is what the JPEG decoding path produces.
type RGB888 struct {
	Pix           []byte
	width, height int
}

// NewRGB888 wraps pix after checking its geometry.
func NewRGB888(pix []byte, width, height int) (*RGB888, error) {
	if !supportedDims(int64(width), int64(height)) {
		return nil, formatErr("unsupported dimension: %dx%d", width, height)
	}
	if need := width * height * 3; len(pix) < need {
		return nil, formatErr("rgb raster size mismatch: need=%d got=%d", need, len(pix))
	}
	return &RGB888{Pix: pix, width: width, height: height}, nil
}

func (m *RGB888) Width() int  { return m.width }
func (m *RGB888) Height() int { return m.height }

func (m *RGB888) RGB(x, y int) (r, g, b uint8) {
	p := m.Pix[(y*m.width+x)*3:]
	return p[0], p[1], p[2]
}

func supportedDims(w, h int64) bool {
	const pw, ph = framebuffer.Width, framebuffer.Height
	return (w == pw && h == ph) || (w == ph && h == pw)
}

// Oriented reads a Source in panel coordinates. A transposed (portrait)
// source is turned by 90 degrees during the read: panel (x, y) comes from
// source (y, height-1-x). The panel itself only rotates by 0 or 180, so
// portrait handling has to happen here.
type Oriented struct {
	src        Source
	transposed bool
}

// Orient checks that src has a supported geometry and returns a panel-space
// reader for it.
func Orient(src Source) (Oriented, error) {
	if src == nil {
		return Oriented{}, fault.Newf(fault.Input, "orient", "nil source")
	}
	w, h := src.Width(), src.Height()
	if !supportedDims(int64(w), int64(h)) {
		return Oriented{}, formatErr("unsupported dimension: %dx%d", w, h)
	}
	return Oriented{src: src, transposed: w != framebuffer.Width}, nil
}

// Transposed reports whether the source is the 480x800 layout.
func (o Oriented) Transposed() bool { return o.transposed }

// SourceXY maps panel coordinates to source coordinates.
func (o Oriented) SourceXY(x, y int) (sx, sy int) {
	if !o.transposed {
		return x, y
	}
	return y, o.src.Height() - 1 - x
}

// RGB returns the source sample feeding panel pixel (x, y).
func (o Oriented) RGB(x, y int) (r, g, b uint8) {
	sx, sy := o.SourceXY(x, y)
	return o.src.RGB(sx, sy)
}
