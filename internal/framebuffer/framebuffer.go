// Package framebuffer implements the panel's packed 4-bit pixel store.
//
// Pixels are row-major, two per byte: the high nibble holds the even x
// column, the low nibble the odd one. The physical geometry is always the
// native 800x480; only the logical content changes orientation.
package framebuffer

import (
	"image"
	"image/color"

	"photoframe/internal/palette"
)

// Panel geometry.
const (
	Width  = 800
	Height = 480
	// Size is the byte length of one packed frame.
	Size = Width * Height / 2
)

// Buffer is one packed frame. The zero value is unusable; use New.
type Buffer struct {
	Pix []byte
}

// New allocates a frame. Allocation happens once per driver; frames are
// reused across renders.
func New() *Buffer {
	return &Buffer{Pix: make([]byte, Size)}
}

func index(x, y int) (int, bool) {
	return (y*Width + x) >> 1, x&1 == 0
}

// Get returns the nibble at (x, y). Coordinates must be in range.
func (b *Buffer) Get(x, y int) uint8 {
	i, high := index(x, y)
	if high {
		return b.Pix[i] >> 4
	}
	return b.Pix[i] & 0x0F
}

// Set stores the low 4 bits of v at (x, y) without touching the other
// nibble of the byte.
func (b *Buffer) Set(x, y int, v uint8) {
	i, high := index(x, y)
	if high {
		b.Pix[i] = b.Pix[i]&0x0F | (v&0x0F)<<4
	} else {
		b.Pix[i] = b.Pix[i]&0xF0 | v&0x0F
	}
}

// Clear fills the whole frame with one color.
func (b *Buffer) Clear(c palette.Color) {
	v := byte(c)&0x0F<<4 | byte(c)&0x0F
	for i := range b.Pix {
		b.Pix[i] = v
	}
}

// Rotation is a logical rotation of the frame in degrees.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate180 Rotation = 180
)

// RotateInto writes b, rotated, into dst. Only 0 and 180 degrees are
// representable with the fixed packed layout; callers resolve every other
// value beforehand, and anything unexpected here is treated as 180.
func (b *Buffer) RotateInto(dst *Buffer, r Rotation) {
	if r == Rotate0 {
		copy(dst.Pix, b.Pix)
		return
	}
	// A byte reversal would also swap the nibbles inside each byte, so the
	// 180 degree case goes pixel by pixel.
	for y := 0; y < Height; y++ {
		for x := 0; x < Width; x++ {
			dst.Set(Width-1-x, Height-1-y, b.Get(x, y))
		}
	}
}

// ColorModel implements image.Image.
func (b *Buffer) ColorModel() color.Model { return palette.Model }

// Bounds implements image.Image.
func (b *Buffer) Bounds() image.Rectangle { return image.Rect(0, 0, Width, Height) }

// At implements image.Image, so a frame can be encoded as a preview.
func (b *Buffer) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(b.Bounds())) {
		return palette.White
	}
	return palette.Color(b.Get(x, y))
}
