package render

import (
	"time"

	"photoframe/internal/framebuffer"
	"photoframe/internal/palette"
	"photoframe/internal/raster"
)

// Names of the mapping path taken for a frame.
const (
	ModePassthrough = "passthrough-6color"
	ModeConvert     = "convert"
)

// Result describes one composed frame.
type Result struct {
	Mode        string
	Options     Options
	Adjustments []Adjustment
	Transposed  bool
	Pixels      int
	DetectCost  time.Duration
	TotalCost   time.Duration
}

// DetectSixColor reports whether every panel pixel of src matches a palette
// color within tolerance. It stops at the first miss.
func DetectSixColor(src raster.Oriented, tolerance uint8) bool {
	for y := 0; y < framebuffer.Height; y++ {
		for x := 0; x < framebuffer.Width; x++ {
			r, g, b := src.RGB(x, y)
			if _, ok := palette.Match(r, g, b, tolerance); !ok {
				return false
			}
		}
	}
	return true
}

// PixelColor maps one sample at panel position (x, y). sixColor selects the
// tolerance passthrough path, where dithering never applies.
func PixelColor(x, y int, r, g, b uint8, sixColor bool, opts Options) palette.Color {
	if sixColor {
		if c, ok := palette.Match(r, g, b, opts.Tolerance); ok {
			return c
		}
		return palette.Quantize(r, g, b)
	}
	if opts.Dither == DitherOrdered {
		r, g, b = palette.Dither(x, y, r, g, b)
	}
	return palette.Quantize(r, g, b)
}

// Compose writes every panel pixel of src into fb and returns how it did
// so. The frame is not rotated.
func Compose(src raster.Oriented, opts Options, fb *framebuffer.Buffer) Result {
	start := time.Now()
	res := Result{Options: opts, Transposed: src.Transposed()}

	var sixColor bool
	switch opts.ColorMode {
	case AssumeSixColor:
		sixColor = true
	case Auto:
		sixColor = DetectSixColor(src, opts.Tolerance)
		res.DetectCost = time.Since(start)
	}
	res.Mode = ModeConvert
	if sixColor {
		res.Mode = ModePassthrough
	}

	for y := 0; y < framebuffer.Height; y++ {
		for x := 0; x < framebuffer.Width; x++ {
			r, g, b := src.RGB(x, y)
			fb.Set(x, y, uint8(PixelColor(x, y, r, g, b, sixColor, opts)))
		}
	}
	res.Pixels = framebuffer.Width * framebuffer.Height
	res.TotalCost = time.Since(start)
	return res
}

// Frame composes src into a fresh buffer without touching any hardware.
// It backs previews.
func Frame(src raster.Source, raw RawOptions) (*framebuffer.Buffer, Result, error) {
	o, err := raster.Orient(src)
	if err != nil {
		return nil, Result{}, err
	}
	opts, adj := ResolveOptions(raw)
	fb := framebuffer.New()
	res := Compose(o, opts, fb)
	res.Adjustments = adj
	return fb, res, nil
}
