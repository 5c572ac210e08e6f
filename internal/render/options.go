package render

import (
	"fmt"

	"photoframe/internal/framebuffer"
)

// ColorMode selects how source pixels are mapped to inks.
type ColorMode int

const (
	// Auto scans the image first and passes it through untouched when every
	// pixel already is a palette color.
	Auto ColorMode = iota
	// ForceConvert always dithers (if enabled) and quantizes.
	ForceConvert
	// AssumeSixColor matches within tolerance and quantizes misses, with no
	// detection pass.
	AssumeSixColor
)

func (m ColorMode) String() string {
	switch m {
	case Auto:
		return "auto"
	case ForceConvert:
		return "force-convert"
	case AssumeSixColor:
		return "assume-six-color"
	}
	return fmt.Sprintf("color-mode(%d)", int(m))
}

// DitherMode selects the pre-quantization dither.
type DitherMode int

const (
	DitherNone DitherMode = iota
	DitherOrdered
)

func (m DitherMode) String() string {
	switch m {
	case DitherNone:
		return "none"
	case DitherOrdered:
		return "ordered"
	}
	return fmt.Sprintf("dither(%d)", int(m))
}

// MaxTolerance is the largest per-channel six-color match tolerance.
const MaxTolerance = 64

// RawOptions are render settings as persisted: plain integers that may be
// out of range.
type RawOptions struct {
	Rotation  int `yaml:"display_rotation" json:"display_rotation"`
	ColorMode int `yaml:"color_process_mode" json:"color_process_mode"`
	Dither    int `yaml:"dither_mode" json:"dither_mode"`
	Tolerance int `yaml:"six_color_tolerance" json:"six_color_tolerance"`
}

// Options are validated render settings.
type Options struct {
	Rotation  framebuffer.Rotation
	ColorMode ColorMode
	Dither    DitherMode
	Tolerance uint8
}

// DefaultRawOptions is what a fresh device renders with.
func DefaultRawOptions() RawOptions {
	return RawOptions{
		Rotation:  int(framebuffer.Rotate180),
		ColorMode: int(Auto),
		Dither:    int(DitherOrdered),
		Tolerance: 0,
	}
}

// Adjustment records one field that ResolveOptions had to change.
type Adjustment struct {
	Field    string
	From, To int
}

func (a Adjustment) String() string {
	return fmt.Sprintf("%s %d->%d", a.Field, a.From, a.To)
}

// ResolveOptions clamps every field of raw into its valid range. It never
// fails; the returned adjustments say what was changed. Rotation collapses
// to 0 or 180, every other value meaning 180.
func ResolveOptions(raw RawOptions) (Options, []Adjustment) {
	var adj []Adjustment
	clamp := func(field string, v, lo, hi int) int {
		out := v
		if out < lo {
			out = lo
		} else if out > hi {
			out = hi
		}
		if out != v {
			adj = append(adj, Adjustment{Field: field, From: v, To: out})
		}
		return out
	}

	rot := framebuffer.Rotate180
	if raw.Rotation == int(framebuffer.Rotate0) {
		rot = framebuffer.Rotate0
	} else if raw.Rotation != int(framebuffer.Rotate180) {
		adj = append(adj, Adjustment{Field: "rotation", From: raw.Rotation, To: int(rot)})
	}

	return Options{
		Rotation:  rot,
		ColorMode: ColorMode(clamp("color_process_mode", raw.ColorMode, int(Auto), int(AssumeSixColor))),
		Dither:    DitherMode(clamp("dither_mode", raw.Dither, int(DitherNone), int(DitherOrdered))),
		Tolerance: uint8(clamp("six_color_tolerance", raw.Tolerance, 0, MaxTolerance)),
	}, adj
}
