// Package palette maps RGB samples onto the six inks of the panel.
//
// Colors are the panel's native 4-bit codes, so a Color can be stored in a
// frame buffer nibble as is. Codes 4 and 7 exist in the controller's table
// but are not populated on this panel.
package palette

import (
	"fmt"
	"image/color"
	"math"
)

// Color is a panel ink code.
type Color uint8

const (
	Black  Color = 0
	White  Color = 1
	Yellow Color = 2
	Red    Color = 3
	Blue   Color = 5
	Green  Color = 6
)

// Entry pairs an ink with its reference RGB triple.
type Entry struct {
	Color   Color
	R, G, B uint8
}

// Entries is the palette in declaration order. Both Quantize and Match walk
// it front to back, which makes Black win ties.
var Entries = [6]Entry{
	{Black, 0, 0, 0},
	{White, 255, 255, 255},
	{Yellow, 255, 255, 0},
	{Red, 255, 0, 0},
	{Blue, 0, 0, 255},
	{Green, 0, 255, 0},
}

// Valid reports whether c is one of the six populated inks.
func (c Color) Valid() bool {
	for _, e := range Entries {
		if e.Color == c {
			return true
		}
	}
	return false
}

// RGB returns the reference triple of c. Unpopulated codes render as white.
func (c Color) RGB() (r, g, b uint8) {
	for _, e := range Entries {
		if e.Color == c {
			return e.R, e.G, e.B
		}
	}
	return 255, 255, 255
}

// RGBA implements color.Color.
func (c Color) RGBA() (r, g, b, a uint32) {
	r8, g8, b8 := c.RGB()
	return uint32(r8) * 0x101, uint32(g8) * 0x101, uint32(b8) * 0x101, 0xFFFF
}

func (c Color) String() string {
	switch c {
	case Black:
		return "black"
	case White:
		return "white"
	case Yellow:
		return "yellow"
	case Red:
		return "red"
	case Blue:
		return "blue"
	case Green:
		return "green"
	}
	return fmt.Sprintf("color(%d)", uint8(c))
}

// Quantize returns the ink nearest to (r, g, b) by squared Euclidean
// distance in RGB space. It is total: every input maps to a populated ink.
func Quantize(r, g, b uint8) Color {
	best := White
	bestDist := math.MaxInt
	for _, e := range Entries {
		dr := int(r) - int(e.R)
		dg := int(g) - int(e.G)
		db := int(b) - int(e.B)
		if d := dr*dr + dg*dg + db*db; d < bestDist {
			bestDist = d
			best = e.Color
		}
	}
	return best
}

// Match returns the first ink whose reference triple is within tolerance of
// (r, g, b) on every channel. When nothing qualifies it returns (White, false).
func Match(r, g, b, tolerance uint8) (Color, bool) {
	t := int(tolerance)
	for _, e := range Entries {
		if absDiff(r, e.R) <= t && absDiff(g, e.G) <= t && absDiff(b, e.B) <= t {
			return e.Color, true
		}
	}
	return White, false
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

// Model converts arbitrary colors to the nearest ink.
var Model = color.ModelFunc(func(c color.Color) color.Color {
	if pc, ok := c.(Color); ok {
		return pc
	}
	r, g, b, _ := c.RGBA()
	return Quantize(uint8(r>>8), uint8(g>>8), uint8(b>>8))
})
