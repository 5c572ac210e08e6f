package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"photoframe/internal/fault"
	"photoframe/internal/framebuffer"
	"photoframe/internal/palette"
	"photoframe/internal/raster"
)

type fakePanel struct {
	opened, configured, slept, closed int
	flushes                           [][]byte
	openErr, configErr, flushErr      error
}

func (p *fakePanel) Open() error { p.opened++; return p.openErr }

func (p *fakePanel) Configure() error { p.configured++; return p.configErr }

func (p *fakePanel) Flush(frame []byte) error {
	p.flushes = append(p.flushes, append([]byte(nil), frame...))
	return p.flushErr
}

func (p *fakePanel) Sleep() error { p.slept++; return nil }
func (p *fakePanel) Close() error { p.closed++; return nil }

func newDriver(t *testing.T) (*Driver, *fakePanel) {
	t.Helper()
	p := &fakePanel{}
	d := NewDriver(p, nil)
	require.NoError(t, d.Init())
	return d, p
}

func encodeBMP(t *testing.T, w, h int, fill func(x, y int) color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := fill(x, y)
			c.A = 0xFF
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, img))
	return buf.Bytes()
}

func solid(c color.RGBA) func(x, y int) color.RGBA {
	return func(int, int) color.RGBA { return c }
}

func assertFilled(t *testing.T, fb *framebuffer.Buffer, c palette.Color) {
	t.Helper()
	want := byte(c)<<4 | byte(c)
	for i, v := range fb.Pix {
		if v != want {
			t.Fatalf("byte %d = %#02x, want %#02x", i, v, want)
		}
	}
}

func TestResolveOptions(t *testing.T) {
	tests := []struct {
		name   string
		raw    RawOptions
		want   Options
		fields []string
	}{
		{"defaults", DefaultRawOptions(), Options{framebuffer.Rotate180, Auto, DitherOrdered, 0}, nil},
		{"rotation 0", RawOptions{Rotation: 0, ColorMode: 1, Dither: 0, Tolerance: 12},
			Options{framebuffer.Rotate0, ForceConvert, DitherNone, 12}, nil},
		{"quarter turn", RawOptions{Rotation: 90}, Options{framebuffer.Rotate180, Auto, DitherNone, 0}, []string{"rotation"}},
		{"index 2", RawOptions{Rotation: 2}, Options{framebuffer.Rotate180, Auto, DitherNone, 0}, []string{"rotation"}},
		{"too large", RawOptions{Rotation: 180, ColorMode: 9, Dither: 7, Tolerance: 300},
			Options{framebuffer.Rotate180, AssumeSixColor, DitherOrdered, MaxTolerance},
			[]string{"color_process_mode", "dither_mode", "six_color_tolerance"}},
		{"negative", RawOptions{Rotation: -180, ColorMode: -1, Dither: -1, Tolerance: -5},
			Options{framebuffer.Rotate180, Auto, DitherNone, 0},
			[]string{"rotation", "color_process_mode", "dither_mode", "six_color_tolerance"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, adj := ResolveOptions(tt.raw)
			assert.Equal(t, tt.want, got)
			var fields []string
			for _, a := range adj {
				fields = append(fields, a.Field)
			}
			assert.Equal(t, tt.fields, fields)
		})
	}
}

func TestInitFlushesWhite(t *testing.T) {
	d, p := newDriver(t)
	assert.True(t, d.Initialized())
	require.Len(t, p.flushes, 1)
	assert.Equal(t, bytes.Repeat([]byte{0x11}, framebuffer.Size), p.flushes[0])

	// Idempotent.
	require.NoError(t, d.Init())
	assert.Equal(t, 1, p.opened)
	assert.Len(t, p.flushes, 1)
}

func TestInitFailures(t *testing.T) {
	t.Run("allocation", func(t *testing.T) {
		d := NewDriver(&fakePanel{}, &DriverOpts{Alloc: func() (*framebuffer.Buffer, error) {
			return nil, errors.New("out of memory")
		}})
		err := d.Init()
		assert.True(t, fault.Is(err, fault.Allocation))
		assert.False(t, d.Initialized())
		assert.Nil(t, d.Frame())
	})
	t.Run("bus", func(t *testing.T) {
		p := &fakePanel{openErr: fault.Newf(fault.Bus, "open", "no spidev")}
		d := NewDriver(p, nil)
		assert.True(t, fault.Is(d.Init(), fault.Bus))
		assert.False(t, d.Initialized())
		assert.Nil(t, d.Frame())

		p.openErr = nil
		require.NoError(t, d.Init())
		assert.True(t, d.Initialized())
	})
	t.Run("timeout", func(t *testing.T) {
		p := &fakePanel{flushErr: &fault.Error{Kind: fault.Timeout, Op: "wait-busy", Stage: "refresh"}}
		d := NewDriver(p, nil)
		assert.True(t, fault.Is(d.Init(), fault.Timeout))
		assert.False(t, d.Initialized())
	})
}

func TestRenderBeforeInit(t *testing.T) {
	d := NewDriver(&fakePanel{}, nil)
	_, err := d.Render(make([]byte, 100), DefaultRawOptions())
	assert.True(t, fault.Is(err, fault.NotReady))
	_, err = d.RenderRaster(make([]byte, 10), 800, 480, DefaultRawOptions())
	assert.True(t, fault.Is(err, fault.NotReady))
	assert.True(t, fault.Is(d.Reflush(), fault.NotReady))
}

func TestRenderInputErrors(t *testing.T) {
	d, _ := newDriver(t)
	_, err := d.Render(nil, DefaultRawOptions())
	assert.True(t, fault.Is(err, fault.Input))
	_, err = d.Render(make([]byte, raster.MinHeaderSize-1), DefaultRawOptions())
	assert.True(t, fault.Is(err, fault.Input))
}

func TestRenderSolidRedForceConvert(t *testing.T) {
	d, p := newDriver(t)
	raw := encodeBMP(t, 800, 480, solid(color.RGBA{R: 255}))

	res, err := d.Render(raw, RawOptions{Rotation: 0, ColorMode: int(ForceConvert), Dither: int(DitherNone)})
	require.NoError(t, err)
	assert.Equal(t, ModeConvert, res.Mode)
	assertFilled(t, d.Frame(), palette.Red)
	require.Len(t, p.flushes, 2)
	assert.Equal(t, bytes.Repeat([]byte{0x33}, framebuffer.Size), p.flushes[1])
}

func TestRenderSolidRedAssumeSixColor(t *testing.T) {
	d, _ := newDriver(t)
	raw := encodeBMP(t, 800, 480, solid(color.RGBA{R: 255}))

	res, err := d.Render(raw, RawOptions{Rotation: 180, ColorMode: int(AssumeSixColor), Tolerance: 0})
	require.NoError(t, err)
	assert.Equal(t, ModePassthrough, res.Mode)
	assert.Zero(t, res.DetectCost)
	assertFilled(t, d.Frame(), palette.Red)
}

func TestRenderPixelDeterminism(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pix := make([]color.RGBA, 800*480)
	for i := range pix {
		pix[i] = color.RGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256))}
	}
	raw := encodeBMP(t, 800, 480, func(x, y int) color.RGBA { return pix[y*800+x] })

	for _, dither := range []DitherMode{DitherNone, DitherOrdered} {
		t.Run(dither.String(), func(t *testing.T) {
			d, _ := newDriver(t)
			opts := RawOptions{Rotation: 0, ColorMode: int(Auto), Dither: int(dither)}
			res, err := d.Render(raw, opts)
			require.NoError(t, err)
			assert.Equal(t, ModeConvert, res.Mode)

			for y := 0; y < 480; y++ {
				for x := 0; x < 800; x++ {
					c := pix[y*800+x]
					r, g, b := c.R, c.G, c.B
					if dither == DitherOrdered {
						r, g, b = palette.Dither(x, y, r, g, b)
					}
					if got, want := d.Frame().Get(x, y), uint8(palette.Quantize(r, g, b)); got != want {
						t.Fatalf("(%d,%d) = %d, want %d", x, y, got, want)
					}
				}
			}
		})
	}
}

func TestRenderTransposedGradient(t *testing.T) {
	d, p := newDriver(t)
	gray := func(x, y int) color.RGBA {
		v := uint8((x + y) * 255 / (480 + 800 - 2))
		return color.RGBA{R: v, G: v, B: v}
	}
	raw := encodeBMP(t, 480, 800, gray)

	res, err := d.Render(raw, RawOptions{Rotation: 0, ColorMode: int(ForceConvert), Dither: int(DitherNone)})
	require.NoError(t, err)
	assert.True(t, res.Transposed)

	src := gray(0, 799)
	want := palette.Quantize(src.R, src.G, src.B)
	assert.Equal(t, uint8(want), d.Frame().Get(0, 0))

	// Rotation 0 sends the frame untouched.
	assert.Equal(t, d.Frame().Pix, p.flushes[len(p.flushes)-1])
}

func TestRenderRotation180(t *testing.T) {
	d, p := newDriver(t)
	raw := encodeBMP(t, 800, 480, func(x, y int) color.RGBA {
		if x < 400 {
			return color.RGBA{B: 255}
		}
		return color.RGBA{G: 255}
	})
	_, err := d.Render(raw, RawOptions{Rotation: 90, ColorMode: int(Auto)})
	require.NoError(t, err)

	assert.Equal(t, uint8(palette.Blue), d.Frame().Get(0, 0))
	sent := &framebuffer.Buffer{Pix: p.flushes[len(p.flushes)-1]}
	assert.Equal(t, uint8(palette.Blue), sent.Get(799, 479))
	assert.Equal(t, uint8(palette.Green), sent.Get(0, 0))
}

func TestAutoDetectionMonotonic(t *testing.T) {
	// Every pixel is one step away from a palette color.
	nearly := func(x, y int) color.RGBA {
		if (x+y)%2 == 0 {
			return color.RGBA{R: 254, G: 1}
		}
		return color.RGBA{R: 1, G: 1, B: 254}
	}
	img, err := raster.DecodeBMP(encodeBMP(t, 800, 480, nearly))
	require.NoError(t, err)
	o, err := raster.Orient(img)
	require.NoError(t, err)

	assert.False(t, DetectSixColor(o, 0))
	for _, tol := range []uint8{1, 2, 10, MaxTolerance} {
		assert.True(t, DetectSixColor(o, tol), "tolerance %d", tol)
	}

	fb := framebuffer.New()
	res := Compose(o, Options{ColorMode: Auto, Dither: DitherOrdered, Tolerance: 1}, fb)
	assert.Equal(t, ModePassthrough, res.Mode)
	assert.Equal(t, uint8(palette.Red), fb.Get(0, 0))
	assert.Equal(t, uint8(palette.Blue), fb.Get(1, 0))
}

func TestRenderRejectsWithoutMutation(t *testing.T) {
	d, p := newDriver(t)
	good := encodeBMP(t, 800, 480, solid(color.RGBA{R: 255, G: 255}))
	_, err := d.Render(good, RawOptions{ColorMode: int(AssumeSixColor)})
	require.NoError(t, err)
	before := append([]byte(nil), d.Frame().Pix...)
	flushes := len(p.flushes)

	bad := map[string]func([]byte) []byte{
		"magic":     func(b []byte) []byte { b[0] = 'X'; return b },
		"bit depth": func(b []byte) []byte { b[28] = 8; return b },
		"640x480": func(b []byte) []byte {
			b[18], b[19] = 0x80, 0x02
			return b
		},
		"truncated": func(b []byte) []byte { return b[:len(b)-100] },
	}
	for name, mutate := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := d.Render(mutate(append([]byte(nil), good...)), DefaultRawOptions())
			assert.True(t, fault.Is(err, fault.Format))
			assert.Equal(t, before, d.Frame().Pix)
			assert.Len(t, p.flushes, flushes)
		})
	}
}

func TestRenderRaster(t *testing.T) {
	d, _ := newDriver(t)
	pix := bytes.Repeat([]byte{0, 0, 255}, 480*800)
	res, err := d.RenderRaster(pix, 480, 800, RawOptions{ColorMode: int(AssumeSixColor)})
	require.NoError(t, err)
	assert.True(t, res.Transposed)
	assertFilled(t, d.Frame(), palette.Blue)

	_, err = d.RenderRaster(pix[:10], 480, 800, DefaultRawOptions())
	assert.True(t, fault.Is(err, fault.Format))
}

func TestReflushAfterFailedFlush(t *testing.T) {
	d, p := newDriver(t)
	p.flushErr = &fault.Error{Kind: fault.Timeout, Op: "wait-busy", Stage: "refresh"}

	raw := encodeBMP(t, 800, 480, solid(color.RGBA{R: 255}))
	_, err := d.Render(raw, RawOptions{Rotation: 0, ColorMode: int(ForceConvert)})
	assert.True(t, fault.Is(err, fault.Timeout))
	// The composed frame survives the failed flush.
	assertFilled(t, d.Frame(), palette.Red)

	p.flushErr = nil
	require.NoError(t, d.Reflush())
	assert.Equal(t, p.flushes[len(p.flushes)-2], p.flushes[len(p.flushes)-1])
}

func TestRecoverReconfiguresAndKeepsFrame(t *testing.T) {
	d, p := newDriver(t)
	assert.Equal(t, 1, p.configured)
	p.flushErr = &fault.Error{Kind: fault.Timeout, Op: "wait-busy", Stage: "refresh"}

	raw := encodeBMP(t, 800, 480, solid(color.RGBA{B: 255}))
	_, err := d.Render(raw, RawOptions{Rotation: 0, ColorMode: int(ForceConvert)})
	require.Error(t, err)

	p.flushErr = nil
	require.NoError(t, d.Recover())
	assert.Equal(t, 2, p.configured)
	assertFilled(t, d.Frame(), palette.Blue)
	require.NoError(t, d.Reflush())
	assert.Equal(t, bytes.Repeat([]byte{0x55}, framebuffer.Size), p.flushes[len(p.flushes)-1])

	p.configErr = &fault.Error{Kind: fault.Timeout, Op: "wait-busy", Stage: "reset"}
	assert.True(t, fault.Is(d.Recover(), fault.Timeout))

	assert.True(t, fault.Is(NewDriver(&fakePanel{}, nil).Recover(), fault.NotReady))
}

func TestClearSleepClose(t *testing.T) {
	d, p := newDriver(t)
	require.NoError(t, d.Clear(palette.Green))
	assert.Equal(t, bytes.Repeat([]byte{0x66}, framebuffer.Size), p.flushes[len(p.flushes)-1])
	assert.True(t, fault.Is(d.Clear(palette.Color(4)), fault.Input))

	require.NoError(t, d.Sleep())
	require.NoError(t, d.Sleep())
	assert.Equal(t, 1, p.slept)

	configured := p.configured
	require.NoError(t, d.Clear(palette.White))
	assert.Equal(t, configured+1, p.configured, "wakes with a configure")

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Equal(t, 1, p.closed)
	assert.True(t, fault.Is(d.Init(), fault.NotReady))
}

func TestFrame(t *testing.T) {
	img, err := raster.DecodeBMP(encodeBMP(t, 800, 480, solid(color.RGBA{R: 255, G: 255, B: 255})))
	require.NoError(t, err)
	fb, res, err := Frame(img, RawOptions{Rotation: 45})
	require.NoError(t, err)
	assert.Equal(t, ModePassthrough, res.Mode)
	require.Len(t, res.Adjustments, 1)
	assert.Equal(t, "rotation 45->180", res.Adjustments[0].String())
	assertFilled(t, fb, palette.White)

	_, _, err = Frame(nil, DefaultRawOptions())
	assert.True(t, fault.Is(err, fault.Input))
}
