package convert

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photoframe/internal/fault"
	"photoframe/internal/raster"
)

func fill(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestSniff(t *testing.T) {
	tests := []struct {
		in   []byte
		want Format
	}{
		{[]byte("BM\x00\x00"), BMP},
		{[]byte{0xFF, 0xD8, 0xFF, 0xE0}, JPEG},
		{[]byte("\x89PNG\r\n\x1a\n...."), PNG},
		{[]byte("GIF89a"), Unknown},
		{[]byte{0xFF}, Unknown},
		{nil, Unknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sniff(tt.in), "%q", tt.in)
	}
	assert.Equal(t, "jpeg", JPEG.String())
}

func TestTargetSize(t *testing.T) {
	w, h := TargetSize(image.Rect(0, 0, 3000, 4000))
	assert.Equal(t, [2]int{480, 800}, [2]int{w, h})
	w, h = TargetSize(image.Rect(0, 0, 1000, 1000))
	assert.Equal(t, [2]int{800, 480}, [2]int{w, h})
}

func TestToRasterFillsAndFlattens(t *testing.T) {
	r, err := ToRaster(fill(1600, 900, color.NRGBA{R: 255, A: 255}))
	require.NoError(t, err)
	assert.Equal(t, 800, r.Width())
	assert.Equal(t, 480, r.Height())
	rr, g, b := r.RGB(400, 240)
	assert.Equal(t, [3]uint8{255, 0, 0}, [3]uint8{rr, g, b})

	// Fully transparent becomes white.
	r, err = ToRaster(fill(480, 800, color.NRGBA{}))
	require.NoError(t, err)
	assert.Equal(t, 480, r.Width())
	rr, g, b = r.RGB(10, 10)
	assert.Equal(t, [3]uint8{255, 255, 255}, [3]uint8{rr, g, b})

	_, err = ToRaster(nil)
	assert.True(t, fault.Is(err, fault.Input))
}

func TestDecodePNGAndJPEG(t *testing.T) {
	var p bytes.Buffer
	require.NoError(t, png.Encode(&p, fill(200, 100, color.NRGBA{B: 255, A: 255})))
	src, f, err := Decode(p.Bytes())
	require.NoError(t, err)
	assert.Equal(t, PNG, f)
	assert.Equal(t, 800, src.Width())
	_, _, b := src.RGB(0, 0)
	assert.Equal(t, uint8(255), b)

	var j bytes.Buffer
	require.NoError(t, jpeg.Encode(&j, fill(300, 500, color.NRGBA{R: 128, G: 128, B: 128, A: 255}), nil))
	src, f, err = Decode(j.Bytes())
	require.NoError(t, err)
	assert.Equal(t, JPEG, f)
	assert.Equal(t, 800, src.Height())
	r, _, _ := src.RGB(240, 400)
	assert.InDelta(t, 128, int(r), 3)
}

func TestDecodeRejects(t *testing.T) {
	_, f, err := Decode([]byte("hello"))
	assert.Equal(t, Unknown, f)
	assert.True(t, fault.Is(err, fault.Format))

	_, _, err = Decode([]byte{0xFF, 0xD8, 0xFF, 0x00, 0x01})
	assert.True(t, fault.Is(err, fault.Format))

	_, f, err = Decode([]byte("BM not really a bitmap at all, but long enough to reach the headers"))
	assert.Equal(t, BMP, f)
	assert.True(t, fault.Is(err, fault.Format))
}

func TestWriteBMPRoundTrip(t *testing.T) {
	src, err := ToRaster(fill(800, 480, color.NRGBA{R: 255, G: 255, A: 255}))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, WriteBMP(&out, src))

	back, f, err := Decode(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, BMP, f)
	bm, ok := back.(*raster.BMP)
	require.True(t, ok)
	assert.True(t, bm.BottomUp)
	r, g, b := bm.RGB(799, 479)
	assert.Equal(t, [3]uint8{255, 255, 0}, [3]uint8{r, g, b})
}
