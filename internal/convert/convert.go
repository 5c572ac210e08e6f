// Package convert adapts arbitrary decoded images to the panel raster
// contract: 800x480 or 480x800, three bytes per pixel, no padding.
package convert

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // registers the JPEG decoder
	_ "image/png"  // registers the PNG decoder
	"io"

	"github.com/disintegration/imaging"
	"golang.org/x/image/bmp"

	"photoframe/internal/fault"
	"photoframe/internal/framebuffer"
	"photoframe/internal/raster"
)

// TargetSize picks the panel layout closest to the aspect of b: portrait
// sources become 480x800 (turned at render time), everything else 800x480.
func TargetSize(b image.Rectangle) (w, h int) {
	if b.Dy() > b.Dx() {
		return framebuffer.Height, framebuffer.Width
	}
	return framebuffer.Width, framebuffer.Height
}

// Fit scales img to cover the panel and crops the overflow around the
// center.
func Fit(img image.Image) *image.NRGBA {
	w, h := TargetSize(img.Bounds())
	if b := img.Bounds(); b.Dx() == w && b.Dy() == h {
		return imaging.Clone(img)
	}
	return imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
}

// ToRaster fits img to the panel and flattens it onto white.
func ToRaster(img image.Image) (*raster.RGB888, error) {
	if img == nil {
		return nil, fault.Newf(fault.Input, "convert", "nil image")
	}
	if b := img.Bounds(); b.Empty() {
		return nil, fault.Newf(fault.Format, "convert", "empty image")
	}
	n := Fit(img)
	w, h := n.Bounds().Dx(), n.Bounds().Dy()
	pix := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := n.Pix[y*n.Stride : y*n.Stride+w*4]
		for i := 0; i < len(row); i += 4 {
			a := uint32(row[i+3])
			pix = append(pix, over(row[i], a), over(row[i+1], a), over(row[i+2], a))
		}
	}
	return raster.NewRGB888(pix, w, h)
}

// over composites channel c with alpha a onto a white background.
func over(c uint8, a uint32) uint8 {
	return uint8((uint32(c)*a + 255*(255-a) + 127) / 255)
}

// Decode turns fetched bytes into a panel raster. BMP containers go
// through the strict panel decoder unchanged; JPEG and PNG are decoded,
// fitted and flattened.
func Decode(b []byte) (raster.Source, Format, error) {
	f := Sniff(b)
	switch f {
	case BMP:
		img, err := raster.DecodeBMP(b)
		if err != nil {
			return nil, f, err
		}
		return img, f, nil
	case JPEG, PNG:
		img, _, err := image.Decode(bytes.NewReader(b))
		if err != nil {
			return nil, f, fault.New(fault.Format, "decode", fmt.Errorf("%s: %w", f, err))
		}
		r, err := ToRaster(img)
		if err != nil {
			return nil, f, err
		}
		return r, f, nil
	}
	return nil, f, fault.Newf(fault.Format, "decode", "unrecognized image format")
}

// WriteBMP encodes src as an uncompressed 24-bit BMP that the panel
// decoder accepts as is.
func WriteBMP(w io.Writer, src raster.Source) error {
	if src == nil {
		return fault.Newf(fault.Input, "encode", "nil source")
	}
	width, height := src.Width(), src.Height()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b := src.RGB(x, y)
			i := img.PixOffset(x, y)
			img.Pix[i+0], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = r, g, b, 0xFF
		}
	}
	if err := bmp.Encode(w, img); err != nil {
		return fmt.Errorf("convert: encode bmp: %w", err)
	}
	return nil
}
