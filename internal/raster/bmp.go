// Package raster validates input images and reads them pixel by pixel in
// panel coordinates.
//
// Two inputs are accepted: an uncompressed 24-bit BMP container and a bare
// RGB888 raster handed over by an external decoder. Both must be either the
// panel's native 800x480 or the transposed 480x800 portrait layout.
package raster

import (
	"encoding/binary"

	"photoframe/internal/fault"
)

// BMP header sizes. MinHeaderSize is the smallest buffer worth inspecting.
const (
	FileHeaderSize = 14
	InfoHeaderSize = 40
	MinHeaderSize  = FileHeaderSize + InfoHeaderSize

	bmpMagic = 0x4D42 // "BM", little endian
)

// fileHeader mirrors BITMAPFILEHEADER.
type fileHeader struct {
	Type      uint16
	Size      uint32
	Reserved1 uint16
	Reserved2 uint16
	OffBits   uint32
}

// infoHeader mirrors the leading fields of BITMAPINFOHEADER.
type infoHeader struct {
	Size        uint32
	Width       int32
	Height      int32
	Planes      uint16
	BitCount    uint16
	Compression uint32
}

func parseHeaders(buf []byte) (fileHeader, infoHeader) {
	le := binary.LittleEndian
	fh := fileHeader{
		Type:      le.Uint16(buf[0:]),
		Size:      le.Uint32(buf[2:]),
		Reserved1: le.Uint16(buf[6:]),
		Reserved2: le.Uint16(buf[8:]),
		OffBits:   le.Uint32(buf[10:]),
	}
	ih := buf[FileHeaderSize:]
	return fh, infoHeader{
		Size:        le.Uint32(ih[0:]),
		Width:       int32(le.Uint32(ih[4:])),
		Height:      int32(le.Uint32(ih[8:])),
		Planes:      le.Uint16(ih[12:]),
		BitCount:    le.Uint16(ih[14:]),
		Compression: le.Uint32(ih[16:]),
	}
}

// BMP is a validated view over a 24-bit uncompressed bitmap. It does not
// copy the pixel data.
type BMP struct {
	data []byte

	width, height int
	// BottomUp is true for a positive declared height: stored rows run from
	// the bottom of the image to the top.
	BottomUp bool
	// PixelOffset is the byte offset of the first stored row.
	PixelOffset int
	// RowStride is the stored row length, padded to 4 bytes.
	RowStride int
}

func formatErr(format string, args ...any) error {
	return fault.Newf(fault.Format, "decode", format, args...)
}

// DecodeBMP validates buf and returns a view over it. Every check happens
// before any pixel is touched; a nil error guarantees that every RGB call
// with in-range coordinates stays inside buf.
func DecodeBMP(buf []byte) (*BMP, error) {
	if len(buf) < MinHeaderSize {
		return nil, formatErr("buffer too short: %d bytes, need at least %d", len(buf), MinHeaderSize)
	}
	fh, ih := parseHeaders(buf)

	if fh.Type != bmpMagic {
		return nil, formatErr("invalid bmp magic: 0x%04x", fh.Type)
	}
	if ih.Size < InfoHeaderSize {
		return nil, formatErr("info header too small: %d", ih.Size)
	}
	if ih.Planes != 1 {
		return nil, formatErr("unsupported plane count: %d", ih.Planes)
	}
	if ih.BitCount != 24 {
		return nil, formatErr("unsupported bit depth: %d", ih.BitCount)
	}
	if ih.Compression != 0 {
		return nil, formatErr("unsupported compression: %d", ih.Compression)
	}

	w := int64(ih.Width)
	h := int64(ih.Height)
	bottomUp := h > 0
	if h < 0 {
		h = -h
	}
	if !supportedDims(w, h) {
		return nil, formatErr("unsupported dimension: %dx%d", w, h)
	}

	stride := (w*3 + 3) &^ 3
	need := int64(fh.OffBits) + stride*h
	if need > int64(len(buf)) {
		return nil, formatErr("bmp size mismatch: need=%d got=%d", need, len(buf))
	}

	return &BMP{
		data:        buf,
		width:       int(w),
		height:      int(h),
		BottomUp:    bottomUp,
		PixelOffset: int(fh.OffBits),
		RowStride:   int(stride),
	}, nil
}

// Width returns the image width in pixels.
func (b *BMP) Width() int { return b.width }

// Height returns the absolute image height in pixels.
func (b *BMP) Height() int { return b.height }

// RGB returns the sample at logical (x, y), with y = 0 the top row.
// Stored order is B, G, R.
func (b *BMP) RGB(x, y int) (r, g, bl uint8) {
	row := y
	if b.BottomUp {
		row = b.height - 1 - y
	}
	p := b.data[b.PixelOffset+row*b.RowStride+x*3:]
	return p[2], p[1], p[0]
}
