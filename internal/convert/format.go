package convert

import "bytes"

// Format is the container of a fetched image, detected from its leading
// bytes rather than from HTTP headers.
type Format int

const (
	Unknown Format = iota
	BMP
	JPEG
	PNG
)

func (f Format) String() string {
	switch f {
	case BMP:
		return "bmp"
	case JPEG:
		return "jpeg"
	case PNG:
		return "png"
	}
	return "unknown"
}

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// Sniff detects the format of b.
func Sniff(b []byte) Format {
	switch {
	case len(b) >= 2 && b[0] == 'B' && b[1] == 'M':
		return BMP
	case len(b) >= 3 && b[0] == 0xFF && b[1] == 0xD8 && b[2] == 0xFF:
		return JPEG
	case bytes.HasPrefix(b, pngMagic):
		return PNG
	}
	return Unknown
}
