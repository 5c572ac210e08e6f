package palette

// DitherStrength scales the Bayer threshold into an RGB offset.
const DitherStrength = 5

var bayer4x4 = [4][4]int{
	{0, 8, 2, 10},
	{12, 4, 14, 6},
	{3, 11, 1, 9},
	{15, 7, 13, 5},
}

// DitherOffset is the signed delta added to every channel of the pixel at
// (x, y): (threshold-8) * DitherStrength, in [-40, 35].
func DitherOffset(x, y int) int {
	return (bayer4x4[y&3][x&3] - 8) * DitherStrength
}

// Dither applies the ordered offset for (x, y) to all three channels,
// clamping each to [0, 255].
func Dither(x, y int, r, g, b uint8) (uint8, uint8, uint8) {
	d := DitherOffset(x, y)
	return clampByte(int(r) + d), clampByte(int(g) + d), clampByte(int(b) + d)
}

func clampByte(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
