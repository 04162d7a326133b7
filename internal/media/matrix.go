package media

import "math"

// IdentityMatrix is the raw fixed-point identity transform of tkhd/mvhd.
var IdentityMatrix = [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

// UnpackMatrix converts the raw transform into floats. Terms 2, 5 and 8 are
// 2.30 fixed point, the rest 16.16.
func UnpackMatrix(raw [9]int32) [9]float64 {
	var m [9]float64
	for i, v := range raw {
		if i%3 == 2 {
			m[i] = float64(v) / (1 << 30)
		} else {
			m[i] = float64(v) / (1 << 16)
		}
	}
	return m
}

// Rotation returns atan2(m[3], m[0]) in degrees, normalised to [0, 360).
func Rotation(m [9]float64) float64 {
	deg := math.Atan2(m[3], m[0]) * 180 / math.Pi
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	// snap float noise around whole degrees
	if r := math.Round(deg); math.Abs(deg-r) < 1e-9 {
		deg = r
	}
	if deg == 360 {
		deg = 0
	}
	return deg
}
