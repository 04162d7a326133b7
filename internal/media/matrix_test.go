package media

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func rotationMatrix(deg float64) [9]int32 {
	rad := deg * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	fixed := func(v float64) int32 { return int32(math.Round(v * (1 << 16))) }
	return [9]int32{
		fixed(cos), fixed(-sin), 0,
		fixed(sin), fixed(cos), 0,
		0, 0, 1 << 30,
	}
}

func TestUnpackMatrix(t *testing.T) {
	m := UnpackMatrix(IdentityMatrix)
	assert.Equal(t, [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, m)

	raw := IdentityMatrix
	raw[6] = 100 << 16
	raw[2] = 1 << 29
	m = UnpackMatrix(raw)
	assert.Equal(t, 100.0, m[6])
	assert.Equal(t, 0.5, m[2])
}

func TestRotation(t *testing.T) {
	assert.Equal(t, 0.0, Rotation(UnpackMatrix(IdentityMatrix)))

	for _, deg := range []float64{0, 90, 180, 270} {
		got := Rotation(UnpackMatrix(rotationMatrix(deg)))
		assert.InDelta(t, deg, got, 1e-6, "rotation %v", deg)
	}
}

func TestRotation_NegativeAngleNormalised(t *testing.T) {
	raw := [9]int32{0, 1 << 16, 0, -(1 << 16), 0, 0, 0, 0, 1 << 30}
	assert.InDelta(t, 270.0, Rotation(UnpackMatrix(raw)), 1e-9)
}
