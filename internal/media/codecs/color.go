package codecs

import "github.com/babelcloud/gbox/packages/media/internal/media"

var colorPrimaries = map[int]string{
	1:  "bt709",
	5:  "bt470bg",
	6:  "smpte170m",
	9:  "bt2020",
	12: "smpte432",
}

var transferCharacteristics = map[int]string{
	1:  "bt709",
	6:  "smpte170m",
	8:  "linear",
	13: "iec61966-2-1",
	16: "pq",
	18: "hlg",
}

var matrixCoefficients = map[int]string{
	0: "rgb",
	1: "bt709",
	5: "bt470bg",
	6: "smpte170m",
	9: "bt2020-ncl",
}

// ColorSpace maps ISO/IEC 23091-4 code points to WebCodecs names. Unknown
// values stay unset. Returns nil when nothing maps.
func ColorSpace(primaries, transfer, matrix int, fullRange *bool) *media.ColorSpace {
	cs := &media.ColorSpace{
		Primaries: colorPrimaries[primaries],
		Transfer:  transferCharacteristics[transfer],
		Matrix:    matrixCoefficients[matrix],
		FullRange: fullRange,
	}
	if cs.IsZero() {
		return nil
	}
	return cs
}

// ColorSpace returns the colour description carried by a vpcC record.
func (c *VPCodecConfig) ColorSpace() *media.ColorSpace {
	full := c.FullRange
	return ColorSpace(c.ColourPrimaries, c.TransferCharacteristics, c.MatrixCoefficients, &full)
}
