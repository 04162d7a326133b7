package codecs

import (
	"fmt"

	gomp4 "github.com/abema/go-mp4"
)

// AV1Config is the fixed part of an av1C record.
type AV1Config struct {
	Profile    int
	Level      int
	HighTier   bool
	BitDepth   int
	Monochrome bool
}

// ParseAV1Config reads the fixed fields of an av1C record.
func ParseAV1Config(av1C []byte) (*AV1Config, error) {
	box := &gomp4.Av1C{}
	if err := unmarshalBox(av1C, box); err != nil {
		return nil, fmt.Errorf("invalid av1C: %w", err)
	}
	if box.Marker != 1 {
		return nil, fmt.Errorf("av1C marker bit not set")
	}
	c := &AV1Config{
		Profile:    int(box.SeqProfile),
		Level:      int(box.SeqLevelIdx0),
		HighTier:   box.SeqTier0 == 1,
		BitDepth:   8,
		Monochrome: box.Monochrome == 1,
	}
	switch {
	case box.HighBitdepth == 1 && box.TwelveBit == 1:
		c.BitDepth = 12
	case box.HighBitdepth == 1:
		c.BitDepth = 10
	}
	return c, nil
}

// CodecString formats "av01.P.LLT.DD".
func (c *AV1Config) CodecString() string {
	tier := "M"
	if c.HighTier {
		tier = "H"
	}
	return fmt.Sprintf("av01.%d.%02d%s.%02d", c.Profile, c.Level, tier, c.BitDepth)
}

// AV1CodecString parses av1C and formats its codec string.
func AV1CodecString(av1C []byte) (string, error) {
	c, err := ParseAV1Config(av1C)
	if err != nil {
		return "", err
	}
	return c.CodecString(), nil
}
