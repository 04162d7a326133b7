package codecs

import (
	"errors"
	"fmt"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/bits"
)

// ErrNotKeyFrame is returned when a VP9 frame carries no sequence header.
var ErrNotKeyFrame = errors.New("not a vp9 key frame")

// VP9Header holds the fields of a VP9 key frame uncompressed header needed
// to build a codec string.
type VP9Header struct {
	Profile    int
	BitDepth   int
	Width      int
	Height     int
	ColorRange bool
}

// VP9Profile extracts the profile from the first byte of a frame. The low
// bit sits above the high bit in the byte, so the two are swapped.
func VP9Profile(b0 byte) int {
	p := int(b0>>4) & 3
	return ((p >> 1) & 1) | ((p << 1) & 2)
}

// ParseVP9KeyFrame reads profile, bit depth and frame size from a key frame.
func ParseVP9KeyFrame(frame []byte) (*VP9Header, error) {
	pos := 0
	marker, err := bits.ReadBits(frame, &pos, 2)
	if err != nil {
		return nil, err
	}
	if marker != 2 {
		return nil, fmt.Errorf("invalid vp9 frame marker %d", marker)
	}
	if err := bits.HasSpace(frame, pos, 2); err != nil {
		return nil, err
	}
	h := &VP9Header{Profile: VP9Profile(frame[0])}
	pos += 2
	if h.Profile == 3 {
		// reserved_zero
		pos++
	}
	showExisting, err := bits.ReadFlag(frame, &pos)
	if err != nil {
		return nil, err
	}
	if showExisting {
		return nil, ErrNotKeyFrame
	}
	interFrame, err := bits.ReadFlag(frame, &pos)
	if err != nil {
		return nil, err
	}
	if interFrame {
		return nil, ErrNotKeyFrame
	}
	// show_frame, error_resilient_mode
	pos += 2
	sync, err := bits.ReadBits(frame, &pos, 24)
	if err != nil {
		return nil, err
	}
	if sync != 0x498342 {
		return nil, fmt.Errorf("invalid vp9 sync code %06x", sync)
	}

	h.BitDepth = 8
	if h.Profile >= 2 {
		twelve, err := bits.ReadFlag(frame, &pos)
		if err != nil {
			return nil, err
		}
		h.BitDepth = 10
		if twelve {
			h.BitDepth = 12
		}
	}
	colorSpace, err := bits.ReadBits(frame, &pos, 3)
	if err != nil {
		return nil, err
	}
	if colorSpace != 7 {
		if h.ColorRange, err = bits.ReadFlag(frame, &pos); err != nil {
			return nil, err
		}
		if h.Profile == 1 || h.Profile == 3 {
			// subsampling_x, subsampling_y, reserved_zero
			pos += 3
		}
	} else {
		h.ColorRange = true
		if h.Profile == 1 || h.Profile == 3 {
			pos++
		}
	}

	w, err := bits.ReadBits(frame, &pos, 16)
	if err != nil {
		return nil, err
	}
	ht, err := bits.ReadBits(frame, &pos, 16)
	if err != nil {
		return nil, err
	}
	h.Width = int(w) + 1
	h.Height = int(ht) + 1
	return h, nil
}

type vp9Level struct {
	level         int
	maxPicture    int64
	maxSampleRate int64
}

var vp9Levels = []vp9Level{
	{10, 36864, 829440},
	{11, 73728, 2764800},
	{20, 122880, 4608000},
	{21, 245760, 9216000},
	{30, 552960, 20736000},
	{31, 983040, 36864000},
	{40, 2228224, 83558400},
	{41, 2228224, 160432128},
	{50, 8912896, 311951360},
	{51, 8912896, 588251136},
	{52, 8912896, 1176502272},
	{60, 35651584, 1176502272},
	{61, 35651584, 2353004544},
	{62, 35651584, 4706009088},
}

// VP9Level picks the lowest level whose luma picture size, and sample rate
// when fps is known, fit the stream.
func VP9Level(width, height int, fps float64) int {
	picture := int64(width) * int64(height)
	for _, l := range vp9Levels {
		if picture > l.maxPicture {
			continue
		}
		if fps > 0 && float64(picture)*fps > float64(l.maxSampleRate) {
			continue
		}
		return l.level
	}
	return vp9Levels[len(vp9Levels)-1].level
}

// VP9CodecString formats "vp09.PP.LL.DD".
func VP9CodecString(profile, level, bitDepth int) string {
	return fmt.Sprintf("vp09.%02d.%02d.%02d", profile, level, bitDepth)
}

// VPCodecConfig is the content of a vpcC box payload, version and flags
// included.
type VPCodecConfig struct {
	Profile                 int
	Level                   int
	BitDepth                int
	ChromaSubsampling       int
	FullRange               bool
	ColourPrimaries         int
	TransferCharacteristics int
	MatrixCoefficients      int
}

// ParseVPCodecConfig reads a vpcC box payload.
func ParseVPCodecConfig(vpcC []byte) (*VPCodecConfig, error) {
	box := &gomp4.VpcC{}
	if err := unmarshalBox(vpcC, box); err != nil {
		return nil, fmt.Errorf("invalid vpcC: %w", err)
	}
	return &VPCodecConfig{
		Profile:                 int(box.Profile),
		Level:                   int(box.Level),
		BitDepth:                int(box.BitDepth),
		ChromaSubsampling:       int(box.ChromaSubsampling),
		FullRange:               box.VideoFullRangeFlag == 1,
		ColourPrimaries:         int(box.ColourPrimaries),
		TransferCharacteristics: int(box.TransferCharacteristics),
		MatrixCoefficients:      int(box.MatrixCoefficients),
	}, nil
}

// CodecString formats the vpcC fields as "vp09.PP.LL.DD".
func (c *VPCodecConfig) CodecString() string {
	return VP9CodecString(c.Profile, c.Level, c.BitDepth)
}
