package codecs

import (
	"fmt"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

func unmarshalAVCC(avcC []byte) (*gomp4.AVCDecoderConfiguration, error) {
	box := &gomp4.AVCDecoderConfiguration{AnyTypeBox: gomp4.AnyTypeBox{Type: gomp4.BoxTypeAvcC()}}
	if err := unmarshalBox(avcC, box); err != nil {
		return nil, fmt.Errorf("invalid avcC: %w", err)
	}
	return box, nil
}

// AVCCodecString builds "<entry>.PPCCLL" from an avcC record, where entry
// is the sample entry type (avc1, avc3).
func AVCCodecString(entry string, avcC []byte) (string, error) {
	box, err := unmarshalAVCC(avcC)
	if err != nil {
		return "", err
	}
	if entry == "" {
		entry = "avc1"
	}
	return fmt.Sprintf("%s.%02x%02x%02x", entry, box.Profile, box.ProfileCompatibility, box.Level), nil
}

// AVCConfig is the parameter set content of an avcC record.
type AVCConfig struct {
	LengthSize int
	SPS        [][]byte
	PPS        [][]byte
}

// ParseAVCConfig splits an avcC record into its parameter sets.
func ParseAVCConfig(avcC []byte) (*AVCConfig, error) {
	box, err := unmarshalAVCC(avcC)
	if err != nil {
		return nil, err
	}
	cfg := &AVCConfig{LengthSize: int(box.LengthSizeMinusOne) + 1}
	for _, ps := range box.SequenceParameterSets {
		cfg.SPS = append(cfg.SPS, ps.NALUnit)
	}
	for _, ps := range box.PictureParameterSets {
		cfg.PPS = append(cfg.PPS, ps.NALUnit)
	}
	return cfg, nil
}

// AVCDimensions reads the coded size from the first SPS.
func (c *AVCConfig) AVCDimensions() (int, int, error) {
	if len(c.SPS) == 0 {
		return 0, 0, fmt.Errorf("no SPS")
	}
	var sps h264.SPS
	if err := sps.Unmarshal(c.SPS[0]); err != nil {
		return 0, 0, fmt.Errorf("failed to parse SPS: %w", err)
	}
	return sps.Width(), sps.Height(), nil
}
