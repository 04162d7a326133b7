package codecs

import (
	"fmt"
	"strings"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

func unmarshalHvcC(hvcC []byte) (*gomp4.HvcC, error) {
	box := &gomp4.HvcC{}
	if err := unmarshalBox(hvcC, box); err != nil {
		return nil, fmt.Errorf("invalid hvcC: %w", err)
	}
	return box, nil
}

// HEVCCodecString builds "<entry>.<space><profile>.<compat>.<tier><level>[.<constraints>]"
// from an hvcC record, entry being hvc1 or hev1.
func HEVCCodecString(entry string, hvcC []byte) (string, error) {
	box, err := unmarshalHvcC(hvcC)
	if err != nil {
		return "", err
	}
	if entry == "" {
		entry = "hvc1"
	}

	// compatibility flag i is bit i of the printed value
	var compat uint32
	for i, set := range box.GeneralProfileCompatibility {
		if set {
			compat |= 1 << uint(i)
		}
	}

	var sb strings.Builder
	sb.WriteString(entry)
	sb.WriteByte('.')
	if box.GeneralProfileSpace > 0 {
		sb.WriteByte("ABC"[box.GeneralProfileSpace-1])
	}
	fmt.Fprintf(&sb, "%d.%X.", box.GeneralProfileIdc, compat)
	if box.GeneralTierFlag {
		sb.WriteByte('H')
	} else {
		sb.WriteByte('L')
	}
	fmt.Fprintf(&sb, "%d", box.GeneralLevelIdc)

	constraints := box.GeneralConstraintIndicator[:]
	last := len(constraints)
	for last > 0 && constraints[last-1] == 0 {
		last--
	}
	for _, b := range constraints[:last] {
		fmt.Fprintf(&sb, ".%X", b)
	}
	return sb.String(), nil
}

// HEVCConfig is the parameter set content of an hvcC record.
type HEVCConfig struct {
	LengthSize int
	VPS        [][]byte
	SPS        [][]byte
	PPS        [][]byte
}

// ParseHEVCConfig splits an hvcC record into its parameter set arrays.
func ParseHEVCConfig(hvcC []byte) (*HEVCConfig, error) {
	box, err := unmarshalHvcC(hvcC)
	if err != nil {
		return nil, err
	}
	cfg := &HEVCConfig{LengthSize: int(box.LengthSizeMinusOne) + 1}
	for _, arr := range box.NaluArrays {
		sets := make([][]byte, 0, len(arr.Nalus))
		for _, n := range arr.Nalus {
			sets = append(sets, n.NALUnit)
		}
		switch h265.NALUType(arr.NaluType) {
		case h265.NALUType_VPS_NUT:
			cfg.VPS = append(cfg.VPS, sets...)
		case h265.NALUType_SPS_NUT:
			cfg.SPS = append(cfg.SPS, sets...)
		case h265.NALUType_PPS_NUT:
			cfg.PPS = append(cfg.PPS, sets...)
		}
	}
	return cfg, nil
}

// HEVCDimensions reads the coded size from the first SPS.
func (c *HEVCConfig) HEVCDimensions() (int, int, error) {
	if len(c.SPS) == 0 {
		return 0, 0, fmt.Errorf("no SPS")
	}
	var sps h265.SPS
	if err := sps.Unmarshal(c.SPS[0]); err != nil {
		return 0, 0, fmt.Errorf("failed to parse SPS: %w", err)
	}
	return sps.Width(), sps.Height(), nil
}
