package mediatest

import (
	"bytes"

	gomp4 "github.com/abema/go-mp4"
)

// H264SPS is a 1920x1080 baseline parameter set.
var H264SPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
}

// H264PPS pairs with H264SPS.
var H264PPS = []byte{0x68, 0xce, 0x38, 0x80}

// AVCC builds an AVCDecoderConfigurationRecord for sps and pps with four
// byte NAL lengths.
func AVCC(sps, pps []byte) []byte {
	b := []byte{1, sps[1], sps[2], sps[3], 0xff, 0xe1}
	b = append(b, byte(len(sps)>>8), byte(len(sps)))
	b = append(b, sps...)
	b = append(b, 1, byte(len(pps)>>8), byte(len(pps)))
	return append(b, pps...)
}

// H265SPS is a 1920x1080 main profile sequence parameter set.
var H265SPS = []byte{
	0x42, 0x01, 0x01, 0x01, 0x60, 0x00, 0x00, 0x03,
	0x00, 0x90, 0x00, 0x00, 0x03, 0x00, 0x00, 0x03,
	0x00, 0x78, 0xa0, 0x03, 0xc0, 0x80, 0x10, 0xe5,
	0x96, 0x66, 0x69, 0x24, 0xca, 0xe0, 0x10, 0x00,
	0x00, 0x03, 0x00, 0x10, 0x00, 0x00, 0x03, 0x01,
	0xe0, 0x80,
}

// H265VPS and H265PPS are placeholder units that only carry a NAL header.
var (
	H265VPS = []byte{0x40, 0x01, 0x0c}
	H265PPS = []byte{0x44, 0x01, 0xc1}
)

// HVCC builds a main profile, level 4 HEVCDecoderConfigurationRecord with
// one array per parameter set and four byte NAL lengths.
func HVCC(vps, sps, pps []byte) []byte {
	box := &gomp4.HvcC{
		ConfigurationVersion: 1,
		GeneralProfileIdc:    1,
		GeneralLevelIdc:      120,
		Reserved1:            15,
		Reserved2:            63,
		Reserved3:            63,
		ChromaFormatIdc:      1,
		Reserved4:            31,
		Reserved5:            31,
		LengthSizeMinusOne:   3,
	}
	box.GeneralProfileCompatibility[1] = true
	box.GeneralProfileCompatibility[2] = true
	for _, ps := range []struct {
		typ  uint8
		nalu []byte
	}{{32, vps}, {33, sps}, {34, pps}} {
		box.NaluArrays = append(box.NaluArrays, gomp4.HEVCNaluArray{
			Completeness: true,
			NaluType:     ps.typ,
			NumNalus:     1,
			Nalus:        []gomp4.HEVCNalu{{Length: uint16(len(ps.nalu)), NALUnit: ps.nalu}},
		})
	}
	box.NumOfNaluArrays = uint8(len(box.NaluArrays))

	var buf bytes.Buffer
	if _, err := gomp4.Marshal(&buf, box, gomp4.Context{}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// AACLCStereo44100 is the AudioSpecificConfig of AAC-LC, 44.1 kHz, stereo.
var AACLCStereo44100 = []byte{0x12, 0x10}

// VPCC builds a vpcC payload (full box header included).
func VPCC(profile, level, bitDepth, chroma byte, fullRange bool, primaries, transfer, matrix byte) []byte {
	b := []byte{1, 0, 0, 0, profile, level, bitDepth<<4 | chroma<<1}
	if fullRange {
		b[6] |= 1
	}
	return append(b, primaries, transfer, matrix, 0, 0)
}

// NCLX builds a colr payload of colour type nclx.
func NCLX(primaries, transfer, matrix uint16, fullRange bool) []byte {
	b := []byte{'n', 'c', 'l', 'x',
		byte(primaries >> 8), byte(primaries),
		byte(transfer >> 8), byte(transfer),
		byte(matrix >> 8), byte(matrix), 0}
	if fullRange {
		b[10] = 0x80
	}
	return b
}
