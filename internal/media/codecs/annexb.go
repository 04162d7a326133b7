package codecs

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// SplitLengthPrefixed splits an AVCC/HVCC sample into NAL units. lengthSize
// is the NALU length field size from the decoder config (1, 2 or 4).
func SplitLengthPrefixed(sample []byte, lengthSize int) ([][]byte, error) {
	if lengthSize < 1 || lengthSize > 4 {
		return nil, fmt.Errorf("invalid NALU length size %d", lengthSize)
	}
	var nalus [][]byte
	for pos := 0; pos < len(sample); {
		if pos+lengthSize > len(sample) {
			return nil, fmt.Errorf("truncated NALU length at %d", pos)
		}
		n := 0
		for i := 0; i < lengthSize; i++ {
			n = n<<8 | int(sample[pos+i])
		}
		pos += lengthSize
		if n > len(sample)-pos {
			return nil, fmt.Errorf("NALU length %d exceeds sample", n)
		}
		if n > 0 {
			nalus = append(nalus, sample[pos:pos+n])
		}
		pos += n
	}
	return nalus, nil
}

// ToAnnexB converts a length-prefixed sample into an Annex-B access unit,
// optionally prefixed with parameter sets.
func ToAnnexB(sample []byte, lengthSize int, paramSets ...[]byte) ([]byte, error) {
	nalus, err := SplitLengthPrefixed(sample, lengthSize)
	if err != nil {
		return nil, err
	}
	au := make(h264.AnnexB, 0, len(paramSets)+len(nalus))
	for _, ps := range paramSets {
		if len(ps) > 0 {
			au = append(au, ps)
		}
	}
	au = append(au, nalus...)
	if len(au) == 0 {
		return nil, nil
	}
	return au.Marshal()
}
