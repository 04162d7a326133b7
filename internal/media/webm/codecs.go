package webm

import (
	"fmt"
	"strings"

	"github.com/vishalkuo/bimap"

	"github.com/babelcloud/gbox/packages/media/internal/media/codecs"
)

// codecIDs maps Matroska CodecIDs to codec families.
var codecIDs = func() *bimap.BiMap[string, string] {
	m := bimap.NewBiMap[string, string]()
	m.Insert("A_OPUS", "opus")
	m.Insert("A_VORBIS", "vorbis")
	m.Insert("A_AAC", "mp4a")
	m.Insert("V_VP8", "vp8")
	m.Insert("V_VP9", "vp09")
	m.Insert("V_AV1", "av01")
	m.Insert("V_MPEG4/ISO/AVC", "avc1")
	m.Insert("V_MPEGH/ISO/HEVC", "hev1")
	return m
}()

// CodecFamily returns the codec family of a Matroska CodecID.
func CodecFamily(codecID string) (string, bool) {
	return codecIDs.Get(codecID)
}

// CodecID returns the Matroska CodecID of a codec string, matching on its
// family prefix.
func CodecID(codec string) (string, bool) {
	family, _, _ := strings.Cut(codec, ".")
	return codecIDs.GetInverse(family)
}

// vp9Features holds the VP9 CodecPrivate feature list.
type vp9Features struct {
	profile  int
	level    int
	bitDepth int
	known    bool
}

// VP9 CodecPrivate feature ids
const (
	vp9FeatureProfile  = 1
	vp9FeatureLevel    = 2
	vp9FeatureBitDepth = 3
)

// parseVP9CodecPrivate reads id/length/value triples. Profile and bit
// depth are required for the result to count as known.
func parseVP9CodecPrivate(priv []byte) vp9Features {
	var f vp9Features
	hasProfile, hasDepth := false, false
	for i := 0; i+2 <= len(priv); {
		id, n := priv[i], int(priv[i+1])
		i += 2
		if n == 0 || i+n > len(priv) {
			break
		}
		v := int(priv[i])
		switch id {
		case vp9FeatureProfile:
			f.profile, hasProfile = v, true
		case vp9FeatureLevel:
			f.level = v
		case vp9FeatureBitDepth:
			f.bitDepth, hasDepth = v, true
		}
		i += n
	}
	f.known = hasProfile && hasDepth
	return f
}

// videoCodecString builds the codec string for codec families whose string
// is complete once the track header is read. VP9 is handled by the
// metadata extractor.
func videoCodecString(family string, priv []byte) (string, error) {
	switch family {
	case "vp8":
		return "vp8", nil
	case "avc1":
		return codecs.AVCCodecString("avc1", priv)
	case "hev1":
		return codecs.HEVCCodecString("hev1", priv)
	case "av01":
		if len(priv) == 0 {
			return "", fmt.Errorf("av1 track without CodecPrivate")
		}
		return codecs.AV1CodecString(priv)
	}
	return "", fmt.Errorf("unsupported video codec family %q", family)
}
