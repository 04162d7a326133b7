package mp4

import (
	"strings"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/bits"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/codecs"
)

const (
	handlerVideo = "vide"
	handlerAudio = "soun"
)

// mpeg-1/2 audio object types in esds
const (
	objectTypeMPEG2Audio = 0x69
	objectTypeMPEG1Audio = 0x6B
)

// reduceMetadata builds the container metadata from the walked movie,
// using the first video and first audio track.
func reduceMetadata(mov *movie) (*media.MediaContainerMetadata, error) {
	meta := &media.MediaContainerMetadata{Type: media.ContainerMP4}

	if mov.timescale > 0 {
		meta.Duration = float64(mov.duration) / float64(mov.timescale)
	}

	for _, t := range mov.tracks {
		switch t.handler {
		case handlerVideo:
			if meta.Video != nil {
				continue
			}
			v, err := videoMetadata(mov, t)
			if err != nil {
				return nil, err
			}
			meta.Video = v
		case handlerAudio:
			if meta.Audio != nil {
				continue
			}
			meta.Audio = audioMetadata(mov, t)
		}
	}

	if meta.Video == nil && meta.Audio == nil {
		return nil, errors.Wrap(media.ErrMissingTrack, "no audio or video track")
	}
	if meta.Duration == 0 {
		if meta.Video != nil {
			meta.Duration = meta.Video.Duration
		}
		if meta.Audio != nil && meta.Audio.Duration > meta.Duration {
			meta.Duration = meta.Audio.Duration
		}
	}
	return meta, nil
}

// trackDuration prefers mdhd, then tkhd, then the summed sample durations.
func trackDuration(mov *movie, t *track) float64 {
	if t.mdhdDuration > 0 && t.timescale > 0 {
		return float64(t.mdhdDuration) / float64(t.timescale)
	}
	if t.tkhdDuration > 0 && mov.timescale > 0 {
		return float64(t.tkhdDuration) / float64(mov.timescale)
	}
	if t.timescale > 0 {
		return float64(t.sampleDuration()) / float64(t.timescale)
	}
	return 0
}

func videoMetadata(mov *movie, t *track) (*media.VideoMetadata, error) {
	e := t.entry
	if e == nil || e.configType == "" {
		return nil, errors.Wrapf(media.ErrUnsupportedFormat, "track %d has no decoder config", t.id)
	}

	v := &media.VideoMetadata{
		ID:          int(t.id),
		Duration:    trackDuration(mov, t),
		CodedWidth:  e.width,
		CodedHeight: e.height,
		Description: e.config,
		Matrix:      media.UnpackMatrix(t.matrix),
		Track:       t,
	}
	if t.matrix == ([9]int32{}) {
		v.Matrix = media.UnpackMatrix(media.IdentityMatrix)
	}
	v.Rotation = media.Rotation(v.Matrix)
	if v.CodedWidth == 0 || v.CodedHeight == 0 {
		v.CodedWidth, v.CodedHeight = t.tkhdWidth, t.tkhdHeight
	}
	if v.Duration > 0 {
		v.FPS = float64(len(t.samples)) / v.Duration
	}

	var err error
	var vpcC *codecs.VPCodecConfig
	switch e.configType {
	case "avcC":
		v.Codec, err = codecs.AVCCodecString(avcEntry(e.boxType), e.config)
		if err == nil && (v.CodedWidth == 0 || v.CodedHeight == 0) {
			if cfg, perr := codecs.ParseAVCConfig(e.config); perr == nil {
				v.CodedWidth, v.CodedHeight, _ = cfg.AVCDimensions()
			}
		}
	case "hvcC":
		v.Codec, err = codecs.HEVCCodecString(hevcEntry(e.boxType), e.config)
		if err == nil && (v.CodedWidth == 0 || v.CodedHeight == 0) {
			if cfg, perr := codecs.ParseHEVCConfig(e.config); perr == nil {
				v.CodedWidth, v.CodedHeight, _ = cfg.HEVCDimensions()
			}
		}
	case "vpcC":
		vpcC, err = codecs.ParseVPCodecConfig(e.config)
		if err == nil {
			v.Codec = vpcC.CodecString()
		}
	case "av1C":
		v.Codec, err = codecs.AV1CodecString(e.config)
	}
	if err != nil {
		return nil, errors.Wrapf(media.ErrUnsupportedFormat, "track %d: %v", t.id, err)
	}
	if strings.HasPrefix(v.Codec, "vp08") || e.boxType == "vp08" {
		v.Codec = "vp8"
	}

	v.ColorSpace = colrColorSpace(e.colr)
	if v.ColorSpace == nil && vpcC != nil {
		v.ColorSpace = vpcC.ColorSpace()
	}
	return v, nil
}

func avcEntry(boxType string) string {
	if boxType == "avc3" {
		return "avc3"
	}
	return "avc1"
}

func hevcEntry(boxType string) string {
	if boxType == "hev1" {
		return "hev1"
	}
	return "hvc1"
}

// colrColorSpace maps an nclx colr box, or the QuickTime nclc variant
// that go-mp4 leaves undecoded, to a colour space.
func colrColorSpace(c *gomp4.Colr) *media.ColorSpace {
	if c == nil {
		return nil
	}
	switch string(c.ColourType[:]) {
	case "nclx":
		full := c.FullRangeFlag
		return codecs.ColorSpace(int(c.ColourPrimaries), int(c.TransferCharacteristics), int(c.MatrixCoefficients), &full)
	case "nclc":
		pos := 0
		var v [3]int
		for i := range v {
			n, err := bits.ReadBits(c.Unknown, &pos, 16)
			if err != nil {
				return nil
			}
			v[i] = int(n)
		}
		return codecs.ColorSpace(v[0], v[1], v[2], nil)
	}
	return nil
}

func audioMetadata(mov *movie, t *track) *media.AudioMetadata {
	a := &media.AudioMetadata{
		ID:       int(t.id),
		Duration: trackDuration(mov, t),
		Track:    t,
	}
	e := t.entry
	if e == nil {
		return a
	}
	a.Codec = audioCodec(e.boxType)
	a.SampleRate = e.sampleRate
	a.NumberOfChannels = e.channels

	if e.boxType != "mp4a" {
		return a
	}
	switch e.esdsObjectType {
	case objectTypeMPEG2Audio, objectTypeMPEG1Audio:
		a.Codec = "mp3"
		return a
	}
	a.Codec = codecs.DefaultAACCodec
	if len(e.asc) > 0 {
		if cfg, err := codecs.ParseAudioSpecificConfig(e.asc); err == nil {
			a.Codec = cfg.CodecString()
			if cfg.SampleRate > 0 {
				a.SampleRate = cfg.SampleRate
			}
			if cfg.ChannelCount > 0 {
				a.NumberOfChannels = cfg.ChannelCount
			}
		}
		a.Description = e.asc
	}
	return a
}

func audioCodec(boxType string) string {
	switch boxType {
	case "Opus":
		return "opus"
	case "fLaC":
		return "flac"
	case ".mp3":
		return "mp3"
	default:
		return boxType
	}
}
