package ffmpeg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/codecs"
	"github.com/babelcloud/gbox/packages/media/internal/media/decode"
)

// bitstream turns encoded chunks into a byte stream ffmpeg can read from a
// pipe without a container index.
type bitstream interface {
	// Format is the ffmpeg demuxer name for the stream.
	Format() string
	Header() []byte
	Frame(c *media.EncodedChunk) ([]byte, error)
}

func codecFamily(codec string) string {
	family, _, _ := strings.Cut(codec, ".")
	return family
}

func newBitstream(cfg decode.Config) (bitstream, error) {
	switch family := codecFamily(cfg.Codec); family {
	case "avc1", "avc3":
		return newAnnexB("h264", family, cfg.Description)
	case "hev1", "hvc1":
		return newAnnexB("hevc", family, cfg.Description)
	case "vp8":
		return newIVF("VP80", cfg), nil
	case "vp09":
		return newIVF("VP90", cfg), nil
	case "av01":
		return newIVF("AV01", cfg), nil
	default:
		return nil, fmt.Errorf("no raw bitstream for codec %q", cfg.Codec)
	}
}

// annexB rewrites length-prefixed samples as start-code delimited access
// units and repeats the parameter sets in front of every key frame.
type annexB struct {
	format     string
	lengthSize int
	params     [][]byte
}

func newAnnexB(format, family string, description []byte) (*annexB, error) {
	b := &annexB{format: format}
	if len(description) == 0 {
		// samples already carry start codes
		return b, nil
	}
	switch family {
	case "avc1", "avc3":
		cfg, err := codecs.ParseAVCConfig(description)
		if err != nil {
			return nil, err
		}
		b.lengthSize = cfg.LengthSize
		b.params = append(append(b.params, cfg.SPS...), cfg.PPS...)
	default:
		cfg, err := codecs.ParseHEVCConfig(description)
		if err != nil {
			return nil, err
		}
		b.lengthSize = cfg.LengthSize
		b.params = append(append(append(b.params, cfg.VPS...), cfg.SPS...), cfg.PPS...)
	}
	return b, nil
}

func (b *annexB) Format() string { return b.format }
func (b *annexB) Header() []byte { return nil }

func (b *annexB) Frame(c *media.EncodedChunk) ([]byte, error) {
	if b.lengthSize == 0 {
		return c.Data, nil
	}
	var params [][]byte
	if c.IsKey() {
		params = b.params
	}
	return codecs.ToAnnexB(c.Data, b.lengthSize, params...)
}

const (
	ivfHeaderSize      = 32
	ivfFrameHeaderSize = 12
)

// ivf frames VP8, VP9 and AV1 chunks. Frame timestamps are microseconds.
type ivf struct {
	fourcc        string
	width, height int
}

func newIVF(fourcc string, cfg decode.Config) *ivf {
	return &ivf{fourcc: fourcc, width: cfg.CodedWidth, height: cfg.CodedHeight}
}

func (v *ivf) Format() string { return "ivf" }

func (v *ivf) Header() []byte {
	var buf bytes.Buffer
	buf.WriteString("DKIF")
	_ = binary.Write(&buf, binary.LittleEndian, uint16(0))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(ivfHeaderSize))
	buf.WriteString(v.fourcc)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(v.width))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(v.height))
	// 1/1000000 time base
	_ = binary.Write(&buf, binary.LittleEndian, uint32(1_000_000))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))
	return buf.Bytes()
}

func (v *ivf) Frame(c *media.EncodedChunk) ([]byte, error) {
	out := make([]byte, ivfFrameHeaderSize+len(c.Data))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(c.Data)))
	binary.LittleEndian.PutUint64(out[4:12], uint64(c.TimestampUs))
	copy(out[ivfFrameHeaderSize:], c.Data)
	return out, nil
}
