package ffmpeg

import (
	"container/heap"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/decode"
	"github.com/babelcloud/gbox/packages/media/internal/media/mediatest"
)

var startCode = []byte{0, 0, 0, 1}

func TestAnnexB_ParamsOnKeyFrames(t *testing.T) {
	bs, err := newBitstream(decode.Config{
		Codec:       "avc1.42c028",
		Description: mediatest.AVCC(mediatest.H264SPS, mediatest.H264PPS),
	})
	require.NoError(t, err)
	assert.Equal(t, "h264", bs.Format())
	assert.Empty(t, bs.Header())

	nalu := []byte{0x65, 0x88, 0x84}
	sample := append([]byte{0, 0, 0, byte(len(nalu))}, nalu...)

	key, err := bs.Frame(&media.EncodedChunk{Type: media.ChunkKey, Data: sample})
	require.NoError(t, err)
	want := append(append(append(append(append([]byte{}, startCode...), mediatest.H264SPS...), startCode...), mediatest.H264PPS...), startCode...)
	want = append(want, nalu...)
	assert.Equal(t, want, key)

	delta, err := bs.Frame(&media.EncodedChunk{Type: media.ChunkDelta, Data: sample})
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, startCode...), nalu...), delta)
}

func TestAnnexB_HEVCParameterSets(t *testing.T) {
	bs, err := newBitstream(decode.Config{
		Codec:       "hvc1.1.6.L120",
		Description: mediatest.HVCC(mediatest.H265VPS, mediatest.H265SPS, mediatest.H265PPS),
	})
	require.NoError(t, err)
	assert.Equal(t, "hevc", bs.Format())

	nalu := []byte{0x26, 0x01, 0xaf}
	sample := append([]byte{0, 0, 0, byte(len(nalu))}, nalu...)
	key, err := bs.Frame(&media.EncodedChunk{Type: media.ChunkKey, Data: sample})
	require.NoError(t, err)

	var want []byte
	for _, ps := range [][]byte{mediatest.H265VPS, mediatest.H265SPS, mediatest.H265PPS, nalu} {
		want = append(append(want, startCode...), ps...)
	}
	assert.Equal(t, want, key)
}

func TestAnnexB_PassesThroughWithoutDescription(t *testing.T) {
	bs, err := newBitstream(decode.Config{Codec: "hev1.1.6.L93.B0"})
	require.NoError(t, err)
	assert.Equal(t, "hevc", bs.Format())

	data := []byte{0, 0, 1, 0x26, 0x01}
	out, err := bs.Frame(&media.EncodedChunk{Type: media.ChunkKey, Data: data})
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestIVF(t *testing.T) {
	bs, err := newBitstream(decode.Config{Codec: "vp09.00.31.08", CodedWidth: 640, CodedHeight: 360})
	require.NoError(t, err)
	assert.Equal(t, "ivf", bs.Format())

	h := bs.Header()
	require.Len(t, h, ivfHeaderSize)
	assert.Equal(t, "DKIF", string(h[0:4]))
	assert.Equal(t, uint16(ivfHeaderSize), binary.LittleEndian.Uint16(h[6:8]))
	assert.Equal(t, "VP90", string(h[8:12]))
	assert.Equal(t, uint16(640), binary.LittleEndian.Uint16(h[12:14]))
	assert.Equal(t, uint16(360), binary.LittleEndian.Uint16(h[14:16]))
	assert.Equal(t, uint32(1_000_000), binary.LittleEndian.Uint32(h[16:20]))

	frame, err := bs.Frame(&media.EncodedChunk{TimestampUs: 33_000, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(frame[0:4]))
	assert.Equal(t, uint64(33_000), binary.LittleEndian.Uint64(frame[4:12]))
	assert.Equal(t, []byte{1, 2, 3}, frame[12:])

	for codec, fourcc := range map[string]string{"vp8": "VP80", "av01.0.04M.08": "AV01"} {
		bs, err := newBitstream(decode.Config{Codec: codec})
		require.NoError(t, err)
		assert.Equal(t, fourcc, string(bs.Header()[8:12]))
	}
}

func TestNewBitstream_Unsupported(t *testing.T) {
	_, err := newBitstream(decode.Config{Codec: "theora"})
	assert.Error(t, err)

	_, err = newBitstream(decode.Config{Codec: "avc1.42c028", Description: []byte{1, 2}})
	assert.Error(t, err)
}

func TestPlatform_IsConfigSupported(t *testing.T) {
	p := NewPlatform("/nonexistent/ffmpeg")
	ctx := context.Background()
	assert.Equal(t, PlatformName, p.Name())

	ok, err := p.IsConfigSupported(ctx, decode.Config{MediaType: media.MediaTypeAudio, Codec: "opus"})
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.IsConfigSupported(ctx, decode.Config{MediaType: media.MediaTypeVideo, Codec: "theora", CodedWidth: 2, CodedHeight: 2})
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.IsConfigSupported(ctx, decode.Config{MediaType: media.MediaTypeVideo, Codec: "vp8"})
	assert.NoError(t, err)
	assert.False(t, ok, "size is required")

	ok, err = p.IsConfigSupported(ctx, decode.Config{MediaType: media.MediaTypeVideo, Codec: "vp8", CodedWidth: 2, CodedHeight: 2})
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestTimestampHeap(t *testing.T) {
	var h timestampHeap
	// decode order of an IBBP group
	for _, us := range []int64{0, 120, 40, 80, 240, 160, 200} {
		heap.Push(&h, pts{us: us})
	}
	var got []int64
	for h.Len() > 0 {
		got = append(got, heap.Pop(&h).(pts).us)
	}
	assert.Equal(t, []int64{0, 40, 80, 120, 160, 200, 240}, got)
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("hello "))
	_, _ = b.Write([]byte("world"))
	assert.Equal(t, "lo world", b.String())
}
