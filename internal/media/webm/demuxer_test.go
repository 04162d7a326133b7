package webm

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/mediatest"
	"github.com/babelcloud/gbox/packages/media/internal/media/source"
)

const frameMs = 33

func vp9Track(priv []byte, defaultDuration uint64) webm.TrackEntry {
	return webm.TrackEntry{
		Name:            "Video",
		TrackNumber:     1,
		TrackUID:        1,
		CodecID:         "V_VP9",
		CodecPrivate:    priv,
		TrackType:       1,
		DefaultDuration: defaultDuration,
		Video:           &webm.Video{PixelWidth: 640, PixelHeight: 360},
	}
}

func opusTrack() webm.TrackEntry {
	return webm.TrackEntry{
		Name:            "Audio",
		TrackNumber:     2,
		TrackUID:        2,
		CodecID:         "A_OPUS",
		CodecDelay:      6500000,
		TrackType:       2,
		DefaultDuration: 20000000,
		Audio:           &webm.Audio{SamplingFrequency: 48000.0, Channels: 2},
	}
}

// vp9Frames returns n video frames 33 ms apart with a key frame every 30.
func vp9Frames(n, profile, bitDepth int) []mediatest.WebMFrame {
	frames := make([]mediatest.WebMFrame, n)
	for i := range frames {
		f := mediatest.WebMFrame{Track: 0, TimestampMs: int64(i * frameMs)}
		if i%30 == 0 {
			f.Key = true
			f.Data = mediatest.VP9KeyFrame(profile, bitDepth, 640, 360)
		} else {
			f.Data = mediatest.VP9InterFrame(i)
		}
		frames[i] = f
	}
	return frames
}

// interleave merges video frames with 20 ms opus frames covering ms.
func interleave(video []mediatest.WebMFrame, ms int) []mediatest.WebMFrame {
	var out []mediatest.WebMFrame
	a := 0
	for _, v := range video {
		for ; a*20 <= int(v.TimestampMs) && a*20 < ms; a++ {
			out = append(out, mediatest.WebMFrame{Track: 1, Key: true, TimestampMs: int64(a * 20), Data: []byte{0xfc, byte(a)}})
		}
		out = append(out, v)
	}
	for ; a*20 < ms; a++ {
		out = append(out, mediatest.WebMFrame{Track: 1, Key: true, TimestampMs: int64(a * 20), Data: []byte{0xfc, byte(a)}})
	}
	return out
}

func openDemuxer(t *testing.T, data []byte) *Demuxer {
	t.Helper()
	r, err := source.Bytes(data).Open(context.Background())
	require.NoError(t, err)
	return NewDemuxer(r, 0)
}

func collect(ctx context.Context, s *media.ChunkStream) ([]*media.EncodedChunk, error) {
	var out []*media.EncodedChunk
	for {
		c, err := s.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}

func run(t *testing.T, d *Demuxer, streams ...*media.ChunkStream) [][]*media.EncodedChunk {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := make([][]*media.EncodedChunk, len(streams))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Start(gctx) })
	for i, s := range streams {
		i, s := i, s
		g.Go(func() error {
			chunks, err := collect(gctx, s)
			results[i] = chunks
			return err
		})
	}
	require.NoError(t, g.Wait())
	return results
}

func TestDemuxer_VP9WithoutCodecPrivate(t *testing.T) {
	data, err := mediatest.BuildWebM(
		[]webm.TrackEntry{vp9Track(nil, 0), opusTrack()}, 0,
		interleave(vp9Frames(90, 2, 10), 3000))
	require.NoError(t, err)

	d := openDemuxer(t, data)
	defer d.Stop()
	meta, err := d.Init(context.Background())
	require.NoError(t, err)

	assert.Equal(t, media.ContainerWebM, meta.Type)
	// no segment duration: the running end of the last opus frame
	assert.InDelta(t, 3.0, meta.Duration, 0.0001)

	require.NotNil(t, meta.Video)
	assert.Regexp(t, `^vp09\.\d{2}\.\d{2}\.\d{2}$`, meta.Video.Codec)
	assert.Equal(t, "vp09.02.21.10", meta.Video.Codec)
	assert.Equal(t, 640, meta.Video.CodedWidth)
	assert.Equal(t, 360, meta.Video.CodedHeight)
	assert.InDelta(t, 1000.0/frameMs, meta.Video.FPS, 0.001)
	assert.Equal(t, 0.0, meta.Video.Rotation)

	require.NotNil(t, meta.Audio)
	assert.Equal(t, "opus", meta.Audio.Codec)
	assert.Equal(t, 48000, meta.Audio.SampleRate)
	assert.Equal(t, 2, meta.Audio.NumberOfChannels)
	require.NotNil(t, meta.Audio.CodecDelay)
	assert.Equal(t, int64(6500), *meta.Audio.CodecDelay)

	vs, err := d.GetChunkStream(meta.Video, media.FullWindow)
	require.NoError(t, err)
	as, err := d.GetChunkStream(meta.Audio, media.FullWindow)
	require.NoError(t, err)
	res := run(t, d, vs, as)

	require.Len(t, res[0], 90)
	require.Len(t, res[1], 150)
	for i, c := range res[0] {
		assert.Equal(t, int64(i*frameMs*1000), c.TimestampUs)
		assert.Equal(t, i%30 == 0, c.IsKey(), "frame %d", i)
		assert.Equal(t, 640, c.CodedWidth)
	}
	assert.Equal(t, int64(20_000), res[1][1].TimestampUs)
	assert.Equal(t, int64(20_000), res[1][1].DurationUs)
}

func TestDemuxer_ResolvesBeforeStreamEnd(t *testing.T) {
	priv := []byte{1, 1, 0, 2, 1, 31, 3, 1, 8}
	data, err := mediatest.BuildWebM(
		[]webm.TrackEntry{vp9Track(priv, 40_000_000)}, 10_000,
		vp9Frames(300, 0, 8))
	require.NoError(t, err)

	d := openDemuxer(t, data)
	defer d.Stop()
	meta, err := d.Init(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 10.0, meta.Duration, 0.0001)
	assert.Equal(t, "vp09.00.31.08", meta.Video.Codec)
	assert.InDelta(t, 25.0, meta.Video.FPS, 0.0001)
	assert.Nil(t, meta.Audio)
	assert.False(t, d.ended)
	assert.Empty(t, d.backlog)

	vs, err := d.GetChunkStream(meta.Video, media.FullWindow)
	require.NoError(t, err)
	res := run(t, d, vs)
	assert.Len(t, res[0], 300)
}

func TestDemuxer_Window(t *testing.T) {
	data, err := mediatest.BuildWebM(
		[]webm.TrackEntry{vp9Track(nil, 0)}, 0, vp9Frames(120, 0, 8))
	require.NoError(t, err)

	d := openDemuxer(t, data)
	defer d.Stop()
	meta, err := d.Init(context.Background())
	require.NoError(t, err)

	vs, err := d.GetChunkStream(meta.Video, media.WindowSeconds(1, 2))
	require.NoError(t, err)
	chunks := run(t, d, vs)[0]

	// keys at 0, 990, 1980 and 2970 ms
	require.Len(t, chunks, 61)
	assert.Equal(t, int64(990_000), chunks[0].TimestampUs)
	assert.True(t, chunks[0].IsKey())
	last := chunks[len(chunks)-1]
	assert.True(t, last.IsKey())
	assert.Equal(t, int64(2_970_000), last.TimestampUs)
	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i].TimestampUs, chunks[i-1].TimestampUs)
	}
}

func TestDemuxer_AVC(t *testing.T) {
	avcC := mediatest.AVCC(mediatest.H264SPS, mediatest.H264PPS)
	track := webm.TrackEntry{
		Name:            "Video",
		TrackNumber:     1,
		TrackUID:        1,
		CodecID:         "V_MPEG4/ISO/AVC",
		CodecPrivate:    avcC,
		TrackType:       1,
		DefaultDuration: 33333333,
		Video:           &webm.Video{PixelWidth: 1920, PixelHeight: 1080},
	}
	data, err := mediatest.BuildWebM([]webm.TrackEntry{track}, 1000, []mediatest.WebMFrame{
		{Track: 0, Key: true, TimestampMs: 0, Data: []byte{0, 0, 0, 1, 0x65}},
		{Track: 0, TimestampMs: 33, Data: []byte{0, 0, 0, 1, 0x41}},
	})
	require.NoError(t, err)

	d := openDemuxer(t, data)
	defer d.Stop()
	meta, err := d.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "avc1.42c028", meta.Video.Codec)
	assert.Equal(t, avcC, meta.Video.Description)
	assert.InDelta(t, 1.0, meta.Duration, 0.0001)
}

func TestDemuxer_UnsupportedVideoCodec(t *testing.T) {
	track := webm.TrackEntry{
		Name: "Video", TrackNumber: 1, TrackUID: 1, CodecID: "V_THEORA", TrackType: 1,
		DefaultDuration: 40_000_000,
		Video:           &webm.Video{PixelWidth: 320, PixelHeight: 240},
	}
	data, err := mediatest.BuildWebM([]webm.TrackEntry{track}, 40, []mediatest.WebMFrame{
		{Track: 0, Key: true, Data: []byte{1}},
	})
	require.NoError(t, err)

	d := openDemuxer(t, data)
	defer d.Stop()
	_, err = d.Init(context.Background())
	assert.ErrorIs(t, err, media.ErrUnsupportedFormat)
}

func TestDemuxer_GetChunkStreamErrors(t *testing.T) {
	data, err := mediatest.BuildWebM([]webm.TrackEntry{vp9Track(nil, 0)}, 0, vp9Frames(10, 0, 8))
	require.NoError(t, err)

	d := openDemuxer(t, data)
	defer d.Stop()
	_, err = d.GetChunkStream(&media.VideoMetadata{ID: 1}, media.FullWindow)
	assert.ErrorIs(t, err, media.ErrNotInitialized)

	_, err = d.Init(context.Background())
	require.NoError(t, err)
	_, err = d.GetChunkStream(&media.VideoMetadata{ID: 1}, media.FullWindow)
	assert.ErrorIs(t, err, media.ErrMissingTrack)
}

func TestDemuxer_StopCancelsStreams(t *testing.T) {
	data, err := mediatest.BuildWebM([]webm.TrackEntry{vp9Track(nil, 33_000_000)}, 0, vp9Frames(600, 0, 8))
	require.NoError(t, err)

	d := openDemuxer(t, data)
	meta, err := d.Init(context.Background())
	require.NoError(t, err)
	vs, err := d.GetChunkStream(meta.Video, media.FullWindow)
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- d.Start(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = vs.Recv(ctx)
	require.NoError(t, err)
	d.Stop()

	for {
		if _, err := vs.Recv(ctx); err != nil {
			assert.ErrorIs(t, err, media.ErrStreamCancelled)
			break
		}
	}
	assert.NoError(t, <-started)
}

func TestChunkExtractor_LacingAndScales(t *testing.T) {
	x := newChunkExtractor()
	x.setInfo(&info{TimecodeScale: 500_000})
	x.setTracks(&tracks{TrackEntry: []trackEntry{
		{TrackNumber: 1, TrackType: trackTypeAudio, CodecID: "A_OPUS", DefaultDuration: 20_000_000, TrackTimestampScale: 2},
	}})
	x.clusterTicks = 1000

	_, chunks := x.blockChunks(tag{
		kind:   tagBlock,
		simple: true,
		block: &ebml.Block{
			TrackNumber: 1,
			Timecode:    10,
			Keyframe:    true,
			Lacing:      ebml.LacingXiph,
			Data:        [][]byte{{1}, {2}, {3}},
		},
	})
	require.Len(t, chunks, 3)
	// (1000 + 10*2) ticks of 0.5 ms
	assert.Equal(t, int64(510_000), chunks[0].TimestampUs)
	assert.Equal(t, int64(530_000), chunks[1].TimestampUs)
	assert.Equal(t, int64(550_000), chunks[2].TimestampUs)
	for _, c := range chunks {
		assert.True(t, c.IsKey())
		assert.Equal(t, media.MediaTypeAudio, c.MediaType)
	}
}

func TestDemuxer_TrackTimestampScale(t *testing.T) {
	var frames []mediatest.WebMFrame
	for i := 0; i < 10; i++ {
		frames = append(frames, mediatest.WebMFrame{Key: true, TimestampMs: int64(i * 10), Data: []byte{0xfc, byte(i)}})
	}
	data, err := mediatest.BuildScaledWebM([]mediatest.ScaledTrack{{
		Name:                "Audio",
		TrackNumber:         1,
		TrackUID:            1,
		CodecID:             "A_OPUS",
		TrackType:           2,
		DefaultDuration:     20_000_000,
		TrackTimestampScale: 2,
		Audio:               &webm.Audio{SamplingFrequency: 48000.0, Channels: 2},
	}}, 0, frames)
	require.NoError(t, err)

	d := openDemuxer(t, data)
	meta, err := d.Init(context.Background())
	require.NoError(t, err)
	require.NotNil(t, meta.Audio)
	assert.Nil(t, meta.Video)
	assert.Equal(t, "opus", meta.Audio.Codec)

	s, err := d.GetChunkStream(meta.Audio, media.FullWindow)
	require.NoError(t, err)
	chunks := run(t, d, s)[0]
	require.Len(t, chunks, 10)
	for i, c := range chunks {
		// (cluster 0 + block i*10 * track scale 2) ticks of 1 ms
		assert.Equal(t, int64(i*20_000), c.TimestampUs, "chunk %d", i)
		assert.Equal(t, int64(20_000), c.DurationUs)
		assert.Equal(t, byte(i), c.Data[1])
	}
	assert.InDelta(t, 0.2, meta.Duration, 1e-9)
}

func TestChunkExtractor_BlockGroupKeys(t *testing.T) {
	x := newChunkExtractor()
	x.setTracks(&tracks{TrackEntry: []trackEntry{
		{TrackNumber: 1, TrackType: trackTypeVideo, CodecID: "V_VP8", Video: &video{PixelWidth: 64, PixelHeight: 48}},
	}})

	_, key := x.blockChunks(tag{kind: tagBlock, block: &ebml.Block{TrackNumber: 1, Data: [][]byte{{1}}}, blockDuration: 40})
	require.Len(t, key, 1)
	assert.True(t, key[0].IsKey())
	assert.Equal(t, int64(40_000), key[0].DurationUs)
	assert.Equal(t, 64, key[0].CodedWidth)

	_, delta := x.blockChunks(tag{kind: tagBlock, block: &ebml.Block{TrackNumber: 1, Timecode: 40, Data: [][]byte{{2}}}, referenced: true})
	require.Len(t, delta, 1)
	assert.False(t, delta[0].IsKey())

	e, none := x.blockChunks(tag{kind: tagBlock, block: &ebml.Block{TrackNumber: 9, Data: [][]byte{{3}}}})
	assert.Nil(t, e)
	assert.Empty(t, none)
}

func TestParseVP9CodecPrivate(t *testing.T) {
	f := parseVP9CodecPrivate([]byte{1, 1, 2, 2, 1, 40, 3, 1, 10, 4, 1, 1})
	assert.True(t, f.known)
	assert.Equal(t, 2, f.profile)
	assert.Equal(t, 40, f.level)
	assert.Equal(t, 10, f.bitDepth)

	assert.False(t, parseVP9CodecPrivate(nil).known)
	assert.False(t, parseVP9CodecPrivate([]byte{1, 1, 0}).known)
	assert.False(t, parseVP9CodecPrivate([]byte{1, 5, 0}).known)
}

func TestCodecTable(t *testing.T) {
	family, ok := CodecFamily("V_MPEGH/ISO/HEVC")
	require.True(t, ok)
	assert.Equal(t, "hev1", family)

	id, ok := CodecID("vp09.00.10.08")
	require.True(t, ok)
	assert.Equal(t, "V_VP9", id)

	id, ok = CodecID("mp4a.40.2")
	require.True(t, ok)
	assert.Equal(t, "A_AAC", id)

	_, ok = CodecFamily("S_TEXT/UTF8")
	assert.False(t, ok)
}

func TestMetadataExtractor_BestEffortAtEnd(t *testing.T) {
	m := &metadataExtractor{}
	m.setInfo(&info{TimecodeScale: defaultTimecodeScale})
	m.setTracks(&tracks{TrackEntry: []trackEntry{
		{TrackNumber: 1, TrackType: trackTypeVideo, CodecID: "V_VP9", Video: &video{PixelWidth: 1280, PixelHeight: 720}},
	}})
	assert.False(t, m.resolvable())

	// only inter frames and an invisible one
	e := m.video
	m.observe(e, []*media.EncodedChunk{{Type: media.ChunkDelta, TimestampUs: 0, Data: []byte{0x86}}}, false)
	m.observe(e, []*media.EncodedChunk{{Type: media.ChunkDelta, TimestampUs: 10_000, Data: []byte{0x86}}}, true)
	assert.True(t, m.fpsPending)
	m.observe(e, []*media.EncodedChunk{{Type: media.ChunkDelta, TimestampUs: 40_000, Data: []byte{0x86}}}, false)
	assert.False(t, m.fpsPending)
	assert.InDelta(t, 25.0, m.fps, 0.0001)
	assert.True(t, m.vp9Pending)

	meta, err := m.build()
	require.NoError(t, err)
	assert.Equal(t, "vp09.00.31.08", meta.Video.Codec)
	assert.InDelta(t, 0.04, meta.Duration, 0.0001)
}
