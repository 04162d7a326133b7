package demux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/mediatest"
	"github.com/babelcloud/gbox/packages/media/internal/media/source"
)

func mp4Fixture(t *testing.T) []byte {
	t.Helper()
	video := &mediatest.Track{
		ID:        1,
		Handler:   "vide",
		Timescale: 1000,
		Entry: mediatest.AVC1Entry(1280, 720,
			mediatest.AVCC(mediatest.H264SPS, mediatest.H264PPS), nil),
	}
	for i := 0; i < 50; i++ {
		video.Samples = append(video.Samples, mediatest.Sample{
			Data: []byte{byte(i)}, Duration: 40, Sync: i%25 == 0,
		})
	}
	data, err := mediatest.BuildMP4(mediatest.MP4Options{Timescale: 1000, Duration: 2000, MoovFirst: true}, video)
	require.NoError(t, err)
	return data
}

func webmFixture(t *testing.T) []byte {
	t.Helper()
	var frames []mediatest.WebMFrame
	for i := 0; i < 50; i++ {
		frames = append(frames, mediatest.WebMFrame{Key: true, TimestampMs: int64(i * 20), Data: []byte{0xfc, byte(i)}})
	}
	data, err := mediatest.BuildWebM([]webm.TrackEntry{{
		Name:            "Audio",
		TrackNumber:     1,
		TrackUID:        1,
		CodecID:         "A_OPUS",
		TrackType:       2,
		DefaultDuration: 20000000,
		Audio:           &webm.Audio{SamplingFrequency: 48000.0, Channels: 1},
	}}, 1000, frames)
	require.NoError(t, err)
	return data
}

// closeRecorder is a source whose reader reports Close.
type closeRecorder struct {
	data   []byte
	closed bool
}

func (c *closeRecorder) String() string { return "recorder" }

func (c *closeRecorder) Open(context.Context) (source.Reader, error) {
	return &recordingReader{Reader: bytes.NewReader(c.data), owner: c}, nil
}

type recordingReader struct {
	*bytes.Reader
	owner *closeRecorder
}

func (r *recordingReader) Close() error  { r.owner.closed = true; return nil }
func (r *recordingReader) Release(int64) {}

func drain(t *testing.T, d *Demuxer, s *media.ChunkStream) []*media.EncodedChunk {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	var out []*media.EncodedChunk
	for {
		c, err := s.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		out = append(out, c)
	}
	require.NoError(t, <-errCh)
	return out
}

func TestDemuxer_MP4(t *testing.T) {
	d := New(source.Bytes(mp4Fixture(t)), WithHighWaterMark(4))
	defer d.Stop()

	meta, err := d.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, media.ContainerMP4, d.Container())
	assert.Equal(t, media.ContainerMP4, meta.Type)
	assert.InDelta(t, 2.0, meta.Duration, 0.0001)
	require.NotNil(t, meta.Video)
	assert.Equal(t, 1280, meta.Video.CodedWidth)

	s, err := d.GetChunkStream(meta.Video, media.WindowSeconds(0, 0.5))
	require.NoError(t, err)
	assert.Equal(t, 4, s.Cap())
	chunks := drain(t, d, s)
	// ends on the key frame at 1 s
	require.Len(t, chunks, 26)
	assert.True(t, chunks[25].IsKey())
}

func TestDemuxer_WebMFromStream(t *testing.T) {
	src := &source.Stream{R: bytes.NewReader(webmFixture(t)), Name: "pipe"}
	d := New(src)
	defer d.Stop()

	meta, err := d.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, media.ContainerWebM, meta.Type)
	assert.Nil(t, meta.Video)
	require.NotNil(t, meta.Audio)
	assert.Equal(t, "opus", meta.Audio.Codec)
	assert.Equal(t, 1, meta.Audio.NumberOfChannels)

	s, err := d.GetChunkStream(meta.Audio, media.FullWindow)
	require.NoError(t, err)
	assert.Len(t, drain(t, d, s), 50)
}

func TestDemuxer_UnsupportedInput(t *testing.T) {
	for name, data := range map[string][]byte{
		"garbage":   bytes.Repeat([]byte{0x42}, 128),
		"truncated": {0, 0, 0, 8, 'f', 't'},
		"empty":     nil,
	} {
		t.Run(name, func(t *testing.T) {
			src := &closeRecorder{data: data}
			d := New(src)
			_, err := d.Init(context.Background())
			assert.ErrorIs(t, err, media.ErrUnsupportedMediaType)
			assert.True(t, src.closed)
			assert.Empty(t, d.Container())

			_, err = d.GetChunkStream(&media.VideoMetadata{}, media.FullWindow)
			assert.ErrorIs(t, err, media.ErrNotInitialized)
			assert.ErrorIs(t, d.Start(context.Background()), media.ErrNotInitialized)
		})
	}
}

func TestDemuxer_InitFailureClosesSource(t *testing.T) {
	// valid signature, no moov
	src := &closeRecorder{data: []byte{0, 0, 0, 16, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0, 0, 0, 0}}
	d := New(src)
	_, err := d.Init(context.Background())
	require.Error(t, err)
	assert.True(t, src.closed)
	assert.Empty(t, d.Container())
}

func TestDemuxer_StopBeforeInit(t *testing.T) {
	d := New(source.Bytes(mp4Fixture(t)))
	d.Stop()
	d.Stop()
	_, err := d.Init(context.Background())
	assert.ErrorIs(t, err, media.ErrStreamCancelled)
}
