package extract

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/decode"
	"github.com/babelcloud/gbox/packages/media/internal/media/decode/decodetest"
	"github.com/babelcloud/gbox/packages/media/internal/media/mediatest"
	"github.com/babelcloud/gbox/packages/media/internal/media/source"
)

// videoFixture is two seconds of 25 fps H.264 with a key frame every second.
func videoFixture(t *testing.T, matrix [9]int32) source.Bytes {
	t.Helper()
	video := &mediatest.Track{
		ID:        1,
		Handler:   "vide",
		Timescale: 1000,
		Matrix:    matrix,
		Width:     640,
		Height:    360,
		Entry: mediatest.AVC1Entry(640, 360,
			mediatest.AVCC(mediatest.H264SPS, mediatest.H264PPS), nil),
	}
	for i := 0; i < 50; i++ {
		video.Samples = append(video.Samples, mediatest.Sample{
			Data: []byte{byte(i)}, Duration: 40, Sync: i%25 == 0,
		})
	}
	data, err := mediatest.BuildMP4(mediatest.MP4Options{Timescale: 1000, Duration: 2000, MoovFirst: true}, video)
	require.NoError(t, err)
	return source.Bytes(data)
}

func audioOnlyFixture(t *testing.T) source.Bytes {
	t.Helper()
	var frames []mediatest.WebMFrame
	for i := 0; i < 10; i++ {
		frames = append(frames, mediatest.WebMFrame{Key: true, TimestampMs: int64(i * 20), Data: []byte{0xfc, byte(i)}})
	}
	data, err := mediatest.BuildWebM([]webm.TrackEntry{{
		Name:        "Audio",
		TrackNumber: 1,
		TrackUID:    1,
		CodecID:     "A_OPUS",
		TrackType:   2,
		Audio:       &webm.Audio{SamplingFrequency: 48000.0, Channels: 2},
	}}, 200, frames)
	require.NoError(t, err)
	return source.Bytes(data)
}

// fakeRender stands in for the render fallback. It reports a picture every
// 100ms from zero and optionally keeps running until cancelled.
type fakeRender struct {
	window  media.Window
	until   int64
	block   bool
	stopped atomic.Bool
}

func (f *fakeRender) Name() string { return "fake-render" }

func (f *fakeRender) Start(ctx context.Context, cb FrameCallback) error {
	for ts := int64(0); ts < f.until && ts < f.window.EndUs(); ts += 100_000 {
		frame := decode.NewVideoFrame(ts, 100_000, 2, 2, decode.PixelFormatRGBA, make([]byte, 16), nil)
		err := cb(ctx, frame, ts-f.window.StartUs())
		frame.Close()
		if err != nil {
			return err
		}
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeRender) Stop() { f.stopped.Store(true) }

func fallbackTo(r *fakeRender, used *bool) Fallback {
	return func(_ context.Context, _ source.Source, _ *media.VideoMetadata, window media.Window) (Strategy, error) {
		*used = true
		r.window = window
		return r, nil
	}
}

// run starts e and collects every frame until Next ends.
func run(t *testing.T, e *Extractor) ([]*Frame, error, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	var startErr error
	g.Go(func() error {
		startErr = e.Start(ctx)
		return nil
	})

	var frames []*Frame
	var nextErr error
	for {
		f, err := e.Next(ctx)
		if err != nil {
			nextErr = err
			break
		}
		frames = append(frames, f)
	}
	_ = g.Wait()
	return frames, startErr, nextErr
}

func TestExtractor_DecoderStrategy(t *testing.T) {
	p := decodetest.New()
	e := New(Options{
		Source:   videoFixture(t, media.IdentityMatrix),
		Window:   media.WindowSeconds(0.5, 1),
		Platform: p,
	})
	t.Cleanup(e.Dispose)

	meta, err := e.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, media.ContainerMP4, meta.Type)
	assert.Equal(t, "decoder", e.StrategyName())
	assert.Equal(t, []string{"abort", "strategy", "demuxer"}, e.janitor.Pending())

	frames, startErr, nextErr := run(t, e)
	require.NoError(t, startErr)
	assert.ErrorIs(t, nextErr, io.EOF)
	assert.True(t, e.Done())

	require.Len(t, frames, 12)
	for i, f := range frames {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, int64(20_000+i*40_000), f.TimestampUs)
		assert.Equal(t, int64(520_000+i*40_000), f.SourceTimestampUs)
		assert.Equal(t, decode.PixelFormatRGBA, f.Format)
		assert.Zero(t, f.Rotation)
	}
	assert.Equal(t, 12, e.Produced())
	assert.Eventually(t, func() bool { return p.Outstanding() == 0 }, time.Second, 5*time.Millisecond)
}

func TestExtractor_Rotation(t *testing.T) {
	rotate90 := [9]int32{0, -0x10000, 0, 0x10000, 0, 0, 0, 0, 0x40000000}
	e := New(Options{
		Source:   videoFixture(t, rotate90),
		Window:   media.WindowSeconds(0, 0.2),
		Platform: decodetest.New(),
	})
	t.Cleanup(e.Dispose)

	_, err := e.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(90), e.Rotation())

	frames, startErr, _ := run(t, e)
	require.NoError(t, startErr)
	require.NotEmpty(t, frames)
	assert.Equal(t, float64(90), frames[0].Rotation)
}

func TestExtractor_MissingVideoTrack(t *testing.T) {
	e := New(Options{Source: audioOnlyFixture(t), Window: media.FullWindow, Platform: decodetest.New()})
	_, err := e.Init(context.Background())
	assert.ErrorIs(t, err, media.ErrMissingVideoTrack)
}

func TestExtractor_FallbackWhenDecoderRejectsTrack(t *testing.T) {
	p := decodetest.New()
	p.Codecs = []string{"vp09"}
	var used bool
	render := &fakeRender{until: 1_000_000}
	e := New(Options{
		Source:   videoFixture(t, media.IdentityMatrix),
		Window:   media.WindowSeconds(0.3, 0.7),
		Platform: p,
		Fallback: fallbackTo(render, &used),
	})
	t.Cleanup(e.Dispose)

	_, err := e.Init(context.Background())
	require.NoError(t, err)
	assert.True(t, used)
	assert.Equal(t, "fake-render", e.StrategyName())
	assert.Empty(t, p.Decoders())

	frames, startErr, nextErr := run(t, e)
	require.NoError(t, startErr)
	assert.ErrorIs(t, nextErr, io.EOF)

	// pictures before 300ms are reported with negative times and dropped
	require.Len(t, frames, 4)
	for i, f := range frames {
		assert.Equal(t, int64(i)*100_000, f.TimestampUs)
		assert.Equal(t, int64(300_000+i*100_000), f.SourceTimestampUs)
	}

	e.Dispose()
	assert.True(t, render.stopped.Load())
}

func TestExtractor_DenyListedPlatform(t *testing.T) {
	p := decodetest.New()
	p.ID = "broken-hw"
	var used bool
	e := New(Options{
		Source:          videoFixture(t, media.IdentityMatrix),
		Window:          media.FullWindow,
		Platform:        p,
		Fallback:        fallbackTo(&fakeRender{until: 300_000}, &used),
		BrokenPlatforms: []string{"other", "broken-hw"},
	})
	t.Cleanup(e.Dispose)

	_, err := e.Init(context.Background())
	require.NoError(t, err)
	assert.True(t, used)
	assert.Empty(t, p.Decoders(), "deny-listed platform must not be touched")

	frames, startErr, _ := run(t, e)
	require.NoError(t, startErr)
	assert.Len(t, frames, 3)
}

func TestExtractor_NoStrategy(t *testing.T) {
	ctx := context.Background()
	src := videoFixture(t, media.IdentityMatrix)

	_, err := New(Options{Source: src, Window: media.FullWindow}).Init(ctx)
	assert.ErrorIs(t, err, media.ErrNoDecoder)

	p := decodetest.New()
	p.Codecs = []string{"av01"}
	_, err = New(Options{Source: src, Window: media.FullWindow, Platform: p}).Init(ctx)
	assert.ErrorIs(t, err, media.ErrDecoderUnsupported)

	_, err = New(Options{Source: source.Bytes("not media at all, not even close"), Window: media.FullWindow}).Init(ctx)
	assert.ErrorIs(t, err, media.ErrUnsupportedMediaType)
}

func TestExtractor_StartErrors(t *testing.T) {
	ctx := context.Background()
	e := New(Options{Source: videoFixture(t, media.IdentityMatrix), Window: media.WindowSeconds(0, 0.1), Platform: decodetest.New()})
	t.Cleanup(e.Dispose)
	assert.ErrorIs(t, e.Start(ctx), media.ErrNotInitialized)

	_, err := e.Init(ctx)
	require.NoError(t, err)
	_, startErr, _ := run(t, e)
	require.NoError(t, startErr)
	assert.ErrorIs(t, e.Start(ctx), media.ErrAlreadyStarted)
}

func TestExtractor_CancelBeforeAnyFrame(t *testing.T) {
	var used bool
	render := &fakeRender{block: true}
	e := New(Options{
		Source:   videoFixture(t, media.IdentityMatrix),
		Window:   media.FullWindow,
		Fallback: fallbackTo(render, &used),
	})
	_, err := e.Init(context.Background())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- e.Start(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	e.Cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, media.ErrNoFrames)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Cancel")
	}
	_, err = e.Next(context.Background())
	assert.ErrorIs(t, err, media.ErrNoFrames)
	assert.True(t, render.stopped.Load())
}

func TestExtractor_CancelAfterFramesIsGraceful(t *testing.T) {
	var used bool
	e := New(Options{
		Source:   videoFixture(t, media.IdentityMatrix),
		Window:   media.FullWindow,
		Fallback: fallbackTo(&fakeRender{until: 300_000, block: true}, &used),
	})
	_, err := e.Init(context.Background())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- e.Start(context.Background()) }()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f, err := e.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, f.Index)
	}
	e.Cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Cancel")
	}
	_, err = e.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestExtractor_CancelBeforeStart(t *testing.T) {
	e := New(Options{Source: videoFixture(t, media.IdentityMatrix), Window: media.FullWindow, Platform: decodetest.New()})
	_, err := e.Init(context.Background())
	require.NoError(t, err)

	e.Cancel()
	_, err = e.Next(context.Background())
	assert.ErrorIs(t, err, media.ErrNoFrames)
	assert.ErrorIs(t, e.Start(context.Background()), media.ErrNoFrames)
}

func TestJanitor_RunsInReverseOnce(t *testing.T) {
	var order []string
	j := NewJanitor(nil)
	for _, name := range []string{"abort", "strategy", "demuxer"} {
		j.Add(name, func() { order = append(order, name) })
	}
	assert.Equal(t, []string{"abort", "strategy", "demuxer"}, j.Pending())

	j.Run()
	j.Run()
	assert.Equal(t, []string{"demuxer", "strategy", "abort"}, order)
	assert.Empty(t, j.Pending())

	j.Add("late", func() { order = append(order, "late") })
	assert.Equal(t, "late", order[len(order)-1])
}

func TestExtractor_StartErrorSurfaces(t *testing.T) {
	p := decodetest.New()
	p.FailAt = 120_000
	e := New(Options{Source: videoFixture(t, media.IdentityMatrix), Window: media.FullWindow, Platform: p})
	t.Cleanup(e.Dispose)
	_, err := e.Init(context.Background())
	require.NoError(t, err)

	_, startErr, nextErr := run(t, e)
	require.Error(t, startErr)
	assert.ErrorContains(t, startErr, "corrupt chunk")
	assert.False(t, errors.Is(nextErr, io.EOF))
}
