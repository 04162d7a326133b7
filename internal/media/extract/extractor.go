// Package extract turns a media source into an ordered stream of decoded
// video frames inside a time window. It demuxes the source, picks how
// frames are produced once, and republishes them through a bounded stream.
package extract

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/decode"
	"github.com/babelcloud/gbox/packages/media/internal/media/demux"
	"github.com/babelcloud/gbox/packages/media/internal/media/pipeline"
	"github.com/babelcloud/gbox/packages/media/internal/media/source"
	"github.com/babelcloud/gbox/packages/media/internal/util"
)

// DefaultHighWaterMark bounds the extracted frames waiting for Next.
const DefaultHighWaterMark = 20

// Options configure an Extractor.
type Options struct {
	Source source.Source
	Window media.Window
	// Platform decodes video. Without one, or when its name is listed in
	// BrokenPlatforms, Fallback is used.
	Platform        decode.Platform
	Fallback        Fallback
	BrokenPlatforms []string

	HighWaterMark       int
	DecodeHighWaterMark int
	DemuxOptions        []demux.Option
}

// Frame is an extracted picture. It owns its pixels.
type Frame struct {
	Index int
	// TimestampUs is relative to the window start.
	TimestampUs       int64
	SourceTimestampUs int64
	DurationUs        int64
	Width             int
	Height            int
	// Rotation is the clockwise display rotation in degrees.
	Rotation float64
	Format   decode.PixelFormat
	Data     []byte
}

// Extractor runs one extraction session.
type Extractor struct {
	opts    Options
	id      string
	logger  *slog.Logger
	janitor *Janitor
	out     *pipeline.Stream[*Frame]
	demuxer *demux.Demuxer

	// aborted by the janitor
	ctx   context.Context
	abort context.CancelFunc

	mu          sync.Mutex
	meta        *media.MediaContainerMetadata
	rotation    float64
	strategy    Strategy
	usesDemuxer bool
	started     bool
	finished    bool
	cancelled   bool
	produced    int
}

// New creates an extractor; call Init, then Start and Next.
func New(opts Options) *Extractor {
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}
	if opts.DecodeHighWaterMark <= 0 {
		opts.DecodeHighWaterMark = decode.DefaultHighWaterMark
	}
	id := uuid.NewString()
	logger := util.GetLogger().With("component", "extractor", "session", id)

	e := &Extractor{
		opts:    opts,
		id:      id,
		logger:  logger,
		janitor: NewJanitor(logger),
		out:     pipeline.NewStream[*Frame](opts.HighWaterMark),
	}
	e.ctx, e.abort = context.WithCancel(context.Background())
	e.janitor.Add("abort", e.abort)
	return e
}

// ID identifies the session in logs.
func (e *Extractor) ID() string { return e.id }

// Init demuxes the source, requires a video track and chooses how frames
// will be produced.
func (e *Extractor) Init(ctx context.Context) (*media.MediaContainerMetadata, error) {
	e.mu.Lock()
	if e.meta != nil {
		meta := e.meta
		e.mu.Unlock()
		return meta, nil
	}
	e.mu.Unlock()

	if e.opts.Source == nil {
		return nil, errors.New("no source")
	}
	if err := e.opts.Window.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid window")
	}

	d := demux.New(e.opts.Source, e.opts.DemuxOptions...)
	meta, err := d.Init(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to demux %s", e.opts.Source)
	}
	if meta.Video == nil {
		d.Stop()
		return nil, media.ErrMissingVideoTrack
	}
	e.demuxer = d
	rotation := media.Rotation(meta.Video.Matrix)

	strategy, usesDemuxer, err := e.selectStrategy(ctx, meta.Video)
	if err != nil {
		d.Stop()
		return nil, err
	}
	e.janitor.Add("strategy", strategy.Stop)
	e.janitor.Add("demuxer", d.Stop)
	if !usesDemuxer {
		// the fallback reads the source on its own
		d.Stop()
	}

	e.mu.Lock()
	e.meta = meta
	e.rotation = rotation
	e.strategy = strategy
	e.usesDemuxer = usesDemuxer
	e.mu.Unlock()

	e.logger.Info("Extractor initialized",
		"container", meta.Type, "codec", meta.Video.Codec,
		"rotation", rotation, "strategy", strategy.Name(), "window", e.opts.Window.String())
	return meta, nil
}

func (e *Extractor) selectStrategy(ctx context.Context, track *media.VideoMetadata) (Strategy, bool, error) {
	var reason error
	switch p := e.opts.Platform; {
	case p == nil:
		reason = media.ErrNoDecoder
	case slices.Contains(e.opts.BrokenPlatforms, p.Name()):
		reason = errors.Wrapf(media.ErrDecoderUnsupported, "platform %s is deny-listed", p.Name())
	default:
		s, err := e.newDecoderStrategy(ctx, p, track)
		if err == nil {
			return s, true, nil
		}
		reason = err
	}

	if e.opts.Fallback == nil {
		return nil, false, reason
	}
	e.logger.Warn("Falling back to render extraction", "reason", reason)
	s, err := e.opts.Fallback(ctx, e.opts.Source, track, e.opts.Window)
	if err != nil {
		return nil, false, errors.Wrap(err, "render fallback failed")
	}
	return s, false, nil
}

func (e *Extractor) newDecoderStrategy(ctx context.Context, p decode.Platform, track *media.VideoMetadata) (Strategy, error) {
	chunks, err := e.demuxer.GetChunkStream(track, e.opts.Window)
	if err != nil {
		return nil, err
	}
	stream := decode.NewVideoStream(p, track, chunks, e.opts.Window,
		decode.WithHighWaterMark(e.opts.DecodeHighWaterMark))
	if err := stream.Init(ctx); err != nil {
		stream.Dispose()
		return nil, err
	}
	return &decoderStrategy{stream: stream, window: e.opts.Window}, nil
}

// Metadata is the demuxed container description, nil before Init.
func (e *Extractor) Metadata() *media.MediaContainerMetadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta
}

// Rotation is the display rotation of the video track in degrees.
func (e *Extractor) Rotation() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rotation
}

// StrategyName reports which strategy Init chose.
func (e *Extractor) StrategyName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.strategy == nil {
		return ""
	}
	return e.strategy.Name()
}

// Start runs the session until the window is covered, the source ends or
// the session is cancelled. Frames are read concurrently with Next.
// Cancellation is not an error unless no frame had been produced, in
// which case ErrNoFrames is returned.
func (e *Extractor) Start(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.meta == nil:
		e.mu.Unlock()
		return media.ErrNotInitialized
	case e.started:
		e.mu.Unlock()
		return media.ErrAlreadyStarted
	}
	e.started = true
	strategy, usesDemuxer := e.strategy, e.usesDemuxer
	e.mu.Unlock()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(e.ctx, stop)()

	g, gctx := errgroup.WithContext(runCtx)
	if usesDemuxer {
		g.Go(func() error {
			if err := e.demuxer.Start(gctx); err != nil {
				return errors.Wrap(err, "demuxer failed")
			}
			e.logger.Debug("Demuxer flushed")
			return nil
		})
	}
	g.Go(func() error {
		if err := strategy.Start(gctx, e.accept); err != nil {
			return errors.Wrapf(err, "%s extraction failed", strategy.Name())
		}
		e.logger.Debug("Extraction flushed", "strategy", strategy.Name())
		return nil
	})

	err := g.Wait()
	return e.finish(ctx, err)
}

func (e *Extractor) finish(ctx context.Context, err error) error {
	e.mu.Lock()
	e.finished = true
	cancelled := e.cancelled || ctx.Err() != nil
	produced := e.produced
	e.mu.Unlock()

	switch {
	case cancelled && produced == 0:
		e.logger.Info("Extraction cancelled before any frame")
		e.out.Close(media.ErrNoFrames)
		return media.ErrNoFrames
	case cancelled:
		e.logger.Info("Extraction cancelled", "frames", produced)
		e.out.Close(nil)
		return nil
	case err != nil:
		e.logger.Warn("Extraction failed", "frames", produced, "error", err)
		e.out.Close(err)
		return err
	}
	e.logger.Info("Extraction finished", "frames", produced)
	e.out.Close(nil)
	return nil
}

// accept is the FrameCallback both strategies report to.
func (e *Extractor) accept(ctx context.Context, frame *decode.VideoFrame, trimmedUs int64) error {
	if trimmedUs < 0 {
		return nil
	}
	e.mu.Lock()
	f := &Frame{
		Index:             e.produced,
		TimestampUs:       trimmedUs,
		SourceTimestampUs: frame.TimestampUs,
		DurationUs:        frame.DurationUs,
		Width:             frame.Width,
		Height:            frame.Height,
		Rotation:          e.rotation,
		Format:            frame.Format,
		Data:              bytes.Clone(frame.Data),
	}
	e.mu.Unlock()

	if err := e.out.Send(ctx, f); err != nil {
		return err
	}
	e.mu.Lock()
	e.produced++
	e.mu.Unlock()
	e.logger.Debug("Frame extracted", "index", f.Index, "timestampUs", f.TimestampUs)
	return nil
}

// Done reports whether Start has returned.
func (e *Extractor) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

// Next returns the next extracted frame, io.EOF after the last one.
func (e *Extractor) Next(ctx context.Context) (*Frame, error) {
	return e.out.Recv(ctx)
}

// Produced is the number of frames published so far.
func (e *Extractor) Produced() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.produced
}

// Cancel stops the session. Frames already published stay readable.
func (e *Extractor) Cancel() {
	e.mu.Lock()
	e.cancelled = true
	started := e.started
	e.mu.Unlock()

	e.janitor.Run()
	if !started {
		e.out.Close(media.ErrNoFrames)
	}
}

// Dispose cancels the session and drops unread frames.
func (e *Extractor) Dispose() {
	e.Cancel()
	e.out.Cancel()
}
