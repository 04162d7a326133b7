package extract

import (
	"context"
	"errors"
	"io"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/decode"
	"github.com/babelcloud/gbox/packages/media/internal/media/source"
)

// FrameCallback receives each picture a strategy produces together with its
// time relative to the window start. A negative trimmedUs means the picture
// lies outside the window and is discarded. frame is only valid during the
// call.
type FrameCallback = func(ctx context.Context, frame *decode.VideoFrame, trimmedUs int64) error

// Strategy produces the pictures of one video track.
type Strategy interface {
	Name() string
	// Start blocks until every picture in the window was passed to cb.
	Start(ctx context.Context, cb FrameCallback) error
	Stop()
}

// Fallback builds the strategy used when no decoder can serve the track.
type Fallback func(ctx context.Context, src source.Source, track *media.VideoMetadata, window media.Window) (Strategy, error)

// decoderStrategy pulls frames out of a decoder stream fed by the demuxer.
type decoderStrategy struct {
	stream *decode.VideoStream
	window media.Window
}

func (s *decoderStrategy) Name() string { return "decoder" }

func (s *decoderStrategy) Start(ctx context.Context, cb FrameCallback) error {
	if err := s.stream.Start(ctx); err != nil {
		return err
	}
	startUs := s.window.StartUs()
	for {
		frame, err := s.stream.Read(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := cb(ctx, frame, frame.TimestampUs-startUs); err != nil {
			return err
		}
	}
}

func (s *decoderStrategy) Stop() {
	s.stream.Dispose()
}
