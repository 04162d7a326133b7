package decode

import (
	"context"
	"fmt"

	"github.com/babelcloud/gbox/packages/media/internal/media"
)

// VideoStream decodes a video chunk stream into frames.
type VideoStream struct {
	*Stream
}

// NewVideoStream creates a stream over input for the given track.
func NewVideoStream(platform Platform, track *media.VideoMetadata, input *media.ChunkStream, window media.Window, opts ...Option) *VideoStream {
	return &VideoStream{Stream: newStream(platform, VideoConfig(track), input, window, opts)}
}

// Read returns the next frame, closing the previous one.
func (v *VideoStream) Read(ctx context.Context) (*VideoFrame, error) {
	u, err := v.Stream.Read(ctx)
	if err != nil {
		return nil, err
	}
	frame, ok := u.(*VideoFrame)
	if !ok {
		u.Close()
		return nil, fmt.Errorf("decoder produced %T, want video frame", u)
	}
	return frame, nil
}
