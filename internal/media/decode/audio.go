package decode

import (
	"context"
	"fmt"

	"github.com/babelcloud/gbox/packages/media/internal/media"
)

// AudioStream decodes an audio chunk stream. Platform buffers are copied
// into interleaved AudioData and released as soon as they arrive.
type AudioStream struct {
	*Stream
}

// NewAudioStream creates a stream over input for the given track.
func NewAudioStream(platform Platform, track *media.AudioMetadata, input *media.ChunkStream, window media.Window, opts ...Option) *AudioStream {
	s := newStream(platform, AudioConfig(track), input, window, opts)
	s.transform = interleaveUnit
	return &AudioStream{Stream: s}
}

func interleaveUnit(u Unit) Unit {
	buf, ok := u.(*AudioBuffer)
	if !ok {
		return u
	}
	defer buf.Close()
	return Interleave(buf)
}

// Read returns the next block of audio, closing the previous one.
func (a *AudioStream) Read(ctx context.Context) (*AudioData, error) {
	u, err := a.Stream.Read(ctx)
	if err != nil {
		return nil, err
	}
	data, ok := u.(*AudioData)
	if !ok {
		u.Close()
		return nil, fmt.Errorf("decoder produced %T, want audio data", u)
	}
	return data, nil
}
