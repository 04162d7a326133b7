// Package decode drives platform decoders from encoded chunk streams. A
// Stream turns a windowed chunk stream into decoded units the caller pulls
// one at a time, keeping the decoder queue bounded.
package decode

import (
	"context"

	"github.com/babelcloud/gbox/packages/media/internal/media"
)

// Config is the decoder configuration derived from track metadata.
type Config struct {
	MediaType   media.MediaType
	Codec       string
	Description []byte

	CodedWidth  int
	CodedHeight int
	ColorSpace  *media.ColorSpace

	SampleRate       int
	NumberOfChannels int
}

// VideoConfig builds the configuration for a video track.
func VideoConfig(v *media.VideoMetadata) Config {
	return Config{
		MediaType:   media.MediaTypeVideo,
		Codec:       v.Codec,
		Description: v.Description,
		CodedWidth:  v.CodedWidth,
		CodedHeight: v.CodedHeight,
		ColorSpace:  v.ColorSpace,
	}
}

// AudioConfig builds the configuration for an audio track.
func AudioConfig(a *media.AudioMetadata) Config {
	return Config{
		MediaType:        media.MediaTypeAudio,
		Codec:            a.Codec,
		Description:      a.Description,
		SampleRate:       a.SampleRate,
		NumberOfChannels: a.NumberOfChannels,
	}
}

// Callbacks connect a decoder back to its stream. They may be invoked from
// any goroutine, including from inside Decode.
type Callbacks struct {
	// Output hands over a decoded unit. The receiver owns it.
	Output func(Unit)
	// Error reports a runtime decode failure. The decoder is unusable after.
	Error func(error)
	// Dequeue signals that DecodeQueueSize dropped.
	Dequeue func()
}

// Decoder is one configured platform decoder.
type Decoder interface {
	Configure(cfg Config) error
	// Decode queues a chunk. It should not block on output delivery.
	Decode(chunk *media.EncodedChunk) error
	// Flush returns once every queued chunk has produced its output.
	Flush(ctx context.Context) error
	Close() error
	// DecodeQueueSize is the number of chunks accepted but not yet decoded.
	DecodeQueueSize() int
}

// Platform creates decoders.
type Platform interface {
	// Name identifies the platform, e.g. for deny lists.
	Name() string
	IsConfigSupported(ctx context.Context, cfg Config) (bool, error)
	NewDecoder(cb Callbacks) (Decoder, error)
}
