package decode

import (
	"sync"
	"sync/atomic"
)

// Unit is a decoded video frame or audio buffer. Whoever holds a unit must
// Close it; closing releases the platform buffer behind it.
type Unit interface {
	Timestamp() int64
	Duration() int64
	Close()
}

// releaser runs a release function at most once.
type releaser struct {
	once    sync.Once
	release func()
	closed  atomic.Bool
}

func (r *releaser) close() {
	r.once.Do(func() {
		r.closed.Store(true)
		if r.release != nil {
			r.release()
		}
	})
}

// PixelFormat names the layout of VideoFrame.Data.
type PixelFormat string

const (
	PixelFormatRGBA PixelFormat = "RGBA"
	PixelFormatI420 PixelFormat = "I420"
)

// VideoFrame is a decoded picture.
type VideoFrame struct {
	TimestampUs int64
	DurationUs  int64
	Width       int
	Height      int
	Format      PixelFormat
	Data        []byte

	rel releaser
}

// NewVideoFrame wraps a decoded picture. release, if set, runs on Close.
func NewVideoFrame(tsUs, durUs int64, width, height int, format PixelFormat, data []byte, release func()) *VideoFrame {
	return &VideoFrame{
		TimestampUs: tsUs,
		DurationUs:  durUs,
		Width:       width,
		Height:      height,
		Format:      format,
		Data:        data,
		rel:         releaser{release: release},
	}
}

func (f *VideoFrame) Timestamp() int64 { return f.TimestampUs }
func (f *VideoFrame) Duration() int64  { return f.DurationUs }

// Close releases the frame. Further calls do nothing.
func (f *VideoFrame) Close() { f.rel.close() }

// Closed reports whether Close was called.
func (f *VideoFrame) Closed() bool { return f.rel.closed.Load() }

// AudioBuffer is decoded audio as the platform hands it over: one plane of
// float samples per channel.
type AudioBuffer struct {
	TimestampUs int64
	DurationUs  int64
	SampleRate  int
	Planes      [][]float32

	rel releaser
}

// NewAudioBuffer wraps planar audio. release, if set, runs on Close.
func NewAudioBuffer(tsUs, durUs int64, sampleRate int, planes [][]float32, release func()) *AudioBuffer {
	return &AudioBuffer{
		TimestampUs: tsUs,
		DurationUs:  durUs,
		SampleRate:  sampleRate,
		Planes:      planes,
		rel:         releaser{release: release},
	}
}

func (b *AudioBuffer) Timestamp() int64 { return b.TimestampUs }
func (b *AudioBuffer) Duration() int64  { return b.DurationUs }
func (b *AudioBuffer) Close()           { b.rel.close() }
func (b *AudioBuffer) Closed() bool     { return b.rel.closed.Load() }

// NumberOfFrames is the per-channel sample count.
func (b *AudioBuffer) NumberOfFrames() int {
	if len(b.Planes) == 0 {
		return 0
	}
	return len(b.Planes[0])
}

// AudioData is decoded audio with interleaved channels, as handed to
// callers of an audio stream. It owns its samples.
type AudioData struct {
	TimestampUs      int64
	DurationUs       int64
	SampleRate       int
	NumberOfChannels int
	NumberOfFrames   int
	// Samples holds NumberOfFrames groups of NumberOfChannels samples.
	Samples []float32

	closed atomic.Bool
}

func (a *AudioData) Timestamp() int64 { return a.TimestampUs }
func (a *AudioData) Duration() int64  { return a.DurationUs }
func (a *AudioData) Close()           { a.closed.Store(true); a.Samples = nil }
func (a *AudioData) Closed() bool     { return a.closed.Load() }

// Interleave copies a planar buffer into interleaved AudioData. The buffer
// is left open.
func Interleave(b *AudioBuffer) *AudioData {
	channels := len(b.Planes)
	frames := b.NumberOfFrames()
	out := make([]float32, channels*frames)
	for c, plane := range b.Planes {
		for i := 0; i < frames && i < len(plane); i++ {
			out[i*channels+c] = plane[i]
		}
	}
	return &AudioData{
		TimestampUs:      b.TimestampUs,
		DurationUs:       b.DurationUs,
		SampleRate:       b.SampleRate,
		NumberOfChannels: channels,
		NumberOfFrames:   frames,
		Samples:          out,
	}
}
