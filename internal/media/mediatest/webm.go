package mediatest

import (
	"bytes"
	"fmt"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
)

// WebMFrame is one SimpleBlock of a WebM fixture. Track is the index into
// the track list.
type WebMFrame struct {
	Track       int
	Key         bool
	TimestampMs int64
	Data        []byte
}

// ScaledTrack is a track entry carrying a TrackTimestampScale, which
// webm.TrackEntry has no field for. Block timecodes of the track are
// multiplied by the scale when read back.
type ScaledTrack struct {
	Name                string      `ebml:"Name,omitempty"`
	TrackNumber         uint64      `ebml:"TrackNumber"`
	TrackUID            uint64      `ebml:"TrackUID"`
	CodecID             string      `ebml:"CodecID"`
	TrackType           uint64      `ebml:"TrackType"`
	DefaultDuration     uint64      `ebml:"DefaultDuration,omitempty"`
	TrackTimestampScale float64     `ebml:"TrackTimestampScale"`
	Audio               *webm.Audio `ebml:"Audio,omitempty"`
	Video               *webm.Video `ebml:"Video,omitempty"`
}

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

// BuildWebM writes a WebM file with the given tracks and frames. durationMs
// is written to the segment info when positive.
func BuildWebM(tracks []webm.TrackEntry, durationMs float64, frames []WebMFrame) ([]byte, error) {
	descs := make([]mkvcore.TrackDescription, len(tracks))
	for i, t := range tracks {
		descs[i] = mkvcore.TrackDescription{TrackNumber: t.TrackNumber, TrackEntry: t}
	}
	return buildWebM(descs, durationMs, frames)
}

// BuildScaledWebM is BuildWebM for tracks with their own timestamp scale.
func BuildScaledWebM(tracks []ScaledTrack, durationMs float64, frames []WebMFrame) ([]byte, error) {
	descs := make([]mkvcore.TrackDescription, len(tracks))
	for i, t := range tracks {
		descs[i] = mkvcore.TrackDescription{TrackNumber: t.TrackNumber, TrackEntry: t}
	}
	return buildWebM(descs, durationMs, frames)
}

func buildWebM(tracks []mkvcore.TrackDescription, durationMs float64, frames []WebMFrame) ([]byte, error) {
	var buf bytes.Buffer
	var fatal error

	info := webm.DefaultSegmentInfo
	if durationMs > 0 {
		info = &webm.Info{
			TimecodeScale: 1000000,
			MuxingApp:     "mediatest",
			WritingApp:    "mediatest",
			Duration:      durationMs,
		}
	}
	writers, err := mkvcore.NewSimpleBlockWriter(nopCloser{&buf}, tracks,
		mkvcore.WithEBMLHeader(webm.DefaultEBMLHeader),
		mkvcore.WithSegmentInfo(info),
		mkvcore.WithBlockInterceptor(webm.DefaultBlockInterceptor),
		mkvcore.WithOnFatalHandler(func(err error) { fatal = err }),
	)
	if err != nil {
		return nil, err
	}
	for _, f := range frames {
		if f.Track < 0 || f.Track >= len(writers) {
			return nil, fmt.Errorf("frame for unknown track %d", f.Track)
		}
		if _, err := writers[f.Track].Write(f.Key, f.TimestampMs, f.Data); err != nil {
			return nil, err
		}
	}
	for _, w := range writers {
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	if fatal != nil {
		return nil, fatal
	}
	return buf.Bytes(), nil
}
