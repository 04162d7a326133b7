// Package media holds the container-independent data model shared by the
// demuxers, decoder streams and the extractor: container and track
// metadata, encoded chunks, trim windows and per-track extraction state.
package media

import "fmt"

// ContainerType identifies the container a demuxer was selected for.
type ContainerType string

const (
	ContainerMP4  ContainerType = "mp4"
	ContainerWebM ContainerType = "webm"
)

// MediaType tells audio and video chunks apart.
type MediaType int

const (
	MediaTypeVideo MediaType = iota
	MediaTypeAudio
)

func (t MediaType) String() string {
	switch t {
	case MediaTypeVideo:
		return "video"
	case MediaTypeAudio:
		return "audio"
	default:
		return fmt.Sprintf("MediaType(%d)", int(t))
	}
}

// TrackMetadata is implemented by *VideoMetadata and *AudioMetadata.
type TrackMetadata interface {
	TrackID() int
	MediaType() MediaType
}

// MediaContainerMetadata describes a demuxed container. Duration is in
// seconds; at least one of Video and Audio is set after a successful Init.
type MediaContainerMetadata struct {
	Type     ContainerType  `json:"type" yaml:"type" toml:"type"`
	Duration float64        `json:"duration" yaml:"duration" toml:"duration"`
	Video    *VideoMetadata `json:"video,omitempty" yaml:"video,omitempty" toml:"video,omitempty"`
	Audio    *AudioMetadata `json:"audio,omitempty" yaml:"audio,omitempty" toml:"audio,omitempty"`
}

// VideoMetadata describes the first video track of a container.
type VideoMetadata struct {
	ID          int         `json:"id" yaml:"id" toml:"id"`
	Codec       string      `json:"codec" yaml:"codec" toml:"codec"`
	Duration    float64     `json:"duration" yaml:"duration" toml:"duration"`
	FPS         float64     `json:"fps" yaml:"fps" toml:"fps"`
	CodedWidth  int         `json:"codedWidth" yaml:"codedWidth" toml:"codedWidth"`
	CodedHeight int         `json:"codedHeight" yaml:"codedHeight" toml:"codedHeight"`
	Description []byte      `json:"description,omitempty" yaml:"description,omitempty" toml:"-"`
	Matrix      [9]float64  `json:"matrix" yaml:"matrix" toml:"matrix"`
	Rotation    float64     `json:"rotation" yaml:"rotation" toml:"rotation"`
	ColorSpace  *ColorSpace `json:"colorSpace,omitempty" yaml:"colorSpace,omitempty" toml:"colorSpace,omitempty"`

	// Track is the container-specific track handle the demuxer that
	// produced this record understands.
	Track any `json:"-" yaml:"-" toml:"-"`
}

func (v *VideoMetadata) TrackID() int         { return v.ID }
func (v *VideoMetadata) MediaType() MediaType { return MediaTypeVideo }

// AudioMetadata describes the first audio track of a container.
type AudioMetadata struct {
	ID               int     `json:"id" yaml:"id" toml:"id"`
	Codec            string  `json:"codec" yaml:"codec" toml:"codec"`
	Duration         float64 `json:"duration" yaml:"duration" toml:"duration"`
	SampleRate       int     `json:"sampleRate" yaml:"sampleRate" toml:"sampleRate"`
	NumberOfChannels int     `json:"numberOfChannels" yaml:"numberOfChannels" toml:"numberOfChannels"`
	// CodecDelay is in microseconds; nil when the container carries none.
	CodecDelay  *int64 `json:"codecDelay,omitempty" yaml:"codecDelay,omitempty" toml:"codecDelay,omitempty"`
	Description []byte `json:"description,omitempty" yaml:"description,omitempty" toml:"-"`

	Track any `json:"-" yaml:"-" toml:"-"`
}

func (a *AudioMetadata) TrackID() int         { return a.ID }
func (a *AudioMetadata) MediaType() MediaType { return MediaTypeAudio }

// ColorSpace uses the WebCodecs names for primaries, transfer and matrix.
// Empty strings mean unset.
type ColorSpace struct {
	Primaries string `json:"primaries,omitempty" yaml:"primaries,omitempty" toml:"primaries,omitempty"`
	Transfer  string `json:"transfer,omitempty" yaml:"transfer,omitempty" toml:"transfer,omitempty"`
	Matrix    string `json:"matrix,omitempty" yaml:"matrix,omitempty" toml:"matrix,omitempty"`
	FullRange *bool  `json:"fullRange,omitempty" yaml:"fullRange,omitempty" toml:"fullRange,omitempty"`
}

// IsZero reports whether nothing in the colour space is set.
func (c *ColorSpace) IsZero() bool {
	return c == nil || (c.Primaries == "" && c.Transfer == "" && c.Matrix == "" && c.FullRange == nil)
}
