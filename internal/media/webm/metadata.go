package webm

import (
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/codecs"
)

// metadataExtractor collects what the container metadata needs. Info and
// Tracks are required; three more facts may only show up in the block
// stream and are waited for independently: the VP9 profile and bit depth,
// the video frame rate and the duration.
type metadataExtractor struct {
	info   *info
	tracks *tracks
	video  *trackEntry
	audio  *trackEntry

	vp9Pending bool
	vp9        vp9Features
	vp9Width   int
	vp9Height  int

	fpsPending    bool
	fps           float64
	lastVisibleUs int64
	seenVisible   bool

	maxEndUs int64
}

func (m *metadataExtractor) setInfo(i *info) {
	if m.info == nil {
		m.info = i
	}
}

func (m *metadataExtractor) setTracks(t *tracks) {
	if m.tracks != nil {
		return
	}
	m.tracks = t
	for i := range t.TrackEntry {
		e := &t.TrackEntry[i]
		switch e.TrackType {
		case trackTypeVideo:
			if m.video == nil {
				m.video = e
			}
		case trackTypeAudio:
			if m.audio == nil {
				m.audio = e
			}
		}
	}

	if v := m.video; v != nil {
		if family, _ := CodecFamily(v.CodecID); family == "vp09" {
			m.vp9 = parseVP9CodecPrivate(v.CodecPrivate)
			m.vp9Pending = !m.vp9.known
		}
		if v.DefaultDuration > 0 {
			m.fps = 1e9 / float64(v.DefaultDuration)
		} else {
			m.fpsPending = true
		}
	}
}

// observe feeds the chunks of one block.
func (m *metadataExtractor) observe(e *trackEntry, chunks []*media.EncodedChunk, invisible bool) {
	for _, c := range chunks {
		if end := c.TimestampUs + c.DurationUs; end > m.maxEndUs {
			m.maxEndUs = end
		}
		if e == nil || e != m.video {
			continue
		}
		if m.vp9Pending && c.IsKey() {
			if h, err := codecs.ParseVP9KeyFrame(c.Data); err == nil {
				m.vp9.profile = h.Profile
				m.vp9.bitDepth = h.BitDepth
				m.vp9.known = true
				m.vp9Width, m.vp9Height = h.Width, h.Height
				m.vp9Pending = false
			}
		}
		if m.fpsPending && !invisible {
			if m.seenVisible && c.TimestampUs > m.lastVisibleUs {
				m.fps = 1e6 / float64(c.TimestampUs-m.lastVisibleUs)
				m.fpsPending = false
			}
			m.lastVisibleUs = c.TimestampUs
			m.seenVisible = true
		}
	}
}

func (m *metadataExtractor) durationPending() bool {
	return m.info == nil || m.info.Duration <= 0
}

// resolvable reports whether metadata can be built before the stream ends.
func (m *metadataExtractor) resolvable() bool {
	return m.info != nil && m.tracks != nil &&
		!m.vp9Pending && !m.fpsPending && !m.durationPending()
}

// build assembles the metadata from what has been seen. Facts still pending
// get best-effort values.
func (m *metadataExtractor) build() (*media.MediaContainerMetadata, error) {
	if m.tracks == nil {
		return nil, errors.Wrap(media.ErrUnsupportedFormat, "webm without Tracks element")
	}

	meta := &media.MediaContainerMetadata{Type: media.ContainerWebM}
	scale := float64(defaultTimecodeScale)
	if m.info != nil && m.info.TimecodeScale > 0 {
		scale = float64(m.info.TimecodeScale)
	}
	if !m.durationPending() {
		meta.Duration = m.info.Duration * scale / 1e9
	} else {
		meta.Duration = float64(m.maxEndUs) / 1e6
	}

	if m.video != nil {
		v, err := m.videoMetadata(meta.Duration)
		if err != nil {
			return nil, err
		}
		meta.Video = v
	}
	if m.audio != nil {
		meta.Audio = m.audioMetadata(meta.Duration)
	}
	if meta.Video == nil && meta.Audio == nil {
		return nil, errors.Wrap(media.ErrMissingTrack, "no audio or video track")
	}
	return meta, nil
}

func (m *metadataExtractor) videoMetadata(duration float64) (*media.VideoMetadata, error) {
	e := m.video
	family, ok := CodecFamily(e.CodecID)
	if !ok {
		return nil, errors.Wrapf(media.ErrUnsupportedFormat, "video codec %s", e.CodecID)
	}

	v := &media.VideoMetadata{
		ID:          int(e.TrackNumber),
		Duration:    duration,
		FPS:         m.fps,
		Description: e.CodecPrivate,
		Matrix:      media.UnpackMatrix(media.IdentityMatrix),
		Track:       e,
	}
	if e.Video != nil {
		v.CodedWidth = int(e.Video.PixelWidth)
		v.CodedHeight = int(e.Video.PixelHeight)
		v.ColorSpace = colourSpace(e.Video.Colour)
	}
	if v.CodedWidth == 0 || v.CodedHeight == 0 {
		v.CodedWidth, v.CodedHeight = m.vp9Width, m.vp9Height
	}

	if family == "vp09" {
		f := m.vp9
		if f.bitDepth == 0 {
			f.bitDepth = 8
		}
		if f.level == 0 {
			f.level = codecs.VP9Level(v.CodedWidth, v.CodedHeight, m.fps)
		}
		v.Codec = codecs.VP9CodecString(f.profile, f.level, f.bitDepth)
		return v, nil
	}

	codec, err := videoCodecString(family, e.CodecPrivate)
	if err != nil {
		return nil, errors.Wrapf(media.ErrUnsupportedFormat, "track %d: %v", e.TrackNumber, err)
	}
	v.Codec = codec
	return v, nil
}

func (m *metadataExtractor) audioMetadata(duration float64) *media.AudioMetadata {
	e := m.audio
	a := &media.AudioMetadata{
		ID:          int(e.TrackNumber),
		Duration:    duration,
		Description: e.CodecPrivate,
		Track:       e,
	}
	if e.Audio != nil {
		a.SampleRate = int(e.Audio.SamplingFrequency)
		a.NumberOfChannels = int(e.Audio.Channels)
	}
	if e.CodecDelay > 0 {
		us := int64(e.CodecDelay / 1e3)
		a.CodecDelay = &us
	}

	family, ok := CodecFamily(e.CodecID)
	switch {
	case !ok:
		a.Codec = e.CodecID
	case family == "mp4a":
		a.Codec = codecs.DefaultAACCodec
		if cfg, err := codecs.ParseAudioSpecificConfig(e.CodecPrivate); err == nil {
			a.Codec = cfg.CodecString()
			if cfg.SampleRate > 0 {
				a.SampleRate = cfg.SampleRate
			}
			if cfg.ChannelCount > 0 {
				a.NumberOfChannels = cfg.ChannelCount
			}
		}
	default:
		a.Codec = family
	}
	return a
}
