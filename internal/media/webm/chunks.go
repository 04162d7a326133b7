package webm

import (
	"math"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/codecs"
)

const defaultTimecodeScale = 1_000_000 // ns per tick

// chunkExtractor turns blocks into encoded chunks. It tracks the segment
// timestamp scale and the current cluster timestamp.
type chunkExtractor struct {
	timecodeScale uint64
	clusterTicks  uint64
	tracks        map[uint64]*trackEntry
}

func newChunkExtractor() *chunkExtractor {
	return &chunkExtractor{
		timecodeScale: defaultTimecodeScale,
		tracks:        make(map[uint64]*trackEntry),
	}
}

func (x *chunkExtractor) setInfo(i *info) {
	if i.TimecodeScale > 0 {
		x.timecodeScale = i.TimecodeScale
	}
}

func (x *chunkExtractor) setTracks(t *tracks) {
	for i := range t.TrackEntry {
		e := &t.TrackEntry[i]
		x.tracks[e.TrackNumber] = e
	}
}

// blockChunks decomposes a block into one chunk per laced frame. It returns
// nil for blocks of unknown tracks.
func (x *chunkExtractor) blockChunks(t tag) (*trackEntry, []*media.EncodedChunk) {
	b := t.block
	e := x.tracks[b.TrackNumber]
	if e == nil || len(b.Data) == 0 {
		return e, nil
	}

	trackScale := e.TrackTimestampScale
	if trackScale <= 0 {
		trackScale = 1
	}
	ticks := float64(x.clusterTicks) + float64(b.Timecode)*trackScale
	tsUs := int64(math.Round(ticks * float64(x.timecodeScale) / 1e3))

	frameUs := int64(e.DefaultDuration / 1e3)
	if t.blockDuration > 0 {
		total := float64(t.blockDuration) * float64(x.timecodeScale) / 1e3
		frameUs = int64(math.Round(total / float64(len(b.Data))))
	}

	key := b.Keyframe
	if !t.simple {
		key = !t.referenced
	}

	kind := media.MediaTypeAudio
	if e.TrackType == trackTypeVideo {
		kind = media.MediaTypeVideo
	}

	chunks := make([]*media.EncodedChunk, len(b.Data))
	for i, data := range b.Data {
		c := &media.EncodedChunk{
			Type:        media.ChunkDelta,
			TimestampUs: tsUs + int64(i)*frameUs,
			DurationUs:  frameUs,
			Data:        data,
			MediaType:   kind,
		}
		// laced video frames after the first are not independently decodable
		if key && (i == 0 || kind == media.MediaTypeAudio) {
			c.Type = media.ChunkKey
		}
		if kind == media.MediaTypeVideo && e.Video != nil {
			c.CodedWidth = int(e.Video.PixelWidth)
			c.CodedHeight = int(e.Video.PixelHeight)
			c.ColorSpace = colourSpace(e.Video.Colour)
		}
		chunks[i] = c
	}
	return e, chunks
}

// Matroska Range values
const (
	rangeBroadcast = 1
	rangeFull      = 2
)

func colourSpace(c *colour) *media.ColorSpace {
	if c == nil {
		return nil
	}
	var full *bool
	switch c.Range {
	case rangeBroadcast:
		f := false
		full = &f
	case rangeFull:
		f := true
		full = &f
	}
	matrix := int(c.MatrixCoefficients)
	if matrix == 0 {
		// an absent element reads as 0; treat it as unspecified
		matrix = 2
	}
	return codecs.ColorSpace(int(c.Primaries), int(c.TransferCharacteristics), matrix, full)
}
