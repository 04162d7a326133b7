package media

import "github.com/babelcloud/gbox/packages/media/internal/media/pipeline"

// ChunkType marks whether a chunk can be decoded on its own.
type ChunkType string

const (
	ChunkKey   ChunkType = "key"
	ChunkDelta ChunkType = "delta"
)

// EncodedChunk is one encoded sample or laced frame. Data is owned by the
// chunk; DurationUs is 0 when the container does not say.
type EncodedChunk struct {
	Type        ChunkType
	TimestampUs int64
	DurationUs  int64
	Data        []byte
	CodedWidth  int
	CodedHeight int
	ColorSpace  *ColorSpace
	MediaType   MediaType
}

// IsKey reports whether the chunk is a key frame.
func (c *EncodedChunk) IsKey() bool {
	return c.Type == ChunkKey
}

// EndUs is the presentation end of the chunk.
func (c *EncodedChunk) EndUs() int64 {
	return c.TimestampUs + c.DurationUs
}

// ChunkStream is the per-track output of a demuxer.
type ChunkStream = pipeline.Stream[*EncodedChunk]
