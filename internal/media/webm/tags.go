package webm

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/at-wat/ebml-go"

	"github.com/babelcloud/gbox/packages/media/internal/media/source"
)

// The structs below describe the subset of the Matroska element tree the
// demuxer reads. Channel fields make ebml-go hand elements over as soon as
// they are complete instead of after the whole file is parsed.

type container struct {
	Header  header  `ebml:"EBML"`
	Segment segment `ebml:",size=unknown"`
}

type header struct {
	EBMLDocType string
}

type segment struct {
	Info    chan *info
	Tracks  chan *tracks
	Cluster cluster `ebml:",size=unknown"`
}

type info struct {
	TimecodeScale uint64
	Duration      float64 `ebml:",omitempty"`
	MuxingApp     string  `ebml:",omitempty"`
	WritingApp    string  `ebml:",omitempty"`
}

type tracks struct {
	TrackEntry []trackEntry
}

type trackEntry struct {
	TrackNumber         uint64
	TrackUID            uint64
	TrackType           uint64
	CodecID             string
	CodecPrivate        []byte  `ebml:",omitempty"`
	DefaultDuration     uint64  `ebml:",omitempty"`
	CodecDelay          uint64  `ebml:",omitempty"`
	SeekPreRoll         uint64  `ebml:",omitempty"`
	TrackTimestampScale float64 `ebml:",omitempty"`
	Video               *video  `ebml:",omitempty"`
	Audio               *audio  `ebml:",omitempty"`
}

type video struct {
	PixelWidth  uint64
	PixelHeight uint64
	Colour      *colour `ebml:",omitempty"`
}

type colour struct {
	MatrixCoefficients      uint64 `ebml:",omitempty"`
	Range                   uint64 `ebml:",omitempty"`
	TransferCharacteristics uint64 `ebml:",omitempty"`
	Primaries               uint64 `ebml:",omitempty"`
}

type audio struct {
	SamplingFrequency float64
	Channels          uint64
	BitDepth          uint64 `ebml:",omitempty"`
}

type cluster struct {
	Timecode    chan uint64
	SimpleBlock chan ebml.Block
	BlockGroup  chan *blockGroup
}

type blockGroup struct {
	Block          ebml.Block
	BlockDuration  uint64  `ebml:",omitempty"`
	ReferenceBlock []int64 `ebml:",omitempty"`
}

// Matroska track types
const (
	trackTypeVideo = 1
	trackTypeAudio = 2
)

type tagKind int

const (
	tagInfo tagKind = iota
	tagTracks
	tagClusterTimecode
	tagBlock
	tagEnd
)

// tag is one structural event of the element stream. Exactly the fields of
// its kind are set.
type tag struct {
	kind tagKind

	info     *info
	tracks   *tracks
	timecode uint64

	block         *ebml.Block
	simple        bool
	blockDuration uint64
	referenced    bool

	// err is the parse error ending the stream, nil at a clean end.
	err error
}

// tagReader turns the channel-driven ebml-go unmarshal into an ordered
// sequence of tags. Every element channel is unbuffered, so the order the
// mux goroutine receives them in is the file order.
type tagReader struct {
	events   chan tag
	stop     chan struct{}
	stopOnce sync.Once
}

// releasingReader releases everything before the read position: the EBML
// parser reads strictly forward.
type releasingReader struct {
	r   source.Reader
	pos int64
}

func (r *releasingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.pos += int64(n)
	if n > 0 {
		r.r.Release(r.pos)
	}
	return n, err
}

func newTagReader(r source.Reader) *tagReader {
	c := &container{
		Segment: segment{
			Info:   make(chan *info),
			Tracks: make(chan *tracks),
			Cluster: cluster{
				Timecode:    make(chan uint64),
				SimpleBlock: make(chan ebml.Block),
				BlockGroup:  make(chan *blockGroup),
			},
		},
	}
	tr := &tagReader{
		events: make(chan tag),
		stop:   make(chan struct{}),
	}

	parsed := make(chan error, 1)
	go func() {
		parsed <- ebml.Unmarshal(&releasingReader{r: r}, c, ebml.WithIgnoreUnknown(true))
	}()
	go tr.mux(c, parsed)
	return tr
}

func (tr *tagReader) mux(c *container, parsed <-chan error) {
	defer close(tr.events)

	cl := &c.Segment.Cluster
	for {
		var t tag
		select {
		case v := <-c.Segment.Info:
			t = tag{kind: tagInfo, info: v}
		case v := <-c.Segment.Tracks:
			t = tag{kind: tagTracks, tracks: v}
		case v := <-cl.Timecode:
			t = tag{kind: tagClusterTimecode, timecode: v}
		case v := <-cl.SimpleBlock:
			b := v
			t = tag{kind: tagBlock, block: &b, simple: true}
		case v := <-cl.BlockGroup:
			t = tag{
				kind:          tagBlock,
				block:         &v.Block,
				blockDuration: v.BlockDuration,
				referenced:    len(v.ReferenceBlock) > 0,
			}
		case err := <-parsed:
			if errors.Is(err, io.EOF) {
				err = nil
			}
			select {
			case tr.events <- tag{kind: tagEnd, err: err}:
			case <-tr.stop:
			}
			return
		}

		select {
		case tr.events <- t:
		case <-tr.stop:
			// keep the parser moving until it hits the closed source
			for {
				select {
				case <-c.Segment.Info:
				case <-c.Segment.Tracks:
				case <-cl.Timecode:
				case <-cl.SimpleBlock:
				case <-cl.BlockGroup:
				case <-parsed:
					return
				}
			}
		}
	}
}

// next returns the following tag. After the tagEnd tag it returns io.EOF.
func (tr *tagReader) next(ctx context.Context) (tag, error) {
	select {
	case t, ok := <-tr.events:
		if !ok {
			return tag{}, io.EOF
		}
		return t, nil
	case <-ctx.Done():
		return tag{}, ctx.Err()
	}
}

// close detaches the reader. The caller closes the source so the parser
// goroutine terminates.
func (tr *tagReader) close() {
	tr.stopOnce.Do(func() { close(tr.stop) })
}
