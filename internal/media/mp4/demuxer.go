// Package mp4 demuxes ISO-BMFF files, progressive and fragmented, into
// per-track streams of encoded chunks.
package mp4

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/pipeline"
	"github.com/babelcloud/gbox/packages/media/internal/media/source"
	"github.com/babelcloud/gbox/packages/media/internal/util"
)

// Demuxer serves chunk streams of an MP4 source. All requested tracks are
// read by a single pump walking the media data in file order.
type Demuxer struct {
	r             source.Reader
	highWaterMark int
	logger        *slog.Logger

	mu       sync.Mutex
	mov      *movie
	meta     *media.MediaContainerMetadata
	cursors  map[*track]*cursor
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	pumpDone chan struct{}
}

// cursor is the pump position of one track, shared by every request on it.
type cursor struct {
	track *track
	meta  media.TrackMetadata
	index int
	tee   *pipeline.Broadcaster[*media.EncodedChunk]
	done  bool
}

// NewDemuxer creates a demuxer reading r. The demuxer owns r from now on.
func NewDemuxer(r source.Reader, highWaterMark int) *Demuxer {
	if highWaterMark <= 0 {
		highWaterMark = media.DefaultChunkHighWaterMark
	}
	return &Demuxer{
		r:             r,
		highWaterMark: highWaterMark,
		logger:        util.GetLogger().With("component", "mp4"),
		cursors:       make(map[*track]*cursor),
	}
}

// Init parses the movie structure and returns the container metadata.
func (d *Demuxer) Init(ctx context.Context) (*media.MediaContainerMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.meta != nil {
		return d.meta, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := d.r.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "failed to rewind source")
	}

	mov, err := readMovie(d.r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read mp4 structure")
	}
	for _, t := range mov.tracks {
		if err := t.buildSamples(); err != nil {
			return nil, errors.Wrap(err, "failed to build sample table")
		}
	}
	meta, err := reduceMetadata(mov)
	if err != nil {
		return nil, err
	}

	d.mov = mov
	d.meta = meta
	d.logger.Info("MP4 initialized", "duration", meta.Duration, "tracks", len(mov.tracks),
		"fragmented", mov.fragmented)
	return meta, nil
}

// GetChunkStream registers a request for track over window. Several
// requests on one track, overlapping or not, share its cursor.
func (d *Demuxer) GetChunkStream(tm media.TrackMetadata, window media.Window) (*media.ChunkStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.meta == nil {
		return nil, media.ErrNotInitialized
	}
	if d.started {
		return nil, media.ErrAlreadyStarted
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	t, err := d.trackFor(tm)
	if err != nil {
		return nil, err
	}

	c := d.cursors[t]
	start := t.seekIndex(window.StartUs())
	if c == nil {
		c = &cursor{
			track: t,
			meta:  tm,
			index: start,
			tee:   pipeline.NewBroadcaster[*media.EncodedChunk](),
		}
		d.cursors[t] = c
	} else if start < c.index {
		c.index = start
	}

	state := media.NewTrackState(tm, window, d.highWaterMark)
	c.tee.Subscribe("", state)
	d.logger.Debug("Chunk stream requested", "track", t.id, "window", window.String(), "startSample", start)
	return state.Stream(), nil
}

func (d *Demuxer) trackFor(tm media.TrackMetadata) (*track, error) {
	var handle any
	switch m := tm.(type) {
	case *media.VideoMetadata:
		handle = m.Track
	case *media.AudioMetadata:
		handle = m.Track
	}
	t, ok := handle.(*track)
	if !ok {
		return nil, errors.Wrapf(media.ErrMissingTrack, "track %d does not belong to this demuxer", tm.TrackID())
	}
	for _, known := range d.mov.tracks {
		if known == t {
			return t, nil
		}
	}
	return nil, errors.Wrapf(media.ErrMissingTrack, "track %d does not belong to this demuxer", tm.TrackID())
}

// Start runs the sample pump until every requested stream has terminated
// or the samples run out.
func (d *Demuxer) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.meta == nil {
		d.mu.Unlock()
		return media.ErrNotInitialized
	}
	if d.started {
		d.mu.Unlock()
		return media.ErrAlreadyStarted
	}
	if d.stopped {
		d.mu.Unlock()
		return media.ErrStreamCancelled
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.pumpDone = make(chan struct{})
	cursors := make([]*cursor, 0, len(d.cursors))
	for _, c := range d.cursors {
		cursors = append(cursors, c)
	}
	d.mu.Unlock()

	defer close(d.pumpDone)
	sort.Slice(cursors, func(i, j int) bool { return cursors[i].track.id < cursors[j].track.id })

	err := d.pump(ctx, cursors)
	if err != nil && d.isStopped() {
		err = nil
	}
	for _, c := range cursors {
		c.tee.Close(err)
	}
	if err != nil {
		d.logger.Warn("MP4 pump stopped", "error", err)
		return err
	}
	d.logger.Info("MP4 pump finished")
	return nil
}

func (d *Demuxer) pump(ctx context.Context, cursors []*cursor) error {
	for {
		c := nextCursor(cursors)
		if c == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		t := c.track
		s := &t.samples[c.index]
		chunk, err := d.readChunk(c, s)
		if err != nil {
			return errors.Wrapf(err, "failed to read sample %d of track %d", c.index, t.id)
		}
		if err := c.tee.Broadcast(ctx, chunk); err != nil {
			return err
		}

		c.index++
		if c.index >= len(t.samples) || c.tee.SubscriberCount() == 0 {
			c.done = true
			c.tee.Close(nil)
		}
		d.release(cursors)
	}
}

// nextCursor picks the active cursor whose next sample lies first in the file.
func nextCursor(cursors []*cursor) *cursor {
	var best *cursor
	for _, c := range cursors {
		if c.done {
			continue
		}
		if c.index >= len(c.track.samples) || c.tee.SubscriberCount() == 0 {
			c.done = true
			c.tee.Close(nil)
			continue
		}
		if best == nil || c.track.samples[c.index].offset < best.track.samples[best.index].offset {
			best = c
		}
	}
	return best
}

// release drops source bytes no active cursor will read again. Sample
// offsets grow monotonically within a track, so each cursor's next sample
// bounds what it still needs.
func (d *Demuxer) release(cursors []*cursor) {
	low := int64(-1)
	for _, c := range cursors {
		if c.done {
			continue
		}
		if off := c.track.samples[c.index].offset; low < 0 || off < low {
			low = off
		}
	}
	if low > 0 {
		d.r.Release(low)
	}
}

func (d *Demuxer) readChunk(c *cursor, s *sample) (*media.EncodedChunk, error) {
	data := make([]byte, s.size)
	if _, err := d.r.Seek(s.offset, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(d.r, data); err != nil {
		return nil, fmt.Errorf("short sample at offset %d: %w", s.offset, err)
	}
	return toChunk(c.track, c.meta, s, data), nil
}

// toChunk maps a sample onto an encoded chunk, shifting timestamps by the
// edit list presentation offset.
func toChunk(t *track, tm media.TrackMetadata, s *sample, data []byte) *media.EncodedChunk {
	chunk := &media.EncodedChunk{
		Type:        media.ChunkDelta,
		TimestampUs: t.presentationUs(s),
		DurationUs:  t.timeUs(int64(s.duration)),
		Data:        data,
		MediaType:   tm.MediaType(),
	}
	if s.sync {
		chunk.Type = media.ChunkKey
	}
	if v, ok := tm.(*media.VideoMetadata); ok {
		chunk.CodedWidth = v.CodedWidth
		chunk.CodedHeight = v.CodedHeight
		chunk.ColorSpace = v.ColorSpace
	}
	return chunk
}

// Stop ends every stream and closes the source. Safe to call repeatedly.
func (d *Demuxer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cancel := d.cancel
	done := d.pumpDone
	cursors := make([]*cursor, 0, len(d.cursors))
	for _, c := range d.cursors {
		cursors = append(cursors, c)
	}
	d.mu.Unlock()

	for _, c := range cursors {
		c.tee.Close(media.ErrStreamCancelled)
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		go func() {
			<-done
			d.closeSource()
		}()
		return
	}
	d.closeSource()
}

func (d *Demuxer) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func (d *Demuxer) closeSource() {
	if err := d.r.Close(); err != nil {
		d.logger.Debug("Failed to close source", "error", err)
	}
}
