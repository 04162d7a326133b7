// Package webm demuxes WebM/Matroska streams into per-track streams of
// encoded chunks. The element stream is read strictly forward; blocks read
// while the metadata was still pending are replayed when streaming starts.
package webm

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/pipeline"
	"github.com/babelcloud/gbox/packages/media/internal/media/source"
	"github.com/babelcloud/gbox/packages/media/internal/util"
)

type backlogChunk struct {
	track *trackEntry
	chunk *media.EncodedChunk
}

// Demuxer serves chunk streams of a WebM source.
type Demuxer struct {
	r             source.Reader
	highWaterMark int
	logger        *slog.Logger

	mu       sync.Mutex
	tags     *tagReader
	meta     *media.MediaContainerMetadata
	extract  *metadataExtractor
	chunks   *chunkExtractor
	backlog  []backlogChunk
	ended    bool
	endErr   error
	tees     map[*trackEntry]*pipeline.Broadcaster[*media.EncodedChunk]
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	pumpDone chan struct{}
}

// NewDemuxer creates a demuxer reading r from its current position. The
// demuxer owns r from now on.
func NewDemuxer(r source.Reader, highWaterMark int) *Demuxer {
	if highWaterMark <= 0 {
		highWaterMark = media.DefaultChunkHighWaterMark
	}
	return &Demuxer{
		r:             r,
		highWaterMark: highWaterMark,
		logger:        util.GetLogger().With("component", "webm"),
		extract:       &metadataExtractor{},
		chunks:        newChunkExtractor(),
		tees:          make(map[*trackEntry]*pipeline.Broadcaster[*media.EncodedChunk]),
	}
}

// Init reads elements until the metadata is resolvable, or to the end of
// the stream, and returns it. Blocks read here are held until Start replays
// them, so a file without a Duration element is buffered whole.
func (d *Demuxer) Init(ctx context.Context) (*media.MediaContainerMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.meta != nil {
		return d.meta, nil
	}
	if d.tags == nil {
		d.tags = newTagReader(d.r)
	}

	var bufferedBytes int
	for !d.ended && !d.extract.resolvable() {
		t, err := d.tags.next(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read webm elements")
		}
		if t.kind == tagEnd {
			d.ended = true
			d.endErr = t.err
			if t.err != nil && d.extract.tracks == nil {
				return nil, errors.Wrap(t.err, "failed to parse webm")
			}
			break
		}
		for _, bc := range d.apply(t) {
			d.backlog = append(d.backlog, bc)
			bufferedBytes += len(bc.chunk.Data)
		}
	}

	meta, err := d.extract.build()
	if err != nil {
		return nil, err
	}
	d.meta = meta
	d.logger.Info("WebM initialized", "duration", meta.Duration, "buffered", len(d.backlog),
		"buffered_bytes", bufferedBytes, "complete", d.ended)
	return meta, nil
}

// apply routes one tag to the extractors and returns the chunks of a block.
func (d *Demuxer) apply(t tag) []backlogChunk {
	switch t.kind {
	case tagInfo:
		d.extract.setInfo(t.info)
		d.chunks.setInfo(t.info)
	case tagTracks:
		d.extract.setTracks(t.tracks)
		d.chunks.setTracks(t.tracks)
	case tagClusterTimecode:
		d.chunks.clusterTicks = t.timecode
	case tagBlock:
		e, chunks := d.chunks.blockChunks(t)
		if d.meta == nil {
			d.extract.observe(e, chunks, t.block.Invisible)
		}
		out := make([]backlogChunk, len(chunks))
		for i, c := range chunks {
			out[i] = backlogChunk{track: e, chunk: c}
		}
		return out
	}
	return nil
}

// GetChunkStream registers a request for track over window.
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
	e, err := d.trackFor(tm)
	if err != nil {
		return nil, err
	}

	tee := d.tees[e]
	if tee == nil {
		tee = pipeline.NewBroadcaster[*media.EncodedChunk]()
		d.tees[e] = tee
	}
	state := media.NewTrackState(tm, window, d.highWaterMark)
	tee.Subscribe("", state)
	d.logger.Debug("Chunk stream requested", "track", e.TrackNumber, "window", window.String())
	return state.Stream(), nil
}

func (d *Demuxer) trackFor(tm media.TrackMetadata) (*trackEntry, error) {
	var handle any
	switch m := tm.(type) {
	case *media.VideoMetadata:
		handle = m.Track
	case *media.AudioMetadata:
		handle = m.Track
	}
	e, ok := handle.(*trackEntry)
	if ok && (e == d.extract.video || e == d.extract.audio) {
		return e, nil
	}
	return nil, errors.Wrapf(media.ErrMissingTrack, "track %d does not belong to this demuxer", tm.TrackID())
}

// Start replays the buffered blocks, then keeps reading the element stream
// until every requested stream has terminated or the stream ends.
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
	backlog := d.backlog
	d.backlog = nil
	d.mu.Unlock()

	defer close(d.pumpDone)

	err := d.pump(ctx, backlog)
	if err != nil && d.isStopped() {
		err = nil
	}
	for _, tee := range d.tees {
		tee.Close(err)
	}
	if err != nil {
		d.logger.Warn("WebM pump stopped", "error", err)
		return err
	}
	d.logger.Info("WebM pump finished")
	return nil
}

func (d *Demuxer) pump(ctx context.Context, backlog []backlogChunk) error {
	for _, bc := range backlog {
		if err := d.dispatch(ctx, bc); err != nil {
			return err
		}
	}
	if d.ended {
		return d.endErr
	}
	for d.active() {
		t, err := d.tags.next(ctx)
		if err != nil {
			return err
		}
		if t.kind == tagEnd {
			return t.err
		}
		for _, bc := range d.apply(t) {
			if err := d.dispatch(ctx, bc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Demuxer) dispatch(ctx context.Context, bc backlogChunk) error {
	tee := d.tees[bc.track]
	if tee == nil || tee.SubscriberCount() == 0 {
		return nil
	}
	return tee.Broadcast(ctx, bc.chunk)
}

// active reports whether any requested stream still wants chunks.
func (d *Demuxer) active() bool {
	for _, tee := range d.tees {
		if tee.SubscriberCount() > 0 {
			return true
		}
	}
	return false
}

func (d *Demuxer) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
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
	tees := make([]*pipeline.Broadcaster[*media.EncodedChunk], 0, len(d.tees))
	for _, tee := range d.tees {
		tees = append(tees, tee)
	}
	tags := d.tags
	d.mu.Unlock()

	for _, tee := range tees {
		tee.Close(media.ErrStreamCancelled)
	}
	if cancel != nil {
		cancel()
	}
	if tags != nil {
		tags.close()
	}
	if err := d.r.Close(); err != nil {
		d.logger.Debug("Failed to close source", "error", err)
	}
}
