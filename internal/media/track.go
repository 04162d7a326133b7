package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/babelcloud/gbox/packages/media/internal/media/pipeline"
	"github.com/babelcloud/gbox/packages/media/internal/util"
)

// DefaultChunkHighWaterMark bounds each per-track chunk stream.
const DefaultChunkHighWaterMark = 16

// TrackState is the per-request extraction state of one track. It trims
// the incoming chunk sequence to its window and closes its stream once the
// termination rule fires: the first key chunk at or past the window end is
// emitted, then the stream ends.
type TrackState struct {
	Track  TrackMetadata
	Window Window

	startUs int64
	endUs   int64

	out    *ChunkStream
	logger *slog.Logger

	mu        sync.Mutex
	started   bool
	ended     bool
	pending   []*EncodedChunk
	extracted int
	skipped   int
}

// NewTrackState creates the state and its output stream.
func NewTrackState(track TrackMetadata, window Window, highWaterMark int) *TrackState {
	if highWaterMark <= 0 {
		highWaterMark = DefaultChunkHighWaterMark
	}
	return &TrackState{
		Track:   track,
		Window:  window,
		startUs: window.StartUs(),
		endUs:   window.EndUs(),
		out:     NewChunkStream(highWaterMark),
		logger: util.GetLogger().With("component", "track",
			"track", track.TrackID(), "type", track.MediaType().String()),
	}
}

// NewChunkStream creates a bounded chunk stream.
func NewChunkStream(highWaterMark int) *ChunkStream {
	return pipeline.NewStream[*EncodedChunk](highWaterMark)
}

// Stream is the consumer side of this track.
func (t *TrackState) Stream() *ChunkStream {
	return t.out
}

// Offer feeds one chunk in decode order. done is true once the track has
// terminated and wants nothing more.
func (t *TrackState) Offer(ctx context.Context, c *EncodedChunk) (bool, error) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return true, nil
	}

	var emit []*EncodedChunk
	if !t.started {
		switch {
		case c.IsKey() && c.TimestampUs <= t.startUs:
			t.skipped += len(t.pending)
			t.pending = append(t.pending[:0], c)
		case c.TimestampUs < t.startUs:
			if len(t.pending) > 0 {
				t.pending = append(t.pending, c)
			} else {
				t.skipped++
			}
		case len(t.pending) == 0 && !c.IsKey():
			// decoding has to begin at a key frame
			t.skipped++
		default:
			t.started = true
			emit = append(t.pending, c)
			t.pending = nil
		}
	} else {
		emit = []*EncodedChunk{c}
	}
	t.mu.Unlock()

	for _, chunk := range emit {
		if err := t.out.Send(ctx, chunk); err != nil {
			if errors.Is(err, pipeline.ErrStreamClosed) {
				return true, nil
			}
			return true, err
		}
		t.mu.Lock()
		t.extracted++
		finished := chunk.IsKey() && chunk.TimestampUs >= t.endUs
		t.mu.Unlock()
		if finished {
			t.logger.Debug("Track reached window end", "timestampUs", chunk.TimestampUs, "extracted", t.Extracted())
			t.Close(nil)
			return true, nil
		}
	}
	return false, nil
}

// Close ends the track with err, nil meaning end of source. Chunks still
// held back for the window start all precede it and are dropped.
func (t *TrackState) Close(err error) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.skipped += len(t.pending)
	t.pending = nil
	t.mu.Unlock()

	t.out.Close(err)
	t.logger.Debug("Track closed", "extracted", t.Extracted(), "skipped", t.Skipped(), "error", err)
}

// Ended reports whether the track has terminated.
func (t *TrackState) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// Extracted is the number of chunks handed to the stream.
func (t *TrackState) Extracted() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.extracted
}

// Skipped is the number of chunks dropped before the window start.
func (t *TrackState) Skipped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.skipped
}
