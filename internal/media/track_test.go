package media

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(ts int64, key bool) *EncodedChunk {
	c := &EncodedChunk{Type: ChunkDelta, TimestampUs: ts, DurationUs: 100, MediaType: MediaTypeVideo}
	if key {
		c.Type = ChunkKey
	}
	return c
}

// gop sequence: key every 4 chunks, 100us apart
func gopChunks(n int) []*EncodedChunk {
	out := make([]*EncodedChunk, n)
	for i := range out {
		out[i] = chunk(int64(i)*100, i%4 == 0)
	}
	return out
}

func drain(t *testing.T, s *ChunkStream) ([]*EncodedChunk, error) {
	t.Helper()
	var got []*EncodedChunk
	for {
		c, err := s.Recv(context.Background())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return got, nil
			}
			return got, err
		}
		got = append(got, c)
	}
}

func feed(t *testing.T, ts *TrackState, chunks []*EncodedChunk) {
	t.Helper()
	for _, c := range chunks {
		done, err := ts.Offer(context.Background(), c)
		require.NoError(t, err)
		if done {
			return
		}
	}
	ts.Close(nil)
}

func TestTrackState_TerminatesOnKeyPastEnd(t *testing.T) {
	w := Window{Start: 0, End: 500 * time.Microsecond}
	ts := NewTrackState(&VideoMetadata{ID: 1}, w, 64)

	feed(t, ts, gopChunks(20))
	got, err := drain(t, ts.Stream())
	require.NoError(t, err)

	last := got[len(got)-1]
	assert.True(t, last.IsKey())
	assert.Equal(t, int64(800), last.TimestampUs)
	assert.Len(t, got, 9)
	assert.True(t, ts.Ended())
	assert.Equal(t, 9, ts.Extracted())
}

func TestTrackState_StartsAtLastKeyBeforeStart(t *testing.T) {
	w := Window{Start: 650 * time.Microsecond, End: Unbounded}
	ts := NewTrackState(&VideoMetadata{ID: 1}, w, 64)

	feed(t, ts, gopChunks(12))
	got, err := drain(t, ts.Stream())
	require.NoError(t, err)

	require.NotEmpty(t, got)
	assert.True(t, got[0].IsKey())
	assert.Equal(t, int64(400), got[0].TimestampUs)
	assert.Len(t, got, 8)
	assert.Equal(t, 4, ts.Skipped())
}

func TestTrackState_TimestampsNonDecreasing(t *testing.T) {
	ts := NewTrackState(&AudioMetadata{ID: 2}, FullWindow, 128)
	feed(t, ts, gopChunks(50))
	got, err := drain(t, ts.Stream())
	require.NoError(t, err)
	require.Len(t, got, 50)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].TimestampUs, got[i].TimestampUs)
	}
}

func TestTrackState_DropsLeadingDeltas(t *testing.T) {
	ts := NewTrackState(&VideoMetadata{ID: 1}, FullWindow, 16)
	feed(t, ts, []*EncodedChunk{chunk(0, false), chunk(100, false), chunk(200, true), chunk(300, false)})
	got, err := drain(t, ts.Stream())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(200), got[0].TimestampUs)
	assert.Equal(t, 2, ts.Skipped())
}

func TestTrackState_OfferAfterEnd(t *testing.T) {
	ts := NewTrackState(&VideoMetadata{ID: 1}, FullWindow, 4)
	ts.Close(errors.New("source failed"))

	done, err := ts.Offer(context.Background(), chunk(0, true))
	assert.True(t, done)
	assert.NoError(t, err)

	_, err = ts.Stream().Recv(context.Background())
	assert.EqualError(t, err, "source failed")
}
