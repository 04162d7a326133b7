// Package demux is the format-agnostic entry point: it sniffs the container
// signature of a source and forwards to the matching demuxer.
package demux

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/mp4"
	"github.com/babelcloud/gbox/packages/media/internal/media/source"
	"github.com/babelcloud/gbox/packages/media/internal/media/webm"
	"github.com/babelcloud/gbox/packages/media/internal/util"
)

// Format is what a container demuxer offers.
type Format interface {
	Init(ctx context.Context) (*media.MediaContainerMetadata, error)
	GetChunkStream(track media.TrackMetadata, window media.Window) (*media.ChunkStream, error)
	Start(ctx context.Context) error
	Stop()
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithHighWaterMark bounds every chunk stream.
func WithHighWaterMark(n int) Option {
	return func(d *Demuxer) { d.highWaterMark = n }
}

// WithSniffLength sets how many leading bytes are used for detection.
func WithSniffLength(n int) Option {
	return func(d *Demuxer) {
		if n > 0 {
			d.sniffLength = n
		}
	}
}

// Demuxer selects and drives the container demuxer of a source.
type Demuxer struct {
	src           source.Source
	highWaterMark int
	sniffLength   int
	logger        *slog.Logger

	mu        sync.Mutex
	format    Format
	container media.ContainerType
	stopped   bool
}

// New creates a demuxer for src. Nothing is read before Init.
func New(src source.Source, opts ...Option) *Demuxer {
	d := &Demuxer{
		src:           src,
		highWaterMark: media.DefaultChunkHighWaterMark,
		sniffLength:   media.SniffLength,
		logger:        util.GetLogger().With("component", "demux", "source", src.String()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init opens the source, detects the container and returns its metadata.
// On failure the source is closed and nothing is retained.
func (d *Demuxer) Init(ctx context.Context) (*media.MediaContainerMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil, media.ErrStreamCancelled
	}
	if d.format != nil {
		return d.format.Init(ctx)
	}

	r, err := d.src.Open(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", d.src)
	}

	container, err := sniff(r, d.sniffLength)
	if err != nil {
		_ = r.Close()
		return nil, errors.Wrapf(err, "%s", d.src)
	}

	var format Format
	switch container {
	case media.ContainerMP4:
		format = mp4.NewDemuxer(r, d.highWaterMark)
	case media.ContainerWebM:
		format = webm.NewDemuxer(r, d.highWaterMark)
	}
	d.logger.Debug("Container detected", "container", container)

	meta, err := format.Init(ctx)
	if err != nil {
		format.Stop()
		return nil, errors.Wrapf(err, "failed to demux %s", d.src)
	}
	d.format = format
	d.container = container
	return meta, nil
}

// sniff reads the leading bytes of r, detects the container and rewinds.
func sniff(r source.Reader, n int) (media.ContainerType, error) {
	header := make([]byte, n)
	read, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", errors.Wrap(err, "failed to read header")
	}
	container, err := media.DetectContainer(header[:read])
	if err != nil {
		return "", err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", errors.Wrap(err, "failed to rewind source")
	}
	return container, nil
}

// Container is the detected container, empty before Init.
func (d *Demuxer) Container() media.ContainerType {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.container
}

func (d *Demuxer) current() (Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.format == nil {
		return nil, media.ErrNotInitialized
	}
	return d.format, nil
}

// GetChunkStream requests the chunks of track inside window.
func (d *Demuxer) GetChunkStream(track media.TrackMetadata, window media.Window) (*media.ChunkStream, error) {
	f, err := d.current()
	if err != nil {
		return nil, err
	}
	return f.GetChunkStream(track, window)
}

// Start pushes chunks into the requested streams. It returns once every
// stream has terminated or the source is exhausted.
func (d *Demuxer) Start(ctx context.Context) error {
	f, err := d.current()
	if err != nil {
		return err
	}
	return f.Start(ctx)
}

// Stop terminates all streams and closes the source. Safe to call at any
// time and repeatedly.
func (d *Demuxer) Stop() {
	d.mu.Lock()
	d.stopped = true
	f := d.format
	d.mu.Unlock()
	if f != nil {
		f.Stop()
	}
}
