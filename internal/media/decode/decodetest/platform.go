// Package decodetest provides an in-memory decoder platform for tests. It
// "decodes" each chunk into one unit carrying the chunk's timing, and keeps
// count of units that were handed out but never closed.
package decodetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/decode"
)

// ErrClosed is returned by a closed decoder.
var ErrClosed = errors.New("decoder closed")

// Platform is a fake decode.Platform.
type Platform struct {
	// ID is returned by Name; "fake" when empty.
	ID string
	// Codecs lists accepted codec prefixes. Empty accepts everything.
	Codecs []string
	// FailCreate makes NewDecoder fail.
	FailCreate error
	// FailAt, when positive, reports a decode error through the error
	// callback once the chunk with this timestamp is reached.
	FailAt int64
	// Channels is the plane count of audio buffers, 2 when zero.
	Channels int

	created  atomic.Int64
	released atomic.Int64
	decoded  atomic.Int64
	maxQueue atomic.Int64

	mu       sync.Mutex
	decoders []*Decoder
}

// New returns a platform accepting every codec.
func New() *Platform {
	return &Platform{}
}

func (p *Platform) Name() string {
	if p.ID == "" {
		return "fake"
	}
	return p.ID
}

func (p *Platform) IsConfigSupported(_ context.Context, cfg decode.Config) (bool, error) {
	if len(p.Codecs) == 0 {
		return true, nil
	}
	for _, c := range p.Codecs {
		if strings.HasPrefix(cfg.Codec, c) {
			return true, nil
		}
	}
	return false, nil
}

func (p *Platform) NewDecoder(cb decode.Callbacks) (decode.Decoder, error) {
	if p.FailCreate != nil {
		return nil, p.FailCreate
	}
	d := &Decoder{p: p, cb: cb, closedCh: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	p.mu.Lock()
	p.decoders = append(p.decoders, d)
	p.mu.Unlock()
	go d.loop()
	return d, nil
}

// Outstanding is the number of units created and not yet closed.
func (p *Platform) Outstanding() int64 {
	return p.created.Load() - p.released.Load()
}

// Decoded is the number of chunks turned into units.
func (p *Platform) Decoded() int64 {
	return p.decoded.Load()
}

// MaxQueue is the deepest decode queue observed.
func (p *Platform) MaxQueue() int64 {
	return p.maxQueue.Load()
}

// Decoders returns every decoder created so far.
func (p *Platform) Decoders() []*Decoder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Decoder(nil), p.decoders...)
}

type item struct {
	chunk   *media.EncodedChunk
	flushed chan struct{}
}

// Decoder is a fake decode.Decoder that decodes on its own goroutine.
type Decoder struct {
	p  *Platform
	cb decode.Callbacks

	mu       sync.Mutex
	cond     *sync.Cond
	cfg      decode.Config
	queue    []item
	queued   int
	closed   bool
	closedCh chan struct{}
}

func (d *Decoder) Configure(cfg decode.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.cfg = cfg
	return nil
}

func (d *Decoder) Decode(chunk *media.EncodedChunk) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.queue = append(d.queue, item{chunk: chunk})
	d.queued++
	if n := int64(d.queued); n > d.p.maxQueue.Load() {
		d.p.maxQueue.Store(n)
	}
	d.cond.Signal()
	return nil
}

func (d *Decoder) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.queue = append(d.queue, item{flushed: flushed})
	d.cond.Signal()
	d.mu.Unlock()

	select {
	case <-flushed:
		return nil
	case <-d.closedCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.closedCh)
	d.cond.Broadcast()
	return nil
}

// Closed reports whether Close was called.
func (d *Decoder) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Decoder) DecodeQueueSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued
}

func (d *Decoder) loop() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		it := d.queue[0]
		d.queue = d.queue[1:]
		cfg := d.cfg
		d.mu.Unlock()

		if it.flushed != nil {
			close(it.flushed)
			continue
		}

		if d.p.FailAt > 0 && it.chunk.TimestampUs == d.p.FailAt {
			d.cb.Error(errors.New("corrupt chunk"))
			d.mu.Lock()
			d.queued--
			d.mu.Unlock()
			continue
		}

		u := d.p.unit(cfg, it.chunk)
		d.mu.Lock()
		d.queued--
		d.mu.Unlock()
		d.p.decoded.Add(1)
		d.cb.Output(u)
		d.cb.Dequeue()
	}
}

func (p *Platform) unit(cfg decode.Config, c *media.EncodedChunk) decode.Unit {
	p.created.Add(1)
	release := func() { p.released.Add(1) }

	if cfg.MediaType == media.MediaTypeAudio {
		channels := p.Channels
		if channels == 0 {
			channels = 2
		}
		planes := make([][]float32, channels)
		for ch := range planes {
			planes[ch] = make([]float32, 4)
			for i := range planes[ch] {
				planes[ch][i] = float32(ch + 1)
			}
		}
		return decode.NewAudioBuffer(c.TimestampUs, c.DurationUs, cfg.SampleRate, planes, release)
	}

	width, height := cfg.CodedWidth, cfg.CodedHeight
	if c.CodedWidth > 0 {
		width, height = c.CodedWidth, c.CodedHeight
	}
	data := make([]byte, 4)
	return decode.NewVideoFrame(c.TimestampUs, c.DurationUs, width, height, decode.PixelFormatRGBA, data, release)
}
