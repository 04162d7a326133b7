package decode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/util"
)

// DefaultHighWaterMark bounds both the decoder queue and the decoded units
// waiting to be read.
const DefaultHighWaterMark = 5

// State is the lifecycle position of a Stream.
type State int

const (
	StateUninitialized State = iota
	StateConfigured
	StateRunning
	StateWaiting
	StateDone
	StateErrored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option configures a Stream.
type Option func(*Stream)

// WithHighWaterMark overrides DefaultHighWaterMark.
func WithHighWaterMark(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.highWaterMark = n
		}
	}
}

// Stream decodes a chunk stream inside a window and hands out one unit at a
// time. Decoding always begins at a key chunk; units that start before the
// window are decoded and dropped.
type Stream struct {
	platform      Platform
	cfg           Config
	input         *media.ChunkStream
	window        media.Window
	highWaterMark int
	transform     func(Unit) Unit
	logger        *slog.Logger

	mu        sync.Mutex
	state     State
	err       error
	dec       Decoder
	decClosed bool
	pending   []Unit
	live      Unit
	cancel    context.CancelFunc
	feedDone  chan struct{}

	wake chan struct{}
	feed chan struct{}
}

func newStream(platform Platform, cfg Config, input *media.ChunkStream, window media.Window, opts []Option) *Stream {
	s := &Stream{
		platform:      platform,
		cfg:           cfg,
		input:         input,
		window:        window,
		highWaterMark: DefaultHighWaterMark,
		wake:          make(chan struct{}, 1),
		feed:          make(chan struct{}, 1),
		logger: util.GetLogger().With("component", "decoder_stream",
			"type", cfg.MediaType.String(), "codec", cfg.Codec),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Init checks that the platform accepts the track configuration and
// configures a decoder. Nothing is read from the input yet.
func (s *Stream) Init(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateUninitialized {
		return pkgerrors.Errorf("decoder stream is %s", state)
	}
	if s.platform == nil {
		return media.ErrNoDecoder
	}

	ok, err := s.platform.IsConfigSupported(ctx, s.cfg)
	if err != nil {
		return pkgerrors.Wrapf(media.ErrDecoderUnsupported, "%s: %v", s.cfg.Codec, err)
	}
	if !ok {
		return pkgerrors.Wrapf(media.ErrDecoderUnsupported, "%s on %s", s.cfg.Codec, s.platform.Name())
	}

	dec, err := s.platform.NewDecoder(Callbacks{
		Output:  s.onOutput,
		Error:   s.onError,
		Dequeue: s.signalFeed,
	})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create decoder")
	}
	if err := dec.Configure(s.cfg); err != nil {
		_ = dec.Close()
		return pkgerrors.Wrapf(media.ErrDecoderUnsupported, "configure %s: %v", s.cfg.Codec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		_ = dec.Close()
		return media.ErrStreamCancelled
	}
	s.dec = dec
	s.state = StateConfigured
	s.logger.Debug("Decoder configured", "platform", s.platform.Name(), "window", s.window.String())
	return nil
}

// Start begins feeding the decoder in the background. Units become
// available through Read.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConfigured:
	case StateUninitialized:
		return media.ErrNotInitialized
	default:
		return media.ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.feedDone = make(chan struct{})
	s.state = StateRunning
	go s.run(ctx)
	return nil
}

// Read closes the unit returned by the previous call and returns the next
// one. It returns io.EOF once the window is covered or the input ran out;
// the last unit then stays open until Dispose.
func (s *Stream) Read(ctx context.Context) (Unit, error) {
	s.mu.Lock()
	for {
		if len(s.pending) > 0 {
			if s.live != nil {
				s.live.Close()
			}
			u := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.live = u
			s.mu.Unlock()
			s.signalFeed()
			return u, nil
		}
		switch s.state {
		case StateUninitialized, StateConfigured:
			s.mu.Unlock()
			return nil, media.ErrNotInitialized
		case StateErrored:
			err := s.err
			s.mu.Unlock()
			return nil, err
		case StateDone, StateClosed:
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}
}

// Dispose releases everything the stream holds. It is safe in any state
// and may be called more than once.
func (s *Stream) Dispose() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateClosed
	for _, u := range s.pending {
		u.Close()
	}
	s.pending = nil
	if s.live != nil {
		s.live.Close()
		s.live = nil
	}
	cancel, feedDone := s.cancel, s.feedDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.input != nil {
		s.input.Cancel()
	}
	if feedDone != nil {
		<-feedDone
	}
	s.closeDecoder()
	s.signalWake()
	s.logger.Debug("Decoder stream disposed", "from", prev.String())
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.feedDone)
	defer s.closeDecoder()

	err := s.pump(ctx)

	s.mu.Lock()
	switch s.state {
	case StateRunning, StateWaiting:
		if err == nil {
			s.state = StateDone
			s.logger.Debug("Decoder stream exhausted input")
		} else {
			s.state = StateErrored
			s.err = err
			s.logger.Warn("Decoder stream failed", "error", err)
		}
	}
	s.mu.Unlock()
	s.signalWake()
}

// pump seeks to the start key chunk, then feeds the decoder under the high
// water mark until the input ends, and flushes.
func (s *Stream) pump(ctx context.Context) error {
	backlog, eof, err := s.seekStart(ctx)
	if err != nil {
		return err
	}
	s.logger.Debug("Decoder stream positioned", "backlog", len(backlog), "eof", eof)

	for {
		if err := s.waitForRoom(ctx); err != nil {
			return err
		}

		var chunk *media.EncodedChunk
		switch {
		case len(backlog) > 0:
			chunk = backlog[0]
			backlog[0] = nil
			backlog = backlog[1:]
		case eof:
			if err := s.dec.Flush(ctx); err != nil {
				return pkgerrors.Wrap(err, "decoder flush failed")
			}
			return nil
		default:
			chunk, err = s.input.Recv(ctx)
			if errors.Is(err, io.EOF) {
				eof = true
				continue
			}
			if err != nil {
				return err
			}
		}

		if err := s.dec.Decode(chunk); err != nil {
			return pkgerrors.Wrap(err, "decode failed")
		}
	}
}

// seekStart reads chunks up to the first one past the window start and
// returns those decoding has to begin with: the last key chunk at or before
// the start and what follows it, or the first key chunk after the start.
func (s *Stream) seekStart(ctx context.Context) ([]*media.EncodedChunk, bool, error) {
	startUs := s.window.StartUs()
	var keep []*media.EncodedChunk
	for {
		chunk, err := s.input.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return keep, true, nil
		}
		if err != nil {
			return nil, false, err
		}

		if chunk.TimestampUs <= startUs {
			switch {
			case chunk.IsKey():
				keep = append(keep[:0], chunk)
			case len(keep) > 0:
				keep = append(keep, chunk)
			}
			continue
		}
		if len(keep) == 0 && !chunk.IsKey() {
			continue
		}
		return append(keep, chunk), false, nil
	}
}

func (s *Stream) waitForRoom(ctx context.Context) error {
	for {
		// queried outside s.mu: decoders may call back into the stream while
		// holding their own lock
		queued := s.dec.DecodeQueueSize()

		s.mu.Lock()
		switch s.state {
		case StateRunning, StateWaiting:
		default:
			s.mu.Unlock()
			return context.Canceled
		}
		if queued < s.highWaterMark && len(s.pending) < s.highWaterMark {
			s.state = StateRunning
			s.mu.Unlock()
			return nil
		}
		s.state = StateWaiting
		s.mu.Unlock()

		select {
		case <-s.feed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Stream) onOutput(u Unit) {
	if s.transform != nil {
		u = s.transform(u)
	}

	s.mu.Lock()
	switch s.state {
	case StateRunning, StateWaiting:
	default:
		s.mu.Unlock()
		u.Close()
		return
	}
	if u.Timestamp() < s.window.StartUs() {
		s.mu.Unlock()
		u.Close()
		return
	}
	s.pending = append(s.pending, u)
	finished := s.window.Bounded() && u.Timestamp()+u.Duration() >= s.window.EndUs()
	var cancel context.CancelFunc
	if finished {
		s.state = StateDone
		cancel = s.cancel
	}
	s.mu.Unlock()

	if finished {
		s.logger.Debug("Decoder stream reached window end", "timestampUs", u.Timestamp())
		// the pump goroutine closes the decoder on its way out
		cancel()
		s.input.Cancel()
	}
	s.signalWake()
}

func (s *Stream) onError(err error) {
	s.mu.Lock()
	switch s.state {
	case StateDone, StateErrored, StateClosed:
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	s.err = pkgerrors.Wrap(err, "decoder error")
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Warn("Decoder reported error", "error", err)
	if cancel != nil {
		cancel()
	}
	s.signalWake()
}

func (s *Stream) closeDecoder() {
	s.mu.Lock()
	dec := s.dec
	if dec == nil || s.decClosed {
		s.mu.Unlock()
		return
	}
	s.decClosed = true
	s.mu.Unlock()

	if err := dec.Close(); err != nil {
		s.logger.Debug("Decoder close failed", "error", err)
	}
}

func (s *Stream) signalFeed() {
	select {
	case s.feed <- struct{}{}:
	default:
	}
}

func (s *Stream) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
