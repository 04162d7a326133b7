// Package ffmpeg decodes and renders video by driving an ffmpeg
// subprocess: encoded chunks go in through stdin as a raw bitstream and
// RGBA pictures come back on stdout.
package ffmpeg

import (
	"container/heap"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/decode"
	"github.com/babelcloud/gbox/packages/media/internal/util"
)

// PlatformName identifies the subprocess decoder in deny lists.
const PlatformName = "ffmpeg"

var errDecoderClosed = errors.New("ffmpeg decoder closed")

// Platform is a decode.Platform backed by an ffmpeg binary.
type Platform struct {
	path   string
	logger *slog.Logger
}

// NewPlatform uses the ffmpeg binary at path, or the one on PATH when
// path is empty.
func NewPlatform(path string) *Platform {
	if path == "" {
		path = "ffmpeg"
	}
	return &Platform{
		path:   path,
		logger: util.GetLogger().With("component", "ffmpeg_decoder"),
	}
}

func (p *Platform) Name() string { return PlatformName }

// IsConfigSupported accepts video codecs that can be piped as Annex-B or
// IVF. Audio is not decoded by this platform.
func (p *Platform) IsConfigSupported(_ context.Context, cfg decode.Config) (bool, error) {
	if cfg.MediaType != media.MediaTypeVideo || cfg.CodedWidth <= 0 || cfg.CodedHeight <= 0 {
		return false, nil
	}
	if _, err := newBitstream(cfg); err != nil {
		return false, nil
	}
	if _, err := exec.LookPath(p.path); err != nil {
		return false, errors.Wrap(err, "ffmpeg not found")
	}
	return true, nil
}

func (p *Platform) NewDecoder(cb decode.Callbacks) (decode.Decoder, error) {
	d := &Decoder{path: p.path, cb: cb, logger: p.logger}
	d.cond = sync.NewCond(&d.mu)
	return d, nil
}

// Decoder feeds one ffmpeg process. DecodeQueueSize counts chunks not yet
// written to the pipe.
type Decoder struct {
	path   string
	cb     decode.Callbacks
	logger *slog.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	cfg        decode.Config
	bs         bitstream
	frameSize  int
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	writes     [][]byte
	flushing   bool
	closed     bool
	timestamps timestampHeap
	stderr     *tailBuffer
	exited     chan struct{}
	exitErr    error
}

func (d *Decoder) Configure(cfg decode.Config) error {
	bs, err := newBitstream(cfg)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDecoderClosed
	}
	d.cfg = cfg
	d.bs = bs
	d.frameSize = cfg.CodedWidth * cfg.CodedHeight * 4
	return nil
}

func (d *Decoder) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", d.bs.Format(), "-i", "pipe:0",
		"-an", "-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", sizeArg(d.cfg.CodedWidth, d.cfg.CodedHeight),
		"-vsync", "passthrough",
		"pipe:1",
	}
}

// start launches ffmpeg. Callers hold d.mu.
func (d *Decoder) start() error {
	cmd := exec.Command(d.path, d.args()...)
	detach(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "creating stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "creating stdout pipe")
	}
	d.stderr = newTailBuffer(stderrTail)
	cmd.Stderr = d.stderr
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "starting ffmpeg")
	}
	d.logger.Debug("ffmpeg decoder started", "pid", cmd.Process.Pid, "codec", d.cfg.Codec)

	d.cmd = cmd
	d.stdin = stdin
	d.exited = make(chan struct{})
	if header := d.bs.Header(); len(header) > 0 {
		d.writes = append(d.writes, header)
	}
	go d.writeLoop()
	go d.readLoop(stdout)
	return nil
}

func (d *Decoder) Decode(chunk *media.EncodedChunk) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.flushing {
		return errDecoderClosed
	}
	if d.bs == nil {
		return errors.New("ffmpeg decoder not configured")
	}
	data, err := d.bs.Frame(chunk)
	if err != nil {
		return errors.Wrap(err, "failed to frame chunk")
	}
	if d.cmd == nil {
		if err := d.start(); err != nil {
			return err
		}
	}
	heap.Push(&d.timestamps, pts{us: chunk.TimestampUs, durationUs: chunk.DurationUs})
	d.writes = append(d.writes, data)
	d.cond.Signal()
	return nil
}

func (d *Decoder) DecodeQueueSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

// Flush closes ffmpeg's input once every queued chunk is written and waits
// for the process to drain its output and exit.
func (d *Decoder) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.cmd == nil || d.closed {
		d.mu.Unlock()
		return nil
	}
	d.flushing = true
	d.cond.Broadcast()
	exited := d.exited
	d.mu.Unlock()

	select {
	case <-exited:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDecoderClosed
	}
	return d.exitErr
}

func (d *Decoder) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.writes = nil
	d.cond.Broadcast()
	cmd, exited := d.cmd, d.exited
	d.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-exited
	return nil
}

func (d *Decoder) writeLoop() {
	for {
		d.mu.Lock()
		for len(d.writes) == 0 && !d.closed && !d.flushing {
			d.cond.Wait()
		}
		if d.closed || (d.flushing && len(d.writes) == 0) {
			stdin := d.stdin
			d.mu.Unlock()
			_ = stdin.Close()
			return
		}
		data := d.writes[0]
		d.writes[0] = nil
		d.writes = d.writes[1:]
		stdin := d.stdin
		d.mu.Unlock()

		if _, err := stdin.Write(data); err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if !closed {
				d.logger.Debug("ffmpeg stdin write failed", "error", err)
			}
			return
		}
		d.cb.Dequeue()
	}
}

func (d *Decoder) readLoop(stdout io.Reader) {
	defer d.wait()

	d.mu.Lock()
	size := d.frameSize
	width, height := d.cfg.CodedWidth, d.cfg.CodedHeight
	d.mu.Unlock()

	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(stdout, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				d.logger.Debug("ffmpeg stdout read failed", "error", err)
			}
			return
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		var ts pts
		if d.timestamps.Len() > 0 {
			ts = heap.Pop(&d.timestamps).(pts)
		}
		d.mu.Unlock()

		d.cb.Output(decode.NewVideoFrame(ts.us, ts.durationUs, width, height, decode.PixelFormatRGBA, buf, nil))
	}
}

// wait reaps the process and reports an unexpected exit.
func (d *Decoder) wait() {
	err := d.cmd.Wait()

	d.mu.Lock()
	closed := d.closed
	if err != nil && !closed {
		d.exitErr = errors.Wrapf(err, "ffmpeg exited: %s", d.stderr.String())
	}
	exitErr := d.exitErr
	flushing := d.flushing
	close(d.exited)
	d.mu.Unlock()

	if exitErr != nil && !flushing {
		d.cb.Error(exitErr)
	}
}

// pts is a presentation time waiting for its decoded picture. ffmpeg emits
// pictures in presentation order, so the smallest pending time is next.
type pts struct {
	us         int64
	durationUs int64
}

type timestampHeap []pts

func (h timestampHeap) Len() int           { return len(h) }
func (h timestampHeap) Less(i, j int) bool { return h[i].us < h[j].us }
func (h timestampHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timestampHeap) Push(x any)        { *h = append(*h, x.(pts)) }

func (h *timestampHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
