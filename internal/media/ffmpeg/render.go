package ffmpeg

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/media/internal/media"
	"github.com/babelcloud/gbox/packages/media/internal/media/decode"
	"github.com/babelcloud/gbox/packages/media/internal/media/source"
	"github.com/babelcloud/gbox/packages/media/internal/util"
)

// defaultRenderFPS paces frame timestamps when the track reports no rate.
const defaultRenderFPS = 30

// Renderer plays a whole source through ffmpeg and snapshots every picture
// up to the window end. It needs no demuxed chunks, only the source and
// the video track's shape.
type Renderer struct {
	path   string
	src    source.Source
	track  *media.VideoMetadata
	window media.Window
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// NewRenderer prepares a renderer; nothing runs until Start.
func NewRenderer(path string, src source.Source, track *media.VideoMetadata, window media.Window) *Renderer {
	if path == "" {
		path = "ffmpeg"
	}
	return &Renderer{
		path:   path,
		src:    src,
		track:  track,
		window: window,
		logger: util.GetLogger().With("component", "ffmpeg_render"),
	}
}

// Name identifies the strategy in logs.
func (r *Renderer) Name() string { return "render" }

func (r *Renderer) fps() float64 {
	if r.track.FPS > 0 {
		return r.track.FPS
	}
	return defaultRenderFPS
}

// input returns the -i argument and, for sources ffmpeg cannot open by
// itself, the reader to pipe into stdin.
func (r *Renderer) input(ctx context.Context) (string, io.ReadCloser, error) {
	switch src := r.src.(type) {
	case source.File:
		return string(src), nil, nil
	case *source.URL:
		return src.String(), nil, nil
	default:
		rd, err := r.src.Open(ctx)
		if err != nil {
			return "", nil, err
		}
		return "pipe:0", rd, nil
	}
}

func (r *Renderer) args(input string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-noautorotate", "-i", input}
	if r.window.Bounded() {
		args = append(args, "-t", strconv.FormatFloat(r.window.End.Seconds(), 'f', 6, 64))
	}
	return append(args,
		"-an", "-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", sizeArg(r.track.CodedWidth, r.track.CodedHeight),
		"-vsync", "passthrough",
		"pipe:1",
	)
}

// Start runs ffmpeg and calls cb with each picture and its time relative to
// the window start, negative before it. The frame is only valid during the
// call. Start returns once the window end or the end of input is reached.
func (r *Renderer) Start(ctx context.Context, cb func(ctx context.Context, frame *decode.VideoFrame, trimmedUs int64) error) error {
	if r.track.CodedWidth <= 0 || r.track.CodedHeight <= 0 {
		return errors.New("render needs the coded frame size")
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return media.ErrStreamCancelled
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	input, stdin, err := r.input(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to open render input")
	}
	if stdin != nil {
		defer stdin.Close()
	}

	cmd := exec.CommandContext(ctx, r.path, r.args(input)...)
	detach(cmd)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "creating stdout pipe")
	}
	tail := newTailBuffer(stderrTail)
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "starting ffmpeg")
	}
	r.logger.Info("Render started", "input", input, "window", r.window.String(), "fps", r.fps())

	frames, cbErr := r.readFrames(ctx, stdout, cb)
	if cbErr != nil || frames.reachedEnd {
		cancel()
		if stdin != nil {
			_ = stdin.Close()
		}
	}
	waitErr := cmd.Wait()

	r.logger.Info("Render finished", "frames", frames.count)
	switch {
	case cbErr != nil:
		return cbErr
	case frames.reachedEnd, r.isStopped():
		return nil
	case waitErr != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(waitErr, "ffmpeg exited: %s", tail.String())
	}
	return nil
}

type renderResult struct {
	count      int
	reachedEnd bool
}

func (r *Renderer) readFrames(ctx context.Context, stdout io.Reader, cb func(context.Context, *decode.VideoFrame, int64) error) (renderResult, error) {
	var res renderResult
	width, height := r.track.CodedWidth, r.track.CodedHeight
	frameUs := int64(1e6 / r.fps())
	startUs, endUs := r.window.StartUs(), r.window.EndUs()

	for i := int64(0); ; i++ {
		buf := make([]byte, width*height*4)
		if _, err := io.ReadFull(stdout, buf); err != nil {
			return res, nil
		}
		ts := i * frameUs
		if ts >= endUs {
			res.reachedEnd = true
			return res, nil
		}

		frame := decode.NewVideoFrame(ts, frameUs, width, height, decode.PixelFormatRGBA, buf, nil)
		err := cb(ctx, frame, ts-startUs)
		frame.Close()
		if err != nil {
			return res, err
		}
		res.count++
	}
}

func (r *Renderer) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Stop kills a running render. It is safe to call more than once.
func (r *Renderer) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
