package media

import (
	"errors"

	"github.com/babelcloud/gbox/packages/media/internal/media/pipeline"
)

var (
	// ErrUnsupportedMediaType means no container signature matched.
	ErrUnsupportedMediaType = errors.New("unsupported media file type")
	// ErrUnsupportedFormat means the container parsed but a required
	// decoder configuration is missing or unknown.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrMissingTrack is returned when a requested track does not exist.
	ErrMissingTrack = errors.New("missing track")
	// ErrMissingVideoTrack is returned when extraction needs a video track.
	ErrMissingVideoTrack = errors.New("missing video track")
	// ErrDecoderUnsupported is a capability error: the decoder rejected the
	// track configuration before any data flowed.
	ErrDecoderUnsupported = errors.New("decoder configuration not supported")
	// ErrNoDecoder means no decoder platform is available at all.
	ErrNoDecoder = errors.New("no decoder available")
	// ErrNoFrames is returned when extraction is cancelled before anything
	// was produced.
	ErrNoFrames = errors.New("no frames extracted")
	// ErrNotInitialized is returned when an operation needs Init first.
	ErrNotInitialized = errors.New("not initialized")
	// ErrAlreadyStarted is returned on a second Start.
	ErrAlreadyStarted = errors.New("already started")
	// ErrStreamCancelled is returned to producers whose consumer went away.
	ErrStreamCancelled = pipeline.ErrStreamCancelled
)
