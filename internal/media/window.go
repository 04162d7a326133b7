package media

import (
	"fmt"
	"math"
	"time"
)

// Unbounded as a Window end means the window runs to the end of the source.
const Unbounded = time.Duration(math.MaxInt64)

// Window is a half-open presentation time range [Start, End).
type Window struct {
	Start time.Duration
	End   time.Duration
}

// FullWindow covers the whole source.
var FullWindow = Window{Start: 0, End: Unbounded}

// WindowSeconds builds a window from seconds. end <= 0 means unbounded.
func WindowSeconds(start, end float64) Window {
	w := Window{Start: secondsToDuration(start), End: Unbounded}
	if end > 0 {
		w.End = secondsToDuration(end)
	}
	return w
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// StartUs returns the start bound in microseconds.
func (w Window) StartUs() int64 {
	return w.Start.Microseconds()
}

// EndUs returns the end bound in microseconds, math.MaxInt64 when unbounded.
func (w Window) EndUs() int64 {
	if w.End == Unbounded {
		return math.MaxInt64
	}
	return w.End.Microseconds()
}

// Bounded reports whether the window has an end.
func (w Window) Bounded() bool {
	return w.End != Unbounded
}

// Validate rejects inverted windows.
func (w Window) Validate() error {
	if w.Start < 0 {
		return fmt.Errorf("window start %v is negative", w.Start)
	}
	if w.End < w.Start {
		return fmt.Errorf("window end %v is before start %v", w.End, w.Start)
	}
	return nil
}

func (w Window) String() string {
	if !w.Bounded() {
		return fmt.Sprintf("[%v, end)", w.Start)
	}
	return fmt.Sprintf("[%v, %v)", w.Start, w.End)
}
