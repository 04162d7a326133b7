package source

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrReleased is returned when reading a range that was already released.
var ErrReleased = errors.New("range already released")

// Spool makes a forward-only reader seekable by keeping everything read
// from it in memory until released.
type Spool struct {
	mu     sync.Mutex
	r      io.Reader
	closer io.Closer
	buf    []byte // bytes [base, base+len(buf))
	base   int64
	pos    int64
	eof    bool
	err    error
}

// NewSpool wraps r. If r is an io.Closer, Close closes it.
func NewSpool(r io.Reader) *Spool {
	s := &Spool{r: r}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

const spoolReadSize = 64 << 10

// fill reads until the spool holds byte end-1 or the reader is exhausted.
func (s *Spool) fill(end int64) error {
	for s.base+int64(len(s.buf)) < end && !s.eof {
		if s.err != nil {
			return s.err
		}
		want := end - s.base - int64(len(s.buf))
		if want < spoolReadSize {
			want = spoolReadSize
		}
		start := len(s.buf)
		s.buf = append(s.buf, make([]byte, want)...)
		n, err := s.r.Read(s.buf[start:])
		s.buf = s.buf[:start+n]
		if err == io.EOF {
			s.eof = true
		} else if err != nil {
			s.err = err
			return err
		}
	}
	return nil
}

func (s *Spool) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos < s.base {
		return 0, fmt.Errorf("read at %d: %w", s.pos, ErrReleased)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.fill(s.pos + int64(len(p))); err != nil && s.pos >= s.base+int64(len(s.buf)) {
		return 0, err
	}
	avail := s.base + int64(len(s.buf)) - s.pos
	if avail <= 0 {
		return 0, io.EOF
	}
	n := copy(p, s.buf[s.pos-s.base:])
	s.pos += int64(n)
	return n, nil
}

// Seek supports every whence; io.SeekEnd drains the underlying reader.
func (s *Spool) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		for !s.eof {
			if err := s.fill(s.base + int64(len(s.buf)) + spoolReadSize); err != nil {
				return s.pos, err
			}
		}
		abs = s.base + int64(len(s.buf)) + offset
	default:
		return s.pos, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return s.pos, fmt.Errorf("negative position %d", abs)
	}
	if abs < s.base {
		return s.pos, fmt.Errorf("seek to %d: %w", abs, ErrReleased)
	}
	s.pos = abs
	return abs, nil
}

// Release drops buffered bytes below offset.
func (s *Spool) Release(offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset <= s.base {
		return
	}
	end := s.base + int64(len(s.buf))
	if offset > end {
		offset = end
	}
	// the dropped prefix is reclaimed when fill next grows the buffer
	s.buf = s.buf[offset-s.base:]
	s.base = offset
}

// Buffered is the number of bytes currently held.
func (s *Spool) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Base is the lowest offset still readable.
func (s *Spool) Base() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// Close releases the buffer and closes the underlying reader.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
