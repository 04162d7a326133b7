// Package source opens the byte sources a demuxer reads from: local files,
// in-memory buffers, HTTP URLs and arbitrary pull streams.
package source

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Reader is an opened source. Release tells the reader that no byte below
// offset will be read again; sources that buffer may drop them.
type Reader interface {
	io.ReadSeekCloser
	Release(offset int64)
}

// Source is something a demuxer can open.
type Source interface {
	Open(ctx context.Context) (Reader, error)
	String() string
}

// File is a local file source.
type File string

func (f File) String() string { return string(f) }

// Open opens the file.
func (f File) Open(_ context.Context) (Reader, error) {
	fh, err := os.Open(string(f))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", string(f))
	}
	return &fileReader{File: fh}, nil
}

type fileReader struct {
	*os.File
}

func (*fileReader) Release(int64) {}

// Bytes is an already buffered source.
type Bytes []byte

func (b Bytes) String() string { return "bytes" }

// Open returns a reader over the buffer.
func (b Bytes) Open(_ context.Context) (Reader, error) {
	return &bytesReader{Reader: bytes.NewReader(b)}, nil
}

type bytesReader struct {
	*bytes.Reader
}

func (*bytesReader) Close() error   { return nil }
func (*bytesReader) Release(int64) {}

// Stream wraps a raw pull stream. It can be opened once; seeking is served
// from a spool of the bytes read so far.
type Stream struct {
	R    io.Reader
	Name string
}

func (s *Stream) String() string {
	if s.Name != "" {
		return s.Name
	}
	return "stream"
}

// Open wraps the stream in a spool.
func (s *Stream) Open(_ context.Context) (Reader, error) {
	if s.R == nil {
		return nil, errors.New("stream source has no reader")
	}
	r := s.R
	s.R = nil
	return NewSpool(r), nil
}

// Parse turns a command line argument into a source: http(s) URLs become
// URL sources, "-" is standard input, anything else is a file path.
func Parse(arg string, opts ...URLOption) Source {
	switch {
	case arg == "-":
		return &Stream{R: os.Stdin, Name: "stdin"}
	case hasHTTPScheme(arg):
		return NewURL(arg, opts...)
	default:
		return File(arg)
	}
}
