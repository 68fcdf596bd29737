package recording

import (
	"io"
	"os"

	"github.com/gravitational/trace"
)

// Reopenable is a ReadSeeker that can be closed and reopened at its
// original path, so a reader observing an append-only file can resume
// past data written after it first hit EOF (spec.md §5's "Recording
// file: append-only producer + many readers; readers reopen on EOF to
// observe extended data").
type Reopenable interface {
	io.ReadSeeker
	Reopen() error
}

// FileSource is the production Reopenable backed by an on-disk WebM
// recording file.
type FileSource struct {
	path string
	f    *os.File
}

// OpenFileSource opens path for reading.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &FileSource{path: path, f: f}, nil
}

func (s *FileSource) Read(p []byte) (int, error) { return s.f.Read(p) }

func (s *FileSource) Seek(offset int64, whence int) (int64, error) { return s.f.Seek(offset, whence) }

// Reopen closes and reopens the underlying file, positioned at its
// start; callers seek back to their resume position afterward.
func (s *FileSource) Reopen() error {
	if err := s.f.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	s.f = f
	return nil
}

func (s *FileSource) Close() error { return s.f.Close() }
