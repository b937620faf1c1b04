package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// File replays a raw .cu8 recording: interleaved unsigned 8-bit I and Q, no
// header. With loop set it wraps around at the end and never returns io.EOF.
type File struct {
	f    *os.File
	loop bool

	closeOnce sync.Once
	closeErr  error
}

// OpenFile opens a raw IQ recording.
func OpenFile(path string, loop bool) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open IQ file: %w", err)
	}
	return &File{f: f, loop: loop}, nil
}

func (f *File) ReadBlock(p []byte) (int, error) {
	return readLooping(f.f, p, f.loop, func() error {
		_, err := f.f.Seek(0, io.SeekStart)
		return err
	})
}

func (f *File) Close() error {
	f.closeOnce.Do(func() { f.closeErr = f.f.Close() })
	return f.closeErr
}

// readLooping fills p from r, calling rewind at the end of the data when loop
// is set. An empty source ends the stream even when looping.
func readLooping(r io.Reader, p []byte, loop bool, rewind func() error) (int, error) {
	total := 0
	for total < len(p) {
		n, err := io.ReadFull(r, p[total:])
		total += n
		switch {
		case err == nil:
			return total, nil
		case !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF):
			return total, err
		case !loop || n == 0 && total == 0:
			return total, io.EOF
		}
		if err := rewind(); err != nil {
			return total, fmt.Errorf("rewind: %w", err)
		}
	}
	return total, nil
}
