package playback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVFile records the audio stream to a mono PCM WAV file. The header is
// only complete after Close.
type WAVFile struct {
	f       *os.File
	encoder *wav.Encoder
	width   int
	buf     *audio.IntBuffer

	mu     sync.Mutex
	closed bool
}

// CreateWAVFile creates or truncates path.
func CreateWAVFile(path string, rate, width int) (*WAVFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}
	return &WAVFile{
		f:       f,
		encoder: wav.NewEncoder(f, rate, 8*width, 1, 1),
		width:   width,
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
			SourceBitDepth: 8 * width,
		},
	}, nil
}

// Write takes samples encoded as by Encode.
func (w *WAVFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}

	n := len(p) / w.width
	w.buf.Data = w.buf.Data[:0]
	for k := range n {
		if w.width == 1 {
			w.buf.Data = append(w.buf.Data, int(p[k]))
		} else {
			w.buf.Data = append(w.buf.Data, int(int16(binary.LittleEndian.Uint16(p[2*k:]))))
		}
	}
	if err := w.encoder.Write(w.buf); err != nil {
		return 0, err
	}
	return n * w.width, nil
}

func (w *WAVFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return errors.Join(w.encoder.Close(), w.f.Close())
}

// Tee writes to every device in turn. A device that took more of a buffer
// than the others is remembered, so a retry of the unwritten remainder only
// resumes the devices that fell short.
type Tee struct {
	devs  []Device
	ahead []int
}

// NewTee fans out to devs.
func NewTee(devs ...Device) *Tee {
	return &Tee{devs: devs, ahead: make([]int, len(devs))}
}

// Write offers p to every device, even after one fails, and reports the
// shortest write and the first error.
func (t *Tee) Write(p []byte) (int, error) {
	done := make([]int, len(t.devs))
	written := len(p)
	var first error
	for k, d := range t.devs {
		skip := min(t.ahead[k], len(p))
		var (
			n   int
			err error
		)
		if skip < len(p) {
			n, err = d.Write(p[skip:])
		}
		done[k] = skip + n
		written = min(written, done[k])
		if err != nil && first == nil {
			first = err
		}
	}
	for k := range t.devs {
		t.ahead[k] = done[k] - written
	}
	return written, first
}

func (t *Tee) Close() error {
	var errs []error
	for _, d := range t.devs {
		errs = append(errs, d.Close())
	}
	return errors.Join(errs...)
}
