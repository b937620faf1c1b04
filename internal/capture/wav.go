package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAV replays IQ stored as a two-channel WAV file (left I, right Q), the
// format most SDR applications record baseband in. 8-bit files are passed
// through; 16-bit files are reduced to unsigned 8-bit.
type WAV struct {
	f        *os.File
	decoder  *wav.Decoder
	buf      *audio.IntBuffer
	bitDepth int
	loop     bool

	closeOnce sync.Once
	closeErr  error
}

// OpenWAV opens an IQ recording and checks it matches sampleRate.
func OpenWAV(path string, sampleRate int, loop bool) (*WAV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}
	w, err := newWAV(f, sampleRate, loop)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func newWAV(f *os.File, sampleRate int, loop bool) (*WAV, error) {
	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, errors.New("not a valid WAV file")
	}
	if err := decoder.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("failed to seek to PCM data: %w", err)
	}
	if decoder.NumChans != 2 {
		return nil, fmt.Errorf("IQ WAV needs 2 channels, got %d", decoder.NumChans)
	}
	if decoder.BitDepth != 8 && decoder.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported WAV bit depth %d", decoder.BitDepth)
	}
	if int(decoder.SampleRate) != sampleRate {
		return nil, fmt.Errorf("WAV sample rate %d does not match configured %d", decoder.SampleRate, sampleRate)
	}
	return &WAV{
		f:        f,
		decoder:  decoder,
		buf:      &audio.IntBuffer{Format: decoder.Format()},
		bitDepth: int(decoder.BitDepth),
		loop:     loop,
	}, nil
}

func (w *WAV) ReadBlock(p []byte) (int, error) {
	return readLooping(readerFunc(w.read), p, w.loop, w.rewind)
}

// read decodes up to len(p) samples, one byte per channel sample.
func (w *WAV) read(p []byte) (int, error) {
	if cap(w.buf.Data) < len(p) {
		w.buf.Data = make([]int, len(p))
	}
	w.buf.Data = w.buf.Data[:len(p)]

	n, err := w.decoder.PCMBuffer(w.buf)
	for k, v := range w.buf.Data[:n] {
		if w.bitDepth == 16 {
			v = v>>8 + 128
		}
		p[k] = byte(v)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (w *WAV) rewind() error {
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w.decoder = wav.NewDecoder(w.f)
	return w.decoder.FwdToPCM()
}

func (w *WAV) Close() error {
	w.closeOnce.Do(func() { w.closeErr = w.f.Close() })
	return w.closeErr
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
