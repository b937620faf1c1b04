// Package playback drains the audio queue into an output device.
package playback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"fm-radio-rt/internal/config"
	"fm-radio-rt/internal/metrics"
	"fm-radio-rt/internal/pipeline"
	"fm-radio-rt/internal/ringbuffer"
)

// Device accepts encoded PCM. Write blocks until the device has taken p or
// failed; a partial write must report how much it took.
type Device interface {
	Write(p []byte) (int, error)
	Close() error
}

// Open returns the device selected by cfg.Sink.
func Open(cfg *config.Config) (Device, error) {
	rate, width := cfg.AudioRate(), cfg.SampleWidth
	var (
		dev Device
		err error
	)
	switch cfg.Sink.Kind {
	case config.SinkSpeaker:
		dev, err = NewSpeaker(rate, width)
	case config.SinkWAV:
		dev, err = CreateWAVFile(cfg.Sink.Path, rate, width)
	case config.SinkBoth:
		var spk *Speaker
		if spk, err = NewSpeaker(rate, width); err != nil {
			break
		}
		var rec *WAVFile
		if rec, err = CreateWAVFile(cfg.Sink.Path, rate, width); err != nil {
			spk.Close()
			break
		}
		dev = NewTee(spk, rec)
	default:
		err = fmt.Errorf("unknown sink kind %q", cfg.Sink.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrPlaybackFailure, err)
	}
	return dev, nil
}

// Sink writes audio blocks to a Device in sequence order.
type Sink struct {
	dev     Device
	width   int
	timeout time.Duration
	metrics *metrics.Metrics
	log     *log.Logger

	buf []byte
}

// NewSink wraps dev. The sink owns dev and closes it when Consume returns.
func NewSink(cfg *config.Config, dev Device, m *metrics.Metrics, logger *log.Logger) *Sink {
	return &Sink{
		dev:     dev,
		width:   cfg.SampleWidth,
		timeout: cfg.PlaybackTimeout,
		metrics: m,
		log:     logger.With("component", "playback"),
	}
}

// Consume plays blocks until the queue reports the end of the stream. The
// queue is always drained completely, also after ctx is cancelled, because
// the pipeline closes it only once the last admitted block is in.
func (s *Sink) Consume(_ context.Context, in *ringbuffer.RingBuffer[pipeline.AudioBlock]) error {
	defer s.dev.Close()

	var (
		started bool
		last    uint64
		played  int
	)
	for {
		b, ok := in.Pop()
		if !ok {
			s.log.Info("end of stream", "blocks", played)
			return nil
		}
		if started && b.Sequence <= last {
			return fmt.Errorf("audio block %d arrived after block %d", b.Sequence, last)
		}
		if started && b.Sequence != last+1 {
			s.log.Debug("gap in audio stream", "after", last, "next", b.Sequence)
		}
		started, last = true, b.Sequence

		if err := s.play(b); err != nil {
			s.log.Error("playback failed", "sequence", b.Sequence, "err", err)
			return err
		}
		played++
		s.metrics.BlocksPlayed.Inc()
	}
}

// play writes one block, retrying the unwritten remainder once. A timed out
// write is not retried: the device is still busy with it.
func (s *Sink) play(b pipeline.AudioBlock) error {
	s.buf = Encode(s.buf[:0], b.Samples, s.width)

	n, err := s.write(s.buf)
	if err == nil {
		return nil
	}
	if errors.Is(err, pipeline.ErrTimeout) {
		return fmt.Errorf("%w: %w", pipeline.ErrPlaybackFailure, err)
	}

	s.metrics.PlaybackRetries.Inc()
	s.log.Warn("audio write failed, retrying", "sequence", b.Sequence, "written", n, "err", err)
	if _, err := s.write(s.buf[n:]); err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrPlaybackFailure, err)
	}
	return nil
}

func (s *Sink) write(p []byte) (int, error) {
	var n int
	err := pipeline.WithTimeout(s.timeout, func() error {
		var err error
		n, err = s.dev.Write(p)
		if err == nil && n < len(p) {
			err = io.ErrShortWrite
		}
		return err
	})
	if errors.Is(err, pipeline.ErrTimeout) {
		return 0, err
	}
	return n, err
}

// Encode appends samples to dst in the device format: little-endian signed
// 16-bit for width 2, offset-binary unsigned 8-bit for width 1.
func Encode(dst []byte, samples []int16, width int) []byte {
	if width == 1 {
		for _, v := range samples {
			dst = append(dst, byte(int(v)+128))
		}
		return dst
	}
	for _, v := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(v))
	}
	return dst
}
