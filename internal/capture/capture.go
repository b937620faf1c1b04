// Package capture reads raw IQ blocks from a device and feeds them to the
// pipeline's raw sample queue.
package capture

import (
	"context"
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

// Device is a source of interleaved unsigned 8-bit IQ bytes.
//
// ReadBlock fills p completely unless the stream ends, in which case it
// returns the bytes it got together with io.EOF. Only finite sources (replay
// files) ever return io.EOF; any other error is a device failure.
type Device interface {
	ReadBlock(p []byte) (int, error)
	Close() error
}

// Open returns the device selected by cfg.Source.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (Device, error) {
	src := cfg.Source
	var (
		dev Device
		err error
	)
	switch src.Kind {
	case config.SourceRTLTCP:
		dev, err = DialRTLTCP(ctx, src.Address, TunerSettings{
			CenterFrequency: uint32(cfg.CenterFrequency()),
			SampleRate:      uint32(cfg.SampleRate),
			Gain:            src.Gain,
		}, cfg.CaptureTimeout, logger)
	case config.SourceFile:
		dev, err = OpenFile(src.Path, src.Loop)
	case config.SourceWAV:
		dev, err = OpenWAV(src.Path, cfg.SampleRate, src.Loop)
	default:
		err = fmt.Errorf("unknown source kind %q", src.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrCaptureFailure, err)
	}
	return dev, nil
}

// Adapter turns device reads into sequenced RawBlocks.
type Adapter struct {
	dev        Device
	blockBytes int
	drop       bool
	timeout    time.Duration
	metrics    *metrics.Metrics
	log        *log.Logger
}

// NewAdapter wraps dev. The adapter owns dev and closes it when Produce
// returns.
func NewAdapter(cfg *config.Config, dev Device, m *metrics.Metrics, logger *log.Logger) *Adapter {
	return &Adapter{
		dev:        dev,
		blockBytes: 2 * cfg.BlockSize,
		drop:       cfg.OverflowPolicy == config.OverflowDrop,
		timeout:    cfg.CaptureTimeout,
		metrics:    m,
		log:        logger.With("component", "capture"),
	}
}

// Produce reads blocks until the device runs dry, fails or ctx is done.
//
// Sequence numbers are only consumed by blocks that made it into out, so the
// stream the workers see is always contiguous. With the drop policy a full
// queue discards the block just read instead of waiting.
func (a *Adapter) Produce(ctx context.Context, out *ringbuffer.RingBuffer[pipeline.RawBlock]) error {
	// Closing the device is the only way to interrupt a blocked read.
	stop := context.AfterFunc(ctx, func() { a.dev.Close() })
	defer stop()
	defer a.dev.Close()

	var seq uint64
	for {
		if ctx.Err() != nil {
			return nil
		}

		buf := make([]byte, a.blockBytes)
		var n int
		err := pipeline.WithTimeout(a.timeout, func() error {
			var err error
			n, err = a.dev.ReadBlock(buf)
			return err
		})
		if ctx.Err() != nil {
			return nil
		}
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			a.log.Error("capture device failed", "sequence", seq, "err", err)
			return fmt.Errorf("%w: %w", pipeline.ErrCaptureFailure, err)
		}

		if n > 0 {
			ok, err := a.push(out, pipeline.RawBlock{Sequence: seq, Samples: buf[:n]})
			if err != nil {
				a.log.Debug("raw queue closed", "sequence", seq)
				return nil
			}
			if ok {
				seq++
			}
		}
		if eof {
			a.log.Info("end of capture", "blocks", seq)
			return nil
		}
	}
}

func (a *Adapter) push(out *ringbuffer.RingBuffer[pipeline.RawBlock], block pipeline.RawBlock) (bool, error) {
	if !a.drop {
		if err := out.Push(block); err != nil {
			return false, err
		}
		a.metrics.BlocksCaptured.Inc()
		return true, nil
	}

	ok, err := out.TryPush(block)
	if err != nil {
		return false, err
	}
	if !ok {
		a.metrics.BlocksDropped.Inc()
		a.log.Warn("raw queue full, dropping block", "sequence", block.Sequence)
		return false, nil
	}
	a.metrics.BlocksCaptured.Inc()
	return true, nil
}
