package pipeline

import (
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"fm-radio-rt/internal/config"
	"fm-radio-rt/internal/dsp"
	"fm-radio-rt/internal/metrics"
	"fm-radio-rt/internal/ringbuffer"
)

// Worker demodulates raw blocks up to the point where the previous block's
// state is needed, then hands them to the Stage. Its buffers are allocated
// once and reused for every block.
type Worker struct {
	blockSize int
	mixer     *dsp.Mixer
	channel   *dsp.IQDecimator
	stage     *Stage
	metrics   *metrics.Metrics
	log       *log.Logger

	i, q     []float64
	samples  []complex128
	baseband []float64
}

// NewWorker allocates a worker's arena for cfg. The mixer is shared
// read-only between workers.
func NewWorker(id int, cfg *config.Config, mixer *dsp.Mixer, stage *Stage, m *metrics.Metrics, logger *log.Logger) *Worker {
	channel := dsp.NewIQDecimator(cfg.ChannelDecimation(), cfg.TapsPerDecimate, cfg.BlockSize)
	n := channel.OutputLen(cfg.BlockSize)
	return &Worker{
		blockSize: cfg.BlockSize,
		mixer:     mixer,
		channel:   channel,
		stage:     stage,
		metrics:   m,
		log:       logger.With("component", "worker", "worker", id),
		i:         make([]float64, cfg.BlockSize),
		q:         make([]float64, cfg.BlockSize),
		samples:   make([]complex128, n),
		baseband:  make([]float64, n),
	}
}

// Run processes blocks from in until it is closed and drained. Shutdown of
// the stage or the audio queue ends the worker without an error.
func (w *Worker) Run(in *ringbuffer.RingBuffer[RawBlock]) error {
	for {
		raw, ok := in.Pop()
		if !ok {
			return nil
		}
		if err := w.Process(raw); err != nil {
			if errors.Is(err, ErrQueueClosed) {
				w.log.Debug("shutting down", "sequence", raw.Sequence)
				return nil
			}
			return err
		}
	}
}

// Process demodulates one block and passes it through the Stage. A malformed
// block is logged, counted and skipped.
func (w *Worker) Process(raw RawBlock) error {
	start := time.Now()
	cb, err := w.demodulate(raw)
	w.metrics.WorkerSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		w.log.Warn("dropping block", "err", err)
		w.metrics.DecodeErrors.Inc()
		return w.stage.Skip(raw.Sequence)
	}
	return w.stage.Submit(cb)
}

func (w *Worker) demodulate(raw RawBlock) (*ChannelBlock, error) {
	if len(raw.Samples) != 2*w.blockSize {
		return nil, &DecodeError{Sequence: raw.Sequence, Length: len(raw.Samples), Want: 2 * w.blockSize}
	}
	if err := dsp.DecodeU8(w.i, w.q, raw.Samples); err != nil {
		return nil, &DecodeError{Sequence: raw.Sequence, Length: len(raw.Samples), Want: 2 * w.blockSize, Err: err}
	}

	w.mixer.Mix(w.i, w.q)
	w.samples = w.channel.Decimate(w.samples, w.i, w.q)
	// The discriminator is invariant to the block's constant starting phase,
	// so everything but the first sample is final here.
	w.baseband = dsp.Discriminate(w.baseband, 0, w.samples)

	return &ChannelBlock{
		Sequence: raw.Sequence,
		Samples:  w.samples,
		Baseband: w.baseband,
	}, nil
}
