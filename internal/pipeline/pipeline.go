package pipeline

import (
	"context"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"fm-radio-rt/internal/config"
	"fm-radio-rt/internal/dsp"
	"fm-radio-rt/internal/metrics"
	"fm-radio-rt/internal/ringbuffer"
)

// Producer fills the raw sample queue. It must stop when ctx is done or when
// a push fails with ErrQueueClosed; it never closes the queue itself.
type Producer interface {
	Produce(ctx context.Context, out *ringbuffer.RingBuffer[RawBlock]) error
}

// Consumer drains the audio queue until it reports the end of the stream.
type Consumer interface {
	Consume(ctx context.Context, in *ringbuffer.RingBuffer[AudioBlock]) error
}

// Pipeline wires a Producer, the worker pool, the Stage and a Consumer.
type Pipeline struct {
	cfg      *config.Config
	producer Producer
	consumer Consumer
	metrics  *metrics.Metrics
	log      *log.Logger

	// observe is handed to the Stage; tests use it to record state changes.
	observe func(FilterState)
}

// New returns a pipeline for cfg. cfg must already be validated.
func New(cfg *config.Config, producer Producer, consumer Consumer, m *metrics.Metrics, logger *log.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		producer: producer,
		consumer: consumer,
		metrics:  m,
		log:      logger,
	}
}

// Run blocks until the stream ends or fails.
//
// Shutdown always runs front to back: the raw queue closes first (end of
// capture, a capture failure or ctx being cancelled), the workers drain it
// through the Stage, and only after the last admitted block has been pushed
// is the audio queue closed, so the Consumer sees every emitted block and
// then the end of the stream. A Consumer failure closes the audio queue and
// the Stage at once so no worker stays blocked.
func (p *Pipeline) Run(ctx context.Context) error {
	cfg := p.cfg
	raw := ringbuffer.New[RawBlock](cfg.RawQueueCapacity)
	audio := ringbuffer.New[AudioBlock](cfg.AudioQueueCapacity)
	rawDepth := p.metrics.QueueDepth.WithLabelValues("raw")
	audioDepth := p.metrics.QueueDepth.WithLabelValues("audio")
	raw.OnChange(func(d int) { rawDepth.Set(float64(d)) })
	audio.OnChange(func(d int) { audioDepth.Set(float64(d)) })

	mixer := dsp.NewMixer(cfg.OffsetFrequency, cfg.SampleRate, cfg.BlockSize)
	stage := NewStage(cfg, mixer, audio, p.metrics, p.log)
	stage.observe = p.observe

	p.log.Info("starting pipeline",
		"workers", cfg.Workers,
		"channel_decimation", cfg.ChannelDecimation(),
		"channel_rate", cfg.ChannelRate(),
		"audio_decimation", cfg.AudioDecimation(),
		"audio_rate", cfg.AudioRate(),
	)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, raw.Close)
	defer stop()

	g.Go(func() error {
		defer raw.Close()
		return p.producer.Produce(gctx, raw)
	})

	g.Go(func() error {
		defer audio.Close()
		var workers errgroup.Group
		for id := range cfg.Workers {
			w := NewWorker(id, cfg, mixer, stage, p.metrics, p.log)
			workers.Go(func() error {
				err := w.Run(raw)
				if err != nil {
					raw.Close()
					stage.Close()
				}
				return err
			})
		}
		return workers.Wait()
	})

	g.Go(func() error {
		err := p.consumer.Consume(gctx, audio)
		if err != nil {
			audio.Close()
			stage.Close()
		}
		return err
	})

	err := g.Wait()
	st := stage.State()
	p.log.Info("pipeline stopped", "blocks", st.NextSequence, "err", err)
	return err
}
