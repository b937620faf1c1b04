// Package metrics exposes pipeline counters through Prometheus. Recoverable
// problems (dropped or undecodable blocks, clipping, playback retries) are
// only ever reported here and in the log.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fmradio"

// Metrics holds all Prometheus collectors for the receiver.
type Metrics struct {
	BlocksCaptured  prometheus.Counter // raw blocks handed to the queue
	BlocksDropped   prometheus.Counter // raw blocks discarded by the drop policy
	DecodeErrors    prometheus.Counter // blocks skipped by the filter stage
	BlocksEmitted   prometheus.Counter // audio blocks pushed by the filter stage
	BlocksPlayed    prometheus.Counter // audio blocks written to the device
	SamplesClipped  prometheus.Counter
	PlaybackRetries prometheus.Counter
	BlockGain       prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec // 'queue' label: raw, audio
	WorkerSeconds   prometheus.Histogram // decode, mix and channel decimation time
	AdmissionWait   prometheus.Histogram // time a worker waits for its turn

	registry *prometheus.Registry
}

// New registers all collectors on a fresh registry, so tests and multiple
// pipelines never share state.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		BlocksCaptured:  counter("blocks_captured_total", "Raw IQ blocks read from the capture device and queued."),
		BlocksDropped:   counter("blocks_dropped_total", "Raw IQ blocks discarded because the raw queue was full."),
		DecodeErrors:    counter("decode_errors_total", "Malformed raw blocks skipped by the demodulator."),
		BlocksEmitted:   counter("audio_blocks_emitted_total", "Audio blocks produced by the sequenced filter stage."),
		BlocksPlayed:    counter("audio_blocks_played_total", "Audio blocks written to the playback device."),
		SamplesClipped:  counter("samples_clipped_total", "Audio samples saturated to the output range."),
		PlaybackRetries: counter("playback_retries_total", "Playback writes retried after a device error."),
	}
	m.BlockGain = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "block_gain",
		Help:      "Gain applied to the most recent audio block.",
	})
	m.QueueDepth = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Blocks waiting in a pipeline queue.",
	}, []string{"queue"})
	m.WorkerSeconds = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "worker_block_seconds",
		Help:      "Time spent decoding, mixing and decimating one block.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	m.AdmissionWait = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "admission_wait_seconds",
		Help:      "Time a worker waited for its turn at the filter stage.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
	m.registry = reg
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
