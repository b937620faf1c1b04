package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"fm-radio-rt/internal/config"
	"fm-radio-rt/internal/dsp"
	"fm-radio-rt/internal/metrics"
	"fm-radio-rt/internal/ringbuffer"
)

// Stage is the sequenced filter stage. It is the only owner of FilterState
// and admits one worker at a time, strictly in sequence order: a worker
// holding block n waits until every block before n has been emitted or
// skipped. Workers do all order-independent work before they get here.
type Stage struct {
	mu     sync.Mutex
	cond   *sync.Cond
	state  FilterState
	closed bool

	mixer   *dsp.Mixer
	deemph  *dsp.Deemphasis
	audio   *dsp.Decimator
	agc     dsp.SmoothedGain
	policy  string
	target  float64
	width   int
	out     *ringbuffer.RingBuffer[AudioBlock]
	metrics *metrics.Metrics
	log     *log.Logger

	// audio-rate arena, only touched by the admitted worker
	scratch []float64

	// observe, when set, sees every committed state under the lock.
	observe func(FilterState)
}

// NewStage builds the stage for cfg, emitting finished blocks to out.
func NewStage(cfg *config.Config, mixer *dsp.Mixer, out *ringbuffer.RingBuffer[AudioBlock], m *metrics.Metrics, logger *log.Logger) *Stage {
	chDec := cfg.ChannelDecimation()
	channelLen := (cfg.BlockSize + chDec - 1) / chDec
	deemph := dsp.NewDeemphasis(cfg.ChannelRate(), cfg.DeemphTau)
	audio := dsp.NewDecimator(cfg.AudioDecimation(), cfg.TapsPerDecimate, channelLen)

	s := &Stage{
		mixer:  mixer,
		deemph: deemph,
		audio:  audio,
		agc: dsp.SmoothedGain{
			Target:  cfg.GainTarget,
			Attack:  0.5,
			Release: 0.05,
		},
		policy:  cfg.GainPolicy,
		target:  cfg.GainTarget,
		width:   cfg.SampleWidth,
		out:     out,
		metrics: m,
		log:     logger.With("component", "stage"),
		scratch: make([]float64, audio.OutputLen(channelLen)),
	}
	s.state.DeemphasisMemory = deemph.InitialMemory()
	s.cond = sync.NewCond(&s.mu)
	return s
}

// State returns a copy of the current filter state.
func (s *Stage) State() FilterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close releases every waiting worker with ErrQueueClosed. Blocks that were
// not admitted yet are never emitted.
func (s *Stage) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// admit waits for seq's turn and returns a working copy of the state.
func (s *Stage) admit(seq uint64) (FilterState, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.closed && s.state.NextSequence < seq {
		s.cond.Wait()
	}
	s.metrics.AdmissionWait.Observe(time.Since(start).Seconds())
	if s.closed {
		return FilterState{}, ErrQueueClosed
	}
	if s.state.NextSequence > seq {
		return FilterState{}, fmt.Errorf("block %d arrived after block %d was admitted", seq, s.state.NextSequence)
	}
	return s.state, nil
}

// release commits the state for the admitted block and wakes the others.
func (s *Stage) release(st FilterState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.PhaseAngle = s.mixer.Advance(st.PhaseAngle)
	st.NextSequence++
	s.state = st
	if s.observe != nil {
		s.observe(st)
	}
	s.cond.Broadcast()
}

// Submit admits cb in sequence order, finishes it into an AudioBlock and
// pushes that to the audio queue before letting the next block in. The new
// state is only committed once the block is in the queue; if the queue has
// closed the stage closes too.
func (s *Stage) Submit(cb *ChannelBlock) error {
	st, err := s.admit(cb.Sequence)
	if err != nil {
		return err
	}
	block := s.finish(&st, cb)
	if err := s.out.Push(block); err != nil {
		s.Close()
		return err
	}
	s.release(st)
	s.metrics.BlocksEmitted.Inc()
	return nil
}

// Skip advances past a block that could not be decoded. The oscillator phase
// still moves on by one block so later blocks stay phase-continuous.
func (s *Stage) Skip(seq uint64) error {
	st, err := s.admit(seq)
	if err != nil {
		return err
	}
	s.release(st)
	return nil
}

func (s *Stage) finish(st *FilterState, cb *ChannelBlock) AudioBlock {
	if n := len(cb.Samples); n > 0 {
		dsp.Rotate(cb.Samples, st.PhaseAngle)
		cb.Baseband[0] = dsp.PhaseDiff(st.Trailing, cb.Samples[0])
		st.Trailing = cb.Samples[n-1]
	}

	s.deemph.Filter(cb.Baseband, &st.DeemphasisMemory)
	s.scratch = s.audio.Decimate(s.scratch, cb.Baseband)

	var gain float64
	switch s.policy {
	case config.GainSmoothed:
		st.Gain = s.agc.Next(st.Gain, s.scratch)
		gain = st.Gain
	default:
		gain = float64(dsp.PeakGain(s.scratch, s.target))
	}

	samples, clipped := dsp.Clip(nil, s.scratch, gain, s.width)
	if clipped > 0 {
		s.metrics.SamplesClipped.Add(float64(clipped))
		s.log.Debug("clipped samples", "sequence", cb.Sequence, "count", clipped)
	}
	s.metrics.BlockGain.Set(gain)

	return AudioBlock{
		Sequence: cb.Sequence,
		Samples:  samples,
		Gain:     gain,
		Clipped:  clipped,
	}
}
