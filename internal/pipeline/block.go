// Package pipeline turns a stream of raw IQ blocks into a stream of audio
// blocks. A pool of workers does the expensive, order-independent part of the
// demodulation in parallel; a sequenced filter stage then applies everything
// that carries state from one block to the next, one block at a time and in
// capture order.
package pipeline

// RawBlock is one capture block of interleaved unsigned 8-bit IQ pairs.
// It is never modified once produced.
type RawBlock struct {
	Sequence uint64
	Samples  []byte
}

// ChannelBlock is a RawBlock after offset mixing, channel decimation and the
// in-block part of the discriminator. Its buffers belong to the worker that
// produced it and are only valid until the worker's Submit returns.
type ChannelBlock struct {
	Sequence uint64
	// Samples are mixed with a relative phase of zero; the stage rotates them
	// by the block's starting phase once admitted.
	Samples []complex128
	// Baseband holds the discriminator output. Element 0 depends on the
	// previous block and is filled in by the stage.
	Baseband []float64
}

// AudioBlock is a finished block of audio samples.
type AudioBlock struct {
	Sequence uint64
	Samples  []int16
	Gain     float64
	Clipped  int
}

// FilterState is everything that flows from one block to the next. It is
// owned by the Stage and changed exactly once per sequence number.
type FilterState struct {
	NextSequence     uint64
	DeemphasisMemory [1]float64
	// PhaseAngle is the offset oscillator phase at the start of block
	// NextSequence, in [0, 2*pi).
	PhaseAngle float64
	// Trailing is the last channel sample of the previous block.
	Trailing complex128
	// Gain is only used by the smoothed gain policy.
	Gain float64
}
