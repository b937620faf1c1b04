// Package dsp holds the signal processing blocks of the FM receiver: IQ
// decoding, offset mixing, decimating FIR filters, the polar discriminator,
// deemphasis and output gain.
//
// Nothing in this package is safe for concurrent use unless stated otherwise.
// Stateful pieces (discriminator history, deemphasis memory, mixer phase) are
// passed in and returned explicitly so that the caller decides who owns them.
package dsp

import (
	"fmt"
	"math"
	"math/cmplx"
)

const twoPi = 2 * math.Pi

// DecodeU8 converts interleaved unsigned 8-bit IQ bytes into separate I and Q
// slices scaled to roughly [-1, 1).
func DecodeU8(dstI, dstQ []float64, iq []byte) error {
	if len(iq)%2 != 0 {
		return fmt.Errorf("odd IQ byte count %d", len(iq))
	}
	n := len(iq) / 2
	if len(dstI) < n || len(dstQ) < n {
		return fmt.Errorf("IQ block of %d samples exceeds buffer of %d", n, min(len(dstI), len(dstQ)))
	}
	for k := 0; k < n; k++ {
		dstI[k] = float64(iq[2*k])/127.5 - 1
		dstQ[k] = float64(iq[2*k+1])/127.5 - 1
	}
	return nil
}

// Mixer shifts a signal down by a fixed offset frequency. The oscillator for
// one block is tabulated once, starting at phase zero; the block's real
// starting phase is applied afterwards with Rotate, which is equivalent
// because mixing and decimation are both linear.
type Mixer struct {
	cos, sin  []float64
	increment float64
}

// NewMixer tabulates e^(-j*2*pi*offset/sampleRate*n) for one block.
func NewMixer(offset float64, sampleRate, blockSize int) *Mixer {
	m := &Mixer{
		cos: make([]float64, blockSize),
		sin: make([]float64, blockSize),
	}
	step := offset / float64(sampleRate)
	for n := range blockSize {
		// keep only the fractional cycle so long blocks stay precise
		_, frac := math.Modf(float64(n) * step)
		angle := -twoPi * frac
		m.cos[n] = math.Cos(angle)
		m.sin[n] = math.Sin(angle)
	}
	_, frac := math.Modf(float64(blockSize) * step)
	m.increment = WrapPhase(-twoPi * frac)
	return m
}

// Mix multiplies i+jq in place by the block oscillator.
func (m *Mixer) Mix(i, q []float64) {
	n := min(len(i), len(q), len(m.cos))
	for k := 0; k < n; k++ {
		re, im := i[k], q[k]
		c, s := m.cos[k], m.sin[k]
		i[k] = re*c - im*s
		q[k] = re*s + im*c
	}
}

// Advance returns the oscillator phase at the start of the next block.
func (m *Mixer) Advance(phase float64) float64 {
	return WrapPhase(phase + m.increment)
}

// Rotate multiplies samples in place by e^(j*phase).
func Rotate(samples []complex128, phase float64) {
	if phase == 0 {
		return
	}
	r := cmplx.Rect(1, phase)
	for k := range samples {
		samples[k] *= r
	}
}

// WrapPhase maps an angle into [0, 2*pi).
func WrapPhase(phase float64) float64 {
	phase = math.Mod(phase, twoPi)
	if phase < 0 {
		phase += twoPi
	}
	if phase >= twoPi {
		phase = 0
	}
	return phase
}
