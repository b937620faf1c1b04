package dsp

import "math/cmplx"

// Discriminate implements a polar discriminator for FM demodulation. dst[i]
// receives angle(x[i] * conj(x[i-1])); the first output is taken against prev,
// the last sample of the previous block, so consecutive blocks join without a
// gap. A zero prev yields a zero first sample.
func Discriminate(dst []float64, prev complex128, x []complex128) []float64 {
	if cap(dst) < len(x) {
		dst = make([]float64, len(x))
	}
	dst = dst[:len(x)]
	for i, current := range x {
		dst[i] = PhaseDiff(prev, current)
		prev = current
	}
	return dst
}

// PhaseDiff returns the phase advance from prev to current, in (-pi, pi].
func PhaseDiff(prev, current complex128) float64 {
	return cmplx.Phase(current * cmplx.Conj(prev))
}
