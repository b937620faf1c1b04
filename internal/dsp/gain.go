package dsp

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// maxGain bounds the gain chosen for near-silent blocks.
const maxGain = 1 << 20

// Peak returns the largest absolute sample value.
func Peak(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return floats.Norm(samples, math.Inf(1))
}

// PeakGain returns the integer gain that maps the block's peak close to target.
// Silent blocks get a gain of zero.
func PeakGain(samples []float64, target float64) int {
	peak := Peak(samples)
	if peak == 0 || math.IsNaN(peak) {
		return 0
	}
	g := target / peak
	if g > maxGain {
		return maxGain
	}
	return int(g)
}

// SmoothedGain follows the per-block peak gain with first-order smoothing so
// that consecutive blocks of different loudness do not pump. Attack applies
// when the gain has to drop, Release when it may rise.
type SmoothedGain struct {
	Target  float64
	Attack  float64
	Release float64
}

// Next returns the gain for samples given the gain used for the previous block.
func (s SmoothedGain) Next(prev float64, samples []float64) float64 {
	want := float64(PeakGain(samples, s.Target))
	if want == 0 {
		return prev
	}
	if prev == 0 {
		return want
	}
	coef := s.Release
	if want < prev {
		coef = s.Attack
	}
	return prev + coef*(want-prev)
}

// SampleRange returns the signed integer range of a sample width in bytes.
func SampleRange(width int) (lo, hi float64) {
	bits := 8*width - 1
	return -math.Ldexp(1, bits), math.Ldexp(1, bits) - 1
}

// Clip scales src by gain, saturates to the range of width and truncates
// toward zero. It returns the samples and how many of them saturated.
func Clip(dst []int16, src []float64, gain float64, width int) ([]int16, int) {
	lo, hi := SampleRange(width)
	if cap(dst) < len(src) {
		dst = make([]int16, len(src))
	}
	dst = dst[:len(src)]
	clipped := 0
	for i, v := range src {
		v *= gain
		switch {
		case math.IsNaN(v):
			v = 0
		case v > hi:
			v = hi
			clipped++
		case v < lo:
			v = lo
			clipped++
		}
		dst[i] = int16(v)
	}
	return dst, clipped
}
