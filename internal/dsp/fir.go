package dsp

import (
	"math"

	"github.com/tphakala/simd/f64"
	"gonum.org/v1/gonum/dsp/window"
)

// DesignFIRLowPass creates a low-pass FIR filter using the windowed-sinc method.
// cutoff is relative to the sample rate (0.5 is Nyquist).
func DesignFIRLowPass(numTaps int, cutoff float64) []float64 {
	if numTaps < 2 {
		return []float64{1}
	}
	taps := make([]float64, numTaps)
	M := float64(numTaps - 1)
	// The cutoff frequency must be normalized to the Nyquist frequency (0.5 * sample_rate)
	fc := cutoff * 2
	for n := range taps {
		x := float64(n) - M/2
		if x == 0 {
			taps[n] = fc
		} else {
			taps[n] = math.Sin(math.Pi*fc*x) / (math.Pi * x)
		}
	}
	window.Hamming(taps)

	// Normalize for unity gain at DC
	sum := f64.Sum(taps)
	f64.Scale(taps, taps, 1/sum)
	return taps
}

// Decimator low-pass filters and downsamples one block at a time. The filter
// is centred on each output sample so it adds no delay; samples beyond the
// block edges are treated as zero, so every block is filtered on its own.
//
// The padded input buffer is an arena reused between blocks; a Decimator must
// only be used by one goroutine at a time.
type Decimator struct {
	factor int
	taps   []float64
	half   int
	pad    []float64
}

// NewDecimator builds a decimator by factor with tapsPerFactor*factor+1 taps
// and a cutoff at 1/factor of the Nyquist frequency. blockLen sizes the arena.
func NewDecimator(factor, tapsPerFactor, blockLen int) *Decimator {
	d := &Decimator{factor: max(factor, 1)}
	if d.factor == 1 {
		return d
	}
	d.taps = DesignFIRLowPass(tapsPerFactor*d.factor+1, 0.5/float64(d.factor))
	d.half = (len(d.taps) - 1) / 2
	d.pad = make([]float64, blockLen+2*d.half)
	return d
}

// OutputLen returns the number of samples Decimate produces for n inputs.
func (d *Decimator) OutputLen(n int) int {
	return (n + d.factor - 1) / d.factor
}

// Decimate filters src and keeps every factor-th sample, starting with the
// first. The result is written into dst when it has enough capacity.
func (d *Decimator) Decimate(dst, src []float64) []float64 {
	outLen := d.OutputLen(len(src))
	if cap(dst) < outLen {
		dst = make([]float64, outLen)
	}
	dst = dst[:outLen]
	if d.factor == 1 {
		copy(dst, src)
		return dst
	}

	need := len(src) + 2*d.half
	if cap(d.pad) < need {
		d.pad = make([]float64, need)
	}
	pad := d.pad[:need]
	clear(pad[:d.half])
	copy(pad[d.half:], src)
	clear(pad[d.half+len(src):])

	L := len(d.taps)
	for m := range dst {
		start := m * d.factor
		dst[m] = f64.DotProductUnsafe(d.taps, pad[start:start+L])
	}
	return dst
}

// IQDecimator decimates complex samples held as separate I and Q slices.
type IQDecimator struct {
	re, im     *Decimator
	outI, outQ []float64
}

// NewIQDecimator builds a complex decimator; both rails share one tap set.
func NewIQDecimator(factor, tapsPerFactor, blockLen int) *IQDecimator {
	re := NewDecimator(factor, tapsPerFactor, blockLen)
	im := &Decimator{factor: re.factor, taps: re.taps, half: re.half, pad: make([]float64, len(re.pad))}
	n := re.OutputLen(blockLen)
	return &IQDecimator{
		re:   re,
		im:   im,
		outI: make([]float64, n),
		outQ: make([]float64, n),
	}
}

// OutputLen returns the number of samples Decimate produces for n inputs.
func (d *IQDecimator) OutputLen(n int) int { return d.re.OutputLen(n) }

// Decimate filters and downsamples i+jq into dst.
func (d *IQDecimator) Decimate(dst []complex128, i, q []float64) []complex128 {
	d.outI = d.re.Decimate(d.outI, i)
	d.outQ = d.im.Decimate(d.outQ, q)
	n := len(d.outI)
	if cap(dst) < n {
		dst = make([]complex128, n)
	}
	dst = dst[:n]
	for k := range dst {
		dst[k] = complex(d.outI[k], d.outQ[k])
	}
	return dst
}
