package dsp

import "math"

// Deemphasis implements the single-pole low-pass filter that undoes broadcast
// pre-emphasis: y[n] = b*x[n] - a1*y[n-1].
//
// The filter keeps no memory of its own. The caller passes the one-element
// delay line on every call, which lets a single owner carry it across blocks.
type Deemphasis struct {
	b  float64
	a1 float64
}

// NewDeemphasis creates a new de-emphasis filter.
// sampleRate is the rate of the discriminator output.
// tau is the time constant (e.g., 50e-6 for Europe, 75e-6 for US).
func NewDeemphasis(sampleRate, tau float64) *Deemphasis {
	d := sampleRate * tau // samples to the -3 dB point
	x := math.Exp(-1 / d) // decay per sample
	return &Deemphasis{b: 1 - x, a1: -x}
}

// Coefficients returns b and a1.
func (d *Deemphasis) Coefficients() (b, a1 float64) { return d.b, d.a1 }

// InitialMemory is the delay line of a filter that has settled on a unit step.
func (d *Deemphasis) InitialMemory() [1]float64 {
	return [1]float64{-d.a1}
}

// Filter applies the filter to x in place, updating zi.
func (d *Deemphasis) Filter(x []float64, zi *[1]float64) {
	z := zi[0]
	for n, v := range x {
		y := d.b*v + z
		z = -d.a1 * y
		x[n] = y
	}
	zi[0] = z
}
