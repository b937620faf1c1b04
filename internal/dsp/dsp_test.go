package dsp

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const float64EqualityThreshold = 1e-9

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= float64EqualityThreshold
}

func TestDecodeU8(t *testing.T) {
	iq := []byte{0, 255, 128, 127}
	I := make([]float64, 2)
	Q := make([]float64, 2)
	require.NoError(t, DecodeU8(I, Q, iq))

	assert.InDelta(t, -1.0, I[0], 1e-12)
	assert.InDelta(t, 1.0, Q[0], 1e-12)
	assert.InDelta(t, 128/127.5-1, I[1], 1e-12)
	assert.InDelta(t, 127/127.5-1, Q[1], 1e-12)
}

func TestDecodeU8_Malformed(t *testing.T) {
	I := make([]float64, 4)
	Q := make([]float64, 4)
	assert.Error(t, DecodeU8(I, Q, []byte{1, 2, 3}))
	assert.Error(t, DecodeU8(I, Q, make([]byte, 10)))
}

// oscillator is the mixing factor for sample n of a block starting at phase.
func oscillator(m *Mixer, n int, phase float64) complex128 {
	return complex(m.cos[n], m.sin[n]) * cmplx.Rect(1, phase)
}

// TestMixer_PhaseContinuity mixes a stream block by block, carrying the phase,
// and compares every oscillator value with one computed over the whole stream.
func TestMixer_PhaseContinuity(t *testing.T) {
	const (
		fs        = 1_140_000
		offset    = 250_000.0
		blockSize = 1000
		blocks    = 50
	)
	m := NewMixer(offset, fs, blockSize)

	phase := 0.0
	for k := 0; k < blocks; k++ {
		for n := 0; n < blockSize; n += 97 {
			global := float64(k*blockSize+n) * offset / fs
			_, frac := math.Modf(global)
			want := cmplx.Rect(1, -2*math.Pi*frac)
			got := oscillator(m, n, phase)
			require.InDeltaf(t, real(want), real(got), 1e-9, "block %d sample %d", k, n)
			require.InDeltaf(t, imag(want), imag(got), 1e-9, "block %d sample %d", k, n)
		}
		phase = m.Advance(phase)
		require.GreaterOrEqual(t, phase, 0.0)
		require.Less(t, phase, 2*math.Pi)
	}
}

func TestMixer_MixThenRotateMatchesWholeStream(t *testing.T) {
	const (
		fs        = 1_000_000
		offset    = 123_456.0
		blockSize = 256
	)
	m := NewMixer(offset, fs, blockSize)

	// a constant input makes the mixed output the oscillator itself
	phase := 0.0
	for k := 0; k < 4; k++ {
		I := make([]float64, blockSize)
		Q := make([]float64, blockSize)
		for n := range I {
			I[n] = 1
		}
		m.Mix(I, Q)
		x := make([]complex128, blockSize)
		for n := range x {
			x[n] = complex(I[n], Q[n])
		}
		Rotate(x, phase)

		for n := range x {
			want := cmplx.Rect(1, -2*math.Pi*offset/fs*float64(k*blockSize+n))
			assert.InDelta(t, 0, cmplx.Abs(want-x[n]), 1e-9)
		}
		phase = m.Advance(phase)
	}
}

func TestWrapPhase(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := rapid.Float64Range(-1e6, 1e6).Draw(t, "p")
		w := WrapPhase(p)
		assert.GreaterOrEqual(t, w, 0.0)
		assert.Less(t, w, 2*math.Pi)
		assert.InDelta(t, math.Cos(p), math.Cos(w), 1e-6)
		assert.InDelta(t, math.Sin(p), math.Sin(w), 1e-6)
	})
}

func TestDeemphasis_StepFromRest(t *testing.T) {
	deemph := NewDeemphasis(228_000, 75e-6)
	var zi [1]float64

	// The output should be an exponential curve approaching 1.0
	// It should always be increasing and never exceed the input value.
	x := make([]float64, 100)
	for i := range x {
		x[i] = 1
	}
	deemph.Filter(x, &zi)
	for i := 1; i < len(x); i++ {
		if x[i] < x[i-1] {
			t.Fatalf("De-emphasis output decreased on step input at sample %d", i)
		}
		if x[i] > 1 {
			t.Fatalf("De-emphasis output exceeded input value at sample %d", i)
		}
	}

	settle := make([]float64, 228_000)
	for i := range settle {
		settle[i] = 1
	}
	deemph.Filter(settle, &zi)
	assert.InDelta(t, 1.0, settle[len(settle)-1], 1e-9)
}

func TestDeemphasis_InitialMemoryIsSteadyState(t *testing.T) {
	deemph := NewDeemphasis(228_000, 75e-6)
	b, a1 := deemph.Coefficients()
	assert.InDelta(t, 1.0, b-a1, 1e-12) // b + x == 1

	zi := deemph.InitialMemory()
	x := []float64{1, 1, 1, 1}
	deemph.Filter(x, &zi)
	for _, v := range x {
		assert.InDelta(t, 1.0, v, 1e-12)
	}
}

func TestDeemphasis_ChunkedMatchesWhole(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.SliceOfN(rapid.Float64Range(-math.Pi, math.Pi), 2, 400).Draw(t, "in")
		split := rapid.IntRange(1, len(in)-1).Draw(t, "split")
		deemph := NewDeemphasis(228_000, 75e-6)

		whole := append([]float64(nil), in...)
		zi := deemph.InitialMemory()
		deemph.Filter(whole, &zi)

		chunked := append([]float64(nil), in...)
		zc := deemph.InitialMemory()
		deemph.Filter(chunked[:split], &zc)
		deemph.Filter(chunked[split:], &zc)

		for i := range whole {
			if !almostEqual(whole[i], chunked[i]) {
				t.Fatalf("mismatch at %d: whole=%f chunked=%f", i, whole[i], chunked[i])
			}
		}
		assert.InDelta(t, zi[0], zc[0], float64EqualityThreshold)
	})
}

func TestPeakGain(t *testing.T) {
	assert.Equal(t, 10000, PeakGain([]float64{0.5, -1.0, 0.25}, 10000))
	assert.Equal(t, 20000, PeakGain([]float64{0.5, -0.25}, 10000))
	assert.Equal(t, 0, PeakGain([]float64{0, 0}, 10000))
	assert.Equal(t, 0, PeakGain(nil, 10000))
	assert.Equal(t, maxGain, PeakGain([]float64{1e-12}, 10000))
	// integer gain truncates
	assert.Equal(t, 3333, PeakGain([]float64{3}, 10000))
}

func TestSmoothedGain(t *testing.T) {
	agc := SmoothedGain{Target: 10000, Attack: 0.5, Release: 0.1}
	g := agc.Next(0, []float64{1})
	assert.InDelta(t, 10000, g, 1e-9)

	// louder block: gain drops by the attack fraction
	g = agc.Next(g, []float64{2})
	assert.InDelta(t, 7500, g, 1e-9)

	// quieter block: gain rises slowly
	g = agc.Next(g, []float64{0.5})
	assert.InDelta(t, 7500+0.1*(20000-7500), g, 1e-9)

	// silence keeps the previous gain
	assert.InDelta(t, g, agc.Next(g, []float64{0, 0}), 1e-9)
}

func TestClip_SaturatesInsteadOfWrapping(t *testing.T) {
	src := []float64{1, -1, 0.5, -0.5, 0}
	out, clipped := Clip(nil, src, 1e6, 2)
	assert.Equal(t, []int16{32767, -32768, 32767, -32768, 0}, out)
	assert.Equal(t, 4, clipped)

	out, clipped = Clip(nil, []float64{1.9, -1.9, 300}, 1, 1)
	assert.Equal(t, []int16{1, -1, 127}, out)
	assert.Equal(t, 1, clipped)
}

func TestClip_AlwaysInRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		width := rapid.IntRange(1, 2).Draw(t, "width")
		gain := rapid.Float64Range(0, 1e7).Draw(t, "gain")
		src := rapid.SliceOf(rapid.Float64Range(-10, 10)).Draw(t, "src")
		lo, hi := SampleRange(width)

		out, _ := Clip(nil, src, gain, width)
		require.Len(t, out, len(src))
		for _, v := range out {
			assert.GreaterOrEqual(t, float64(v), lo)
			assert.LessOrEqual(t, float64(v), hi)
		}
	})
}
