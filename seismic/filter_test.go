package seismic

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBandpassRejectsDC(t *testing.T) {
	bp := NewBandpass(100, 0.1, 10)
	var out float64
	for range 20000 {
		out = bp.Process(StandardGravity)
	}
	require.InDelta(t, 0, out, 1e-3)
}

func TestBandpassPassesCentre(t *testing.T) {
	const fs = 100.0
	bp := NewBandpass(fs, 0.1, 10)
	f0 := math.Sqrt(0.1 * 10)

	var peak float64
	for i := range 5000 {
		out := bp.Process(math.Sin(2 * math.Pi * f0 * float64(i) / fs))
		if i > 4000 {
			peak = math.Max(peak, math.Abs(out))
		}
	}
	require.InDelta(t, 1.0, peak, 0.05)
}

func TestBandpassReset(t *testing.T) {
	bp := NewBandpass(100, 0.1, 10)
	first := bp.Process(1)
	bp.Process(5)
	bp.Reset()
	require.Equal(t, first, bp.Process(1))
}

func TestEstimatorConverges(t *testing.T) {
	e := NewEstimator(0.01, 0.1)
	var est float64
	for range 200 {
		est = e.Update(3.0)
	}
	require.InDelta(t, 3.0, est, 1e-6)

	e.Reset()
	require.InDelta(t, 1.01/1.11*0.5, e.Update(0.5), 1e-3)
}

func TestAxisFilterIgnoresNonFinite(t *testing.T) {
	f := NewAxisFilter(DefaultConfig())
	f.Process(1)
	last := f.Process(2)

	require.Equal(t, last, f.Process(math.NaN()))
	require.Equal(t, last, f.Process(math.Inf(-1)))

	g := NewAxisFilter(DefaultConfig())
	g.Process(1)
	g.Process(2)
	require.Equal(t, g.Process(3), f.Process(3))
}

func TestConditionerPreservesTimestamp(t *testing.T) {
	c := NewConditioner(DefaultConfig())
	out := c.Condition(Sample{X: 0.1, Y: -0.2, Z: StandardGravity, Timestamp: 1234})
	require.Equal(t, int64(1234), out.Timestamp)
	require.True(t, out.Finite())

	c.Reset()
	again := c.Condition(Sample{X: 0.1, Y: -0.2, Z: StandardGravity, Timestamp: 99})
	require.Equal(t, out.X, again.X)
	require.Equal(t, out.Z, again.Z)
}

func TestRing(t *testing.T) {
	r := NewRing[int](3)
	require.Equal(t, 3, r.Cap())
	require.Empty(t, r.Recent(5))

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	require.Equal(t, 3, r.Len())
	require.Equal(t, 3, r.At(0))
	require.Equal(t, 5, r.At(2))
	require.Equal(t, []int{4, 5}, r.Recent(2))
	require.Equal(t, []int{3, 4, 5}, r.Recent(10))

	r.Clear()
	require.Zero(t, r.Len())
	r.Push(9)
	require.Equal(t, []int{9}, r.Recent(1))
}
