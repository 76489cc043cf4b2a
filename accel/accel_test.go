package accel

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quake-sentinel/seismic"
)

func TestSimulatorDeterministic(t *testing.T) {
	cfg := SimulatorConfig{SampleRate: 100, Seed: 7, Noise: 0.02, Limit: 50}
	a, b := NewSimulator(cfg), NewSimulator(cfg)
	require.NoError(t, a.Init())
	require.NoError(t, b.Init())

	for i := range 50 {
		sa, err := a.Read()
		require.NoError(t, err)
		sb, err := b.Read()
		require.NoError(t, err)
		require.Equal(t, sa, sb)
		require.Equal(t, int64(i*10), sa.Timestamp)
		require.InDelta(t, seismic.StandardGravity, sa.Z, 0.02)
		require.LessOrEqual(t, math.Abs(sa.X), 0.02)
	}
	_, err := a.Read()
	require.ErrorIs(t, err, ErrEndOfStream)
}

func TestSimulatorBurst(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{
		SampleRate: 100,
		Bursts:     []Burst{{Start: time.Second, Duration: time.Second, Amplitude: 3, Frequency: 2}},
	})
	require.NoError(t, sim.Init())

	var quietPeak, burstPeak float64
	for range 300 {
		s, err := sim.Read()
		require.NoError(t, err)
		dev := math.Abs(s.Norm() - seismic.StandardGravity)
		if s.Timestamp >= 1000 && s.Timestamp < 2000 {
			burstPeak = math.Max(burstPeak, dev)
		} else {
			quietPeak = math.Max(quietPeak, dev)
		}
	}
	require.Less(t, quietPeak, 1e-9)
	require.Greater(t, burstPeak, 2.0)
}

func TestSimulatorRequiresInit(t *testing.T) {
	_, err := NewSimulator(SimulatorConfig{SampleRate: 100}).Read()
	require.Error(t, err)
	require.Error(t, NewSimulator(SimulatorConfig{}).Init())
}

func TestReplay(t *testing.T) {
	data := "timestamp_ms,x,y,z\n# comment\n0,0.01,-0.02,9.81\n10, 0.5, 0.0, 10.2\n"
	r := NewReplay(strings.NewReader(data))
	require.NoError(t, r.Init())

	s, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, seismic.Sample{X: 0.01, Y: -0.02, Z: 9.81, Timestamp: 0}, s)

	s, err = r.Read()
	require.NoError(t, err)
	require.Equal(t, int64(10), s.Timestamp)
	require.InDelta(t, 10.2, s.Z, 1e-12)

	_, err = r.Read()
	require.ErrorIs(t, err, ErrEndOfStream)
	require.NoError(t, r.Close())
}

func TestReplayBadRow(t *testing.T) {
	r := NewReplay(strings.NewReader("0,1,2,3\n10,abc,2,3\n"))
	require.NoError(t, r.Init())
	_, err := r.Read()
	require.NoError(t, err)
	_, err = r.Read()
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrEndOfStream)
}

func TestOpenReplayMissingFile(t *testing.T) {
	require.Error(t, OpenReplay(t.TempDir()+"/missing.csv").Init())
}
