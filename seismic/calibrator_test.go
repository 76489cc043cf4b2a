package seismic

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func sequence(samples ...Sample) ReadFunc {
	i := 0
	return func() (Sample, error) {
		s := samples[i%len(samples)]
		i++
		return s, nil
	}
}

func TestGravityCalibration(t *testing.T) {
	gc := NewGravityCalibrator(4, 0, 0.05)
	cal, err := gc.Calibrate(context.Background(), sequence(
		Sample{Z: 9.79},
		Sample{X: math.NaN()},
		Sample{Z: 9.80},
		Sample{Z: 9.81},
		Sample{Z: 9.82},
	))
	require.NoError(t, err)
	require.Equal(t, 4, cal.Samples)
	require.InDelta(t, 9.81, cal.Gravity, 1e-9)
	require.InDelta(t, 9.805, cal.Axis[2], 1e-9)
	require.Same(t, cal, gc.Calibration())

	cfg := gc.Apply(DefaultConfig())
	require.InDelta(t, 9.81, cfg.Baseline, 1e-9)

	conditioned := DefaultConfig()
	conditioned.Baseline = 0
	require.Zero(t, gc.Apply(conditioned).Baseline)
}

func TestGravityCalibrationRejectsMotion(t *testing.T) {
	gc := NewGravityCalibrator(4, 0, 0.05)
	_, err := gc.Calibrate(context.Background(), sequence(Sample{Z: 9.8}, Sample{Z: 11.0}))
	require.ErrorIs(t, err, ErrNotAtRest)
	require.Nil(t, gc.Calibration())
}

func TestGravityCalibrationReadError(t *testing.T) {
	boom := errors.New("i2c nack")
	gc := NewGravityCalibrator(4, 0, 0)
	_, err := gc.Calibrate(context.Background(), func() (Sample, error) { return Sample{}, boom })
	require.ErrorIs(t, err, boom)
}

func TestGravityCalibrationCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gc := NewGravityCalibrator(4, 0, 0)
	_, err := gc.Calibrate(ctx, sequence(Sample{Z: 9.8}))
	require.ErrorIs(t, err, context.Canceled)
}

func TestCalibrationFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gravity.json")

	gc := NewGravityCalibrator(1, 0, 0)
	require.ErrorIs(t, gc.SaveToFile(path), ErrNoCalibration)
	require.NoError(t, gc.LoadFromFile(path))
	require.Nil(t, gc.Calibration())

	_, err := gc.Calibrate(context.Background(), sequence(Sample{X: 0.1, Z: 9.79}))
	require.NoError(t, err)
	require.NoError(t, gc.SaveToFile(path))

	other := NewGravityCalibrator(1, 0, 0)
	require.NoError(t, other.LoadFromFile(path))
	require.InDelta(t, gc.Calibration().Gravity, other.Calibration().Gravity, 1e-12)
	require.Equal(t, gc.Calibration().Axis, other.Calibration().Axis)
}
