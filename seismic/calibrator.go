package seismic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotAtRest is returned when the sensor moved during calibration.
	ErrNotAtRest = errors.New("seismic: sensor not at rest during calibration")
	// ErrNoCalibration is returned when there is nothing to save.
	ErrNoCalibration = errors.New("seismic: no calibration")
)

// Calibration holds the at-rest gravity reading of one installation.
type Calibration struct {
	Gravity   float64    `json:"gravity"` // m/s², median norm at rest
	Axis      [3]float64 `json:"axis"`    // mean per-axis reading at rest
	Noise     float64    `json:"noise"`   // standard deviation of the norm
	Samples   int        `json:"samples"`
	Timestamp time.Time  `json:"timestamp"`
}

// ReadFunc returns one raw accelerometer sample.
type ReadFunc func() (Sample, error)

// GravityCalibrator measures the local gravity magnitude with the sensor at
// rest, so the unconditioned detector path can subtract the true static
// component instead of the nominal one.
type GravityCalibrator struct {
	samples  int
	interval time.Duration
	maxNoise float64 // m/s²

	calibration *Calibration
	mu          sync.RWMutex
}

// NewGravityCalibrator captures n samples spaced interval apart and rejects
// the run if the norm's standard deviation exceeds maxNoise.
func NewGravityCalibrator(n int, interval time.Duration, maxNoise float64) *GravityCalibrator {
	if n < 1 {
		n = 1
	}
	return &GravityCalibrator{
		samples:  n,
		interval: interval,
		maxNoise: maxNoise,
	}
}

// Calibrate reads samples until n finite readings are collected or ctx is
// done, then commits the result.
func (gc *GravityCalibrator) Calibrate(ctx context.Context, read ReadFunc) (*Calibration, error) {
	norms := make([]float64, 0, gc.samples)
	var sum [3]float64

	var ticker *time.Ticker
	if gc.interval > 0 {
		ticker = time.NewTicker(gc.interval)
		defer ticker.Stop()
	}

	for len(norms) < gc.samples {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, err := read()
		if err != nil {
			return nil, fmt.Errorf("seismic: calibration read: %w", err)
		}
		if !s.Finite() {
			continue
		}
		norms = append(norms, s.Norm())
		sum[0] += s.X
		sum[1] += s.Y
		sum[2] += s.Z
	}

	n := float64(len(norms))
	var mean float64
	for _, v := range norms {
		mean += v
	}
	mean /= n
	var variance float64
	for _, v := range norms {
		variance += (v - mean) * (v - mean)
	}
	noise := math.Sqrt(variance / n)
	if gc.maxNoise > 0 && noise > gc.maxNoise {
		return nil, fmt.Errorf("%w: noise %.4f m/s² exceeds %.4f", ErrNotAtRest, noise, gc.maxNoise)
	}

	sort.Float64s(norms)
	cal := &Calibration{
		Gravity:   norms[len(norms)/2],
		Axis:      [3]float64{sum[0] / n, sum[1] / n, sum[2] / n},
		Noise:     noise,
		Samples:   len(norms),
		Timestamp: time.Now(),
	}
	gc.SetCalibration(cal)
	return cal, nil
}

// SetCalibration replaces the current calibration.
func (gc *GravityCalibrator) SetCalibration(cal *Calibration) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.calibration = cal
}

// Calibration returns the current calibration, or nil.
func (gc *GravityCalibrator) Calibration() *Calibration {
	gc.mu.RLock()
	defer gc.mu.RUnlock()
	return gc.calibration
}

// Apply sets cfg.Baseline from the calibration when one is present and the
// detector sees raw (unconditioned) samples.
func (gc *GravityCalibrator) Apply(cfg Config) Config {
	if cal := gc.Calibration(); cal != nil && cfg.Baseline != 0 {
		cfg.Baseline = cal.Gravity
	}
	return cfg
}

// SaveToFile persists the calibration as JSON.
func (gc *GravityCalibrator) SaveToFile(path string) error {
	cal := gc.Calibration()
	if cal == nil {
		return ErrNoCalibration
	}
	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadFromFile restores a calibration. A missing file is not an error.
func (gc *GravityCalibrator) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var cal Calibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return fmt.Errorf("seismic: decode calibration: %w", err)
	}
	gc.SetCalibration(&cal)
	return nil
}
