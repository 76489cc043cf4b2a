// Package seismic implements the on-device detection path: per-axis signal
// conditioning, the STA/LTA trigger state machine and event characterization
// (PGA, PGV, CAV, magnitude estimate).
package seismic

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// StandardGravity is the nominal gravitational acceleration used by the
// firmware, in m/s².
const StandardGravity = 9.81

// Sample is one raw or conditioned accelerometer reading in m/s².
type Sample struct {
	X         float64
	Y         float64
	Z         float64
	Timestamp int64 // monotonic milliseconds
}

// Finite reports whether every axis holds a finite value.
func (s Sample) Finite() bool {
	return isFinite(s.X) && isFinite(s.Y) && isFinite(s.Z)
}

// Norm returns the vector magnitude of the reading.
func (s Sample) Norm() float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// AlertLevel classifies shaking intensity from peak ground acceleration.
type AlertLevel int

const (
	LevelNegligible AlertLevel = iota
	LevelLight
	LevelModerate
	LevelStrong
	LevelSevere
	LevelExtreme
)

var levelNames = [...]string{"NEGLIGIBLE", "LIGHT", "MODERATE", "STRONG", "SEVERE", "EXTREME"}

// levelThresholds holds the inclusive lower PGA bound (g) of each level,
// ascending. The last matching entry wins.
var levelThresholds = [...]float64{0, 0.03, 0.08, 0.15, 0.25, 0.45}

func (l AlertLevel) String() string {
	if l < LevelNegligible || l > LevelExtreme {
		return fmt.Sprintf("AlertLevel(%d)", int(l))
	}
	return levelNames[l]
}

// MarshalText encodes the level as its name.
func (l AlertLevel) MarshalText() ([]byte, error) {
	if l < LevelNegligible || l > LevelExtreme {
		return nil, fmt.Errorf("seismic: invalid alert level %d", int(l))
	}
	return []byte(levelNames[l]), nil
}

// UnmarshalText decodes a level name.
func (l *AlertLevel) UnmarshalText(text []byte) error {
	lvl, err := ParseAlertLevel(string(text))
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}

// ErrUnknownLevel is returned when a level name cannot be parsed.
var ErrUnknownLevel = errors.New("seismic: unknown alert level")

// ParseAlertLevel maps a level name (case-insensitive) to its AlertLevel.
func ParseAlertLevel(name string) (AlertLevel, error) {
	for i, n := range levelNames {
		if strings.EqualFold(n, name) {
			return AlertLevel(i), nil
		}
	}
	return LevelNegligible, fmt.Errorf("%w: %q", ErrUnknownLevel, name)
}

// ClassifyPGA returns the alert level for a peak ground acceleration in g.
func ClassifyPGA(pga float64) AlertLevel {
	level := LevelNegligible
	for i, bound := range levelThresholds {
		if pga >= bound {
			level = AlertLevel(i)
		}
	}
	return level
}

// Event is one characterized seismic episode.
type Event struct {
	ID         string     `json:"id"`
	Magnitude  float64    `json:"magnitude"`
	PGA        float64    `json:"pga"` // g
	PGV        float64    `json:"pgv"` // cm/s
	CAV        float64    `json:"cav"` // g·s
	StartTime  int64      `json:"startTime"`
	Duration   int64      `json:"duration"` // ms
	AlertLevel AlertLevel `json:"alertLevel"`
	Confirmed  bool       `json:"confirmed"`
}

// DurationValue returns the episode duration as a time.Duration.
func (e Event) DurationValue() time.Duration {
	return time.Duration(e.Duration) * time.Millisecond
}

// Config holds detector and conditioner configuration.
type Config struct {
	SampleRate int // Hz

	// Conditioner
	LowCutoff        float64 // Hz
	HighCutoff       float64 // Hz
	ProcessNoise     float64
	MeasurementNoise float64

	// STA/LTA trigger
	STAWindow          time.Duration
	LTAWindow          time.Duration
	TriggerThreshold   float64
	DetriggerThreshold float64
	MinLTA             float64
	MinEventDuration   time.Duration

	// Characterization
	Gravity           float64 // m/s² per g
	Baseline          float64 // static magnitude removed before STA/LTA, m/s²
	PGAWindow         time.Duration
	VelocityTau       time.Duration
	NominalDistanceKm float64
}

// DefaultConfig returns the firmware defaults for a 100 Hz sensor.
func DefaultConfig() Config {
	return Config{
		SampleRate:         100,
		LowCutoff:          0.1,
		HighCutoff:         10.0,
		ProcessNoise:       0.01,
		MeasurementNoise:   0.1,
		STAWindow:          500 * time.Millisecond,
		LTAWindow:          10 * time.Second,
		TriggerThreshold:   5.0,
		DetriggerThreshold: 2.0,
		MinLTA:             1e-6,
		MinEventDuration:   time.Second,
		Gravity:            StandardGravity,
		Baseline:           StandardGravity,
		PGAWindow:          3 * time.Second,
		VelocityTau:        2 * time.Second,
		NominalDistanceKm:  10.0,
	}
}

// ErrInvalidConfig is wrapped by Validate failures.
var ErrInvalidConfig = errors.New("seismic: invalid config")

// Validate checks the configuration for values the detector cannot run with.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate must be positive", ErrInvalidConfig)
	case c.samples(c.STAWindow) < 1:
		return fmt.Errorf("%w: STA window shorter than one sample", ErrInvalidConfig)
	case c.samples(c.LTAWindow) <= c.samples(c.STAWindow):
		return fmt.Errorf("%w: LTA window must span more samples than STA window", ErrInvalidConfig)
	case c.DetriggerThreshold >= c.TriggerThreshold:
		return fmt.Errorf("%w: detrigger threshold %.2f must be below trigger threshold %.2f",
			ErrInvalidConfig, c.DetriggerThreshold, c.TriggerThreshold)
	case c.Gravity <= 0:
		return fmt.Errorf("%w: gravity must be positive", ErrInvalidConfig)
	case c.LowCutoff <= 0 || c.HighCutoff <= c.LowCutoff:
		return fmt.Errorf("%w: bandpass cutoffs must satisfy 0 < low < high", ErrInvalidConfig)
	case c.HighCutoff >= float64(c.SampleRate)/2:
		return fmt.Errorf("%w: high cutoff must be below Nyquist", ErrInvalidConfig)
	}
	return nil
}

// samples converts a window length to a sample count at the configured rate.
func (c Config) samples(d time.Duration) int {
	return int(int64(d) * int64(c.SampleRate) / int64(time.Second))
}
