package accel

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"quake-sentinel/seismic"
)

// Burst is a scheduled shaking episode added on top of the background noise.
type Burst struct {
	Start     time.Duration
	Duration  time.Duration
	Amplitude float64 // m/s², peak
	Frequency float64 // Hz
}

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	SampleRate int
	Seed       int64
	Noise      float64 // m/s², half-width of the uniform background noise
	Gravity    float64
	Bursts     []Burst
	// Limit ends the stream after this many samples; 0 runs forever.
	Limit int
}

// Simulator produces a stationary sensor reading gravity on z plus bounded
// noise, with optional bursts. Timestamps advance by one sample period per
// read, independent of wall time.
type Simulator struct {
	cfg    SimulatorConfig
	rng    *rand.Rand
	index  int
	period float64 // ms
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Gravity == 0 {
		cfg.Gravity = seismic.StandardGravity
	}
	return &Simulator{cfg: cfg}
}

func (s *Simulator) Init() error {
	if s.cfg.SampleRate <= 0 {
		return fmt.Errorf("accel: simulator sample rate must be positive")
	}
	s.rng = rand.New(rand.NewSource(s.cfg.Seed))
	s.index = 0
	s.period = 1000.0 / float64(s.cfg.SampleRate)
	return nil
}

func (s *Simulator) Read() (seismic.Sample, error) {
	if s.rng == nil {
		return seismic.Sample{}, fmt.Errorf("accel: simulator not initialized")
	}
	if s.cfg.Limit > 0 && s.index >= s.cfg.Limit {
		return seismic.Sample{}, ErrEndOfStream
	}

	tMs := float64(s.index) * s.period
	s.index++

	sample := seismic.Sample{
		X:         s.noise(),
		Y:         s.noise(),
		Z:         s.cfg.Gravity + s.noise(),
		Timestamp: int64(math.Round(tMs)),
	}

	t := time.Duration(tMs * float64(time.Millisecond))
	for _, b := range s.cfg.Bursts {
		if t < b.Start || t >= b.Start+b.Duration {
			continue
		}
		phase := 2 * math.Pi * b.Frequency * (t - b.Start).Seconds()
		sample.Z += b.Amplitude * math.Sin(phase)
		sample.X += 0.5 * b.Amplitude * math.Cos(phase)
	}
	return sample, nil
}

func (s *Simulator) noise() float64 {
	return (s.rng.Float64()*2 - 1) * s.cfg.Noise
}

func (s *Simulator) Close() error {
	return nil
}
