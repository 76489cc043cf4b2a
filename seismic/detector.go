package seismic

import (
	"math"

	"github.com/google/uuid"
)

// State is the trigger state of the detector.
type State int

const (
	StateIdle State = iota
	StateTriggered
)

func (s State) String() string {
	if s == StateTriggered {
		return "TRIGGERED"
	}
	return "IDLE"
}

// Attenuation-relation coefficients for the single-station magnitude
// estimate. The relation is evaluated at a fixed nominal hypocentral
// distance, so the result is an approximation and not a measurement.
const (
	magC1 = 2.0
	magC2 = 0.6
	magC3 = 1.0
	magC4 = 5.0
	magC5 = 0.003
)

// EstimateMagnitude maps a PGA (g) at distanceKm to a magnitude clamped to
// [0, 10].
func EstimateMagnitude(pga, distanceKm float64) float64 {
	if pga <= 0 {
		return 0
	}
	pgaCmS2 := pga * 981.0
	mw := (math.Log10(pgaCmS2) - magC1 + magC3*math.Log10(distanceKm+magC4) + magC5*distanceKm) / magC2
	return math.Max(0, math.Min(10, mw))
}

type bufferedSample struct {
	sample    Sample
	magnitude float64 // |norm - baseline|, m/s²
}

// Detector runs the STA/LTA trigger state machine over a bounded buffer of
// samples and characterizes each episode. It is owned by a single control
// loop and is not safe for concurrent use.
type Detector struct {
	cfg  Config
	staN int
	ltaN int
	pgaN int

	buffer *Ring[bufferedSample]
	state  State
	ratio  float64

	triggerTime int64
	frozenLTA   float64
	current     Event

	// Episode integrators
	prevAccelG float64
	prevTime   int64
	axisMean   [3]float64
	meanReady  bool
	prevDyn    [3]float64
	velocity   [3]float64

	newID func() string

	SamplesAccepted int64
	SamplesDropped  int64
	Triggers        int64
	Discarded       int64
}

// NewDetector validates cfg and returns an idle detector.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	staN := cfg.samples(cfg.STAWindow)
	ltaN := cfg.samples(cfg.LTAWindow)
	d := &Detector{
		cfg:    cfg,
		staN:   staN,
		ltaN:   ltaN,
		pgaN:   max(1, cfg.samples(cfg.PGAWindow)),
		buffer: NewRing[bufferedSample](ltaN + staN),
		newID:  uuid.NewString,
	}
	return d, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// AddSample feeds one sample through the state machine. When an episode
// closes and lasted at least MinEventDuration, the confirmed event is
// returned with ok set. Non-finite samples are dropped.
func (d *Detector) AddSample(s Sample) (ev Event, ok bool) {
	if !s.Finite() {
		d.SamplesDropped++
		return Event{}, false
	}
	d.SamplesAccepted++

	mag := math.Abs(s.Norm() - d.cfg.Baseline)
	d.buffer.Push(bufferedSample{sample: s, magnitude: mag})
	if d.state == StateIdle {
		d.trackMean(s)
	}

	if d.buffer.Len() < d.ltaN {
		return Event{}, false
	}

	sta := d.calculateSTA()
	lta := d.frozenLTA
	if d.state == StateIdle {
		lta = d.calculateLTA()
	}
	d.ratio = 0
	if lta >= d.cfg.MinLTA {
		d.ratio = sta / lta
	}

	if d.state == StateIdle && d.ratio > d.cfg.TriggerThreshold {
		d.trigger(s, mag, lta)
	}
	if d.state != StateTriggered {
		return Event{}, false
	}

	d.characterize(s, mag)
	if d.ratio < d.cfg.DetriggerThreshold {
		return d.detrigger(s)
	}
	return Event{}, false
}

func (d *Detector) trigger(s Sample, mag, lta float64) {
	d.state = StateTriggered
	d.Triggers++
	d.triggerTime = s.Timestamp
	d.frozenLTA = lta
	d.current = Event{
		ID:         d.newID(),
		StartTime:  s.Timestamp,
		AlertLevel: LevelNegligible,
	}
	d.prevAccelG = mag / d.cfg.Gravity
	d.prevTime = s.Timestamp
	d.prevDyn = d.dynamic(s)
	d.velocity = [3]float64{}
}

func (d *Detector) characterize(s Sample, mag float64) {
	if pga := d.calculatePGA(); pga > d.current.PGA {
		d.current.PGA = pga
	}

	accelG := mag / d.cfg.Gravity
	dyn := d.dynamic(s)
	if s.Timestamp > d.prevTime {
		dt := float64(s.Timestamp-d.prevTime) / 1000.0
		d.current.CAV += 0.5 * (d.prevAccelG + accelG) * dt

		decay := 1.0
		if d.cfg.VelocityTau > 0 {
			decay = math.Exp(-dt / d.cfg.VelocityTau.Seconds())
		}
		var speed float64
		for i := range d.velocity {
			d.velocity[i] = d.velocity[i]*decay + 0.5*(d.prevDyn[i]+dyn[i])*dt
			speed += d.velocity[i] * d.velocity[i]
		}
		if pgv := math.Sqrt(speed) * 100; pgv > d.current.PGV {
			d.current.PGV = pgv
		}
	}
	d.prevAccelG = accelG
	d.prevTime = s.Timestamp
	d.prevDyn = dyn

	if level := ClassifyPGA(d.current.PGA); level > d.current.AlertLevel {
		d.current.AlertLevel = level
	}
}

func (d *Detector) detrigger(s Sample) (Event, bool) {
	ev := d.current
	ev.Duration = s.Timestamp - d.triggerTime

	d.state = StateIdle
	d.current = Event{}
	d.frozenLTA = 0
	d.velocity = [3]float64{}

	if ev.Duration < d.cfg.MinEventDuration.Milliseconds() {
		d.Discarded++
		return Event{}, false
	}
	ev.Confirmed = true
	ev.Magnitude = EstimateMagnitude(ev.PGA, d.cfg.NominalDistanceKm)
	return ev, true
}

// trackMean follows the static per-axis component with an exponential
// average over the LTA window. Only updated while idle.
func (d *Detector) trackMean(s Sample) {
	v := [3]float64{s.X, s.Y, s.Z}
	if !d.meanReady {
		d.axisMean = v
		d.meanReady = true
		return
	}
	alpha := 1.0 / float64(d.ltaN)
	for i := range d.axisMean {
		d.axisMean[i] += alpha * (v[i] - d.axisMean[i])
	}
}

func (d *Detector) dynamic(s Sample) [3]float64 {
	return [3]float64{s.X - d.axisMean[0], s.Y - d.axisMean[1], s.Z - d.axisMean[2]}
}

func (d *Detector) calculateSTA() float64 {
	n := d.buffer.Len()
	if n < d.staN {
		return 0
	}
	var sum float64
	for i := n - d.staN; i < n; i++ {
		m := d.buffer.At(i).magnitude
		sum += m * m
	}
	return sum / float64(d.staN)
}

// calculateLTA averages up to ltaN samples immediately preceding the STA
// window.
func (d *Detector) calculateLTA() float64 {
	end := d.buffer.Len() - d.staN
	start := max(0, end-d.ltaN)
	if end <= start {
		return 0
	}
	var sum float64
	for i := start; i < end; i++ {
		m := d.buffer.At(i).magnitude
		sum += m * m
	}
	return sum / float64(end-start)
}

// calculatePGA returns the peak magnitude (g) over the last PGAWindow of
// buffered samples.
func (d *Detector) calculatePGA() float64 {
	n := d.buffer.Len()
	var peak float64
	for i := max(0, n-d.pgaN); i < n; i++ {
		if g := d.buffer.At(i).magnitude / d.cfg.Gravity; g > peak {
			peak = g
		}
	}
	return peak
}

// Triggered reports whether an episode is in progress.
func (d *Detector) Triggered() bool {
	return d.state == StateTriggered
}

// State returns the current trigger state.
func (d *Detector) State() State {
	return d.state
}

// CurrentEvent returns a copy of the in-progress episode. Duration is left
// at zero until the episode closes.
func (d *Detector) CurrentEvent() Event {
	return d.current
}

// Ratio returns the STA/LTA ratio computed for the latest sample.
func (d *Detector) Ratio() float64 {
	return d.ratio
}

// CurrentPGA returns the peak acceleration (g) over the recent PGA window.
func (d *Detector) CurrentPGA() float64 {
	return d.calculatePGA()
}

// CurrentCAV returns the CAV accumulated by the in-progress episode.
func (d *Detector) CurrentCAV() float64 {
	return d.current.CAV
}

// BufferLen returns the number of buffered samples.
func (d *Detector) BufferLen() int {
	return d.buffer.Len()
}

// Reset aborts any in-progress episode and clears the buffer.
func (d *Detector) Reset() {
	d.buffer.Clear()
	d.state = StateIdle
	d.ratio = 0
	d.triggerTime = 0
	d.frozenLTA = 0
	d.current = Event{}
	d.meanReady = false
	d.axisMean = [3]float64{}
	d.velocity = [3]float64{}
	d.prevDyn = [3]float64{}
}
