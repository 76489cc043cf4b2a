package seismic

import "math"

// Bandpass is a second-order band-pass biquad designed with the bilinear
// transform (RBJ cookbook, constant 0 dB peak gain).
type Bandpass struct {
	a [3]float64
	b [3]float64
	x [5]float64
	y [5]float64
}

// NewBandpass designs a band-pass section for the given sample rate and
// cutoff frequencies in Hz.
func NewBandpass(sampleRate, lowCutoff, highCutoff float64) *Bandpass {
	f0 := math.Sqrt(lowCutoff * highCutoff)
	octaves := math.Log2(highCutoff / lowCutoff)

	w0 := 2 * math.Pi * f0 / sampleRate
	sinW0 := math.Sin(w0)
	cosW0 := math.Cos(w0)
	alpha := sinW0 * math.Sinh(math.Ln2/2*octaves*w0/sinW0)

	a0 := 1 + alpha
	bp := &Bandpass{}
	bp.b = [3]float64{alpha / a0, 0, -alpha / a0}
	bp.a = [3]float64{1, -2 * cosW0 / a0, (1 - alpha) / a0}
	return bp
}

// Process filters one input value.
func (bp *Bandpass) Process(input float64) float64 {
	for i := len(bp.x) - 1; i > 0; i-- {
		bp.x[i] = bp.x[i-1]
		bp.y[i] = bp.y[i-1]
	}
	bp.x[0] = input
	bp.y[0] = bp.b[0]*bp.x[0] + bp.b[1]*bp.x[1] + bp.b[2]*bp.x[2] -
		bp.a[1]*bp.y[1] - bp.a[2]*bp.y[2]
	return bp.y[0]
}

// Reset zeroes the filter history.
func (bp *Bandpass) Reset() {
	bp.x = [5]float64{}
	bp.y = [5]float64{}
}

// Estimator is a scalar recursive estimator in predict-update form.
type Estimator struct {
	processNoise     float64
	measurementNoise float64

	errorCovariance float64
	gain            float64
	estimate        float64
}

// NewEstimator creates an estimator with the given noise variances.
func NewEstimator(processNoise, measurementNoise float64) *Estimator {
	e := &Estimator{
		processNoise:     processNoise,
		measurementNoise: measurementNoise,
	}
	e.Reset()
	return e
}

// Update nudges the estimate toward the measurement and returns it.
func (e *Estimator) Update(measurement float64) float64 {
	e.errorCovariance += e.processNoise
	e.gain = e.errorCovariance / (e.errorCovariance + e.measurementNoise)
	e.estimate += e.gain * (measurement - e.estimate)
	e.errorCovariance *= 1 - e.gain
	return e.estimate
}

// Reset restores the initial estimator state.
func (e *Estimator) Reset() {
	e.errorCovariance = 1
	e.gain = 0
	e.estimate = 0
}

// AxisFilter chains the band-pass and the estimator for one axis.
type AxisFilter struct {
	bandpass  *Bandpass
	estimator *Estimator
	last      float64
}

// NewAxisFilter builds the per-axis pipeline from cfg.
func NewAxisFilter(cfg Config) *AxisFilter {
	return &AxisFilter{
		bandpass:  NewBandpass(float64(cfg.SampleRate), cfg.LowCutoff, cfg.HighCutoff),
		estimator: NewEstimator(cfg.ProcessNoise, cfg.MeasurementNoise),
	}
}

// Process conditions one raw value. Non-finite input leaves the state
// untouched and returns the previous output.
func (f *AxisFilter) Process(raw float64) float64 {
	if !isFinite(raw) {
		return f.last
	}
	f.last = f.estimator.Update(f.bandpass.Process(raw))
	return f.last
}

// Reset zeroes all history.
func (f *AxisFilter) Reset() {
	f.bandpass.Reset()
	f.estimator.Reset()
	f.last = 0
}

// Conditioner applies an AxisFilter to each of the three axes.
type Conditioner struct {
	axes [3]*AxisFilter
}

// NewConditioner creates a three-axis conditioner.
func NewConditioner(cfg Config) *Conditioner {
	return &Conditioner{
		axes: [3]*AxisFilter{NewAxisFilter(cfg), NewAxisFilter(cfg), NewAxisFilter(cfg)},
	}
}

// Condition filters a raw sample, preserving its timestamp.
func (c *Conditioner) Condition(s Sample) Sample {
	return Sample{
		X:         c.axes[0].Process(s.X),
		Y:         c.axes[1].Process(s.Y),
		Z:         c.axes[2].Process(s.Z),
		Timestamp: s.Timestamp,
	}
}

// Reset clears every axis.
func (c *Conditioner) Reset() {
	for _, a := range c.axes {
		a.Reset()
	}
}
