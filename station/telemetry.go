package station

import (
	"sync"

	"quake-sentinel/seismic"
)

// TelemetryPoint pairs a raw reading with its conditioned counterpart.
type TelemetryPoint struct {
	Timestamp   int64          `json:"timestamp"`
	Raw         [3]float64     `json:"raw"`
	Conditioned [3]float64     `json:"conditioned"`
	Magnitude   float64        `json:"magnitude"`
	State       string         `json:"state"`
	sample      seismic.Sample
}

// TelemetryBuffers keeps the most recent points for the diagnostics server.
// The control loop pushes, HTTP handlers read.
type TelemetryBuffers struct {
	mu     sync.RWMutex
	points *seismic.Ring[TelemetryPoint]
	pushed int64
}

func NewTelemetryBuffers(maxLen int) *TelemetryBuffers {
	return &TelemetryBuffers{
		points: seismic.NewRing[TelemetryPoint](maxLen),
	}
}

// Push records one processed sample.
func (tb *TelemetryBuffers) Push(raw, conditioned seismic.Sample, magnitude float64, state seismic.State) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.points.Push(TelemetryPoint{
		Timestamp:   raw.Timestamp,
		Raw:         [3]float64{raw.X, raw.Y, raw.Z},
		Conditioned: [3]float64{conditioned.X, conditioned.Y, conditioned.Z},
		Magnitude:   magnitude,
		State:       state.String(),
		sample:      raw,
	})
	tb.pushed++
}

// GetRecent returns the last n points, oldest first.
func (tb *TelemetryBuffers) GetRecent(n int) []TelemetryPoint {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.points.Recent(n)
}

// Latest returns the newest raw sample.
func (tb *TelemetryBuffers) Latest() (seismic.Sample, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if tb.points.Len() == 0 {
		return seismic.Sample{}, false
	}
	return tb.points.At(tb.points.Len() - 1).sample, true
}

// Clear drops every point.
func (tb *TelemetryBuffers) Clear() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.points.Clear()
}

func (tb *TelemetryBuffers) Stats() map[string]any {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return map[string]any{
		"size":     tb.points.Len(),
		"capacity": tb.points.Cap(),
		"pushed":   tb.pushed,
	}
}
