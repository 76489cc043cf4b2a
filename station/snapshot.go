package station

import (
	"time"

	"quake-sentinel/seismic"
)

// Snapshot is a copy of the station state for readers outside the control
// loop.
type Snapshot struct {
	DeviceID      string           `json:"device_id"`
	State         string           `json:"state"`
	Ratio         float64          `json:"sta_lta_ratio"`
	PGA           float64          `json:"pga_g"`
	CAV           float64          `json:"cav_gs"`
	AlertLevel    string           `json:"alert_level"`
	CurrentEvent  *seismic.Event   `json:"current_event,omitempty"`
	LastEvent     *seismic.Event   `json:"last_event,omitempty"`
	BufferLen     int              `json:"buffer_len"`
	QueueSize     int              `json:"queue_size"`
	QueueUnsent   int              `json:"queue_unsent"`
	Connected     bool             `json:"connected"`
	Calibrated    bool             `json:"calibrated"`
	Gravity       float64          `json:"gravity"`
	Samples       int64            `json:"samples"`
	Dropped       int64            `json:"dropped"`
	Triggers      int64            `json:"triggers"`
	Events        int64            `json:"events"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Recent        []TelemetryPoint `json:"recent,omitempty"`
}

// snapshot assembles the current state. Called from the control loop only.
func (s *Station) snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		DeviceID:      s.cfg.DeviceID,
		State:         s.detector.State().String(),
		Ratio:         s.detector.Ratio(),
		PGA:           s.detector.CurrentPGA(),
		BufferLen:     s.detector.BufferLen(),
		QueueSize:     s.queue.Size(),
		QueueUnsent:   s.queue.UnsentCount(),
		Connected:     s.connected(),
		Gravity:       s.detector.Config().Baseline,
		Samples:       s.detector.SamplesAccepted,
		Dropped:       s.detector.SamplesDropped,
		Triggers:      s.detector.Triggers,
		Events:        s.events,
		UptimeSeconds: now.Sub(s.startTime).Seconds(),
		UpdatedAt:     now,
		AlertLevel:    seismic.LevelNegligible.String(),
	}
	if s.calibrator != nil {
		snap.Calibrated = s.calibrator.Calibration() != nil
	}

	if s.detector.Triggered() {
		ev := s.detector.CurrentEvent()
		snap.CAV = ev.CAV
		snap.AlertLevel = ev.AlertLevel.String()
		snap.CurrentEvent = &ev
	}
	if s.lastEvent != nil {
		ev := *s.lastEvent
		snap.LastEvent = &ev
	}
	return snap
}

func (s *Station) publishSnapshot(now time.Time) {
	snap := s.snapshot(now)
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

// Snapshot returns the latest published state with up to recent telemetry
// points attached. Safe for concurrent use.
func (s *Station) Snapshot(recent int) Snapshot {
	s.snapMu.RLock()
	snap := s.snap
	s.snapMu.RUnlock()
	if recent > 0 {
		snap.Recent = s.telemetry.GetRecent(recent)
	}
	return snap
}

// Telemetry exposes the recent sample buffers.
func (s *Station) Telemetry() *TelemetryBuffers {
	return s.telemetry
}
