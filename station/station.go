// Package station is the sampling loop that ties the sensor, the detector,
// the durable queue, the alert dispatcher and the broker link together.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"quake-sentinel/accel"
	"quake-sentinel/alert"
	"quake-sentinel/link"
	"quake-sentinel/metrics"
	"quake-sentinel/seismic"
	"quake-sentinel/storage"
)

// ErrSensorInit is returned by Boot when the accelerometer cannot start.
var ErrSensorInit = errors.New("station: sensor init failed")

// Status lines sent to the panel and the broker.
const (
	StatusOnline     = "online"
	StatusMonitoring = "monitoring"
	StatusAlive      = "alive"
)

// errorRepeat is the pause between error tones while the sensor is down.
const errorRepeat = 500 * time.Millisecond

// Panel is the local indicator driven by the station.
type Panel interface {
	alert.Indicator
	Init() error
	SoundError(ctx context.Context) error
}

// Link is the broker connection. It is optional.
type Link interface {
	alert.Publisher
	PublishData(ctx context.Context, s seismic.Sample, deviceID string) error
	Poll() (link.Command, bool)
	CameOnline() bool
}

// Config holds the loop settings.
type Config struct {
	DeviceID string
	Detector seismic.Config

	// Conditioning runs samples through the bandpass before detection.
	Conditioning bool

	StatusInterval time.Duration
	DrainInterval  time.Duration
	// DataEvery publishes every Nth raw sample on the data topic; 0 disables.
	DataEvery int

	// Calibrate measures gravity at boot. CalibrationPath, when set, loads
	// and stores the result.
	Calibrate           bool
	CalibrationSamples  int
	CalibrationMaxNoise float64
	CalibrationPath     string

	TelemetrySize int
	// Unpaced runs the loop as fast as the sensor delivers, for replays.
	Unpaced bool
}

// DefaultConfig returns the firmware cadence.
func DefaultConfig() Config {
	return Config{
		DeviceID:            "QS_000000000000",
		Detector:            seismic.DefaultConfig(),
		StatusInterval:      60 * time.Second,
		DrainInterval:       5 * time.Second,
		CalibrationSamples:  200,
		CalibrationMaxNoise: 0.05,
		TelemetrySize:       500,
	}
}

// Deps are the handles the station drives. Sensor and Queue are required.
type Deps struct {
	Sensor     accel.Accelerometer
	Panel      Panel
	Link       Link
	Queue      *storage.EventQueue
	Fanout     *alert.Fanout
	EventLog   *storage.EventLog
	Calibrator *seismic.GravityCalibrator
	Clock      func() time.Time
	Logger     *slog.Logger
	// BaseCtx parents background webhook deliveries.
	BaseCtx context.Context
}

// Station owns the detector, the conditioner and the queue. Everything but
// Snapshot must be called from a single goroutine.
type Station struct {
	cfg         Config
	sensor      accel.Accelerometer
	panel       Panel
	link        Link
	queue       *storage.EventQueue
	eventLog    *storage.EventLog
	manager     *alert.Manager
	calibrator  *seismic.GravityCalibrator
	detector    *seismic.Detector
	conditioner *seismic.Conditioner
	telemetry   *TelemetryBuffers
	now         func() time.Time
	logger      *slog.Logger

	startTime  time.Time
	lastStatus time.Time
	lastDrain  time.Time
	shownLevel seismic.AlertLevel
	shown      bool
	samples    int64
	events     int64
	evicted    int64
	lastEvent  *seismic.Event

	snapMu sync.RWMutex
	snap   Snapshot
}

// New wires a station from cfg and deps. Sensor and Queue are required.
func New(cfg Config, deps Deps) (*Station, error) {
	if deps.Sensor == nil {
		return nil, errors.New("station: sensor is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("station: queue is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.TelemetrySize <= 0 {
		cfg.TelemetrySize = 1
	}
	if cfg.Conditioning {
		// The bandpass strips gravity, so the detector sees zero-mean axes.
		cfg.Detector.Baseline = 0
	}

	detector, err := seismic.NewDetector(cfg.Detector)
	if err != nil {
		return nil, err
	}
	if deps.Calibrator == nil && (cfg.Calibrate || cfg.CalibrationPath != "") {
		interval := time.Second / time.Duration(cfg.Detector.SampleRate)
		deps.Calibrator = seismic.NewGravityCalibrator(cfg.CalibrationSamples, interval, cfg.CalibrationMaxNoise)
	}

	// Keep the interfaces nil rather than holding typed nils.
	var indicator alert.Indicator
	if deps.Panel != nil {
		indicator = deps.Panel
	}
	var publisher alert.Publisher
	if deps.Link != nil {
		publisher = deps.Link
	}
	managerOpts := []alert.Option{alert.WithLogger(deps.Logger)}
	if deps.BaseCtx != nil {
		managerOpts = append(managerOpts, alert.WithBaseContext(deps.BaseCtx))
	}

	s := &Station{
		cfg:         cfg,
		sensor:      deps.Sensor,
		panel:       deps.Panel,
		link:        deps.Link,
		queue:       deps.Queue,
		eventLog:    deps.EventLog,
		manager:     alert.NewManager(cfg.DeviceID, indicator, publisher, deps.Fanout, managerOpts...),
		calibrator:  deps.Calibrator,
		detector:    detector,
		conditioner: seismic.NewConditioner(cfg.Detector),
		telemetry:   NewTelemetryBuffers(cfg.TelemetrySize),
		now:         deps.Clock,
		logger:      deps.Logger.With("component", "station"),
	}
	s.startTime = s.now()
	s.publishSnapshot(s.startTime)
	return s, nil
}

// Detector returns the detector. Not safe to use while Run is active.
func (s *Station) Detector() *seismic.Detector {
	return s.detector
}

// Manager returns the alert dispatcher.
func (s *Station) Manager() *alert.Manager {
	return s.manager
}

// Boot initializes the panel, the queue and the sensor, in that order. Only
// a sensor failure is fatal; it is reported as ErrSensorInit.
func (s *Station) Boot(ctx context.Context) error {
	s.logger.Info("booting", "device_id", s.cfg.DeviceID)

	if s.panel != nil {
		if err := s.panel.Init(); err != nil {
			s.logger.Warn("panel init failed", "error", err)
		}
	}

	if err := s.queue.Init(); err != nil {
		s.logger.Warn("event queue recovered with errors", "error", err)
	}
	s.logger.Info("event queue ready", "size", s.queue.Size(), "unsent", s.queue.UnsentCount())

	if err := s.sensor.Init(); err != nil {
		s.logger.Error("accelerometer init failed", "error", err)
		return fmt.Errorf("%w: %w", ErrSensorInit, err)
	}

	if err := s.calibrate(ctx); err != nil {
		return err
	}

	s.resetDetection()
	now := s.now()
	s.lastStatus = now
	s.lastDrain = time.Time{}
	s.publishSnapshot(now)
	if s.panel != nil {
		s.panel.DisplayStatus(StatusMonitoring)
	}
	s.logger.Info("monitoring",
		"sample_rate", s.cfg.Detector.SampleRate,
		"trigger", s.cfg.Detector.TriggerThreshold,
		"detrigger", s.cfg.Detector.DetriggerThreshold,
		"conditioning", s.cfg.Conditioning,
	)
	return nil
}

// calibrate loads or measures the local gravity and rebuilds the detector
// with it. Calibration problems are logged, not fatal.
func (s *Station) calibrate(ctx context.Context) error {
	if s.calibrator == nil {
		return nil
	}
	if s.cfg.CalibrationPath != "" {
		if err := s.calibrator.LoadFromFile(s.cfg.CalibrationPath); err != nil {
			s.logger.Warn("calibration load failed", "path", s.cfg.CalibrationPath, "error", err)
		}
	}
	if s.cfg.Calibrate {
		cal, err := s.calibrator.Calibrate(ctx, s.sensor.Read)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			s.logger.Warn("gravity calibration failed", "error", err)
		default:
			s.logger.Info("gravity calibrated", "gravity", cal.Gravity, "noise", cal.Noise, "samples", cal.Samples)
			if s.cfg.CalibrationPath != "" {
				if err := s.calibrator.SaveToFile(s.cfg.CalibrationPath); err != nil {
					s.logger.Warn("calibration save failed", "error", err)
				}
			}
		}
	}
	if s.calibrator.Calibration() == nil {
		return nil
	}

	cfg := s.calibrator.Apply(s.cfg.Detector)
	detector, err := seismic.NewDetector(cfg)
	if err != nil {
		return err
	}
	s.cfg.Detector = cfg
	s.detector = detector
	return nil
}

// FailLoop sounds the error pattern until ctx is done. Callers run it when
// Boot reports ErrSensorInit.
func (s *Station) FailLoop(ctx context.Context) error {
	s.logger.Error("sensor unavailable, halting detection")
	for {
		if s.panel != nil {
			if err := s.panel.SoundError(ctx); err != nil {
				s.logger.Warn("error tone failed", "error", err)
			}
		}
		t := time.NewTimer(alert.ErrorPattern.Duration() + errorRepeat)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Step runs one loop iteration: one command, one sample, and the periodic
// drain and heartbeat.
func (s *Station) Step(ctx context.Context) error {
	s.handleCommands(ctx)

	if s.link != nil && s.link.CameOnline() {
		s.logger.Info("link online")
		if err := s.manager.SendStatus(ctx, StatusOnline); err != nil {
			s.logger.Warn("status publish failed", "error", err)
		}
		s.lastDrain = time.Time{}
	}

	raw, err := s.sensor.Read()
	if err != nil {
		return err
	}
	s.process(ctx, raw)

	now := s.now()
	s.maybeDrain(ctx, now)
	s.maybeHeartbeat(ctx, now)
	s.publishSnapshot(now)
	return nil
}

func (s *Station) process(ctx context.Context, raw seismic.Sample) {
	s.samples++
	sample := raw
	if s.cfg.Conditioning {
		sample = s.conditioner.Condition(raw)
	}

	dropped := s.detector.SamplesDropped
	triggers := s.detector.Triggers
	discarded := s.detector.Discarded

	ev, confirmed := s.detector.AddSample(sample)

	if s.detector.SamplesDropped != dropped {
		metrics.IncSample("dropped")
		s.logger.Debug("non-finite sample dropped", "timestamp", raw.Timestamp)
		return
	}
	metrics.IncSample("accepted")
	if s.detector.Triggers != triggers {
		metrics.IncTrigger()
		s.logger.Info("trigger",
			"event_id", s.detector.CurrentEvent().ID,
			"ratio", s.detector.Ratio(),
			"start_ms", s.detector.CurrentEvent().StartTime,
		)
	}
	if s.detector.Discarded != discarded {
		metrics.IncDiscarded()
		s.logger.Info("episode discarded, too short")
		s.shown = false
	}
	metrics.SetDetector(s.detector.Ratio(), s.detector.CurrentPGA())

	s.telemetry.Push(raw, sample, math.Abs(sample.Norm()-s.detector.Config().Baseline), s.detector.State())

	if confirmed {
		s.handleEvent(ctx, ev)
	} else if s.detector.Triggered() {
		s.refreshPanel(ctx, s.detector.CurrentEvent().AlertLevel)
	}

	if s.cfg.DataEvery > 0 && s.samples%int64(s.cfg.DataEvery) == 0 && s.connected() {
		if err := s.link.PublishData(ctx, raw, s.cfg.DeviceID); err != nil {
			s.logger.Debug("data publish failed", "error", err)
		}
	}
}

// refreshPanel shows level on the panel when it differs from what is lit.
func (s *Station) refreshPanel(ctx context.Context, level seismic.AlertLevel) {
	if s.panel == nil || (s.shown && level == s.shownLevel) {
		return
	}
	if err := s.panel.SetAlertLevel(ctx, level); err != nil {
		s.logger.Warn("panel update failed", "error", err)
	}
	s.shownLevel = level
	s.shown = true
}

func (s *Station) handleEvent(ctx context.Context, ev seismic.Event) {
	s.events++
	s.lastEvent = &ev
	metrics.IncEvent(ev.AlertLevel.String())
	s.logger.Info("earthquake confirmed",
		"event_id", ev.ID,
		"level", ev.AlertLevel.String(),
		"magnitude", ev.Magnitude,
		"pga_g", ev.PGA,
		"pgv_cms", ev.PGV,
		"cav_gs", ev.CAV,
		"duration_ms", ev.Duration,
	)

	if s.eventLog != nil {
		if err := s.eventLog.Append(ev, s.cfg.DeviceID); err != nil {
			s.logger.Warn("event log append failed", "error", err)
		}
	}

	if s.connected() {
		rep := s.manager.SendAlert(ctx, ev, alert.ChannelAll)
		if !rep.Delivered() {
			s.enqueue(ev)
		}
	} else {
		s.enqueue(ev)
		s.manager.SendAlert(ctx, ev, alert.ChannelLocal)
	}

	s.resetDetection()
}

func (s *Station) enqueue(ev seismic.Event) {
	if err := s.queue.AddEvent(ev, s.cfg.DeviceID); err != nil {
		s.logger.Warn("event enqueue failed", "event_id", ev.ID, "error", err)
	} else {
		s.logger.Info("event queued for delivery", "event_id", ev.ID, "unsent", s.queue.UnsentCount())
	}
	evicted := s.queue.Evicted()
	metrics.AddEvicted(evicted - s.evicted)
	s.evicted = evicted
	metrics.SetQueue(s.queue.Size(), s.queue.UnsentCount())
}

func (s *Station) resetDetection() {
	s.detector.Reset()
	s.conditioner.Reset()
	s.shown = false
}

func (s *Station) connected() bool {
	return s.link != nil && s.link.IsConnected()
}

func (s *Station) maybeDrain(ctx context.Context, now time.Time) {
	if !s.connected() || s.queue.UnsentCount() == 0 {
		return
	}
	if !s.lastDrain.IsZero() && now.Sub(s.lastDrain) < s.cfg.DrainInterval {
		return
	}
	s.lastDrain = now
	s.Drain(ctx)
}

// Drain publishes queued events through the link until one fails, then
// drops the delivered ones.
func (s *Station) Drain(ctx context.Context) int {
	if !s.connected() {
		return 0
	}
	sent, err := s.queue.ProcessQueue(func(ev seismic.Event, deviceID string) error {
		return s.link.PublishAlert(ctx, ev, deviceID)
	})
	if err != nil {
		s.logger.Warn("queue drain stopped", "sent", sent, "error", err)
	}
	if sent > 0 {
		if err := s.queue.ClearSentEvents(); err != nil {
			s.logger.Warn("clearing sent events failed", "error", err)
		}
		s.logger.Info("queued events delivered", "sent", sent, "unsent", s.queue.UnsentCount())
	}
	metrics.SetQueue(s.queue.Size(), s.queue.UnsentCount())
	return sent
}

func (s *Station) maybeHeartbeat(ctx context.Context, now time.Time) {
	if s.cfg.StatusInterval <= 0 || now.Sub(s.lastStatus) < s.cfg.StatusInterval {
		return
	}
	s.lastStatus = now
	s.logger.Info("heartbeat",
		"state", s.detector.State().String(),
		"ratio", s.detector.Ratio(),
		"pga_g", s.detector.CurrentPGA(),
		"queue", s.queue.Size(),
		"unsent", s.queue.UnsentCount(),
		"connected", s.connected(),
	)
	metrics.SetQueue(s.queue.Size(), s.queue.UnsentCount())
	if err := s.manager.SendStatus(ctx, StatusMonitoring); err != nil {
		s.logger.Warn("status publish failed", "error", err)
	}
}

func (s *Station) handleCommands(ctx context.Context) {
	if s.link == nil {
		return
	}
	cmd, ok := s.link.Poll()
	if !ok {
		return
	}
	metrics.IncCommand(cmd.Kind.String())

	switch cmd.Kind {
	case link.CommandReset:
		s.logger.Info("reset requested", "triggered", s.detector.Triggered())
		s.resetDetection()
	case link.CommandStatus:
		if err := s.manager.SendStatus(ctx, StatusAlive); err != nil {
			s.logger.Warn("status publish failed", "error", err)
		}
	default:
		s.logger.Warn("unknown command", "command", cmd.Name, "topic", cmd.Topic)
	}
}

// Run samples at the configured rate until ctx is done or a finite source
// runs out, then waits for background webhook deliveries.
func (s *Station) Run(ctx context.Context) error {
	defer s.manager.Wait()

	period := time.Second / time.Duration(s.cfg.Detector.SampleRate)
	var tick <-chan time.Time
	if !s.cfg.Unpaced {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		err := s.Step(ctx)
		if time.Since(started) > period {
			metrics.IncLoopOverrun()
		}
		switch {
		case err == nil:
		case errors.Is(err, accel.ErrEndOfStream):
			s.logger.Info("sample source exhausted", "samples", s.samples, "events", s.events)
			return nil
		default:
			s.logger.Warn("sensor read failed", "error", err)
		}
	}
}

// Close releases the sensor.
func (s *Station) Close() error {
	return s.sensor.Close()
}
