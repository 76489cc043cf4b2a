package station

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quake-sentinel/accel"
	"quake-sentinel/alert"
	"quake-sentinel/link"
	"quake-sentinel/seismic"
	"quake-sentinel/storage"
)

type fakePanel struct {
	mu       sync.Mutex
	levels   []seismic.AlertLevel
	statuses []string
	errors   int
}

func (p *fakePanel) Init() error { return nil }

func (p *fakePanel) SetAlertLevel(_ context.Context, level seismic.AlertLevel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.levels = append(p.levels, level)
	return nil
}

func (p *fakePanel) DisplayStatus(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, status)
}

func (p *fakePanel) SoundError(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors++
	return nil
}

func (p *fakePanel) lastLevel() seismic.AlertLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.levels[len(p.levels)-1]
}

type fakeLink struct {
	connected  bool
	online     bool
	failAlerts bool
	alerts     []seismic.Event
	statuses   []string
	data       int
	commands   []link.Command
}

func (l *fakeLink) IsConnected() bool { return l.connected }

func (l *fakeLink) CameOnline() bool {
	was := l.online
	l.online = false
	return was
}

func (l *fakeLink) PublishAlert(_ context.Context, ev seismic.Event, _ string) error {
	if l.failAlerts {
		return errors.New("broker: publish timeout")
	}
	l.alerts = append(l.alerts, ev)
	return nil
}

func (l *fakeLink) PublishStatus(_ context.Context, status, _ string) error {
	l.statuses = append(l.statuses, status)
	return nil
}

func (l *fakeLink) PublishData(context.Context, seismic.Sample, string) error {
	l.data++
	return nil
}

func (l *fakeLink) Poll() (link.Command, bool) {
	if len(l.commands) == 0 {
		return link.Command{}, false
	}
	cmd := l.commands[0]
	l.commands = l.commands[1:]
	return cmd, true
}

type brokenSensor struct{}

func (brokenSensor) Init() error                   { return errors.New("i2c: no device at 0x53") }
func (brokenSensor) Read() (seismic.Sample, error) { return seismic.Sample{}, errors.New("closed") }
func (brokenSensor) Close() error                  { return nil }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

// quakeSim is quiet for 12 s, shakes for 3 s, then settles.
func quakeSim(limit int) *accel.Simulator {
	return accel.NewSimulator(accel.SimulatorConfig{
		SampleRate: 100,
		Seed:       42,
		Noise:      0.02,
		Limit:      limit,
		Bursts: []accel.Burst{
			{Start: 12 * time.Second, Duration: 3 * time.Second, Amplitude: 3, Frequency: 2},
		},
	})
}

func quietSim() *accel.Simulator {
	return accel.NewSimulator(accel.SimulatorConfig{SampleRate: 100, Seed: 1, Noise: 0.02})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DeviceID = "QS_TEST"
	cfg.Unpaced = true
	return cfg
}

func boot(t *testing.T, cfg Config, deps Deps) *Station {
	t.Helper()
	if deps.Queue == nil {
		deps.Queue = storage.NewEventQueue(storage.NewMemoryStore(), storage.WithLogger(quietLogger()))
	}
	if deps.Logger == nil {
		deps.Logger = quietLogger()
	}
	st, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, st.Boot(context.Background()))
	return st
}

func TestNewRequiresSensorAndQueue(t *testing.T) {
	_, err := New(testConfig(), Deps{Queue: storage.NewEventQueue(storage.NewMemoryStore())})
	require.Error(t, err)
	_, err = New(testConfig(), Deps{Sensor: quietSim()})
	require.Error(t, err)
}

func TestNewRejectsBadDetectorConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Detector.DetriggerThreshold = cfg.Detector.TriggerThreshold
	_, err := New(cfg, Deps{Sensor: quietSim(), Queue: storage.NewEventQueue(storage.NewMemoryStore())})
	require.ErrorIs(t, err, seismic.ErrInvalidConfig)
}

func TestConditioningZeroesBaseline(t *testing.T) {
	cfg := testConfig()
	cfg.Conditioning = true
	st := boot(t, cfg, Deps{Sensor: quietSim()})
	require.Zero(t, st.Detector().Config().Baseline)
}

func TestConditionedQuakeIsConfirmed(t *testing.T) {
	cfg := testConfig()
	cfg.Conditioning = true
	st := boot(t, cfg, Deps{Sensor: quakeSim(1700)})
	require.NoError(t, st.Run(context.Background()))

	snap := st.Snapshot(0)
	require.Equal(t, int64(1), snap.Events)
	require.NotNil(t, snap.LastEvent)
	require.True(t, snap.LastEvent.Confirmed)
	require.GreaterOrEqual(t, snap.LastEvent.AlertLevel, seismic.LevelStrong)
	require.InDelta(t, 12000, snap.LastEvent.StartTime, 500)

	entries := st.queue.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, snap.LastEvent.ID, entries[0].Event.ID)
}

func TestConditionedQuietStreamNeverTriggers(t *testing.T) {
	cfg := testConfig()
	cfg.Conditioning = true
	st := boot(t, cfg, Deps{Sensor: quietSim()})

	ctx := context.Background()
	for i := range 12000 {
		if i == 6000 {
			// The filters restart from zero, as after an event.
			st.resetDetection()
		}
		require.NoError(t, st.Step(ctx))
	}

	snap := st.Snapshot(0)
	require.Zero(t, snap.Triggers)
	require.Zero(t, snap.Events)
	require.Equal(t, int64(12000), snap.Samples)
	require.Zero(t, st.queue.Size())
}

func TestBootSensorFailure(t *testing.T) {
	panel := &fakePanel{}
	st, err := New(testConfig(), Deps{
		Sensor: brokenSensor{},
		Panel:  panel,
		Queue:  storage.NewEventQueue(storage.NewMemoryStore()),
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	err = st.Boot(context.Background())
	require.ErrorIs(t, err, ErrSensorInit)
	require.Contains(t, err.Error(), "no device")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, st.FailLoop(ctx), context.DeadlineExceeded)
	require.GreaterOrEqual(t, panel.errors, 1)
}

func TestBootSurvivesCorruptQueue(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save([]byte("{not json")))
	st := boot(t, testConfig(), Deps{
		Sensor: quietSim(),
		Queue:  storage.NewEventQueue(store, storage.WithLogger(quietLogger())),
	})
	require.Zero(t, st.Snapshot(0).QueueSize)
}

func TestOfflineEventIsQueuedAndShownLocally(t *testing.T) {
	panel := &fakePanel{}
	logPath := filepath.Join(t.TempDir(), "events.csv")
	eventLog, err := storage.OpenEventLog(logPath)
	require.NoError(t, err)

	st := boot(t, testConfig(), Deps{
		Sensor:   quakeSim(1700),
		Panel:    panel,
		EventLog: eventLog,
	})
	require.NoError(t, st.Run(context.Background()))
	require.NoError(t, eventLog.Close())

	entries := st.queue.Entries()
	require.Len(t, entries, 1)
	ev := entries[0].Event
	require.False(t, entries[0].Sent)
	require.Equal(t, "QS_TEST", entries[0].DeviceID)
	require.True(t, ev.Confirmed)
	require.NotEmpty(t, ev.ID)
	require.GreaterOrEqual(t, ev.AlertLevel, seismic.LevelStrong)
	require.InDelta(t, 12000, ev.StartTime, 50)
	require.GreaterOrEqual(t, ev.Duration, int64(3000))
	require.Equal(t, ev.AlertLevel, panel.lastLevel())

	records, err := storage.ReadEventLog(logPath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, ev.ID, records[0].Event.ID)

	snap := st.Snapshot(10)
	require.Equal(t, int64(1), snap.Events)
	require.Equal(t, 1, snap.QueueUnsent)
	require.Len(t, snap.Recent, 10)
	require.NotNil(t, snap.LastEvent)
	require.Equal(t, ev.ID, snap.LastEvent.ID)
	require.Equal(t, seismic.StateIdle.String(), snap.State)
}

func TestOnlineEventIsPublishedAndBroadcast(t *testing.T) {
	var hooks atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hooks.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lnk := &fakeLink{connected: true, online: true}
	st := boot(t, testConfig(), Deps{
		Sensor: quakeSim(1700),
		Link:   lnk,
		Fanout: alert.NewFanout(time.Second, quietLogger(), alert.NewWebhookNotifier("ops", srv.URL)),
	})
	require.NoError(t, st.Run(context.Background()))

	require.Len(t, lnk.alerts, 1)
	require.Zero(t, st.queue.Size())
	require.Contains(t, lnk.statuses, StatusOnline)
	require.Equal(t, int32(1), hooks.Load())
}

func TestFailedPublishIsQueuedThenDrained(t *testing.T) {
	lnk := &fakeLink{connected: true, failAlerts: true}
	st := boot(t, testConfig(), Deps{Sensor: quakeSim(1700), Link: lnk})
	require.NoError(t, st.Run(context.Background()))

	require.Empty(t, lnk.alerts)
	require.Equal(t, 1, st.queue.UnsentCount())

	lnk.failAlerts = false
	require.Equal(t, 1, st.Drain(context.Background()))
	require.Len(t, lnk.alerts, 1)
	require.Zero(t, st.queue.Size())
}

func TestDrainSkippedWhileOffline(t *testing.T) {
	lnk := &fakeLink{}
	queue := storage.NewEventQueue(storage.NewMemoryStore())
	st := boot(t, testConfig(), Deps{Sensor: quietSim(), Link: lnk, Queue: queue})
	require.NoError(t, queue.AddEvent(seismic.Event{ID: "ev-1", Confirmed: true}, "QS_TEST"))

	require.NoError(t, st.Step(context.Background()))
	require.Zero(t, st.Drain(context.Background()))
	require.Equal(t, 1, queue.UnsentCount())

	lnk.connected = true
	require.NoError(t, st.Step(context.Background()))
	require.Len(t, lnk.alerts, 1)
	require.Zero(t, queue.Size())
}

func TestCommands(t *testing.T) {
	ctx := context.Background()
	lnk := &fakeLink{connected: true}
	st := boot(t, testConfig(), Deps{Sensor: quakeSim(0), Link: lnk})

	lnk.commands = []link.Command{
		{Kind: link.CommandStatus, Name: "status"},
		{Kind: link.CommandUnknown, Name: "reboot"},
	}
	require.NoError(t, st.Step(ctx))
	require.NoError(t, st.Step(ctx))
	require.Equal(t, []string{StatusAlive}, lnk.statuses)

	for i := 0; i < 1400 && !st.Detector().Triggered(); i++ {
		require.NoError(t, st.Step(ctx))
	}
	require.True(t, st.Detector().Triggered())

	lnk.commands = []link.Command{{Kind: link.CommandReset, Name: "reset"}}
	require.NoError(t, st.Step(ctx))
	require.False(t, st.Detector().Triggered())
	require.Equal(t, 1, st.Detector().BufferLen())
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	lnk := &fakeLink{connected: true}
	st := boot(t, testConfig(), Deps{Sensor: quietSim(), Link: lnk, Clock: clk.Now})

	require.NoError(t, st.Step(ctx))
	require.Empty(t, lnk.statuses)

	clk.t = clk.t.Add(61 * time.Second)
	require.NoError(t, st.Step(ctx))
	require.Equal(t, []string{StatusMonitoring}, lnk.statuses)

	clk.t = clk.t.Add(time.Second)
	require.NoError(t, st.Step(ctx))
	require.Len(t, lnk.statuses, 1)
}

func TestDataDecimation(t *testing.T) {
	cfg := testConfig()
	cfg.DataEvery = 10
	lnk := &fakeLink{connected: true}
	st := boot(t, cfg, Deps{Sensor: quietSim(), Link: lnk})
	for range 25 {
		require.NoError(t, st.Step(context.Background()))
	}
	require.Equal(t, 2, lnk.data)
}

func TestBootCalibratesGravity(t *testing.T) {
	cfg := testConfig()
	cfg.Calibrate = true
	cfg.CalibrationPath = filepath.Join(t.TempDir(), "calibration.json")
	sensor := accel.NewSimulator(accel.SimulatorConfig{SampleRate: 100, Gravity: 9.79})

	st := boot(t, cfg, Deps{
		Sensor:     sensor,
		Calibrator: seismic.NewGravityCalibrator(50, 0, 0.05),
	})
	require.InDelta(t, 9.79, st.Detector().Config().Baseline, 1e-9)
	require.True(t, st.Snapshot(0).Calibrated)

	// A fresh station picks the stored calibration up without measuring.
	cfg.Calibrate = false
	again := boot(t, cfg, Deps{Sensor: quietSim()})
	require.InDelta(t, 9.79, again.Detector().Config().Baseline, 1e-9)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Unpaced = false
	st := boot(t, cfg, Deps{Sensor: quietSim()})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, st.Run(ctx))
	require.Positive(t, st.Snapshot(0).Samples)
}
