// Package alert routes confirmed events to the local indicator panel, the
// broker link and the webhook notification services.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"quake-sentinel/seismic"
)

// Channel selects the sinks SendAlert drives.
type Channel int

const (
	ChannelLocal Channel = 1 << iota
	ChannelNetwork
	ChannelWebhooks

	ChannelAll = ChannelLocal | ChannelNetwork | ChannelWebhooks
)

// ErrNotConnected is reported when the network sink is unreachable.
var ErrNotConnected = errors.New("alert: network link not connected")

// Indicator is the local alert sink.
type Indicator interface {
	SetAlertLevel(ctx context.Context, level seismic.AlertLevel) error
	DisplayStatus(status string)
}

// Publisher is the network alert sink.
type Publisher interface {
	IsConnected() bool
	PublishAlert(ctx context.Context, ev seismic.Event, deviceID string) error
	PublishStatus(ctx context.Context, status, deviceID string) error
}

// Report is the per-sink outcome of SendAlert.
type Report struct {
	Local error

	// NetworkAttempted is false when the network sink was not selected, not
	// configured or not connected. Network holds the publish error.
	NetworkAttempted bool
	Network          error

	WebhooksStarted bool
}

// Delivered reports whether the network sink accepted the event.
func (r Report) Delivered() bool {
	return r.NetworkAttempted && r.Network == nil
}

// Manager holds the three optional sinks. Any of them may be nil.
type Manager struct {
	indicator Indicator
	publisher Publisher
	fanout    *Fanout
	deviceID  string
	logger    *slog.Logger

	// baseCtx parents webhook broadcasts so they outlive the caller's ctx
	// but still stop on shutdown.
	baseCtx  context.Context
	inflight sync.WaitGroup

	mu      sync.Mutex
	results []Result
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithBaseContext parents the background webhook broadcasts.
func WithBaseContext(ctx context.Context) Option {
	return func(m *Manager) {
		if ctx != nil {
			m.baseCtx = ctx
		}
	}
}

// NewManager creates a dispatcher. indicator, publisher and fanout may be nil.
func NewManager(deviceID string, indicator Indicator, publisher Publisher, fanout *Fanout, opts ...Option) *Manager {
	m := &Manager{
		indicator: indicator,
		publisher: publisher,
		fanout:    fanout,
		deviceID:  deviceID,
		logger:    slog.Default(),
		baseCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "alert")
	return m
}

// DeviceID returns the device identifier stamped on outbound messages.
func (m *Manager) DeviceID() string {
	return m.deviceID
}

// SendAlert dispatches ev to the selected sinks. Webhooks run in the
// background; use Wait to block on them.
func (m *Manager) SendAlert(ctx context.Context, ev seismic.Event, ch Channel) Report {
	var rep Report

	if ch&ChannelLocal != 0 && m.indicator != nil {
		rep.Local = m.indicator.SetAlertLevel(ctx, ev.AlertLevel)
		if rep.Local != nil {
			m.logger.Warn("local alert failed", "error", rep.Local)
		}
	}

	if ch&ChannelNetwork != 0 && m.publisher != nil {
		if m.publisher.IsConnected() {
			rep.NetworkAttempted = true
			rep.Network = m.publisher.PublishAlert(ctx, ev, m.deviceID)
			if rep.Network != nil {
				m.logger.Warn("alert publish failed", "event_id", ev.ID, "error", rep.Network)
			}
		} else {
			rep.Network = ErrNotConnected
		}
	}

	if ch&ChannelWebhooks != 0 && m.fanout.Len() > 0 {
		rep.WebhooksStarted = true
		msg := NewMessage(ev, m.deviceID)
		m.inflight.Add(1)
		go func() {
			defer m.inflight.Done()
			results := m.fanout.Broadcast(m.baseCtx, msg)
			m.mu.Lock()
			m.results = results
			m.mu.Unlock()
		}()
	}

	m.logger.Info("alert dispatched",
		"event_id", ev.ID,
		"level", ev.AlertLevel.String(),
		"magnitude", ev.Magnitude,
		"delivered", rep.Delivered(),
		"webhooks", rep.WebhooksStarted,
	)
	return rep
}

// SendStatus is a best-effort heartbeat to the panel and the broker.
func (m *Manager) SendStatus(ctx context.Context, status string) error {
	if m.indicator != nil {
		m.indicator.DisplayStatus(status)
	}
	if m.publisher == nil || !m.publisher.IsConnected() {
		return nil
	}
	return m.publisher.PublishStatus(ctx, status, m.deviceID)
}

// Wait blocks until every background webhook broadcast has finished.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// LastResults returns the per-channel outcome of the latest completed
// broadcast.
func (m *Manager) LastResults() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result(nil), m.results...)
}
