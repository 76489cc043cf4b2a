package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"quake-sentinel/seismic"
)

// LEDs drives the three indicator LEDs; only one is lit at a time.
type LEDs interface {
	Set(c Color) error
}

// Buzzer plays a tone until silenced.
type Buzzer interface {
	Tone(frequency int) error
	Silence() error
}

// Panel is the local indicator: LEDs, buzzer and a status line. Tone
// sequences play on their own goroutine and a newer pattern cuts off an
// older one, so the control loop never waits for a siren.
type Panel struct {
	leds   LEDs
	buzzer Buzzer
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	color   Color
	status  string
	cancel  context.CancelFunc
	playing chan struct{} // closed when the newest sequence has finished
}

// NewPanel creates a panel. A nil buzzer plays no tones.
func NewPanel(leds LEDs, buzzer Buzzer, logger *slog.Logger) *Panel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Panel{
		leds:   leds,
		buzzer: buzzer,
		logger: logger.With("component", "panel"),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Init lights the green LED.
func (p *Panel) Init() error {
	return p.setColor(ColorGreen)
}

// SetAlertLevel shows the pattern of level.
func (p *Panel) SetAlertLevel(ctx context.Context, level seismic.AlertLevel) error {
	return p.Play(ctx, PatternFor(level))
}

// SoundError shows the sensor-failure pattern.
func (p *Panel) SoundError(ctx context.Context) error {
	return p.Play(ctx, ErrorPattern)
}

// Play sets the LEDs and starts the tone sequence of pattern.
func (p *Panel) Play(ctx context.Context, pattern Pattern) error {
	if err := p.setColor(pattern.Color); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if len(pattern.Tones) == 0 || p.buzzer == nil {
		return nil
	}
	playCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	prev, done := p.playing, make(chan struct{})
	p.cancel, p.playing = cancel, done

	// Only one sequence drives the buzzer at a time: each waits for the
	// one it replaced to silence.
	go func() {
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
		}
		p.playTones(playCtx, pattern.Tones)
	}()
	return nil
}

func (p *Panel) playTones(ctx context.Context, tones []Tone) {
	defer func() {
		if err := p.buzzer.Silence(); err != nil {
			p.logger.Warn("buzzer silence failed", "error", err)
		}
	}()
	for _, t := range tones {
		if err := p.buzzer.Tone(t.Frequency); err != nil {
			p.logger.Warn("buzzer tone failed", "frequency", t.Frequency, "error", err)
			return
		}
		if !p.sleep(ctx, t.Duration) {
			return
		}
	}
}

// Wait blocks until the current tone sequence has finished.
func (p *Panel) Wait() {
	p.mu.Lock()
	done := p.playing
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stop silences the buzzer immediately.
func (p *Panel) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
	p.Wait()
}

// DisplayStatus records and logs a status line.
func (p *Panel) DisplayStatus(status string) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	p.logger.Info("status", "status", status)
}

// Color returns the lit LED.
func (p *Panel) Color() Color {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.color
}

// Status returns the last displayed status line.
func (p *Panel) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Panel) setColor(c Color) error {
	if p.leds != nil {
		if err := p.leds.Set(c); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.color = c
	p.mu.Unlock()
	return nil
}

// LogLEDs reports LED changes to a logger. Used when no indicator hardware is
// attached.
type LogLEDs struct {
	Logger *slog.Logger
}

func (l LogLEDs) Set(c Color) error {
	l.logger().Debug("led", "color", c.String())
	return nil
}

func (l LogLEDs) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// LogBuzzer reports buzzer changes to a logger.
type LogBuzzer struct {
	Logger *slog.Logger
}

func (b LogBuzzer) Tone(frequency int) error {
	b.logger().Debug("buzzer", "frequency", frequency)
	return nil
}

func (b LogBuzzer) Silence() error {
	b.logger().Debug("buzzer", "frequency", 0)
	return nil
}

func (b LogBuzzer) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
