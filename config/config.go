// Package config loads the station configuration: built-in defaults, then an
// optional YAML file, then QUAKE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"quake-sentinel/accel"
	"quake-sentinel/alert"
	"quake-sentinel/link"
	"quake-sentinel/seismic"
	"quake-sentinel/station"
	"quake-sentinel/storage"
)

// ErrInvalid is wrapped by every load and validation failure.
var ErrInvalid = errors.New("config: invalid")

// Sample sources.
const (
	SourceSimulate = "simulate"
	SourceReplay   = "replay"
)

// Config is the full station configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Sampling SamplingConfig `yaml:"sampling"`
	Filter   FilterConfig   `yaml:"filter"`
	Detector DetectorConfig `yaml:"detector"`
	Queue    QueueConfig    `yaml:"queue"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	HTTP     HTTPConfig     `yaml:"http"`
	Status   StatusConfig   `yaml:"status"`
	Log      LogConfig      `yaml:"log"`
}

type DeviceConfig struct {
	ID        string  `yaml:"id"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	DataDir   string  `yaml:"data_dir"`
}

// SamplingConfig selects the sample source.
type SamplingConfig struct {
	Rate       int           `yaml:"rate"`
	Source     string        `yaml:"source"`
	ReplayPath string        `yaml:"replay_path"`
	Unpaced    bool          `yaml:"unpaced"`
	Seed       int64         `yaml:"seed"`
	Noise      float64       `yaml:"noise"`
	Bursts     []BurstConfig `yaml:"bursts"`
}

// BurstConfig schedules simulated shaking.
type BurstConfig struct {
	Start     time.Duration `yaml:"start"`
	Duration  time.Duration `yaml:"duration"`
	Amplitude float64       `yaml:"amplitude"`
	Frequency float64       `yaml:"frequency"`
}

type FilterConfig struct {
	Enabled          bool    `yaml:"enabled"`
	LowCutoff        float64 `yaml:"low_cutoff"`
	HighCutoff       float64 `yaml:"high_cutoff"`
	ProcessNoise     float64 `yaml:"process_noise"`
	MeasurementNoise float64 `yaml:"measurement_noise"`
}

type DetectorConfig struct {
	STAWindow           time.Duration `yaml:"sta_window"`
	LTAWindow           time.Duration `yaml:"lta_window"`
	TriggerThreshold    float64       `yaml:"trigger_threshold"`
	DetriggerThreshold  float64       `yaml:"detrigger_threshold"`
	MinEventDuration    time.Duration `yaml:"min_event_duration"`
	Gravity             float64       `yaml:"gravity"`
	PGAWindow           time.Duration `yaml:"pga_window"`
	VelocityTau         time.Duration `yaml:"velocity_tau"`
	NominalDistanceKm   float64       `yaml:"nominal_distance_km"`
	Calibrate           bool          `yaml:"calibrate"`
	CalibrationSamples  int           `yaml:"calibration_samples"`
	CalibrationMaxNoise float64       `yaml:"calibration_max_noise"`
}

type QueueConfig struct {
	Path          string        `yaml:"path"`
	MaxSize       int           `yaml:"max_size"`
	Overflow      string        `yaml:"overflow"`
	EventLogPath  string        `yaml:"event_log_path"`
	DrainInterval time.Duration `yaml:"drain_interval"`
}

type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Broker          string        `yaml:"broker"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	UseTLS          bool          `yaml:"use_tls"`
	InsecureSkipTLS bool          `yaml:"insecure_skip_tls"`
	ClientIDPrefix  string        `yaml:"client_id_prefix"`
	TopicAlert      string        `yaml:"topic_alert"`
	TopicData       string        `yaml:"topic_data"`
	TopicStatus     string        `yaml:"topic_status"`
	TopicCommand    string        `yaml:"topic_command"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
	KeepAlive       time.Duration `yaml:"keep_alive"`
	DataEvery       int           `yaml:"data_every"`
}

type WebhooksConfig struct {
	Timeout  time.Duration   `yaml:"timeout"`
	Pushover PushoverConfig  `yaml:"pushover"`
	Telegram TelegramConfig  `yaml:"telegram"`
	Discord  DiscordConfig   `yaml:"discord"`
	Generic  []GenericConfig `yaml:"generic"`
}

type PushoverConfig struct {
	Token string `yaml:"token"`
	User  string `yaml:"user"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type DiscordConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type GenericConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type HTTPConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	LiveInterval time.Duration `yaml:"live_interval"`
	LiveSamples  int           `yaml:"live_samples"`
}

type StatusConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the firmware defaults with a simulated sensor.
func Default() Config {
	det := seismic.DefaultConfig()
	lnk := link.DefaultConfig()
	return Config{
		Device: DeviceConfig{DataDir: "data"},
		Sampling: SamplingConfig{
			Rate:   det.SampleRate,
			Source: SourceSimulate,
			Seed:   1,
			Noise:  0.02,
		},
		Filter: FilterConfig{
			Enabled:          true,
			LowCutoff:        det.LowCutoff,
			HighCutoff:       det.HighCutoff,
			ProcessNoise:     det.ProcessNoise,
			MeasurementNoise: det.MeasurementNoise,
		},
		Detector: DetectorConfig{
			STAWindow:           det.STAWindow,
			LTAWindow:           det.LTAWindow,
			TriggerThreshold:    det.TriggerThreshold,
			DetriggerThreshold:  det.DetriggerThreshold,
			MinEventDuration:    det.MinEventDuration,
			Gravity:             det.Gravity,
			PGAWindow:           det.PGAWindow,
			VelocityTau:         det.VelocityTau,
			NominalDistanceKm:   det.NominalDistanceKm,
			CalibrationSamples:  200,
			CalibrationMaxNoise: 0.05,
		},
		Queue: QueueConfig{
			MaxSize:       storage.DefaultMaxSize,
			Overflow:      storage.DropOldest.String(),
			DrainInterval: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			Enabled:        true,
			Broker:         lnk.Broker,
			Port:           lnk.Port,
			ClientIDPrefix: lnk.ClientIDPrefix,
			TopicAlert:     lnk.TopicAlert,
			TopicData:      lnk.TopicData,
			TopicStatus:    lnk.TopicStatus,
			TopicCommand:   lnk.TopicCommandPrefix,
			ConnectTimeout: lnk.ConnectTimeout,
			PublishTimeout: lnk.PublishTimeout,
			KeepAlive:      lnk.KeepAlive,
		},
		Webhooks: WebhooksConfig{Timeout: 10 * time.Second},
		HTTP: HTTPConfig{
			Enabled:      true,
			Addr:         "127.0.0.1:8080",
			LiveInterval: 500 * time.Millisecond,
			LiveSamples:  100,
		},
		Status: StatusConfig{Interval: 60 * time.Second},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads path (or $QUAKE_CONFIG when path is empty) over the defaults,
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("QUAKE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.resolve()
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	cfg.Device.ID = getenvDefault("QUAKE_DEVICE_ID", cfg.Device.ID)
	cfg.Device.DataDir = getenvDefault("QUAKE_DATA_DIR", cfg.Device.DataDir)
	cfg.Sampling.Source = getenvDefault("QUAKE_SOURCE", cfg.Sampling.Source)
	cfg.Sampling.ReplayPath = getenvDefault("QUAKE_REPLAY_PATH", cfg.Sampling.ReplayPath)
	cfg.Queue.Path = getenvDefault("QUAKE_QUEUE_PATH", cfg.Queue.Path)
	cfg.Queue.Overflow = getenvDefault("QUAKE_QUEUE_OVERFLOW", cfg.Queue.Overflow)
	cfg.MQTT.Broker = getenvDefault("QUAKE_MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Username = getenvDefault("QUAKE_MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getenvDefault("QUAKE_MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.Webhooks.Pushover.Token = getenvDefault("QUAKE_PUSHOVER_TOKEN", cfg.Webhooks.Pushover.Token)
	cfg.Webhooks.Pushover.User = getenvDefault("QUAKE_PUSHOVER_USER", cfg.Webhooks.Pushover.User)
	cfg.Webhooks.Telegram.BotToken = getenvDefault("QUAKE_TELEGRAM_BOT_TOKEN", cfg.Webhooks.Telegram.BotToken)
	cfg.Webhooks.Telegram.ChatID = getenvDefault("QUAKE_TELEGRAM_CHAT_ID", cfg.Webhooks.Telegram.ChatID)
	cfg.Webhooks.Discord.WebhookURL = getenvDefault("QUAKE_DISCORD_WEBHOOK_URL", cfg.Webhooks.Discord.WebhookURL)
	cfg.HTTP.Addr = getenvDefault("QUAKE_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Log.Level = getenvDefault("QUAKE_LOG_LEVEL", cfg.Log.Level)

	var err error
	if cfg.MQTT.Port, err = getenvInt("QUAKE_MQTT_PORT", cfg.MQTT.Port); err != nil {
		return err
	}
	if cfg.MQTT.Enabled, err = getenvBool("QUAKE_MQTT_ENABLED", cfg.MQTT.Enabled); err != nil {
		return err
	}
	if cfg.MQTT.UseTLS, err = getenvBool("QUAKE_MQTT_TLS", cfg.MQTT.UseTLS); err != nil {
		return err
	}
	if cfg.HTTP.Enabled, err = getenvBool("QUAKE_HTTP_ENABLED", cfg.HTTP.Enabled); err != nil {
		return err
	}
	if cfg.Filter.Enabled, err = getenvBool("QUAKE_FILTER_ENABLED", cfg.Filter.Enabled); err != nil {
		return err
	}
	if cfg.Device.Latitude, err = getenvFloat("QUAKE_LATITUDE", cfg.Device.Latitude); err != nil {
		return err
	}
	if cfg.Device.Longitude, err = getenvFloat("QUAKE_LONGITUDE", cfg.Device.Longitude); err != nil {
		return err
	}
	return nil
}

// resolve fills the paths under DataDir and the device id.
func (c *Config) resolve() {
	if c.Queue.Path == "" {
		c.Queue.Path = filepath.Join(c.Device.DataDir, "event_queue.json")
	}
	if c.Queue.EventLogPath == "" {
		c.Queue.EventLogPath = filepath.Join(c.Device.DataDir, "events.csv")
	}
	if c.Device.ID == "" {
		c.Device.ID = DeviceIDFromInterfaces()
	}
}

// CalibrationPath is where the gravity calibration is stored.
func (c Config) CalibrationPath() string {
	return filepath.Join(c.Device.DataDir, "calibration.json")
}

// Validate reports the first setting the station cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Sampling.Source != SourceSimulate && c.Sampling.Source != SourceReplay:
		return fmt.Errorf("%w: unknown sample source %q", ErrInvalid, c.Sampling.Source)
	case c.Sampling.Source == SourceReplay && c.Sampling.ReplayPath == "":
		return fmt.Errorf("%w: replay source needs replay_path", ErrInvalid)
	case c.Queue.MaxSize < 1:
		return fmt.Errorf("%w: queue max_size must be positive", ErrInvalid)
	case c.Status.Interval <= 0:
		return fmt.Errorf("%w: status interval must be positive", ErrInvalid)
	case c.MQTT.Enabled && (c.MQTT.Port < 1 || c.MQTT.Port > 65535):
		return fmt.Errorf("%w: mqtt port %d out of range", ErrInvalid, c.MQTT.Port)
	case c.MQTT.Enabled && c.MQTT.Broker == "":
		return fmt.Errorf("%w: mqtt broker required", ErrInvalid)
	case c.HTTP.Enabled && c.HTTP.Addr == "":
		return fmt.Errorf("%w: http addr required", ErrInvalid)
	}
	if err := link.ValidateDeviceID(c.Device.ID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := storage.ParseOverflowPolicy(c.Queue.Overflow); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	for i, g := range c.Webhooks.Generic {
		if g.Name == "" || g.URL == "" {
			return fmt.Errorf("%w: generic webhook %d needs name and url", ErrInvalid, i)
		}
	}
	if err := c.Seismic().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Seismic returns the detector and conditioner settings.
func (c Config) Seismic() seismic.Config {
	cfg := seismic.DefaultConfig()
	cfg.SampleRate = c.Sampling.Rate
	cfg.LowCutoff = c.Filter.LowCutoff
	cfg.HighCutoff = c.Filter.HighCutoff
	cfg.ProcessNoise = c.Filter.ProcessNoise
	cfg.MeasurementNoise = c.Filter.MeasurementNoise
	cfg.STAWindow = c.Detector.STAWindow
	cfg.LTAWindow = c.Detector.LTAWindow
	cfg.TriggerThreshold = c.Detector.TriggerThreshold
	cfg.DetriggerThreshold = c.Detector.DetriggerThreshold
	cfg.MinEventDuration = c.Detector.MinEventDuration
	cfg.Gravity = c.Detector.Gravity
	cfg.Baseline = c.Detector.Gravity
	cfg.PGAWindow = c.Detector.PGAWindow
	cfg.VelocityTau = c.Detector.VelocityTau
	cfg.NominalDistanceKm = c.Detector.NominalDistanceKm
	return cfg
}

// Station returns the sampling loop settings.
func (c Config) Station() station.Config {
	cfg := station.DefaultConfig()
	cfg.DeviceID = c.Device.ID
	cfg.Detector = c.Seismic()
	cfg.Conditioning = c.Filter.Enabled
	cfg.StatusInterval = c.Status.Interval
	cfg.DrainInterval = c.Queue.DrainInterval
	cfg.Calibrate = c.Detector.Calibrate
	cfg.CalibrationSamples = c.Detector.CalibrationSamples
	cfg.CalibrationMaxNoise = c.Detector.CalibrationMaxNoise
	cfg.CalibrationPath = c.CalibrationPath()
	cfg.Unpaced = c.Sampling.Unpaced
	if c.MQTT.Enabled {
		cfg.DataEvery = c.MQTT.DataEvery
	}
	return cfg
}

// Link returns the broker settings.
func (c Config) Link() link.Config {
	cfg := link.DefaultConfig()
	cfg.Broker = c.MQTT.Broker
	cfg.Port = c.MQTT.Port
	cfg.Username = c.MQTT.Username
	cfg.Password = c.MQTT.Password
	cfg.UseTLS = c.MQTT.UseTLS
	cfg.InsecureSkipTLS = c.MQTT.InsecureSkipTLS
	cfg.DeviceID = c.Device.ID
	cfg.ClientIDPrefix = c.MQTT.ClientIDPrefix
	cfg.TopicAlert = c.MQTT.TopicAlert
	cfg.TopicData = c.MQTT.TopicData
	cfg.TopicStatus = c.MQTT.TopicStatus
	cfg.TopicCommandPrefix = c.MQTT.TopicCommand
	cfg.Latitude = c.Device.Latitude
	cfg.Longitude = c.Device.Longitude
	cfg.ConnectTimeout = c.MQTT.ConnectTimeout
	cfg.PublishTimeout = c.MQTT.PublishTimeout
	cfg.KeepAlive = c.MQTT.KeepAlive
	return cfg
}

// Simulator returns the simulated sensor settings.
func (c Config) Simulator() accel.SimulatorConfig {
	bursts := make([]accel.Burst, 0, len(c.Sampling.Bursts))
	for _, b := range c.Sampling.Bursts {
		bursts = append(bursts, accel.Burst(b))
	}
	return accel.SimulatorConfig{
		SampleRate: c.Sampling.Rate,
		Seed:       c.Sampling.Seed,
		Noise:      c.Sampling.Noise,
		Gravity:    c.Detector.Gravity,
		Bursts:     bursts,
	}
}

// QueueOptions returns the event queue options.
func (c Config) QueueOptions() []storage.QueueOption {
	policy, _ := storage.ParseOverflowPolicy(c.Queue.Overflow)
	return []storage.QueueOption{
		storage.WithMaxSize(c.Queue.MaxSize),
		storage.WithOverflowPolicy(policy),
	}
}

// Notifiers builds the configured webhook notifiers. Channels without
// credentials are skipped.
func (c Config) Notifiers(opts ...alert.NotifierOption) []alert.Notifier {
	var out []alert.Notifier
	w := c.Webhooks
	if w.Pushover.Token != "" && w.Pushover.User != "" {
		out = append(out, alert.NewPushoverNotifier(w.Pushover.Token, w.Pushover.User, opts...))
	}
	if w.Telegram.BotToken != "" && w.Telegram.ChatID != "" {
		out = append(out, alert.NewTelegramNotifier(w.Telegram.BotToken, w.Telegram.ChatID, opts...))
	}
	if w.Discord.WebhookURL != "" {
		out = append(out, alert.NewDiscordNotifier(w.Discord.WebhookURL, opts...))
	}
	for _, g := range w.Generic {
		out = append(out, alert.NewWebhookNotifier(g.Name, g.URL, opts...))
	}
	return out
}

// DeviceIDFromInterfaces derives "QS_<MAC>" from the first hardware
// interface, or a random suffix when none exists.
func DeviceIDFromInterfaces() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
				continue
			}
			return DeviceID(iface.HardwareAddr)
		}
	}
	return "QS_" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// DeviceID formats a hardware address as a device id.
func DeviceID(mac net.HardwareAddr) string {
	return "QS_" + strings.ToUpper(strings.ReplaceAll(mac.String(), ":", ""))
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err)
	}
	return parsed, nil
}

func getenvFloat(key string, fallback float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err)
	}
	return parsed, nil
}

func getenvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err)
	}
	return parsed, nil
}
