package link

import (
	"sync"
	"time"
)

// Config holds broker link configuration.
type Config struct {
	Broker          string
	Port            int
	Username        string
	Password        string
	UseTLS          bool
	InsecureSkipTLS bool

	DeviceID       string
	ClientIDPrefix string

	TopicAlert         string
	TopicData          string
	TopicStatus        string
	TopicCommandPrefix string // the device subscribes to <prefix>/<device id>

	Latitude  float64
	Longitude float64

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	KeepAlive      time.Duration
	CommandBuffer  int
}

func DefaultConfig() Config {
	return Config{
		Broker:             "localhost",
		Port:               1883,
		ClientIDPrefix:     "quake-sentinel",
		TopicAlert:         "earthquake/alert",
		TopicData:          "earthquake/data",
		TopicStatus:        "earthquake/status",
		TopicCommandPrefix: "earthquake/command",
		ConnectTimeout:     10 * time.Second,
		PublishTimeout:     2 * time.Second,
		KeepAlive:          60 * time.Second,
		CommandBuffer:      16,
	}
}

// CommandTopic returns the topic the device listens on.
func (c Config) CommandTopic() string {
	return c.TopicCommandPrefix + "/" + c.DeviceID
}

// Statistics tracks link activity.
type Statistics struct {
	mu               sync.RWMutex
	Published        map[string]int64
	PublishFailures  map[string]int64
	CommandsReceived int64
	CommandsDropped  int64
	Connects         int64
	ConnectionsLost  int64
	LastPublish      time.Time
	StartTime        time.Time
}

func NewStatistics() *Statistics {
	return &Statistics{
		Published:       make(map[string]int64),
		PublishFailures: make(map[string]int64),
		StartTime:       time.Now(),
	}
}

func (s *Statistics) recordPublish(topic string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.PublishFailures[topic]++
		return
	}
	s.Published[topic]++
	s.LastPublish = time.Now()
}

func (s *Statistics) recordCommand() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CommandsReceived++
}

func (s *Statistics) recordDroppedCommand() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CommandsDropped++
}

func (s *Statistics) recordConnection(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if up {
		s.Connects++
	} else {
		s.ConnectionsLost++
	}
}

// GetSnapshot returns a JSON-friendly copy of the counters.
func (s *Statistics) GetSnapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	published := make(map[string]int64, len(s.Published))
	for k, v := range s.Published {
		published[k] = v
	}
	failures := make(map[string]int64, len(s.PublishFailures))
	for k, v := range s.PublishFailures {
		failures[k] = v
	}
	return map[string]any{
		"published":         published,
		"publish_failures":  failures,
		"commands_received": s.CommandsReceived,
		"commands_dropped":  s.CommandsDropped,
		"connects":          s.Connects,
		"connections_lost":  s.ConnectionsLost,
		"last_publish":      s.LastPublish,
		"uptime_seconds":    time.Since(s.StartTime).Seconds(),
	}
}
