// Package link is the device's MQTT connection: it publishes alert, data and
// status messages and queues commands addressed to the device.
package link

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"quake-sentinel/metrics"
	"quake-sentinel/seismic"
)

var (
	// ErrNotConnected is returned when publishing without a broker session.
	ErrNotConnected = errors.New("link: not connected")
	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("link: timeout")
)

const (
	qosAtMostOnce  byte = 0
	qosAtLeastOnce byte = 1
)

// Client wraps a paho client. Paho's goroutines only hand decoded commands
// to a bounded channel; everything else is driven by the caller.
type Client struct {
	config   Config
	client   mqtt.Client
	logger   *slog.Logger
	stats    *Statistics
	commands chan Command
	now      func() time.Time

	connected   atomic.Bool
	cameOnline  atomic.Bool
	closeOnce   sync.Once
	disconnects chan struct{}
}

// NewClient creates an unconnected client for config.
func NewClient(config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if config.CommandBuffer < 1 {
		config.CommandBuffer = 1
	}
	return &Client{
		config:      config,
		logger:      logger.With("component", "mqtt"),
		stats:       NewStatistics(),
		commands:    make(chan Command, config.CommandBuffer),
		now:         time.Now,
		disconnects: make(chan struct{}),
	}
}

// Connect dials the broker and waits up to ConnectTimeout for the session.
// When the broker is unreachable an error is returned but the client keeps
// retrying in the background; IsConnected reports the outcome.
func (c *Client) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()

	protocol := "tcp"
	if c.config.UseTLS {
		protocol = "tls"
	}
	brokerURL := fmt.Sprintf("%s://%s:%d", protocol, c.config.Broker, c.config.Port)
	opts.AddBroker(brokerURL)

	clientID := fmt.Sprintf("%s-%s-%s", c.config.ClientIDPrefix, c.config.DeviceID, uuid.NewString()[:8])
	opts.SetClientID(clientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	if c.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			InsecureSkipVerify: c.config.InsecureSkipTLS,
		})
	}

	opts.SetKeepAlive(c.config.KeepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(false)

	if will, err := c.statusPayload("offline"); err == nil {
		opts.SetBinaryWill(c.config.TopicStatus, will, qosAtLeastOnce, true)
	}

	opts.OnConnect = c.onConnect
	opts.OnConnectionLost = c.onConnectionLost
	opts.OnReconnecting = c.onReconnecting

	c.client = mqtt.NewClient(opts)
	c.logger.Info("connecting", "broker", brokerURL, "client_id", clientID)

	token := c.client.Connect()
	timer := time.NewTimer(c.config.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("link: connect: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: connecting to %s (retrying in background)", ErrTimeout, brokerURL)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the session, waiting up to quiesce for in-flight work.
func (c *Client) Disconnect(quiesce time.Duration) {
	c.closeOnce.Do(func() {
		close(c.disconnects)
		if c.client != nil {
			c.client.Disconnect(uint(quiesce.Milliseconds()))
		}
		c.connected.Store(false)
		metrics.SetConnected(false)
		c.logger.Info("disconnected")
	})
}

func (c *Client) onConnect(client mqtt.Client) {
	c.stats.recordConnection(true)
	c.logger.Info("connected")

	// Report the session only once commands can arrive.
	defer func() {
		c.connected.Store(true)
		c.cameOnline.Store(true)
		metrics.SetConnected(true)
	}()

	topic := c.config.CommandTopic()
	token := client.Subscribe(topic, qosAtLeastOnce, c.onMessage)
	if !token.WaitTimeout(5 * time.Second) {
		c.logger.Warn("subscribe timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Warn("subscribe failed", "topic", topic, "error", err)
		return
	}
	c.logger.Info("subscribed", "topic", topic)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.stats.recordConnection(false)
	metrics.SetConnected(false)
	c.logger.Warn("connection lost, will auto-reconnect", "error", err)
}

func (c *Client) onReconnecting(mqtt.Client, *mqtt.ClientOptions) {
	c.logger.Debug("reconnecting")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	cmd := ParseCommand(msg.Payload())
	cmd.Topic = msg.Topic()
	cmd.ReceivedAt = c.now()
	c.stats.recordCommand()

	select {
	case c.commands <- cmd:
	case <-c.disconnects:
	default:
		// Loop is behind; keep the older commands.
		c.stats.recordDroppedCommand()
		c.logger.Warn("command dropped, buffer full", "command", cmd.Name)
	}
}

// IsConnected reports whether a broker session is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// CameOnline reports, once, that a session was (re)established since the
// last call.
func (c *Client) CameOnline() bool {
	return c.cameOnline.Swap(false)
}

// Poll returns the next pending command without blocking.
func (c *Client) Poll() (Command, bool) {
	select {
	case cmd := <-c.commands:
		return cmd, true
	default:
		return Command{}, false
	}
}

// Stats returns the link counters.
func (c *Client) Stats() *Statistics {
	return c.stats
}

// PublishAlert publishes a retained alert for ev.
func (c *Client) PublishAlert(ctx context.Context, ev seismic.Event, deviceID string) error {
	payload, err := encodeBounded(
		NewAlertPayload(ev, deviceID, c.now().UnixMilli(), c.config.Latitude, c.config.Longitude),
		AlertPayloadLimit,
	)
	if err != nil {
		return err
	}
	return c.publish(ctx, c.config.TopicAlert, qosAtLeastOnce, true, payload)
}

// PublishData publishes one acceleration reading.
func (c *Client) PublishData(ctx context.Context, s seismic.Sample, deviceID string) error {
	payload, err := encodeBounded(NewDataPayload(s, deviceID, c.now().UnixMilli()), DataPayloadLimit)
	if err != nil {
		return err
	}
	return c.publish(ctx, c.config.TopicData, qosAtMostOnce, false, payload)
}

// PublishStatus publishes a retained status line.
func (c *Client) PublishStatus(ctx context.Context, status, deviceID string) error {
	payload, err := encodeBounded(StatusPayload{
		DeviceID:  deviceID,
		Status:    status,
		Timestamp: c.now().UnixMilli(),
	}, StatusPayloadLimit)
	if err != nil {
		return err
	}
	return c.publish(ctx, c.config.TopicStatus, qosAtLeastOnce, true, payload)
}

func (c *Client) statusPayload(status string) ([]byte, error) {
	return encodeBounded(StatusPayload{
		DeviceID:  c.config.DeviceID,
		Status:    status,
		Timestamp: c.now().UnixMilli(),
	}, StatusPayloadLimit)
}

func (c *Client) publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	err := c.doPublish(ctx, topic, qos, retained, payload)
	c.stats.recordPublish(topic, err)
	metrics.ObservePublish(topic, err)
	return err
}

func (c *Client) doPublish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if c.client == nil || !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, qos, retained, payload)

	timer := time.NewTimer(c.config.PublishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("link: publish %s: %w", topic, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: publish %s", ErrTimeout, topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}
