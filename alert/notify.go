package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"quake-sentinel/metrics"
	"quake-sentinel/seismic"
)

const (
	defaultPushoverEndpoint = "https://api.pushover.net/1/messages.json"
	defaultTelegramBaseURL  = "https://api.telegram.org"
	defaultNotifyTimeout    = 10 * time.Second

	discordEmbedColor = 16711680
	messageTitle      = "Earthquake Alert"
)

// ErrNotConfigured is returned by a notifier missing its credentials.
var ErrNotConfigured = errors.New("alert: notifier not configured")

// Message is one outbound notification.
type Message struct {
	Title    string
	Text     string
	DeviceID string
	Event    seismic.Event
}

// NewMessage renders the notification text for ev.
func NewMessage(ev seismic.Event, deviceID string) Message {
	return Message{
		Title:    messageTitle,
		Text:     FormatEvent(ev),
		DeviceID: deviceID,
		Event:    ev,
	}
}

// FormatEvent renders ev as a short multi-line summary.
func FormatEvent(ev seismic.Event) string {
	var b strings.Builder
	b.WriteString("EARTHQUAKE DETECTED!\n")
	fmt.Fprintf(&b, "Magnitude: %.2f\n", ev.Magnitude)
	fmt.Fprintf(&b, "PGA: %.3f g\n", ev.PGA)
	fmt.Fprintf(&b, "CAV: %.3f g*s\n", ev.CAV)
	fmt.Fprintf(&b, "Alert Level: %s\n", ev.AlertLevel)
	fmt.Fprintf(&b, "Duration: %.1f seconds", float64(ev.Duration)/1000.0)
	return b.String()
}

// Notifier delivers a message over one external service.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// NotifierOption configures the HTTP notifiers.
type NotifierOption func(*httpNotifier)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) NotifierOption {
	return func(n *httpNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithEndpoint overrides the service URL.
func WithEndpoint(endpoint string) NotifierOption {
	return func(n *httpNotifier) {
		if endpoint != "" {
			n.endpoint = endpoint
		}
	}
}

type httpNotifier struct {
	endpoint string
	client   *http.Client
}

func newHTTPNotifier(endpoint string, opts []NotifierOption) httpNotifier {
	n := httpNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultNotifyTimeout},
	}
	for _, opt := range opts {
		opt(&n)
	}
	return n
}

func (n httpNotifier) post(ctx context.Context, target, contentType string, body []byte, ok ...int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}
	return fmt.Errorf("alert: unexpected status %d", resp.StatusCode)
}

// PushoverNotifier sends a form-encoded Pushover message.
type PushoverNotifier struct {
	httpNotifier
	token string
	user  string
}

func NewPushoverNotifier(token, user string, opts ...NotifierOption) *PushoverNotifier {
	return &PushoverNotifier{
		httpNotifier: newHTTPNotifier(defaultPushoverEndpoint, opts),
		token:        token,
		user:         user,
	}
}

func (p *PushoverNotifier) Name() string { return "pushover" }

// Notify escalates to emergency priority for SEVERE and EXTREME events.
func (p *PushoverNotifier) Notify(ctx context.Context, msg Message) error {
	if p.token == "" || p.user == "" {
		return ErrNotConfigured
	}
	form := url.Values{}
	form.Set("token", p.token)
	form.Set("user", p.user)
	form.Set("title", msg.Title)
	form.Set("message", msg.Text)
	form.Set("priority", strconv.Itoa(pushoverPriority(msg.Event.AlertLevel)))
	form.Set("sound", "siren")
	return p.post(ctx, p.endpoint, "application/x-www-form-urlencoded", []byte(form.Encode()), http.StatusOK)
}

func pushoverPriority(level seismic.AlertLevel) int {
	if level >= seismic.LevelSevere {
		return 2
	}
	return 1
}

// TelegramNotifier sends a Markdown message through the Bot API.
type TelegramNotifier struct {
	httpNotifier
	botToken string
	chatID   string
}

func NewTelegramNotifier(botToken, chatID string, opts ...NotifierOption) *TelegramNotifier {
	return &TelegramNotifier{
		httpNotifier: newHTTPNotifier(defaultTelegramBaseURL, opts),
		botToken:     botToken,
		chatID:       chatID,
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

type telegramPayload struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg Message) error {
	if t.botToken == "" || t.chatID == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(telegramPayload{ChatID: t.chatID, Text: msg.Text, ParseMode: "Markdown"})
	if err != nil {
		return err
	}
	target := strings.TrimRight(t.endpoint, "/") + "/bot" + t.botToken + "/sendMessage"
	return t.post(ctx, target, "application/json", body, http.StatusOK)
}

// DiscordNotifier posts to a Discord webhook.
type DiscordNotifier struct {
	httpNotifier
}

func NewDiscordNotifier(webhookURL string, opts ...NotifierOption) *DiscordNotifier {
	return &DiscordNotifier{httpNotifier: newHTTPNotifier(webhookURL, opts)}
}

func (d *DiscordNotifier) Name() string { return "discord" }

type discordPayload struct {
	Content  string         `json:"content"`
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

func (d *DiscordNotifier) Notify(ctx context.Context, msg Message) error {
	if d.endpoint == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(discordPayload{
		Content:  msg.Text,
		Username: "Earthquake Alert Bot",
		Embeds: []discordEmbed{{
			Title:       "Earthquake Detected!",
			Description: msg.Text,
			Color:       discordEmbedColor,
		}},
	})
	if err != nil {
		return err
	}
	return d.post(ctx, d.endpoint, "application/json", body, http.StatusOK, http.StatusNoContent)
}

// WebhookNotifier posts the event as JSON to a generic endpoint.
type WebhookNotifier struct {
	httpNotifier
	name string
}

func NewWebhookNotifier(name, endpoint string, opts ...NotifierOption) *WebhookNotifier {
	if name == "" {
		name = "webhook"
	}
	return &WebhookNotifier{httpNotifier: newHTTPNotifier(endpoint, opts), name: name}
}

func (w *WebhookNotifier) Name() string { return w.name }

type webhookPayload struct {
	DeviceID string        `json:"device_id"`
	Title    string        `json:"title"`
	Text     string        `json:"text"`
	Event    seismic.Event `json:"event"`
}

func (w *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	if w.endpoint == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(webhookPayload{
		DeviceID: msg.DeviceID,
		Title:    msg.Title,
		Text:     msg.Text,
		Event:    msg.Event,
	})
	if err != nil {
		return err
	}
	return w.post(ctx, w.endpoint, "application/json", body,
		http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent)
}

// Result is the outcome of one channel of a broadcast.
type Result struct {
	Channel string
	Err     error
	Elapsed time.Duration
}

// Fanout broadcasts a message to every notifier concurrently. Each channel
// runs under its own timeout and a failing channel never affects another.
type Fanout struct {
	notifiers []Notifier
	timeout   time.Duration
	logger    *slog.Logger
}

func NewFanout(timeout time.Duration, logger *slog.Logger, notifiers ...Notifier) *Fanout {
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		notifiers: notifiers,
		timeout:   timeout,
		logger:    logger.With("component", "fanout"),
	}
}

// Len returns the number of channels.
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.notifiers)
}

// Broadcast sends msg on every channel and returns one Result per notifier,
// in registration order.
func (f *Fanout) Broadcast(ctx context.Context, msg Message) []Result {
	if f.Len() == 0 {
		return nil
	}
	results := make([]Result, len(f.notifiers))

	// A plain Group: a failure must not cancel its siblings.
	var g errgroup.Group
	for i, n := range f.notifiers {
		g.Go(func() error {
			chCtx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()

			start := time.Now()
			err := n.Notify(chCtx, msg)
			elapsed := time.Since(start)
			results[i] = Result{Channel: n.Name(), Err: err, Elapsed: elapsed}

			metrics.ObserveWebhook(n.Name(), err, elapsed)
			if err != nil {
				f.logger.Warn("notification failed", "channel", n.Name(), "error", err)
			} else {
				f.logger.Info("notification sent", "channel", n.Name(), "elapsed", elapsed)
			}
			return nil
		})
	}
	g.Wait()
	return results
}
