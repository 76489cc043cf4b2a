package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quake-sentinel/seismic"
)

func severeEvent() seismic.Event {
	return seismic.Event{
		ID:         "evt-1",
		Magnitude:  5.25,
		PGA:        0.31,
		CAV:        0.2,
		Duration:   4500,
		AlertLevel: seismic.LevelSevere,
		Confirmed:  true,
	}
}

func TestFormatEvent(t *testing.T) {
	text := FormatEvent(severeEvent())
	require.Contains(t, text, "Magnitude: 5.25")
	require.Contains(t, text, "PGA: 0.310 g")
	require.Contains(t, text, "Alert Level: SEVERE")
	require.Contains(t, text, "Duration: 4.5 seconds")
}

func TestPushoverNotifier(t *testing.T) {
	formCh := make(chan url.Values, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/x-www-form-urlencoded" || r.ParseForm() != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		formCh <- r.PostForm
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewPushoverNotifier("tok", "usr", WithEndpoint(server.URL))
	require.NoError(t, n.Notify(context.Background(), NewMessage(severeEvent(), "dev-1")))
	form := <-formCh
	require.Equal(t, "tok", form.Get("token"))
	require.Equal(t, "usr", form.Get("user"))
	require.Equal(t, "2", form.Get("priority"))
	require.Equal(t, "siren", form.Get("sound"))
	require.Equal(t, messageTitle, form.Get("title"))

	light := severeEvent()
	light.AlertLevel = seismic.LevelStrong
	require.NoError(t, n.Notify(context.Background(), NewMessage(light, "dev-1")))
	require.Equal(t, "1", (<-formCh).Get("priority"))

	require.ErrorIs(t, NewPushoverNotifier("", "usr").Notify(context.Background(), Message{}), ErrNotConfigured)
}

func TestTelegramNotifier(t *testing.T) {
	var gotPath string
	var payload telegramPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewTelegramNotifier("123:abc", "-42", WithEndpoint(server.URL))
	require.NoError(t, n.Notify(context.Background(), NewMessage(severeEvent(), "dev")))
	require.Equal(t, "/bot123:abc/sendMessage", gotPath)
	require.Equal(t, "-42", payload.ChatID)
	require.Equal(t, "Markdown", payload.ParseMode)
	require.Contains(t, payload.Text, "EARTHQUAKE DETECTED!")
}

func TestDiscordNotifierAccepts204(t *testing.T) {
	var payload discordPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := NewDiscordNotifier(server.URL)
	require.NoError(t, n.Notify(context.Background(), NewMessage(severeEvent(), "dev")))
	require.Len(t, payload.Embeds, 1)
	require.Equal(t, discordEmbedColor, payload.Embeds[0].Color)
	require.Equal(t, "Earthquake Detected!", payload.Embeds[0].Title)
}

func TestWebhookNotifierRejectsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n := NewWebhookNotifier("ops", server.URL)
	require.Equal(t, "ops", n.Name())
	require.Error(t, n.Notify(context.Background(), NewMessage(severeEvent(), "dev")))
}

type funcNotifier struct {
	name string
	fn   func(ctx context.Context) error
}

func (f funcNotifier) Name() string { return f.name }

func (f funcNotifier) Notify(ctx context.Context, _ Message) error { return f.fn(ctx) }

func TestFanoutIsolatesFailures(t *testing.T) {
	var okCalls atomic.Int32
	boom := errors.New("boom")

	fanout := NewFanout(50*time.Millisecond, nil,
		funcNotifier{"failing", func(context.Context) error { return boom }},
		funcNotifier{"slow", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		funcNotifier{"ok", func(context.Context) error {
			okCalls.Add(1)
			return nil
		}},
	)

	start := time.Now()
	results := fanout.Broadcast(context.Background(), Message{})
	require.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, results, 3)
	require.Equal(t, "failing", results[0].Channel)
	require.ErrorIs(t, results[0].Err, boom)
	require.Equal(t, "slow", results[1].Channel)
	require.ErrorIs(t, results[1].Err, context.DeadlineExceeded)
	require.Equal(t, "ok", results[2].Channel)
	require.NoError(t, results[2].Err)
	require.Equal(t, int32(1), okCalls.Load())
}

func TestFanoutEmpty(t *testing.T) {
	var f *Fanout
	require.Zero(t, f.Len())
	require.Nil(t, NewFanout(0, nil).Broadcast(context.Background(), Message{}))
}
