// Package dashboard serves local diagnostics: health, the station snapshot,
// a live websocket feed, the event history and Prometheus metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quake-sentinel/station"
	"quake-sentinel/storage"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Source provides station snapshots.
type Source interface {
	Snapshot(recent int) station.Snapshot
}

// Server is the diagnostics HTTP server.
type Server struct {
	source       Source
	linkStats    func() map[string]any
	eventLogPath string
	gatherer     prometheus.Gatherer
	interval     time.Duration
	liveSamples  int
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	mux          *http.ServeMux
}

type Option func(*Server)

// WithLinkStats adds the broker link counters to /api/status.
func WithLinkStats(fn func() map[string]any) Option {
	return func(s *Server) { s.linkStats = fn }
}

// WithEventLog serves the CSV event history at /api/events.
func WithEventLog(path string) Option {
	return func(s *Server) { s.eventLogPath = path }
}

// WithGatherer sets the registry scraped at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLive sets the push interval and the samples attached to each frame.
func WithLive(interval time.Duration, samples int) Option {
	return func(s *Server) {
		if interval > 0 {
			s.interval = interval
		}
		s.liveSamples = samples
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewServer(source Source, opts ...Option) *Server {
	s := &Server{
		source:      source,
		gatherer:    prometheus.DefaultGatherer,
		interval:    500 * time.Millisecond,
		liveSamples: 100,
		logger:      slog.Default(),
		mux:         http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "dashboard")

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/live", s.handleLive)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return s
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot(0)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"device_id": snap.DeviceID,
		"state":     snap.State,
		"connected": snap.Connected,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	recent := 0
	if v := r.URL.Query().Get("samples"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "samples must be a non-negative integer", http.StatusBadRequest)
			return
		}
		recent = n
	}

	body := map[string]any{
		"station": s.source.Snapshot(recent),
	}
	if s.linkStats != nil {
		body["link"] = s.linkStats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventLogPath == "" {
		http.Error(w, "event log not configured", http.StatusServiceUnavailable)
		return
	}
	records, err := storage.ReadEventLog(s.eventLogPath)
	if err != nil {
		s.logger.Warn("event log read failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []storage.EventRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

// handleLive pushes a snapshot every interval until the client goes away.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.logger.Debug("live client connected", "remote", r.RemoteAddr)

	// Reader: handles pongs and notices the close frame.
	done := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	send := func() bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(s.source.Snapshot(s.liveSamples)); err != nil {
			s.logger.Debug("live client gone", "error", err)
			return false
		}
		return true
	}
	if !send() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}
