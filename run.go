package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"quake-sentinel/accel"
	"quake-sentinel/alert"
	"quake-sentinel/config"
	"quake-sentinel/dashboard"
	"quake-sentinel/link"
	"quake-sentinel/metrics"
	"quake-sentinel/station"
	"quake-sentinel/storage"
)

type runOptions struct {
	simulate bool
	replay   string
	unpaced  bool
	noMQTT   bool
	noHTTP   bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the detection loop",
		Long: `run boots the station and samples until interrupted.

Without a hardware driver the samples come from the built-in simulator
(--simulate, the default) or from a CSV recording of timestamp_ms,x,y,z
rows (--replay).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.simulate, "simulate", false, "use the simulated accelerometer")
	cmd.Flags().StringVar(&opts.replay, "replay", "", "replay samples from a CSV file")
	cmd.Flags().BoolVar(&opts.unpaced, "unpaced", false, "process samples as fast as they are read")
	cmd.Flags().BoolVar(&opts.noMQTT, "no-mqtt", false, "run without the broker link")
	cmd.Flags().BoolVar(&opts.noHTTP, "no-http", false, "do not start the diagnostics server")
	cmd.MarkFlagsMutuallyExclusive("simulate", "replay")
	return cmd
}

func (o runOptions) apply(cfg *config.Config) {
	switch {
	case o.replay != "":
		cfg.Sampling.Source = config.SourceReplay
		cfg.Sampling.ReplayPath = o.replay
	case o.simulate:
		cfg.Sampling.Source = config.SourceSimulate
	}
	if o.unpaced {
		cfg.Sampling.Unpaced = true
	}
	if o.noMQTT {
		cfg.MQTT.Enabled = false
	}
	if o.noHTTP {
		cfg.HTTP.Enabled = false
	}
}

func newSensor(cfg config.Config) accel.Accelerometer {
	if cfg.Sampling.Source == config.SourceReplay {
		return accel.OpenReplay(cfg.Sampling.ReplayPath)
	}
	return accel.NewSimulator(cfg.Simulator())
}

func run(ctx context.Context, opts runOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	opts.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	metrics.Init(nil)

	logger.Info("starting quake-sentinel",
		"version", version,
		"device_id", cfg.Device.ID,
		"source", cfg.Sampling.Source,
		"mqtt", cfg.MQTT.Enabled,
	)

	queue := storage.NewEventQueue(
		storage.NewFileStore(cfg.Queue.Path),
		append(cfg.QueueOptions(), storage.WithLogger(logger))...,
	)

	eventLog, err := storage.OpenEventLog(cfg.Queue.EventLogPath)
	if err != nil {
		logger.Warn("event log unavailable", "path", cfg.Queue.EventLogPath, "error", err)
		eventLog = nil
	} else {
		defer eventLog.Close()
	}

	panel := alert.NewPanel(alert.LogLEDs{Logger: logger}, alert.LogBuzzer{Logger: logger}, logger)
	defer panel.Stop()

	notifiers := cfg.Notifiers()
	fanout := alert.NewFanout(cfg.Webhooks.Timeout, logger, notifiers...)

	deps := station.Deps{
		Sensor:   newSensor(cfg),
		Panel:    panel,
		Queue:    queue,
		Fanout:   fanout,
		EventLog: eventLog,
		Logger:   logger,
		BaseCtx:  ctx,
	}

	var client *link.Client
	if cfg.MQTT.Enabled {
		client = link.NewClient(cfg.Link(), logger)
		if err := client.Connect(ctx); err != nil {
			logger.Warn("broker not reachable yet, events will be queued", "error", err)
		}
		defer client.Disconnect(250 * time.Millisecond)
		deps.Link = client
	}

	st, err := station.New(cfg.Station(), deps)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Boot(ctx); err != nil {
		if errors.Is(err, station.ErrSensorInit) {
			st.FailLoop(ctx)
		}
		return err
	}
	logger.Info("alert channels", "webhooks", len(notifiers), "mqtt", client != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A finished replay stops the diagnostics server too.
		defer cancel()
		return st.Run(gctx)
	})
	if cfg.HTTP.Enabled {
		serverOpts := []dashboard.Option{
			dashboard.WithLogger(logger),
			dashboard.WithEventLog(cfg.Queue.EventLogPath),
			dashboard.WithLive(cfg.HTTP.LiveInterval, cfg.HTTP.LiveSamples),
		}
		if client != nil {
			serverOpts = append(serverOpts, dashboard.WithLinkStats(client.Stats().GetSnapshot))
		}
		server := dashboard.NewServer(st, serverOpts...)
		g.Go(func() error {
			return server.ListenAndServe(gctx, cfg.HTTP.Addr)
		})
	}

	err = g.Wait()
	logger.Info("stopped")
	return err
}
