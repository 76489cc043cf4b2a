// quake-sentinel samples an accelerometer, detects earthquakes with an
// STA/LTA trigger and dispatches alerts to a local panel, an MQTT broker and
// webhook services.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"quake-sentinel/config"
)

var version = "dev"

var (
	configPath string
	logLevel   string
)

func main() {
	cmd := &cobra.Command{
		Use:   "quake-sentinel",
		Short: "On-device earthquake detection and alerting",
		Long: `quake-sentinel reads a three-axis accelerometer at a fixed rate, runs an
STA/LTA trigger over the acceleration magnitude and characterizes each
episode (PGA, PGV, CAV, magnitude estimate).

Confirmed events light the local panel, are published over MQTT and fanned
out to Pushover, Telegram, Discord and generic webhooks. Events that cannot
reach the broker are kept in a durable queue and retried.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default $QUAKE_CONFIG)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	cmd.AddCommand(newRunCmd(), newQueueCmd(), newEventsCmd())

	if err := fang.Execute(context.Background(), cmd); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config and installs the console logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return cfg, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	})), nil
}
