package config

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quake-sentinel/link"
	"quake-sentinel/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quake.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("QUAKE_CONFIG", "")
	t.Setenv("QUAKE_DEVICE_ID", "QS_A1B2C3D4E5F6")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "QS_A1B2C3D4E5F6", cfg.Device.ID)
	require.Equal(t, 100, cfg.Sampling.Rate)
	require.Equal(t, filepath.Join("data", "event_queue.json"), cfg.Queue.Path)
	require.Equal(t, filepath.Join("data", "events.csv"), cfg.Queue.EventLogPath)

	det := cfg.Seismic()
	require.Equal(t, 5.0, det.TriggerThreshold)
	require.Equal(t, 2.0, det.DetriggerThreshold)
	require.Equal(t, 10*time.Second, det.LTAWindow)
	require.Equal(t, 500*time.Millisecond, det.STAWindow)

	st := cfg.Station()
	require.True(t, st.Conditioning)
	require.Equal(t, 60*time.Second, st.StatusInterval)
	require.Equal(t, "QS_A1B2C3D4E5F6", st.DeviceID)

	lnk := cfg.Link()
	require.Equal(t, "earthquake/command/QS_A1B2C3D4E5F6", lnk.CommandTopic())
	require.Empty(t, cfg.Notifiers())
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
device:
  id: QS_TEST
  latitude: 35.68
  longitude: 139.69
  data_dir: /var/lib/quake
sampling:
  rate: 50
  source: simulate
  bursts:
    - start: 20s
      duration: 3s
      amplitude: 2.5
      frequency: 3
detector:
  sta_window: 1s
  lta_window: 30s
  trigger_threshold: 4
  detrigger_threshold: 1.5
filter:
  enabled: true
queue:
  max_size: 20
  overflow: reject-new
mqtt:
  broker: broker.local
  port: 8883
  use_tls: true
  data_every: 25
webhooks:
  timeout: 3s
  discord:
    webhook_url: https://discord.example/hook
  generic:
    - name: ops
      url: https://ops.example/quake
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "QS_TEST", cfg.Device.ID)
	require.Equal(t, filepath.Join("/var/lib/quake", "event_queue.json"), cfg.Queue.Path)
	require.Equal(t, filepath.Join("/var/lib/quake", "calibration.json"), cfg.CalibrationPath())

	det := cfg.Seismic()
	require.Equal(t, 50, det.SampleRate)
	require.Equal(t, time.Second, det.STAWindow)
	require.Equal(t, 4.0, det.TriggerThreshold)

	st := cfg.Station()
	require.True(t, st.Conditioning)
	require.Equal(t, 25, st.DataEvery)

	sim := cfg.Simulator()
	require.Len(t, sim.Bursts, 1)
	require.Equal(t, 20*time.Second, sim.Bursts[0].Start)
	require.Equal(t, 2.5, sim.Bursts[0].Amplitude)

	lnk := cfg.Link()
	require.Equal(t, "broker.local", lnk.Broker)
	require.Equal(t, 8883, lnk.Port)
	require.True(t, lnk.UseTLS)
	require.Equal(t, 35.68, lnk.Latitude)

	q := storage.NewEventQueue(storage.NewMemoryStore(), cfg.QueueOptions()...)
	require.Equal(t, 20, q.MaxSize())

	notifiers := cfg.Notifiers()
	require.Len(t, notifiers, 2)
	require.Equal(t, "discord", notifiers[0].Name())
	require.Equal(t, "ops", notifiers[1].Name())
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: from-file\n  port: 1883\n")
	t.Setenv("QUAKE_DEVICE_ID", "QS_ENV")
	t.Setenv("QUAKE_MQTT_BROKER", "from-env")
	t.Setenv("QUAKE_MQTT_PORT", "2883")
	t.Setenv("QUAKE_MQTT_ENABLED", "true")
	t.Setenv("QUAKE_PUSHOVER_TOKEN", "tok")
	t.Setenv("QUAKE_PUSHOVER_USER", "usr")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.MQTT.Broker)
	require.Equal(t, 2883, cfg.MQTT.Port)
	require.Len(t, cfg.Notifiers(), 1)
	require.Equal(t, "pushover", cfg.Notifiers()[0].Name())
}

func TestLoadErrors(t *testing.T) {
	t.Setenv("QUAKE_DEVICE_ID", "QS_TEST")

	cases := map[string]string{
		"bad yaml":          "device: [",
		"unknown source":    "sampling:\n  source: i2c\n",
		"replay no path":    "sampling:\n  source: replay\n",
		"thresholds":        "detector:\n  trigger_threshold: 2\n  detrigger_threshold: 3\n",
		"overflow":          "queue:\n  overflow: drop-newest\n",
		"port":              "mqtt:\n  port: 70000\n",
		"generic no url":    "webhooks:\n  generic:\n    - name: ops\n",
		"zero queue":        "queue:\n  max_size: 0\n",
		"bad lta":           "detector:\n  lta_window: 100ms\n",
		"nyquist":           "filter:\n  high_cutoff: 60\n",
		"negative interval": "status:\n  interval: -1s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, ErrInvalid)

	t.Setenv("QUAKE_MQTT_PORT", "not-a-port")
	_, err = Load(writeConfig(t, ""))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadRejectsUnpublishableDeviceID(t *testing.T) {
	t.Setenv("QUAKE_CONFIG", "")
	for _, id := range []string{"QS_" + strings.Repeat("A", link.MaxDeviceIDLength), "site/1"} {
		t.Setenv("QUAKE_DEVICE_ID", id)
		_, err := Load("")
		require.ErrorIs(t, err, ErrInvalid, "id %q", id)
		require.ErrorIs(t, err, link.ErrInvalidDeviceID, "id %q", id)
	}
}

func TestDeviceID(t *testing.T) {
	mac, err := net.ParseMAC("24:0a:c4:12:ab:9f")
	require.NoError(t, err)
	require.Equal(t, "QS_240AC412AB9F", DeviceID(mac))

	id := DeviceIDFromInterfaces()
	require.Len(t, id, len("QS_")+12)
}
