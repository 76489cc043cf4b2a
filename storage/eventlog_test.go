package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quake-sentinel/seismic"
)

func TestEventLogAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.csv")

	log, err := OpenEventLog(path)
	require.NoError(t, err)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return fixed }

	require.NoError(t, log.Append(testEvent(1), "dev-1"))
	require.NoError(t, log.Close())

	// Reopening must not repeat the header.
	log, err = OpenEventLog(path)
	require.NoError(t, err)
	log.now = func() time.Time { return fixed }
	require.NoError(t, log.Append(testEvent(2), "dev-1"))
	require.NoError(t, log.Close())

	records, err := ReadEventLog(path)
	require.NoError(t, err)
	require.Len(t, records, 2)

	rec := records[1]
	require.Equal(t, fixed, rec.LoggedAt)
	require.Equal(t, "dev-1", rec.DeviceID)
	require.Equal(t, "ev-002", rec.Event.ID)
	require.Equal(t, int64(2000), rec.Event.StartTime)
	require.Equal(t, int64(2010), rec.Event.Duration)
	require.Equal(t, seismic.LevelStrong, rec.Event.AlertLevel)
	require.InDelta(t, 0.12346, rec.Event.PGA, 1e-9)
	require.InDelta(t, 3.14, rec.Event.Magnitude, 1e-9)
}

func TestReadEventLogMissing(t *testing.T) {
	records, err := ReadEventLog(filepath.Join(t.TempDir(), "none.csv"))
	require.NoError(t, err)
	require.Empty(t, records)
}
