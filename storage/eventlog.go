package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"quake-sentinel/seismic"
)

var eventLogHeader = []string{
	"iso8601", "event_id", "device_id", "start_ms", "duration_ms",
	"magnitude", "pga_g", "pgv_cms", "cav_gs", "alert_level",
}

// EventLog appends confirmed events to a CSV history file.
type EventLog struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
	now    func() time.Time
}

// OpenEventLog opens (or creates) the log at path and writes the header to a
// new file.
func OpenEventLog(path string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l := &EventLog{file: f, writer: csv.NewWriter(f), now: time.Now}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := l.write(eventLogHeader); err != nil {
			f.Close()
			return nil, err
		}
	}
	return l, nil
}

// Append writes one event row.
func (l *EventLog) Append(ev seismic.Event, deviceID string) error {
	row := []string{
		l.now().UTC().Format(time.RFC3339),
		ev.ID,
		deviceID,
		strconv.FormatInt(ev.StartTime, 10),
		strconv.FormatInt(ev.Duration, 10),
		strconv.FormatFloat(ev.Magnitude, 'f', 2, 64),
		strconv.FormatFloat(ev.PGA, 'f', 5, 64),
		strconv.FormatFloat(ev.PGV, 'f', 3, 64),
		strconv.FormatFloat(ev.CAV, 'f', 5, 64),
		ev.AlertLevel.String(),
	}
	return l.write(row)
}

func (l *EventLog) write(row []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Write(row); err != nil {
		return err
	}
	l.writer.Flush()
	return l.writer.Error()
}

func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer.Flush()
	return l.file.Close()
}

// EventRecord is one row read back from an event log.
type EventRecord struct {
	LoggedAt time.Time     `json:"logged_at"`
	DeviceID string        `json:"device_id"`
	Event    seismic.Event `json:"event"`
}

// ReadEventLog parses every row of the log at path.
func ReadEventLog(path string) ([]EventRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(eventLogHeader)

	var out []EventRecord
	line := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		line++
		if line == 1 && row[0] == eventLogHeader[0] {
			continue
		}
		rec, err := parseEventRow(row)
		if err != nil {
			return out, fmt.Errorf("storage: event log line %d: %w", line, err)
		}
		out = append(out, rec)
	}
}

func parseEventRow(row []string) (EventRecord, error) {
	var rec EventRecord
	var err error
	if rec.LoggedAt, err = time.Parse(time.RFC3339, row[0]); err != nil {
		return rec, err
	}
	rec.Event.ID = row[1]
	rec.DeviceID = row[2]
	if rec.Event.StartTime, err = strconv.ParseInt(row[3], 10, 64); err != nil {
		return rec, err
	}
	if rec.Event.Duration, err = strconv.ParseInt(row[4], 10, 64); err != nil {
		return rec, err
	}
	floats := []*float64{&rec.Event.Magnitude, &rec.Event.PGA, &rec.Event.PGV, &rec.Event.CAV}
	for i, dst := range floats {
		if *dst, err = strconv.ParseFloat(row[5+i], 64); err != nil {
			return rec, err
		}
	}
	if rec.Event.AlertLevel, err = seismic.ParseAlertLevel(row[9]); err != nil {
		return rec, err
	}
	rec.Event.Confirmed = true
	return rec, nil
}
