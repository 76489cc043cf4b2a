package link

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"quake-sentinel/seismic"
)

// Payload capacities, matching the fixed buffers of the device firmware.
const (
	AlertPayloadLimit  = 512
	DataPayloadLimit   = 256
	StatusPayloadLimit = 128
)

// MaxDeviceIDLength keeps the status payload, the tightest buffer, within
// its limit.
const MaxDeviceIDLength = 56

var (
	// ErrPayloadTooLarge is returned when an encoded payload exceeds its buffer.
	ErrPayloadTooLarge = errors.New("link: payload too large")
	ErrInvalidDeviceID = errors.New("link: invalid device id")
)

// ValidateDeviceID checks that id fits every payload and is a single plain
// topic level.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(id) > MaxDeviceIDLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidDeviceID, len(id), MaxDeviceIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.', r == ':':
		default:
			return fmt.Errorf("%w: character %q in %q", ErrInvalidDeviceID, r, id)
		}
	}
	return nil
}

type alertEvent struct {
	Magnitude  float64            `json:"magnitude"`
	PGA        float64            `json:"pga"`
	PGV        float64            `json:"pgv"`
	CAV        float64            `json:"cav"`
	Duration   int64              `json:"duration"`
	AlertLevel seismic.AlertLevel `json:"alert_level"`
	Confirmed  bool               `json:"confirmed"`
	EventID    string             `json:"event_id,omitempty"`
}

type location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// AlertPayload is published on the alert topic.
type AlertPayload struct {
	DeviceID  string     `json:"device_id"`
	Timestamp int64      `json:"timestamp"`
	Event     alertEvent `json:"event"`
	Location  location   `json:"location"`
}

// NewAlertPayload builds the alert message for ev.
func NewAlertPayload(ev seismic.Event, deviceID string, ts int64, lat, lon float64) AlertPayload {
	return AlertPayload{
		DeviceID:  deviceID,
		Timestamp: ts,
		Event: alertEvent{
			Magnitude:  ev.Magnitude,
			PGA:        ev.PGA,
			PGV:        ev.PGV,
			CAV:        ev.CAV,
			Duration:   ev.Duration,
			AlertLevel: ev.AlertLevel,
			Confirmed:  ev.Confirmed,
			EventID:    ev.ID,
		},
		Location: location{Lat: lat, Lon: lon},
	}
}

type acceleration struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DataPayload is published on the data topic.
type DataPayload struct {
	DeviceID     string       `json:"device_id"`
	Timestamp    int64        `json:"timestamp"`
	Acceleration acceleration `json:"acceleration"`
}

// NewDataPayload builds the data message for s.
func NewDataPayload(s seismic.Sample, deviceID string, ts int64) DataPayload {
	return DataPayload{
		DeviceID:     deviceID,
		Timestamp:    ts,
		Acceleration: acceleration{X: s.X, Y: s.Y, Z: s.Z},
	}
}

// StatusPayload is published on the status topic.
type StatusPayload struct {
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// encodeBounded serializes v into a buffer of at most limit bytes.
func encodeBounded(v any, limit int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, limit))
	enc := json.NewEncoder(buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	if len(out) > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(out), limit)
	}
	return out, nil
}
