// Package accel provides accelerometer sample sources: a deterministic
// simulator and a CSV replay of recorded data.
package accel

import (
	"errors"

	"quake-sentinel/seismic"
)

// ErrEndOfStream is returned by finite sources once every sample was read.
var ErrEndOfStream = errors.New("accel: end of stream")

// Accelerometer is a three-axis sensor reporting m/s².
type Accelerometer interface {
	Init() error
	Read() (seismic.Sample, error)
	Close() error
}
