package accel

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"quake-sentinel/seismic"
)

// Replay reads recorded samples from CSV rows of timestamp_ms,x,y,z. A
// header row is skipped.
type Replay struct {
	path   string
	file   io.ReadCloser
	reader *csv.Reader
	line   int
}

// NewReplay replays rows from r.
func NewReplay(r io.Reader) *Replay {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	return &Replay{file: rc}
}

// OpenReplay replays the CSV file at path. The file is opened by Init.
func OpenReplay(path string) *Replay {
	return &Replay{path: path}
}

func (r *Replay) Init() error {
	if r.file == nil {
		f, err := os.Open(r.path)
		if err != nil {
			return fmt.Errorf("accel: open replay: %w", err)
		}
		r.file = f
	}
	r.reader = csv.NewReader(r.file)
	r.reader.FieldsPerRecord = 4
	r.reader.TrimLeadingSpace = true
	r.reader.Comment = '#'
	return nil
}

func (r *Replay) Read() (seismic.Sample, error) {
	if r.reader == nil {
		return seismic.Sample{}, errors.New("accel: replay not initialized")
	}
	for {
		row, err := r.reader.Read()
		if err == io.EOF {
			return seismic.Sample{}, ErrEndOfStream
		}
		if err != nil {
			return seismic.Sample{}, fmt.Errorf("accel: replay: %w", err)
		}
		r.line++
		if r.line == 1 && isHeader(row) {
			continue
		}
		return parseRow(row, r.line)
	}
}

func isHeader(row []string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(row[0]), 64)
	return err != nil
}

func parseRow(row []string, line int) (seismic.Sample, error) {
	var vals [4]float64
	for i, field := range row {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return seismic.Sample{}, fmt.Errorf("accel: replay line %d: %w", line, err)
		}
		vals[i] = v
	}
	return seismic.Sample{
		Timestamp: int64(vals[0]),
		X:         vals[1],
		Y:         vals[2],
		Z:         vals[3],
	}, nil
}

func (r *Replay) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
