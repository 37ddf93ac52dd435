// Package loader parses recorded trip telemetry into samples.
package loader

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/HerbHall/tripscan/pkg/telemetry"
)

// Column names recognised in the header row.
const (
	ColTime         = "time_s"
	ColSpeed        = "speed_kmh"
	ColSpeedAlt     = "speed_kph"
	ColRPM          = "rpm"
	ColCoolant      = "coolant_c"
	ColThrottle     = "throttle_pct"
	ColCoolantGauge = "coolant_temp_c"
)

var (
	// ErrMissingColumn is returned when a required column is absent from the header.
	ErrMissingColumn = errors.New("missing required column")
	// ErrNonMonotonic is returned when a timestamp is lower than the previous row's.
	ErrNonMonotonic = errors.New("timestamps are not monotonic")
	// ErrEmptyInput is returned when the source has no header row.
	ErrEmptyInput = errors.New("empty input")
	// ErrNotFinite is wrapped by a ParseError for a NaN or infinite value.
	ErrNotFinite = errors.New("value is not finite")
)

// ParseError locates a malformed value. Row counts data rows from 1 and
// Field is the canonical column name, whatever the header's spelling.
type ParseError struct {
	Row   int
	Field string
	Value string
	Type  string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("row %d: invalid %s for %s: %q", e.Row, e.Type, e.Field, e.Value)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LoadFile reads samples from the CSV file at path.
func LoadFile(path string) ([]telemetry.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry: %w", err)
	}
	defer f.Close()

	samples, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return samples, nil
}

type columns struct {
	time, speed, rpm, coolant, throttle int
	gauge                               int    // -1 when absent
	speedName                           string // speed column as named in the header
}

// Read parses a header-driven CSV stream. The first malformed row aborts the
// load; no partial result is returned.
func Read(r io.Reader) ([]telemetry.Sample, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyInput
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols, err := resolveColumns(header)
	if err != nil {
		return nil, err
	}

	var samples []telemetry.Sample
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}

		s, err := parseRecord(rec, cols, row)
		if err != nil {
			return nil, err
		}
		if n := len(samples); n > 0 && s.TimeS < samples[n-1].TimeS {
			return nil, fmt.Errorf("row %d: time_s %g after %g: %w",
				row, s.TimeS, samples[n-1].TimeS, ErrNonMonotonic)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func resolveColumns(header []string) (columns, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.ToLower(h))] = i
	}

	var matched string
	lookup := func(names ...string) (int, error) {
		for _, n := range names {
			if i, ok := idx[n]; ok {
				matched = n
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: %s", ErrMissingColumn, names[0])
	}

	var (
		c   columns
		err error
	)
	if c.time, err = lookup(ColTime); err != nil {
		return c, err
	}
	if c.speed, err = lookup(ColSpeed, ColSpeedAlt); err != nil {
		return c, err
	}
	c.speedName = matched
	if c.rpm, err = lookup(ColRPM); err != nil {
		return c, err
	}
	if c.coolant, err = lookup(ColCoolant); err != nil {
		return c, err
	}
	if c.throttle, err = lookup(ColThrottle); err != nil {
		return c, err
	}
	c.gauge = -1
	if i, ok := idx[ColCoolantGauge]; ok {
		c.gauge = i
	}
	return c, nil
}

func parseRecord(rec []string, c columns, row int) (telemetry.Sample, error) {
	var (
		s   telemetry.Sample
		err error
	)
	float := func(i int, name string) (float64, error) {
		raw := strings.TrimSpace(rec[i])
		v, perr := strconv.ParseFloat(raw, 64)
		if perr == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
			perr = ErrNotFinite
		}
		if perr != nil {
			return 0, &ParseError{Row: row, Field: name, Value: rec[i], Type: "float", Err: perr}
		}
		return v, nil
	}

	if s.TimeS, err = float(c.time, ColTime); err != nil {
		return s, err
	}
	if s.SpeedKPH, err = float(c.speed, c.speedName); err != nil {
		return s, err
	}
	raw := strings.TrimSpace(rec[c.rpm])
	rpm, perr := strconv.Atoi(raw)
	if perr != nil {
		return s, &ParseError{Row: row, Field: ColRPM, Value: rec[c.rpm], Type: "int", Err: perr}
	}
	s.RPM = float64(rpm)
	if s.CoolantC, err = float(c.coolant, ColCoolant); err != nil {
		return s, err
	}
	if s.ThrottlePct, err = float(c.throttle, ColThrottle); err != nil {
		return s, err
	}

	switch {
	case c.gauge < 0:
		s = s.WithDefaultGauge()
	case strings.TrimSpace(rec[c.gauge]) == "":
		// Blank gauge reading: leave absent.
	default:
		v, err := float(c.gauge, ColCoolantGauge)
		if err != nil {
			return s, err
		}
		s.CoolantTempC = telemetry.Float(v)
	}
	return s, nil
}
