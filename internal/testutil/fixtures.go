// Package testutil provides telemetry fixtures shared by package tests.
package testutil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/HerbHall/tripscan/pkg/telemetry"
)

// NewSample returns a warm, idling Sample at time t, suitable for test fixtures.
// Override individual fields with options.
func NewSample(t float64, opts ...func(*telemetry.Sample)) telemetry.Sample {
	s := telemetry.Sample{
		TimeS:        t,
		SpeedKPH:     0,
		RPM:          800,
		CoolantC:     90,
		ThrottlePct:  0,
		CoolantTempC: telemetry.Float(90),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithRPM sets the engine speed.
func WithRPM(rpm float64) func(*telemetry.Sample) {
	return func(s *telemetry.Sample) { s.RPM = rpm }
}

// WithSpeed sets the vehicle speed.
func WithSpeed(kph float64) func(*telemetry.Sample) {
	return func(s *telemetry.Sample) { s.SpeedKPH = kph }
}

// WithThrottle sets the throttle position.
func WithThrottle(pct float64) func(*telemetry.Sample) {
	return func(s *telemetry.Sample) { s.ThrottlePct = pct }
}

// WithCoolant sets the coolant temperature used by the overheat detector.
func WithCoolant(c float64) func(*telemetry.Sample) {
	return func(s *telemetry.Sample) { s.CoolantC = c }
}

// WithoutGauge clears the warm-engine gate reading.
func WithoutGauge() func(*telemetry.Sample) {
	return func(s *telemetry.Sample) { s.CoolantTempC = nil }
}

// HuntingIdle returns n samples at hz starting at t0 whose rpm alternates
// between center+amp and center-amp.
func HuntingIdle(t0, hz float64, n int, center, amp float64) []telemetry.Sample {
	out := make([]telemetry.Sample, n)
	for i := range out {
		rpm := center - amp
		if i%2 == 0 {
			rpm = center + amp
		}
		out[i] = NewSample(t0+float64(i)/hz, WithRPM(rpm))
	}
	return out
}

// SteadyIdle returns n samples at hz starting at t0 with constant rpm.
func SteadyIdle(t0, hz float64, n int, rpm float64) []telemetry.Sample {
	out := make([]telemetry.Sample, n)
	for i := range out {
		out[i] = NewSample(t0+float64(i)/hz, WithRPM(rpm))
	}
	return out
}

// Trip concatenates sample segments.
func Trip(segments ...[]telemetry.Sample) []telemetry.Sample {
	var out []telemetry.Sample
	for _, seg := range segments {
		out = append(out, seg...)
	}
	return out
}

// CSV renders samples in the recorded-trip format read by the loader,
// including the coolant_temp_c column. Absent gauge readings are blank.
func CSV(samples []telemetry.Sample) string {
	var b strings.Builder
	b.WriteString("time_s,speed_kmh,rpm,coolant_c,throttle_pct,coolant_temp_c\n")
	for _, s := range samples {
		gauge := ""
		if s.CoolantTempC != nil {
			gauge = num(*s.CoolantTempC)
		}
		fmt.Fprintf(&b, "%s,%s,%d,%s,%s,%s\n",
			num(s.TimeS), num(s.SpeedKPH), int(s.RPM), num(s.CoolantC), num(s.ThrottlePct), gauge)
	}
	return b.String()
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
