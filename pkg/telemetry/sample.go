// Package telemetry provides the public model types shared by the trip
// analysis core: the samples it consumes and the events it produces.
package telemetry

import "fmt"

// Sample is a single timestamped vehicle telemetry reading.
// Samples in a sequence must have non-decreasing TimeS.
type Sample struct {
	TimeS       float64 `json:"time_s"`
	SpeedKPH    float64 `json:"speed_kph"`
	RPM         float64 `json:"rpm"`
	CoolantC    float64 `json:"coolant_c"`
	ThrottlePct float64 `json:"throttle_pct"`

	// CoolantTempC is the warm-engine gate reading. Nil when the source
	// did not report one.
	CoolantTempC *float64 `json:"coolant_temp_c,omitempty"`
}

func (s Sample) String() string {
	warm := "n/a"
	if s.CoolantTempC != nil {
		warm = fmt.Sprintf("%.1f", *s.CoolantTempC)
	}
	return fmt.Sprintf("t=%.2fs speed=%.1fkph rpm=%.0f coolant=%.1fC throttle=%.1f%% coolant_temp=%s",
		s.TimeS, s.SpeedKPH, s.RPM, s.CoolantC, s.ThrottlePct, warm)
}

// WithDefaultGauge returns s with CoolantTempC taken from CoolantC when the
// source reported no gauge reading.
func (s Sample) WithDefaultGauge() Sample {
	if s.CoolantTempC == nil {
		s.CoolantTempC = Float(s.CoolantC)
	}
	return s
}

// Float returns a pointer to v, for populating optional sample fields.
func Float(v float64) *float64 {
	return &v
}
