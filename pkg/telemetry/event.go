package telemetry

import "fmt"

// Kind discriminates event types.
type Kind string

// Event kinds emitted by the detectors.
const (
	KindCoolantOverheat Kind = "COOLANT_OVERHEAT"
	KindRPMInstability  Kind = "RPM_IDLE_INSTABILITY"
)

// Event describes one anomalous interval (or instant) derived from a sample
// sequence. Events are plain values with no identity beyond their fields.
type Event struct {
	Kind    Kind    `json:"kind"`
	StartS  float64 `json:"start_s"`
	EndS    float64 `json:"end_s"`
	Details string  `json:"details"`

	// RPM is set only for KindRPMInstability events.
	RPM *RPMInstability `json:"rpm,omitempty"`
}

// RPMInstability carries the window statistics of an idle RPM instability event.
type RPMInstability struct {
	Timestamp  float64 `json:"timestamp"`
	MeanRPM    float64 `json:"mean_rpm"`
	StdRPM     float64 `json:"std_rpm"`
	PeakToPeak float64 `json:"peak_to_peak"`
	WindowS    float64 `json:"window_s"`
	Message    string  `json:"message"`
}

// Timestamp returns the event's reference time. For point-in-time events
// StartS and EndS are equal.
func (e Event) Timestamp() float64 {
	return e.StartS
}

// Duration returns EndS - StartS.
func (e Event) Duration() float64 {
	return e.EndS - e.StartS
}

// IsPoint reports whether the event marks an instant rather than an interval.
func (e Event) IsPoint() bool {
	return e.StartS == e.EndS
}

func (e Event) String() string {
	if e.RPM != nil {
		return fmt.Sprintf("%s at %.2fs: %s (%s)", e.Kind, e.StartS, e.RPM.Message, e.Details)
	}
	return fmt.Sprintf("%s %.2fs-%.2fs: %s", e.Kind, e.StartS, e.EndS, e.Details)
}
