// Package detect implements the streaming signal-anomaly detectors.
//
// Detectors are deterministic functions of an ordered sample sequence: they
// perform no I/O, never read the wall clock and hold no locks. A detector
// instance must not be shared between goroutines without external
// synchronization.
package detect

import "github.com/HerbHall/tripscan/pkg/telemetry"

// Detector is a stateful, incremental event detector.
type Detector interface {
	// Name identifies the detector in logs and metrics.
	Name() string
	// Update consumes one sample and returns the events it completes.
	Update(s telemetry.Sample) []telemetry.Event
	// Flush closes any interval still open at end of data.
	Flush() []telemetry.Event
	// Reset discards all accumulated state.
	Reset()
}

// Abandoner is implemented by detectors whose episodes can end without an
// event. Abandoned reports whether the last Update discarded an open episode.
type Abandoner interface {
	Abandoned() bool
}

// Compile-time interface guards.
var (
	_ Detector  = (*IntervalDetector)(nil)
	_ Detector  = (*RPMInstabilityDetector)(nil)
	_ Abandoner = (*RPMInstabilityDetector)(nil)
)
