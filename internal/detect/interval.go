package detect

import (
	"fmt"

	"github.com/HerbHall/tripscan/pkg/telemetry"
)

// DefaultCoolantThresholdC is the coolant temperature at which an overheat
// interval opens.
const DefaultCoolantThresholdC = 130.0

// IntervalConfig describes a threshold-interval detector.
type IntervalConfig struct {
	Kind      telemetry.Kind
	Field     string // signal name used in details, e.g. "coolant_c"
	Unit      string // threshold suffix used in details, e.g. "c"
	Threshold float64
	Signal    func(telemetry.Sample) float64
}

// CoolantOverheatConfig returns the interval configuration for coolant overheat.
func CoolantOverheatConfig(thresholdC float64) IntervalConfig {
	return IntervalConfig{
		Kind:      telemetry.KindCoolantOverheat,
		Field:     "coolant_c",
		Unit:      "c",
		Threshold: thresholdC,
		Signal:    func(s telemetry.Sample) float64 { return s.CoolantC },
	}
}

// IntervalDetector emits one event per maximal run of samples whose signal is
// at or above the threshold. A run closes at the timestamp of the first
// sample below threshold, or at the last sample seen when Flush is called.
type IntervalDetector struct {
	cfg IntervalConfig

	inRun    bool
	runStart float64
	runMax   float64

	seen  bool
	lastS float64
}

// NewIntervalDetector creates an interval detector for cfg.
func NewIntervalDetector(cfg IntervalConfig) *IntervalDetector {
	return &IntervalDetector{cfg: cfg}
}

// Name implements Detector.
func (d *IntervalDetector) Name() string {
	return string(d.cfg.Kind)
}

// Update implements Detector.
func (d *IntervalDetector) Update(s telemetry.Sample) []telemetry.Event {
	d.seen = true
	d.lastS = s.TimeS

	v := d.cfg.Signal(s)
	switch {
	case v >= d.cfg.Threshold && !d.inRun:
		d.inRun = true
		d.runStart = s.TimeS
		d.runMax = v
	case v >= d.cfg.Threshold:
		if v > d.runMax {
			d.runMax = v
		}
	case d.inRun:
		d.inRun = false
		return []telemetry.Event{d.event(s.TimeS)}
	}
	return nil
}

// Flush implements Detector. An open run is closed at the last sample's
// timestamp.
func (d *IntervalDetector) Flush() []telemetry.Event {
	if !d.inRun || !d.seen {
		return nil
	}
	d.inRun = false
	return []telemetry.Event{d.event(d.lastS)}
}

// Reset implements Detector.
func (d *IntervalDetector) Reset() {
	d.inRun = false
	d.runStart = 0
	d.runMax = 0
	d.seen = false
	d.lastS = 0
}

// InRun reports whether an interval is currently open.
func (d *IntervalDetector) InRun() bool {
	return d.inRun
}

func (d *IntervalDetector) event(endS float64) telemetry.Event {
	return telemetry.Event{
		Kind:    d.cfg.Kind,
		StartS:  d.runStart,
		EndS:    endS,
		Details: fmt.Sprintf("max_%s=%.1f, threshold_%s=%.1f", d.cfg.Field, d.runMax, d.cfg.Unit, d.cfg.Threshold),
	}
}

// DetectIntervals runs a fresh interval detector over samples and returns the
// events in chronological order.
func DetectIntervals(cfg IntervalConfig, samples []telemetry.Sample) []telemetry.Event {
	d := NewIntervalDetector(cfg)
	var events []telemetry.Event
	for _, s := range samples {
		events = append(events, d.Update(s)...)
	}
	return append(events, d.Flush()...)
}

// DetectCoolantOverheat returns one COOLANT_OVERHEAT event per contiguous run
// of samples with coolant_c >= thresholdC.
func DetectCoolantOverheat(samples []telemetry.Sample, thresholdC float64) []telemetry.Event {
	return DetectIntervals(CoolantOverheatConfig(thresholdC), samples)
}
