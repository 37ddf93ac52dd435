package detect

import (
	"fmt"

	"github.com/HerbHall/tripscan/pkg/telemetry"
)

// RPMInstabilityMessage is carried by every idle RPM instability event.
const RPMInstabilityMessage = "Idle RPM instability detected"

// RPMInstabilityConfig holds the idle gate, window, threshold and
// debounce/hysteresis parameters of the RPM instability detector.
type RPMInstabilityConfig struct {
	// Idle gate.
	MaxSpeedKPH     float64
	MaxThrottlePct  float64
	MinRPMRunning   float64
	MinCoolantTempC *float64 // nil disables the warm-engine gate

	// Rolling window.
	WindowS    float64
	MinSamples int

	// Instability thresholds.
	StdThresholdRPM          float64
	PeakToPeakThresholdRPM   float64
	MinUnstableDurationS     float64
	StableResetStdRPM        float64 // hysteresis exit for std
	StableResetPeakToPeakRPM float64 // hysteresis exit for peak-to-peak
}

// DefaultRPMInstabilityConfig returns tuned defaults for passenger vehicles.
func DefaultRPMInstabilityConfig() RPMInstabilityConfig {
	return RPMInstabilityConfig{
		MaxSpeedKPH:     2.0,
		MaxThrottlePct:  5.0,
		MinRPMRunning:   500.0,
		MinCoolantTempC: telemetry.Float(60.0),

		WindowS:    8.0,
		MinSamples: 10,

		StdThresholdRPM:          60.0,
		PeakToPeakThresholdRPM:   180.0,
		MinUnstableDurationS:     3.0,
		StableResetStdRPM:        40.0,
		StableResetPeakToPeakRPM: 120.0,
	}
}

// RPMState is the observable state of an RPM instability detector.
type RPMState int

const (
	StateGateClosed RPMState = iota
	StateCollecting
	StateStable
	StateUnstablePending
	StateEpisodeActive
)

func (s RPMState) String() string {
	switch s {
	case StateGateClosed:
		return "gate_closed"
	case StateCollecting:
		return "collecting"
	case StateStable:
		return "stable"
	case StateUnstablePending:
		return "unstable_pending"
	case StateEpisodeActive:
		return "episode_active"
	default:
		return fmt.Sprintf("RPMState(%d)", int(s))
	}
}

// RPMInstabilityDetector flags sustained engine speed instability while the
// vehicle is idling. It emits at most one event per episode: an episode opens
// once the window has been unstable for MinUnstableDurationS and closes only
// on a stable reading, or when the idle gate fails.
type RPMInstabilityDetector struct {
	cfg RPMInstabilityConfig

	win           window
	gateOpen      bool
	unstableSince *float64
	active        bool
	abandoned     bool
	last          WindowStats
}

// NewRPMInstabilityDetector creates a detector with cfg. Values are used as given.
func NewRPMInstabilityDetector(cfg RPMInstabilityConfig) *RPMInstabilityDetector {
	return &RPMInstabilityDetector{cfg: cfg}
}

// Name implements Detector.
func (d *RPMInstabilityDetector) Name() string {
	return string(telemetry.KindRPMInstability)
}

// Config returns the detector configuration.
func (d *RPMInstabilityDetector) Config() RPMInstabilityConfig {
	return d.cfg
}

// Reset implements Detector.
func (d *RPMInstabilityDetector) Reset() {
	d.win.clear()
	d.gateOpen = false
	d.unstableSince = nil
	d.active = false
	d.abandoned = false
	d.last = WindowStats{}
}

// Flush implements Detector. Instability events are instantaneous, so there
// is never an open interval to close.
func (d *RPMInstabilityDetector) Flush() []telemetry.Event {
	return nil
}

// State reports where the detector sits in its state machine.
func (d *RPMInstabilityDetector) State() RPMState {
	switch {
	case !d.gateOpen:
		return StateGateClosed
	case d.active:
		return StateEpisodeActive
	case d.win.len() < d.cfg.MinSamples:
		return StateCollecting
	case d.unstableSince != nil:
		return StateUnstablePending
	default:
		return StateStable
	}
}

// Abandoned implements Abandoner. It is true only for the Update on which the
// idle gate failed during an active episode.
func (d *RPMInstabilityDetector) Abandoned() bool {
	return d.abandoned
}

// WindowLen returns the number of samples currently in the rolling window.
func (d *RPMInstabilityDetector) WindowLen() int {
	return d.win.len()
}

// LastStats returns the statistics computed on the most recent evaluated sample.
func (d *RPMInstabilityDetector) LastStats() WindowStats {
	return d.last
}

// Update implements Detector. It returns at most one event.
func (d *RPMInstabilityDetector) Update(s telemetry.Sample) []telemetry.Event {
	if !d.idling(s) {
		wasActive := d.active
		d.Reset()
		d.abandoned = wasActive
		return nil
	}
	d.abandoned = false
	d.gateOpen = true

	now := s.TimeS
	d.win.push(now, s.RPM)
	d.win.evictBefore(now - d.cfg.WindowS)

	if d.win.len() < d.cfg.MinSamples {
		return nil
	}

	st := d.win.stats()
	d.last = st

	unstable := st.StdDev >= d.cfg.StdThresholdRPM || st.PeakToPeak >= d.cfg.PeakToPeakThresholdRPM
	stable := st.StdDev <= d.cfg.StableResetStdRPM && st.PeakToPeak <= d.cfg.StableResetPeakToPeakRPM

	if unstable {
		if d.unstableSince == nil {
			since := now
			d.unstableSince = &since
		}
		if now-*d.unstableSince >= d.cfg.MinUnstableDurationS && !d.active {
			d.active = true
			return []telemetry.Event{d.event(now, st)}
		}
	}

	if d.active && stable {
		d.active = false
		d.unstableSince = nil
	}

	// The debounce timer needs an unbroken unstable run; the dead zone
	// between thresholds restarts it.
	if !unstable {
		d.unstableSince = nil
	}
	return nil
}

func (d *RPMInstabilityDetector) idling(s telemetry.Sample) bool {
	if s.RPM < d.cfg.MinRPMRunning {
		return false
	}
	if s.SpeedKPH > d.cfg.MaxSpeedKPH {
		return false
	}
	if s.ThrottlePct > d.cfg.MaxThrottlePct {
		return false
	}
	if d.cfg.MinCoolantTempC != nil {
		if s.CoolantTempC == nil || *s.CoolantTempC < *d.cfg.MinCoolantTempC {
			return false
		}
	}
	return true
}

func (d *RPMInstabilityDetector) event(now float64, st WindowStats) telemetry.Event {
	return telemetry.Event{
		Kind:   telemetry.KindRPMInstability,
		StartS: now,
		EndS:   now,
		Details: fmt.Sprintf("mean_rpm=%.1f, std_rpm=%.1f, peak_to_peak=%.1f, window_s=%.1f",
			st.Mean, st.StdDev, st.PeakToPeak, d.cfg.WindowS),
		RPM: &telemetry.RPMInstability{
			Timestamp:  now,
			MeanRPM:    st.Mean,
			StdRPM:     st.StdDev,
			PeakToPeak: st.PeakToPeak,
			WindowS:    d.cfg.WindowS,
			Message:    RPMInstabilityMessage,
		},
	}
}
