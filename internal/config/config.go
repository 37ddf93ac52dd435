// Package config loads tripscan configuration from file, environment and
// flags, and turns it into detector and transport settings.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"github.com/HerbHall/tripscan/internal/detect"
	"github.com/HerbHall/tripscan/internal/mqtt"
	"github.com/HerbHall/tripscan/pkg/telemetry"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the decoded configuration tree.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Detectors DetectorsConfig `mapstructure:"detectors"`
	MQTT      mqtt.Config     `mapstructure:"mqtt"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type DatabaseConfig struct {
	// Path is the SQLite file, or ":memory:". Empty disables run history.
	Path string `mapstructure:"path"`
}

// MetricsConfig controls the ops HTTP listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type DetectorsConfig struct {
	CoolantOverheat CoolantOverheatConfig `mapstructure:"coolant_overheat"`
	RPMInstability  RPMInstabilityConfig  `mapstructure:"rpm_instability"`
}

type CoolantOverheatConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	ThresholdC float64 `mapstructure:"threshold_c"`
}

type RPMInstabilityConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	MaxSpeedKPH     float64 `mapstructure:"max_speed_kph"`
	MaxThrottlePct  float64 `mapstructure:"max_throttle_pct"`
	MinRPMRunning   float64 `mapstructure:"min_rpm_running"`
	WarmGate        bool    `mapstructure:"warm_gate"`
	MinCoolantTempC float64 `mapstructure:"min_coolant_temp_c"`

	WindowS    float64 `mapstructure:"window_s"`
	MinSamples int     `mapstructure:"min_samples"`

	StdThresholdRPM          float64 `mapstructure:"std_threshold_rpm"`
	PeakToPeakThresholdRPM   float64 `mapstructure:"peak_to_peak_threshold_rpm"`
	MinUnstableDurationS     float64 `mapstructure:"min_unstable_duration_s"`
	StableResetStdRPM        float64 `mapstructure:"stable_reset_std_rpm"`
	StableResetPeakToPeakRPM float64 `mapstructure:"stable_reset_p2p_rpm"`
}

// Decode unmarshals v into a Config and validates it.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(key, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s %s", ErrInvalid, key, fmt.Sprintf(format, args...)))
	}

	r := c.Detectors.RPMInstability
	if r.Enabled {
		if r.WindowS <= 0 {
			bad("detectors.rpm_instability.window_s", "must be positive, got %g", r.WindowS)
		}
		if r.MinSamples < 1 {
			bad("detectors.rpm_instability.min_samples", "must be at least 1, got %d", r.MinSamples)
		}
		if r.MinUnstableDurationS < 0 {
			bad("detectors.rpm_instability.min_unstable_duration_s", "must not be negative, got %g", r.MinUnstableDurationS)
		}
		if r.StableResetStdRPM > r.StdThresholdRPM {
			bad("detectors.rpm_instability.stable_reset_std_rpm", "must not exceed std_threshold_rpm (%g > %g)",
				r.StableResetStdRPM, r.StdThresholdRPM)
		}
		if r.StableResetPeakToPeakRPM > r.PeakToPeakThresholdRPM {
			bad("detectors.rpm_instability.stable_reset_p2p_rpm", "must not exceed peak_to_peak_threshold_rpm (%g > %g)",
				r.StableResetPeakToPeakRPM, r.PeakToPeakThresholdRPM)
		}
	}

	if c.MQTT.QoS > 2 {
		bad("mqtt.qos", "must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.PublishRate < 0 {
		bad("mqtt.publish_rate", "must not be negative, got %g", c.MQTT.PublishRate)
	}

	return errors.Join(errs...)
}

// RPMConfig converts the decoded settings into detector parameters.
func (c Config) RPMConfig() detect.RPMInstabilityConfig {
	r := c.Detectors.RPMInstability
	cfg := detect.RPMInstabilityConfig{
		MaxSpeedKPH:              r.MaxSpeedKPH,
		MaxThrottlePct:           r.MaxThrottlePct,
		MinRPMRunning:            r.MinRPMRunning,
		WindowS:                  r.WindowS,
		MinSamples:               r.MinSamples,
		StdThresholdRPM:          r.StdThresholdRPM,
		PeakToPeakThresholdRPM:   r.PeakToPeakThresholdRPM,
		MinUnstableDurationS:     r.MinUnstableDurationS,
		StableResetStdRPM:        r.StableResetStdRPM,
		StableResetPeakToPeakRPM: r.StableResetPeakToPeakRPM,
	}
	if r.WarmGate {
		minC := r.MinCoolantTempC
		cfg.MinCoolantTempC = &minC
	}
	return cfg
}

// Kinds lists the event kinds the enabled detectors can emit.
func (c Config) Kinds() []telemetry.Kind {
	var kinds []telemetry.Kind
	if c.Detectors.CoolantOverheat.Enabled {
		kinds = append(kinds, telemetry.KindCoolantOverheat)
	}
	if c.Detectors.RPMInstability.Enabled {
		kinds = append(kinds, telemetry.KindRPMInstability)
	}
	return kinds
}

// BuildDetectors returns a fresh instance of every enabled detector, in a
// stable order: coolant overheat first, then RPM instability.
func (c Config) BuildDetectors() []detect.Detector {
	var ds []detect.Detector
	if c.Detectors.CoolantOverheat.Enabled {
		ds = append(ds, detect.NewIntervalDetector(detect.CoolantOverheatConfig(c.Detectors.CoolantOverheat.ThresholdC)))
	}
	if c.Detectors.RPMInstability.Enabled {
		ds = append(ds, detect.NewRPMInstabilityDetector(c.RPMConfig()))
	}
	return ds
}
