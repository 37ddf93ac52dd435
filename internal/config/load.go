package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: TRIPSCAN_DATABASE_PATH=...
const EnvPrefix = "TRIPSCAN"

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.path", "tripscan.db")

	v.SetDefault("detectors.coolant_overheat.enabled", true)
	v.SetDefault("detectors.coolant_overheat.threshold_c", 130.0)

	v.SetDefault("detectors.rpm_instability.enabled", true)
	v.SetDefault("detectors.rpm_instability.max_speed_kph", 2.0)
	v.SetDefault("detectors.rpm_instability.max_throttle_pct", 5.0)
	v.SetDefault("detectors.rpm_instability.min_rpm_running", 500.0)
	v.SetDefault("detectors.rpm_instability.warm_gate", true)
	v.SetDefault("detectors.rpm_instability.min_coolant_temp_c", 60.0)
	v.SetDefault("detectors.rpm_instability.window_s", 8.0)
	v.SetDefault("detectors.rpm_instability.min_samples", 10)
	v.SetDefault("detectors.rpm_instability.std_threshold_rpm", 60.0)
	v.SetDefault("detectors.rpm_instability.peak_to_peak_threshold_rpm", 180.0)
	v.SetDefault("detectors.rpm_instability.min_unstable_duration_s", 3.0)
	v.SetDefault("detectors.rpm_instability.stable_reset_std_rpm", 40.0)
	v.SetDefault("detectors.rpm_instability.stable_reset_p2p_rpm", 120.0)

	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "tripscan")
	v.SetDefault("mqtt.sample_topic", "vehicle/telemetry")
	v.SetDefault("mqtt.topic_prefix", "tripscan")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", false)
	v.SetDefault("mqtt.timeout", "10s")
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.publish_events", true)
	v.SetDefault("mqtt.publish_rate", 20.0)
	v.SetDefault("mqtt.ha_discovery", false)
	v.SetDefault("mqtt.ha_discovery_prefix", "homeassistant")

	v.SetDefault("metrics.addr", "")
}

// Load reads configuration from the file at path (or tripscan.yaml in the
// usual locations when path is empty), then the environment. A missing
// default file is not an error.
func Load(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tripscan")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tripscan")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}
