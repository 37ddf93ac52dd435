package mqtt

import "time"

// Config holds MQTT source and publisher configuration.
type Config struct {
	BrokerURL   string        `mapstructure:"broker_url"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"` //nolint:gosec // G101: config field name, not a credential
	ClientID    string        `mapstructure:"client_id"`
	SampleTopic string        `mapstructure:"sample_topic"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	QoS         byte          `mapstructure:"qos"`
	Retain      bool          `mapstructure:"retain"`
	Timeout     time.Duration `mapstructure:"timeout"`
	KeepAlive   time.Duration `mapstructure:"keep_alive"`

	// PublishEvents republishes detection events to <TopicPrefix>/events/<kind>.
	PublishEvents bool `mapstructure:"publish_events"`
	// PublishRate caps event publishes per second; zero means unlimited.
	PublishRate float64 `mapstructure:"publish_rate"`

	// Home Assistant MQTT auto-discovery settings.
	HADiscovery       bool   `mapstructure:"ha_discovery"`        // announce one sensor per event kind
	HADiscoveryPrefix string `mapstructure:"ha_discovery_prefix"` // default "homeassistant"
}

// DefaultConfig returns defaults for a local broker.
func DefaultConfig() Config {
	return Config{
		BrokerURL:     "", // disabled by default
		ClientID:      "tripscan",
		SampleTopic:   "vehicle/telemetry",
		TopicPrefix:   "tripscan",
		QoS:           1,
		Timeout:       10 * time.Second,
		KeepAlive:     30 * time.Second,
		PublishEvents: true,
		PublishRate:   20,

		HADiscovery:       false,
		HADiscoveryPrefix: "homeassistant",
	}
}
