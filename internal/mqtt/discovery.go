package mqtt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/HerbHall/tripscan/internal/version"
	"github.com/HerbHall/tripscan/pkg/telemetry"
)

// nonAlphanumeric matches any character that is not alphanumeric or underscore.
var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// DiscoveryConfig holds a single HA MQTT discovery payload.
type DiscoveryConfig struct {
	Topic   string // full MQTT topic (homeassistant/...)
	Payload []byte // JSON-encoded config (empty = remove)
}

// HADevice is the "device" block in HA discovery payloads.
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// SensorConfig is the HA discovery payload for sensor.
type SensorConfig struct {
	Name                string   `json:"name"`
	ObjectID            string   `json:"object_id"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	JSONAttributesTopic string   `json:"json_attributes_topic,omitempty"`
	Icon                string   `json:"icon,omitempty"`
	Device              HADevice `json:"device"`
}

// SafeObjectID sanitizes a string for use as an HA object_id.
func SafeObjectID(s string) string {
	s = strings.ToLower(s)
	s = nonAlphanumeric.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

// BuildEventDiscoveryConfigs returns one sensor per event kind. The sensor's
// state is the details of the latest event; the full event is exposed as
// attributes.
func BuildEventDiscoveryConfigs(kinds []telemetry.Kind, vehicleID, topicPrefix, haPrefix string) []DiscoveryConfig {
	safeVehicle := SafeObjectID(vehicleID)
	device := HADevice{
		Identifiers:  []string{"tripscan_" + safeVehicle},
		Name:         vehicleID,
		Model:        "trip telemetry",
		Manufacturer: "tripscan",
		SWVersion:    version.Short(),
	}

	configs := make([]DiscoveryConfig, 0, len(kinds))
	for _, k := range kinds {
		safeKind := SafeObjectID(string(k))
		stateTopic := topicPrefix + "/events/" + string(k)
		cfg := SensorConfig{
			Name:                kindTitle(k),
			ObjectID:            "tripscan_" + safeVehicle + "_" + safeKind,
			UniqueID:            "tripscan_" + safeVehicle + "_" + safeKind,
			StateTopic:          stateTopic,
			ValueTemplate:       "{{ value_json.details }}",
			JSONAttributesTopic: stateTopic,
			Icon:                kindIcon(k),
			Device:              device,
		}
		payload, err := json.Marshal(cfg)
		if err != nil {
			continue
		}
		configs = append(configs, DiscoveryConfig{
			Topic:   fmt.Sprintf("%s/sensor/tripscan_%s/%s/config", haPrefix, safeVehicle, safeKind),
			Payload: payload,
		})
	}
	return configs
}

func kindTitle(k telemetry.Kind) string {
	switch k {
	case telemetry.KindCoolantOverheat:
		return "Coolant Overheat"
	case telemetry.KindRPMInstability:
		return "Idle RPM Instability"
	}
	return string(k)
}

func kindIcon(k telemetry.Kind) string {
	switch k {
	case telemetry.KindCoolantOverheat:
		return "mdi:coolant-temperature"
	case telemetry.KindRPMInstability:
		return "mdi:engine-outline"
	}
	return "mdi:alert"
}
