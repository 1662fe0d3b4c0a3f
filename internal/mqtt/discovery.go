//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"zigbee-arbiter/internal/coordinator"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/zigbee_0x00158d.../temperature/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	StateOn           string   `json:"state_on,omitempty"`
	StateOff          string   `json:"state_off,omitempty"`
	Device            haDevice `json:"device"`
}

// capabilityEntity describes how one capability is exposed.
type capabilityEntity struct {
	component   string
	deviceClass string
	unit        string
	stateClass  string
}

var entities = map[string]capabilityEntity{
	"onoff":              {component: "switch"},
	"temperature":        {"sensor", "temperature", "°C", "measurement"},
	"local_temperature":  {"sensor", "temperature", "°C", "measurement"},
	"target_temperature": {"sensor", "temperature", "°C", "measurement"},
	"humidity":           {"sensor", "humidity", "%", "measurement"},
	"pressure":           {"sensor", "pressure", "hPa", "measurement"},
	"illuminance":        {"sensor", "illuminance", "lx", "measurement"},
	"battery":            {"sensor", "battery", "%", "measurement"},
	"power":              {"sensor", "power", "W", "measurement"},
	"voltage":            {"sensor", "voltage", "V", "measurement"},
	"current":            {"sensor", "current", "A", "measurement"},
	"energy":             {"sensor", "energy", "kWh", "total_increasing"},
	"brightness":         {component: "sensor", stateClass: "measurement"},
	"occupancy":          {component: "binary_sensor", deviceClass: "occupancy"},
	"contact":            {component: "binary_sensor", deviceClass: "door"},
	"water_leak":         {component: "binary_sensor", deviceClass: "moisture"},
}

func entityFor(capability string) capabilityEntity {
	if e, ok := entities[capability]; ok {
		return e
	}
	return capabilityEntity{component: "sensor"}
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev coordinator.DeviceInfo) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Vendor != "" && dev.Model != "" {
		return dev.Vendor + " " + dev.Model
	}
	if dev.Model != "" {
		return dev.Model
	}
	return dev.ID
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(id string) string {
	return "zigbee_" + id
}

// titleCase turns a capability name into an entity name suffix.
func titleCase(capability string) string {
	words := strings.Split(capability, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// buildDiscovery generates HA discovery messages for the capabilities of a
// device.
func buildDiscovery(dev coordinator.DeviceInfo, prefix string) []discoveryMsg {
	if dev.Device == nil || len(dev.Capabilities) == 0 {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + dev.ID
	nodeID := deviceIdentifier(dev.ID)
	displayName := deviceDisplayName(dev)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: dev.Vendor,
		Model:        dev.Model,
		Name:         displayName,
	}

	msgs := make([]discoveryMsg, 0, len(dev.Capabilities))
	for _, capability := range dev.Capabilities {
		e := entityFor(capability)
		payload := haDiscovery{
			Name:              displayName + " " + titleCase(capability),
			UniqueID:          nodeID + "_" + capability,
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			DeviceClass:       e.deviceClass,
			Device:            haDev,
		}
		switch e.component {
		case "switch":
			payload.CommandTopic = stateTopic + "/set"
			payload.ValueTemplate = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", capability)
			payload.PayloadOn = fmt.Sprintf(`{"%s":true}`, capability)
			payload.PayloadOff = fmt.Sprintf(`{"%s":false}`, capability)
			payload.StateOn = "ON"
			payload.StateOff = "OFF"
		case "binary_sensor":
			payload.ValueTemplate = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", capability)
			payload.PayloadOn = "ON"
			payload.PayloadOff = "OFF"
		default:
			payload.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", capability)
			payload.UnitOfMeasurement = e.unit
			payload.StateClass = e.stateClass
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", e.component, nodeID, capability),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// buildRemoveDiscovery turns published discovery topics into empty retained
// messages, which delete the entities in HA.
func buildRemoveDiscovery(published []discoveryMsg) []discoveryMsg {
	msgs := make([]discoveryMsg, 0, len(published))
	for _, m := range published {
		msgs = append(msgs, discoveryMsg{Topic: m.Topic})
	}
	return msgs
}
