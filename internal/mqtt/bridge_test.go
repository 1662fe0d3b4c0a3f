//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"zigbee-arbiter/internal/arbiter"
	"zigbee-arbiter/internal/coordinator"
	"zigbee-arbiter/internal/protocol"
	"zigbee-arbiter/internal/store"
)

type sent struct {
	device, capability string
	value              any
}

type stubController struct {
	events  *coordinator.EventBus
	devices map[string]coordinator.DeviceInfo

	mu   sync.Mutex
	sent []sent
	err  error
}

func newStubController() *stubController {
	return &stubController{
		events:  coordinator.NewEventBus(testLogger()),
		devices: make(map[string]coordinator.DeviceInfo),
	}
}

func (c *stubController) Events() *coordinator.EventBus { return c.events }

func (c *stubController) ListDevices() ([]coordinator.DeviceInfo, error) {
	var out []coordinator.DeviceInfo
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out, nil
}

func (c *stubController) GetDevice(id string) (coordinator.DeviceInfo, error) {
	d, ok := c.devices[id]
	if !ok {
		return coordinator.DeviceInfo{}, store.ErrNotFound
	}
	return d, nil
}

func (c *stubController) Send(_ context.Context, id, capability string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{id, capability, value})
	return c.err
}

func startBridge(t *testing.T, cfg Config) (*Bridge, *stubClient, *stubController) {
	t.Helper()
	client := newStubClient()
	coord := newStubController()
	b := newBridge(client, coord, cfg, testLogger())
	b.Start()
	b.onConnect(client)
	t.Cleanup(b.Stop)
	return b, client, coord
}

func TestBridgePublishesState(t *testing.T) {
	_, client, coord := startBridge(t, Config{TopicPrefix: "z"})

	if p, ok := client.last("z/bridge/state"); !ok || string(p.payload) != "online" || !p.retained {
		t.Errorf("bridge state = %+v", p)
	}

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	coord.events.Emit(coordinator.Event{Type: coordinator.EventCapabilityUpdate, Data: coordinator.CapabilityUpdate{
		Device: "trv", Capability: "target_temperature", Value: 21.5, Time: ts,
	}})
	coord.events.Emit(coordinator.Event{Type: coordinator.EventCapabilityUpdate, Data: coordinator.CapabilityUpdate{
		Device: "trv", Capability: "onoff", Value: true, Time: ts,
	}})

	p, ok := client.last("z/trv")
	if !ok || !p.retained {
		t.Fatalf("state not published retained: %+v", p)
	}
	var state map[string]any
	if err := json.Unmarshal(p.payload, &state); err != nil {
		t.Fatal(err)
	}
	if state["target_temperature"] != 21.5 || state["onoff"] != true || state["last_seen"] != "2026-01-02T03:04:05Z" {
		t.Errorf("state = %v", state)
	}
}

func TestBridgeClassification(t *testing.T) {
	_, client, coord := startBridge(t, Config{TopicPrefix: "z"})

	coord.events.Emit(coordinator.Event{Type: coordinator.EventClassification, Data: arbiter.State{
		DeviceID:       "plug",
		Classification: protocol.Hybrid,
		Methods: map[protocol.Method]arbiter.MethodStat{
			protocol.MethodDPReport:   {Count: 3, Enabled: true},
			protocol.MethodAttrReport: {Count: 1, Enabled: true},
			protocol.MethodAttrRead:   {},
		},
	}})

	p, ok := client.last("z/plug/protocol")
	if !ok {
		t.Fatal("protocol state not published")
	}
	want := `{"classification":"hybrid","methods":["attr_report","dp_report"]}`
	if string(p.payload) != want {
		t.Errorf("payload = %s, want %s", p.payload, want)
	}
}

func TestBridgeHandleSet(t *testing.T) {
	_, client, coord := startBridge(t, Config{TopicPrefix: "z"})

	client.deliver("z/+/set", "z/trv/set", []byte(`{"target_temperature":21.5,"onoff":"on"}`))
	client.deliver("z/+/set", "z/bridge/set", []byte(`{"onoff":true}`))
	client.deliver("z/+/set", "z/trv/set", []byte(`{`))

	if len(coord.sent) != 2 {
		t.Fatalf("sent = %+v, want 2", coord.sent)
	}
	if coord.sent[0] != (sent{"trv", "onoff", "on"}) || coord.sent[1] != (sent{"trv", "target_temperature", 21.5}) {
		t.Errorf("sent = %+v", coord.sent)
	}

	// A failing command does not stop the remaining ones.
	coord.sent = nil
	coord.err = errors.New("no transport")
	client.deliver("z/+/set", "z/trv/set", []byte(`{"a":1,"b":2}`))
	if len(coord.sent) != 2 {
		t.Errorf("sent = %+v, want 2", coord.sent)
	}
}

func TestSetTopicDevice(t *testing.T) {
	b := newBridge(newStubClient(), newStubController(), Config{TopicPrefix: "z"}, testLogger())
	tests := []struct {
		topic string
		id    string
		ok    bool
	}{
		{"z/plug/set", "plug", true},
		{"z/0x00158d0001a2b3c4/set", "0x00158d0001a2b3c4", true},
		{"z/bridge/set", "", false},
		{"z//set", "", false},
		{"z/plug/state", "", false},
		{"other/plug/set", "", false},
	}
	for _, tt := range tests {
		id, ok := b.setTopicDevice(tt.topic)
		if id != tt.id || ok != tt.ok {
			t.Errorf("setTopicDevice(%q) = %q, %v; want %q, %v", tt.topic, id, ok, tt.id, tt.ok)
		}
	}
}

func TestBridgeDiscoveryLifecycle(t *testing.T) {
	client := newStubClient()
	coord := newStubController()
	coord.devices["plug"] = coordinator.DeviceInfo{
		Device:       &store.Device{ID: "plug", Vendor: "_TZ3000_okaz9tjs", Model: "TS011F", FriendlyName: "Kettle"},
		Capabilities: []string{"onoff", "power"},
	}
	b := newBridge(client, coord, Config{TopicPrefix: "z", Discovery: true}, testLogger())
	b.Start()
	defer b.Stop()

	coord.events.Emit(coordinator.Event{Type: coordinator.EventDeviceJoined, Data: map[string]any{"id": "plug"}})

	sw, ok := client.last("homeassistant/switch/zigbee_plug/onoff/config")
	if !ok {
		t.Fatal("switch discovery missing")
	}
	var payload haDiscovery
	if err := json.Unmarshal(sw.payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.CommandTopic != "z/plug/set" || payload.PayloadOn != `{"onoff":true}` || payload.Name != "Kettle Onoff" {
		t.Errorf("switch = %+v", payload)
	}
	if _, ok := client.last("homeassistant/sensor/zigbee_plug/power/config"); !ok {
		t.Error("power sensor discovery missing")
	}

	coord.events.Emit(coordinator.Event{Type: coordinator.EventDeviceLeft, Data: map[string]any{"id": "plug"}})
	if p, _ := client.last("homeassistant/switch/zigbee_plug/onoff/config"); len(p.payload) != 0 {
		t.Errorf("switch discovery not removed: %s", p.payload)
	}
	if p, ok := client.last("z/plug"); !ok || len(p.payload) != 0 {
		t.Error("state topic not cleared")
	}
}

func TestBuildDiscoverySensor(t *testing.T) {
	dev := coordinator.DeviceInfo{
		Device:       &store.Device{ID: "trv", Vendor: "_TZE200_ckud7u2l", Model: "TS0601"},
		Capabilities: []string{"local_temperature", "valve_position"},
	}
	msgs := buildDiscovery(dev, "z")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	var temp haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &temp); err != nil {
		t.Fatal(err)
	}
	if temp.DeviceClass != "temperature" || temp.UnitOfMeasurement != "°C" || temp.ValueTemplate != "{{ value_json.local_temperature }}" {
		t.Errorf("temperature = %+v", temp)
	}
	if temp.Name != "_TZE200_ckud7u2l TS0601 Local Temperature" || temp.AvailabilityTopic != "z/bridge/state" {
		t.Errorf("temperature = %+v", temp)
	}
	if !strings.HasPrefix(msgs[1].Topic, "homeassistant/sensor/zigbee_trv/valve_position") {
		t.Errorf("generic topic = %s", msgs[1].Topic)
	}

	if msgs := buildDiscovery(coordinator.DeviceInfo{Device: &store.Device{ID: "x"}}, "z"); msgs != nil {
		t.Errorf("device without capabilities: %v", msgs)
	}
}
