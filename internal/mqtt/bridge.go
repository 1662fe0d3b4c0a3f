//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zigbee-arbiter/internal/arbiter"
	"zigbee-arbiter/internal/coordinator"
)

const commandTimeout = 10 * time.Second

// Config holds MQTT bridge configuration.
type Config struct {
	ClientConfig `yaml:",inline"`
	TopicPrefix  string `yaml:"topic_prefix"`
	Discovery    bool   `yaml:"discovery"`
}

// Controller is the part of the coordinator the bridge drives.
type Controller interface {
	Events() *coordinator.EventBus
	ListDevices() ([]coordinator.DeviceInfo, error)
	GetDevice(id string) (coordinator.DeviceInfo, error)
	Send(ctx context.Context, id, capability string, value any) error
}

// Bridge publishes capability state to MQTT and forwards /set commands to
// the dispatcher, with optional Home Assistant discovery.
type Bridge struct {
	client    pahomqtt.Client
	coord     Controller
	prefix    string
	discovery bool
	logger    *slog.Logger
	unsubs    []func()
	ctx       context.Context
	cancel    context.CancelFunc

	mu         sync.Mutex
	states     map[string]map[string]any // device -> capability -> value
	discovered map[string][]discoveryMsg
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(nil, coord, cfg, logger)

	opts := clientOptions(cfg.ClientConfig, "zigbee-arbiter").
		SetWill(b.prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	b.client = pahomqtt.NewClient(opts)
	if err := connect(b.client); err != nil {
		b.cancel()
		return nil, err
	}
	return b, nil
}

func newBridge(client pahomqtt.Client, coord Controller, cfg Config, logger *slog.Logger) *Bridge {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "zigbee-arbiter"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client:     client,
		coord:      coord,
		prefix:     prefix,
		discovery:  cfg.Discovery,
		logger:     logger.With("component", "mqtt"),
		ctx:        ctx,
		cancel:     cancel,
		states:     make(map[string]map[string]any),
		discovered: make(map[string][]discoveryMsg),
	}
}

// Start subscribes to coordinator events and begins publishing.
func (b *Bridge) Start() {
	events := b.coord.Events()
	b.unsubs = append(b.unsubs,
		events.On(coordinator.EventCapabilityUpdate, b.handleCapabilityUpdate),
		events.On(coordinator.EventDeviceJoined, b.handleDeviceJoined),
		events.On(coordinator.EventDeviceLeft, b.handleDeviceLeft),
		events.On(coordinator.EventClassification, b.handleClassification),
	)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect(client pahomqtt.Client) {
	b.logger.Info("MQTT connected")
	b.publishBridgeState("online")
	client.Subscribe(b.prefix+"/+/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleSet(msg.Topic(), msg.Payload())
	})
	if b.discovery {
		b.publishAllDiscovery()
	}
}

func (b *Bridge) handleCapabilityUpdate(event coordinator.Event) {
	u, ok := event.Data.(coordinator.CapabilityUpdate)
	if !ok || u.Device == "" {
		return
	}

	b.mu.Lock()
	state, ok := b.states[u.Device]
	if !ok {
		state = make(map[string]any)
		b.states[u.Device] = state
	}
	state[u.Capability] = u.Value
	state["last_seen"] = u.Time.Format(time.RFC3339)
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+u.Device, payload, true)
}

func (b *Bridge) handleDeviceJoined(event coordinator.Event) {
	id := eventDeviceID(event)
	if id == "" || !b.discovery {
		return
	}
	dev, err := b.coord.GetDevice(id)
	if err != nil {
		b.logger.Warn("discovery for unknown device", "device", id, "err", err)
		return
	}
	b.publishDeviceDiscovery(dev)
}

func (b *Bridge) handleDeviceLeft(event coordinator.Event) {
	id := eventDeviceID(event)
	if id == "" {
		return
	}

	b.mu.Lock()
	delete(b.states, id)
	prev := b.discovered[id]
	delete(b.discovered, id)
	b.mu.Unlock()

	for _, msg := range buildRemoveDiscovery(prev) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	// Empty retained payloads clear the state topics.
	b.publish(b.prefix+"/"+id, nil, true)
	b.publish(b.prefix+"/"+id+"/protocol", nil, true)
}

func (b *Bridge) handleClassification(event coordinator.Event) {
	s, ok := event.Data.(arbiter.State)
	if !ok {
		return
	}
	var enabled []string
	for m, st := range s.Methods {
		if st.Enabled {
			enabled = append(enabled, string(m))
		}
	}
	slices.Sort(enabled)
	b.publish(b.prefix+"/"+s.DeviceID+"/protocol", mustJSON(map[string]any{
		"classification": s.Classification.String(),
		"methods":        enabled,
	}), true)
}

func eventDeviceID(event coordinator.Event) string {
	data, ok := event.Data.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := data["id"].(string)
	return id
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.coord.ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		b.publishDeviceDiscovery(dev)
	}
}

func (b *Bridge) publishDeviceDiscovery(dev coordinator.DeviceInfo) {
	msgs := buildDiscovery(dev, b.prefix)
	if len(msgs) == 0 {
		return
	}
	b.mu.Lock()
	b.discovered[dev.ID] = msgs
	b.mu.Unlock()
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "device", dev.ID, "name", deviceDisplayName(dev))
}

// setTopicDevice extracts the device from "<prefix>/<device>/set".
func (b *Bridge) setTopicDevice(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || id == "bridge" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// handleSet sends each {capability: value} pair of a /set payload, in
// capability name order.
func (b *Bridge) handleSet(topic string, payload []byte) {
	id, ok := b.setTopicDevice(topic)
	if !ok {
		return
	}

	var cmd map[string]any
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "device", id, "err", err)
		return
	}

	capabilities := make([]string, 0, len(cmd))
	for c := range cmd {
		capabilities = append(capabilities, c)
	}
	slices.Sort(capabilities)

	for _, capability := range capabilities {
		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		err := b.coord.Send(ctx, id, capability, cmd[capability])
		cancel()
		if err != nil {
			b.logger.Warn("command failed", "device", id, "capability", capability, "err", err)
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
