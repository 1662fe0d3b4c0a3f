//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zigbee-arbiter/internal/protocol"
	"zigbee-arbiter/internal/transport"
)

// Outbound primitive names, used as the last topic segment of <gw>/tx/.
const (
	PrimitiveDataRequest     = "data_request"
	PrimitiveSendCommand     = "send_command"
	PrimitiveSendFrame       = "send_frame"
	PrimitiveWriteAttributes = "write_attributes"
)

// GatewayConfig configures the radio gateway link.
type GatewayConfig struct {
	ClientConfig `yaml:",inline"`
	Topic        string `yaml:"topic"`

	// Unsupported lists primitives the gateway firmware lacks; they fail
	// with transport.ErrUnsupported without touching the broker.
	Unsupported []string `yaml:"unsupported"`
}

// Gateway is a transport.Transport backed by a Zigbee radio gateway that
// speaks JSON over MQTT:
//
//	<topic>/joined  {"id","vendor","model","endpoint"}
//	<topic>/left    {"id"}
//	<topic>/rx      {"device","endpoint","cluster","command","method","encoding","payload"}
//	<topic>/tx/<primitive>
//
// Binary payloads travel hex-encoded. Inbound they are marked with
// "encoding":"hex"; unmarked strings are delivered as text.
type Gateway struct {
	client      pahomqtt.Client
	topic       string
	unsupported map[string]bool
	logger      *slog.Logger

	mu       sync.RWMutex
	handlers transport.Handlers
}

// NewGateway creates an unconnected gateway transport.
func NewGateway(cfg GatewayConfig, logger *slog.Logger) *Gateway {
	g := newGateway(nil, cfg, logger)
	opts := clientOptions(cfg.ClientConfig, "zigbee-arbiter-gw").
		SetOnConnectHandler(g.onConnect).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			g.logger.Warn("gateway connection lost", "err", err)
		})
	g.client = pahomqtt.NewClient(opts)
	return g
}

func newGateway(client pahomqtt.Client, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	topic := cfg.Topic
	if topic == "" {
		topic = "zigbee-gateway"
	}
	unsupported := make(map[string]bool, len(cfg.Unsupported))
	for _, p := range cfg.Unsupported {
		unsupported[p] = true
	}
	return &Gateway{
		client:      client,
		topic:       topic,
		unsupported: unsupported,
		logger:      logger.With("component", "gateway"),
	}
}

// Start installs the handlers and connects. Subscriptions are renewed on
// every reconnect.
func (g *Gateway) Start(_ context.Context, h transport.Handlers) error {
	g.mu.Lock()
	g.handlers = h
	g.mu.Unlock()
	return connect(g.client)
}

// Close disconnects from the broker.
func (g *Gateway) Close() error {
	g.client.Disconnect(1000)
	return nil
}

// Connected reports whether the broker link is up.
func (g *Gateway) Connected() bool {
	return g.client.IsConnectionOpen()
}

func (g *Gateway) onConnect(client pahomqtt.Client) {
	g.logger.Info("gateway connected", "topic", g.topic)
	client.SubscribeMultiple(map[string]byte{
		g.topic + "/joined": 1,
		g.topic + "/left":   1,
		g.topic + "/rx":     1,
	}, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		g.handleMessage(msg.Topic(), msg.Payload())
	})
}

type rxEnvelope struct {
	Device   string          `json:"device"`
	Endpoint uint8           `json:"endpoint"`
	Cluster  uint16          `json:"cluster"`
	Command  uint8           `json:"command"`
	Method   protocol.Method `json:"method,omitempty"`
	Encoding string          `json:"encoding,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// encodingHex marks an rx payload string as hex-encoded bytes.
const encodingHex = "hex"

func (g *Gateway) handleMessage(topic string, payload []byte) {
	g.mu.RLock()
	h := g.handlers
	g.mu.RUnlock()

	switch topic {
	case g.topic + "/joined":
		var evt transport.DeviceJoined
		if err := json.Unmarshal(payload, &evt); err != nil {
			g.logger.Warn("invalid join message", "err", err)
			return
		}
		if h.OnJoined != nil {
			h.OnJoined(evt)
		}
	case g.topic + "/left":
		var evt transport.DeviceLeft
		if err := json.Unmarshal(payload, &evt); err != nil {
			g.logger.Warn("invalid leave message", "err", err)
			return
		}
		if h.OnLeft != nil {
			h.OnLeft(evt)
		}
	case g.topic + "/rx":
		in, err := decodeInbound(payload)
		if err != nil {
			g.logger.Warn("invalid rx message", "err", err)
			return
		}
		if h.OnInbound != nil {
			h.OnInbound(in)
		}
	}
}

// decodeInbound converts an rx envelope. A payload marked hex becomes bytes;
// any other JSON value, strings included, passes through decoded.
func decodeInbound(data []byte) (transport.Inbound, error) {
	var env rxEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return transport.Inbound{}, err
	}
	if env.Device == "" {
		return transport.Inbound{}, fmt.Errorf("missing device")
	}
	in := transport.Inbound{
		Device:   env.Device,
		Endpoint: env.Endpoint,
		Cluster:  env.Cluster,
		Command:  env.Command,
		Method:   env.Method,
	}
	if len(env.Payload) == 0 {
		return in, nil
	}
	switch env.Encoding {
	case "":
	case encodingHex:
		var s string
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return transport.Inbound{}, fmt.Errorf("hex payload must be a string: %w", err)
		}
		raw, err := hex.DecodeString(s)
		if err != nil {
			return transport.Inbound{}, fmt.Errorf("hex payload: %w", err)
		}
		in.Payload = raw
		return in, nil
	default:
		return transport.Inbound{}, fmt.Errorf("unknown payload encoding %q", env.Encoding)
	}
	var v any
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return transport.Inbound{}, fmt.Errorf("payload: %w", err)
	}
	in.Payload = v
	return in, nil
}

type txMessage struct {
	Device     string        `json:"device"`
	Endpoint   uint8         `json:"endpoint"`
	Cluster    uint16        `json:"cluster"`
	Command    *uint8        `json:"command,omitempty"`
	Seq        *uint16       `json:"seq,omitempty"`
	Data       string        `json:"data,omitempty"`
	Attributes []txAttribute `json:"attributes,omitempty"`
}

type txAttribute struct {
	ID    uint16 `json:"id"`
	Type  uint8  `json:"type"`
	Value string `json:"value"`
}

func (g *Gateway) send(ctx context.Context, primitive string, msg txMessage) error {
	if g.unsupported[primitive] {
		return transport.ErrUnsupported
	}
	if !g.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if err := publishWait(ctx, g.client, g.topic+"/tx/"+primitive, false, mustJSON(msg)); err != nil {
		return fmt.Errorf("%s: %w", primitive, err)
	}
	return nil
}

func target(t transport.Target) txMessage {
	return txMessage{Device: t.Device, Endpoint: t.Endpoint, Cluster: t.Cluster}
}

func (g *Gateway) DataRequest(ctx context.Context, t transport.Target, seq uint16, records []byte) error {
	msg := target(t)
	msg.Seq = &seq
	msg.Data = hex.EncodeToString(records)
	return g.send(ctx, PrimitiveDataRequest, msg)
}

func (g *Gateway) SendCommand(ctx context.Context, t transport.Target, command uint8, payload []byte) error {
	msg := target(t)
	msg.Command = &command
	msg.Data = hex.EncodeToString(payload)
	return g.send(ctx, PrimitiveSendCommand, msg)
}

func (g *Gateway) SendFrame(ctx context.Context, t transport.Target, frame []byte) error {
	msg := target(t)
	msg.Data = hex.EncodeToString(frame)
	return g.send(ctx, PrimitiveSendFrame, msg)
}

func (g *Gateway) WriteAttributes(ctx context.Context, t transport.Target, writes []transport.AttributeWrite) error {
	msg := target(t)
	for _, w := range writes {
		msg.Attributes = append(msg.Attributes, txAttribute{ID: w.ID, Type: w.DataType, Value: hex.EncodeToString(w.Value)})
	}
	return g.send(ctx, PrimitiveWriteAttributes, msg)
}
