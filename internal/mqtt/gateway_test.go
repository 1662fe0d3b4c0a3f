//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"zigbee-arbiter/internal/protocol"
	"zigbee-arbiter/internal/transport"
)

type recorder struct {
	joined  []transport.DeviceJoined
	left    []transport.DeviceLeft
	inbound []transport.Inbound
}

func (r *recorder) handlers() transport.Handlers {
	return transport.Handlers{
		OnJoined:  func(e transport.DeviceJoined) { r.joined = append(r.joined, e) },
		OnLeft:    func(e transport.DeviceLeft) { r.left = append(r.left, e) },
		OnInbound: func(in transport.Inbound) { r.inbound = append(r.inbound, in) },
	}
}

func startGateway(t *testing.T, cfg GatewayConfig) (*Gateway, *stubClient, *recorder) {
	t.Helper()
	client := newStubClient()
	g := newGateway(client, cfg, testLogger())
	rec := &recorder{}
	if err := g.Start(context.Background(), rec.handlers()); err != nil {
		t.Fatal(err)
	}
	g.onConnect(client)
	return g, client, rec
}

func TestGatewayInbound(t *testing.T) {
	_, client, rec := startGateway(t, GatewayConfig{Topic: "gw"})

	client.deliver("gw/joined", "gw/joined", []byte(`{"id":"0xa4c1","vendor":"_TZE200_ckud7u2l","model":"TS0601","endpoint":1}`))
	client.deliver("gw/rx", "gw/rx", []byte(`{"device":"0xa4c1","endpoint":1,"cluster":61184,"command":2,"encoding":"hex","payload":"0001020400040000000a"}`))
	client.deliver("gw/rx", "gw/rx", []byte(`{"device":"0xa4c1","method":"dp_report","payload":{"dp":1,"data":true}}`))
	client.deliver("gw/rx", "gw/rx", []byte(`{"payload":"00","encoding":"hex"}`))
	client.deliver("gw/rx", "gw/rx", []byte(`{"device":"0xa4c1","encoding":"hex","payload":"zz"}`))
	client.deliver("gw/rx", "gw/rx", []byte(`not json`))
	client.deliver("gw/left", "gw/left", []byte(`{"id":"0xa4c1"}`))

	if len(rec.joined) != 1 || rec.joined[0].Model != "TS0601" || rec.joined[0].Endpoint != 1 {
		t.Errorf("joined = %+v", rec.joined)
	}
	if len(rec.left) != 1 || rec.left[0].ID != "0xa4c1" {
		t.Errorf("left = %+v", rec.left)
	}
	if len(rec.inbound) != 2 {
		t.Fatalf("inbound = %+v, want 2", rec.inbound)
	}
	raw, ok := rec.inbound[0].Payload.([]byte)
	if !ok || len(raw) != 10 || rec.inbound[0].Cluster != 0xEF00 || rec.inbound[0].Command != 2 {
		t.Errorf("hex inbound = %+v", rec.inbound[0])
	}
	obj, ok := rec.inbound[1].Payload.(map[string]any)
	if !ok || obj["data"] != true || rec.inbound[1].Method != protocol.MethodDPReport {
		t.Errorf("object inbound = %+v", rec.inbound[1])
	}
}

func TestDecodeInboundStringPayload(t *testing.T) {
	// Text that happens to be valid hex stays text without the hex marker.
	for _, text := range []string{"not-hex", "10", "ab", "00"} {
		in, err := decodeInbound([]byte(`{"device":"d","payload":"` + text + `"}`))
		if err != nil {
			t.Fatal(err)
		}
		if in.Payload != text {
			t.Errorf("payload = %#v, want string %q", in.Payload, text)
		}
	}

	in, err := decodeInbound([]byte(`{"device":"d","encoding":"hex","payload":"10"}`))
	if err != nil {
		t.Fatal(err)
	}
	if raw, ok := in.Payload.([]byte); !ok || len(raw) != 1 || raw[0] != 0x10 {
		t.Errorf("hex payload = %#v, want [0x10]", in.Payload)
	}
	for _, bad := range []string{
		`{"device":"d","encoding":"hex","payload":{"a":1}}`,
		`{"device":"d","encoding":"base64","payload":"EA=="}`,
	} {
		if _, err := decodeInbound([]byte(bad)); err == nil {
			t.Errorf("%s accepted", bad)
		}
	}

	in, err = decodeInbound([]byte(`{"device":"d"}`))
	if err != nil || in.Payload != nil {
		t.Errorf("no payload: %+v, %v", in, err)
	}
}

func TestGatewayOutbound(t *testing.T) {
	g, client, _ := startGateway(t, GatewayConfig{Topic: "gw"})
	target := transport.Target{Device: "0xa4c1", Endpoint: 1, Cluster: 0xEF00}
	ctx := context.Background()

	if err := g.DataRequest(ctx, target, 7, []byte{0x01, 0x01, 0x00, 0x01, 0x01}); err != nil {
		t.Fatal(err)
	}
	p, ok := client.last("gw/tx/data_request")
	if !ok {
		t.Fatal("data_request not published")
	}
	var msg map[string]any
	if err := json.Unmarshal(p.payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg["device"] != "0xa4c1" || msg["seq"] != 7.0 || msg["data"] != "0101000101" || msg["cluster"] != 61184.0 {
		t.Errorf("data_request = %v", msg)
	}
	if _, has := msg["command"]; has {
		t.Error("data_request must not carry a command")
	}

	err := g.WriteAttributes(ctx, transport.Target{Device: "plug", Endpoint: 1, Cluster: 0x0008},
		[]transport.AttributeWrite{{ID: 0x0000, DataType: 0x20, Value: []byte{0x80}}})
	if err != nil {
		t.Fatal(err)
	}
	p, _ = client.last("gw/tx/write_attributes")
	var wmsg txMessage
	if err := json.Unmarshal(p.payload, &wmsg); err != nil {
		t.Fatal(err)
	}
	if len(wmsg.Attributes) != 1 || wmsg.Attributes[0].Value != "80" || wmsg.Attributes[0].Type != 0x20 {
		t.Errorf("write_attributes = %+v", wmsg)
	}

	if err := g.SendCommand(ctx, target, 0x00, nil); err != nil {
		t.Fatal(err)
	}
	p, _ = client.last("gw/tx/send_command")
	if err := json.Unmarshal(p.payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg["command"] != 0.0 {
		t.Errorf("send_command = %v, want explicit command 0", msg)
	}
}

func TestGatewayErrors(t *testing.T) {
	g, client, _ := startGateway(t, GatewayConfig{Topic: "gw", Unsupported: []string{PrimitiveSendFrame}})
	target := transport.Target{Device: "d", Cluster: 0xEF00}
	ctx := context.Background()

	if err := g.SendFrame(ctx, target, []byte{0x00}); !errors.Is(err, transport.ErrUnsupported) {
		t.Errorf("unsupported err = %v", err)
	}

	client.publishErr = errors.New("broker rejected")
	if err := g.SendCommand(ctx, target, 0x00, nil); err == nil {
		t.Error("publish error not returned")
	}

	client.open = false
	if g.Connected() {
		t.Error("Connected() = true with closed link")
	}
	if err := g.DataRequest(ctx, target, 1, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected err = %v", err)
	}
}
