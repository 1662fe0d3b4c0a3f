// Package transport defines the boundary between the arbitration core and
// whatever delivers application payloads to and from devices.
package transport

import (
	"context"
	"errors"

	"zigbee-arbiter/internal/protocol"
)

// ErrUnsupported is returned by a primitive the transport does not offer.
var ErrUnsupported = errors.New("transport: primitive not supported")

// DeviceJoined announces a device and its identity.
type DeviceJoined struct {
	ID       string `json:"id"`
	Vendor   string `json:"vendor"`
	Model    string `json:"model"`
	Endpoint uint8  `json:"endpoint,omitempty"`
}

// DeviceLeft announces that a device is gone.
type DeviceLeft struct {
	ID string `json:"id"`
}

// Inbound is one application payload received from a device. Payload is
// either raw bytes or an already decoded value (frames, attribute reports,
// or a loosely typed object from a gateway).
type Inbound struct {
	Device   string
	Endpoint uint8
	Cluster  uint16
	Command  uint8
	Method   protocol.Method
	Payload  any
}

// Target addresses an outbound message.
type Target struct {
	Device   string
	Endpoint uint8
	Cluster  uint16
}

// AttributeWrite is one encoded attribute value.
type AttributeWrite struct {
	ID       uint16
	DataType uint8
	Value    []byte
}

// Sender is the outbound half of a transport. The three DP primitives are
// alternative ways drivers have exposed "send a DP frame"; any of them may
// return ErrUnsupported.
type Sender interface {
	// DataRequest sends encoded DP records as a 0xEF00 data request.
	DataRequest(ctx context.Context, t Target, seq uint16, records []byte) error
	// SendCommand sends a cluster-specific command with a raw payload.
	SendCommand(ctx context.Context, t Target, command uint8, payload []byte) error
	// SendFrame sends a complete, already framed DP message.
	SendFrame(ctx context.Context, t Target, frame []byte) error
	// WriteAttributes issues a standard attribute write.
	WriteAttributes(ctx context.Context, t Target, writes []AttributeWrite) error
}

// Handlers receive inbound transport events.
type Handlers struct {
	OnJoined  func(DeviceJoined)
	OnLeft    func(DeviceLeft)
	OnInbound func(Inbound)
}

// Transport is a bidirectional device link.
type Transport interface {
	Sender
	// Start begins delivering events to h.
	Start(ctx context.Context, h Handlers) error
	Close() error
}
