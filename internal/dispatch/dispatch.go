// Package dispatch turns outbound capability intents into transport calls,
// choosing the dialect the arbiter currently prefers for the device.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"zigbee-arbiter/internal/knowledge"
	"zigbee-arbiter/internal/normalize"
	"zigbee-arbiter/internal/protocol"
	"zigbee-arbiter/internal/retry"
	"zigbee-arbiter/internal/transport"
	"zigbee-arbiter/internal/tuya"
	"zigbee-arbiter/internal/zcl"
)

var (
	// ErrNoActiveTransport is returned when no transport is connected.
	ErrNoActiveTransport = errors.New("dispatch: no active transport")
	// ErrAllMethodsFailed wraps the retry.AggregateError of a failed send.
	ErrAllMethodsFailed = errors.New("dispatch: all methods failed")
	// ErrUnknownDevice is returned for subjects the directory does not know.
	ErrUnknownDevice = errors.New("dispatch: unknown device")
	// ErrUnmappedCapability is returned when neither dialect maps the capability.
	ErrUnmappedCapability = errors.New("dispatch: unmapped capability")
)

// Path names reported to Config.OnResult.
const (
	PathDP       = "dp"
	PathStandard = "standard"
)

// Strategy names of the DP send fallback list, in the order they are tried.
const (
	StrategyDataRequest = "data_request"
	StrategySendCommand = "send_command"
	StrategySendFrame   = "send_frame"
)

// Device is what the dispatcher needs to know about a subject.
type Device struct {
	ID         string
	Vendor     string
	Model      string
	Endpoint   uint8
	Definition *knowledge.Definition
}

// Directory resolves subjects to devices.
type Directory interface {
	Device(id string) (Device, bool)
}

// Arbiter reports the preferred dialect of a device.
type Arbiter interface {
	PreferredFamily(id string) protocol.Family
}

// connectivity is implemented by senders that can report link state.
type connectivity interface {
	Connected() bool
}

// Config configures a Dispatcher.
type Config struct {
	Plan retry.Plan
	// OnResult, when set, is called once per Send that reached a transport.
	OnResult func(path string, err error)
}

// Dispatcher sends capability values to devices.
type Dispatcher struct {
	dir    Directory
	arb    Arbiter
	sender transport.Sender
	cfg    Config
	logger *slog.Logger
	seq    atomic.Uint32
}

// New creates a Dispatcher. sender may be nil until a transport is attached.
func New(dir Directory, arb Arbiter, sender transport.Sender, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		dir:    dir,
		arb:    arb,
		sender: sender,
		cfg:    cfg,
		logger: logger.With("component", "dispatch"),
	}
}

// Send writes value to a capability of subject. The arbiter's preferred
// dialect is used unless it has no mapping for the capability, in which
// case the other dialect is tried.
func (d *Dispatcher) Send(ctx context.Context, subject, capability string, value any) error {
	if !d.active() {
		return ErrNoActiveTransport
	}
	dev, ok := d.dir.Device(subject)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, subject)
	}

	dp, hasDP := dev.Definition.DPFor(capability)
	attr, hasAttr := dev.Definition.AttrFor(capability)

	var path string
	switch d.arb.PreferredFamily(subject) {
	case protocol.FamilyDP:
		path = pick(hasDP, hasAttr, PathDP, PathStandard)
	case protocol.FamilyStandard:
		path = pick(hasAttr, hasDP, PathStandard, PathDP)
	default:
		// No evidence yet: a model-specific DP mapping is the stronger hint.
		path = pick(hasDP, hasAttr, PathDP, PathStandard)
	}

	var err error
	switch path {
	case PathDP:
		err = d.sendDP(ctx, dev, dp, value)
	case PathStandard:
		err = d.sendStandard(ctx, dev, attr, value)
	default:
		return fmt.Errorf("%w: %s on %s", ErrUnmappedCapability, capability, subject)
	}

	if d.cfg.OnResult != nil {
		d.cfg.OnResult(path, err)
	}
	if err != nil {
		d.logger.Warn("dispatch failed", "device", subject, "capability", capability, "path", path, "err", err)
		return err
	}
	d.logger.Debug("dispatched", "device", subject, "capability", capability, "path", path, "value", value)
	return nil
}

func (d *Dispatcher) active() bool {
	if d.sender == nil {
		return false
	}
	if c, ok := d.sender.(connectivity); ok {
		return c.Connected()
	}
	return true
}

func pick(first, second bool, a, b string) string {
	switch {
	case first:
		return a
	case second:
		return b
	}
	return ""
}

func (d *Dispatcher) nextSeq() uint16 {
	return uint16(d.seq.Add(1))
}

func (d *Dispatcher) sendDP(ctx context.Context, dev Device, def knowledge.DPDef, value any) error {
	kind := def.TuyaKind()
	if kind != tuya.KindString && kind != tuya.KindRaw {
		value = normalize.Coerce(value)
	}
	payload, err := tuya.EncodePayload(kind, scaleOut(value, def.Scale))
	if err != nil {
		return fmt.Errorf("encode dp %d for %s: %w", def.ID, dev.ID, err)
	}
	seq := d.nextSeq()
	frame := tuya.Frame{ID: def.ID, Kind: kind, Payload: payload}
	// The record form used by data requests is the frame without the
	// status byte and with a two-byte sequence in front.
	wire := tuya.EncodeFrame(frame, tuya.Header{Seq: uint8(seq)})
	records := wire[2:]
	body := append([]byte{byte(seq >> 8), byte(seq)}, records...)

	target := transport.Target{Device: dev.ID, Endpoint: endpoint(dev), Cluster: tuya.Cluster}
	strategies := []retry.Strategy[struct{}]{
		unit(StrategyDataRequest, func(ctx context.Context) error {
			return d.sender.DataRequest(ctx, target, seq, records)
		}),
		unit(StrategySendCommand, func(ctx context.Context) error {
			return d.sender.SendCommand(ctx, target, tuya.CmdDataRequest, body)
		}),
		unit(StrategySendFrame, func(ctx context.Context) error {
			return d.sender.SendFrame(ctx, target, wire)
		}),
	}
	if _, err := retry.Run(ctx, d.cfg.Plan, strategies...); err != nil {
		return fmt.Errorf("%w: dp %d to %s: %w", ErrAllMethodsFailed, def.ID, dev.ID, err)
	}
	return nil
}

func (d *Dispatcher) sendStandard(ctx context.Context, dev Device, def knowledge.AttrDef, value any) error {
	ref := def.Ref()
	target := transport.Target{Device: dev.ID, Endpoint: endpoint(dev), Cluster: ref.Cluster}

	// On/Off state is read-only; it is switched with cluster commands.
	if ref.Cluster == zcl.ClusterOnOff && ref.Attribute == 0x0000 {
		cmd, err := onOffCommand(value)
		if err != nil {
			return fmt.Errorf("encode %s for %s: %w", def.Capability, dev.ID, err)
		}
		_, err = retry.Run(ctx, d.cfg.Plan, unit("on_off_command", func(ctx context.Context) error {
			return d.sender.SendCommand(ctx, target, cmd, nil)
		}))
		if err != nil {
			return fmt.Errorf("%w: %s to %s: %w", ErrAllMethodsFailed, def.Capability, dev.ID, err)
		}
		return nil
	}

	if ref.Type != zcl.TypeCharStr && ref.Type != zcl.TypeOctetStr {
		value = normalize.Coerce(value)
	}
	raw, err := zcl.EncodeValue(ref.Type, scaleOut(value, ref.Scale))
	if err != nil {
		return fmt.Errorf("encode %s for %s: %w", def.Capability, dev.ID, err)
	}
	writes := []transport.AttributeWrite{{ID: ref.Attribute, DataType: ref.Type, Value: raw}}
	_, err = retry.Run(ctx, d.cfg.Plan, unit("write_attributes", func(ctx context.Context) error {
		return d.sender.WriteAttributes(ctx, target, writes)
	}))
	if err != nil {
		return fmt.Errorf("%w: %s to %s: %w", ErrAllMethodsFailed, def.Capability, dev.ID, err)
	}
	return nil
}

// unit adapts a send primitive to a retry strategy. ErrUnsupported is
// permanent: retrying a primitive the transport lacks cannot help.
func unit(name string, fn func(ctx context.Context) error) retry.Strategy[struct{}] {
	return retry.Func(name, func(ctx context.Context) (struct{}, error) {
		err := fn(ctx)
		if errors.Is(err, transport.ErrUnsupported) {
			err = retry.Permanent(err)
		}
		return struct{}{}, err
	})
}

func endpoint(dev Device) uint8 {
	if dev.Endpoint != 0 {
		return dev.Endpoint
	}
	return dev.Definition.CommandEndpoint()
}

// scaleOut multiplies numeric values by scale before encoding.
func scaleOut(v any, scale float64) any {
	if scale == 0 || scale == 1 {
		return v
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	default:
		return v
	}
	return int64(math.Round(f * scale))
}

func onOffCommand(v any) (uint8, error) {
	if s, ok := v.(string); ok && (s == "toggle" || s == "TOGGLE") {
		return 0x02, nil
	}
	switch x := normalize.Coerce(v).(type) {
	case bool:
		return boolCmd(x), nil
	case float64:
		return boolCmd(x != 0), nil
	case int:
		return boolCmd(x != 0), nil
	case int64:
		return boolCmd(x != 0), nil
	}
	return 0, fmt.Errorf("cannot switch with %T %v", v, v)
}

func boolCmd(on bool) uint8 {
	if on {
		return 0x01
	}
	return 0x00
}
