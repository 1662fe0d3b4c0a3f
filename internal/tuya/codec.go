// Package tuya encodes and decodes Data Point (DP) frames carried in the
// manufacturer-specific cluster 0xEF00.
//
// Frame layout (all multi-byte fields big-endian):
//
//	status(1) seq(1) dp_id(1) kind(1) length(2) payload(length)
//
// The native cluster report body is a 2-byte sequence followed by
// back-to-back dp_id/kind/length/payload records; see DecodeReport.
package tuya

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Cluster is the manufacturer-specific cluster that tunnels DP frames.
const Cluster uint16 = 0xEF00

// Commands on cluster 0xEF00.
const (
	CmdDataRequest  uint8 = 0x00
	CmdDataResponse uint8 = 0x01
	CmdDataReport   uint8 = 0x02
	CmdDataQuery    uint8 = 0x03
	CmdActiveStatus uint8 = 0x06
)

const (
	headerLen = 6 // status, seq, id, kind, len(2)
	recordLen = 4 // id, kind, len(2)
)

var (
	// ErrTruncatedFrame is returned when a buffer ends before the declared payload.
	ErrTruncatedFrame = errors.New("tuya: truncated frame")
	// ErrUnknownKind is returned by ParseKind for kind bytes outside the defined set.
	// Decode never surfaces it; unknown kinds decode as Raw.
	ErrUnknownKind = errors.New("tuya: unknown kind")
	// ErrValueType is returned by Encode when a value cannot be represented by a kind.
	ErrValueType = errors.New("tuya: value does not fit kind")
)

// Kind is the DP type tag.
type Kind uint8

const (
	KindRaw    Kind = 0x00
	KindBool   Kind = 0x01
	KindValue  Kind = 0x02
	KindString Kind = 0x03
	KindEnum   Kind = 0x04
	KindBitmap Kind = 0x05
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindBool:
		return "bool"
	case KindValue:
		return "value"
	case KindString:
		return "string"
	case KindEnum:
		return "enum"
	case KindBitmap:
		return "bitmap"
	default:
		return fmt.Sprintf("kind(0x%02X)", uint8(k))
	}
}

// ParseKind converts a kind byte, failing for values outside the defined set.
func ParseKind(b byte) (Kind, error) {
	if b > byte(KindBitmap) {
		return KindRaw, fmt.Errorf("%w: 0x%02X", ErrUnknownKind, b)
	}
	return Kind(b), nil
}

// KindByName maps the lowercase kind names used in device definitions.
func KindByName(name string) (Kind, bool) {
	switch name {
	case "raw":
		return KindRaw, true
	case "bool":
		return KindBool, true
	case "value", "number":
		return KindValue, true
	case "string":
		return KindString, true
	case "enum":
		return KindEnum, true
	case "bitmap":
		return KindBitmap, true
	}
	return KindRaw, false
}

// Header carries the two leading bytes of a frame.
type Header struct {
	Status uint8
	Seq    uint8
}

// Frame is one decoded Data Point.
type Frame struct {
	ID      uint8
	Kind    Kind
	Payload []byte
	// WireKind is the kind byte as received; differs from Kind when an
	// unknown kind was decoded as Raw.
	WireKind uint8
}

// Decode parses a single frame from the start of buf.
func Decode(buf []byte) (Frame, error) {
	f, _, err := decodeOne(buf)
	return f, err
}

func decodeOne(buf []byte) (Frame, int, error) {
	if len(buf) < headerLen {
		return Frame{}, 0, fmt.Errorf("%w: %d bytes, need %d for header", ErrTruncatedFrame, len(buf), headerLen)
	}
	f, n, err := decodeRecord(buf[2:])
	if err != nil {
		return Frame{}, 0, err
	}
	return f, 2 + n, nil
}

// decodeRecord parses id/kind/len/payload and returns the bytes consumed.
func decodeRecord(buf []byte) (Frame, int, error) {
	if len(buf) < recordLen {
		return Frame{}, 0, fmt.Errorf("%w: %d bytes, need %d for record", ErrTruncatedFrame, len(buf), recordLen)
	}
	id := buf[0]
	wire := buf[1]
	n := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf)-recordLen < n {
		return Frame{}, 0, fmt.Errorf("%w: dp %d declares %d bytes, have %d", ErrTruncatedFrame, id, n, len(buf)-recordLen)
	}
	kind, err := ParseKind(wire)
	if err != nil {
		kind = KindRaw
	}
	payload := make([]byte, n)
	copy(payload, buf[recordLen:recordLen+n])
	return Frame{ID: id, Kind: kind, Payload: payload, WireKind: wire}, recordLen + n, nil
}

// DecodeMulti parses back-to-back frames. A trailing partial frame is
// discarded without error.
func DecodeMulti(buf []byte) []Frame {
	frames, _ := decodeMulti(buf)
	return frames
}

func decodeMulti(buf []byte) ([]Frame, int) {
	var frames []Frame
	used := 0
	for used < len(buf) {
		f, n, err := decodeOne(buf[used:])
		if err != nil {
			break
		}
		frames = append(frames, f)
		used += n
	}
	return frames, used
}

// DecodeReport parses the body of a 0xEF00 report or response command:
// a 2-byte sequence followed by back-to-back records. The sequence is
// returned alongside the records; a trailing partial record is discarded.
func DecodeReport(payload []byte) (uint16, []Frame) {
	seq, frames, _ := decodeReport(payload)
	return seq, frames
}

func decodeReport(payload []byte) (uint16, []Frame, int) {
	if len(payload) < 2 {
		return 0, nil, 0
	}
	seq := binary.BigEndian.Uint16(payload[:2])
	var frames []Frame
	used := 2
	for used < len(payload) {
		f, n, err := decodeRecord(payload[used:])
		if err != nil {
			break
		}
		frames = append(frames, f)
		used += n
	}
	return seq, frames, used
}

// DecodeAny parses buf as either a report body or concatenated frames.
// For a single DP both layouts are byte-identical. Otherwise the reading
// that consumes the whole buffer wins, then the one with more frames;
// remaining ties go to the report body.
func DecodeAny(buf []byte) []Frame {
	_, report, reportUsed := decodeReport(buf)
	multi, multiUsed := decodeMulti(buf)
	reportFull := len(report) > 0 && reportUsed == len(buf)
	multiFull := len(multi) > 0 && multiUsed == len(buf)
	switch {
	case multiFull && !reportFull:
		return multi
	case reportFull && !multiFull:
		return report
	case len(multi) > len(report):
		return multi
	default:
		return report
	}
}

// Encode builds a frame with a zero header.
func Encode(id uint8, kind Kind, value any) ([]byte, error) {
	payload, err := EncodePayload(kind, value)
	if err != nil {
		return nil, fmt.Errorf("encode dp %d: %w", id, err)
	}
	return EncodeFrame(Frame{ID: id, Kind: kind, Payload: payload}, Header{}), nil
}

// EncodeFrame serializes a frame with the given header.
func EncodeFrame(f Frame, h Header) []byte {
	buf := make([]byte, headerLen+len(f.Payload))
	buf[0] = h.Status
	buf[1] = h.Seq
	buf[2] = f.ID
	buf[3] = byte(f.Kind)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(f.Payload)))
	copy(buf[headerLen:], f.Payload)
	return buf
}

// EncodePayload converts a Go value into the payload bytes for kind.
// Ranges are not validated; integers are truncated to the kind's width.
func EncodePayload(kind Kind, value any) ([]byte, error) {
	switch kind {
	case KindBool:
		b, ok := boolOf(value)
		if !ok {
			return nil, fmt.Errorf("%w: %T as bool", ErrValueType, value)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case KindValue:
		n, ok := intOf(value)
		if !ok {
			return nil, fmt.Errorf("%w: %T as value", ErrValueType, value)
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(int32(n)))
		return out, nil
	case KindEnum:
		n, ok := intOf(value)
		if !ok {
			return nil, fmt.Errorf("%w: %T as enum", ErrValueType, value)
		}
		return []byte{byte(n)}, nil
	case KindString:
		switch v := value.(type) {
		case string:
			return []byte(v), nil
		case []byte:
			return append([]byte(nil), v...), nil
		}
		return nil, fmt.Errorf("%w: %T as string", ErrValueType, value)
	case KindBitmap:
		if b, ok := value.([]byte); ok {
			return append([]byte(nil), b...), nil
		}
		n, ok := intOf(value)
		if !ok {
			return nil, fmt.Errorf("%w: %T as bitmap", ErrValueType, value)
		}
		u := uint64(n)
		switch {
		case u <= math.MaxUint8:
			return []byte{byte(u)}, nil
		case u <= math.MaxUint16:
			return binary.BigEndian.AppendUint16(nil, uint16(u)), nil
		default:
			return binary.BigEndian.AppendUint32(nil, uint32(u)), nil
		}
	default:
		switch v := value.(type) {
		case []byte:
			return append([]byte(nil), v...), nil
		case string:
			return []byte(v), nil
		}
		return nil, fmt.Errorf("%w: %T as raw", ErrValueType, value)
	}
}

// Value interprets the payload according to the frame kind.
func (f Frame) Value() any {
	switch f.Kind {
	case KindBool:
		return len(f.Payload) > 0 && f.Payload[0] != 0
	case KindValue:
		return signedBE(f.Payload)
	case KindEnum:
		if len(f.Payload) == 0 {
			return int64(0)
		}
		return int64(f.Payload[0])
	case KindBitmap:
		var u uint64
		for _, b := range f.Payload {
			u = u<<8 | uint64(b)
		}
		return u
	case KindString:
		return string(f.Payload)
	default:
		return append([]byte(nil), f.Payload...)
	}
}

// signedBE reads a big-endian two's complement integer of up to 8 bytes.
func signedBE(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	if len(b) > 8 {
		b = b[len(b)-8:]
	}
	var u uint64
	for _, x := range b {
		u = u<<8 | uint64(x)
	}
	shift := uint(64 - 8*len(b))
	return int64(u<<shift) >> shift
}

func boolOf(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	}
	if n, ok := intOf(v); ok {
		return n != 0, true
	}
	return false, false
}

func intOf(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
