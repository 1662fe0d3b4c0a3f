// Package zcl implements the subset of the Zigbee Cluster Library value
// encoding that the standard dialect path needs: decoding reported
// attribute values and encoding attribute writes.
package zcl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ZCL data type IDs
const (
	TypeNoData   uint8 = 0x00
	TypeBool     uint8 = 0x10
	TypeBitmap8  uint8 = 0x18
	TypeBitmap16 uint8 = 0x19
	TypeBitmap32 uint8 = 0x1B
	TypeUint8    uint8 = 0x20
	TypeUint16   uint8 = 0x21
	TypeUint24   uint8 = 0x22
	TypeUint32   uint8 = 0x23
	TypeInt8     uint8 = 0x28
	TypeInt16    uint8 = 0x29
	TypeInt24    uint8 = 0x2A
	TypeInt32    uint8 = 0x2B
	TypeEnum8    uint8 = 0x30
	TypeEnum16   uint8 = 0x31
	TypeFloat32  uint8 = 0x39
	TypeOctetStr uint8 = 0x41
	TypeCharStr  uint8 = 0x42
)

// ErrUnsupportedType is returned for type IDs outside the supported subset.
var ErrUnsupportedType = errors.New("zcl: unsupported type")

var typeNames = map[uint8]string{
	TypeNoData:   "nodata",
	TypeBool:     "bool",
	TypeBitmap8:  "map8",
	TypeBitmap16: "map16",
	TypeBitmap32: "map32",
	TypeUint8:    "uint8",
	TypeUint16:   "uint16",
	TypeUint24:   "uint24",
	TypeUint32:   "uint32",
	TypeInt8:     "int8",
	TypeInt16:    "int16",
	TypeInt24:    "int24",
	TypeInt32:    "int32",
	TypeEnum8:    "enum8",
	TypeEnum16:   "enum16",
	TypeFloat32:  "float32",
	TypeOctetStr: "octstr",
	TypeCharStr:  "string",
}

// TypeName returns a short name for a type ID.
func TypeName(typeID uint8) string {
	if n, ok := typeNames[typeID]; ok {
		return n
	}
	return fmt.Sprintf("0x%02X", typeID)
}

// TypeByName is the inverse of TypeName for supported types.
func TypeByName(name string) (uint8, bool) {
	for id, n := range typeNames {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

// fixedSize returns the wire size of fixed-length types, -1 for strings.
func fixedSize(typeID uint8) (int, error) {
	switch typeID {
	case TypeNoData:
		return 0, nil
	case TypeBool, TypeBitmap8, TypeUint8, TypeInt8, TypeEnum8:
		return 1, nil
	case TypeBitmap16, TypeUint16, TypeInt16, TypeEnum16:
		return 2, nil
	case TypeUint24, TypeInt24:
		return 3, nil
	case TypeBitmap32, TypeUint32, TypeInt32, TypeFloat32:
		return 4, nil
	case TypeOctetStr, TypeCharStr:
		return -1, nil
	}
	return 0, fmt.Errorf("%w: 0x%02X", ErrUnsupportedType, typeID)
}

// DecodeValue decodes a little-endian ZCL value, returning the value and
// the number of bytes consumed.
func DecodeValue(typeID uint8, data []byte) (any, int, error) {
	size, err := fixedSize(typeID)
	if err != nil {
		return nil, 0, err
	}
	if size < 0 {
		if len(data) < 1 {
			return nil, 0, fmt.Errorf("zcl: no length byte for %s", TypeName(typeID))
		}
		n := int(data[0])
		if n == 0xFF {
			return nil, 1, nil
		}
		if len(data) < 1+n {
			return nil, 0, fmt.Errorf("zcl: %s truncated: need %d, have %d", TypeName(typeID), n, len(data)-1)
		}
		if typeID == TypeCharStr {
			return string(data[1 : 1+n]), 1 + n, nil
		}
		return append([]byte(nil), data[1:1+n]...), 1 + n, nil
	}
	if len(data) < size {
		return nil, 0, fmt.Errorf("zcl: not enough data for %s: need %d, have %d", TypeName(typeID), size, len(data))
	}

	switch typeID {
	case TypeNoData:
		return nil, 0, nil
	case TypeBool:
		return data[0] != 0, 1, nil
	case TypeUint8, TypeEnum8, TypeBitmap8:
		return data[0], 1, nil
	case TypeUint16, TypeEnum16, TypeBitmap16:
		return binary.LittleEndian.Uint16(data), 2, nil
	case TypeUint24:
		return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16, 3, nil
	case TypeUint32, TypeBitmap32:
		return binary.LittleEndian.Uint32(data), 4, nil
	case TypeInt8:
		return int8(data[0]), 1, nil
	case TypeInt16:
		return int16(binary.LittleEndian.Uint16(data)), 2, nil
	case TypeInt24:
		v := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
		if v&0x800000 != 0 {
			v |= 0xFF000000
		}
		return int32(v), 3, nil
	case TypeInt32:
		return int32(binary.LittleEndian.Uint32(data)), 4, nil
	default: // TypeFloat32
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), 4, nil
	}
}

// EncodeValue encodes a Go value in ZCL wire format. Unlike the DP codec,
// out-of-range values are rejected: the standard types have fixed ranges.
func EncodeValue(typeID uint8, val any) ([]byte, error) {
	switch typeID {
	case TypeBool:
		b, ok := toBool(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to bool", val)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeUint8, TypeEnum8, TypeBitmap8, TypeUint16, TypeEnum16, TypeBitmap16, TypeUint24, TypeUint32, TypeBitmap32:
		size, _ := fixedSize(typeID)
		v, ok := toUint64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, TypeName(typeID))
		}
		if v > 1<<(8*size)-1 {
			return nil, fmt.Errorf("zcl: value %d overflows %s", v, TypeName(typeID))
		}
		return putLE(v, size), nil
	case TypeInt8, TypeInt16, TypeInt24, TypeInt32:
		size, _ := fixedSize(typeID)
		v, ok := toInt64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, TypeName(typeID))
		}
		limit := int64(1) << (8*size - 1)
		if v < -limit || v >= limit {
			return nil, fmt.Errorf("zcl: value %d overflows %s", v, TypeName(typeID))
		}
		return putLE(uint64(v), size), nil
	case TypeFloat32:
		f, ok := toFloat64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to float32", val)
		}
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(f))), nil
	case TypeOctetStr, TypeCharStr:
		var b []byte
		switch v := val.(type) {
		case string:
			b = []byte(v)
		case []byte:
			b = v
		default:
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, TypeName(typeID))
		}
		if len(b) > 254 {
			return nil, fmt.Errorf("zcl: %s too long: %d bytes", TypeName(typeID), len(b))
		}
		return append([]byte{byte(len(b))}, b...), nil
	}
	return nil, fmt.Errorf("%w: 0x%02X", ErrUnsupportedType, typeID)
}

func putLE(v uint64, size int) []byte {
	out := make([]byte, size)
	for i := range size {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, true
	}
	if n, ok := toInt64(v); ok {
		return n != 0, true
	}
	return false, false
}

func toUint64(v any) (uint64, bool) {
	if u, ok := v.(uint64); ok {
		return u, true
	}
	n, ok := toInt64(v)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

func toInt64(v any) (int64, bool) {
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
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
