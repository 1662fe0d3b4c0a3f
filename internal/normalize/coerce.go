package normalize

import (
	"strconv"
	"strings"

	"zigbee-arbiter/internal/tuya"
)

var (
	trueTokens  = map[string]bool{"on": true, "true": true, "1": true, "yes": true}
	falseTokens = map[string]bool{"off": true, "false": true, "0": true, "no": true}
)

// Coerce converts a loosely typed inbound value to the most specific scalar
// it represents. Numbers and booleans pass through. Strings are tried as a
// number, a boolean token, then a 0x-prefixed hex integer. Byte buffers of
// length 1, 2 or 4 are read as big-endian unsigned integers; other buffers
// stay bytes. Anything else is returned unchanged.
func Coerce(v any) any {
	switch x := v.(type) {
	case nil, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	case string:
		return coerceString(x)
	case []byte:
		return coerceBytes(x)
	case []any:
		if b, ok := byteSlice(x); ok {
			return coerceBytes(b)
		}
		return v
	}
	return v
}

func coerceString(s string) any {
	t := strings.TrimSpace(s)
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return f
	}
	lower := strings.ToLower(t)
	if trueTokens[lower] {
		return true
	}
	if falseTokens[lower] {
		return false
	}
	if len(lower) > 2 && strings.HasPrefix(lower, "0x") {
		if u, err := strconv.ParseUint(lower[2:], 16, 64); err == nil {
			return int64(u)
		}
	}
	return s
}

func coerceBytes(b []byte) any {
	switch len(b) {
	case 1, 2, 4:
		var u uint64
		for _, x := range b {
			u = u<<8 | uint64(x)
		}
		return int64(u)
	}
	return append([]byte(nil), b...)
}

// byteSlice converts a decoded JSON array of small integers into bytes.
func byteSlice(xs []any) ([]byte, bool) {
	if len(xs) == 0 {
		return nil, false
	}
	out := make([]byte, len(xs))
	for i, x := range xs {
		n, ok := asInt(x)
		if !ok || n < 0 || n > 0xFF {
			return nil, false
		}
		out[i] = byte(n)
	}
	return out, true
}

// conform adjusts a coerced value to the declared DP kind.
func conform(kind tuya.Kind, v any) any {
	switch kind {
	case tuya.KindBool:
		if n, ok := asFloat(v); ok {
			return n != 0
		}
	case tuya.KindValue, tuya.KindEnum:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1)
			}
			return int64(0)
		}
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			return int64(f)
		}
	case tuya.KindString:
		if b, ok := v.([]byte); ok {
			return string(b)
		}
	}
	return v
}

func asInt(v any) (int64, bool) {
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
		if float32(int64(n)) == n {
			return int64(n), true
		}
	case float64:
		if float64(int64(n)) == n {
			return int64(n), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}
