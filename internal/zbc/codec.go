package zbc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EncodeValue converts a parameter value string into wire bytes for the
// given codec, applying the mapping's linear transform: wire = (v - offset) / scale.
// A zero scale is coerced to 1.
func EncodeValue(value, codec string, scale, offset float64) ([]byte, error) {
	codec = normCodec(codec)
	if codec == "ascii" {
		return append([]byte(value), 0x00), nil
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("zbc: value %q not numeric: %w", value, err)
	}
	if scale == 0 {
		scale = 1
	}
	scaled := (f - offset) / scale

	switch codec {
	case "u8":
		return []byte{byte(int64(math.Round(scaled)))}, nil
	case "u16le":
		return binary.LittleEndian.AppendUint16(nil, uint16(int64(math.Round(scaled)))), nil
	case "u32le":
		return binary.LittleEndian.AppendUint32(nil, uint32(int64(math.Round(scaled)))), nil
	case "i16le":
		return binary.LittleEndian.AppendUint16(nil, uint16(int16(math.Round(scaled)))), nil
	case "i32le":
		return binary.LittleEndian.AppendUint32(nil, uint32(int32(math.Round(scaled)))), nil
	case "f32le":
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(scaled))), nil
	default:
		return nil, fmt.Errorf("zbc: unsupported codec %q", codec)
	}
}

// DecodeValue converts wire bytes into a parameter value string, applying
// value = wire * scale + offset. Integral results render without decimals.
func DecodeValue(data []byte, codec string, scale, offset float64) (string, error) {
	codec = normCodec(codec)
	if codec == "ascii" {
		txt, _, _ := bytes.Cut(data, []byte{0x00})
		return strings.TrimSpace(string(txt)), nil
	}

	if scale == 0 {
		scale = 1
	}

	var raw float64
	switch codec {
	case "u8":
		if len(data) < 1 {
			return "", ErrMessageTruncated
		}
		raw = float64(data[0])
	case "u16le":
		if len(data) < 2 {
			return "", ErrMessageTruncated
		}
		raw = float64(binary.LittleEndian.Uint16(data))
	case "u32le":
		if len(data) < 4 {
			return "", ErrMessageTruncated
		}
		raw = float64(binary.LittleEndian.Uint32(data))
	case "i16le":
		if len(data) < 2 {
			return "", ErrMessageTruncated
		}
		raw = float64(int16(binary.LittleEndian.Uint16(data)))
	case "i32le":
		if len(data) < 4 {
			return "", ErrMessageTruncated
		}
		raw = float64(int32(binary.LittleEndian.Uint32(data)))
	case "f32le":
		if len(data) < 4 {
			return "", ErrMessageTruncated
		}
		raw = float64(math.Float32frombits(binary.LittleEndian.Uint32(data)))
	default:
		return "", fmt.Errorf("zbc: unsupported codec %q", codec)
	}

	v := raw*scale + offset
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return "", fmt.Errorf("zbc: decoded value not finite")
	}
	if math.Abs(v-math.Round(v)) < 1e-9 {
		return strconv.FormatInt(int64(math.Round(v)), 10), nil
	}
	s := strconv.FormatFloat(v, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, "."), nil
}

func normCodec(codec string) string {
	codec = strings.ToLower(strings.TrimSpace(codec))
	switch codec {
	case "", "u16", "uint16":
		return "u16le"
	case "uint8":
		return "u8"
	case "u32", "uint32":
		return "u32le"
	case "i16", "int16":
		return "i16le"
	case "i32", "int32":
		return "i32le"
	case "f32", "float32", "float":
		return "f32le"
	}
	return codec
}
