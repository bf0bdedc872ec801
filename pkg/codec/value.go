package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vjranagit/historian/pkg/types"
)

// Value payload tags.
const (
	tagFalse      byte = 0x01
	tagTrue       byte = 0x02
	tagInt        byte = 0x03
	tagFloat      byte = 0x04
	tagString     byte = 0x05
	tagBytes      byte = 0x06
	tagTuple      byte = 0x07
	tagCompressed byte = 0x7f
)

func (c *Codec) encodeValue(v any) ([]byte, error) {
	plain, err := appendValue(nil, v)
	if err != nil {
		return nil, err
	}
	if c.compressor == nil || len(plain) <= c.threshold {
		return plain, nil
	}
	packed := c.compressor.Compress([]byte{tagCompressed}, plain)
	if len(packed) >= len(plain) {
		return plain, nil
	}
	return packed, nil
}

func (c *Codec) decodeValue(b []byte) (any, error) {
	if b[0] == tagCompressed {
		if c.compressor == nil {
			return nil, fmt.Errorf("compressed value without a compressor")
		}
		plain, err := c.compressor.Decompress(nil, b[1:])
		if err != nil {
			return nil, err
		}
		b = plain
	}
	v, rest, err := readValue(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%d bytes after value", len(rest))
	}
	return v, nil
}

func appendValue(dst []byte, v any) ([]byte, error) {
	v, err := types.NormalizeValue(v)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case bool:
		if x {
			return append(dst, tagTrue), nil
		}
		return append(dst, tagFalse), nil
	case int64:
		dst = append(dst, tagInt)
		return binary.BigEndian.AppendUint64(dst, uint64(x)), nil
	case float64:
		dst = append(dst, tagFloat)
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(x)), nil
	case string:
		dst = append(dst, tagString)
		return append(dst, x...), nil
	case []byte:
		dst = append(dst, tagBytes)
		return append(dst, x...), nil
	case types.Tuple:
		dst = append(dst, tagTuple)
		dst = binary.AppendUvarint(dst, uint64(len(x)))
		for _, item := range x {
			if item == nil {
				dst = binary.AppendUvarint(dst, 0)
				continue
			}
			encoded, err := appendValue(nil, item)
			if err != nil {
				return nil, err
			}
			dst = binary.AppendUvarint(dst, uint64(len(encoded)))
			dst = append(dst, encoded...)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// readValue decodes one value. Strings and byte slices take the rest of b,
// which is why tuple items are length prefixed.
func readValue(b []byte) (any, []byte, error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("empty value")
	}
	tag, b := b[0], b[1:]
	switch tag {
	case tagFalse:
		return false, b, nil
	case tagTrue:
		return true, b, nil
	case tagInt, tagFloat:
		if len(b) < 8 {
			return nil, nil, fmt.Errorf("numeric value has %d bytes", len(b))
		}
		bits := binary.BigEndian.Uint64(b)
		if tag == tagInt {
			return int64(bits), b[8:], nil
		}
		return math.Float64frombits(bits), b[8:], nil
	case tagString:
		return string(b), nil, nil
	case tagBytes:
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil, nil
	case tagTuple:
		n, size := binary.Uvarint(b)
		if size <= 0 {
			return nil, nil, fmt.Errorf("bad tuple length")
		}
		b = b[size:]
		if n > uint64(len(b)) {
			return nil, nil, fmt.Errorf("tuple length %d exceeds payload", n)
		}
		tuple := make(types.Tuple, n)
		for i := range tuple {
			item, rest, err := readField(b)
			if err != nil {
				return nil, nil, fmt.Errorf("tuple item %d: %w", i, err)
			}
			b = rest
			if len(item) == 0 {
				continue
			}
			v, tail, err := readValue(item)
			if err != nil {
				return nil, nil, fmt.Errorf("tuple item %d: %w", i, err)
			}
			if len(tail) != 0 {
				return nil, nil, fmt.Errorf("tuple item %d has %d trailing bytes", i, len(tail))
			}
			tuple[i] = v
		}
		return tuple, b, nil
	default:
		return nil, nil, fmt.Errorf("unknown value tag 0x%02x", tag)
	}
}
