package types

import (
	"bytes"
	"fmt"
	"math"
)

// Tuple is an ordered group of scalar values.
type Tuple []any

// NormalizeValue maps a Go value onto the closed set of value types the
// store persists: nil, bool, int64, float64, string, []byte and Tuple.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int64, float64, string, []byte:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("unsigned value %d overflows int64", x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("unsigned value %d overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case Tuple:
		return normalizeTuple(x)
	case []any:
		return normalizeTuple(x)
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func normalizeTuple(items []any) (Tuple, error) {
	out := make(Tuple, len(items))
	for i, item := range items {
		n, err := NormalizeValue(item)
		if err != nil {
			return nil, fmt.Errorf("tuple item %d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

// ValuesEqual compares two normalized values.
func ValuesEqual(a, b any) bool {
	switch x := a.(type) {
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case Tuple:
		y, ok := b.(Tuple)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !ValuesEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case float64:
		y, ok := b.(float64)
		return ok && (x == y || (math.IsNaN(x) && math.IsNaN(y)))
	default:
		return a == b
	}
}

// Equal compares every persisted field of two values.
func (v *VersionedValue) Equal(o *VersionedValue) bool {
	if v == nil || o == nil {
		return v == o
	}
	return v.Point == o.Point &&
		v.Stamp == o.Stamp &&
		v.Version == o.Version &&
		v.State == o.State &&
		v.Deleted == o.Deleted &&
		ValuesEqual(v.Value, o.Value)
}
