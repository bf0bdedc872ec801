package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vjranagit/historian/pkg/storeerr"
)

// MarshalText implements encoding.TextMarshaler
func (p PointRef) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *PointRef) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = PointRef{}
		return nil
	}
	ref, err := ParsePointRef(string(text))
	if err != nil {
		return err
	}
	*p = ref
	return nil
}

// taggedValue keeps the value type across JSON, which would otherwise
// turn every number into a float64.
type taggedValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func encodeTagged(v any) (*taggedValue, error) {
	var (
		tag string
		raw any
	)
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		tag, raw = "bool", x
	case int64:
		tag, raw = "int", x
	case float64:
		tag, raw = "float", x
	case string:
		tag, raw = "string", x
	case []byte:
		tag, raw = "bytes", x
	case Tuple:
		items := make([]*taggedValue, len(x))
		for i, item := range x {
			t, err := encodeTagged(item)
			if err != nil {
				return nil, err
			}
			items[i] = t
		}
		tag, raw = "tuple", items
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return &taggedValue{Type: tag, Value: data}, nil
}

func decodeTagged(t *taggedValue) (any, error) {
	if t == nil {
		return nil, nil
	}
	var err error
	switch t.Type {
	case "bool":
		var x bool
		err = json.Unmarshal(t.Value, &x)
		return x, err
	case "int":
		var x int64
		err = json.Unmarshal(t.Value, &x)
		return x, err
	case "float":
		var x float64
		err = json.Unmarshal(t.Value, &x)
		return x, err
	case "string":
		var x string
		err = json.Unmarshal(t.Value, &x)
		return x, err
	case "bytes":
		var x []byte
		err = json.Unmarshal(t.Value, &x)
		return x, err
	case "tuple":
		var items []*taggedValue
		if err = json.Unmarshal(t.Value, &items); err != nil {
			return nil, err
		}
		out := make(Tuple, len(items))
		for i, item := range items {
			if out[i], err = decodeTagged(item); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", t.Type)
	}
}

type versionedValueJSON struct {
	Point   PointRef     `json:"point"`
	Stamp   Stamp        `json:"stamp"`
	Version Version      `json:"version,omitempty"`
	State   string       `json:"state,omitempty"`
	Value   *taggedValue `json:"value,omitempty"`
	Deleted bool         `json:"deleted,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (v *VersionedValue) MarshalJSON() ([]byte, error) {
	value, err := encodeTagged(v.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(versionedValueJSON{
		Point:   v.Point,
		Stamp:   v.Stamp,
		Version: v.Version,
		State:   v.State,
		Value:   value,
		Deleted: v.Deleted,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (v *VersionedValue) UnmarshalJSON(data []byte) error {
	var raw versionedValueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	value, err := decodeTagged(raw.Value)
	if err != nil {
		return err
	}
	*v = VersionedValue{
		Point:   raw.Point,
		Stamp:   raw.Stamp,
		Version: raw.Version,
		State:   raw.State,
		Value:   value,
		Deleted: raw.Deleted,
	}
	return nil
}

// ErrorJSON is the wire form of a per-item error.
type ErrorJSON struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewErrorJSON converts err for transport; nil stays nil.
func NewErrorJSON(err error) *ErrorJSON {
	if err == nil {
		return nil
	}
	return &ErrorJSON{Kind: storeerr.KindOf(err).String(), Message: err.Error()}
}

// Err rebuilds a classified error; nil stays nil.
func (e *ErrorJSON) Err() error {
	if e == nil {
		return nil
	}
	return storeerr.New(storeerr.ParseKind(e.Kind), "", errors.New(e.Message))
}

type storeValuesJSON struct {
	Query  *StoreValuesQuery `json:"query,omitempty"`
	Values []*VersionedValue `json:"values,omitempty"`
	Count  int64             `json:"count,omitempty"`
	Mark   *VersionedValue   `json:"mark,omitempty"`
	Error  *ErrorJSON        `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (sv *StoreValues) MarshalJSON() ([]byte, error) {
	return json.Marshal(storeValuesJSON{
		Query:  sv.Query,
		Values: sv.Values,
		Count:  sv.Count,
		Mark:   sv.Mark,
		Error:  NewErrorJSON(sv.Err),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (sv *StoreValues) UnmarshalJSON(data []byte) error {
	var raw storeValuesJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*sv = StoreValues{
		Query:  raw.Query,
		Values: raw.Values,
		Count:  raw.Count,
		Mark:   raw.Mark,
		Err:    raw.Error.Err(),
	}
	return nil
}
