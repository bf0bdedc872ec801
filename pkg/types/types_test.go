package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/historian/pkg/storeerr"
)

func TestPointRefAcceptsEveryVariant(t *testing.T) {
	for _, s := range []string{
		"00000000-0000-0000-0000-000000000001",
		"6ba7b810-9dad-11d1-c234-00c04fd430c8",
		"6ba7b810-9dad-11d1-f234-00c04fd430c8",
	} {
		ref, err := ParsePointRef(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, ref.String())
	}
}

func TestParsePointRef(t *testing.T) {
	ref, err := ParsePointRef(" 0b1a4f9e-2f3c-4c8e-9d5e-6a7b8c9d0e1f ")
	require.NoError(t, err)
	assert.Equal(t, "0b1a4f9e-2f3c-4c8e-9d5e-6a7b8c9d0e1f", ref.String())

	_, err = ParsePointRef("not-a-uuid")
	assert.Error(t, err)
}

func TestTimeInterval(t *testing.T) {
	tests := []struct {
		name     string
		interval TimeInterval
		stamp    Stamp
		contains bool
	}{
		{"unbounded", TimeInterval{}, 42, true},
		{"after excludes bound", AfterStamp(42), 42, false},
		{"after", AfterStamp(41), 42, true},
		{"before excludes bound", BeforeStamp(42), 42, false},
		{"at", At(42), 42, true},
		{"at neighbour", At(42), 43, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.contains, tt.interval.Contains(tt.stamp))
		})
	}
}

func TestNormalizeValue(t *testing.T) {
	v, err := NormalizeValue(7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = NormalizeValue([]any{float32(1.5), "x", nil})
	require.NoError(t, err)
	assert.Equal(t, Tuple{1.5, "x", nil}, v)

	_, err = NormalizeValue(struct{}{})
	assert.Error(t, err)

	_, err = NormalizeValue(uint64(1 << 63))
	assert.Error(t, err)
}

func TestVersionedValueJSONKeepsValueTypes(t *testing.T) {
	values := []any{nil, true, int64(12), 12.5, "text", []byte{1, 2, 3}, Tuple{int64(1), "a", Tuple{false}}}

	for _, value := range values {
		in := &VersionedValue{
			Point:   NewPointRef(),
			Stamp:   1700000000000000000,
			Version: 1700000000000000001,
			State:   "OK",
			Value:   value,
		}

		data, err := json.Marshal(in)
		require.NoError(t, err)

		var out VersionedValue
		require.NoError(t, json.Unmarshal(data, &out))
		assert.True(t, in.Equal(&out), "value %#v came back as %#v", value, out.Value)
	}
}

func TestStoreValuesJSONCarriesErrorKind(t *testing.T) {
	in := Failed(&StoreValuesQuery{Point: NewPointRef()}, storeerr.PointUnknown("x"))

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out StoreValues
	require.NoError(t, json.Unmarshal(data, &out))
	require.Error(t, out.Err)
	assert.True(t, errors.Is(out.Err, storeerr.ErrPointUnknown))
	assert.Equal(t, in.Query.Point, out.Query.Point)
}
