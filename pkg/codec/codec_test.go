package codec

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

func sampleValues() []*types.VersionedValue {
	point := types.MustParsePointRef("7f6e5d4c-3b2a-4918-8776-655443322110")
	return []*types.VersionedValue{
		{Point: point, Stamp: 1700000000000000000, Version: 1700000000000000005, Value: 42.5},
		{Point: point, Stamp: -5, Version: 1, State: "CALIBRATING", Value: int64(-7)},
		{Point: point, Stamp: 0, Version: 2, Value: nil},
		{Point: point, Stamp: 10, Version: 3, Value: "pump on"},
		{Point: point, Stamp: 11, Version: 4, Value: []byte{0, 1, 2}},
		{Point: point, Stamp: 12, Version: 5, Value: types.Tuple{true, nil, int64(3), types.Tuple{"nested"}}},
		{Point: point, Stamp: 13, Version: 6, Deleted: true},
		{Point: point, Stamp: 14, Version: 7, Value: false},
	}
}

func TestRoundTrip(t *testing.T) {
	compressor, err := NewCompressor(3)
	require.NoError(t, err)
	defer compressor.Close()

	for _, mode := range []Mode{Archive, Snapshot} {
		for _, c := range []*Codec{New(mode), New(mode, WithCompressor(compressor, 16))} {
			for _, v := range sampleValues() {
				key, data, err := c.Encode(v)
				require.NoError(t, err)

				decoded, err := c.Decode(key, data)
				require.NoError(t, err)
				assert.True(t, v.Equal(decoded), "%s: %s decoded as %s", mode, v, decoded)
			}
		}
	}
}

func TestKeyLayout(t *testing.T) {
	v := sampleValues()[0]

	key, data, err := New(Archive).Encode(v)
	require.NoError(t, err)
	assert.Len(t, key, 25)
	assert.Equal(t, byte(0), key[0])
	assert.Equal(t, v.Point[:], key[1:17])
	assert.Equal(t, RawBytes(int64(v.Stamp)), key[17:])
	assert.Equal(t, RawBytes(int64(v.Version)), data[:8])

	key, data, err = New(Snapshot).Encode(v)
	require.NoError(t, err)
	assert.Len(t, key, 17)
	assert.Equal(t, RawBytes(int64(v.Stamp)), data[:8])
	assert.Equal(t, RawBytes(int64(v.Version)), data[8:16])
}

func TestArchiveKeysOrderLikeStamps(t *testing.T) {
	c := New(Archive)
	point := types.NewPointRef()
	stamps := []types.Stamp{types.EndOfTime, 5, -1, 0, types.BeginningOfTime, 1 << 40, -(1 << 40), 6}

	keys := make([][]byte, len(stamps))
	for i, s := range stamps {
		keys[i] = c.Key(point, s)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	for i, key := range keys {
		_, tomb, stamp, err := c.DecodeKey(key)
		require.NoError(t, err)
		assert.False(t, tomb)
		assert.Equal(t, stamps[i], stamp)
	}
}

func TestAnyPointRefVariant(t *testing.T) {
	points := []types.PointRef{
		// NCS variant (0xxxxxxx)
		types.MustParsePointRef("00000000-0000-0000-0000-000000000001"),
		// Microsoft variant (110xxxxx)
		types.MustParsePointRef("6ba7b810-9dad-11d1-c234-00c04fd430c8"),
		// Future variant (111xxxxx)
		types.MustParsePointRef("6ba7b810-9dad-11d1-f234-00c04fd430c8"),
		// The live point that used to share keys with the NCS tombstone.
		types.MustParsePointRef("00000000-0000-0000-4000-000000000001"),
	}

	for _, mode := range []Mode{Archive, Snapshot} {
		c := New(mode)
		seen := make(map[string]string)
		for _, point := range points {
			for _, deleted := range []bool{false, true} {
				v := &types.VersionedValue{Point: point, Stamp: 7, Version: 9, Deleted: deleted}
				if !deleted {
					v.Value = 1.5
				}
				key, data, err := c.Encode(v)
				require.NoError(t, err)

				name := v.String()
				if other, ok := seen[string(key)]; ok {
					t.Fatalf("%s: %s and %s share a key", mode, name, other)
				}
				seen[string(key)] = name

				decoded, err := c.Decode(key, data)
				require.NoError(t, err)
				assert.Equal(t, point, decoded.Point, mode)
				assert.Equal(t, deleted, decoded.Deleted, mode)
				assert.Equal(t, deleted, c.IsDeleted(key, data), mode)

				got, ok := KeyPoint(key)
				require.True(t, ok)
				assert.Equal(t, point, got)
			}
		}
	}
}

func TestVersionKeyIsDataPrefix(t *testing.T) {
	c := New(Archive)
	_, data, err := c.Encode(sampleValues()[0])
	require.NoError(t, err)

	versionKey, err := c.VersionKey(data)
	require.NoError(t, err)
	assert.Equal(t, data[:8], versionKey)
	assert.Equal(t, int64(sampleValues()[0].Version), Raw(versionKey))
}

func TestIsDeleted(t *testing.T) {
	for _, mode := range []Mode{Archive, Snapshot} {
		c := New(mode)
		values := sampleValues()

		key, data, err := c.Encode(values[6])
		require.NoError(t, err)
		assert.True(t, c.IsDeleted(key, data), mode)

		// A null value is not a tombstone: its key is in the live space.
		key, data, err = c.Encode(values[2])
		require.NoError(t, err)
		assert.False(t, c.IsDeleted(key, data), mode)
	}
}

func TestDecodeReportsCorruption(t *testing.T) {
	c := New(Archive)
	key, data, err := c.Encode(sampleValues()[3])
	require.NoError(t, err)

	tests := []struct {
		name string
		key  []byte
		data []byte
	}{
		{"truncated value", key, data[:len(data)-2]},
		{"trailing bytes", key, append(append([]byte{}, data...), 0xAA)},
		{"missing version", key, data[:4]},
		{"short key", key[:20], data},
		{"unknown key kind", append([]byte{0x7f}, key[1:]...), data},
		{"state longer than row", key, append(append([]byte{}, data[:8]...), 0x7f)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.key, tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, storeerr.ErrCorruption))
		})
	}
}

func TestLargeValuesAreCompressed(t *testing.T) {
	compressor, err := NewCompressor(1)
	require.NoError(t, err)
	defer compressor.Close()

	v := &types.VersionedValue{Point: types.NewPointRef(), Stamp: 1, Version: 1, Value: strings.Repeat("abc", 1000)}

	_, plain, err := New(Archive).Encode(v)
	require.NoError(t, err)
	c := New(Archive, WithCompressor(compressor, 64))
	key, packed, err := c.Encode(v)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(plain))

	decoded, err := c.Decode(key, packed)
	require.NoError(t, err)
	assert.Equal(t, v.Value, decoded.Value)

	// A codec without a compressor cannot read the packed row.
	_, err = New(Archive).Decode(key, packed)
	assert.True(t, errors.Is(err, storeerr.ErrCorruption))
}
