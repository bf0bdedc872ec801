// Package codec maps versioned point values to and from the key and data
// byte strings kept by the backend.
//
// Archive layout (every stamp of every point is kept):
//
//	key:  kind (1) | point (16) | stamp (8)
//	data: version (8) | state (uvarint length, 0 = absent) | value (uvarint length, 0 = absent)
//
// Snapshot layout (only the latest value of each point is kept):
//
//	key:  kind (1) | point (16)
//	data: stamp (8) | version (8) | state | value
//
// Stamps and versions are written as big-endian unsigned integers with the
// sign bit flipped, so that byte order matches numeric order. The kind byte
// separates live rows from tombstones, so every 128-bit point reference is
// usable as is.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

// Mode selects the storage layout.
type Mode int

const (
	// Archive keeps the full per-stamp history of each point.
	Archive Mode = iota
	// Snapshot keeps only the latest value of each point.
	Snapshot
)

func (m Mode) String() string {
	switch m {
	case Archive:
		return "archive"
	case Snapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// DatabaseName returns the name of the primary database for the mode.
func (m Mode) DatabaseName() string {
	if m == Snapshot {
		return "Snapshot"
	}
	return "Archive"
}

// VersionIndexName is the name of the archive's secondary version index.
const VersionIndexName = "VersionArchive"

const (
	kindSize  = 1
	pointSize = 16
	rawSize   = 8

	kindLive byte = 0x00
	kindTomb byte = 0x01

	// DefaultCompressionThreshold is the encoded value size above which
	// payloads are compressed.
	DefaultCompressionThreshold = 256
)

// Codec encodes values for one storage mode.
type Codec struct {
	mode       Mode
	compressor *Compressor
	threshold  int
}

// Option configures a Codec.
type Option func(*Codec)

// WithCompressor compresses value payloads larger than threshold bytes.
func WithCompressor(c *Compressor, threshold int) Option {
	return func(codec *Codec) {
		codec.compressor = c
		if threshold <= 0 {
			threshold = DefaultCompressionThreshold
		}
		codec.threshold = threshold
	}
}

// New creates a codec for mode.
func New(mode Mode, opts ...Option) *Codec {
	c := &Codec{mode: mode, threshold: DefaultCompressionThreshold}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mode returns the storage mode.
func (c *Codec) Mode() Mode {
	return c.mode
}

// PutRaw writes a stamp or version so that byte order equals numeric order.
func PutRaw(b []byte, raw int64) {
	binary.BigEndian.PutUint64(b, uint64(raw)^(1<<63))
}

// Raw reads a value written by PutRaw.
func Raw(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// RawBytes returns the 8 byte form of a stamp or version.
func RawBytes(raw int64) []byte {
	b := make([]byte, rawSize)
	PutRaw(b, raw)
	return b
}

// PointKey returns the key prefix shared by every live row of a point, or
// by every tombstone row when tomb is set. In snapshot mode it is the whole
// key.
func (c *Codec) PointKey(point types.PointRef, tomb bool) []byte {
	key := make([]byte, kindSize+pointSize)
	key[0] = kindLive
	if tomb {
		key[0] = kindTomb
	}
	copy(key[kindSize:], point[:])
	return key
}

// Key returns the primary key of a live point value.
func (c *Codec) Key(point types.PointRef, stamp types.Stamp) []byte {
	return c.key(point, stamp, false)
}

// TombKey returns the primary key of the tombstone of point at stamp.
func (c *Codec) TombKey(point types.PointRef, stamp types.Stamp) []byte {
	return c.key(point, stamp, true)
}

func (c *Codec) key(point types.PointRef, stamp types.Stamp, tomb bool) []byte {
	prefix := c.PointKey(point, tomb)
	if c.mode == Snapshot {
		return prefix
	}
	key := make([]byte, len(prefix)+rawSize)
	copy(key, prefix)
	PutRaw(key[len(prefix):], int64(stamp))
	return key
}

// ValueKey returns the primary key of v, in the tombstone key space when v
// is deleted.
func (c *Codec) ValueKey(v *types.VersionedValue) []byte {
	return c.key(v.Point, v.Stamp, v.Deleted)
}

// KeyPoint returns the point named by a primary key of either kind.
func KeyPoint(key []byte) (types.PointRef, bool) {
	if len(key) < kindSize+pointSize {
		return types.PointRef{}, false
	}
	return types.PointRef(key[kindSize : kindSize+pointSize]), true
}

// Encode returns the key and data rows of v.
func (c *Codec) Encode(v *types.VersionedValue) (key, data []byte, err error) {
	var value []byte
	if !v.Deleted && v.Value != nil {
		value, err = c.encodeValue(v.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s: %w", v.Point, err)
		}
	}
	state := v.State
	if v.Deleted {
		state = ""
	}

	size := rawSize + binary.MaxVarintLen64*2 + len(state) + len(value)
	if c.mode == Snapshot {
		size += rawSize
	}
	data = make([]byte, 0, size)

	if c.mode == Snapshot {
		data = binary.BigEndian.AppendUint64(data, uint64(v.Stamp)^(1<<63))
	}
	data = binary.BigEndian.AppendUint64(data, uint64(v.Version)^(1<<63))
	data = binary.AppendUvarint(data, uint64(len(state)))
	data = append(data, state...)
	data = binary.AppendUvarint(data, uint64(len(value)))
	data = append(data, value...)

	return c.ValueKey(v), data, nil
}

// Decode rebuilds a value from its rows. A length prefix that does not
// match the bytes present is reported as corruption.
func (c *Codec) Decode(key, data []byte) (*types.VersionedValue, error) {
	v := &types.VersionedValue{}

	point, tomb, stamp, err := c.decodeKey(key)
	if err != nil {
		return nil, err
	}
	v.Point = point
	v.Deleted = tomb
	v.Stamp = stamp

	rest := data
	if c.mode == Snapshot {
		if len(rest) < rawSize {
			return nil, storeerr.Corruption("decode", "snapshot row for %s has %d bytes", v.Point, len(data))
		}
		v.Stamp = types.Stamp(Raw(rest))
		rest = rest[rawSize:]
	}
	if len(rest) < rawSize {
		return nil, storeerr.Corruption("decode", "row for %s has no version", v.Point)
	}
	v.Version = types.Version(Raw(rest))
	rest = rest[rawSize:]

	state, rest, err := readField(rest)
	if err != nil {
		return nil, storeerr.Corruption("decode", "state of %s: %v", v.Point, err)
	}
	v.State = string(state)

	value, rest, err := readField(rest)
	if err != nil {
		return nil, storeerr.Corruption("decode", "value of %s: %v", v.Point, err)
	}
	if len(rest) != 0 {
		return nil, storeerr.Corruption("decode", "row for %s has %d trailing bytes", v.Point, len(rest))
	}
	if len(value) > 0 {
		if v.Value, err = c.decodeValue(value); err != nil {
			return nil, storeerr.Corruption("decode", "value of %s: %v", v.Point, err)
		}
	}

	return v, nil
}

// IsDeleted reports whether the rows hold a tombstone: an absent value
// stored in the tombstone key space.
func (c *Codec) IsDeleted(key, data []byte) bool {
	if len(key) < kindSize+pointSize || key[0] != kindTomb {
		return false
	}
	rest := data
	if c.mode == Snapshot {
		if len(rest) < rawSize {
			return false
		}
		rest = rest[rawSize:]
	}
	if len(rest) < rawSize {
		return false
	}
	_, rest, err := readField(rest[rawSize:])
	if err != nil {
		return false
	}
	value, _, err := readField(rest)
	return err == nil && len(value) == 0
}

// VersionKey extracts the secondary index key from a data row: the version
// prefix of an archive row.
func (c *Codec) VersionKey(data []byte) ([]byte, error) {
	offset := 0
	if c.mode == Snapshot {
		offset = rawSize
	}
	if len(data) < offset+rawSize {
		return nil, storeerr.Corruption("version key", "row has %d bytes", len(data))
	}
	key := make([]byte, rawSize)
	copy(key, data[offset:offset+rawSize])
	return key, nil
}

// DecodeKey splits a primary key into point, tombstone flag and stamp.
// Snapshot keys carry no stamp and report zero.
func (c *Codec) DecodeKey(key []byte) (types.PointRef, bool, types.Stamp, error) {
	return c.decodeKey(key)
}

func (c *Codec) decodeKey(key []byte) (types.PointRef, bool, types.Stamp, error) {
	want := kindSize + pointSize + rawSize
	if c.mode == Snapshot {
		want = kindSize + pointSize
	}
	if len(key) != want {
		return types.PointRef{}, false, 0, storeerr.Corruption("decode", "%s key has %d bytes, want %d", c.mode, len(key), want)
	}
	var tomb bool
	switch key[0] {
	case kindLive:
	case kindTomb:
		tomb = true
	default:
		return types.PointRef{}, false, 0, storeerr.Corruption("decode", "%s key has unknown kind %#x", c.mode, key[0])
	}
	point, _ := KeyPoint(key)
	if c.mode == Snapshot {
		return point, tomb, 0, nil
	}
	return point, tomb, types.Stamp(Raw(key[kindSize+pointSize:])), nil
}

func readField(b []byte) (field, rest []byte, err error) {
	n, size := binary.Uvarint(b)
	if size <= 0 {
		return nil, nil, fmt.Errorf("bad length prefix")
	}
	b = b[size:]
	if n > uint64(len(b)) {
		return nil, nil, fmt.Errorf("length prefix %d exceeds %d remaining bytes", n, len(b))
	}
	return b[:n], b[n:], nil
}
