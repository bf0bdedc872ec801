package types

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PointRef identifies a time series. Any 128-bit value is a valid
// reference, whatever its UUID variant.
type PointRef [16]byte

// NewPointRef returns a fresh random reference.
func NewPointRef() PointRef {
	return PointRef(uuid.New())
}

// ParsePointRef parses the canonical UUID text form.
func ParsePointRef(s string) (PointRef, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return PointRef{}, fmt.Errorf("invalid point reference %q: %w", s, err)
	}
	return PointRef(u), nil
}

// MustParsePointRef is like ParsePointRef but panics on error.
func MustParsePointRef(s string) PointRef {
	ref, err := ParsePointRef(s)
	if err != nil {
		panic(err)
	}
	return ref
}

// PointRefFromBytes copies a 16 byte slice into a reference.
func PointRefFromBytes(b []byte) (PointRef, error) {
	var ref PointRef
	if len(b) != len(ref) {
		return ref, fmt.Errorf("point reference needs 16 bytes, got %d", len(b))
	}
	copy(ref[:], b)
	return ref, nil
}

// IsZero reports whether the reference is unset.
func (p PointRef) IsZero() bool {
	return p == PointRef{}
}

// Bytes returns a copy of the 16 raw bytes.
func (p PointRef) Bytes() []byte {
	b := make([]byte, len(p))
	copy(b, p[:])
	return b
}

// Compare orders references by their raw bytes.
func (p PointRef) Compare(o PointRef) int {
	return bytes.Compare(p[:], o[:])
}

func (p PointRef) String() string {
	return uuid.UUID(p).String()
}

// Stamp is a raw timestamp in nanoseconds since the Unix epoch.
type Stamp int64

// Bounds of the stamp range.
const (
	BeginningOfTime Stamp = math.MinInt64
	EndOfTime       Stamp = math.MaxInt64
)

// StampOf converts a time to its raw stamp.
func StampOf(t time.Time) Stamp {
	return Stamp(t.UnixNano())
}

// Now returns the current stamp.
func Now() Stamp {
	return StampOf(time.Now())
}

// Time converts the stamp back to a time.
func (s Stamp) Time() time.Time {
	return time.Unix(0, int64(s)).UTC()
}

func (s Stamp) String() string {
	return s.Time().Format(time.RFC3339Nano)
}

// Version is the raw timestamp a store assigns to a write. Versions are
// strictly increasing per backend.
type Version int64

// Time converts the version to a time.
func (v Version) Time() time.Time {
	return time.Unix(0, int64(v)).UTC()
}

func (v Version) String() string {
	return v.Time().Format(time.RFC3339Nano)
}

// Identity is the caller on whose behalf a batch runs. A nil *Identity is
// the anonymous caller.
type Identity struct {
	User string `json:"user"`
}

// User returns an identity for the named user, nil for an empty name.
func User(name string) *Identity {
	if name == "" {
		return nil
	}
	return &Identity{User: name}
}

// Name returns the user name, empty for anonymous.
func (id *Identity) Name() string {
	if id == nil {
		return ""
	}
	return id.User
}

// VersionedValue is a point value as the store keeps it.
type VersionedValue struct {
	Point   PointRef
	Stamp   Stamp
	Version Version
	// State is a small optional tag; empty means absent.
	State string
	// Value is nil, bool, int64, float64, string, []byte or Tuple.
	Value   any
	Deleted bool
}

// IsDeleted reports whether the value is a delete request or a tombstone.
func (v *VersionedValue) IsDeleted() bool {
	return v.Deleted
}

// Clone returns a shallow copy.
func (v *VersionedValue) Clone() *VersionedValue {
	c := *v
	return &c
}

// AsDeleted returns a copy flagged as deleted with state and value cleared.
func (v *VersionedValue) AsDeleted() *VersionedValue {
	c := v.Clone()
	c.Deleted = true
	c.State = ""
	c.Value = nil
	return c
}

func (v *VersionedValue) String() string {
	var b strings.Builder
	b.WriteString(v.Point.String())
	b.WriteString(" @")
	b.WriteString(v.Stamp.String())
	if v.Version != 0 {
		fmt.Fprintf(&b, " v%d", int64(v.Version))
	}
	if v.State != "" {
		fmt.Fprintf(&b, " [%s]", v.State)
	}
	if v.Deleted {
		b.WriteString(" deleted")
	} else {
		fmt.Fprintf(&b, " = %v", v.Value)
	}
	return b.String()
}

// TimeInterval bounds a query. Both bounds are exclusive and optional.
type TimeInterval struct {
	After  *Stamp `json:"after,omitempty"`
	Before *Stamp `json:"before,omitempty"`
}

// Between returns the open interval (after, before).
func Between(after, before Stamp) TimeInterval {
	return TimeInterval{After: &after, Before: &before}
}

// AfterStamp returns the interval of stamps greater than s.
func AfterStamp(s Stamp) TimeInterval {
	return TimeInterval{After: &s}
}

// BeforeStamp returns the interval of stamps less than s.
func BeforeStamp(s Stamp) TimeInterval {
	return TimeInterval{Before: &s}
}

// At returns the interval containing only s.
func At(s Stamp) TimeInterval {
	return Between(s-1, s+1)
}

// Lower returns the exclusive lower bound.
func (i TimeInterval) Lower() Stamp {
	if i.After == nil {
		return BeginningOfTime
	}
	return *i.After
}

// Upper returns the exclusive upper bound.
func (i TimeInterval) Upper() Stamp {
	if i.Before == nil {
		return EndOfTime
	}
	return *i.Before
}

// Contains reports whether s lies strictly inside the interval.
func (i TimeInterval) Contains(s Stamp) bool {
	if i.After != nil && s <= *i.After {
		return false
	}
	if i.Before != nil && s >= *i.Before {
		return false
	}
	return true
}

func (i TimeInterval) String() string {
	lower, upper := "-inf", "+inf"
	if i.After != nil {
		lower = i.After.String()
	}
	if i.Before != nil {
		upper = i.Before.String()
	}
	return "(" + lower + ", " + upper + ")"
}

// StoreValuesQuery asks for up to Rows values of one point in one interval.
// For pull queries the interval bounds are versions, and a zero Point
// selects every point of the store.
type StoreValuesQuery struct {
	Point    PointRef     `json:"point"`
	Interval TimeInterval `json:"interval"`
	// Rows limits the number of values returned; zero means no limit
	// other than the store's response limit.
	Rows           int  `json:"rows,omitempty"`
	Count          bool `json:"count,omitempty"`
	Pull           bool `json:"pull,omitempty"`
	Reverse        bool `json:"reverse,omitempty"`
	NotNull        bool `json:"not_null,omitempty"`
	IncludeDeleted bool `json:"include_deleted,omitempty"`
}

// PullSince builds a pull query for every change after version.
func PullSince(version Version) *StoreValuesQuery {
	after := Stamp(version)
	return &StoreValuesQuery{Pull: true, Interval: TimeInterval{After: &after}}
}

func (q *StoreValuesQuery) String() string {
	var b strings.Builder
	if q.Pull {
		b.WriteString("pull ")
	}
	if q.Count {
		b.WriteString("count ")
	}
	if q.Point.IsZero() {
		b.WriteString("*")
	} else {
		b.WriteString(q.Point.String())
	}
	b.WriteString(" ")
	b.WriteString(q.Interval.String())
	if q.Rows > 0 {
		fmt.Fprintf(&b, " rows=%d", q.Rows)
	}
	if q.Reverse {
		b.WriteString(" reverse")
	}
	return b.String()
}

// StoreValues is the answer to one query: values, a count, or an error.
type StoreValues struct {
	Query  *StoreValuesQuery
	Values []*VersionedValue
	// Count holds the answer of count queries.
	Count int64
	// Mark is the first value left out by the store's response limit.
	Mark *VersionedValue
	Err  error
}

// NewStoreValues creates an empty successful response.
func NewStoreValues(query *StoreValuesQuery) *StoreValues {
	return &StoreValues{Query: query}
}

// Failed creates a response that carries an error.
func Failed(query *StoreValuesQuery, err error) *StoreValues {
	return &StoreValues{Query: query, Err: err}
}

// Add appends a value.
func (sv *StoreValues) Add(v *VersionedValue) {
	sv.Values = append(sv.Values, v)
}

// IsSuccess reports whether the response carries no error.
func (sv *StoreValues) IsSuccess() bool {
	return sv.Err == nil
}

// IsEmpty reports whether the response has neither values nor a count.
func (sv *StoreValues) IsEmpty() bool {
	return len(sv.Values) == 0 && sv.Count == 0
}

// IsComplete reports whether the store returned everything it had.
func (sv *StoreValues) IsComplete() bool {
	return sv.Mark == nil
}

// Size returns the number of values, or the count for count queries.
func (sv *StoreValues) Size() int64 {
	if sv.Query != nil && sv.Query.Count {
		return sv.Count
	}
	return int64(len(sv.Values))
}

// Last returns the last value or nil.
func (sv *StoreValues) Last() *VersionedValue {
	if len(sv.Values) == 0 {
		return nil
	}
	return sv.Values[len(sv.Values)-1]
}
