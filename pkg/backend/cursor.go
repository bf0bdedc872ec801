package backend

import (
	"math"

	"github.com/dgraph-io/badger/v4"

	"github.com/vjranagit/historian/pkg/codec"
	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

// Cursor iterates the rows selected by a query. Next returns nil once the
// rows are exhausted. Cursors yield tombstones as they are stored; callers
// filter them.
type Cursor interface {
	Next() (*types.VersionedValue, error)
	// Count returns the number of rows the cursor would yield, reading keys
	// only when no value filter applies.
	Count() (int64, error)
	Close()
}

// Cursor selects the strategy for q: the version index for pull queries,
// the point's single row in a snapshot store, or the point's stamp range in
// an archive store.
func (t *Txn) Cursor(q *types.StoreValuesQuery) (Cursor, error) {
	if t.done {
		return nil, storeerr.Errorf(storeerr.KindStoreAccess, "cursor", "transaction already finished")
	}
	switch {
	case q.Pull:
		return t.versionCursor(q)
	case t.w.codec.Mode() == codec.Snapshot:
		return t.snapshotCursor(q), nil
	default:
		return t.stampCursor(q), nil
	}
}

// bounds turns an exclusive interval into inclusive raw bounds.
func bounds(i types.TimeInterval) (lo, hi int64, ok bool) {
	lo, hi = math.MinInt64, math.MaxInt64
	if i.After != nil {
		if int64(*i.After) == math.MaxInt64 {
			return 0, 0, false
		}
		lo = int64(*i.After) + 1
	}
	if i.Before != nil {
		if int64(*i.Before) == math.MinInt64 {
			return 0, 0, false
		}
		hi = int64(*i.Before) - 1
	}
	return lo, hi, lo <= hi
}

// rangeCursor walks keys made of a fixed prefix and an 8 byte raw suffix.
type rangeCursor struct {
	txn     *badger.Txn
	prefix  []byte
	lo, hi  int64
	empty   bool
	reverse bool
	// resolve turns an item into a value; nil skips the item.
	resolve func(item *badger.Item) (*types.VersionedValue, error)
	// keysOnly means every key resolves to a value.
	keysOnly bool

	it      *badger.Iterator
	started bool
	done    bool
}

func (c *rangeCursor) open(keysOnly bool) *badger.Iterator {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = c.prefix
	opts.Reverse = c.reverse
	opts.PrefetchValues = !keysOnly
	return c.txn.NewIterator(opts)
}

func (c *rangeCursor) seekKey() []byte {
	if c.reverse {
		return prefixed(c.prefix, codec.RawBytes(c.hi))
	}
	return prefixed(c.prefix, codec.RawBytes(c.lo))
}

func (c *rangeCursor) inRange(key []byte) bool {
	raw := codec.Raw(key[len(c.prefix):])
	if c.reverse {
		return raw >= c.lo
	}
	return raw <= c.hi
}

func (c *rangeCursor) Next() (*types.VersionedValue, error) {
	if c.empty || c.done {
		return nil, nil
	}
	if c.it == nil {
		c.it = c.open(false)
	}
	for {
		if !c.started {
			c.it.Seek(c.seekKey())
			c.started = true
		} else {
			c.it.Next()
		}
		if !c.it.ValidForPrefix(c.prefix) || !c.inRange(c.it.Item().Key()) {
			c.done = true
			return nil, nil
		}
		v, err := c.resolve(c.it.Item())
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
}

func (c *rangeCursor) Count() (int64, error) {
	if c.empty {
		return 0, nil
	}
	it := c.open(c.keysOnly)
	defer it.Close()

	var n int64
	for it.Seek(c.seekKey()); it.ValidForPrefix(c.prefix); it.Next() {
		if !c.inRange(it.Item().Key()) {
			break
		}
		if c.keysOnly {
			n++
			continue
		}
		v, err := c.resolve(it.Item())
		if err != nil {
			return 0, err
		}
		if v != nil {
			n++
		}
	}
	return n, nil
}

func (c *rangeCursor) Close() {
	if c.it != nil {
		c.it.Close()
		c.it = nil
	}
	c.done = true
}

// stampCursor walks one point of an archive in stamp order.
func (t *Txn) stampCursor(q *types.StoreValuesQuery) Cursor {
	c := t.w.codec
	lo, hi, ok := bounds(q.Interval)
	prefix := t.primaryKey(c.PointKey(q.Point, false))

	return &rangeCursor{
		txn:      t.txn,
		prefix:   prefix,
		lo:       lo,
		hi:       hi,
		empty:    !ok,
		reverse:  q.Reverse,
		keysOnly: !q.NotNull,
		resolve: func(item *badger.Item) (*types.VersionedValue, error) {
			data, err := item.ValueCopy(nil)
			if err != nil {
				return nil, storeerr.StoreAccess("read", err)
			}
			v, err := c.Decode(item.Key()[len(t.w.primary):], data)
			if err != nil {
				return nil, err
			}
			if q.NotNull && v.Value == nil {
				return nil, nil
			}
			return v, nil
		},
	}
}

// versionCursor walks the version index, yielding the primary row of each
// entry in ascending version order.
func (t *Txn) versionCursor(q *types.StoreValuesQuery) (Cursor, error) {
	if t.w.index == nil {
		return nil, storeerr.Errorf(storeerr.KindUnsupportedOperation, "pull", "%s store keeps no version index", t.w.cfg.Mode)
	}
	c := t.w.codec
	lo, hi, ok := bounds(q.Interval)
	filtered := !q.Point.IsZero()
	point := q.Point

	return &rangeCursor{
		txn:      t.txn,
		prefix:   t.w.index,
		lo:       lo,
		hi:       hi,
		empty:    !ok,
		keysOnly: !filtered && !q.NotNull,
		resolve: func(item *badger.Item) (*types.VersionedValue, error) {
			if filtered && !q.NotNull {
				// The primary key names the point, so the filter needs no
				// primary lookup.
				var skip bool
				err := item.Value(func(key []byte) error {
					ref, ok := codec.KeyPoint(key)
					skip = !ok || ref != point
					return nil
				})
				if err != nil {
					return nil, storeerr.StoreAccess("read", err)
				}
				if skip {
					return nil, nil
				}
			}
			key, err := item.ValueCopy(nil)
			if err != nil {
				return nil, storeerr.StoreAccess("read", err)
			}
			data, err := t.getRaw(key)
			if err != nil {
				return nil, storeerr.StoreAccess("read", err)
			}
			if data == nil {
				return nil, storeerr.Corruption("pull", "version %d has no row", codec.Raw(item.Key()[len(t.w.index):]))
			}
			v, err := c.Decode(key, data)
			if err != nil {
				return nil, err
			}
			if filtered && v.Point != point {
				return nil, nil
			}
			if q.NotNull && v.Value == nil {
				return nil, nil
			}
			return v, nil
		},
	}, nil
}

// snapshotCursor yields the single row of a point when its stamp lies in
// the interval.
func (t *Txn) snapshotCursor(q *types.StoreValuesQuery) Cursor {
	return &singleCursor{t: t, q: q}
}

type singleCursor struct {
	t    *Txn
	q    *types.StoreValuesQuery
	done bool
}

func (c *singleCursor) load() (*types.VersionedValue, error) {
	v, err := c.t.Get(c.q.Point, 0)
	if err != nil || v == nil {
		return nil, err
	}
	if !c.q.Interval.Contains(v.Stamp) {
		return nil, nil
	}
	if c.q.NotNull && v.Value == nil {
		return nil, nil
	}
	return v, nil
}

func (c *singleCursor) Next() (*types.VersionedValue, error) {
	if c.done {
		return nil, nil
	}
	c.done = true
	return c.load()
}

func (c *singleCursor) Count() (int64, error) {
	v, err := c.load()
	if err != nil || v == nil {
		return 0, err
	}
	return 1, nil
}

func (c *singleCursor) Close() {
	c.done = true
}
