package backend

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/vjranagit/historian/pkg/codec"
	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

// Txn groups backend reads and writes. A write transaction must end with
// Commit or Abort; Abort is always safe to call, even after Commit.
type Txn struct {
	w        *Wrapper
	txn      *badger.Txn
	writable bool
	writes   int
	done     bool
	// journal holds the mutations of every completed write, so that a
	// write overflowing half way can be rolled back.
	journal []mutation
}

type mutation struct {
	key    []byte
	value  []byte
	delete bool
}

// Begin starts a write transaction.
func (w *Wrapper) Begin() (*Txn, error) {
	return w.begin(true)
}

// BeginRead starts a read-only transaction.
func (w *Wrapper) BeginRead() (*Txn, error) {
	return w.begin(false)
}

func (w *Wrapper) begin(update bool) (*Txn, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.db == nil {
		return nil, storeerr.New(storeerr.KindServiceUnavailable, "begin", ErrClosed)
	}
	return &Txn{w: w, txn: w.db.NewTransaction(update), writable: update}, nil
}

// View runs fn inside a read-only transaction.
func (w *Wrapper) View(fn func(*Txn) error) error {
	txn, err := w.BeginRead()
	if err != nil {
		return err
	}
	defer txn.Abort()
	return fn(txn)
}

// Update runs fn inside a write transaction and commits it if fn succeeds.
func (w *Wrapper) Update(fn func(*Txn) error) error {
	txn, err := w.Begin()
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// Writes returns the number of mutations staged so far.
func (t *Txn) Writes() int {
	return t.writes
}

// Commit makes the staged writes durable.
func (t *Txn) Commit() error {
	if t.done {
		return storeerr.Errorf(storeerr.KindStoreAccess, "commit", "transaction already finished")
	}
	t.done = true
	if !t.writable {
		t.txn.Discard()
		return nil
	}
	if err := t.txn.Commit(); err != nil {
		return storeerr.StoreAccess("commit", err)
	}
	return nil
}

// Abort drops the staged writes.
func (t *Txn) Abort() {
	t.done = true
	t.txn.Discard()
}

func (t *Txn) primaryKey(key []byte) []byte {
	return prefixed(t.w.primary, key)
}

func (t *Txn) indexKey(version []byte) []byte {
	return prefixed(t.w.index, version)
}

func prefixed(prefix, key []byte) []byte {
	b := make([]byte, 0, len(prefix)+len(key))
	b = append(b, prefix...)
	return append(b, key...)
}

// getRaw returns a copy of the data row stored under key, or nil.
func (t *Txn) getRaw(key []byte) ([]byte, error) {
	item, err := t.txn.Get(t.primaryKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// Get returns the value stored for point at stamp, or nil. Snapshot stores
// ignore the stamp and return the latest value.
func (t *Txn) Get(point types.PointRef, stamp types.Stamp) (*types.VersionedValue, error) {
	c := t.w.codec
	key := c.Key(point, stamp)
	data, err := t.getRaw(key)
	if err != nil {
		return nil, storeerr.StoreAccess("get", err)
	}
	if data == nil {
		return nil, nil
	}
	return c.Decode(key, data)
}

// apply stages muts as one write. When the transaction overflows part way
// through, the partial write is rolled back and ErrTxnTooBig is returned
// with the earlier writes still staged; any other partial failure reports
// ErrTxnPoisoned.
func (t *Txn) apply(op string, muts []mutation) error {
	for i, m := range muts {
		if err := t.stage(m); err != nil {
			if i > 0 {
				if errors.Is(err, ErrTxnTooBig) {
					if rerr := t.rewind(); rerr == nil {
						return storeerr.StoreAccess(op, err)
					}
				}
				err = fmt.Errorf("%w: %w", ErrTxnPoisoned, err)
			}
			return storeerr.StoreAccess(op, err)
		}
	}
	t.journal = append(t.journal, muts...)
	t.writes += len(muts)
	return nil
}

func (t *Txn) stage(m mutation) error {
	if m.delete {
		return t.txn.Delete(m.key)
	}
	return t.txn.Set(m.key, m.value)
}

// rewind replaces the badger transaction with a fresh one holding only the
// journaled writes. They fitted before, so they fit again.
func (t *Txn) rewind() error {
	t.txn.Discard()
	t.w.mu.RLock()
	db := t.w.db
	t.w.mu.RUnlock()
	if db == nil {
		t.done = true
		return ErrClosed
	}
	t.txn = db.NewTransaction(true)
	for _, m := range t.journal {
		if err := t.stage(m); err != nil {
			t.done = true
			return err
		}
	}
	return nil
}

func (t *Txn) checkWritable(op string) error {
	if !t.writable || t.done {
		return storeerr.Errorf(storeerr.KindStoreAccess, op, "transaction is not writable")
	}
	return nil
}

// indexEntry returns the version index key of an existing data row, or nil
// when the index is not maintained.
func (t *Txn) indexEntry(data []byte) ([]byte, error) {
	if t.w.index == nil || data == nil {
		return nil, nil
	}
	version, err := t.w.codec.VersionKey(data)
	if err != nil {
		return nil, err
	}
	return t.indexKey(version), nil
}

// Put stores v under a freshly assigned version and returns the stored
// copy. A snapshot store keeps its current value when it is stamped after
// v; Put then returns nil.
//
// All lookups happen before the first write, so a failed Put either leaves
// the earlier writes of the transaction staged or reports ErrTxnPoisoned.
func (t *Txn) Put(v *types.VersionedValue) (*types.VersionedValue, error) {
	const op = "put"
	if err := t.checkWritable(op); err != nil {
		return nil, err
	}
	c := t.w.codec

	stored := v.Clone()
	stored.Deleted = false
	if stored.Point.IsZero() {
		return nil, storeerr.Errorf(storeerr.KindInvalidArgument, op, "value has no point")
	}
	value, err := types.NormalizeValue(stored.Value)
	if err != nil {
		return nil, storeerr.ForPoint(storeerr.KindInvalidArgument, op, stored.Point.String(), err)
	}
	stored.Value = value

	key := c.Key(stored.Point, stored.Stamp)
	oldData, err := t.getRaw(key)
	if err != nil {
		return nil, storeerr.StoreAccess(op, err)
	}

	var muts []mutation
	if c.Mode() == codec.Snapshot && oldData != nil {
		old, err := c.Decode(key, oldData)
		if err != nil {
			return nil, err
		}
		if old.Stamp > stored.Stamp {
			return nil, nil
		}
	}

	oldIndex, err := t.indexEntry(oldData)
	if err != nil {
		return nil, err
	}

	// A value written over a tombstone at the same stamp revives it.
	var tombKey, tombIndex []byte
	if c.Mode() == codec.Archive {
		tombKey = c.TombKey(stored.Point, stored.Stamp)
		tombData, err := t.getRaw(tombKey)
		if err != nil {
			return nil, storeerr.StoreAccess(op, err)
		}
		if tombData == nil {
			tombKey = nil
		} else if tombIndex, err = t.indexEntry(tombData); err != nil {
			return nil, err
		}
	}

	stored.Version = t.w.clock.next()
	key, data, err := c.Encode(stored)
	if err != nil {
		return nil, storeerr.ForPoint(storeerr.KindInvalidArgument, op, stored.Point.String(), err)
	}

	muts = append(muts, mutation{key: t.primaryKey(key), value: data})
	if oldIndex != nil {
		muts = append(muts, mutation{key: oldIndex, delete: true})
	}
	if t.w.index != nil {
		muts = append(muts, mutation{key: t.indexKey(codec.RawBytes(int64(stored.Version))), value: key})
	}
	if tombKey != nil {
		muts = append(muts, mutation{key: t.primaryKey(tombKey), delete: true})
		if tombIndex != nil {
			muts = append(muts, mutation{key: tombIndex, delete: true})
		}
	}

	if err := t.apply(op, muts); err != nil {
		return nil, err
	}
	return stored, nil
}

// Delete removes the value of v's point at v's stamp and returns the
// number of rows removed. An archive store leaves a tombstone in place of
// the removed row unless configured to drop deleted values. A snapshot
// store removes its value only when it is not stamped after v.
func (t *Txn) Delete(v *types.VersionedValue) (int, *types.VersionedValue, error) {
	const op = "delete"
	if err := t.checkWritable(op); err != nil {
		return 0, nil, err
	}
	c := t.w.codec
	point := v.Point

	key := c.Key(point, v.Stamp)
	oldData, err := t.getRaw(key)
	if err != nil {
		return 0, nil, storeerr.StoreAccess(op, err)
	}
	if oldData == nil {
		return 0, nil, nil
	}

	if c.Mode() == codec.Snapshot {
		old, err := c.Decode(key, oldData)
		if err != nil {
			return 0, nil, err
		}
		if old.Stamp > v.Stamp {
			return 0, nil, nil
		}
		if err := t.apply(op, []mutation{{key: t.primaryKey(key), delete: true}}); err != nil {
			return 0, nil, err
		}
		return 1, nil, nil
	}

	oldIndex, err := t.indexEntry(oldData)
	if err != nil {
		return 0, nil, err
	}
	muts := []mutation{{key: t.primaryKey(key), delete: true}}
	if oldIndex != nil {
		muts = append(muts, mutation{key: oldIndex, delete: true})
	}

	var tomb *types.VersionedValue
	if !t.w.cfg.DropDeleted {
		tomb = &types.VersionedValue{Point: point, Stamp: v.Stamp, Deleted: true}
		tombKey := c.ValueKey(tomb)
		prevTomb, err := t.getRaw(tombKey)
		if err != nil {
			return 0, nil, storeerr.StoreAccess(op, err)
		}
		prevIndex, err := t.indexEntry(prevTomb)
		if err != nil {
			return 0, nil, err
		}

		tomb.Version = t.w.clock.next()
		tombKey, tombData, err := c.Encode(tomb)
		if err != nil {
			return 0, nil, err
		}
		if prevIndex != nil {
			muts = append(muts, mutation{key: prevIndex, delete: true})
		}
		muts = append(muts, mutation{key: t.primaryKey(tombKey), value: tombData})
		if t.w.index != nil {
			muts = append(muts, mutation{key: t.indexKey(codec.RawBytes(int64(tomb.Version))), value: tombKey})
		}
	}

	if err := t.apply(op, muts); err != nil {
		return 0, nil, err
	}
	return 1, tomb, nil
}

// Purge removes every row of point stamped inside interval, tombstones
// included, without leaving tombstones. It returns the number of rows
// removed.
func (t *Txn) Purge(point types.PointRef, interval types.TimeInterval) (int, error) {
	const op = "purge"
	if err := t.checkWritable(op); err != nil {
		return 0, err
	}
	c := t.w.codec

	if c.Mode() == codec.Snapshot {
		key := c.Key(point, 0)
		data, err := t.getRaw(key)
		if err != nil {
			return 0, storeerr.StoreAccess(op, err)
		}
		if data == nil {
			return 0, nil
		}
		old, err := c.Decode(key, data)
		if err != nil {
			return 0, err
		}
		if !interval.Contains(old.Stamp) {
			return 0, nil
		}
		return 1, t.apply(op, []mutation{{key: t.primaryKey(key), delete: true}})
	}

	lo, hi, ok := bounds(interval)
	if !ok {
		return 0, nil
	}

	var muts []mutation
	removed := 0
	for _, tomb := range []bool{false, true} {
		prefix := t.primaryKey(c.PointKey(point, tomb))
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = t.w.index != nil
		it := t.txn.NewIterator(opts)

		for it.Seek(prefixed(prefix, codec.RawBytes(lo))); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if codec.Raw(key[len(prefix):]) > hi {
				break
			}
			muts = append(muts, mutation{key: key, delete: true})
			removed++
			if t.w.index == nil {
				continue
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return 0, storeerr.StoreAccess(op, err)
			}
			index, err := t.indexEntry(data)
			if err != nil {
				it.Close()
				return 0, err
			}
			muts = append(muts, mutation{key: index, delete: true})
		}
		it.Close()
	}

	if err := t.apply(op, muts); err != nil {
		return 0, err
	}
	return removed, nil
}
