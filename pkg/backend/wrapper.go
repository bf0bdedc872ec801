// Package backend owns the embedded key/value environment of a store: the
// primary database (Archive or Snapshot), the archive's version index, the
// transactions that group writes and the cursors that read them back.
//
// Badger has a single ordered key space; each logical database lives under
// its own key prefix, so one badger transaction spans the primary rows and
// the version index.
package backend

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/vjranagit/historian/pkg/codec"
	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

var (
	// ErrClosed is returned by operations on a wrapper that is not set up.
	ErrClosed = errors.New("backend is closed")

	// ErrTxnTooBig is reported when a transaction cannot take another write.
	// The transaction is still intact and may be committed.
	ErrTxnTooBig = badger.ErrTxnTooBig

	// ErrTxnPoisoned marks a write that failed after modifying the
	// transaction. The transaction must be aborted.
	ErrTxnPoisoned = errors.New("transaction partially modified")
)

const catalogPrefix = "!db:"

// Config holds backend configuration
type Config struct {
	// Home is the environment directory.
	Home         string
	Mode         codec.Mode
	PullDisabled bool
	// DropDeleted removes archive rows without leaving tombstones.
	DropDeleted bool
	SyncWrites  bool
	InMemory    bool
	// CompressionLevel selects zstd effort from 1 to 4; 0 disables compression.
	CompressionLevel     int
	CompressionThreshold int
	// MemTableSize overrides badger's memtable size in bytes. The largest
	// transaction is 15% of it.
	MemTableSize int64
	Logger       *slog.Logger
}

// DefaultConfig returns default backend configuration
func DefaultConfig() Config {
	return Config{
		Home:                 "./data/badger",
		Mode:                 codec.Archive,
		CompressionLevel:     2,
		CompressionThreshold: codec.DefaultCompressionThreshold,
	}
}

// Wrapper implements the store backend using BadgerDB
type Wrapper struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	db         *badger.DB
	codec      *codec.Codec
	compressor *codec.Compressor
	clock      versionClock

	primary []byte
	index   []byte
}

// New creates a closed wrapper; SetUp opens it.
func New(cfg Config) *Wrapper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{
		cfg:    cfg,
		logger: logger.With("component", "backend", "mode", cfg.Mode.String()),
	}
}

// SetUp opens the environment and the databases, creating them if absent.
func (w *Wrapper) SetUp() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.db != nil {
		return fmt.Errorf("backend already set up")
	}

	var opts badger.Options
	if w.cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(w.cfg.Home, 0755); err != nil {
			return storeerr.StoreAccess("set up", fmt.Errorf("failed to create backend home: %w", err))
		}
		opts = badger.DefaultOptions(filepath.Clean(w.cfg.Home))
	}
	opts = opts.WithSyncWrites(w.cfg.SyncWrites)
	if w.cfg.MemTableSize > 0 {
		// Values above the threshold must still fit in one transaction.
		opts = opts.WithMemTableSize(w.cfg.MemTableSize).
			WithValueThreshold(min(opts.ValueThreshold, w.cfg.MemTableSize/10))
	}
	opts.Logger = nil // Disable BadgerDB logging

	db, err := badger.Open(opts)
	if err != nil {
		return storeerr.StoreAccess("set up", fmt.Errorf("failed to open BadgerDB: %w", err))
	}

	var codecOpts []codec.Option
	var compressor *codec.Compressor
	if w.cfg.CompressionLevel > 0 {
		compressor, err = codec.NewCompressor(w.cfg.CompressionLevel)
		if err != nil {
			db.Close()
			return fmt.Errorf("failed to create compressor: %w", err)
		}
		codecOpts = append(codecOpts, codec.WithCompressor(compressor, w.cfg.CompressionThreshold))
	}

	w.db = db
	w.compressor = compressor
	w.codec = codec.New(w.cfg.Mode, codecOpts...)
	w.primary = databasePrefix(w.cfg.Mode.DatabaseName())
	w.index = nil

	names := []string{w.cfg.Mode.DatabaseName()}
	if w.hasIndexConfigured() {
		w.index = databasePrefix(codec.VersionIndexName)
		names = append(names, codec.VersionIndexName)
	}
	for _, name := range names {
		if err := w.ensureDatabase(name); err != nil {
			w.closeLocked()
			return err
		}
	}

	last, err := w.recoverVersion()
	if err != nil {
		w.closeLocked()
		return err
	}
	w.clock.observe(last)

	w.logger.Info("Backend opened", "home", w.cfg.Home, "in_memory", w.cfg.InMemory, "pull", w.index != nil)
	return nil
}

// TearDown flushes and releases the environment. It is idempotent.
func (w *Wrapper) TearDown() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.db == nil {
		return nil
	}

	var errs []error
	if !w.cfg.InMemory {
		if err := w.db.Sync(); err != nil {
			errs = append(errs, err)
		}
		for {
			if err := w.db.RunValueLogGC(0.5); err != nil {
				break
			}
		}
	}
	if err := w.closeLocked(); err != nil {
		errs = append(errs, err)
	}
	w.logger.Info("Backend closed")

	if err := errors.Join(errs...); err != nil {
		return storeerr.StoreAccess("tear down", err)
	}
	return nil
}

func (w *Wrapper) closeLocked() error {
	err := w.db.Close()
	w.db = nil
	if w.compressor != nil {
		w.compressor.Close()
		w.compressor = nil
	}
	return err
}

// IsOpen reports whether SetUp succeeded and TearDown has not run since.
func (w *Wrapper) IsOpen() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.db != nil
}

// Mode returns the storage mode.
func (w *Wrapper) Mode() codec.Mode {
	return w.cfg.Mode
}

// Codec returns the codec of the open backend.
func (w *Wrapper) Codec() *codec.Codec {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.codec
}

// SupportsPull reports whether the version index is maintained.
func (w *Wrapper) SupportsPull() bool {
	return w.hasIndexConfigured()
}

func (w *Wrapper) hasIndexConfigured() bool {
	return w.cfg.Mode == codec.Archive && !w.cfg.PullDisabled
}

// LastVersion returns the most recent version handed out.
func (w *Wrapper) LastVersion() types.Version {
	return w.clock.current()
}

// Size returns the LSM and value log sizes in bytes.
func (w *Wrapper) Size() (lsm, vlog int64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.db == nil {
		return 0, 0
	}
	return w.db.Size()
}

func databasePrefix(name string) []byte {
	return []byte(name + ":")
}

// seekEnd returns a key ordered after every key starting with prefix that
// this package writes.
func seekEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix), len(prefix)+32)
	copy(end, prefix)
	for i := 0; i < 32; i++ {
		end = append(end, 0xFF)
	}
	return end
}

func (w *Wrapper) ensureDatabase(name string) error {
	marker := []byte(catalogPrefix + name)

	return w.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(marker)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return storeerr.StoreAccess("open "+name, err)
		}
		created := time.Now().UTC().Format(time.RFC3339Nano)
		if err := txn.Set(marker, []byte(created)); err != nil {
			return storeerr.StoreAccess("create "+name, err)
		}
		w.logger.Info("Database created", "database", name)
		return nil
	})
}

// recoverVersion finds the highest version already persisted.
func (w *Wrapper) recoverVersion() (int64, error) {
	var last int64

	err := w.db.View(func(txn *badger.Txn) error {
		if w.index != nil {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Reverse = true
			opts.Prefix = w.index
			it := txn.NewIterator(opts)
			defer it.Close()

			it.Seek(seekEnd(w.index))
			if it.ValidForPrefix(w.index) {
				last = codec.Raw(it.Item().Key()[len(w.index):])
			}
			return nil
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = w.primary
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(w.primary); it.Next() {
			err := it.Item().Value(func(data []byte) error {
				key, err := w.codec.VersionKey(data)
				if err != nil {
					return err
				}
				if v := codec.Raw(key); v > last {
					last = v
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, storeerr.StoreAccess("recover version", err)
	}
	return last, nil
}

// Backup streams every entry newer than since to out and returns the
// version to pass to the next incremental backup.
func (w *Wrapper) Backup(out io.Writer, since uint64) (uint64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.db == nil {
		return 0, storeerr.New(storeerr.KindServiceUnavailable, "backup", ErrClosed)
	}
	next, err := w.db.Backup(out, since)
	if err != nil {
		return 0, storeerr.StoreAccess("backup", err)
	}
	return next, nil
}

// Load restores a backup produced by Backup into the open environment.
func (w *Wrapper) Load(in io.Reader) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return storeerr.New(storeerr.KindServiceUnavailable, "load", ErrClosed)
	}
	if err := w.db.Load(in, 256); err != nil {
		return storeerr.StoreAccess("load", err)
	}
	last, err := w.recoverVersion()
	if err != nil {
		return err
	}
	w.clock.observe(last)
	return nil
}
