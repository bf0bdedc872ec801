package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/vjranagit/historian/pkg/backend"
	"github.com/vjranagit/historian/pkg/metadata"
	"github.com/vjranagit/historian/pkg/metrics"
	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

// Options holds store server configuration
type Options struct {
	Name string
	// ResponseLimit caps the values returned by one Select call.
	ResponseLimit int
	// BackendLimit caps the values returned for one query.
	BackendLimit int
	// NullRemoves turns updates without a value into deletes for every
	// point, in addition to points flagged in the catalog.
	NullRemoves bool
	// PullSleep bounds how long a pull waits before looking again when no
	// commit wakes it.
	PullSleep time.Duration
	// Catalog validates points and permissions; nil accepts every point.
	Catalog   metadata.Resolver
	Listeners Listeners
	Stats     *metrics.Stats
	Logger    *slog.Logger
}

// DefaultOptions returns default store server options
func DefaultOptions() Options {
	return Options{
		Name:          "store",
		ResponseLimit: 5000,
		BackendLimit:  1000,
		PullSleep:     time.Minute,
	}
}

// Server answers batch calls from one backend.
type Server struct {
	opts    Options
	backend *backend.Wrapper
	logger  *slog.Logger

	// life is held shared by every call and exclusively by Stop.
	life    sync.RWMutex
	writeMu sync.Mutex
	stopped atomic.Bool

	waiters   *xsync.MapOf[uint64, chan struct{}]
	waiterSeq atomic.Uint64
}

// NewServer creates a server over an open or closed backend; Start opens it.
func NewServer(b *backend.Wrapper, opts Options) *Server {
	defaults := DefaultOptions()
	if opts.Name == "" {
		opts.Name = defaults.Name
	}
	if opts.ResponseLimit <= 0 {
		opts.ResponseLimit = defaults.ResponseLimit
	}
	if opts.BackendLimit <= 0 {
		opts.BackendLimit = defaults.BackendLimit
	}
	if opts.PullSleep <= 0 {
		opts.PullSleep = defaults.PullSleep
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:    opts,
		backend: b,
		logger:  logger.With("component", "store", "store", opts.Name),
		waiters: xsync.NewMapOf[uint64, chan struct{}](),
	}
}

// Name returns the store name.
func (s *Server) Name() string {
	return s.opts.Name
}

// Backend returns the wrapped backend.
func (s *Server) Backend() *backend.Wrapper {
	return s.backend
}

// Start sets up the backend unless it is already open.
func (s *Server) Start() error {
	s.life.Lock()
	defer s.life.Unlock()

	if !s.backend.IsOpen() {
		if err := s.backend.SetUp(); err != nil {
			return fmt.Errorf("failed to start store %s: %w", s.opts.Name, err)
		}
	}
	s.stopped.Store(false)
	s.logger.Info("Store started", "mode", s.backend.Mode().String(), "pull", s.backend.SupportsPull())
	return nil
}

// Stop waits for running calls, then tears the backend down. Calls made
// after Stop report the store as closed.
func (s *Server) Stop() error {
	s.stopped.Store(true)
	s.wake()

	s.life.Lock()
	defer s.life.Unlock()

	if err := s.backend.TearDown(); err != nil {
		return err
	}
	s.logger.Info("Store stopped")
	return nil
}

// Probe reports whether the store accepts calls.
func (s *Server) Probe(ctx context.Context) bool {
	return !s.stopped.Load() && s.backend.IsOpen()
}

func (s *Server) open() bool {
	return !s.stopped.Load() && s.backend.IsOpen()
}

// Select answers each query independently; one failing query never
// affects the others.
func (s *Server) Select(ctx context.Context, queries []*types.StoreValuesQuery, id *types.Identity) []*types.StoreValues {
	s.life.RLock()
	defer s.life.RUnlock()

	if !s.open() {
		return nil
	}
	start := time.Now()
	defer func() { s.opts.Stats.Observe(s.opts.Name, "select", time.Since(start)) }()

	responses := make([]*types.StoreValues, len(queries))

	txn, err := s.backend.BeginRead()
	if err != nil {
		for i, q := range queries {
			if q != nil {
				responses[i] = s.failed(q, err)
			}
		}
		return responses
	}
	defer txn.Abort()

	budget := s.opts.ResponseLimit
	for i, q := range queries {
		if q == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			responses[i] = s.failed(q, storeerr.New(storeerr.KindServiceUnavailable, "select", err))
			continue
		}
		responses[i] = s.selectOne(txn, q, id, &budget)
	}
	return responses
}

func (s *Server) failed(q *types.StoreValuesQuery, err error) *types.StoreValues {
	kind := storeerr.KindOf(err)
	s.opts.Stats.Query(s.opts.Name, "error", 0)
	s.opts.Stats.Error(s.opts.Name, kind.String())
	if kind == storeerr.KindCorruption {
		s.logger.Error("Corrupted row", "query", q.String(), "error", err)
	} else {
		s.logger.Debug("Query failed", "query", q.String(), "error", err)
	}
	return types.Failed(q, err)
}

func (s *Server) checkRead(q *types.StoreValuesQuery, id *types.Identity) error {
	if q.Pull && q.Point.IsZero() {
		return nil
	}
	if q.Point.IsZero() {
		return storeerr.Errorf(storeerr.KindInvalidArgument, "select", "query has no point")
	}
	if s.opts.Catalog == nil {
		return nil
	}
	p, ok := s.opts.Catalog.Point(q.Point)
	if !ok {
		return storeerr.PointUnknown(q.Point.String())
	}
	if !p.CanRead(id) {
		return storeerr.ForPoint(storeerr.KindUnauthorized, "select", q.Point.String(), fmt.Errorf("user %q may not read", id.Name()))
	}
	return nil
}

func (s *Server) selectOne(txn *backend.Txn, q *types.StoreValuesQuery, id *types.Identity, budget *int) *types.StoreValues {
	if err := s.checkRead(q, id); err != nil {
		return s.failed(q, err)
	}

	cursor, err := txn.Cursor(q)
	if err != nil {
		return s.failed(q, err)
	}
	defer cursor.Close()

	response := types.NewStoreValues(q)
	skipDeleted := !(q.Pull && q.IncludeDeleted)

	if q.Count {
		if !q.Pull || !skipDeleted {
			n, err := cursor.Count()
			if err != nil {
				return s.failed(q, err)
			}
			response.Count = n
		} else {
			for {
				v, err := cursor.Next()
				if err != nil {
					return s.failed(q, err)
				}
				if v == nil {
					break
				}
				if !v.Deleted {
					response.Count++
				}
			}
		}
		s.opts.Stats.Query(s.opts.Name, "count", 0)
		return response
	}

	limit := min(s.opts.BackendLimit, *budget)
	if q.Rows > 0 && q.Rows < limit {
		limit = q.Rows
	}
	capped := limit < q.Rows || q.Rows <= 0

	for {
		v, err := cursor.Next()
		if err != nil {
			return s.failed(q, err)
		}
		if v == nil {
			break
		}
		if skipDeleted && v.Deleted {
			continue
		}
		if len(response.Values) >= limit {
			// Only a server limit leaves a mark; the caller's own row
			// limit is a complete answer.
			if capped {
				response.Mark = v
			}
			break
		}
		response.Add(v)
	}

	*budget -= len(response.Values)
	s.opts.Stats.Query(s.opts.Name, "values", len(response.Values))
	return response
}

// update is one item that reached the backend.
type update struct {
	index  int
	result *types.VersionedValue
}

// Update writes the values inside one transaction and reports an error for
// exactly the items that did not commit. Listeners hear about committed
// items only.
func (s *Server) Update(ctx context.Context, values []*types.VersionedValue, id *types.Identity) []error {
	s.life.RLock()
	defer s.life.RUnlock()

	if !s.open() {
		return nil
	}
	start := time.Now()
	defer func() { s.opts.Stats.Observe(s.opts.Name, "update", time.Since(start)) }()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	errs := make([]error, len(values))
	fail := func(indexes []int, err error) {
		for _, i := range indexes {
			errs[i] = err
		}
	}
	remaining := func(from int) []int {
		var out []int
		for i := from; i < len(values); i++ {
			if values[i] != nil && errs[i] == nil {
				out = append(out, i)
			}
		}
		return out
	}

	txn, err := s.backend.Begin()
	if err != nil {
		fail(remaining(0), err)
		s.countFailures(errs)
		return errs
	}
	defer func() { txn.Abort() }()

	var committed []update
	var pending []update

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := txn.Commit(); err != nil {
			for _, u := range pending {
				errs[u.index] = err
			}
			pending = nil
			return err
		}
		committed = append(committed, pending...)
		pending = nil
		return nil
	}

	for i, v := range values {
		if v == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			fail(remaining(i), storeerr.New(storeerr.KindServiceUnavailable, "update", err))
			break
		}
		if err := s.checkWrite(v, id); err != nil {
			errs[i] = err
			s.logger.Warn("Update rejected", "value", v.String(), "error", err)
			continue
		}

		result, err := s.apply(txn, v)
		if errors.Is(err, backend.ErrTxnTooBig) && !errors.Is(err, backend.ErrTxnPoisoned) && len(pending) > 0 {
			// Make room: commit what came before and retry the item alone.
			if err := flush(); err != nil {
				fail(remaining(i), err)
				break
			}
			next, beginErr := s.backend.Begin()
			if beginErr != nil {
				fail(remaining(i), beginErr)
				break
			}
			txn = next
			result, err = s.apply(txn, v)
		}

		if err != nil {
			switch {
			case errors.Is(err, backend.ErrTxnPoisoned):
				// The item left partial writes: nothing in this
				// transaction can commit.
				txn.Abort()
				for _, u := range pending {
					errs[u.index] = err
				}
				pending = nil
				fail(remaining(i), err)
			case errors.Is(err, backend.ErrTxnTooBig):
				errs[i] = err
				s.logger.Warn("Value does not fit in a transaction", "value", v.String(), "error", err)
				continue
			case storeerr.KindOf(err) == storeerr.KindStoreAccess:
				if flushErr := flush(); flushErr != nil {
					err = flushErr
				}
				fail(remaining(i), err)
			default:
				errs[i] = err
				s.logger.Warn("Update failed", "value", v.String(), "error", err)
				continue
			}
			s.logger.Error("Update batch interrupted", "item", i, "error", err)
			break
		}
		pending = append(pending, update{index: i, result: result})
	}
	_ = flush()

	s.countFailures(errs)
	s.committed(s.opts.Listeners.For(ctx), committed)
	return errs
}

func (s *Server) countFailures(errs []error) {
	for _, err := range errs {
		if err != nil {
			s.opts.Stats.Update(s.opts.Name, "failed")
			s.opts.Stats.Error(s.opts.Name, storeerr.KindOf(err).String())
		}
	}
}

func (s *Server) committed(listeners Listeners, updates []update) {
	if len(updates) == 0 {
		return
	}

	var changed []*types.VersionedValue
	var last types.Version
	for _, u := range updates {
		switch {
		case u.result == nil:
			s.opts.Stats.Update(s.opts.Name, "ignored")
			continue
		case u.result.Deleted:
			s.opts.Stats.Update(s.opts.Name, "deleted")
		default:
			s.opts.Stats.Update(s.opts.Name, "updated")
		}
		s.logger.Debug("Value committed", "value", u.result.String())
		changed = append(changed, u.result)
		if u.result.Version > last {
			last = u.result.Version
		}
	}
	if len(changed) == 0 {
		return
	}

	if err := listeners.Committed(changed); err != nil {
		s.logger.Warn("Listener failed", "error", err)
	}
	if listeners.Replicator != nil {
		s.opts.Stats.Replicated(s.opts.Name, len(changed))
	}
	if last != 0 {
		s.opts.Stats.Committed(s.opts.Name, int64(last))
	}
	s.wake()
}

func (s *Server) checkWrite(v *types.VersionedValue, id *types.Identity) error {
	if v.Point.IsZero() {
		return storeerr.Errorf(storeerr.KindInvalidArgument, "update", "value has no point")
	}
	if s.opts.Catalog == nil {
		return nil
	}
	p, ok := s.opts.Catalog.Point(v.Point)
	if !ok {
		return storeerr.PointUnknown(v.Point.String())
	}
	if !p.CanWrite(id) {
		return storeerr.ForPoint(storeerr.KindUnauthorized, "update", v.Point.String(), fmt.Errorf("user %q may not write", id.Name()))
	}
	return nil
}

func (s *Server) nullRemoves(v *types.VersionedValue) bool {
	if s.opts.NullRemoves {
		return true
	}
	if s.opts.Catalog == nil {
		return false
	}
	p, ok := s.opts.Catalog.Point(v.Point)
	return ok && p.NullRemoves
}

// apply writes one value. The result is what listeners are told about:
// the stored value, the delete that removed a row, or nil when nothing
// changed.
func (s *Server) apply(txn *backend.Txn, v *types.VersionedValue) (*types.VersionedValue, error) {
	if v.Deleted || (v.Value == nil && s.nullRemoves(v)) {
		removed, tomb, err := txn.Delete(v)
		if err != nil || removed == 0 {
			return nil, err
		}
		if tomb != nil {
			return tomb, nil
		}
		return v.AsDeleted(), nil
	}
	return txn.Put(v)
}

// Purge removes the values of point stamped inside interval without
// leaving tombstones.
func (s *Server) Purge(ctx context.Context, point types.PointRef, interval types.TimeInterval, id *types.Identity) (int, error) {
	s.life.RLock()
	defer s.life.RUnlock()

	if !s.open() {
		return 0, storeerr.ServiceClosed("purge")
	}
	if err := s.checkWrite(&types.VersionedValue{Point: point}, id); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var removed int
	err := s.backend.Update(func(txn *backend.Txn) error {
		var err error
		removed, err = txn.Purge(point, interval)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("Values purged", "point", point.String(), "interval", interval.String(), "removed", removed)
	return removed, nil
}
