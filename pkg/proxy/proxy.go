// Package proxy presents the store contract over every point-owning store,
// routing each item of a batch to the store that owns its point.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vjranagit/historian/pkg/metadata"
	"github.com/vjranagit/historian/pkg/metrics"
	"github.com/vjranagit/historian/pkg/store"
	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

// Owners hands out point ownership snapshots; *metadata.Catalog is one.
type Owners interface {
	Snapshot() *metadata.Snapshot
}

// Options holds proxy configuration
type Options struct {
	Name string
	// ListenerUser is the identity used for calls made without one.
	ListenerUser   string
	RouteCacheSize int
	RouteTTL       time.Duration
	Stats          *metrics.Stats
	Logger         *slog.Logger
}

// Server routes batch calls to owning stores. It owns no data.
type Server struct {
	opts   Options
	owners Owners
	logger *slog.Logger

	// mu guards the routing state; a batch is partitioned under the read
	// lock so it sees one routing table from start to end. The cache only
	// ever holds assignments taken from owning.
	mu     sync.RWMutex
	stores map[string]store.Store
	owning *metadata.Snapshot
	routes *RouteCache

	stopped atomic.Bool
}

// New creates a proxy over stores, resolving owners through owners.
func New(owners Owners, opts Options, stores ...store.Store) *Server {
	if opts.Name == "" {
		opts.Name = "proxy"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Server{
		opts:   opts,
		owners: owners,
		logger: logger.With("component", "proxy", "store", opts.Name),
		stores: make(map[string]store.Store),
		owning: owners.Snapshot(),
		routes: NewRouteCache(opts.RouteCacheSize, opts.RouteTTL),
	}
	for _, s := range stores {
		p.stores[s.Name()] = s
	}
	return p
}

// Name returns the proxy name.
func (p *Server) Name() string {
	return p.opts.Name
}

// SetStore registers or replaces the store called s.Name().
func (p *Server) SetStore(s store.Store) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stores[s.Name()] = s
}

// RemoveStore forgets a store; its points then report the service closed.
func (p *Server) RemoveStore(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stores, name)
}

// Stores returns the names of the registered stores.
func (p *Server) Stores() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.stores))
	for name := range p.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResetPointStores drops every cached point assignment and routes through
// the owners' current snapshot from then on. It must run after each catalog
// reload; until it does, batches keep routing through the previous one.
func (p *Server) ResetPointStores() {
	owning := p.owners.Snapshot()

	p.mu.Lock()
	old := p.routes
	p.owning = owning
	p.routes = NewRouteCache(p.opts.RouteCacheSize, p.opts.RouteTTL)
	p.mu.Unlock()

	stats := old.Stats()
	p.logger.Info("Point stores reset", "generation", owning.Generation(), "dropped", stats.Size, "hit_rate", stats.HitRate())
}

// RouteStats returns the routing cache statistics.
func (p *Server) RouteStats() CacheStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.routes.Stats()
}

// Stop makes every later call report the proxy as closed.
func (p *Server) Stop() {
	p.stopped.Store(true)
}

// Probe reports whether the proxy accepts calls.
func (p *Server) Probe(ctx context.Context) bool {
	return !p.stopped.Load()
}

func (p *Server) identity(id *types.Identity) *types.Identity {
	if id == nil && p.opts.ListenerUser != "" {
		return types.User(p.opts.ListenerUser)
	}
	return id
}

// batch is the part of a caller batch owned by one store.
type batch struct {
	name    string
	target  store.Store
	indexes []int
}

// plan is a caller batch split by owning store.
type plan struct {
	batches []*batch
	// early holds the errors of items that were never dispatched.
	early map[int]error
}

func (p *Server) resolve(point types.PointRef) (string, bool) {
	if name, ok := p.routes.Get(point); ok {
		return name, true
	}
	name, ok := p.owning.OwningStore(point)
	if !ok {
		return "", false
	}
	p.routes.Put(point, name)
	return name, true
}

// partition splits n items; point returns the point of item i, whether
// the item takes part at all and an error that rules it out early.
func (p *Server) partition(op string, n int, point func(i int) (types.PointRef, bool, error)) *plan {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pl := &plan{early: make(map[int]error)}
	byStore := make(map[string]*batch)

	for i := 0; i < n; i++ {
		ref, ok, err := point(i)
		if !ok {
			continue
		}
		if err != nil {
			pl.early[i] = err
			continue
		}
		name, ok := p.resolve(ref)
		if !ok {
			pl.early[i] = storeerr.PointUnknown(ref.String())
			continue
		}
		target, ok := p.stores[name]
		if !ok {
			pl.early[i] = storeerr.ForPoint(storeerr.KindServiceUnavailable, op, ref.String(), fmt.Errorf("store %q is not available", name))
			continue
		}
		b := byStore[name]
		if b == nil {
			b = &batch{name: name, target: target}
			byStore[name] = b
			pl.batches = append(pl.batches, b)
		}
		b.indexes = append(b.indexes, i)
	}

	for _, b := range pl.batches {
		p.opts.Stats.Dispatched(p.opts.Name, b.name, len(b.indexes))
	}
	return pl
}

// guard runs a sub-store call, turning a panic into a store access error
// for the whole sub-batch.
func guard(name string, call func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = storeerr.StoreAccess("call "+name, fmt.Errorf("%v", r))
		}
	}()
	call()
	return nil
}

type selectResult struct {
	batch     *batch
	responses []*types.StoreValues
	err       error
}

// Select routes each query to the store owning its point. Every non-nil
// query gets a response, even when its store fails or ctx ends first.
func (p *Server) Select(ctx context.Context, queries []*types.StoreValuesQuery, id *types.Identity) []*types.StoreValues {
	if p.stopped.Load() {
		return nil
	}
	start := time.Now()
	defer func() { p.opts.Stats.Observe(p.opts.Name, "select", time.Since(start)) }()

	id = p.identity(id)
	responses := make([]*types.StoreValues, len(queries))

	pl := p.partition("select", len(queries), func(i int) (types.PointRef, bool, error) {
		q := queries[i]
		if q == nil {
			return types.PointRef{}, false, nil
		}
		if q.Pull {
			return q.Point, true, storeerr.Errorf(storeerr.KindUnsupportedOperation, "select", "pull queries are not routed")
		}
		return q.Point, true, nil
	})
	for i, err := range pl.early {
		responses[i] = types.Failed(queries[i], err)
	}

	results := make(chan selectResult, len(pl.batches))
	for _, b := range pl.batches {
		go func(b *batch) {
			sub := make([]*types.StoreValuesQuery, len(b.indexes))
			for k, i := range b.indexes {
				sub[k] = queries[i]
			}
			var out []*types.StoreValues
			err := guard(b.name, func() { out = b.target.Select(ctx, sub, id) })
			if err == nil && out != nil && len(out) != len(sub) {
				err = storeerr.Errorf(storeerr.KindStoreAccess, "select", "store %s answered %d of %d queries", b.name, len(out), len(sub))
			}
			results <- selectResult{batch: b, responses: out, err: err}
		}(b)
	}

	received := make(map[*batch]bool, len(pl.batches))
	for len(received) < len(pl.batches) {
		select {
		case r := <-results:
			received[r.batch] = true
			p.scatterSelect(queries, responses, r)
		case <-ctx.Done():
			for _, b := range pl.batches {
				if received[b] {
					continue
				}
				received[b] = true
				err := storeerr.New(storeerr.KindServiceUnavailable, "select", ctx.Err())
				for _, i := range b.indexes {
					responses[i] = types.Failed(queries[i], err)
				}
			}
		}
	}

	// Nothing may stay unset.
	for i, q := range queries {
		if q != nil && responses[i] == nil {
			responses[i] = types.NewStoreValues(q)
		}
	}
	return responses
}

func (p *Server) scatterSelect(queries []*types.StoreValuesQuery, responses []*types.StoreValues, r selectResult) {
	err := r.err
	if err == nil && r.responses == nil {
		err = storeerr.ServiceClosed("select " + r.batch.name)
	}
	if err != nil {
		p.logger.Warn("Store failed", "target", r.batch.name, "queries", len(r.batch.indexes), "error", err)
		for _, i := range r.batch.indexes {
			responses[i] = types.Failed(queries[i], err)
		}
		return
	}
	for k, i := range r.batch.indexes {
		responses[i] = r.responses[k]
	}
}

type updateResult struct {
	batch *batch
	errs  []error
	err   error
}

// Update routes each value to the store owning its point and reports the
// per-item errors at the caller's positions.
func (p *Server) Update(ctx context.Context, values []*types.VersionedValue, id *types.Identity) []error {
	if p.stopped.Load() {
		return nil
	}
	start := time.Now()
	defer func() { p.opts.Stats.Observe(p.opts.Name, "update", time.Since(start)) }()

	id = p.identity(id)
	errs := make([]error, len(values))

	pl := p.partition("update", len(values), func(i int) (types.PointRef, bool, error) {
		v := values[i]
		if v == nil {
			return types.PointRef{}, false, nil
		}
		return v.Point, true, nil
	})
	for i, err := range pl.early {
		errs[i] = err
	}

	results := make(chan updateResult, len(pl.batches))
	for _, b := range pl.batches {
		go func(b *batch) {
			sub := make([]*types.VersionedValue, len(b.indexes))
			for k, i := range b.indexes {
				sub[k] = values[i]
			}
			var out []error
			err := guard(b.name, func() { out = b.target.Update(ctx, sub, id) })
			if err == nil && out != nil && len(out) != len(sub) {
				err = storeerr.Errorf(storeerr.KindStoreAccess, "update", "store %s answered %d of %d values", b.name, len(out), len(sub))
			}
			results <- updateResult{batch: b, errs: out, err: err}
		}(b)
	}

	received := make(map[*batch]bool, len(pl.batches))
	for len(received) < len(pl.batches) {
		select {
		case r := <-results:
			received[r.batch] = true
			err := r.err
			if err == nil && r.errs == nil {
				err = storeerr.ServiceClosed("update " + r.batch.name)
			}
			if err != nil {
				p.logger.Warn("Store failed", "target", r.batch.name, "values", len(r.batch.indexes), "error", err)
				for _, i := range r.batch.indexes {
					errs[i] = err
				}
				continue
			}
			for k, i := range r.batch.indexes {
				errs[i] = r.errs[k]
			}
		case <-ctx.Done():
			for _, b := range pl.batches {
				if received[b] {
					continue
				}
				received[b] = true
				err := storeerr.New(storeerr.KindServiceUnavailable, "update", ctx.Err())
				for _, i := range b.indexes {
					errs[i] = err
				}
			}
		}
	}
	return errs
}
