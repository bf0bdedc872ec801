// Package pap brings points served by a protocol adapter under the store
// contract: selects read the devices' current values and updates write to
// the devices.
package pap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vjranagit/historian/pkg/metadata"
	"github.com/vjranagit/historian/pkg/metrics"
	"github.com/vjranagit/historian/pkg/store"
	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

// Options holds bridge configuration
type Options struct {
	Name string
	// ListenerUser is the identity used for calls made without one.
	ListenerUser string
	Listeners    store.Listeners
	Stats        *metrics.Stats
	Logger       *slog.Logger
}

// Bridge serves the store contract from a live protocol client.
type Bridge struct {
	opts   Options
	logger *slog.Logger

	// mu guards the client handle and the catalog, which are replaced
	// together on each metadata change.
	mu      sync.Mutex
	client  Client
	catalog metadata.Resolver

	stopped atomic.Bool
}

// NewBridge creates a bridge without a client; AcceptMetadata installs one.
func NewBridge(opts Options) *Bridge {
	if opts.Name == "" {
		opts.Name = "pap"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		opts:   opts,
		logger: logger.With("component", "pap", "store", opts.Name),
	}
}

// Name returns the bridge name.
func (b *Bridge) Name() string {
	return b.opts.Name
}

// AcceptMetadata opens client and makes it, with catalog, the bridge's
// live state. The previous client is closed after the swap.
func (b *Bridge) AcceptMetadata(ctx context.Context, client Client, catalog metadata.Resolver) error {
	if err := client.Open(ctx); err != nil {
		return fmt.Errorf("failed to open protocol client: %w", err)
	}

	b.mu.Lock()
	old := b.client
	b.client = client
	b.catalog = catalog
	b.mu.Unlock()

	if old != nil && old != client {
		if err := old.Close(); err != nil {
			b.logger.Warn("Failed to close previous protocol client", "error", err)
		}
	}
	b.logger.Info("Metadata accepted")
	return nil
}

// Stop closes the client; later calls report the bridge as closed.
func (b *Bridge) Stop() error {
	b.stopped.Store(true)

	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// Probe reports whether a client is installed.
func (b *Bridge) Probe(ctx context.Context) bool {
	if b.stopped.Load() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil
}

func (b *Bridge) state() (Client, metadata.Resolver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client, b.catalog
}

func (b *Bridge) identity(id *types.Identity) *types.Identity {
	if id == nil && b.opts.ListenerUser != "" {
		return types.User(b.opts.ListenerUser)
	}
	return id
}

func lookup(catalog metadata.Resolver, ref types.PointRef) (*metadata.Point, error) {
	if catalog == nil {
		return &metadata.Point{UUID: ref}, nil
	}
	p, ok := catalog.Point(ref)
	if !ok {
		return nil, storeerr.PointUnknown(ref.String())
	}
	return p, nil
}

// Select reads the current value of every queried point in one fetch.
func (b *Bridge) Select(ctx context.Context, queries []*types.StoreValuesQuery, id *types.Identity) []*types.StoreValues {
	if b.stopped.Load() {
		return nil
	}
	start := time.Now()
	defer func() { b.opts.Stats.Observe(b.opts.Name, "select", time.Since(start)) }()

	id = b.identity(id)
	client, catalog := b.state()
	responses := make([]*types.StoreValues, len(queries))

	// Resolve first; only known points reach the device.
	slot := make(map[types.PointRef]int)
	var points []types.PointRef
	var waiting []int
	for i, q := range queries {
		if q == nil {
			continue
		}
		if q.Pull {
			responses[i] = types.Failed(q, storeerr.Errorf(storeerr.KindUnsupportedOperation, "select", "devices keep no history to pull"))
			continue
		}
		p, err := lookup(catalog, q.Point)
		if err != nil {
			responses[i] = types.Failed(q, err)
			continue
		}
		if !p.CanRead(id) {
			responses[i] = types.Failed(q, storeerr.ForPoint(storeerr.KindUnauthorized, "select", q.Point.String(), fmt.Errorf("user %q may not read", id.Name())))
			continue
		}
		ref := q.Point
		if _, ok := slot[ref]; !ok {
			slot[ref] = len(points)
			points = append(points, ref)
		}
		waiting = append(waiting, i)
	}
	if len(waiting) == 0 {
		return responses
	}

	failAll := func(err error) []*types.StoreValues {
		for _, i := range waiting {
			responses[i] = types.Failed(queries[i], err)
		}
		return responses
	}
	if client == nil {
		return failAll(storeerr.ServiceClosed("select"))
	}

	b.opts.Stats.Dispatched(b.opts.Name, "device", len(points))
	fetched, err := b.fetch(ctx, client, points)
	if err != nil {
		b.logger.Warn("Fetch failed", "points", len(points), "error", err)
		return failAll(err)
	}

	for _, i := range waiting {
		q := queries[i]
		response := types.NewStoreValues(q)
		v := fetched[slot[q.Point]]
		match := v != nil && q.Interval.Contains(v.Stamp) && !(q.NotNull && v.Value == nil)
		if q.Count {
			if match {
				response.Count = 1
			}
		} else if match {
			response.Add(v.Clone())
		}
		responses[i] = response
		b.opts.Stats.Query(b.opts.Name, "values", len(response.Values))
	}
	return responses
}

// fetch runs the round trip so that ctx can interrupt a client that does
// not watch it.
func (b *Bridge) fetch(ctx context.Context, client Client, points []types.PointRef) ([]*types.VersionedValue, error) {
	type result struct {
		values []*types.VersionedValue
		err    error
	}
	done := make(chan result, 1)
	go func() {
		values, err := client.Fetch(ctx, points)
		done <- result{values, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, unavailable("fetch", r.err)
		}
		if len(r.values) != len(points) {
			return nil, storeerr.Errorf(storeerr.KindStoreAccess, "fetch", "client returned %d values for %d points", len(r.values), len(points))
		}
		return r.values, nil
	case <-ctx.Done():
		return nil, storeerr.New(storeerr.KindServiceUnavailable, "fetch", ctx.Err())
	}
}

func unavailable(op string, err error) error {
	if storeerr.KindOf(err) != storeerr.KindUnknown {
		return err
	}
	return storeerr.New(storeerr.KindServiceUnavailable, op, err)
}

// Update validates each value, writes the survivors in one batch and tells
// the listeners about the values the devices accepted.
func (b *Bridge) Update(ctx context.Context, values []*types.VersionedValue, id *types.Identity) []error {
	if b.stopped.Load() {
		return nil
	}
	start := time.Now()
	defer func() { b.opts.Stats.Observe(b.opts.Name, "update", time.Since(start)) }()

	id = b.identity(id)
	client, catalog := b.state()
	errs := make([]error, len(values))

	var batch []*types.VersionedValue
	var indexes []int
	for i, v := range values {
		if v == nil {
			continue
		}
		if v.Deleted {
			errs[i] = storeerr.ForPoint(storeerr.KindUnsupportedOperation, "update", v.Point.String(), fmt.Errorf("devices do not delete values"))
			continue
		}
		p, err := lookup(catalog, v.Point)
		if err != nil {
			errs[i] = err
			continue
		}
		if !p.CanWrite(id) {
			errs[i] = storeerr.ForPoint(storeerr.KindUnauthorized, "update", v.Point.String(), fmt.Errorf("user %q may not write", id.Name()))
			continue
		}
		value, err := types.NormalizeValue(v.Value)
		if err != nil {
			errs[i] = storeerr.ForPoint(storeerr.KindInvalidArgument, "update", v.Point.String(), err)
			continue
		}
		item := v.Clone()
		item.Value = value
		batch = append(batch, item)
		indexes = append(indexes, i)
	}
	if len(batch) == 0 {
		b.countFailures(errs)
		return errs
	}

	failAll := func(err error) []error {
		for _, i := range indexes {
			errs[i] = err
		}
		b.countFailures(errs)
		return errs
	}
	if client == nil {
		return failAll(storeerr.ServiceClosed("update"))
	}

	results, err := b.write(ctx, client, batch)
	if err != nil {
		b.logger.Warn("Write failed", "values", len(batch), "error", err)
		return failAll(err)
	}

	var accepted []*types.VersionedValue
	for k, i := range indexes {
		if results[k] != nil {
			errs[i] = results[k]
			continue
		}
		accepted = append(accepted, batch[k])
		b.opts.Stats.Update(b.opts.Name, "updated")
	}
	b.countFailures(errs)

	listeners := b.opts.Listeners.For(ctx)
	if err := listeners.Committed(accepted); err != nil {
		b.logger.Warn("Listener failed", "error", err)
	}
	if listeners.Replicator != nil && len(accepted) > 0 {
		b.opts.Stats.Replicated(b.opts.Name, len(accepted))
	}
	return errs
}

func (b *Bridge) write(ctx context.Context, client Client, values []*types.VersionedValue) ([]error, error) {
	type result struct {
		errs []error
		err  error
	}
	done := make(chan result, 1)
	go func() {
		errs, err := client.Write(ctx, values)
		done <- result{errs, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, unavailable("write", r.err)
		}
		if len(r.errs) != len(values) {
			return nil, storeerr.Errorf(storeerr.KindStoreAccess, "write", "client returned %d results for %d values", len(r.errs), len(values))
		}
		return r.errs, nil
	case <-ctx.Done():
		return nil, storeerr.New(storeerr.KindServiceUnavailable, "write", ctx.Err())
	}
}

func (b *Bridge) countFailures(errs []error) {
	for _, err := range errs {
		if err != nil {
			b.opts.Stats.Update(b.opts.Name, "failed")
			b.opts.Stats.Error(b.opts.Name, storeerr.KindOf(err).String())
		}
	}
}
