// Package store serves batches of point value queries and updates from one
// embedded backend, and defines the batch contract shared with the proxy
// and the protocol bridge.
package store

import (
	"context"

	"github.com/vjranagit/historian/pkg/types"
)

// Store is the parallel-array batch contract. Responses and errors line up
// with their inputs; a nil input slot yields a nil output slot. A nil
// result slice means the store is closed.
type Store interface {
	Name() string
	Select(ctx context.Context, queries []*types.StoreValuesQuery, id *types.Identity) []*types.StoreValues
	Update(ctx context.Context, values []*types.VersionedValue, id *types.Identity) []error
	Probe(ctx context.Context) bool
}

// Replicator forwards committed values to partner stores. Replicate
// buffers; Commit sends what was buffered.
type Replicator interface {
	Replicate(v *types.VersionedValue)
	Commit() error
}

// Notifier receives values once they are committed.
type Notifier interface {
	Notify(values []*types.VersionedValue)
}

// Tracer records committed updates and deletes.
type Tracer interface {
	Add(v *types.VersionedValue) error
	Commit() error
}

// Listeners bundles the collaborators told about committed values.
type Listeners struct {
	Replicator Replicator
	Notifier   Notifier
	Tracer     Tracer
}

type replicaKey struct{}

// WithReplica marks ctx as applying values a partner store replicated.
// Updates made under it are not replicated again.
func WithReplica(ctx context.Context) context.Context {
	return context.WithValue(ctx, replicaKey{}, true)
}

// IsReplica reports whether ctx was marked by WithReplica.
func IsReplica(ctx context.Context) bool {
	replica, _ := ctx.Value(replicaKey{}).(bool)
	return replica
}

// For returns the listeners that apply to an update made under ctx.
func (l Listeners) For(ctx context.Context) Listeners {
	if IsReplica(ctx) {
		l.Replicator = nil
	}
	return l
}

// Committed hands values that were just committed to every listener.
func (l Listeners) Committed(values []*types.VersionedValue) error {
	if len(values) == 0 {
		return nil
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.Replicator != nil {
		for _, v := range values {
			l.Replicator.Replicate(v)
		}
		keep(l.Replicator.Commit())
	}
	if l.Tracer != nil {
		for _, v := range values {
			keep(l.Tracer.Add(v))
		}
		keep(l.Tracer.Commit())
	}
	if l.Notifier != nil {
		l.Notifier.Notify(values)
	}
	return firstErr
}
