package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/historian/pkg/backend"
	"github.com/vjranagit/historian/pkg/codec"
	"github.com/vjranagit/historian/pkg/metadata"
	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

type recorder struct {
	mu         sync.Mutex
	replicated []*types.VersionedValue
	commits    int
	notified   []*types.VersionedValue
	traced     []*types.VersionedValue
}

func (r *recorder) Replicate(v *types.VersionedValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replicated = append(r.replicated, v)
}

func (r *recorder) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits++
	return nil
}

func (r *recorder) Notify(values []*types.VersionedValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, values...)
}

type traceRecorder struct {
	values []*types.VersionedValue
}

func (t *traceRecorder) Add(v *types.VersionedValue) error {
	t.values = append(t.values, v)
	return nil
}

func (t *traceRecorder) Commit() error { return nil }

func newServer(t *testing.T, cfg backend.Config, opts Options) *Server {
	t.Helper()
	cfg.InMemory = true
	s := NewServer(backend.New(cfg), opts)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func value(point types.PointRef, stamp types.Stamp, v any) *types.VersionedValue {
	return &types.VersionedValue{Point: point, Stamp: stamp, Value: v}
}

func TestSelectIsolatesFailures(t *testing.T) {
	known := types.NewPointRef()
	catalog, err := metadata.NewCatalog(&metadata.Point{UUID: known, Name: "KNOWN"})
	require.NoError(t, err)
	s := newServer(t, backend.Config{}, Options{Catalog: catalog})

	errs := s.Update(context.Background(), []*types.VersionedValue{value(known, 1, 1.5)}, nil)
	require.Equal(t, []error{nil}, errs)

	queries := []*types.StoreValuesQuery{
		{Point: known},
		nil,
		{Point: types.NewPointRef()},
		{Point: known, Count: true},
	}
	responses := s.Select(context.Background(), queries, nil)
	require.Len(t, responses, 4)

	require.True(t, responses[0].IsSuccess())
	require.Len(t, responses[0].Values, 1)
	assert.Equal(t, 1.5, responses[0].Values[0].Value)
	assert.Same(t, queries[0], responses[0].Query)

	assert.Nil(t, responses[1])
	assert.ErrorIs(t, responses[2].Err, storeerr.ErrPointUnknown)
	assert.Equal(t, int64(1), responses[3].Count)
}

func TestPartialUpdateIsolation(t *testing.T) {
	a, b := types.NewPointRef(), types.NewPointRef()
	catalog, err := metadata.NewCatalog(&metadata.Point{UUID: a}, &metadata.Point{UUID: b})
	require.NoError(t, err)

	rec := &recorder{}
	traces := &traceRecorder{}
	s := newServer(t, backend.Config{}, Options{
		Catalog:   catalog,
		Listeners: Listeners{Replicator: rec, Notifier: rec, Tracer: traces},
	})

	errs := s.Update(context.Background(), []*types.VersionedValue{
		value(a, 1, "first"),
		value(types.NewPointRef(), 1, "lost"),
		value(b, 1, "third"),
	}, nil)
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], storeerr.ErrPointUnknown)
	assert.NoError(t, errs[2])

	responses := s.Select(context.Background(), []*types.StoreValuesQuery{{Point: a}, {Point: b}}, nil)
	assert.Equal(t, "first", responses[0].Values[0].Value)
	assert.Equal(t, "third", responses[1].Values[0].Value)

	require.Len(t, rec.replicated, 2)
	assert.Equal(t, a, rec.replicated[0].Point)
	assert.Equal(t, b, rec.replicated[1].Point)
	assert.NotZero(t, rec.replicated[0].Version)
	assert.Equal(t, 1, rec.commits)
	assert.Len(t, rec.notified, 2)
	assert.Len(t, traces.values, 2)
}

func TestLargeBatchSpansTransactions(t *testing.T) {
	rec := &recorder{}
	s := newServer(t, backend.Config{MemTableSize: 1 << 20}, Options{
		Listeners: Listeners{Replicator: rec},
	})
	point, other := types.NewPointRef(), types.NewPointRef()

	var values []*types.VersionedValue
	for i := 1; i <= 5000; i++ {
		values = append(values, value(point, types.Stamp(i), float64(i)))
	}
	values = append(values, value(other, 1, "last"))

	errs := s.Update(context.Background(), values, nil)
	require.Len(t, errs, len(values))
	for i, err := range errs {
		require.NoError(t, err, "item %d", i)
	}

	responses := s.Select(context.Background(), []*types.StoreValuesQuery{
		{Point: point, Count: true},
		{Point: other},
	}, nil)
	assert.Equal(t, int64(5000), responses[0].Count)
	require.Len(t, responses[1].Values, 1)
	assert.Equal(t, "last", responses[1].Values[0].Value)

	assert.Len(t, rec.replicated, len(values))
	assert.Greater(t, rec.commits, 0)
}

func TestReplicaUpdatesAreNotReplicated(t *testing.T) {
	rec := &recorder{}
	s := newServer(t, backend.Config{}, Options{
		Listeners: Listeners{Replicator: rec, Notifier: rec},
	})
	point := types.NewPointRef()

	errs := s.Update(WithReplica(context.Background()), []*types.VersionedValue{value(point, 1, 2.5)}, nil)
	require.Equal(t, []error{nil}, errs)
	assert.Empty(t, rec.replicated)
	assert.Zero(t, rec.commits)
	assert.Len(t, rec.notified, 1, "local subscribers still hear about replicated values")

	errs = s.Update(context.Background(), []*types.VersionedValue{value(point, 2, 3.5)}, nil)
	require.Equal(t, []error{nil}, errs)
	assert.Len(t, rec.replicated, 1)
	assert.Equal(t, 1, rec.commits)
}

func TestNilUpdateSlot(t *testing.T) {
	s := newServer(t, backend.Config{}, Options{})
	errs := s.Update(context.Background(), []*types.VersionedValue{nil, value(types.NewPointRef(), 1, true)}, nil)
	assert.Equal(t, []error{nil, nil}, errs)
}

func TestSnapshotUniqueness(t *testing.T) {
	s := newServer(t, backend.Config{Mode: codec.Snapshot}, Options{})
	point := types.NewPointRef()

	require.Equal(t, []error{nil}, s.Update(context.Background(), []*types.VersionedValue{value(point, 1, "first")}, nil))
	require.Equal(t, []error{nil}, s.Update(context.Background(), []*types.VersionedValue{value(point, 2, "second")}, nil))

	responses := s.Select(context.Background(), []*types.StoreValuesQuery{{Point: point}}, nil)
	require.Len(t, responses[0].Values, 1)
	assert.Equal(t, "second", responses[0].Values[0].Value)
}

func TestResponseLimitLeavesMark(t *testing.T) {
	s := newServer(t, backend.Config{}, Options{ResponseLimit: 3})
	point := types.NewPointRef()
	var values []*types.VersionedValue
	for i := 1; i <= 5; i++ {
		values = append(values, value(point, types.Stamp(i), int64(i)))
	}
	s.Update(context.Background(), values, nil)

	responses := s.Select(context.Background(), []*types.StoreValuesQuery{{Point: point}}, nil)
	r := responses[0]
	require.Len(t, r.Values, 3)
	require.NotNil(t, r.Mark)
	assert.Equal(t, types.Stamp(4), r.Mark.Stamp)
	assert.False(t, r.IsComplete())

	responses = s.Select(context.Background(), []*types.StoreValuesQuery{{Point: point, Rows: 2}}, nil)
	assert.Len(t, responses[0].Values, 2)
	assert.True(t, responses[0].IsComplete(), "the caller's own limit leaves no mark")

	// The limit applies to the whole call.
	responses = s.Select(context.Background(), []*types.StoreValuesQuery{
		{Point: point, Rows: 2},
		{Point: point, Interval: types.AfterStamp(2)},
	}, nil)
	assert.Len(t, responses[0].Values, 2)
	require.Len(t, responses[1].Values, 1)
	assert.Equal(t, types.Stamp(3), responses[1].Values[0].Stamp)
	assert.Equal(t, types.Stamp(4), responses[1].Mark.Stamp)
}

func TestReverseSelect(t *testing.T) {
	s := newServer(t, backend.Config{}, Options{})
	point := types.NewPointRef()
	s.Update(context.Background(), []*types.VersionedValue{value(point, 1, "a"), value(point, 2, "b"), value(point, 3, "c")}, nil)

	responses := s.Select(context.Background(), []*types.StoreValuesQuery{{Point: point, Rows: 1, Reverse: true}}, nil)
	require.Len(t, responses[0].Values, 1)
	assert.Equal(t, "c", responses[0].Values[0].Value)
}

func TestDeleteAndNullRemoves(t *testing.T) {
	rec := &recorder{}
	s := newServer(t, backend.Config{}, Options{NullRemoves: true, Listeners: Listeners{Replicator: rec}})
	point := types.NewPointRef()

	s.Update(context.Background(), []*types.VersionedValue{value(point, 1, "a"), value(point, 2, "b")}, nil)
	errs := s.Update(context.Background(), []*types.VersionedValue{
		{Point: point, Stamp: 1},
		{Point: point, Stamp: 2, Deleted: true},
		{Point: point, Stamp: 3, Deleted: true},
	}, nil)
	assert.Equal(t, []error{nil, nil, nil}, errs)

	responses := s.Select(context.Background(), []*types.StoreValuesQuery{{Point: point}}, nil)
	assert.Empty(t, responses[0].Values)

	require.Len(t, rec.replicated, 4, "two puts and two deletes; the delete of a missing row is not replicated")
	assert.True(t, rec.replicated[2].Deleted)
	assert.True(t, rec.replicated[3].Deleted)

	pulled := s.Select(context.Background(), []*types.StoreValuesQuery{
		types.PullSince(0),
		{Pull: true, IncludeDeleted: true},
		{Pull: true, IncludeDeleted: true, Count: true},
	}, nil)
	assert.Empty(t, pulled[0].Values, "tombstones are hidden by default")
	assert.Len(t, pulled[1].Values, 2)
	assert.Equal(t, int64(2), pulled[2].Count)
}

func TestPermissions(t *testing.T) {
	point := types.NewPointRef()
	catalog, err := metadata.NewCatalog(&metadata.Point{UUID: point, Readers: []string{"operator"}, Writers: []string{"controller"}})
	require.NoError(t, err)
	s := newServer(t, backend.Config{}, Options{Catalog: catalog})

	errs := s.Update(context.Background(), []*types.VersionedValue{value(point, 1, true)}, types.User("operator"))
	assert.ErrorIs(t, errs[0], storeerr.ErrUnauthorized)
	errs = s.Update(context.Background(), []*types.VersionedValue{value(point, 1, true)}, types.User("controller"))
	assert.NoError(t, errs[0])

	q := []*types.StoreValuesQuery{{Point: point}}
	assert.ErrorIs(t, s.Select(context.Background(), q, nil)[0].Err, storeerr.ErrUnauthorized)
	assert.Len(t, s.Select(context.Background(), q, types.User("operator"))[0].Values, 1)
}

func TestCancelledCallFillsEverySlot(t *testing.T) {
	s := newServer(t, backend.Config{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	point := types.NewPointRef()
	errs := s.Update(ctx, []*types.VersionedValue{value(point, 1, "x"), nil, value(point, 2, "y")}, nil)
	assert.ErrorIs(t, errs[0], storeerr.ErrServiceUnavailable)
	assert.Nil(t, errs[1])
	assert.ErrorIs(t, errs[2], storeerr.ErrServiceUnavailable)

	responses := s.Select(ctx, []*types.StoreValuesQuery{{Point: point}}, nil)
	assert.ErrorIs(t, responses[0].Err, storeerr.ErrServiceUnavailable)
}

func TestStoppedStoreIsClosed(t *testing.T) {
	s := NewServer(backend.New(backend.Config{InMemory: true}), Options{})
	require.NoError(t, s.Start())
	assert.True(t, s.Probe(context.Background()))
	require.NoError(t, s.Stop())

	assert.False(t, s.Probe(context.Background()))
	assert.Nil(t, s.Select(context.Background(), []*types.StoreValuesQuery{{Point: types.NewPointRef()}}, nil))
	assert.Nil(t, s.Update(context.Background(), []*types.VersionedValue{value(types.NewPointRef(), 1, 1.0)}, nil))
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start(), "a stopped store starts again")
	assert.True(t, s.Probe(context.Background()))
	require.NoError(t, s.Stop())
}

func TestPullWaitsForCommit(t *testing.T) {
	s := newServer(t, backend.Config{}, Options{})
	point := types.NewPointRef()

	done := make(chan *types.StoreValues, 1)
	go func() {
		done <- s.Pull(context.Background(), types.PullSince(0), 5*time.Second, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	errs := s.Update(context.Background(), []*types.VersionedValue{value(point, 1, "news")}, nil)
	require.Equal(t, []error{nil}, errs)

	select {
	case r := <-done:
		require.True(t, r.IsSuccess())
		require.Len(t, r.Values, 1)
		assert.Equal(t, "news", r.Values[0].Value)
	case <-time.After(3 * time.Second):
		t.Fatal("pull did not wake up")
	}
}

func TestPullTimesOut(t *testing.T) {
	s := newServer(t, backend.Config{}, Options{})

	start := time.Now()
	r := s.Pull(context.Background(), types.PullSince(0), 50*time.Millisecond, nil)
	assert.True(t, r.IsSuccess())
	assert.True(t, r.IsEmpty())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	r = s.Pull(context.Background(), &types.StoreValuesQuery{Point: types.NewPointRef()}, 0, nil)
	assert.ErrorIs(t, r.Err, storeerr.ErrInvalidArgument)
}

func TestPullUnsupportedOnSnapshot(t *testing.T) {
	s := newServer(t, backend.Config{Mode: codec.Snapshot}, Options{})
	r := s.Pull(context.Background(), types.PullSince(0), 0, nil)
	assert.ErrorIs(t, r.Err, storeerr.ErrUnsupportedOperation)
}

func TestPurge(t *testing.T) {
	s := newServer(t, backend.Config{}, Options{})
	point := types.NewPointRef()
	s.Update(context.Background(), []*types.VersionedValue{value(point, 1, "a"), value(point, 2, "b"), value(point, 3, "c")}, nil)

	removed, err := s.Purge(context.Background(), point, types.BeforeStamp(3), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	responses := s.Select(context.Background(), []*types.StoreValuesQuery{{Point: point}}, nil)
	require.Len(t, responses[0].Values, 1)
	assert.Equal(t, "c", responses[0].Values[0].Value)
}
