package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/historian/pkg/backend"
	"github.com/vjranagit/historian/pkg/metadata"
	"github.com/vjranagit/historian/pkg/metrics"
	"github.com/vjranagit/historian/pkg/store"
	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

type fixture struct {
	store  *store.Server
	client *Client
	http   *httptest.Server
	point  types.PointRef
	locked types.PointRef
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{point: types.NewPointRef(), locked: types.NewPointRef()}

	catalog, err := metadata.NewCatalog(
		&metadata.Point{UUID: f.point, Name: "FLOW"},
		&metadata.Point{UUID: f.locked, Name: "SETPOINT", Writers: []string{"operator"}},
	)
	require.NoError(t, err)

	reg := metrics.NewRegistry()
	stats, err := metrics.New(reg)
	require.NoError(t, err)

	cfg := backend.DefaultConfig()
	cfg.InMemory = true
	opts := store.DefaultOptions()
	opts.Name = "plant"
	opts.Catalog = catalog
	opts.Stats = stats
	opts.PullSleep = 10 * time.Millisecond
	f.store = store.NewServer(backend.New(cfg), opts)
	require.NoError(t, f.store.Start())

	api := NewServer(f.store, Options{Gatherer: reg})
	f.http = httptest.NewServer(api.Handler())
	f.client = NewClient("plant", f.http.URL, nil)

	t.Cleanup(func() {
		f.http.Close()
		_ = f.store.Stop()
	})
	return f
}

func value(point types.PointRef, stamp types.Stamp, v any) *types.VersionedValue {
	return &types.VersionedValue{Point: point, Stamp: stamp, Value: v}
}

func TestClientRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	errs := f.client.Update(ctx, []*types.VersionedValue{
		value(f.point, 10, 1.5),
		nil,
		value(types.NewPointRef(), 10, 2.0),
		value(f.point, 20, types.Tuple{int64(1), "on"}),
	}, nil)
	require.Len(t, errs, 4)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.ErrorIs(t, errs[2], storeerr.ErrPointUnknown)
	assert.NoError(t, errs[3])

	queries := []*types.StoreValuesQuery{
		{Point: f.point},
		nil,
		{Point: f.point, Count: true},
		{Point: f.point, Reverse: true, Rows: 1},
	}
	responses := f.client.Select(ctx, queries, nil)
	require.Len(t, responses, 4)

	require.NoError(t, responses[0].Err)
	require.Len(t, responses[0].Values, 2)
	assert.Equal(t, 1.5, responses[0].Values[0].Value)
	assert.Equal(t, types.Tuple{int64(1), "on"}, responses[0].Values[1].Value)
	assert.NotZero(t, responses[0].Values[0].Version)
	assert.Same(t, queries[0], responses[0].Query)

	assert.Nil(t, responses[1])
	assert.Equal(t, int64(2), responses[2].Count)
	require.Len(t, responses[3].Values, 1)
	assert.Equal(t, types.Stamp(20), responses[3].Values[0].Stamp)
}

func TestIdentityHeader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	errs := f.client.Update(ctx, []*types.VersionedValue{value(f.locked, 1, 50.0)}, types.User("guest"))
	assert.ErrorIs(t, errs[0], storeerr.ErrUnauthorized)

	errs = f.client.Update(ctx, []*types.VersionedValue{value(f.locked, 1, 50.0)}, types.User("operator"))
	assert.NoError(t, errs[0])
}

func TestPullOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := make(chan *types.StoreValues, 1)
	go func() {
		done <- f.client.Pull(ctx, types.PullSince(0), 5*time.Second, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []error{nil}, f.client.Update(ctx, []*types.VersionedValue{value(f.point, 1, true)}, nil))

	select {
	case response := <-done:
		require.NoError(t, response.Err)
		require.Len(t, response.Values, 1)
		assert.Equal(t, true, response.Values[0].Value)
	case <-time.After(5 * time.Second):
		t.Fatal("pull did not return")
	}
}

func TestPurgeOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.client.Update(ctx, []*types.VersionedValue{value(f.point, 1, 1.0), value(f.point, 2, 2.0), value(f.point, 3, 3.0)}, nil)

	removed, err := f.client.Purge(ctx, f.point, types.BeforeStamp(3), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = f.client.Purge(ctx, types.NewPointRef(), types.TimeInterval{}, nil)
	assert.ErrorIs(t, err, storeerr.ErrPointUnknown)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.client.Probe(context.Background()))

	f.client.Select(context.Background(), []*types.StoreValuesQuery{{Point: f.point}}, nil)

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "historian_")
	assert.Contains(t, string(body), "go_goroutines")

	require.NoError(t, f.store.Stop())
	assert.False(t, f.client.Probe(context.Background()))
}

func TestStoppedStoreFailsEveryItem(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Stop())

	responses := f.client.Select(context.Background(), []*types.StoreValuesQuery{{Point: f.point}, nil}, nil)
	require.Len(t, responses, 2)
	assert.ErrorIs(t, responses[0].Err, storeerr.ErrServiceUnavailable)
	assert.Nil(t, responses[1])

	errs := f.client.Update(context.Background(), []*types.VersionedValue{value(f.point, 1, 1.0)}, nil)
	assert.ErrorIs(t, errs[0], storeerr.ErrServiceUnavailable)
}

func TestUnreachableStore(t *testing.T) {
	client := NewClient("gone", "http://127.0.0.1:1", &http.Client{Timeout: time.Second})

	responses := client.Select(context.Background(), []*types.StoreValuesQuery{{Point: types.NewPointRef()}}, nil)
	assert.ErrorIs(t, responses[0].Err, storeerr.ErrServiceUnavailable)
	assert.False(t, client.Probe(context.Background()))
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/api/v1/select")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(f.http.URL+"/api/v1/update", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(f.http.URL+"/api/v1/pull", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSelectWireFormat(t *testing.T) {
	f := newFixture(t)
	f.client.Update(context.Background(), []*types.VersionedValue{value(f.point, 5, int64(42))}, nil)

	body := `{"queries":[{"point":"` + f.point.String() + `"}]}`
	resp, err := http.Post(f.http.URL+"/api/v1/select", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply selectResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	require.Len(t, reply.Responses, 1)
	require.Len(t, reply.Responses[0].Values, 1)
	assert.Equal(t, int64(42), reply.Responses[0].Values[0].Value)
}
