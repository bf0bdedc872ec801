package metadata

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/historian/pkg/types"
)

const sampleCatalog = `
points:
  - uuid: 2f1c6a3e-8d4b-4c5a-9e7f-1a2b3c4d5e6f
    name: PUMP.1.FLOW
    store: archive
  - uuid: 7f6e5d4c-3b2a-4918-8776-655443322110
    name: PUMP.1.STATE
    store: snapshot
    readers: [operator]
    writers: [controller]
    null_removes: true
`

func TestParseCatalog(t *testing.T) {
	points, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, points, 2)

	c, err := NewCatalog(points...)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	flow := types.MustParsePointRef("2f1c6a3e-8d4b-4c5a-9e7f-1a2b3c4d5e6f")
	p, ok := c.Point(flow)
	require.True(t, ok)
	assert.Equal(t, "PUMP.1.FLOW", p.Name)

	store, ok := c.OwningStore(flow)
	assert.True(t, ok)
	assert.Equal(t, "archive", store)

	byName, ok := c.PointByName("PUMP.1.STATE")
	require.True(t, ok)
	assert.True(t, byName.NullRemoves)
	assert.Equal(t, []types.PointRef{byName.UUID}, c.StorePoints("snapshot"))
	assert.Equal(t, []string{"archive", "snapshot"}, c.Stores())

	_, ok = c.OwningStore(types.NewPointRef())
	assert.False(t, ok)
}

func TestReplaceRejectsBadCatalogs(t *testing.T) {
	ref := types.NewPointRef()
	tests := []struct {
		name   string
		points []*Point
	}{
		{"missing uuid", []*Point{{Name: "x"}}},
		{"duplicate uuid", []*Point{{UUID: ref}, {UUID: ref}}},
		{"duplicate name", []*Point{{UUID: types.NewPointRef(), Name: "x"}, {UUID: types.NewPointRef(), Name: "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCatalog(&Point{UUID: types.NewPointRef()})
			require.NoError(t, err)
			assert.Error(t, c.Replace(tt.points))
			assert.Equal(t, 1, c.Len(), "failed replace keeps the previous content")
		})
	}
}

func TestPermissions(t *testing.T) {
	open := &Point{UUID: types.NewPointRef()}
	assert.True(t, open.CanRead(nil))
	assert.True(t, open.CanWrite(types.User("anyone")))

	restricted := &Point{UUID: types.NewPointRef(), Readers: []string{"*"}, Writers: []string{"controller"}}
	assert.False(t, restricted.CanRead(nil), "anonymous callers do not match the wildcard")
	assert.True(t, restricted.CanRead(types.User("operator")))
	assert.False(t, restricted.CanWrite(types.User("operator")))
	assert.True(t, restricted.CanWrite(types.User("controller")))
}

func TestOnChange(t *testing.T) {
	c, err := NewCatalog()
	require.NoError(t, err)

	var seen []uint64
	c.OnChange(func(c *Catalog) { seen = append(seen, c.Generation()) })

	require.NoError(t, c.Replace([]*Point{{UUID: types.NewPointRef()}}))
	require.NoError(t, c.Replace(nil))
	assert.Equal(t, []uint64{2, 3}, seen)
}

func TestSnapshotOutlivesReplace(t *testing.T) {
	ref := types.NewPointRef()
	c, err := NewCatalog(&Point{UUID: ref, Store: "north"})
	require.NoError(t, err)

	before := c.Snapshot()
	require.NoError(t, c.Replace([]*Point{{UUID: ref, Store: "south"}, {UUID: types.NewPointRef(), Store: "south"}}))

	store, ok := before.OwningStore(ref)
	require.True(t, ok)
	assert.Equal(t, "north", store)
	assert.Equal(t, 1, before.Len())
	assert.Equal(t, uint64(1), before.Generation())

	store, _ = c.OwningStore(ref)
	assert.Equal(t, "south", store)
	assert.Equal(t, uint64(2), c.Snapshot().Generation())
	assert.Equal(t, []string{"south"}, c.Stores())
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("points: []\n"), 0644))

	c, err := NewCatalog()
	require.NoError(t, err)
	require.NoError(t, c.Reload(path))
	assert.Equal(t, 0, c.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, path, nil) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0644))

	assert.Eventually(t, func() bool { return c.Len() == 2 }, 5*time.Second, 20*time.Millisecond)
}
