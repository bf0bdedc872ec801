package replicate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/historian/pkg/backend"
	"github.com/vjranagit/historian/pkg/store"
	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

type message struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	messages []message
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, message{subject, data})
	return nil
}

type fakeStore struct {
	name    string
	updates [][]*types.VersionedValue
	ids     []*types.Identity
	replica []bool
	reject  types.PointRef
	closed  bool
}

func (s *fakeStore) Name() string { return s.name }

func (s *fakeStore) Select(ctx context.Context, queries []*types.StoreValuesQuery, id *types.Identity) []*types.StoreValues {
	return make([]*types.StoreValues, len(queries))
}

func (s *fakeStore) Update(ctx context.Context, values []*types.VersionedValue, id *types.Identity) []error {
	if s.closed {
		return nil
	}
	s.updates = append(s.updates, values)
	s.ids = append(s.ids, id)
	s.replica = append(s.replica, store.IsReplica(ctx))
	errs := make([]error, len(values))
	for i, v := range values {
		if v.Point == s.reject {
			errs[i] = storeerr.PointUnknown(v.Point.String())
		}
	}
	return errs
}

func (s *fakeStore) Probe(ctx context.Context) bool { return !s.closed }

func TestCommitPublishesOneBatch(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, "historian.replicate", "archive", nil)

	require.NoError(t, r.Commit(), "nothing buffered")
	assert.Empty(t, pub.messages)

	point := types.NewPointRef()
	r.Replicate(&types.VersionedValue{Point: point, Stamp: 1, Version: 10, Value: int64(7)})
	r.Replicate(&types.VersionedValue{Point: point, Stamp: 2, Version: 11, Deleted: true})
	require.NoError(t, r.Commit())
	require.Len(t, pub.messages, 1)
	assert.Equal(t, "historian.replicate", pub.messages[0].subject)

	var batch Batch
	require.NoError(t, json.Unmarshal(pub.messages[0].data, &batch))
	assert.Equal(t, "archive", batch.Store)
	require.Len(t, batch.Values, 2)
	assert.Equal(t, int64(7), batch.Values[0].Value)
	assert.True(t, batch.Values[1].Deleted)

	require.NoError(t, r.Commit())
	assert.Len(t, pub.messages, 1, "buffer is emptied by commit")
}

func TestCommitReportsPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("no route")}
	r := New(pub, "subject", "archive", nil)
	r.Replicate(&types.VersionedValue{Point: types.NewPointRef()})
	assert.Error(t, r.Commit())
}

func TestReceiverAppliesPartnerBatches(t *testing.T) {
	target := &fakeStore{name: "replica", reject: types.NewPointRef()}
	rc := NewReceiver(target, types.User("replicator"), nil)

	data, err := json.Marshal(&Batch{Store: "archive", Values: []*types.VersionedValue{
		{Point: types.NewPointRef(), Stamp: 1, Value: "ok"},
		{Point: target.reject, Stamp: 1, Value: "rejected"},
	}})
	require.NoError(t, err)

	failed, err := rc.Handle(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	require.Len(t, target.updates, 1)
	assert.Equal(t, "replicator", target.ids[0].Name())
	assert.True(t, target.replica[0], "replicated values are applied as replica updates")

	own, err := json.Marshal(&Batch{Store: "replica", Values: []*types.VersionedValue{{Point: types.NewPointRef()}}})
	require.NoError(t, err)
	_, err = rc.Handle(context.Background(), own)
	require.NoError(t, err)
	assert.Len(t, target.updates, 1, "own batches are skipped")

	_, err = rc.Handle(context.Background(), []byte("{"))
	assert.Error(t, err)

	target.closed = true
	_, err = rc.Handle(context.Background(), data)
	assert.Error(t, err)
}

// bus delivers every published message to every receiver, in order, on its
// own goroutine like a NATS subscription does.
type bus struct {
	mu        sync.Mutex
	published int
	receivers []*Receiver
	ch        chan []byte
	done      chan struct{}
}

func newBus(t *testing.T) *bus {
	b := &bus{ch: make(chan []byte, 64), done: make(chan struct{})}
	go func() {
		defer close(b.done)
		for data := range b.ch {
			b.mu.Lock()
			receivers := b.receivers
			b.mu.Unlock()
			for _, rc := range receivers {
				_, _ = rc.Handle(context.Background(), data)
			}
		}
	}()
	t.Cleanup(func() {
		close(b.ch)
		<-b.done
	})
	return b
}

func (b *bus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	b.published++
	b.mu.Unlock()
	b.ch <- data
	return nil
}

func (b *bus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

func (b *bus) subscribe(rc *Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receivers = append(b.receivers, rc)
}

func TestPartnersDoNotReplicateBack(t *testing.T) {
	b := newBus(t)
	var servers []*store.Server
	for _, name := range []string{"north", "south"} {
		s := store.NewServer(backend.New(backend.Config{InMemory: true}), store.Options{
			Name:      name,
			Listeners: store.Listeners{Replicator: New(b, "historian.replicate", name, nil)},
		})
		require.NoError(t, s.Start())
		t.Cleanup(func() { _ = s.Stop() })
		b.subscribe(NewReceiver(s, nil, nil))
		servers = append(servers, s)
	}
	north, south := servers[0], servers[1]

	point := types.NewPointRef()
	errs := north.Update(context.Background(), []*types.VersionedValue{{Point: point, Stamp: 1, Value: "on"}}, nil)
	require.Equal(t, []error{nil}, errs)

	require.Eventually(t, func() bool {
		r := south.Select(context.Background(), []*types.StoreValuesQuery{{Point: point}}, nil)
		return len(r[0].Values) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Never(t, func() bool { return b.count() > 1 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, b.count())
}
