// Package replicate forwards committed values to partner stores over NATS
// and applies the values partners forward.
package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vjranagit/historian/pkg/store"
	"github.com/vjranagit/historian/pkg/types"
)

// Publisher sends one message; *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Batch is the message sent for each committed update call.
type Batch struct {
	Store  string                  `json:"store"`
	Values []*types.VersionedValue `json:"values"`
}

// Replicator buffers committed values and publishes them as one batch.
type Replicator struct {
	pub     Publisher
	subject string
	store   string
	logger  *slog.Logger

	mu      sync.Mutex
	pending []*types.VersionedValue
}

// New creates a replicator publishing on subject for the named store.
func New(pub Publisher, subject, storeName string, logger *slog.Logger) *Replicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicator{
		pub:     pub,
		subject: subject,
		store:   storeName,
		logger:  logger.With("component", "replicator", "subject", subject),
	}
}

// Replicate buffers v until the next Commit.
func (r *Replicator) Replicate(v *types.VersionedValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, v)
}

// Commit publishes the buffered values.
func (r *Replicator) Commit() error {
	r.mu.Lock()
	values := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(&Batch{Store: r.store, Values: values})
	if err != nil {
		return fmt.Errorf("failed to encode replicated values: %w", err)
	}
	if err := r.pub.Publish(r.subject, data); err != nil {
		return fmt.Errorf("failed to publish replicated values: %w", err)
	}
	r.logger.Debug("Values replicated", "count", len(values))
	return nil
}

// Connect opens a NATS connection that keeps reconnecting.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats", "url", url)

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Receiver applies batches published by partner stores to a local store.
type Receiver struct {
	target store.Store
	id     *types.Identity
	logger *slog.Logger
}

// NewReceiver creates a receiver updating target as id.
func NewReceiver(target store.Store, id *types.Identity, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		target: target,
		id:     id,
		logger: logger.With("component", "replica", "store", target.Name()),
	}
}

// Handle applies one batch. Batches published by the target itself are
// skipped, and the values applied are not replicated again. It returns the
// number of values that failed.
func (rc *Receiver) Handle(ctx context.Context, data []byte) (int, error) {
	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return 0, fmt.Errorf("failed to decode replicated values: %w", err)
	}
	if batch.Store == rc.target.Name() || len(batch.Values) == 0 {
		return 0, nil
	}

	errs := rc.target.Update(store.WithReplica(ctx), batch.Values, rc.id)
	if errs == nil {
		return len(batch.Values), fmt.Errorf("store %s is closed", rc.target.Name())
	}
	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			rc.logger.Warn("Replicated value rejected", "from", batch.Store, "value", batch.Values[i].String(), "error", err)
		}
	}
	return failed, nil
}

// Subscribe feeds messages on subject to rc until the subscription is
// drained.
func Subscribe(nc *nats.Conn, subject string, rc *Receiver) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := rc.Handle(ctx, msg.Data); err != nil {
			rc.logger.Error("Replication failed", "error", err)
		}
	})
}
