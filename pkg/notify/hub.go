// Package notify delivers committed values to subscribers: in-process
// channels and websocket clients.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/vjranagit/historian/pkg/types"
)

// DefaultBuffer is the number of notices a subscriber may fall behind
// before notices are dropped for it.
const DefaultBuffer = 64

// Hub fans notices out to subscribers. A slow subscriber loses notices;
// it never blocks the store.
type Hub struct {
	subs    *xsync.MapOf[uint64, *Subscription]
	seq     atomic.Uint64
	buffer  int
	dropped atomic.Uint64
	logger  *slog.Logger
}

// Subscription receives the notices matching its point filter.
type Subscription struct {
	id     uint64
	hub    *Hub
	points map[types.PointRef]struct{}
	ch     chan []*types.VersionedValue
	done   chan struct{}
	once   sync.Once
}

// NewHub creates a hub; buffer <= 0 selects DefaultBuffer.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   xsync.NewMapOf[uint64, *Subscription](),
		buffer: buffer,
		logger: logger.With("component", "notices"),
	}
}

// Subscribe registers a subscriber for points, or for every point when
// none is given.
func (h *Hub) Subscribe(points ...types.PointRef) *Subscription {
	s := &Subscription{
		id:   h.seq.Add(1),
		hub:  h,
		ch:   make(chan []*types.VersionedValue, h.buffer),
		done: make(chan struct{}),
	}
	if len(points) > 0 {
		s.points = make(map[types.PointRef]struct{}, len(points))
		for _, p := range points {
			s.points[p] = struct{}{}
		}
	}
	h.subs.Store(s.id, s)
	return s
}

// Notify implements the store notifier.
func (h *Hub) Notify(values []*types.VersionedValue) {
	if len(values) == 0 {
		return
	}
	h.subs.Range(func(_ uint64, s *Subscription) bool {
		notice := s.filter(values)
		if len(notice) == 0 {
			return true
		}
		select {
		case s.ch <- notice:
		case <-s.done:
		default:
			h.dropped.Add(1)
			h.logger.Debug("Notice dropped for slow subscriber", "subscriber", s.id, "values", len(notice))
		}
		return true
	})
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	return h.subs.Size()
}

// Dropped returns the number of notices lost to slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.subs.Range(func(_ uint64, s *Subscription) bool {
		s.Close()
		return true
	})
}

func (s *Subscription) filter(values []*types.VersionedValue) []*types.VersionedValue {
	if s.points == nil {
		return values
	}
	var out []*types.VersionedValue
	for _, v := range values {
		if _, ok := s.points[v.Point]; ok {
			out = append(out, v)
		}
	}
	return out
}

// C delivers notices.
func (s *Subscription) C() <-chan []*types.VersionedValue {
	return s.ch
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.subs.Delete(s.id)
		close(s.done)
	})
}
