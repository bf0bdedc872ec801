package store

import (
	"context"
	"time"

	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

// Pull answers a pull query, waiting up to timeout for a commit when no
// change is available yet. The wait ends early when ctx is done or the
// store stops.
func (s *Server) Pull(ctx context.Context, q *types.StoreValuesQuery, timeout time.Duration, id *types.Identity) *types.StoreValues {
	if q == nil || !q.Pull {
		return types.Failed(q, storeerr.Errorf(storeerr.KindInvalidArgument, "pull", "not a pull query"))
	}

	// Register before the first look so a commit in between is not missed.
	wake := make(chan struct{}, 1)
	key := s.waiterSeq.Add(1)
	s.waiters.Store(key, wake)
	defer s.waiters.Delete(key)

	deadline := time.Now().Add(timeout)
	for {
		responses := s.Select(ctx, []*types.StoreValuesQuery{q}, id)
		if responses == nil {
			return types.Failed(q, storeerr.ServiceClosed("pull"))
		}
		response := responses[0]
		if !response.IsSuccess() || !response.IsEmpty() {
			return response
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return response
		}
		timer := time.NewTimer(min(remaining, s.opts.PullSleep))
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return response
		}
		if s.stopped.Load() {
			return types.Failed(q, storeerr.ServiceClosed("pull"))
		}
	}
}

// wake signals every pull waiting for a commit.
func (s *Server) wake() {
	s.waiters.Range(func(_ uint64, ch chan struct{}) bool {
		select {
		case ch <- struct{}{}:
		default:
		}
		return true
	})
}
