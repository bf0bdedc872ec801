package backend

import (
	"sync"
	"time"

	"github.com/vjranagit/historian/pkg/types"
)

// versionClock hands out strictly increasing versions that track wall
// clock time when it moves forward.
type versionClock struct {
	mu   sync.Mutex
	last int64
	now  func() int64
}

func (c *versionClock) next() types.Version {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	if c.now != nil {
		now = c.now()
	}
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return types.Version(now)
}

func (c *versionClock) observe(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.last {
		c.last = v
	}
}

func (c *versionClock) current() types.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.Version(c.last)
}
