package crdt

import (
	"sync"
	"time"
)

// Clock is a hybrid logical clock: the upper bits carry wall time
// (UnixNano >> 16), the low 16 bits a logical counter. Timestamps are
// totally ordered and never repeat, even when the wall clock stalls
// or steps backward.
type Clock struct {
	mu       sync.Mutex
	lastWall int64
	logical  uint32
}

func NewClock() *Clock {
	return &Clock{}
}

// Now returns the next timestamp.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := time.Now().UnixNano() >> 16
	if wall <= c.lastWall {
		c.logical++
	} else {
		c.lastWall = wall
		c.logical = 0
	}

	return (uint64(c.lastWall) << 16) | (uint64(c.logical) & 0xFFFF)
}

// Observe advances the clock past a remotely generated timestamp so
// that subsequent local timestamps order after it.
func (c *Clock) Observe(remote uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	local := (uint64(c.lastWall) << 16) | (uint64(c.logical) & 0xFFFF)
	if remote <= local {
		return
	}

	c.lastWall = int64(remote >> 16)
	c.logical = uint32(remote & 0xFFFF)
}
