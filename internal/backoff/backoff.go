package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// defaultBase is the first retry delay.
	defaultBase = 1 * time.Second

	// defaultCap is the ceiling for the computed delay.
	defaultCap = 60 * time.Second

	// maxShift caps the bit-shift exponent to prevent integer
	// overflow of time.Duration.
	maxShift = 10

	// jitterDivisor controls the range of random jitter added to the
	// delay: jitter is uniform in [0, delay/jitterDivisor].
	jitterDivisor = 2
)

// Calculator is a pure scheduling policy object gating reconnect
// attempts. It tracks an error counter and the next eligible attempt
// time; it has no side effects beyond its own state.
type Calculator struct {
	mu          sync.Mutex
	errorCount  int
	nextAttempt time.Time

	base time.Duration
	cap  time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// New returns a Calculator with the default 1s base and 60s cap.
func New() *Calculator {
	return &Calculator{
		base: defaultBase,
		cap:  defaultCap,
		now:  time.Now,
	}
}

// CanRetry reports whether enough time has passed since the last
// recorded error for another attempt.
func (c *Calculator) CanRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.now().Before(c.nextAttempt)
}

// IncreaseError records a failed attempt and pushes the next eligible
// attempt out to min(base * 2^errorCount, cap) plus jitter.
func (c *Calculator) IncreaseError() {
	c.mu.Lock()
	defer c.mu.Unlock()

	shift := c.errorCount
	if shift > maxShift {
		shift = maxShift
	}

	delay := c.base << shift
	if delay > c.cap {
		delay = c.cap
	}

	jitter := rand.N(delay/jitterDivisor + 1)
	c.nextAttempt = c.now().Add(delay + jitter)
	c.errorCount++
}

// Reset clears the error counter. Called on any successful connect.
func (c *Calculator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errorCount = 0
	c.nextAttempt = time.Time{}
}

// ErrorCount returns the number of consecutive failures recorded.
func (c *Calculator) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.errorCount
}
