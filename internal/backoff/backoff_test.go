package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCalculator returns a Calculator with a controllable clock.
func testCalculator(t *testing.T) (*Calculator, *time.Time) {
	t.Helper()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New()
	c.now = func() time.Time { return now }

	return c, &now
}

func TestCanRetry_TrueBeforeAnyError(t *testing.T) {
	c, _ := testCalculator(t)
	assert.True(t, c.CanRetry())
}

func TestIncreaseError_BlocksImmediateRetry(t *testing.T) {
	c, _ := testCalculator(t)

	c.IncreaseError()

	assert.False(t, c.CanRetry())
	assert.Equal(t, 1, c.ErrorCount())
}

func TestIncreaseError_AllowsRetryAfterDelay(t *testing.T) {
	c, now := testCalculator(t)

	c.IncreaseError()

	// First delay is 1s plus at most 500ms jitter.
	*now = now.Add(1500 * time.Millisecond)
	assert.True(t, c.CanRetry())
}

func TestIncreaseError_DelayGrowsExponentially(t *testing.T) {
	c, now := testCalculator(t)

	for i := 0; i < 5; i++ {
		c.IncreaseError()
	}

	// Fifth failure schedules at least base<<4 = 16s out.
	*now = now.Add(15 * time.Second)
	assert.False(t, c.CanRetry())

	// 16s + 8s max jitter.
	*now = now.Add(9 * time.Second)
	assert.True(t, c.CanRetry())
}

func TestIncreaseError_DelayIsCapped(t *testing.T) {
	c, now := testCalculator(t)

	for i := 0; i < 30; i++ {
		c.IncreaseError()
	}
	require.Equal(t, 30, c.ErrorCount())

	// Delay never exceeds cap (60s) plus max jitter (30s).
	*now = now.Add(91 * time.Second)
	assert.True(t, c.CanRetry())
}

func TestReset_ClearsBackoff(t *testing.T) {
	c, _ := testCalculator(t)

	c.IncreaseError()
	c.IncreaseError()
	require.False(t, c.CanRetry())

	c.Reset()

	assert.True(t, c.CanRetry())
	assert.Equal(t, 0, c.ErrorCount())
}

func TestIncreaseError_NoOverflowAtHighCounts(t *testing.T) {
	c, now := testCalculator(t)

	for i := 0; i < 1000; i++ {
		c.IncreaseError()
	}

	*now = now.Add(2 * time.Minute)
	assert.True(t, c.CanRetry())
}
