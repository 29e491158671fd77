package doctor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := newRateLimiter(3, time.Minute)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ok, _ := rl.allow("10.0.0.1", base.Add(time.Duration(i)*time.Second))
		require.True(t, ok, "hit %d fits the window", i)
	}

	ok, retry := rl.allow("10.0.0.1", base.Add(3*time.Second))
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Minute)

	// A different client has its own budget.
	ok, _ = rl.allow("10.0.0.2", base.Add(3*time.Second))
	assert.True(t, ok)

	// Once the oldest hit ages out, the first client is admitted again.
	ok, _ = rl.allow("10.0.0.1", base.Add(time.Minute+time.Second))
	assert.True(t, ok)
}

func TestRateLimiterRetryAfterShrinks(t *testing.T) {
	rl := newRateLimiter(1, 10*time.Second)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	ok, _ := rl.allow("c", base)
	require.True(t, ok)

	_, retry1 := rl.allow("c", base.Add(2*time.Second))
	_, retry2 := rl.allow("c", base.Add(8*time.Second))
	assert.Equal(t, 8*time.Second, retry1)
	assert.Equal(t, 2*time.Second, retry2)
}

func TestRateLimiterRejectionDoesNotConsume(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	rl.allow("c", base)
	rl.allow("c", base.Add(time.Second))

	// Hammering while limited must not push the recovery point out.
	for i := 0; i < 50; i++ {
		ok, _ := rl.allow("c", base.Add(2*time.Second))
		assert.False(t, ok)
	}
	ok, _ := rl.allow("c", base.Add(time.Minute+2*time.Second))
	assert.True(t, ok)
}
