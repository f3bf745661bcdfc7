package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowRespectsBurst(t *testing.T) {
	pool := NewPool(Config{MaxRequests: 3, WindowSecs: 60})
	for i := 0; i < 3; i++ {
		require.True(t, pool.Allow("client-a"), "request %d should be allowed within burst", i)
	}
	require.False(t, pool.Allow("client-a"))
}

func TestAllowIsPerKey(t *testing.T) {
	pool := NewPool(Config{MaxRequests: 1, WindowSecs: 60})
	require.True(t, pool.Allow("client-a"))
	require.True(t, pool.Allow("client-b"))
	require.False(t, pool.Allow("client-a"))
}

func TestEvictIdleRemovesStaleBuckets(t *testing.T) {
	pool := NewPool(Config{MaxRequests: 5, WindowSecs: 60, IdleEvictAfter: time.Millisecond})
	pool.Allow("client-a")
	require.Equal(t, 1, pool.Size())
	time.Sleep(5 * time.Millisecond)
	n := pool.EvictIdle()
	require.Equal(t, 1, n)
	require.Equal(t, 0, pool.Size())
}
