package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateIsIdempotentPerShuffle(t *testing.T) {
	r := New()

	s1, created1 := r.GetOrCreate("app-1", 10)
	require.True(t, created1)

	s2, created2 := r.GetOrCreate("app-1", 10)
	assert.False(t, created2)
	assert.Same(t, s1, s2)
}

func TestRemoveAppDropsAllItsShuffles(t *testing.T) {
	r := New()
	r.GetOrCreate("app-1", 1)
	r.GetOrCreate("app-1", 2)
	r.GetOrCreate("app-2", 3)

	removed := r.RemoveApp("app-1")
	assert.ElementsMatch(t, []int{1, 2}, removed)

	_, ok := r.Get(1)
	assert.False(t, ok)
	_, ok = r.Get(3)
	assert.True(t, ok)
}

func TestExpiredAppsUsesHeartbeatAge(t *testing.T) {
	r := New()
	r.TouchHeartbeat("stale-app")

	now := time.Now().Add(time.Hour).UnixNano()
	expired := r.ExpiredApps(now, time.Minute)
	assert.Contains(t, expired, "stale-app")

	fresh := r.ExpiredApps(time.Now().UnixNano(), time.Hour)
	assert.NotContains(t, fresh, "stale-app")
}

func TestShuffleIDsForAppReflectsRegistrations(t *testing.T) {
	r := New()
	r.GetOrCreate("app-1", 5)
	r.GetOrCreate("app-1", 6)

	assert.ElementsMatch(t, []int{5, 6}, r.ShuffleIDsForApp("app-1"))
}
