package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrips(t *testing.T) {
	c := NewCache(DefaultConfig())
	c.Set("k1", "v1", time.Minute)
	v, ok := c.Get("k1")
	require.True(t, ok)
	require.Equal(t, "v1", v)
}

func TestGetExpiredEntryMisses(t *testing.T) {
	c := NewCache(DefaultConfig())
	c.Set("k1", "v1", time.Nanosecond)
	time.Sleep(time.Millisecond)
	_, ok := c.Get("k1")
	require.False(t, ok)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := NewCache(DefaultConfig())
	c.Set("k1", "v1", time.Minute)
	c.Invalidate("k1")
	_, ok := c.Get("k1")
	require.False(t, ok)
}

type ttlCacheValue struct {
	ID int
}

func TestTTLCacheGetReturnsTypedValueWithoutAssertion(t *testing.T) {
	ctx := context.Background()
	c := NewTTLCache[*ttlCacheValue](time.Minute)

	c.Set(ctx, "k1", &ttlCacheValue{ID: 7})

	v, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	require.Equal(t, 7, v.ID)
}

func TestTTLCacheGetMissReturnsZeroValue(t *testing.T) {
	ctx := context.Background()
	c := NewTTLCache[*ttlCacheValue](time.Minute)

	v, ok := c.Get(ctx, "absent")
	require.False(t, ok)
	require.Nil(t, v)
}

func TestTTLCacheDeleteRemovesEntry(t *testing.T) {
	ctx := context.Background()
	c := NewTTLCache[*ttlCacheValue](time.Minute)

	c.Set(ctx, "k1", &ttlCacheValue{ID: 1})
	c.Delete(ctx, "k1")

	_, ok := c.Get(ctx, "k1")
	require.False(t, ok)
}

func TestTTLCacheInvalidateAllClearsOnlyNamespacedKeys(t *testing.T) {
	ctx := context.Background()
	c := NewTTLCache[*ttlCacheValue](time.Minute)

	c.Set(ctx, "k1", &ttlCacheValue{ID: 1})
	c.Set(ctx, "k2", &ttlCacheValue{ID: 2})
	c.cache.Set("other:k3", &ttlCacheValue{ID: 3}, time.Minute)
	c.InvalidateAll()

	_, ok1 := c.Get(ctx, "k1")
	_, ok2 := c.Get(ctx, "k2")
	require.False(t, ok1)
	require.False(t, ok2)
	_, ok3 := c.cache.Get("other:k3")
	require.True(t, ok3)
}
