package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCaches(t *testing.T) map[string]Cache {
	cfg := LocalConfig{DefaultExpiration: time.Minute, CleanupInterval: time.Minute}
	return map[string]Cache{
		"local":   NewLocalCache(cfg),
		"gocache": NewGoCache(cfg),
	}
}

func TestCacheSetGet(t *testing.T) {
	ctx := context.Background()
	for name, c := range newTestCaches(t) {
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
			value, ok := c.Get(ctx, "k")
			assert.True(t, ok)
			assert.Equal(t, "v", value)

			assert.True(t, c.Exists(ctx, "k"))
			assert.False(t, c.Exists(ctx, "missing"))
		})
	}
}

func TestCacheDelete(t *testing.T) {
	ctx := context.Background()
	for name, c := range newTestCaches(t) {
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			require.NoError(t, c.Set(ctx, "k", 1, time.Minute))
			require.NoError(t, c.Delete(ctx, "k"))
			_, ok := c.Get(ctx, "k")
			assert.False(t, ok)
		})
	}
}

func TestCacheExpiration(t *testing.T) {
	ctx := context.Background()
	for name, c := range newTestCaches(t) {
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			require.NoError(t, c.Set(ctx, "k", "v", 30*time.Millisecond))
			time.Sleep(60 * time.Millisecond) // 等待过期
			_, ok := c.Get(ctx, "k")
			assert.False(t, ok)
		})
	}
}

func TestFactory(t *testing.T) {
	c, err := NewCache(Config{Type: "local", Local: DefaultLocalConfig()})
	require.NoError(t, err)
	assert.NotNil(t, c)
	c.Close()

	_, err = NewCache(Config{Type: "bogus"})
	assert.Error(t, err)
}
