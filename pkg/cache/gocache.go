package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// goCacheWrapper go-cache包装器
type goCacheWrapper struct {
	cache *gocache.Cache
}

// NewGoCache 创建基于go-cache的本地缓存
func NewGoCache(config LocalConfig) Cache {
	return &goCacheWrapper{
		cache: gocache.New(config.DefaultExpiration, config.CleanupInterval),
	}
}

func (g *goCacheWrapper) Get(_ context.Context, key string) (interface{}, bool) {
	return g.cache.Get(key)
}

func (g *goCacheWrapper) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	g.cache.Set(key, value, expiration)
	return nil
}

func (g *goCacheWrapper) Delete(_ context.Context, key string) error {
	g.cache.Delete(key)
	return nil
}

func (g *goCacheWrapper) Exists(_ context.Context, key string) bool {
	_, ok := g.cache.Get(key)
	return ok
}

func (g *goCacheWrapper) Close() error {
	g.cache.Flush()
	return nil
}
