package cache

import (
	"context"
	"sync"
	"time"
)

// localCache 本地缓存实现（无第三方依赖，测试默认使用）
type localCache struct {
	config LocalConfig
	mu     sync.RWMutex
	items  map[string]localItem
	stop   chan struct{}
	once   sync.Once
}

type localItem struct {
	value     interface{}
	expiresAt time.Time // 零值表示不过期
}

// NewLocalCache 创建本地缓存
func NewLocalCache(config LocalConfig) Cache {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 10 * time.Minute
	}
	c := &localCache{
		config: config,
		items:  make(map[string]localItem),
		stop:   make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *localCache) janitor() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for k, item := range c.items {
				if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *localCache) Get(_ context.Context, key string) (interface{}, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		_ = c.Delete(context.Background(), key)
		return nil, false
	}
	return item.value, true
}

func (c *localCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	if expiration <= 0 {
		expiration = c.config.DefaultExpiration
	}
	item := localItem{value: value}
	if expiration > 0 {
		item.expiresAt = time.Now().Add(expiration)
	}
	c.mu.Lock()
	c.items[key] = item
	c.mu.Unlock()
	return nil
}

func (c *localCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

func (c *localCache) Exists(ctx context.Context, key string) bool {
	_, ok := c.Get(ctx, key)
	return ok
}

func (c *localCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}
