package cache

import (
	"context"
	"time"
)

// Cache 缓存接口
type Cache interface {
	// Get 获取缓存值
	Get(ctx context.Context, key string) (interface{}, bool)

	// Set 设置缓存值
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error

	// Delete 删除缓存
	Delete(ctx context.Context, key string) error

	// Exists 检查键是否存在
	Exists(ctx context.Context, key string) bool

	// Close 关闭缓存连接
	Close() error
}

// Config 缓存配置
type Config struct {
	// 缓存类型: "local"、"gocache" 或 "redis"
	Type string `json:"type" env:"CACHE_TYPE"`

	// Redis配置
	Redis RedisConfig `json:"redis"`

	// 本地缓存配置
	Local LocalConfig `json:"local"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`

	// 连接池大小
	PoolSize int `json:"pool_size" env:"REDIS_POOL_SIZE"`

	// 最小空闲连接数
	MinIdleConns int `json:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS"`

	// 连接超时时间
	DialTimeout time.Duration `json:"dial_timeout" env:"REDIS_DIAL_TIMEOUT"`
}

// LocalConfig 本地缓存配置
type LocalConfig struct {
	// 默认过期时间
	DefaultExpiration time.Duration `json:"default_expiration"`

	// 清理间隔
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultLocalConfig 默认本地缓存配置
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		DefaultExpiration: 5 * time.Minute,
		CleanupInterval:   10 * time.Minute,
	}
}
