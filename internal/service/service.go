package service

import (
	"sync"

	"github.com/google/uuid"
)

// Publisher 向实时通道推送位置更新，由websocket hub实现
type Publisher interface {
	PublishLocation(targetID string, payload interface{})
}

// NewID 生成实体主键
func NewID() string {
	return uuid.NewString()
}

// keyedMutex 按key串行化：同key互斥，不同key并行。
// 条目带引用计数，释放后从map移除，不随key空间增长。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// Lock 获取key对应的锁，返回解锁函数
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
