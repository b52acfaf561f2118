package util

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// CacheConfig 用于配置 LRU 缓存的行为。
type CacheConfig struct {
	// Capacity 是缓存的最大元素数量，必须大于 0。
	Capacity int
	// TTL 是元素的存活时间。如果为 0，则元素永不过期。
	TTL time.Duration
}

// entry 结构体用于存储链表节点中的实际数据。
type entry[K comparable, V any] struct {
	key        K
	value      V
	expiration time.Time
}

// LRUCache 是一个支持泛型、线程安全的 LRU 缓存。
// M2M 引擎用它记录最近处理过的请求及其回复，重复投递时幂等重放。
type LRUCache[K comparable, V any] struct {
	config CacheConfig
	ll     *list.List
	cache  map[K]*list.Element
	lock   sync.Mutex
}

// NewWithConfig 使用指定的配置创建一个 LRU 缓存实例。
func NewWithConfig[K comparable, V any](config CacheConfig) (*LRUCache[K, V], error) {
	if config.Capacity <= 0 {
		return nil, fmt.Errorf("必须设置大于 0 的 Capacity")
	}
	return &LRUCache[K, V]{
		config: config,
		ll:     list.New(),
		cache:  make(map[K]*list.Element),
	}, nil
}

// Get 方法根据键获取一个值。过期的元素被动淘汰。
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	element, ok := c.cache[key]
	if !ok {
		var zeroV V
		return zeroV, false
	}

	ent := element.Value.(*entry[K, V])
	if c.config.TTL > 0 && time.Now().After(ent.expiration) {
		c.removeElement(element)
		var zeroV V
		return zeroV, false
	}

	c.ll.MoveToFront(element)
	return ent.value, true
}

// Put 方法向缓存中添加或更新一个键值对。
func (c *LRUCache[K, V]) Put(key K, value V) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if element, ok := c.cache[key]; ok {
		ent := element.Value.(*entry[K, V])
		ent.value = value
		if c.config.TTL > 0 {
			ent.expiration = time.Now().Add(c.config.TTL)
		}
		c.ll.MoveToFront(element)
		return
	}

	newEntry := &entry[K, V]{key: key, value: value}
	if c.config.TTL > 0 {
		newEntry.expiration = time.Now().Add(c.config.TTL)
	}
	c.cache[key] = c.ll.PushFront(newEntry)

	for c.ll.Len() > c.config.Capacity {
		if back := c.ll.Back(); back != nil {
			c.removeElement(back)
		}
	}
}

// removeElement 是一个内部辅助函数，用于从链表和 map 中移除元素。
// 此方法假设已持有锁。
func (c *LRUCache[K, V]) removeElement(e *list.Element) {
	c.ll.Remove(e)
	ent := e.Value.(*entry[K, V])
	delete(c.cache, ent.key)
}

// Len 返回当前缓存中的条目数量。
func (c *LRUCache[K, V]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ll.Len()
}
