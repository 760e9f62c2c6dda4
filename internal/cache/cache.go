package cache

import (
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ResponseCache 按方法缓存序列化后的响应结果，过期后在下一次访问时重新计算
//
// 条目只按 TTL 过期；Flush 用于在库集合替换时立即清空。
type ResponseCache struct {
	items *gocache.Cache
}

// New 创建响应缓存，cleanupInterval 为后台清理过期条目的间隔
func New(cleanupInterval time.Duration) *ResponseCache {
	return &ResponseCache{
		items: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

// GetOrCompute 命中且未过期时返回缓存值的副本，否则调用 compute 并写入缓存
func (c *ResponseCache) GetOrCompute(key string, ttl time.Duration, compute func() (json.RawMessage, error)) (json.RawMessage, error) {
	if v, ok := c.items.Get(key); ok {
		return clone(v.(json.RawMessage)), nil
	}

	value, err := compute()
	if err != nil {
		return nil, err
	}

	c.items.Set(key, clone(value), ttl)
	return value, nil
}

// Flush 清空全部条目
func (c *ResponseCache) Flush() {
	c.items.Flush()
}

// Len 返回当前条目数（包括尚未清理的过期条目）
func (c *ResponseCache) Len() int {
	return c.items.ItemCount()
}

func clone(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
