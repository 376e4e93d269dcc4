package utils

import (
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// TTLCache 进程内短期缓存；同一个 key 的并发加载只执行一次
type TTLCache struct {
	store *cache.Cache
	group singleflight.Group
}

// NewTTLCache 创建缓存，清理间隔为 ttl 的两倍
func NewTTLCache(ttl time.Duration) *TTLCache {
	return &TTLCache{store: cache.New(ttl, 2*ttl)}
}

// GetOrLoad 命中直接返回；否则调用 load 并缓存成功结果，失败不缓存
func (c *TTLCache) GetOrLoad(key string, load func() (interface{}, error)) (interface{}, error) {
	if v, ok := c.store.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		v, err := load()
		if err != nil {
			return nil, err
		}
		c.store.SetDefault(key, v)
		return v, nil
	})
	return v, err
}

// Delete 删除缓存
func (c *TTLCache) Delete(key string) {
	c.store.Delete(key)
}
