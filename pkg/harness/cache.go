package harness

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheKey struct {
	class  string
	method string
	caller Identity
}

// preparedCache keeps the bytes of recently prepared routine classes.
type preparedCache struct {
	cache *lru.Cache[cacheKey, []byte]
}

func newPreparedCache(size int) (*preparedCache, error) {
	lcache, err := lru.New[cacheKey, []byte](size)
	if err != nil {
		return nil, err
	}
	return &preparedCache{
		cache: lcache,
	}, nil
}

func (c *preparedCache) Add(key cacheKey, data []byte) {
	c.cache.Add(key, data)
}

func (c *preparedCache) Get(key cacheKey) ([]byte, bool) {
	return c.cache.Get(key)
}

// Forget removes every entry prepared from class.
func (c *preparedCache) Forget(class string) {
	for _, key := range c.cache.Keys() {
		if key.class == class {
			c.cache.Remove(key)
		}
	}
}

func (c *preparedCache) Len() int {
	return c.cache.Len()
}
