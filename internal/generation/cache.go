package generation

import (
	"container/list"
	"hash/fnv"
	"strconv"
	"sync"
)

// resultCache is a small LRU keyed by correlation id and request content.
type resultCache struct {
	mu    sync.Mutex
	size  int
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	key    string
	result Result
}

func newResultCache(size int) *resultCache {
	return &resultCache{
		size:  size,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func cacheKey(req Request) string {
	if req.CorrelationID == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Prompt))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(req.AdditionalContext))
	return req.CorrelationID + ":" + strconv.FormatUint(h.Sum64(), 16)
}

func (c *resultCache) get(key string) (Result, bool) {
	if c == nil || key == "" {
		return Result{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return Result{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).result.clone(), true
}

func (c *resultCache) put(key string, r Result) {
	if c == nil || key == "" || c.size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).result = r.clone()
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, result: r.clone()})
	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
