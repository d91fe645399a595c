package policy

import (
	"container/list"
	"sync"
	"time"
)

// decisionCache is a small LRU with TTL keyed by a hash of the input.
type decisionCache struct {
	cap  int
	ttl  time.Duration
	mu   sync.Mutex
	list *list.List // MRU at front
	m    map[string]*list.Element
	now  func() time.Time
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(capacity int, ttl time.Duration) *decisionCache {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{cap: capacity, ttl: ttl, list: list.New(), m: make(map[string]*list.Element), now: time.Now}
}

func (c *decisionCache) get(key string) (*Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[key]
	if !ok {
		return nil, false
	}
	ce := el.Value.(cacheEntry)
	if !ce.expiresAt.After(c.now()) {
		c.list.Remove(el)
		delete(c.m, key)
		return nil, false
	}
	c.list.MoveToFront(el)
	cp := *ce.decision
	return &cp, true
}

func (c *decisionCache) set(key string, d *Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *d
	entry := cacheEntry{key: key, expiresAt: c.now().Add(c.ttl), decision: &cp}
	if el, ok := c.m[key]; ok {
		el.Value = entry
		c.list.MoveToFront(el)
		return
	}
	c.m[key] = c.list.PushFront(entry)
	if c.list.Len() > c.cap {
		if lru := c.list.Back(); lru != nil {
			delete(c.m, lru.Value.(cacheEntry).key)
			c.list.Remove(lru)
		}
	}
	policyCacheSize.Set(float64(c.list.Len()))
}

func (c *decisionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
	policyCacheSize.Set(0)
}

func (c *decisionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}
