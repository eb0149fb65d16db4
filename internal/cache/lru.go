package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// lruPolicy orders keys by recency using hashicorp/golang-lru/v2's
// Cache as a pure access-order tracker (sized generously so it never
// auto-evicts on its own; the front-end Cache decides when and how
// many entries to evict, per spec §4.J's eviction_factor batching).
// This is the same library syncthing (elsewhere in the retrieval
// pack) depends on for its block cache, adopted here instead of
// reimplementing container/list bookkeeping the teacher's BlockCache
// already shows a stdlib version of.
type lruPolicy struct {
	order *lru.Cache[string, struct{}]
}

func newLRUPolicy(capacity int) *lruPolicy {
	if capacity <= 0 {
		capacity = 1024
	}
	// Headroom avoids the library's own capacity-triggered eviction
	// racing with the front-end's eviction-factor batch eviction.
	c, _ := lru.New[string, struct{}](capacity*2 + 16)
	return &lruPolicy{order: c}
}

func (p *lruPolicy) Add(key string)   { p.order.Add(key, struct{}{}) }
func (p *lruPolicy) Touch(key string) { p.order.Get(key) }
func (p *lruPolicy) Remove(key string) {
	p.order.Remove(key)
}
func (p *lruPolicy) Len() int { return p.order.Len() }

func (p *lruPolicy) Evict() (string, bool) {
	key, _, ok := p.order.RemoveOldest()
	return key, ok
}
