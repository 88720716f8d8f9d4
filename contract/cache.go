package contract

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"signflow/db"
	"signflow/metrics"
)

// Cache is a read-through LRU of contract instances used to decorate
// notification payloads with title and number. Lifecycle decisions never read
// from it.
type Cache struct {
	q     db.DBTX
	store Store
	lru   *expirable.LRU[string, Instance]
}

// NewCache builds a cache of at most size entries, each living for ttl.
func NewCache(q db.DBTX, store Store, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 256
	}
	return &Cache{
		q:     q,
		store: store,
		lru:   expirable.NewLRU[string, Instance](size, nil, ttl),
	}
}

// Get returns the cached instance or loads it through the store.
func (c *Cache) Get(ctx context.Context, id string) (Instance, error) {
	if in, ok := c.lru.Get(id); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return in, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	in, err := c.store.Get(ctx, c.q, id)
	if err != nil {
		return Instance{}, err
	}
	c.lru.Add(id, in)
	return in, nil
}

// Forget drops an entry after its lifecycle changed.
func (c *Cache) Forget(id string) {
	c.lru.Remove(id)
}
