// Package routecache keeps recently read routes in an LRU so progress queries
// do not hit the database for stop lists that never change.
package routecache

import (
	"context"
	"time"

	"github.com/bluele/gcache"

	mmetrics "bustracker/internal/metrics"
	"bustracker/internal/transit"
)

type Store interface {
	GetRoute(ctx context.Context, routeID string) (*transit.Route, error)
	CreateRoute(ctx context.Context, r *transit.Route) error
}

type Cache struct {
	store   Store
	lru     gcache.Cache
	metrics *mmetrics.Collector
}

func New(store Store, size int, ttl time.Duration, metrics *mmetrics.Collector) *Cache {
	if size <= 0 {
		size = 256
	}
	b := gcache.New(size).LRU()
	if ttl > 0 {
		b = b.Expiration(ttl)
	}
	return &Cache{store: store, lru: b.Build(), metrics: metrics}
}

// GetRoute reads through the cache. Lookup failures are not cached.
func (c *Cache) GetRoute(ctx context.Context, routeID string) (*transit.Route, error) {
	routeID = transit.NormalizeRouteID(routeID)
	if v, err := c.lru.Get(routeID); err == nil {
		c.count("hit")
		return clone(v.(*transit.Route)), nil
	}
	c.count("miss")
	r, err := c.store.GetRoute(ctx, routeID)
	if err != nil {
		return nil, err
	}
	_ = c.lru.Set(routeID, clone(r))
	return r, nil
}

// CreateRoute writes to the store and primes the cache.
func (c *Cache) CreateRoute(ctx context.Context, r *transit.Route) error {
	if err := c.store.CreateRoute(ctx, r); err != nil {
		return err
	}
	cached := clone(r)
	cached.ID = transit.NormalizeRouteID(r.ID)
	_ = c.lru.Set(cached.ID, cached)
	return nil
}

func (c *Cache) Purge() { c.lru.Purge() }

func (c *Cache) Len() int { return c.lru.Len(false) }

func (c *Cache) count(result string) {
	if c.metrics != nil {
		c.metrics.RouteCache.WithLabelValues(result).Inc()
	}
}

func clone(r *transit.Route) *transit.Route {
	c := *r
	c.Stops = append([]transit.Stop(nil), r.Stops...)
	return &c
}
