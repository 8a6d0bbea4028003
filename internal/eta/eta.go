// Package eta estimates driving time between two points.
package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/models"
)

// DefaultSpeedMps is roughly 30 km/h, a campus-road average.
const DefaultSpeedMps = 8.33

// Client is the interface used by the matcher to get ETAs.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a small in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f->%.5f,%.5f", a.Lat, a.Lng, b.Lat, b.Lng)
}

// Get returns the cached value if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Straight estimates from great-circle distance at a fixed speed.
type Straight struct {
	SpeedMps float64
}

func (s Straight) EstimateSeconds(_ context.Context, from, to models.Coord) (float64, error) {
	speed := s.SpeedMps
	if speed <= 0 {
		speed = DefaultSpeedMps
	}
	return geo.Haversine(from.Lat, from.Lng, to.Lat, to.Lng) / speed, nil
}

// Cached consults cache before Primary and falls back to Fallback when
// Primary fails. Primary may be nil.
type Cached struct {
	Primary  Client
	Fallback Client
	Cache    *Cache
}

func (c *Cached) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if c.Primary != nil {
		if v, err := c.Primary.EstimateSeconds(ctx, from, to); err == nil {
			if c.Cache != nil {
				c.Cache.Set(from, to, v)
			}
			return v, nil
		}
	}
	if c.Fallback == nil {
		return 0, fmt.Errorf("no eta for %s", keyFor(from, to))
	}
	return c.Fallback.EstimateSeconds(ctx, from, to)
}
