package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/errand-dispatch/internal/geo"
	"github.com/example/errand-dispatch/internal/models"
)

// Client is the interface used for routed travel-time lookups.
type Client interface {
	EstimateSeconds(from, to models.GeoPoint) (float64, error)
}

// Cache is a tiny in-memory TTL cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.GeoPoint) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

// Get returns a cached value if present and not expired.
func (c *Cache) Get(a, b models.GeoPoint) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.GeoPoint, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is the fallback estimator when no routing engine is
// configured: straight-line distance over an average city speed.
func EstimateSeconds(from, to models.GeoPoint, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = geo.DefaultSpeedKmh
	}
	d := geo.DistanceKm(from, to)
	return d / speedKmh * 3600
}
