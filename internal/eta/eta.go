// Package eta computes distance and duration estimates for a ride. A routed
// estimate is preferred; when the routing provider is unreachable the
// haversine fallback guarantees a deterministic answer, so callers always
// have a number to show.
package eta

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Router is the external routing provider boundary.
type Router interface {
	Route(from, to models.Coord) (models.RouteEstimate, error)
}

// minutesPerKm is an empirical average-speed proxy for urban two-wheel
// traffic, used only by the fallback path.
const minutesPerKm = 3.0

type Estimator struct {
	Router Router // optional
	Cache  *Cache // optional
	Logger *slog.Logger
}

// DistanceKm is the great-circle distance between a and b. Pure, no I/O.
func (e *Estimator) DistanceKm(a, b models.Coord) float64 {
	return geo.HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Route returns a routed distance/duration estimate, falling back to the
// haversine distance and ceil(km*3) minutes on any provider failure. It
// never returns an error; routing degradation is absorbed here.
func (e *Estimator) Route(a, b models.Coord) models.RouteEstimate {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(a, b); ok {
			return v
		}
	}
	if e.Router != nil {
		if est, err := e.Router.Route(a, b); err == nil {
			if e.Cache != nil {
				e.Cache.Set(a, b, est)
			}
			return est
		} else if e.Logger != nil {
			e.Logger.Warn("routing provider unavailable, using haversine fallback", "error", err)
		}
	}
	km := e.DistanceKm(a, b)
	return models.RouteEstimate{
		DistanceKm:  km,
		DurationMin: int(math.Ceil(km * minutesPerKm)),
	}
}

// Cache is a tiny in-memory TTL cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  models.RouteEstimate
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

func (c *Cache) Get(a, b models.Coord) (models.RouteEstimate, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.RouteEstimate{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.RouteEstimate{}, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v models.RouteEstimate) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
