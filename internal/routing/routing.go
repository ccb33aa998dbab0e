package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// ErrRouteUnavailable means the collaborator could not produce a route for
// the pair. Dispatch treats it as an invalid request, not a retryable fault.
var ErrRouteUnavailable = errors.New("route unavailable")

// Client is the routing collaborator the dispatch coordinator consumes.
type Client interface {
	GetRoute(ctx context.Context, origin, destination models.Coord) (models.Route, error)
}

// StraightLine estimates a route from great-circle distance and an assumed
// average speed. It backs local runs and is the fallback when no routing
// backend is configured.
type StraightLine struct {
	SpeedMps float64
}

func (s StraightLine) GetRoute(_ context.Context, origin, destination models.Coord) (models.Route, error) {
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h city average
	}
	d := geo.Haversine(origin.Lat, origin.Lon, destination.Lat, destination.Lon)
	return models.Route{DistanceMeters: d, DurationSeconds: d / speed}, nil
}

// Cache memoizes route lookups keyed by the coordinate pair, with a TTL.
// Route answers for a fixed pair barely change inside a dispatch window, so
// this keeps repeated quotes off the routing backend.
type Cache struct {
	next  Client
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	route models.Route
	ts    time.Time
}

func NewCache(next Client, ttl time.Duration) *Cache {
	return &Cache{next: next, store: make(map[string]cacheEntry), ttl: ttl}
}

func (c *Cache) GetRoute(ctx context.Context, origin, destination models.Coord) (models.Route, error) {
	k := keyFor(origin, destination)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && time.Since(e.ts) <= c.ttl {
		return e.route, nil
	}
	route, err := c.next.GetRoute(ctx, origin, destination)
	if err != nil {
		return models.Route{}, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{route: route, ts: time.Now()}
	c.mu.Unlock()
	return route, nil
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}
