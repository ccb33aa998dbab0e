package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Candidate is a presence that passed the nearby filters, annotated with its
// great-circle distance to the query point.
type Candidate struct {
	models.DriverPresence
	DistanceMeters float64
}

// Index is the contract the dispatch coordinator depends on. An empty result
// from Nearby is a normal outcome, never an error.
type Index interface {
	UpsertPresence(ctx context.Context, p models.DriverPresence) error
	SetAvailability(ctx context.Context, driverID string, available bool) error
	Nearby(ctx context.Context, point models.Coord, radiusMeters float64, class models.VehicleClass, limit int) ([]Candidate, error)
}

// MemoryIndex is a map scan behind an RWMutex. Fine for one process and for
// tests; production deployments use RedisIndex.
type MemoryIndex struct {
	mu        sync.RWMutex
	drivers   map[string]models.DriverPresence
	staleness time.Duration
	now       func() time.Time
}

func NewMemoryIndex(staleness time.Duration) *MemoryIndex {
	return &MemoryIndex{
		drivers:   make(map[string]models.DriverPresence),
		staleness: staleness,
		now:       time.Now,
	}
}

func (g *MemoryIndex) UpsertPresence(_ context.Context, p models.DriverPresence) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Updated.IsZero() {
		p.Updated = g.now()
	}
	g.drivers[p.DriverID] = p
	return nil
}

func (g *MemoryIndex) SetAvailability(_ context.Context, driverID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.drivers[driverID]
	if !ok {
		return nil
	}
	p.Available = available
	g.drivers[driverID] = p
	return nil
}

func (g *MemoryIndex) Nearby(_ context.Context, point models.Coord, radiusMeters float64, class models.VehicleClass, limit int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cutoff := g.now().Add(-g.staleness)
	out := make([]Candidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Available || d.Class != class {
			continue
		}
		if d.Updated.Before(cutoff) {
			continue
		}
		dist := Haversine(point.Lat, point.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusMeters {
			continue
		}
		out = append(out, Candidate{DriverPresence: d, DistanceMeters: dist})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine is the great-circle distance in meters. Flat Euclidean distance
// drifts noticeably at city scale, so everything goes through this.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
