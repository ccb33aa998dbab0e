package geo

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex stores positions with GEOADD and per-driver metadata (class,
// availability, last update) in a hash. Readers may see a presence set that
// lags writers by up to the staleness window; that is the accepted relaxation.
type RedisIndex struct {
	client    *redis.Client
	key       string
	staleness time.Duration
}

func NewRedisIndex(client *redis.Client, key string, staleness time.Duration) *RedisIndex {
	return &RedisIndex{client: client, key: key, staleness: staleness}
}

func (r *RedisIndex) UpsertPresence(ctx context.Context, p models.DriverPresence) error {
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: p.Loc.Lon,
		Latitude:  p.Loc.Lat,
		Name:      p.DriverID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
		"class":     string(p.Class),
		"available": strconv.FormatBool(p.Available),
		"updated":   p.Updated.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisIndex) SetAvailability(ctx context.Context, driverID string, available bool) error {
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"available": strconv.FormatBool(available),
	}).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, point models.Coord, radiusMeters float64, class models.VehicleClass, limit int) ([]Candidate, error) {
	// Over-fetch: GEORADIUS cannot filter on class/availability, so the
	// metadata filter below will discard some of these.
	count := 0
	if limit > 0 {
		count = limit * 4
	}
	res, err := r.client.GeoRadius(ctx, r.key, point.Lon, point.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     count,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-r.staleness)
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if m["available"] != "true" || models.VehicleClass(m["class"]) != class {
			continue
		}
		updated, err := time.Parse(time.RFC3339Nano, m["updated"])
		if err != nil || updated.Before(cutoff) {
			continue
		}
		out = append(out, Candidate{
			DriverPresence: models.DriverPresence{
				DriverID:  g.Name,
				Loc:       models.Coord{Lat: g.Latitude, Lon: g.Longitude},
				Class:     class,
				Available: true,
				Updated:   updated,
			},
			DistanceMeters: g.Dist,
		})
	}
	// GEORADIUS sorts, but the metadata pass preserves order anyway; keep the
	// sort so both implementations honor the same contract.
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
