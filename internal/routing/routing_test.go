package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestStraightLineRoute(t *testing.T) {
	c := StraightLine{SpeedMps: 10}
	r, err := c.GetRoute(context.Background(), models.Coord{Lat: 12.0, Lon: 77.0}, models.Coord{Lat: 13.0, Lon: 77.0})
	if err != nil {
		t.Fatal(err)
	}
	if r.DistanceMeters < 110_000 || r.DistanceMeters > 112_500 {
		t.Fatalf("unexpected distance %f", r.DistanceMeters)
	}
	if r.DurationSeconds != r.DistanceMeters/10 {
		t.Fatalf("duration %f does not match distance/speed", r.DurationSeconds)
	}
}

func TestOSRMGetRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"Ok","routes":[{"distance":5000,"duration":600}]}`)
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	route, err := c.GetRoute(context.Background(), models.Coord{Lat: 1, Lon: 2}, models.Coord{Lat: 3, Lon: 4})
	if err != nil {
		t.Fatal(err)
	}
	if route.DistanceMeters != 5000 || route.DurationSeconds != 600 {
		t.Fatalf("unexpected route %+v", route)
	}
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	if _, err := c.GetRoute(context.Background(), models.Coord{}, models.Coord{}); !errors.Is(err, ErrRouteUnavailable) {
		t.Fatalf("expected ErrRouteUnavailable, got %v", err)
	}
}

type countingClient struct {
	calls int
}

func (c *countingClient) GetRoute(context.Context, models.Coord, models.Coord) (models.Route, error) {
	c.calls++
	return models.Route{DistanceMeters: 1000, DurationSeconds: 120}, nil
}

func TestCacheHitsSkipBackend(t *testing.T) {
	backend := &countingClient{}
	c := NewCache(backend, time.Minute)
	a := models.Coord{Lat: 1, Lon: 2}
	b := models.Coord{Lat: 3, Lon: 4}
	for i := 0; i < 5; i++ {
		if _, err := c.GetRoute(context.Background(), a, b); err != nil {
			t.Fatal(err)
		}
	}
	if backend.calls != 1 {
		t.Fatalf("expected 1 backend call, got %d", backend.calls)
	}
}
