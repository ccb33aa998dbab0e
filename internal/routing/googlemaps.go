package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/models"
)

// GoogleMapsClient resolves routes through the Directions API. Used in
// deployments without a self-hosted OSRM.
type GoogleMapsClient struct {
	client *maps.Client
}

func NewGoogleMapsClient(apiKey string) (*GoogleMapsClient, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("maps client: %w", err)
	}
	return &GoogleMapsClient{client: c}, nil
}

func (g *GoogleMapsClient) GetRoute(ctx context.Context, origin, destination models.Coord) (models.Route, error) {
	req := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%f,%f", origin.Lat, origin.Lon),
		Destination: fmt.Sprintf("%f,%f", destination.Lat, destination.Lon),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, req)
	if err != nil {
		return models.Route{}, fmt.Errorf("%w: %v", ErrRouteUnavailable, err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return models.Route{}, fmt.Errorf("%w: no route returned", ErrRouteUnavailable)
	}
	leg := routes[0].Legs[0]
	return models.Route{
		DistanceMeters:  float64(leg.Distance.Meters),
		DurationSeconds: leg.Duration.Seconds(),
	}, nil
}
