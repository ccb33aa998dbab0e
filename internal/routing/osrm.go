package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// GetRoute queries OSRM /route between the points and returns distance in
// meters and duration in seconds.
func (o *OSRMClient) GetRoute(ctx context.Context, origin, destination models.Coord) (models.Route, error) {
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}?overview=false
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.Endpoint, origin.Lon, origin.Lat, destination.Lon, destination.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return models.Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return models.Route{}, fmt.Errorf("%w: %v", ErrRouteUnavailable, err)
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Route{}, fmt.Errorf("%w: %v", ErrRouteUnavailable, err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.Route{}, fmt.Errorf("%w: osrm code %q", ErrRouteUnavailable, out.Code)
	}
	return models.Route{DistanceMeters: out.Routes[0].Distance, DurationSeconds: out.Routes[0].Duration}, nil
}
