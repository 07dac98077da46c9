package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-session/internal/models"
)

// OSRMRouter performs route lookups against an OSRM HTTP server.
type OSRMRouter struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMRouter(endpoint string) *OSRMRouter {
	return &OSRMRouter{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 5 * time.Second}}
}

// Route queries OSRM /route and returns the primary route with its full
// geometry. "NoRoute" and an empty route list map to ErrRouteUnavailable.
func (o *OSRMRouter) Route(ctx context.Context, from, to models.Coord) (models.Route, error) {
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return models.Route{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Duration float64 `json:"duration"`
			Distance float64 `json:"distance"`
			Geometry struct {
				Coordinates [][2]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Route{}, fmt.Errorf("osrm: decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.Route{}, fmt.Errorf("osrm: code %q: %w", out.Code, models.ErrRouteUnavailable)
	}
	r := out.Routes[0]
	poly := make([]models.Coord, 0, len(r.Geometry.Coordinates))
	for _, c := range r.Geometry.Coordinates {
		poly = append(poly, models.Coord{Lat: c[1], Lon: c[0]})
	}
	return models.Route{
		Polyline:        poly,
		Handle:          fmt.Sprintf("osrm:%.6f,%.6f;%.6f,%.6f", from.Lon, from.Lat, to.Lon, to.Lat),
		DistanceMeters:  r.Distance,
		DurationSeconds: r.Duration,
	}, nil
}
