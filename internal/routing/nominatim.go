package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/planner"
)

// NominatimSearcher resolves free text to places using a Nominatim server.
type NominatimSearcher struct {
	Endpoint  string
	UserAgent string
	Limit     int
	Client    *http.Client
}

func NewNominatimSearcher(endpoint, userAgent string, limit int) *NominatimSearcher {
	return &NominatimSearcher{
		Endpoint:  strings.TrimRight(endpoint, "/"),
		UserAgent: userAgent,
		Limit:     limit,
		Client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (n *NominatimSearcher) Search(ctx context.Context, query string, region planner.Region) ([]models.PlaceCandidate, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "jsonv2")
	if n.Limit > 0 {
		q.Set("limit", strconv.Itoa(n.Limit))
	}
	if region.SpanKm > 0 && (region.Center != models.Coord{}) {
		// ~111km per degree; good enough for a viewbox hint
		d := region.SpanKm / 111.0
		q.Set("viewbox", fmt.Sprintf("%.6f,%.6f,%.6f,%.6f",
			region.Center.Lon-d, region.Center.Lat+d, region.Center.Lon+d, region.Center.Lat-d))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if n.UserAgent != "" {
		req.Header.Set("User-Agent", n.UserAgent)
	}
	resp, err := n.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nominatim: status %d", resp.StatusCode)
	}
	var places []struct {
		PlaceID     int64  `json:"place_id"`
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return nil, fmt.Errorf("nominatim: decode: %w", err)
	}
	out := make([]models.PlaceCandidate, 0, len(places))
	for _, p := range places {
		lat, err1 := strconv.ParseFloat(p.Lat, 64)
		lon, err2 := strconv.ParseFloat(p.Lon, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		label := p.Name
		if label == "" {
			label = p.DisplayName
		}
		out = append(out, models.PlaceCandidate{
			Label:   label,
			Address: p.DisplayName,
			Loc:     models.Coord{Lat: lat, Lon: lon},
			Handle:  strconv.FormatInt(p.PlaceID, 10),
		})
	}
	return out, nil
}
