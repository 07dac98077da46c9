package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-session/internal/models"
)

// Source answers "which drivers are within radius of center".
type Source interface {
	Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.DriverPosition, error)
}

// Index is an in-memory driver position store. With MaxAge set, drivers
// that have not reported within it are pruned before each lookup.
type Index struct {
	MaxAge time.Duration

	mu      sync.RWMutex
	drivers map[string]entry
	now     func() time.Time
}

type entry struct {
	loc     models.Coord
	updated time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]entry), now: time.Now}
}

func (g *Index) Upsert(p models.DriverPosition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[p.UID] = entry{loc: p.Loc, updated: g.now()}
}

// Prune drops drivers silent for longer than MaxAge and returns their uids.
func (g *Index) Prune() []string {
	if g.MaxAge <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-g.MaxAge)
	var gone []string
	for uid, e := range g.drivers {
		if e.updated.Before(cutoff) {
			delete(g.drivers, uid)
			gone = append(gone, uid)
		}
	}
	sort.Strings(gone)
	return gone
}

// naive scan; fine for a single session's worth of drivers
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusKm float64, limit int) ([]models.DriverPosition, error) {
	g.Prune()
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    models.DriverPosition
		dist float64
	}
	radiusM := radiusKm * 1000
	arr := make([]pair, 0, len(g.drivers))
	for uid, e := range g.drivers {
		dist := Haversine(center.Lat, center.Lon, e.loc.Lat, e.loc.Lon)
		if dist > radiusM {
			continue
		}
		arr = append(arr, pair{models.DriverPosition{UID: uid, Loc: e.loc}, dist})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].p.UID < arr[j].p.UID
		}
		return arr[i].dist < arr[j].dist
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.DriverPosition, 0, len(arr))
	for _, a := range arr {
		out = append(out, a.p)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
