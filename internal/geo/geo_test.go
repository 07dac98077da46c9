package geo

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-session/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineSeoulBusan(t *testing.T) {
	d := Haversine(37.5665, 126.9780, 35.1796, 129.0756)
	if d < 320000 || d > 330000 {
		t.Fatalf("unexpected distance %f", d)
	}
}

func TestIndexNearbyFiltersByRadius(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.DriverPosition{UID: "near", Loc: models.Coord{Lat: 37.57, Lon: 126.98}})
	idx.Upsert(models.DriverPosition{UID: "far", Loc: models.Coord{Lat: 35.18, Lon: 129.08}})
	got, err := idx.Nearby(context.Background(), models.Coord{Lat: 37.5665, Lon: 126.9780}, 50, 0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 1 || got[0].UID != "near" {
		t.Fatalf("got=%+v", got)
	}
}

func TestIndexPrunesSilentDrivers(t *testing.T) {
	now := time.Unix(1000, 0)
	idx := NewIndex()
	idx.now = func() time.Time { return now }
	idx.MaxAge = time.Minute
	idx.Upsert(models.DriverPosition{UID: "parked", Loc: models.Coord{Lat: 1, Lon: 1}})
	idx.Upsert(models.DriverPosition{UID: "gone", Loc: models.Coord{Lat: 1, Lon: 1}})

	now = now.Add(50 * time.Second)
	idx.Upsert(models.DriverPosition{UID: "parked", Loc: models.Coord{Lat: 1, Lon: 1}})
	now = now.Add(20 * time.Second)

	got, err := idx.Nearby(context.Background(), models.Coord{Lat: 1, Lon: 1}, 50, 0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 1 || got[0].UID != "parked" {
		t.Fatalf("got=%+v", got)
	}
	if gone := idx.Prune(); len(gone) != 0 {
		t.Fatalf("second prune removed %v", gone)
	}
}

func TestFeedReemitsStationaryDriver(t *testing.T) {
	idx := NewIndex()
	idx.MaxAge = 200 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	report := func() { idx.Upsert(models.DriverPosition{UID: "d1", Loc: models.Coord{Lat: 1, Lon: 1}}) }
	report()
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report()
			}
		}
	}()

	f := &Feed{Source: idx, Interval: 10 * time.Millisecond}
	ch, err := f.SubscribeNearbyDrivers(ctx, models.Coord{Lat: 1, Lon: 1}, 50)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// well past MaxAge the parked driver is still delivered on every poll
	deadline := time.After(400 * time.Millisecond)
	seen := 0
	for {
		select {
		case p := <-ch:
			if p.UID != "d1" || p.Loc.Lat != 1 {
				t.Fatalf("p=%+v", p)
			}
			seen++
		case <-deadline:
			if seen < 10 {
				t.Fatalf("stationary driver emitted %d times", seen)
			}
			return
		}
	}
}

func TestFeedStopsEmittingSilentDriver(t *testing.T) {
	idx := NewIndex()
	idx.MaxAge = 30 * time.Millisecond
	idx.Upsert(models.DriverPosition{UID: "d1", Loc: models.Coord{Lat: 1, Lon: 1}})
	f := &Feed{Source: idx, Interval: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := f.SubscribeNearbyDrivers(ctx, models.Coord{Lat: 1, Lon: 1}, 50)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if p := <-ch; p.UID != "d1" {
		t.Fatalf("first=%+v", p)
	}
	time.Sleep(60 * time.Millisecond)
	// drain anything emitted before the driver aged out
	for {
		select {
		case <-ch:
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	select {
	case p := <-ch:
		t.Fatalf("silent driver still emitted %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}
