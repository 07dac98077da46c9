package geo

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-session/internal/models"
)

// Feed turns a polled Source into a stream of driver positions. Each poll
// re-emits every driver the source still reports, so a parked driver keeps
// its marker fresh; drivers that go silent are pruned by the source.
type Feed struct {
	Source   Source
	Interval time.Duration
	Limit    int
	Logger   *slog.Logger
}

func (f *Feed) SubscribeNearbyDrivers(ctx context.Context, center models.Coord, radiusKm float64) (<-chan models.DriverPosition, error) {
	// Probe once so a broken source fails the subscription instead of the stream.
	first, err := f.Source.Nearby(ctx, center, radiusKm, f.Limit)
	if err != nil {
		return nil, err
	}
	interval := f.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	out := make(chan models.DriverPosition, 64)
	go func() {
		defer close(out)
		emit := func(ps []models.DriverPosition) bool {
			for _, p := range ps {
				select {
				case out <- p:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}
		if !emit(first) {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ps, err := f.Source.Nearby(ctx, center, radiusKm, f.Limit)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					if f.Logger != nil {
						f.Logger.Warn("nearby drivers poll failed", "error", err)
					}
					continue
				}
				if !emit(ps) {
					return
				}
			}
		}
	}()
	return out, nil
}
