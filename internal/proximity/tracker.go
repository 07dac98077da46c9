// Package proximity keeps the set of driver markers visible to a rider.
//
// The set is keyed by driver uid, so an update for a known driver moves its
// marker in place and the set can never hold two markers for one uid.
// Drivers that stop reporting are evicted once their marker is older than
// the configured TTL.
package proximity

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-session/internal/eventloop"
	"github.com/example/ride-session/internal/events"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
)

const DefaultRadiusKm = 50.0

// Feed is the backend proximity query.
type Feed interface {
	SubscribeNearbyDrivers(ctx context.Context, center models.Coord, radiusKm float64) (<-chan models.DriverPosition, error)
}

type Options struct {
	RadiusKm      float64
	TTL           time.Duration // 0 disables eviction
	SweepInterval time.Duration
	Now           func() time.Time
}

type Tracker struct {
	feed   Feed
	exec   eventloop.Executor
	sink   events.Sink
	logger *slog.Logger
	opts   Options

	markers map[string]*models.DriverMarker
	cancel  context.CancelFunc
	gen     uint64
}

func NewTracker(feed Feed, exec eventloop.Executor, sink events.Sink, logger *slog.Logger, opts Options) *Tracker {
	if opts.RadiusKm <= 0 {
		opts.RadiusKm = DefaultRadiusKm
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SweepInterval <= 0 && opts.TTL > 0 {
		opts.SweepInterval = opts.TTL / 4
	}
	return &Tracker{
		feed:    feed,
		exec:    exec,
		sink:    sink,
		logger:  logger,
		opts:    opts,
		markers: make(map[string]*models.DriverMarker),
	}
}

// Start subscribes around center. Positions are posted to the loop in
// arrival order. Calling Start again replaces the running subscription.
func (t *Tracker) Start(ctx context.Context, center models.Coord) error {
	t.stopSubscription()
	subCtx, cancel := context.WithCancel(ctx)
	positions, err := t.feed.SubscribeNearbyDrivers(subCtx, center, t.opts.RadiusKm)
	if err != nil {
		cancel()
		return err
	}
	t.cancel = cancel
	t.gen++
	gen := t.gen
	t.logger.Info("proximity tracking started", "lat", center.Lat, "lon", center.Lon, "radius_km", t.opts.RadiusKm)

	go t.pump(subCtx, gen, positions)
	return nil
}

func (t *Tracker) pump(ctx context.Context, gen uint64, positions <-chan models.DriverPosition) {
	var tick <-chan time.Time
	if t.opts.TTL > 0 {
		ticker := time.NewTicker(t.opts.SweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case pos, ok := <-positions:
			if !ok {
				return
			}
			t.exec.Post(func() {
				if t.gen == gen {
					t.Apply(pos)
				}
			})
		case <-tick:
			t.exec.Post(func() {
				if t.gen == gen {
					t.Sweep(t.opts.Now())
				}
			})
		}
	}
}

// Apply upserts the marker for pos.UID.
func (t *Tracker) Apply(pos models.DriverPosition) {
	if pos.UID == "" {
		t.logger.Warn("dropping driver position without uid", "lat", pos.Loc.Lat, "lon", pos.Loc.Lon)
		return
	}
	now := t.opts.Now()
	m, ok := t.markers[pos.UID]
	if ok {
		m.Loc = pos.Loc
		m.UpdatedAt = now
	} else {
		m = &models.DriverMarker{UID: pos.UID, Loc: pos.Loc, UpdatedAt: now}
		t.markers[pos.UID] = m
		observability.MarkersTracked.Inc()
	}
	t.sink.Emit(events.MarkerUpserted{Marker: *m, Inserted: !ok})
}

// Sweep evicts markers not refreshed within the TTL and returns how many.
func (t *Tracker) Sweep(now time.Time) int {
	if t.opts.TTL <= 0 {
		return 0
	}
	var stale []string
	for uid, m := range t.markers {
		if now.Sub(m.UpdatedAt) > t.opts.TTL {
			stale = append(stale, uid)
		}
	}
	sort.Strings(stale)
	for _, uid := range stale {
		t.remove(uid, "stale")
		observability.MarkerEvictions.Inc()
	}
	if len(stale) > 0 {
		t.logger.Debug("evicted stale driver markers", "count", len(stale))
	}
	return len(stale)
}

func (t *Tracker) Markers() []models.DriverMarker {
	out := make([]models.DriverMarker, 0, len(t.markers))
	for _, m := range t.markers {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func (t *Tracker) Len() int { return len(t.markers) }

// Stop ends the subscription and removes every marker.
func (t *Tracker) Stop() {
	t.stopSubscription()
	for _, m := range t.Markers() {
		t.remove(m.UID, "stopped")
	}
}

func (t *Tracker) stopSubscription() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
		t.gen++
		t.logger.Info("proximity tracking stopped")
	}
}

func (t *Tracker) remove(uid, reason string) {
	delete(t.markers, uid)
	observability.MarkersTracked.Dec()
	t.sink.Emit(events.MarkerRemoved{UID: uid, Reason: reason})
}
