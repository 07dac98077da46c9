// Package planner turns search text into destination candidates and a chosen
// destination into the single active route.
//
// Search and route calls each carry a monotonically increasing token. Issuing
// a new call cancels the previous one's context and bumps the token, and a
// completion whose token is no longer current is dropped before it touches
// any state, so the last issued call always wins.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-session/internal/eventloop"
	"github.com/example/ride-session/internal/events"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
)

// Region is the search hint around the user's location.
type Region struct {
	Center models.Coord
	SpanKm float64
}

type Provider interface {
	Search(ctx context.Context, query string, region Region) ([]models.PlaceCandidate, error)
	Route(ctx context.Context, origin, destination models.Coord) (models.Route, error)
}

// Locator reads the device's current location.
type Locator interface {
	CurrentLocation() (models.Coord, bool)
}

type Planner struct {
	provider Provider
	locator  Locator
	exec     eventloop.Executor
	sink     events.Sink
	logger   *slog.Logger
	spanKm   float64

	searchSeq    uint64
	searchCancel context.CancelFunc
	candidates   []models.PlaceCandidate

	routeSeq    uint64
	routeCancel context.CancelFunc
	active      *models.Route
	destination *models.PlaceCandidate
}

func New(provider Provider, locator Locator, exec eventloop.Executor, sink events.Sink, logger *slog.Logger, regionSpanKm float64) *Planner {
	return &Planner{
		provider: provider,
		locator:  locator,
		exec:     exec,
		sink:     sink,
		logger:   logger,
		spanKm:   regionSpanKm,
	}
}

// Search starts a query and returns its token. The outcome arrives as a
// SearchCompleted or SearchFailed event.
func (p *Planner) Search(ctx context.Context, query string) uint64 {
	p.searchSeq++
	seq := p.searchSeq
	if p.searchCancel != nil {
		p.searchCancel()
	}
	sctx, cancel := context.WithCancel(ctx)
	p.searchCancel = cancel

	region := Region{SpanKm: p.spanKm}
	if loc, ok := p.locator.CurrentLocation(); ok {
		region.Center = loc
	}
	p.exec.Go(sctx, func(ctx context.Context) func() {
		start := time.Now()
		cands, err := p.provider.Search(ctx, query, region)
		observability.ProviderLatency.WithLabelValues("search").Observe(time.Since(start).Seconds())
		return func() { p.finishSearch(seq, query, cands, err) }
	})
	return seq
}

func (p *Planner) finishSearch(seq uint64, query string, cands []models.PlaceCandidate, err error) {
	if seq != p.searchSeq {
		observability.StaleResponses.WithLabelValues("search").Inc()
		p.logger.Debug("dropping superseded search result", "query", query, "token", seq, "current", p.searchSeq)
		return
	}
	p.searchCancel = nil
	if err == nil && len(cands) == 0 {
		err = fmt.Errorf("no results for %q", query)
	}
	if err != nil {
		p.sink.Emit(events.SearchFailed{Query: query, Err: fmt.Errorf("planner: search %q: %w: %v", query, models.ErrSearchFailed, err)})
		return
	}
	p.candidates = cands
	out := make([]models.PlaceCandidate, len(cands))
	copy(out, cands)
	p.sink.Emit(events.SearchCompleted{Query: query, Candidates: out})
}

func (p *Planner) Candidates() []models.PlaceCandidate {
	out := make([]models.PlaceCandidate, len(p.candidates))
	copy(out, p.candidates)
	return out
}

func (p *Planner) Candidate(i int) (models.PlaceCandidate, bool) {
	if i < 0 || i >= len(p.candidates) {
		return models.PlaceCandidate{}, false
	}
	return p.candidates[i], true
}

// PlanRoute computes a route from the current location to destination and
// returns its token. The outcome arrives as RouteChanged or RouteFailed.
func (p *Planner) PlanRoute(ctx context.Context, destination models.PlaceCandidate) uint64 {
	p.routeSeq++
	seq := p.routeSeq
	if p.routeCancel != nil {
		p.routeCancel()
	}
	origin, ok := p.locator.CurrentLocation()
	if !ok {
		p.routeCancel = nil
		p.sink.Emit(events.RouteFailed{Destination: destination, Err: fmt.Errorf("planner: no current location: %w", models.ErrRouteUnavailable)})
		return seq
	}
	rctx, cancel := context.WithCancel(ctx)
	p.routeCancel = cancel

	p.exec.Go(rctx, func(ctx context.Context) func() {
		start := time.Now()
		route, err := p.provider.Route(ctx, origin, destination.Loc)
		observability.ProviderLatency.WithLabelValues("route").Observe(time.Since(start).Seconds())
		return func() { p.finishRoute(seq, destination, route, err) }
	})
	return seq
}

func (p *Planner) finishRoute(seq uint64, destination models.PlaceCandidate, route models.Route, err error) {
	if seq != p.routeSeq {
		observability.StaleResponses.WithLabelValues("route").Inc()
		p.logger.Debug("dropping superseded route result", "destination", destination.Label, "token", seq, "current", p.routeSeq)
		return
	}
	p.routeCancel = nil
	if err == nil && len(route.Polyline) == 0 {
		err = fmt.Errorf("empty polyline")
	}
	if err != nil {
		observability.RoutePlans.WithLabelValues("unavailable").Inc()
		p.sink.Emit(events.RouteFailed{Destination: destination, Err: fmt.Errorf("planner: route to %q: %w: %v", destination.Label, models.ErrRouteUnavailable, err)})
		return
	}
	if p.active != nil {
		old := *p.active
		p.sink.Emit(events.RouteCleared{Route: &old, Reason: "superseded"})
	}
	p.active = &route
	dest := destination
	p.destination = &dest
	observability.RoutePlans.WithLabelValues("ok").Inc()
	p.sink.Emit(events.RouteChanged{Destination: destination, Route: route})
}

func (p *Planner) Active() (models.Route, bool) {
	if p.active == nil {
		return models.Route{}, false
	}
	return *p.active, true
}

func (p *Planner) Destination() (models.PlaceCandidate, bool) {
	if p.destination == nil {
		return models.PlaceCandidate{}, false
	}
	return *p.destination, true
}

// CancelRoute suppresses a route plan still in flight and keeps the active
// route. It reports whether one was pending.
func (p *Planner) CancelRoute() bool {
	if p.routeCancel == nil {
		return false
	}
	p.routeCancel()
	p.routeCancel = nil
	p.routeSeq++
	return true
}

// Clear drops the active route, the destination annotation and the
// candidate list, and suppresses any in-flight search or route. It reports
// whether anything was active; a second call is a no-op.
func (p *Planner) Clear() bool {
	if p.searchCancel != nil {
		p.searchCancel()
		p.searchCancel = nil
		p.searchSeq++
	}
	if p.routeCancel != nil {
		p.routeCancel()
		p.routeCancel = nil
		p.routeSeq++
	}
	p.candidates = nil
	if p.active == nil && p.destination == nil {
		return false
	}
	var old *models.Route
	if p.active != nil {
		r := *p.active
		old = &r
	}
	p.active = nil
	p.destination = nil
	p.sink.Emit(events.RouteCleared{Route: old, Reason: "cleared"})
	return true
}
