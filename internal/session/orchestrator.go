// Package session wires the permission gate, proximity tracker, route planner
// and trip lifecycle into one signed-in ride session.
//
// Everything runs on a single eventloop.Loop. Exported commands hop onto the
// loop with Call; component events are posted back onto it, so a handler
// never interleaves with another handler or command.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-session/internal/eventloop"
	"github.com/example/ride-session/internal/events"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
	"github.com/example/ride-session/internal/permission"
	"github.com/example/ride-session/internal/planner"
	"github.com/example/ride-session/internal/proximity"
	"github.com/example/ride-session/internal/trip"
)

// Session is produced once at sign-in and threaded into role operations.
type Session struct {
	User models.User
}

func (s Session) Role() models.Role { return s.User.Role }

type UserFetcher interface {
	FetchUser(ctx context.Context, uid string) (models.User, error)
}

// MenuPresenter shows the app menu when the action button is in ShowMenu.
type MenuPresenter interface {
	ShowMenu(s Session)
}

type MenuFunc func(Session)

func (f MenuFunc) ShowMenu(s Session) { f(s) }

// Deps are the collaborators a session talks to.
type Deps struct {
	Users    UserFetcher
	Location permission.LocationProvider
	Locator  planner.Locator
	Drivers  proximity.Feed
	Places   planner.Provider
	Trips    trip.Backend
	// Presenter receives every presentation event. It is called on the loop
	// and must not block.
	Presenter events.Sink
	Menu      MenuPresenter
	Logger    *slog.Logger
}

type Config struct {
	RadiusKm         float64
	Accuracy         models.Accuracy
	MarkerTTL        time.Duration
	DispatchRadiusKm float64
	SearchSpanKm     float64
	Now              func() time.Time
	NewTripID        func() string
}

type Orchestrator struct {
	loop   *eventloop.Loop
	deps   Deps
	cfg    Config
	logger *slog.Logger

	gate      *permission.Gate
	tracker   *proximity.Tracker
	planner   *planner.Planner
	lifecycle *trip.Lifecycle

	// set by Run, read only on the loop
	runCtx     context.Context
	roleCtx    context.Context
	roleCancel context.CancelFunc

	session        *Session
	gen            uint64
	signInSeq      uint64
	mode           models.SessionMode
	button         models.ActionButtonConfig
	trackerPending bool
	// pickup reviews waiting for the driver; the head is on screen
	reviews []models.Trip
}

func New(loop *eventloop.Loop, deps Deps, cfg Config) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Presenter == nil {
		deps.Presenter = events.Discard
	}
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = proximity.DefaultRadiusKm
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	o := &Orchestrator{
		loop:   loop,
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger,
		mode:   models.ModeIdle,
		button: models.ShowMenu,
		runCtx: context.Background(),
	}
	o.gate = permission.NewGate(deps.Location, cfg.Accuracy, o, o.logger.With("component", "permission"))
	o.tracker = proximity.NewTracker(deps.Drivers, loop, o, o.logger.With("component", "proximity"), proximity.Options{
		RadiusKm: cfg.RadiusKm,
		TTL:      cfg.MarkerTTL,
		Now:      cfg.Now,
	})
	o.planner = planner.New(deps.Places, deps.Locator, loop, o, o.logger.With("component", "planner"), cfg.SearchSpanKm)
	o.lifecycle = trip.NewLifecycle(deps.Trips, loop, o, o.logger.With("component", "trip"), trip.Options{
		DispatchRadiusKm: cfg.DispatchRadiusKm,
		DriverLocation:   deps.Locator.CurrentLocation,
		Now:              cfg.Now,
		NewID:            cfg.NewTripID,
	})
	return o
}

// Run processes the session's queue until ctx is done. Subscriptions opened
// by the session live under ctx.
func (o *Orchestrator) Run(ctx context.Context) error {
	// handlers only run inside loop.Run below, on this goroutine
	o.runCtx = ctx
	o.gate.Watch(ctx, o.loop, o.report)
	err := o.loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Emit implements events.Sink for the session's own components. Components
// only emit from the loop, so the current generation can be read directly.
func (o *Orchestrator) Emit(ev events.Event) {
	gen := o.gen
	o.loop.Post(func() { o.handle(ev, gen != o.gen) })
}

func (o *Orchestrator) handle(ev events.Event, stale bool) {
	switch e := ev.(type) {
	case events.MarkerRemoved, events.RouteCleared:
		// teardown output is always delivered
		o.present(ev)
		return
	case events.PermissionChanged:
		o.present(ev)
		if !stale && e.Status.Usable() && o.trackerPending {
			o.startTracker()
		}
		return
	}
	if stale {
		observability.StaleResponses.WithLabelValues(ev.Kind()).Inc()
		return
	}

	switch e := ev.(type) {
	case events.SearchFailed:
		o.report(e.Err)
	case events.RouteChanged:
		if !o.routeWanted() {
			observability.StaleResponses.WithLabelValues(ev.Kind()).Inc()
			o.logger.Warn("ignoring route outside destination selection", "mode", o.mode.String(), "destination", e.Destination.Label)
			return
		}
		o.present(ev)
		o.setMode(models.ModeRouteSelected, models.DismissActionView)
		o.present(events.RideActionPanel{Destination: e.Destination, Route: e.Route})
	case events.RouteFailed:
		o.report(e.Err)
	case events.TripUploaded:
		o.present(ev)
		o.setMode(models.ModeTripRequested, models.ShowMenu)
	case events.TripUploadFailed:
		o.report(e.Err)
	case events.TripPresented:
		o.reviews = append(o.reviews, e.Trip)
		if len(o.reviews) == 1 {
			o.present(ev)
		}
	case events.TripWithdrawn:
		o.present(ev)
		o.dropReview(e.Trip.ID)
	case events.TripUpdated:
		o.present(ev)
		o.tripUpdated(e.Trip)
	case events.TripAccepted:
		o.present(ev)
		o.dropReview(e.Trip.ID)
		o.setMode(models.ModeIdle, models.ShowMenu)
	case events.TripCompleted:
		o.present(ev)
		o.setMode(models.ModeIdle, models.ShowMenu)
	case events.TripTransitionFailed:
		o.report(e.Err)
	default:
		o.present(ev)
	}
}

// routeWanted reports whether a route result may still change the screen:
// the rider is choosing a destination and no trip is outstanding.
func (o *Orchestrator) routeWanted() bool {
	if o.mode != models.ModeSearchInProgress && o.mode != models.ModeRouteSelected {
		return false
	}
	_, busy := o.lifecycle.Current()
	return !busy
}

func (o *Orchestrator) tripUpdated(t models.Trip) {
	if o.session == nil {
		return
	}
	switch o.session.Role() {
	case models.RoleRider:
		if t.State == models.TripCompleted {
			o.planner.Clear()
			o.setMode(models.ModeIdle, models.ShowMenu)
		}
	case models.RoleDriver:
		if t.State != models.TripRequested {
			o.dropReview(t.ID)
		}
	}
}

// dropReview removes a pending review and presents the next one.
func (o *Orchestrator) dropReview(id string) {
	for i, t := range o.reviews {
		if t.ID != id {
			continue
		}
		o.reviews = append(o.reviews[:i], o.reviews[i+1:]...)
		if i == 0 {
			o.present(events.ReviewDismissed{TripID: id})
			if len(o.reviews) > 0 {
				o.present(events.TripPresented{Trip: o.reviews[0]})
			}
		}
		return
	}
}

func (o *Orchestrator) present(ev events.Event) {
	o.deps.Presenter.Emit(ev)
}

// setMode is the only writer of mode and button. The button is always
// passed explicitly.
func (o *Orchestrator) setMode(mode models.SessionMode, button models.ActionButtonConfig) {
	if o.mode == mode && o.button == button {
		return
	}
	if o.mode != mode {
		observability.ModeTransitions.WithLabelValues(o.mode.String(), mode.String()).Inc()
	}
	o.logger.Info("session mode changed", "from", o.mode.String(), "to", mode.String(), "button", button.String())
	o.mode = mode
	o.button = button
	o.present(events.ModeChanged{Mode: mode, Button: button})
}

// report logs err and forwards it for display. The mode is left as is.
func (o *Orchestrator) report(err error) {
	if err == nil {
		return
	}
	kind := errorKind(err)
	observability.ComponentErrors.WithLabelValues(kind).Inc()
	if models.Recoverable(err) {
		o.logger.Warn("session operation failed", "kind", kind, "error", err)
	} else {
		o.logger.Error("session operation failed", "kind", kind, "error", err)
	}
	o.present(events.ErrorDisplayed{Message: err.Error(), Recoverable: models.Recoverable(err)})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, models.ErrPermissionUnusable):
		return "permission_unusable"
	case errors.Is(err, models.ErrSearchFailed):
		return "search_failed"
	case errors.Is(err, models.ErrRouteUnavailable):
		return "route_unavailable"
	case errors.Is(err, models.ErrUploadFailed):
		return "upload_failed"
	case errors.Is(err, models.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, models.ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, models.ErrRejected):
		return "rejected"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	}
	return "other"
}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), models.ErrRejected)
}
