package session

import (
	"context"
	"fmt"

	"github.com/example/ride-session/internal/events"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
)

// do runs fn on the loop and returns its error.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	var err error
	if cerr := o.loop.Call(ctx, func() { err = fn() }); cerr != nil {
		return cerr
	}
	return err
}

func (o *Orchestrator) requireRole(role models.Role) error {
	if o.session == nil {
		return rejected("not signed in")
	}
	if o.session.Role() != role {
		return rejected("%s only, signed in as %s", role, o.session.Role())
	}
	return nil
}

// SignIn fetches the user off the loop and starts the role's flow once the
// user arrives. The outcome is reported as UserSignedIn or ErrorDisplayed.
func (o *Orchestrator) SignIn(ctx context.Context, uid string) error {
	return o.do(ctx, func() error {
		if uid == "" {
			return rejected("sign in without uid")
		}
		if o.session != nil {
			return rejected("already signed in as %s", o.session.User.UID)
		}
		o.signInSeq++
		seq := o.signInSeq
		o.logger.Info("signing in", "uid", uid)
		o.loop.Go(o.runCtx, func(ctx context.Context) func() {
			user, err := o.deps.Users.FetchUser(ctx, uid)
			return func() { o.finishSignIn(seq, user, err) }
		})
		return nil
	})
}

func (o *Orchestrator) finishSignIn(seq uint64, user models.User, err error) {
	if seq != o.signInSeq || o.session != nil {
		observability.StaleResponses.WithLabelValues("sign_in").Inc()
		return
	}
	if err != nil {
		o.report(fmt.Errorf("sign in: %w", err))
		return
	}
	o.session = &Session{User: user}
	o.roleCtx, o.roleCancel = context.WithCancel(o.runCtx)
	o.logger.Info("signed in", "uid", user.UID, "role", user.Role.String())
	o.present(events.UserSignedIn{User: user})
	o.setMode(models.ModeIdle, models.ShowMenu)

	// both roles need location: riders for pickup, drivers for dispatch gating
	if err := o.gate.EnsureUsable(); err != nil {
		o.report(err)
	}
	switch user.Role {
	case models.RoleRider:
		o.trackerPending = true
		o.startTracker()
		o.present(events.SearchAvailable{})
	case models.RoleDriver:
		if err := o.lifecycle.ObserveIncomingTrips(o.roleCtx, user.UID); err != nil {
			o.report(fmt.Errorf("observe trips: %w", err))
		}
	}
}

// startTracker starts proximity tracking once a location is known. Until
// then it stays pending and is retried on the next permission change.
func (o *Orchestrator) startTracker() {
	if !o.trackerPending || o.session == nil || o.roleCancel == nil {
		return
	}
	center, ok := o.deps.Locator.CurrentLocation()
	if !ok {
		o.logger.Info("no location yet, proximity tracking deferred")
		return
	}
	if err := o.tracker.Start(o.roleCtx, center); err != nil {
		o.report(fmt.Errorf("nearby drivers: %w", err))
		return
	}
	o.trackerPending = false
}

// SignOut tears down every role subscription and returns to Idle.
func (o *Orchestrator) SignOut(ctx context.Context) error {
	return o.do(ctx, func() error {
		if o.session == nil {
			return rejected("not signed in")
		}
		o.logger.Info("signing out", "uid", o.session.User.UID)
		o.teardown()
		return nil
	})
}

func (o *Orchestrator) teardown() {
	o.tracker.Stop()
	o.planner.Clear()
	o.lifecycle.Stop()
	if o.roleCancel != nil {
		o.roleCancel()
		o.roleCtx, o.roleCancel = nil, nil
	}
	for len(o.reviews) > 0 {
		o.dropReview(o.reviews[0].ID)
	}
	o.trackerPending = false
	o.session = nil
	o.signInSeq++
	o.gen++
	o.setMode(models.ModeIdle, models.ShowMenu)
}

// ActivateSearch enters SearchInProgress.
func (o *Orchestrator) ActivateSearch(ctx context.Context) error {
	return o.do(ctx, func() error {
		if err := o.requireRole(models.RoleRider); err != nil {
			return err
		}
		switch o.mode {
		case models.ModeIdle, models.ModeSearchInProgress:
			o.setMode(models.ModeSearchInProgress, models.ShowMenu)
			return nil
		}
		return rejected("search from %s", o.mode)
	})
}

// Search issues a place search and returns its token. Results arrive as
// SearchCompleted; an earlier search still in flight is superseded.
func (o *Orchestrator) Search(ctx context.Context, query string) (uint64, error) {
	var token uint64
	err := o.do(ctx, func() error {
		if err := o.requireRole(models.RoleRider); err != nil {
			return err
		}
		switch o.mode {
		case models.ModeIdle, models.ModeSearchInProgress:
		default:
			return rejected("search from %s", o.mode)
		}
		o.setMode(models.ModeSearchInProgress, models.ShowMenu)
		token = o.planner.Search(o.roleCtx, query)
		return nil
	})
	return token, err
}

// SelectDestination plans a route to the candidate at index. The mode moves
// to RouteSelected only when the route arrives.
func (o *Orchestrator) SelectDestination(ctx context.Context, index int) error {
	return o.do(ctx, func() error {
		if err := o.requireRole(models.RoleRider); err != nil {
			return err
		}
		if o.mode != models.ModeSearchInProgress && o.mode != models.ModeRouteSelected {
			return rejected("select destination from %s", o.mode)
		}
		if t, ok := o.lifecycle.Current(); ok {
			return rejected("select destination with trip %s outstanding", t.ID)
		}
		cand, ok := o.planner.Candidate(index)
		if !ok {
			return rejected("no candidate %d", index)
		}
		o.logger.Info("destination selected", "label", cand.Label, "index", index)
		o.planner.PlanRoute(o.roleCtx, cand)
		return nil
	})
}

// PressActionButton dismisses the route view or shows the menu, depending
// on the current button configuration.
func (o *Orchestrator) PressActionButton(ctx context.Context) error {
	return o.do(ctx, func() error {
		if o.session == nil {
			return rejected("not signed in")
		}
		switch o.button {
		case models.DismissActionView:
			o.planner.Clear()
			o.setMode(models.ModeIdle, models.ShowMenu)
		default:
			if o.deps.Menu != nil {
				o.deps.Menu.ShowMenu(*o.session)
			}
		}
		return nil
	})
}

// RequestTrip uploads a trip from the current location to the selected
// destination. The mode becomes TripRequested once the upload succeeds.
func (o *Orchestrator) RequestTrip(ctx context.Context) (models.Trip, error) {
	var t models.Trip
	err := o.do(ctx, func() error {
		if err := o.requireRole(models.RoleRider); err != nil {
			return err
		}
		if o.mode != models.ModeRouteSelected {
			return rejected("request trip from %s", o.mode)
		}
		dest, ok := o.planner.Destination()
		if !ok {
			return rejected("no destination")
		}
		pickup, ok := o.deps.Locator.CurrentLocation()
		if !ok {
			return rejected("no pickup location")
		}
		// the trip goes to the destination on screen, not one still being planned
		if o.planner.CancelRoute() {
			o.logger.Info("pending route superseded by trip request", "destination", dest.Label)
		}
		var err error
		t, err = o.lifecycle.RequestTrip(o.roleCtx, o.session.User.UID, pickup, dest.Loc)
		return err
	})
	return t, err
}

// AcceptTrip accepts the trip with tripID, or the one under review when
// tripID is empty.
func (o *Orchestrator) AcceptTrip(ctx context.Context, tripID string) (models.Trip, error) {
	var next models.Trip
	err := o.do(ctx, func() error {
		if err := o.requireRole(models.RoleDriver); err != nil {
			return err
		}
		t, err := o.lookupTrip(tripID)
		if err != nil {
			return err
		}
		next, err = o.lifecycle.AcceptTrip(o.roleCtx, t, o.session.User.UID)
		if err != nil {
			o.report(err)
		}
		return err
	})
	return next, err
}

// CompleteTrip completes the driver's current trip.
func (o *Orchestrator) CompleteTrip(ctx context.Context) (models.Trip, error) {
	var next models.Trip
	err := o.do(ctx, func() error {
		if err := o.requireRole(models.RoleDriver); err != nil {
			return err
		}
		t, ok := o.lifecycle.Current()
		if !ok {
			return rejected("no active trip")
		}
		var err error
		next, err = o.lifecycle.CompleteTrip(o.roleCtx, t)
		if err != nil {
			o.report(err)
		}
		return err
	})
	return next, err
}

func (o *Orchestrator) lookupTrip(id string) (models.Trip, error) {
	if id == "" {
		if len(o.reviews) == 0 {
			return models.Trip{}, rejected("no trip under review")
		}
		id = o.reviews[0].ID
	}
	t, ok := o.lifecycle.Get(id)
	if !ok {
		return models.Trip{}, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
	}
	return t, nil
}

// HandleAuthorizationChange feeds a status notification to the gate. It is
// the synchronous form of what the gate's watcher does.
func (o *Orchestrator) HandleAuthorizationChange(ctx context.Context, status models.AuthorizationStatus) error {
	return o.do(ctx, func() error {
		err := o.gate.HandleAuthorizationChange(status)
		o.report(err)
		return err
	})
}

// EnsureLocationPermission asks the gate for the next authorization step.
func (o *Orchestrator) EnsureLocationPermission(ctx context.Context) error {
	return o.do(ctx, func() error {
		err := o.gate.EnsureUsable()
		o.report(err)
		return err
	})
}

type Snapshot struct {
	SignedIn    bool                       `json:"signed_in"`
	User        *models.User               `json:"user,omitempty"`
	Mode        models.SessionMode         `json:"mode"`
	Button      models.ActionButtonConfig  `json:"button"`
	Permission  models.AuthorizationStatus `json:"permission"`
	Markers     []models.DriverMarker      `json:"markers"`
	Candidates  []models.PlaceCandidate    `json:"candidates"`
	Destination *models.PlaceCandidate     `json:"destination,omitempty"`
	Route       *models.Route              `json:"route,omitempty"`
	Trip        *models.Trip               `json:"trip,omitempty"`
	Reviewing   *models.Trip               `json:"reviewing,omitempty"`
}

// Snapshot reads the session state on the loop.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := o.do(ctx, func() error {
		s = Snapshot{
			SignedIn:   o.session != nil,
			Mode:       o.mode,
			Button:     o.button,
			Permission: o.gate.CurrentStatus(),
			Markers:    o.tracker.Markers(),
			Candidates: o.planner.Candidates(),
		}
		if o.session != nil {
			u := o.session.User
			s.User = &u
		}
		if d, ok := o.planner.Destination(); ok {
			s.Destination = &d
		}
		if r, ok := o.planner.Active(); ok {
			s.Route = &r
		}
		if t, ok := o.lifecycle.Current(); ok {
			s.Trip = &t
		}
		if len(o.reviews) > 0 {
			r := o.reviews[0]
			s.Reviewing = &r
		}
		return nil
	})
	return s, err
}
