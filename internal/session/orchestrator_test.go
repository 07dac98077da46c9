package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-session/internal/device"
	"github.com/example/ride-session/internal/eventloop"
	"github.com/example/ride-session/internal/events"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/planner"
)

var home = models.Coord{Lat: 40.7128, Lon: -74.0060}

type fakeUsers map[string]models.User

func (f fakeUsers) FetchUser(_ context.Context, uid string) (models.User, error) {
	u, ok := f[uid]
	if !ok {
		return models.User{}, models.ErrNotFound
	}
	return u, nil
}

type fakePlaces struct {
	results map[string][]models.PlaceCandidate
	// routes to holdDest block until hold is closed or the plan is cancelled
	hold     chan struct{}
	holdDest models.Coord
}

func (f *fakePlaces) Search(_ context.Context, q string, _ planner.Region) ([]models.PlaceCandidate, error) {
	return f.results[q], nil
}

func (f *fakePlaces) Route(ctx context.Context, o, d models.Coord) (models.Route, error) {
	if f.hold != nil && d == f.holdDest {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return models.Route{}, ctx.Err()
		}
	}
	return models.Route{Polyline: []models.Coord{o, d}, Handle: "r"}, nil
}

type fakeDrivers struct{ ch chan models.DriverPosition }

func (f *fakeDrivers) SubscribeNearbyDrivers(context.Context, models.Coord, float64) (<-chan models.DriverPosition, error) {
	return f.ch, nil
}

type fakeTrips struct {
	mu        sync.Mutex
	uploadErr error
	uploads   int
	writes    []models.TripState
	driverCh  chan models.Trip
}

func (f *fakeTrips) UploadTrip(context.Context, models.Trip) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return f.uploadErr
}

func (f *fakeTrips) SetTripState(_ context.Context, _ string, s models.TripState, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, s)
	return nil
}

func (f *fakeTrips) SubscribeTripsForDriver(context.Context, string) (<-chan models.Trip, error) {
	return f.driverCh, nil
}

func (f *fakeTrips) SubscribeTrip(context.Context, string) (<-chan models.Trip, error) {
	return make(chan models.Trip), nil
}

func (f *fakeTrips) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Emit(ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.evs {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

type harness struct {
	o      *Orchestrator
	loop   *eventloop.Loop
	ctx    context.Context
	dev    *device.Simulator
	trips  *fakeTrips
	rec    *recorder
	menus  int
	places *fakePlaces
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStatus(t, models.AuthorizedAlways)
}

func newHarnessWithStatus(t *testing.T, status models.AuthorizationStatus) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		loop:  eventloop.New(),
		dev:   device.NewSimulator(status, logger),
		trips: &fakeTrips{driverCh: make(chan models.Trip, 8)},
		rec:   &recorder{},
		places: &fakePlaces{results: map[string][]models.PlaceCandidate{
			"Coffee Shop": {
				{Label: "Blue Bottle", Loc: models.Coord{Lat: 40.72, Lon: -74.00}},
				{Label: "Joe", Loc: models.Coord{Lat: 40.73, Lon: -74.01}},
				{Label: "Stumptown", Loc: models.Coord{Lat: 40.74, Lon: -73.99}},
			},
		}},
	}
	h.dev.SetLocation(home)
	users := fakeUsers{
		"r1": {UID: "r1", Fullname: "Rae", Role: models.RoleRider},
		"d1": {UID: "d1", Fullname: "Dev", Role: models.RoleDriver},
	}
	h.o = New(h.loop, Deps{
		Users:     users,
		Location:  h.dev,
		Locator:   h.dev,
		Drivers:   &fakeDrivers{ch: make(chan models.DriverPosition)},
		Places:    h.places,
		Trips:     h.trips,
		Presenter: h.rec,
		Menu:      MenuFunc(func(Session) { h.menus++ }),
		Logger:    logger,
	}, Config{NewTripID: func() string { return "T-new" }})

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	done := make(chan struct{})
	go func() {
		_ = h.o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// settle drains the loop twice: once for worker completions, once more for
// the events those completions emitted.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 2; i++ {
		if err := h.loop.Settle(h.ctx); err != nil {
			t.Fatalf("settle: %v", err)
		}
	}
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	s, err := h.o.Snapshot(h.ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return s
}

func (h *harness) signIn(t *testing.T, uid string) {
	t.Helper()
	if err := h.o.SignIn(h.ctx, uid); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	h.settle(t)
	if s := h.snapshot(t); !s.SignedIn {
		t.Fatalf("not signed in")
	}
}

// eventually polls the recorder since subscription pumps are not tracked by Settle.
func eventually(t *testing.T, h *harness, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.settle(t)
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestRiderCoffeeShopFlow(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "r1")
	if h.rec.count("search_available") != 1 {
		t.Fatalf("search affordance not shown")
	}

	if err := h.o.ActivateSearch(h.ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := h.o.Search(h.ctx, "Coffee Shop"); err != nil {
		t.Fatalf("search: %v", err)
	}
	h.settle(t)
	s := h.snapshot(t)
	if s.Mode != models.ModeSearchInProgress || len(s.Candidates) != 3 {
		t.Fatalf("after search mode=%v candidates=%d", s.Mode, len(s.Candidates))
	}

	if err := h.o.SelectDestination(h.ctx, 1); err != nil {
		t.Fatalf("select: %v", err)
	}
	h.settle(t)
	s = h.snapshot(t)
	if s.Mode != models.ModeRouteSelected || s.Button != models.DismissActionView {
		t.Fatalf("after select mode=%v button=%v", s.Mode, s.Button)
	}
	if s.Route == nil || s.Destination == nil || s.Destination.Label != "Joe" {
		t.Fatalf("route=%v destination=%v", s.Route, s.Destination)
	}
	if h.rec.count("ride_action_panel") != 1 {
		t.Fatalf("ride action panel not presented")
	}

	if err := h.o.PressActionButton(h.ctx); err != nil {
		t.Fatalf("press: %v", err)
	}
	h.settle(t)
	s = h.snapshot(t)
	if s.Mode != models.ModeIdle || s.Button != models.ShowMenu || s.Route != nil {
		t.Fatalf("after dismiss mode=%v button=%v route=%v", s.Mode, s.Button, s.Route)
	}
	if h.rec.count("route_cleared") != 1 {
		t.Fatalf("route_cleared=%d", h.rec.count("route_cleared"))
	}

	if err := h.o.PressActionButton(h.ctx); err != nil {
		t.Fatalf("press: %v", err)
	}
	if h.menus != 1 {
		t.Fatalf("menus=%d", h.menus)
	}
}

func TestRiderRequestTrip(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "r1")
	if _, err := h.o.RequestTrip(h.ctx); !errors.Is(err, models.ErrRejected) {
		t.Fatalf("request without route: %v", err)
	}
	h.o.Search(h.ctx, "Coffee Shop")
	h.settle(t)
	h.o.SelectDestination(h.ctx, 0)
	h.settle(t)

	h.trips.mu.Lock()
	h.trips.uploadErr = errors.New("backend down")
	h.trips.mu.Unlock()
	if _, err := h.o.RequestTrip(h.ctx); err != nil {
		t.Fatalf("request: %v", err)
	}
	h.settle(t)
	if s := h.snapshot(t); s.Mode != models.ModeRouteSelected || s.Trip != nil {
		t.Fatalf("after failed upload mode=%v trip=%v", s.Mode, s.Trip)
	}
	if h.rec.count("error_displayed") != 1 {
		t.Fatalf("upload failure not displayed")
	}

	h.trips.mu.Lock()
	h.trips.uploadErr = nil
	h.trips.mu.Unlock()
	tr, err := h.o.RequestTrip(h.ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	h.settle(t)
	s := h.snapshot(t)
	if s.Mode != models.ModeTripRequested || s.Trip == nil || s.Trip.ID != tr.ID {
		t.Fatalf("after upload mode=%v trip=%v", s.Mode, s.Trip)
	}
}

func TestDriverRetransmitPresentedOnce(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "d1")

	t1 := models.Trip{ID: "T1", State: models.TripRequested, RiderUID: "r1", Pickup: home}
	h.trips.driverCh <- t1
	h.trips.driverCh <- t1
	eventually(t, h, func() bool {
		s := h.snapshot(t)
		return s.Reviewing != nil && s.Reviewing.ID == "T1"
	})
	h.settle(t)
	if n := h.rec.count("trip_presented"); n != 1 {
		t.Fatalf("trip_presented=%d", n)
	}

	next, err := h.o.AcceptTrip(h.ctx, "")
	if err != nil || next.State != models.TripAccepted || next.DriverUID != "d1" {
		t.Fatalf("accept: %+v %v", next, err)
	}
	h.settle(t)
	s := h.snapshot(t)
	if s.Reviewing != nil || s.Mode != models.ModeIdle || s.Trip == nil {
		t.Fatalf("after accept reviewing=%v mode=%v trip=%v", s.Reviewing, s.Mode, s.Trip)
	}
	if h.rec.count("review_dismissed") != 1 {
		t.Fatalf("review not dismissed")
	}

	if _, err := h.o.CompleteTrip(h.ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	h.settle(t)
	if s := h.snapshot(t); s.Trip != nil {
		t.Fatalf("trip still current after complete")
	}
	if h.trips.writeCount() != 2 {
		t.Fatalf("writes=%d", h.trips.writeCount())
	}
}

func TestAcceptCompletedTripRejectedWithoutWrite(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "d1")
	done := models.Trip{ID: "T9", State: models.TripCompleted, RiderUID: "r1", DriverUID: "d1"}
	h.trips.driverCh <- done
	eventually(t, h, func() bool { return h.rec.count("trip_updated") == 1 })

	if _, err := h.o.AcceptTrip(h.ctx, "T9"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("accept completed: %v", err)
	}
	h.settle(t)
	if h.trips.writeCount() != 0 {
		t.Fatalf("backend written")
	}
	if h.rec.count("error_displayed") != 1 {
		t.Fatalf("invalid transition not reported")
	}
}

func TestRoleCommandsRejected(t *testing.T) {
	h := newHarness(t)
	if err := h.o.ActivateSearch(h.ctx); !errors.Is(err, models.ErrRejected) {
		t.Fatalf("search signed out: %v", err)
	}
	h.signIn(t, "d1")
	if _, err := h.o.Search(h.ctx, "x"); !errors.Is(err, models.ErrRejected) {
		t.Fatalf("driver search: %v", err)
	}
	if err := h.o.SignIn(h.ctx, "r1"); !errors.Is(err, models.ErrRejected) {
		t.Fatalf("double sign in: %v", err)
	}
	if err := h.o.SignOut(h.ctx); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if s := h.snapshot(t); s.SignedIn || s.Mode != models.ModeIdle {
		t.Fatalf("after sign out %+v", s)
	}
}

func TestDeniedPermissionReported(t *testing.T) {
	h := newHarness(t)
	h.dev.SetStatus(models.Denied)
	eventually(t, h, func() bool { return h.rec.count("error_displayed") == 1 })
	if h.rec.count("permission_changed") != 1 {
		t.Fatalf("permission change not presented")
	}
}

func TestRouteStillPlanningWhenTripRequested(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "r1")
	h.o.Search(h.ctx, "Coffee Shop")
	h.settle(t)
	if err := h.o.SelectDestination(h.ctx, 0); err != nil {
		t.Fatalf("select A: %v", err)
	}
	h.settle(t)
	a := h.snapshot(t).Destination
	if a == nil || a.Label != "Blue Bottle" {
		t.Fatalf("destination=%v", a)
	}

	release := make(chan struct{})
	h.places.hold = release
	h.places.holdDest = models.Coord{Lat: 40.73, Lon: -74.01}
	if err := h.o.SelectDestination(h.ctx, 1); err != nil {
		t.Fatalf("select B: %v", err)
	}
	tr, err := h.o.RequestTrip(h.ctx)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	h.settle(t)
	close(release)
	h.settle(t)

	s := h.snapshot(t)
	if s.Mode != models.ModeTripRequested || s.Button != models.ShowMenu {
		t.Fatalf("mode=%v button=%v", s.Mode, s.Button)
	}
	if s.Destination == nil || s.Destination.Label != "Blue Bottle" || tr.Destination != a.Loc {
		t.Fatalf("destination=%v trip to %+v", s.Destination, tr.Destination)
	}
	if n := h.rec.count("ride_action_panel"); n != 1 {
		t.Fatalf("ride_action_panel=%d", n)
	}
	if err := h.o.SelectDestination(h.ctx, 1); !errors.Is(err, models.ErrRejected) {
		t.Fatalf("select during trip: %v", err)
	}
}

func TestDriverSignInRequestsPermission(t *testing.T) {
	h := newHarnessWithStatus(t, models.NotDetermined)
	h.signIn(t, "d1")
	if p := h.dev.Prompts(); p.WhenInUse != 1 {
		t.Fatalf("prompts=%+v", p)
	}

	h2 := newHarness(t)
	h2.signIn(t, "d1")
	if updating, _ := h2.dev.Updating(); !updating {
		t.Fatal("location updates not started for driver")
	}
}
