package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/ride-session/internal/device"
	"github.com/example/ride-session/internal/events"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/presenter"
	"github.com/example/ride-session/internal/session"
)

type fakeSession struct {
	calls     []string
	acceptErr error
}

func (f *fakeSession) record(format string, args ...any) { f.calls = append(f.calls, fmt.Sprintf(format, args...)) }

func (f *fakeSession) SignIn(_ context.Context, uid string) error { f.record("signin %s", uid); return nil }
func (f *fakeSession) SignOut(context.Context) error              { f.record("signout"); return nil }
func (f *fakeSession) ActivateSearch(context.Context) error {
	return fmt.Errorf("search from trip_requested: %w", models.ErrRejected)
}
func (f *fakeSession) Search(_ context.Context, q string) (uint64, error) {
	f.record("search %s", q)
	return 7, nil
}
func (f *fakeSession) SelectDestination(_ context.Context, i int) error {
	f.record("select %d", i)
	return nil
}
func (f *fakeSession) PressActionButton(context.Context) error { f.record("action"); return nil }
func (f *fakeSession) RequestTrip(context.Context) (models.Trip, error) {
	return models.Trip{ID: "T1", State: models.TripRequested}, nil
}
func (f *fakeSession) AcceptTrip(_ context.Context, id string) (models.Trip, error) {
	f.record("accept %s", id)
	return models.Trip{}, f.acceptErr
}
func (f *fakeSession) CompleteTrip(context.Context) (models.Trip, error) { return models.Trip{}, nil }
func (f *fakeSession) EnsureLocationPermission(context.Context) error   { return nil }
func (f *fakeSession) Snapshot(context.Context) (session.Snapshot, error) {
	return session.Snapshot{SignedIn: true, Mode: models.ModeRouteSelected, Button: models.DismissActionView}, nil
}

func newTestServer() (*Server, *fakeSession, *device.Simulator) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fs := &fakeSession{}
	dev := device.NewSimulator(models.NotDetermined, logger)
	recent := presenter.NewRecent(10)
	recent.Emit(events.SearchAvailable{})
	return NewServer(fs, dev, presenter.NewWSRegistry(logger), recent, logger), fs, dev
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	return doRequest(s, httptest.NewRequest(method, path, strings.NewReader(body)))
}

func doRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func TestCommandsReachSession(t *testing.T) {
	s, fs, _ := newTestServer()
	if rr := do(s, "POST", "/session/signin", `{"uid":"r1"}`); rr.Code != http.StatusAccepted {
		t.Fatalf("signin status=%d", rr.Code)
	}
	rr := do(s, "POST", "/session/search", `{"query":"Coffee Shop"}`)
	if rr.Code != http.StatusAccepted || !strings.Contains(rr.Body.String(), `"token":7`) {
		t.Fatalf("search %d %s", rr.Code, rr.Body)
	}
	do(s, "POST", "/session/destination", `{"index":1}`)
	do(s, "POST", "/session/action", ``)
	do(s, "POST", "/session/trips/accept", ``)
	want := "signin r1|search Coffee Shop|select 1|action|accept "
	if got := strings.Join(fs.calls, "|"); got != want {
		t.Fatalf("calls=%q want %q", got, want)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	s, fs, _ := newTestServer()
	if rr := do(s, "POST", "/session/search/activate", ``); rr.Code != http.StatusConflict {
		t.Fatalf("rejected status=%d", rr.Code)
	}
	fs.acceptErr = fmt.Errorf("trip T9: %w", models.ErrInvalidTransition)
	if rr := do(s, "POST", "/session/trips/accept", `{"trip_id":"T9"}`); rr.Code != http.StatusConflict {
		t.Fatalf("invalid transition status=%d", rr.Code)
	}
	fs.acceptErr = fmt.Errorf("trip T0: %w", models.ErrNotFound)
	if rr := do(s, "POST", "/session/trips/accept", `{"trip_id":"T0"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("not found status=%d", rr.Code)
	}
	if rr := do(s, "POST", "/session/signin", `{`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json status=%d", rr.Code)
	}
}

func TestSnapshotAndEvents(t *testing.T) {
	s, _, _ := newTestServer()
	rr := do(s, "GET", "/session", ``)
	var snap map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap["mode"] != "route_selected" || snap["button"] != "dismiss_action_view" {
		t.Fatalf("snapshot=%v", snap)
	}
	rr = do(s, "GET", "/session/events", ``)
	if !strings.Contains(rr.Body.String(), `"type":"search_available"`) {
		t.Fatalf("events=%s", rr.Body)
	}
}

func TestDeviceEndpoints(t *testing.T) {
	s, _, dev := newTestServer()
	if rr := do(s, "POST", "/device/authorization", `{"status":"authorized_when_in_use"}`); rr.Code != http.StatusAccepted {
		t.Fatalf("authorization status=%d", rr.Code)
	}
	if dev.AuthorizationStatus() != models.AuthorizedWhenInUse {
		t.Fatalf("status=%v", dev.AuthorizationStatus())
	}
	if rr := do(s, "POST", "/device/authorization", `{"status":"maybe"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad status=%d", rr.Code)
	}
	do(s, "POST", "/device/location", `{"lat":1.5,"lon":2.5}`)
	if c, ok := dev.CurrentLocation(); !ok || c.Lon != 2.5 {
		t.Fatalf("location=%v", c)
	}
}

func TestDriverLocationIngest(t *testing.T) {
	s, _, _ := newTestServer()
	if rr := do(s, "POST", "/internal/driver/locations", `{"uid":"d1"}`); rr.Code != http.StatusNotImplemented {
		t.Fatalf("disabled status=%d", rr.Code)
	}
	var got []models.DriverPosition
	s.Drivers = func(_ context.Context, p models.DriverPosition) error {
		got = append(got, p)
		return nil
	}
	if rr := do(s, "POST", "/internal/driver/locations", `{"uid":"d1","loc":{"lat":1,"lon":2}}`); rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rr.Code)
	}
	if len(got) != 1 || got[0].UID != "d1" {
		t.Fatalf("got=%v", got)
	}
	if rr := do(s, "POST", "/internal/driver/locations", `{"loc":{"lat":1,"lon":2}}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing uid status=%d", rr.Code)
	}
}

func TestHealthChecks(t *testing.T) {
	s, _, _ := newTestServer()
	if rr := do(s, "GET", "/healthz", ``); rr.Code != http.StatusOK {
		t.Fatalf("healthy status=%d", rr.Code)
	}
	s.Checks = map[string]func(context.Context) error{"redis": func(context.Context) error { return errors.New("down") }}
	rr := do(s, "GET", "/healthz", ``)
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "redis") {
		t.Fatalf("unhealthy %d %s", rr.Code, rr.Body)
	}
}
