package permission

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/example/ride-session/internal/events"
	"github.com/example/ride-session/internal/models"
)

type fakeProvider struct {
	status        models.AuthorizationStatus
	whenInUseReqs int
	alwaysReqs    int
	starts        []models.Accuracy
	changes       chan models.AuthorizationStatus
}

func (f *fakeProvider) AuthorizationStatus() models.AuthorizationStatus { return f.status }
func (f *fakeProvider) RequestWhenInUse()                               { f.whenInUseReqs++ }
func (f *fakeProvider) RequestAlways()                                  { f.alwaysReqs++ }
func (f *fakeProvider) StartUpdates(a models.Accuracy)                  { f.starts = append(f.starts, a) }
func (f *fakeProvider) AuthorizationChanges() <-chan models.AuthorizationStatus {
	return f.changes
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEnsureUsableByStatus(t *testing.T) {
	cases := []struct {
		status    models.AuthorizationStatus
		whenInUse int
		always    int
		starts    int
		unusable  bool
	}{
		{models.NotDetermined, 1, 0, 0, false},
		{models.AuthorizedWhenInUse, 0, 1, 0, false},
		{models.AuthorizedAlways, 0, 0, 1, false},
		{models.Restricted, 0, 0, 0, true},
		{models.Denied, 0, 0, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.status.String(), func(t *testing.T) {
			p := &fakeProvider{status: tc.status}
			g := NewGate(p, models.AccuracyBest, events.Discard, quietLogger())
			err := g.EnsureUsable()
			if got := errors.Is(err, models.ErrPermissionUnusable); got != tc.unusable {
				t.Fatalf("unusable=%v err=%v", got, err)
			}
			if p.whenInUseReqs != tc.whenInUse || p.alwaysReqs != tc.always || len(p.starts) != tc.starts {
				t.Fatalf("requests whenInUse=%d always=%d starts=%d", p.whenInUseReqs, p.alwaysReqs, len(p.starts))
			}
		})
	}
}

func TestWhenInUseTransitionRequestsAlwaysOnce(t *testing.T) {
	p := &fakeProvider{status: models.NotDetermined}
	var emitted []events.Event
	g := NewGate(p, models.AccuracyBest, events.SinkFunc(func(ev events.Event) { emitted = append(emitted, ev) }), quietLogger())

	p.status = models.AuthorizedWhenInUse
	for i := 0; i < 3; i++ {
		if err := g.HandleAuthorizationChange(models.AuthorizedWhenInUse); err != nil {
			t.Fatalf("change: %v", err)
		}
	}
	if p.alwaysReqs != 1 {
		t.Fatalf("expected a single always request, got %d", p.alwaysReqs)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected one PermissionChanged, got %d", len(emitted))
	}

	// Leaving and re-entering WhenInUse is a new transition.
	_ = g.HandleAuthorizationChange(models.NotDetermined)
	_ = g.HandleAuthorizationChange(models.AuthorizedWhenInUse)
	if p.alwaysReqs != 2 {
		t.Fatalf("expected second always request after re-entry, got %d", p.alwaysReqs)
	}
}

func TestAlwaysStartsUpdatesOnce(t *testing.T) {
	p := &fakeProvider{status: models.AuthorizedWhenInUse}
	g := NewGate(p, models.AccuracyHundredMeters, events.Discard, quietLogger())
	p.status = models.AuthorizedAlways
	_ = g.HandleAuthorizationChange(models.AuthorizedAlways)
	_ = g.EnsureUsable()
	if len(p.starts) != 1 || p.starts[0] != models.AccuracyHundredMeters {
		t.Fatalf("starts=%v", p.starts)
	}
}

func TestDeniedReportsUnusable(t *testing.T) {
	p := &fakeProvider{status: models.NotDetermined}
	g := NewGate(p, models.AccuracyBest, events.Discard, quietLogger())
	err := g.HandleAuthorizationChange(models.Denied)
	if !errors.Is(err, models.ErrPermissionUnusable) {
		t.Fatalf("expected ErrPermissionUnusable, got %v", err)
	}
	if p.alwaysReqs != 0 || p.whenInUseReqs != 0 {
		t.Fatal("denied must not prompt")
	}
}
