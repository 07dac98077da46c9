package models

import (
	"errors"
	"testing"
	"time"
)

func TestTripForwardTransitions(t *testing.T) {
	now := time.Unix(100, 0)
	tr := Trip{ID: "T1", State: TripRequested, RiderUID: "r1"}

	acc, err := tr.Accept("d1", now)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if acc.State != TripAccepted || acc.DriverUID != "d1" {
		t.Fatalf("accepted=%+v", acc)
	}
	done, err := acc.Complete(now)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.State != TripCompleted {
		t.Fatalf("state=%s", done.State)
	}
}

func TestTripBackwardTransitionsFail(t *testing.T) {
	now := time.Unix(100, 0)
	cases := []struct {
		name string
		from Trip
		to   TripState
	}{
		{"accepted->requested", Trip{ID: "T1", State: TripAccepted, DriverUID: "d1"}, TripRequested},
		{"completed->accepted", Trip{ID: "T1", State: TripCompleted, DriverUID: "d1"}, TripAccepted},
		{"requested->completed", Trip{ID: "T1", State: TripRequested}, TripCompleted},
		{"completed->completed", Trip{ID: "T1", State: TripCompleted, DriverUID: "d1"}, TripCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.from.Transition(tc.to, "d2", now)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if got != tc.from {
				t.Fatalf("trip mutated: %+v", got)
			}
		})
	}
}

func TestTripValidate(t *testing.T) {
	if err := (Trip{State: TripRequested}).Validate(); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("empty id: %v", err)
	}
	if err := (Trip{ID: "T1", State: TripAccepted}).Validate(); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("accepted without driver: %v", err)
	}
	if err := (Trip{ID: "T1", State: 9}).Validate(); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("bad state: %v", err)
	}
	if err := (Trip{ID: "T1", State: TripRequested}).Validate(); err != nil {
		t.Fatalf("valid trip: %v", err)
	}
}

func TestUserFromRecord(t *testing.T) {
	u, err := UserFromRecord("u1", map[string]any{"fullname": "Ada", "email": "a@x", "accountType": float64(1)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Role != RoleDriver || u.Fullname != "Ada" {
		t.Fatalf("user=%+v", u)
	}
	u, err = UserFromRecord("u2", map[string]any{})
	if err != nil || u.Role != RoleRider || u.Email != "" {
		t.Fatalf("defaults: %+v err=%v", u, err)
	}
	if _, err := UserFromRecord("", nil); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("empty uid: %v", err)
	}
	if _, err := UserFromRecord("u3", map[string]any{"accountType": 7}); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("bad role: %v", err)
	}
}

func TestRecoverable(t *testing.T) {
	if !Recoverable(ErrRouteUnavailable) || Recoverable(ErrInvalidTransition) || Recoverable(ErrPermissionUnusable) {
		t.Fatal("recoverable classification")
	}
}
