package models

import (
	"fmt"
	"time"
)

// TripState only ever moves forward: Requested -> Accepted -> Completed.
type TripState int

const (
	TripRequested TripState = iota + 1
	TripAccepted
	TripCompleted
)

func (s TripState) String() string {
	switch s {
	case TripRequested:
		return "requested"
	case TripAccepted:
		return "accepted"
	case TripCompleted:
		return "completed"
	default:
		return fmt.Sprintf("trip_state(%d)", int(s))
	}
}

func (s TripState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *TripState) UnmarshalText(b []byte) error {
	v, err := ParseTripState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseTripState(v string) (TripState, error) {
	switch v {
	case "requested":
		return TripRequested, nil
	case "accepted":
		return TripAccepted, nil
	case "completed":
		return TripCompleted, nil
	}
	return 0, fmt.Errorf("trip state %q: %w", v, ErrMalformedPayload)
}

func (s TripState) Valid() bool { return s >= TripRequested && s <= TripCompleted }

// CanAdvanceTo reports whether next is the single forward step from s.
func (s TripState) CanAdvanceTo(next TripState) bool {
	return s.Valid() && next == s+1
}

type Trip struct {
	ID          string    `json:"id"`
	Pickup      Coord     `json:"pickup"`
	Destination Coord     `json:"destination"`
	State       TripState `json:"state"`
	DriverUID   string    `json:"driver_uid,omitempty"`
	RiderUID    string    `json:"rider_uid"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate rejects payloads the state machine cannot reason about.
func (t Trip) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("trip: empty id: %w", ErrMalformedPayload)
	case !t.State.Valid():
		return fmt.Errorf("trip %s: state %d: %w", t.ID, int(t.State), ErrMalformedPayload)
	case t.State != TripRequested && t.DriverUID == "":
		return fmt.Errorf("trip %s: %s without driver: %w", t.ID, t.State, ErrMalformedPayload)
	}
	return nil
}

// Accept returns a copy of t accepted by driverUID.
func (t Trip) Accept(driverUID string, now time.Time) (Trip, error) {
	if t.State != TripRequested {
		return t, fmt.Errorf("trip %s: accept from %s: %w", t.ID, t.State, ErrInvalidTransition)
	}
	if driverUID == "" {
		return t, fmt.Errorf("trip %s: accept without driver: %w", t.ID, ErrInvalidTransition)
	}
	t.State = TripAccepted
	t.DriverUID = driverUID
	t.UpdatedAt = now
	return t, nil
}

// Complete returns a copy of t in the terminal state.
func (t Trip) Complete(now time.Time) (Trip, error) {
	if t.State != TripAccepted {
		return t, fmt.Errorf("trip %s: complete from %s: %w", t.ID, t.State, ErrInvalidTransition)
	}
	t.State = TripCompleted
	t.UpdatedAt = now
	return t, nil
}

// Transition moves t to next if that is the single forward step.
func (t Trip) Transition(next TripState, driverUID string, now time.Time) (Trip, error) {
	switch next {
	case TripAccepted:
		return t.Accept(driverUID, now)
	case TripCompleted:
		return t.Complete(now)
	}
	return t, fmt.Errorf("trip %s: %s -> %s: %w", t.ID, t.State, next, ErrInvalidTransition)
}
