package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Role is fixed per account and decides which subsystems a session starts.
type Role int

const (
	RoleRider Role = iota
	RoleDriver
)

func (r Role) String() string {
	switch r {
	case RoleRider:
		return "rider"
	case RoleDriver:
		return "driver"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

type User struct {
	UID      string `json:"uid"`
	Fullname string `json:"fullname"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
	Location *Coord `json:"location,omitempty"`
}

// UserFromRecord decodes a backend user record. Missing optional fields fall
// back to zero values; an empty uid or an unknown account type is malformed.
func UserFromRecord(uid string, rec map[string]any) (User, error) {
	if uid == "" {
		return User{}, fmt.Errorf("user record: empty uid: %w", ErrMalformedPayload)
	}
	u := User{UID: uid}
	u.Fullname, _ = rec["fullname"].(string)
	u.Email, _ = rec["email"].(string)
	var accountType int
	switch v := rec["accountType"].(type) {
	case int:
		accountType = v
	case int64:
		accountType = int(v)
	case float64:
		accountType = int(v)
	}
	switch Role(accountType) {
	case RoleRider, RoleDriver:
		u.Role = Role(accountType)
	default:
		return User{}, fmt.Errorf("user record %s: account type %d: %w", uid, accountType, ErrMalformedPayload)
	}
	return u, nil
}

// DriverPosition is one element of the nearby-drivers stream.
type DriverPosition struct {
	UID string `json:"uid"`
	Loc Coord  `json:"loc"`
}

type DriverMarker struct {
	UID       string    `json:"uid"`
	Loc       Coord     `json:"loc"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PlaceCandidate struct {
	Label   string `json:"label"`
	Address string `json:"address,omitempty"`
	Loc     Coord  `json:"loc"`
	Handle  string `json:"handle,omitempty"` // provider place id
}

type Route struct {
	Polyline        []Coord `json:"polyline"`
	Handle          string  `json:"handle,omitempty"`
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// SessionMode is derived state owned by the session orchestrator.
type SessionMode int

const (
	ModeIdle SessionMode = iota
	ModeSearchInProgress
	ModeRouteSelected
	ModeTripRequested
)

func (m SessionMode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeSearchInProgress:
		return "search_in_progress"
	case ModeRouteSelected:
		return "route_selected"
	case ModeTripRequested:
		return "trip_requested"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m SessionMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

type ActionButtonConfig int

const (
	ShowMenu ActionButtonConfig = iota
	DismissActionView
)

func (c ActionButtonConfig) String() string {
	if c == DismissActionView {
		return "dismiss_action_view"
	}
	return "show_menu"
}

func (c ActionButtonConfig) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

type AuthorizationStatus int

const (
	NotDetermined AuthorizationStatus = iota
	Restricted
	Denied
	AuthorizedWhenInUse
	AuthorizedAlways
)

var authorizationNames = map[AuthorizationStatus]string{
	NotDetermined:       "not_determined",
	Restricted:          "restricted",
	Denied:              "denied",
	AuthorizedWhenInUse: "authorized_when_in_use",
	AuthorizedAlways:    "authorized_always",
}

func (s AuthorizationStatus) String() string {
	if n, ok := authorizationNames[s]; ok {
		return n
	}
	return fmt.Sprintf("authorization(%d)", int(s))
}

func (s AuthorizationStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func ParseAuthorizationStatus(v string) (AuthorizationStatus, error) {
	for s, n := range authorizationNames {
		if n == v {
			return s, nil
		}
	}
	return NotDetermined, fmt.Errorf("unknown authorization status %q", v)
}

// Usable reports whether location updates can be started or requested.
func (s AuthorizationStatus) Usable() bool {
	return s != Restricted && s != Denied
}

type Accuracy int

const (
	AccuracyBest Accuracy = iota
	AccuracyNearestTenMeters
	AccuracyHundredMeters
	AccuracyKilometer
)

func ParseAccuracy(v string) (Accuracy, error) {
	switch v {
	case "", "best":
		return AccuracyBest, nil
	case "ten_meters":
		return AccuracyNearestTenMeters, nil
	case "hundred_meters":
		return AccuracyHundredMeters, nil
	case "kilometer":
		return AccuracyKilometer, nil
	}
	return AccuracyBest, fmt.Errorf("unknown accuracy %q", v)
}

func (a Accuracy) String() string {
	switch a {
	case AccuracyNearestTenMeters:
		return "ten_meters"
	case AccuracyHundredMeters:
		return "hundred_meters"
	case AccuracyKilometer:
		return "kilometer"
	default:
		return "best"
	}
}
