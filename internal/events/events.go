// Package events defines the typed notifications session components emit.
package events

import "github.com/example/ride-session/internal/models"

type Event interface {
	Kind() string
}

// Sink receives component events. Components get one at construction.
type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type PermissionChanged struct {
	Status models.AuthorizationStatus `json:"status"`
}

type MarkerUpserted struct {
	Marker   models.DriverMarker `json:"marker"`
	Inserted bool                `json:"inserted"`
}

type MarkerRemoved struct {
	UID    string `json:"uid"`
	Reason string `json:"reason"`
}

type SearchCompleted struct {
	Query      string                  `json:"query"`
	Candidates []models.PlaceCandidate `json:"candidates"`
}

type SearchFailed struct {
	Query string `json:"query"`
	Err   error  `json:"-"`
}

type RouteChanged struct {
	Destination models.PlaceCandidate `json:"destination"`
	Route       models.Route          `json:"route"`
}

type RouteCleared struct {
	Route  *models.Route `json:"route,omitempty"`
	Reason string        `json:"reason"`
}

type RouteFailed struct {
	Destination models.PlaceCandidate `json:"destination"`
	Err         error                 `json:"-"`
}

type TripUploaded struct {
	Trip models.Trip `json:"trip"`
}

type TripUploadFailed struct {
	Trip models.Trip `json:"trip"`
	Err  error       `json:"-"`
}

// TripPresented asks for the driver pickup review of a newly seen trip.
type TripPresented struct {
	Trip models.Trip `json:"trip"`
}

type TripUpdated struct {
	Trip     models.Trip      `json:"trip"`
	Previous models.TripState `json:"previous"`
}

// TripWithdrawn means a presented trip is no longer actionable for this driver.
type TripWithdrawn struct {
	Trip models.Trip `json:"trip"`
}

type TripAccepted struct {
	Trip models.Trip `json:"trip"`
}

type TripCompleted struct {
	Trip models.Trip `json:"trip"`
}

type TripTransitionFailed struct {
	Trip   models.Trip      `json:"trip"`
	Target models.TripState `json:"target"`
	Err    error            `json:"-"`
}

// Presentation-only events emitted by the orchestrator.

type UserSignedIn struct {
	User models.User `json:"user"`
}

type ModeChanged struct {
	Mode   models.SessionMode        `json:"mode"`
	Button models.ActionButtonConfig `json:"button"`
}

type SearchAvailable struct{}

type RideActionPanel struct {
	Destination models.PlaceCandidate `json:"destination"`
	Route       models.Route          `json:"route"`
}

type ReviewDismissed struct {
	TripID string `json:"trip_id"`
}

type ErrorDisplayed struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (PermissionChanged) Kind() string    { return "permission_changed" }
func (MarkerUpserted) Kind() string       { return "marker_upserted" }
func (MarkerRemoved) Kind() string        { return "marker_removed" }
func (SearchCompleted) Kind() string      { return "search_completed" }
func (SearchFailed) Kind() string         { return "search_failed" }
func (RouteChanged) Kind() string         { return "route_changed" }
func (RouteCleared) Kind() string         { return "route_cleared" }
func (RouteFailed) Kind() string          { return "route_failed" }
func (TripUploaded) Kind() string         { return "trip_uploaded" }
func (TripUploadFailed) Kind() string     { return "trip_upload_failed" }
func (TripPresented) Kind() string        { return "trip_presented" }
func (TripUpdated) Kind() string          { return "trip_updated" }
func (TripWithdrawn) Kind() string        { return "trip_withdrawn" }
func (TripAccepted) Kind() string         { return "trip_accepted" }
func (TripCompleted) Kind() string        { return "trip_completed" }
func (TripTransitionFailed) Kind() string { return "trip_transition_failed" }
func (UserSignedIn) Kind() string         { return "user_signed_in" }
func (ModeChanged) Kind() string          { return "mode_changed" }
func (SearchAvailable) Kind() string      { return "search_available" }
func (RideActionPanel) Kind() string      { return "ride_action_panel" }
func (ReviewDismissed) Kind() string      { return "review_dismissed" }
func (ErrorDisplayed) Kind() string       { return "error_displayed" }
