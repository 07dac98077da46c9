// Package device holds a software stand-in for the platform location
// service, driven over HTTP by the session host and directly by tests.
package device

import (
	"log/slog"
	"sync"

	"github.com/example/ride-session/internal/models"
)

// Simulator implements permission.LocationProvider and planner.Locator.
// Prompts are recorded and answered by whoever drives SetStatus.
type Simulator struct {
	mu       sync.Mutex
	status   models.AuthorizationStatus
	loc      models.Coord
	hasLoc   bool
	updating bool
	accuracy models.Accuracy
	prompts  Prompts
	changes  chan models.AuthorizationStatus
	logger   *slog.Logger
}

// Prompts counts authorization requests issued by the app.
type Prompts struct {
	WhenInUse int `json:"when_in_use"`
	Always    int `json:"always"`
}

func NewSimulator(status models.AuthorizationStatus, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{status: status, changes: make(chan models.AuthorizationStatus, 16), logger: logger}
}

func (s *Simulator) AuthorizationStatus() models.AuthorizationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Simulator) RequestWhenInUse() {
	s.mu.Lock()
	s.prompts.WhenInUse++
	s.mu.Unlock()
	s.logger.Info("when-in-use prompt shown")
}

func (s *Simulator) RequestAlways() {
	s.mu.Lock()
	s.prompts.Always++
	s.mu.Unlock()
	s.logger.Info("always prompt shown")
}

func (s *Simulator) StartUpdates(accuracy models.Accuracy) {
	s.mu.Lock()
	s.updating = true
	s.accuracy = accuracy
	s.mu.Unlock()
}

func (s *Simulator) AuthorizationChanges() <-chan models.AuthorizationStatus {
	return s.changes
}

// SetStatus changes the authorization and notifies the watcher. A full
// notification buffer drops the notification; the status itself still changes.
func (s *Simulator) SetStatus(status models.AuthorizationStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	select {
	case s.changes <- status:
	default:
		s.logger.Warn("authorization notification dropped", "status", status.String())
	}
}

func (s *Simulator) CurrentLocation() (models.Coord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc, s.hasLoc
}

func (s *Simulator) SetLocation(c models.Coord) {
	s.mu.Lock()
	s.loc = c
	s.hasLoc = true
	s.mu.Unlock()
}

func (s *Simulator) Prompts() Prompts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts
}

// Updating reports whether updates were started and at which accuracy.
func (s *Simulator) Updating() (bool, models.Accuracy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updating, s.accuracy
}
