package permission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/ride-session/internal/eventloop"
	"github.com/example/ride-session/internal/events"
	"github.com/example/ride-session/internal/models"
)

// LocationProvider is the platform location service as the gate sees it.
type LocationProvider interface {
	AuthorizationStatus() models.AuthorizationStatus
	RequestWhenInUse()
	RequestAlways()
	StartUpdates(accuracy models.Accuracy)
	AuthorizationChanges() <-chan models.AuthorizationStatus
}

// Gate drives the provider towards a usable authorization with the fewest
// prompts. It must only be used from the event loop.
type Gate struct {
	provider LocationProvider
	accuracy models.Accuracy
	sink     events.Sink
	logger   *slog.Logger

	last     models.AuthorizationStatus
	updating bool
}

func NewGate(provider LocationProvider, accuracy models.Accuracy, sink events.Sink, logger *slog.Logger) *Gate {
	return &Gate{
		provider: provider,
		accuracy: accuracy,
		sink:     sink,
		logger:   logger,
		last:     provider.AuthorizationStatus(),
	}
}

func (g *Gate) CurrentStatus() models.AuthorizationStatus {
	return g.provider.AuthorizationStatus()
}

// EnsureUsable issues the next request needed to reach continuous updates.
// Restricted and Denied return ErrPermissionUnusable; there is no retry, the
// caller re-invokes after the user changes settings.
func (g *Gate) EnsureUsable() error {
	status := g.CurrentStatus()
	switch status {
	case models.NotDetermined:
		g.logger.Info("requesting when-in-use location authorization")
		g.provider.RequestWhenInUse()
	case models.AuthorizedWhenInUse:
		g.logger.Info("requesting always location authorization")
		g.provider.RequestAlways()
	case models.AuthorizedAlways:
		g.startUpdates()
	default:
		return fmt.Errorf("permission: status %s: %w", status, models.ErrPermissionUnusable)
	}
	return nil
}

// HandleAuthorizationChange applies a platform notification. Entering
// WhenInUse triggers exactly one Always request; a repeated notification of
// the current status is not a transition.
func (g *Gate) HandleAuthorizationChange(status models.AuthorizationStatus) error {
	prev := g.last
	g.last = status
	if prev == status {
		g.logger.Debug("authorization notification without change", "status", status.String())
		return nil
	}
	g.logger.Info("location authorization changed", "from", prev.String(), "to", status.String())
	g.sink.Emit(events.PermissionChanged{Status: status})

	switch status {
	case models.AuthorizedWhenInUse:
		g.provider.RequestAlways()
	case models.AuthorizedAlways:
		g.startUpdates()
	case models.Restricted, models.Denied:
		g.updating = false
		return fmt.Errorf("permission: status %s: %w", status, models.ErrPermissionUnusable)
	}
	return nil
}

// Watch pumps provider notifications onto exec until ctx is done. onErr, if
// set, receives errors from HandleAuthorizationChange on the loop.
func (g *Gate) Watch(ctx context.Context, exec eventloop.Executor, onErr func(error)) {
	changes := g.provider.AuthorizationChanges()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case status, ok := <-changes:
				if !ok {
					return
				}
				exec.Post(func() {
					if err := g.HandleAuthorizationChange(status); err != nil && onErr != nil {
						onErr(err)
					}
				})
			}
		}
	}()
}

func (g *Gate) startUpdates() {
	if g.updating {
		return
	}
	g.updating = true
	g.logger.Info("starting location updates", "accuracy", g.accuracy.String())
	g.provider.StartUpdates(g.accuracy)
}
