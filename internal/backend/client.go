// Package backend composes the stores, driver feed and trip bus into the
// single backend service a ride session talks to.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-session/internal/ingest"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/storage"
)

// DriverFeed is the proximity query source.
type DriverFeed interface {
	SubscribeNearbyDrivers(ctx context.Context, center models.Coord, radiusKm float64) (<-chan models.DriverPosition, error)
}

type Client struct {
	Users   storage.UserStore
	Trips   storage.TripStore
	Drivers DriverFeed
	Bus     ingest.TripBus
	Logger  *slog.Logger
	Timeout time.Duration
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}

func (c *Client) FetchUser(ctx context.Context, uid string) (models.User, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.Users.FetchUser(ctx, uid)
}

func (c *Client) SubscribeNearbyDrivers(ctx context.Context, center models.Coord, radiusKm float64) (<-chan models.DriverPosition, error) {
	return c.Drivers.SubscribeNearbyDrivers(ctx, center, radiusKm)
}

// UploadTrip stores the trip and announces it to drivers.
func (c *Client) UploadTrip(ctx context.Context, t models.Trip) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.Trips.SaveTrip(ctx, t); err != nil {
		return fmt.Errorf("save trip %s: %w", t.ID, err)
	}
	if err := c.Bus.PublishTrip(ctx, t); err != nil {
		return fmt.Errorf("publish trip %s: %w", t.ID, err)
	}
	return nil
}

func (c *Client) SetTripState(ctx context.Context, tripID string, state models.TripState, driverUID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	t, err := c.Trips.UpdateTripState(ctx, tripID, state, driverUID)
	if err != nil {
		return err
	}
	if err := c.Bus.PublishTrip(ctx, t); err != nil {
		// The store is authoritative; subscribers catch up on the next change.
		c.Logger.Warn("trip state stored but not published", "trip_id", tripID, "state", state.String(), "error", err)
	}
	return nil
}

// SubscribeTripsForDriver streams open trips (so a driver also learns when
// someone else accepts one) and anything assigned to the driver.
func (c *Client) SubscribeTripsForDriver(ctx context.Context, driverUID string) (<-chan models.Trip, error) {
	return c.filtered(ctx, func(t models.Trip) bool {
		return t.State != models.TripCompleted || t.DriverUID == driverUID
	})
}

// SubscribeTrip streams updates of one trip.
func (c *Client) SubscribeTrip(ctx context.Context, tripID string) (<-chan models.Trip, error) {
	return c.filtered(ctx, func(t models.Trip) bool { return t.ID == tripID })
}

func (c *Client) filtered(ctx context.Context, keep func(models.Trip) bool) (<-chan models.Trip, error) {
	in, err := c.Bus.SubscribeTrips(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan models.Trip, 16)
	go func() {
		defer close(out)
		for t := range in {
			if !keep(t) {
				continue
			}
			select {
			case out <- t:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
