package routing

import (
	"context"

	"github.com/example/ride-session/internal/models"
)

// Router is the route half of planner.Provider.
type Router interface {
	Route(ctx context.Context, origin, destination models.Coord) (models.Route, error)
}

// Provider joins a searcher and a router into a planner.Provider.
type Provider struct {
	Searcher
	Router
}
