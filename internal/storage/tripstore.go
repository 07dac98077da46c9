package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-session/internal/models"
)

// UserStore reads user records.
type UserStore interface {
	FetchUser(ctx context.Context, uid string) (models.User, error)
}

// TripStore defines persistence operations for trips.
type TripStore interface {
	SaveTrip(ctx context.Context, t models.Trip) error
	// UpdateTripState applies a forward transition and returns the stored trip.
	UpdateTripState(ctx context.Context, id string, state models.TripState, driverUID string) (models.Trip, error)
	GetTrip(ctx context.Context, id string) (models.Trip, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]map[string]any
	trips map[string]models.Trip
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]map[string]any), trips: make(map[string]models.Trip), now: time.Now}
}

// PutUserRecord stores a raw user record the way the backend would hold it.
func (m *MemoryStore) PutUserRecord(uid string, rec map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[uid] = rec
}

func (m *MemoryStore) FetchUser(_ context.Context, uid string) (models.User, error) {
	m.mu.RLock()
	rec, ok := m.users[uid]
	m.mu.RUnlock()
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", uid, models.ErrNotFound)
	}
	return models.UserFromRecord(uid, rec)
}

func (m *MemoryStore) SaveTrip(_ context.Context, t models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = t
	return nil
}

func (m *MemoryStore) UpdateTripState(_ context.Context, id string, state models.TripState, driverUID string) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
	}
	next, err := t.Transition(state, driverUID, m.now())
	if err != nil {
		return t, err
	}
	m.trips[id] = next
	return next, nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
	}
	return t, nil
}
