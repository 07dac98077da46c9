package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/example/ride-session/internal/models"
)

// TripBus carries trip records between riders and drivers.
type TripBus interface {
	PublishTrip(ctx context.Context, t models.Trip) error
	SubscribeTrips(ctx context.Context) (<-chan models.Trip, error)
}

func EncodeTrip(t models.Trip) ([]byte, error) { return json.Marshal(t) }

// DecodeTrip parses and validates a trip payload.
func DecodeTrip(b []byte) (models.Trip, error) {
	var t models.Trip
	if err := json.Unmarshal(b, &t); err != nil {
		return models.Trip{}, fmt.Errorf("decode trip: %w: %v", models.ErrMalformedPayload, err)
	}
	if err := t.Validate(); err != nil {
		return models.Trip{}, err
	}
	return t, nil
}

// MemoryBus fans trips out to in-process subscribers. Slow subscribers
// lose messages rather than block the publisher.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[int]chan models.Trip
	nextID int
	buffer int
}

func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{subs: make(map[int]chan models.Trip), buffer: buffer}
}

func (b *MemoryBus) PublishTrip(_ context.Context, t models.Trip) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- t:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) SubscribeTrips(ctx context.Context) (<-chan models.Trip, error) {
	ch := make(chan models.Trip, b.buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}
