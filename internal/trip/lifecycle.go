package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-session/internal/eventloop"
	"github.com/example/ride-session/internal/events"
	"github.com/example/ride-session/internal/geo"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
)

// Backend is the slice of the backend service the lifecycle writes to and
// subscribes on.
type Backend interface {
	UploadTrip(ctx context.Context, t models.Trip) error
	SetTripState(ctx context.Context, tripID string, state models.TripState, driverUID string) error
	SubscribeTripsForDriver(ctx context.Context, driverUID string) (<-chan models.Trip, error)
	SubscribeTrip(ctx context.Context, tripID string) (<-chan models.Trip, error)
}

type Options struct {
	// DispatchRadiusKm gates driver presentation by pickup distance. 0 presents every trip.
	DispatchRadiusKm float64
	// DriverLocation returns the acting driver's position for gating.
	DriverLocation func() (models.Coord, bool)
	Now            func() time.Time
	NewID          func() string
}

// Lifecycle runs the trip state machine for one signed-in user. All methods
// must be called on the event loop.
type Lifecycle struct {
	backend Backend
	exec    eventloop.Executor
	sink    events.Sink
	logger  *slog.Logger
	opts    Options

	// last known state per trip id, for dedup and monotonic checks
	seen map[string]models.Trip
	// target state of backend writes still in flight, per trip id
	pending map[string]models.TripState
	current *models.Trip
	// updates for the rider's trip that arrive before its upload completes
	uploading bool
	early     []models.Trip
	cancel    context.CancelFunc
	gen       uint64
}

func NewLifecycle(backend Backend, exec eventloop.Executor, sink events.Sink, logger *slog.Logger, opts Options) *Lifecycle {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Lifecycle{
		backend: backend,
		exec:    exec,
		sink:    sink,
		logger:  logger,
		opts:    opts,
		seen:    make(map[string]models.Trip),
		pending: make(map[string]models.TripState),
	}
}

// Current returns the trip this session is working on, if any.
func (l *Lifecycle) Current() (models.Trip, bool) {
	if l.current == nil {
		return models.Trip{}, false
	}
	return *l.current, true
}

// Get returns the last known version of a trip seen by this session.
func (l *Lifecycle) Get(id string) (models.Trip, bool) {
	t, ok := l.seen[id]
	return t, ok
}

// RequestTrip creates a Requested trip for rider and uploads it. The trip is
// returned at once; upload failure is reported as TripUploadFailed.
func (l *Lifecycle) RequestTrip(ctx context.Context, riderUID string, pickup, destination models.Coord) (models.Trip, error) {
	if riderUID == "" {
		return models.Trip{}, fmt.Errorf("trip: request without rider: %w", models.ErrRejected)
	}
	if l.current != nil && l.current.State != models.TripCompleted {
		return models.Trip{}, fmt.Errorf("trip: %s already %s: %w", l.current.ID, l.current.State, models.ErrRejected)
	}
	now := l.opts.Now()
	t := models.Trip{
		ID:          l.opts.NewID(),
		Pickup:      pickup,
		Destination: destination,
		State:       models.TripRequested,
		RiderUID:    riderUID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// Watch before uploading: the buses do not replay, so an acceptance
	// published right after the upload would otherwise be missed.
	if err := l.watch(ctx, func(ctx context.Context) (<-chan models.Trip, error) {
		return l.backend.SubscribeTrip(ctx, t.ID)
	}, l.handleOwnTrip); err != nil {
		return models.Trip{}, fmt.Errorf("trip %s: watch: %w: %v", t.ID, models.ErrUploadFailed, err)
	}
	l.current = &t
	l.seen[t.ID] = t
	l.uploading = true
	l.early = nil
	l.logger.Info("uploading trip request", "trip_id", t.ID, "rider", riderUID)

	l.exec.Go(ctx, func(ctx context.Context) func() {
		err := l.backend.UploadTrip(ctx, t)
		return func() { l.finishUpload(t, err) }
	})
	return t, nil
}

func (l *Lifecycle) finishUpload(t models.Trip, err error) {
	if l.current == nil || l.current.ID != t.ID {
		return
	}
	l.uploading = false
	early := l.early
	l.early = nil
	if err != nil {
		l.unwatch()
		l.current = nil
		delete(l.seen, t.ID)
		l.logger.Error("trip upload failed", "trip_id", t.ID, "error", err)
		l.sink.Emit(events.TripUploadFailed{Trip: t, Err: fmt.Errorf("trip %s: %w: %v", t.ID, models.ErrUploadFailed, err)})
		return
	}
	observability.TripTransitions.WithLabelValues(t.State.String()).Inc()
	l.sink.Emit(events.TripUploaded{Trip: t})
	for _, u := range early {
		l.handleOwnTrip(u)
	}
}

// handleOwnTrip applies backend updates for the rider's own trip. Updates
// that beat the upload's completion are held until TripUploaded is out.
func (l *Lifecycle) handleOwnTrip(t models.Trip) {
	if l.current == nil || l.current.ID != t.ID {
		return
	}
	if l.uploading {
		l.early = append(l.early, t)
		return
	}
	prev, ok := l.accept(t)
	if !ok {
		return
	}
	l.current = &t
	l.sink.Emit(events.TripUpdated{Trip: t, Previous: prev})
	if t.State == models.TripCompleted {
		l.current = nil
	}
}

// ObserveIncomingTrips subscribes a driver to trips offered to them. The
// first sighting of a Requested trip is presented once; retransmits of an
// unchanged trip are ignored.
func (l *Lifecycle) ObserveIncomingTrips(ctx context.Context, driverUID string) error {
	return l.watch(ctx, func(ctx context.Context) (<-chan models.Trip, error) {
		return l.backend.SubscribeTripsForDriver(ctx, driverUID)
	}, func(t models.Trip) { l.handleIncoming(driverUID, t) })
}

func (l *Lifecycle) handleIncoming(driverUID string, t models.Trip) {
	prev, ok := l.accept(t)
	if !ok {
		return
	}
	switch {
	case prev == 0 && t.State == models.TripRequested:
		if !l.withinDispatch(t) {
			l.logger.Debug("trip outside dispatch radius", "trip_id", t.ID)
			return
		}
		l.sink.Emit(events.TripPresented{Trip: t})
	case t.State == models.TripAccepted && t.DriverUID != driverUID:
		// Someone else took it; only withdraw if we ever showed it.
		if prev == models.TripRequested {
			l.sink.Emit(events.TripWithdrawn{Trip: t})
		}
	case prev == 0 && t.DriverUID != driverUID:
		// Already past Requested and not ours: never actionable here.
	default:
		if t.DriverUID == driverUID {
			l.current = &t
			if t.State == models.TripCompleted {
				l.current = nil
			}
		}
		l.sink.Emit(events.TripUpdated{Trip: t, Previous: prev})
	}
}

// accept validates t against the last known state of the same trip and
// records it. It returns the previous state (0 if unseen) and whether t is
// news. Malformed and backward updates are logged and dropped.
func (l *Lifecycle) accept(t models.Trip) (models.TripState, bool) {
	if err := t.Validate(); err != nil {
		observability.ComponentErrors.WithLabelValues("malformed_trip").Inc()
		l.logger.Error("dropping malformed trip payload", "error", err, "trip", t)
		return 0, false
	}
	known, seen := l.seen[t.ID]
	if !seen {
		l.seen[t.ID] = t
		return 0, true
	}
	if known.State == t.State {
		return known.State, false
	}
	if !known.State.CanAdvanceTo(t.State) && !(known.State == models.TripRequested && t.State == models.TripCompleted) {
		observability.ComponentErrors.WithLabelValues("invalid_transition").Inc()
		l.logger.Error("dropping trip update",
			"error", fmt.Errorf("trip %s: %s -> %s: %w", t.ID, known.State, t.State, models.ErrInvalidTransition),
			"trip_id", t.ID, "known", known.State.String(), "received", t.State.String())
		return known.State, false
	}
	l.seen[t.ID] = t
	observability.TripTransitions.WithLabelValues(t.State.String()).Inc()
	return known.State, true
}

func (l *Lifecycle) withinDispatch(t models.Trip) bool {
	if l.opts.DispatchRadiusKm <= 0 || l.opts.DriverLocation == nil {
		return true
	}
	loc, ok := l.opts.DriverLocation()
	if !ok {
		return true
	}
	return geo.Haversine(loc.Lat, loc.Lon, t.Pickup.Lat, t.Pickup.Lon) <= l.opts.DispatchRadiusKm*1000
}

// AcceptTrip moves a Requested trip to Accepted for driverUID. Any other
// starting state fails with ErrInvalidTransition before the backend is touched.
func (l *Lifecycle) AcceptTrip(ctx context.Context, t models.Trip, driverUID string) (models.Trip, error) {
	return l.transition(ctx, t, models.TripAccepted, driverUID)
}

// CompleteTrip moves an Accepted trip to Completed.
func (l *Lifecycle) CompleteTrip(ctx context.Context, t models.Trip) (models.Trip, error) {
	return l.transition(ctx, t, models.TripCompleted, t.DriverUID)
}

func (l *Lifecycle) transition(ctx context.Context, t models.Trip, target models.TripState, driverUID string) (models.Trip, error) {
	if known, ok := l.seen[t.ID]; ok && known.State > t.State {
		t = known
	}
	if inFlight, ok := l.pending[t.ID]; ok {
		err := fmt.Errorf("trip %s: %s already in flight: %w", t.ID, inFlight, models.ErrInvalidTransition)
		observability.ComponentErrors.WithLabelValues("invalid_transition").Inc()
		l.logger.Error("rejected trip transition", "trip_id", t.ID, "from", t.State.String(), "to", target.String(), "error", err)
		return t, err
	}
	next, err := t.Transition(target, driverUID, l.opts.Now())
	if err != nil {
		observability.ComponentErrors.WithLabelValues("invalid_transition").Inc()
		l.logger.Error("rejected trip transition", "trip_id", t.ID, "from", t.State.String(), "to", target.String(), "error", err)
		return t, err
	}
	l.pending[t.ID] = target
	l.exec.Go(ctx, func(ctx context.Context) func() {
		err := l.backend.SetTripState(ctx, next.ID, next.State, next.DriverUID)
		return func() { l.finishTransition(t, next, err) }
	})
	return next, nil
}

func (l *Lifecycle) finishTransition(from, next models.Trip, err error) {
	delete(l.pending, next.ID)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			observability.ComponentErrors.WithLabelValues("invalid_transition").Inc()
		}
		l.logger.Error("trip state write failed", "trip_id", next.ID, "to", next.State.String(), "error", err)
		l.sink.Emit(events.TripTransitionFailed{Trip: from, Target: next.State, Err: err})
		return
	}
	if known, ok := l.seen[next.ID]; !ok || known.State < next.State {
		l.seen[next.ID] = next
		observability.TripTransitions.WithLabelValues(next.State.String()).Inc()
	}
	switch next.State {
	case models.TripAccepted:
		l.current = &next
		l.sink.Emit(events.TripAccepted{Trip: next})
	case models.TripCompleted:
		l.current = nil
		l.sink.Emit(events.TripCompleted{Trip: next})
	}
}

// Stop ends any subscription and forgets the current trip.
func (l *Lifecycle) Stop() {
	l.unwatch()
	l.current = nil
	l.uploading = false
	l.early = nil
	l.seen = make(map[string]models.Trip)
	l.pending = make(map[string]models.TripState)
}

func (l *Lifecycle) unwatch() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.gen++
}

func (l *Lifecycle) watch(ctx context.Context, subscribe func(context.Context) (<-chan models.Trip, error), handle func(models.Trip)) error {
	if l.cancel != nil {
		l.cancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	trips, err := subscribe(subCtx)
	if err != nil {
		cancel()
		l.cancel = nil
		return err
	}
	l.cancel = cancel
	l.gen++
	gen := l.gen
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case t, ok := <-trips:
				if !ok {
					return
				}
				l.exec.Post(func() {
					if l.gen == gen {
						handle(t)
					}
				})
			}
		}
	}()
	return nil
}
