package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-session/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) FetchUser(ctx context.Context, uid string) (models.User, error) {
	var fullname, email sql.NullString
	var accountType sql.NullInt64
	err := p.db.QueryRowContext(ctx, `SELECT fullname, email, account_type FROM users WHERE uid=$1`, uid).
		Scan(&fullname, &email, &accountType)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", uid, models.ErrNotFound)
	}
	if err != nil {
		return models.User{}, err
	}
	rec := map[string]any{}
	if fullname.Valid {
		rec["fullname"] = fullname.String
	}
	if email.Valid {
		rec["email"] = email.String
	}
	if accountType.Valid {
		rec["accountType"] = accountType.Int64
	}
	return models.UserFromRecord(uid, rec)
}

func (p *PostgresStore) SaveTrip(ctx context.Context, t models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(id, rider_uid, driver_uid, pickup_lat, pickup_lon, dest_lat, dest_lon, state, created_at, updated_at) VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.RiderUID, t.DriverUID, t.Pickup.Lat, t.Pickup.Lon, t.Destination.Lat, t.Destination.Lon, t.State.String(), t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTripState only updates a row still in the predecessor state, so two
// drivers racing to accept cannot both win.
func (p *PostgresStore) UpdateTripState(ctx context.Context, id string, state models.TripState, driverUID string) (models.Trip, error) {
	prev := state - 1
	if !prev.CanAdvanceTo(state) {
		return models.Trip{}, fmt.Errorf("trip %s: to %s: %w", id, state, models.ErrInvalidTransition)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET state=$1, driver_uid=COALESCE(NULLIF($2,''), driver_uid), updated_at=$3 WHERE id=$4 AND state=$5`,
		state.String(), driverUID, time.Now(), id, prev.String())
	if err != nil {
		return models.Trip{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Trip{}, err
	}
	if n == 0 {
		current, gerr := p.GetTrip(ctx, id)
		if gerr != nil {
			return models.Trip{}, gerr
		}
		return current, fmt.Errorf("trip %s: %s -> %s: %w", id, current.State, state, models.ErrInvalidTransition)
	}
	return p.GetTrip(ctx, id)
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	var t models.Trip
	var driver sql.NullString
	var state string
	err := p.db.QueryRowContext(ctx, `SELECT id, rider_uid, driver_uid, pickup_lat, pickup_lon, dest_lat, dest_lon, state, created_at, updated_at FROM trips WHERE id=$1`, id).
		Scan(&t.ID, &t.RiderUID, &driver, &t.Pickup.Lat, &t.Pickup.Lon, &t.Destination.Lat, &t.Destination.Lon, &state, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Trip{}, err
	}
	t.DriverUID = driver.String
	if t.State, err = models.ParseTripState(state); err != nil {
		return models.Trip{}, err
	}
	return t, nil
}
