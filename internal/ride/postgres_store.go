package ride

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore backs the state machine with a conditional UPDATE: the status
// check in the WHERE clause is the atomic compare-and-set, and it holds
// across processes, which an in-memory mutex cannot.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Create(ctx context.Context, r *Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(id, rider_id, class, pickup_lat, pickup_lon, dest_lat, dest_lon,
		                  status, driver_id, fare, distance_m, duration_s, code, cancel_reason,
		                  created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.RiderID, string(r.Class), r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		string(r.Status), r.DriverID, r.Fare, r.DistanceMeters, r.DurationSeconds, r.Code, r.CancelReason,
		r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, class, pickup_lat, pickup_lon, dest_lat, dest_lon,
		       status, driver_id, fare, distance_m, duration_s, code, cancel_reason,
		       created_at, accepted_at, en_route_at, started_at, completed_at, cancelled_at, updated_at
		FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, up Update) (*Ride, error) {
	if !CanTransition(from, to) {
		return nil, ErrInvalidTransition
	}
	now := time.Now()
	var res sql.Result
	var err error
	switch to {
	case StatusAccepted:
		// driver_id='' in the predicate keeps the assignment write-once even
		// if a buggy caller retries the same edge.
		res, err = p.db.ExecContext(ctx, `
			UPDATE rides SET status=$1, driver_id=$2, accepted_at=$3, updated_at=$3
			WHERE id=$4 AND status=$5 AND driver_id=''`,
			string(to), up.DriverID, now, id, string(from))
	case StatusOnTripToPickup:
		res, err = p.db.ExecContext(ctx, `
			UPDATE rides SET status=$1, en_route_at=$2, updated_at=$2
			WHERE id=$3 AND status=$4`, string(to), now, id, string(from))
	case StatusInProgress:
		res, err = p.db.ExecContext(ctx, `
			UPDATE rides SET status=$1, started_at=$2, updated_at=$2
			WHERE id=$3 AND status=$4`, string(to), now, id, string(from))
	case StatusCompleted:
		res, err = p.db.ExecContext(ctx, `
			UPDATE rides SET status=$1, completed_at=$2, updated_at=$2
			WHERE id=$3 AND status=$4`, string(to), now, id, string(from))
	case StatusCancelled:
		res, err = p.db.ExecContext(ctx, `
			UPDATE rides SET status=$1, cancel_reason=$2, cancelled_at=$3, updated_at=$3
			WHERE id=$4 AND status=$5`, string(to), up.CancelReason, now, id, string(from))
	default:
		res, err = p.db.ExecContext(ctx, `
			UPDATE rides SET status=$1, updated_at=$2
			WHERE id=$3 AND status=$4`, string(to), now, id, string(from))
	}
	if err != nil {
		return nil, fmt.Errorf("ride transition %s->%s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Didn't match: either the ride is gone or someone else moved it
		// first. Re-read to tell the two apart.
		if _, err := p.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrStaleState
	}
	return p.Get(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*Ride, error) {
	var r Ride
	var class, status string
	var acceptedAt, enRouteAt, startedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(&r.ID, &r.RiderID, &class, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&status, &r.DriverID, &r.Fare, &r.DistanceMeters, &r.DurationSeconds, &r.Code, &r.CancelReason,
		&r.CreatedAt, &acceptedAt, &enRouteAt, &startedAt, &completedAt, &cancelledAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Class = models.VehicleClass(class)
	r.Status = Status(status)
	r.AcceptedAt = acceptedAt.Time
	r.EnRouteAt = enRouteAt.Time
	r.StartedAt = startedAt.Time
	r.CompletedAt = completedAt.Time
	r.CancelledAt = cancelledAt.Time
	return &r, nil
}
