package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

// wrapErr folds a backend failure into StoreUnavailable. Context errors pass
// through untouched so a deadline overrun stays recognizable as a timeout
// instead of a store outage.
func wrapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

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
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Insert(ctx context.Context, r *models.Ride) (string, error) {
	if r.ID == "" {
		r.ID, r.Code = NewRideID()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(id, code, status, pickup_address, pickup_lat, pickup_lng,
			dest_address, dest_lat, dest_lng, driver_id, price_total, distance_km,
			requested_at, accepted_at, completed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12,$13,$14,$15)`,
		r.ID, r.Code, r.Status, r.Pickup.Address, r.Pickup.Lat, r.Pickup.Lon,
		r.Destination.Address, r.Destination.Lat, r.Destination.Lon, r.DriverID,
		r.PriceTotal, r.DistanceKm, r.RequestedAt, r.AcceptedAt, r.CompletedAt)
	if err != nil {
		return "", wrapErr(err)
	}
	return r.ID, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.Ride, error) {
	row := p.db.QueryRowContext(ctx, selectRides+` WHERE id=$1`, id)
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return models.Ride{}, ErrNotFound
	}
	if err != nil {
		return models.Ride{}, wrapErr(err)
	}
	return r, nil
}

func (p *PostgresStore) Find(ctx context.Context, f Filter) ([]models.Ride, error) {
	q := selectRides + ` WHERE 1=1`
	args := []interface{}{}
	if f.Status != "" {
		args = append(args, f.Status)
		q += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if len(f.Statuses) > 0 {
		q += ` AND status IN (`
		for i, s := range f.Statuses {
			args = append(args, s)
			if i > 0 {
				q += ","
			}
			q += fmt.Sprintf("$%d", len(args))
		}
		q += `)`
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		q += fmt.Sprintf(` AND driver_id=$%d`, len(args))
	}
	q += ` ORDER BY requested_at DESC`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return out, nil
}

// ConditionalUpdate is the accept-race guard: one UPDATE with the expected
// status in the WHERE clause, so the precondition and the write are a single
// atomic statement on the database side.
func (p *PostgresStore) ConditionalUpdate(ctx context.Context, id string, expected ride.Status, patch Patch) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET
			status=$1,
			driver_id=COALESCE(NULLIF($2,''), driver_id),
			accepted_at=COALESCE($3, accepted_at),
			completed_at=COALESCE($4, completed_at)
		WHERE id=$5 AND status=$6`,
		patch.Status, patch.DriverID, patch.AcceptedAt, patch.CompletedAt, id, expected)
	if err != nil {
		return 0, wrapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

const selectRides = `
	SELECT id, code, status, pickup_address, pickup_lat, pickup_lng,
		dest_address, dest_lat, dest_lng, COALESCE(driver_id, ''),
		price_total, distance_km, requested_at, accepted_at, completed_at
	FROM rides`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRide(row rowScanner) (models.Ride, error) {
	var r models.Ride
	err := row.Scan(&r.ID, &r.Code, &r.Status,
		&r.Pickup.Address, &r.Pickup.Lat, &r.Pickup.Lon,
		&r.Destination.Address, &r.Destination.Lat, &r.Destination.Lon,
		&r.DriverID, &r.PriceTotal, &r.DistanceKm,
		&r.RequestedAt, &r.AcceptedAt, &r.CompletedAt)
	return r, err
}
