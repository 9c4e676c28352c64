package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/richxcame/ride-matching/internal/geo"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"

	activeSeatIndex = "uq_ride_passengers_active"
)

var seatChecks = map[string]bool{
	"driver_schedules_seats_check": true,
	"rides_seats_check":            true,
}

// querier is the subset of pgxpool.Pool and pgx.Tx the queries need
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles matching database operations
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new matching repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// WithTx implements Store. Row locks taken with FOR UPDATE serialize
// competing writers on the same requests, schedules and rides.
func (r *Repository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		return fn(&txRepository{q: tx})
	})
}

// txRepository runs Tx operations inside an open transaction
type txRepository struct {
	q querier
}

// ========================================
// COLUMN MAPPING
// ========================================

const requestColumns = `
	id, passenger_id, vehicle_type, ride_type,
	start_junction_id, end_junction_id, start_lat, start_lng, end_lat, end_lng,
	scheduled_for, seats_needed, price_quoted, is_chartered, expires_at,
	status, accepted_ride_id, matching_since, broadcast_count,
	created_at, updated_at`

const scheduleColumns = `
	id, driver_id, vehicle_type, start_junction_id, end_junction_id,
	departure_time, capacity, seats_filled, is_active, created_at, updated_at`

const rideColumns = `
	id, driver_id, schedule_id, vehicle_type, ride_type, status,
	scan_code, short_code, pickup_time, capacity, seats_filled,
	total_amount, commission,
	start_junction_id, end_junction_id, start_lat, start_lng, end_lat, end_lng,
	scheduled_by_driver, started_at, completed_at, created_at, updated_at`

const passengerColumns = `
	id, ride_id, passenger_id, request_id, payment_method, price_paid,
	ticket_code, scan_code, rating, cancelled_at, created_at`

// routeColumns is the nullable column form of a Route
type routeColumns struct {
	startJunctionID *uuid.UUID
	endJunctionID   *uuid.UUID
	startLat        *float64
	startLng        *float64
	endLat          *float64
	endLng          *float64
}

func toRouteColumns(route Route) routeColumns {
	switch r := route.(type) {
	case JunctionRoute:
		start, end := r.StartJunctionID, r.EndJunctionID
		return routeColumns{startJunctionID: &start, endJunctionID: &end}
	case GeoRoute:
		sLat, sLng := r.Start.Latitude, r.Start.Longitude
		eLat, eLng := r.End.Latitude, r.End.Longitude
		return routeColumns{startLat: &sLat, startLng: &sLng, endLat: &eLat, endLng: &eLng}
	default:
		return routeColumns{}
	}
}

func (c routeColumns) route() (Route, error) {
	switch {
	case c.startJunctionID != nil && c.endJunctionID != nil:
		return JunctionRoute{StartJunctionID: *c.startJunctionID, EndJunctionID: *c.endJunctionID}, nil
	case c.startLat != nil && c.startLng != nil && c.endLat != nil && c.endLng != nil:
		return GeoRoute{
			Start: geo.Point{Latitude: *c.startLat, Longitude: *c.startLng},
			End:   geo.Point{Latitude: *c.endLat, Longitude: *c.endLng},
		}, nil
	default:
		return nil, ErrInvalidRoute
	}
}

func scanRequest(row pgx.Row) (*RideRequest, error) {
	var (
		req RideRequest
		rc  routeColumns
	)
	err := row.Scan(
		&req.ID, &req.PassengerID, &req.VehicleType, &req.RideType,
		&rc.startJunctionID, &rc.endJunctionID, &rc.startLat, &rc.startLng, &rc.endLat, &rc.endLng,
		&req.ScheduledFor, &req.SeatsNeeded, &req.PriceQuoted, &req.IsChartered, &req.ExpiresAt,
		&req.Status, &req.AcceptedRideID, &req.MatchingSince, &req.BroadcastCount,
		&req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if req.Route, err = rc.route(); err != nil {
		return nil, fmt.Errorf("request %s: %w", req.ID, err)
	}
	return &req, nil
}

func scanSchedule(row pgx.Row) (*DriverSchedule, error) {
	var (
		s          DriverSchedule
		start, end *uuid.UUID
	)
	err := row.Scan(
		&s.ID, &s.DriverID, &s.VehicleType, &start, &end,
		&s.DepartureTime, &s.Capacity, &s.SeatsFilled, &s.IsActive, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if start != nil && end != nil {
		s.Route = &JunctionRoute{StartJunctionID: *start, EndJunctionID: *end}
	}
	return &s, nil
}

func scanRide(row pgx.Row) (*Ride, error) {
	var (
		ride Ride
		rc   routeColumns
	)
	err := row.Scan(
		&ride.ID, &ride.DriverID, &ride.ScheduleID, &ride.VehicleType, &ride.RideType, &ride.Status,
		&ride.ScanCode, &ride.ShortCode, &ride.PickupTime, &ride.Capacity, &ride.SeatsFilled,
		&ride.TotalAmount, &ride.Commission,
		&rc.startJunctionID, &rc.endJunctionID, &rc.startLat, &rc.startLng, &rc.endLat, &rc.endLng,
		&ride.ScheduledByDriver, &ride.StartedAt, &ride.CompletedAt, &ride.CreatedAt, &ride.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if ride.Route, err = rc.route(); err != nil {
		return nil, fmt.Errorf("ride %s: %w", ride.ID, err)
	}
	return &ride, nil
}

func scanPassenger(row pgx.Row) (*RidePassenger, error) {
	var rp RidePassenger
	err := row.Scan(
		&rp.ID, &rp.RideID, &rp.PassengerID, &rp.RequestID, &rp.PaymentMethod, &rp.PricePaid,
		&rp.TicketCode, &rp.ScanCode, &rp.Rating, &rp.CancelledAt, &rp.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rp, nil
}

func collectRequests(rows pgx.Rows, err error) ([]*RideRequest, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*RideRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func collectSchedules(rows pgx.Rows, err error) ([]*DriverSchedule, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*DriverSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// mapWriteError translates constraint violations into engine errors
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == activeSeatIndex:
			return fmt.Errorf("%w: %s", ErrAlreadyBooked, pgErr.ConstraintName)
		case pgErr.Code == pgCheckViolation && seatChecks[pgErr.ConstraintName]:
			return fmt.Errorf("%w: %s", ErrCapacityExceeded, pgErr.ConstraintName)
		}
	}
	return err
}

// ========================================
// RIDE REQUESTS
// ========================================

// CreateRequest inserts a new ride request
func (r *Repository) CreateRequest(ctx context.Context, req *RideRequest) error {
	rc := toRouteColumns(req.Route)
	query := `
		INSERT INTO ride_requests (
			id, passenger_id, vehicle_type, ride_type,
			start_junction_id, end_junction_id, start_lat, start_lng, end_lat, end_lng,
			scheduled_for, seats_needed, price_quoted, is_chartered, expires_at,
			status, broadcast_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := r.db.Exec(ctx, query,
		req.ID, req.PassengerID, string(req.VehicleType), string(req.RideType),
		rc.startJunctionID, rc.endJunctionID, rc.startLat, rc.startLng, rc.endLat, rc.endLng,
		req.ScheduledFor, req.SeatsNeeded, req.PriceQuoted, req.IsChartered, req.ExpiresAt,
		string(req.Status), req.BroadcastCount, req.CreatedAt, req.UpdatedAt,
	)
	return err
}

// ListPendingSharedKeke returns every pending shared KEKE request, oldest first
func (r *Repository) ListPendingSharedKeke(ctx context.Context) ([]*RideRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM ride_requests
		WHERE status = 'PENDING' AND vehicle_type = 'KEKE' AND ride_type = 'SHARED'
			AND start_junction_id IS NOT NULL AND end_junction_id IS NOT NULL
		ORDER BY created_at ASC
	`
	return collectRequests(r.db.Query(ctx, query))
}

// FindGroupCandidates returns pending shared requests on route whose target
// time falls in [from, to]. Requests without a scheduled time target now.
func (r *Repository) FindGroupCandidates(ctx context.Context, route JunctionRoute, from, to, now time.Time) ([]*RideRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM ride_requests
		WHERE status = 'PENDING' AND vehicle_type = 'KEKE' AND ride_type = 'SHARED'
			AND start_junction_id = $1 AND end_junction_id = $2
			AND COALESCE(scheduled_for, $5) BETWEEN $3 AND $4
		ORDER BY created_at ASC
	`
	return collectRequests(r.db.Query(ctx, query, route.StartJunctionID, route.EndJunctionID, from, to, now))
}

// ClaimForBroadcast moves the still-PENDING subset of ids to MATCHING and
// returns the ids it claimed
func (r *Repository) ClaimForBroadcast(ctx context.Context, ids []uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE ride_requests
		SET status = 'MATCHING', matching_since = $2,
			broadcast_count = broadcast_count + 1, updated_at = $2
		WHERE id = ANY($1) AND status = 'PENDING'
		RETURNING id
	`
	rows, err := r.db.Query(ctx, query, ids, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		claimed = append(claimed, id)
	}
	return claimed, rows.Err()
}

// ExpireStaleClaims releases MATCHING claims taken before claimedBefore
func (r *Repository) ExpireStaleClaims(ctx context.Context, claimedBefore time.Time, maxBroadcasts int, now time.Time) (int64, int64, error) {
	query := `
		UPDATE ride_requests
		SET status = CASE WHEN broadcast_count < $2 THEN 'PENDING' ELSE 'CANCELLED' END,
			matching_since = NULL, updated_at = $3
		WHERE status = 'MATCHING' AND matching_since < $1
		RETURNING status
	`
	rows, err := r.db.Query(ctx, query, claimedBefore, maxBroadcasts, now)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	var reverted, cancelled int64
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, 0, err
		}
		if RequestStatus(status) == RequestPending {
			reverted++
		} else {
			cancelled++
		}
	}
	return reverted, cancelled, rows.Err()
}

// ListPendingFreeForm returns pending geo requests for a vehicle type whose
// pickup lies inside box
func (r *Repository) ListPendingFreeForm(ctx context.Context, vehicleType VehicleType, box geo.Box, limit int) ([]*RideRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM ride_requests
		WHERE status = 'PENDING' AND vehicle_type = $1
			AND start_lat BETWEEN $2 AND $3
			AND start_lng BETWEEN $4 AND $5
		ORDER BY created_at ASC
		LIMIT $6
	`
	return collectRequests(r.db.Query(ctx, query,
		string(vehicleType), box.MinLat, box.MaxLat, box.MinLng, box.MaxLng, limit))
}

// ========================================
// SCHEDULES
// ========================================

func insertSchedule(ctx context.Context, q querier, s *DriverSchedule) error {
	var start, end *uuid.UUID
	if s.Route != nil {
		start, end = &s.Route.StartJunctionID, &s.Route.EndJunctionID
	}
	query := `
		INSERT INTO driver_schedules (
			id, driver_id, vehicle_type, start_junction_id, end_junction_id,
			departure_time, capacity, seats_filled, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := q.Exec(ctx, query,
		s.ID, s.DriverID, string(s.VehicleType), start, end,
		s.DepartureTime, s.Capacity, s.SeatsFilled, s.IsActive, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

// CreateSchedule inserts a driver-posted schedule
func (r *Repository) CreateSchedule(ctx context.Context, s *DriverSchedule) error {
	return insertSchedule(ctx, r.db, s)
}

// FindMatchingSchedule returns the earliest active schedule on route with a
// free seat departing in [from, to], or nil
func (r *Repository) FindMatchingSchedule(ctx context.Context, route JunctionRoute, from, to time.Time) (*DriverSchedule, error) {
	query := `SELECT ` + scheduleColumns + `
		FROM driver_schedules
		WHERE start_junction_id = $1 AND end_junction_id = $2
			AND is_active = true AND seats_filled < capacity
			AND departure_time BETWEEN $3 AND $4
		ORDER BY departure_time ASC
		LIMIT 1
	`
	v, err := scanSchedule(r.db.QueryRow(ctx, query, route.StartJunctionID, route.EndJunctionID, from, to))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// ListDriverSchedules returns a driver's active schedules departing after from
func (r *Repository) ListDriverSchedules(ctx context.Context, driverID uuid.UUID, from time.Time, limit int) ([]*DriverSchedule, error) {
	query := `SELECT ` + scheduleColumns + `
		FROM driver_schedules
		WHERE driver_id = $1 AND is_active = true AND departure_time >= $2
		ORDER BY departure_time ASC
		LIMIT $3
	`
	return collectSchedules(r.db.Query(ctx, query, driverID, from, limit))
}

// ListUpcomingSchedules returns joinable schedules on route departing after from
func (r *Repository) ListUpcomingSchedules(ctx context.Context, route JunctionRoute, from time.Time, limit int) ([]*DriverSchedule, error) {
	query := `SELECT ` + scheduleColumns + `
		FROM driver_schedules
		WHERE start_junction_id = $1 AND end_junction_id = $2
			AND is_active = true AND seats_filled < capacity
			AND departure_time >= $3
		ORDER BY departure_time ASC
		LIMIT $4
	`
	return collectSchedules(r.db.Query(ctx, query, route.StartJunctionID, route.EndJunctionID, from, limit))
}

// DeactivateSchedule deactivates a driver's schedule. It reports false when
// the schedule does not exist, belongs to someone else or is already inactive.
func (r *Repository) DeactivateSchedule(ctx context.Context, driverID, scheduleID uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE driver_schedules
		SET is_active = false, updated_at = $3
		WHERE id = $1 AND driver_id = $2 AND is_active = true
	`
	tag, err := r.db.Exec(ctx, query, scheduleID, driverID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ========================================
// DRIVER PRESENCE
// ========================================

// ListAvailableDrivers returns drivers of a vehicle type that are online and free
func (r *Repository) ListAvailableDrivers(ctx context.Context, vehicleType VehicleType) ([]uuid.UUID, error) {
	query := `
		SELECT driver_id
		FROM driver_presence
		WHERE vehicle_type = $1 AND is_online = true AND is_available = true
		ORDER BY last_ping_at DESC
	`
	rows, err := r.db.Query(ctx, query, string(vehicleType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drivers []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		drivers = append(drivers, id)
	}
	return drivers, rows.Err()
}

// UpsertDriverPresence records a driver's latest status ping
func (r *Repository) UpsertDriverPresence(ctx context.Context, p *DriverPresence) error {
	query := `
		INSERT INTO driver_presence (
			driver_id, vehicle_type, is_online, is_available, latitude, longitude, last_ping_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (driver_id) DO UPDATE SET
			vehicle_type = EXCLUDED.vehicle_type,
			is_online = EXCLUDED.is_online,
			is_available = EXCLUDED.is_available,
			latitude = COALESCE(EXCLUDED.latitude, driver_presence.latitude),
			longitude = COALESCE(EXCLUDED.longitude, driver_presence.longitude),
			last_ping_at = EXCLUDED.last_ping_at
	`
	_, err := r.db.Exec(ctx, query,
		p.DriverID, string(p.VehicleType), p.IsOnline, p.IsAvailable, p.Latitude, p.Longitude, p.LastPingAt,
	)
	return err
}

// ========================================
// TRANSACTIONAL OPERATIONS
// ========================================

// GetRequestForUpdate locks and returns a request, or nil
func (t *txRepository) GetRequestForUpdate(ctx context.Context, id uuid.UUID) (*RideRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM ride_requests WHERE id = $1 FOR UPDATE`
	v, err := scanRequest(t.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// ListPendingByRoute locks the pending shared requests on route other than
// excludeID. Rows another transaction holds are skipped.
func (t *txRepository) ListPendingByRoute(ctx context.Context, route JunctionRoute, excludeID uuid.UUID) ([]*RideRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM ride_requests
		WHERE status = 'PENDING' AND vehicle_type = 'KEKE' AND ride_type = 'SHARED'
			AND is_chartered = false
			AND start_junction_id = $1 AND end_junction_id = $2 AND id <> $3
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
	`
	return collectRequests(t.q.Query(ctx, query, route.StartJunctionID, route.EndJunctionID, excludeID))
}

// ListOpenRequestsForUpdate locks the PENDING or MATCHING subset of ids,
// oldest first
func (t *txRepository) ListOpenRequestsForUpdate(ctx context.Context, ids []uuid.UUID) ([]*RideRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM ride_requests
		WHERE id = ANY($1) AND status IN ('PENDING', 'MATCHING')
		ORDER BY created_at ASC
		FOR UPDATE
	`
	return collectRequests(t.q.Query(ctx, query, ids))
}

// MarkRequestAccepted binds an open request to a ride
func (t *txRepository) MarkRequestAccepted(ctx context.Context, requestID, rideID uuid.UUID, now time.Time) error {
	query := `
		UPDATE ride_requests
		SET status = 'ACCEPTED', accepted_ride_id = $2, matching_since = NULL, updated_at = $3
		WHERE id = $1 AND status IN ('PENDING', 'MATCHING')
	`
	tag, err := t.q.Exec(ctx, query, requestID, rideID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestUnavailable
	}
	return nil
}

// SetRequestStatus overwrites a request's status
func (t *txRepository) SetRequestStatus(ctx context.Context, requestID uuid.UUID, status RequestStatus, now time.Time) error {
	_, err := t.q.Exec(ctx, `UPDATE ride_requests SET status = $2, updated_at = $3 WHERE id = $1`,
		requestID, string(status), now)
	return err
}

// CreateSchedule inserts a schedule inside the transaction
func (t *txRepository) CreateSchedule(ctx context.Context, s *DriverSchedule) error {
	return insertSchedule(ctx, t.q, s)
}

// GetScheduleForUpdate locks and returns a schedule, or nil
func (t *txRepository) GetScheduleForUpdate(ctx context.Context, id uuid.UUID) (*DriverSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM driver_schedules WHERE id = $1 FOR UPDATE`
	v, err := scanSchedule(t.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// AdjustScheduleSeats moves seats_filled by delta, refusing to leave [0, capacity]
func (t *txRepository) AdjustScheduleSeats(ctx context.Context, scheduleID uuid.UUID, delta int) error {
	if delta == 0 {
		return nil
	}
	query := `
		UPDATE driver_schedules
		SET seats_filled = seats_filled + $2, updated_at = NOW()
		WHERE id = $1 AND seats_filled + $2 BETWEEN 0 AND capacity
	`
	return t.guardedSeatUpdate(ctx, query, scheduleID, delta)
}

// SetScheduleSeats sets seats_filled, refusing values outside [0, capacity]
func (t *txRepository) SetScheduleSeats(ctx context.Context, scheduleID uuid.UUID, seats int) error {
	query := `
		UPDATE driver_schedules
		SET seats_filled = $2, updated_at = NOW()
		WHERE id = $1 AND $2 BETWEEN 0 AND capacity
	`
	return t.guardedSeatUpdate(ctx, query, scheduleID, seats)
}

// DeactivateScheduleByID deactivates a schedule regardless of owner
func (t *txRepository) DeactivateScheduleByID(ctx context.Context, scheduleID uuid.UUID, now time.Time) error {
	_, err := t.q.Exec(ctx, `UPDATE driver_schedules SET is_active = false, updated_at = $2 WHERE id = $1`,
		scheduleID, now)
	return err
}

// CreateRide inserts a ride
func (t *txRepository) CreateRide(ctx context.Context, ride *Ride) error {
	rc := toRouteColumns(ride.Route)
	query := `
		INSERT INTO rides (
			id, driver_id, schedule_id, vehicle_type, ride_type, status,
			scan_code, short_code, pickup_time, capacity, seats_filled,
			total_amount, commission,
			start_junction_id, end_junction_id, start_lat, start_lng, end_lat, end_lng,
			scheduled_by_driver, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`
	_, err := t.q.Exec(ctx, query,
		ride.ID, ride.DriverID, ride.ScheduleID, string(ride.VehicleType), string(ride.RideType), string(ride.Status),
		ride.ScanCode, ride.ShortCode, ride.PickupTime, ride.Capacity, ride.SeatsFilled,
		ride.TotalAmount, ride.Commission,
		rc.startJunctionID, rc.endJunctionID, rc.startLat, rc.startLng, rc.endLat, rc.endLng,
		ride.ScheduledByDriver, ride.CreatedAt, ride.UpdatedAt,
	)
	return mapWriteError(err)
}

// GetRideForUpdate locks and returns a ride, or nil
func (t *txRepository) GetRideForUpdate(ctx context.Context, id uuid.UUID) (*Ride, error) {
	query := `SELECT ` + rideColumns + ` FROM rides WHERE id = $1 FOR UPDATE`
	v, err := scanRide(t.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// FindOpenRideForSchedule locks the not-yet-started ride that runs a
// schedule, matched by schedule link or by driver, route and pickup time
func (t *txRepository) FindOpenRideForSchedule(ctx context.Context, s *DriverSchedule) (*Ride, error) {
	var start, end *uuid.UUID
	if s.Route != nil {
		start, end = &s.Route.StartJunctionID, &s.Route.EndJunctionID
	}
	query := `SELECT ` + rideColumns + `
		FROM rides
		WHERE status IN ('PENDING', 'SCHEDULED')
			AND (schedule_id = $1
				OR (driver_id = $2 AND start_junction_id = $3 AND end_junction_id = $4 AND pickup_time = $5))
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE
	`
	v, err := scanRide(t.q.QueryRow(ctx, query, s.ID, s.DriverID, start, end, s.DepartureTime))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// AdjustRideSeats moves seats_filled by delta, refusing to leave [0, capacity]
func (t *txRepository) AdjustRideSeats(ctx context.Context, rideID uuid.UUID, delta int) error {
	if delta == 0 {
		return nil
	}
	query := `
		UPDATE rides
		SET seats_filled = seats_filled + $2, updated_at = NOW()
		WHERE id = $1 AND seats_filled + $2 BETWEEN 0 AND capacity
	`
	return t.guardedSeatUpdate(ctx, query, rideID, delta)
}

// SetRideSeats sets seats_filled, refusing values outside [0, capacity]
func (t *txRepository) SetRideSeats(ctx context.Context, rideID uuid.UUID, seats int) error {
	query := `
		UPDATE rides
		SET seats_filled = $2, updated_at = NOW()
		WHERE id = $1 AND $2 BETWEEN 0 AND capacity
	`
	return t.guardedSeatUpdate(ctx, query, rideID, seats)
}

func (t *txRepository) guardedSeatUpdate(ctx context.Context, query string, id uuid.UUID, n int) error {
	tag, err := t.q.Exec(ctx, query, id, n)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCapacityExceeded
	}
	return nil
}

// UpdateRideStatus moves a ride from one status to another, stamping the
// start or completion time
func (t *txRepository) UpdateRideStatus(ctx context.Context, rideID uuid.UUID, from, to RideStatus, now time.Time) error {
	query := `
		UPDATE rides
		SET status = $3::varchar,
			started_at = CASE WHEN $3::varchar = 'ONGOING' THEN $4 ELSE started_at END,
			completed_at = CASE WHEN $3::varchar = 'COMPLETED' THEN $4 ELSE completed_at END,
			updated_at = $4
		WHERE id = $1 AND status = $2
	`
	tag, err := t.q.Exec(ctx, query, rideID, string(from), string(to), now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRideStateConflict
	}
	return nil
}

// IsPassengerSeated reports whether a passenger holds an active seat on a ride
func (t *txRepository) IsPassengerSeated(ctx context.Context, rideID, passengerID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM ride_passengers
			WHERE ride_id = $1 AND passenger_id = $2 AND cancelled_at IS NULL
		)
	`
	var seated bool
	err := t.q.QueryRow(ctx, query, rideID, passengerID).Scan(&seated)
	return seated, err
}

// CreateRidePassenger inserts a seat. A second active seat for the same
// passenger on the same ride fails with ErrAlreadyBooked.
func (t *txRepository) CreateRidePassenger(ctx context.Context, rp *RidePassenger) error {
	query := `
		INSERT INTO ride_passengers (
			id, ride_id, passenger_id, request_id, payment_method, price_paid,
			ticket_code, scan_code, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := t.q.Exec(ctx, query,
		rp.ID, rp.RideID, rp.PassengerID, rp.RequestID, rp.PaymentMethod, rp.PricePaid,
		rp.TicketCode, rp.ScanCode, rp.CreatedAt,
	)
	return mapWriteError(err)
}

// GetActivePassenger returns a passenger's uncancelled seat on a ride, or nil
func (t *txRepository) GetActivePassenger(ctx context.Context, rideID, passengerID uuid.UUID) (*RidePassenger, error) {
	query := `SELECT ` + passengerColumns + `
		FROM ride_passengers
		WHERE ride_id = $1 AND passenger_id = $2 AND cancelled_at IS NULL
		FOR UPDATE
	`
	v, err := scanPassenger(t.q.QueryRow(ctx, query, rideID, passengerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// CancelRidePassenger marks a seat cancelled
func (t *txRepository) CancelRidePassenger(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE ride_passengers SET cancelled_at = $2 WHERE id = $1 AND cancelled_at IS NULL`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBookingNotFound
	}
	return nil
}
