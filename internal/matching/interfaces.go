package matching

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-matching/internal/geo"
)

// Store is the persistence surface of the engine. Reads and single-statement
// writes run directly; multi-row mutations go through WithTx.
type Store interface {
	// WithTx runs fn in one atomic unit of work. A returned error rolls
	// back everything fn wrote.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	CreateRequest(ctx context.Context, req *RideRequest) error
	ListPendingSharedKeke(ctx context.Context) ([]*RideRequest, error)
	FindMatchingSchedule(ctx context.Context, route JunctionRoute, from, to time.Time) (*DriverSchedule, error)
	FindGroupCandidates(ctx context.Context, route JunctionRoute, from, to, now time.Time) ([]*RideRequest, error)
	ClaimForBroadcast(ctx context.Context, ids []uuid.UUID, now time.Time) ([]uuid.UUID, error)
	ExpireStaleClaims(ctx context.Context, claimedBefore time.Time, maxBroadcasts int, now time.Time) (reverted, cancelled int64, err error)
	ListAvailableDrivers(ctx context.Context, vehicleType VehicleType) ([]uuid.UUID, error)
	ListPendingFreeForm(ctx context.Context, vehicleType VehicleType, box geo.Box, limit int) ([]*RideRequest, error)

	CreateSchedule(ctx context.Context, schedule *DriverSchedule) error
	ListDriverSchedules(ctx context.Context, driverID uuid.UUID, from time.Time, limit int) ([]*DriverSchedule, error)
	ListUpcomingSchedules(ctx context.Context, route JunctionRoute, from time.Time, limit int) ([]*DriverSchedule, error)
	DeactivateSchedule(ctx context.Context, driverID, scheduleID uuid.UUID, now time.Time) (bool, error)

	UpsertDriverPresence(ctx context.Context, presence *DriverPresence) error
}

// Tx is the set of operations available inside a unit of work. Every
// ForUpdate read holds its rows until the unit of work ends.
type Tx interface {
	GetRequestForUpdate(ctx context.Context, id uuid.UUID) (*RideRequest, error)
	ListPendingByRoute(ctx context.Context, route JunctionRoute, excludeID uuid.UUID) ([]*RideRequest, error)
	ListOpenRequestsForUpdate(ctx context.Context, ids []uuid.UUID) ([]*RideRequest, error)
	MarkRequestAccepted(ctx context.Context, requestID, rideID uuid.UUID, now time.Time) error
	SetRequestStatus(ctx context.Context, requestID uuid.UUID, status RequestStatus, now time.Time) error

	CreateSchedule(ctx context.Context, schedule *DriverSchedule) error
	GetScheduleForUpdate(ctx context.Context, id uuid.UUID) (*DriverSchedule, error)
	AdjustScheduleSeats(ctx context.Context, scheduleID uuid.UUID, delta int) error
	SetScheduleSeats(ctx context.Context, scheduleID uuid.UUID, seats int) error
	DeactivateScheduleByID(ctx context.Context, scheduleID uuid.UUID, now time.Time) error

	CreateRide(ctx context.Context, ride *Ride) error
	GetRideForUpdate(ctx context.Context, id uuid.UUID) (*Ride, error)
	FindOpenRideForSchedule(ctx context.Context, schedule *DriverSchedule) (*Ride, error)
	AdjustRideSeats(ctx context.Context, rideID uuid.UUID, delta int) error
	SetRideSeats(ctx context.Context, rideID uuid.UUID, seats int) error
	UpdateRideStatus(ctx context.Context, rideID uuid.UUID, from, to RideStatus, now time.Time) error

	IsPassengerSeated(ctx context.Context, rideID, passengerID uuid.UUID) (bool, error)
	CreateRidePassenger(ctx context.Context, rp *RidePassenger) error
	GetActivePassenger(ctx context.Context, rideID, passengerID uuid.UUID) (*RidePassenger, error)
	CancelRidePassenger(ctx context.Context, id uuid.UUID, now time.Time) error
}

// Notifier delivers a push notification to one recipient
type Notifier interface {
	Notify(ctx context.Context, recipientID uuid.UUID, title, body string, data map[string]interface{}) error
}

// Clock is the time source used for every timestamp the engine writes
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now implements Clock
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Quoter prices requests
type Quoter interface {
	FixedRouteFare(ctx context.Context, startJunctionID, endJunctionID uuid.UUID) (float64, error)
	DistanceFare(vehicleType string, distanceKm float64) (float64, error)
}

// LocationCache holds recent driver positions
type LocationCache interface {
	UpdateDriverLocation(ctx context.Context, driverID uuid.UUID, latitude, longitude float64) error
	GetDriverLocation(ctx context.Context, driverID uuid.UUID) (*geo.DriverLocation, error)
}
