package matching

import (
	"time"

	"github.com/google/uuid"
)

// VehicleType is the vehicle class a request or schedule is for
type VehicleType string

const (
	VehicleKeke VehicleType = "KEKE"
	VehicleCar  VehicleType = "CAR"
	VehicleBus  VehicleType = "BUS"
)

// RideType distinguishes shared seats from private bookings
type RideType string

const (
	RideTypeShared  RideType = "SHARED"
	RideTypePrivate RideType = "PRIVATE"
)

// RideTypeFor is the only ride type vehicleType is sold as. Chartered KEKE
// requests stay SHARED.
func RideTypeFor(vehicleType VehicleType) RideType {
	if vehicleType == VehicleKeke {
		return RideTypeShared
	}
	return RideTypePrivate
}

// RequestStatus is the lifecycle state of a ride request
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestMatching  RequestStatus = "MATCHING"
	RequestAccepted  RequestStatus = "ACCEPTED"
	RequestCancelled RequestStatus = "CANCELLED"
)

// RideStatus is the lifecycle state of a ride
type RideStatus string

const (
	RidePending   RideStatus = "PENDING"
	RideScheduled RideStatus = "SCHEDULED"
	RideOngoing   RideStatus = "ONGOING"
	RideCompleted RideStatus = "COMPLETED"
	RideCancelled RideStatus = "CANCELLED"
)

// PaymentMethodCash is recorded on every seat the engine allocates
const PaymentMethodCash = "CASH"

// GroupCapacity is the seat count of a grouped acceptance
const GroupCapacity = 4

// SeatCapacity returns the fixed seat count of a vehicle class
func SeatCapacity(v VehicleType) int {
	switch v {
	case VehicleKeke:
		return 4
	case VehicleBus:
		return 14
	default:
		return 1
	}
}

// Valid reports whether v is a known vehicle type
func (v VehicleType) Valid() bool {
	return v == VehicleKeke || v == VehicleCar || v == VehicleBus
}

// RideRequest is one passenger's ask for a seat
type RideRequest struct {
	ID             uuid.UUID     `json:"id"`
	PassengerID    uuid.UUID     `json:"passenger_id"`
	VehicleType    VehicleType   `json:"vehicle_type"`
	RideType       RideType      `json:"ride_type"`
	Route          Route         `json:"route"`
	ScheduledFor   *time.Time    `json:"scheduled_for,omitempty"`
	SeatsNeeded    int           `json:"seats_needed"`
	PriceQuoted    float64       `json:"price_quoted"`
	IsChartered    bool          `json:"is_chartered"`
	ExpiresAt      time.Time     `json:"expires_at"`
	Status         RequestStatus `json:"status"`
	AcceptedRideID *uuid.UUID    `json:"accepted_ride_id,omitempty"`
	MatchingSince  *time.Time    `json:"matching_since,omitempty"`
	BroadcastCount int           `json:"broadcast_count"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// TargetTime is the desired departure, or now for as-soon-as-possible requests
func (r *RideRequest) TargetTime(now time.Time) time.Time {
	if r.ScheduledFor != nil {
		return *r.ScheduledFor
	}
	return now
}

// IsSharedKeke reports whether the request rides the shared junction network
func (r *RideRequest) IsSharedKeke() bool {
	return r.VehicleType == VehicleKeke && r.RideType == RideTypeShared
}

// JunctionRoute returns the request's junction pair, if it has one
func (r *RideRequest) JunctionRoute() (JunctionRoute, bool) {
	jr, ok := r.Route.(JunctionRoute)
	return jr, ok
}

// NearbyRequest is a free-form request annotated with its distance from a driver
type NearbyRequest struct {
	*RideRequest
	DistanceKm float64 `json:"distance_km"`
}

// DriverSchedule is a driver's standing offer to run a junction pair at a time
type DriverSchedule struct {
	ID            uuid.UUID      `json:"id"`
	DriverID      uuid.UUID      `json:"driver_id"`
	VehicleType   VehicleType    `json:"vehicle_type"`
	Route         *JunctionRoute `json:"route,omitempty"`
	DepartureTime time.Time      `json:"departure_time"`
	Capacity      int            `json:"capacity"`
	SeatsFilled   int            `json:"seats_filled"`
	IsActive      bool           `json:"is_active"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SeatsAvailable returns the number of unfilled seats
func (s *DriverSchedule) SeatsAvailable() int {
	return s.Capacity - s.SeatsFilled
}

// Ride is a materialized trip aggregating one or more passengers
type Ride struct {
	ID                uuid.UUID   `json:"id"`
	DriverID          uuid.UUID   `json:"driver_id"`
	ScheduleID        *uuid.UUID  `json:"schedule_id,omitempty"`
	VehicleType       VehicleType `json:"vehicle_type"`
	RideType          RideType    `json:"ride_type"`
	Status            RideStatus  `json:"status"`
	ScanCode          string      `json:"scan_code"`
	ShortCode         string      `json:"short_code"`
	PickupTime        time.Time   `json:"pickup_time"`
	Capacity          int         `json:"capacity"`
	SeatsFilled       int         `json:"seats_filled"`
	TotalAmount       float64     `json:"total_amount"`
	Commission        float64     `json:"commission"`
	Route             Route       `json:"route"`
	ScheduledByDriver bool        `json:"scheduled_by_driver"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// RidePassenger binds a passenger to a ride
type RidePassenger struct {
	ID            uuid.UUID  `json:"id"`
	RideID        uuid.UUID  `json:"ride_id"`
	PassengerID   uuid.UUID  `json:"passenger_id"`
	RequestID     *uuid.UUID `json:"request_id,omitempty"`
	PaymentMethod string     `json:"payment_method"`
	PricePaid     float64    `json:"price_paid"`
	TicketCode    string     `json:"ticket_code"`
	ScanCode      string     `json:"scan_code"`
	Rating        *int       `json:"rating,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// DriverPresence is a driver's availability for grouped broadcasts
type DriverPresence struct {
	DriverID    uuid.UUID   `json:"driver_id"`
	VehicleType VehicleType `json:"vehicle_type"`
	IsOnline    bool        `json:"is_online"`
	IsAvailable bool        `json:"is_available"`
	Latitude    *float64    `json:"latitude,omitempty"`
	Longitude   *float64    `json:"longitude,omitempty"`
	LastPingAt  time.Time   `json:"last_ping_at"`
}

// AcceptResult is returned by both acceptance workflows
type AcceptResult struct {
	Ride               *Ride            `json:"ride"`
	Schedule           *DriverSchedule  `json:"schedule,omitempty"`
	AcceptedRequestIDs []uuid.UUID      `json:"accepted_request_ids"`
	RidePassengers     []*RidePassenger `json:"ride_passengers"`
}
