package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-matching/pkg/common"
	"github.com/richxcame/ride-matching/pkg/logger"
	"go.uber.org/zap"
)

// upcomingScheduleLimit caps the schedules returned with a new KEKE request
const upcomingScheduleLimit = 10

// scheduleTolerance lets a request or schedule sit slightly in the past to
// absorb client clock skew
const scheduleTolerance = time.Minute

// CreateRequestInput is what a passenger submits
type CreateRequestInput struct {
	PassengerID  uuid.UUID
	VehicleType  VehicleType
	RideType     RideType
	Route        Route
	ScheduledFor *time.Time
	IsChartered  bool
}

// CreateRequestResult is the persisted request plus schedules it could join
type CreateRequestResult struct {
	Request           *RideRequest      `json:"request"`
	UpcomingSchedules []*DriverSchedule `json:"upcoming_schedules,omitempty"`
}

// CreateRequest quotes and stores a new PENDING request
func (s *Service) CreateRequest(ctx context.Context, in CreateRequestInput) (*CreateRequestResult, error) {
	now := s.clock.Now()

	if !in.VehicleType.Valid() {
		return nil, common.NewBadRequestError("unknown vehicle type", ErrInvalidRequest)
	}
	if in.ScheduledFor != nil && in.ScheduledFor.Before(now.Add(-scheduleTolerance)) {
		return nil, common.NewBadRequestError("scheduled_for is in the past", ErrInvalidRequest)
	}

	rideType := RideTypeFor(in.VehicleType)
	if in.RideType != "" && in.RideType != rideType {
		return nil, common.NewBadRequestError(
			fmt.Sprintf("%s rides are booked as %s", in.VehicleType, rideType), ErrInvalidRoute)
	}

	price, err := s.Quote(ctx, in.VehicleType, in.Route)
	if err != nil {
		return nil, toAppError(err, "failed to quote ride request")
	}

	req := &RideRequest{
		ID:           uuid.New(),
		PassengerID:  in.PassengerID,
		VehicleType:  in.VehicleType,
		RideType:     rideType,
		Route:        in.Route,
		ScheduledFor: in.ScheduledFor,
		SeatsNeeded:  1,
		PriceQuoted:  price,
		IsChartered:  in.IsChartered,
		ExpiresAt:    PolicyFor(in.IsChartered).ExpiresAt(now, in.ScheduledFor),
		Status:       RequestPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateRequest(ctx, req); err != nil {
		logger.WithContext(ctx).Error("failed to create ride request",
			zap.String("passenger_id", in.PassengerID.String()),
			zap.Error(err),
		)
		return nil, common.NewInternalServerError("failed to create ride request")
	}

	result := &CreateRequestResult{Request: req}
	if route, ok := req.JunctionRoute(); ok {
		schedules, err := s.store.ListUpcomingSchedules(ctx, route, req.TargetTime(now).Add(-s.cfg.ScheduleEarlyWindow), upcomingScheduleLimit)
		if err != nil {
			logger.WithContext(ctx).Warn("failed to list upcoming schedules",
				zap.String("request_id", req.ID.String()),
				zap.Error(err),
			)
		} else {
			result.UpcomingSchedules = schedules
		}
	}

	logger.WithContext(ctx).Info("Ride request created",
		zap.String("request_id", req.ID.String()),
		zap.String("passenger_id", req.PassengerID.String()),
		zap.String("vehicle_type", string(req.VehicleType)),
		zap.String("route_kind", string(req.Route.Kind())),
		zap.Float64("price_quoted", req.PriceQuoted),
	)
	return result, nil
}

// Quote prices a route for a vehicle type. Junction routes are KEKE only and
// use the fixed route fare; geo routes use the distance tariff.
func (s *Service) Quote(ctx context.Context, vehicleType VehicleType, route Route) (float64, error) {
	switch r := route.(type) {
	case JunctionRoute:
		if vehicleType != VehicleKeke || !r.Valid() {
			return 0, ErrInvalidRoute
		}
		fare, err := s.quoter.FixedRouteFare(ctx, r.StartJunctionID, r.EndJunctionID)
		if err != nil {
			return 0, fmt.Errorf("fixed route fare: %w", err)
		}
		return fare, nil
	case GeoRoute:
		if vehicleType == VehicleKeke || !r.Valid() {
			return 0, ErrInvalidRoute
		}
		fare, err := s.quoter.DistanceFare(string(vehicleType), r.DistanceKm())
		if err != nil {
			return 0, fmt.Errorf("distance fare: %w", err)
		}
		return fare, nil
	default:
		return 0, ErrInvalidRoute
	}
}
