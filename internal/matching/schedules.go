package matching

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-matching/pkg/common"
	"github.com/richxcame/ride-matching/pkg/logger"
	"go.uber.org/zap"
)

const driverScheduleLimit = 10

// CreateScheduleInput is a driver's standing offer
type CreateScheduleInput struct {
	DriverID      uuid.UUID
	Route         JunctionRoute
	DepartureTime time.Time
	Capacity      int
}

// CreateSchedule publishes a KEKE schedule the matcher can slot passengers into
func (s *Service) CreateSchedule(ctx context.Context, in CreateScheduleInput) (*DriverSchedule, error) {
	now := s.clock.Now()

	if !in.Route.Valid() {
		return nil, toAppError(ErrInvalidRoute, "")
	}
	capacity := in.Capacity
	if capacity == 0 {
		capacity = SeatCapacity(VehicleKeke)
	}
	if capacity < 1 || capacity > SeatCapacity(VehicleKeke) {
		return nil, common.NewBadRequestError("capacity must be between 1 and 4", ErrInvalidRequest)
	}
	if in.DepartureTime.Before(now.Add(-scheduleTolerance)) {
		return nil, common.NewBadRequestError("departure_time is in the past", ErrInvalidRequest)
	}

	route := in.Route
	schedule := &DriverSchedule{
		ID:            uuid.New(),
		DriverID:      in.DriverID,
		VehicleType:   VehicleKeke,
		Route:         &route,
		DepartureTime: in.DepartureTime,
		Capacity:      capacity,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateSchedule(ctx, schedule); err != nil {
		logger.WithContext(ctx).Error("failed to create schedule",
			zap.String("driver_id", in.DriverID.String()),
			zap.Error(err),
		)
		return nil, common.NewInternalServerError("failed to create schedule")
	}

	logger.WithContext(ctx).Info("Driver schedule created",
		zap.String("schedule_id", schedule.ID.String()),
		zap.String("driver_id", schedule.DriverID.String()),
		zap.Time("departure_time", schedule.DepartureTime),
	)
	return schedule, nil
}

// GetDriverSchedules lists a driver's active schedules, soonest first
func (s *Service) GetDriverSchedules(ctx context.Context, driverID uuid.UUID) ([]*DriverSchedule, error) {
	schedules, err := s.store.ListDriverSchedules(ctx, driverID, s.clock.Now().Add(-scheduleTolerance), driverScheduleLimit)
	if err != nil {
		return nil, common.NewInternalServerError("failed to list schedules")
	}
	return schedules, nil
}

// CancelSchedule deactivates one of the driver's schedules
func (s *Service) CancelSchedule(ctx context.Context, driverID, scheduleID uuid.UUID) error {
	ok, err := s.store.DeactivateSchedule(ctx, driverID, scheduleID, s.clock.Now())
	if err != nil {
		return common.NewInternalServerError("failed to cancel schedule")
	}
	if !ok {
		return toAppError(ErrScheduleNotFound, "")
	}
	logger.WithContext(ctx).Info("Driver schedule cancelled",
		zap.String("schedule_id", scheduleID.String()),
		zap.String("driver_id", driverID.String()),
	)
	return nil
}

// DriverStatusInput is a driver's presence ping
type DriverStatusInput struct {
	DriverID    uuid.UUID
	VehicleType VehicleType
	IsOnline    bool
	IsAvailable bool
	Latitude    *float64
	Longitude   *float64
}

// UpdateDriverStatus records whether a driver can receive grouped broadcasts
// and caches their position for nearby searches
func (s *Service) UpdateDriverStatus(ctx context.Context, in DriverStatusInput) (*DriverPresence, error) {
	if !in.VehicleType.Valid() {
		return nil, common.NewBadRequestError("unknown vehicle type", ErrInvalidRequest)
	}
	if (in.Latitude == nil) != (in.Longitude == nil) {
		return nil, common.NewBadRequestError("latitude and longitude must be sent together", ErrInvalidRequest)
	}

	presence := &DriverPresence{
		DriverID:    in.DriverID,
		VehicleType: in.VehicleType,
		IsOnline:    in.IsOnline,
		IsAvailable: in.IsOnline && in.IsAvailable,
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
		LastPingAt:  s.clock.Now(),
	}
	if err := s.store.UpsertDriverPresence(ctx, presence); err != nil {
		logger.WithContext(ctx).Error("failed to update driver status",
			zap.String("driver_id", in.DriverID.String()),
			zap.Error(err),
		)
		return nil, common.NewInternalServerError("failed to update driver status")
	}

	if s.locations != nil && in.Latitude != nil {
		if err := s.locations.UpdateDriverLocation(ctx, in.DriverID, *in.Latitude, *in.Longitude); err != nil {
			logger.WithContext(ctx).Warn("failed to cache driver location",
				zap.String("driver_id", in.DriverID.String()),
				zap.Error(err),
			)
		}
	}
	return presence, nil
}
