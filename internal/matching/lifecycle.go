package matching

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/richxcame/ride-matching/pkg/logger"
	"go.uber.org/zap"
)

// StartRide moves a scheduled ride to ONGOING once the driver confirms the
// ride's short code
func (s *Service) StartRide(ctx context.Context, driverID, rideID uuid.UUID, shortCode string) (*Ride, error) {
	now := s.clock.Now()
	var ride *Ride

	err := s.store.WithTx(ctx, func(tx Tx) error {
		r, err := s.lockDriverRide(ctx, tx, driverID, rideID)
		if err != nil {
			return err
		}
		if r.Status != RideScheduled {
			return ErrRideStateConflict
		}
		if r.ShortCode != shortCode {
			return ErrInvalidShortCode
		}
		if err := tx.UpdateRideStatus(ctx, r.ID, RideScheduled, RideOngoing, now); err != nil {
			return err
		}
		r.Status = RideOngoing
		r.StartedAt = &now
		ride = r
		return nil
	})
	if err != nil {
		return nil, toAppError(err, "failed to start ride")
	}

	logger.WithContext(ctx).Info("Ride started",
		zap.String("ride_id", rideID.String()),
		zap.String("driver_id", driverID.String()),
	)
	return ride, nil
}

// CompleteRide finishes an ONGOING ride. A schedule whose seats are all
// taken is deactivated with it.
func (s *Service) CompleteRide(ctx context.Context, driverID, rideID uuid.UUID) (*Ride, error) {
	now := s.clock.Now()
	var ride *Ride

	err := s.store.WithTx(ctx, func(tx Tx) error {
		r, err := s.lockDriverRide(ctx, tx, driverID, rideID)
		if err != nil {
			return err
		}
		if r.Status != RideOngoing {
			return ErrRideStateConflict
		}
		if err := tx.UpdateRideStatus(ctx, r.ID, RideOngoing, RideCompleted, now); err != nil {
			return err
		}
		r.Status = RideCompleted
		r.CompletedAt = &now

		if r.ScheduleID != nil {
			schedule, err := tx.GetScheduleForUpdate(ctx, *r.ScheduleID)
			if err != nil {
				return fmt.Errorf("lock schedule: %w", err)
			}
			if schedule != nil && schedule.IsActive && schedule.SeatsAvailable() == 0 {
				if err := tx.DeactivateScheduleByID(ctx, schedule.ID, now); err != nil {
					return fmt.Errorf("deactivate schedule: %w", err)
				}
			}
		}
		ride = r
		return nil
	})
	if err != nil {
		return nil, toAppError(err, "failed to complete ride")
	}

	logger.WithContext(ctx).Info("Ride completed",
		zap.String("ride_id", rideID.String()),
		zap.String("driver_id", driverID.String()),
	)
	return ride, nil
}

// CancelBooking releases a passenger's seat on a ride that has not started
func (s *Service) CancelBooking(ctx context.Context, passengerID, rideID uuid.UUID) error {
	now := s.clock.Now()

	err := s.store.WithTx(ctx, func(tx Tx) error {
		ride, err := tx.GetRideForUpdate(ctx, rideID)
		if err != nil {
			return fmt.Errorf("lock ride: %w", err)
		}
		if ride == nil {
			return ErrRideNotFound
		}
		if ride.Status != RideScheduled {
			return ErrRideStateConflict
		}

		rp, err := tx.GetActivePassenger(ctx, rideID, passengerID)
		if err != nil {
			return fmt.Errorf("load booking: %w", err)
		}
		if rp == nil {
			return ErrBookingNotFound
		}

		if err := tx.CancelRidePassenger(ctx, rp.ID, now); err != nil {
			return fmt.Errorf("cancel booking: %w", err)
		}
		if err := tx.AdjustRideSeats(ctx, ride.ID, -1); err != nil {
			return fmt.Errorf("release ride seat: %w", err)
		}
		if ride.ScheduleID != nil {
			if err := tx.AdjustScheduleSeats(ctx, *ride.ScheduleID, -1); err != nil {
				return fmt.Errorf("release schedule seat: %w", err)
			}
		}
		if rp.RequestID != nil {
			if err := tx.SetRequestStatus(ctx, *rp.RequestID, RequestCancelled, now); err != nil {
				return fmt.Errorf("cancel request: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return toAppError(err, "failed to cancel booking")
	}

	logger.WithContext(ctx).Info("Booking cancelled",
		zap.String("ride_id", rideID.String()),
		zap.String("passenger_id", passengerID.String()),
	)
	return nil
}

func (s *Service) lockDriverRide(ctx context.Context, tx Tx, driverID, rideID uuid.UUID) (*Ride, error) {
	ride, err := tx.GetRideForUpdate(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("lock ride: %w", err)
	}
	if ride == nil {
		return nil, ErrRideNotFound
	}
	if ride.DriverID != driverID {
		return nil, ErrForbidden
	}
	return ride, nil
}
