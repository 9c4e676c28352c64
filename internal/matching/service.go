package matching

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-matching/pkg/logger"
	"github.com/richxcame/ride-matching/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = tracing.Tracer("ride-matching/matching")

// Config tunes the periodic matcher and claim expiry
type Config struct {
	GracePeriod         time.Duration
	ScheduleEarlyWindow time.Duration
	ScheduleLateWindow  time.Duration
	GroupWindow         time.Duration
	ClaimTTL            time.Duration
	MaxBroadcasts       int
}

// DefaultConfig returns the production matcher settings
func DefaultConfig() Config {
	return Config{
		GracePeriod:         15 * time.Minute,
		ScheduleEarlyWindow: 5 * time.Minute,
		ScheduleLateWindow:  15 * time.Minute,
		GroupWindow:         5 * time.Minute,
		ClaimTTL:            10 * time.Minute,
		MaxBroadcasts:       3,
	}
}

// Service handles ride matching business logic
type Service struct {
	store     Store
	quoter    Quoter
	notifier  Notifier
	locations LocationCache
	clock     Clock
	cfg       Config
}

// NewService creates a new matching service. locations may be nil when no
// driver position cache is available.
func NewService(store Store, quoter Quoter, notifier Notifier, locations LocationCache, clock Clock, cfg Config) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{
		store:     store,
		quoter:    quoter,
		notifier:  notifier,
		locations: locations,
		clock:     clock,
		cfg:       cfg,
	}
}

// ========================================
// DIRECT ACCEPTANCE
// ========================================

// AcceptRequest lets a driver take one pending request. The driver gets a
// new ride (and, for non-chartered requests, a reusable schedule) which is
// then filled with other pending requests on the same junction pair.
func (s *Service) AcceptRequest(ctx context.Context, driverID, requestID uuid.UUID) (*AcceptResult, error) {
	ctx, span := tracer.Start(ctx, "matching.AcceptRequest")
	defer span.End()
	span.SetAttributes(
		attribute.String("driver_id", driverID.String()),
		attribute.String("request_id", requestID.String()),
	)

	now := s.clock.Now()
	var result *AcceptResult

	err := s.store.WithTx(ctx, func(tx Tx) error {
		req, err := tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return fmt.Errorf("load request: %w", err)
		}
		if req == nil || req.Status != RequestPending {
			return ErrRequestUnavailable
		}

		ride, schedule, err := openRide(ctx, tx, driverID, req, SeatCapacity(req.VehicleType), now)
		if err != nil {
			return err
		}

		candidates := []*RideRequest{req}
		if route, ok := req.JunctionRoute(); ok && req.IsSharedKeke() && PolicyFor(req.IsChartered).AggregatesNeighbours {
			others, err := tx.ListPendingByRoute(ctx, route, req.ID)
			if err != nil {
				return fmt.Errorf("list neighbours: %w", err)
			}
			orderByProximity(others, req.TargetTime(now), now)
			candidates = append(candidates, others...)
		}

		passengers, accepted, err := seatCandidates(ctx, tx, ride, candidates, now)
		if err != nil {
			return err
		}

		added := len(passengers)
		if err := tx.AdjustRideSeats(ctx, ride.ID, added); err != nil {
			return fmt.Errorf("update ride seats: %w", err)
		}
		ride.SeatsFilled += added
		if schedule != nil {
			if err := tx.AdjustScheduleSeats(ctx, schedule.ID, added); err != nil {
				return fmt.Errorf("update schedule seats: %w", err)
			}
			schedule.SeatsFilled += added
		}

		result = &AcceptResult{
			Ride:               ride,
			Schedule:           schedule,
			AcceptedRequestIDs: accepted,
			RidePassengers:     passengers,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "accept failed")
		logger.WithContext(ctx).Warn("failed to accept ride request",
			zap.String("driver_id", driverID.String()),
			zap.String("request_id", requestID.String()),
			zap.Error(err),
		)
		return nil, toAppError(err, "failed to accept ride request")
	}

	acceptancesTotal.WithLabelValues("direct").Inc()
	seatsAllocatedTotal.WithLabelValues("direct").Add(float64(len(result.RidePassengers)))

	logger.WithContext(ctx).Info("Ride request accepted",
		zap.String("driver_id", driverID.String()),
		zap.String("request_id", requestID.String()),
		zap.String("ride_id", result.Ride.ID.String()),
		zap.Int("seats_filled", result.Ride.SeatsFilled),
	)

	return result, nil
}

// ========================================
// GROUPED ACCEPTANCE
// ========================================

// AcceptGroupedRequests lets a driver take a bundle produced by the matcher's
// broadcast. Either every seated request commits or none do.
func (s *Service) AcceptGroupedRequests(ctx context.Context, driverID uuid.UUID, requestIDs []uuid.UUID) (*AcceptResult, error) {
	ctx, span := tracer.Start(ctx, "matching.AcceptGroupedRequests")
	defer span.End()
	span.SetAttributes(
		attribute.String("driver_id", driverID.String()),
		attribute.Int("request_count", len(requestIDs)),
	)

	ids := uniqueIDs(requestIDs)
	if len(ids) == 0 {
		return nil, toAppError(ErrNoValidRequests, "")
	}

	now := s.clock.Now()
	var (
		result  *AcceptResult
		notices []notice
	)

	err := s.store.WithTx(ctx, func(tx Tx) error {
		reqs, err := tx.ListOpenRequestsForUpdate(ctx, ids)
		if err != nil {
			return fmt.Errorf("load requests: %w", err)
		}
		if len(reqs) == 0 {
			return ErrNoValidRequests
		}

		base := reqs[0]
		if _, ok := base.JunctionRoute(); !ok {
			return ErrHeterogeneousGroup
		}
		for _, r := range reqs[1:] {
			if !SameJunctionPair(base.Route, r.Route) {
				return ErrHeterogeneousGroup
			}
		}

		ride, schedule, err := openRide(ctx, tx, driverID, base, GroupCapacity, now)
		if err != nil {
			return err
		}

		passengers, accepted, err := seatCandidates(ctx, tx, ride, reqs, now)
		if err != nil {
			return err
		}

		seats := len(passengers)
		if err := tx.SetRideSeats(ctx, ride.ID, seats); err != nil {
			return fmt.Errorf("set ride seats: %w", err)
		}
		ride.SeatsFilled = seats
		if schedule != nil {
			if err := tx.SetScheduleSeats(ctx, schedule.ID, seats); err != nil {
				return fmt.Errorf("set schedule seats: %w", err)
			}
			schedule.SeatsFilled = seats
		}

		notices = notices[:0]
		for _, rp := range passengers {
			notices = append(notices, notice{
				recipientID: rp.PassengerID,
				title:       "Driver Accepted",
				body:        fmt.Sprintf("A driver accepted your ride. Your ticket code is %s.", rp.TicketCode),
				data: map[string]interface{}{
					"rideId":     ride.ID.String(),
					"ticketCode": rp.TicketCode,
					"type":       "REQUEST_ACCEPTED",
				},
			})
		}

		result = &AcceptResult{
			Ride:               ride,
			Schedule:           schedule,
			AcceptedRequestIDs: accepted,
			RidePassengers:     passengers,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grouped accept failed")
		logger.WithContext(ctx).Warn("failed to accept grouped requests",
			zap.String("driver_id", driverID.String()),
			zap.Int("request_count", len(ids)),
			zap.Error(err),
		)
		return nil, toAppError(err, "failed to accept grouped requests")
	}

	acceptancesTotal.WithLabelValues("grouped").Inc()
	seatsAllocatedTotal.WithLabelValues("grouped").Add(float64(len(result.RidePassengers)))

	logger.WithContext(ctx).Info("Grouped requests accepted",
		zap.String("driver_id", driverID.String()),
		zap.String("ride_id", result.Ride.ID.String()),
		zap.Int("seats_filled", result.Ride.SeatsFilled),
	)

	dispatch(ctx, s.notifier, notices)
	return result, nil
}

// ========================================
// SHARED ALLOCATION STEPS
// ========================================

// openRide materializes the ride an acceptance produces, plus the schedule
// when the charter policy asks for one
func openRide(ctx context.Context, tx Tx, driverID uuid.UUID, base *RideRequest, capacity int, now time.Time) (*Ride, *DriverSchedule, error) {
	departure := base.TargetTime(now)

	var schedule *DriverSchedule
	if PolicyFor(base.IsChartered).CreatesSchedule {
		schedule = &DriverSchedule{
			ID:            uuid.New(),
			DriverID:      driverID,
			VehicleType:   base.VehicleType,
			DepartureTime: departure,
			Capacity:      capacity,
			IsActive:      true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if route, ok := base.JunctionRoute(); ok {
			schedule.Route = &route
		}
		if err := tx.CreateSchedule(ctx, schedule); err != nil {
			return nil, nil, fmt.Errorf("create schedule: %w", err)
		}
	}

	ride := &Ride{
		ID:                uuid.New(),
		DriverID:          driverID,
		VehicleType:       base.VehicleType,
		RideType:          base.RideType,
		Status:            RideScheduled,
		ScanCode:          newScanCode(),
		ShortCode:         newTicketCode(),
		PickupTime:        departure,
		Capacity:          capacity,
		TotalAmount:       base.PriceQuoted,
		Route:             base.Route,
		ScheduledByDriver: true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if schedule != nil {
		id := schedule.ID
		ride.ScheduleID = &id
	}
	if err := tx.CreateRide(ctx, ride); err != nil {
		return nil, nil, fmt.Errorf("create ride: %w", err)
	}
	return ride, schedule, nil
}

// seatCandidates walks candidates in order, seating each new passenger until
// the ride is full. A passenger already seated in this walk is skipped.
func seatCandidates(ctx context.Context, tx Tx, ride *Ride, candidates []*RideRequest, now time.Time) ([]*RidePassenger, []uuid.UUID, error) {
	free := ride.Capacity - ride.SeatsFilled
	passengers := make([]*RidePassenger, 0, len(candidates))
	accepted := make([]uuid.UUID, 0, len(candidates))
	seated := make(map[uuid.UUID]struct{}, len(candidates))

	for _, req := range candidates {
		if len(passengers) >= free {
			break
		}
		if _, dup := seated[req.PassengerID]; dup {
			continue
		}

		rp := newRidePassenger(ride.ID, req, now)
		if err := tx.CreateRidePassenger(ctx, rp); err != nil {
			return nil, nil, fmt.Errorf("seat passenger: %w", err)
		}
		if err := tx.MarkRequestAccepted(ctx, req.ID, ride.ID, now); err != nil {
			return nil, nil, fmt.Errorf("accept request %s: %w", req.ID, err)
		}

		seated[req.PassengerID] = struct{}{}
		passengers = append(passengers, rp)
		accepted = append(accepted, req.ID)
	}
	return passengers, accepted, nil
}

func newRidePassenger(rideID uuid.UUID, req *RideRequest, now time.Time) *RidePassenger {
	requestID := req.ID
	return &RidePassenger{
		ID:            uuid.New(),
		RideID:        rideID,
		PassengerID:   req.PassengerID,
		RequestID:     &requestID,
		PaymentMethod: PaymentMethodCash,
		PricePaid:     req.PriceQuoted,
		TicketCode:    newTicketCode(),
		ScanCode:      newScanCode(),
		CreatedAt:     now,
	}
}

// orderByProximity sorts requests by how close their target time is to
// target. The sort is stable so arrival order breaks ties.
func orderByProximity(reqs []*RideRequest, target, now time.Time) {
	sort.SliceStable(reqs, func(i, j int) bool {
		return absDuration(reqs[i].TargetTime(now).Sub(target)) < absDuration(reqs[j].TargetTime(now).Sub(target))
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ========================================
// NOTIFICATIONS
// ========================================

type notice struct {
	recipientID uuid.UUID
	title       string
	body        string
	data        map[string]interface{}
}

// dispatch sends notices after their unit of work has committed. Delivery
// failures are logged and never reach the caller.
func dispatch(ctx context.Context, notifier Notifier, notices []notice) {
	if notifier == nil {
		return
	}
	for _, n := range notices {
		if err := notifier.Notify(ctx, n.recipientID, n.title, n.body, n.data); err != nil {
			notificationFailuresTotal.Inc()
			logger.WithContext(ctx).Warn("failed to deliver notification",
				zap.String("recipient_id", n.recipientID.String()),
				zap.String("title", n.title),
				zap.Error(err),
			)
		}
	}
}
