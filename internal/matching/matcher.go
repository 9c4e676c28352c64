package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-matching/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// errSkip aborts a slotting unit of work without counting as a failure
var errSkip = errors.New("skip")

// CycleReport summarizes one matcher cycle
type CycleReport struct {
	Scanned    int           `json:"scanned"`
	Slotted    int           `json:"slotted"`
	Grouped    int           `json:"grouped"`
	Broadcasts int           `json:"broadcasts"`
	Failures   int           `json:"failures"`
	Duration   time.Duration `json:"duration"`
}

// ClaimExpiryReport summarizes one pass over timed-out MATCHING claims
type ClaimExpiryReport struct {
	Reverted  int64 `json:"reverted"`
	Cancelled int64 `json:"cancelled"`
}

// Matcher slots pending shared requests into driver schedules and groups
// the ones nobody picked up
type Matcher struct {
	store    Store
	notifier Notifier
	clock    Clock
	cfg      Config
}

// NewMatcher creates a new periodic matcher
func NewMatcher(store Store, notifier Notifier, clock Clock, cfg Config) *Matcher {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Matcher{store: store, notifier: notifier, clock: clock, cfg: cfg}
}

// RunMatchingCycle makes one pass over every pending shared KEKE request.
// A failure on one request is logged and counted; the cycle moves on.
func (m *Matcher) RunMatchingCycle(ctx context.Context) (*CycleReport, error) {
	ctx, span := tracer.Start(ctx, "matching.RunMatchingCycle")
	defer span.End()

	started := time.Now()
	defer func() { cycleDuration.Observe(time.Since(started).Seconds()) }()

	now := m.clock.Now()
	pending, err := m.store.ListPendingSharedKeke(ctx)
	if err != nil {
		cyclesTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "list pending failed")
		return nil, fmt.Errorf("list pending requests: %w", err)
	}

	report := &CycleReport{Scanned: len(pending)}
	handled := make(map[uuid.UUID]struct{}, len(pending))

	for _, req := range pending {
		if err := ctx.Err(); err != nil {
			cyclesTotal.WithLabelValues("cancelled").Inc()
			report.Duration = time.Since(started)
			return report, err
		}
		if _, done := handled[req.ID]; done {
			continue
		}

		if err := m.processRequest(ctx, req, now, handled, report); err != nil {
			report.Failures++
			cycleRequestFailures.Inc()
			logger.WithContext(ctx).Warn("matcher failed to process request",
				zap.String("request_id", req.ID.String()),
				zap.Error(err),
			)
		}
	}

	report.Duration = time.Since(started)
	cyclesTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(
		attribute.Int("scanned", report.Scanned),
		attribute.Int("slotted", report.Slotted),
		attribute.Int("grouped", report.Grouped),
		attribute.Int("failures", report.Failures),
	)

	if report.Scanned > 0 {
		logger.WithContext(ctx).Info("Matching cycle finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("slotted", report.Slotted),
			zap.Int("grouped", report.Grouped),
			zap.Int("broadcasts", report.Broadcasts),
			zap.Int("failures", report.Failures),
			zap.Duration("duration", report.Duration),
		)
	}
	return report, nil
}

func (m *Matcher) processRequest(ctx context.Context, req *RideRequest, now time.Time, handled map[uuid.UUID]struct{}, report *CycleReport) error {
	route, ok := req.JunctionRoute()
	if !ok {
		return ErrInvalidRoute
	}

	target := req.TargetTime(now)
	schedule, err := m.store.FindMatchingSchedule(ctx, route,
		target.Add(-m.cfg.ScheduleEarlyWindow), target.Add(m.cfg.ScheduleLateWindow))
	if err != nil {
		return fmt.Errorf("find schedule: %w", err)
	}

	if schedule != nil {
		slotted, err := m.slot(ctx, req, schedule, now)
		if err != nil {
			return err
		}
		handled[req.ID] = struct{}{}
		if slotted {
			report.Slotted++
		}
		return nil
	}

	if now.Sub(req.CreatedAt) < m.cfg.GracePeriod {
		return nil
	}
	return m.group(ctx, req, route, target, now, handled, report)
}

// slot seats req on the schedule's open ride, creating that ride on first
// use. It reports false when the request or schedule changed underneath it.
func (m *Matcher) slot(ctx context.Context, req *RideRequest, schedule *DriverSchedule, now time.Time) (bool, error) {
	var matched *notice

	err := m.store.WithTx(ctx, func(tx Tx) error {
		matched = nil

		current, err := tx.GetRequestForUpdate(ctx, req.ID)
		if err != nil {
			return fmt.Errorf("lock request: %w", err)
		}
		if current == nil || current.Status != RequestPending {
			return errSkip
		}

		locked, err := tx.GetScheduleForUpdate(ctx, schedule.ID)
		if err != nil {
			return fmt.Errorf("lock schedule: %w", err)
		}
		if locked == nil || !locked.IsActive || locked.SeatsAvailable() < 1 {
			return errSkip
		}

		ride, err := tx.FindOpenRideForSchedule(ctx, locked)
		if err != nil {
			return fmt.Errorf("find ride: %w", err)
		}
		if ride == nil {
			ride = newScheduledRide(locked, current, now)
			if err := tx.CreateRide(ctx, ride); err != nil {
				return fmt.Errorf("create ride: %w", err)
			}
		}

		seated, err := tx.IsPassengerSeated(ctx, ride.ID, current.PassengerID)
		if err != nil {
			return fmt.Errorf("check seat: %w", err)
		}
		if seated {
			return tx.MarkRequestAccepted(ctx, current.ID, ride.ID, now)
		}

		rp := newRidePassenger(ride.ID, current, now)
		if err := tx.CreateRidePassenger(ctx, rp); err != nil {
			return fmt.Errorf("seat passenger: %w", err)
		}
		if err := tx.AdjustRideSeats(ctx, ride.ID, 1); err != nil {
			return fmt.Errorf("update ride seats: %w", err)
		}
		if err := tx.AdjustScheduleSeats(ctx, locked.ID, 1); err != nil {
			return fmt.Errorf("update schedule seats: %w", err)
		}
		if err := tx.MarkRequestAccepted(ctx, current.ID, ride.ID, now); err != nil {
			return fmt.Errorf("accept request: %w", err)
		}

		matched = &notice{
			recipientID: current.PassengerID,
			title:       "Ride Matched!",
			body: fmt.Sprintf("You have a seat on a ride departing at %s. Your ticket code is %s.",
				locked.DepartureTime.Format("15:04"), rp.TicketCode),
			data: map[string]interface{}{
				"rideId":     ride.ID.String(),
				"scheduleId": locked.ID.String(),
				"ticketCode": rp.TicketCode,
				"type":       "RIDE_MATCHED",
			},
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if matched != nil {
		seatsAllocatedTotal.WithLabelValues("matcher").Inc()
		dispatch(ctx, m.notifier, []notice{*matched})
	}
	return true, nil
}

// group claims every pending request near req's target time on the same
// junction pair and tells available drivers about the bundle. Claiming
// happens first so a group is broadcast at most once.
func (m *Matcher) group(ctx context.Context, req *RideRequest, route JunctionRoute, target, now time.Time, handled map[uuid.UUID]struct{}, report *CycleReport) error {
	candidates, err := m.store.FindGroupCandidates(ctx, route,
		target.Add(-m.cfg.GroupWindow), target.Add(m.cfg.GroupWindow), now)
	if err != nil {
		return fmt.Errorf("find group candidates: %w", err)
	}

	ids := []uuid.UUID{req.ID}
	for _, c := range candidates {
		if c.ID == req.ID {
			continue
		}
		if _, done := handled[c.ID]; done {
			continue
		}
		ids = append(ids, c.ID)
	}
	for _, id := range ids {
		handled[id] = struct{}{}
	}

	claimed, err := m.store.ClaimForBroadcast(ctx, ids, now)
	if err != nil {
		return fmt.Errorf("claim group: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}
	report.Grouped += len(claimed)

	drivers, err := m.store.ListAvailableDrivers(ctx, VehicleKeke)
	if err != nil {
		return fmt.Errorf("list drivers: %w", err)
	}

	requestIDs := make([]string, len(claimed))
	for i, id := range claimed {
		requestIDs[i] = id.String()
	}

	notices := make([]notice, 0, len(drivers))
	for _, driverID := range drivers {
		notices = append(notices, notice{
			recipientID: driverID,
			title:       fmt.Sprintf("%d Passengers Waiting", len(claimed)),
			body:        "Passengers are waiting on one of your routes. Accept them as a group.",
			data: map[string]interface{}{
				"requestIds":      requestIDs,
				"startJunctionId": route.StartJunctionID.String(),
				"endJunctionId":   route.EndJunctionID.String(),
				"scheduledFor":    target.UTC().Format(time.RFC3339),
				"count":           len(claimed),
				"type":            "GROUPED_REQUESTS",
			},
		})
	}
	dispatch(ctx, m.notifier, notices)

	report.Broadcasts++
	groupBroadcastsTotal.Inc()

	logger.WithContext(ctx).Info("Grouped requests broadcast",
		zap.String("start_junction_id", route.StartJunctionID.String()),
		zap.String("end_junction_id", route.EndJunctionID.String()),
		zap.Int("requests", len(claimed)),
		zap.Int("drivers", len(drivers)),
	)
	return nil
}

// ExpireStaleClaims releases MATCHING claims older than the claim TTL.
// Requests with broadcasts left go back to PENDING; the rest are cancelled.
func (m *Matcher) ExpireStaleClaims(ctx context.Context) (*ClaimExpiryReport, error) {
	now := m.clock.Now()
	reverted, cancelled, err := m.store.ExpireStaleClaims(ctx, now.Add(-m.cfg.ClaimTTL), m.cfg.MaxBroadcasts, now)
	if err != nil {
		return nil, fmt.Errorf("expire stale claims: %w", err)
	}

	claimsExpiredTotal.WithLabelValues(string(RequestPending)).Add(float64(reverted))
	claimsExpiredTotal.WithLabelValues(string(RequestCancelled)).Add(float64(cancelled))

	if reverted > 0 || cancelled > 0 {
		logger.WithContext(ctx).Info("Expired stale MATCHING claims",
			zap.Int64("reverted", reverted),
			zap.Int64("cancelled", cancelled),
		)
	}
	return &ClaimExpiryReport{Reverted: reverted, Cancelled: cancelled}, nil
}

func newScheduledRide(schedule *DriverSchedule, req *RideRequest, now time.Time) *Ride {
	scheduleID := schedule.ID
	var route Route = req.Route
	if schedule.Route != nil {
		route = *schedule.Route
	}
	return &Ride{
		ID:                uuid.New(),
		DriverID:          schedule.DriverID,
		ScheduleID:        &scheduleID,
		VehicleType:       schedule.VehicleType,
		RideType:          RideTypeShared,
		Status:            RideScheduled,
		ScanCode:          newScanCode(),
		ShortCode:         newTicketCode(),
		PickupTime:        schedule.DepartureTime,
		Capacity:          schedule.Capacity,
		TotalAmount:       req.PriceQuoted,
		Route:             route,
		ScheduledByDriver: true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
