package matching

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-matching/internal/geo"
	"github.com/richxcame/ride-matching/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Mocks
// ============================================================================

type MockQuoter struct {
	mock.Mock
}

func (m *MockQuoter) FixedRouteFare(ctx context.Context, startJunctionID, endJunctionID uuid.UUID) (float64, error) {
	args := m.Called(ctx, startJunctionID, endJunctionID)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockQuoter) DistanceFare(vehicleType string, distanceKm float64) (float64, error) {
	args := m.Called(vehicleType, distanceKm)
	return args.Get(0).(float64), args.Error(1)
}

type MockLocationCache struct {
	mock.Mock
}

func (m *MockLocationCache) UpdateDriverLocation(ctx context.Context, driverID uuid.UUID, latitude, longitude float64) error {
	args := m.Called(ctx, driverID, latitude, longitude)
	return args.Error(0)
}

func (m *MockLocationCache) GetDriverLocation(ctx context.Context, driverID uuid.UUID) (*geo.DriverLocation, error) {
	args := m.Called(ctx, driverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*geo.DriverLocation), args.Error(1)
}

// ============================================================================
// Fixtures
// ============================================================================

var (
	junctionA = uuid.MustParse("6f0c1b0e-4f1d-4d5e-9a51-0a1f2b3c4d01")
	junctionB = uuid.MustParse("6f0c1b0e-4f1d-4d5e-9a51-0a1f2b3c4d02")
	junctionC = uuid.MustParse("6f0c1b0e-4f1d-4d5e-9a51-0a1f2b3c4d03")

	routeAB = JunctionRoute{StartJunctionID: junctionA, EndJunctionID: junctionB}
	routeAC = JunctionRoute{StartJunctionID: junctionA, EndJunctionID: junctionC}
)

func at(hour, minute int) time.Time {
	return time.Date(2025, 3, 10, hour, minute, 0, 0, time.UTC)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

type fixture struct {
	store     *memStore
	notifier  *recordingNotifier
	clock     *fixedClock
	quoter    *MockQuoter
	locations *MockLocationCache
	svc       *Service
	matcher   *Matcher
}

func newFixture(now time.Time) *fixture {
	f := &fixture{
		store:     newMemStore(),
		notifier:  &recordingNotifier{},
		clock:     &fixedClock{now: now},
		quoter:    new(MockQuoter),
		locations: new(MockLocationCache),
	}
	f.svc = NewService(f.store, f.quoter, f.notifier, f.locations, f.clock, DefaultConfig())
	f.matcher = NewMatcher(f.store, f.notifier, f.clock, DefaultConfig())
	return f
}

func (f *fixture) sharedKeke(route JunctionRoute, scheduledFor *time.Time, createdAt time.Time) *RideRequest {
	return f.store.addRequest(&RideRequest{
		ID:           uuid.New(),
		PassengerID:  uuid.New(),
		VehicleType:  VehicleKeke,
		RideType:     RideTypeShared,
		Route:        route,
		ScheduledFor: scheduledFor,
		SeatsNeeded:  1,
		PriceQuoted:  500,
		ExpiresAt:    createdAt.Add(10 * time.Minute),
		Status:       RequestPending,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	})
}

func (f *fixture) schedule(route JunctionRoute, departure time.Time, capacity, seatsFilled int) *DriverSchedule {
	r := route
	return f.store.addSchedule(&DriverSchedule{
		ID:            uuid.New(),
		DriverID:      uuid.New(),
		VehicleType:   VehicleKeke,
		Route:         &r,
		DepartureTime: departure,
		Capacity:      capacity,
		SeatsFilled:   seatsFilled,
		IsActive:      true,
	})
}

func requireAppError(t *testing.T, err error, code int, target error) {
	t.Helper()
	require.Error(t, err)
	appErr, ok := common.AsAppError(err)
	require.True(t, ok, "expected *common.AppError, got %T", err)
	assert.Equal(t, code, appErr.Code)
	if target != nil {
		assert.ErrorIs(t, err, target)
	}
}

// ============================================================================
// Direct acceptance
// ============================================================================

func TestAcceptRequest_FillsRideWithNearestNeighbours(t *testing.T) {
	f := newFixture(at(9, 50))
	driverID := uuid.New()

	accepted := f.sharedKeke(routeAB, timePtr(at(10, 0)), at(9, 40))
	samePassenger := f.sharedKeke(routeAB, timePtr(at(10, 1)), at(9, 41))
	samePassenger.PassengerID = accepted.PassengerID
	near := f.sharedKeke(routeAB, timePtr(at(10, 5)), at(9, 42))
	earlier := f.sharedKeke(routeAB, timePtr(at(9, 50)), at(9, 43))
	later := f.sharedKeke(routeAB, timePtr(at(10, 20)), at(9, 44))
	latest := f.sharedKeke(routeAB, timePtr(at(10, 30)), at(9, 45))
	otherRoute := f.sharedKeke(routeAC, timePtr(at(10, 0)), at(9, 46))

	result, err := f.svc.AcceptRequest(context.Background(), driverID, accepted.ID)
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{accepted.ID, near.ID, earlier.ID, later.ID}, result.AcceptedRequestIDs)
	assert.Equal(t, 4, result.Ride.SeatsFilled)
	assert.Equal(t, 4, result.Ride.Capacity)
	assert.Equal(t, RideScheduled, result.Ride.Status)
	assert.True(t, result.Ride.ScheduledByDriver)
	assert.Equal(t, at(10, 0), result.Ride.PickupTime)
	assert.Equal(t, 500.0, result.Ride.TotalAmount)
	assert.Len(t, result.Ride.ShortCode, 4)
	require.NotNil(t, result.Schedule)
	require.NotNil(t, result.Ride.ScheduleID)
	assert.Equal(t, result.Schedule.ID, *result.Ride.ScheduleID)

	assert.Equal(t, 4, f.store.ride(result.Ride.ID).SeatsFilled)
	assert.Equal(t, 4, f.store.schedule(result.Schedule.ID).SeatsFilled)
	assert.Len(t, f.store.activePassengers(result.Ride.ID), 4)

	for _, id := range result.AcceptedRequestIDs {
		req := f.store.request(id)
		assert.Equal(t, RequestAccepted, req.Status)
		require.NotNil(t, req.AcceptedRideID)
		assert.Equal(t, result.Ride.ID, *req.AcceptedRideID)
	}
	for _, id := range []uuid.UUID{samePassenger.ID, latest.ID, otherRoute.ID} {
		assert.Equal(t, RequestPending, f.store.request(id).Status)
	}

	assert.Empty(t, f.notifier.notices(), "direct acceptance is silent")
}

func TestAcceptRequest_FullAggregation(t *testing.T) {
	f := newFixture(at(9, 0))

	base := f.sharedKeke(routeAB, nil, at(8, 50))
	for i := 0; i < 3; i++ {
		f.sharedKeke(routeAB, nil, at(8, 51+i))
	}

	result, err := f.svc.AcceptRequest(context.Background(), uuid.New(), base.ID)
	require.NoError(t, err)

	assert.Equal(t, 4, result.Ride.SeatsFilled)
	assert.Len(t, result.AcceptedRequestIDs, 4)
	for _, id := range result.AcceptedRequestIDs {
		assert.Equal(t, result.Ride.ID, *f.store.request(id).AcceptedRideID)
	}
}

func TestAcceptRequest_CharteredSkipsScheduleAndAggregation(t *testing.T) {
	f := newFixture(at(9, 0))

	chartered := f.sharedKeke(routeAB, timePtr(at(11, 0)), at(8, 50))
	chartered.IsChartered = true
	chartered.RideType = RideTypePrivate
	neighbour := f.sharedKeke(routeAB, timePtr(at(11, 0)), at(8, 51))

	result, err := f.svc.AcceptRequest(context.Background(), uuid.New(), chartered.ID)
	require.NoError(t, err)

	assert.Nil(t, result.Schedule)
	assert.Nil(t, result.Ride.ScheduleID)
	assert.Equal(t, 1, result.Ride.SeatsFilled)
	assert.Equal(t, []uuid.UUID{chartered.ID}, result.AcceptedRequestIDs)
	assert.Equal(t, RequestPending, f.store.request(neighbour.ID).Status)
	assert.Empty(t, f.store.schedules)
}

func TestAcceptRequest_PrivateCar(t *testing.T) {
	f := newFixture(at(9, 0))

	req := f.store.addRequest(&RideRequest{
		ID:          uuid.New(),
		PassengerID: uuid.New(),
		VehicleType: VehicleCar,
		RideType:    RideTypePrivate,
		Route: GeoRoute{
			Start: geo.Point{Latitude: 6.5244, Longitude: 3.3792},
			End:   geo.Point{Latitude: 6.6018, Longitude: 3.3515},
		},
		PriceQuoted: 2400,
		Status:      RequestPending,
		CreatedAt:   at(8, 55),
	})

	result, err := f.svc.AcceptRequest(context.Background(), uuid.New(), req.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Ride.Capacity)
	assert.Equal(t, 1, result.Ride.SeatsFilled)
	assert.Equal(t, at(9, 0), result.Ride.PickupTime, "ASAP requests depart now")
	require.NotNil(t, result.Schedule)
	assert.Nil(t, result.Schedule.Route)
	assert.Equal(t, 1, result.Schedule.SeatsFilled)
}

func TestAcceptRequest_BusScheduleCarriesNoJunctions(t *testing.T) {
	f := newFixture(at(9, 0))

	req := f.store.addRequest(&RideRequest{
		ID:          uuid.New(),
		PassengerID: uuid.New(),
		VehicleType: VehicleBus,
		RideType:    RideTypePrivate,
		Route: GeoRoute{
			Start: geo.Point{Latitude: 6.5244, Longitude: 3.3792},
			End:   geo.Point{Latitude: 6.4654, Longitude: 3.4064},
		},
		PriceQuoted: 3000,
		Status:      RequestPending,
		CreatedAt:   at(8, 58),
	})

	result, err := f.svc.AcceptRequest(context.Background(), uuid.New(), req.ID)
	require.NoError(t, err)

	require.NotNil(t, result.Schedule)
	stored := f.store.schedule(result.Schedule.ID)
	assert.Nil(t, stored.Route)
	assert.Equal(t, VehicleBus, stored.VehicleType)
	assert.Equal(t, 14, stored.Capacity)
	assert.Equal(t, RequestAccepted, f.store.request(req.ID).Status)
}

func TestScheduleRouteShape(t *testing.T) {
	tests := []struct {
		name     string
		schedule *DriverSchedule
		wantErr  bool
	}{
		{"car without junctions", &DriverSchedule{ID: uuid.New(), VehicleType: VehicleCar}, false},
		{"keke with a junction pair", &DriverSchedule{ID: uuid.New(), VehicleType: VehicleKeke, Route: &routeAB}, false},
		{"keke without junctions", &DriverSchedule{ID: uuid.New(), VehicleType: VehicleKeke}, true},
		{"half a junction pair", &DriverSchedule{ID: uuid.New(), VehicleType: VehicleKeke, Route: &JunctionRoute{StartJunctionID: junctionA}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			err := store.CreateSchedule(context.Background(), tt.schedule)
			if tt.wantErr {
				assert.ErrorIs(t, err, errScheduleRoute)
				assert.NotContains(t, store.schedules, tt.schedule.ID)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, store.schedules, tt.schedule.ID)
		})
	}
}

func TestAcceptRequest_Unavailable(t *testing.T) {
	f := newFixture(at(9, 0))

	taken := f.sharedKeke(routeAB, nil, at(8, 50))
	taken.Status = RequestAccepted
	matching := f.sharedKeke(routeAB, nil, at(8, 51))
	matching.Status = RequestMatching

	tests := []struct {
		name      string
		requestID uuid.UUID
	}{
		{"already accepted", taken.ID},
		{"claimed for a group", matching.ID},
		{"unknown request", uuid.New()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AcceptRequest(context.Background(), uuid.New(), tt.requestID)
			requireAppError(t, err, http.StatusConflict, ErrRequestUnavailable)
		})
	}
	assert.Equal(t, 0, f.store.rideCount())
}

func TestAcceptRequest_RollsBackOnFailure(t *testing.T) {
	f := newFixture(at(9, 0))

	base := f.sharedKeke(routeAB, nil, at(8, 50))
	other := f.sharedKeke(routeAB, nil, at(8, 51))
	f.store.failOn["AdjustScheduleSeats"] = errInjected

	_, err := f.svc.AcceptRequest(context.Background(), uuid.New(), base.ID)
	requireAppError(t, err, http.StatusInternalServerError, ErrPersistence)

	assert.Equal(t, RequestPending, f.store.request(base.ID).Status)
	assert.Equal(t, RequestPending, f.store.request(other.ID).Status)
	assert.Equal(t, 0, f.store.rideCount())
	assert.Empty(t, f.store.schedules)
	assert.Empty(t, f.store.passengers)
}

func TestAcceptRequest_ConcurrentDriversOnlyOneWins(t *testing.T) {
	f := newFixture(at(9, 0))
	req := f.sharedKeke(routeAB, nil, at(8, 50))

	const drivers = 8
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		successes   int
		unavailable int
	)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AcceptRequest(context.Background(), uuid.New(), req.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrRequestUnavailable):
				unavailable++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, drivers-1, unavailable)
	assert.Equal(t, 1, f.store.rideCount())
}

// ============================================================================
// Grouped acceptance
// ============================================================================

func TestAcceptGroupedRequests(t *testing.T) {
	f := newFixture(at(10, 20))
	driverID := uuid.New()

	first := f.sharedKeke(routeAB, timePtr(at(10, 30)), at(10, 0))
	first.Status = RequestMatching
	second := f.sharedKeke(routeAB, timePtr(at(10, 32)), at(10, 1))
	second.Status = RequestMatching
	third := f.sharedKeke(routeAB, nil, at(10, 2))

	result, err := f.svc.AcceptGroupedRequests(context.Background(), driverID,
		[]uuid.UUID{third.ID, first.ID, second.ID, first.ID})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{first.ID, second.ID, third.ID}, result.AcceptedRequestIDs)
	assert.Equal(t, at(10, 30), result.Ride.PickupTime, "oldest request sets the departure")
	assert.Equal(t, GroupCapacity, result.Ride.Capacity)
	assert.Equal(t, 3, f.store.ride(result.Ride.ID).SeatsFilled)
	require.NotNil(t, result.Schedule)
	assert.Equal(t, 3, f.store.schedule(result.Schedule.ID).SeatsFilled)

	sent := f.notifier.notices()
	require.Len(t, sent, 3)
	tickets := make(map[uuid.UUID]string)
	for _, rp := range result.RidePassengers {
		tickets[rp.PassengerID] = rp.TicketCode
	}
	for _, n := range sent {
		assert.Equal(t, "Driver Accepted", n.title)
		assert.Equal(t, "REQUEST_ACCEPTED", n.data["type"])
		assert.Equal(t, result.Ride.ID.String(), n.data["rideId"])
		assert.Equal(t, tickets[n.recipientID], n.data["ticketCode"])
	}
}

func TestAcceptGroupedRequests_CapsAtFourSeats(t *testing.T) {
	f := newFixture(at(10, 20))

	var ids []uuid.UUID
	for i := 0; i < 6; i++ {
		ids = append(ids, f.sharedKeke(routeAB, nil, at(10, i)).ID)
	}

	result, err := f.svc.AcceptGroupedRequests(context.Background(), uuid.New(), ids)
	require.NoError(t, err)

	assert.Equal(t, ids[:4], result.AcceptedRequestIDs)
	assert.Equal(t, 4, f.store.ride(result.Ride.ID).SeatsFilled)
	assert.Equal(t, RequestPending, f.store.request(ids[4]).Status)
	assert.Equal(t, RequestPending, f.store.request(ids[5]).Status)
}

func TestAcceptGroupedRequests_Errors(t *testing.T) {
	f := newFixture(at(10, 20))

	onAB := f.sharedKeke(routeAB, nil, at(10, 0))
	onAC := f.sharedKeke(routeAC, nil, at(10, 1))
	cancelled := f.sharedKeke(routeAB, nil, at(10, 2))
	cancelled.Status = RequestCancelled

	t.Run("mixed junction pairs", func(t *testing.T) {
		_, err := f.svc.AcceptGroupedRequests(context.Background(), uuid.New(), []uuid.UUID{onAB.ID, onAC.ID})
		requireAppError(t, err, http.StatusBadRequest, ErrHeterogeneousGroup)
		assert.Equal(t, RequestPending, f.store.request(onAB.ID).Status)
	})

	t.Run("nothing left to accept", func(t *testing.T) {
		_, err := f.svc.AcceptGroupedRequests(context.Background(), uuid.New(), []uuid.UUID{cancelled.ID, uuid.New()})
		requireAppError(t, err, http.StatusNotFound, ErrNoValidRequests)
	})

	t.Run("empty list", func(t *testing.T) {
		_, err := f.svc.AcceptGroupedRequests(context.Background(), uuid.New(), nil)
		requireAppError(t, err, http.StatusNotFound, ErrNoValidRequests)
	})

	assert.Equal(t, 0, f.store.rideCount())
	assert.Empty(t, f.notifier.notices())
}

func TestAcceptGroupedRequests_NotificationFailureDoesNotFail(t *testing.T) {
	f := newFixture(at(10, 20))
	f.notifier.err = errors.New("push gateway down")

	req := f.sharedKeke(routeAB, nil, at(10, 0))

	result, err := f.svc.AcceptGroupedRequests(context.Background(), uuid.New(), []uuid.UUID{req.ID})
	require.NoError(t, err)
	assert.Equal(t, RequestAccepted, f.store.request(req.ID).Status)
	assert.Len(t, result.RidePassengers, 1)
}

// ============================================================================
// Request creation and quoting
// ============================================================================

func TestCreateRequest_SharedKeke(t *testing.T) {
	f := newFixture(at(9, 0))
	upcoming := f.schedule(routeAB, at(9, 30), 4, 1)
	f.schedule(routeAC, at(9, 30), 4, 0)
	f.quoter.On("FixedRouteFare", mock.Anything, junctionA, junctionB).Return(500.0, nil)

	passengerID := uuid.New()
	result, err := f.svc.CreateRequest(context.Background(), CreateRequestInput{
		PassengerID: passengerID,
		VehicleType: VehicleKeke,
		Route:       routeAB,
	})
	require.NoError(t, err)

	req := result.Request
	assert.Equal(t, RequestPending, req.Status)
	assert.Equal(t, RideTypeShared, req.RideType)
	assert.Equal(t, 500.0, req.PriceQuoted)
	assert.Equal(t, 1, req.SeatsNeeded)
	assert.Equal(t, at(9, 10), req.ExpiresAt)
	require.Len(t, result.UpcomingSchedules, 1)
	assert.Equal(t, upcoming.ID, result.UpcomingSchedules[0].ID)
	assert.Equal(t, passengerID, f.store.request(req.ID).PassengerID)
	f.quoter.AssertExpectations(t)
}

func TestCreateRequest_CharteredExpiryAnchorsOnDeparture(t *testing.T) {
	f := newFixture(at(9, 0))
	f.quoter.On("FixedRouteFare", mock.Anything, junctionA, junctionB).Return(500.0, nil)

	result, err := f.svc.CreateRequest(context.Background(), CreateRequestInput{
		PassengerID:  uuid.New(),
		VehicleType:  VehicleKeke,
		Route:        routeAB,
		ScheduledFor: timePtr(at(12, 0)),
		IsChartered:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, RideTypeShared, result.Request.RideType)
	assert.True(t, result.Request.IsChartered)
	assert.Equal(t, at(13, 0), result.Request.ExpiresAt)
}

func TestCreateRequest_CharteredKekeIsSlottedByMatcher(t *testing.T) {
	f := newFixture(at(9, 0))
	f.quoter.On("FixedRouteFare", mock.Anything, junctionA, junctionB).Return(500.0, nil)
	schedule := f.schedule(routeAB, at(10, 0), 4, 0)

	result, err := f.svc.CreateRequest(context.Background(), CreateRequestInput{
		PassengerID:  uuid.New(),
		VehicleType:  VehicleKeke,
		Route:        routeAB,
		ScheduledFor: timePtr(at(10, 5)),
		IsChartered:  true,
	})
	require.NoError(t, err)

	report, err := f.matcher.RunMatchingCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Slotted)
	assert.Equal(t, RequestAccepted, f.store.request(result.Request.ID).Status)
	assert.Equal(t, 1, f.store.schedule(schedule.ID).SeatsFilled)
}

func TestCreateRequest_DistanceFare(t *testing.T) {
	f := newFixture(at(9, 0))
	f.quoter.On("DistanceFare", "CAR", mock.AnythingOfType("float64")).Return(1433.0, nil)

	result, err := f.svc.CreateRequest(context.Background(), CreateRequestInput{
		PassengerID: uuid.New(),
		VehicleType: VehicleCar,
		Route: GeoRoute{
			Start: geo.Point{Latitude: 6.5244, Longitude: 3.3792},
			End:   geo.Point{Latitude: 6.5544, Longitude: 3.3792},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, RideTypePrivate, result.Request.RideType)
	assert.Equal(t, 1433.0, result.Request.PriceQuoted)
	assert.Empty(t, result.UpcomingSchedules)
}

func TestCreateRequest_Invalid(t *testing.T) {
	f := newFixture(at(9, 0))
	geoRoute := GeoRoute{
		Start: geo.Point{Latitude: 6.5, Longitude: 3.3},
		End:   geo.Point{Latitude: 6.6, Longitude: 3.4},
	}

	tests := []struct {
		name   string
		input  CreateRequestInput
		target error
	}{
		{"unknown vehicle", CreateRequestInput{VehicleType: "BOAT", Route: routeAB}, ErrInvalidRequest},
		{"keke on a geo route", CreateRequestInput{VehicleType: VehicleKeke, Route: geoRoute}, ErrInvalidRoute},
		{"car on a junction route", CreateRequestInput{VehicleType: VehicleCar, Route: routeAB}, ErrInvalidRoute},
		{"missing route", CreateRequestInput{VehicleType: VehicleCar}, ErrInvalidRoute},
		{"same junction twice", CreateRequestInput{VehicleType: VehicleKeke, Route: JunctionRoute{StartJunctionID: junctionA, EndJunctionID: junctionA}}, ErrInvalidRoute},
		{"keke booked private", CreateRequestInput{VehicleType: VehicleKeke, RideType: RideTypePrivate, Route: routeAB}, ErrInvalidRoute},
		{"car booked shared", CreateRequestInput{VehicleType: VehicleCar, RideType: RideTypeShared, Route: geoRoute}, ErrInvalidRoute},
		{"bus booked shared", CreateRequestInput{VehicleType: VehicleBus, RideType: RideTypeShared, Route: geoRoute}, ErrInvalidRoute},
		{"departure in the past", CreateRequestInput{VehicleType: VehicleKeke, Route: routeAB, ScheduledFor: timePtr(at(8, 0))}, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateRequest(context.Background(), tt.input)
			requireAppError(t, err, http.StatusBadRequest, tt.target)
		})
	}
	assert.Empty(t, f.store.requests)
}

// ============================================================================
// Schedules and presence
// ============================================================================

func TestCreateSchedule(t *testing.T) {
	f := newFixture(at(9, 0))
	driverID := uuid.New()

	schedule, err := f.svc.CreateSchedule(context.Background(), CreateScheduleInput{
		DriverID:      driverID,
		Route:         routeAB,
		DepartureTime: at(10, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, schedule.Capacity)
	assert.Equal(t, VehicleKeke, schedule.VehicleType)
	assert.True(t, schedule.IsActive)

	schedules, err := f.svc.GetDriverSchedules(context.Background(), driverID)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, schedule.ID, schedules[0].ID)

	_, err = f.svc.CreateSchedule(context.Background(), CreateScheduleInput{
		DriverID: driverID, Route: routeAB, DepartureTime: at(10, 0), Capacity: 5,
	})
	requireAppError(t, err, http.StatusBadRequest, ErrInvalidRequest)

	_, err = f.svc.CreateSchedule(context.Background(), CreateScheduleInput{
		DriverID: driverID, Route: routeAB, DepartureTime: at(8, 0),
	})
	requireAppError(t, err, http.StatusBadRequest, ErrInvalidRequest)
}

func TestCancelSchedule(t *testing.T) {
	f := newFixture(at(9, 0))
	schedule := f.schedule(routeAB, at(10, 0), 4, 0)

	err := f.svc.CancelSchedule(context.Background(), uuid.New(), schedule.ID)
	requireAppError(t, err, http.StatusNotFound, ErrScheduleNotFound)

	require.NoError(t, f.svc.CancelSchedule(context.Background(), schedule.DriverID, schedule.ID))
	assert.False(t, f.store.schedule(schedule.ID).IsActive)

	err = f.svc.CancelSchedule(context.Background(), schedule.DriverID, schedule.ID)
	requireAppError(t, err, http.StatusNotFound, ErrScheduleNotFound)
}

func TestUpdateDriverStatus(t *testing.T) {
	f := newFixture(at(9, 0))
	driverID := uuid.New()
	lat, lng := 6.5244, 3.3792
	f.locations.On("UpdateDriverLocation", mock.Anything, driverID, lat, lng).Return(nil)

	presence, err := f.svc.UpdateDriverStatus(context.Background(), DriverStatusInput{
		DriverID:    driverID,
		VehicleType: VehicleKeke,
		IsOnline:    true,
		IsAvailable: true,
		Latitude:    &lat,
		Longitude:   &lng,
	})
	require.NoError(t, err)
	assert.True(t, presence.IsAvailable)
	f.locations.AssertExpectations(t)

	drivers, err := f.store.ListAvailableDrivers(context.Background(), VehicleKeke)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{driverID}, drivers)

	presence, err = f.svc.UpdateDriverStatus(context.Background(), DriverStatusInput{
		DriverID:    driverID,
		VehicleType: VehicleKeke,
		IsOnline:    false,
		IsAvailable: true,
	})
	require.NoError(t, err)
	assert.False(t, presence.IsAvailable, "offline drivers are never available")

	_, err = f.svc.UpdateDriverStatus(context.Background(), DriverStatusInput{
		DriverID: driverID, VehicleType: VehicleKeke, Latitude: &lat,
	})
	requireAppError(t, err, http.StatusBadRequest, ErrInvalidRequest)
}

// ============================================================================
// Ride lifecycle
// ============================================================================

func acceptedRide(t *testing.T, f *fixture, driverID uuid.UUID, passengers int) (*AcceptResult, []*RideRequest) {
	t.Helper()
	var reqs []*RideRequest
	for i := 0; i < passengers; i++ {
		reqs = append(reqs, f.sharedKeke(routeAB, timePtr(at(10, 0)), at(8, i)))
	}
	result, err := f.svc.AcceptRequest(context.Background(), driverID, reqs[0].ID)
	require.NoError(t, err)
	return result, reqs
}

func TestStartAndCompleteRide(t *testing.T) {
	f := newFixture(at(9, 0))
	driverID := uuid.New()
	result, _ := acceptedRide(t, f, driverID, 4)
	rideID := result.Ride.ID

	_, err := f.svc.StartRide(context.Background(), uuid.New(), rideID, result.Ride.ShortCode)
	requireAppError(t, err, http.StatusForbidden, ErrForbidden)

	wrong := "0000"
	if result.Ride.ShortCode == wrong {
		wrong = "0001"
	}
	_, err = f.svc.StartRide(context.Background(), driverID, rideID, wrong)
	requireAppError(t, err, http.StatusBadRequest, ErrInvalidShortCode)

	_, err = f.svc.CompleteRide(context.Background(), driverID, rideID)
	requireAppError(t, err, http.StatusConflict, ErrRideStateConflict)

	ride, err := f.svc.StartRide(context.Background(), driverID, rideID, result.Ride.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, RideOngoing, ride.Status)
	assert.NotNil(t, f.store.ride(rideID).StartedAt)

	ride, err = f.svc.CompleteRide(context.Background(), driverID, rideID)
	require.NoError(t, err)
	assert.Equal(t, RideCompleted, ride.Status)
	assert.False(t, f.store.schedule(result.Schedule.ID).IsActive, "a full schedule retires with its ride")

	_, err = f.svc.StartRide(context.Background(), driverID, uuid.New(), "1234")
	requireAppError(t, err, http.StatusNotFound, ErrRideNotFound)
}

func TestCancelBooking(t *testing.T) {
	f := newFixture(at(9, 0))
	result, reqs := acceptedRide(t, f, uuid.New(), 2)
	rideID := result.Ride.ID
	passengerID := reqs[1].PassengerID

	require.NoError(t, f.svc.CancelBooking(context.Background(), passengerID, rideID))

	assert.Equal(t, 1, f.store.ride(rideID).SeatsFilled)
	assert.Equal(t, 1, f.store.schedule(result.Schedule.ID).SeatsFilled)
	assert.Equal(t, RequestCancelled, f.store.request(reqs[1].ID).Status)
	assert.Len(t, f.store.activePassengers(rideID), 1)

	err := f.svc.CancelBooking(context.Background(), passengerID, rideID)
	requireAppError(t, err, http.StatusNotFound, ErrBookingNotFound)

	err = f.svc.CancelBooking(context.Background(), passengerID, uuid.New())
	requireAppError(t, err, http.StatusNotFound, ErrRideNotFound)
}
