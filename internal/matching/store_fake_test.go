package matching

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-matching/internal/geo"
)

// ============================================================================
// In-memory Store
// ============================================================================

// memStore is an in-memory Store. WithTx holds the store lock for the whole
// unit of work and restores a snapshot when fn fails.
type memStore struct {
	mu         sync.Mutex
	requests   map[uuid.UUID]*RideRequest
	schedules  map[uuid.UUID]*DriverSchedule
	rides      map[uuid.UUID]*Ride
	passengers map[uuid.UUID]*RidePassenger
	presence   map[uuid.UUID]*DriverPresence

	// failOn makes the named operation return the given error
	failOn map[string]error
	// failRequest makes GetRequestForUpdate fail for one request
	failRequest map[uuid.UUID]error
}

func newMemStore() *memStore {
	return &memStore{
		requests:    make(map[uuid.UUID]*RideRequest),
		schedules:   make(map[uuid.UUID]*DriverSchedule),
		rides:       make(map[uuid.UUID]*Ride),
		passengers:  make(map[uuid.UUID]*RidePassenger),
		presence:    make(map[uuid.UUID]*DriverPresence),
		failOn:      make(map[string]error),
		failRequest: make(map[uuid.UUID]error),
	}
}

func (s *memStore) fail(op string) error {
	return s.failOn[op]
}

type memSnapshot struct {
	requests   map[uuid.UUID]RideRequest
	schedules  map[uuid.UUID]DriverSchedule
	rides      map[uuid.UUID]Ride
	passengers map[uuid.UUID]RidePassenger
}

func (s *memStore) snapshot() memSnapshot {
	snap := memSnapshot{
		requests:   make(map[uuid.UUID]RideRequest, len(s.requests)),
		schedules:  make(map[uuid.UUID]DriverSchedule, len(s.schedules)),
		rides:      make(map[uuid.UUID]Ride, len(s.rides)),
		passengers: make(map[uuid.UUID]RidePassenger, len(s.passengers)),
	}
	for k, v := range s.requests {
		snap.requests[k] = *v
	}
	for k, v := range s.schedules {
		snap.schedules[k] = *v
	}
	for k, v := range s.rides {
		snap.rides[k] = *v
	}
	for k, v := range s.passengers {
		snap.passengers[k] = *v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.requests = make(map[uuid.UUID]*RideRequest, len(snap.requests))
	for k, v := range snap.requests {
		v := v
		s.requests[k] = &v
	}
	s.schedules = make(map[uuid.UUID]*DriverSchedule, len(snap.schedules))
	for k, v := range snap.schedules {
		v := v
		s.schedules[k] = &v
	}
	s.rides = make(map[uuid.UUID]*Ride, len(snap.rides))
	for k, v := range snap.rides {
		v := v
		s.rides[k] = &v
	}
	s.passengers = make(map[uuid.UUID]*RidePassenger, len(snap.passengers))
	for k, v := range snap.passengers {
		v := v
		s.passengers[k] = &v
	}
}

func (s *memStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// seed helpers write directly, bypassing the lock

func (s *memStore) addRequest(r *RideRequest) *RideRequest {
	s.requests[r.ID] = r
	return r
}

func (s *memStore) addSchedule(sc *DriverSchedule) *DriverSchedule {
	s.schedules[sc.ID] = sc
	return sc
}

func (s *memStore) request(id uuid.UUID) RideRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.requests[id]
}

func (s *memStore) schedule(id uuid.UUID) DriverSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.schedules[id]
}

func (s *memStore) ride(id uuid.UUID) Ride {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rides[id]
}

func (s *memStore) activePassengers(rideID uuid.UUID) []RidePassenger {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RidePassenger
	for _, rp := range s.passengers {
		if rp.RideID == rideID && rp.CancelledAt == nil {
			out = append(out, *rp)
		}
	}
	return out
}

func (s *memStore) rideCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rides)
}

func sortByCreated(reqs []*RideRequest) []*RideRequest {
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	return reqs
}

func copyRequest(r *RideRequest) *RideRequest {
	c := *r
	return &c
}

func isPendingSharedKeke(r *RideRequest) bool {
	_, ok := r.Route.(JunctionRoute)
	return ok && r.Status == RequestPending && r.IsSharedKeke()
}

func (s *memStore) CreateRequest(ctx context.Context, req *RideRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateRequest"); err != nil {
		return err
	}
	s.requests[req.ID] = copyRequest(req)
	return nil
}

func (s *memStore) ListPendingSharedKeke(ctx context.Context) ([]*RideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListPendingSharedKeke"); err != nil {
		return nil, err
	}
	var out []*RideRequest
	for _, r := range s.requests {
		if isPendingSharedKeke(r) {
			out = append(out, copyRequest(r))
		}
	}
	return sortByCreated(out), nil
}

func (s *memStore) FindMatchingSchedule(ctx context.Context, route JunctionRoute, from, to time.Time) (*DriverSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("FindMatchingSchedule"); err != nil {
		return nil, err
	}
	var best *DriverSchedule
	for _, sc := range s.schedules {
		if !sc.IsActive || sc.Route == nil || *sc.Route != route || sc.SeatsFilled >= sc.Capacity {
			continue
		}
		if sc.DepartureTime.Before(from) || sc.DepartureTime.After(to) {
			continue
		}
		if best == nil || sc.DepartureTime.Before(best.DepartureTime) {
			best = sc
		}
	}
	if best == nil {
		return nil, nil
	}
	c := *best
	return &c, nil
}

func (s *memStore) FindGroupCandidates(ctx context.Context, route JunctionRoute, from, to, now time.Time) ([]*RideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RideRequest
	for _, r := range s.requests {
		if !isPendingSharedKeke(r) || r.Route != Route(route) {
			continue
		}
		target := r.TargetTime(now)
		if target.Before(from) || target.After(to) {
			continue
		}
		out = append(out, copyRequest(r))
	}
	return sortByCreated(out), nil
}

func (s *memStore) ClaimForBroadcast(ctx context.Context, ids []uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []uuid.UUID
	for _, id := range ids {
		r, ok := s.requests[id]
		if !ok || r.Status != RequestPending {
			continue
		}
		at := now
		r.Status = RequestMatching
		r.MatchingSince = &at
		r.BroadcastCount++
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (s *memStore) ExpireStaleClaims(ctx context.Context, claimedBefore time.Time, maxBroadcasts int, now time.Time) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reverted, cancelled int64
	for _, r := range s.requests {
		if r.Status != RequestMatching || r.MatchingSince == nil || !r.MatchingSince.Before(claimedBefore) {
			continue
		}
		if r.BroadcastCount < maxBroadcasts {
			r.Status = RequestPending
			reverted++
		} else {
			r.Status = RequestCancelled
			cancelled++
		}
		r.MatchingSince = nil
		r.UpdatedAt = now
	}
	return reverted, cancelled, nil
}

func (s *memStore) ListAvailableDrivers(ctx context.Context, vehicleType VehicleType) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListAvailableDrivers"); err != nil {
		return nil, err
	}
	var out []uuid.UUID
	for _, p := range s.presence {
		if p.VehicleType == vehicleType && p.IsOnline && p.IsAvailable {
			out = append(out, p.DriverID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *memStore) ListPendingFreeForm(ctx context.Context, vehicleType VehicleType, box geo.Box, limit int) ([]*RideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RideRequest
	for _, r := range s.requests {
		gr, ok := r.Route.(GeoRoute)
		if !ok || r.Status != RequestPending || r.VehicleType != vehicleType || !box.Contains(gr.Start) {
			continue
		}
		out = append(out, copyRequest(r))
	}
	out = sortByCreated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CreateSchedule(ctx context.Context, sc *DriverSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkScheduleRoute(sc); err != nil {
		return err
	}
	c := *sc
	s.schedules[sc.ID] = &c
	return nil
}

func (s *memStore) ListDriverSchedules(ctx context.Context, driverID uuid.UUID, from time.Time, limit int) ([]*DriverSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DriverSchedule
	for _, sc := range s.schedules {
		if sc.DriverID == driverID && sc.IsActive && !sc.DepartureTime.Before(from) {
			c := *sc
			out = append(out, &c)
		}
	}
	return limitSchedules(out, limit), nil
}

func (s *memStore) ListUpcomingSchedules(ctx context.Context, route JunctionRoute, from time.Time, limit int) ([]*DriverSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DriverSchedule
	for _, sc := range s.schedules {
		if sc.IsActive && sc.Route != nil && *sc.Route == route && sc.SeatsFilled < sc.Capacity && !sc.DepartureTime.Before(from) {
			c := *sc
			out = append(out, &c)
		}
	}
	return limitSchedules(out, limit), nil
}

func limitSchedules(out []*DriverSchedule, limit int) []*DriverSchedule {
	sort.Slice(out, func(i, j int) bool { return out[i].DepartureTime.Before(out[j].DepartureTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *memStore) DeactivateSchedule(ctx context.Context, driverID, scheduleID uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[scheduleID]
	if !ok || sc.DriverID != driverID || !sc.IsActive {
		return false, nil
	}
	sc.IsActive = false
	sc.UpdatedAt = now
	return true, nil
}

func (s *memStore) UpsertDriverPresence(ctx context.Context, p *DriverPresence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpsertDriverPresence"); err != nil {
		return err
	}
	c := *p
	s.presence[p.DriverID] = &c
	return nil
}

// ============================================================================
// In-memory Tx
// ============================================================================

// memTx operates on the store's live maps while WithTx holds the lock
type memTx struct {
	s *memStore
}

func (t *memTx) GetRequestForUpdate(ctx context.Context, id uuid.UUID) (*RideRequest, error) {
	if err := t.s.fail("GetRequestForUpdate"); err != nil {
		return nil, err
	}
	if err := t.s.failRequest[id]; err != nil {
		return nil, err
	}
	r, ok := t.s.requests[id]
	if !ok {
		return nil, nil
	}
	return copyRequest(r), nil
}

func (t *memTx) ListPendingByRoute(ctx context.Context, route JunctionRoute, excludeID uuid.UUID) ([]*RideRequest, error) {
	var out []*RideRequest
	for _, r := range t.s.requests {
		if r.ID == excludeID || !isPendingSharedKeke(r) || r.IsChartered || r.Route != Route(route) {
			continue
		}
		out = append(out, copyRequest(r))
	}
	return sortByCreated(out), nil
}

func (t *memTx) ListOpenRequestsForUpdate(ctx context.Context, ids []uuid.UUID) ([]*RideRequest, error) {
	var out []*RideRequest
	for _, id := range ids {
		r, ok := t.s.requests[id]
		if !ok || (r.Status != RequestPending && r.Status != RequestMatching) {
			continue
		}
		out = append(out, copyRequest(r))
	}
	return sortByCreated(out), nil
}

func (t *memTx) MarkRequestAccepted(ctx context.Context, requestID, rideID uuid.UUID, now time.Time) error {
	r, ok := t.s.requests[requestID]
	if !ok || (r.Status != RequestPending && r.Status != RequestMatching) {
		return ErrRequestUnavailable
	}
	id := rideID
	r.Status = RequestAccepted
	r.AcceptedRideID = &id
	r.MatchingSince = nil
	r.UpdatedAt = now
	return nil
}

func (t *memTx) SetRequestStatus(ctx context.Context, requestID uuid.UUID, status RequestStatus, now time.Time) error {
	if r, ok := t.s.requests[requestID]; ok {
		r.Status = status
		r.UpdatedAt = now
	}
	return nil
}

func (t *memTx) CreateSchedule(ctx context.Context, sc *DriverSchedule) error {
	if err := t.s.fail("CreateSchedule"); err != nil {
		return err
	}
	if err := checkScheduleRoute(sc); err != nil {
		return err
	}
	c := *sc
	t.s.schedules[sc.ID] = &c
	return nil
}

func (t *memTx) GetScheduleForUpdate(ctx context.Context, id uuid.UUID) (*DriverSchedule, error) {
	sc, ok := t.s.schedules[id]
	if !ok {
		return nil, nil
	}
	c := *sc
	return &c, nil
}

func (t *memTx) AdjustScheduleSeats(ctx context.Context, scheduleID uuid.UUID, delta int) error {
	if err := t.s.fail("AdjustScheduleSeats"); err != nil {
		return err
	}
	sc, ok := t.s.schedules[scheduleID]
	if !ok || sc.SeatsFilled+delta < 0 || sc.SeatsFilled+delta > sc.Capacity {
		return ErrCapacityExceeded
	}
	sc.SeatsFilled += delta
	return nil
}

func (t *memTx) SetScheduleSeats(ctx context.Context, scheduleID uuid.UUID, seats int) error {
	sc, ok := t.s.schedules[scheduleID]
	if !ok || seats < 0 || seats > sc.Capacity {
		return ErrCapacityExceeded
	}
	sc.SeatsFilled = seats
	return nil
}

func (t *memTx) DeactivateScheduleByID(ctx context.Context, scheduleID uuid.UUID, now time.Time) error {
	if sc, ok := t.s.schedules[scheduleID]; ok {
		sc.IsActive = false
		sc.UpdatedAt = now
	}
	return nil
}

func (t *memTx) CreateRide(ctx context.Context, ride *Ride) error {
	c := *ride
	t.s.rides[ride.ID] = &c
	return nil
}

func (t *memTx) GetRideForUpdate(ctx context.Context, id uuid.UUID) (*Ride, error) {
	r, ok := t.s.rides[id]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (t *memTx) FindOpenRideForSchedule(ctx context.Context, sc *DriverSchedule) (*Ride, error) {
	var best *Ride
	for _, r := range t.s.rides {
		if r.Status != RidePending && r.Status != RideScheduled {
			continue
		}
		linked := r.ScheduleID != nil && *r.ScheduleID == sc.ID
		sameSlot := sc.Route != nil && r.DriverID == sc.DriverID && r.Route == Route(*sc.Route) && r.PickupTime.Equal(sc.DepartureTime)
		if !linked && !sameSlot {
			continue
		}
		if best == nil || r.CreatedAt.Before(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	c := *best
	return &c, nil
}

func (t *memTx) AdjustRideSeats(ctx context.Context, rideID uuid.UUID, delta int) error {
	r, ok := t.s.rides[rideID]
	if !ok || r.SeatsFilled+delta < 0 || r.SeatsFilled+delta > r.Capacity {
		return ErrCapacityExceeded
	}
	r.SeatsFilled += delta
	return nil
}

func (t *memTx) SetRideSeats(ctx context.Context, rideID uuid.UUID, seats int) error {
	r, ok := t.s.rides[rideID]
	if !ok || seats < 0 || seats > r.Capacity {
		return ErrCapacityExceeded
	}
	r.SeatsFilled = seats
	return nil
}

func (t *memTx) UpdateRideStatus(ctx context.Context, rideID uuid.UUID, from, to RideStatus, now time.Time) error {
	r, ok := t.s.rides[rideID]
	if !ok || r.Status != from {
		return ErrRideStateConflict
	}
	r.Status = to
	at := now
	switch to {
	case RideOngoing:
		r.StartedAt = &at
	case RideCompleted:
		r.CompletedAt = &at
	}
	return nil
}

func (t *memTx) IsPassengerSeated(ctx context.Context, rideID, passengerID uuid.UUID) (bool, error) {
	for _, rp := range t.s.passengers {
		if rp.RideID == rideID && rp.PassengerID == passengerID && rp.CancelledAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CreateRidePassenger(ctx context.Context, rp *RidePassenger) error {
	if err := t.s.fail("CreateRidePassenger"); err != nil {
		return err
	}
	seated, _ := t.IsPassengerSeated(ctx, rp.RideID, rp.PassengerID)
	if seated {
		return ErrAlreadyBooked
	}
	c := *rp
	t.s.passengers[rp.ID] = &c
	return nil
}

func (t *memTx) GetActivePassenger(ctx context.Context, rideID, passengerID uuid.UUID) (*RidePassenger, error) {
	for _, rp := range t.s.passengers {
		if rp.RideID == rideID && rp.PassengerID == passengerID && rp.CancelledAt == nil {
			c := *rp
			return &c, nil
		}
	}
	return nil, nil
}

func (t *memTx) CancelRidePassenger(ctx context.Context, id uuid.UUID, now time.Time) error {
	rp, ok := t.s.passengers[id]
	if !ok || rp.CancelledAt != nil {
		return ErrBookingNotFound
	}
	at := now
	rp.CancelledAt = &at
	return nil
}

// ============================================================================
// Clock and Notifier
// ============================================================================

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

type sentNotice struct {
	recipientID uuid.UUID
	title       string
	data        map[string]interface{}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, recipientID uuid.UUID, title, body string, data map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotice{recipientID: recipientID, title: title, data: data})
	return n.err
}

func (n *recordingNotifier) notices() []sentNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotice(nil), n.sent...)
}

var (
	errInjected      = errors.New("injected failure")
	errScheduleRoute = errors.New("violates check constraint driver_schedules_route_check")
)

// checkScheduleRoute mirrors driver_schedules_route_check: KEKE schedules need
// a full junction pair, CAR and BUS schedules may carry none.
func checkScheduleRoute(sc *DriverSchedule) error {
	if sc.Route == nil {
		if sc.VehicleType == VehicleKeke {
			return errScheduleRoute
		}
		return nil
	}
	if sc.Route.StartJunctionID == uuid.Nil || sc.Route.EndJunctionID == uuid.Nil {
		return errScheduleRoute
	}
	return nil
}
