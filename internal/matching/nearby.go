package matching

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/richxcame/ride-matching/internal/geo"
	"github.com/richxcame/ride-matching/pkg/common"
)

const (
	nearbyPrefilterLimit = 200
	nearbyResultLimit    = 50
)

// FindNearbyRequests returns pending free-form requests whose pickup lies
// within radiusMeters of origin, closest first
func (s *Service) FindNearbyRequests(ctx context.Context, vehicleType VehicleType, origin geo.Point, radiusMeters float64) ([]*NearbyRequest, error) {
	if radiusMeters <= 0 {
		return nil, common.NewBadRequestError("radius must be positive", ErrInvalidRequest)
	}
	if !validPoint(origin) {
		return nil, common.NewBadRequestError("invalid coordinates", ErrInvalidRequest)
	}
	if !vehicleType.Valid() || vehicleType == VehicleKeke {
		return nil, common.NewBadRequestError("nearby search is for CAR and BUS drivers", ErrInvalidRequest)
	}

	radiusKm := radiusMeters / 1000
	box := geo.BoundingBox(origin, radiusKm)

	candidates, err := s.store.ListPendingFreeForm(ctx, vehicleType, box, nearbyPrefilterLimit)
	if err != nil {
		return nil, toAppError(fmt.Errorf("list nearby requests: %w", err), "failed to find nearby requests")
	}

	nearby := make([]*NearbyRequest, 0, len(candidates))
	for _, req := range candidates {
		route, ok := req.Route.(GeoRoute)
		if !ok {
			continue
		}
		distance := geo.DistanceKm(origin, route.Start)
		if distance > radiusKm {
			continue
		}
		nearby = append(nearby, &NearbyRequest{RideRequest: req, DistanceKm: distance})
	}

	sort.SliceStable(nearby, func(i, j int) bool {
		return nearby[i].DistanceKm < nearby[j].DistanceKm
	})
	if len(nearby) > nearbyResultLimit {
		nearby = nearby[:nearbyResultLimit]
	}
	for _, n := range nearby {
		n.DistanceKm = geo.RoundKm(n.DistanceKm)
	}
	return nearby, nil
}

// FindNearbyRequestsForDriver searches around the driver's last cached position
func (s *Service) FindNearbyRequestsForDriver(ctx context.Context, driverID uuid.UUID, vehicleType VehicleType, radiusMeters float64) ([]*NearbyRequest, error) {
	if s.locations == nil {
		return nil, toAppError(ErrLocationUnknown, "")
	}
	location, err := s.locations.GetDriverLocation(ctx, driverID)
	if err != nil {
		return nil, common.NewServiceUnavailableError("driver location cache unavailable")
	}
	if location == nil {
		return nil, toAppError(ErrLocationUnknown, "")
	}
	return s.FindNearbyRequests(ctx, vehicleType, location.Point(), radiusMeters)
}
