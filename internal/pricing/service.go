package pricing

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/ride-matching/pkg/logger"
	redisClient "github.com/richxcame/ride-matching/pkg/redis"
	"go.uber.org/zap"
)

const routeFareCacheTTL = 10 * time.Minute

// RouteRepository looks up fixed route fares
type RouteRepository interface {
	GetRouteBasePrice(ctx context.Context, startJunctionID, endJunctionID uuid.UUID) (float64, bool, error)
}

// Service quotes fares. Fixed route fares are cached in Redis when a client
// is configured.
type Service struct {
	repo         RouteRepository
	cache        *redisClient.Client
	fallbackFare float64
}

// NewService creates a new pricing service. cache may be nil.
func NewService(repo RouteRepository, cache *redisClient.Client, fallbackFare float64) *Service {
	if fallbackFare <= 0 {
		fallbackFare = DefaultFallbackFare
	}
	return &Service{repo: repo, cache: cache, fallbackFare: fallbackFare}
}

// FixedRouteFare returns the flat fare for a junction pair, or the fallback
// fare when no route record exists
func (s *Service) FixedRouteFare(ctx context.Context, startJunctionID, endJunctionID uuid.UUID) (float64, error) {
	key := routeFareKey(startJunctionID, endJunctionID)

	if s.cache != nil {
		cached, ok, err := s.cache.GetString(ctx, key)
		if err != nil {
			logger.WithContext(ctx).Warn("route fare cache read failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			if price, err := strconv.ParseFloat(cached, 64); err == nil {
				return price, nil
			}
		}
	}

	price, found, err := s.repo.GetRouteBasePrice(ctx, startJunctionID, endJunctionID)
	if err != nil {
		return 0, err
	}
	if !found {
		return s.fallbackFare, nil
	}

	if s.cache != nil {
		if err := s.cache.SetWithExpiration(ctx, key, strconv.FormatFloat(price, 'f', -1, 64), routeFareCacheTTL); err != nil {
			logger.WithContext(ctx).Warn("route fare cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return price, nil
}

// DistanceFare computes max(minFare, base + perKm*km) rounded to the nearest
// currency unit
func (s *Service) DistanceFare(vehicleType string, distanceKm float64) (float64, error) {
	return DistanceFare(vehicleType, distanceKm)
}

// DistanceFare computes max(minFare, base + perKm*km) rounded to the nearest
// currency unit
func DistanceFare(vehicleType string, distanceKm float64) (float64, error) {
	tariff, ok := distanceTariffs[vehicleType]
	if !ok {
		return 0, fmt.Errorf("no distance tariff for vehicle type %q", vehicleType)
	}
	if distanceKm < 0 {
		return 0, fmt.Errorf("negative distance %f", distanceKm)
	}

	fare := math.Max(tariff.MinFare, tariff.Base+tariff.PerKm*distanceKm)
	return math.Round(fare), nil
}

func routeFareKey(startJunctionID, endJunctionID uuid.UUID) string {
	return fmt.Sprintf("fare:route:%s:%s", startJunctionID, endJunctionID)
}
