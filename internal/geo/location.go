package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	redisClient "github.com/richxcame/ride-matching/pkg/redis"
)

const (
	driverLocationPrefix = "driver:location:"
	driverLocationTTL    = 5 * time.Minute
)

// DriverLocation is the last reported position of a driver
type DriverLocation struct {
	DriverID  uuid.UUID `json:"driver_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// Point returns the location as a Point
func (l *DriverLocation) Point() Point {
	return Point{Latitude: l.Latitude, Longitude: l.Longitude}
}

// LocationStore caches driver positions in Redis with a short TTL
type LocationStore struct {
	redis *redisClient.Client
	now   func() time.Time
}

// NewLocationStore creates a new driver location cache
func NewLocationStore(redis *redisClient.Client) *LocationStore {
	return &LocationStore{redis: redis, now: time.Now}
}

// UpdateDriverLocation records a driver's current position
func (s *LocationStore) UpdateDriverLocation(ctx context.Context, driverID uuid.UUID, latitude, longitude float64) error {
	location := &DriverLocation{
		DriverID:  driverID,
		Latitude:  latitude,
		Longitude: longitude,
		Timestamp: s.now().UTC(),
	}

	data, err := json.Marshal(location)
	if err != nil {
		return fmt.Errorf("marshal driver location: %w", err)
	}

	if err := s.redis.SetWithExpiration(ctx, locationKey(driverID), data, driverLocationTTL); err != nil {
		return fmt.Errorf("store driver location: %w", err)
	}
	return nil
}

// GetDriverLocation returns the cached position, or nil when it has expired
func (s *LocationStore) GetDriverLocation(ctx context.Context, driverID uuid.UUID) (*DriverLocation, error) {
	data, ok, err := s.redis.GetString(ctx, locationKey(driverID))
	if err != nil {
		return nil, fmt.Errorf("load driver location: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var location DriverLocation
	if err := json.Unmarshal([]byte(data), &location); err != nil {
		return nil, fmt.Errorf("decode driver location: %w", err)
	}
	return &location, nil
}

func locationKey(driverID uuid.UUID) string {
	return driverLocationPrefix + driverID.String()
}
