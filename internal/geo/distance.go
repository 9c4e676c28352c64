package geo

import "math"

const earthRadiusKm = 6371.0

// Point is a WGS84 coordinate
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Box is an axis-aligned latitude/longitude rectangle
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// Contains reports whether p lies inside the box, edges included
func (b Box) Contains(p Point) bool {
	return p.Latitude >= b.MinLat && p.Latitude <= b.MaxLat &&
		p.Longitude >= b.MinLng && p.Longitude <= b.MaxLng
}

// DistanceKm returns the great-circle distance between a and b using the
// haversine formula
func DistanceKm(a, b Point) float64 {
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180.0
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180.0

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Latitude*math.Pi/180.0)*math.Cos(b.Latitude*math.Pi/180.0)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// BoundingBox returns a rectangle that contains every point within radiusKm
// of center. It over-approximates, so callers still filter with DistanceKm.
func BoundingBox(center Point, radiusKm float64) Box {
	angular := radiusKm / earthRadiusKm
	latDelta := angular * 180 / math.Pi

	// A circle that reaches a pole spans every longitude.
	lngDelta := 180.0
	if center.Latitude+latDelta < 90 && center.Latitude-latDelta > -90 {
		ratio := math.Sin(angular) / math.Cos(center.Latitude*math.Pi/180)
		if ratio < 1 {
			lngDelta = math.Asin(ratio) * 180 / math.Pi
		}
	}

	return Box{
		MinLat: math.Max(-90, center.Latitude-latDelta),
		MaxLat: math.Min(90, center.Latitude+latDelta),
		MinLng: center.Longitude - lngDelta,
		MaxLng: center.Longitude + lngDelta,
	}
}

// RoundKm rounds a distance to two decimals for display
func RoundKm(km float64) float64 {
	return math.Round(km*100) / 100
}
