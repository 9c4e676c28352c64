package matching

import (
	"github.com/google/uuid"
	"github.com/richxcame/ride-matching/internal/geo"
)

// RouteKind tags the two route shapes
type RouteKind string

const (
	RouteKindJunction RouteKind = "JUNCTION"
	RouteKindGeo      RouteKind = "GEO"
)

// Route is either a JunctionRoute or a GeoRoute. The set is closed; switches
// over Route handle both cases and treat anything else as invalid.
type Route interface {
	Kind() RouteKind
	isRoute()
}

// JunctionRoute runs between two named junctions of the shared network
type JunctionRoute struct {
	StartJunctionID uuid.UUID `json:"start_junction_id"`
	EndJunctionID   uuid.UUID `json:"end_junction_id"`
}

// Kind implements Route
func (JunctionRoute) Kind() RouteKind { return RouteKindJunction }

func (JunctionRoute) isRoute() {}

// Valid reports whether both junctions are set and distinct
func (r JunctionRoute) Valid() bool {
	return r.StartJunctionID != uuid.Nil && r.EndJunctionID != uuid.Nil && r.StartJunctionID != r.EndJunctionID
}

// GeoRoute is a free-form trip between two coordinates
type GeoRoute struct {
	Start geo.Point `json:"start"`
	End   geo.Point `json:"end"`
}

// Kind implements Route
func (GeoRoute) Kind() RouteKind { return RouteKindGeo }

func (GeoRoute) isRoute() {}

// DistanceKm is the great-circle trip length
func (r GeoRoute) DistanceKm() float64 {
	return geo.DistanceKm(r.Start, r.End)
}

// Valid reports whether both ends are real coordinates
func (r GeoRoute) Valid() bool {
	return validPoint(r.Start) && validPoint(r.End)
}

func validPoint(p geo.Point) bool {
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// SameJunctionPair reports whether both routes are junction routes over the
// same ordered pair
func SameJunctionPair(a, b Route) bool {
	ja, ok := a.(JunctionRoute)
	if !ok {
		return false
	}
	jb, ok := b.(JunctionRoute)
	if !ok {
		return false
	}
	return ja == jb
}
