package pricing

// Tariff is a distance based fare schedule for one vehicle class
type Tariff struct {
	Base    float64 `json:"base"`
	PerKm   float64 `json:"per_km"`
	MinFare float64 `json:"min_fare"`
}

// DefaultFallbackFare is charged on a junction pair without a route record
const DefaultFallbackFare = 500.0

// distanceTariffs holds the per-vehicle distance tariffs. KEKE trips off the
// junction graph are billed on the BUS schedule.
var distanceTariffs = map[string]Tariff{
	"CAR":  {Base: 600, PerKm: 250, MinFare: 1200},
	"BUS":  {Base: 1200, PerKm: 200, MinFare: 2000},
	"KEKE": {Base: 1200, PerKm: 200, MinFare: 2000},
}
