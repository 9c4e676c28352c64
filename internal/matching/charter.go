package matching

import "time"

// CharterPolicy lists everything the chartered flag changes
type CharterPolicy struct {
	// CreatesSchedule spawns a reusable DriverSchedule on acceptance.
	CreatesSchedule bool
	// AggregatesNeighbours fills remaining seats with compatible pending requests.
	AggregatesNeighbours bool
	// ExpiryWindow is added to the expiry anchor.
	ExpiryWindow time.Duration
	// AnchorOnDeparture anchors expiry at the desired departure instead of creation.
	AnchorOnDeparture bool
}

var charterPolicies = map[bool]CharterPolicy{
	false: {
		CreatesSchedule:      true,
		AggregatesNeighbours: true,
		ExpiryWindow:         10 * time.Minute,
		AnchorOnDeparture:    false,
	},
	true: {
		CreatesSchedule:      false,
		AggregatesNeighbours: false,
		ExpiryWindow:         60 * time.Minute,
		AnchorOnDeparture:    true,
	},
}

// PolicyFor returns the effect table row for a chartered flag
func PolicyFor(chartered bool) CharterPolicy {
	return charterPolicies[chartered]
}

// ExpiresAt computes a request's expiry under this policy
func (p CharterPolicy) ExpiresAt(now time.Time, scheduledFor *time.Time) time.Time {
	anchor := now
	if p.AnchorOnDeparture && scheduledFor != nil {
		anchor = *scheduledFor
	}
	return anchor.Add(p.ExpiryWindow)
}
