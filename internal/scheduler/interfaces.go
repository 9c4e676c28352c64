package scheduler

import (
	"context"
	"time"

	"github.com/richxcame/ride-matching/internal/matching"
)

// CycleRunner performs one matching pass and the claim cleanup that follows it.
// *matching.Matcher satisfies it.
type CycleRunner interface {
	RunMatchingCycle(ctx context.Context) (*matching.CycleReport, error)
	ExpireStaleClaims(ctx context.Context) (*matching.ClaimExpiryReport, error)
}

// Lease is a cluster-wide mutual exclusion token with a TTL.
// *redis.Client from pkg/redis satisfies it.
type Lease interface {
	AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, token string) (bool, error)
}
