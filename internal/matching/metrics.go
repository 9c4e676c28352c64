package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acceptancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ride_matching",
		Name:      "acceptances_total",
		Help:      "Driver acceptances committed, by workflow",
	}, []string{"workflow"})

	seatsAllocatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ride_matching",
		Name:      "seats_allocated_total",
		Help:      "Passenger seats allocated, by workflow",
	}, []string{"workflow"})

	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ride_matching",
		Name:      "matcher_cycles_total",
		Help:      "Periodic matcher cycles, by outcome",
	}, []string{"outcome"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_matching",
		Name:      "matcher_cycle_duration_seconds",
		Help:      "Wall time of one periodic matcher cycle",
		Buckets:   prometheus.DefBuckets,
	})

	cycleRequestFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_matching",
		Name:      "matcher_request_failures_total",
		Help:      "Requests the periodic matcher failed to process",
	})

	groupBroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_matching",
		Name:      "group_broadcasts_total",
		Help:      "Grouped request broadcasts sent to drivers",
	})

	claimsExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ride_matching",
		Name:      "claims_expired_total",
		Help:      "MATCHING claims that timed out, by resulting status",
	}, []string{"status"})

	notificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_matching",
		Name:      "notification_failures_total",
		Help:      "Notifications the sink rejected",
	})
)
