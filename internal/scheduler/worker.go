package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	// LeaseKey guards the matching cycle across replicas
	LeaseKey = "matching:cycle:lease"

	defaultInterval = time.Minute
	releaseTimeout  = 5 * time.Second
)

var ticksSkippedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ride_matching",
		Name:      "scheduler_ticks_skipped_total",
		Help:      "Scheduler ticks that did not run a matching cycle",
	},
	[]string{"reason"},
)

var leaseLostTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ride_matching",
		Name:      "scheduler_lease_lost_total",
		Help:      "Matching cycles cancelled because the lease could not be renewed",
	},
)

// Worker drives the periodic matcher. At most one cycle runs at a time in
// this process, and the Redis lease keeps other replicas out while it does.
// The lease is renewed for as long as the cycle runs.
type Worker struct {
	runner   CycleRunner
	lease    Lease
	logger   *zap.Logger
	interval time.Duration
	leaseTTL time.Duration
	token    string

	running  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new scheduler worker. A nil lease limits exclusion to
// this process.
func NewWorker(runner CycleRunner, lease Lease, logger *zap.Logger, interval, leaseTTL time.Duration) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if leaseTTL <= 0 || leaseTTL > interval {
		leaseTTL = interval
	}
	return &Worker{
		runner:   runner,
		lease:    lease,
		logger:   logger,
		interval: interval,
		leaseTTL: leaseTTL,
		token:    uuid.NewString(),
		done:     make(chan struct{}),
	}
}

// Start runs a cycle immediately and then on every interval until ctx is
// cancelled or Stop is called. It blocks.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Matching scheduler started",
		zap.Duration("interval", w.interval),
		zap.Duration("lease_ttl", w.leaseTTL),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Matching scheduler stopped", zap.Error(ctx.Err()))
			return
		case <-w.done:
			w.logger.Info("Matching scheduler stopped")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Stop signals Start to return
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Tick runs one guarded cycle and reports whether it ran
func (w *Worker) Tick(ctx context.Context) bool {
	if !w.running.TryLock() {
		ticksSkippedTotal.WithLabelValues("overlap").Inc()
		w.logger.Warn("Previous matching cycle still running, skipping tick")
		return false
	}
	defer w.running.Unlock()

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if w.lease != nil {
		acquired, err := w.lease.AcquireLease(ctx, LeaseKey, w.token, w.leaseTTL)
		if err != nil {
			ticksSkippedTotal.WithLabelValues("lease_error").Inc()
			w.logger.Warn("Failed to acquire matching lease", zap.Error(err))
			return false
		}
		if !acquired {
			ticksSkippedTotal.WithLabelValues("lease_held").Inc()
			w.logger.Debug("Matching lease held by another replica")
			return false
		}
		defer w.release(ctx)

		renewing := make(chan struct{})
		go func() {
			defer close(renewing)
			w.keepLease(cycleCtx, cancel)
		}()
		// stop renewing before the deferred release runs
		defer func() {
			cancel()
			<-renewing
		}()
	}

	if _, err := w.runner.RunMatchingCycle(cycleCtx); err != nil {
		w.logger.Error("Matching cycle failed", zap.Error(err))
	}

	if cycleCtx.Err() != nil {
		return true
	}

	expired, err := w.runner.ExpireStaleClaims(cycleCtx)
	if err != nil {
		w.logger.Error("Failed to expire stale claims", zap.Error(err))
		return true
	}
	if expired.Reverted > 0 || expired.Cancelled > 0 {
		w.logger.Info("Expired stale claims",
			zap.Int64("reverted", expired.Reverted),
			zap.Int64("cancelled", expired.Cancelled),
		)
	}
	return true
}

// keepLease extends the lease every third of its TTL until ctx ends. A failed
// or lost renewal cancels the cycle before another replica can take over.
func (w *Worker) keepLease(ctx context.Context, cancel context.CancelFunc) {
	every := w.leaseTTL / 3
	if every <= 0 {
		every = w.leaseTTL
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		renewCtx, done := context.WithTimeout(ctx, every)
		renewed, err := w.lease.RenewLease(renewCtx, LeaseKey, w.token, w.leaseTTL)
		done()
		if ctx.Err() != nil {
			return
		}
		if err != nil || !renewed {
			leaseLostTotal.Inc()
			w.logger.Warn("Matching lease lost, cancelling cycle",
				zap.Bool("renewed", renewed),
				zap.Error(err),
			)
			cancel()
			return
		}
	}
}

func (w *Worker) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if _, err := w.lease.ReleaseLease(ctx, LeaseKey, w.token); err != nil {
		w.logger.Warn("Failed to release matching lease", zap.Error(err))
	}
}
