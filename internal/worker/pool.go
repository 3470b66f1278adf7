package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sentinell/sentinell/internal/audit"
	"github.com/sentinell/sentinell/internal/config"
	"github.com/sentinell/sentinell/internal/metrics"
	"github.com/sentinell/sentinell/internal/model"
	"github.com/sentinell/sentinell/internal/store"
)

// Runner processes one claimed incident to completion.
type Runner interface {
	Run(ctx context.Context, inc *model.Incident) error
}

// Pool drains the incident queue with a fixed number of workers. Each
// worker claims at most one incident at a time, so the pool size bounds
// concurrent model calls.
type Pool struct {
	store    store.Store
	runner   Runner
	auditLog audit.Logger
	logger   *zap.Logger
	cfg      config.Worker
}

// NewPool wires a worker pool over the store and runner.
func NewPool(st store.Store, runner Runner, auditLog audit.Logger, logger *zap.Logger, cfg config.Worker) *Pool {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Count <= 0 {
		cfg.Count = 2
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 2
	}
	if cfg.LeaseMinutes <= 0 {
		cfg.LeaseMinutes = 10
	}
	if cfg.ReclaimIntervalSeconds <= 0 {
		cfg.ReclaimIntervalSeconds = 60
	}
	return &Pool{store: st, runner: runner, auditLog: auditLog, logger: logger, cfg: cfg}
}

// Lease returns the processing lease duration workers stamp on claims.
func (p *Pool) Lease() time.Duration {
	return time.Duration(p.cfg.LeaseMinutes) * time.Minute
}

// Start runs the workers and the lease reclaim sweep until ctx is
// canceled. Blocks; returns once every goroutine has drained.
func (p *Pool) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Count; i++ {
		id := i
		g.Go(func() error {
			p.workerLoop(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		p.reclaimLoop(ctx)
		return nil
	})

	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Count),
		zap.Duration("lease", p.Lease()))
	return g.Wait()
}

// workerLoop drains the queue, then sleeps one poll interval when empty.
func (p *Pool) workerLoop(ctx context.Context, id int) {
	interval := time.Duration(p.cfg.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.drain(ctx, id)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) drain(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		inc, err := p.store.ClaimNextQueued(ctx, p.Lease())
		if err != nil {
			if errors.Is(err, store.ErrLockConflict) {
				// Another worker won the claim race. Abort silently, do
				// not retry this claim.
				metrics.QueueClaims.WithLabelValues("conflict").Inc()
				p.auditLog.Log(audit.NewEvent(audit.EventClaimConflict).
					WithResult(audit.ResultFailure))
				return
			}
			if ctx.Err() == nil {
				p.logger.Error("queue claim failed", zap.Int("worker", id), zap.Error(err))
			}
			return
		}
		if inc == nil {
			metrics.QueueClaims.WithLabelValues("empty").Inc()
			return
		}
		metrics.QueueClaims.WithLabelValues("claimed").Inc()

		p.logger.Info("incident claimed",
			zap.Int("worker", id),
			zap.String("incident_id", inc.ID),
			zap.String("signal_type", string(inc.SignalType)))

		metrics.WorkersBusy.Inc()
		if err := p.runner.Run(ctx, inc); err != nil {
			// Persistence failed mid-run; the lease reclaim sweep will
			// requeue the incident once the lease expires.
			p.logger.Error("run failed",
				zap.String("incident_id", inc.ID),
				zap.Error(err))
		}
		metrics.WorkersBusy.Dec()
	}
}

// reclaimLoop periodically requeues processing incidents whose lease
// expired, the crash-recovery path for dead workers.
func (p *Pool) reclaimLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.ReclaimIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := p.store.ReclaimExpiredLeases(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("lease reclaim sweep failed", zap.Error(err))
			}
			continue
		}
		for _, id := range ids {
			metrics.LeasesReclaimed.Inc()
			p.logger.Warn("expired lease reclaimed", zap.String("incident_id", id))
			p.auditLog.Log(audit.NewEvent(audit.EventLeaseReclaimed).
				WithIncident(id).
				WithDescription("processing lease expired, incident requeued").
				WithResult(audit.ResultSuccess))
		}
	}
}
