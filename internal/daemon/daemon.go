// Package daemon runs the leader-elected timeout poller. Each tick it queues
// a review-completed job for every assigned request past its deadline,
// requeues requests whose creation job was lost, and sweeps the notification
// outbox. Only the lease holder polls; the processor keeps duplicate jobs
// harmless.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"permitcore/internal/core"
	"permitcore/internal/lease"
	"permitcore/pkg/domain"
)

// Defaults.
const (
	DefaultInterval = 30 * time.Second
	DefaultLeaseKey = "permitcore:timeout-daemon"
	DefaultLeaseTTL = 90 * time.Second
)

// Sweeper re-enqueues undelivered notifications.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Config tunes a Daemon.
type Config struct {
	Interval time.Duration
	LeaseKey string
	LeaseTTL time.Duration
	// StaleAfter is how long a request may sit pending or queued before its
	// creation job is enqueued again. Zero disables the requeue.
	StaleAfter time.Duration
	Owner      string
}

// Daemon polls for expired reviews while it holds the lease.
type Daemon struct {
	store   domain.PersistentStore
	queue   core.Enqueuer
	lease   lease.Lease
	sweeper Sweeper
	logger  core.Logger
	now     func() time.Time
	cfg     Config
	leader  atomic.Bool
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(logger core.Logger) Option {
	return func(d *Daemon) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock overrides the time source used for deadline checks.
func WithClock(now func() time.Time) Option {
	return func(d *Daemon) {
		if now != nil {
			d.now = now
		}
	}
}

// WithSweeper enables the outbox sweep on every tick.
func WithSweeper(s Sweeper) Option {
	return func(d *Daemon) { d.sweeper = s }
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// New builds a daemon. Zero config values take the package defaults and an
// empty owner gets a random id.
func New(store domain.PersistentStore, q core.Enqueuer, l lease.Lease, cfg Config, opts ...Option) *Daemon {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LeaseKey == "" {
		cfg.LeaseKey = DefaultLeaseKey
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	d := &Daemon{
		store:  store,
		queue:  q,
		lease:  l,
		logger: nopLogger{},
		now:    func() time.Time { return time.Now().UTC() },
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run ticks until ctx is done, then releases the lease.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	defer d.release()
	for {
		d.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Daemon) release() {
	if !d.leader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.lease.Release(ctx, d.cfg.LeaseKey, d.cfg.Owner); err != nil {
		d.logger.Error("lease release failed", "key", d.cfg.LeaseKey, "error", err)
	}
	d.leader.Store(false)
}

// Tick runs one poll if this instance holds the lease. Scan errors are
// logged and the next tick tries again.
func (d *Daemon) Tick(ctx context.Context) {
	if !d.hold(ctx) {
		return
	}
	n, err := d.scanExpired(ctx)
	if err != nil {
		d.logger.Error("timeout scan failed", "error", err)
	}
	if n > 0 {
		d.logger.Info("queued expired reviews", "count", n)
	}
	if d.cfg.StaleAfter > 0 {
		n, err := d.requeueStale(ctx)
		if err != nil {
			d.logger.Error("stale request scan failed", "error", err)
		}
		if n > 0 {
			d.logger.Warn("requeued stale permission requests", "count", n)
		}
	}
	if d.sweeper != nil {
		if _, err := d.sweeper.Sweep(ctx); err != nil {
			d.logger.Error("notification sweep failed", "error", err)
		}
	}
}

// Leader reports whether the last tick held the lease.
func (d *Daemon) Leader() bool { return d.leader.Load() }

func (d *Daemon) hold(ctx context.Context) bool {
	if d.leader.Load() {
		err := d.lease.Renew(ctx, d.cfg.LeaseKey, d.cfg.Owner, d.cfg.LeaseTTL)
		if err == nil {
			return true
		}
		d.leader.Store(false)
		if !errors.Is(err, lease.ErrNotHeld) {
			d.logger.Error("lease renew failed", "key", d.cfg.LeaseKey, "error", err)
			return false
		}
		d.logger.Info("lease lost", "key", d.cfg.LeaseKey, "owner", d.cfg.Owner)
	}
	ok, err := d.lease.Acquire(ctx, d.cfg.LeaseKey, d.cfg.Owner, d.cfg.LeaseTTL)
	if err != nil {
		d.logger.Error("lease acquire failed", "key", d.cfg.LeaseKey, "error", err)
		return false
	}
	if ok {
		d.leader.Store(true)
		d.logger.Info("lease acquired", "key", d.cfg.LeaseKey, "owner", d.cfg.Owner)
	}
	return ok
}

// scanExpired reads a consistent snapshot and queues one job per unresolved
// assigned request past its review deadline, whether or not every reviewer
// has voted. An enqueue failure does not stop the remaining requests.
func (d *Daemon) scanExpired(ctx context.Context) (int, error) {
	now := d.now()
	var due []string
	err := d.store.View(ctx, func(v domain.TransactionView) error {
		for _, req := range v.ListPermissionRequestsByStatus(domain.RequestStatusAssigned) {
			if req.IsResolved() {
				continue
			}
			responses := v.ListPermissionResponses(req.ID)
			if len(responses) > 0 && !now.Before(responses[0].TimeoutAt) {
				due = append(due, req.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var (
		queued int
		errs   []error
	)
	for _, id := range due {
		if err := d.queue.Enqueue(ctx, core.DecisionQueue, core.ResponseReviewCompleted{Request: id}); err != nil {
			errs = append(errs, fmt.Errorf("enqueue review completion for %s: %w", id, err))
			continue
		}
		queued++
	}
	return queued, errors.Join(errs...)
}

// requeueStale enqueues the creation job again for requests that never
// reached assignment.
func (d *Daemon) requeueStale(ctx context.Context) (int, error) {
	cutoff := d.now().Add(-d.cfg.StaleAfter)
	var stale []domain.PermissionRequest
	err := d.store.View(ctx, func(v domain.TransactionView) error {
		for _, status := range []domain.PermissionRequestStatus{domain.RequestStatusPending, domain.RequestStatusQueued} {
			for _, req := range v.ListPermissionRequestsByStatus(status) {
				if !req.IsResolved() && req.UpdatedAt.Before(cutoff) {
					stale = append(stale, req)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var (
		queued int
		errs   []error
	)
	for _, req := range stale {
		if err := d.queue.Enqueue(ctx, core.DecisionQueue, core.CreatedJob(req)); err != nil {
			errs = append(errs, fmt.Errorf("requeue %s: %w", req.ID, err))
			continue
		}
		queued++
	}
	return queued, errors.Join(errs...)
}
