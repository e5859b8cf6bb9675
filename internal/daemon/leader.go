package daemon

import (
	"context"
	"errors"
	"time"
)

// DefaultFollowInterval is how often RunWhileLeader checks leadership.
const DefaultFollowInterval = time.Second

// RunWhileLeader runs work only while this daemon holds the lease. Work gets
// a context that is cancelled once leadership is lost or ctx is done, and is
// started again when the lease comes back. A work error other than
// cancellation stops RunWhileLeader.
//
// The snapshot stores allow a single writer. Queue consumers that commit to
// the store run under this.
func (d *Daemon) RunWhileLeader(ctx context.Context, check time.Duration, work func(context.Context) error) error {
	if check <= 0 {
		check = DefaultFollowInterval
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	var (
		cancel context.CancelFunc
		done   chan error
	)
	stop := func() error {
		if cancel == nil {
			return nil
		}
		cancel()
		err := <-done
		cancel, done = nil, nil
		return workErr(err)
	}
	for {
		leader := d.Leader()
		switch {
		case leader && cancel == nil:
			var wctx context.Context
			wctx, cancel = context.WithCancel(ctx)
			done = make(chan error, 1)
			go func() { done <- work(wctx) }()
			d.logger.Info("leader work started", "owner", d.cfg.Owner)
		case !leader && cancel != nil:
			if err := stop(); err != nil {
				return err
			}
			d.logger.Info("leader work stopped", "owner", d.cfg.Owner)
		}
		select {
		case <-ctx.Done():
			return stop()
		case err := <-done:
			cancel()
			cancel, done = nil, nil
			if err := workErr(err); err != nil {
				return err
			}
		case <-ticker.C:
		}
	}
}

func workErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
