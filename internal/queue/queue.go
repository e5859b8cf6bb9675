package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Logger is the subset of structured logging the consumer needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Defaults applied by New.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 5 * time.Second
)

// Queue enqueues messages onto a Backend and runs consumers with a fixed
// retry policy.
type Queue struct {
	backend     Backend
	attempts    int
	backoff     time.Duration
	deadLetters DeadLetterStore
	logger      Logger
	now         func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithAttempts sets the total number of tries per message.
func WithAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.attempts = n
		}
	}
}

// WithBackoff sets the fixed delay between tries.
func WithBackoff(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.backoff = d
		}
	}
}

// WithDeadLetters sets where exhausted messages go.
func WithDeadLetters(store DeadLetterStore) Option {
	return func(q *Queue) {
		if store != nil {
			q.deadLetters = store
		}
	}
}

// WithLogger sets the consumer logger.
func WithLogger(logger Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithClock overrides the time source used for envelope stamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New builds a queue over backend.
func New(backend Backend, opts ...Option) *Queue {
	q := &Queue{
		backend:     backend,
		attempts:    DefaultAttempts,
		backoff:     DefaultBackoff,
		deadLetters: NewMemoryDeadLetters(),
		logger:      noopLogger{},
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// DeadLetters exposes the dead-letter archive.
func (q *Queue) DeadLetters() DeadLetterStore { return q.deadLetters }

// Enqueue wraps msg in an envelope and pushes it onto the named queue.
// Delivery is at-least-once.
func (q *Queue) Enqueue(ctx context.Context, name string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Queue:      name,
		Kind:       msg.Kind(),
		Payload:    payload,
		EnqueuedAt: q.now(),
	}
	if err := q.backend.Push(ctx, name, env); err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", env.Kind, name, err)
	}
	return nil
}

// Consume runs concurrency workers on the named queue until ctx is done.
// Each envelope is decoded through reg and handed to handle; failures are
// retried with the queue's fixed backoff and dead-lettered once attempts run
// out. Undecodable envelopes are dead-lettered without retry.
func Consume[T Message](ctx context.Context, q *Queue, name string, concurrency int, reg *Registry[T], handle func(context.Context, T) error) error {
	if concurrency < 1 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				env, err := q.backend.Pop(ctx, name)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					q.logger.Error("queue pop failed", "queue", name, "error", err)
					if !sleep(ctx, q.backoff) {
						return nil
					}
					continue
				}
				process(ctx, q, env, reg, handle)
			}
		})
	}
	return g.Wait()
}

func process[T Message](ctx context.Context, q *Queue, env Envelope, reg *Registry[T], handle func(context.Context, T) error) {
	msg, err := reg.Decode(env)
	if err != nil {
		q.deadLetter(ctx, env, err)
		return
	}
	for {
		env.Attempt++
		err := safeHandle(ctx, handle, msg)
		if err == nil {
			return
		}
		env.LastError = err.Error()
		q.logger.Error("job failed", "queue", env.Queue, "kind", env.Kind, "id", env.ID, "attempt", env.Attempt, "error", err)
		if env.Attempt >= q.attempts {
			q.deadLetter(ctx, env, err)
			return
		}
		if !sleep(ctx, q.backoff) {
			// Shutting down mid-retry: hand the envelope back so another
			// consumer resumes the remaining attempts.
			if perr := q.backend.Push(context.WithoutCancel(ctx), env.Queue, env); perr != nil {
				q.logger.Error("requeue on shutdown failed", "queue", env.Queue, "id", env.ID, "error", perr)
			}
			return
		}
	}
}

func safeHandle[T Message](ctx context.Context, handle func(context.Context, T) error, msg T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v\n%s", msg.Kind(), r, debug.Stack())
		}
	}()
	return handle(ctx, msg)
}

func (q *Queue) deadLetter(ctx context.Context, env Envelope, cause error) {
	dl := DeadLetter{Envelope: env, Error: cause.Error(), FailedAt: q.now()}
	q.logger.Error("job dead-lettered", "queue", env.Queue, "kind", env.Kind, "id", env.ID, "attempts", env.Attempt, "error", cause)
	if err := q.deadLetters.Put(context.WithoutCancel(ctx), dl); err != nil {
		q.logger.Error("dead letter archive failed", "queue", env.Queue, "id", env.ID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
