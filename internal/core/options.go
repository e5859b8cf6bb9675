package core

import (
	"context"
	"time"

	"permitcore/internal/queue"
	"permitcore/pkg/domain"
)

// Logger is the structured logger used by the service and processor. Args
// alternate key/value pairs; *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock provides the current time for decisions and deadlines.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// MetricsRecorder observes operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

// DecisionRecorder counts finalized decision outcomes.
type DecisionRecorder interface {
	RecordDecision(outcome string)
}

type noopDecisionRecorder struct{}

func (noopDecisionRecorder) RecordDecision(string) {}

// TraceSpan is closed once the traced operation finishes.
type TraceSpan interface {
	End(err error)
}

// Tracer starts spans around service operations and jobs.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// AuditStatus captures the outcome of an audited operation.
type AuditStatus string

// Audit statuses.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one audited service operation.
type AuditEntry struct {
	Operation string            `json:"operation"`
	Entity    domain.EntityType `json:"entity"`
	Action    domain.Action     `json:"action"`
	EntityID  string            `json:"entity_id,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Forced    bool              `json:"forced,omitempty"`
	Status    AuditStatus       `json:"status"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

// Enqueuer hands messages to the named task queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, msg queue.Message) error
}

type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(context.Context, string, queue.Message) error { return nil }

// Queue names used by the decision engine.
const (
	DecisionQueue     = "decision"
	NotificationQueue = "notification"
)

// Defaults used when a space rule has no consent blocks.
type Defaults struct {
	ConsentMethod  domain.ConsentMethod
	ConsentTimeout time.Duration
}

// DefaultDefaults returns over_50_yes with a 72 hour timeout.
func DefaultDefaults() Defaults {
	method, _ := domain.ParseConsentMethod("over_50_yes")
	return Defaults{ConsentMethod: method, ConsentTimeout: 72 * time.Hour}
}

type serviceOptions struct {
	clock     Clock
	logger    Logger
	metrics   MetricsRecorder
	decisions DecisionRecorder
	tracer    Tracer
	audit     AuditRecorder
	queue     Enqueuer
	defaults  Defaults
	sweepAge  time.Duration
}

// Option configures a Service.
type Option func(*serviceOptions)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger Logger) Option {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsRecorder sets the operation metrics sink.
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithDecisionRecorder sets the decision outcome counter.
func WithDecisionRecorder(recorder DecisionRecorder) Option {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.decisions = recorder
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) Option {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.audit = recorder
		}
	}
}

// WithQueue sets the task queue jobs and notification dispatches go to.
func WithQueue(q Enqueuer) Option {
	return func(o *serviceOptions) {
		if q != nil {
			o.queue = q
		}
	}
}

// WithSweepMinAge makes Dispatcher.Sweep skip intents younger than age, so
// an intent whose first dispatch job is still in flight is not queued twice.
func WithSweepMinAge(age time.Duration) Option {
	return func(o *serviceOptions) {
		if age > 0 {
			o.sweepAge = age
		}
	}
}

// WithDefaults overrides the consent defaults.
func WithDefaults(d Defaults) Option {
	return func(o *serviceOptions) {
		if d.ConsentTimeout > 0 {
			o.defaults.ConsentTimeout = d.ConsentTimeout
		}
		if d.ConsentMethod.Operator != "" {
			o.defaults.ConsentMethod = d.ConsentMethod
		}
	}
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:     ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:    noopLogger{},
		metrics:   noopMetricsRecorder{},
		decisions: noopDecisionRecorder{},
		tracer:    noopTracer{},
		audit:     noopAuditRecorder{},
		queue:     noopEnqueuer{},
		defaults:  DefaultDefaults(),
	}
}
