package core

import (
	"context"
	"errors"
	"fmt"

	"permitcore/internal/blob"
	"permitcore/internal/queue"
	"permitcore/pkg/domain"
)

// Notification templates produced by the decision engine. Rendering is left
// to the sink's consumer.
const (
	TemplateReviewRequested       = "permission_request_review_requested"
	TemplateAutoApproved          = "permission_request_auto_approved"
	TemplateAutoApprovedNotice    = "permission_request_auto_approved_notice"
	TemplateResponseReviewed      = "permission_response_reviewed"
	TemplateApproved              = "permission_request_approved"
	TemplateApprovedWithCondition = "permission_request_approved_with_condition"
	TemplateRejected              = "permission_request_rejected"
	TemplateResolved              = "permission_request_resolved"
	TemplateAssignFailed          = "permission_request_assign_failed"
)

// outbox collects the notifications written inside one transaction so they
// can be dispatched after commit.
type outbox struct {
	ids []string
}

func (o *outbox) add(tx domain.Transaction, userID, template string, req domain.PermissionRequest, params map[string]string) error {
	merged := map[string]string{
		"permission_request_id": req.ID,
		"space_id":              req.SpaceID,
		"process_type":          string(req.ProcessType),
	}
	if req.SpaceEventID != nil {
		merged["space_event_id"] = *req.SpaceEventID
	}
	for k, v := range params {
		merged[k] = v
	}
	n, err := tx.CreateNotification(domain.Notification{
		UserID:              userID,
		TemplateName:        template,
		Params:              merged,
		PermissionRequestID: req.ID,
	})
	if err != nil {
		return fmt.Errorf("notify %s with %s: %w", userID, template, err)
	}
	o.ids = append(o.ids, n.ID)
	return nil
}

// NotificationSink delivers a notification intent to the outside world.
type NotificationSink interface {
	Deliver(ctx context.Context, n domain.Notification) error
}

// LogSink writes intents to the logger. It is the default sink.
type LogSink struct {
	Logger Logger
}

// Deliver implements NotificationSink.
func (s LogSink) Deliver(_ context.Context, n domain.Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	logger.Info("notification", "id", n.ID, "user_id", n.UserID, "template", n.TemplateName, "permission_request_id", n.PermissionRequestID)
	return nil
}

// BlobSink drops each intent as a JSON object under notifications/ for an
// external pipeline to pick up. Redelivery of the same intent is a no-op.
type BlobSink struct {
	Store blob.Store
}

// Deliver implements NotificationSink.
func (s BlobSink) Deliver(ctx context.Context, n domain.Notification) error {
	_, err := blob.PutJSON(ctx, s.Store, blob.NotificationKey(n.ID), n)
	if err != nil && !errors.Is(err, blob.ErrExists) {
		return err
	}
	return nil
}

// Dispatcher moves outbox entries to a sink and stamps them delivered.
type Dispatcher struct {
	store domain.PersistentStore
	sink  NotificationSink
	opts  serviceOptions
}

// NewDispatcher builds a dispatcher. A nil sink logs intents.
func NewDispatcher(store domain.PersistentStore, sink NotificationSink, opts ...Option) *Dispatcher {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if sink == nil {
		sink = LogSink{Logger: o.logger}
	}
	return &Dispatcher{store: store, sink: sink, opts: o}
}

// Dispatch delivers one notification. Already delivered intents are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, id string) error {
	return observe(ctx, d.opts, "dispatch_notification", func(ctx context.Context) error {
		var n domain.Notification
		var found bool
		if err := d.store.View(ctx, func(v domain.TransactionView) error {
			n, found = v.FindNotification(id)
			return nil
		}); err != nil {
			return err
		}
		if !found {
			return ErrNotFound{Entity: domain.EntityNotification, ID: id}
		}
		if n.DeliveredAt != nil {
			return nil
		}
		if err := d.sink.Deliver(ctx, n); err != nil {
			return fmt.Errorf("deliver notification %s: %w", id, err)
		}
		_, err := d.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			_, err := tx.MarkNotificationDelivered(id)
			return err
		})
		return err
	})
}

// Handle adapts Dispatch to the queue consumer.
func (d *Dispatcher) Handle(ctx context.Context, msg DispatchNotification) error {
	return d.Dispatch(ctx, msg.Notification)
}

// Sweep re-enqueues undelivered intents older than the sweep minimum age and
// returns how many it queued.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	cutoff := d.opts.clock.Now().Add(-d.opts.sweepAge)
	var pending []domain.Notification
	if err := d.store.View(ctx, func(v domain.TransactionView) error {
		pending = v.ListUndeliveredNotifications()
		return nil
	}); err != nil {
		return 0, err
	}
	queued := 0
	for _, n := range pending {
		if n.CreatedAt.After(cutoff) {
			continue
		}
		if err := d.opts.queue.Enqueue(ctx, NotificationQueue, DispatchNotification{Notification: n.ID}); err != nil {
			return queued, fmt.Errorf("enqueue notification %s: %w", n.ID, err)
		}
		queued++
	}
	return queued, nil
}

// Run consumes the notification queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, q *queue.Queue, concurrency int) error {
	return queue.Consume(ctx, q, NotificationQueue, concurrency, NotificationRegistry(), d.Handle)
}
