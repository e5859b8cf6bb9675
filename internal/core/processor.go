package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"permitcore/internal/queue"
	"permitcore/pkg/domain"
)

// Processor runs decision jobs. Jobs read current state, decide and write in
// that order, so the decision queue must be consumed with concurrency 1.
// Every handler is a no-op for requests that have moved past the state it
// acts on, which makes redelivery safe.
type Processor struct {
	store domain.PersistentStore
	opts  serviceOptions
}

// NewProcessor builds a processor over store.
func NewProcessor(store domain.PersistentStore, opts ...Option) *Processor {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Processor{store: store, opts: o}
}

// Handle runs one job with tracing and metrics.
func (p *Processor) Handle(ctx context.Context, job Job) error {
	return observe(ctx, p.opts, "job_"+job.Kind(), func(ctx context.Context) error {
		err := job.run(ctx, p)
		if err != nil {
			p.opts.logger.Error("decision job failed", "kind", job.Kind(), "permission_request_id", job.RequestID(), "error", err)
		}
		return err
	})
}

// Run consumes the decision queue with a single worker until ctx is done.
func (p *Processor) Run(ctx context.Context, q *queue.Queue) error {
	return queue.Consume(ctx, q, DecisionQueue, 1, JobRegistry(), p.Handle)
}

func awaitingAssignment(req domain.PermissionRequest) bool {
	if req.IsResolved() {
		return false
	}
	switch req.Status {
	case domain.RequestStatusPending, domain.RequestStatusQueued, domain.RequestStatusAssignFailed:
		return true
	}
	return false
}

func (p *Processor) handleCreated(ctx context.Context, id string) error {
	box := &outbox{}
	var ev Evaluation
	skip := false
	_, err := p.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		req, ok := tx.FindPermissionRequest(id)
		if !ok {
			return ErrNotFound{Entity: domain.EntityPermissionRequest, ID: id}
		}
		if !awaitingAssignment(req) {
			skip = true
			return nil
		}
		var err error
		if ev, err = EvaluateAutoApproval(tx, req); err != nil {
			return err
		}
		if !ev.Auto {
			return nil
		}
		return p.autoApprove(tx, ev, box)
	})
	if err != nil {
		return fmt.Errorf("evaluate permission request %s: %w", id, err)
	}
	if skip {
		p.opts.logger.Debug("permission request already past assignment", "permission_request_id", id)
		return nil
	}
	if ev.Fork != nil {
		p.opts.logger.Info("event rule forked with exceptions", "permission_request_id", id, "rule_id", ev.Fork.ID, "exceptions", len(ev.Exceptions))
	}
	if ev.Auto {
		p.opts.logger.Info("permission request auto-approved", "permission_request_id", id, "reason", ev.Reason)
		p.opts.decisions.RecordDecision(OutcomeAutoApproved)
		p.dispatch(ctx, box)
		return nil
	}
	return p.assign(ctx, ev.Request)
}

func (p *Processor) autoApprove(tx domain.Transaction, ev Evaluation, box *outbox) error {
	code := uuid.NewString()
	accepted := domain.ResolveAccepted
	req, err := tx.UpdatePermissionRequest(ev.Request.ID, func(r *domain.PermissionRequest) error {
		r.Status = domain.RequestStatusReviewApproved
		r.ResolveStatus = &accepted
		r.PermissionCode = &code
		return nil
	})
	if err != nil {
		return err
	}
	if err := applyResolution(tx, req); err != nil {
		return err
	}
	if req.SpaceEventRuleID != "" {
		row := domain.SpaceApprovedRule{
			SpaceID:             req.SpaceID,
			RuleID:              req.SpaceEventRuleID,
			PermissionRequestID: req.ID,
			IsActive:            true,
		}
		if ev.Matched != nil {
			row.RuleID = ev.Matched.RuleID
			row.PermissionRequestID = ev.Matched.PermissionRequestID
			row.UtilizationCount = ev.Matched.UtilizationCount + 1
		}
		if _, err := tx.UpsertApprovedRule(row); err != nil {
			return err
		}
	}
	if err := box.add(tx, req.UserID, TemplateAutoApproved, req, map[string]string{"permission_code": code, "reason": ev.Reason}); err != nil {
		return err
	}
	if space, ok := tx.FindSpace(req.SpaceID); ok && space.OwnerID != "" && space.OwnerID != req.UserID {
		return box.add(tx, space.OwnerID, TemplateAutoApprovedNotice, req, map[string]string{"reason": ev.Reason})
	}
	return nil
}

// assign creates one response per active permissioner, each in its own
// transaction. A retry only creates the responses still missing. Any failure
// leaves the request in assign_failed and no reviewer is notified.
func (p *Processor) assign(ctx context.Context, req domain.PermissionRequest) error {
	var (
		permissioners []domain.SpacePermissioner
		existing      []domain.PermissionResponse
		timeout       time.Duration
	)
	if err := p.store.View(ctx, func(v domain.TransactionView) error {
		permissioners = v.ListActivePermissioners(req.SpaceID)
		existing = v.ListPermissionResponses(req.ID)
		var err error
		_, timeout, err = consentSettings(v, governingRuleID(v, req), p.opts.defaults)
		return err
	}); err != nil {
		return fmt.Errorf("load assignment for %s: %w", req.ID, err)
	}
	if len(permissioners) == 0 {
		return p.markAssignFailed(ctx, req.ID, "no active permissioners")
	}

	timeoutAt := p.opts.clock.Now().Add(timeout)
	assigned := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		timeoutAt = r.TimeoutAt
		assigned[r.SpacePermissionerID] = struct{}{}
	}
	for _, perm := range permissioners {
		if _, ok := assigned[perm.ID]; ok {
			continue
		}
		_, err := p.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			_, err := tx.CreatePermissionResponse(domain.PermissionResponse{
				PermissionRequestID: req.ID,
				SpacePermissionerID: perm.ID,
				TimeoutAt:           timeoutAt,
			})
			return err
		})
		if err != nil {
			p.opts.logger.Error("permission assignment failed", "permission_request_id", req.ID, "space_permissioner_id", perm.ID, "error", err)
			if markErr := p.markAssignFailed(ctx, req.ID, err.Error()); markErr != nil {
				p.opts.logger.Error("mark assign failed", "permission_request_id", req.ID, "error", markErr)
			}
			return fmt.Errorf("assign permission request %s to %s: %w", req.ID, perm.ID, err)
		}
	}

	box := &outbox{}
	_, err := p.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		current, ok := tx.FindPermissionRequest(req.ID)
		if !ok {
			return ErrNotFound{Entity: domain.EntityPermissionRequest, ID: req.ID}
		}
		if !awaitingAssignment(current) {
			return nil
		}
		updated, err := tx.UpdatePermissionRequest(req.ID, func(r *domain.PermissionRequest) error {
			r.Status = domain.RequestStatusAssigned
			return nil
		})
		if err != nil {
			return err
		}
		for _, resp := range tx.ListPermissionResponses(req.ID) {
			perm, ok := tx.FindSpacePermissioner(resp.SpacePermissionerID)
			if !ok {
				continue
			}
			params := map[string]string{
				"permission_response_id": resp.ID,
				"timeout_at":             resp.TimeoutAt.UTC().Format(time.RFC3339),
			}
			if err := box.add(tx, perm.UserID, TemplateReviewRequested, updated, params); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark permission request %s assigned: %w", req.ID, err)
	}
	p.opts.logger.Info("permission request assigned", "permission_request_id", req.ID, "reviewers", len(box.ids))
	p.dispatch(ctx, box)
	return nil
}

// markAssignFailed moves the request to assign_failed and tells the
// requester the first time it happens.
func (p *Processor) markAssignFailed(ctx context.Context, id, reason string) error {
	box := &outbox{}
	_, err := p.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		req, ok := tx.FindPermissionRequest(id)
		if !ok {
			return ErrNotFound{Entity: domain.EntityPermissionRequest, ID: id}
		}
		if !awaitingAssignment(req) || req.Status == domain.RequestStatusAssignFailed {
			return nil
		}
		updated, err := tx.UpdatePermissionRequest(id, func(r *domain.PermissionRequest) error {
			r.Status = domain.RequestStatusAssignFailed
			return nil
		})
		if err != nil {
			return err
		}
		return box.add(tx, updated.UserID, TemplateAssignFailed, updated, map[string]string{"reason": reason})
	})
	if err != nil {
		return err
	}
	p.opts.logger.Warn("permission request assign failed", "permission_request_id", id, "reason", reason)
	p.dispatch(ctx, box)
	return nil
}

// dispatch queues committed notifications. Failures are left to the
// outbox sweep.
func (p *Processor) dispatch(ctx context.Context, box *outbox) {
	dispatchOutbox(ctx, p.opts, box)
}

func dispatchOutbox(ctx context.Context, o serviceOptions, box *outbox) {
	for _, id := range box.ids {
		if err := o.queue.Enqueue(ctx, NotificationQueue, DispatchNotification{Notification: id}); err != nil {
			o.logger.Warn("notification enqueue failed", "notification_id", id, "error", err)
		}
	}
}
