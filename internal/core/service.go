package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"permitcore/internal/infra/persistence/memory"
	"permitcore/pkg/domain"
)

// Service is the entry point the surrounding API layer calls: request
// creation, reviewer submissions, resolution and the CRUD the decision
// engine reads from. Workflow steps run asynchronously in the Processor.
type Service struct {
	store domain.PersistentStore
	opts  serviceOptions
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{store: store, opts: o}
}

// NewInMemoryService creates a service and in-memory store with the given rules engine.
func NewInMemoryService(engine *domain.RulesEngine, opts ...Option) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// Processor returns a processor sharing the service's store and options.
func (s *Service) Processor() *Processor {
	return &Processor{store: s.store, opts: s.opts}
}

// Dispatcher returns a notification dispatcher sharing the service's store
// and options. A nil sink logs intents.
func (s *Service) Dispatcher(sink NotificationSink) *Dispatcher {
	if sink == nil {
		sink = LogSink{Logger: s.opts.logger}
	}
	return &Dispatcher{store: s.store, sink: sink, opts: s.opts}
}

type auditMetadata struct {
	entity domain.EntityType
	action domain.Action
}

var operationAudit = map[string]auditMetadata{
	"create_rule_block":           {domain.EntityRuleBlock, domain.ActionCreate},
	"create_rule":                 {domain.EntityRule, domain.ActionCreate},
	"fork_rule":                   {domain.EntityRule, domain.ActionCreate},
	"create_space":                {domain.EntitySpace, domain.ActionCreate},
	"update_space":                {domain.EntitySpace, domain.ActionUpdate},
	"create_space_event":          {domain.EntitySpaceEvent, domain.ActionCreate},
	"update_space_event":          {domain.EntitySpaceEvent, domain.ActionUpdate},
	"create_space_permissioner":   {domain.EntitySpacePermissioner, domain.ActionCreate},
	"update_space_permissioner":   {domain.EntitySpacePermissioner, domain.ActionUpdate},
	"request_event_permission":    {domain.EntityPermissionRequest, domain.ActionCreate},
	"request_rule_change":         {domain.EntityPermissionRequest, domain.ActionCreate},
	"request_event_rule_approval": {domain.EntityPermissionRequest, domain.ActionCreate},
	"submit_review":               {domain.EntityPermissionResponse, domain.ActionUpdate},
	"resolve_request":             {domain.EntityPermissionRequest, domain.ActionUpdate},
}

// observe wraps fn in a trace span and a metrics observation.
func observe(ctx context.Context, o serviceOptions, op string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, op)
	err := fn(ctx)
	span.End(err)
	o.metrics.Observe(ctx, op, err == nil, time.Since(start))
	return err
}

// run executes a service operation with tracing, metrics and audit. fn
// returns the id of the entity it touched.
func (s *Service) run(ctx context.Context, op string, fn func(context.Context) (string, error)) error {
	start := time.Now()
	var entityID string
	err := observe(ctx, s.opts, op, func(ctx context.Context) error {
		var err error
		entityID, err = fn(ctx)
		return err
	})
	if err != nil {
		s.opts.logger.Error("operation failed", "operation", op, "entity_id", entityID, "error", err)
		s.recordAuditError(ctx, op, entityID, time.Since(start), err)
		return err
	}
	s.recordAuditSuccess(ctx, op, entityID, time.Since(start))
	return nil
}

func (s *Service) recordAuditSuccess(ctx context.Context, op, entityID string, duration time.Duration) {
	meta, ok := operationAudit[op]
	if !ok {
		return
	}
	s.opts.audit.Record(ctx, AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.opts.clock.Now(),
	})
}

func (s *Service) recordAuditError(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	meta, ok := operationAudit[op]
	if !ok {
		return
	}
	s.opts.audit.Record(ctx, AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Status:    AuditStatusError,
		Error:     err.Error(),
		Duration:  duration,
		Timestamp: s.opts.clock.Now(),
	})
}

// mutate runs fn in a transaction under run and returns the rules result.
func (s *Service) mutate(ctx context.Context, op string, fn func(domain.Transaction) (string, error)) (domain.Result, error) {
	var res domain.Result
	err := s.run(ctx, op, func(ctx context.Context) (string, error) {
		var id string
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			id, err = fn(tx)
			return err
		})
		return id, err
	})
	return res, err
}

// CreateRuleBlock validates and stores a rule block.
func (s *Service) CreateRuleBlock(ctx context.Context, block domain.RuleBlock) (domain.RuleBlock, domain.Result, error) {
	var created domain.RuleBlock
	res, err := s.mutate(ctx, "create_rule_block", func(tx domain.Transaction) (string, error) {
		var err error
		created, err = tx.CreateRuleBlock(block)
		return created.ID, err
	})
	return created, res, err
}

// CreateRule stores a rule. Blocks without an id are created with it.
func (s *Service) CreateRule(ctx context.Context, rule domain.Rule) (domain.Rule, domain.Result, error) {
	var created domain.Rule
	res, err := s.mutate(ctx, "create_rule", func(tx domain.Transaction) (string, error) {
		var err error
		created, err = tx.CreateRule(rule)
		return created.ID, err
	})
	return created, res, err
}

// ForkRule copies rule id under a new id with extra blocks appended.
func (s *Service) ForkRule(ctx context.Context, id, authorID, name string, extra ...domain.RuleBlock) (domain.Rule, domain.Result, error) {
	var created domain.Rule
	res, err := s.mutate(ctx, "fork_rule", func(tx domain.Transaction) (string, error) {
		var err error
		created, err = tx.ForkRule(id, authorID, name, extra...)
		return created.ID, err
	})
	return created, res, err
}

// CreateSpace persists a new space.
func (s *Service) CreateSpace(ctx context.Context, space domain.Space) (domain.Space, domain.Result, error) {
	var created domain.Space
	res, err := s.mutate(ctx, "create_space", func(tx domain.Transaction) (string, error) {
		var err error
		created, err = tx.CreateSpace(space)
		return created.ID, err
	})
	return created, res, err
}

// UpdateSpace mutates a space using the provided mutator.
func (s *Service) UpdateSpace(ctx context.Context, id string, mutator func(*domain.Space) error) (domain.Space, domain.Result, error) {
	var updated domain.Space
	res, err := s.mutate(ctx, "update_space", func(tx domain.Transaction) (string, error) {
		var err error
		updated, err = tx.UpdateSpace(id, mutator)
		return id, err
	})
	return updated, res, err
}

// CreateSpaceEvent persists a new event.
func (s *Service) CreateSpaceEvent(ctx context.Context, event domain.SpaceEvent) (domain.SpaceEvent, domain.Result, error) {
	var created domain.SpaceEvent
	res, err := s.mutate(ctx, "create_space_event", func(tx domain.Transaction) (string, error) {
		var err error
		created, err = tx.CreateSpaceEvent(event)
		return created.ID, err
	})
	return created, res, err
}

// UpdateSpaceEvent mutates an event using the provided mutator.
func (s *Service) UpdateSpaceEvent(ctx context.Context, id string, mutator func(*domain.SpaceEvent) error) (domain.SpaceEvent, domain.Result, error) {
	var updated domain.SpaceEvent
	res, err := s.mutate(ctx, "update_space_event", func(tx domain.Transaction) (string, error) {
		var err error
		updated, err = tx.UpdateSpaceEvent(id, mutator)
		return id, err
	})
	return updated, res, err
}

// CreateSpacePermissioner delegates a reviewer to a space.
func (s *Service) CreateSpacePermissioner(ctx context.Context, perm domain.SpacePermissioner) (domain.SpacePermissioner, domain.Result, error) {
	var created domain.SpacePermissioner
	res, err := s.mutate(ctx, "create_space_permissioner", func(tx domain.Transaction) (string, error) {
		var err error
		created, err = tx.CreateSpacePermissioner(perm)
		return created.ID, err
	})
	return created, res, err
}

// SetPermissionerActive toggles whether a reviewer is polled for new requests.
func (s *Service) SetPermissionerActive(ctx context.Context, id string, active bool) (domain.SpacePermissioner, domain.Result, error) {
	var updated domain.SpacePermissioner
	res, err := s.mutate(ctx, "update_space_permissioner", func(tx domain.Transaction) (string, error) {
		var err error
		updated, err = tx.UpdateSpacePermissioner(id, func(p *domain.SpacePermissioner) error {
			p.IsActive = active
			return nil
		})
		return id, err
	})
	return updated, res, err
}

// RequestEventPermission opens a permission request for an event and hands
// it to the decision queue. An event can have one open request at a time.
func (s *Service) RequestEventPermission(ctx context.Context, eventID, userID string) (domain.PermissionRequest, domain.Result, error) {
	return s.openRequest(ctx, "request_event_permission", func(tx domain.Transaction) (domain.PermissionRequest, error) {
		event, ok := tx.FindSpaceEvent(eventID)
		if !ok {
			return domain.PermissionRequest{}, ErrNotFound{Entity: domain.EntitySpaceEvent, ID: eventID}
		}
		space, ok := tx.FindSpace(event.SpaceID)
		if !ok {
			return domain.PermissionRequest{}, ErrNotFound{Entity: domain.EntitySpace, ID: event.SpaceID}
		}
		for _, existing := range tx.ListPermissionRequests() {
			if existing.SpaceEventID != nil && *existing.SpaceEventID == eventID && !existing.IsResolved() {
				return domain.PermissionRequest{}, fmt.Errorf("%w: %s for event %s", ErrRequestOpen, existing.ID, eventID)
			}
		}
		created, err := tx.CreatePermissionRequest(domain.PermissionRequest{
			SpaceID:          space.ID,
			SpaceEventID:     &eventID,
			SpaceRuleID:      space.RuleID,
			SpaceEventRuleID: event.RuleID,
			UserID:           userID,
			ProcessType:      domain.ProcessSpaceEvent,
		})
		if err != nil {
			return domain.PermissionRequest{}, err
		}
		if _, err := tx.UpdateSpaceEvent(eventID, func(e *domain.SpaceEvent) error {
			e.Status = domain.EventStatusPermissionRequested
			return nil
		}); err != nil {
			return domain.PermissionRequest{}, err
		}
		return created, nil
	})
}

// RequestRuleChange proposes ruleID as the new rule of a space. It is judged
// by the space's current rule and never auto-approved.
func (s *Service) RequestRuleChange(ctx context.Context, spaceID, ruleID, userID string) (domain.PermissionRequest, domain.Result, error) {
	return s.openRequest(ctx, "request_rule_change", func(tx domain.Transaction) (domain.PermissionRequest, error) {
		if _, ok := tx.FindSpace(spaceID); !ok {
			return domain.PermissionRequest{}, ErrNotFound{Entity: domain.EntitySpace, ID: spaceID}
		}
		rule, ok := tx.FindRule(ruleID)
		if !ok {
			return domain.PermissionRequest{}, ErrNotFound{Entity: domain.EntityRule, ID: ruleID}
		}
		if rule.Target != domain.RuleTargetSpace {
			return domain.PermissionRequest{}, fmt.Errorf("rule %s targets %s, not a space", ruleID, rule.Target)
		}
		return tx.CreatePermissionRequest(domain.PermissionRequest{
			SpaceID:     spaceID,
			SpaceRuleID: ruleID,
			UserID:      userID,
			ProcessType: domain.ProcessSpaceRuleChange,
		})
	})
}

// RequestEventRulePreApproval asks the space to approve an event rule ahead
// of any event. Once accepted, events carrying a rule with the same public
// hash are auto-approved.
func (s *Service) RequestEventRulePreApproval(ctx context.Context, spaceID, eventRuleID, userID string) (domain.PermissionRequest, domain.Result, error) {
	return s.openRequest(ctx, "request_event_rule_approval", func(tx domain.Transaction) (domain.PermissionRequest, error) {
		space, ok := tx.FindSpace(spaceID)
		if !ok {
			return domain.PermissionRequest{}, ErrNotFound{Entity: domain.EntitySpace, ID: spaceID}
		}
		rule, ok := tx.FindRule(eventRuleID)
		if !ok {
			return domain.PermissionRequest{}, ErrNotFound{Entity: domain.EntityRule, ID: eventRuleID}
		}
		if rule.Target != domain.RuleTargetSpaceEvent {
			return domain.PermissionRequest{}, fmt.Errorf("rule %s targets %s, not a space event", eventRuleID, rule.Target)
		}
		return tx.CreatePermissionRequest(domain.PermissionRequest{
			SpaceID:          spaceID,
			SpaceRuleID:      space.RuleID,
			SpaceEventRuleID: eventRuleID,
			UserID:           userID,
			ProcessType:      domain.ProcessSpaceEventRulePreApprove,
		})
	})
}

// openRequest creates a request, enqueues its creation job and marks it
// queued unless the processor already moved it on.
func (s *Service) openRequest(ctx context.Context, op string, create func(domain.Transaction) (domain.PermissionRequest, error)) (domain.PermissionRequest, domain.Result, error) {
	var created domain.PermissionRequest
	var res domain.Result
	err := s.run(ctx, op, func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			created, err = create(tx)
			return err
		})
		if err != nil {
			return created.ID, err
		}
		if err := s.opts.queue.Enqueue(ctx, DecisionQueue, CreatedJob(created)); err != nil {
			return created.ID, fmt.Errorf("enqueue permission request %s: %w", created.ID, err)
		}
		_, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			current, ok := tx.FindPermissionRequest(created.ID)
			if !ok || current.Status != domain.RequestStatusPending || current.IsResolved() {
				return nil
			}
			created, err = tx.UpdatePermissionRequest(created.ID, func(r *domain.PermissionRequest) error {
				r.Status = domain.RequestStatusQueued
				return nil
			})
			return err
		})
		return created.ID, err
	})
	return created, res, err
}

var reviewDecisions = toSet(
	domain.ResponseStatusApproved,
	domain.ResponseStatusApprovedWithCondition,
	domain.ResponseStatusRejected,
	domain.ResponseStatusAbstention,
)

// SubmitReview records a reviewer's vote. It is accepted only from the
// assigned reviewer, while the response is pending, the request is assigned
// and unresolved, and the deadline has not passed.
func (s *Service) SubmitReview(ctx context.Context, responseID, reviewerUserID string, decision domain.PermissionResponseStatus, payload domain.ResponsePayload) (domain.PermissionResponse, domain.Result, error) {
	var updated domain.PermissionResponse
	var res domain.Result
	box := &outbox{}
	err := s.run(ctx, "submit_review", func(ctx context.Context) (string, error) {
		if _, ok := reviewDecisions[decision]; !ok {
			return responseID, fmt.Errorf("%w: review status %q", ErrInvalidDecision, decision)
		}
		if decision == domain.ResponseStatusApprovedWithCondition && len(payload.Conditions) == 0 {
			return responseID, fmt.Errorf("%w: approval with condition needs at least one condition", ErrInvalidDecision)
		}
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			resp, ok := tx.FindPermissionResponse(responseID)
			if !ok {
				return ErrNotFound{Entity: domain.EntityPermissionResponse, ID: responseID}
			}
			perm, ok := tx.FindSpacePermissioner(resp.SpacePermissionerID)
			if !ok || perm.UserID != reviewerUserID {
				return ErrNotReviewer
			}
			req, ok := tx.FindPermissionRequest(resp.PermissionRequestID)
			if !ok {
				return ErrNotFound{Entity: domain.EntityPermissionRequest, ID: resp.PermissionRequestID}
			}
			if resp.Status != domain.ResponseStatusPending ||
				req.Status != domain.RequestStatusAssigned ||
				req.IsResolved() ||
				!s.opts.clock.Now().Before(resp.TimeoutAt) {
				return ErrReviewClosed
			}
			var err error
			updated, err = tx.UpdatePermissionResponse(responseID, func(r *domain.PermissionResponse) error {
				r.Status = decision
				r.Conditions = payload.Conditions
				r.Excitements = payload.Excitements
				r.Worries = payload.Worries
				return nil
			})
			if err != nil {
				return err
			}
			return box.add(tx, req.UserID, TemplateResponseReviewed, req, map[string]string{
				"permission_response_id": responseID,
				"status":                 string(decision),
			})
		})
		if err != nil {
			return responseID, err
		}
		dispatchOutbox(ctx, s.opts, box)
		if err := s.opts.queue.Enqueue(ctx, DecisionQueue, ResponseReviewed{Request: updated.PermissionRequestID, Response: responseID}); err != nil {
			return responseID, fmt.Errorf("enqueue review of %s: %w", responseID, err)
		}
		return responseID, nil
	})
	return updated, res, err
}

// ResolveOptions tunes ResolveRequest.
type ResolveOptions struct {
	Details string
	// Force bypasses the set-once guard and the review preconditions. It is
	// an administrative override and always audited.
	Force bool
	Actor string
}

// ResolveRequest writes the terminal outcome of a request. The requester
// uses it to accept or withdraw a conditional approval; cancelled and dropped
// may be set from any unresolved status.
func (s *Service) ResolveRequest(ctx context.Context, id string, status domain.ResolveStatus, opts ResolveOptions) (domain.PermissionRequest, domain.Result, error) {
	var updated domain.PermissionRequest
	var res domain.Result
	var previous *domain.ResolveStatus
	err := s.run(ctx, "resolve_request", func(ctx context.Context) (string, error) {
		if _, ok := validResolveStatuses[status]; !ok {
			return id, fmt.Errorf("%w: resolve status %q", ErrInvalidDecision, status)
		}
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			req, ok := tx.FindPermissionRequest(id)
			if !ok {
				return ErrNotFound{Entity: domain.EntityPermissionRequest, ID: id}
			}
			previous = req.ResolveStatus
			if req.IsResolved() && !opts.Force {
				return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, *req.ResolveStatus)
			}
			var updateOpts []domain.UpdateOption
			if opts.Force {
				updateOpts = append(updateOpts, domain.Forced())
			}
			var err error
			updated, err = tx.UpdatePermissionRequest(id, func(r *domain.PermissionRequest) error {
				resolved := status
				r.ResolveStatus = &resolved
				if opts.Details != "" {
					details := opts.Details
					r.ResolveDetails = &details
				}
				if status == domain.ResolveAccepted && r.PermissionCode == nil {
					code := uuid.NewString()
					r.PermissionCode = &code
				}
				return nil
			}, updateOpts...)
			return err
		})
		if err != nil {
			return id, err
		}
		if err := s.opts.queue.Enqueue(ctx, DecisionQueue, RequestResolved{Request: id}); err != nil {
			return id, fmt.Errorf("enqueue resolution of %s: %w", id, err)
		}
		return id, nil
	})
	if opts.Force {
		s.recordForced(ctx, id, status, previous, opts, err)
	}
	return updated, res, err
}

func (s *Service) recordForced(ctx context.Context, id string, status domain.ResolveStatus, previous *domain.ResolveStatus, opts ResolveOptions, err error) {
	entry := AuditEntry{
		Operation: "force_resolve_request",
		Entity:    domain.EntityPermissionRequest,
		Action:    domain.ActionUpdate,
		EntityID:  id,
		Actor:     opts.Actor,
		Forced:    true,
		Status:    AuditStatusSuccess,
		Details:   map[string]string{"resolve_status": string(status)},
		Timestamp: s.opts.clock.Now(),
	}
	if previous != nil {
		entry.Details["previous_resolve_status"] = string(*previous)
	}
	if opts.Details != "" {
		entry.Details["details"] = opts.Details
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.opts.logger.Warn("forced permission request resolution", "permission_request_id", id, "actor", opts.Actor, "resolve_status", status, "error", err)
	s.opts.audit.Record(ctx, entry)
}

// GetPermissionRequest returns a request with its responses.
func (s *Service) GetPermissionRequest(ctx context.Context, id string) (domain.PermissionRequest, []domain.PermissionResponse, error) {
	var req domain.PermissionRequest
	var responses []domain.PermissionResponse
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		var ok bool
		if req, ok = v.FindPermissionRequest(id); !ok {
			return ErrNotFound{Entity: domain.EntityPermissionRequest, ID: id}
		}
		responses = v.ListPermissionResponses(id)
		return nil
	})
	return req, responses, err
}

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}
