package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"permitcore/pkg/domain"
)

// Decision outcomes reported to the DecisionRecorder.
const (
	OutcomeAutoApproved          = "auto_approved"
	OutcomeApproved              = "approved"
	OutcomeApprovedWithCondition = "approved_with_condition"
	OutcomeRejected              = "rejected"
)

// finalize tallies an assigned request once every response is in or the
// shared deadline has passed. Pending responses are marked timeout first
// when the deadline is the trigger.
func (p *Processor) finalize(ctx context.Context, id string) error {
	box := &outbox{}
	var (
		outcome  string
		resolved bool
		result   ConsentResult
	)
	_, err := p.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		req, ok := tx.FindPermissionRequest(id)
		if !ok {
			return ErrNotFound{Entity: domain.EntityPermissionRequest, ID: id}
		}
		if req.Status != domain.RequestStatusAssigned || req.IsResolved() {
			return nil
		}
		responses := tx.ListPermissionResponses(id)
		if len(responses) == 0 {
			return nil
		}
		tally := TallyResponses(responses)
		timedOut := !p.opts.clock.Now().Before(responses[0].TimeoutAt)
		if tally.Pending > 0 && !timedOut {
			return nil
		}
		if tally.Pending > 0 {
			for _, r := range responses {
				if r.Status != domain.ResponseStatusPending {
					continue
				}
				if _, err := tx.UpdatePermissionResponse(r.ID, func(resp *domain.PermissionResponse) error {
					resp.Status = domain.ResponseStatusTimeout
					return nil
				}); err != nil {
					return err
				}
			}
			tally = TallyResponses(tx.ListPermissionResponses(id))
		}

		method, _, err := consentSettings(tx, governingRuleID(tx, req), p.opts.defaults)
		if err != nil {
			return err
		}
		result = CalculateConsent(method, tally)
		if result.NoParticipation {
			p.opts.logger.Warn("no reviewed responses, treating as no consent", "permission_request_id", id, "responses", tally.Total, "timed_out", tally.TimedOut)
		}

		var template string
		updated, err := tx.UpdatePermissionRequest(id, func(r *domain.PermissionRequest) error {
			switch {
			case result.WithCondition:
				r.Status = domain.RequestStatusReviewApprovedWithCondition
				outcome, template = OutcomeApprovedWithCondition, TemplateApprovedWithCondition
			case result.Consent:
				accepted := domain.ResolveAccepted
				code := uuid.NewString()
				r.Status = domain.RequestStatusReviewApproved
				r.ResolveStatus = &accepted
				r.PermissionCode = &code
				outcome, template, resolved = OutcomeApproved, TemplateApproved, true
			default:
				rejected := domain.ResolveRejected
				r.Status = domain.RequestStatusReviewRejected
				r.ResolveStatus = &rejected
				outcome, template, resolved = OutcomeRejected, TemplateRejected, true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if resolved {
			if err := applyResolution(tx, updated); err != nil {
				return err
			}
		}
		return box.add(tx, updated.UserID, template, updated, map[string]string{
			"consent_method": method.String(),
			"percent":        result.Percent.String(),
		})
	})
	if err != nil {
		return fmt.Errorf("finalize permission request %s: %w", id, err)
	}
	if outcome == "" {
		return nil
	}
	p.opts.decisions.RecordDecision(outcome)
	p.opts.logger.Info("permission request finalized", "permission_request_id", id, "outcome", outcome, "percent", result.Percent.String())
	p.dispatch(ctx, box)
	if resolved {
		if err := p.opts.queue.Enqueue(ctx, DecisionQueue, RequestResolved{Request: id}); err != nil {
			p.opts.logger.Error("enqueue resolved job failed", "permission_request_id", id, "error", err)
		}
	}
	return nil
}

// handleResolved reapplies resolution side effects and tells the reviewers
// the outcome, once.
func (p *Processor) handleResolved(ctx context.Context, id string) error {
	box := &outbox{}
	_, err := p.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		req, ok := tx.FindPermissionRequest(id)
		if !ok {
			return ErrNotFound{Entity: domain.EntityPermissionRequest, ID: id}
		}
		if !req.IsResolved() {
			return nil
		}
		if err := applyResolution(tx, req); err != nil {
			return err
		}
		for _, n := range tx.ListNotifications(id) {
			if n.TemplateName == TemplateResolved {
				return nil
			}
		}
		for _, resp := range tx.ListPermissionResponses(id) {
			perm, ok := tx.FindSpacePermissioner(resp.SpacePermissionerID)
			if !ok {
				continue
			}
			if err := box.add(tx, perm.UserID, TemplateResolved, req, map[string]string{"resolve_status": string(*req.ResolveStatus)}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply resolution of %s: %w", id, err)
	}
	p.dispatch(ctx, box)
	return nil
}

// applyResolution writes the side effects of req's resolve status. Every
// write checks current state first, so reapplying is a no-op.
func applyResolution(tx domain.Transaction, req domain.PermissionRequest) error {
	if req.ResolveStatus == nil {
		return nil
	}
	switch *req.ResolveStatus {
	case domain.ResolveAccepted:
		switch req.ProcessType {
		case domain.ProcessSpaceEvent:
			return setEventStatus(tx, req, domain.EventStatusPermissionGranted)
		case domain.ProcessSpaceRuleChange:
			space, ok := tx.FindSpace(req.SpaceID)
			if !ok {
				return ErrNotFound{Entity: domain.EntitySpace, ID: req.SpaceID}
			}
			if space.RuleID == req.SpaceRuleID {
				return nil
			}
			_, err := tx.UpdateSpace(space.ID, func(s *domain.Space) error {
				s.RuleID = req.SpaceRuleID
				return nil
			})
			return err
		case domain.ProcessSpaceEventRulePreApprove:
			rule, ok := tx.FindRule(req.SpaceEventRuleID)
			if !ok {
				return ErrNotFound{Entity: domain.EntityRule, ID: req.SpaceEventRuleID}
			}
			if _, ok := tx.FindApprovedRule(req.SpaceID, rule.PublicHash); ok {
				return nil
			}
			_, err := tx.UpsertApprovedRule(domain.SpaceApprovedRule{
				SpaceID:             req.SpaceID,
				RuleID:              rule.ID,
				PermissionRequestID: req.ID,
				IsActive:            true,
			})
			return err
		}
	case domain.ResolveRejected:
		if req.ProcessType == domain.ProcessSpaceEvent {
			return setEventStatus(tx, req, domain.EventStatusPermissionRejected)
		}
	case domain.ResolveCancelled:
		if req.ProcessType == domain.ProcessSpaceEvent {
			return setEventStatus(tx, req, domain.EventStatusCancelled)
		}
	}
	return nil
}

func setEventStatus(tx domain.Transaction, req domain.PermissionRequest, status domain.SpaceEventStatus) error {
	if req.SpaceEventID == nil {
		return nil
	}
	event, ok := tx.FindSpaceEvent(*req.SpaceEventID)
	if !ok {
		return ErrNotFound{Entity: domain.EntitySpaceEvent, ID: *req.SpaceEventID}
	}
	if event.Status == status {
		return nil
	}
	_, err := tx.UpdateSpaceEvent(event.ID, func(e *domain.SpaceEvent) error {
		e.Status = status
		return nil
	})
	return err
}
