package core

import (
	"permitcore/pkg/domain"
)

// Evaluation is the outcome of the auto-approval check for one request.
type Evaluation struct {
	Auto bool
	// Reason names the signal that decided Auto, for logs.
	Reason string
	// Request is the request as left by the evaluator; it points at the
	// fork when exceptions were added.
	Request domain.PermissionRequest
	// Matched is the cached approval that short-circuited the vote.
	Matched *domain.SpaceApprovedRule
	// Fork is set when constraint violations produced a new event rule.
	Fork       *domain.Rule
	Exceptions []domain.RuleBlock
}

// EvaluateAutoApproval decides whether req may skip the reviewer vote. It
// runs inside tx because a constraint violation forks the event rule and
// repoints the event and request to the fork. Anything ambiguous resolves to
// manual review.
func EvaluateAutoApproval(tx domain.Transaction, req domain.PermissionRequest) (Evaluation, error) {
	ev := Evaluation{Request: req}
	space, ok := tx.FindSpace(req.SpaceID)
	if !ok {
		return ev, ErrNotFound{Entity: domain.EntitySpace, ID: req.SpaceID}
	}

	var eventRule *domain.Rule
	if req.SpaceEventRuleID != "" {
		rule, ok := tx.FindRule(req.SpaceEventRuleID)
		if !ok {
			return ev, ErrNotFound{Entity: domain.EntityRule, ID: req.SpaceEventRuleID}
		}
		eventRule = &rule
		if row, ok := tx.FindApprovedRule(space.ID, rule.PublicHash); ok {
			ev.Auto, ev.Reason, ev.Matched = true, "approved_rule", &row
			return ev, nil
		}
	}

	switch req.ProcessType {
	case domain.ProcessSpaceRuleChange:
		ev.Reason = "rule_change"
		return ev, nil
	case domain.ProcessSpaceEventRulePreApprove:
		ev.Reason = "pre_approve"
		return ev, nil
	}

	if req.SpaceEventID == nil {
		ev.Reason = "no_event"
		return ev, nil
	}
	event, ok := tx.FindSpaceEvent(*req.SpaceEventID)
	if !ok {
		return ev, ErrNotFound{Entity: domain.EntitySpaceEvent, ID: *req.SpaceEventID}
	}
	desired := domain.SharesAny(event.TopicIDs, space.DesiredTopicIDs)
	forbidden := domain.SharesAny(event.TopicIDs, space.ForbiddenTopicIDs)

	var violations []constraintViolation
	if req.SpaceRuleID != "" {
		spaceRule, ok := tx.FindRule(req.SpaceRuleID)
		if !ok {
			return ev, ErrNotFound{Entity: domain.EntityRule, ID: req.SpaceRuleID}
		}
		var err error
		if violations, err = checkConstraints(spaceRule, space, event); err != nil {
			return ev, err
		}
	}

	if eventRule == nil {
		switch {
		case len(violations) > 0:
			ev.Reason = "constraint_violation"
		case forbidden:
			ev.Reason = "forbidden_topic"
		case desired:
			ev.Auto, ev.Reason = true, "desired_topic"
		default:
			ev.Reason = "no_signal"
		}
		return ev, nil
	}

	known := existingExceptions(*eventRule)
	var fresh []constraintViolation
	for _, v := range violations {
		if _, ok := known[v.Source.Hash]; !ok {
			fresh = append(fresh, v)
		}
	}
	if len(fresh) > 0 {
		fork, blocks, err := ForkWithExceptions(tx, *eventRule, event.OrganizerID, fresh)
		if err != nil {
			return ev, err
		}
		if _, err := tx.UpdateSpaceEvent(event.ID, func(e *domain.SpaceEvent) error {
			e.RuleID = fork.ID
			return nil
		}); err != nil {
			return ev, err
		}
		updated, err := tx.UpdatePermissionRequest(req.ID, func(r *domain.PermissionRequest) error {
			r.SpaceEventRuleID = fork.ID
			return nil
		})
		if err != nil {
			return ev, err
		}
		ev.Request, ev.Fork, ev.Exceptions = updated, &fork, blocks
		eventRule = &fork
	}

	switch {
	case forbidden:
		ev.Reason = "forbidden_topic"
	case len(eventRule.BlocksOfType(domain.BlockEventException)) > 0:
		ev.Reason = "exception"
	case desired:
		ev.Auto, ev.Reason = true, "desired_topic"
	default:
		ev.Reason = "no_signal"
	}
	return ev, nil
}
