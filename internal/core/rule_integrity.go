package core

import (
	"context"
	"fmt"

	"permitcore/pkg/domain"
)

// RuleIntegrityRule recomputes block and rule hashes on creation and blocks
// any mismatch, so forks can never carry a stale content hash.
func RuleIntegrityRule() domain.CommitRule {
	return ruleIntegrityRule{}
}

type ruleIntegrityRule struct{}

func (ruleIntegrityRule) Name() string { return "rule_integrity" }

func (ruleIntegrityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	block := func(entity domain.EntityType, id, format string, args ...any) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "rule_integrity",
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf(format, args...),
			Entity:   entity,
			EntityID: id,
		})
	}
	for _, change := range changes {
		switch change.Entity {
		case domain.EntityRuleBlock:
			b, ok := domain.DecodeChangePayload[domain.RuleBlock](change.After)
			if !ok {
				continue
			}
			if b.Hash != domain.BlockHash(b.Type, b.Content) {
				block(domain.EntityRuleBlock, b.ID, "rule block %s hash does not match its content", b.ID)
			}
		case domain.EntityRule:
			if change.Action != domain.ActionCreate {
				block(domain.EntityRule, "", "rules are immutable; fork instead of %s", change.Action)
				continue
			}
			r, ok := domain.DecodeChangePayload[domain.Rule](change.After)
			if !ok {
				continue
			}
			if r.Hash != domain.RuleHash(r.Blocks) || r.PublicHash != domain.PublicHash(r.Blocks) {
				block(domain.EntityRule, r.ID, "rule %s hash does not match its blocks", r.ID)
			}
			if r.ParentID != nil {
				if _, ok := view.FindRule(*r.ParentID); !ok {
					block(domain.EntityRule, r.ID, "rule %s forks missing parent %s", r.ID, *r.ParentID)
				}
			}
		}
	}
	return res, nil
}

// RequestDeleteGuardRule blocks deleting a request that still has responses.
func RequestDeleteGuardRule() domain.CommitRule {
	return requestDeleteGuardRule{}
}

type requestDeleteGuardRule struct{}

func (requestDeleteGuardRule) Name() string { return "request_delete_guard" }

func (requestDeleteGuardRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityPermissionRequest || change.Action != domain.ActionDelete {
			continue
		}
		req, ok := domain.DecodeChangePayload[domain.PermissionRequest](change.Before)
		if !ok {
			continue
		}
		if n := len(view.ListPermissionResponses(req.ID)); n > 0 {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "request_delete_guard",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("permission request %s still has %d responses", req.ID, n),
				Entity:   domain.EntityPermissionRequest,
				EntityID: req.ID,
			})
		}
	}
	return res, nil
}
