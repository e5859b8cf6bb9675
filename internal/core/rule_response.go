package core

import (
	"context"
	"fmt"
	"slices"

	"permitcore/pkg/domain"
)

// ResponseFreezeRule keeps a response's vote, payload and deadline fixed
// once it has left pending.
func ResponseFreezeRule() domain.CommitRule {
	return responseFreezeRule{}
}

type responseFreezeRule struct{}

func (responseFreezeRule) Name() string { return "response_freeze" }

func (r responseFreezeRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityPermissionResponse || change.Action != domain.ActionUpdate {
			continue
		}
		before, okBefore := domain.DecodeChangePayload[domain.PermissionResponse](change.Before)
		after, okAfter := domain.DecodeChangePayload[domain.PermissionResponse](change.After)
		if !okBefore || !okAfter {
			continue
		}
		if before.Status == domain.ResponseStatusPending {
			if !before.TimeoutAt.Equal(after.TimeoutAt) {
				res.Violations = append(res.Violations, r.violation(after.ID, "permission response %s deadline cannot change", after.ID))
			}
			continue
		}
		if before.Status != after.Status ||
			!before.TimeoutAt.Equal(after.TimeoutAt) ||
			!slices.Equal(before.Conditions, after.Conditions) ||
			!slices.Equal(before.Excitements, after.Excitements) ||
			!slices.Equal(before.Worries, after.Worries) {
			res.Violations = append(res.Violations, r.violation(after.ID, "permission response %s is final as %s", after.ID, before.Status))
		}
	}
	return res, nil
}

func (responseFreezeRule) violation(id, format string, args ...any) domain.Violation {
	return domain.Violation{
		Rule:     "response_freeze",
		Severity: domain.SeverityBlock,
		Message:  fmt.Sprintf(format, args...),
		Entity:   domain.EntityPermissionResponse,
		EntityID: id,
	}
}

// ResponseTimeoutUniformRule requires every response of a request to share
// one deadline.
func ResponseTimeoutUniformRule() domain.CommitRule {
	return responseTimeoutUniformRule{}
}

type responseTimeoutUniformRule struct{}

func (responseTimeoutUniformRule) Name() string { return "response_timeout_uniform" }

func (responseTimeoutUniformRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	seen := make(map[string]struct{})
	for _, change := range changes {
		if change.Entity != domain.EntityPermissionResponse {
			continue
		}
		resp, ok := domain.DecodeChangePayload[domain.PermissionResponse](change.After)
		if !ok {
			continue
		}
		if _, done := seen[resp.PermissionRequestID]; done {
			continue
		}
		seen[resp.PermissionRequestID] = struct{}{}
		responses := view.ListPermissionResponses(resp.PermissionRequestID)
		if len(responses) < 2 {
			continue
		}
		for _, other := range responses[1:] {
			if !other.TimeoutAt.Equal(responses[0].TimeoutAt) {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "response_timeout_uniform",
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("permission request %s has responses with different deadlines", resp.PermissionRequestID),
					Entity:   domain.EntityPermissionResponse,
					EntityID: other.ID,
				})
				break
			}
		}
	}
	return res, nil
}
