package core

import (
	"context"
	"fmt"

	"permitcore/pkg/domain"
)

// RequestTransitionRule blocks illegal review transitions and second
// resolutions on permission requests. Forced changes pass unchecked.
func RequestTransitionRule() domain.CommitRule {
	return requestTransitionRule{}
}

type requestTransitionRule struct{}

const requestTransitionRuleName = "request_transition"

// requestMachine lists the review statuses reachable from each status.
// Staying in place is always allowed.
var requestMachine = map[domain.PermissionRequestStatus]map[domain.PermissionRequestStatus]struct{}{
	domain.RequestStatusPending: toSet(
		domain.RequestStatusQueued,
		domain.RequestStatusAssigned,
		domain.RequestStatusAssignFailed,
		domain.RequestStatusReviewApproved,
	),
	domain.RequestStatusQueued: toSet(
		domain.RequestStatusAssigned,
		domain.RequestStatusAssignFailed,
		domain.RequestStatusReviewApproved,
	),
	domain.RequestStatusAssignFailed: toSet(
		domain.RequestStatusAssigned,
		domain.RequestStatusAssignFailed,
		domain.RequestStatusReviewApproved,
	),
	domain.RequestStatusAssigned: toSet(
		domain.RequestStatusReviewApproved,
		domain.RequestStatusReviewApprovedWithCondition,
		domain.RequestStatusReviewRejected,
	),
	domain.RequestStatusReviewApprovedWithCondition: toSet[domain.PermissionRequestStatus](),
	domain.RequestStatusReviewApproved:              toSet[domain.PermissionRequestStatus](),
	domain.RequestStatusReviewRejected:              toSet[domain.PermissionRequestStatus](),
}

var validResolveStatuses = toSet(
	domain.ResolveAccepted,
	domain.ResolveRejected,
	domain.ResolveCancelled,
	domain.ResolveDropped,
)

func (requestTransitionRule) Name() string { return requestTransitionRuleName }

func (requestTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	block := func(id, format string, args ...any) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     requestTransitionRuleName,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf(format, args...),
			Entity:   domain.EntityPermissionRequest,
			EntityID: id,
		})
	}
	for _, change := range changes {
		if change.Entity != domain.EntityPermissionRequest || change.Forced {
			continue
		}
		after, ok := domain.DecodeChangePayload[domain.PermissionRequest](change.After)
		if !ok {
			continue
		}
		if _, known := requestMachine[after.Status]; !known {
			block(after.ID, "permission request %s is set to invalid status %s", after.ID, after.Status)
			continue
		}
		if after.ResolveStatus != nil {
			if _, valid := validResolveStatuses[*after.ResolveStatus]; !valid {
				block(after.ID, "permission request %s is set to invalid resolve status %s", after.ID, *after.ResolveStatus)
				continue
			}
		}

		before, ok := domain.DecodeChangePayload[domain.PermissionRequest](change.Before)
		if !ok {
			if change.Action == domain.ActionCreate && after.Status != domain.RequestStatusPending {
				block(after.ID, "permission request %s must be created pending, got %s", after.ID, after.Status)
			}
			if change.Action == domain.ActionCreate && after.ResolveStatus != nil {
				block(after.ID, "permission request %s cannot be created resolved", after.ID)
			}
			continue
		}

		if before.Status != after.Status {
			if _, allowed := requestMachine[before.Status][after.Status]; !allowed {
				block(after.ID, "cannot move permission request %s from %s to %s", after.ID, before.Status, after.Status)
			}
		}

		switch {
		case before.ResolveStatus != nil:
			if after.ResolveStatus == nil || *after.ResolveStatus != *before.ResolveStatus {
				block(after.ID, "permission request %s is already resolved as %s", after.ID, *before.ResolveStatus)
			}
		case after.ResolveStatus != nil:
			switch *after.ResolveStatus {
			case domain.ResolveAccepted:
				if after.Status != domain.RequestStatusReviewApproved && after.Status != domain.RequestStatusReviewApprovedWithCondition {
					block(after.ID, "permission request %s cannot be accepted from %s", after.ID, after.Status)
				}
			case domain.ResolveRejected:
				if !after.Status.IsReviewed() {
					block(after.ID, "permission request %s cannot be rejected before review", after.ID)
				}
			}
		}
	}
	return res, nil
}

func toSet[T comparable](values ...T) map[T]struct{} {
	set := make(map[T]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
