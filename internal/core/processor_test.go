package core

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"permitcore/pkg/domain"
)

func TestEventRequestAssignsEveryActivePermissioner(t *testing.T) {
	e := newTestEnv(t, envConfig{})
	event := e.newEvent(nil)
	req := e.requestEvent(event)
	if req.Status != domain.RequestStatusQueued {
		t.Fatalf("expected queued after enqueue, got %s", req.Status)
	}
	if got := e.event(event.ID).Status; got != domain.EventStatusPermissionRequested {
		t.Fatalf("expected event permission_requested, got %s", got)
	}
	e.mustDrain()

	req, responses := e.request(req.ID)
	if req.Status != domain.RequestStatusAssigned || req.IsResolved() {
		t.Fatalf("expected assigned and unresolved, got %s %v", req.Status, req.ResolveStatus)
	}
	if len(responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(responses))
	}
	want := monday08.Add(24 * time.Hour)
	for _, r := range responses {
		if r.Status != domain.ResponseStatusPending || !r.TimeoutAt.Equal(want) {
			t.Fatalf("unexpected response %+v", r)
		}
	}
	if n := len(e.notifications(req.ID, TemplateReviewRequested)); n != 3 {
		t.Fatalf("expected 3 review requests, got %d", n)
	}
	if n := e.queue.count(NotificationQueue, KindDispatchNotification); n != 3 {
		t.Fatalf("expected 3 dispatches, got %d", n)
	}
}

func TestSecondOpenRequestRejected(t *testing.T) {
	e := newTestEnv(t, envConfig{})
	event := e.newEvent(nil)
	e.requestEvent(event)
	if _, _, err := e.svc.RequestEventPermission(e.ctx, event.ID, "organizer"); err == nil {
		t.Fatalf("expected open request error")
	}
}

func TestAutoApprovalShortCircuit(t *testing.T) {
	e := newTestEnv(t, envConfig{})
	_, err := e.store.RunInTransaction(e.ctx, func(tx domain.Transaction) error {
		_, err := tx.UpsertApprovedRule(domain.SpaceApprovedRule{SpaceID: e.space.ID, RuleID: e.eventRule.ID, PermissionRequestID: "earlier", IsActive: true})
		return err
	})
	if err != nil {
		t.Fatalf("seed approved rule: %v", err)
	}
	event := e.newEvent(nil)
	req := e.requestEvent(event)

	p := e.svc.Processor()
	if err := p.Handle(e.ctx, CreatedJob(req)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	req, responses := e.request(req.ID)
	if len(responses) != 0 {
		t.Fatalf("expected no responses, got %d", len(responses))
	}
	if req.Status != domain.RequestStatusReviewApproved || req.ResolveStatus == nil || *req.ResolveStatus != domain.ResolveAccepted {
		t.Fatalf("expected review_approved/resolve_accepted, got %s %v", req.Status, req.ResolveStatus)
	}
	if req.PermissionCode == nil || *req.PermissionCode == "" {
		t.Fatalf("expected permission code")
	}
	if got := e.event(event.ID).Status; got != domain.EventStatusPermissionGranted {
		t.Fatalf("expected event granted, got %s", got)
	}
	_ = e.store.View(e.ctx, func(v domain.TransactionView) error {
		row, ok := v.FindApprovedRule(e.space.ID, e.eventRule.PublicHash)
		if !ok || row.UtilizationCount != 1 || row.PermissionRequestID != "earlier" {
			t.Fatalf("expected utilization bump on cached row, got %+v", row)
		}
		return nil
	})
	if len(e.notifications(req.ID, TemplateAutoApproved)) != 1 || len(e.notifications(req.ID, TemplateAutoApprovedNotice)) != 1 {
		t.Fatalf("expected auto approval notifications")
	}
	if len(e.decisions.outcomes) != 1 || e.decisions.outcomes[0] != OutcomeAutoApproved {
		t.Fatalf("unexpected decisions %v", e.decisions.outcomes)
	}

	// Redelivery is a no-op.
	if err := p.Handle(e.ctx, CreatedJob(req)); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if len(e.notifications(req.ID, "")) != 2 {
		t.Fatalf("redelivery produced notifications")
	}
}

func TestDesiredTopicAutoApproves(t *testing.T) {
	e := newTestEnv(t, envConfig{desired: []string{"music"}})
	event := e.newEvent(func(ev *domain.SpaceEvent) { ev.TopicIDs = []string{"music"} })
	req := e.requestEvent(event)
	e.mustDrain()
	req, responses := e.request(req.ID)
	if req.Status != domain.RequestStatusReviewApproved || len(responses) != 0 {
		t.Fatalf("expected auto approval, got %s with %d responses", req.Status, len(responses))
	}
	_ = e.store.View(e.ctx, func(v domain.TransactionView) error {
		row, ok := v.FindApprovedRule(e.space.ID, e.eventRule.PublicHash)
		if !ok || row.PermissionRequestID != req.ID || row.UtilizationCount != 0 {
			t.Fatalf("expected approved rule cached for request, got %+v", row)
		}
		return nil
	})
}

func TestForbiddenTopicOverridesDesired(t *testing.T) {
	e := newTestEnv(t, envConfig{desired: []string{"music"}, forbidden: []string{"fire"}})
	event := e.newEvent(func(ev *domain.SpaceEvent) { ev.TopicIDs = []string{"music", "fire"} })
	req := e.requestEvent(event)
	e.mustDrain()
	req, responses := e.request(req.ID)
	if req.Status != domain.RequestStatusAssigned || len(responses) != 3 {
		t.Fatalf("expected manual review, got %s with %d responses", req.Status, len(responses))
	}
}

func TestRuleChangeNeverAutoApproves(t *testing.T) {
	e := newTestEnv(t, envConfig{})
	var proposed domain.Rule
	_, err := e.store.RunInTransaction(e.ctx, func(tx domain.Transaction) error {
		var err error
		proposed, err = tx.CreateRule(domain.Rule{Name: "stricter", Target: domain.RuleTargetSpace, Blocks: []domain.RuleBlock{
			{Type: domain.BlockSpaceConsentMethod, Content: "is_100_yes"},
		}})
		return err
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	req, _, err := e.svc.RequestRuleChange(e.ctx, e.space.ID, proposed.ID, "owner")
	if err != nil {
		t.Fatalf("request rule change: %v", err)
	}
	e.mustDrain()
	_, responses := e.request(req.ID)
	if len(responses) != 3 {
		t.Fatalf("expected manual review, got %d responses", len(responses))
	}

	// Judged by the current over_50_yes rule, not the proposed is_100_yes.
	e.review(responses[0], domain.ResponseStatusApproved, domain.ResponsePayload{})
	e.review(responses[1], domain.ResponseStatusApproved, domain.ResponsePayload{})
	e.review(responses[2], domain.ResponseStatusRejected, domain.ResponsePayload{})
	e.mustDrain()

	req, _ = e.request(req.ID)
	if req.ResolveStatus == nil || *req.ResolveStatus != domain.ResolveAccepted {
		t.Fatalf("expected accepted, got %v", req.ResolveStatus)
	}
	_ = e.store.View(e.ctx, func(v domain.TransactionView) error {
		space, _ := v.FindSpace(e.space.ID)
		if space.RuleID != proposed.ID {
			t.Fatalf("expected space rule %s, got %s", proposed.ID, space.RuleID)
		}
		return nil
	})
}

func TestPreApprovalRegistersApprovedRule(t *testing.T) {
	e := newTestEnv(t, envConfig{permissioners: 1})
	req, _, err := e.svc.RequestEventRulePreApproval(e.ctx, e.space.ID, e.eventRule.ID, "organizer")
	if err != nil {
		t.Fatalf("request pre-approval: %v", err)
	}
	e.mustDrain()
	_, responses := e.request(req.ID)
	if len(responses) != 1 {
		t.Fatalf("expected one response, got %d", len(responses))
	}
	e.review(responses[0], domain.ResponseStatusApproved, domain.ResponsePayload{})
	e.mustDrain()

	_ = e.store.View(e.ctx, func(v domain.TransactionView) error {
		if _, ok := v.FindApprovedRule(e.space.ID, e.eventRule.PublicHash); !ok {
			t.Fatalf("expected approved rule after pre-approval")
		}
		return nil
	})

	// A later event carrying the same rule skips the vote.
	event := e.newEvent(nil)
	later := e.requestEvent(event)
	e.mustDrain()
	later, responses = e.request(later.ID)
	if later.Status != domain.RequestStatusReviewApproved || len(responses) != 0 {
		t.Fatalf("expected auto approval, got %s with %d responses", later.Status, len(responses))
	}
}

func TestFinalizeWhenAllReviewedIsIdempotent(t *testing.T) {
	e := newTestEnv(t, envConfig{permissioners: 4})
	event := e.newEvent(nil)
	req := e.requestEvent(event)
	e.mustDrain()
	_, responses := e.request(req.ID)

	e.review(responses[0], domain.ResponseStatusApproved, domain.ResponsePayload{Excitements: []string{"great"}})
	e.review(responses[1], domain.ResponseStatusApproved, domain.ResponsePayload{})
	e.review(responses[2], domain.ResponseStatusApproved, domain.ResponsePayload{})
	e.mustDrain()
	if r, _ := e.request(req.ID); r.Status != domain.RequestStatusAssigned {
		t.Fatalf("expected still assigned with one pending vote, got %s", r.Status)
	}
	e.review(responses[3], domain.ResponseStatusRejected, domain.ResponsePayload{Worries: []string{"noise"}})
	e.mustDrain()

	req, _ = e.request(req.ID)
	if req.Status != domain.RequestStatusReviewApproved || req.ResolveStatus == nil || *req.ResolveStatus != domain.ResolveAccepted {
		t.Fatalf("expected approved and accepted, got %s %v", req.Status, req.ResolveStatus)
	}
	if got := e.event(event.ID).Status; got != domain.EventStatusPermissionGranted {
		t.Fatalf("expected event granted, got %s", got)
	}
	if n := len(e.notifications(req.ID, TemplateResolved)); n != 4 {
		t.Fatalf("expected 4 resolved notices, got %d", n)
	}
	before := len(e.notifications(req.ID, ""))
	code := *req.PermissionCode

	p := e.svc.Processor()
	for _, job := range []Job{ResponseReviewCompleted{Request: req.ID}, ResponseReviewed{Request: req.ID}, RequestResolved{Request: req.ID}} {
		if err := p.Handle(e.ctx, job); err != nil {
			t.Fatalf("rerun %s: %v", job.Kind(), err)
		}
	}
	after, _ := e.request(req.ID)
	if after.Status != req.Status || *after.ResolveStatus != *req.ResolveStatus || *after.PermissionCode != code {
		t.Fatalf("rerun changed request: %+v", after)
	}
	if n := len(e.notifications(req.ID, "")); n != before {
		t.Fatalf("rerun added notifications: %d -> %d", before, n)
	}
	if len(e.decisions.outcomes) != 1 || e.decisions.outcomes[0] != OutcomeApproved {
		t.Fatalf("unexpected decisions %v", e.decisions.outcomes)
	}
}

func TestRejectedConsentRejectsEvent(t *testing.T) {
	e := newTestEnv(t, envConfig{permissioners: 2, spaceBlocks: []domain.RuleBlock{
		{Type: domain.BlockSpaceConsentMethod, Content: "over_75_yes"},
	}})
	event := e.newEvent(nil)
	req := e.requestEvent(event)
	e.mustDrain()
	_, responses := e.request(req.ID)
	e.review(responses[0], domain.ResponseStatusApproved, domain.ResponsePayload{})
	e.review(responses[1], domain.ResponseStatusRejected, domain.ResponsePayload{})
	e.mustDrain()

	req, _ = e.request(req.ID)
	if req.Status != domain.RequestStatusReviewRejected || *req.ResolveStatus != domain.ResolveRejected {
		t.Fatalf("expected rejected, got %s %v", req.Status, req.ResolveStatus)
	}
	if got := e.event(event.ID).Status; got != domain.EventStatusPermissionRejected {
		t.Fatalf("expected event rejected, got %s", got)
	}
	if len(e.notifications(req.ID, TemplateRejected)) != 1 {
		t.Fatalf("expected rejection notice")
	}
}

func TestConditionalApprovalWaitsForRequester(t *testing.T) {
	e := newTestEnv(t, envConfig{permissioners: 2})
	event := e.newEvent(nil)
	req := e.requestEvent(event)
	e.mustDrain()
	_, responses := e.request(req.ID)
	e.review(responses[0], domain.ResponseStatusApprovedWithCondition, domain.ResponsePayload{Conditions: []string{"end by 22:00"}})
	e.review(responses[1], domain.ResponseStatusApproved, domain.ResponsePayload{})
	e.mustDrain()

	req, _ = e.request(req.ID)
	if req.Status != domain.RequestStatusReviewApprovedWithCondition || req.IsResolved() {
		t.Fatalf("expected conditional approval awaiting requester, got %s %v", req.Status, req.ResolveStatus)
	}
	if got := e.event(event.ID).Status; got != domain.EventStatusPermissionRequested {
		t.Fatalf("event must wait for the requester, got %s", got)
	}

	if _, _, err := e.svc.ResolveRequest(e.ctx, req.ID, domain.ResolveAccepted, ResolveOptions{Details: "conditions accepted"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	e.mustDrain()
	if got := e.event(event.ID).Status; got != domain.EventStatusPermissionGranted {
		t.Fatalf("expected event granted, got %s", got)
	}
	req, _ = e.request(req.ID)
	if req.ResolveDetails == nil || *req.ResolveDetails != "conditions accepted" {
		t.Fatalf("expected resolve details, got %v", req.ResolveDetails)
	}
	if req.PermissionCode == nil || *req.PermissionCode == "" {
		t.Fatalf("accepting the conditions must issue a permission code")
	}
}

func TestWithdrawnConditionalApprovalHasNoPermissionCode(t *testing.T) {
	e := newTestEnv(t, envConfig{permissioners: 1})
	event := e.newEvent(nil)
	req := e.requestEvent(event)
	e.mustDrain()
	_, responses := e.request(req.ID)
	e.review(responses[0], domain.ResponseStatusApprovedWithCondition, domain.ResponsePayload{Conditions: []string{"no amplifiers"}})
	e.mustDrain()

	if _, _, err := e.svc.ResolveRequest(e.ctx, req.ID, domain.ResolveCancelled, ResolveOptions{}); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	e.mustDrain()
	if r, _ := e.request(req.ID); r.PermissionCode != nil {
		t.Fatalf("cancelled request got permission code %q", *r.PermissionCode)
	}
}

func TestTimeoutForcesResolution(t *testing.T) {
	e := newTestEnv(t, envConfig{permissioners: 3})
	event := e.newEvent(nil)
	req := e.requestEvent(event)
	e.mustDrain()
	_, responses := e.request(req.ID)
	e.review(responses[0], domain.ResponseStatusApproved, domain.ResponsePayload{})
	e.mustDrain()
	if r, _ := e.request(req.ID); r.Status != domain.RequestStatusAssigned {
		t.Fatalf("expected assigned before timeout, got %s", r.Status)
	}

	e.clock.Advance(25 * time.Hour)
	if err := e.svc.Processor().Handle(e.ctx, ResponseReviewCompleted{Request: req.ID}); err != nil {
		t.Fatalf("review completed: %v", err)
	}
	req, responses = e.request(req.ID)
	timedOut := 0
	for _, r := range responses {
		if r.Status == domain.ResponseStatusTimeout {
			timedOut++
		}
	}
	if timedOut != 2 {
		t.Fatalf("expected 2 timed out responses, got %d", timedOut)
	}
	if req.ResolveStatus == nil || *req.ResolveStatus != domain.ResolveAccepted {
		t.Fatalf("expected accepted on the single reviewed vote, got %v", req.ResolveStatus)
	}

	// A late vote is refused.
	if _, _, err := e.svc.SubmitReview(e.ctx, responses[1].ID, e.reviewerOf(responses[1]), domain.ResponseStatusRejected, domain.ResponsePayload{}); !errors.Is(err, ErrReviewClosed) {
		t.Fatalf("expected review closed, got %v", err)
	}
}

func TestZeroParticipationRejectsWithWarning(t *testing.T) {
	e := newTestEnv(t, envConfig{permissioners: 2})
	event := e.newEvent(nil)
	req := e.requestEvent(event)
	e.mustDrain()
	e.clock.Advance(48 * time.Hour)
	if err := e.svc.Processor().Handle(e.ctx, ResponseReviewCompleted{Request: req.ID}); err != nil {
		t.Fatalf("review completed: %v", err)
	}
	req, _ = e.request(req.ID)
	if req.Status != domain.RequestStatusReviewRejected || *req.ResolveStatus != domain.ResolveRejected {
		t.Fatalf("expected rejection, got %s %v", req.Status, req.ResolveStatus)
	}
	if !e.logger.has("warn", "no reviewed responses, treating as no consent") {
		t.Fatalf("expected warning for zero participation")
	}
}

func TestReviewCompletedBeforeTimeoutIsNoop(t *testing.T) {
	e := newTestEnv(t, envConfig{})
	event := e.newEvent(nil)
	req := e.requestEvent(event)
	e.mustDrain()
	if err := e.svc.Processor().Handle(e.ctx, ResponseReviewCompleted{Request: req.ID}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	req, responses := e.request(req.ID)
	if req.Status != domain.RequestStatusAssigned {
		t.Fatalf("expected assigned, got %s", req.Status)
	}
	for _, r := range responses {
		if r.Status != domain.ResponseStatusPending {
			t.Fatalf("response changed early: %s", r.Status)
		}
	}
}

func TestExceptionForkRoundTrip(t *testing.T) {
	e := newTestEnv(t, envConfig{spaceBlocks: []domain.RuleBlock{
		{Type: domain.BlockSpaceConsentMethod, Content: "over_50_yes"},
		{Type: domain.BlockSpaceAvailabilityUnit, Content: "1h"},
		{Type: domain.BlockSpaceMaxAvailabilityUnitCnt, Content: "2"},
	}})
	event := e.newEvent(func(ev *domain.SpaceEvent) { ev.Duration = 3 * time.Hour })
	req := e.requestEvent(event)
	e.mustDrain()

	req, responses := e.request(req.ID)
	if req.Status != domain.RequestStatusAssigned || len(responses) != 3 {
		t.Fatalf("exceptions must force manual review, got %s", req.Status)
	}
	if req.SpaceEventRuleID == e.eventRule.ID {
		t.Fatalf("expected request to point at the fork")
	}
	if got := e.event(event.ID).RuleID; got != req.SpaceEventRuleID {
		t.Fatalf("event rule %s does not match request rule %s", got, req.SpaceEventRuleID)
	}

	state := e.store.ExportState()
	fork := state.Rules[req.SpaceEventRuleID]
	if fork.ParentID == nil || *fork.ParentID != e.eventRule.ID || fork.Name != e.eventRule.Name {
		t.Fatalf("unexpected fork lineage %+v", fork)
	}
	exceptions := fork.BlocksOfType(domain.BlockEventException)
	if len(exceptions) != 1 || len(fork.Blocks) != len(e.eventRule.Blocks)+1 {
		t.Fatalf("expected original blocks plus one exception, got %d blocks", len(fork.Blocks))
	}
	unitBlock, _ := e.spaceRule.FirstBlock(domain.BlockSpaceAvailabilityUnit)
	exc, err := domain.ParseException(exceptions[0].Content)
	if err != nil || exc.SourceHash != unitBlock.Hash || exc.DesiredValue != "3h" {
		t.Fatalf("unexpected exception %+v (%v)", exc, err)
	}
	if original := state.Rules[e.eventRule.ID]; len(original.Blocks) != len(e.eventRule.Blocks) || original.Hash != e.eventRule.Hash {
		t.Fatalf("source rule was modified")
	}

	// Evaluating again finds the existing exception and forks nothing.
	rulesBefore := len(state.Rules)
	_, err = e.store.RunInTransaction(e.ctx, func(tx domain.Transaction) error {
		current, _ := tx.FindPermissionRequest(req.ID)
		ev, err := EvaluateAutoApproval(tx, current)
		if err != nil {
			return err
		}
		if ev.Fork != nil || ev.Auto {
			t.Fatalf("unexpected second fork or auto approval: %+v", ev)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	if got := len(e.store.ExportState().Rules); got != rulesBefore {
		t.Fatalf("expected %d rules, got %d", rulesBefore, got)
	}
}

func TestEquipmentExceptionEscapesSeparator(t *testing.T) {
	e := newTestEnv(t, envConfig{spaceBlocks: []domain.RuleBlock{
		{Type: domain.BlockSpaceConsentMethod, Content: "over_50_yes"},
		{Type: domain.BlockSpaceEquipment, Content: "projector"},
	}})
	event := e.newEvent(func(ev *domain.SpaceEvent) { ev.RequiredEquipment = []string{"mixer^2ch"} })
	req := e.requestEvent(event)
	e.mustDrain()

	req, responses := e.request(req.ID)
	if req.Status != domain.RequestStatusAssigned || len(responses) != 3 {
		t.Fatalf("expected manual review, got %s with %d responses", req.Status, len(responses))
	}
	fork := e.store.ExportState().Rules[req.SpaceEventRuleID]
	exceptions := fork.BlocksOfType(domain.BlockEventException)
	if len(exceptions) != 1 {
		t.Fatalf("expected one exception, got %d", len(exceptions))
	}
	exc, err := domain.ParseException(exceptions[0].Content)
	if err != nil || exc.DesiredValue != "mixer-2ch" {
		t.Fatalf("unexpected exception %+v (%v)", exc, err)
	}
}

func TestPartialAssignmentFailure(t *testing.T) {
	e := newTestEnv(t, envConfig{
		permissioners: 3,
		wrap: func(s domain.PersistentStore) domain.PersistentStore {
			return failingStore{PersistentStore: s, failFor: "perm-2"}
		},
	})
	event := e.newEvent(nil)
	req := e.requestEvent(event)
	errs := e.drain()
	if len(errs) != 1 {
		t.Fatalf("expected the assignment job to fail once, got %v", errs)
	}

	req, responses := e.request(req.ID)
	if req.Status != domain.RequestStatusAssignFailed {
		t.Fatalf("expected assign_failed, got %s", req.Status)
	}
	if len(responses) != 1 || responses[0].SpacePermissionerID != "perm-1" || responses[0].Status != domain.ResponseStatusPending {
		t.Fatalf("expected only the response created before the failure, got %+v", responses)
	}
	if n := len(e.notifications(req.ID, TemplateReviewRequested)); n != 0 {
		t.Fatalf("expected no review requests, got %d", n)
	}
	failed := e.notifications(req.ID, TemplateAssignFailed)
	if len(failed) != 1 || failed[0].UserID != "organizer" {
		t.Fatalf("expected one assign_failed notice to the requester, got %+v", failed)
	}
	if !e.logger.has("error", "permission assignment failed") {
		t.Fatalf("expected assignment error log")
	}

	// A retry only adds what is missing and does not notify twice.
	if err := e.svc.Processor().Handle(e.ctx, CreatedJob(req)); err == nil {
		t.Fatalf("expected retry to fail again")
	}
	if _, responses = e.request(req.ID); len(responses) != 1 {
		t.Fatalf("retry duplicated responses: %d", len(responses))
	}
	if n := len(e.notifications(req.ID, TemplateAssignFailed)); n != 1 {
		t.Fatalf("expected a single assign_failed notice, got %d", n)
	}
}

func TestNoPermissionersEndsAssignFailed(t *testing.T) {
	e := newTestEnv(t, envConfig{permissioners: 1})
	if _, _, err := e.svc.SetPermissionerActive(e.ctx, "perm-1", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	event := e.newEvent(nil)
	req := e.requestEvent(event)
	e.mustDrain()
	req, _ = e.request(req.ID)
	if req.Status != domain.RequestStatusAssignFailed {
		t.Fatalf("expected assign_failed, got %s", req.Status)
	}
}

func TestAvailabilityViolationUsesSpaceTimezone(t *testing.T) {
	e := newTestEnv(t, envConfig{spaceBlocks: []domain.RuleBlock{
		{Type: domain.BlockSpaceAvailability, Content: "mon-09:00-17:00"},
	}})
	if _, _, err := e.svc.UpdateSpace(e.ctx, e.space.ID, func(s *domain.Space) error {
		s.Timezone = "America/New_York"
		return nil
	}); err != nil {
		t.Fatalf("update space: %v", err)
	}
	// 10:00 UTC is 06:00 in New York, outside the window.
	event := e.newEvent(nil)
	req := e.requestEvent(event)
	e.mustDrain()
	req, _ = e.request(req.ID)
	if req.SpaceEventRuleID == e.eventRule.ID {
		t.Fatalf("expected availability exception fork")
	}
}
