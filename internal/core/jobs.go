package core

import (
	"context"

	"permitcore/internal/queue"
	"permitcore/pkg/domain"
)

// Job is the closed set of decision workflow tasks. Each variant carries its
// own handler, so dispatch is by type and no kind can go unhandled.
type Job interface {
	queue.Message
	RequestID() string
	run(ctx context.Context, p *Processor) error
}

// Job kinds as they appear on the wire.
const (
	KindSpaceEventRequestCreated      = "spaceEventPermissionRequestCreated"
	KindSpaceRuleChangeRequestCreated = "spaceRuleChangePermissionRequestCreated"
	KindPreApproveRequestCreated      = "spaceEventRulePreApprovePermissionRequestCreated"
	KindResponseReviewed              = "permissionResponseReviewed"
	KindResponseReviewCompleted       = "permissionResponseReviewCompleted"
	KindRequestResolved               = "permissionRequestResolved"
	KindDispatchNotification          = "dispatchNotification"
)

// SpaceEventRequestCreated starts evaluation of an event permission request.
type SpaceEventRequestCreated struct {
	Request string `json:"permission_request_id"`
}

// SpaceRuleChangeRequestCreated starts review of a proposed space rule.
type SpaceRuleChangeRequestCreated struct {
	Request string `json:"permission_request_id"`
}

// PreApproveRequestCreated starts review of an event rule pre-approval.
type PreApproveRequestCreated struct {
	Request string `json:"permission_request_id"`
}

// ResponseReviewed follows a reviewer submission.
type ResponseReviewed struct {
	Request  string `json:"permission_request_id"`
	Response string `json:"permission_response_id"`
}

// ResponseReviewCompleted asks for finalization, typically after timeout.
type ResponseReviewCompleted struct {
	Request string `json:"permission_request_id"`
}

// RequestResolved applies the side effects of a resolve status.
type RequestResolved struct {
	Request string `json:"permission_request_id"`
}

func (SpaceEventRequestCreated) Kind() string      { return KindSpaceEventRequestCreated }
func (SpaceRuleChangeRequestCreated) Kind() string { return KindSpaceRuleChangeRequestCreated }
func (PreApproveRequestCreated) Kind() string      { return KindPreApproveRequestCreated }
func (ResponseReviewed) Kind() string              { return KindResponseReviewed }
func (ResponseReviewCompleted) Kind() string       { return KindResponseReviewCompleted }
func (RequestResolved) Kind() string               { return KindRequestResolved }

func (j SpaceEventRequestCreated) RequestID() string      { return j.Request }
func (j SpaceRuleChangeRequestCreated) RequestID() string { return j.Request }
func (j PreApproveRequestCreated) RequestID() string      { return j.Request }
func (j ResponseReviewed) RequestID() string              { return j.Request }
func (j ResponseReviewCompleted) RequestID() string       { return j.Request }
func (j RequestResolved) RequestID() string               { return j.Request }

func (j SpaceEventRequestCreated) run(ctx context.Context, p *Processor) error {
	return p.handleCreated(ctx, j.Request)
}

func (j SpaceRuleChangeRequestCreated) run(ctx context.Context, p *Processor) error {
	return p.handleCreated(ctx, j.Request)
}

func (j PreApproveRequestCreated) run(ctx context.Context, p *Processor) error {
	return p.handleCreated(ctx, j.Request)
}

func (j ResponseReviewed) run(ctx context.Context, p *Processor) error {
	return p.finalize(ctx, j.Request)
}

func (j ResponseReviewCompleted) run(ctx context.Context, p *Processor) error {
	return p.finalize(ctx, j.Request)
}

func (j RequestResolved) run(ctx context.Context, p *Processor) error {
	return p.handleResolved(ctx, j.Request)
}

// JobRegistry decodes every decision job kind.
func JobRegistry() *queue.Registry[Job] {
	reg := queue.NewRegistry[Job]()
	reg.Add(KindSpaceEventRequestCreated, queue.JSONDecoder[Job, SpaceEventRequestCreated]())
	reg.Add(KindSpaceRuleChangeRequestCreated, queue.JSONDecoder[Job, SpaceRuleChangeRequestCreated]())
	reg.Add(KindPreApproveRequestCreated, queue.JSONDecoder[Job, PreApproveRequestCreated]())
	reg.Add(KindResponseReviewed, queue.JSONDecoder[Job, ResponseReviewed]())
	reg.Add(KindResponseReviewCompleted, queue.JSONDecoder[Job, ResponseReviewCompleted]())
	reg.Add(KindRequestResolved, queue.JSONDecoder[Job, RequestResolved]())
	return reg
}

// CreatedJob returns the creation job matching the request's process type.
func CreatedJob(req domain.PermissionRequest) Job {
	switch req.ProcessType {
	case domain.ProcessSpaceRuleChange:
		return SpaceRuleChangeRequestCreated{Request: req.ID}
	case domain.ProcessSpaceEventRulePreApprove:
		return PreApproveRequestCreated{Request: req.ID}
	default:
		return SpaceEventRequestCreated{Request: req.ID}
	}
}

// DispatchNotification hands one outbox entry to the notification sink.
type DispatchNotification struct {
	Notification string `json:"notification_id"`
}

func (DispatchNotification) Kind() string { return KindDispatchNotification }

// NotificationRegistry decodes notification queue messages.
func NotificationRegistry() *queue.Registry[DispatchNotification] {
	reg := queue.NewRegistry[DispatchNotification]()
	reg.Add(KindDispatchNotification, queue.JSONDecoder[DispatchNotification, DispatchNotification]())
	return reg
}
