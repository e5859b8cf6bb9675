// Package domain defines the persistent entities, value types, and rule
// evaluation primitives used by permitcore.
package domain

import (
	"slices"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityRule identifies a rule (an ordered bundle of rule blocks).
	EntityRule EntityType = "rule"
	// EntityRuleBlock identifies a single typed rule assertion.
	EntityRuleBlock EntityType = "rule_block"
	// EntitySpace identifies a managed physical space.
	EntitySpace EntityType = "space"
	// EntitySpaceEvent identifies a proposed activity inside a space.
	EntitySpaceEvent EntityType = "space_event"
	// EntitySpacePermissioner identifies a reviewer delegated by a space.
	EntitySpacePermissioner EntityType = "space_permissioner"
	// EntityPermissionRequest identifies one decision workflow instance.
	EntityPermissionRequest EntityType = "permission_request"
	// EntityPermissionResponse identifies one reviewer's vote.
	EntityPermissionResponse EntityType = "permission_response"
	// EntitySpaceApprovedRule identifies a cached approved event rule.
	EntitySpaceApprovedRule EntityType = "space_approved_rule"
	// EntityNotification identifies a notification intent in the outbox.
	EntityNotification EntityType = "notification"
)

// RuleTarget names what a rule governs.
type RuleTarget string

// Rule targets.
const (
	RuleTargetSpace      RuleTarget = "space"
	RuleTargetSpaceEvent RuleTarget = "space_event"
)

// PermissionRequestStatus tracks the review pipeline of a request.
type PermissionRequestStatus string

// Review pipeline states.
const (
	RequestStatusPending                     PermissionRequestStatus = "pending"
	RequestStatusQueued                      PermissionRequestStatus = "queued"
	RequestStatusAssigned                    PermissionRequestStatus = "assigned"
	RequestStatusAssignFailed                PermissionRequestStatus = "assign_failed"
	RequestStatusReviewApproved              PermissionRequestStatus = "review_approved"
	RequestStatusReviewApprovedWithCondition PermissionRequestStatus = "review_approved_with_condition"
	RequestStatusReviewRejected              PermissionRequestStatus = "review_rejected"
)

// IsReviewed reports whether the status is one of the reached-review states.
func (s PermissionRequestStatus) IsReviewed() bool {
	switch s {
	case RequestStatusReviewApproved, RequestStatusReviewApprovedWithCondition, RequestStatusReviewRejected:
		return true
	}
	return false
}

// ResolveStatus is the terminal outcome axis of a request. It is set once.
type ResolveStatus string

// Terminal outcomes.
const (
	ResolveAccepted  ResolveStatus = "resolve_accepted"
	ResolveRejected  ResolveStatus = "resolve_rejected"
	ResolveCancelled ResolveStatus = "resolve_cancelled"
	ResolveDropped   ResolveStatus = "resolve_dropped"
)

// ProcessType distinguishes the kinds of decision workflows.
type ProcessType string

// Workflow kinds.
const (
	ProcessSpaceEvent               ProcessType = "space_event"
	ProcessSpaceRuleChange          ProcessType = "space_rule_change"
	ProcessSpaceEventRulePreApprove ProcessType = "space_event_rule_pre_approve"
)

// PermissionResponseStatus is a single reviewer's vote state.
type PermissionResponseStatus string

// Vote states. Everything except pending is terminal.
const (
	ResponseStatusPending               PermissionResponseStatus = "pending"
	ResponseStatusApproved              PermissionResponseStatus = "approved"
	ResponseStatusApprovedWithCondition PermissionResponseStatus = "approved_with_condition"
	ResponseStatusRejected              PermissionResponseStatus = "rejected"
	ResponseStatusAbstention            PermissionResponseStatus = "abstention"
	ResponseStatusTimeout               PermissionResponseStatus = "timeout"
)

// IsReviewed reports whether the response counts as a reviewed vote.
func (s PermissionResponseStatus) IsReviewed() bool {
	switch s {
	case ResponseStatusApproved, ResponseStatusApprovedWithCondition, ResponseStatusRejected, ResponseStatusAbstention:
		return true
	}
	return false
}

// SpaceEventStatus tracks the event's permission state.
type SpaceEventStatus string

// Event states touched by the decision engine.
const (
	EventStatusDraft               SpaceEventStatus = "draft"
	EventStatusPermissionRequested SpaceEventStatus = "permission_requested"
	EventStatusPermissionGranted   SpaceEventStatus = "permission_granted"
	EventStatusPermissionRejected  SpaceEventStatus = "permission_rejected"
	EventStatusCancelled           SpaceEventStatus = "cancelled"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleBlock is a typed, content-encoded assertion. Its content grammar is
// fixed by Type and validated on creation.
type RuleBlock struct {
	Base
	Type     RuleBlockType `json:"type"`
	Content  string        `json:"content"`
	AuthorID string        `json:"author_id"`
	Hash     string        `json:"hash"`
}

// Rule is a named, hashable bundle of rule blocks. Rules are never mutated
// once created; changes produce a fork.
type Rule struct {
	Base
	Name       string      `json:"name"`
	Hash       string      `json:"hash"`
	PublicHash string      `json:"public_hash"`
	AuthorID   string      `json:"author_id"`
	Target     RuleTarget  `json:"target"`
	ParentID   *string     `json:"parent_id,omitempty"`
	Blocks     []RuleBlock `json:"blocks"`
}

// BlocksOfType returns the blocks of the requested type in rule order.
func (r Rule) BlocksOfType(t RuleBlockType) []RuleBlock {
	var out []RuleBlock
	for _, b := range r.Blocks {
		if b.Type == t {
			out = append(out, b)
		}
	}
	return out
}

// FirstBlock returns the first block of the given type.
func (r Rule) FirstBlock(t RuleBlockType) (RuleBlock, bool) {
	for _, b := range r.Blocks {
		if b.Type == t {
			return b, true
		}
	}
	return RuleBlock{}, false
}

// Space is a managed physical location.
type Space struct {
	Base
	Name              string   `json:"name"`
	OwnerID           string   `json:"owner_id"`
	RuleID            string   `json:"rule_id"`
	Timezone          string   `json:"timezone,omitempty"`
	DesiredTopicIDs   []string `json:"desired_topic_ids,omitempty"`
	ForbiddenTopicIDs []string `json:"forbidden_topic_ids,omitempty"`
}

// Location returns the space's time zone, UTC when unset or unknown.
func (s Space) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SpaceEvent is a proposed activity inside a space.
type SpaceEvent struct {
	Base
	SpaceID           string           `json:"space_id"`
	OrganizerID       string           `json:"organizer_id"`
	RuleID            string           `json:"rule_id"`
	Title             string           `json:"title"`
	Status            SpaceEventStatus `json:"status"`
	StartsAt          time.Time        `json:"starts_at"`
	Duration          time.Duration    `json:"duration"`
	TopicIDs          []string         `json:"topic_ids,omitempty"`
	ExpectedAttendees int              `json:"expected_attendees,omitempty"`
	RequiredEquipment []string         `json:"required_equipment,omitempty"`
}

// EndsAt returns the exclusive end of the event window.
func (e SpaceEvent) EndsAt() time.Time {
	return e.StartsAt.Add(e.Duration)
}

// SpacePermissioner is a user eligible to vote for a space.
type SpacePermissioner struct {
	Base
	SpaceID   string `json:"space_id"`
	UserID    string `json:"user_id"`
	InviterID string `json:"inviter_id"`
	IsActive  bool   `json:"is_active"`
}

// PermissionRequest is one decision workflow instance.
type PermissionRequest struct {
	Base
	SpaceID          string                  `json:"space_id"`
	SpaceEventID     *string                 `json:"space_event_id,omitempty"`
	SpaceRuleID      string                  `json:"space_rule_id"`
	SpaceEventRuleID string                  `json:"space_event_rule_id,omitempty"`
	UserID           string                  `json:"user_id"`
	Status           PermissionRequestStatus `json:"status"`
	ResolveStatus    *ResolveStatus          `json:"resolve_status,omitempty"`
	ResolveDetails   *string                 `json:"resolve_details,omitempty"`
	PermissionCode   *string                 `json:"permission_code,omitempty"`
	ProcessType      ProcessType             `json:"process_type"`
}

// IsResolved reports whether the terminal outcome has been written.
func (r PermissionRequest) IsResolved() bool {
	return r.ResolveStatus != nil
}

// PermissionResponse is one reviewer's vote on a request.
type PermissionResponse struct {
	Base
	PermissionRequestID string                   `json:"permission_request_id"`
	SpacePermissionerID string                   `json:"space_permissioner_id"`
	Status              PermissionResponseStatus `json:"status"`
	Conditions          []string                 `json:"conditions,omitempty"`
	Excitements         []string                 `json:"excitements,omitempty"`
	Worries             []string                 `json:"worries,omitempty"`
	TimeoutAt           time.Time                `json:"timeout_at"`
}

// ResponsePayload carries a reviewer's free-form feedback.
type ResponsePayload struct {
	Conditions  []string `json:"conditions,omitempty"`
	Excitements []string `json:"excitements,omitempty"`
	Worries     []string `json:"worries,omitempty"`
}

// SpaceApprovedRule caches an approved event rule for a space.
type SpaceApprovedRule struct {
	Base
	SpaceID             string `json:"space_id"`
	RuleID              string `json:"rule_id"`
	PublicHash          string `json:"public_hash"`
	PermissionRequestID string `json:"permission_request_id"`
	IsActive            bool   `json:"is_active"`
	UtilizationCount    int    `json:"utilization_count"`
}

// Notification is a structured intent consumed by an external pipeline.
type Notification struct {
	Base
	UserID              string            `json:"user_id"`
	TemplateName        string            `json:"template_name"`
	Params              map[string]string `json:"params,omitempty"`
	PermissionRequestID string            `json:"permission_request_id,omitempty"`
	DeliveredAt         *time.Time        `json:"delivered_at,omitempty"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before ChangePayload
	After  ChangePayload
	// Forced marks an administrative override that bypasses set-once guards.
	Forced bool
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	if len(e.Result.Violations) == 0 {
		return "transaction blocked by rules"
	}
	return "transaction blocked by rules: " + e.Result.Violations[0].Message
}

// SharesAny reports whether a and b have at least one element in common.
func SharesAny(a, b []string) bool {
	for _, v := range a {
		if slices.Contains(b, v) {
			return true
		}
	}
	return false
}
