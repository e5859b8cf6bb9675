package domain

import "context"

// UpdateOptions tunes a single mutation.
type UpdateOptions struct {
	Force bool
}

// UpdateOption mutates UpdateOptions.
type UpdateOption func(*UpdateOptions)

// Forced marks an update as an administrative override. Forced changes are
// recorded on the Change so rules can let them past set-once guards.
func Forced() UpdateOption {
	return func(o *UpdateOptions) { o.Force = true }
}

// ApplyUpdateOptions folds opts into an UpdateOptions value.
func ApplyUpdateOptions(opts ...UpdateOption) UpdateOptions {
	var out UpdateOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	return out
}

// TransactionView provides read-only access to snapshot data for rules and
// evaluators.
type TransactionView interface {
	FindRule(id string) (Rule, bool)
	FindRuleBlock(id string) (RuleBlock, bool)
	ListRules() []Rule
	FindSpace(id string) (Space, bool)
	FindSpaceEvent(id string) (SpaceEvent, bool)
	FindSpacePermissioner(id string) (SpacePermissioner, bool)
	ListActivePermissioners(spaceID string) []SpacePermissioner
	FindPermissionRequest(id string) (PermissionRequest, bool)
	ListPermissionRequests() []PermissionRequest
	ListPermissionRequestsByStatus(status PermissionRequestStatus) []PermissionRequest
	FindPermissionResponse(id string) (PermissionResponse, bool)
	ListPermissionResponses(requestID string) []PermissionResponse
	FindApprovedRule(spaceID, publicHash string) (SpaceApprovedRule, bool)
	ListApprovedRules(spaceID string) []SpaceApprovedRule
	FindNotification(id string) (Notification, bool)
	ListNotifications(requestID string) []Notification
	ListUndeliveredNotifications() []Notification
}

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	TransactionView
	Snapshot() TransactionView

	// CreateRuleBlock validates content against its type grammar and
	// stamps the content hash.
	CreateRuleBlock(RuleBlock) (RuleBlock, error)
	// CreateRule resolves member blocks by id and computes both hashes.
	CreateRule(Rule) (Rule, error)
	// ForkRule copies a rule's blocks, appends extra blocks and stores the
	// result as a new rule. The source rule is left untouched.
	ForkRule(id, authorID, name string, extra ...RuleBlock) (Rule, error)

	CreateSpace(Space) (Space, error)
	UpdateSpace(id string, mutator func(*Space) error) (Space, error)
	CreateSpaceEvent(SpaceEvent) (SpaceEvent, error)
	UpdateSpaceEvent(id string, mutator func(*SpaceEvent) error) (SpaceEvent, error)
	CreateSpacePermissioner(SpacePermissioner) (SpacePermissioner, error)
	UpdateSpacePermissioner(id string, mutator func(*SpacePermissioner) error) (SpacePermissioner, error)

	CreatePermissionRequest(PermissionRequest) (PermissionRequest, error)
	UpdatePermissionRequest(id string, mutator func(*PermissionRequest) error, opts ...UpdateOption) (PermissionRequest, error)
	DeletePermissionRequest(id string) error
	CreatePermissionResponse(PermissionResponse) (PermissionResponse, error)
	UpdatePermissionResponse(id string, mutator func(*PermissionResponse) error) (PermissionResponse, error)

	// UpsertApprovedRule writes the (space, rule) cache row, last writer wins.
	UpsertApprovedRule(SpaceApprovedRule) (SpaceApprovedRule, error)

	CreateNotification(Notification) (Notification, error)
	MarkNotificationDelivered(id string) (Notification, error)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
