package memory

import (
	"fmt"
	"time"

	"permitcore/pkg/domain"
)

// transaction represents a mutation set applied to a cloned store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []domain.Change
	now     time.Time
}

func (tx *transaction) view() transactionView {
	return transactionView{state: &tx.state}
}

func (tx *transaction) record(entity domain.EntityType, action domain.Action, before, after any, forced bool) error {
	change := domain.Change{Entity: entity, Action: action, Forced: forced}
	if before != nil {
		payload, err := domain.NewChangePayloadFromValue(before)
		if err != nil {
			return fmt.Errorf("encode %s before: %w", entity, err)
		}
		change.Before = payload
	}
	if after != nil {
		payload, err := domain.NewChangePayloadFromValue(after)
		if err != nil {
			return fmt.Errorf("encode %s after: %w", entity, err)
		}
		change.After = payload
	}
	tx.changes = append(tx.changes, change)
	return nil
}

func (tx *transaction) stamp(base *domain.Base) {
	if base.ID == "" {
		base.ID = tx.store.newID()
	}
	base.CreatedAt = tx.now
	base.UpdatedAt = tx.now
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) FindRule(id string) (domain.Rule, bool) { return tx.view().FindRule(id) }
func (tx *transaction) FindRuleBlock(id string) (domain.RuleBlock, bool) {
	return tx.view().FindRuleBlock(id)
}
func (tx *transaction) ListRules() []domain.Rule                  { return tx.view().ListRules() }
func (tx *transaction) FindSpace(id string) (domain.Space, bool)   { return tx.view().FindSpace(id) }
func (tx *transaction) FindSpaceEvent(id string) (domain.SpaceEvent, bool) {
	return tx.view().FindSpaceEvent(id)
}
func (tx *transaction) FindSpacePermissioner(id string) (domain.SpacePermissioner, bool) {
	return tx.view().FindSpacePermissioner(id)
}
func (tx *transaction) ListActivePermissioners(spaceID string) []domain.SpacePermissioner {
	return tx.view().ListActivePermissioners(spaceID)
}
func (tx *transaction) FindPermissionRequest(id string) (domain.PermissionRequest, bool) {
	return tx.view().FindPermissionRequest(id)
}
func (tx *transaction) ListPermissionRequests() []domain.PermissionRequest {
	return tx.view().ListPermissionRequests()
}
func (tx *transaction) ListPermissionRequestsByStatus(status domain.PermissionRequestStatus) []domain.PermissionRequest {
	return tx.view().ListPermissionRequestsByStatus(status)
}
func (tx *transaction) FindPermissionResponse(id string) (domain.PermissionResponse, bool) {
	return tx.view().FindPermissionResponse(id)
}
func (tx *transaction) ListPermissionResponses(requestID string) []domain.PermissionResponse {
	return tx.view().ListPermissionResponses(requestID)
}
func (tx *transaction) FindApprovedRule(spaceID, publicHash string) (domain.SpaceApprovedRule, bool) {
	return tx.view().FindApprovedRule(spaceID, publicHash)
}
func (tx *transaction) ListApprovedRules(spaceID string) []domain.SpaceApprovedRule {
	return tx.view().ListApprovedRules(spaceID)
}
func (tx *transaction) FindNotification(id string) (domain.Notification, bool) {
	return tx.view().FindNotification(id)
}
func (tx *transaction) ListNotifications(requestID string) []domain.Notification {
	return tx.view().ListNotifications(requestID)
}
func (tx *transaction) ListUndeliveredNotifications() []domain.Notification {
	return tx.view().ListUndeliveredNotifications()
}

// CreateRuleBlock validates and stores a new rule block.
func (tx *transaction) CreateRuleBlock(b domain.RuleBlock) (domain.RuleBlock, error) {
	if _, err := domain.DecodeBlock(b.Type, b.Content); err != nil {
		return domain.RuleBlock{}, err
	}
	tx.stamp(&b.Base)
	if _, exists := tx.state.ruleBlocks[b.ID]; exists {
		return domain.RuleBlock{}, fmt.Errorf("rule block %q already exists", b.ID)
	}
	b.Hash = domain.BlockHash(b.Type, b.Content)
	tx.state.ruleBlocks[b.ID] = b
	if err := tx.record(domain.EntityRuleBlock, domain.ActionCreate, nil, b, false); err != nil {
		return domain.RuleBlock{}, err
	}
	return b, nil
}

// resolveBlocks returns stored copies of the referenced blocks, creating
// blocks that carry no id yet.
func (tx *transaction) resolveBlocks(authorID string, blocks []domain.RuleBlock) ([]domain.RuleBlock, error) {
	out := make([]domain.RuleBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.ID == "" {
			if b.AuthorID == "" {
				b.AuthorID = authorID
			}
			created, err := tx.CreateRuleBlock(b)
			if err != nil {
				return nil, err
			}
			out = append(out, created)
			continue
		}
		stored, ok := tx.state.ruleBlocks[b.ID]
		if !ok {
			return nil, fmt.Errorf("rule block %q not found", b.ID)
		}
		out = append(out, stored)
	}
	return out, nil
}

// CreateRule stores a rule after resolving its blocks and computing hashes.
func (tx *transaction) CreateRule(r domain.Rule) (domain.Rule, error) {
	switch r.Target {
	case domain.RuleTargetSpace, domain.RuleTargetSpaceEvent:
	default:
		return domain.Rule{}, fmt.Errorf("rule target %q is not supported", r.Target)
	}
	blocks, err := tx.resolveBlocks(r.AuthorID, r.Blocks)
	if err != nil {
		return domain.Rule{}, err
	}
	if r.ParentID != nil {
		if _, ok := tx.state.rules[*r.ParentID]; !ok {
			return domain.Rule{}, fmt.Errorf("parent rule %q not found", *r.ParentID)
		}
	}
	tx.stamp(&r.Base)
	if _, exists := tx.state.rules[r.ID]; exists {
		return domain.Rule{}, fmt.Errorf("rule %q already exists", r.ID)
	}
	r.Blocks = blocks
	r.Hash = domain.RuleHash(blocks)
	r.PublicHash = domain.PublicHash(blocks)
	tx.state.rules[r.ID] = cloneRule(r)
	if err := tx.record(domain.EntityRule, domain.ActionCreate, nil, r, false); err != nil {
		return domain.Rule{}, err
	}
	return cloneRule(r), nil
}

// ForkRule copies a rule's blocks plus extra into a new rule.
func (tx *transaction) ForkRule(id, authorID, name string, extra ...domain.RuleBlock) (domain.Rule, error) {
	source, ok := tx.state.rules[id]
	if !ok {
		return domain.Rule{}, fmt.Errorf("rule %q not found", id)
	}
	if name == "" {
		name = source.Name
	}
	blocks := make([]domain.RuleBlock, 0, len(source.Blocks)+len(extra))
	blocks = append(blocks, source.Blocks...)
	blocks = append(blocks, extra...)
	parent := id
	return tx.CreateRule(domain.Rule{
		Name:     name,
		AuthorID: authorID,
		Target:   source.Target,
		ParentID: &parent,
		Blocks:   blocks,
	})
}

// CreateSpace stores a new space.
func (tx *transaction) CreateSpace(s domain.Space) (domain.Space, error) {
	if s.RuleID != "" {
		if _, ok := tx.state.rules[s.RuleID]; !ok {
			return domain.Space{}, fmt.Errorf("rule %q not found", s.RuleID)
		}
	}
	tx.stamp(&s.Base)
	if _, exists := tx.state.spaces[s.ID]; exists {
		return domain.Space{}, fmt.Errorf("space %q already exists", s.ID)
	}
	tx.state.spaces[s.ID] = cloneSpace(s)
	if err := tx.record(domain.EntitySpace, domain.ActionCreate, nil, s, false); err != nil {
		return domain.Space{}, err
	}
	return cloneSpace(s), nil
}

// UpdateSpace mutates a space using the provided mutator function.
func (tx *transaction) UpdateSpace(id string, mutator func(*domain.Space) error) (domain.Space, error) {
	current, ok := tx.state.spaces[id]
	if !ok {
		return domain.Space{}, fmt.Errorf("space %q not found", id)
	}
	before := cloneSpace(current)
	if err := mutator(&current); err != nil {
		return domain.Space{}, err
	}
	if current.RuleID != before.RuleID {
		if _, ok := tx.state.rules[current.RuleID]; !ok {
			return domain.Space{}, fmt.Errorf("rule %q not found", current.RuleID)
		}
	}
	current.Base = domain.Base{ID: id, CreatedAt: before.CreatedAt, UpdatedAt: tx.now}
	tx.state.spaces[id] = cloneSpace(current)
	if err := tx.record(domain.EntitySpace, domain.ActionUpdate, before, current, false); err != nil {
		return domain.Space{}, err
	}
	return cloneSpace(current), nil
}

// CreateSpaceEvent stores a new event inside an existing space.
func (tx *transaction) CreateSpaceEvent(e domain.SpaceEvent) (domain.SpaceEvent, error) {
	if _, ok := tx.state.spaces[e.SpaceID]; !ok {
		return domain.SpaceEvent{}, fmt.Errorf("space %q not found", e.SpaceID)
	}
	if e.RuleID != "" {
		if _, ok := tx.state.rules[e.RuleID]; !ok {
			return domain.SpaceEvent{}, fmt.Errorf("rule %q not found", e.RuleID)
		}
	}
	if e.Status == "" {
		e.Status = domain.EventStatusDraft
	}
	tx.stamp(&e.Base)
	if _, exists := tx.state.events[e.ID]; exists {
		return domain.SpaceEvent{}, fmt.Errorf("space event %q already exists", e.ID)
	}
	tx.state.events[e.ID] = cloneEvent(e)
	if err := tx.record(domain.EntitySpaceEvent, domain.ActionCreate, nil, e, false); err != nil {
		return domain.SpaceEvent{}, err
	}
	return cloneEvent(e), nil
}

// UpdateSpaceEvent mutates an event using the provided mutator function.
func (tx *transaction) UpdateSpaceEvent(id string, mutator func(*domain.SpaceEvent) error) (domain.SpaceEvent, error) {
	current, ok := tx.state.events[id]
	if !ok {
		return domain.SpaceEvent{}, fmt.Errorf("space event %q not found", id)
	}
	before := cloneEvent(current)
	if err := mutator(&current); err != nil {
		return domain.SpaceEvent{}, err
	}
	if current.RuleID != before.RuleID && current.RuleID != "" {
		if _, ok := tx.state.rules[current.RuleID]; !ok {
			return domain.SpaceEvent{}, fmt.Errorf("rule %q not found", current.RuleID)
		}
	}
	current.Base = domain.Base{ID: id, CreatedAt: before.CreatedAt, UpdatedAt: tx.now}
	current.SpaceID = before.SpaceID
	tx.state.events[id] = cloneEvent(current)
	if err := tx.record(domain.EntitySpaceEvent, domain.ActionUpdate, before, current, false); err != nil {
		return domain.SpaceEvent{}, err
	}
	return cloneEvent(current), nil
}

// CreateSpacePermissioner stores a reviewer for a space.
func (tx *transaction) CreateSpacePermissioner(p domain.SpacePermissioner) (domain.SpacePermissioner, error) {
	if _, ok := tx.state.spaces[p.SpaceID]; !ok {
		return domain.SpacePermissioner{}, fmt.Errorf("space %q not found", p.SpaceID)
	}
	if p.UserID == "" {
		return domain.SpacePermissioner{}, fmt.Errorf("space permissioner requires a user id")
	}
	tx.stamp(&p.Base)
	if _, exists := tx.state.permissioners[p.ID]; exists {
		return domain.SpacePermissioner{}, fmt.Errorf("space permissioner %q already exists", p.ID)
	}
	tx.state.permissioners[p.ID] = p
	if err := tx.record(domain.EntitySpacePermissioner, domain.ActionCreate, nil, p, false); err != nil {
		return domain.SpacePermissioner{}, err
	}
	return p, nil
}

// UpdateSpacePermissioner mutates a permissioner, typically toggling IsActive.
func (tx *transaction) UpdateSpacePermissioner(id string, mutator func(*domain.SpacePermissioner) error) (domain.SpacePermissioner, error) {
	current, ok := tx.state.permissioners[id]
	if !ok {
		return domain.SpacePermissioner{}, fmt.Errorf("space permissioner %q not found", id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return domain.SpacePermissioner{}, err
	}
	current.Base = domain.Base{ID: id, CreatedAt: before.CreatedAt, UpdatedAt: tx.now}
	current.SpaceID = before.SpaceID
	tx.state.permissioners[id] = current
	if err := tx.record(domain.EntitySpacePermissioner, domain.ActionUpdate, before, current, false); err != nil {
		return domain.SpacePermissioner{}, err
	}
	return current, nil
}

// CreatePermissionRequest stores a new decision workflow instance.
func (tx *transaction) CreatePermissionRequest(r domain.PermissionRequest) (domain.PermissionRequest, error) {
	if _, ok := tx.state.spaces[r.SpaceID]; !ok {
		return domain.PermissionRequest{}, fmt.Errorf("space %q not found", r.SpaceID)
	}
	if r.SpaceEventID != nil {
		if _, ok := tx.state.events[*r.SpaceEventID]; !ok {
			return domain.PermissionRequest{}, fmt.Errorf("space event %q not found", *r.SpaceEventID)
		}
	}
	switch r.ProcessType {
	case domain.ProcessSpaceEvent, domain.ProcessSpaceRuleChange, domain.ProcessSpaceEventRulePreApprove:
	default:
		return domain.PermissionRequest{}, fmt.Errorf("process type %q is not supported", r.ProcessType)
	}
	if r.Status == "" {
		r.Status = domain.RequestStatusPending
	}
	tx.stamp(&r.Base)
	if _, exists := tx.state.requests[r.ID]; exists {
		return domain.PermissionRequest{}, fmt.Errorf("permission request %q already exists", r.ID)
	}
	tx.state.requests[r.ID] = cloneRequest(r)
	if err := tx.record(domain.EntityPermissionRequest, domain.ActionCreate, nil, r, false); err != nil {
		return domain.PermissionRequest{}, err
	}
	return cloneRequest(r), nil
}

// UpdatePermissionRequest mutates a request. Pass domain.Forced() for
// administrative overrides; the flag travels on the recorded change.
func (tx *transaction) UpdatePermissionRequest(id string, mutator func(*domain.PermissionRequest) error, opts ...domain.UpdateOption) (domain.PermissionRequest, error) {
	current, ok := tx.state.requests[id]
	if !ok {
		return domain.PermissionRequest{}, fmt.Errorf("permission request %q not found", id)
	}
	options := domain.ApplyUpdateOptions(opts...)
	before := cloneRequest(current)
	if err := mutator(&current); err != nil {
		return domain.PermissionRequest{}, err
	}
	current.Base = domain.Base{ID: id, CreatedAt: before.CreatedAt, UpdatedAt: tx.now}
	current.SpaceID = before.SpaceID
	current.ProcessType = before.ProcessType
	tx.state.requests[id] = cloneRequest(current)
	if err := tx.record(domain.EntityPermissionRequest, domain.ActionUpdate, before, current, options.Force); err != nil {
		return domain.PermissionRequest{}, err
	}
	return cloneRequest(current), nil
}

// DeletePermissionRequest removes a request that has no responses.
func (tx *transaction) DeletePermissionRequest(id string) error {
	current, ok := tx.state.requests[id]
	if !ok {
		return fmt.Errorf("permission request %q not found", id)
	}
	for _, resp := range tx.state.responses {
		if resp.PermissionRequestID == id {
			return fmt.Errorf("permission request %q still referenced by response %q", id, resp.ID)
		}
	}
	delete(tx.state.requests, id)
	return tx.record(domain.EntityPermissionRequest, domain.ActionDelete, current, nil, false)
}

// CreatePermissionResponse stores one reviewer assignment. A permissioner
// can hold at most one response per request.
func (tx *transaction) CreatePermissionResponse(r domain.PermissionResponse) (domain.PermissionResponse, error) {
	if _, ok := tx.state.requests[r.PermissionRequestID]; !ok {
		return domain.PermissionResponse{}, fmt.Errorf("permission request %q not found", r.PermissionRequestID)
	}
	if _, ok := tx.state.permissioners[r.SpacePermissionerID]; !ok {
		return domain.PermissionResponse{}, fmt.Errorf("space permissioner %q not found", r.SpacePermissionerID)
	}
	for _, existing := range tx.state.responses {
		if existing.PermissionRequestID == r.PermissionRequestID && existing.SpacePermissionerID == r.SpacePermissionerID {
			return domain.PermissionResponse{}, fmt.Errorf("permissioner %q already assigned to request %q", r.SpacePermissionerID, r.PermissionRequestID)
		}
	}
	if r.Status == "" {
		r.Status = domain.ResponseStatusPending
	}
	tx.stamp(&r.Base)
	if _, exists := tx.state.responses[r.ID]; exists {
		return domain.PermissionResponse{}, fmt.Errorf("permission response %q already exists", r.ID)
	}
	tx.state.responses[r.ID] = cloneResponse(r)
	if err := tx.record(domain.EntityPermissionResponse, domain.ActionCreate, nil, r, false); err != nil {
		return domain.PermissionResponse{}, err
	}
	return cloneResponse(r), nil
}

// UpdatePermissionResponse mutates a response.
func (tx *transaction) UpdatePermissionResponse(id string, mutator func(*domain.PermissionResponse) error) (domain.PermissionResponse, error) {
	current, ok := tx.state.responses[id]
	if !ok {
		return domain.PermissionResponse{}, fmt.Errorf("permission response %q not found", id)
	}
	before := cloneResponse(current)
	if err := mutator(&current); err != nil {
		return domain.PermissionResponse{}, err
	}
	current.Base = domain.Base{ID: id, CreatedAt: before.CreatedAt, UpdatedAt: tx.now}
	current.PermissionRequestID = before.PermissionRequestID
	current.SpacePermissionerID = before.SpacePermissionerID
	tx.state.responses[id] = cloneResponse(current)
	if err := tx.record(domain.EntityPermissionResponse, domain.ActionUpdate, before, current, false); err != nil {
		return domain.PermissionResponse{}, err
	}
	return cloneResponse(current), nil
}

// UpsertApprovedRule writes the (space, rule) row; the last writer wins.
func (tx *transaction) UpsertApprovedRule(r domain.SpaceApprovedRule) (domain.SpaceApprovedRule, error) {
	if _, ok := tx.state.spaces[r.SpaceID]; !ok {
		return domain.SpaceApprovedRule{}, fmt.Errorf("space %q not found", r.SpaceID)
	}
	rule, ok := tx.state.rules[r.RuleID]
	if !ok {
		return domain.SpaceApprovedRule{}, fmt.Errorf("rule %q not found", r.RuleID)
	}
	if r.PublicHash == "" {
		r.PublicHash = rule.PublicHash
	}
	for id, existing := range tx.state.approvedRules {
		if existing.SpaceID != r.SpaceID || existing.RuleID != r.RuleID {
			continue
		}
		before := existing
		r.Base = domain.Base{ID: id, CreatedAt: existing.CreatedAt, UpdatedAt: tx.now}
		tx.state.approvedRules[id] = r
		if err := tx.record(domain.EntitySpaceApprovedRule, domain.ActionUpdate, before, r, false); err != nil {
			return domain.SpaceApprovedRule{}, err
		}
		return r, nil
	}
	tx.stamp(&r.Base)
	tx.state.approvedRules[r.ID] = r
	if err := tx.record(domain.EntitySpaceApprovedRule, domain.ActionCreate, nil, r, false); err != nil {
		return domain.SpaceApprovedRule{}, err
	}
	return r, nil
}

// CreateNotification appends an intent to the outbox.
func (tx *transaction) CreateNotification(n domain.Notification) (domain.Notification, error) {
	if n.UserID == "" || n.TemplateName == "" {
		return domain.Notification{}, fmt.Errorf("notification requires user and template")
	}
	n.DeliveredAt = nil
	tx.stamp(&n.Base)
	if _, exists := tx.state.notifications[n.ID]; exists {
		return domain.Notification{}, fmt.Errorf("notification %q already exists", n.ID)
	}
	tx.state.notifications[n.ID] = cloneNotification(n)
	if err := tx.record(domain.EntityNotification, domain.ActionCreate, nil, n, false); err != nil {
		return domain.Notification{}, err
	}
	return cloneNotification(n), nil
}

// MarkNotificationDelivered stamps DeliveredAt once; later calls are no-ops.
func (tx *transaction) MarkNotificationDelivered(id string) (domain.Notification, error) {
	current, ok := tx.state.notifications[id]
	if !ok {
		return domain.Notification{}, fmt.Errorf("notification %q not found", id)
	}
	if current.DeliveredAt != nil {
		return cloneNotification(current), nil
	}
	before := cloneNotification(current)
	at := tx.now
	current.DeliveredAt = &at
	current.UpdatedAt = tx.now
	tx.state.notifications[id] = current
	if err := tx.record(domain.EntityNotification, domain.ActionUpdate, before, current, false); err != nil {
		return domain.Notification{}, err
	}
	return cloneNotification(current), nil
}
