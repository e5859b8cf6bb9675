package memory

import "permitcore/pkg/domain"

type memoryState struct {
	rules         map[string]domain.Rule
	ruleBlocks    map[string]domain.RuleBlock
	spaces        map[string]domain.Space
	events        map[string]domain.SpaceEvent
	permissioners map[string]domain.SpacePermissioner
	requests      map[string]domain.PermissionRequest
	responses     map[string]domain.PermissionResponse
	approvedRules map[string]domain.SpaceApprovedRule
	notifications map[string]domain.Notification
}

// Snapshot captures a point-in-time clone of the store state. Each field is
// persisted as one bucket by the durable backends.
type Snapshot struct {
	Rules         map[string]domain.Rule               `json:"rules"`
	RuleBlocks    map[string]domain.RuleBlock          `json:"rule_blocks"`
	Spaces        map[string]domain.Space              `json:"spaces"`
	Events        map[string]domain.SpaceEvent         `json:"events"`
	Permissioners map[string]domain.SpacePermissioner  `json:"permissioners"`
	Requests      map[string]domain.PermissionRequest  `json:"requests"`
	Responses     map[string]domain.PermissionResponse `json:"responses"`
	ApprovedRules map[string]domain.SpaceApprovedRule  `json:"approved_rules"`
	Notifications map[string]domain.Notification       `json:"notifications"`
}

// Buckets lists the snapshot bucket names in a stable order.
var Buckets = []string{
	"rules",
	"rule_blocks",
	"spaces",
	"events",
	"permissioners",
	"requests",
	"responses",
	"approved_rules",
	"notifications",
}

// Bucket returns a pointer to the map backing the named bucket so backends
// can decode into it or encode from it without a per-bucket switch.
func (s *Snapshot) Bucket(name string) (any, bool) {
	switch name {
	case "rules":
		return &s.Rules, true
	case "rule_blocks":
		return &s.RuleBlocks, true
	case "spaces":
		return &s.Spaces, true
	case "events":
		return &s.Events, true
	case "permissioners":
		return &s.Permissioners, true
	case "requests":
		return &s.Requests, true
	case "responses":
		return &s.Responses, true
	case "approved_rules":
		return &s.ApprovedRules, true
	case "notifications":
		return &s.Notifications, true
	}
	return nil, false
}

func newMemoryState() memoryState {
	return memoryState{
		rules:         make(map[string]domain.Rule),
		ruleBlocks:    make(map[string]domain.RuleBlock),
		spaces:        make(map[string]domain.Space),
		events:        make(map[string]domain.SpaceEvent),
		permissioners: make(map[string]domain.SpacePermissioner),
		requests:      make(map[string]domain.PermissionRequest),
		responses:     make(map[string]domain.PermissionResponse),
		approvedRules: make(map[string]domain.SpaceApprovedRule),
		notifications: make(map[string]domain.Notification),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	copyInto(cloned.rules, s.rules, cloneRule)
	copyInto(cloned.ruleBlocks, s.ruleBlocks, cloneRuleBlock)
	copyInto(cloned.spaces, s.spaces, cloneSpace)
	copyInto(cloned.events, s.events, cloneEvent)
	copyInto(cloned.permissioners, s.permissioners, clonePermissioner)
	copyInto(cloned.requests, s.requests, cloneRequest)
	copyInto(cloned.responses, s.responses, cloneResponse)
	copyInto(cloned.approvedRules, s.approvedRules, cloneApprovedRule)
	copyInto(cloned.notifications, s.notifications, cloneNotification)
	return cloned
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	c := state.clone()
	return Snapshot{
		Rules:         c.rules,
		RuleBlocks:    c.ruleBlocks,
		Spaces:        c.spaces,
		Events:        c.events,
		Permissioners: c.permissioners,
		Requests:      c.requests,
		Responses:     c.responses,
		ApprovedRules: c.approvedRules,
		Notifications: c.notifications,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := memoryState{
		rules:         s.Rules,
		ruleBlocks:    s.RuleBlocks,
		spaces:        s.Spaces,
		events:        s.Events,
		permissioners: s.Permissioners,
		requests:      s.Requests,
		responses:     s.Responses,
		approvedRules: s.ApprovedRules,
		notifications: s.Notifications,
	}
	return state.clone()
}

func copyInto[V any](dst, src map[string]V, clone func(V) V) {
	for k, v := range src {
		dst[k] = clone(v)
	}
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func cloneStringPtr(v *string) *string {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneRuleBlock(b domain.RuleBlock) domain.RuleBlock { return b }

func cloneRule(r domain.Rule) domain.Rule {
	cp := r
	cp.ParentID = cloneStringPtr(r.ParentID)
	if r.Blocks != nil {
		cp.Blocks = make([]domain.RuleBlock, len(r.Blocks))
		copy(cp.Blocks, r.Blocks)
	}
	return cp
}

func cloneSpace(s domain.Space) domain.Space {
	cp := s
	cp.DesiredTopicIDs = cloneStrings(s.DesiredTopicIDs)
	cp.ForbiddenTopicIDs = cloneStrings(s.ForbiddenTopicIDs)
	return cp
}

func cloneEvent(e domain.SpaceEvent) domain.SpaceEvent {
	cp := e
	cp.TopicIDs = cloneStrings(e.TopicIDs)
	cp.RequiredEquipment = cloneStrings(e.RequiredEquipment)
	return cp
}

func clonePermissioner(p domain.SpacePermissioner) domain.SpacePermissioner { return p }

func cloneRequest(r domain.PermissionRequest) domain.PermissionRequest {
	cp := r
	cp.SpaceEventID = cloneStringPtr(r.SpaceEventID)
	cp.ResolveDetails = cloneStringPtr(r.ResolveDetails)
	cp.PermissionCode = cloneStringPtr(r.PermissionCode)
	if r.ResolveStatus != nil {
		rs := *r.ResolveStatus
		cp.ResolveStatus = &rs
	}
	return cp
}

func cloneResponse(r domain.PermissionResponse) domain.PermissionResponse {
	cp := r
	cp.Conditions = cloneStrings(r.Conditions)
	cp.Excitements = cloneStrings(r.Excitements)
	cp.Worries = cloneStrings(r.Worries)
	return cp
}

func cloneApprovedRule(r domain.SpaceApprovedRule) domain.SpaceApprovedRule { return r }

func cloneNotification(n domain.Notification) domain.Notification {
	cp := n
	if n.Params != nil {
		cp.Params = make(map[string]string, len(n.Params))
		for k, v := range n.Params {
			cp.Params[k] = v
		}
	}
	if n.DeliveredAt != nil {
		at := *n.DeliveredAt
		cp.DeliveredAt = &at
	}
	return cp
}
