// Package memory provides an in-memory implementation of the permission
// persistence store used for tests, ephemeral environments, and as the
// transactional core of the snapshotting sqlite and postgres backends.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"permitcore/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate commit rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// Store keeps the full permission state in memory. Transactions run against a
// clone and replace the live state only when fn succeeds and no commit rule
// blocks.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used to stamp records.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc overrides the time provider used to stamp records.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// RunInTransaction applies fn to a cloned state, evaluates commit rules over
// the recorded changes, and swaps the clone in when nothing blocks.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil && len(tx.changes) > 0 {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	return fn(newTransactionView(&snapshot))
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func sortedValues[V any](m map[string]V, keep func(V) bool, clone func(V) V, base func(V) domain.Base) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		if keep == nil || keep(v) {
			out = append(out, clone(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := base(out[i]), base(out[j])
		if !bi.CreatedAt.Equal(bj.CreatedAt) {
			return bi.CreatedAt.Before(bj.CreatedAt)
		}
		return bi.ID < bj.ID
	})
	return out
}

func find[V any](m map[string]V, id string, clone func(V) V) (V, bool) {
	v, ok := m[id]
	if !ok {
		var zero V
		return zero, false
	}
	return clone(v), true
}

func (v transactionView) FindRule(id string) (domain.Rule, bool) {
	return find(v.state.rules, id, cloneRule)
}

func (v transactionView) FindRuleBlock(id string) (domain.RuleBlock, bool) {
	return find(v.state.ruleBlocks, id, cloneRuleBlock)
}

func (v transactionView) ListRules() []domain.Rule {
	return sortedValues(v.state.rules, nil, cloneRule, func(r domain.Rule) domain.Base { return r.Base })
}

func (v transactionView) FindSpace(id string) (domain.Space, bool) {
	return find(v.state.spaces, id, cloneSpace)
}

func (v transactionView) FindSpaceEvent(id string) (domain.SpaceEvent, bool) {
	return find(v.state.events, id, cloneEvent)
}

func (v transactionView) FindSpacePermissioner(id string) (domain.SpacePermissioner, bool) {
	return find(v.state.permissioners, id, clonePermissioner)
}

func (v transactionView) ListActivePermissioners(spaceID string) []domain.SpacePermissioner {
	return sortedValues(v.state.permissioners,
		func(p domain.SpacePermissioner) bool { return p.SpaceID == spaceID && p.IsActive },
		clonePermissioner,
		func(p domain.SpacePermissioner) domain.Base { return p.Base })
}

func (v transactionView) FindPermissionRequest(id string) (domain.PermissionRequest, bool) {
	return find(v.state.requests, id, cloneRequest)
}

func (v transactionView) ListPermissionRequests() []domain.PermissionRequest {
	return sortedValues(v.state.requests, nil, cloneRequest, func(r domain.PermissionRequest) domain.Base { return r.Base })
}

func (v transactionView) ListPermissionRequestsByStatus(status domain.PermissionRequestStatus) []domain.PermissionRequest {
	return sortedValues(v.state.requests,
		func(r domain.PermissionRequest) bool { return r.Status == status },
		cloneRequest,
		func(r domain.PermissionRequest) domain.Base { return r.Base })
}

func (v transactionView) FindPermissionResponse(id string) (domain.PermissionResponse, bool) {
	return find(v.state.responses, id, cloneResponse)
}

func (v transactionView) ListPermissionResponses(requestID string) []domain.PermissionResponse {
	return sortedValues(v.state.responses,
		func(r domain.PermissionResponse) bool { return r.PermissionRequestID == requestID },
		cloneResponse,
		func(r domain.PermissionResponse) domain.Base { return r.Base })
}

// FindApprovedRule returns the active cache row for the space and public hash.
func (v transactionView) FindApprovedRule(spaceID, publicHash string) (domain.SpaceApprovedRule, bool) {
	for _, row := range v.ListApprovedRules(spaceID) {
		if row.IsActive && row.PublicHash == publicHash {
			return row, true
		}
	}
	return domain.SpaceApprovedRule{}, false
}

func (v transactionView) ListApprovedRules(spaceID string) []domain.SpaceApprovedRule {
	return sortedValues(v.state.approvedRules,
		func(r domain.SpaceApprovedRule) bool { return r.SpaceID == spaceID },
		cloneApprovedRule,
		func(r domain.SpaceApprovedRule) domain.Base { return r.Base })
}

func (v transactionView) FindNotification(id string) (domain.Notification, bool) {
	return find(v.state.notifications, id, cloneNotification)
}

func (v transactionView) ListNotifications(requestID string) []domain.Notification {
	return sortedValues(v.state.notifications,
		func(n domain.Notification) bool { return n.PermissionRequestID == requestID },
		cloneNotification,
		func(n domain.Notification) domain.Base { return n.Base })
}

func (v transactionView) ListUndeliveredNotifications() []domain.Notification {
	return sortedValues(v.state.notifications,
		func(n domain.Notification) bool { return n.DeliveredAt == nil },
		cloneNotification,
		func(n domain.Notification) domain.Base { return n.Base })
}
