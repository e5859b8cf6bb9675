package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"permitcore/internal/infra/persistence/memory"
	"permitcore/internal/queue"
	"permitcore/pkg/domain"
)

// monday08 is a Monday morning in UTC.
var monday08 = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type queuedMessage struct {
	queue string
	msg   queue.Message
}

type captureQueue struct {
	mu   sync.Mutex
	msgs []queuedMessage
}

func (q *captureQueue) Enqueue(_ context.Context, name string, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, queuedMessage{queue: name, msg: msg})
	return nil
}

// take removes and returns the messages queued under name.
func (q *captureQueue) take(name string) []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.Message
	kept := q.msgs[:0]
	for _, m := range q.msgs {
		if m.queue == name {
			out = append(out, m.msg)
			continue
		}
		kept = append(kept, m)
	}
	q.msgs = kept
	return out
}

func (q *captureQueue) count(name, kind string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.msgs {
		if m.queue == name && (kind == "" || m.msg.Kind() == kind) {
			n++
		}
	}
	return n
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *captureLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.log("error", msg, args) }

func (l *captureLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

type captureDecisions struct {
	mu       sync.Mutex
	outcomes []string
}

func (c *captureDecisions) RecordDecision(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
}

type envConfig struct {
	spaceBlocks   []domain.RuleBlock
	permissioners int
	desired       []string
	forbidden     []string
	wrap          func(domain.PersistentStore) domain.PersistentStore
	options       []Option
}

type testEnv struct {
	t             *testing.T
	ctx           context.Context
	svc           *Service
	store         *memory.Store
	queue         *captureQueue
	clock         *fakeClock
	logger        *captureLogger
	decisions     *captureDecisions
	space         domain.Space
	spaceRule     domain.Rule
	eventRule     domain.Rule
	permissioners []domain.SpacePermissioner
}

func defaultSpaceBlocks() []domain.RuleBlock {
	return []domain.RuleBlock{
		{Type: domain.BlockSpaceConsentMethod, Content: "over_50_yes"},
		{Type: domain.BlockSpaceConsentTimeout, Content: "1d"},
	}
}

func newTestEnv(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()
	if cfg.spaceBlocks == nil {
		cfg.spaceBlocks = defaultSpaceBlocks()
	}
	if cfg.permissioners == 0 {
		cfg.permissioners = 3
	}
	e := &testEnv{
		t:         t,
		ctx:       context.Background(),
		queue:     &captureQueue{},
		clock:     &fakeClock{now: monday08},
		logger:    &captureLogger{},
		decisions: &captureDecisions{},
	}
	e.store = memory.NewStore(NewDefaultRulesEngine())
	e.store.SetNowFunc(e.clock.Now)

	_, err := e.store.RunInTransaction(e.ctx, func(tx domain.Transaction) error {
		var err error
		if e.spaceRule, err = tx.CreateRule(domain.Rule{Name: "space", Target: domain.RuleTargetSpace, AuthorID: "owner", Blocks: cfg.spaceBlocks}); err != nil {
			return err
		}
		if e.eventRule, err = tx.CreateRule(domain.Rule{
			Name:     "concert",
			Target:   domain.RuleTargetSpaceEvent,
			AuthorID: "organizer",
			Blocks:   []domain.RuleBlock{{Type: domain.BlockEventGeneral, Content: "acoustic set"}},
		}); err != nil {
			return err
		}
		if e.space, err = tx.CreateSpace(domain.Space{
			Name:              "hall",
			OwnerID:           "owner",
			RuleID:            e.spaceRule.ID,
			DesiredTopicIDs:   cfg.desired,
			ForbiddenTopicIDs: cfg.forbidden,
		}); err != nil {
			return err
		}
		for i := 1; i <= cfg.permissioners; i++ {
			p, err := tx.CreateSpacePermissioner(domain.SpacePermissioner{
				Base:     domain.Base{ID: fmt.Sprintf("perm-%d", i)},
				SpaceID:  e.space.ID,
				UserID:   fmt.Sprintf("reviewer-%d", i),
				IsActive: true,
			})
			if err != nil {
				return err
			}
			e.permissioners = append(e.permissioners, p)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var store domain.PersistentStore = e.store
	if cfg.wrap != nil {
		store = cfg.wrap(e.store)
	}
	opts := append([]Option{
		WithClock(e.clock),
		WithLogger(e.logger),
		WithQueue(e.queue),
		WithDecisionRecorder(e.decisions),
	}, cfg.options...)
	e.svc = NewService(store, opts...)
	return e
}

// newEvent creates a one hour Monday 10:00 event carrying the env's event rule.
func (e *testEnv) newEvent(mutate func(*domain.SpaceEvent)) domain.SpaceEvent {
	e.t.Helper()
	ev := domain.SpaceEvent{
		SpaceID:     e.space.ID,
		OrganizerID: "organizer",
		RuleID:      e.eventRule.ID,
		Title:       "concert",
		StartsAt:    time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
		Duration:    time.Hour,
	}
	if mutate != nil {
		mutate(&ev)
	}
	created, _, err := e.svc.CreateSpaceEvent(e.ctx, ev)
	if err != nil {
		e.t.Fatalf("create event: %v", err)
	}
	return created
}

func (e *testEnv) requestEvent(event domain.SpaceEvent) domain.PermissionRequest {
	e.t.Helper()
	req, _, err := e.svc.RequestEventPermission(e.ctx, event.ID, event.OrganizerID)
	if err != nil {
		e.t.Fatalf("request event permission: %v", err)
	}
	return req
}

// drain runs decision jobs, including the ones they enqueue, until the
// decision queue is empty, and returns the job errors.
func (e *testEnv) drain() []error {
	e.t.Helper()
	p := e.svc.Processor()
	var errs []error
	for i := 0; i < 50; i++ {
		msgs := e.queue.take(DecisionQueue)
		if len(msgs) == 0 {
			return errs
		}
		for _, m := range msgs {
			job, ok := m.(Job)
			if !ok {
				e.t.Fatalf("unexpected decision message %T", m)
			}
			if err := p.Handle(e.ctx, job); err != nil {
				errs = append(errs, err)
			}
		}
	}
	e.t.Fatalf("decision queue did not drain")
	return nil
}

func (e *testEnv) mustDrain() {
	e.t.Helper()
	if errs := e.drain(); len(errs) > 0 {
		e.t.Fatalf("decision jobs failed: %v", errs)
	}
}

func (e *testEnv) request(id string) (domain.PermissionRequest, []domain.PermissionResponse) {
	e.t.Helper()
	req, responses, err := e.svc.GetPermissionRequest(e.ctx, id)
	if err != nil {
		e.t.Fatalf("get request: %v", err)
	}
	return req, responses
}

func (e *testEnv) event(id string) domain.SpaceEvent {
	e.t.Helper()
	var ev domain.SpaceEvent
	_ = e.store.View(e.ctx, func(v domain.TransactionView) error {
		ev, _ = v.FindSpaceEvent(id)
		return nil
	})
	return ev
}

func (e *testEnv) notifications(requestID, template string) []domain.Notification {
	e.t.Helper()
	var out []domain.Notification
	_ = e.store.View(e.ctx, func(v domain.TransactionView) error {
		for _, n := range v.ListNotifications(requestID) {
			if template == "" || n.TemplateName == template {
				out = append(out, n)
			}
		}
		return nil
	})
	return out
}

func (e *testEnv) reviewerOf(resp domain.PermissionResponse) string {
	for _, p := range e.permissioners {
		if p.ID == resp.SpacePermissionerID {
			return p.UserID
		}
	}
	return ""
}

// review submits decision on behalf of the reviewer owning response.
func (e *testEnv) review(resp domain.PermissionResponse, decision domain.PermissionResponseStatus, payload domain.ResponsePayload) {
	e.t.Helper()
	if _, _, err := e.svc.SubmitReview(e.ctx, resp.ID, e.reviewerOf(resp), decision, payload); err != nil {
		e.t.Fatalf("submit review: %v", err)
	}
}

// failingStore fails response creation for one permissioner.
type failingStore struct {
	domain.PersistentStore
	failFor string
}

func (s failingStore) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	return s.PersistentStore.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return fn(failingTx{Transaction: tx, failFor: s.failFor})
	})
}

type failingTx struct {
	domain.Transaction
	failFor string
}

func (tx failingTx) CreatePermissionResponse(r domain.PermissionResponse) (domain.PermissionResponse, error) {
	if r.SpacePermissionerID == tx.failFor {
		return domain.PermissionResponse{}, fmt.Errorf("response store unavailable")
	}
	return tx.Transaction.CreatePermissionResponse(r)
}
