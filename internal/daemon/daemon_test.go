package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"permitcore/internal/core"
	"permitcore/internal/infra/persistence/memory"
	"permitcore/internal/lease"
	"permitcore/internal/queue"
	"permitcore/pkg/domain"
)

var start = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureQueue struct {
	mu      sync.Mutex
	msgs    map[string][]queue.Message
	fail    bool
	failFor map[string]bool
}

func (q *captureQueue) Enqueue(_ context.Context, name string, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return errors.New("queue unavailable")
	}
	if job, ok := msg.(core.Job); ok && q.failFor[job.RequestID()] {
		return fmt.Errorf("queue rejected %s", job.RequestID())
	}
	if q.msgs == nil {
		q.msgs = make(map[string][]queue.Message)
	}
	q.msgs[name] = append(q.msgs[name], msg)
	return nil
}

func (q *captureQueue) take(name string) []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.msgs[name]
	delete(q.msgs, name)
	return out
}

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *captureLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, level+":"+msg)
}

func (l *captureLogger) Debug(msg string, _ ...any) { l.add("debug", msg) }
func (l *captureLogger) Info(msg string, _ ...any)  { l.add("info", msg) }
func (l *captureLogger) Warn(msg string, _ ...any)  { l.add("warn", msg) }
func (l *captureLogger) Error(msg string, _ ...any) { l.add("error", msg) }

func (l *captureLogger) has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if m == entry {
			return true
		}
	}
	return false
}

type countingSweeper struct{ calls int }

func (s *countingSweeper) Sweep(context.Context) (int, error) {
	s.calls++
	return 0, nil
}

type fixture struct {
	ctx   context.Context
	clock *clock
	store *memory.Store
	queue *captureQueue
	svc   *core.Service
	space domain.Space
	rule  domain.Rule
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), clock: &clock{now: start}, queue: &captureQueue{}}
	f.store = memory.NewStore(core.NewDefaultRulesEngine())
	f.store.SetNowFunc(f.clock.Now)
	f.svc = core.NewService(f.store, core.WithClock(f.clock), core.WithQueue(f.queue))

	var err error
	f.rule, _, err = f.svc.CreateRule(f.ctx, domain.Rule{Name: "space", Target: domain.RuleTargetSpace, Blocks: []domain.RuleBlock{
		{Type: domain.BlockSpaceConsentTimeout, Content: "1d"},
	}})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	f.space, _, err = f.svc.CreateSpace(f.ctx, domain.Space{Name: "hall", OwnerID: "owner", RuleID: f.rule.ID})
	if err != nil {
		t.Fatalf("create space: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if _, _, err := f.svc.CreateSpacePermissioner(f.ctx, domain.SpacePermissioner{
			Base:     domain.Base{ID: fmt.Sprintf("perm-%d", i)},
			SpaceID:  f.space.ID,
			UserID:   fmt.Sprintf("reviewer-%d", i),
			IsActive: true,
		}); err != nil {
			t.Fatalf("create permissioner: %v", err)
		}
	}
	return f
}

func (f *fixture) openRequest(t *testing.T) domain.PermissionRequest {
	t.Helper()
	event, _, err := f.svc.CreateSpaceEvent(f.ctx, domain.SpaceEvent{
		SpaceID:     f.space.ID,
		OrganizerID: "organizer",
		Title:       "talk",
		StartsAt:    start.Add(48 * time.Hour),
		Duration:    time.Hour,
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	req, _, err := f.svc.RequestEventPermission(f.ctx, event.ID, "organizer")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return req
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	p := f.svc.Processor()
	for _, m := range f.queue.take(core.DecisionQueue) {
		if err := p.Handle(f.ctx, m.(core.Job)); err != nil {
			t.Fatalf("job %s: %v", m.Kind(), err)
		}
	}
}

func TestTickQueuesExpiredReviews(t *testing.T) {
	f := newFixture(t)
	expired := f.openRequest(t)
	f.drain(t)
	f.clock.advance(12 * time.Hour)
	fresh := f.openRequest(t)
	f.drain(t)

	logger := &captureLogger{}
	d := New(f.store, f.queue, lease.NewMemory(), Config{Owner: "a"}, WithClock(f.clock.Now), WithLogger(logger))
	d.Tick(f.ctx)
	if got := f.queue.take(core.DecisionQueue); len(got) != 0 {
		t.Fatalf("nothing is due yet, got %v", got)
	}

	f.clock.advance(13 * time.Hour)
	d.Tick(f.ctx)
	msgs := f.queue.take(core.DecisionQueue)
	if len(msgs) != 1 {
		t.Fatalf("expected one due request, got %v", msgs)
	}
	job, ok := msgs[0].(core.ResponseReviewCompleted)
	if !ok || job.Request != expired.ID {
		t.Fatalf("unexpected job %#v", msgs[0])
	}
	if !logger.has("info:lease acquired") || !logger.has("info:queued expired reviews") {
		t.Fatalf("missing logs %v", logger.msgs)
	}

	// Once finalized the request is no longer assigned and drops out.
	if err := f.svc.Processor().Handle(f.ctx, job); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	f.queue.take(core.DecisionQueue)
	d.Tick(f.ctx)
	for _, m := range f.queue.take(core.DecisionQueue) {
		if m.(core.Job).RequestID() != fresh.ID {
			t.Fatalf("finalized request queued again: %#v", m)
		}
	}
}

func TestTickFinalizesFullyReviewedRequestWithLostJobs(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest(t)
	f.drain(t)

	_, responses, err := f.svc.GetPermissionRequest(f.ctx, req.ID)
	if err != nil || len(responses) != 2 {
		t.Fatalf("expected two responses, got %d (%v)", len(responses), err)
	}
	reviewers := map[string]string{"perm-1": "reviewer-1", "perm-2": "reviewer-2"}
	for _, resp := range responses {
		if _, _, err := f.svc.SubmitReview(f.ctx, resp.ID, reviewers[resp.SpacePermissionerID], domain.ResponseStatusApproved, domain.ResponsePayload{}); err != nil {
			t.Fatalf("review: %v", err)
		}
	}
	f.queue.take(core.DecisionQueue) // the review jobs are lost

	d := New(f.store, f.queue, lease.NewMemory(), Config{Owner: "a"}, WithClock(f.clock.Now))
	d.Tick(f.ctx)
	if got := f.queue.take(core.DecisionQueue); len(got) != 0 {
		t.Fatalf("deadline not reached, got %v", got)
	}

	f.clock.advance(25 * time.Hour)
	d.Tick(f.ctx)
	msgs := f.queue.take(core.DecisionQueue)
	if len(msgs) != 1 {
		t.Fatalf("expected the fully reviewed request to be queued, got %v", msgs)
	}
	job, ok := msgs[0].(core.ResponseReviewCompleted)
	if !ok || job.Request != req.ID {
		t.Fatalf("unexpected job %#v", msgs[0])
	}
	if err := f.svc.Processor().Handle(f.ctx, job); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got, _, err := f.svc.GetPermissionRequest(f.ctx, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ResolveStatus == nil || *got.ResolveStatus != domain.ResolveAccepted {
		t.Fatalf("expected the request accepted, got %+v", got)
	}
}

func TestScanContinuesPastEnqueueFailure(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.openRequest(t).ID)
	}
	f.drain(t)
	f.clock.advance(48 * time.Hour)
	f.queue.failFor = map[string]bool{ids[0]: true}

	d := New(f.store, f.queue, lease.NewMemory(), Config{Owner: "a"}, WithClock(f.clock.Now))
	n, err := d.scanExpired(f.ctx)
	if err == nil || n != 2 {
		t.Fatalf("expected two queued and one error, got %d (%v)", n, err)
	}
	queued := map[string]bool{}
	for _, m := range f.queue.take(core.DecisionQueue) {
		queued[m.(core.Job).RequestID()] = true
	}
	if queued[ids[0]] || !queued[ids[1]] || !queued[ids[2]] {
		t.Fatalf("unexpected queued set %v", queued)
	}
}

func TestRequeueContinuesPastEnqueueFailure(t *testing.T) {
	f := newFixture(t)
	first := f.openRequest(t)
	second := f.openRequest(t)
	f.queue.take(core.DecisionQueue)
	f.clock.advance(time.Hour)
	f.queue.failFor = map[string]bool{first.ID: true}

	d := New(f.store, f.queue, lease.NewMemory(), Config{StaleAfter: time.Minute}, WithClock(f.clock.Now))
	n, err := d.requeueStale(f.ctx)
	if err == nil || n != 1 {
		t.Fatalf("expected one requeued and one error, got %d (%v)", n, err)
	}
	msgs := f.queue.take(core.DecisionQueue)
	if len(msgs) != 1 || msgs[0].(core.Job).RequestID() != second.ID {
		t.Fatalf("expected only %s requeued, got %v", second.ID, msgs)
	}
}

func TestOnlyLeaseHolderPolls(t *testing.T) {
	f := newFixture(t)
	f.openRequest(t)
	f.drain(t)
	f.clock.advance(48 * time.Hour)

	shared := lease.NewMemory()
	shared.SetNowFunc(f.clock.Now)
	leader := New(f.store, f.queue, shared, Config{Owner: "a"}, WithClock(f.clock.Now))
	follower := New(f.store, f.queue, shared, Config{Owner: "b"}, WithClock(f.clock.Now))

	leader.Tick(f.ctx)
	follower.Tick(f.ctx)
	if !leader.Leader() || follower.Leader() {
		t.Fatalf("expected a single leader")
	}
	if got := len(f.queue.take(core.DecisionQueue)); got != 1 {
		t.Fatalf("expected one job from the leader, got %d", got)
	}

	// The leader stops renewing; after the TTL the follower takes over.
	leader.release()
	follower.Tick(f.ctx)
	if !follower.Leader() {
		t.Fatalf("follower did not take over a released lease")
	}
	leader.Tick(f.ctx)
	if leader.Leader() {
		t.Fatalf("old leader reacquired a held lease")
	}
}

func TestExpiredLeaseIsLost(t *testing.T) {
	f := newFixture(t)
	shared := lease.NewMemory()
	shared.SetNowFunc(f.clock.Now)
	logger := &captureLogger{}
	a := New(f.store, f.queue, shared, Config{Owner: "a", LeaseTTL: time.Minute}, WithClock(f.clock.Now), WithLogger(logger))
	b := New(f.store, f.queue, shared, Config{Owner: "b", LeaseTTL: time.Minute}, WithClock(f.clock.Now))
	a.Tick(f.ctx)
	f.clock.advance(2 * time.Minute)
	b.Tick(f.ctx)
	a.Tick(f.ctx)
	if a.Leader() || !b.Leader() {
		t.Fatalf("expected b to hold the lease")
	}
	if !logger.has("info:lease lost") {
		t.Fatalf("expected lease lost log, got %v", logger.msgs)
	}
}

func TestRequeueStaleRequests(t *testing.T) {
	f := newFixture(t)
	req := f.openRequest(t)
	f.queue.take(core.DecisionQueue) // the creation job is lost

	d := New(f.store, f.queue, lease.NewMemory(), Config{StaleAfter: 10 * time.Minute}, WithClock(f.clock.Now))
	d.Tick(f.ctx)
	if got := f.queue.take(core.DecisionQueue); len(got) != 0 {
		t.Fatalf("request is not stale yet: %v", got)
	}
	f.clock.advance(11 * time.Minute)
	d.Tick(f.ctx)
	msgs := f.queue.take(core.DecisionQueue)
	if len(msgs) != 1 || msgs[0].Kind() != core.KindSpaceEventRequestCreated || msgs[0].(core.Job).RequestID() != req.ID {
		t.Fatalf("expected the creation job again, got %v", msgs)
	}
}

func TestTickLogsEnqueueErrorsAndContinues(t *testing.T) {
	f := newFixture(t)
	f.openRequest(t)
	f.drain(t)
	f.clock.advance(48 * time.Hour)
	f.queue.fail = true

	sweeper := &countingSweeper{}
	logger := &captureLogger{}
	d := New(f.store, f.queue, lease.NewMemory(), Config{}, WithClock(f.clock.Now), WithLogger(logger), WithSweeper(sweeper))
	d.Tick(f.ctx)
	if !logger.has("error:timeout scan failed") {
		t.Fatalf("expected scan error log, got %v", logger.msgs)
	}
	if sweeper.calls != 1 {
		t.Fatalf("sweep must still run after a scan error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	shared := lease.NewMemory()
	d := New(f.store, f.queue, shared, Config{Owner: "a", Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("daemon did not stop")
	}
	ok, err := shared.Acquire(f.ctx, DefaultLeaseKey, "b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("lease not released on shutdown: %v %v", ok, err)
	}
}
