package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimbusworks/taskpipe/internal/config"
	"github.com/nimbusworks/taskpipe/internal/consts"
	"github.com/nimbusworks/taskpipe/internal/dao"
	"github.com/nimbusworks/taskpipe/internal/gateway"
	"github.com/nimbusworks/taskpipe/internal/model"
	"github.com/nimbusworks/taskpipe/internal/queue"
)

// stubDao implements dao.SubmissionDao in memory with real version-CAS semantics.
type stubDao struct {
	mu   sync.Mutex
	subs map[string]*model.Submission
	next int64
	fail bool // force store errors
}

func newStubDao() *stubDao { return &stubDao{subs: map[string]*model.Submission{}} }

func (d *stubDao) CreateIfAbsent(ctx context.Context, s *model.Submission) (bool, *model.Submission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return false, nil, errors.New("store down")
	}
	if ex, ok := d.subs[s.SubmitKey]; ok {
		cp := *ex
		return false, &cp, nil
	}
	d.next++
	s.ID = d.next
	s.Status = consts.Accepted
	s.Version = 1
	cp := *s
	d.subs[s.SubmitKey] = &cp
	return true, s, nil
}

func (d *stubDao) GetByKey(ctx context.Context, key string) (*model.Submission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("store down")
	}
	s, ok := d.subs[key]
	if !ok {
		return nil, dao.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (d *stubDao) ListByStatus(ctx context.Context, status consts.SubmissionStatus, limit int) ([]*model.Submission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.Submission
	for _, s := range d.subs {
		if s.Status == status {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (d *stubDao) cas(s *model.Submission, from []consts.SubmissionStatus, apply func(*model.Submission)) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.subs[s.SubmitKey]
	if !ok {
		return false, nil
	}
	if cur.Version != s.Version {
		return false, nil
	}
	statusOK := false
	for _, st := range from {
		if cur.Status == st {
			statusOK = true
			break
		}
	}
	if !statusOK {
		return false, nil
	}
	apply(cur)
	cur.Version++
	s.Version = cur.Version
	return true, nil
}

func (d *stubDao) MarkRunning(ctx context.Context, s *model.Submission) (bool, error) {
	ok, err := d.cas(s, []consts.SubmissionStatus{consts.Accepted}, func(cur *model.Submission) {
		cur.Status = consts.Running
	})
	if ok {
		s.Status = consts.Running
	}
	return ok, err
}

func (d *stubDao) SaveProgress(ctx context.Context, s *model.Submission) (bool, error) {
	return d.cas(s, []consts.SubmissionStatus{consts.Running}, func(cur *model.Submission) {
		cur.StepCursor = s.StepCursor
		cur.RepoURL = s.RepoURL
		cur.CommitSHA = s.CommitSHA
		cur.PagesURL = s.PagesURL
		cur.Notified = s.Notified
	})
}

func (d *stubDao) MarkSucceeded(ctx context.Context, s *model.Submission) (bool, error) {
	ok, err := d.cas(s, []consts.SubmissionStatus{consts.Running}, func(cur *model.Submission) {
		cur.Status = consts.Succeeded
		cur.StepCursor = s.StepCursor
		cur.RepoURL = s.RepoURL
		cur.CommitSHA = s.CommitSHA
		cur.PagesURL = s.PagesURL
		cur.Notified = s.Notified
	})
	if ok {
		s.Status = consts.Succeeded
	}
	return ok, err
}

func (d *stubDao) MarkFailed(ctx context.Context, s *model.Submission, reason string) (bool, error) {
	ok, err := d.cas(s, []consts.SubmissionStatus{consts.Accepted, consts.Running}, func(cur *model.Submission) {
		cur.Status = consts.Failed
		cur.FailureReason = reason
	})
	if ok {
		s.Status = consts.Failed
		s.FailureReason = reason
	}
	return ok, err
}

func (d *stubDao) RecordAttempt(ctx context.Context, id int64, attempt int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		if s.ID == id && s.Attempts < attempt {
			s.Attempts = attempt
		}
	}
	return nil
}

func (d *stubDao) get(key string) *model.Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *d.subs[key]
	return &cp
}

// recordQueue captures acks, retries and requeues instead of redelivering.
type recordQueue struct {
	mu       sync.Mutex
	acks     []*queue.JobEnvelope
	retries  []*queue.JobEnvelope
	requeues []*queue.JobEnvelope
	delays   []time.Duration
}

func (q *recordQueue) Publish(ctx context.Context, key string) error { return nil }
func (q *recordQueue) Dequeue(ctx context.Context) (*queue.JobEnvelope, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (q *recordQueue) Ack(ctx context.Context, env *queue.JobEnvelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acks = append(q.acks, env)
	return nil
}
func (q *recordQueue) Retry(ctx context.Context, env *queue.JobEnvelope, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries = append(q.retries, env)
	q.delays = append(q.delays, delay)
	return nil
}
func (q *recordQueue) Requeue(ctx context.Context, env *queue.JobEnvelope, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeues = append(q.requeues, env)
	return nil
}
func (q *recordQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acks)
}
func (q *recordQueue) retryCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.retries)
}
func (q *recordQueue) requeueCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requeues)
}

// fakePublisher simulates a repo host with create-or-reuse semantics.
type fakePublisher struct {
	mu       sync.Mutex
	repos    map[string]bool
	creates  int
	pushes   int
	publish  int
	pushErr  error // consumed on first push
	pubErr   error // consumed on first publish
	ensure   int
	ensErr   error
}

func (p *fakePublisher) EnsureArtifact(ctx context.Context, name, desc string) (*gateway.ArtifactRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensure++
	if p.ensErr != nil {
		err := p.ensErr
		p.ensErr = nil
		return nil, err
	}
	if p.repos == nil {
		p.repos = map[string]bool{}
	}
	if !p.repos[name] {
		p.repos[name] = true
		p.creates++
	}
	return &gateway.ArtifactRef{Owner: "acme", Name: name, HTMLURL: "https://github.com/acme/" + name}, nil
}

func (p *fakePublisher) PushContent(ctx context.Context, ref *gateway.ArtifactRef, files map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pushErr != nil {
		err := p.pushErr
		p.pushErr = nil
		return "", err
	}
	p.pushes++
	return "abc123", nil
}

func (p *fakePublisher) Publish(ctx context.Context, ref *gateway.ArtifactRef) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pubErr != nil {
		err := p.pubErr
		p.pubErr = nil
		return "", err
	}
	p.publish++
	return "https://acme.github.io/" + ref.Name + "/", nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (n *fakeNotifier) Notify(ctx context.Context, url string, payload gateway.NotifyPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.calls++
	return nil
}

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		WorkerPoolSize: 1,
		StepTimeout:    5 * time.Second,
		MaxAttempts:    3,
		BackoffBase:    time.Millisecond,
		BackoffCap:     10 * time.Millisecond,
		LeaseTTL:       time.Minute,
	}
}

func seed(d *stubDao, key string) *model.Submission {
	s := &model.Submission{
		SubmitKey:     key,
		Subject:       "dev@example.com",
		TaskName:      "landing-page",
		Round:         1,
		Brief:         "build a landing page",
		EvaluationURL: "https://eval.example.com/hook",
	}
	_, _, _ = d.CreateIfAbsent(context.Background(), s)
	return s
}

func env(key string, attempt int) *queue.JobEnvelope {
	return &queue.JobEnvelope{ID: "m-" + key, SubmitKey: key, Attempt: attempt}
}

func TestPipelineHappyPath(t *testing.T) {
	d := newStubDao()
	q := &recordQueue{}
	pub := &fakePublisher{}
	not := &fakeNotifier{}
	e := NewExecutor(testConfig(), d, q, queue.NewMemoryLease(), pub, not, nil)

	seed(d, "n-001")
	e.handle(context.Background(), env("n-001", 1))

	got := d.get("n-001")
	if got.Status != consts.Succeeded {
		t.Fatalf("status=%s want SUCCEEDED (reason=%q)", got.Status, got.FailureReason)
	}
	if got.StepCursor != 5 {
		t.Fatalf("cursor=%d want 5", got.StepCursor)
	}
	if pub.creates != 1 || pub.pushes != 1 || pub.publish != 1 {
		t.Fatalf("gateway calls creates=%d pushes=%d publish=%d, want 1 each", pub.creates, pub.pushes, pub.publish)
	}
	if not.calls != 1 {
		t.Fatalf("notify calls=%d want 1", not.calls)
	}
	if got.RepoURL == "" || got.CommitSHA != "abc123" || got.PagesURL == "" {
		t.Fatalf("result not recorded: %+v", got)
	}
	if q.ackCount() != 1 {
		t.Fatalf("acks=%d want 1", q.ackCount())
	}
}

func TestTerminalRedeliveryDiscarded(t *testing.T) {
	d := newStubDao()
	q := &recordQueue{}
	pub := &fakePublisher{}
	not := &fakeNotifier{}
	e := NewExecutor(testConfig(), d, q, queue.NewMemoryLease(), pub, not, nil)

	seed(d, "n-002")
	e.handle(context.Background(), env("n-002", 1))
	e.handle(context.Background(), env("n-002", 1)) // redelivery after success

	if pub.creates != 1 || pub.pushes != 1 || pub.publish != 1 || not.calls != 1 {
		t.Fatalf("terminal redelivery re-invoked gateways: %+v notify=%d", pub, not.calls)
	}
	if q.ackCount() != 2 {
		t.Fatalf("acks=%d want 2 (both deliveries acked)", q.ackCount())
	}
}

func TestTransientFailureResumesAtFailedStep(t *testing.T) {
	d := newStubDao()
	q := &recordQueue{}
	pub := &fakePublisher{pushErr: &gateway.Error{Op: "push_content", Status: 502, Transient: true}}
	not := &fakeNotifier{}
	e := NewExecutor(testConfig(), d, q, queue.NewMemoryLease(), pub, not, nil)

	seed(d, "n-003")
	e.handle(context.Background(), env("n-003", 1))

	mid := d.get("n-003")
	if mid.Status != consts.Running {
		t.Fatalf("status=%s want RUNNING after transient failure", mid.Status)
	}
	if mid.StepCursor != 2 {
		t.Fatalf("cursor=%d want 2 (generate+create done, push pending)", mid.StepCursor)
	}
	if q.retryCount() != 1 {
		t.Fatalf("retries=%d want 1", q.retryCount())
	}
	if not.calls != 0 {
		t.Fatalf("notify ran before push completed")
	}

	// redelivery resumes at push; repo must not be created twice
	e.handle(context.Background(), env("n-003", 2))

	got := d.get("n-003")
	if got.Status != consts.Succeeded {
		t.Fatalf("status=%s want SUCCEEDED", got.Status)
	}
	if pub.creates != 1 {
		t.Fatalf("creates=%d want 1 (resume reused existing repo)", pub.creates)
	}
	if pub.pushes != 1 {
		t.Fatalf("pushes=%d want 1 successful push", pub.pushes)
	}
	if got.StepCursor != 5 {
		t.Fatalf("cursor=%d want 5", got.StepCursor)
	}
	if not.calls != 1 {
		t.Fatalf("notify calls=%d want 1", not.calls)
	}
}

func TestPermanentFailureHaltsPipeline(t *testing.T) {
	d := newStubDao()
	q := &recordQueue{}
	pub := &fakePublisher{pushErr: &gateway.Error{Op: "push_content", Status: 422, Transient: false}}
	not := &fakeNotifier{}
	e := NewExecutor(testConfig(), d, q, queue.NewMemoryLease(), pub, not, nil)

	seed(d, "n-004")
	e.handle(context.Background(), env("n-004", 1))

	got := d.get("n-004")
	if got.Status != consts.Failed {
		t.Fatalf("status=%s want FAILED", got.Status)
	}
	if got.FailureReason == "" {
		t.Fatalf("failure reason not recorded")
	}
	if pub.publish != 0 || not.calls != 0 {
		t.Fatalf("later steps ran after permanent failure")
	}
	if q.ackCount() != 1 {
		t.Fatalf("permanent failure must ack, acks=%d", q.ackCount())
	}
	if got.StepCursor != 2 {
		t.Fatalf("cursor=%d want 2 (never advanced past failed step)", got.StepCursor)
	}
}

func TestRetryBudgetExhaustionEscalates(t *testing.T) {
	d := newStubDao()
	q := &recordQueue{}
	pub := &fakePublisher{pushErr: &gateway.Error{Op: "push_content", Status: 503, Transient: true}}
	not := &fakeNotifier{}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	e := NewExecutor(cfg, d, q, queue.NewMemoryLease(), pub, not, nil)

	seed(d, "n-005")
	e.handle(context.Background(), env("n-005", 2)) // final attempt

	got := d.get("n-005")
	if got.Status != consts.Failed {
		t.Fatalf("status=%s want FAILED after retry budget exhausted", got.Status)
	}
	if q.retryCount() != 0 {
		t.Fatalf("no more retries expected, got %d", q.retryCount())
	}
}

func TestMissingCredentialSkipsRepoSteps(t *testing.T) {
	d := newStubDao()
	q := &recordQueue{}
	not := &fakeNotifier{}
	e := NewExecutor(testConfig(), d, q, queue.NewMemoryLease(), nil, not, nil)

	seed(d, "n-006")
	e.handle(context.Background(), env("n-006", 1))

	got := d.get("n-006")
	if got.Status != consts.Succeeded {
		t.Fatalf("status=%s want SUCCEEDED with skipped repo steps", got.Status)
	}
	if got.RepoURL != "" || got.CommitSHA != "" || got.PagesURL != "" {
		t.Fatalf("artifact result should be null: %+v", got)
	}
	if not.calls != 1 {
		t.Fatalf("notify calls=%d want 1", not.calls)
	}
}

func TestUnknownKeyAckedAndDropped(t *testing.T) {
	d := newStubDao()
	q := &recordQueue{}
	e := NewExecutor(testConfig(), d, q, queue.NewMemoryLease(), &fakePublisher{}, &fakeNotifier{}, nil)

	e.handle(context.Background(), env("ghost", 1))
	if q.ackCount() != 1 {
		t.Fatalf("stale message must be acked, acks=%d", q.ackCount())
	}
}

func TestLeasedKeyDefersRedelivery(t *testing.T) {
	d := newStubDao()
	q := &recordQueue{}
	lease := queue.NewMemoryLease()
	e := NewExecutor(testConfig(), d, q, lease, &fakePublisher{}, &fakeNotifier{}, nil)

	seed(d, "n-007")
	release, ok, _ := lease.Acquire(context.Background(), "n-007", time.Minute)
	if !ok {
		t.Fatalf("setup lease acquire failed")
	}
	defer release()

	e.handle(context.Background(), env("n-007", 1))
	if q.requeueCount() != 1 {
		t.Fatalf("leased key should defer via requeue, requeues=%d", q.requeueCount())
	}
	if q.retryCount() != 0 {
		t.Fatalf("deferral must not consume the retry budget, retries=%d", q.retryCount())
	}
	if q.ackCount() != 0 {
		t.Fatalf("leased key must not be acked")
	}
	if got := d.get("n-007"); got.Status != consts.Accepted {
		t.Fatalf("status=%s want ACCEPTED untouched", got.Status)
	}
	if q.requeues[0].Attempt != 1 {
		t.Fatalf("deferral bumped attempt to %d", q.requeues[0].Attempt)
	}
}

func TestDeferralsDoNotEatRetryBudget(t *testing.T) {
	d := newStubDao()
	q := &recordQueue{}
	lease := queue.NewMemoryLease()
	cfg := testConfig()
	cfg.MaxAttempts = 2
	e := NewExecutor(cfg, d, q, lease, &fakePublisher{}, &fakeNotifier{}, nil)

	seed(d, "n-009")
	release, ok, _ := lease.Acquire(context.Background(), "n-009", time.Minute)
	if !ok {
		t.Fatalf("setup lease acquire failed")
	}

	// the final permitted attempt arrives while the key is leased elsewhere;
	// it must defer, not burn the last attempt
	e.handle(context.Background(), env("n-009", 2))
	if q.requeueCount() != 1 || q.requeues[0].Attempt != 2 {
		t.Fatalf("deferral recorded wrong: requeues=%d", q.requeueCount())
	}
	release()

	// redelivery at the same attempt still gets its full step execution
	e.handle(context.Background(), env("n-009", 2))
	if got := d.get("n-009"); got.Status != consts.Succeeded {
		t.Fatalf("status=%s want SUCCEEDED after deferral resolved", got.Status)
	}
}

func TestNotifyMarkerSuppressesDuplicateNotification(t *testing.T) {
	d := newStubDao()
	q := &recordQueue{}
	not := &fakeNotifier{}
	e := NewExecutor(testConfig(), d, q, queue.NewMemoryLease(), nil, not, nil)

	s := seed(d, "n-008")
	// simulate a crash after notify delivered but before the terminal write
	s.Status = consts.Running
	d.mu.Lock()
	d.subs["n-008"].Status = consts.Running
	d.subs["n-008"].StepCursor = 4
	d.subs["n-008"].Notified = 1
	d.mu.Unlock()

	e.handle(context.Background(), env("n-008", 2))
	if not.calls != 0 {
		t.Fatalf("notified marker ignored, calls=%d", not.calls)
	}
	if got := d.get("n-008"); got.Status != consts.Succeeded {
		t.Fatalf("status=%s want SUCCEEDED", got.Status)
	}
}
