package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/workflowconfig"
)

// ── Configuration fixtures ───────────────────────────────────────────────────

type staticSource []repository.StepDefinition

func (s staticSource) LoadStepDefinitions(context.Context) ([]repository.StepDefinition, error) {
	return s, nil
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func money(v int64) *repository.Money {
	m := repository.Money(v)
	return &m
}

// testSteps mirrors the shipped configuration: PRE_TRAVEL MANAGER(24h) then
// FINANCE(48h, auto-approve); POST_TRAVEL has three steps, the first with an
// escalation role and the last without a deadline.
func testSteps() staticSource {
	return staticSource{
		{WorkflowType: repository.WorkflowTypePreTravel, StepName: "MANAGER", ApproverRole: "MANAGER",
			SequenceOrder: 1, IsMandatory: true, TimeLimitHours: intPtr(24), IsActive: true},
		{WorkflowType: repository.WorkflowTypePreTravel, StepName: "FINANCE", ApproverRole: "FINANCE",
			SequenceOrder: 2, IsMandatory: true, TimeLimitHours: intPtr(48), AutoApproveOnTimeout: true, IsActive: true},
		{WorkflowType: repository.WorkflowTypePostTravel, StepName: "MANAGER", ApproverRole: "MANAGER",
			SequenceOrder: 1, IsMandatory: true, TimeLimitHours: intPtr(48), EscalationRole: strPtr("DEPARTMENT_HEAD"), IsActive: true},
		{WorkflowType: repository.WorkflowTypePostTravel, StepName: "SETTLEMENT", ApproverRole: "FINANCE",
			SequenceOrder: 2, IsMandatory: true, TimeLimitHours: intPtr(72), IsActive: true},
		{WorkflowType: repository.WorkflowTypePostTravel, StepName: "AUDIT", ApproverRole: "AUDITOR",
			SequenceOrder: 3, IsMandatory: true, IsActive: true},
	}
}

// ── Clock ────────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
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

// ── Collaborator doubles ─────────────────────────────────────────────────────

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Event)
	}
	return out
}

func (r *recordingNotifier) last() Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []StatusChange
}

func (r *recordingPublisher) PublishStatusChanged(_ context.Context, ev StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) all() []StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusChange(nil), r.events...)
}

type recordingSync struct {
	mu       sync.Mutex
	outcomes []Outcome
	err      error
}

func (r *recordingSync) SyncOutcome(_ context.Context, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return r.err
}

type mockPolicy struct {
	mock.Mock
}

func (m *mockPolicy) GetCostLimit(ctx context.Context, employeeID string, t repository.WorkflowType) (*repository.Money, error) {
	args := m.Called(ctx, employeeID, t)
	limit, _ := args.Get(0).(*repository.Money)
	return limit, args.Error(1)
}

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) ResolveRole(ctx context.Context, role, employeeID string) (string, error) {
	args := m.Called(ctx, role, employeeID)
	return args.String(0), args.Error(1)
}

func (m *mockDirectory) ManagerChain(ctx context.Context, employeeID string) ([]string, error) {
	args := m.Called(ctx, employeeID)
	chain, _ := args.Get(0).([]string)
	return chain, args.Error(1)
}

// ── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	svc       *WorkflowService
	repo      *repository.MemoryRepository
	store     *workflowconfig.Store
	clock     *fakeClock
	notifier  *recordingNotifier
	publisher *recordingPublisher
	sync      *recordingSync
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithRepo(t, nil, opts...)
}

// newHarnessWithRepo lets a test wrap the workflow repository.
func newHarnessWithRepo(t *testing.T, wrap func(repository.WorkflowRepository) repository.WorkflowRepository, opts ...Option) *harness {
	t.Helper()

	store, err := workflowconfig.NewStore(context.Background(), testSteps(), zerolog.Nop())
	require.NoError(t, err)

	h := &harness{
		repo:      repository.NewMemoryRepository(),
		store:     store,
		clock:     newFakeClock(),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
		sync:      &recordingSync{},
	}

	var workflows repository.WorkflowRepository = h.repo
	if wrap != nil {
		workflows = wrap(h.repo)
	}

	base := []Option{
		WithClock(h.clock.Now),
		WithNotifier(h.notifier),
		WithStatusPublisher(h.publisher),
		WithTravelRequestSync(h.sync),
	}
	h.svc = NewWorkflowService(workflows, h.repo, h.repo.Audit(), store, logger.Nop(), append(base, opts...)...)
	return h
}

func (h *harness) initiate(t *testing.T, requestID string, wt repository.WorkflowType) *repository.WorkflowInstance {
	t.Helper()
	wf, err := h.svc.InitiateWorkflow(context.Background(), InitiateRequest{
		TravelRequestID: requestID,
		WorkflowType:    wt,
		EstimatedCost:   money(500000),
	})
	require.NoError(t, err)
	return wf
}

func (h *harness) act(wf *repository.WorkflowInstance, role string, action repository.ApprovalAction) (*repository.WorkflowInstance, error) {
	return h.svc.ProcessApproval(context.Background(), ApprovalRequest{
		WorkflowID:   wf.ID,
		ApproverRole: role,
		ApproverID:   strPtr(role + "-user"),
		Action:       action,
	})
}
