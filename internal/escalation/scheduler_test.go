package escalation

import (
	"context"
	stderrors "errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-travel-approvals/internal/metrics"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/service"
	"github.com/pesio-ai/be-travel-approvals/internal/workflowconfig"
)

// ── Doubles ──────────────────────────────────────────────────────────────────

type staticLister struct {
	list []*repository.WorkflowInstance
	err  error
}

func (l staticLister) ListOverdue(context.Context, time.Time, int) ([]*repository.WorkflowInstance, error) {
	return l.list, l.err
}

type scriptedHandler struct {
	mu      sync.Mutex
	results map[string]service.TimeoutResult
	errs    map[string]error
	calls   []string
	block   chan struct{}
}

func (h *scriptedHandler) HandleTimeout(_ context.Context, wf *repository.WorkflowInstance) (service.TimeoutResult, error) {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, wf.ID)
	if err := h.errs[wf.ID]; err != nil {
		return "", err
	}
	return h.results[wf.ID], nil
}

type fakeLease struct {
	acquired bool
	err      error
	released atomic.Int32
}

func (l *fakeLease) Acquire(context.Context) (func(), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { l.released.Add(1) }, true, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func workflows(ids ...string) []*repository.WorkflowInstance {
	out := make([]*repository.WorkflowInstance, 0, len(ids))
	for _, id := range ids {
		out = append(out, &repository.WorkflowInstance{ID: id, Status: repository.StatusPending})
	}
	return out
}

// ── Sweep ────────────────────────────────────────────────────────────────────

func TestSweep_CountsOutcomes(t *testing.T) {
	handler := &scriptedHandler{
		results: map[string]service.TimeoutResult{
			"a": service.TimeoutAutoApproved,
			"b": service.TimeoutEscalated,
			"c": service.TimeoutSkipped,
		},
		errs: map[string]error{
			"d": errors.ConcurrencyConflict("workflow", "d", 3),
			"e": errors.New(errors.ErrCodeInternal, "boom"),
		},
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewSchedulerMetrics(reg)
	s := NewScheduler(staticLister{list: workflows("a", "b", "c", "d", "e")}, handler,
		Config{Interval: time.Minute, Concurrency: 3}, logger.Nop(), WithMetrics(m))

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, report.Overdue)
	assert.Equal(t, 1, report.AutoApproved)
	assert.Equal(t, 1, report.Escalated)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 1, report.Failed)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, handler.calls)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sweeps))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Conflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Timeouts.WithLabelValues("escalated")))
}

func TestSweep_ListFailureIsReturned(t *testing.T) {
	s := NewScheduler(staticLister{err: errors.New(errors.ErrCodeInternal, "db down")}, &scriptedHandler{},
		Config{Interval: time.Minute}, logger.Nop())

	_, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInternal, errors.CodeOf(err))
}

func TestSweep_RejectsOverlappingSweep(t *testing.T) {
	handler := &scriptedHandler{block: make(chan struct{})}
	s := NewScheduler(staticLister{list: workflows("a")}, handler, Config{Interval: time.Minute}, logger.Nop())

	first := make(chan error, 1)
	go func() {
		_, err := s.Sweep(context.Background())
		first <- err
	}()

	require.Eventually(t, func() bool { return s.running.Load() }, time.Second, time.Millisecond)
	_, err := s.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)

	close(handler.block)
	require.NoError(t, <-first)
}

func TestSweep_Lease(t *testing.T) {
	t.Run("held elsewhere", func(t *testing.T) {
		handler := &scriptedHandler{}
		s := NewScheduler(staticLister{list: workflows("a")}, handler, Config{Interval: time.Minute}, logger.Nop(),
			WithLease(&fakeLease{acquired: false}))

		_, err := s.Sweep(context.Background())
		assert.ErrorIs(t, err, ErrLeaseHeld)
		assert.Empty(t, handler.calls)
	})

	t.Run("acquired and released", func(t *testing.T) {
		lease := &fakeLease{acquired: true}
		s := NewScheduler(staticLister{list: workflows("a")}, &scriptedHandler{}, Config{Interval: time.Minute}, logger.Nop(),
			WithLease(lease))

		_, err := s.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(1), lease.released.Load())
	})

	t.Run("backend failure degrades", func(t *testing.T) {
		s := NewScheduler(staticLister{}, &scriptedHandler{}, Config{Interval: time.Minute}, logger.Nop(),
			WithLease(&fakeLease{err: stderrors.New("connection refused")}))

		_, err := s.Sweep(context.Background())
		assert.True(t, errors.IsCode(err, errors.ErrCodeDegraded))
	})
}

func TestScheduler_StartStop(t *testing.T) {
	handler := &scriptedHandler{results: map[string]service.TimeoutResult{"a": service.TimeoutEscalated}}
	s := NewScheduler(staticLister{list: workflows("a")}, handler, Config{Interval: 5 * time.Millisecond}, logger.Nop())

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.calls) > 0
	}, time.Second, time.Millisecond)
	s.Stop()
}

// ── Against the workflow service ─────────────────────────────────────────────

func newService(t *testing.T) (*service.WorkflowService, *repository.MemoryRepository, *clock) {
	t.Helper()
	store, err := workflowconfig.NewStore(context.Background(),
		workflowconfig.NewFileSource("../../config/workflow_steps.yaml"), zerolog.Nop())
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	c := &clock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	svc := service.NewWorkflowService(repo, repo, repo.Audit(), store, logger.Nop(), service.WithClock(c.Now))
	return svc, repo, c
}

func TestSweep_AppliesStepTimeoutPolicies(t *testing.T) {
	ctx := context.Background()
	svc, repo, c := newService(t)

	escalating, err := svc.InitiateWorkflow(ctx, service.InitiateRequest{
		TravelRequestID: "req-1", WorkflowType: repository.WorkflowTypePreTravel,
	})
	require.NoError(t, err)

	autoApproving, err := svc.InitiateWorkflow(ctx, service.InitiateRequest{
		TravelRequestID: "req-2", WorkflowType: repository.WorkflowTypePreTravel,
	})
	require.NoError(t, err)
	_, err = svc.ProcessApproval(ctx, service.ApprovalRequest{
		WorkflowID: autoApproving.ID, ApproverRole: "MANAGER", Action: repository.ActionApprove,
	})
	require.NoError(t, err)

	s := NewScheduler(repo, svc, Config{Interval: time.Minute, Concurrency: 2}, logger.Nop(), WithClock(c.Now))

	c.Advance(49 * time.Hour)
	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Overdue)
	assert.Equal(t, 1, report.Escalated)
	assert.Equal(t, 1, report.AutoApproved)

	got, err := svc.GetWorkflow(ctx, escalating.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, got.Status)
	assert.Equal(t, "DEPARTMENT_HEAD", got.CurrentApproverRole)
	require.NotNil(t, got.DueDate)
	assert.True(t, got.DueDate.After(c.Now()))

	got, err = svc.GetWorkflow(ctx, autoApproving.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCompleted, got.Status)

	report, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Overdue)
}

func TestSweep_HumanActionWinsOverStaleListing(t *testing.T) {
	ctx := context.Background()
	svc, repo, c := newService(t)

	wf, err := svc.InitiateWorkflow(ctx, service.InitiateRequest{
		TravelRequestID: "req-1", WorkflowType: repository.WorkflowTypePreTravel,
	})
	require.NoError(t, err)
	c.Advance(25 * time.Hour)

	stale, err := repo.ListOverdue(ctx, c.Now(), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	_, err = svc.ProcessApproval(ctx, service.ApprovalRequest{
		WorkflowID: wf.ID, ApproverRole: "MANAGER", Action: repository.ActionReject,
	})
	require.NoError(t, err)

	s := NewScheduler(staticLister{list: stale}, svc, Config{Interval: time.Minute}, logger.Nop(), WithClock(c.Now))
	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	got, err := svc.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, got.Status)
}

// ── Redis lease ──────────────────────────────────────────────────────────────

func TestRedisLease(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := NewRedisClient(addr, "", 0)
	defer client.Close()

	key := "travel-approvals:test-lease:" + t.Name()
	a := NewRedisLease(client, key, 10*time.Second, zerolog.Nop())
	b := NewRedisLease(client, key, 10*time.Second, zerolog.Nop())

	release, ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	releaseB, ok, err := b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	releaseB()
}
