package workflowconfig

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

type stubSource struct {
	mu   sync.Mutex
	defs []repository.StepDefinition
	err  error
}

func (s *stubSource) LoadStepDefinitions(context.Context) ([]repository.StepDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defs, s.err
}

func (s *stubSource) set(defs []repository.StepDefinition, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs, s.err = defs, err
}

func hours(h int) *int { return &h }

func step(t repository.WorkflowType, name, role string, order int) repository.StepDefinition {
	return repository.StepDefinition{
		WorkflowType:  t,
		StepName:      name,
		ApproverRole:  role,
		SequenceOrder: order,
		IsMandatory:   true,
		IsActive:      true,
	}
}

func validDefs() []repository.StepDefinition {
	mgr := step(repository.WorkflowTypePreTravel, "MANAGER", "MANAGER", 1)
	mgr.TimeLimitHours = hours(24)
	fin := step(repository.WorkflowTypePreTravel, "FINANCE", "FINANCE", 2)
	fin.TimeLimitHours = hours(48)
	fin.AutoApproveOnTimeout = true
	return []repository.StepDefinition{
		fin, mgr,
		step(repository.WorkflowTypePostTravel, "SETTLEMENT", "FINANCE", 1),
	}
}

func TestValidate_OrdersActiveSteps(t *testing.T) {
	sequences, err := Validate(validDefs())
	require.NoError(t, err)

	pre := sequences[repository.WorkflowTypePreTravel]
	require.Equal(t, 2, pre.Len())
	assert.Equal(t, "MANAGER", pre.First().StepName)

	steps := pre.Steps()
	for i := 1; i < len(steps); i++ {
		assert.Greater(t, steps[i].SequenceOrder, steps[i-1].SequenceOrder)
	}
}

func TestValidate_IgnoresInactiveSteps(t *testing.T) {
	defs := validDefs()
	retired := step(repository.WorkflowTypePreTravel, "LEGACY", "CFO", 2)
	retired.IsActive = false
	defs = append(defs, retired)

	sequences, err := Validate(defs)
	require.NoError(t, err)
	assert.Equal(t, 2, sequences[repository.WorkflowTypePreTravel].Len())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]repository.StepDefinition) []repository.StepDefinition
		field  string
	}{
		{
			name: "gap in sequence",
			mutate: func(d []repository.StepDefinition) []repository.StepDefinition {
				d[0].SequenceOrder = 3
				return d
			},
			field: "sequence_order",
		},
		{
			name: "duplicate order",
			mutate: func(d []repository.StepDefinition) []repository.StepDefinition {
				d[0].SequenceOrder = 1
				return d
			},
			field: "sequence_order",
		},
		{
			name: "duplicate name",
			mutate: func(d []repository.StepDefinition) []repository.StepDefinition {
				d[0].StepName = "MANAGER"
				return d
			},
			field: "step_name",
		},
		{
			name: "missing workflow type",
			mutate: func(d []repository.StepDefinition) []repository.StepDefinition {
				return d[:2]
			},
			field: "workflow_type",
		},
		{
			name: "unknown workflow type",
			mutate: func(d []repository.StepDefinition) []repository.StepDefinition {
				d[2].WorkflowType = "BUSINESS_TRIP"
				return d
			},
			field: "workflow_type",
		},
		{
			name: "non-positive time limit",
			mutate: func(d []repository.StepDefinition) []repository.StepDefinition {
				d[1].TimeLimitHours = hours(0)
				return d
			},
			field: "time_limit_hours",
		},
		{
			name: "missing approver role",
			mutate: func(d []repository.StepDefinition) []repository.StepDefinition {
				d[1].ApproverRole = ""
				return d
			},
			field: "approver_role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.mutate(validDefs()))
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeConfiguration))
			assert.Equal(t, tt.field, errors.FieldOf(err))
		})
	}
}

func TestStore_Navigation(t *testing.T) {
	store, err := NewStore(context.Background(), &stubSource{defs: validDefs()}, zerolog.Nop())
	require.NoError(t, err)

	first, err := store.FirstStep(repository.WorkflowTypePreTravel)
	require.NoError(t, err)
	assert.Equal(t, "MANAGER", first.StepName)

	next, ok, err := store.NextStep(repository.WorkflowTypePreTravel, "MANAGER")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "FINANCE", next.StepName)

	_, ok, err = store.NextStep(repository.WorkflowTypePreTravel, "FINANCE")
	require.NoError(t, err)
	assert.False(t, ok, "last step yields the terminal marker")

	_, ok, err = store.PreviousStep(repository.WorkflowTypePreTravel, "MANAGER")
	require.NoError(t, err)
	assert.False(t, ok)

	prev, ok, err := store.PreviousStep(repository.WorkflowTypePreTravel, "FINANCE")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "MANAGER", prev.StepName)

	_, _, err = store.NextStep(repository.WorkflowTypePreTravel, "NOPE")
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfiguration))
}

func TestStore_FailedReloadKeepsPreviousSnapshot(t *testing.T) {
	src := &stubSource{defs: validDefs()}
	store, err := NewStore(context.Background(), src, zerolog.Nop())
	require.NoError(t, err)
	before := store.Snapshot()

	broken := validDefs()
	broken[1].SequenceOrder = 5
	src.set(broken, nil)

	_, err = store.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfiguration))
	assert.Same(t, before, store.Snapshot())

	steps, err := store.ActiveSteps(repository.WorkflowTypePreTravel)
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	src.set(validDefs(), nil)
	snap, err := store.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before.Generation+1, snap.Generation)
}

func TestNewStore_FailsOnInvalidConfiguration(t *testing.T) {
	_, err := NewStore(context.Background(), &stubSource{}, zerolog.Nop())
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfiguration))
}

func TestFileSource_DefaultsAndRoundTrip(t *testing.T) {
	doc := `
version: "v7"
steps:
  - workflow_type: PRE_TRAVEL
    step_name: MANAGER
    approver_role: MANAGER
    sequence_order: 1
    time_limit_hours: 24
  - workflow_type: POST_TRAVEL
    step_name: FINANCE
    approver_role: FINANCE
    sequence_order: 1
    escalation_role: FINANCE_HEAD
  - workflow_type: POST_TRAVEL
    step_name: RETIRED
    approver_role: HR
    sequence_order: 2
    is_active: false
`
	path := filepath.Join(t.TempDir(), "steps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	defs, err := NewFileSource(path).LoadStepDefinitions(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.True(t, defs[0].IsActive)
	assert.True(t, defs[0].IsMandatory)
	assert.Equal(t, 24, *defs[0].TimeLimitHours)
	assert.Equal(t, "FINANCE_HEAD", *defs[1].EscalationRole)
	assert.False(t, defs[2].IsActive)
	assert.Equal(t, "v7", defs[0].Version)

	encoded, err := Encode("v7", defs)
	require.NoError(t, err)
	again, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, defs, again)
}

func TestFileSource_ShippedConfigIsValid(t *testing.T) {
	store, err := NewStore(context.Background(), NewFileSource("../../config/workflow_steps.yaml"), zerolog.Nop())
	require.NoError(t, err)

	steps, err := store.ActiveSteps(repository.WorkflowTypePreTravel)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.True(t, steps[1].AutoApproveOnTimeout)
	assert.Equal(t, "2026-10", store.Snapshot().Version)
}

func TestFileSource_MissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml")).LoadStepDefinitions(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfiguration))
}
