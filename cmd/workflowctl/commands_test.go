package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

const stepsFile = "../../config/workflow_steps.yaml"

type fakeStepStore struct {
	published []repository.StepDefinition
	stored    []repository.StepDefinition
}

func (f *fakeStepStore) LoadStepDefinitions(context.Context) ([]repository.StepDefinition, error) {
	return f.stored, nil
}

func (f *fakeStepStore) Publish(_ context.Context, defs []repository.StepDefinition) error {
	f.published = defs
	return nil
}

func useFakeStore(t *testing.T, f *fakeStepStore) {
	t.Helper()
	prev := openStore
	openStore = func(context.Context) (stepStore, func(), error) { return f, func() {}, nil }
	t.Cleanup(func() { openStore = prev })
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidate_ShippedConfiguration(t *testing.T) {
	out, err := run(t, "validate", "-f", stepsFile)
	require.NoError(t, err)
	assert.Equal(t, "OK: 2 workflow types, 4 active steps, 5 definitions\n", out)
}

func TestValidate_RejectsGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
steps:
  - {workflow_type: PRE_TRAVEL, step_name: MANAGER, approver_role: MANAGER, sequence_order: 1}
  - {workflow_type: PRE_TRAVEL, step_name: FINANCE, approver_role: FINANCE, sequence_order: 3}
  - {workflow_type: POST_TRAVEL, step_name: MANAGER, approver_role: MANAGER, sequence_order: 1}
`), 0o600))

	_, err := run(t, "validate", "-f", path)
	assert.Error(t, err)
}

func TestSteps_Table(t *testing.T) {
	out, err := run(t, "steps", "-f", stepsFile, "--type", "PRE_TRAVEL")
	require.NoError(t, err)
	assert.Contains(t, out, "escalate to DEPARTMENT_HEAD")
	assert.Contains(t, out, "auto-approve")
	assert.NotContains(t, out, "POST_TRAVEL")

	_, err = run(t, "steps", "-f", stepsFile, "--type", "BUSINESS_TRIP")
	assert.Error(t, err)
}

func TestPublish(t *testing.T) {
	store := &fakeStepStore{}
	useFakeStore(t, store)

	out, err := run(t, "publish", "-f", stepsFile, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Dry run: 5 definitions")
	assert.Empty(t, store.published)

	out, err = run(t, "publish", "-f", stepsFile)
	require.NoError(t, err)
	assert.Equal(t, "Published 5 definitions\n", out)
	require.Len(t, store.published, 5)
	assert.Equal(t, "2026-10", store.published[0].Version)
}

func TestExport(t *testing.T) {
	limit := 24
	useFakeStore(t, &fakeStepStore{stored: []repository.StepDefinition{{
		WorkflowType:   repository.WorkflowTypePreTravel,
		StepName:       "MANAGER",
		ApproverRole:   "MANAGER",
		SequenceOrder:  1,
		IsMandatory:    true,
		TimeLimitHours: &limit,
		IsActive:       true,
		Version:        "2026-09",
	}}})

	out, err := run(t, "export")
	require.NoError(t, err)
	assert.Contains(t, out, "2026-09")
	assert.Contains(t, out, "time_limit_hours: 24")
}
