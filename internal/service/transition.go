package service

import (
	"fmt"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/workflowconfig"
)

// transition is the effect of one ledger action on a workflow position.
type transition struct {
	Status       repository.WorkflowStatus
	Step         repository.StepDefinition
	ApproverRole string
	StepChanged  bool
	RoleChanged  bool
}

// Terminal reports whether the transition closes the workflow.
func (t transition) Terminal() bool {
	return t.Status.Terminal()
}

// applyAction computes the next position from the current step and role.
// escalateTo is the already-resolved escalation target; nil leaves the
// approver in place and rests the workflow in ESCALATED. Both live
// processing and ledger replay go through here.
func applyAction(
	seq *workflowconfig.Sequence,
	currentStep, currentRole string,
	action repository.ApprovalAction,
	escalateTo *string,
) (transition, error) {
	step, err := seq.Step(currentStep)
	if err != nil {
		return transition{}, err
	}

	switch action {
	case repository.ActionApprove:
		next, ok, err := seq.Next(currentStep)
		if err != nil {
			return transition{}, err
		}
		if !ok {
			return transition{Status: repository.StatusCompleted, Step: step, ApproverRole: currentRole}, nil
		}
		return transition{
			Status:       repository.StatusPending,
			Step:         next,
			ApproverRole: next.ApproverRole,
			StepChanged:  true,
			RoleChanged:  true,
		}, nil

	case repository.ActionReject:
		return transition{Status: repository.StatusRejected, Step: step, ApproverRole: currentRole}, nil

	case repository.ActionReturn:
		prev, ok, err := seq.Previous(currentStep)
		if err != nil {
			return transition{}, err
		}
		if !ok {
			return transition{}, errors.InvalidTransition("action",
				fmt.Sprintf("step %s is the first step; there is no previous step to return to", currentStep))
		}
		return transition{
			Status:       repository.StatusPending,
			Step:         prev,
			ApproverRole: prev.ApproverRole,
			StepChanged:  true,
			RoleChanged:  true,
		}, nil

	case repository.ActionEscalate:
		if escalateTo == nil || *escalateTo == "" {
			return transition{Status: repository.StatusEscalated, Step: step, ApproverRole: currentRole}, nil
		}
		return transition{
			Status:       repository.StatusPending,
			Step:         step,
			ApproverRole: *escalateTo,
			RoleChanged:  true,
		}, nil
	}

	return transition{}, errors.InvalidInput("action", fmt.Sprintf("unknown action %q", action))
}

// ProjectionState is the position reproduced by replaying a ledger.
type ProjectionState struct {
	Step         string                    `json:"step"`
	ApproverRole string                    `json:"approver_role"`
	Status       repository.WorkflowStatus `json:"status"`
	Entries      int                       `json:"entries"`
}

// Replay folds ledger entries, oldest first, from the first step of seq.
// Each entry must have been recorded at the step replay has reached.
func Replay(seq *workflowconfig.Sequence, entries []*repository.ApprovalActionRecord) (ProjectionState, error) {
	first := seq.First()
	state := ProjectionState{
		Step:         first.StepName,
		ApproverRole: first.ApproverRole,
		Status:       repository.StatusPending,
	}

	for i, e := range entries {
		if state.Status.Terminal() {
			return state, errors.New(errors.ErrCodeInternal,
				fmt.Sprintf("ledger entry %d follows terminal status %s", i+1, state.Status))
		}
		if e.Step != state.Step {
			return state, errors.New(errors.ErrCodeInternal,
				fmt.Sprintf("ledger entry %d was recorded at step %s but replay reached %s", i+1, e.Step, state.Step))
		}
		t, err := applyAction(seq, state.Step, state.ApproverRole, e.Action, e.EscalatedToRole)
		if err != nil {
			return state, err
		}
		state.Step = t.Step.StepName
		state.ApproverRole = t.ApproverRole
		state.Status = t.Status
		state.Entries = i + 1
	}
	return state, nil
}
