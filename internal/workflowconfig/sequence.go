package workflowconfig

import (
	"fmt"
	"sort"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

// Sequence is the validated, ordered active step set of one workflow type.
// It is immutable once built.
type Sequence struct {
	workflowType repository.WorkflowType
	steps        []repository.StepDefinition
	index        map[string]int
}

// Type returns the workflow type the sequence governs.
func (s *Sequence) Type() repository.WorkflowType {
	return s.workflowType
}

// Steps returns a copy of the ordered steps.
func (s *Sequence) Steps() []repository.StepDefinition {
	out := make([]repository.StepDefinition, len(s.steps))
	copy(out, s.steps)
	return out
}

// Len returns the number of active steps.
func (s *Sequence) Len() int {
	return len(s.steps)
}

// First returns the first step.
func (s *Sequence) First() repository.StepDefinition {
	return s.steps[0]
}

// Step looks up a step by name.
func (s *Sequence) Step(name string) (repository.StepDefinition, error) {
	i, ok := s.index[name]
	if !ok {
		return repository.StepDefinition{}, unknownStep(s.workflowType, name)
	}
	return s.steps[i], nil
}

// Next returns the step after name. ok is false when name is the last step,
// which is the terminal marker rather than an error.
func (s *Sequence) Next(name string) (step repository.StepDefinition, ok bool, err error) {
	i, found := s.index[name]
	if !found {
		return repository.StepDefinition{}, false, unknownStep(s.workflowType, name)
	}
	if i+1 >= len(s.steps) {
		return repository.StepDefinition{}, false, nil
	}
	return s.steps[i+1], true, nil
}

// Previous returns the step before name. ok is false for the first step.
func (s *Sequence) Previous(name string) (step repository.StepDefinition, ok bool, err error) {
	i, found := s.index[name]
	if !found {
		return repository.StepDefinition{}, false, unknownStep(s.workflowType, name)
	}
	if i == 0 {
		return repository.StepDefinition{}, false, nil
	}
	return s.steps[i-1], true, nil
}

// Neighbors returns the names of the steps around name, nil at the edges.
func (s *Sequence) Neighbors(name string) (previous, next *string) {
	i, ok := s.index[name]
	if !ok {
		return nil, nil
	}
	if i > 0 {
		p := s.steps[i-1].StepName
		previous = &p
	}
	if i+1 < len(s.steps) {
		n := s.steps[i+1].StepName
		next = &n
	}
	return previous, next
}

func unknownStep(t repository.WorkflowType, name string) error {
	return errors.Configuration("step_name",
		fmt.Sprintf("step %q is not active in the %s sequence", name, t))
}

// Validate builds one Sequence per workflow type from defs. Every known type
// must have at least one active step; active sequence_order values must be
// exactly 1..n; active step names must be unique within a type.
func Validate(defs []repository.StepDefinition) (map[repository.WorkflowType]*Sequence, error) {
	active := make(map[repository.WorkflowType][]repository.StepDefinition)
	for _, d := range defs {
		if !d.WorkflowType.Valid() {
			return nil, errors.Configuration("workflow_type",
				fmt.Sprintf("unknown workflow type %q on step %q", d.WorkflowType, d.StepName))
		}
		if !d.IsActive {
			continue
		}
		if d.StepName == "" {
			return nil, errors.Configuration("step_name", fmt.Sprintf("%s has a step without a name", d.WorkflowType))
		}
		if d.ApproverRole == "" {
			return nil, errors.Configuration("approver_role",
				fmt.Sprintf("%s step %q has no approver role", d.WorkflowType, d.StepName))
		}
		if d.SequenceOrder <= 0 {
			return nil, errors.Configuration("sequence_order",
				fmt.Sprintf("%s step %q has non-positive sequence order %d", d.WorkflowType, d.StepName, d.SequenceOrder))
		}
		if d.TimeLimitHours != nil && *d.TimeLimitHours <= 0 {
			return nil, errors.Configuration("time_limit_hours",
				fmt.Sprintf("%s step %q has non-positive time limit", d.WorkflowType, d.StepName))
		}
		active[d.WorkflowType] = append(active[d.WorkflowType], d)
	}

	out := make(map[repository.WorkflowType]*Sequence, len(repository.WorkflowTypes))
	for _, t := range repository.WorkflowTypes {
		steps := active[t]
		if len(steps) == 0 {
			return nil, errors.Configuration("workflow_type", fmt.Sprintf("no active steps configured for %s", t))
		}
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].SequenceOrder < steps[j].SequenceOrder })

		index := make(map[string]int, len(steps))
		for i, step := range steps {
			if step.SequenceOrder != i+1 {
				if i > 0 && step.SequenceOrder == steps[i-1].SequenceOrder {
					return nil, errors.Configuration("sequence_order",
						fmt.Sprintf("%s has duplicate sequence order %d", t, step.SequenceOrder))
				}
				return nil, errors.Configuration("sequence_order",
					fmt.Sprintf("%s sequence has a gap: expected order %d, found %d at step %q", t, i+1, step.SequenceOrder, step.StepName))
			}
			if _, dup := index[step.StepName]; dup {
				return nil, errors.Configuration("step_name", fmt.Sprintf("%s has duplicate step name %q", t, step.StepName))
			}
			index[step.StepName] = i
		}
		out[t] = &Sequence{workflowType: t, steps: steps, index: index}
	}
	return out, nil
}
