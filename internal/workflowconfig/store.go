package workflowconfig

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

// Snapshot is one immutable, validated configuration generation. Readers
// hold a snapshot for the duration of an operation so a concurrent reload
// never changes the sequence underneath them.
type Snapshot struct {
	sequences  map[repository.WorkflowType]*Sequence
	Generation int64
	LoadedAt   time.Time
	Version    string
}

// Sequence returns the step sequence for t.
func (s *Snapshot) Sequence(t repository.WorkflowType) (*Sequence, error) {
	seq, ok := s.sequences[t]
	if !ok {
		return nil, errors.Configuration("workflow_type", fmt.Sprintf("no step sequence for workflow type %q", t))
	}
	return seq, nil
}

// Store serves step sequences to the engine. Reads are lock-free; reloads
// are serialized and replace the snapshot only after validation succeeds.
type Store struct {
	source  Source
	log     zerolog.Logger
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
	now     func() time.Time
}

// NewStore loads and validates the initial configuration. A service must not
// start on an invalid configuration, so any failure is returned.
func NewStore(ctx context.Context, source Source, log zerolog.Logger) (*Store, error) {
	s := &Store{source: source, log: log, now: time.Now}
	if _, err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the source. On any error the previous snapshot stays in
// effect and the error is returned.
func (s *Store) Reload(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.source.LoadStepDefinitions(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load workflow step definitions")
		return nil, err
	}

	sequences, err := Validate(defs)
	if err != nil {
		s.log.Error().Err(err).Msg("Rejected invalid workflow step definitions")
		return nil, err
	}

	var generation int64 = 1
	if prev := s.current.Load(); prev != nil {
		generation = prev.Generation + 1
	}

	snap := &Snapshot{
		sequences:  sequences,
		Generation: generation,
		LoadedAt:   s.now(),
		Version:    configVersion(defs),
	}
	s.current.Store(snap)

	event := s.log.Info().Int64("generation", generation).Str("version", snap.Version)
	for _, t := range repository.WorkflowTypes {
		event = event.Int(string(t), sequences[t].Len())
	}
	event.Msg("Workflow step definitions loaded")

	return snap, nil
}

// Snapshot returns the current configuration generation.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// ActiveSteps returns the ordered active steps for t.
func (s *Store) ActiveSteps(t repository.WorkflowType) ([]repository.StepDefinition, error) {
	seq, err := s.Snapshot().Sequence(t)
	if err != nil {
		return nil, err
	}
	return seq.Steps(), nil
}

// FirstStep returns the entry step for t.
func (s *Store) FirstStep(t repository.WorkflowType) (repository.StepDefinition, error) {
	seq, err := s.Snapshot().Sequence(t)
	if err != nil {
		return repository.StepDefinition{}, err
	}
	return seq.First(), nil
}

// NextStep returns the step after current. ok is false at the end of the
// sequence.
func (s *Store) NextStep(t repository.WorkflowType, current string) (repository.StepDefinition, bool, error) {
	seq, err := s.Snapshot().Sequence(t)
	if err != nil {
		return repository.StepDefinition{}, false, err
	}
	return seq.Next(current)
}

// PreviousStep returns the step before current. ok is false at the first step.
func (s *Store) PreviousStep(t repository.WorkflowType, current string) (repository.StepDefinition, bool, error) {
	seq, err := s.Snapshot().Sequence(t)
	if err != nil {
		return repository.StepDefinition{}, false, err
	}
	return seq.Previous(current)
}

// Step returns the active definition named name.
func (s *Store) Step(t repository.WorkflowType, name string) (repository.StepDefinition, error) {
	seq, err := s.Snapshot().Sequence(t)
	if err != nil {
		return repository.StepDefinition{}, err
	}
	return seq.Step(name)
}

func configVersion(defs []repository.StepDefinition) string {
	for _, d := range defs {
		if d.IsActive && d.Version != "" {
			return d.Version
		}
	}
	return ""
}
