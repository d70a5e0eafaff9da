package workflowconfig

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

// Source supplies raw step definitions. The Postgres implementation is
// repository.StepDefinitionRepository.
type Source interface {
	LoadStepDefinitions(ctx context.Context) ([]repository.StepDefinition, error)
}

// FileSource reads step definitions from a YAML document of the form:
//
//	version: "2026-10"
//	steps:
//	  - workflow_type: PRE_TRAVEL
//	    step_name: MANAGER_REVIEW
//	    approver_role: MANAGER
//	    sequence_order: 1
//	    time_limit_hours: 24
//
// Omitted is_active and is_mandatory default to true.
type FileSource struct {
	Path string
}

// NewFileSource creates a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

type fileDocument struct {
	Version string     `yaml:"version"`
	Steps   []fileStep `yaml:"steps"`
}

type fileStep struct {
	WorkflowType         string  `yaml:"workflow_type"`
	StepName             string  `yaml:"step_name"`
	ApproverRole         string  `yaml:"approver_role"`
	SequenceOrder        int     `yaml:"sequence_order"`
	IsMandatory          *bool   `yaml:"is_mandatory"`
	TimeLimitHours       *int    `yaml:"time_limit_hours"`
	AutoApproveOnTimeout bool    `yaml:"auto_approve_on_timeout"`
	EscalationRole       *string `yaml:"escalation_role"`
	IsActive             *bool   `yaml:"is_active"`
}

// LoadStepDefinitions reads and decodes the file on every call.
func (s *FileSource) LoadStepDefinitions(_ context.Context) ([]repository.StepDefinition, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "failed to read workflow steps file")
	}
	return Decode(data)
}

// Decode parses a YAML step document.
func Decode(data []byte) ([]repository.StepDefinition, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "failed to parse workflow steps file")
	}

	defs := make([]repository.StepDefinition, 0, len(doc.Steps))
	for _, fs := range doc.Steps {
		defs = append(defs, repository.StepDefinition{
			WorkflowType:         repository.WorkflowType(fs.WorkflowType),
			StepName:             fs.StepName,
			ApproverRole:         fs.ApproverRole,
			SequenceOrder:        fs.SequenceOrder,
			IsMandatory:          boolOr(fs.IsMandatory, true),
			TimeLimitHours:       fs.TimeLimitHours,
			AutoApproveOnTimeout: fs.AutoApproveOnTimeout,
			EscalationRole:       fs.EscalationRole,
			IsActive:             boolOr(fs.IsActive, true),
			Version:              doc.Version,
		})
	}
	return defs, nil
}

// Encode renders defs in the FileSource format.
func Encode(version string, defs []repository.StepDefinition) ([]byte, error) {
	doc := fileDocument{Version: version}
	for _, d := range defs {
		mandatory, active := d.IsMandatory, d.IsActive
		doc.Steps = append(doc.Steps, fileStep{
			WorkflowType:         string(d.WorkflowType),
			StepName:             d.StepName,
			ApproverRole:         d.ApproverRole,
			SequenceOrder:        d.SequenceOrder,
			IsMandatory:          &mandatory,
			TimeLimitHours:       d.TimeLimitHours,
			AutoApproveOnTimeout: d.AutoApproveOnTimeout,
			EscalationRole:       d.EscalationRole,
			IsActive:             &active,
		})
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode workflow steps")
	}
	return out, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
