package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/config"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/database"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/workflowconfig"
)

// stepStore is the Postgres side of publish and export.
type stepStore interface {
	workflowconfig.Source
	Publish(ctx context.Context, defs []repository.StepDefinition) error
}

// openStore connects using the service's DB_* environment. Tests replace it.
var openStore = func(ctx context.Context) (stepStore, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := database.New(ctx, database.Config{DSN: cfg.Database.DSN(), MaxConns: 2})
	if err != nil {
		return nil, nil, err
	}
	return repository.NewStepDefinitionRepository(db), db.Close, nil
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "workflowctl",
		Short:         "Manage travel approval step configurations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newValidateCommand(),
		newStepsCommand(),
		newPublishCommand(),
		newExportCommand(),
	)
	return cmd
}

func newValidateCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a step configuration file",
		Long: `Decode a step configuration file and check that every workflow type has
an active sequence numbered 1..n with unique step names.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs, seqs, err := loadFile(cmd.Context(), file)
			if err != nil {
				return err
			}
			active := 0
			for _, seq := range seqs {
				active += seq.Len()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %d workflow types, %d active steps, %d definitions\n",
				len(seqs), active, len(defs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "config/workflow_steps.yaml", "step configuration file")
	return cmd
}

func newStepsCommand() *cobra.Command {
	var (
		file         string
		workflowType string
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Print the active step sequence per workflow type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, seqs, err := loadFile(cmd.Context(), file)
			if err != nil {
				return err
			}
			types := repository.WorkflowTypes
			if workflowType != "" {
				t := repository.WorkflowType(workflowType)
				if _, ok := seqs[t]; !ok {
					return fmt.Errorf("unknown workflow type %q", workflowType)
				}
				types = []repository.WorkflowType{t}
			}
			if asJSON {
				out := make(map[repository.WorkflowType][]repository.StepDefinition, len(types))
				for _, t := range types {
					out[t] = seqs[t].Steps()
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			return printSteps(cmd.OutOrStdout(), types, seqs)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "config/workflow_steps.yaml", "step configuration file")
	cmd.Flags().StringVarP(&workflowType, "type", "t", "", "limit output to one workflow type")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newPublishCommand() *cobra.Command {
	var (
		file   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Validate a step configuration file and make it the active set in Postgres",
		Long: `Validate a step configuration file and replace the active Postgres step
definitions for every workflow type it names. Running services pick the new
set up on SIGHUP or POST /api/v1/admin/workflow-config/reload.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs, _, err := loadFile(cmd.Context(), file)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "Dry run: %d definitions would be published\n", len(defs))
				return nil
			}
			store, closeStore, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			if err := store.Publish(cmd.Context(), defs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %d definitions\n", len(defs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "config/workflow_steps.yaml", "step configuration file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate only")
	return cmd
}

func newExportCommand() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the active Postgres step definitions as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeStore, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			defs, err := store.LoadStepDefinitions(cmd.Context())
			if err != nil {
				return err
			}
			if version == "" {
				for _, d := range defs {
					if d.Version != "" {
						version = d.Version
						break
					}
				}
			}
			out, err := workflowconfig.Encode(version, defs)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "version label for the exported document")
	return cmd
}

func loadFile(ctx context.Context, path string) ([]repository.StepDefinition, map[repository.WorkflowType]*workflowconfig.Sequence, error) {
	defs, err := workflowconfig.NewFileSource(path).LoadStepDefinitions(ctx)
	if err != nil {
		return nil, nil, err
	}
	seqs, err := workflowconfig.Validate(defs)
	if err != nil {
		return nil, nil, err
	}
	return defs, seqs, nil
}

func printSteps(w io.Writer, types []repository.WorkflowType, seqs map[repository.WorkflowType]*workflowconfig.Sequence) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tORDER\tSTEP\tROLE\tLIMIT\tON TIMEOUT")
	for _, t := range types {
		for _, s := range seqs[t].Steps() {
			limit, onTimeout := "-", "-"
			if s.TimeLimitHours != nil {
				limit = fmt.Sprintf("%dh", *s.TimeLimitHours)
				switch {
				case s.AutoApproveOnTimeout:
					onTimeout = "auto-approve"
				case s.EscalationRole != nil:
					onTimeout = "escalate to " + *s.EscalationRole
				}
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", t, s.SequenceOrder, s.StepName, s.ApproverRole, limit, onTimeout)
		}
	}
	return tw.Flush()
}
