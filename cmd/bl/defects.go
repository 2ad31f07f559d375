package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/engine"
	"buildline/internal/repo"
)

func defectCmd() *cobra.Command {
	df := &cobra.Command{
		Use:   "defect",
		Short: "Track defects",
		Long:  "Defects go open -> in_progress -> fixed -> verified. A fixed defect can be reopened. Only verified defects stop blocking the final sign-off.",
	}

	var opts engine.DefectReportOptions
	report := &cobra.Command{
		Use:   "report",
		Short: "Report a defect",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				opts.ProjectID = s.ProjectID
				opts.ReporterID = s.ActorID
				d, err := s.Engine.ReportDefect(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	report.Flags().StringVar(&opts.Description, "description", "", "what is wrong")
	report.Flags().StringVar(&opts.Severity, "severity", "", "low, medium, high or critical (default from config)")
	report.Flags().StringVar(&opts.StageID, "stage", "", "stage id")
	report.Flags().StringVar(&opts.ItemID, "item", "", "acceptance item id")
	report.Flags().StringVar(&opts.WorkItemID, "work-item", "", "work item id")
	_ = report.MarkFlagRequired("description")
	df.AddCommand(report)

	var filter repo.DefectFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List defects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				filter.ProjectID = s.ProjectID
				items, err := s.Engine.ListDefects(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printDefects(items)
				return nil
			})
		},
	}
	list.Flags().StringVar(&filter.StageID, "stage", "", "stage filter")
	list.Flags().StringVar(&filter.ItemID, "item", "", "item filter")
	list.Flags().StringVar(&filter.Status, "status", "", "status filter")
	list.Flags().StringVar(&filter.Severity, "severity", "", "severity filter")
	list.Flags().IntVar(&filter.Limit, "limit", 0, "max rows")
	df.AddCommand(list)

	df.AddCommand(&cobra.Command{
		Use:   "history <defect-id>",
		Short: "Show the status history of a defect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				history, err := s.Engine.DefectHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(history)
				}
				tw := newTable("At", "Action", "From", "To", "Actor", "Note")
				for _, h := range history {
					tw.AppendRow(row(h.CreatedAt, h.Action, h.OldStatus, h.NewStatus, h.ActorID, h.Note))
				}
				tw.Render()
				return nil
			})
		},
	})

	show := func(ctx context.Context, e engine.Engine, id string) (any, error) { return e.GetDefect(ctx, id) }
	for _, step := range []struct {
		use, short string
		get        func(engine.Engine) transition
	}{
		{"start", "Start working on a defect", func(e engine.Engine) transition { return e.StartDefect }},
		{"fix", "Mark a defect fixed", func(e engine.Engine) transition { return e.FixDefect }},
		{"verify", "Verify a fixed defect", func(e engine.Engine) transition { return e.VerifyDefect }},
		{"reopen", "Reopen a fixed defect", func(e engine.Engine) transition { return e.ReopenDefect }},
	} {
		cmd := singleTransitionCmd(step.use, step.short, false, step.get, show)
		var note string
		cmd.Flags().StringVar(&note, "note", "", "note kept in the history")
		get := step.get
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				return runTransition(ctx, s, cmd.Name(), args[0], note, get(s.Engine), show)
			})
		}
		df.AddCommand(cmd)
	}
	return df
}
