package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/domain"
	"buildline/internal/engine"
)

func progressCmd() *cobra.Command {
	pr := &cobra.Command{
		Use:   "progress",
		Short: "Project progress",
		Long:  "Overall progress comes from acceptance when stages exist, else logs, else subcontractor reports, else the manual value. The mixed blend averages every available signal.",
	}
	pr.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show project progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				p, err := s.Engine.GetProjectProgress(ctx, s.ProjectID)
				return showProgress(p, err)
			})
		},
	})
	pr.AddCommand(&cobra.Command{
		Use:   "recalculate",
		Short: "Recalculate project progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				p, err := s.Engine.RecalculateOverall(ctx, s.ProjectID)
				return showProgress(p, err)
			})
		},
	})
	pr.AddCommand(&cobra.Command{
		Use:   "manual <percentage|clear>",
		Short: "Set or clear the manual percentage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value *float64
			if args[0] != "clear" {
				v, err := strconv.ParseFloat(args[0], 64)
				if err != nil {
					return fmt.Errorf("percentage: %w", err)
				}
				value = &v
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				p, err := s.Engine.SetManualProgress(ctx, s.ProjectID, value, s.ActorID)
				return showProgress(p, err)
			})
		},
	})
	pr.AddCommand(subcontractorCmd())
	return pr
}

func subcontractorCmd() *cobra.Command {
	sub := &cobra.Command{Use: "subcontractor", Short: "Subcontractor reported progress"}

	var weight float64
	set := &cobra.Command{
		Use:   "set <name> <percentage>",
		Short: "Record a subcontractor's percentage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("percentage: %w", err)
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				p, err := s.Engine.UpsertSubcontractorProgress(ctx, engine.SubcontractorOptions{
					ProjectID:  s.ProjectID,
					Name:       args[0],
					Weight:     weight,
					Percentage: value,
					ActorID:    s.ActorID,
				})
				return showProgress(p, err)
			})
		},
	}
	set.Flags().Float64Var(&weight, "weight", 0, "weight in the weighted mean (default 1)")
	sub.AddCommand(set)

	sub.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List subcontractor reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				subs, err := s.Engine.ListSubcontractors(ctx, s.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(subs)
				}
				tw := newTable("Name", "Weight", "Progress", "Updated")
				for _, sc := range subs {
					tw.AppendRow(row(sc.Name, sc.Weight, pct(sc.Percentage), sc.UpdatedAt))
				}
				tw.Render()
				return nil
			})
		},
	})
	return sub
}

func showProgress(p domain.ProjectProgress, err error) error {
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(p)
	}
	printProgress(p)
	return nil
}
