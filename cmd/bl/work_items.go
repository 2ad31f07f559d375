package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/engine"
)

func workItemCmd() *cobra.Command {
	wi := &cobra.Command{
		Use:     "work-item",
		Aliases: []string{"wi"},
		Short:   "Manage the work breakdown",
	}
	wi.AddCommand(workItemCreateCmd())
	wi.AddCommand(workItemListCmd())
	wi.AddCommand(workItemTreeCmd())
	wi.AddCommand(workItemUpdateCmd())
	wi.AddCommand(workItemDeleteCmd())
	wi.AddCommand(workItemRecomputeCmd())
	wi.AddCommand(workItemRebuildCmd())
	return wi
}

func workItemCreateCmd() *cobra.Command {
	var opts engine.WorkItemCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item; without --parent it is a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				opts.ProjectID = s.ProjectID
				opts.ActorID = s.ActorID
				w, err := s.Engine.CreateWorkItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent work item id")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.EndDate, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.Duration, "duration", 0, "duration in days (default derived from dates)")
	cmd.Flags().IntVar(&opts.Order, "order", 0, "display order among siblings")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func workItemListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				items, err := s.Engine.ListWorkItems(ctx, s.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printWorkItems(items)
				return nil
			})
		},
	}
}

func workItemTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show the work breakdown as a tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				tree, err := s.Engine.WorkItemTree(ctx, s.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tree)
				}
				printTree(tree)
				return nil
			})
		},
	}
}

func workItemUpdateCmd() *cobra.Command {
	var name, start, end, parent string
	var duration, order int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a work item",
		Long:  "Only the flags given are changed. --parent \"\" moves the item to the root.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				opts := engine.WorkItemEditOptions{ID: args[0], ActorID: s.ActorID}
				flags := cmd.Flags()
				if flags.Changed("name") {
					opts.Name = &name
				}
				if flags.Changed("start") {
					opts.StartDate = &start
				}
				if flags.Changed("end") {
					opts.EndDate = &end
				}
				if flags.Changed("duration") {
					opts.Duration = &duration
				}
				if flags.Changed("order") {
					opts.Order = &order
				}
				if flags.Changed("parent") {
					opts.ParentID = &parent
				}
				w, err := s.Engine.EditWorkItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&start, "start", "", "start date")
	cmd.Flags().StringVar(&end, "end", "", "end date")
	cmd.Flags().StringVar(&parent, "parent", "", "new parent id")
	cmd.Flags().IntVar(&duration, "duration", 0, "duration in days")
	cmd.Flags().IntVar(&order, "order", 0, "display order")
	return cmd
}

func workItemDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a leaf work item and its logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if err := s.Engine.DeleteWorkItem(ctx, args[0], s.ActorID); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func workItemRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <id>",
		Short: "Recompute a work item and its ancestors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if err := s.Engine.Recompute(ctx, args[0]); err != nil {
					return err
				}
				w, err := s.Engine.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
}

func workItemRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute every work item of the project bottom-up",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if err := s.Engine.RebuildProjectProgress(ctx, s.ProjectID); err != nil {
					return err
				}
				tree, err := s.Engine.WorkItemTree(ctx, s.ProjectID)
				if err != nil {
					return err
				}
				printTree(tree)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Record daily progress on leaf work items"}

	var add engine.LogOptions
	addCmd := &cobra.Command{
		Use:   "add <work-item-id> <percentage>",
		Short: "Record progress; a second log for the same date replaces the first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value float64
			if _, err := fmt.Sscanf(args[1], "%g", &value); err != nil {
				return fmt.Errorf("percentage: %w", err)
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				add.WorkItemID = args[0]
				add.Percentage = value
				add.AuthorID = s.ActorID
				l, err := s.Engine.AddProgressLog(ctx, add)
				if err != nil {
					return err
				}
				return printJSON(l)
			})
		},
	}
	addCmd.Flags().StringVar(&add.LogDate, "date", "", "log date (default today)")
	addCmd.Flags().StringVar(&add.Note, "note", "", "note")
	lg.AddCommand(addCmd)

	lg.AddCommand(&cobra.Command{
		Use:   "list <work-item-id>",
		Short: "List logs of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				logs, err := s.Engine.ListProgressLogs(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := newTable("ID", "Date", "Progress", "Author", "Note")
				for _, l := range logs {
					tw.AppendRow(row(l.ID, l.LogDate, pct(l.Percentage), l.AuthorID, l.Note))
				}
				tw.Render()
				return nil
			})
		},
	})

	var date, note string
	var value float64
	update := &cobra.Command{
		Use:   "update <log-id>",
		Short: "Update a progress log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				opts := engine.LogUpdateOptions{ID: args[0], ActorID: s.ActorID}
				if cmd.Flags().Changed("date") {
					opts.LogDate = &date
				}
				if cmd.Flags().Changed("percentage") {
					opts.Percentage = &value
				}
				if cmd.Flags().Changed("note") {
					opts.Note = &note
				}
				l, err := s.Engine.UpdateProgressLog(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(l)
			})
		},
	}
	update.Flags().StringVar(&date, "date", "", "log date")
	update.Flags().Float64Var(&value, "percentage", 0, "percentage")
	update.Flags().StringVar(&note, "note", "", "note")
	lg.AddCommand(update)

	lg.AddCommand(&cobra.Command{
		Use:   "delete <log-id>",
		Short: "Delete a progress log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if err := s.Engine.DeleteProgressLog(ctx, args[0], s.ActorID); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	})
	return lg
}
