package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/domain"
	"buildline/internal/engine"
)

type transition func(ctx context.Context, id, actorID, reason string) (domain.Result, error)

func noReason(fn func(ctx context.Context, id, actorID string) (domain.Result, error)) transition {
	return func(ctx context.Context, id, actorID, _ string) (domain.Result, error) {
		return fn(ctx, id, actorID)
	}
}

func names(m map[string]transition) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{Use: "stage", Short: "Manage acceptance stages"}

	var workItemID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Open an acceptance stage on a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				stage, err := s.Engine.CreateStage(ctx, engine.StageCreateOptions{
					ProjectID:  s.ProjectID,
					WorkItemID: workItemID,
					Name:       name,
					ActorID:    s.ActorID,
				})
				if err != nil {
					return err
				}
				return printJSON(stage)
			})
		},
	}
	create.Flags().StringVar(&workItemID, "work-item", "", "phase work item id")
	create.Flags().StringVar(&name, "name", "", "stage name (default the phase name)")
	_ = create.MarkFlagRequired("work-item")
	st.AddCommand(create)

	st.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stages in sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				stages, err := s.Engine.ListStages(ctx, s.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				printStages(stages)
				return nil
			})
		},
	})

	st.AddCommand(&cobra.Command{
		Use:   "show <stage-id>",
		Short: "Show a stage with its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				view, err := s.Engine.GetStage(ctx, args[0])
				if err != nil {
					return err
				}
				items, err := s.Engine.ListItems(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"stage": view, "items": items})
				}
				printStages([]engine.StageView{view})
				printItems(items)
				return nil
			})
		},
	})

	st.AddCommand(transitionCmd("approve", "Sign the next approval step", func(e engine.Engine) map[string]transition {
		return map[string]transition{
			"supervisor": noReason(e.ApproveSupervisor),
			"pm":         noReason(e.ApprovePM),
			"customer":   noReason(e.ApproveCustomer),
			"design":     noReason(e.ApproveDesign),
			"owner":      noReason(e.ApproveOwner),
		}
	}, func(ctx context.Context, e engine.Engine, id string) (any, error) { return e.GetStage(ctx, id) }))

	st.AddCommand(singleTransitionCmd("reject", "Reject a stage; an open defect is raised", true,
		func(e engine.Engine) transition { return e.RejectStage },
		func(ctx context.Context, e engine.Engine, id string) (any, error) { return e.GetStage(ctx, id) }))
	st.AddCommand(singleTransitionCmd("resubmit", "Send a rejected stage back to pending", false,
		func(e engine.Engine) transition { return noReason(e.ResubmitStage) },
		func(ctx context.Context, e engine.Engine, id string) (any, error) { return e.GetStage(ctx, id) }))
	return st
}

func itemCmd() *cobra.Command {
	it := &cobra.Command{Use: "item", Short: "Manage acceptance items"}

	var opts engine.ItemCreateOptions
	create := &cobra.Command{
		Use:   "create <stage-id>",
		Short: "Add an item to a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				opts.StageID = args[0]
				opts.ActorID = s.ActorID
				item, err := s.Engine.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	}
	create.Flags().StringVar(&opts.Name, "name", "", "item name")
	create.Flags().StringVar(&opts.StartDate, "start", "", "start date")
	create.Flags().StringVar(&opts.EndDate, "end", "", "end date; the item can be accepted once it has passed")
	create.Flags().StringVar(&opts.WorkItemID, "work-item", "", "linked work item; approval logs 100% on a leaf")
	create.Flags().StringVar(&opts.TemplateID, "template", "", "template id")
	_ = create.MarkFlagRequired("name")
	it.AddCommand(create)

	it.AddCommand(&cobra.Command{
		Use:   "list <stage-id>",
		Short: "List items of a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				items, err := s.Engine.ListItems(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printItems(items)
				return nil
			})
		},
	})

	it.AddCommand(transitionCmd("move", "Move an item through sign-off or its workflow", func(e engine.Engine) map[string]transition {
		return map[string]transition{
			"submit":             noReason(e.SubmitItem),
			"approve-supervisor": noReason(e.ItemApproveSupervisor),
			"approve-pm":         noReason(e.ItemApprovePM),
			"approve-customer":   noReason(e.ItemApproveCustomer),
			"reject-workflow":    e.ItemRejectWorkflow,
			"approve":            noReason(e.ApproveItem),
			"reject":             e.RejectItem,
			"reset":              noReason(e.ResetItem),
		}
	}, func(ctx context.Context, e engine.Engine, id string) (any, error) { return e.GetItem(ctx, id) }))
	return it
}

// transitionCmd builds "<use> <transition> <id>" over a named set of transitions.
func transitionCmd(use, short string, set func(engine.Engine) map[string]transition, show func(context.Context, engine.Engine, string) (any, error)) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <transition> <id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				transitions := set(s.Engine)
				fn, ok := transitions[args[0]]
				if !ok {
					return fmt.Errorf("unknown transition %q (want one of %s)", args[0], names(transitions))
				}
				return runTransition(ctx, s, args[0], args[1], reason, fn, show)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func singleTransitionCmd(use, short string, withReason bool, get func(engine.Engine) transition, show func(context.Context, engine.Engine, string) (any, error)) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				return runTransition(ctx, s, use, args[0], reason, get(s.Engine), show)
			})
		},
	}
	if withReason {
		cmd.Flags().StringVar(&reason, "reason", "", "reason")
	}
	return cmd
}

func runTransition(ctx context.Context, s session, name, id, reason string, fn transition, show func(context.Context, engine.Engine, string) (any, error)) error {
	res, err := fn(ctx, id, s.ActorID, reason)
	if err != nil {
		return err
	}
	if !res.Applied {
		return refused(name, res)
	}
	out, err := show(ctx, s.Engine, id)
	if err != nil {
		return err
	}
	return printJSON(out)
}
