package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/app"
	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/domain"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Buildline CLI",
	Long: `Buildline tracks construction progress and the acceptance of finished work.
Core concepts:
- Work items: the project breakdown. Root items are phases; leaves carry daily progress logs and parents roll up the mean of their children.
- Progress logs: one percentage per leaf per date; the latest date wins.
- Stages: acceptance gates on a phase, signed supervisor -> project manager -> customer (-> design -> owner in the extended workflow).
- Items: the checklist of a stage; each is accepted or rejected once its end date has passed.
- Defects: raised by hand or automatically when a stage or item is rejected. The final sign-off waits until every defect is verified.
- Project progress: one overall percentage taken from acceptance, logs, subcontractors or a manual value.
- Events: an append-only diary of every change, view with 'bl events tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BUILDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/buildline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "project", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(workItemCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(defectCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

// session is an opened workspace with the active project resolved.
type session struct {
	*app.App
	ProjectID string
	ActorID   string
}

func openApp(logEvents bool) (*app.App, error) {
	return app.Open(app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigFile: viper.GetString("config"),
		ProjectID:  viper.GetString("project"),
		LogLevel:   viper.GetString("log-level"),
		LogEvents:  logEvents,
	})
}

func withSession(ctx context.Context, fn func(context.Context, session) error) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()
	actorID := viper.GetString("actor-id")
	projectID, err := app.ResolveProject(ctx, a.Engine, viper.GetString("project"), actorID)
	if err != nil {
		return err
	}
	return fn(ctx, session{App: a, ProjectID: projectID, ActorID: actorID})
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": true, "driver": a.Config.Database.Driver})
			}
			fmt.Printf("migrations applied (%s)\n", a.Config.Database.Driver)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage buildline.yml",
		Long:  "The config file picks the database, the acceptance workflow, the progress blend and the webhooks that receive events.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default buildline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := viper.GetString("project")
			if projectID == "" {
				return fmt.Errorf("--project required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			return printJSON(a.Config)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file := viper.GetString("config"); file != "" {
				_, err = config.FromFile(file)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			items, err := a.Engine.Repo.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable("ID", "Name", "Status", "Created")
			for _, p := range items {
				tw.AppendRow(row(p.ID, p.Name, p.Status, p.CreatedAt))
			}
			tw.Render()
			return nil
		},
	})

	var id, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			p, err := a.Engine.InitProject(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	create.Flags().StringVar(&id, "id", "", "project id")
	create.Flags().StringVar(&name, "name", "", "display name")
	_ = create.MarkFlagRequired("id")
	prj.AddCommand(create)
	return prj
}

func eventsCmd() *cobra.Command {
	evt := &cobra.Command{Use: "events", Short: "Inspect the event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				items, err := s.Engine.Repo.LatestEvents(ctx, n, s.ProjectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor", "Payload")
				for i := len(items) - 1; i >= 0; i-- {
					e := items[i]
					tw.AppendRow(row(e.ID, e.TS, e.Type, e.EntityKind+":"+e.EntityID, e.ActorID, e.Payload))
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	evt.AddCommand(tail)
	return evt
}

// refused turns a refused transition into a command error.
func refused(name string, res domain.Result) error {
	if viper.GetBool("json") {
		_ = printJSON(res)
	}
	return fmt.Errorf("%s refused: %s", name, res.Reason)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
