package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"goalrank/internal/app"
	"goalrank/internal/config"
	"goalrank/internal/engine"
	"goalrank/internal/logger"
	"goalrank/internal/repo"
	"goalrank/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gr",
	Short: "Goal rank CLI",
	Long: `gr keeps goals in a per-user order.
- Workspace: a directory with goalrank.yml, an optional .env and the .goalrank database.
- Project: a set of goals.
- Actor: whoever is ordering; every actor has an independent order over the same goals.
- Rank: a number per actor and goal; lower sorts first. Moving a goal picks a number between its new neighbors.
- Reconcile: when goals were added since an actor last looked, their ranks are rebuilt as an even series keeping the existing order.
- Event log: everything that changed, view with 'gr log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := app.LoadEnv(workspace); err != nil {
			return fmt.Errorf("load .env: %w", err)
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
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GOALRANK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/goalrank.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor whose order is read and changed")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides the workspace default)")
	rootCmd.PersistentFlags().String("database-driver", "", "database driver: sqlite or pgx")
	rootCmd.PersistentFlags().String("database-dsn", "", "database DSN (required for pgx)")
	rootCmd.PersistentFlags().String("log-mode", "", "log mode: dev or prod")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "project", "database-driver", "database-dsn", "log-mode"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(rankCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.CreateProject(ctx, id, name, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to id)")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				p, err := rt.Engine.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete the current project with its goals and ranks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				return rt.Engine.DeleteProject(ctx, projectID, viper.GetString("actor-id"))
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			path := app.EnvPath(workspace)
			if err := app.SetEnvValue(path, app.DefaultProjectKey, projectID); err != nil {
				return err
			}
			fmt.Printf("Set %s=%s in %s\n", app.DefaultProjectKey, projectID, path)
			return nil
		},
	}
}

func goalCmd() *cobra.Command {
	g := &cobra.Command{Use: "goal", Short: "Manage goals"}
	g.AddCommand(goalCreateCmd())
	g.AddCommand(goalListCmd())
	g.AddCommand(goalShowCmd())
	g.AddCommand(goalUpdateCmd())
	g.AddCommand(goalDeleteCmd())
	g.AddCommand(goalMoveCmd())
	return g
}

func goalCreateCmd() *cobra.Command {
	var opts engine.GoalCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				opts.ProjectID = projectID
				opts.ActorID = viper.GetString("actor-id")
				g, err := rt.Engine.CreateGoal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "goal id (default: generated)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func goalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List goals in the actor's order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				goals, err := rt.Engine.ListGoals(ctx, projectID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(goals)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "ID", "Title", "Rank", "Updated"})
				for i, g := range goals {
					rank := ""
					if g.Rank != nil {
						rank = strconv.FormatFloat(*g.Rank, 'g', -1, 64)
					}
					tw.AppendRow(table.Row{i + 1, g.ID, g.Title, rank, g.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func goalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				g, err := rt.Engine.GetGoal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

func goalUpdateCmd() *cobra.Command {
	var title, desc string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update goal title or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.GoalUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				g, err := rt.Engine.UpdateGoal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	return cmd
}

func goalDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.DeleteGoal(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func goalMoveCmd() *cobra.Command {
	var after, before string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move goal between neighbors in the actor's order",
		Long:  "--after is the goal that should end up directly above, --before the one directly below. Give only --before to move to the top, only --after to move to the bottom.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				row, err := rt.Engine.MoveGoal(ctx, engine.MoveGoalOptions{
					ProjectID:  projectID,
					GoalID:     args[0],
					ActivityID: viper.GetString("actor-id"),
					AfterID:    after,
					BeforeID:   before,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(row)
			})
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "goal that should sort directly above")
	cmd.Flags().StringVar(&before, "before", "", "goal that should sort directly below")
	return cmd
}

func rankCmd() *cobra.Command {
	r := &cobra.Command{Use: "rank", Short: "Inspect and repair ranks"}
	r.AddCommand(rankGetCmd())
	r.AddCommand(rankReconcileCmd())
	return r
}

func rankGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <goal-id>",
		Short: "Show the actor's rank for a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				row, err := rt.Engine.Repo.GetRank(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(row)
			})
		},
	}
}

func rankReconcileCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild the actor's ranks when goals are missing one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				res, err := rt.Engine.Reconcile(ctx, projectID, viper.GetString("actor-id"), force)
				if err != nil {
					return err
				}
				res.Rows = nil
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "regenerate even when every goal has a rank")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default goalrank.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return c
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened: projects and goals created or changed, moves and rank regenerations.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				events, err := rt.Engine.Repo.LatestEvents(ctx, repo.EventFilter{
					ProjectID:  projectID,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Viewer:     viper.GetString("actor-id"),
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var dev bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt_secret"),
					AllowActorHeader: dev,
					DevLogin:         dev,
					Log:              rt.Log.With("component", "auth"),
				}
				if authCfg.JWTSecret == "" && !dev {
					return fmt.Errorf("GOALRANK_JWT_SECRET is required for bearer auth (or run with --dev)")
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Log:      rt.Log.With("component", "http"),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Log.Info("serving goal rank API", "addr", addr, "base_path", basePath, "dev", dev)
				fmt.Printf("Serving Goal Rank API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&dev, "dev", false, "accept X-Actor-Id without a token and enable /auth/dev/login")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("database-driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v := viper.GetString("database-dsn"); v != "" {
		cfg.Database.DSN = v
	}
	if v := viper.GetString("log-mode"); v != "" {
		cfg.Log.Mode = v
	}
	if v := viper.GetString("lock_backend"); v != "" {
		cfg.Lock.Backend = v
	}
	if v := viper.GetString("lock_redis_addr"); v != "" {
		cfg.Lock.RedisAddr = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return err
	}
	defer log.Sync()
	rt, err := app.Open(viper.GetString("workspace"), cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withProject(ctx context.Context, fn func(context.Context, *app.Runtime, string) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		projectID, err := app.ResolveProject(ctx, viper.GetString("project"), os.Getenv(app.DefaultProjectKey), rt.Engine.Repo)
		if err != nil {
			return err
		}
		return fn(ctx, rt, projectID)
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
