package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/gitops"
	"phaseline/internal/logging"
	"phaseline/internal/migrate"
	"phaseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Phaseline CLI",
	Long: `Phaseline drives an issue through a fixed catalog of phases, each carried out by an agent.
- Issue: one unit of work; everything that happens to it is an event in the workspace database.
- Phase: one step of the catalog (specify, plan, implement, review...), dispatched to an actor.
- Rewind: a rejection sends the issue back to the rewind target, up to max_rewinds times.
- Escalation: the loop stops to wait for a human answer (pl respond), an external signal (pl wake)
  or an operator restart after too many rewinds (pl restart).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
	viper.SetEnvPrefix("PHASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded on responses and restarts")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(issuesCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(respondCmd())
	rootCmd.AddCommand(wakeCmd())
	rootCmd.AddCommand(restartCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(gitCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default phaseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show workspace, schema and integration details",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				schema, err := migrate.Version(ctx, a.DB)
				if err != nil {
					return err
				}
				heads, err := a.Store.Issues(ctx)
				if err != nil {
					return err
				}
				info := map[string]any{
					"workspace":      a.Workspace,
					"database":       db.Path(a.Workspace),
					"schema_version": schema,
					"catalog_digest": a.Catalog.Digest(),
					"issues":         len(heads),
					"nats":           a.NATS != nil,
					"github":         a.GitHub != nil,
				}
				if viper.GetBool("json") {
					return printJSON(info)
				}
				tw := newTable()
				tw.AppendRow(table.Row{"Workspace", a.Workspace})
				tw.AppendRow(table.Row{"Database", db.Path(a.Workspace)})
				tw.AppendRow(table.Row{"Schema version", schema})
				tw.AppendRow(table.Row{"Catalog digest", a.Catalog.Digest()})
				tw.AppendRow(table.Row{"Issues", len(heads)})
				tw.AppendRow(table.Row{"NATS", a.NATS != nil})
				tw.AppendRow(table.Row{"GitHub", a.GitHub != nil})
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect phaseline.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := c.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate phaseline.yml or the given file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			c, err := config.FromFile(path)
			if err != nil {
				return err
			}
			cat, err := c.Catalog()
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid: %d phases, digest %s\n", path, len(cat.Names()), cat.Digest()[:12])
			return nil
		},
	})
	return cfg
}

func catalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Show the phase catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			cat, err := c.Catalog()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"phases":        cat.Phases(),
					"rewind_target": cat.RewindTarget(),
					"max_rewinds":   cat.MaxRewinds(),
					"digest":        cat.Digest(),
				})
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"#", "Phase", "Actor", "Sub-actors", "Feedback triggers"})
			for i, p := range cat.Phases() {
				tw.AppendRow(table.Row{i + 1, p.Name, p.Actor, strings.Join(p.SubActors, ", "), strings.Join(p.Triggers, ", ")})
			}
			tw.Render()
			fmt.Printf("Rewind target: %s, max rewinds: %d\n", cat.RewindTarget(), cat.MaxRewinds())
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <issue-id>",
		Short: "Drive an issue until it completes, fails, escalates or hibernates",
		Long:  "Runs the orchestrator loop in the foreground. Ctrl-C interrupts the running phase and records a checkpoint; the next run resumes from it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Runner.Run(ctx, args[0])
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				st, stErr := a.Orchestrator.State(context.WithoutCancel(ctx), args[0])
				if stErr != nil {
					return stErr
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"result": res, "state": st})
				}
				fmt.Printf("%s: %s\n", args[0], res)
				printState(st)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <issue-id>",
		Short: "Show the workflow state of an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Orchestrator.State(ctx, args[0])
				if err != nil {
					return err
				}
				if !st.Exists() {
					return fmt.Errorf("%s: %w", args[0], engine.ErrUnknownIssue)
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				printState(st)
				return nil
			})
		},
	}
}

func issuesCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				heads, err := a.Store.Issues(ctx)
				if err != nil {
					return err
				}
				var states []domain.WorkflowState
				for _, h := range heads {
					st, err := a.Orchestrator.State(ctx, h.IssueID)
					if err != nil {
						return err
					}
					if status != "" && string(st.Status) != status {
						continue
					}
					states = append(states, st)
				}
				if viper.GetBool("json") {
					return printJSON(states)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Issue", "Status", "Phase", "Done", "Rewinds", "Waiting on", "Updated"})
				for _, st := range states {
					waiting := ""
					if st.PendingEscalation != nil {
						waiting = string(st.PendingEscalation.Type)
					}
					tw.AppendRow(table.Row{
						st.IssueID, st.Status, st.CurrentPhase,
						len(st.PhasesCompleted), st.RewindAttempts, waiting,
						st.UpdatedAt.Format(time.RFC3339),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only issues with this status")
	return cmd
}

func eventsCmd() *cobra.Command {
	var from int64
	var kinds []string
	cmd := &cobra.Command{
		Use:   "events <issue-id>",
		Short: "Show the event history of an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				filter := make([]domain.EventKind, 0, len(kinds))
				for _, k := range kinds {
					filter = append(filter, domain.EventKind(k))
				}
				evts, err := a.Store.Events(ctx, args[0], from, filter...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"V", "Time", "Kind", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.Version, e.TS.Format(time.RFC3339), e.Kind, string(e.Payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first version to show")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "event kinds to show")
	return cmd
}

func respondCmd() *cobra.Command {
	var responder string
	cmd := &cobra.Command{
		Use:   "respond <issue-id> <answer>",
		Short: "Answer a human escalation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if responder == "" {
					responder = viper.GetString("actor-id")
				}
				resp, err := a.Repo.InsertResponse(ctx, args[0], args[1], responder)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(resp)
				}
				fmt.Printf("Recorded answer %s for %s; a waiting loop or the watchdog picks it up.\n", resp.ID, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&responder, "responder", "", "who answered (defaults to --actor-id)")
	return cmd
}

func wakeCmd() *cobra.Command {
	var reason string
	var run bool
	cmd := &cobra.Command{
		Use:   "wake <issue-id>",
		Short: "Signal that the external condition of a hibernating issue is met",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sig, err := a.Repo.InsertWake(ctx, args[0], reason, "cli:"+viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("Recorded wake signal %s for %s\n", sig.ID, args[0])
				if !run {
					return nil
				}
				res, err := a.Runner.Run(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", args[0], res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "what happened")
	cmd.Flags().BoolVar(&run, "run", false, "resume the issue in the foreground")
	return cmd
}

func restartCmd() *cobra.Command {
	var reason string
	var run bool
	cmd := &cobra.Command{
		Use:   "restart <issue-id>",
		Short: "Restart a failed or halted issue",
		Long:  "Clears the terminal error, the pending halt and the rewind counter. Completed phases are kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Orchestrator.Restart(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				fmt.Printf("Restarted %s at version %d\n", args[0], st.Version)
				if !run {
					return nil
				}
				res, err := a.Runner.Run(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", args[0], res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the issue is restarted")
	cmd.Flags().BoolVar(&run, "run", false, "run the issue in the foreground after restarting")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the control API, the escalation watchdog and the wake listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				secret := ""
				if env := a.Config.Server.JWTSecretEnv; env != "" {
					secret = os.Getenv(env)
				}
				if secret == "" {
					a.Log.Warn("no JWT secret configured; requests without credentials are served as operator")
				}
				fmt.Printf("Serving phaseline API on http://%s%s (metrics at /metrics, docs at /docs)\n", addr, basePath)
				return a.Serve(ctx, app.ServeOptions{Addr: addr, BasePath: basePath, JWTSecret: secret})
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

func gitCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "git",
		Short: "Git helpers for agent workspaces",
	}
	var key, issueID string
	push := &cobra.Command{
		Use:   "push",
		Short: "Push HEAD, rebasing onto the remote when the push is rejected",
		Long:  "With --issue, a rebase conflict pauses the issue on a human escalation listing the conflicting paths.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Publish(ctx, issueID, key)
				var conflict *gitops.ConflictError
				if errors.As(err, &conflict) {
					fmt.Fprintln(os.Stderr, "rebase conflicts need a human:")
					for _, path := range conflict.Paths {
						fmt.Fprintln(os.Stderr, "  "+path)
					}
					if issueID != "" {
						fmt.Fprintf(os.Stderr, "escalated on %s; answer with pl respond\n", issueID)
					}
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Skipped {
					fmt.Printf("Skipped: key already pushed (%s) %s\n", res.Reason, res.Commit)
					return nil
				}
				fmt.Printf("Pushed %s after %d attempt(s)\n", res.Commit, res.Attempts)
				return nil
			})
		},
	}
	push.Flags().StringVar(&issueID, "issue", "", "issue to escalate on when the rebase conflicts")
	push.Flags().StringVar(&key, "key", "", "idempotency key of the commit being published")
	g.AddCommand(push)
	return g
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage control API keys",
	}
	var actorID, role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !a.Roles.HasRole(role) {
					return fmt.Errorf("unknown role %q", role)
				}
				key, secret, err := server.CreateAPIKey(ctx, a.Repo, actorID, role, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"api_key": key, "key": secret})
				}
				fmt.Printf("API key %s for %s (%s):\n%s\n", key.ID, key.ActorID, key.Role, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates")
	create.Flags().StringVar(&role, "role", "agent", "role granted to the key")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("actor")

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "only keys of this actor")

	del := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted API key %s\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(create, list, del)
	return cmd
}

func tokenCmd() *cobra.Command {
	var actorID, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if c.Server.JWTSecretEnv == "" {
				return errors.New("server.jwt_secret_env is not set")
			}
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			token, err := server.SignToken(os.Getenv(c.Server.JWTSecretEnv), actorID, role, ttl)
			if err != nil {
				return fmt.Errorf("%s: %w", c.Server.JWTSecretEnv, err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "subject of the token (defaults to --actor-id)")
	cmd.Flags().StringVar(&role, "role", "operator", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// withApp opens the workspace, runs fn and closes everything.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	log, err := logging.New(viper.GetString("log-level"), viper.GetString("log-format"))
	if err != nil {
		return err
	}
	defer logging.Sync(log)
	ctx = logging.WithLogger(ctx, log)
	a, err := app.Open(ctx, viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close workspace", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func printState(st domain.WorkflowState) {
	tw := newTable()
	tw.AppendRow(table.Row{"Issue", st.IssueID})
	tw.AppendRow(table.Row{"Status", st.Status})
	tw.AppendRow(table.Row{"Version", st.Version})
	tw.AppendRow(table.Row{"Current phase", st.CurrentPhase})
	tw.AppendRow(table.Row{"Completed", strings.Join(st.PhasesCompleted, ", ")})
	tw.AppendRow(table.Row{"Last artifact", st.LastArtifact})
	tw.AppendRow(table.Row{"Rewinds", st.RewindAttempts})
	tw.AppendRow(table.Row{"Tokens", st.Usage.Tokens})
	if esc := st.PendingEscalation; esc != nil {
		waiting := string(esc.Type)
		if esc.Question != "" {
			waiting += ": " + esc.Question
		}
		if esc.Condition != "" {
			waiting += ": " + esc.Condition
		}
		tw.AppendRow(table.Row{"Waiting on", waiting})
		if esc.Deadline != nil {
			tw.AppendRow(table.Row{"Deadline", esc.Deadline.Format(time.RFC3339)})
		}
	}
	if st.TerminalError != "" {
		tw.AppendRow(table.Row{"Error", st.TerminalError})
	}
	if st.NeedsHuman {
		tw.AppendRow(table.Row{"Needs human", "yes"})
	}
	tw.Render()
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
