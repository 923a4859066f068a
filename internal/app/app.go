// Package app wires phaseline's components from a workspace's phaseline.yml.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"phaseline/internal/agent"
	"phaseline/internal/catalog"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/engine/auth"
	"phaseline/internal/escalation"
	"phaseline/internal/events"
	"phaseline/internal/gh"
	"phaseline/internal/gitops"
	"phaseline/internal/migrate"
	"phaseline/internal/notify"
	"phaseline/internal/repo"
	"phaseline/internal/resilience"
	"phaseline/internal/server"
)

// App holds the wired components of one workspace.
type App struct {
	Workspace    string
	Config       *config.Config
	DB           *sql.DB
	Store        events.Store
	Repo         repo.Repo
	Ledger       *resilience.Ledger
	Catalog      *catalog.Catalog
	Notify       *notify.Multi
	Escalations  *escalation.Controller
	Orchestrator *engine.Orchestrator
	Runner       *engine.Runner
	Roles        auth.Service
	NATS         *nats.Conn
	GitHub       *gh.Client
	Log          *zap.Logger
}

// Open loads phaseline.yml from workspace (defaults when absent), opens and
// migrates the database and builds the orchestrator.
func Open(ctx context.Context, workspace string, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	return New(ctx, workspace, cfg, log)
}

// New is Open with an already loaded config.
func New(ctx context.Context, workspace string, cfg *config.Config, log *zap.Logger) (*App, error) {
	cat, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace, BusyTimeoutMS: cfg.Store.BusyTimeoutMS})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Store:     events.New(conn, log.Named("events")),
		Repo:      repo.Repo{DB: conn},
		Ledger:    &resilience.Ledger{DB: conn},
		Catalog:   cat,
		Roles:     auth.New(cfg.Auth.Roles),
		Log:       log,
	}
	if cfg.Store.AppendRetries > 0 {
		a.Store.MaxRetries = cfg.Store.AppendRetries
	}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.wire()
	return a, nil
}

// connect dials the optional NATS and GitHub integrations.
func (a *App) connect(ctx context.Context) error {
	n := a.Config.Notify
	if n.NATS.URL != "" {
		nc, err := nats.Connect(n.NATS.URL,
			nats.Name("phaseline"),
			nats.Timeout(5*time.Second),
			nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect nats %s: %w", n.NATS.URL, err)
		}
		a.NATS = nc
	}
	if n.GitHub.Repo != "" {
		tokenEnv := n.GitHub.TokenEnv
		if tokenEnv == "" {
			tokenEnv = "GITHUB_TOKEN"
		}
		client, err := gh.New(ctx, os.Getenv(tokenEnv), n.GitHub.BaseURL, n.GitHub.Repo, n.GitHub.IssuePrefix)
		if err != nil {
			return fmt.Errorf("github: %w", err)
		}
		a.GitHub = client
	}
	return nil
}

func (a *App) wire() {
	cfg := a.Config
	log := a.Log

	notifiers := []notify.Notifier{notify.Log{Logger: log.Named("notify")}}
	for _, wh := range cfg.Notify.Webhooks {
		notifiers = append(notifiers, notify.NewWebhook(wh.URL, wh.Secret, wh.Events))
	}
	if a.NATS != nil {
		notifiers = append(notifiers, &notify.NATS{Conn: a.NATS, Prefix: cfg.Notify.NATS.SubjectPrefix})
	}
	responses := escalation.FirstResponse{escalation.StoreResponses{Repo: a.Repo}}
	if a.GitHub != nil {
		notifiers = append(notifiers, &notify.GitHub{Client: a.GitHub})
		responses = append(responses, escalation.GitHubResponses{Client: a.GitHub})
	}
	a.Notify = notify.NewMulti(cfg.Notify.Channel, log.Named("notify"), notifiers...)

	d := cfg.Dispatch
	breakers := resilience.NewBreakerSet(d.Breaker.Threshold, d.Breaker.Recovery.Std(), nil, log.Named("breaker"))
	jobs := agent.NewHTTPJobAPI(d.AgentURL, os.Getenv(d.TokenEnv))
	a.Escalations = &escalation.Controller{
		Store:        a.Store,
		Responses:    responses,
		Wakes:        escalation.StoreWakes{Repo: a.Repo},
		Notify:       a.Notify,
		PollInterval: cfg.Escalation.PollInterval.Std(),
		Timeout:      cfg.Escalation.Timeout.Std(),
		Log:          log.Named("escalation"),
	}
	a.Orchestrator = &engine.Orchestrator{
		Store:   a.Store,
		Catalog: a.Catalog,
		Agents: &agent.Client{
			API:          jobs,
			Breakers:     breakers,
			Ledger:       a.Ledger,
			PollInterval: d.PollInterval.Std(),
			JobTimeout:   d.JobTimeout.Std(),
			Log:          log.Named("agent"),
		},
		Escalations: a.Escalations,
		Notify:      a.Notify,
		Limiter:     resilience.NewPairLimiter(d.RateLimit.PerMinute, d.RateLimit.Burst, d.MaxConsultationDepth),
		MaxRetries:  d.MaxRetries,
		Backoff: resilience.Backoff{
			Initial:    d.Backoff.Initial.Std(),
			Max:        d.Backoff.Max.Std(),
			Multiplier: d.Backoff.Multiplier,
		},
		Grace: cfg.Shutdown.Grace.Std(),
		Log:   log.Named("engine"),
	}
	a.Runner = engine.NewRunner(a.Orchestrator, log.Named("runner"))
}

// Watchdog builds the escalation watchdog, resuming issues through the runner.
func (a *App) Watchdog() *escalation.Watchdog {
	return &escalation.Watchdog{
		Issues:     a.Store,
		Controller: a.Escalations,
		Resume:     a.Runner.Resume,
		Interval:   a.Config.Escalation.WatchdogInterval.Std(),
		StaleAfter: a.Config.Escalation.StaleAfter.Std(),
		Log:        a.Log.Named("watchdog"),
	}
}

// Pusher builds the git pusher for the configured agent workspace.
func (a *App) Pusher() (*gitops.Pusher, error) {
	g := a.Config.Git
	dir := g.Dir
	if dir == "" {
		dir = a.Workspace
	}
	p, err := gitops.New(dir, g.Remote, g.Branch)
	if err != nil {
		return nil, err
	}
	if g.Attempts > 0 {
		p.Attempts = g.Attempts
	}
	p.Ledger = a.Ledger
	p.Log = a.Log.Named("git")
	return p, nil
}

// Publish pushes the agent workspace with the idempotency key. When issueID
// is set, a rebase conflict is escalated to a human on that issue with the
// conflicting paths; the ConflictError is still returned.
func (a *App) Publish(ctx context.Context, issueID, key string) (gitops.PushResult, error) {
	p, err := a.Pusher()
	if err != nil {
		return gitops.PushResult{}, err
	}
	res, err := p.Push(ctx, key)
	var conflict *gitops.ConflictError
	if issueID != "" && errors.As(err, &conflict) {
		if escErr := a.escalateConflict(ctx, issueID, conflict); escErr != nil {
			return res, errors.Join(err, escErr)
		}
	}
	return res, err
}

func (a *App) escalateConflict(ctx context.Context, issueID string, conflict *gitops.ConflictError) error {
	st, err := a.Orchestrator.State(ctx, issueID)
	if err != nil {
		return err
	}
	if !st.Exists() {
		return fmt.Errorf("%s: %w", issueID, engine.ErrUnknownIssue)
	}
	question := "rebase conflicts need a human: " + strings.Join(conflict.Paths, ", ")
	if st.Status.Terminal() || st.PendingEscalation != nil {
		// nothing to pause; tell someone anyway
		a.Notify.Send(ctx, notify.Message{
			IssueID: issueID,
			Kind:    notify.KindEscalation,
			Phase:   st.CurrentPhase,
			Text:    question,
			Fields:  map[string]string{"paths": strings.Join(conflict.Paths, ",")},
		})
		return nil
	}
	_, err = a.Escalations.Open(ctx, issueID, domain.Escalation{
		Phase:    st.CurrentPhase,
		Type:     domain.EscalationHuman,
		Question: question,
	})
	return err
}

// ServeOptions configures Serve.
type ServeOptions struct {
	Addr      string
	BasePath  string
	JWTSecret string
	// Listener overrides Addr, mainly for tests.
	Listener net.Listener
	// Ready receives the listen address once the listener is open.
	Ready chan<- string
}

// Serve runs the control API, the escalation watchdog and, with NATS
// configured, the wake listener until ctx is cancelled. Loops started over
// the API are interrupted and checkpointed before Serve returns.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	g, gctx := errgroup.WithContext(ctx)

	handler, err := server.New(server.Config{
		Orchestrator: a.Orchestrator,
		Runner:       a.Runner,
		Events:       a.Store,
		Repo:         a.Repo,
		Roles:        a.Roles,
		BasePath:     opts.BasePath,
		Auth:         server.AuthConfig{JWTSecret: opts.JWTSecret, Logger: a.Log.Named("auth")},
		RunContext:   gctx,
		Log:          a.Log.Named("server"),
	})
	if err != nil {
		return err
	}
	ln := opts.Listener
	if ln == nil {
		if ln, err = net.Listen("tcp", opts.Addr); err != nil {
			return err
		}
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	a.Log.Info("serving control API", zap.String("addr", ln.Addr().String()), zap.String("base_path", opts.BasePath))
	if opts.Ready != nil {
		opts.Ready <- ln.Addr().String()
	}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.Watchdog().Run(gctx)
	})
	if a.NATS != nil {
		wl := &server.WakeListener{
			Conn:   a.NATS,
			Prefix: a.Config.Notify.NATS.SubjectPrefix,
			Repo:   a.Repo,
			Resume: a.Runner.Resume,
			Log:    a.Log.Named("wake"),
		}
		g.Go(func() error { return wl.Run(gctx) })
	}
	err = g.Wait()
	a.Runner.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close waits for pending notifications and releases connections.
func (a *App) Close() error {
	if a.Notify != nil {
		a.Notify.Wait()
	}
	if a.NATS != nil {
		a.NATS.Close()
	}
	return a.DB.Close()
}
