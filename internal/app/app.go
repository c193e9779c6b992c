package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fixline/internal/approval"
	"fixline/internal/audit"
	"fixline/internal/bus"
	"fixline/internal/config"
	"fixline/internal/correlation"
	"fixline/internal/db"
	"fixline/internal/domain"
	"fixline/internal/engine"
	"fixline/internal/enrich"
	"fixline/internal/executor"
	"fixline/internal/logging"
	"fixline/internal/metrics"
	"fixline/internal/migrate"
	"fixline/internal/planner"
	"fixline/internal/promql"
	"fixline/internal/repo"
	"fixline/internal/schema"
	"fixline/internal/secrets"
	"fixline/internal/tools"
)

const retentionInterval = time.Hour

// Options customize Build. Zero values fall back to the workspace config.
type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *logging.Logger
	Now       func() time.Time
	// Planner and Adapters replace the configured model and built-in tools.
	Planner  planner.Generator
	Adapters []tools.Adapter
}

// App holds the wired components of one fixline process.
type App struct {
	Config    *config.Config
	Workspace string
	DB        *sql.DB
	Repo      repo.Repo
	Engine    *engine.Engine
	Callbacks *engine.Callbacks
	Tools     *tools.Registry
	Schemas   *schema.Store
	Metrics   *metrics.Metrics
	Bus       *bus.Bus
	Logger    *logging.Logger
	Now       func() time.Time

	// injected adapters bypass the configured allowlist
	injected bool
	reloadMu sync.Mutex
}

func resolve(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

// Build opens the workspace database, applies migrations and wires every
// component from the config.
func Build(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	logger := opts.Logger
	if logger == nil {
		l, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		logger = l
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Workspace: opts.Workspace, DB: conn, Repo: repo.Repo{DB: conn}, Logger: logger, Now: now, Metrics: metrics.New()}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg := a.Config
	if applied, err := migrate.Migrate(ctx, a.DB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	} else if len(applied) > 0 {
		a.Logger.Info(ctx, "applied migrations", zap.Strings("migrations", applied))
	}

	var events engine.Events = bus.Noop{}
	if cfg.NATS.URL != "" {
		b, err := bus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, a.Logger.Named("bus"))
		if err != nil {
			return err
		}
		a.Bus = b
		events = b
	}

	var metricSource promql.Source
	if cfg.Metrics.PrometheusURL != "" {
		p, err := promql.NewPrometheus(cfg.Metrics.PrometheusURL)
		if err != nil {
			return err
		}
		metricSource = p
	}

	if len(opts.Adapters) > 0 {
		a.Tools = tools.NewRegistry(opts.Adapters...)
		a.injected = true
	} else {
		builtins := tools.Builtins{
			Metrics:       metricSource,
			CommandPrefix: cfg.Tools.CommandPrefix,
			IaCRunner:     tools.ExecRunner{Bin: cfg.Tools.TerraformBin},
			IaCRoot:       resolve(a.Workspace, cfg.Tools.IaCDir),
		}
		if a.Bus != nil {
			builtins.Commands = a.Bus
		}
		// every built-in is registered; the schema registry is the allowlist
		a.Tools = tools.NewBuiltinRegistry(builtins, nil)
	}
	defs, err := a.toolSchemas(cfg.Tools)
	if err != nil {
		return fmt.Errorf("tool schemas: %w", err)
	}
	a.Schemas = schema.NewStore(defs)

	runbooks, err := enrich.LoadRunbooks(resolve(a.Workspace, cfg.Enrichment.RunbookDir))
	if err != nil {
		return fmt.Errorf("runbooks: %w", err)
	}

	gen := opts.Planner
	if gen == nil {
		gen = a.planner()
	}

	aw := audit.Writer{Now: a.Now}
	masker := secrets.NewMasker()
	co, err := correlation.NewCoalescer(a.Repo, cfg.Orchestrator.CoalesceWindow, 4096)
	if err != nil {
		return err
	}
	co.Now = a.Now

	a.Engine = &engine.Engine{
		DB:        a.DB,
		Repo:      a.Repo,
		Audit:     aw,
		Masker:    masker,
		Coalescer: co,
		Schemas:   a.Schemas,
		Enricher: enrich.Sources{
			Runbooks: runbooks, Metrics: metricSource, Queries: cfg.Enrichment.Queries,
			Lookback: cfg.Enrichment.Lookback, Timeout: cfg.Enrichment.Timeout, Logger: a.Logger.Named("enrich"), Now: a.Now,
		},
		Planner: gen,
		Approvals: &approval.Gateway{
			DB: a.DB, Repo: a.Repo, Audit: aw, Approvers: approval.NewStaticApprovers(cfg.Approval.Approvers...),
			TTL: cfg.Approval.TTL, Now: a.Now,
		},
		Executor: &executor.Executor{
			DB: a.DB, Repo: a.Repo, Schemas: a.Schemas, Tools: a.Tools, Audit: aw, Masker: masker,
			BlastRadius: cfg.Executor.BlastRadiusCeiling, Logger: a.Logger.Named("executor"), Metrics: a.Metrics, Now: a.Now,
		},
		Events:       events,
		Metrics:      a.Metrics,
		Logger:       a.Logger.Named("engine"),
		NudgeCeiling: cfg.Orchestrator.NudgeCeiling,
		Workers:      cfg.Orchestrator.Workers,
		Now:          a.Now,
	}
	a.Callbacks, err = engine.NewCallbacks(a.Engine, approval.Verifier{
		Secret: []byte(config.Secret(cfg.Approval.CallbackSecretEnv)), MaxSkew: cfg.Approval.MaxSkew, Now: a.Now,
	}, cfg.Approval.ReplayCacheSize)
	return err
}

func (a *App) planner() planner.Generator {
	pc := a.Config.Planner
	if pc.Provider != "openai" {
		return planner.Unconfigured{}
	}
	return planner.Retrying{
		Generator:       planner.NewOpenAI(config.Secret(pc.APIKeyEnv), pc.BaseURL, pc.Model, pc.RatePerSecond),
		MaxAttempts:     pc.MaxAttempts,
		InitialInterval: pc.InitialBackoff,
		MaxInterval:     pc.MaxBackoff,
		Logger:          a.Logger.Named("planner"),
		Metrics:         a.Metrics,
	}
}

// Run starts the background machinery: the per-transaction runner, resume of
// in-flight work, the approval watchdog, audit retention and the NATS decision
// subscription. It returns once ctx is done and every goroutine it started has
// stopped.
func (a *App) Run(ctx context.Context) error {
	if a.Bus != nil {
		sub, err := a.Bus.SubscribeDecisions(ctx, approval.TimestampHeader, approval.SignatureHeader, a.Callbacks.Reply)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}
	a.Engine.Start(ctx)
	defer a.Engine.Wait()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Engine.Watch(gctx, a.Config.Orchestrator.WatchdogInterval)
		return nil
	})
	g.Go(func() error {
		a.retain(gctx)
		return nil
	})
	g.Go(func() error {
		if _, err := a.Engine.Resume(gctx); err != nil && gctx.Err() == nil {
			a.Logger.Error(gctx, "resume transactions", zap.Error(err))
		}
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

func (a *App) toolSchemas(tc config.ToolsConfig) (*schema.Registry, error) {
	allow := tc.Allow
	if a.injected {
		allow = nil
	}
	return tools.AllowedSchemas(a.Tools, resolve(a.Workspace, tc.SchemaDir), allow)
}

// ReloadTools rebuilds the tool allowlist from the workspace config and schema
// directory and swaps it in. Without a config file on disk the in-memory
// config is used.
func (a *App) ReloadTools(ctx context.Context, actor string) (engine.AllowlistSwap, error) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	tc := a.Config.Tools
	if _, err := os.Stat(config.Path(a.Workspace)); err == nil {
		cfg, err := config.Load(a.Workspace)
		if err != nil {
			return engine.AllowlistSwap{}, fmt.Errorf("reload config: %w", err)
		}
		tc.Allow = cfg.Tools.Allow
		tc.SchemaDir = cfg.Tools.SchemaDir
	}
	next, err := a.toolSchemas(tc)
	if err != nil {
		return engine.AllowlistSwap{}, fmt.Errorf("tool schemas: %w", err)
	}
	swap, err := a.Engine.SwapAllowlist(ctx, next, actor)
	if err != nil {
		return engine.AllowlistSwap{}, err
	}
	a.Config.Tools = tc
	return swap, nil
}

func (a *App) retain(ctx context.Context) {
	if a.Config.Audit.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		if _, err := a.Prune(ctx); err != nil && ctx.Err() == nil {
			a.Logger.Error(ctx, "audit retention", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Prune removes terminal transactions older than the configured retention.
func (a *App) Prune(ctx context.Context) (repo.PruneStats, error) {
	cutoff := domain.Timestamp(a.Now().Add(-a.Config.Audit.Retention))
	stats, err := a.Repo.PruneTerminal(ctx, cutoff)
	if err == nil && stats.Transactions > 0 {
		a.Logger.Info(ctx, "pruned terminal transactions",
			zap.Int64("transactions", stats.Transactions), zap.Int64("audit_records", stats.AuditRecords))
	}
	return stats, err
}

// Close releases the bus connection, the logger and the database.
func (a *App) Close() {
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
