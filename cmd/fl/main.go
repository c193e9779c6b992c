package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fixline/internal/app"
	"fixline/internal/config"
	"fixline/internal/db"
	"fixline/internal/logging"
	"fixline/internal/migrate"
	"fixline/internal/repo"
	"fixline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fixline CLI",
	Long: `Fixline turns alerts into remediation transactions.
Core concepts:
- Transaction: one remediation attempt for one resource. It moves received -> enriching -> reasoning -> awaiting_approval -> approved -> executing -> completed; rejected, timed_out and failed are exits.
- Plan: the ordered tool calls proposed by the model. Every call is validated against the tool allowlist before a human sees it.
- Approval: a human gate with a deadline. Decisions arrive over the API, signed callbacks, or NATS.
- Audit trail: an append-only hash chain per transaction; verify it with 'fl tx verify'.
- Workspace: the .fixline directory holding the database, next to fixline.yml.`,
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
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIXLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor identifier")
	rootCmd.PersistentFlags().Bool("verbose", false, "log to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(alertCmd())
	rootCmd.AddCommand(txCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create fixline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Printf("Wrote %s and initialized %s\n", path, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := app.Build(ctx, app.Options{Workspace: workspace, Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{
				JWTSecret:              config.Secret(cfg.Auth.JWTSecretEnv),
				AllowLegacyActorHeader: cfg.Auth.AllowActorHeader,
				Logger:                 logger.Named("auth"),
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				logger.Warn(ctx, "no jwt secret configured; only api keys will authenticate")
			}
			handler, err := server.New(server.Config{
				Engine:    a.Engine,
				Callbacks: a.Callbacks,
				Tools:     a.Tools,
				Schemas:   a.Schemas,
				Metrics:   a.Metrics,
				BasePath:  cfg.Server.BasePath,
				Auth:      authCfg,
				Logger:    logger.Named("http"),

				ReloadTools: a.ReloadTools,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			server.StartWebhooks(gctx, a.Repo, cfg.Webhooks, logger)
			g.Go(func() error { return a.Run(gctx) })
			g.Go(func() error {
				reloadOnHangup(gctx, a, logger)
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				fmt.Printf("Serving Fixline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

// reloadOnHangup swaps the tool allowlist each time the process gets SIGHUP.
func reloadOnHangup(ctx context.Context, a *app.App, logger *logging.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			swap, err := a.ReloadTools(ctx, "sighup")
			if err != nil {
				logger.Error(ctx, "reload tool allowlist", zap.Error(err))
				continue
			}
			logger.Info(ctx, "tool allowlist reloaded", zap.Bool("changed", swap.Changed), zap.String("version", swap.NewVersion))
		}
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate fixline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			current, latest, err := migrate.Status(cmd.Context(), conn)
			if err != nil {
				return err
			}
			return printJSONOrText(map[string]any{"applied": applied, "current": current, "latest": latest}, func() {
				fmt.Printf("schema version %d of %d (%d applied)\n", current, latest, len(applied))
			})
		},
	}
}

func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete terminal transactions past audit retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Prune(ctx)
				if err != nil {
					return err
				}
				return printJSONOrText(stats, func() {
					fmt.Printf("pruned %d transaction(s), %d audit record(s)\n", stats.Transactions, stats.AuditRecords)
				})
			})
		},
	}
}

// --- helpers ---

func cliLogger(cfg *config.Config) (*logging.Logger, error) {
	if !viper.GetBool("verbose") {
		return logging.Nop(), nil
	}
	return logging.New(cfg.Logging)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	logger, err := cliLogger(cfg)
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, app.Options{Workspace: workspace, Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrText(v any, text func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	text()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
