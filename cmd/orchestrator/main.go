package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"runweaver/internal/approval"
	"runweaver/internal/config"
	"runweaver/internal/connections"
	"runweaver/internal/eventlog"
	"runweaver/internal/executor"
	"runweaver/internal/logging"
	"runweaver/internal/orchestrator"
	"runweaver/internal/policy"
	"runweaver/internal/racing"
	"runweaver/internal/session"
	sqlitestore "runweaver/internal/store/sqlite"
	"runweaver/internal/stream"
	"runweaver/internal/tree"
	"runweaver/internal/workspace"
)

type options struct {
	configPath string
	addr       string
	dbPath     string
	workspace  string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "orchestrator",
		Short:        "Run and inspect runweaver workflow runs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to runweaver.toml")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "sqlite database path override")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format override (json, console)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	serve.Flags().StringVar(&opts.addr, "addr", "", "http listen address override")
	serve.Flags().StringVar(&opts.workspace, "workspace", "", "sandbox root override")

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert schema migrations",
	}
	migrate.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrate(cmd.Context(), opts, func(ctx context.Context, store *sqlitestore.Store) error {
					return store.Migrate(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "down [version]",
			Short: "Revert migrations down to version (default: one step)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd.Context(), opts, func(ctx context.Context, store *sqlitestore.Store) error {
					current, err := store.SchemaVersion(ctx)
					if err != nil {
						return err
					}
					target := current - 1
					if len(args) == 1 {
						target, err = strconv.Atoi(args[0])
						if err != nil {
							return fmt.Errorf("invalid target version %q: %w", args[0], err)
						}
					}
					if target < 0 {
						target = 0
					}
					return store.MigrateDown(ctx, target)
				})
			},
		},
	)
	root.AddCommand(serve, migrate)
	return root
}

func loadConfig(opts *options) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	o := &cfg.Orchestrator
	o.Addr = firstNonEmpty(opts.addr, o.Addr)
	o.DBPath = filepath.Clean(firstNonEmpty(opts.dbPath, o.DBPath))
	o.WorkspaceRoot = filepath.Clean(firstNonEmpty(opts.workspace, o.WorkspaceRoot))
	cfg.Logging.Level = firstNonEmpty(opts.logLevel, cfg.Logging.Level)
	cfg.Logging.Format = firstNonEmpty(opts.logFormat, cfg.Logging.Format)
	return cfg, logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr), nil
}

func openStore(path string) (*sqlitestore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func runMigrate(ctx context.Context, opts *options, fn func(context.Context, *sqlitestore.Store) error) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.Orchestrator.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()
	if err := fn(ctx, store); err != nil {
		return err
	}
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	logger.Info().Str("db", cfg.Orchestrator.DBPath).Int("schema_version", version).
		Int("latest_version", sqlitestore.LatestVersion()).Msg("migration finished")
	return nil
}

// process is every wired component of a serving process.
type process struct {
	cfg      config.Config
	store    *sqlitestore.Store
	registry *connections.Registry
	events   *eventlog.Log
	service  *orchestrator.Service
	logger   zerolog.Logger
}

func newProcess(cfg config.Config, store *sqlitestore.Store, logger zerolog.Logger) (*process, error) {
	o := cfg.Orchestrator
	registry := connections.New(store, connections.Config{
		ServerInstance:   o.ServerInstance,
		HeartbeatTimeout: o.HeartbeatTimeout(),
	}, logger)
	hub := stream.NewHub(registry, logger)

	sandboxes, err := workspace.New(o.WorkspaceRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	exec := executor.New(sandboxes, executor.Config{MaxOutputBytes: o.MaxOutputBytes, MaxLineBytes: o.MaxLineBytes}, logger)
	events := eventlog.New(store, hub, logger, o.EventPageSize)
	dag := tree.New(store, hub, tree.Config{MaxBranchDepth: o.MaxBranchDepth}, logger)
	runner := orchestrator.NewBranchRunner(orchestrator.BranchRunnerDeps{
		Executor:  exec,
		Tree:      dag,
		Events:    events,
		Store:     store,
		Publisher: hub,
	}, o.TaskTimeout(), logger)
	coordinator := racing.New(store, runner, hub, racing.Config{DefaultTimeout: o.RaceTimeout()}, logger)

	service := orchestrator.New(orchestrator.Deps{
		Store:       store,
		Tree:        dag,
		Events:      events,
		Racing:      coordinator,
		Approvals:   approval.New(store, hub, logger),
		Sessions:    session.New(store, hub, session.Config{TTL: o.SessionTTL()}, logger),
		Connections: registry,
		Executor:    exec,
		Policy:      policy.New(cfg.PolicyRules(), o.ApprovalTTL()),
		Publisher:   hub,
	}, orchestrator.Config{
		TaskTimeout:         o.TaskTimeout(),
		RaceTimeout:         o.RaceTimeout(),
		ApprovalTTL:         o.ApprovalTTL(),
		SweepInterval:       o.SweepInterval(),
		DefaultRaceStrategy: o.DefaultRaceStrategy,
	}, logger)

	return &process{
		cfg:      cfg,
		store:    store,
		registry: registry,
		events:   events,
		service:  service,
		logger:   logger,
	}, nil
}

func runServe(parent context.Context, opts *options) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(cfg.Orchestrator.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}

	rt, err := newProcess(cfg, store, logger)
	if err != nil {
		return err
	}
	if err := rt.service.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Orchestrator.Addr,
		Handler:           newApp(rt).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownGracePeriod())
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.Orchestrator.Addr).Str("db", cfg.Orchestrator.DBPath).
		Str("workspace", cfg.Orchestrator.WorkspaceRoot).Str("server_instance", cfg.Orchestrator.ServerInstance).
		Msg("runweaver started")

	serveErr := server.ListenAndServe()
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	cancel()
	rt.registry.CloseAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownGracePeriod())
	defer shutdownCancel()
	if err := rt.service.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("orchestrator shutdown incomplete")
	}
	if serveErr != nil {
		return fmt.Errorf("http server failed: %w", serveErr)
	}
	logger.Info().Msg("runweaver stopped")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
