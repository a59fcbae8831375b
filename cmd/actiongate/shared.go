package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/actiongate/internal/action"
	"github.com/jkaninda/actiongate/internal/approval"
	"github.com/jkaninda/actiongate/internal/config"
	"github.com/jkaninda/actiongate/internal/customer"
	"github.com/jkaninda/actiongate/internal/filter"
	"github.com/jkaninda/actiongate/internal/observability"
	"github.com/jkaninda/actiongate/internal/pipeline"
	"github.com/jkaninda/actiongate/internal/recovery"
	"github.com/jkaninda/actiongate/internal/security"
	"github.com/jkaninda/actiongate/internal/storage"
	pgstore "github.com/jkaninda/actiongate/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/actiongate/internal/storage/sqlite"
	"github.com/jkaninda/actiongate/internal/tools"
)

// configPath is shared by every subcommand through a persistent flag.
var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
}

// loadConfig reads the config file named by ACTIONGATE_CONFIG or --config.
// A missing file at the default location yields the built-in defaults.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("ACTIONGATE_CONFIG", configPath)
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultConfigPath() {
		return config.Default(), nil
	}
	return nil, err
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Components holds every subsystem the serve and run commands share.
// Built once by initShared, torn down by Cleanup.
type Components struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     storage.Store
	Obs       *observability.Observability
	Filter    *filter.Filter
	Approvals *approval.Manager
	Customers *customer.Client
	Pipeline  *pipeline.Pipeline

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// sharedOptions adjusts initShared for a particular command.
type sharedOptions struct {
	// approver builds the pipeline's approval provider from the manager.
	// Nil selects the provider named in config.
	approver func(m *approval.Manager) (approval.Provider, error)
	// memoryStore opens a private in-memory SQLite store instead of the
	// configured one.
	memoryStore bool
}

// initShared performs the initialization shared between commands.
// Callers must call c.Cleanup() when done, including on error.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts sharedOptions) (*Components, error) {
	c := &Components{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return c, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return c, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	// Storage.
	store, err := initStore(cfg, opts.memoryStore, logger)
	if err != nil {
		return c, fmt.Errorf("initializing storage: %w", err)
	}
	c.Store = store
	c.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		return c, fmt.Errorf("running migrations: %w", err)
	}
	if obs != nil && obs.Health != nil {
		obs.Health.AddRequiredCheck("storage", store.Ping)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Sensitive data filter.
	patterns, err := filter.LoadPatterns(cfg.Filter.PatternsFile)
	if err != nil {
		return c, fmt.Errorf("loading patterns: %w", err)
	}
	f, err := filter.New(patterns)
	if err != nil {
		return c, fmt.Errorf("initializing filter: %w", err)
	}
	c.Filter = f
	logger.Debug("filter initialized", slog.Any("categories", f.Categories()))

	// Validator and catalog.
	validator, err := action.NewValidator(logger)
	if err != nil {
		return c, fmt.Errorf("initializing validator: %w", err)
	}
	validator.WithDefaultRetryPolicy(action.RetryPolicy{
		MaxRetries: cfg.Retry.DefaultRetries,
		Delay:      cfg.Retry.Delay(),
	})

	catalog := action.NewCatalog(validator)
	for _, e := range cfg.Catalog {
		if err := catalog.Register(action.Entry{
			Name:        e.Name,
			Method:      e.Method,
			Endpoint:    e.Endpoint,
			Category:    e.Category,
			RetryPolicy: e.RetryPolicy,
			RiskLevel:   e.RiskLevel,
			Headers:     e.Headers,
		}); err != nil {
			return c, err
		}
	}
	if err := catalog.Sync(ctx, store.Catalog()); err != nil {
		return c, fmt.Errorf("syncing catalog: %w", err)
	}
	logger.Debug("catalog initialized", slog.Int("actions", len(catalog.List())))

	// Tool invoker with recovery.
	httpInv := tools.NewHTTPInvoker(tools.HTTPConfig{
		BaseURL:          cfg.Tool.BaseURL,
		Timeout:          cfg.Tool.Timeout(),
		MaxResponseBytes: cfg.Tool.MaxResponseBytes,
		Headers:          cfg.Tool.Headers,
	}, nil, logger)
	var inv tools.Invoker = httpInv
	if obs != nil {
		obs.Health.AddCheck("tool_backend", httpInv.Ping)
		inv = observability.NewInstrumentedInvoker(inv, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}
	executor := recovery.NewExecutor(inv, logger).WithMetrics(obs.MetricsOrNil())

	// Approvals.
	mgr := approval.NewManager(store.Approvals(), cfg.Approval.TTL(), logger).
		WithMetrics(obs.MetricsOrNil())
	if cfg.Approval.WebhookURL != "" {
		mgr.WithNotifier(approval.NewWebhookNotifier(cfg.Approval.WebhookURL, logger))
		logger.Debug("approval webhook enabled")
	}
	c.Approvals = mgr

	provider, err := buildApprover(cfg, mgr, opts, logger)
	if err != nil {
		return c, err
	}

	// Audit: JSONL file plus the store.
	auditLog, err := security.NewAuditLogger(cfg.AuditLogPath(), logger)
	if err != nil {
		return c, fmt.Errorf("initializing audit log: %w", err)
	}
	c.addCleanup(func() {
		if err := auditLog.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})
	auditor := security.MultiAuditor{auditLog, security.NewStoreAuditor(store.Audit(), logger)}

	policy := security.Policy{
		MinApprovalRisk:           security.ParseRiskLevel(cfg.Approval.MinRisk),
		RequireApprovalCategories: cfg.Policy.RequireApprovalCategories,
		RequireApprovalEndpoints:  cfg.Policy.RequireApprovalEndpoints,
		AllowedEndpoints:          cfg.Policy.AllowedEndpoints,
		DeniedEndpoints:           cfg.Policy.DeniedEndpoints,
		AllowedMethods:            cfg.Policy.AllowedMethods,
	}

	c.Pipeline = pipeline.New(f, validator, executor, provider, logger).
		WithCatalog(catalog).
		WithPolicy(security.NewPolicyEnforcer(policy, logger)).
		WithAuditor(auditor).
		WithRunStore(store.Runs()).
		WithMetrics(obs.MetricsOrNil()).
		WithTracer(obs.TracerOrNil()).
		WithOptions(pipeline.Options{
			MaxConcurrentRuns: cfg.Pipeline.MaxConcurrentRuns,
			RunTimeout:        cfg.Pipeline.RunTimeout(),
			Retention:         cfg.Pipeline.RunRetention(),
		})
	c.addCleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Pipeline.Close(closeCtx); err != nil {
			logger.Warn("closing pipeline", slog.String("error", err.Error()))
		}
	})

	// Customer information.
	var custCfg customer.Config
	if cfg.Customer != nil {
		custCfg = customer.Config{APIURL: cfg.Customer.APIURL, Token: cfg.Customer.APIToken}
	}
	custCfg.Timeout = cfg.Customer.Timeout()
	c.Customers = customer.NewClient(custCfg, nil, logger)

	logger.Debug("pipeline initialized",
		slog.String("approval_provider", cfg.Approval.ProviderName()),
		slog.String("min_approval_risk", policy.MinApprovalRisk.String()),
		slog.Bool("customer_api", c.Customers.Configured()),
	)
	return c, nil
}

// buildApprover selects the approval provider the pipeline consults.
func buildApprover(cfg *config.Config, mgr *approval.Manager, opts sharedOptions, logger *slog.Logger) (approval.Provider, error) {
	if opts.approver != nil {
		return opts.approver(mgr)
	}
	switch cfg.Approval.ProviderName() {
	case "console":
		return approval.NewConsoleProvider(os.Stdin, os.Stderr, "console"), nil
	case "auto":
		auto := cfg.Approval.AutoApproval
		return approval.NewAutoApprover(approval.AutoApprovalConfig{
			MaxAutoApprovals:  auto.MaxAutoApprovals,
			AllowedEndpoints:  auto.AllowedEndpoints,
			RequiredApprovals: auto.RequiredApprovals,
			WindowHours:       auto.WindowHours,
		}, logger).Wrap(mgr), nil
	case "manager":
		return mgr, nil
	default:
		return nil, fmt.Errorf("unknown approval provider: %q", cfg.Approval.Provider)
	}
}

// initStore creates the storage backend from config.
func initStore(cfg *config.Config, memory bool, logger *slog.Logger) (storage.Store, error) {
	if memory {
		return sqlitestore.Open(sqlitestore.Config{Path: sqlitestore.MemoryPath}, logger)
	}
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	return sqlitestore.Open(sqlitestore.Config{Path: dbPath, JournalMode: journalMode}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}
