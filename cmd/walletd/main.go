package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/internal/oplog"
	"github.com/MarkoPoloResearchLab/wallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/wallet/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/wallet/internal/walletapi"
	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL             = "database-url"
	flagStoreBackend            = "store"
	flagListenAddr              = "listen-addr"
	flagAllowedOrigins          = "allowed-origins"
	flagTokenSigningKey         = "token-signing-key"
	flagTokenIssuer             = "token-issuer"
	flagChargePolicy            = "charge-policy"
	flagCriticalThreshold       = "critical-balance-threshold"
	flagWriteThroughProbability = "write-through-probability"
	flagFlushInterval           = "flush-interval"
	flagSweepInterval           = "sweep-interval"
	flagFlushBatchSize          = "flush-batch-size"
	flagCacheMaxAge             = "cache-max-age"
	flagRolloverSchedule        = "rollover-schedule"
	flagCatalogFile             = "catalog-file"
	envPrefix                   = "WALLETD"

	storeBackendGorm = "gorm"
	storeBackendPgx  = "pgx"

	defaultDatabaseURL      = "sqlite:///tmp/wallet.db"
	defaultRolloverSchedule = "0 0 1 * *"
)

type runtimeConfig struct {
	DatabaseURL      string
	StoreBackend     string
	RolloverSchedule string
	CatalogFile      string
	Engine           wallet.Config
	API              walletapi.Config
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Credit wallet HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "postgres:// connection URL or sqlite path")
	cmd.Flags().String(flagStoreBackend, storeBackendGorm, "store backend: gorm or pgx (pgx requires a postgres database-url)")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagTokenSigningKey, "", "HS256 signing key for service tokens (required)")
	cmd.Flags().String(flagTokenIssuer, "", "expected service token issuer")
	cmd.Flags().String(flagChargePolicy, "", "charge draw policy: allowance_first or split_draw")
	cmd.Flags().Int64(flagCriticalThreshold, 0, "balance below which every charge persists immediately")
	cmd.Flags().Float64(flagWriteThroughProbability, 0, "probability a charge forces an immediate flush")
	cmd.Flags().Duration(flagFlushInterval, 0, "cadence of the periodic dirty-entry flush")
	cmd.Flags().Duration(flagSweepInterval, 0, "cadence of the periodic clean-entry eviction")
	cmd.Flags().Int(flagFlushBatchSize, 0, "dirty entries persisted per flush batch")
	cmd.Flags().Duration(flagCacheMaxAge, 0, "age after which clean cache entries are evicted")
	cmd.Flags().String(flagRolloverSchedule, defaultRolloverSchedule, "cron spec for the monthly allowance rollover")
	cmd.Flags().String(flagCatalogFile, "", "YAML file with the plan and product catalogs (required)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flagNames := []string{
		flagDatabaseURL, flagStoreBackend, flagListenAddr, flagAllowedOrigins,
		flagTokenSigningKey, flagTokenIssuer, flagChargePolicy, flagCriticalThreshold,
		flagWriteThroughProbability, flagFlushInterval, flagSweepInterval,
		flagFlushBatchSize, flagCacheMaxAge, flagRolloverSchedule, flagCatalogFile,
	}
	for _, flagName := range flagNames {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	if !v.IsSet(flagTokenSigningKey) || strings.TrimSpace(v.GetString(flagTokenSigningKey)) == "" {
		return fmt.Errorf("%s is required", flagTokenSigningKey)
	}
	if !v.IsSet(flagCatalogFile) || strings.TrimSpace(v.GetString(flagCatalogFile)) == "" {
		return fmt.Errorf("%s is required", flagCatalogFile)
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreBackend = strings.TrimSpace(v.GetString(flagStoreBackend))
	if cfg.StoreBackend != storeBackendGorm && cfg.StoreBackend != storeBackendPgx {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	cfg.RolloverSchedule = strings.TrimSpace(v.GetString(flagRolloverSchedule))
	cfg.CatalogFile = strings.TrimSpace(v.GetString(flagCatalogFile))

	if raw := strings.TrimSpace(v.GetString(flagChargePolicy)); raw != "" {
		policy, err := wallet.ParseChargePolicy(raw)
		if err != nil {
			return err
		}
		cfg.Engine.ChargePolicy = policy
	}
	cfg.Engine.CriticalBalanceThreshold = v.GetInt64(flagCriticalThreshold)
	cfg.Engine.WriteThroughProbability = v.GetFloat64(flagWriteThroughProbability)
	cfg.Engine.FlushInterval = v.GetDuration(flagFlushInterval)
	cfg.Engine.SweepInterval = v.GetDuration(flagSweepInterval)
	cfg.Engine.FlushBatchSize = v.GetInt(flagFlushBatchSize)
	cfg.Engine.CacheMaxAge = v.GetDuration(flagCacheMaxAge)

	cfg.API.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.API.AllowedOrigins = walletapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.API.TokenSigningKey = v.GetString(flagTokenSigningKey)
	cfg.API.TokenIssuer = strings.TrimSpace(v.GetString(flagTokenIssuer))

	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	plans, products, err := loadCatalogs(cfg.CatalogFile)
	if err != nil {
		return fmt.Errorf("catalog load: %w", err)
	}

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	registry := prometheus.NewRegistry()
	clock := func() time.Time { return time.Now().UTC() }
	walletService, err := wallet.NewService(
		store,
		cfg.Engine,
		clock,
		wallet.WithOperationLogger(oplog.New(logger)),
		wallet.WithMetrics(wallet.NewMetrics(registry)),
	)
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}

	scheduler := wallet.NewFlushScheduler(walletService)
	scheduler.Start(ctx)

	rollover := cron.New()
	if _, err := rollover.AddFunc(cfg.RolloverSchedule, func() {
		period := walletService.CurrentPeriod()
		reset, rolloverErr := walletService.RolloverPeriod(ctx, period)
		if rolloverErr != nil {
			logger.Error("allowance rollover failed",
				zap.String("period", period.String()),
				zap.Error(rolloverErr))
			return
		}
		logger.Info("allowance rollover finished",
			zap.String("period", period.String()),
			zap.Int("accounts", reset))
	}); err != nil {
		return fmt.Errorf("rollover schedule: %w", err)
	}
	rollover.Start()

	logger.Info("walletd starting",
		zap.String("store", cfg.StoreBackend),
		zap.String("rollover_schedule", cfg.RolloverSchedule),
		zap.Int("plans", plans.Len()),
		zap.Int("products", products.Len()))

	runErr := walletapi.Run(ctx, cfg.API, walletapi.Dependencies{
		Service:  walletService,
		Plans:    plans,
		Products: products,
		Logger:   logger,
		Registry: registry,
	})

	cronCtx := rollover.Stop()
	<-cronCtx.Done()
	scheduler.Stop()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFlush()
	flushed, flushErr := scheduler.FlushNow(flushCtx)
	if flushErr != nil {
		logger.Error("final flush failed", zap.Int("flushed", flushed), zap.Error(flushErr))
	} else if flushed > 0 {
		logger.Info("final flush complete", zap.Int("flushed", flushed))
	}

	return runErr
}

type catalogPlan struct {
	Tier           string `mapstructure:"tier"`
	MonthlyCredits int64  `mapstructure:"monthly_credits"`
}

func loadCatalogs(path string) (wallet.PlanCatalog, wallet.ProductCatalog, error) {
	catalogFile := viper.New()
	catalogFile.SetConfigFile(path)
	if err := catalogFile.ReadInConfig(); err != nil {
		return wallet.PlanCatalog{}, wallet.ProductCatalog{}, err
	}

	planEntries := map[string]catalogPlan{}
	if err := catalogFile.UnmarshalKey("plans", &planEntries); err != nil {
		return wallet.PlanCatalog{}, wallet.ProductCatalog{}, fmt.Errorf("plans: %w", err)
	}
	planSpecs := make(map[string]wallet.PlanSpec, len(planEntries))
	for planID, entry := range planEntries {
		planSpecs[planID] = wallet.PlanSpec{Tier: entry.Tier, MonthlyCredits: entry.MonthlyCredits}
	}
	plans, err := wallet.NewPlanCatalog(planSpecs)
	if err != nil {
		return wallet.PlanCatalog{}, wallet.ProductCatalog{}, err
	}

	productEntries := map[string]int64{}
	if err := catalogFile.UnmarshalKey("products", &productEntries); err != nil {
		return wallet.PlanCatalog{}, wallet.ProductCatalog{}, fmt.Errorf("products: %w", err)
	}
	products, err := wallet.NewProductCatalog(productEntries)
	if err != nil {
		return wallet.PlanCatalog{}, wallet.ProductCatalog{}, err
	}

	return plans, products, nil
}

func openStore(ctx context.Context, cfg *runtimeConfig) (wallet.Store, func() error, error) {
	if cfg.StoreBackend == storeBackendPgx {
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, nil, fmt.Errorf("store backend %q requires a postgres database url", cfg.StoreBackend)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if driver == "sqlite" {
		if err := gormstore.Migrate(gormDB); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return gormstore.New(gormDB), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "wallet.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
