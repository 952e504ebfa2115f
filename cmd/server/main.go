package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/calltrics/calltrics/internal/app"
	"github.com/calltrics/calltrics/internal/app/maintenance"
	"github.com/calltrics/calltrics/internal/cache"
	"github.com/calltrics/calltrics/internal/database"
	"github.com/calltrics/calltrics/internal/handlers"
	"github.com/calltrics/calltrics/internal/invalidation"
	"github.com/calltrics/calltrics/internal/monitoring"
	"github.com/calltrics/calltrics/internal/services"
	"github.com/calltrics/calltrics/internal/warming"
	"github.com/calltrics/calltrics/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("calltrics-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	registry := buildCacheRegistry(cfg)
	defer registry.StopAll()

	bus, closeBus, err := buildBus(cfg, log)
	if err != nil {
		return err
	}
	defer closeBus()

	emitter := invalidation.NewEmitter(bus, db, invalidation.EmitterConfig{
		ErrorWindow:    cfg.Emitter.ErrorWindow,
		ErrorThreshold: cfg.Emitter.ErrorThreshold,
	})
	if err := db.Use(emitter); err != nil {
		return fmt.Errorf("register change emitter: %w", err)
	}

	orch := invalidation.NewOrchestrator(registry, cfg.Cache.EmergencyToken, invalidation.RefreshConfig{
		Interval:  cfg.Refresh.Interval,
		Threshold: cfg.Refresh.Threshold,
		Timeout:   cfg.Refresh.Timeout,
	})

	dashboardSvc := services.NewDashboardService(db, registry.Get(cache.ConcernDashboard))
	dashboardSvc.RegisterWith(orch)

	agentSvc := services.NewAgentService(db, registry.Get(cache.ConcernAgents), registry.Get(cache.ConcernPerformance))
	agentSvc.RegisterWith(orch)

	listener := invalidation.NewListener(bus, orch)
	go func() {
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("invalidation listener stopped", zap.Error(err))
		}
	}()

	if cfg.Refresh.Enabled {
		if err := orch.StartBackgroundRefresh(ctx); err != nil {
			return fmt.Errorf("start background refresh: %w", err)
		}
		defer orch.StopBackgroundRefresh()
	}

	if cfg.Warming.Enabled {
		warmer := warming.NewScheduler(db, orch, warming.Config{
			Interval:       cfg.Warming.Interval,
			ActivityWindow: cfg.Warming.ActivityWindow,
			MaxTenants:     cfg.Warming.MaxTenants,
		})
		if err := warmer.Start(ctx); err != nil {
			return fmt.Errorf("start warming scheduler: %w", err)
		}
		defer warmer.Stop()
	}

	cleaner := maintenance.NewCleaner(db,
		maintenance.WithTriggerLogMaxAge(cfg.Maintenance.TriggerLogMaxAge),
		maintenance.WithResolvedAlertsAge(cfg.Maintenance.ResolvedAlertsAge),
	)
	if err := cleaner.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer func() {
		stopCtx := cleaner.Stop()
		if err := cleaner.RunOnce(stopCtx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}()

	monitor := monitoring.NewMonitor(registry, emitter, monitoring.Thresholds{
		MinHitRate:       cfg.Monitoring.MinHitRate,
		MaxMemoryBytes:   cfg.Monitoring.MaxMemoryBytes,
		MaxEmitterErrors: cfg.Monitoring.MaxEmitterErrors,
		MinLookups:       cfg.Monitoring.MinLookups,
	})
	alerts := monitoring.NewAlertService(db)

	router := handlers.NewRouter(
		handlers.NewCacheHandler(registry, orch, emitter),
		handlers.NewMonitoringHandler(monitor, alerts),
	)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func buildCacheRegistry(cfg *app.Config) *cache.Registry {
	registry := cache.NewRegistry()
	for name, policy := range cfg.Cache.Instances {
		registry.Register(cache.New(name, cache.Policy{
			MaxEntries:     policy.MaxEntries,
			MaxMemoryBytes: policy.MaxMemoryBytes,
			DefaultTTL:     policy.DefaultTTL,
			SweepInterval:  policy.SweepInterval,
		}))
	}
	return registry
}

func buildBus(cfg *app.Config, log *zap.Logger) (invalidation.Bus, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Bus.Driver)) {
	case "", "memory":
		return invalidation.NewMemoryBus(), func() {}, nil
	case "redis":
		bus, err := invalidation.NewRedisBus(invalidation.RedisConfig{
			Address:  cfg.Bus.Redis.Address,
			Username: cfg.Bus.Redis.Username,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
			TLS:      cfg.Bus.Redis.TLS,
			Timeout:  cfg.Bus.Redis.Timeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis bus: %w", err)
		}
		log.Info("redis bus connected", zap.String("addr", cfg.Bus.Redis.Address))
		return bus, func() { _ = bus.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported bus driver %q", cfg.Bus.Driver)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.MySQL.Password)
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
