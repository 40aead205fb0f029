package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionguard/internal/api"
	"github.com/charlesng35/sessionguard/internal/app"
	"github.com/charlesng35/sessionguard/internal/app/maintenance"
	"github.com/charlesng35/sessionguard/internal/cache"
	"github.com/charlesng35/sessionguard/internal/database"
	"github.com/charlesng35/sessionguard/internal/idp"
	"github.com/charlesng35/sessionguard/internal/monitoring"
	"github.com/charlesng35/sessionguard/internal/monitoring/checks"
	"github.com/charlesng35/sessionguard/internal/repository"
	"github.com/charlesng35/sessionguard/internal/security"
	"github.com/charlesng35/sessionguard/internal/sessions"
	"github.com/charlesng35/sessionguard/internal/vault"
	"github.com/charlesng35/sessionguard/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB         *gorm.DB
	Cache      cache.Store
	Redis      *cache.RedisStore
	Monitoring *monitoring.Module
	Manager    *sessions.Manager
	Cleaner    *maintenance.Cleaner
	Router     *gin.Engine
}

type bootstrapOptions struct {
	idpClient idp.Client
}

// bootstrapOption customises runtime wiring.
type bootstrapOption func(*bootstrapOptions)

// withIdentityProvider replaces OIDC discovery with a ready client.
func withIdentityProvider(client idp.Client) bootstrapOption {
	return func(o *bootstrapOptions) {
		o.idpClient = client
	}
}

// bootstrapRuntime initialises the database, cache tier, session services, background jobs
// and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger, opts ...bootstrapOption) (*runtimeStack, error) {
	options := bootstrapOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	stack.Cache, stack.Redis = initialiseCache(cfg, stack.DB, log)

	cipher, err := cfg.Vault.NewTokenCipher()
	if err != nil {
		return nil, fmt.Errorf("initialise token cipher: %w", err)
	}
	accounts, err := vault.NewAccountService(repository.NewAccountRepository(stack.DB), cipher)
	if err != nil {
		return nil, fmt.Errorf("initialise token vault: %w", err)
	}

	idpClient := options.idpClient
	if idpClient == nil {
		oidcClient, err := idp.NewOIDCClient(ctx, cfg.IdP.OIDCConfig(logger.WithModule("idp")))
		if err != nil {
			return nil, fmt.Errorf("initialise identity provider: %w", err)
		}
		idpClient = oidcClient
	}

	stack.Monitoring, err = monitoring.NewModule(monitoring.Options{Namespace: cfg.Monitoring.Prometheus.Namespace})
	if err != nil {
		return nil, fmt.Errorf("initialise monitoring: %w", err)
	}

	storeCfg := cfg.Session.StoreConfig(cfg.Security, logger.WithModule("sessions"))
	store, err := sessions.NewStore(repository.NewSessionRepository(stack.DB), accounts, stack.Cache, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise session store: %w", err)
	}

	securitySvc, err := security.NewService(stack.Cache, cfg.Security.ServiceConfig(logger.WithModule("security")))
	if err != nil {
		return nil, fmt.Errorf("initialise security service: %w", err)
	}

	coordinator, err := sessions.NewCoordinator(store, idpClient, stack.Monitoring, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise refresh coordinator: %w", err)
	}

	stack.Manager, err = sessions.NewManager(store, coordinator, securitySvc, stack.Monitoring, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise session manager: %w", err)
	}
	started := time.Now()
	stack.Monitoring.Health().RegisterLiveness(monitoring.NewCheck("server", func(context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{
			Status:  monitoring.StatusUp,
			Details: "uptime " + time.Since(started).Truncate(time.Second).String(),
		}
	}))
	stack.Manager.RegisterReadiness(stack.Monitoring.Health())
	stack.Monitoring.Health().RegisterReadiness(checks.Maintenance(stack.Monitoring, 0))

	if err := stack.Manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("start refresh scheduler: %w", err)
	}

	if cfg.Maintenance.Enabled {
		cleanerOpts := []maintenance.Option{
			maintenance.WithRecorder(stack.Monitoring),
			maintenance.WithSessionSchedule(cfg.Maintenance.SessionSchedule),
			maintenance.WithSecuritySchedule(cfg.Maintenance.SecuritySchedule),
			maintenance.WithCacheSchedule(cfg.Maintenance.CacheSchedule),
		}
		if cfg.Cache.BackendName() == app.CacheBackendDatabase {
			cleanerOpts = append(cleanerOpts, maintenance.WithCacheDB(stack.DB))
		}
		stack.Cleaner = maintenance.NewCleaner(stack.Manager, securitySvc, cleanerOpts...)
		if cfg.Maintenance.RunOnStart {
			if err := stack.Cleaner.RunOnce(ctx); err != nil {
				log.Warn("initial maintenance run failed", zap.Error(err))
			}
		}
		if err := stack.Cleaner.Start(); err != nil {
			return nil, fmt.Errorf("start maintenance jobs: %w", err)
		}
	}

	stack.Router, err = api.NewRouter(api.Dependencies{
		Config:     cfg,
		Manager:    stack.Manager,
		Monitoring: stack.Monitoring,
		RateStore:  stack.Cache,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			log.Warn("maintenance jobs still running at shutdown")
		}
	}

	if s.Manager != nil {
		s.Manager.Stop()
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

// initialiseCache selects the cache tier. An unreachable Redis falls back to the database tier
// so sessions keep working without the shared cache.
func initialiseCache(cfg *app.Config, db *gorm.DB, log *zap.Logger) (cache.Store, *cache.RedisStore) {
	switch cfg.Cache.BackendName() {
	case app.CacheBackendMemory:
		log.Info("using in-process cache")
		return cache.NewMemoryStore(), nil
	case app.CacheBackendRedis:
		client, err := cache.NewRedisStore(cfg.Cache.RedisClientConfig())
		if err != nil {
			log.Warn("redis unavailable; falling back to database cache", zap.Error(err))
			return cache.NewDatabaseStore(db), nil
		}
		log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		return client, client
	default:
		return cache.NewDatabaseStore(db), nil
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.ConnectionConfig()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		closeDatabase(db, logger.WithModule("database"))
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
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
