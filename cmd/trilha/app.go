package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"

	"github.com/koinelab/trilha/internal/account"
	"github.com/koinelab/trilha/internal/config"
	"github.com/koinelab/trilha/internal/logger"
	"github.com/koinelab/trilha/internal/progress/cloudstore"
	"github.com/koinelab/trilha/internal/progress/localstore"
	progsync "github.com/koinelab/trilha/internal/progress/sync"
)

// flushTimeout bounds the cloud delivery attempted before a one-shot
// command exits.
const flushTimeout = 10 * time.Second

// app is the wired stack shared by every command.
type app struct {
	cfg   *config.Config
	log   *logger.Logger
	acct  *account.Static
	local *localstore.DB
	gate  *cloudstore.Gate
	mgr   *progsync.Manager
}

type appOptions struct {
	onEvent func(progsync.Event)

	// cfg and log are reused when a command needed them before the app
	// was opened.
	cfg *config.Config
	log *logger.Logger
}

// loadConfig reads configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openApp loads configuration and opens the local and cloud stores. A
// cloud backend that cannot be reached starts the app offline rather than
// failing, so local progress is always available.
func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg := opts.cfg
	if cfg == nil {
		var err error
		if cfg, err = loadConfig(); err != nil {
			return nil, err
		}
	}

	log := opts.log
	if log == nil {
		var err error
		if log, err = cfg.NewLogger(); err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	acct, err := cfg.NewAccount()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	local, err := localstore.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	if err := local.InitSchemaContext(ctx); err != nil {
		_ = local.Close()
		return nil, err
	}

	backend, reachable, err := openBackend(ctx, cfg, log)
	if err != nil {
		_ = local.Close()
		return nil, err
	}
	var gate *cloudstore.Gate
	if backend != nil {
		gate = cloudstore.NewGate(backend, acct, acct, log)
	}

	mcfg := progsync.DefaultConfig()
	mcfg.Queue = cfg.QueueConfig()
	mcfg.Logger = log
	mcfg.OnEvent = opts.onEvent
	mcfg.StartOffline = offline || !reachable

	return &app{
		cfg:   cfg,
		log:   log,
		acct:  acct,
		local: local,
		gate:  gate,
		mgr:   progsync.New(local, gate, mcfg),
	}, nil
}

// openBackend builds the configured cloud store. reachable is false when the
// backend exists but could not be contacted.
func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (cloudstore.Store, bool, error) {
	if offline {
		return offlineBackend(cfg, log)
	}

	switch cfg.Cloud.Backend {
	case "", config.BackendNone:
		return nil, false, nil

	case config.BackendMemory:
		return cloudstore.NewMemoryStore(nil), true, nil

	case config.BackendRedis:
		store, err := cloudstore.NewRedisStore(ctx, redisOptions(cfg), log)
		if err == nil {
			return store, true, nil
		}
		log.Warn("cloud backend unreachable, starting offline", "backend", "redis", "error", err)
		return offlineBackend(cfg, log)

	case config.BackendPostgres:
		store, err := cloudstore.NewPostgresStore(ctx, cfg.Cloud.PostgresDSN, log)
		if err == nil {
			return store, true, nil
		}
		log.Warn("cloud backend unreachable, starting offline", "backend", "postgres", "error", err)
		return offlineBackend(cfg, log)
	}
	return nil, false, fmt.Errorf("unknown cloud backend %q", cfg.Cloud.Backend)
}

// offlineBackend builds a store without contacting it, so a later probe can
// bring the app online.
func offlineBackend(cfg *config.Config, log *logger.Logger) (cloudstore.Store, bool, error) {
	switch cfg.Cloud.Backend {
	case config.BackendRedis:
		opts := redisOptions(cfg)
		rdb := goredis.NewClient(&goredis.Options{
			Addr:        opts.Addr,
			Password:    opts.Password,
			DB:          opts.DB,
			DialTimeout: 5 * time.Second,
		})
		return cloudstore.NewRedisStoreFromClient(rdb, log), false, nil

	case config.BackendPostgres:
		db, err := sqlx.Open("postgres", cfg.Cloud.PostgresDSN)
		if err != nil {
			return nil, false, fmt.Errorf("failed to open postgres: %w", err)
		}
		return cloudstore.NewPostgresStoreFromDB(db, log), false, nil

	case config.BackendMemory:
		return cloudstore.NewMemoryStore(nil), false, nil
	}
	return nil, false, nil
}

func redisOptions(cfg *config.Config) cloudstore.RedisOptions {
	return cloudstore.RedisOptions{
		Addr:     cfg.Cloud.RedisAddr,
		Password: cfg.Cloud.RedisPassword,
		DB:       cfg.Cloud.RedisDB,
	}
}

// Close delivers what it can of the queued cloud writes, flags the rest for
// the next run, and closes both stores.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	var errs []error
	if err := a.mgr.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.gate.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close cloud backend: %w", err))
	}
	if err := a.local.Close(); err != nil {
		errs = append(errs, err)
	}
	a.log.Sync()
	return errors.Join(errs...)
}

// withApp runs fn against a freshly opened app and closes it afterwards.
func withApp(ctx context.Context, fn func(a *app) error) (err error) {
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
