package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/offlinegate/internal/cache"
	"github.com/kimhsiao/offlinegate/internal/config"
	"github.com/kimhsiao/offlinegate/internal/crypto"
	"github.com/kimhsiao/offlinegate/internal/logging"
	"github.com/kimhsiao/offlinegate/internal/pending"
	"github.com/kimhsiao/offlinegate/internal/printer"
	"github.com/kimhsiao/offlinegate/internal/worker"
)

// defaultConfigFile is picked up from the working directory when --config is not given.
const defaultConfigFile = "offlinegate.yml"

// runtime holds everything a command opened and must release.
type runtime struct {
	cfg    *config.Config
	store  *pending.Store
	rdb    *redis.Client
	worker *worker.Worker
	logOut io.Closer
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		suggestions := []string{
			"Set origin in offlinegate.yml",
			"Export OFFLINEGATE_ORIGIN=https://api.example.com",
		}
		if path != "" {
			suggestions = []string{fmt.Sprintf("Fix %s and run the command again", path)}
		}
		return nil, printer.Error("Configuration is not valid", err.Error(), suggestions)
	}
	return cfg, nil
}

// openRuntime loads configuration, sets up logging and wires a worker over
// the configured stores. The worker is neither installed nor started.
func openRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}
	if err := rt.setupLogging(); err != nil {
		return nil, err
	}

	var sealer *crypto.Sealer
	if cfg.Store.EncryptionKey != "" {
		sealer, err = crypto.NewSealer(cfg.Store.EncryptionKey)
		if err != nil {
			rt.Close()
			return nil, printer.Error("Invalid store encryption key", err.Error(), nil)
		}
	}

	rt.store, err = pending.Open(cfg.DataDir, cfg.Store.Database, cfg.Store.Version, pending.Options{
		Sealer: sealer,
		Tag:    cfg.Replay.Tag,
	})
	if err != nil {
		rt.Close()
		return nil, printer.ErrorWithContext(
			"Failed to open pending store",
			err.Error(),
			map[string]string{"data_dir": cfg.DataDir, "database": cfg.Store.Database},
			[]string{"Check that data_dir is writable"},
		)
	}

	if cfg.Redis.Addr != "" {
		rt.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	storage, err := rt.cacheStorage(context.Background())
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.worker, err = worker.New(worker.Options{
		Config:       cfg,
		Store:        rt.store,
		CacheStorage: storage,
		Redis:        rt.rdb,
	})
	if err != nil {
		rt.Close()
		return nil, printer.Error("Failed to create worker", err.Error(), nil)
	}
	return rt, nil
}

func (rt *runtime) setupLogging() error {
	var out io.Writer = os.Stderr
	if rt.cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(rt.cfg.Log.File), 0755); err != nil {
			return printer.Error("Failed to create log directory", err.Error(), nil)
		}
		f, err := os.OpenFile(rt.cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return printer.Error("Failed to open log file", err.Error(), nil)
		}
		rt.logOut = f
		out = f
	}
	logging.Init(out, logging.ParseLevel(rt.cfg.Log.Level))
	return nil
}

func (rt *runtime) cacheStorage(ctx context.Context) (cache.Storage, error) {
	if rt.cfg.Cache.Backend != config.CacheBackendRedis {
		return cache.NewSQLiteStorage(rt.store.DB().DB), nil
	}

	storage, err := cache.NewRedisStorage(rt.rdb, rt.cfg.Store.Database)
	if err != nil {
		return nil, printer.Error("Failed to create redis cache storage", err.Error(), nil)
	}
	if err := storage.Ping(ctx); err != nil {
		return nil, printer.ErrorWithContext(
			"Redis is not reachable",
			err.Error(),
			map[string]string{"addr": rt.cfg.Redis.Addr},
			[]string{"Start redis", "Set cache.backend: sqlite"},
		)
	}
	return storage, nil
}

// Close releases everything in reverse order of opening.
func (rt *runtime) Close() {
	if rt.worker != nil {
		rt.worker.Close()
	}
	if rt.rdb != nil {
		rt.rdb.Close()
	}
	if rt.store != nil {
		rt.store.Close()
	}
	if rt.logOut != nil {
		logging.Init(os.Stderr, logging.ParseLevel(rt.cfg.Log.Level))
		rt.logOut.Close()
	}
}
