// Package app assembles a workspace: database, migrations, configuration and
// the engine built on top of them.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stasm/todo/internal/config"
	"github.com/stasm/todo/internal/db"
	"github.com/stasm/todo/internal/engine"
	"github.com/stasm/todo/internal/extref"
	"github.com/stasm/todo/internal/logging"
	"github.com/stasm/todo/internal/migrate"
	"github.com/stasm/todo/internal/repo"
	"github.com/stasm/todo/internal/telemetry"
)

type Options struct {
	Workspace string
	// DSN overrides the workspace database; postgres:// selects lib/pq.
	DSN     string
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Workspace is an opened workspace. Close releases the database and any
// cache connection.
type Workspace struct {
	Engine engine.Engine
	Config *config.Config
	Source extref.Source
	DB     *sql.DB

	closers []func() error
}

// Open loads todo.yml (defaults when absent), opens and migrates the
// database and builds the engine.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(cfg.LogLevel())
	}
	dbCfg := db.Config{Workspace: opts.Workspace, DSN: opts.DSN}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn, dbCfg.Dialect()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if v, err := migrate.Version(conn); err == nil {
		logger.Debug("workspace opened", "dialect", dbCfg.Dialect(), "schema_version", v)
	}

	e := engine.New(repo.Repo{DB: conn, Dialect: dbCfg.Dialect()}, cfg)
	e.Logger = logger
	e.Metrics = opts.Metrics

	ws := &Workspace{Engine: e, Config: cfg, DB: conn, closers: []func() error{conn.Close}}
	src, closeSrc := NewSource(ctx, cfg, logger)
	ws.Source = src
	if closeSrc != nil {
		ws.closers = append(ws.closers, closeSrc)
	}
	return ws, nil
}

func (w *Workspace) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		errs = append(errs, w.closers[i]())
	}
	return errors.Join(errs...)
}

// NewSource builds the bug tracker client behind a cache: redis when
// extref.redis_addr is set and reachable, process memory otherwise.
func NewSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (extref.Source, func() error) {
	client := extref.NewClient(cfg.ExtRef.BaseURL, cfg.ExtRefTimeout(), cfg.ExtRef.MaxRetries)
	client.Logger = logger
	if cfg.ExtRef.RedisAddr == "" {
		return extref.CachedSource{Source: client, Cache: extref.NewMemoryCache(cfg.CacheTTL())}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.ExtRef.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, caching in memory", "addr", cfg.ExtRef.RedisAddr, "error", err)
		rdb.Close()
		return extref.CachedSource{Source: client, Cache: extref.NewMemoryCache(cfg.CacheTTL())}, nil
	}
	return extref.CachedSource{Source: client, Cache: extref.NewRedisCache(rdb, "", cfg.CacheTTL())}, rdb.Close
}
