package app

import (
	"database/sql"
	"fmt"

	"goalrank/internal/config"
	"goalrank/internal/db"
	"goalrank/internal/engine"
	"goalrank/internal/lock"
	"goalrank/internal/logger"
	"goalrank/internal/migrate"
)

// Runtime holds everything a command needs: a migrated database, the engine
// and the resources to release afterwards.
type Runtime struct {
	Config  *config.Config
	DB      *sql.DB
	Dialect db.Dialect
	Engine  engine.Engine
	Log     *logger.Logger

	closers []func() error
}

// Open connects to the configured database, applies migrations and wires the engine.
func Open(workspace string, cfg *config.Config, log *logger.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log = logger.OrNop(log)
	conn, dialect, err := db.Open(db.Config{
		Workspace: workspace,
		Driver:    cfg.Database.Driver,
		DSN:       cfg.Database.DSN,
	})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, DB: conn, Dialect: dialect, Log: log}
	rt.closers = append(rt.closers, conn.Close)
	if err := migrate.Migrate(conn, dialect); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	locker, closeLocker, err := NewLocker(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if closeLocker != nil {
		rt.closers = append(rt.closers, closeLocker)
	}
	rt.Engine = engine.New(conn, dialect, cfg, locker, log)
	log.Debug("runtime ready", "driver", dialect, "lock", cfg.Lock.Backend)
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}

// NewLocker builds the configured reconciliation lock. The returned close func may be nil.
func NewLocker(cfg *config.Config) (lock.Locker, func() error, error) {
	switch cfg.Lock.Backend {
	case "none":
		return nil, nil, nil
	case "", "local":
		return &lock.Local{}, nil, nil
	case "redis":
		r, err := lock.NewRedis(cfg.Lock.RedisAddr, cfg.Lock.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis lock: %w", err)
		}
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}
