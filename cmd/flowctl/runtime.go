package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-orchestrator/capability"
	"github.com/goliatone/go-orchestrator/config"
	"github.com/goliatone/go-orchestrator/core"
	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/session"
	"github.com/goliatone/go-orchestrator/store"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// runtime is everything a subcommand needs, opened from the globals.
type runtime struct {
	cfg      config.Config
	logger   logging.Logger
	registry *capability.Registry
	store    store.Store
	engine   *core.Engine
	manager  *session.Manager
	closers  []func() error
}

func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

func (g *Globals) loadConfig() (config.Config, error) {
	if strings.TrimSpace(g.Config) == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(g.Config)
}

// loadRegistry compiles every catalog into one registry snapshot.
func (g *Globals) loadRegistry() (*capability.Registry, error) {
	if len(g.Catalogs) == 0 {
		return nil, errors.New("at least one --catalog is required")
	}
	b := capability.NewBuilder()
	for _, path := range g.Catalogs {
		cat, err := capability.LoadCatalog(path)
		if err != nil {
			return nil, err
		}
		if err := cat.RegisterAll(b); err != nil {
			return nil, fmt.Errorf("catalog %s: %w", path, err)
		}
	}
	return b.Build()
}

func (g *Globals) logger(cfg config.Config) logging.Logger {
	level := cfg.Logging.Level
	if strings.TrimSpace(g.LogLevel) != "" {
		level = g.LogLevel
	}
	return logging.NewJSON(g.err, level)
}

// open builds the engine and session manager on the configured store. Every
// hydrator, handler and migration a capability names is bound to a
// passthrough collaborator, since flowctl runs without application code.
func (g *Globals) open(ctx context.Context) (*runtime, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	reg, err := g.loadRegistry()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: g.logger(cfg), registry: reg}

	var (
		sessions session.Store
		records  session.IdempotencyStore
	)
	storeOpts := cfg.StoreOptions()
	switch cfg.Store.DriverName() {
	case config.DriverMemory:
		rt.store = store.NewMemoryStore(storeOpts...)
	case config.DriverSQLite, config.DriverPostgres:
		dialect, err := store.DialectFor(cfg.Store.DriverName())
		if err != nil {
			return nil, err
		}
		db, err := sql.Open(cfg.Store.DriverName(), cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Store.DriverName(), err)
		}
		rt.closers = append(rt.closers, db.Close)
		sqlStore := store.NewSQLStore(db, dialect, cfg.Store.Prefix, storeOpts...)
		if err := sqlStore.EnsureSchema(ctx); err != nil {
			rt.Close()
			return nil, err
		}
		rt.store = sqlStore
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.Addr})
		rt.closers = append(rt.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Store.Addr, err)
		}
		rt.store = store.NewRedisStore(client, cfg.Store.Prefix, storeOpts...)
		sessions = session.NewRedisStore(client, cfg.Store.Prefix, cfg.Session.SessionTTL)
		records = session.NewRedisIdempotencyStore(client, cfg.Store.Prefix)
	default:
		return nil, fmt.Errorf("store driver %q not supported", cfg.Store.Driver)
	}

	hydrators, handlers, migrations, err := passthroughBindings(reg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	opts := append(cfg.EngineOptions(),
		core.WithLogger(rt.logger),
		core.WithHydrators(hydrators),
		core.WithHandlers(handlers),
		core.WithMigrations(migrations),
	)
	rt.engine, err = core.New(reg, rt.store, opts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.manager, err = session.NewManager(rt.engine, sessions, records,
		session.WithLogger(rt.logger),
		session.WithIdempotencyTTL(cfg.Session.IdempotencyTTL),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func passthroughBindings(reg *capability.Registry) (*core.Registry[core.Hydrator], *core.Registry[core.Handler], *core.Registry[core.Migration], error) {
	hydrators := core.NewRegistry[core.Hydrator]("hydrator")
	handlers := core.NewRegistry[core.Handler]("handler")
	migrations := core.NewRegistry[core.Migration]("migration")
	for _, id := range reg.IDs() {
		c, err := reg.Resolve(id)
		if err != nil {
			return nil, nil, nil, err
		}
		if name := c.Hydrator(); name != "" {
			if _, ok := hydrators.Lookup(name); !ok {
				hydrators.MustRegister(name, core.PassthroughHydrator)
			}
		}
		for _, name := range c.Effects() {
			if _, ok := handlers.Lookup(name); !ok {
				handlers.MustRegister(name, core.PassthroughHandler)
			}
		}
		if _, name, ok := c.MigratesFrom(); ok {
			if _, found := migrations.Lookup(name); !found {
				migrations.MustRegister(name, core.PassthroughMigration)
			}
		}
	}
	return hydrators, handlers, migrations, nil
}
