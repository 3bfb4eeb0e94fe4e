// Package postgres persists agent records and modules in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/Strob0t/AgentHost/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// NewPool opens a connection pool tagged with the host's application name
// and checks it with a ping.
func NewPool(ctx context.Context, cfg config.Postgres) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheck
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = "agenthost"
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Open connects, brings the agent and module tables up to date and returns
// a ready store. Close releases the pool.
func Open(ctx context.Context, cfg config.Postgres) (*Store, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	schema, err := NewSchema(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	defer func() { _ = schema.Close() }()

	if _, err := schema.Up(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return NewStore(pool), nil
}

// Migration is the state of one schema migration.
type Migration struct {
	Version int64
	Path    string
	Applied bool
}

// Schema manages the embedded migrations over an existing pool.
type Schema struct {
	provider *goose.Provider
}

// NewSchema prepares migrations to run through pool. Closing the schema
// leaves the pool open.
func NewSchema(pool *pgxpool.Pool) (*Schema, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations fs: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys,
		goose.WithSlog(slog.Default().With("component", "migrations")))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration provider: %w", err)
	}
	return &Schema{provider: provider}, nil
}

// Up applies every pending migration and returns how many ran.
func (s *Schema) Up(ctx context.Context) (int, error) {
	results, err := s.provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("run migrations: %w", err)
	}
	return len(results), nil
}

// Down rolls back the last steps migrations. It stops quietly at version zero.
func (s *Schema) Down(ctx context.Context, steps int) error {
	for range steps {
		if _, err := s.provider.Down(ctx); err != nil {
			if errors.Is(err, goose.ErrNoNextVersion) {
				return nil
			}
			return fmt.Errorf("rollback: %w", err)
		}
	}
	return nil
}

// Version returns the highest applied migration.
func (s *Schema) Version(ctx context.Context) (int64, error) {
	v, err := s.provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

// Status lists every known migration in version order.
func (s *Schema) Status(ctx context.Context) ([]Migration, error) {
	states, err := s.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]Migration, 0, len(states))
	for _, st := range states {
		out = append(out, Migration{
			Version: st.Source.Version,
			Path:    st.Source.Path,
			Applied: st.State == goose.StateApplied,
		})
	}
	return out, nil
}

// Close releases the migration connection.
func (s *Schema) Close() error {
	return s.provider.Close()
}
