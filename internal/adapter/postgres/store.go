package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the connection, for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Agents ---

const agentColumns = `id, name, module_kind, module_name, module_digest, state, limits, restart_policy,
	restart_count, last_failure, created_at, updated_at`

// SaveAgent upserts the latest snapshot of an agent record. Older snapshots
// never overwrite newer ones.
func (s *Store) SaveAgent(ctx context.Context, r agent.Record) error {
	limits, err := json.Marshal(r.Limits)
	if err != nil {
		return fmt.Errorf("marshal limits: %w", err)
	}
	policy, err := json.Marshal(r.RestartPolicy)
	if err != nil {
		return fmt.Errorf("marshal restart policy: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   state = EXCLUDED.state,
		   restart_count = EXCLUDED.restart_count,
		   last_failure = EXCLUDED.last_failure,
		   updated_at = EXCLUDED.updated_at
		 WHERE agents.updated_at <= EXCLUDED.updated_at`,
		string(r.ID), r.Name, r.ModuleKind, r.ModuleName, r.ModuleDigest, string(r.State), limits, policy,
		r.RestartCount, r.LastFailure, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id agent.ID) (agent.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, string(id))
	r, err := scanAgent(row)
	if err != nil {
		return agent.Record{}, notFoundWrap(err, "get agent %s", id)
	}
	return r, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]agent.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []agent.Record
	for rows.Next() {
		r, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAgent(ctx context.Context, id agent.ID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, string(id))
	return execExpectOne(tag, err, "delete agent %s", id)
}

func scanAgent(row scannable) (agent.Record, error) {
	var (
		r              agent.Record
		id, state      string
		limits, policy []byte
	)
	err := row.Scan(&id, &r.Name, &r.ModuleKind, &r.ModuleName, &r.ModuleDigest, &state, &limits, &policy,
		&r.RestartCount, &r.LastFailure, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return agent.Record{}, err
	}
	r.ID, r.State = agent.ID(id), agent.State(state)
	if err := json.Unmarshal(limits, &r.Limits); err != nil {
		return agent.Record{}, fmt.Errorf("unmarshal limits: %w", err)
	}
	if err := json.Unmarshal(policy, &r.RestartPolicy); err != nil {
		return agent.Record{}, fmt.Errorf("unmarshal restart policy: %w", err)
	}
	return r, nil
}

// --- Modules ---

// SaveModule stores a module. Modules are content-addressed, so saving the
// same digest twice is a no-op.
func (s *Store) SaveModule(ctx context.Context, m sandbox.Module) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO modules (digest, kind, name, code, size, added_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (digest) DO NOTHING`,
		m.Digest, m.Kind, m.Name, m.Code, m.Size, m.Added)
	if err != nil {
		return fmt.Errorf("save module %s: %w", m.Digest, err)
	}
	return nil
}

func (s *Store) GetModule(ctx context.Context, digest string) (sandbox.Module, error) {
	var m sandbox.Module
	err := s.pool.QueryRow(ctx,
		`SELECT digest, kind, name, code, size, added_at FROM modules WHERE digest = $1`, digest).
		Scan(&m.Digest, &m.Kind, &m.Name, &m.Code, &m.Size, &m.Added)
	if err != nil {
		return sandbox.Module{}, notFoundWrap(err, "get module %s", digest)
	}
	return m, nil
}

// ListModules returns module metadata without code.
func (s *Store) ListModules(ctx context.Context) ([]sandbox.Module, error) {
	rows, err := s.pool.Query(ctx, `SELECT digest, kind, name, size, added_at FROM modules ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	defer rows.Close()

	var out []sandbox.Module
	for rows.Next() {
		var m sandbox.Module
		if err := rows.Scan(&m.Digest, &m.Kind, &m.Name, &m.Size, &m.Added); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
