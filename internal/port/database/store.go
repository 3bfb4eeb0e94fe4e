// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
)

// AgentStore persists agent record snapshots. The supervisor remains the
// owner of live records; the store only mirrors them.
type AgentStore interface {
	SaveAgent(ctx context.Context, r agent.Record) error
	GetAgent(ctx context.Context, id agent.ID) (agent.Record, error)
	ListAgents(ctx context.Context) ([]agent.Record, error)
	DeleteAgent(ctx context.Context, id agent.ID) error
}

// ModuleStore persists uploaded module binaries by digest.
type ModuleStore interface {
	SaveModule(ctx context.Context, m sandbox.Module) error
	GetModule(ctx context.Context, digest string) (sandbox.Module, error)
	ListModules(ctx context.Context) ([]sandbox.Module, error)
}

// Store is the port interface for database operations.
type Store interface {
	AgentStore
	ModuleStore
}
