package main

import (
	"context"
	"fmt"

	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/port/database"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
)

// agentsOnly journals agent records but keeps uploaded modules in memory.
type agentsOnly struct {
	database.Store
}

func (agentsOnly) SaveModule(context.Context, sandbox.Module) error { return nil }

func (agentsOnly) GetModule(_ context.Context, digest string) (sandbox.Module, error) {
	return sandbox.Module{}, fmt.Errorf("module %s: %w", digest, domain.ErrNotFound)
}

func (agentsOnly) ListModules(context.Context) ([]sandbox.Module, error) { return nil, nil }
