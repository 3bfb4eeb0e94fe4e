// Package sandbox defines the port for loading and running untrusted agent
// modules under resource limits.
package sandbox

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/domain/resource"
)

// Module is a compiled agent unit. Code is the module binary for kinds that
// have one (wasm); native modules are resolved by Name.
type Module struct {
	Kind   string    `json:"kind"`
	Name   string    `json:"name"`
	Code   []byte    `json:"-"`
	Digest string    `json:"digest"`
	Size   int       `json:"size"`
	Added  time.Time `json:"added_at"`
}

// NewModule returns a module with its content digest filled in.
func NewModule(kind, name string, code []byte) Module {
	return Module{
		Kind:   kind,
		Name:   name,
		Code:   code,
		Digest: Digest(kind, name, code),
		Size:   len(code),
		Added:  time.Now().UTC(),
	}
}

// Digest is the hex BLAKE2b-256 of a module's kind, name and code.
func Digest(kind, name string, code []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(code)
	return hex.EncodeToString(h.Sum(nil))
}

// Host is the capability surface an agent may call back into. It is the
// only way out of the sandbox.
type Host interface {
	// Self is the agent the host belongs to.
	Self() agent.ID
	// Send routes a message on behalf of the agent. The sender is always
	// stamped as Self.
	Send(ctx context.Context, p fipa.Params) error
	// Now reads the host clock.
	Now() time.Time
	// Log writes an agent log line.
	Log(level slog.Level, msg string)
}

// Instance is one live, isolated agent execution context. Calls on the same
// instance are never concurrent.
type Instance interface {
	HandleMessage(ctx context.Context, m fipa.Message) error
	// MemoryBytes reports the size of the agent's memory image, including
	// any growth the sandbox refused for exceeding its quota.
	MemoryBytes() uint64
	Close(ctx context.Context) error
}

// Config carries per-instance settings to a Loader.
type Config struct {
	Agent  agent.ID
	Limits resource.Limits
	Host   Host
}

// Loader instantiates modules of one kind.
type Loader interface {
	Kind() string
	// Validate checks that a module can be instantiated without running it.
	Validate(ctx context.Context, m Module) error
	Instantiate(ctx context.Context, m Module, cfg Config) (Instance, error)
	Close(ctx context.Context) error
}
