// Package wasm implements the sandbox port on the wazero WebAssembly
// runtime. Every agent instance gets its own runtime, so linear memory,
// globals and tables are never shared between agents. Compiled code is
// shared through a compilation cache.
//
// Guest ABI:
//
//	imports  env.send(ptr, len i32) i32
//	         env.now() i64                 (unix nanoseconds)
//	         env.log(level, ptr, len i32)  (0 debug, 1 info, 2 warn, 3 error)
//	exports  memory
//	         alloc(size i32) i32
//	         handle_message(ptr, len i32) i32  (0 ok)
//
// Messages cross the boundary as JSON envelopes.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/Strob0t/AgentHost/internal/domain"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
)

// Kind is the module kind served by this loader.
const Kind = "wasm"

const (
	pageSize = 1 << 16
	maxPages = 65536
)

// Result codes returned to the guest by env.send.
const (
	SendOK uint32 = iota
	SendInvalid
	SendQueueFull
	SendRoutingFailure
	SendProtocolViolation
	SendUnknownConversation
	SendOther
)

func init() {
	sandbox.Register(Kind, func(cfg map[string]string) (sandbox.Loader, error) {
		var opts []Option
		if dir := cfg["cache_dir"]; dir != "" {
			opts = append(opts, WithCacheDir(dir))
		}
		if v := cfg["max_module_bytes"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("wasm: max_module_bytes: %w", err)
			}
			opts = append(opts, WithMaxModuleBytes(n))
		}
		return NewLoader(context.Background(), opts...)
	})
}

// Loader compiles and instantiates WebAssembly agent modules.
type Loader struct {
	cache          wazero.CompilationCache
	cacheDir       string
	maxModuleBytes int
	// inspect compiles modules without a memory limit for validation.
	inspect wazero.Runtime
}

// Option configures a Loader.
type Option func(*Loader)

// WithCacheDir persists compiled modules under dir.
func WithCacheDir(dir string) Option {
	return func(l *Loader) { l.cacheDir = dir }
}

// WithMaxModuleBytes rejects modules whose binary is larger than n bytes.
func WithMaxModuleBytes(n int) Option {
	return func(l *Loader) { l.maxModuleBytes = n }
}

// NewLoader creates a loader with a shared compilation cache.
func NewLoader(ctx context.Context, opts ...Option) (*Loader, error) {
	l := &Loader{maxModuleBytes: 16 << 20}
	for _, o := range opts {
		o(l)
	}
	if l.cacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(l.cacheDir)
		if err != nil {
			return nil, fmt.Errorf("wasm: compilation cache: %w", err)
		}
		l.cache = c
	} else {
		l.cache = wazero.NewCompilationCache()
	}
	l.inspect = wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCompilationCache(l.cache))
	return l, nil
}

// Kind implements sandbox.Loader.
func (l *Loader) Kind() string { return Kind }

// Validate compiles m and checks it against the guest ABI.
func (l *Loader) Validate(ctx context.Context, m sandbox.Module) error {
	compiled, err := l.compileForInspection(ctx, m)
	if err != nil {
		return err
	}
	defer compiled.Close(ctx)
	return checkABI(compiled)
}

func (l *Loader) compileForInspection(ctx context.Context, m sandbox.Module) (wazero.CompiledModule, error) {
	if len(m.Code) == 0 {
		return nil, fmt.Errorf("%w: empty wasm module", domain.ErrValidation)
	}
	if l.maxModuleBytes > 0 && len(m.Code) > l.maxModuleBytes {
		return nil, fmt.Errorf("%w: module is %d bytes, limit %d", domain.ErrValidation, len(m.Code), l.maxModuleBytes)
	}
	compiled, err := l.inspect.CompileModule(ctx, m.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: compile: %v", domain.ErrValidation, err)
	}
	return compiled, nil
}

var hostImports = map[string]struct{ params, results []api.ValueType }{
	"send": {[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}},
	"now":  {nil, []api.ValueType{api.ValueTypeI64}},
	"log":  {[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil},
}

var guestExports = map[string]struct{ params, results []api.ValueType }{
	"alloc":          {[]api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}},
	"handle_message": {[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}},
}

func checkABI(c wazero.CompiledModule) error {
	for _, fn := range c.ImportedFunctions() {
		mod, name, _ := fn.Import()
		want, ok := hostImports[name]
		if mod != "env" || !ok {
			return fmt.Errorf("%w: import %s.%s is not part of the host surface", domain.ErrValidation, mod, name)
		}
		if !sameSignature(fn, want.params, want.results) {
			return fmt.Errorf("%w: import %s.%s has the wrong signature", domain.ErrValidation, mod, name)
		}
	}
	if len(c.ImportedMemories()) > 0 {
		return fmt.Errorf("%w: modules must define their own memory", domain.ErrValidation)
	}
	if _, ok := c.ExportedMemories()["memory"]; !ok {
		return fmt.Errorf("%w: module does not export memory", domain.ErrValidation)
	}
	exports := c.ExportedFunctions()
	for name, want := range guestExports {
		fn, ok := exports[name]
		if !ok {
			return fmt.Errorf("%w: module does not export %s", domain.ErrValidation, name)
		}
		if !sameSignature(fn, want.params, want.results) {
			return fmt.Errorf("%w: export %s has the wrong signature", domain.ErrValidation, name)
		}
	}
	return nil
}

func sameSignature(fn api.FunctionDefinition, params, results []api.ValueType) bool {
	return string(fn.ParamTypes()) == string(params) && string(fn.ResultTypes()) == string(results)
}

func memoryPages(limit uint64) uint32 {
	pages := (limit + pageSize - 1) / pageSize
	switch {
	case pages < 1:
		return 1
	case pages > maxPages:
		return maxPages
	}
	return uint32(pages)
}

// Instantiate creates an isolated instance of m with its own runtime.
func (l *Loader) Instantiate(ctx context.Context, m sandbox.Module, cfg sandbox.Config) (sandbox.Instance, error) {
	compiled, err := l.compileForInspection(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := checkABI(compiled); err != nil {
		compiled.Close(ctx)
		return nil, err
	}
	limitPages := memoryPages(cfg.Limits.MaxMemoryBytes)
	if need := compiled.ExportedMemories()["memory"].Min(); need > limitPages {
		compiled.Close(ctx)
		return nil, fmt.Errorf("%w: module needs %d memory pages, limit is %d", domain.ErrResourceExceeded, need, limitPages)
	}
	compiled.Close(ctx)

	// Grows up to the wasm maximum reach the allocator, which refuses
	// anything past the quota and records the attempt.
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCompilationCache(l.cache).
		WithMemoryLimitPages(maxPages).
		WithCloseOnContextDone(true))

	alloc := &quotaAllocator{quota: uint64(limitPages) * pageSize}
	inst := &instance{rt: rt, host: cfg.Host, agent: cfg.Agent.String(), mem: alloc}
	if err := inst.exportHost(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	code, err := rt.CompileModule(ctx, m.Code)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("%w: compile: %v", domain.ErrValidation, err)
	}
	mod, err := rt.InstantiateModule(experimental.WithMemoryAllocator(ctx, alloc), code, wazero.NewModuleConfig().
		WithName(cfg.Agent.String()).
		WithStartFunctions("_initialize"))
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("%w: instantiate: %v", domain.ErrSandboxTrap, err)
	}

	inst.mod = mod
	inst.alloc = mod.ExportedFunction("alloc")
	inst.handle = mod.ExportedFunction("handle_message")
	return inst, nil
}

// Close releases the compilation cache.
func (l *Loader) Close(ctx context.Context) error {
	return errors.Join(l.inspect.Close(ctx), l.cache.Close(ctx))
}

type instance struct {
	rt     wazero.Runtime
	mod    api.Module
	alloc  api.Function
	handle api.Function
	host   sandbox.Host
	agent  string
	codec  fipa.JSONCodec
	mem    *quotaAllocator
}

func (i *instance) exportHost(ctx context.Context) error {
	_, err := i.rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(i.send).Export("send").
		NewFunctionBuilder().WithFunc(i.now).Export("now").
		NewFunctionBuilder().WithFunc(i.log).Export("log").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("wasm: host module: %w", err)
	}
	return nil
}

func (i *instance) send(ctx context.Context, mod api.Module, ptr, size uint32) uint32 {
	if i.host == nil {
		return SendOther
	}
	buf, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return SendInvalid
	}
	var env fipa.Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		slog.Debug("wasm agent sent an undecodable message", "agent_id", i.agent, "error", err)
		return SendInvalid
	}
	return sendCode(i.host.Send(ctx, env.Params()))
}

func sendCode(err error) uint32 {
	switch {
	case err == nil:
		return SendOK
	case errors.Is(err, domain.ErrValidation):
		return SendInvalid
	case errors.Is(err, domain.ErrQueueFull):
		return SendQueueFull
	case errors.Is(err, domain.ErrProtocolViolation):
		return SendProtocolViolation
	case errors.Is(err, domain.ErrUnknownConversation):
		return SendUnknownConversation
	case errors.Is(err, domain.ErrRoutingFailure), errors.Is(err, domain.ErrAgentNotFound):
		return SendRoutingFailure
	}
	return SendOther
}

func (i *instance) now(context.Context) int64 {
	if i.host == nil {
		return 0
	}
	return i.host.Now().UnixNano()
}

func (i *instance) log(_ context.Context, mod api.Module, level, ptr, size uint32) {
	if i.host == nil {
		return
	}
	buf, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return
	}
	lvl := slog.LevelInfo
	switch level {
	case 0:
		lvl = slog.LevelDebug
	case 2:
		lvl = slog.LevelWarn
	case 3:
		lvl = slog.LevelError
	}
	i.host.Log(lvl, string(buf))
}

// HandleMessage copies m into guest memory and calls handle_message.
func (i *instance) HandleMessage(ctx context.Context, m fipa.Message) error {
	data, err := i.codec.Encode(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	res, err := i.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return i.fault(ctx, "alloc", err)
	}
	ptr := uint32(res[0])
	if ptr == 0 || !i.mod.Memory().Write(ptr, data) {
		return fmt.Errorf("%w: alloc returned unusable buffer at %d for %d bytes", domain.ErrSandboxTrap, ptr, len(data))
	}

	res, err = i.handle.Call(ctx, uint64(ptr), uint64(len(data)))
	if err != nil {
		return i.fault(ctx, "handle_message", err)
	}
	if status := api.DecodeI32(res[0]); status != 0 {
		return fmt.Errorf("agent returned status %d", status)
	}
	return nil
}

func (i *instance) fault(ctx context.Context, fn string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s interrupted: %w", domain.ErrSandboxTrap, fn, ctx.Err())
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrSandboxTrap, fn, err)
}

// MemoryBytes reports the guest's linear memory size, or the largest size
// it tried to grow to when a grow was refused.
func (i *instance) MemoryBytes() uint64 {
	if i.mod == nil || i.mod.IsClosed() {
		return 0
	}
	size := uint64(i.mod.Memory().Size())
	if i.mem != nil && i.mem.mem != nil {
		size = max(size, i.mem.mem.Peak())
	}
	return size
}

func (i *instance) Close(ctx context.Context) error {
	return i.rt.Close(ctx)
}
