// Package sandbox runs WebAssembly tool modules under wazero with
// deny-by-default confinement: no filesystem, no network, no environment
// and no host randomness reach the guest. Modules speak over stdin/stdout
// only, which keeps every side channel inside the execution record.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Defaults applied by New when Config leaves a field zero.
const (
	DefaultMemoryLimit = 16 << 20 // bytes
	DefaultTimeout     = 5 * time.Second
	DefaultOutputLimit = 1 << 20 // stdout+stderr bytes
)

// Config restricts what a guest module may consume.
type Config struct {
	MemoryLimitBytes int64
	Timeout          time.Duration
	OutputLimitBytes int
}

// Limit violation codes carried by LimitError.
const (
	LimitTime   = "SANDBOX_TIME_EXHAUSTED"
	LimitMemory = "SANDBOX_MEMORY_EXHAUSTED"
	LimitOutput = "SANDBOX_OUTPUT_EXHAUSTED"
)

// LimitError reports a confinement limit the module ran into. Limit
// violations are deterministic refusals, distinct from a module's own
// failures.
type LimitError struct {
	Code    string
	Message string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Runtime owns one wazero runtime and the modules loaded into it. A module
// is compiled once at load time and instantiated fresh on every invocation,
// so guests never share memory across calls.
type Runtime struct {
	runtime wazero.Runtime
	cfg     Config
	log     *slog.Logger

	mu      sync.RWMutex
	modules map[string]wazero.CompiledModule
}

// New builds a confined runtime. The memory ceiling is enforced by wazero
// page limits; the time ceiling by closing the guest when its context ends.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	if cfg.MemoryLimitBytes <= 0 {
		cfg.MemoryLimitBytes = DefaultMemoryLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.OutputLimitBytes <= 0 {
		cfg.OutputLimitBytes = DefaultOutputLimit
	}

	// wazero measures memory in 64KB pages.
	pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
	if pages == 0 {
		pages = 1
	}
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	// WASI gives the guest stdio and nothing else: no filesystem mounts,
	// no sockets, no environment variables are configured.
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate wasi: %w", err)
	}

	return &Runtime{
		runtime: r,
		cfg:     cfg,
		log:     logger.With("component", "sandbox"),
		modules: make(map[string]wazero.CompiledModule),
	}, nil
}

// Load compiles a module and registers it under name. Compilation happens
// here so malformed binaries are rejected before any task references them.
func (r *Runtime) Load(ctx context.Context, name string, wasm []byte) error {
	if name == "" {
		return fmt.Errorf("sandbox: module needs a name")
	}
	if len(wasm) == 0 {
		return fmt.Errorf("sandbox: module %s is empty", name)
	}

	compiled, err := r.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("sandbox: compile %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.modules[name]; dup {
		_ = compiled.Close(ctx)
		return fmt.Errorf("sandbox: module %s is already loaded", name)
	}
	r.modules[name] = compiled
	r.log.Info("module loaded", "module", name, "bytes", len(wasm))
	return nil
}

// Modules lists the loaded module names, sorted.
func (r *Runtime) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs one loaded module. The guest reads input on stdin and writes
// its result to stdout; a clean proc_exit(0) counts as success. Limit
// violations come back as *LimitError.
func (r *Runtime) Invoke(ctx context.Context, name string, input []byte) ([]byte, error) {
	r.mu.RLock()
	compiled, ok := r.modules[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sandbox: module %q not loaded", name)
	}

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := r.runtime.InstantiateModule(execCtx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		var exit *sys.ExitError
		switch {
		case errors.As(err, &exit) && exit.ExitCode() == 0:
			// Clean exit; stdout holds the result.
		case execCtx.Err() != nil && ctx.Err() == nil:
			return nil, &LimitError{
				Code:    LimitTime,
				Message: fmt.Sprintf("module %s exceeded %v", name, r.cfg.Timeout),
			}
		case isMemoryError(err):
			return nil, &LimitError{
				Code:    LimitMemory,
				Message: fmt.Sprintf("module %s exceeded %d bytes", name, r.cfg.MemoryLimitBytes),
			}
		case errors.As(err, &exit):
			return nil, fmt.Errorf("sandbox: module %s exited with code %d", name, exit.ExitCode())
		default:
			return nil, fmt.Errorf("sandbox: run %s: %w", name, err)
		}
	}

	if total := stdout.Len() + stderr.Len(); total > r.cfg.OutputLimitBytes {
		return nil, &LimitError{
			Code:    LimitOutput,
			Message: fmt.Sprintf("module %s wrote %d bytes, limit %d", name, total, r.cfg.OutputLimitBytes),
		}
	}
	if stderr.Len() > 0 {
		r.log.Debug("module stderr", "module", name, "stderr", stderr.String())
	}
	return stdout.Bytes(), nil
}

// Close shuts the runtime down, releasing every compiled module.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// isMemoryError matches wazero's memory.grow refusals, which surface as
// plain errors rather than a typed value.
func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceed"))
}
