package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caffeineduck/wasmtask/hostfunc"
	"github.com/caffeineduck/wasmtask/sandbox"
	"github.com/caffeineduck/wasmtask/schema"
	"github.com/caffeineduck/wasmtask/tasklog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

var ErrClosed = errors.New("executor closed")

// Executor owns the compilation cache and the limits shared by every task
// it loads. Each guest call gets its own wazero runtime built on that cache,
// so host callbacks never leak between invocations.
type Executor struct {
	cfg   executorConfig
	roots sandbox.OutputRoots
	cache wazero.CompilationCache

	mu     sync.RWMutex
	closed bool
}

// New creates an Executor.
func New(opts ...Option) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	} else {
		cache = wazero.NewCompilationCache()
	}

	return &Executor{
		cfg:   cfg,
		roots: sandbox.NewOutputRoots(cfg.outputRoots...),
		cache: cache,
	}, nil
}

// Load discovers the schema of a task module. The schema export runs with
// the log and task-info callbacks but without any filesystem. Failure to
// produce a valid schema returns an error wrapping schema.ErrSchema.
func (e *Executor) Load(ctx context.Context, name string, wasm []byte) (*Task, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	log := tasklog.With(e.cfg.log, "task", name)

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	bridge := hostfunc.NewBridge(log, hostfunc.Discovery)
	rt, err := e.newRuntime(ctx, bridge)
	if err != nil {
		return nil, err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}

	fn, ok := compiled.ExportedFunctions()[e.cfg.schemaExport]
	if !ok || len(fn.ParamTypes()) != 0 {
		return nil, fmt.Errorf("%w: %s: function %q not found in guest module", schema.ErrSchema, name, e.cfg.schemaExport)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithStartFunctions("_initialize").
		WithName(""))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: instantiate: %w", schema.ErrSchema, name, e.timeoutError(ctx, err))
	}
	defer mod.Close(context.WithoutCancel(ctx))

	if _, err := mod.ExportedFunction(e.cfg.schemaExport).Call(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: call %s: %w", schema.ErrSchema, name, e.cfg.schemaExport, e.timeoutError(ctx, err))
	}

	report, ok := bridge.Report()
	if !ok {
		return nil, fmt.Errorf("%w: %s: module did not report task info", schema.ErrSchema, name)
	}
	s, err := schema.Parse(report)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if s.Name == "" {
		s.Name = name
	}

	log.LogMessage(tasklog.Low, fmt.Sprintf("Discovered %d properties", len(s.Properties)))
	return &Task{exec: e, name: name, wasm: wasm, schema: s}, nil
}

// LoadFile reads a module from disk and loads it under its base name.
func (e *Executor) LoadFile(ctx context.Context, path string) (*Task, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return e.Load(ctx, name, wasm)
}

// newRuntime builds a runtime with WASI, the embedder's host functions and
// the bridge callbacks.
func (e *Executor) newRuntime(ctx context.Context, bridge *hostfunc.Bridge) (wazero.Runtime, error) {
	rtConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(e.cache)
	if e.cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(e.cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	registry := hostfunc.NewRegistry()
	registry.Merge(e.cfg.hostFuncs)
	bridge.Register(registry)
	if err := registry.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.timeout > 0 {
		return context.WithTimeout(ctx, e.cfg.timeout)
	}
	return context.WithCancel(ctx)
}

// timeoutError puts the context error in err's chain when ctx ended, and
// names the configured timeout when that is what ended it.
func (e *Executor) timeoutError(ctx context.Context, err error) error {
	ctxErr := ctx.Err()
	if ctxErr == nil {
		return err
	}
	if !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w (%v)", ctxErr, err)
	}
	if e.cfg.timeout > 0 && errors.Is(ctxErr, context.DeadlineExceeded) {
		return fmt.Errorf("timeout after %v: %w", e.cfg.timeout, err)
	}
	return err
}

func (e *Executor) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Close releases the compilation cache. Loaded tasks can no longer run.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return e.cache.Close(context.Background())
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "wasmtask")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "wasmtask")
	}
	return filepath.Join(os.TempDir(), "wasmtask-cache")
}
