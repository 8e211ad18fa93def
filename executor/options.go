package executor

import (
	"time"

	"github.com/caffeineduck/wasmtask/hostfunc"
	"github.com/caffeineduck/wasmtask/tasklog"
)

const (
	DefaultExecuteExport = "execute"
	DefaultSchemaExport  = "GetTaskInfo"
)

// Option configures the Executor at creation time.
type Option func(*executorConfig)

type executorConfig struct {
	log              tasklog.Logger
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	timeout          time.Duration
	tempDir          string
	outputRoots      []string
	inheritEnv       bool
	executeExport    string
	schemaExport     string
	hostFuncs        *hostfunc.Registry
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		log:           tasklog.Nop(),
		executeExport: DefaultExecuteExport,
		schemaExport:  DefaultSchemaExport,
		hostFuncs:     hostfunc.NewRegistry(),
	}
}

// WithLogger sends host and guest diagnostics to log.
func WithLogger(log tasklog.Logger) Option {
	return func(c *executorConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// WithDiskCache enables persistent compilation cache for faster CLI startup.
// Optionally provide a custom directory; otherwise uses ~/.cache/wasmtask or
// XDG_CACHE_HOME/wasmtask.
//
// Examples:
//
//	executor.New(executor.WithDiskCache())            // default dir
//	executor.New(executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to WASM modules.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//   - WithMemoryLimit(4096) = 256MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// WithTimeout bounds every guest call, discovery included. Zero means no
// limit beyond the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *executorConfig) {
		c.timeout = d
	}
}

// WithTempDir places sandbox directories under dir.
func WithTempDir(dir string) Option {
	return func(c *executorConfig) {
		c.tempDir = dir
	}
}

// WithOutputRoot allows guests to choose their own output destinations
// below root.
func WithOutputRoot(root ...string) Option {
	return func(c *executorConfig) {
		c.outputRoots = append(c.outputRoots, root...)
	}
}

// WithInheritEnv exposes the host environment to guests.
func WithInheritEnv() Option {
	return func(c *executorConfig) {
		c.inheritEnv = true
	}
}

// WithExecuteExport changes the export called to run a task.
func WithExecuteExport(name string) Option {
	return func(c *executorConfig) {
		c.executeExport = name
	}
}

// WithSchemaExport changes the export called during discovery.
func WithSchemaExport(name string) Option {
	return func(c *executorConfig) {
		c.schemaExport = name
	}
}

// WithHostFunc makes an extra host callback importable by guests as
// module.name. fn must be a function wazero's host module builder accepts.
// The msbuild-log and msbuild-taskinfo callbacks cannot be replaced.
func WithHostFunc(module, name string, fn hostfunc.Func) Option {
	return func(c *executorConfig) {
		c.hostFuncs.Register(module, name, fn)
	}
}
