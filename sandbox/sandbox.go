// Package sandbox owns the isolated environment of one guest invocation:
// a shared directory the guest sees as its root, a host-only control
// directory holding the input and output envelopes, the guest's stdio, and
// the cleanup that removes all of it.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caffeineduck/wasmtask/tasklog"
	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

var (
	ErrMissingExport = errors.New("missing export")
	ErrNoOutput      = errors.New("guest did not write an output envelope")
	ErrInvalidState  = errors.New("invalid session state")
	ErrExitedEarly   = errors.New("guest exited during initialization")
)

const (
	inputFile  = "input.json"
	outputFile = "output.json"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateConfigured
	StateRunning
	StateCompleted
	StateFailed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures a Session.
type Option func(*options)

type options struct {
	baseDir string
	id      string
}

// WithBaseDir places the session directories under dir instead of the
// system temporary directory.
func WithBaseDir(dir string) Option {
	return func(o *options) {
		o.baseDir = dir
	}
}

// WithID names the session instead of generating a fresh UUID.
func WithID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Config is the per-invocation guest wiring.
type Config struct {
	// Directories are pass-through host directories, mounted at their own
	// path.
	Directories []string
	// InheritEnv exposes the host environment to the guest.
	InheritEnv bool
}

// Session is a single-use execution environment. It is not safe to share
// between invocations.
type Session struct {
	id      string
	log     tasklog.Logger
	shared  string
	control string
	virt    *Virtualizer

	stdin  *os.File
	stdout *lazyFile
	stderr *lineWriter
	modCfg wazero.ModuleConfig

	mu    sync.Mutex
	state State
}

// New allocates the shared and control directories. The directory names
// carry a fresh invocation ID.
func New(log tasklog.Logger, opts ...Option) (*Session, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = tasklog.Nop()
	}

	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	shared, err := os.MkdirTemp(o.baseDir, "wasmtask-"+id+"-shared-")
	if err != nil {
		return nil, fmt.Errorf("create shared directory: %w", err)
	}
	control, err := os.MkdirTemp(o.baseDir, "wasmtask-"+id+"-control-")
	if err != nil {
		os.RemoveAll(shared)
		return nil, fmt.Errorf("create control directory: %w", err)
	}

	s := &Session{
		id:      id,
		log:     log,
		shared:  shared,
		control: control,
		virt:    NewVirtualizer(shared, log),
		stdout:  &lazyFile{path: filepath.Join(control, outputFile)},
		stderr:  newLineWriter(log),
		state:   StateCreated,
	}
	log.LogMessage(tasklog.Low, fmt.Sprintf("Created sandbox %s at %s", id, shared))
	return s, nil
}

func (s *Session) ID() string                { return s.id }
func (s *Session) SharedDir() string         { return s.shared }
func (s *Session) ControlDir() string        { return s.control }
func (s *Session) Virtualizer() *Virtualizer { return s.virt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// expect fails unless the session is in want.
func (s *Session) expect(op string, want State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != want {
		return fmt.Errorf("%w: %s while %s", ErrInvalidState, op, s.state)
	}
	return nil
}

// WriteInput stores the serialized input envelope in the control directory.
func (s *Session) WriteInput(data []byte) error {
	if err := s.expect("write input", StateCreated); err != nil {
		return err
	}
	path := filepath.Join(s.control, inputFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write input envelope: %w", err)
	}
	s.log.LogMessage(tasklog.Low, fmt.Sprintf("Created input file: %s", path))
	return nil
}

// Configure wires stdio, preopens and environment. Stdin reads the input
// envelope (empty if none was written), stdout lands in the control
// directory, stderr goes to the log.
func (s *Session) Configure(cfg Config) error {
	if err := s.expect("configure", StateCreated); err != nil {
		return err
	}

	inPath := filepath.Join(s.control, inputFile)
	if _, err := os.Stat(inPath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(inPath, nil, 0o600); err != nil {
			return fmt.Errorf("create empty input: %w", err)
		}
	}
	stdin, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("open input envelope: %w", err)
	}
	s.stdin = stdin

	fsCfg := wazero.NewFSConfig().WithDirMount(s.shared, "/")
	for _, dir := range cfg.Directories {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("resolve directory %s: %w", dir, err)
		}
		fsCfg = fsCfg.WithDirMount(abs, filepath.ToSlash(abs))
	}

	modCfg := wazero.NewModuleConfig().
		WithStdin(s.stdin).
		WithStdout(s.stdout).
		WithStderr(s.stderr).
		WithFSConfig(fsCfg).
		WithStartFunctions("_initialize").
		WithSysWalltime().
		WithSysNanotime().
		WithName("")

	if cfg.InheritEnv {
		for _, kv := range os.Environ() {
			k, v, ok := strings.Cut(kv, "=")
			if ok && k != "" {
				modCfg = modCfg.WithEnv(k, v)
			}
		}
	}

	s.modCfg = modCfg
	s.setState(StateConfigured)
	return nil
}

// CheckExport verifies compiled exports name as a function taking no
// arguments and returning one i32.
func CheckExport(compiled wazero.CompiledModule, name string) error {
	fn, ok := compiled.ExportedFunctions()[name]
	if !ok {
		return fmt.Errorf("%w: function %q not found in guest module", ErrMissingExport, name)
	}
	if len(fn.ParamTypes()) != 0 || len(fn.ResultTypes()) != 1 || fn.ResultTypes()[0] != api.ValueTypeI32 {
		return fmt.Errorf("%w: function %q must have signature () -> i32", ErrMissingExport, name)
	}
	return nil
}

// Run instantiates the guest and calls export synchronously, returning its
// exit code. A guest that calls proc_exit from export is treated as if it
// returned that code. Errors cover everything that kept export from
// returning: a missing export, instantiation failure (including proc_exit
// from _initialize, with any code), a trap or cancellation.
func (s *Session) Run(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, export string) (int32, error) {
	if err := s.expect("run", StateConfigured); err != nil {
		return 0, err
	}
	if err := CheckExport(compiled, export); err != nil {
		s.setState(StateFailed)
		return 0, err
	}
	s.setState(StateRunning)

	code, err := s.call(ctx, rt, compiled, export)
	s.stderr.Flush()
	if err != nil || code != 0 {
		s.setState(StateFailed)
	} else {
		s.setState(StateCompleted)
	}
	return code, err
}

func (s *Session) call(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, export string) (int32, error) {
	mod, err := rt.InstantiateModule(ctx, compiled, s.modCfg)
	if err != nil {
		if code, ok := exitCode(err); ok && ctx.Err() == nil {
			return 0, fmt.Errorf("instantiate guest: %w with code %d", ErrExitedEarly, code)
		}
		return 0, fmt.Errorf("instantiate guest: %w", contextError(ctx, err))
	}
	defer mod.Close(context.WithoutCancel(ctx))
	// wazero swallows proc_exit(0) from a start function and hands back the
	// closed module.
	if mod.IsClosed() {
		return 0, fmt.Errorf("instantiate guest: %w with code 0", ErrExitedEarly)
	}

	results, err := mod.ExportedFunction(export).Call(ctx)
	if err != nil {
		if code, ok := exitCode(err); ok && ctx.Err() == nil {
			return code, nil
		}
		return 0, fmt.Errorf("call %s: %w", export, contextError(ctx, err))
	}
	return api.DecodeI32(results[0]), nil
}

func exitCode(err error) (int32, bool) {
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		return int32(exit.ExitCode()), true
	}
	return 0, false
}

// contextError prefers the context's error when the runtime aborted the
// guest because ctx ended.
func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return err
}

// ReadOutput returns the output envelope the guest wrote to stdout.
func (s *Session) ReadOutput() ([]byte, error) {
	if !s.stdout.created() {
		return nil, ErrNoOutput
	}
	if err := s.stdout.Close(); err != nil {
		return nil, fmt.Errorf("close output envelope: %w", err)
	}
	data, err := os.ReadFile(s.stdout.path)
	if err != nil {
		return nil, fmt.Errorf("read output envelope: %w", err)
	}
	return data, nil
}

// Dispose closes stdio and removes both directories. Failures are logged
// at high importance and never returned. Calling Dispose again does
// nothing.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisposed
	s.mu.Unlock()

	s.stderr.Flush()
	if s.stdin != nil {
		s.stdin.Close()
	}
	s.stdout.Close()

	for _, dir := range []string{s.shared, s.control} {
		if err := os.RemoveAll(dir); err != nil {
			s.log.LogMessage(tasklog.High, fmt.Sprintf("Failed to remove sandbox directory %s: %v", dir, err))
		}
	}
	s.log.LogMessage(tasklog.Low, fmt.Sprintf("Removed sandbox %s", s.id))
}

// lazyFile creates its file on first write, so an absent file means the
// guest never wrote anything.
type lazyFile struct {
	path   string
	mu     sync.Mutex
	f      *os.File
	err    error
	closed bool
}

func (l *lazyFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, os.ErrClosed
	}
	if l.f == nil && l.err == nil {
		l.f, l.err = os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	}
	if l.err != nil {
		return 0, l.err
	}
	return l.f.Write(p)
}

func (l *lazyFile) created() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f != nil
}

func (l *lazyFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.f == nil {
		l.closed = true
		return nil
	}
	l.closed = true
	return l.f.Close()
}
