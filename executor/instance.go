package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/wasmtask/envelope"
	"github.com/caffeineduck/wasmtask/hostfunc"
	"github.com/caffeineduck/wasmtask/sandbox"
	"github.com/caffeineduck/wasmtask/schema"
	"github.com/caffeineduck/wasmtask/tasklog"
	"github.com/google/uuid"
)

var (
	ErrInstanceBusy  = errors.New("instance is executing")
	ErrInstanceDone  = errors.New("instance already executed")
	ErrMissingInputs = errors.New("required inputs not set")
)

// InstanceState is an Instance's position in its lifecycle.
type InstanceState int

const (
	InstanceReady InstanceState = iota
	InstanceExecuting
	InstanceDone
)

func (s InstanceState) String() string {
	switch s {
	case InstanceReady:
		return "ready"
	case InstanceExecuting:
		return "executing"
	case InstanceDone:
		return "done"
	default:
		return fmt.Sprintf("InstanceState(%d)", int(s))
	}
}

// Result holds the outcome of one execution.
type Result struct {
	// Outputs maps declared output names to values. File outputs hold
	// their host destination.
	Outputs map[string]any
	// Success is false if the guest returned non-zero, any step of the
	// invocation failed, or an error was logged.
	Success  bool
	Err      error
	ExitCode int32
	Duration time.Duration
}

// Instance carries the values for a single execution of a Task. Values are
// set while the instance is ready; after Execute the outputs are readable
// through Get.
type Instance struct {
	task *Task

	mu           sync.Mutex
	state        InstanceState
	props        *schema.PropertySet
	destinations map[string][]string
	directories  []string
}

func (i *Instance) State() InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Set assigns a property value; nil clears it. The Go type must match the
// declared kind (see schema.CheckValue).
func (i *Instance) Set(name string, v any) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.writable(); err != nil {
		return err
	}
	return i.props.Set(name, v)
}

// Get returns a property value. After execution, outputs are included.
func (i *Instance) Get(name string) (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.props.Get(name)
}

// SetDestination chooses where file output name is copied. Array outputs
// take one path per element, in order.
func (i *Instance) SetDestination(name string, paths ...string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.writable(); err != nil {
		return err
	}

	d, ok := i.props.Descriptor(name)
	if !ok {
		return fmt.Errorf("%w: %s", schema.ErrUnknownProperty, name)
	}
	if !d.Output || !d.Kind.IsFile() {
		return fmt.Errorf("%w: %s is not a file output", schema.ErrKindMismatch, d.Name)
	}
	if d.Kind == schema.KindFileRef && len(paths) != 1 {
		return fmt.Errorf("%w: %s takes exactly one destination", schema.ErrKindMismatch, d.Name)
	}

	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("destination %s: %w", p, err)
		}
		abs = append(abs, a)
	}
	i.destinations[d.Name] = abs
	return nil
}

// SetDirectories sets host directories the guest may access in place.
// Relative paths are made absolute here; the guest sees each directory at
// that absolute path and the input envelope lists the same path.
func (i *Instance) SetDirectories(dirs ...string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.writable(); err != nil {
		return err
	}

	abs := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		a, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("directory %s: %w", dir, err)
		}
		abs = append(abs, a)
	}
	i.directories = abs
	return nil
}

func (i *Instance) writable() error {
	switch i.state {
	case InstanceExecuting:
		return ErrInstanceBusy
	case InstanceDone:
		return ErrInstanceDone
	}
	return nil
}

// Execute runs the task once. Missing required inputs are reported without
// running guest code and leave the instance ready.
func (i *Instance) Execute(ctx context.Context) Result {
	start := time.Now()

	inv, err := i.begin()
	if err != nil {
		return Result{Err: err, Duration: time.Since(start)}
	}

	res := i.task.exec.execute(ctx, i.task, inv)
	res.Duration = time.Since(start)

	i.mu.Lock()
	for name, v := range res.Outputs {
		// Outputs are decoded by declared kind, so Set cannot fail here.
		_ = i.props.Set(name, v)
	}
	i.state = InstanceDone
	i.mu.Unlock()
	return res
}

// invocation is a snapshot of an instance taken when execution starts.
type invocation struct {
	values       map[string]any
	destinations map[string][]string
	directories  []string
}

func (i *Instance) begin() (invocation, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.writable(); err != nil {
		return invocation{}, err
	}
	if missing := i.props.Missing(); len(missing) > 0 {
		return invocation{}, fmt.Errorf("%w: %s", ErrMissingInputs, strings.Join(missing, ", "))
	}
	i.state = InstanceExecuting

	dests := make(map[string][]string, len(i.destinations))
	for k, v := range i.destinations {
		dests[k] = v
	}
	return invocation{
		values:       i.props.Values(),
		destinations: dests,
		directories:  i.directories,
	}, nil
}

func (e *Executor) execute(ctx context.Context, t *Task, inv invocation) Result {
	if e.isClosed() {
		return Result{Err: ErrClosed}
	}

	id := uuid.NewString()
	log := tasklog.NewTracker(tasklog.With(tasklog.With(e.cfg.log, "task", t.Name()), "invocation", id))

	res := e.run(ctx, t, inv, id, log)
	if res.Err != nil {
		log.LogError(fmt.Sprintf("Error executing task %s: %v", t.Name(), res.Err))
	}
	res.Success = res.Err == nil && res.ExitCode == 0 && !log.HasLoggedErrors()
	return res
}

func (e *Executor) run(ctx context.Context, t *Task, inv invocation, id string, log *tasklog.Tracker) Result {
	sess, err := sandbox.New(log, sandbox.WithBaseDir(e.cfg.tempDir), sandbox.WithID(id))
	if err != nil {
		return Result{Err: err}
	}
	defer sess.Dispose()

	values, err := copyInputs(sess.Virtualizer(), t.schema.Inputs(), inv.values)
	if err != nil {
		return Result{Err: err}
	}

	input, err := envelope.EncodeInput(t.schema.Inputs(), values, inv.directories)
	if err != nil {
		return Result{Err: err}
	}
	if err := sess.WriteInput(input); err != nil {
		return Result{Err: err}
	}
	if err := sess.Configure(sandbox.Config{
		Directories: inv.directories,
		InheritEnv:  e.cfg.inheritEnv,
	}); err != nil {
		return Result{Err: err}
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	rt, err := e.newRuntime(ctx, hostfunc.NewBridge(log, hostfunc.Execution))
	if err != nil {
		return Result{Err: err}
	}
	defer rt.Close(context.WithoutCancel(ctx))

	compiled, err := rt.CompileModule(ctx, t.wasm)
	if err != nil {
		return Result{Err: fmt.Errorf("compile %s: %w", t.Name(), err)}
	}

	code, err := sess.Run(ctx, rt, compiled, e.cfg.executeExport)
	if err != nil {
		return Result{Err: e.timeoutError(ctx, err)}
	}
	if code != 0 {
		log.LogError(fmt.Sprintf("Task failed with exit code %d.", code))
		return Result{ExitCode: code}
	}

	output, err := sess.ReadOutput()
	if err != nil {
		return Result{Err: err}
	}
	resolver := &outputResolver{
		virt:         sess.Virtualizer(),
		roots:        e.roots,
		destinations: inv.destinations,
		log:          log,
	}
	outputs, err := envelope.DecodeOutput(output, t.schema, resolver, log)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Outputs: outputs}
}

// copyInputs copies every file input into the sandbox and returns the
// values with guest paths filled in.
func copyInputs(v *sandbox.Virtualizer, inputs []schema.PropertyDescriptor, values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for k, val := range values {
		out[k] = val
	}

	for _, d := range inputs {
		switch val := out[d.Name].(type) {
		case schema.FileRef:
			ref, err := v.CopyIn(val)
			if err != nil {
				return nil, fmt.Errorf("copy %s into sandbox: %w", d.Name, err)
			}
			out[d.Name] = ref
		case []schema.FileRef:
			refs := make([]schema.FileRef, 0, len(val))
			for _, r := range val {
				ref, err := v.CopyIn(r)
				if err != nil {
					return nil, fmt.Errorf("copy %s into sandbox: %w", d.Name, err)
				}
				refs = append(refs, ref)
			}
			out[d.Name] = refs
		}
	}
	return out, nil
}
