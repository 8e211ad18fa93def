package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caffeineduck/wasmtask/internal/wasmtest"
	"github.com/caffeineduck/wasmtask/sandbox"
	"github.com/caffeineduck/wasmtask/schema"
	"github.com/caffeineduck/wasmtask/tasklog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const concatSchema = `{"name": "concat", "properties": [
	{"name": "InputFiles", "property_type": "ITaskItemArray", "output": false, "required": true},
	{"name": "Separator", "property_type": "string", "output": false, "required": false},
	{"name": "OutputFile", "property_type": "ITaskItem", "output": true, "required": false}
]}`

const emptySchema = `{"properties": []}`

func newExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	e, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func load(t *testing.T, e *Executor, g wasmtest.Guest) *Task {
	t.Helper()
	task, err := e.Load(context.Background(), "test", g.Build())
	require.NoError(t, err)
	return task
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "sandbox directories left behind in %s", dir)
}

func TestLoad(t *testing.T) {
	e := newExecutor(t)
	task := load(t, e, wasmtest.Guest{Report: concatSchema})

	assert.Equal(t, "concat", task.Name())
	assert.Equal(t, []schema.PropertyDescriptor{
		{Name: "InputFiles", Kind: schema.KindFileRefArray, Required: true},
		{Name: "Separator", Kind: schema.KindString},
		{Name: "OutputFile", Kind: schema.KindFileRef, Output: true},
	}, task.Parameters())

	// Copies do not alias the task's schema.
	task.Parameters()[0].Name = "changed"
	task.Schema().Properties[0].Name = "changed"
	assert.Equal(t, "InputFiles", task.Parameters()[0].Name)
}

func TestLoadUsesLoadNameWhenUnreported(t *testing.T) {
	e := newExecutor(t)
	task := load(t, e, wasmtest.Guest{Report: emptySchema})
	assert.Equal(t, "test", task.Name())
	assert.Empty(t, task.Parameters())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concat.wasm")
	require.NoError(t, os.WriteFile(path, wasmtest.Guest{Report: emptySchema}.Build(), 0o644))

	task, err := newExecutor(t, WithDiskCache(t.TempDir())).LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "concat", task.Name())

	_, err = newExecutor(t).LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.wasm"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name  string
		guest wasmtest.Guest
	}{
		{"missing export", wasmtest.Guest{Report: emptySchema, NoSchemaExport: true}},
		{"no report", wasmtest.Guest{}},
		{"trap", wasmtest.Guest{Report: emptySchema, TrapInSchema: true}},
		{"unknown type", wasmtest.Guest{Report: `{"properties": [
			{"name": "X", "property_type": "int", "output": false, "required": false}]}`}},
		{"not json", wasmtest.Guest{Report: "nope"}},
		{"no memory", wasmtest.Guest{Report: emptySchema, HideMemory: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := newExecutor(t).Load(context.Background(), "bad", tt.guest.Build())
			assert.ErrorIs(t, err, schema.ErrSchema)
			assert.Nil(t, task)
		})
	}
}

func TestLoadCustomSchemaExport(t *testing.T) {
	e := newExecutor(t, WithSchemaExport("describe"))
	_, err := e.Load(context.Background(), "x", wasmtest.Guest{Report: emptySchema}.Build())
	assert.ErrorIs(t, err, schema.ErrSchema)
	assert.Contains(t, err.Error(), `"describe"`)
}

func TestLoadInvalidModule(t *testing.T) {
	_, err := newExecutor(t).Load(context.Background(), "junk", []byte("not wasm"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, schema.ErrSchema)
}

func TestLoadAfterClose(t *testing.T) {
	e := newExecutor(t)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Load(context.Background(), "x", wasmtest.Guest{Report: emptySchema}.Build())
	assert.ErrorIs(t, err, ErrClosed)
}

// concatGuest builds a guest that concatenates inputs into out.txt and
// reports it as OutputFile. Guest names are the flattened host paths.
func concatGuest(outputEnvelope string, inputs ...string) wasmtest.Guest {
	names := make([]string, len(inputs))
	for i, in := range inputs {
		names[i] = sandbox.Flatten(in)
	}
	return wasmtest.Guest{
		Report: concatSchema,
		Concat: &wasmtest.Concat{Inputs: names, Output: "out.txt"},
		Stdout: outputEnvelope,
	}
}

func TestExecuteConcat(t *testing.T) {
	base := t.TempDir()
	src := t.TempDir()
	a := writeFile(t, filepath.Join(src, "a.txt"), "foo")
	b := writeFile(t, filepath.Join(src, "b.txt"), "bar")
	dest := filepath.Join(t.TempDir(), "result", "out.txt")

	rec := tasklog.NewRecorder()
	e := newExecutor(t, WithTempDir(base), WithLogger(rec))
	task := load(t, e, concatGuest(`{"properties": {"OutputFile": {"WasmPath": "out.txt", "Encoding": "utf-8"}}}`, a, b))

	inst := task.NewInstance()
	require.NoError(t, inst.Set("inputfiles", []schema.FileRef{schema.NewFileRef(a), schema.NewFileRef(b)}))
	require.NoError(t, inst.SetDestination("OutputFile", dest))

	res := inst.Execute(context.Background())
	require.NoError(t, res.Err)
	assert.True(t, res.Success, "errors: %v", rec.Errors())
	assert.Equal(t, int32(0), res.ExitCode)
	assert.Positive(t, res.Duration)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "foobar", string(data))

	want := schema.FileRef{HostPath: dest, Metadata: map[string]string{"Encoding": "utf-8"}}
	assert.Equal(t, want, res.Outputs["OutputFile"])
	got, ok := inst.Get("OutputFile")
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, InstanceDone, inst.State())

	assertEmptyDir(t, base)
}

func TestExecutePassThroughDirectories(t *testing.T) {
	work := t.TempDir()
	t.Chdir(work)
	writeFile(t, filepath.Join(work, "deps", "dep.txt"), "rel")
	relDir, err := filepath.Abs("deps")
	require.NoError(t, err)
	absDir := t.TempDir()
	writeFile(t, filepath.Join(absDir, "abs.txt"), "abs")

	rec := tasklog.NewRecorder()
	e := newExecutor(t, WithTempDir(t.TempDir()), WithLogger(rec))
	task := load(t, e, wasmtest.Guest{
		Report:    `{"name": "dirs", "properties": [{"name": "OutputFile", "property_type": "ITaskItem", "output": true, "required": false}]}`,
		EchoStdin: true,
		// Pass-through directories are preopened after the root, in order.
		Concat: &wasmtest.Concat{
			Inputs: []string{"dep.txt", "abs.txt"},
			FDs:    []int32{wasmtest.RootFD + 1, wasmtest.RootFD + 2},
			Output: "out.txt",
		},
		Stdout: `{"properties": {"OutputFile": {"WasmPath": "out.txt"}}}`,
	})

	dest := filepath.Join(t.TempDir(), "out.txt")
	inst := task.NewInstance()
	require.NoError(t, inst.SetDirectories("deps", absDir))
	require.NoError(t, inst.SetDestination("OutputFile", dest))

	res := inst.Execute(context.Background())
	require.NoError(t, res.Err)
	require.True(t, res.Success, "errors: %v", rec.Errors())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "relabs", string(data))

	// The guest sees the same absolute paths the directories are mounted at.
	listed, err := json.Marshal([]string{relDir, absDir})
	require.NoError(t, err)
	assert.True(t, rec.Contains(tasklog.LevelMessage, `"directories":`+string(listed)),
		"input envelope should list %s", listed)
}

func TestExecuteMissingRequiredInput(t *testing.T) {
	base := t.TempDir()
	e := newExecutor(t, WithTempDir(base))
	task := load(t, e, wasmtest.Guest{Report: concatSchema, Trap: true})

	inst := task.NewInstance()
	res := inst.Execute(context.Background())
	assert.ErrorIs(t, res.Err, ErrMissingInputs)
	assert.Contains(t, res.Err.Error(), "InputFiles")
	assert.False(t, res.Success)
	assert.Equal(t, InstanceReady, inst.State())
	assertEmptyDir(t, base)
}

func TestExecuteFailures(t *testing.T) {
	tests := []struct {
		name     string
		guest    wasmtest.Guest
		wantCode int32
		wantErr  error
	}{
		{"non-zero exit", wasmtest.Guest{Report: emptySchema, Exit: 2}, 2, nil},
		{"no output envelope", wasmtest.Guest{Report: emptySchema}, 0, sandbox.ErrNoOutput},
		{"missing execute", wasmtest.Guest{Report: emptySchema, NoExecute: true}, 0, sandbox.ErrMissingExport},
		{"malformed output", wasmtest.Guest{Report: emptySchema, Stdout: "{"}, 0, nil},
		{"trap", wasmtest.Guest{Report: emptySchema, Trap: true}, 0, nil},
		{"logged error", wasmtest.Guest{
			Report:   emptySchema,
			Stdout:   `{"properties": {}}`,
			Messages: []wasmtest.Message{{Kind: wasmtest.KindError, Text: "boom"}},
		}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := t.TempDir()
			rec := tasklog.NewRecorder()
			e := newExecutor(t, WithTempDir(base), WithLogger(rec))

			res := load(t, e, tt.guest).NewInstance().Execute(context.Background())
			assert.False(t, res.Success)
			assert.Empty(t, res.Outputs)
			assert.Equal(t, tt.wantCode, res.ExitCode)
			if tt.wantErr != nil {
				assert.ErrorIs(t, res.Err, tt.wantErr)
			}
			assert.NotEmpty(t, rec.Errors())
			assertEmptyDir(t, base)
		})
	}
}

func TestExecuteGuestMessages(t *testing.T) {
	rec := tasklog.NewRecorder()
	e := newExecutor(t, WithLogger(rec), WithTempDir(t.TempDir()))
	task := load(t, e, wasmtest.Guest{
		Report: emptySchema,
		Stdout: `{"properties": {}}`,
		Messages: []wasmtest.Message{
			{Kind: wasmtest.KindMessage, Importance: 0, Text: "hello"},
			{Kind: wasmtest.KindWarning, Text: "careful"},
		},
	})

	res := task.NewInstance().Execute(context.Background())
	require.NoError(t, res.Err)
	assert.True(t, res.Success, "a warning does not fail the task")
	assert.Contains(t, rec.Entries(), tasklog.Entry{Level: tasklog.LevelMessage, Importance: tasklog.High, Text: "hello"})
	assert.True(t, rec.Contains(tasklog.LevelWarning, "careful"))
}

func TestExecuteTimeout(t *testing.T) {
	base := t.TempDir()
	e := newExecutor(t, WithTimeout(100*time.Millisecond), WithTempDir(base))
	task := load(t, e, wasmtest.Guest{Report: emptySchema, Spin: true})

	start := time.Now()
	res := task.NewInstance().Execute(context.Background())
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Contains(t, res.Err.Error(), "timeout after 100ms")
	assert.False(t, res.Success)
	assert.Less(t, time.Since(start), 10*time.Second)
	assertEmptyDir(t, base)
}

func TestExecuteBusyAndDone(t *testing.T) {
	e := newExecutor(t, WithTimeout(time.Second), WithTempDir(t.TempDir()))
	inst := load(t, e, wasmtest.Guest{Report: emptySchema, Spin: true}).NewInstance()

	done := make(chan Result, 1)
	go func() { done <- inst.Execute(context.Background()) }()

	require.Eventually(t, func() bool { return inst.State() == InstanceExecuting },
		5*time.Second, 5*time.Millisecond)

	res := inst.Execute(context.Background())
	assert.ErrorIs(t, res.Err, ErrInstanceBusy)
	assert.ErrorIs(t, inst.Set("x", "y"), ErrInstanceBusy)

	first := <-done
	assert.ErrorIs(t, first.Err, context.DeadlineExceeded)

	res = inst.Execute(context.Background())
	assert.ErrorIs(t, res.Err, ErrInstanceDone)
	assert.ErrorIs(t, inst.SetDirectories(t.TempDir()), ErrInstanceDone)
}

func TestExecuteGuestChosenDestination(t *testing.T) {
	src := writeFile(t, filepath.Join(t.TempDir(), "a.txt"), "foo")
	root := t.TempDir()
	dest := filepath.Join(root, "sub", "out.txt")
	envelope := fmt.Sprintf(`{"properties": {"OutputFile": {"WasmPath": "/out.txt", "ItemSpec": %q}}}`, dest)

	t.Run("inside output root", func(t *testing.T) {
		e := newExecutor(t, WithOutputRoot(root), WithTempDir(t.TempDir()))
		inst := load(t, e, concatGuest(envelope, src)).NewInstance()
		require.NoError(t, inst.Set("InputFiles", []schema.FileRef{schema.NewFileRef(src)}))

		res := inst.Execute(context.Background())
		require.NoError(t, res.Err)
		assert.True(t, res.Success)
		assert.Equal(t, schema.FileRef{HostPath: dest}, res.Outputs["OutputFile"])
		assert.FileExists(t, dest)
	})

	t.Run("without output root", func(t *testing.T) {
		require.NoError(t, os.RemoveAll(filepath.Join(root, "sub")))
		rec := tasklog.NewRecorder()
		e := newExecutor(t, WithLogger(rec), WithTempDir(t.TempDir()))
		inst := load(t, e, concatGuest(envelope, src)).NewInstance()
		require.NoError(t, inst.Set("InputFiles", []schema.FileRef{schema.NewFileRef(src)}))

		res := inst.Execute(context.Background())
		require.NoError(t, res.Err)
		assert.True(t, res.Success, "a refused destination is a warning, not a failure")
		assert.NotContains(t, res.Outputs, "OutputFile")
		assert.NoFileExists(t, dest)
		assert.True(t, rec.Contains(tasklog.LevelWarning, "OutputFile"))
	})
}

func TestSetDestinationValidation(t *testing.T) {
	inst := load(t, newExecutor(t), wasmtest.Guest{Report: concatSchema}).NewInstance()

	assert.ErrorIs(t, inst.SetDestination("Nope", "x"), schema.ErrUnknownProperty)
	assert.ErrorIs(t, inst.SetDestination("InputFiles", "x"), schema.ErrKindMismatch)
	assert.ErrorIs(t, inst.SetDestination("OutputFile", "x", "y"), schema.ErrKindMismatch)
	assert.NoError(t, inst.SetDestination("outputfile", "x"))

	assert.ErrorIs(t, inst.Set("Separator", true), schema.ErrKindMismatch)
	assert.ErrorIs(t, inst.Set("Nope", "x"), schema.ErrUnknownProperty)
}

func TestExecuteWithHostFunc(t *testing.T) {
	called := make(chan int32, 1)
	e := newExecutor(t,
		WithTempDir(t.TempDir()),
		WithHostFunc("env", "notify", func(_ context.Context, v int32) { called <- v }),
	)

	m := wasmtest.NewModule()
	notify := m.Import("env", "notify", []byte{wasmtest.I32}, nil)
	taskInfo := m.Import(wasmtest.TaskInfoModule, "TaskInfo", []byte{wasmtest.I32, wasmtest.I32}, nil)
	report := m.Strings(1024, emptySchema)[0]
	m.Memory(1, "memory")
	m.ExportFunc("GetTaskInfo", m.Func(nil, nil, nil, report.Args(), wasmtest.Call(taskInfo)))
	m.ExportFunc("execute", m.Func(nil, []byte{wasmtest.I32}, nil,
		wasmtest.I32Const(7), wasmtest.Call(notify), wasmtest.I32Const(0)))

	task, err := e.Load(context.Background(), "notify", m.Bytes())
	require.NoError(t, err)
	res := task.NewInstance().Execute(context.Background())
	assert.ErrorIs(t, res.Err, sandbox.ErrNoOutput)

	select {
	case v := <-called:
		assert.Equal(t, int32(7), v)
	default:
		t.Fatal("host function was not called")
	}
}

func TestInstanceStateString(t *testing.T) {
	assert.Equal(t, "ready", InstanceReady.String())
	assert.Equal(t, "executing", InstanceExecuting.String())
	assert.Equal(t, "done", InstanceDone.String())
}
